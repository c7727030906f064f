package xclient

import (
	"os"
	"strconv"
	"time"

	"golang.org/x/time/rate"
)

const (
	followersIDsPath = "/1.1/followers/ids.json"
	usersLookupPath  = "/1.1/users/lookup.json"
	dmNewPath        = "/1.1/direct_messages/events/new.json"
	verifyPath       = "/1.1/account/verify_credentials.json"
	requestTokenPath = "/oauth/request_token"
	accessTokenPath  = "/oauth/access_token"
	authenticatePath = "/oauth/authenticate"
)

// Published per-user windows.
var endpointWindows = map[string]struct {
	requests int
	window   time.Duration
}{
	followersIDsPath: {15, 15 * time.Minute},
	usersLookupPath:  {900, 15 * time.Minute},
	dmNewPath:        {1000, 24 * time.Hour},
	verifyPath:       {75, 15 * time.Minute},
}

// newEndpointLimiters returns one token bucket per limited endpoint, full at start.
func newEndpointLimiters() map[string]*rate.Limiter {
	out := make(map[string]*rate.Limiter, len(endpointWindows))
	for path, w := range endpointWindows {
		out[path] = rate.NewLimiter(rate.Limit(float64(w.requests)/w.window.Seconds()), w.requests)
	}
	return out
}

// newDefaultLimiter creates a rate limiter using env overrides if present.
func newDefaultLimiter() *rate.Limiter {
	rps := 2.0
	burst := 10
	if v := os.Getenv("X_API_RPS"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			rps = f
		}
	}
	if v := os.Getenv("X_API_BURST"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			burst = n
		}
	}
	return rate.NewLimiter(rate.Limit(rps), burst)
}

func (c *HTTPClient) limiterFor(endpoint string) *rate.Limiter {
	if l, ok := c.limiters[endpoint]; ok {
		return l
	}
	return c.fallback
}
