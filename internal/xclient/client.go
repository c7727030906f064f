package xclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"doyen/internal/config"
	"doyen/internal/metrics"
)

// HTTPClient is the shared transport for X API calls: per-endpoint rate
// limiting plus retries on 429 and 5xx.
type HTTPClient struct {
	baseURL     string
	httpClient  *http.Client
	limiters    map[string]*rate.Limiter
	fallback    *rate.Limiter
	maxAttempts int
	baseBackoff time.Duration
}

func NewHTTPClient(cfg config.APIConfig) *HTTPClient {
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = "https://api.twitter.com"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &HTTPClient{
		baseURL:     base,
		httpClient:  &http.Client{Timeout: timeout},
		limiters:    newEndpointLimiters(),
		fallback:    newDefaultLimiter(),
		maxAttempts: clamp(cfg.MaxAttempts, 1, 10),
		baseBackoff: cfg.BaseBackoff,
	}
}

// APIError is a non-2xx answer from the X API.
type APIError struct {
	Status  int
	Code    int
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("x api status %d", e.Status)
	}
	if e.Code != 0 {
		return fmt.Sprintf("x api status %d: %s (code %d)", e.Status, e.Message, e.Code)
	}
	return fmt.Sprintf("x api status %d: %s", e.Status, e.Message)
}

// RateLimited reports whether the remote rejected the call for rate reasons.
func (e *APIError) RateLimited() bool { return e.Status == http.StatusTooManyRequests || e.Code == 88 }

func decodeAPIError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	apiErr := &APIError{Status: resp.StatusCode}
	var raw struct {
		Errors []struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"errors"`
	}
	if json.Unmarshal(body, &raw) == nil && len(raw.Errors) > 0 {
		msgs := make([]string, 0, len(raw.Errors))
		for _, e := range raw.Errors {
			msgs = append(msgs, e.Message)
		}
		apiErr.Code = raw.Errors[0].Code
		apiErr.Message = strings.Join(msgs, "; ")
	} else if s := strings.TrimSpace(string(body)); s != "" && len(s) < 200 {
		apiErr.Message = s
	}
	return apiErr
}

// do waits for the endpoint's limiter, sends req and returns any 2xx response.
// Other statuses come back as *APIError.
func (c *HTTPClient) do(ctx context.Context, req *http.Request, endpoint string, attempts int) (*http.Response, error) {
	if err := c.limiterFor(endpoint).Wait(ctx); err != nil {
		return nil, err
	}
	resp, err := c.doWithRetry(ctx, req, endpoint, attempts)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		return nil, decodeAPIError(resp)
	}
	return resp, nil
}

func (c *HTTPClient) doWithRetry(ctx context.Context, req *http.Request, endpoint string, attempts int) (*http.Response, error) {
	if attempts <= 0 {
		attempts = c.maxAttempts
	}
	backoff := c.baseBackoff
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		r := req.Clone(ctx)
		if req.GetBody != nil {
			body, err := req.GetBody()
			if err != nil {
				return nil, err
			}
			r.Body = body
		}
		resp, err := c.httpClient.Do(r)
		if err == nil {
			retryable := resp.StatusCode == http.StatusTooManyRequests || (resp.StatusCode >= 500 && resp.StatusCode <= 599)
			if !retryable || attempt == attempts {
				return resp, nil
			}
			wait := retryAfter(resp.Header, backoff)
			_ = resp.Body.Close()
			metrics.IncAPIRetry(endpoint)
			if err := sleepCtx(ctx, jitter(wait)); err != nil {
				return nil, err
			}
			backoff *= 2
			continue
		}
		lastErr = err
		if attempt == attempts {
			break
		}
		metrics.IncAPIRetry(endpoint)
		if err := sleepCtx(ctx, backoff); err != nil {
			return nil, err
		}
		backoff *= 2
	}
	return nil, fmt.Errorf("request failed after %d attempts: %w", attempts, lastErr)
}

// retryAfter prefers Retry-After, then the x-rate-limit-reset epoch, then def.
func retryAfter(h http.Header, def time.Duration) time.Duration {
	if ra := h.Get("Retry-After"); ra != "" {
		if secs, err := strconv.Atoi(ra); err == nil {
			return time.Duration(secs) * time.Second
		}
		if t, err := http.ParseTime(ra); err == nil {
			if d := time.Until(t); d > 0 {
				return d
			}
		}
	}
	if reset := h.Get("x-rate-limit-reset"); reset != "" {
		if epoch, err := strconv.ParseInt(reset, 10, 64); err == nil {
			if d := time.Until(time.Unix(epoch, 0)); d > 0 {
				return d
			}
		}
	}
	return def
}

// jitter spreads wait by +/-20%.
func jitter(wait time.Duration) time.Duration {
	j := time.Duration(float64(wait) * 0.2)
	if j <= 0 {
		return wait
	}
	return wait - j + time.Duration(time.Now().UnixNano()%int64(2*j))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func clamp(v, min, max int) int {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
