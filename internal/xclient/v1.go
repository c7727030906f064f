package xclient

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"doyen/internal/model"
)

const (
	maxIDsPerPage     = 5000
	maxUsersPerLookup = 100
)

// V1Client calls X API v1.1 endpoints with OAuth 1.0a user context.
type V1Client struct {
	Base           *HTTPClient
	ConsumerKey    string
	ConsumerSecret string
	nowFn          func() time.Time
	nonceFn        func() string
}

func NewV1Client(base *HTTPClient, ck, cs string) *V1Client {
	return &V1Client{
		Base:           base,
		ConsumerKey:    ck,
		ConsumerSecret: cs,
		nowFn:          time.Now,
		nonceFn:        func() string { return strconv.FormatInt(rand.Int63(), 36) },
	}
}

// FollowerIDs returns one page of follower ids for userID starting at cursor.
func (c *V1Client) FollowerIDs(ctx context.Context, creds model.Credentials, userID, cursor string, count int) (model.FollowerPage, error) {
	var out model.FollowerPage
	if userID == "" {
		return out, errors.New("empty user id")
	}
	params := map[string]string{
		"stringify_ids": "true",
		"user_id":       userID,
		"count":         strconv.Itoa(clamp(count, 1, maxIDsPerPage)),
	}
	if cursor != "" {
		params["cursor"] = cursor
	}
	resp, err := c.get(ctx, followersIDsPath, params, creds)
	if err != nil {
		return out, err
	}
	defer resp.Body.Close()
	var raw struct {
		IDs               []string `json:"ids"`
		NextCursorStr     string   `json:"next_cursor_str"`
		PreviousCursorStr string   `json:"previous_cursor_str"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return out, err
	}
	return model.FollowerPage{IDs: raw.IDs, Next: raw.NextCursorStr, Previous: raw.PreviousCursorStr}, nil
}

// LookupUsers hydrates up to 100 ids. Suspended or deleted accounts are
// silently missing from the result.
func (c *V1Client) LookupUsers(ctx context.Context, creds model.Credentials, ids []string) ([]model.Profile, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	if len(ids) > maxUsersPerLookup {
		return nil, fmt.Errorf("lookup accepts at most %d ids, got %d", maxUsersPerLookup, len(ids))
	}
	params := map[string]string{
		"user_id":          strings.Join(ids, ","),
		"include_entities": "false",
	}
	resp, err := c.get(ctx, usersLookupPath, params, creds)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	var raw []rawUser
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, err
	}
	out := make([]model.Profile, 0, len(raw))
	for _, u := range raw {
		out = append(out, u.profile())
	}
	return out, nil
}

// SendDirectMessage delivers one DM. It is never retried: a 5xx may still
// have delivered the message.
func (c *V1Client) SendDirectMessage(ctx context.Context, creds model.Credentials, recipientID, text string) error {
	var body struct {
		Event struct {
			Type          string `json:"type"`
			MessageCreate struct {
				Target struct {
					RecipientID string `json:"recipient_id"`
				} `json:"target"`
				MessageData struct {
					Text string `json:"text"`
				} `json:"message_data"`
			} `json:"message_create"`
		} `json:"event"`
	}
	body.Event.Type = "message_create"
	body.Event.MessageCreate.Target.RecipientID = recipientID
	body.Event.MessageCreate.MessageData.Text = text
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Base.baseURL+dmNewPath, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	c.oauth1Sign(req, nil, creds, nil)
	resp, err := c.Base.do(ctx, req, dmNewPath, 1)
	if err != nil {
		return err
	}
	return resp.Body.Close()
}

// VerifyCredentials returns the profile of the token owner.
func (c *V1Client) VerifyCredentials(ctx context.Context, creds model.Credentials) (model.Profile, error) {
	resp, err := c.get(ctx, verifyPath, map[string]string{"skip_status": "false"}, creds)
	if err != nil {
		return model.Profile{}, err
	}
	defer resp.Body.Close()
	var u rawUser
	if err := json.NewDecoder(resp.Body).Decode(&u); err != nil {
		return model.Profile{}, err
	}
	return u.profile(), nil
}

func (c *V1Client) get(ctx context.Context, path string, params map[string]string, creds model.Credentials) (*http.Response, error) {
	reqURL := c.Base.baseURL + path + "?" + encodeQuery(params)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, err
	}
	c.oauth1Sign(req, params, creds, nil)
	return c.Base.do(ctx, req, path, 0)
}

type rawUser struct {
	IDStr                string `json:"id_str"`
	ScreenName           string `json:"screen_name"`
	Name                 string `json:"name"`
	Location             string `json:"location"`
	URL                  string `json:"url"`
	Description          string `json:"description"`
	Verified             bool   `json:"verified"`
	FollowersCount       int    `json:"followers_count"`
	FriendsCount         int    `json:"friends_count"`
	ListedCount          int    `json:"listed_count"`
	FavouritesCount      int    `json:"favourites_count"`
	StatusesCount        int    `json:"statuses_count"`
	CreatedAt            string `json:"created_at"`
	ProfileImageURLHTTPS string `json:"profile_image_url_https"`
	DefaultProfile       bool   `json:"default_profile"`
	DefaultProfileImage  bool   `json:"default_profile_image"`
	Status               *struct {
		CreatedAt string `json:"created_at"`
	} `json:"status"`
}

func (u rawUser) profile() model.Profile {
	// Parse example: Mon Jan 02 15:04:05 -0700 2006
	created, _ := time.Parse(time.RubyDate, u.CreatedAt)
	p := model.Profile{
		ID:             u.IDStr,
		ScreenName:     u.ScreenName,
		Name:           u.Name,
		Location:       u.Location,
		URL:            u.URL,
		Description:    u.Description,
		Verified:       u.Verified,
		Followers:      u.FollowersCount,
		Following:      u.FriendsCount,
		Listed:         u.ListedCount,
		Favourites:     u.FavouritesCount,
		Statuses:       u.StatusesCount,
		Created:        created.UTC(),
		ProfileImage:   strings.Replace(u.ProfileImageURLHTTPS, "_normal", "_400x400", 1),
		DefaultProfile: u.DefaultProfile,
		DefaultImage:   u.DefaultProfileImage,
	}
	if u.Status != nil {
		if ts, err := time.Parse(time.RubyDate, u.Status.CreatedAt); err == nil {
			ts = ts.UTC()
			p.LastTweet = &ts
		}
	}
	return p
}

// oauth1Sign sets the OAuth 1.0a Authorization header. params are the query or
// form parameters that take part in the signature; extra are additional oauth_*
// protocol parameters such as oauth_callback.
func (c *V1Client) oauth1Sign(req *http.Request, params map[string]string, creds model.Credentials, extra map[string]string) {
	oauth := map[string]string{
		"oauth_consumer_key":     c.ConsumerKey,
		"oauth_nonce":            c.nonceFn(),
		"oauth_signature_method": "HMAC-SHA1",
		"oauth_timestamp":        strconv.FormatInt(c.nowFn().Unix(), 10),
		"oauth_version":          "1.0",
	}
	if creds.Token != "" {
		oauth["oauth_token"] = creds.Token
	}
	for k, v := range extra {
		oauth[k] = v
	}
	all := make(map[string]string, len(oauth)+len(params))
	for k, v := range oauth {
		all[k] = v
	}
	for k, v := range params {
		all[k] = v
	}
	baseURL := req.URL.Scheme + "://" + req.URL.Host + req.URL.Path
	oauth["oauth_signature"] = signature(req.Method, baseURL, all, c.ConsumerSecret, creds.TokenSecret)

	hdrKeys := make([]string, 0, len(oauth))
	for k := range oauth {
		hdrKeys = append(hdrKeys, k)
	}
	sort.Strings(hdrKeys)
	authParts := make([]string, 0, len(hdrKeys))
	for _, k := range hdrKeys {
		authParts = append(authParts, fmt.Sprintf("%s=\"%s\"", rfc3986(k), rfc3986(oauth[k])))
	}
	req.Header.Set("Authorization", "OAuth "+strings.Join(authParts, ", "))
	req.Header.Set("Accept", "application/json")
}

// signatureBase builds METHOD&url&params with every part percent-encoded.
func signatureBase(method, baseURL string, params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, rfc3986(k)+"="+rfc3986(params[k]))
	}
	return strings.ToUpper(method) + "&" + rfc3986(baseURL) + "&" + rfc3986(strings.Join(parts, "&"))
}

// signature is HMAC-SHA1 over the base string. An empty token secret is valid
// while requesting a request token.
func signature(method, baseURL string, params map[string]string, consumerSecret, tokenSecret string) string {
	key := rfc3986(consumerSecret) + "&" + rfc3986(tokenSecret)
	mac := hmac.New(sha1.New, []byte(key))
	_, _ = mac.Write([]byte(signatureBase(method, baseURL, params)))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func encodeQuery(m map[string]string) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, rfc3986(k)+"="+rfc3986(m[k]))
	}
	return strings.Join(parts, "&")
}

// RFC 3986 percent-encoding for OAuth
func rfc3986(s string) string {
	return strings.ReplaceAll(strings.ReplaceAll(url.QueryEscape(s), "+", "%20"), "*", "%2A")
}
