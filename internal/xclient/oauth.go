package xclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"doyen/internal/model"
)

// RequestToken is the temporary credential of the three-legged flow.
type RequestToken struct {
	Token             string
	Secret            string
	CallbackConfirmed bool
}

// AccessToken is the long-lived user credential plus the owner it belongs to.
type AccessToken struct {
	Credentials model.Credentials
	UserID      string
	ScreenName  string
}

// RequestToken starts the OAuth 1.0a flow. callback "oob" selects PIN mode.
func (c *V1Client) RequestToken(ctx context.Context, callback string) (RequestToken, error) {
	var out RequestToken
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Base.baseURL+requestTokenPath, nil)
	if err != nil {
		return out, err
	}
	c.oauth1Sign(req, nil, model.Credentials{}, map[string]string{"oauth_callback": callback})
	vals, err := c.formCall(ctx, req, requestTokenPath)
	if err != nil {
		return out, err
	}
	out = RequestToken{
		Token:             vals.Get("oauth_token"),
		Secret:            vals.Get("oauth_token_secret"),
		CallbackConfirmed: vals.Get("oauth_callback_confirmed") == "true",
	}
	if out.Token == "" {
		return out, errors.New("request token missing from response")
	}
	return out, nil
}

// AuthenticateURL is where the user approves the request token.
func (c *V1Client) AuthenticateURL(token string) string {
	return c.Base.baseURL + authenticatePath + "?oauth_token=" + url.QueryEscape(token)
}

// AccessToken exchanges an approved request token and its verifier.
func (c *V1Client) AccessToken(ctx context.Context, rt RequestToken, verifier string) (AccessToken, error) {
	var out AccessToken
	params := map[string]string{"oauth_verifier": verifier}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Base.baseURL+accessTokenPath+"?"+encodeQuery(params), nil)
	if err != nil {
		return out, err
	}
	c.oauth1Sign(req, params, model.Credentials{Token: rt.Token, TokenSecret: rt.Secret}, nil)
	vals, err := c.formCall(ctx, req, accessTokenPath)
	if err != nil {
		return out, err
	}
	out = AccessToken{
		Credentials: model.Credentials{Token: vals.Get("oauth_token"), TokenSecret: vals.Get("oauth_token_secret")},
		UserID:      vals.Get("user_id"),
		ScreenName:  vals.Get("screen_name"),
	}
	if out.Credentials.Token == "" || out.Credentials.TokenSecret == "" {
		return out, errors.New("access token missing from response")
	}
	return out, nil
}

// formCall runs a token endpoint call, which answers form-encoded.
func (c *V1Client) formCall(ctx context.Context, req *http.Request, endpoint string) (url.Values, error) {
	resp, err := c.Base.do(ctx, req, endpoint, 1)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(io.LimitReader(resp.Body, 16<<10))
	if err != nil {
		return nil, err
	}
	vals, err := url.ParseQuery(string(b))
	if err != nil {
		return nil, fmt.Errorf("parse %s response: %w", endpoint, err)
	}
	return vals, nil
}
