package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"doyen/internal/logging"
	"doyen/internal/model"
	"doyen/internal/store/sqlitekv"
	"doyen/internal/xclient"
)

// ErrUnknownRequestToken rejects callbacks for tokens this process never
// issued or that have expired.
var ErrUnknownRequestToken = errors.New("unknown or expired request token")

const pendingTTL = 15 * time.Minute

// Provider is the remote side of the three-legged OAuth flow.
type Provider interface {
	RequestToken(ctx context.Context, callback string) (xclient.RequestToken, error)
	AuthenticateURL(token string) string
	AccessToken(ctx context.Context, rt xclient.RequestToken, verifier string) (xclient.AccessToken, error)
	VerifyCredentials(ctx context.Context, creds model.Credentials) (model.Profile, error)
}

// Login is a started sign-in waiting for the user's verifier.
type Login struct {
	URL   string `json:"url"`
	Token string `json:"token"`
}

type pending struct {
	rt      xclient.RequestToken
	expires time.Time
}

// Service runs the login flow and stores the resulting account.
type Service struct {
	db       *sqlitekv.DB
	provider Provider
	callback string
	now      func() time.Time

	mu      sync.Mutex
	pending map[string]pending
}

func NewService(db *sqlitekv.DB, p Provider, callback string) *Service {
	return &Service{db: db, provider: p, callback: callback, now: time.Now, pending: map[string]pending{}}
}

// Begin requests a token and returns the URL the user must visit.
func (s *Service) Begin(ctx context.Context) (Login, error) {
	rt, err := s.provider.RequestToken(ctx, s.callback)
	if err != nil {
		return Login{}, fmt.Errorf("request token: %w", err)
	}
	s.mu.Lock()
	s.prune()
	s.pending[rt.Token] = pending{rt: rt, expires: s.now().Add(pendingTTL)}
	s.mu.Unlock()
	return Login{URL: s.provider.AuthenticateURL(rt.Token), Token: rt.Token}, nil
}

// Complete exchanges the verifier for access credentials and saves the account.
func (s *Service) Complete(ctx context.Context, token, verifier string) (model.Account, error) {
	s.mu.Lock()
	s.prune()
	p, ok := s.pending[token]
	delete(s.pending, token)
	s.mu.Unlock()
	if !ok {
		return model.Account{}, ErrUnknownRequestToken
	}

	at, err := s.provider.AccessToken(ctx, p.rt, verifier)
	if err != nil {
		return model.Account{}, fmt.Errorf("access token: %w", err)
	}
	prof, err := s.provider.VerifyCredentials(ctx, at.Credentials)
	if err != nil {
		return model.Account{}, fmt.Errorf("verify credentials: %w", err)
	}
	acct := model.Account{
		Identity: model.Identity{
			ID:             prof.ID,
			Name:           prof.Name,
			ScreenName:     prof.ScreenName,
			FollowersCount: prof.Followers,
		},
		Credentials: at.Credentials,
	}
	if acct.Identity.ID == "" {
		acct.Identity.ID, acct.Identity.ScreenName = at.UserID, at.ScreenName
	}
	if err := s.db.SaveAccount(ctx, acct); err != nil {
		return model.Account{}, fmt.Errorf("save account: %w", err)
	}
	logging.Info("login_complete", map[string]any{"user_id": acct.Identity.ID, "screen_name": acct.Identity.ScreenName, "followers": acct.Identity.FollowersCount})
	return acct, nil
}

// prune drops expired request tokens. Callers hold mu.
func (s *Service) prune() {
	now := s.now()
	for k, p := range s.pending {
		if now.After(p.expires) {
			delete(s.pending, k)
		}
	}
}
