package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	chi "github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"doyen/internal/auth"
	"doyen/internal/engage"
	"doyen/internal/jobs"
	"doyen/internal/logging"
	"doyen/internal/metrics"
	"doyen/internal/model"
	"doyen/internal/recommend"
)

// Core is the application surface the HTTP API exposes.
type Core interface {
	StartIngestion() (string, error)
	SyncStatus() jobs.Status
	SendOutboundBatch(ctx context.Context, ids []string, message string, coldRun bool) (engage.Result, error)
	QuotaRemaining(ctx context.Context) (engage.Quota, error)
	UnhydratedIDs(ctx context.Context) ([]string, error)
	TopFollowers(ctx context.Context, opts recommend.Options) ([]recommend.Candidate, error)
	Campaigns(ctx context.Context) ([]model.Campaign, error)
}

// Login is the browser sign-in flow.
type Login interface {
	Begin(ctx context.Context) (auth.Login, error)
	Complete(ctx context.Context, token, verifier string) (model.Account, error)
}

// Server wraps a chi router with the base middlewares.
type Server struct {
	Router      chi.Router
	core        Core
	login       Login
	frontendURL string
	srv         *http.Server
}

func NewServer(core Core, login Login, frontendURL string) *Server {
	s := &Server{core: core, login: login, frontendURL: frontendURL}
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLog)
	r.Use(middleware.Recoverer)

	// a full batch is up to a thousand sequential sends, so it runs without the request timeout
	r.Post("/api/campaigns", s.sendCampaign)

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(60 * time.Second))
		r.Get("/health", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
		r.Handle("/metrics", metrics.Handler())
		r.Route("/api", func(r chi.Router) {
			r.Post("/sync", s.startSync)
			r.Get("/sync", s.syncStatus)
			r.Get("/campaigns", s.campaigns)
			r.Get("/quota", s.quota)
			r.Get("/followers/unhydrated", s.unhydrated)
			r.Get("/followers/top", s.topFollowers)
		})
		r.Route("/auth", func(r chi.Router) {
			r.Get("/login", s.authLogin)
			r.Get("/callback", s.authCallback)
		})
	})
	s.Router = r
	return s
}

// Start serves until Shutdown is called.
func (s *Server) Start(addr string) error {
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.Router,
		ReadHeaderTimeout: 15 * time.Second,
		ReadTimeout:       15 * time.Second,
	}
	logging.Info("http_listen", map[string]any{"addr": addr})
	err := s.srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

func (s *Server) startSync(w http.ResponseWriter, r *http.Request) {
	id, err := s.core.StartIngestion()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"runId": id})
}

func (s *Server) syncStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.core.SyncStatus())
}

type campaignRequest struct {
	IDs     []string `json:"ids"`
	Message string   `json:"message"`
	ColdRun bool     `json:"coldRun"`
}

func (s *Server) sendCampaign(w http.ResponseWriter, r *http.Request) {
	var req campaignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid json: " + err.Error()})
		return
	}
	res, err := s.core.SendOutboundBatch(r.Context(), req.IDs, req.Message, req.ColdRun)
	var se *engage.SendError
	if errors.As(err, &se) {
		writeJSON(w, http.StatusBadGateway, map[string]any{"result": res, "error": err.Error()})
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) campaigns(w http.ResponseWriter, r *http.Request) {
	out, err := s.core.Campaigns(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if out == nil {
		out = []model.Campaign{}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) quota(w http.ResponseWriter, r *http.Request) {
	q, err := s.core.QuotaRemaining(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

func (s *Server) unhydrated(w http.ResponseWriter, r *http.Request) {
	ids, err := s.core.UnhydratedIDs(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if ids == nil {
		ids = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"count": len(ids), "ids": ids})
}

func (s *Server) topFollowers(w http.ResponseWriter, r *http.Request) {
	opts, err := parseRankOptions(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}
	out, err := s.core.TopFollowers(r.Context(), opts)
	if err != nil {
		writeError(w, err)
		return
	}
	if out == nil {
		out = []recommend.Candidate{}
	}
	writeJSON(w, http.StatusOK, out)
}

func parseRankOptions(r *http.Request) (recommend.Options, error) {
	q := r.URL.Query()
	opts := recommend.Options{Filter: q.Get("filter"), Limit: 50}
	var err error
	if v := q.Get("ratio"); v != "" {
		if opts.Ratio, err = strconv.ParseFloat(v, 64); err != nil {
			return opts, errors.New("ratio must be a number")
		}
	}
	if v := q.Get("maxBot"); v != "" {
		if opts.MaxBotLikelihood, err = strconv.ParseFloat(v, 64); err != nil {
			return opts, errors.New("maxBot must be a number")
		}
	}
	if v := q.Get("limit"); v != "" {
		if opts.Limit, err = strconv.Atoi(v); err != nil || opts.Limit < 0 {
			return opts, errors.New("limit must be a non-negative integer")
		}
	}
	if v := q.Get("verified"); v != "" {
		if opts.OnlyVerified, err = strconv.ParseBool(v); err != nil {
			return opts, errors.New("verified must be a boolean")
		}
	}
	if v := q.Get("since"); v != "" {
		since, err := parseSince(v)
		if err != nil {
			return opts, err
		}
		opts.Since = &since
	}
	return opts, nil
}

// parseSince accepts RFC3339 or unix milliseconds.
func parseSince(v string) (time.Time, error) {
	if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.UnixMilli(ms).UTC(), nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, errors.New("since must be RFC3339 or unix milliseconds")
	}
	return t, nil
}

func (s *Server) authLogin(w http.ResponseWriter, r *http.Request) {
	login, err := s.login.Begin(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	http.Redirect(w, r, login.URL, http.StatusFound)
}

func (s *Server) authCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	token, verifier := q.Get("oauth_token"), q.Get("oauth_verifier")
	if token == "" || verifier == "" {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "oauth_token and oauth_verifier are required"})
		return
	}
	acct, err := s.login.Complete(r.Context(), token, verifier)
	if err != nil {
		writeError(w, err)
		return
	}
	if s.frontendURL != "" {
		http.Redirect(w, r, s.frontendURL, http.StatusFound)
		return
	}
	writeJSON(w, http.StatusOK, acct.Identity)
}
