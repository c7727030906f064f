package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"doyen/internal/auth"
	"doyen/internal/config"
	"doyen/internal/engage"
	"doyen/internal/ingest"
	"doyen/internal/jobs"
	"doyen/internal/logging"
	"doyen/internal/model"
	"doyen/internal/recommend"
	"doyen/internal/store/sqlitekv"
	"doyen/internal/xclient"
)

// App wires the store, the remote client and the services on top of them.
// It backs both the CLI and the HTTP API.
type App struct {
	cfg       config.Config
	db        *sqlitekv.DB
	client    *xclient.V1Client
	redis     *redis.Client
	hydrator  *ingest.Hydrator
	runner    *jobs.Runner
	scheduler *engage.Scheduler
	login     *auth.Service

	// background runs outlive the request that started them
	ctx    context.Context
	cancel context.CancelFunc
}

func New(cfg config.Config) (*App, error) {
	db, err := sqlitekv.Open(cfg.Storage.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	client := xclient.NewV1Client(xclient.NewHTTPClient(cfg.API), cfg.Credentials.ConsumerKey, cfg.Credentials.ConsumerSecret)
	a := &App{cfg: cfg, db: db, client: client}

	in := ingest.NewIngestor(db, client, cfg.Pacing.LocalFollowerLimit)
	a.hydrator = ingest.NewHydrator(db, client, cfg.Pacing.HydrateChunk)
	a.runner = jobs.NewRunner(db, in, a.hydrator, cfg.Pacing)

	var gate engage.Gate = &engage.LocalGate{}
	if cfg.Redis.Addr != "" {
		a.redis = redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		gate = engage.NewRedisGate(a.redis, cfg.Redis.LockKey, cfg.Redis.LockTTL)
		logging.Info("send_gate", map[string]any{"kind": "redis", "addr": cfg.Redis.Addr})
	}
	a.scheduler = engage.NewScheduler(db, client, gate, cfg.Outbound)
	a.login = auth.NewService(db, client, cfg.Credentials.CallbackURL)
	a.ctx, a.cancel = context.WithCancel(context.Background())
	return a, nil
}

// Close stops background runs and releases the store and Redis.
func (a *App) Close() error {
	a.cancel()
	var errs []error
	if a.redis != nil {
		errs = append(errs, a.redis.Close())
	}
	errs = append(errs, a.db.Close())
	return errors.Join(errs...)
}

func (a *App) Login() *auth.Service { return a.login }

func (a *App) Account(ctx context.Context) (model.Account, error) {
	acct, ok, err := a.db.LoadAccount(ctx)
	if err != nil {
		return model.Account{}, err
	}
	if !ok || !acct.Authenticated() {
		return model.Account{}, model.ErrNotAuthenticated
	}
	return acct, nil
}

// RunIngestionAndHydration runs the pacing loop to completion.
func (a *App) RunIngestionAndHydration(ctx context.Context) (jobs.Status, error) {
	return a.runner.Run(ctx)
}

// StartIngestion runs the pacing loop in the background.
func (a *App) StartIngestion() (string, error) {
	return a.runner.Start(a.ctx)
}

func (a *App) SyncStatus() jobs.Status { return a.runner.Status() }

func (a *App) SendOutboundBatch(ctx context.Context, ids []string, message string, coldRun bool) (engage.Result, error) {
	return a.scheduler.SendBatch(ctx, ids, message, coldRun)
}

func (a *App) QuotaRemaining(ctx context.Context) (engage.Quota, error) {
	return a.scheduler.Remaining(ctx)
}

func (a *App) UnhydratedIDs(ctx context.Context) ([]string, error) {
	return a.hydrator.SelectUnhydrated(ctx)
}

func (a *App) FollowerCount(ctx context.Context) (int, error) {
	return a.db.FollowerCount(ctx)
}

func (a *App) TopFollowers(ctx context.Context, opts recommend.Options) ([]recommend.Candidate, error) {
	return recommend.Rank(ctx, a.db, opts, time.Now().UTC())
}

// Campaigns lists every recorded campaign, oldest first, the latest last.
func (a *App) Campaigns(ctx context.Context) ([]model.Campaign, error) {
	out, err := a.db.CampaignHistory(ctx)
	if err != nil {
		return nil, err
	}
	c, ok, err := a.db.LatestCampaign(ctx)
	if err != nil {
		return nil, err
	}
	if ok {
		out = append(out, c)
	}
	return out, nil
}

// RefreshStale re-hydrates profiles older than the configured age.
func (a *App) RefreshStale(ctx context.Context) (int, error) {
	acct, err := a.Account(ctx)
	if err != nil {
		return 0, err
	}
	ids, err := a.hydrator.SelectStale(ctx, a.cfg.Pacing.StaleAfter)
	if err != nil {
		return 0, err
	}
	logging.Info("refresh_stale", map[string]any{"count": len(ids), "max_age": a.cfg.Pacing.StaleAfter.String()})
	if len(ids) == 0 {
		return 0, nil
	}
	return a.hydrator.HydrateBatch(ctx, ids, acct.Credentials)
}
