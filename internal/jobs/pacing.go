package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"doyen/internal/config"
	"doyen/internal/ingest"
	"doyen/internal/logging"
	"doyen/internal/metrics"
	"doyen/internal/model"
	"doyen/internal/store/sqlitekv"
)

var (
	ErrRunInProgress  = errors.New("ingestion run already in progress")
	ErrIterationLimit = errors.New("ingestion stopped at iteration limit")
)

type State string

const (
	StateIdle    State = "IDLE"
	StateRunning State = "RUNNING"
	StateDone    State = "DONE"
	StateError   State = "ERROR"
)

// Mode is the pacing profile picked from the account's follower count.
type Mode struct {
	Name     string        `json:"name"`
	Interval time.Duration `json:"interval"`
}

// SelectMode picks burst pacing for small accounts and sustained pacing
// for accounts at or above the burst threshold.
func SelectMode(followers int, cfg config.PacingConfig) Mode {
	if followers < cfg.BurstThreshold {
		return Mode{Name: "burst", Interval: cfg.BurstInterval}
	}
	return Mode{Name: "sustained", Interval: cfg.SustainedInterval}
}

// Status is a snapshot of the current or last run.
type Status struct {
	RunID      string     `json:"runId,omitempty"`
	State      State      `json:"state"`
	Mode       string     `json:"mode,omitempty"`
	Iterations int        `json:"iterations"`
	Downloaded int        `json:"downloaded"`
	Hydrated   int        `json:"hydrated"`
	Err        string     `json:"error,omitempty"`
	StartedAt  *time.Time `json:"startedAt,omitempty"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`
}

// Runner drives the download-then-hydrate loop until the follower list is
// exhausted. Only one run is active at a time.
type Runner struct {
	db       *sqlitekv.DB
	ingestor *ingest.Ingestor
	hydrator *ingest.Hydrator
	cfg      config.PacingConfig
	sleep    func(ctx context.Context, d time.Duration) error

	mu     sync.Mutex
	status Status
}

func NewRunner(db *sqlitekv.DB, in *ingest.Ingestor, h *ingest.Hydrator, cfg config.PacingConfig) *Runner {
	return &Runner{db: db, ingestor: in, hydrator: h, cfg: cfg, sleep: sleepCtx, status: Status{State: StateIdle}}
}

func (r *Runner) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// Run executes one complete run on the calling goroutine.
func (r *Runner) Run(ctx context.Context) (Status, error) {
	if _, err := r.claim(); err != nil {
		return r.Status(), err
	}
	err := r.execute(ctx)
	return r.Status(), err
}

// Start claims the runner and executes the run in the background.
// The returned id identifies the run in Status.
func (r *Runner) Start(ctx context.Context) (string, error) {
	id, err := r.claim()
	if err != nil {
		return "", err
	}
	go func() { _ = r.execute(ctx) }()
	return id, nil
}

func (r *Runner) claim() (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status.State == StateRunning {
		return "", ErrRunInProgress
	}
	now := time.Now().UTC()
	r.status = Status{RunID: uuid.NewString(), State: StateRunning, StartedAt: &now}
	return r.status.RunID, nil
}

func (r *Runner) update(fn func(s *Status)) {
	r.mu.Lock()
	fn(&r.status)
	r.mu.Unlock()
}

func (r *Runner) finish(err error) error {
	now := time.Now().UTC()
	r.update(func(s *Status) {
		s.FinishedAt = &now
		if err != nil {
			s.State = StateError
			s.Err = err.Error()
		} else {
			s.State = StateDone
		}
	})
	st := r.Status()
	fields := map[string]any{
		"run_id": st.RunID, "iterations": st.Iterations, "downloaded": st.Downloaded, "hydrated": st.Hydrated,
	}
	if err != nil {
		metrics.IngestErrors.Inc()
		fields["error"] = err.Error()
		logging.Error("ingest_run_failed", fields)
	} else {
		logging.Info("ingest_run_done", fields)
	}
	return err
}

func (r *Runner) execute(ctx context.Context) error {
	metrics.IngestRuns.Inc()
	acct, ok, err := r.db.LoadAccount(ctx)
	if err != nil {
		return r.finish(fmt.Errorf("load account: %w", err))
	}
	if !ok || !acct.Authenticated() {
		return r.finish(model.ErrNotAuthenticated)
	}
	mode := SelectMode(acct.Identity.FollowersCount, r.cfg)
	r.update(func(s *Status) { s.Mode = mode.Name })
	logging.Info("ingest_run_start", map[string]any{
		"run_id": r.Status().RunID, "mode": mode.Name, "followers": acct.Identity.FollowersCount,
	})

	for iter := 0; ; iter++ {
		if r.cfg.MaxIterations > 0 && iter >= r.cfg.MaxIterations {
			return r.finish(ErrIterationLimit)
		}
		terminal, err := r.iterate(ctx, acct)
		if err != nil {
			return r.finish(err)
		}
		if terminal {
			return r.finish(nil)
		}
		if err := r.sleep(ctx, mode.Interval); err != nil {
			return r.finish(err)
		}
	}
}

// iterate fetches one page, then hydrates everything still unhydrated.
func (r *Runner) iterate(ctx context.Context, acct model.Account) (bool, error) {
	start := time.Now()
	defer metrics.ObserveIngestDuration(start)

	page, err := r.ingestor.FetchPage(ctx, acct, r.cfg.PageLimit)
	if err != nil {
		return false, err
	}
	r.update(func(s *Status) {
		s.Iterations++
		s.Downloaded += page.Added()
	})
	if err := r.sleep(ctx, r.cfg.SettleDelay); err != nil {
		return false, err
	}

	pending, err := r.hydrator.SelectUnhydrated(ctx)
	if err != nil {
		return false, fmt.Errorf("select unhydrated: %w", err)
	}
	if len(pending) > 0 {
		n, err := r.hydrator.HydrateBatch(ctx, pending, acct.Credentials)
		r.update(func(s *Status) { s.Hydrated += n })
		if err != nil {
			return false, err
		}
	}
	if err := r.sleep(ctx, r.cfg.SettleDelay); err != nil {
		return false, err
	}
	return page.Terminal(), nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
