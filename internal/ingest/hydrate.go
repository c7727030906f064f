package ingest

import (
	"context"
	"fmt"
	"time"

	"doyen/internal/logging"
	"doyen/internal/metrics"
	"doyen/internal/model"
	"doyen/internal/store/sqlitekv"
)

// MaxLookupBatch is the most ids one lookup call accepts.
const MaxLookupBatch = 100

// UserLookup is the batch profile lookup endpoint.
type UserLookup interface {
	LookupUsers(ctx context.Context, creds model.Credentials, ids []string) ([]model.Profile, error)
}

// Hydrator enriches stored follower ids with profiles.
type Hydrator struct {
	db    *sqlitekv.DB
	api   UserLookup
	chunk int
	now   func() time.Time
}

func NewHydrator(db *sqlitekv.DB, api UserLookup, chunk int) *Hydrator {
	if chunk <= 0 || chunk > MaxLookupBatch {
		chunk = MaxLookupBatch
	}
	return &Hydrator{db: db, api: api, chunk: chunk, now: time.Now}
}

// PartialError reports a hydration that stopped after Done of Total ids.
// Profiles merged before the failure stay stored.
type PartialError struct {
	Done  int
	Total int
	Err   error
}

func (e *PartialError) Error() string {
	return fmt.Sprintf("hydrated %d of %d before failure: %v", e.Done, e.Total, e.Err)
}

func (e *PartialError) Unwrap() error { return e.Err }

// SelectUnhydrated returns every stored id not yet hydrated.
func (h *Hydrator) SelectUnhydrated(ctx context.Context) ([]string, error) {
	return h.db.UnhydratedFollowerIDs(ctx)
}

// SelectStale returns hydrated ids whose profile is older than maxAge.
func (h *Hydrator) SelectStale(ctx context.Context, maxAge time.Duration) ([]string, error) {
	cutoff := h.now().Add(-maxAge)
	var out []string
	err := h.db.ScanFollowers(ctx, func(id string, f model.Follower) error {
		if f.Hydrated && (f.LastUpdate == nil || f.LastUpdate.Before(cutoff)) {
			out = append(out, id)
		}
		return nil
	})
	return out, err
}

// HydrateBatch looks ids up in sequential chunks and merges each chunk's
// profiles before requesting the next. It returns the number of profiles merged.
// On failure the remaining chunks are skipped and a *PartialError is returned.
func (h *Hydrator) HydrateBatch(ctx context.Context, ids []string, creds model.Credentials) (int, error) {
	done := 0
	for _, c := range chunk(ids, h.chunk) {
		profiles, err := h.api.LookupUsers(ctx, creds, c)
		if err == nil {
			err = h.db.MarkHydrated(ctx, profiles, h.now().UTC())
		}
		if err != nil {
			logging.Error("hydrate_chunk_failed", map[string]any{"done": done, "total": len(ids), "error": err.Error()})
			return done, &PartialError{Done: done, Total: len(ids), Err: err}
		}
		done += len(profiles)
		metrics.FollowersHydrated.Add(float64(len(profiles)))
		logging.Info("hydrate_progress", map[string]any{"done": done, "total": len(ids)})
	}
	return done, nil
}

// chunk splits ids into consecutive slices of at most size.
func chunk(ids []string, size int) [][]string {
	var out [][]string
	for i := 0; i < len(ids); i += size {
		end := i + size
		if end > len(ids) {
			end = len(ids)
		}
		out = append(out, ids[i:end])
	}
	return out
}
