package ingest

import (
	"context"
	"fmt"

	"doyen/internal/logging"
	"doyen/internal/metrics"
	"doyen/internal/model"
	"doyen/internal/store/sqlitekv"
)

const (
	// MaxPageSize is the most ids the list endpoint returns per page.
	MaxPageSize = 5000
	firstCursor = "-1"
)

// FollowerLister is the paginated follower id endpoint.
type FollowerLister interface {
	FollowerIDs(ctx context.Context, creds model.Credentials, userID, cursor string, count int) (model.FollowerPage, error)
}

// Ingestor downloads follower id pages into the store.
type Ingestor struct {
	db  *sqlitekv.DB
	api FollowerLister
	// localLimit caps stored followers; 0 disables.
	localLimit int
}

func NewIngestor(db *sqlitekv.DB, api FollowerLister, localLimit int) *Ingestor {
	return &Ingestor{db: db, api: api, localLimit: localLimit}
}

// PageResult describes one FetchPage call.
type PageResult struct {
	Before  int
	After   int
	Fetched int
	Cursor  model.Cursor
}

func (r PageResult) Terminal() bool { return r.Cursor.Terminal() }
func (r PageResult) Added() int     { return r.After - r.Before }

// FetchPage downloads the page after the stored cursor. New ids are stored
// unhydrated; ids already known keep their record. A stored cursor that is
// empty or terminal starts again from the first page.
func (i *Ingestor) FetchPage(ctx context.Context, acct model.Account, limit int) (PageResult, error) {
	var res PageResult
	if !acct.Authenticated() {
		return res, model.ErrNotAuthenticated
	}
	before, err := i.db.FollowerCount(ctx)
	if err != nil {
		return res, fmt.Errorf("count followers: %w", err)
	}
	res.Before, res.After = before, before

	stored, err := i.db.LoadCursor(ctx)
	if err != nil {
		return res, fmt.Errorf("load cursor: %w", err)
	}
	cursor := stored.Next
	if cursor == "" || stored.Terminal() {
		cursor = firstCursor
	}

	if limit <= 0 || limit > MaxPageSize {
		limit = MaxPageSize
	}
	forceTerminal := false
	if i.localLimit > 0 {
		left := i.localLimit - before
		if left <= 0 {
			res.Cursor = model.Cursor{Next: "0", Previous: cursor}
			logging.Info("follower_limit_reached", map[string]any{"limit": i.localLimit, "stored": before})
			return res, i.db.SaveCursor(ctx, res.Cursor)
		}
		if left < limit {
			limit = left
			forceTerminal = true
		}
	}

	page, err := i.api.FollowerIDs(ctx, acct.Credentials, acct.Identity.ID, cursor, limit)
	if err != nil {
		return res, fmt.Errorf("fetch follower ids: %w", err)
	}
	metrics.PagesFetched.Inc()
	res.Cursor = page.Cursor()
	if forceTerminal {
		res.Cursor.Next = "0"
	}
	res.Fetched = len(page.IDs)

	added, err := i.db.AddFollowerIDs(ctx, page.IDs, res.Cursor)
	if err != nil {
		return res, fmt.Errorf("store follower ids: %w", err)
	}
	metrics.FollowersAdded.Add(float64(added))
	if res.After, err = i.db.FollowerCount(ctx); err != nil {
		return res, fmt.Errorf("count followers: %w", err)
	}
	logging.Info("follower_page", map[string]any{
		"fetched": res.Fetched, "added": added, "total": res.After, "next": res.Cursor.Next,
	})
	return res, nil
}
