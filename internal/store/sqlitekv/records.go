package sqlitekv

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"doyen/internal/model"
)

const (
	FamilyAccount   = "user"
	FamilyFollowers = "followers"
	FamilyOutbound  = "dms"

	keyAuth    = "auth"
	keyUser    = "user"
	keyIDs     = "ids"
	keyCursor  = "cursor"
	keyPeriod  = "period"
	keyLatest  = "latest"
	keyHistory = "history"
)

// SaveAccount overwrites the stored identity and credentials together.
func (d *DB) SaveAccount(ctx context.Context, a model.Account) error {
	return d.Update(ctx, func(tx *Tx) error {
		if err := tx.Set(ctx, FamilyAccount, keyAuth, a.Credentials); err != nil {
			return err
		}
		return tx.Set(ctx, FamilyAccount, keyUser, a.Identity)
	})
}

// LoadAccount returns the stored account. The bool is false when nothing was saved yet.
func (d *DB) LoadAccount(ctx context.Context) (model.Account, bool, error) {
	var a model.Account
	okAuth, err := d.Get(ctx, FamilyAccount, keyAuth, &a.Credentials)
	if err != nil {
		return a, false, err
	}
	okUser, err := d.Get(ctx, FamilyAccount, keyUser, &a.Identity)
	if err != nil {
		return a, false, err
	}
	return a, okAuth && okUser, nil
}

func (d *DB) SaveCursor(ctx context.Context, c model.Cursor) error {
	return d.Set(ctx, FamilyFollowers, keyCursor, c)
}

// LoadCursor returns the zero cursor before the first page.
func (d *DB) LoadCursor(ctx context.Context) (model.Cursor, error) {
	var c model.Cursor
	_, err := d.Get(ctx, FamilyFollowers, keyCursor, &c)
	return c, err
}

// AddFollowerIDs records ids not seen before as unhydrated and overwrites the
// cursor, in one transaction. Known ids are left untouched. New ids keep the
// page order so hydration runs oldest first.
func (d *DB) AddFollowerIDs(ctx context.Context, ids []string, c model.Cursor) (int, error) {
	var added int
	err := d.Update(ctx, func(tx *Tx) error {
		added = 0
		for _, id := range ids {
			n, err := tx.InsertMissing(ctx, FamilyFollowers, keyIDs, map[string]any{id: model.Follower{Hydrated: false}})
			if err != nil {
				return err
			}
			added += n
		}
		return tx.Set(ctx, FamilyFollowers, keyCursor, c)
	})
	return added, err
}

func (d *DB) FollowerCount(ctx context.Context) (int, error) {
	return d.Count(ctx, FamilyFollowers, keyIDs)
}

// Follower returns one stored follower record.
func (d *DB) Follower(ctx context.Context, id string) (model.Follower, bool, error) {
	var f model.Follower
	ok, err := d.Lookup(ctx, FamilyFollowers, keyIDs, id, &f)
	return f, ok, err
}

// UnhydratedFollowerIDs lists ids whose record is not hydrated, oldest first.
func (d *DB) UnhydratedFollowerIDs(ctx context.Context) ([]string, error) {
	rows, err := d.sql.QueryContext(ctx, `SELECT subkey FROM entries
	  WHERE family=? AND key=? AND COALESCE(json_extract(value, '$.hydrated'), 0) != 1
	  ORDER BY rowid`, FamilyFollowers, keyIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// ScanFollowers calls fn for every stored follower in insertion order.
func (d *DB) ScanFollowers(ctx context.Context, fn func(id string, f model.Follower) error) error {
	return d.Scan(ctx, FamilyFollowers, keyIDs, func(sub string, raw []byte) error {
		var f model.Follower
		if err := json.Unmarshal(raw, &f); err != nil {
			return err
		}
		return fn(sub, f)
	})
}

type hydratedPatch struct {
	Hydrated   bool          `json:"hydrated"`
	Profile    model.Profile `json:"profile"`
	LastUpdate time.Time     `json:"lastUpdate"`
}

// TopFollowers ranks follower records through TopN.
func (d *DB) TopFollowers(ctx context.Context, q Query[model.Follower]) ([]Ranked[model.Follower], error) {
	return TopN(ctx, d, FamilyFollowers, keyIDs, q)
}

// MarkHydrated merges profiles into their follower records.
func (d *DB) MarkHydrated(ctx context.Context, profiles []model.Profile, now time.Time) error {
	if len(profiles) == 0 {
		return nil
	}
	partial := make(map[string]any, len(profiles))
	for _, p := range profiles {
		partial[p.ID] = hydratedPatch{Hydrated: true, Profile: p, LastUpdate: now}
	}
	return d.Merge(ctx, FamilyFollowers, keyIDs, partial)
}

func (d *DB) LoadQuotaPeriod(ctx context.Context) (model.QuotaPeriod, bool, error) {
	var p model.QuotaPeriod
	ok, err := d.Get(ctx, FamilyOutbound, keyPeriod, &p)
	return p, ok, err
}

type campaignMark struct {
	LastCampaignID time.Time `json:"lastCampaignId"`
}

// RecordCampaign stores c as the latest campaign, moving the previous latest
// into history, saves the quota period and stamps every recipient that is a
// stored follower. Other recipients get no follower record.
func (d *DB) RecordCampaign(ctx context.Context, c model.Campaign, period model.QuotaPeriod) error {
	return d.Update(ctx, func(tx *Tx) error {
		var prev model.Campaign
		ok, err := tx.Get(ctx, FamilyOutbound, keyLatest, &prev)
		if err != nil {
			return err
		}
		if ok {
			if _, err := tx.InsertMissing(ctx, FamilyOutbound, keyHistory, map[string]any{campaignKey(prev.Start): prev}); err != nil {
				return err
			}
		}
		if err := tx.Set(ctx, FamilyOutbound, keyLatest, c); err != nil {
			return err
		}
		if err := tx.Set(ctx, FamilyOutbound, keyPeriod, period); err != nil {
			return err
		}
		marks := make(map[string]any, len(c.IDs))
		for _, id := range c.IDs {
			marks[id] = campaignMark{LastCampaignID: c.Start}
		}
		_, err = tx.MergeExisting(ctx, FamilyFollowers, keyIDs, marks)
		return err
	})
}

func (d *DB) LatestCampaign(ctx context.Context) (model.Campaign, bool, error) {
	var c model.Campaign
	ok, err := d.Get(ctx, FamilyOutbound, keyLatest, &c)
	return c, ok, err
}

// CampaignHistory returns superseded campaigns, oldest first.
func (d *DB) CampaignHistory(ctx context.Context) ([]model.Campaign, error) {
	var out []model.Campaign
	err := d.Scan(ctx, FamilyOutbound, keyHistory, func(_ string, raw []byte) error {
		var c model.Campaign
		if err := json.Unmarshal(raw, &c); err != nil {
			return err
		}
		out = append(out, c)
		return nil
	})
	return out, err
}

func campaignKey(start time.Time) string { return strconv.FormatInt(start.UnixMilli(), 10) }
