package recommend

import (
	"context"
	"fmt"
	"math"
	"time"

	"doyen/internal/model"
	"doyen/internal/store/sqlitekv"
)

// Filter names accepted by Rank.
const (
	FilterRatio       = "ratio"
	FilterActive      = "active"
	FilterRatioActive = "ratio-active"
)

// Options narrows and orders the ranked followers.
type Options struct {
	Filter string
	// Ratio is the minimum followers/following ratio for the ratio filters.
	Ratio float64
	// Since keeps followers never contacted or last contacted at or before it.
	Since        *time.Time
	OnlyVerified bool
	// MaxBotLikelihood drops profiles scoring above it; 0 disables.
	MaxBotLikelihood float64
	Limit            int
}

// Candidate is a ranked follower.
type Candidate struct {
	ID       string         `json:"id"`
	Follower model.Follower `json:"follower"`
	Score    float64        `json:"score"`
}

// Rank orders hydrated followers by the chosen filter.
func Rank(ctx context.Context, db *sqlitekv.DB, opts Options, now time.Time) ([]Candidate, error) {
	var pass func(model.Profile) bool
	var score func(model.Profile) float64
	switch opts.Filter {
	case FilterRatio:
		pass = func(p model.Profile) bool { return model.FollowRatio(p) > opts.Ratio }
		score = ratio
	case FilterActive, "":
		score = func(p model.Profile) float64 { return model.MostActiveScore(p, now) }
	case FilterRatioActive:
		pass = func(p model.Profile) bool { return model.FollowRatio(p) > opts.Ratio }
		score = func(p model.Profile) float64 { return model.MostActiveScore(p, now) }
	default:
		return nil, fmt.Errorf("unknown filter %q", opts.Filter)
	}

	q := sqlitekv.Query[model.Follower]{
		Limit: opts.Limit,
		Filter: func(f model.Follower) bool {
			if !f.Hydrated || f.Profile == nil {
				return false
			}
			if opts.Since != nil && f.LastCampaignID != nil && f.LastCampaignID.After(*opts.Since) {
				return false
			}
			if opts.OnlyVerified && !f.Profile.Verified {
				return false
			}
			if opts.MaxBotLikelihood > 0 && model.BotLikelihood(*f.Profile) > opts.MaxBotLikelihood {
				return false
			}
			return pass == nil || pass(*f.Profile)
		},
		Score: func(f model.Follower) float64 { return score(*f.Profile) },
	}
	ranked, err := db.TopFollowers(ctx, q)
	if err != nil {
		return nil, err
	}
	out := make([]Candidate, len(ranked))
	for i, r := range ranked {
		out[i] = Candidate{ID: r.Key, Follower: r.Value, Score: r.Score}
	}
	return out, nil
}

// ratio is FollowRatio kept finite for sorting and JSON: empty accounts
// score 0 and accounts following nobody score MaxFloat64.
func ratio(p model.Profile) float64 {
	r := model.FollowRatio(p)
	switch {
	case math.IsNaN(r):
		return 0
	case math.IsInf(r, 1):
		return math.MaxFloat64
	}
	return r
}
