package engage

import (
	"time"

	"doyen/internal/model"
)

// Quota is what the outbound budget allows right now.
type Quota struct {
	Remaining  int       `json:"remaining"`
	PeriodEnds time.Time `json:"periodEnds"`
}

// RemainingQuota computes the budget from the stored period. A missing or
// expired period counts as a fresh one starting at now.
func RemainingQuota(p model.QuotaPeriod, ok bool, now time.Time, dailyCap int, window time.Duration) Quota {
	if ok && p.Active(now) {
		left := dailyCap - p.Used
		if left < 0 {
			left = 0
		}
		return Quota{Remaining: left, PeriodEnds: p.End}
	}
	return Quota{Remaining: dailyCap, PeriodEnds: now.Add(window)}
}

// AdvancePeriod charges sent messages against the period, opening a new one
// when none is active.
func AdvancePeriod(p model.QuotaPeriod, ok bool, now time.Time, sent int, window time.Duration) model.QuotaPeriod {
	if ok && p.Active(now) {
		p.Used += sent
		return p
	}
	return model.QuotaPeriod{End: now.Add(window), Used: sent}
}
