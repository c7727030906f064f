package engage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"doyen/internal/config"
	"doyen/internal/logging"
	"doyen/internal/metrics"
	"doyen/internal/model"
	"doyen/internal/store/sqlitekv"
	"doyen/internal/util"
)

var ErrNoRecipients = errors.New("no recipients given")

const recordTimeout = 10 * time.Second

// Messenger delivers one direct message.
type Messenger interface {
	SendDirectMessage(ctx context.Context, creds model.Credentials, recipientID, text string) error
}

// SendError reports a batch halted at Recipient after Sent successful sends.
type SendError struct {
	Recipient string
	Sent      int
	Err       error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("send to %s failed after %d sent: %v", e.Recipient, e.Sent, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

// Result summarizes one SendBatch call.
type Result struct {
	Remaining  int       `json:"remaining"`
	PeriodEnds time.Time `json:"periodEnds"`
	Sent       int       `json:"sent"`
	Requested  int       `json:"requested"`
	ColdRun    bool      `json:"coldRun"`
}

// Scheduler sends outbound batches within the rolling daily quota.
type Scheduler struct {
	db        *sqlitekv.DB
	messenger Messenger
	gate      Gate
	cfg       config.OutboundConfig
	now       func() time.Time
}

func NewScheduler(db *sqlitekv.DB, m Messenger, gate Gate, cfg config.OutboundConfig) *Scheduler {
	if gate == nil {
		gate = &LocalGate{}
	}
	return &Scheduler{db: db, messenger: m, gate: gate, cfg: cfg, now: func() time.Time { return time.Now().UTC() }}
}

// Remaining reports the quota left without sending anything.
func (s *Scheduler) Remaining(ctx context.Context) (Quota, error) {
	p, ok, err := s.db.LoadQuotaPeriod(ctx)
	if err != nil {
		return Quota{}, fmt.Errorf("load quota period: %w", err)
	}
	return RemainingQuota(p, ok, s.now(), s.cfg.DailyCap, s.cfg.Period), nil
}

// SendBatch messages ids in order until the quota or the list runs out.
// A cold run walks the same path without calling the remote API and
// leaves the store untouched. Sends stop at the first failure; whatever
// was sent before it is still recorded and charged to the period.
func (s *Scheduler) SendBatch(ctx context.Context, ids []string, message string, coldRun bool) (Result, error) {
	res := Result{Requested: len(ids), ColdRun: coldRun}
	if len(ids) == 0 {
		return res, ErrNoRecipients
	}
	acct, ok, err := s.db.LoadAccount(ctx)
	if err != nil {
		return res, fmt.Errorf("load account: %w", err)
	}
	if !ok || !acct.Authenticated() {
		return res, model.ErrNotAuthenticated
	}

	release, err := s.gate.Acquire(ctx)
	if err != nil {
		return res, err
	}
	defer release()

	now := s.now()
	period, havePeriod, err := s.db.LoadQuotaPeriod(ctx)
	if err != nil {
		return res, fmt.Errorf("load quota period: %w", err)
	}
	q := RemainingQuota(period, havePeriod, now, s.cfg.DailyCap, s.cfg.Period)
	res.PeriodEnds = q.PeriodEnds
	if q.Remaining <= 0 {
		logging.Warn("dm_quota_exhausted", map[string]any{"period_ends": q.PeriodEnds})
		metrics.QuotaRemaining.Set(0)
		return res, nil
	}

	batchLimit := min(q.Remaining, s.cfg.DailyCap)
	if len(ids) > batchLimit {
		logging.Warn("dm_batch_truncated", map[string]any{"requested": len(ids), "limit": batchLimit})
		ids = ids[:batchLimit]
	}
	text, cut := util.TruncateRunes(message, s.cfg.MaxMessageLength)
	if cut {
		logging.Warn("dm_message_truncated", map[string]any{"limit": s.cfg.MaxMessageLength})
	}

	mode := "live"
	if coldRun {
		mode = "cold"
	}
	var sendErr error
	sent := make([]string, 0, len(ids))
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			sendErr = &SendError{Recipient: id, Sent: len(sent), Err: err}
			break
		}
		if !coldRun {
			if err := s.messenger.SendDirectMessage(ctx, acct.Credentials, id, text); err != nil {
				metrics.SendFailures.Inc()
				sendErr = &SendError{Recipient: id, Sent: len(sent), Err: err}
				break
			}
		}
		sent = append(sent, id)
		metrics.MessagesSent.WithLabelValues(mode).Inc()
	}
	res.Sent = len(sent)
	res.Remaining = batchLimit - len(sent)

	if !coldRun && len(sent) > 0 {
		next := AdvancePeriod(period, havePeriod, now, len(sent), s.cfg.Period)
		c := model.Campaign{Start: now, Message: text, IDs: sent}
		// sends already reached the remote API: charge them even when ctx is done
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
		err := s.db.RecordCampaign(rctx, c, next)
		cancel()
		if err != nil {
			return res, errors.Join(sendErr, fmt.Errorf("record campaign: %w", err))
		}
		res.PeriodEnds = next.End
		metrics.QuotaRemaining.Set(float64(res.Remaining))
	}

	fields := map[string]any{
		"mode": mode, "requested": res.Requested, "sent": res.Sent, "remaining": res.Remaining, "period_ends": res.PeriodEnds,
	}
	if sendErr != nil {
		fields["error"] = sendErr.Error()
		logging.Error("dm_batch_halted", fields)
	} else {
		logging.Info("dm_batch_done", fields)
	}
	return res, sendErr
}
