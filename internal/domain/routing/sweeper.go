package routing

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/harakacare/facility-router/internal/domain/audit"
	"github.com/harakacare/facility-router/internal/domain/dispatch"
)

// SweepResult counts what one sweep did.
type SweepResult struct {
	Checked  int `json:"checked"`
	Reminded int `json:"reminded"`
	TimedOut int `json:"timed_out"`
	Resumed  int `json:"resumed"`
	Failed   int `json:"failed"`
}

// SweepOverdue looks at every notified routing. Routings past their response
// deadline are rejected on behalf of the facility and re-routed; routings
// halfway through their window without an acknowledgment get one reminder.
// Routings left between steps for longer than the stall grace are resumed
// first.
func (o *Orchestrator) SweepOverdue(ctx context.Context) (*SweepResult, error) {
	res := &SweepResult{}
	if err := o.resumeStalled(ctx, res); err != nil {
		return res, err
	}

	items, err := o.routings.ListNotified(ctx)
	if err != nil {
		return res, fmt.Errorf("list notified routings: %w", err)
	}
	res.Checked += len(items)
	for _, r := range items {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		now := o.now()
		switch {
		case overdue(r, now):
			ok, err := o.timeout(ctx, r.ID)
			if err != nil {
				res.Failed++
				o.logger.Error().Err(err).Str("routing_id", r.ID.String()).Msg("response timeout failed")
				continue
			}
			if ok {
				res.TimedOut++
			}
		case reminderDue(r, now):
			ok, err := o.remind(ctx, r.ID)
			if err != nil {
				res.Failed++
				o.logger.Error().Err(err).Str("routing_id", r.ID.String()).Msg("reminder failed")
				continue
			}
			if ok {
				res.Reminded++
			}
		}
	}
	if res.Reminded > 0 || res.TimedOut > 0 || res.Resumed > 0 || res.Failed > 0 {
		o.logger.Info().
			Int("checked", res.Checked).
			Int("reminded", res.Reminded).
			Int("timed_out", res.TimedOut).
			Int("resumed", res.Resumed).
			Int("failed", res.Failed).
			Msg("sweep finished")
	}
	return res, nil
}

func (o *Orchestrator) resumeStalled(ctx context.Context, res *SweepResult) error {
	items, err := o.routings.ListIntermediate(ctx)
	if err != nil {
		return fmt.Errorf("list intermediate routings: %w", err)
	}
	res.Checked += len(items)
	for _, r := range items {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !o.stalled(r, o.now()) {
			continue
		}
		ok, err := o.resume(ctx, r.ID)
		if err != nil {
			res.Failed++
			o.logger.Error().Err(err).Str("routing_id", r.ID.String()).Msg("resume failed")
			continue
		}
		if ok {
			res.Resumed++
		}
	}
	return nil
}

func (o *Orchestrator) stalled(r *Routing, now time.Time) bool {
	return r.Status.Intermediate() && !now.Before(r.EnteredAt().Add(o.cfg.StallGrace))
}

// resume re-checks r under its lock and drives it on from the status it was
// left in.
func (o *Orchestrator) resume(ctx context.Context, id uuid.UUID) (bool, error) {
	release, err := o.locker.Acquire(ctx, LockKey(id))
	if err != nil {
		return false, err
	}
	defer release()

	r, err := o.routings.GetByID(ctx, id)
	if err != nil {
		return false, err
	}
	if !o.stalled(r, o.now()) {
		return false, nil
	}
	c, err := o.cases.GetByID(ctx, r.CaseID)
	if err != nil {
		err = fmt.Errorf("load case: %w", err)
		o.flagStalled(ctx, r, err)
		return false, err
	}

	e := o.entry(r, audit.KindSystemEvent, ActorStallSweeper, map[string]any{
		"status":     r.Status,
		"entered_at": r.EnteredAt(),
	})
	e.Outcome = "routing_resumed"
	if err := o.audit.Record(ctx, e); err != nil {
		return false, fmt.Errorf("audit resume: %w", err)
	}
	o.logger.Warn().
		Str("routing_id", r.ID.String()).
		Str("status", string(r.Status)).
		Msg("resuming stalled routing")

	if err := o.advance(ctx, r, c); err != nil {
		o.flagStalled(ctx, r, err)
		return false, err
	}
	return true, nil
}

func overdue(r *Routing, now time.Time) bool {
	return r.Status == StatusNotified && r.ResponseDeadline != nil && !now.Before(*r.ResponseDeadline)
}

func reminderDue(r *Routing, now time.Time) bool {
	if r.Status != StatusNotified || r.ResponseDeadline == nil || r.NotifiedAt == nil {
		return false
	}
	if r.ReminderSentAt != nil || r.AcknowledgedAt != nil {
		return false
	}
	half := r.NotifiedAt.Add(r.ResponseDeadline.Sub(*r.NotifiedAt) / 2)
	return !now.Before(half)
}

// timeout re-checks r under its lock and rejects it when still overdue.
func (o *Orchestrator) timeout(ctx context.Context, id uuid.UUID) (bool, error) {
	release, err := o.locker.Acquire(ctx, LockKey(id))
	if err != nil {
		return false, err
	}
	defer release()

	r, err := o.routings.GetByID(ctx, id)
	if err != nil {
		return false, err
	}
	if !overdue(r, o.now()) {
		return false, nil
	}
	fid := *r.SelectedFacilityID
	o.logger.Warn().
		Str("routing_id", r.ID.String()).
		Str("facility_id", fid.String()).
		Time("deadline", *r.ResponseDeadline).
		Msg("facility response window elapsed")
	return true, o.reject(ctx, r, ActorResponseTimeout, "response_timeout", true)
}

func (o *Orchestrator) remind(ctx context.Context, id uuid.UUID) (bool, error) {
	release, err := o.locker.Acquire(ctx, LockKey(id))
	if err != nil {
		return false, err
	}
	defer release()

	r, err := o.routings.GetByID(ctx, id)
	if err != nil {
		return false, err
	}
	now := o.now()
	if !reminderDue(r, now) {
		return false, nil
	}
	c, err := o.cases.GetByID(ctx, r.CaseID)
	if err != nil {
		return false, fmt.Errorf("load case: %w", err)
	}
	f, err := o.facilities.GetFacility(ctx, *r.SelectedFacilityID)
	if err != nil {
		return false, fmt.Errorf("load facility: %w", err)
	}

	next := r.clone()
	next.ReminderSentAt = &now
	e := o.entry(r, audit.KindSystemEvent, ActorResponseTimeout, map[string]any{
		"response_deadline": r.ResponseDeadline,
	})
	e.Outcome = "reminder_sent"
	if err := o.commit(ctx, r, next, e); err != nil {
		return false, err
	}
	o.notify(ctx, r, c, f, dispatch.KindReminder)
	return true, nil
}

// RunSweeper calls SweepOverdue every interval until ctx is done.
func (o *Orchestrator) RunSweeper(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := o.SweepOverdue(ctx); err != nil && ctx.Err() == nil {
				o.logger.Error().Err(err).Msg("sweep failed")
			}
		}
	}
}
