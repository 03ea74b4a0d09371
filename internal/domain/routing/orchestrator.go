package routing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/harakacare/facility-router/internal/domain/audit"
	"github.com/harakacare/facility-router/internal/domain/dispatch"
	"github.com/harakacare/facility-router/internal/domain/facility"
	"github.com/harakacare/facility-router/internal/domain/matching"
	"github.com/harakacare/facility-router/internal/domain/priority"
	"github.com/harakacare/facility-router/internal/domain/triage"
	"github.com/harakacare/facility-router/internal/platform/auth"
	"github.com/harakacare/facility-router/internal/platform/db"
	"github.com/harakacare/facility-router/internal/platform/lock"
	"github.com/harakacare/facility-router/internal/platform/messaging"
	"github.com/harakacare/facility-router/internal/platform/websocket"
)

// DefaultFollowUpSubject is the subject terminal outcomes are published on.
const DefaultFollowUpSubject = "routing.followup"

// DefaultStallGrace is used when Config.StallGrace is not set.
const DefaultStallGrace = 2 * time.Minute

// LockKey is the lock key serializing the steps of one routing.
func LockKey(id uuid.UUID) string {
	return "routing:" + id.String()
}

// Facilities is the facility registry as routing uses it.
type Facilities interface {
	ListAll(ctx context.Context) ([]*facility.Facility, error)
	GetFacility(ctx context.Context, id uuid.UUID) (*facility.Facility, error)
	AdjustCapacity(ctx context.Context, facilityID uuid.UUID, delta int, reason, actor string, routingID *uuid.UUID) (*facility.Facility, error)
}

// Notifier delivers notices to facilities without blocking the caller.
type Notifier interface {
	Dispatch(ctx context.Context, req dispatch.Request) (*dispatch.Notification, error)
	Acknowledge(ctx context.Context, id uuid.UUID) error
}

// Config holds the response windows. A zero window leaves routings of that
// kind waiting until a facility answers.
type Config struct {
	EmergencyWindow time.Duration
	RoutineWindow   time.Duration
	FollowUpSubject string
	// StallGrace is how long a routing may sit in an intermediate status
	// before the sweeper resumes it.
	StallGrace time.Duration
}

type Deps struct {
	Routings   Repository
	Cases      triage.Repository
	Facilities Facilities
	Matcher    *matching.Matcher
	Notifier   Notifier
	Audit      audit.Recorder
	Tx         db.TxManager
	Locker     lock.Locker
	Tokens     *auth.ResponseTokens
}

type Orchestrator struct {
	routings   Repository
	cases      triage.Repository
	facilities Facilities
	matcher    *matching.Matcher
	notifier   Notifier
	audit      audit.Recorder
	tx         db.TxManager
	locker     lock.Locker
	tokens     *auth.ResponseTokens
	followups  messaging.Publisher
	events     websocket.EventPublisher
	cfg        Config
	logger     zerolog.Logger
	now        func() time.Time
}

func NewOrchestrator(deps Deps, cfg Config, logger zerolog.Logger) *Orchestrator {
	if cfg.FollowUpSubject == "" {
		cfg.FollowUpSubject = DefaultFollowUpSubject
	}
	if cfg.StallGrace <= 0 {
		cfg.StallGrace = DefaultStallGrace
	}
	if deps.Tx == nil {
		deps.Tx = db.NopTxManager{}
	}
	if deps.Matcher == nil {
		deps.Matcher = matching.NewMatcher(nil)
	}
	return &Orchestrator{
		routings:   deps.Routings,
		cases:      deps.Cases,
		facilities: deps.Facilities,
		matcher:    deps.Matcher,
		notifier:   deps.Notifier,
		audit:      deps.Audit,
		tx:         deps.Tx,
		locker:     deps.Locker,
		tokens:     deps.Tokens,
		cfg:        cfg,
		logger:     logger.With().Str("component", "orchestrator").Logger(),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// SetFollowUpPublisher attaches the downstream follow-up collaborator.
func (o *Orchestrator) SetFollowUpPublisher(p messaging.Publisher) {
	o.followups = p
}

// SetEventPublisher attaches an optional publisher for live routing events.
func (o *Orchestrator) SetEventPublisher(p websocket.EventPublisher) {
	o.events = p
}

// ---------------------------------------------------------------------------
// Intake
// ---------------------------------------------------------------------------

// ProcessCase normalizes in, stores the case and routes it until a facility
// has been notified or no candidate is left. Intake defects never fail the
// call; persistence failures do.
func (o *Orchestrator) ProcessCase(ctx context.Context, in triage.Intake) (*Routing, error) {
	c, defaults := triage.Normalize(in, o.now())
	r := &Routing{
		ID:                  uuid.New(),
		CaseID:              c.ID,
		PatientToken:        c.PatientToken,
		RiskLevel:           c.RiskLevel,
		Status:              StatusReceived,
		Candidates:          []*matching.Candidate{},
		RejectedFacilityIDs: []uuid.UUID{},
		ReceivedAt:          c.ReceivedAt,
	}

	release, err := o.locker.Acquire(ctx, LockKey(r.ID))
	if err != nil {
		return nil, err
	}
	defer release()

	err = o.tx.WithinTx(ctx, func(ctx context.Context) error {
		if err := o.cases.Create(ctx, c); err != nil {
			return fmt.Errorf("create case: %w", err)
		}
		if err := o.routings.Create(ctx, r); err != nil {
			return fmt.Errorf("create routing: %w", err)
		}
		e := o.entry(r, audit.KindTransition, ActorOrchestrator, map[string]any{
			"primary_symptom": c.PrimarySymptom,
			"has_red_flags":   c.HasRedFlags,
			"district":        c.District,
		})
		e.ToStatus = string(StatusReceived)
		if err := o.audit.Record(ctx, e); err != nil {
			return fmt.Errorf("audit intake: %w", err)
		}
		if len(defaults) > 0 {
			d := o.entry(r, audit.KindSystemEvent, ActorOrchestrator, map[string]any{"defaults": defaults})
			d.Outcome = "defaults_applied"
			if err := o.audit.Record(ctx, d); err != nil {
				return fmt.Errorf("audit defaults: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	o.logger.Info().
		Str("routing_id", r.ID.String()).
		Str("risk_level", string(r.RiskLevel)).
		Int("defaults_applied", len(defaults)).
		Msg("case received")
	o.publish(ctx, r, "")

	if err := o.advance(ctx, r, c); err != nil {
		o.flagStalled(ctx, r, err)
		return r, err
	}
	return r, nil
}

// advance drives r from whichever intermediate status it is in to notified
// or unmatched.
func (o *Orchestrator) advance(ctx context.Context, r *Routing, c *triage.Case) error {
	switch r.Status {
	case StatusReceived:
		if err := o.match(ctx, r, c); err != nil {
			return err
		}
		if r.Status == StatusUnmatched {
			return nil
		}
		fallthrough
	case StatusMatched:
		if err := o.prioritize(ctx, r, c); err != nil {
			return err
		}
		fallthrough
	case StatusPrioritized:
		return o.selectAndNotify(ctx, r, c)
	case StatusRejected:
		return o.reselect(ctx, r, c)
	}
	return nil
}

// flagStalled marks r for operator attention when a step failed after an
// earlier step was committed. The sweeper resumes it once the stall grace
// has passed.
func (o *Orchestrator) flagStalled(ctx context.Context, r *Routing, cause error) {
	log := o.logger.With().Str("routing_id", r.ID.String()).Str("status", string(r.Status)).Logger()
	log.Error().Err(cause).Msg("routing stalled between steps")
	if !r.Status.Intermediate() || r.NeedsAttention {
		return
	}
	ctx = context.WithoutCancel(ctx)
	next := r.clone()
	next.NeedsAttention = true
	e := o.entry(r, audit.KindSystemEvent, ActorOrchestrator, map[string]any{
		"status": r.Status,
		"error":  cause.Error(),
	})
	e.Outcome = "routing_stalled"
	if err := o.commit(ctx, r, next, e); err != nil {
		log.Error().Err(err).Msg("failed to flag stalled routing")
		return
	}
	o.publish(ctx, r, "routing.needs_attention")
}

func (o *Orchestrator) match(ctx context.Context, r *Routing, c *triage.Case) error {
	facilities, err := o.facilities.ListAll(ctx)
	if err != nil {
		return fmt.Errorf("list facilities: %w", err)
	}
	res := o.matcher.Match(c, facilities)

	set := o.entry(r, audit.KindCandidateSet, ActorOrchestrator, res)
	set.Outcome = fmt.Sprintf("%d ranked, %d excluded", len(res.Ranked), len(res.Excluded))

	setCandidates := func(n *Routing) { n.Candidates = res.Ranked }
	if len(res.Ranked) == 0 {
		return o.transition(ctx, r, StatusUnmatched, ActorOrchestrator, setCandidates,
			map[string]any{"reason": "no_candidates", "excluded": len(res.Excluded)}, set)
	}
	return o.transition(ctx, r, StatusMatched, ActorOrchestrator, setCandidates,
		map[string]any{"ranked": len(res.Ranked), "required_services": res.RequiredServices}, set)
}

func (o *Orchestrator) prioritize(ctx context.Context, r *Routing, c *triage.Case) error {
	rec := priority.Recommend(c, r.Candidates, r.Rejected())
	var alternatives []uuid.UUID
	for _, a := range rec.Alternatives {
		alternatives = append(alternatives, a.FacilityID)
	}
	return o.transition(ctx, r, StatusPrioritized, ActorOrchestrator, func(n *Routing) {
		n.PriorityScore = rec.Priority
		n.BookingMode = rec.BookingMode
	}, map[string]any{
		"priority_score": rec.Priority,
		"booking_mode":   rec.BookingMode,
		"reason":         rec.Reason,
		"alternatives":   alternatives,
	})
}

// selectAndNotify offers r to the best remaining candidate. Candidates that
// became ineligible since matching are skipped. It ends in notified or, when
// nothing is left, unmatched.
func (o *Orchestrator) selectAndNotify(ctx context.Context, r *Routing, c *triage.Case) error {
	for r.Attempts < len(r.Candidates) {
		cand := priority.SelectNext(r.Candidates, r.Rejected())
		if cand == nil {
			break
		}

		f, reason, err := o.revalidate(ctx, cand.FacilityID)
		if err != nil {
			return err
		}
		reserved := false
		if reason == "" && r.BookingMode == priority.BookingAutomatic {
			_, err := o.facilities.AdjustCapacity(ctx, f.ID, -1, facility.ReasonReservation, ActorOrchestrator, &r.ID)
			switch {
			case errors.Is(err, facility.ErrInsufficientCapacity):
				reason = facility.ExclusionNoBeds
			case err != nil:
				return fmt.Errorf("reserve bed: %w", err)
			default:
				reserved = true
			}
		}
		if reason != "" {
			if err := o.skip(ctx, r, cand, reason); err != nil {
				return err
			}
			continue
		}

		deadline := o.deadline(c)
		err = o.transition(ctx, r, StatusNotified, ActorOrchestrator, func(n *Routing) {
			id := f.ID
			n.SelectedFacilityID = &id
			n.Attempts++
			n.BedReserved = reserved
			n.ResponseDeadline = deadline
			n.ReminderSentAt = nil
			n.AcknowledgedAt = nil
			n.NeedsAttention = false
		}, map[string]any{
			"facility_id":       f.ID,
			"rank":              cand.Rank,
			"composite":         cand.Composite,
			"attempt":           r.Attempts + 1,
			"bed_reserved":      reserved,
			"response_deadline": deadline,
		})
		if err != nil {
			if reserved {
				o.release(ctx, r.ID, f.ID)
			}
			return err
		}
		o.notify(ctx, r, c, f, dispatch.KindNewCase)
		return nil
	}

	return o.transition(ctx, r, StatusUnmatched, ActorOrchestrator, nil,
		map[string]any{"reason": "candidates_exhausted", "attempts": r.Attempts})
}

// revalidate re-reads a candidate facility and applies the hard exclusions
// again. A non-empty reason means the candidate must be skipped.
func (o *Orchestrator) revalidate(ctx context.Context, id uuid.UUID) (*facility.Facility, string, error) {
	f, err := o.facilities.GetFacility(ctx, id)
	if errors.Is(err, facility.ErrNotFound) {
		return nil, "facility_not_found", nil
	}
	if err != nil {
		return nil, "", fmt.Errorf("reload facility: %w", err)
	}
	return f, f.ExclusionReason(), nil
}

func (o *Orchestrator) skip(ctx context.Context, r *Routing, cand *matching.Candidate, reason string) error {
	next := r.clone()
	next.RejectedFacilityIDs = append(next.RejectedFacilityIDs, cand.FacilityID)
	next.Attempts++

	e := o.entry(r, audit.KindSystemEvent, ActorOrchestrator, map[string]any{
		"reason": reason,
		"rank":   cand.Rank,
	})
	id := cand.FacilityID
	e.FacilityID = &id
	e.Outcome = "candidate_skipped"
	if err := o.commit(ctx, r, next, e); err != nil {
		return err
	}
	o.logger.Info().
		Str("routing_id", r.ID.String()).
		Str("facility_id", cand.FacilityID.String()).
		Str("reason", reason).
		Msg("candidate skipped at selection")
	return nil
}

func (o *Orchestrator) deadline(c *triage.Case) *time.Time {
	window := o.cfg.RoutineWindow
	if c.IsEmergency() {
		window = o.cfg.EmergencyWindow
	}
	if window <= 0 {
		return nil
	}
	t := o.now().Add(window)
	return &t
}

// ---------------------------------------------------------------------------
// Facility responses
// ---------------------------------------------------------------------------

// HandleResponse applies a facility's answer to the offer it currently holds.
func (o *Orchestrator) HandleResponse(ctx context.Context, resp Response) (*Routing, error) {
	if !resp.Action.Valid() {
		return nil, fmt.Errorf("%w: unknown action %q", ErrInvalidResponse, resp.Action)
	}
	if resp.BedsReserved != nil && *resp.BedsReserved < 1 {
		return nil, fmt.Errorf("%w: beds_reserved must be at least 1", ErrInvalidResponse)
	}
	if resp.Actor == "" {
		resp.Actor = FacilityActor(resp.FacilityID)
	}

	release, err := o.locker.Acquire(ctx, LockKey(resp.RoutingID))
	if err != nil {
		return nil, err
	}
	defer release()

	r, err := o.routings.GetByID(ctx, resp.RoutingID)
	if err != nil {
		return nil, err
	}
	if r.Status != StatusNotified || !r.IsSelected(resp.FacilityID) {
		o.recordStale(ctx, r, resp)
		return nil, ErrStaleResponse
	}

	if resp.NotificationID != nil {
		if err := o.notifier.Acknowledge(ctx, *resp.NotificationID); err != nil && !errors.Is(err, dispatch.ErrNotFound) {
			o.logger.Warn().Err(err).Str("notification_id", resp.NotificationID.String()).Msg("failed to acknowledge notification")
		}
	}

	answer := o.responseEntry(r, resp)
	switch resp.Action {
	case ActionAcknowledge:
		err = o.acknowledge(ctx, r, answer)
	case ActionConfirm:
		err = o.confirm(ctx, r, resp, answer)
	case ActionReject:
		err = o.reject(ctx, r, resp.Actor, "rejected", false, answer)
	}
	if err != nil {
		return nil, err
	}
	return r, nil
}

// RespondWithToken verifies a signed response token and applies resp on
// behalf of the facility the token was issued to.
func (o *Orchestrator) RespondWithToken(ctx context.Context, token string, resp Response) (*Routing, error) {
	if o.tokens == nil {
		return nil, auth.ErrInvalidToken
	}
	claims, err := o.tokens.Verify(token)
	if err != nil {
		return nil, err
	}
	resp.RoutingID = claims.RoutingID
	resp.FacilityID = claims.FacilityID
	nid := claims.NotificationID
	resp.NotificationID = &nid
	resp.Actor = FacilityActor(claims.FacilityID)
	return o.HandleResponse(ctx, resp)
}

func (o *Orchestrator) responseEntry(r *Routing, resp Response) *audit.Entry {
	detail := map[string]any{}
	if resp.BedsReserved != nil {
		detail["beds_reserved"] = *resp.BedsReserved
	}
	if resp.ETAMinutes != nil {
		detail["eta_minutes"] = *resp.ETAMinutes
	}
	if resp.Notes != "" {
		detail["notes"] = resp.Notes
	}
	if resp.NotificationID != nil {
		detail["notification_id"] = resp.NotificationID.String()
	}
	e := o.entry(r, audit.KindFacilityResponse, resp.Actor, detail)
	e.Outcome = string(resp.Action)
	e.NotificationID = resp.NotificationID
	if r.NotifiedAt != nil {
		secs := o.now().Sub(*r.NotifiedAt).Seconds()
		e.ResponseSeconds = &secs
	}
	return e
}

func (o *Orchestrator) recordStale(ctx context.Context, r *Routing, resp Response) {
	e := o.entry(r, audit.KindSystemEvent, resp.Actor, map[string]any{
		"action":         resp.Action,
		"facility_id":    resp.FacilityID,
		"selected":       r.SelectedFacilityID,
		"routing_status": r.Status,
	})
	e.Outcome = "stale_response"
	if err := o.audit.Record(ctx, e); err != nil {
		o.logger.Error().Err(err).Str("routing_id", r.ID.String()).Msg("failed to audit stale response")
	}
	o.logger.Warn().
		Str("routing_id", r.ID.String()).
		Str("facility_id", resp.FacilityID.String()).
		Str("status", string(r.Status)).
		Msg("stale facility response")
}

func (o *Orchestrator) acknowledge(ctx context.Context, r *Routing, answer *audit.Entry) error {
	next := r.clone()
	if next.AcknowledgedAt == nil {
		now := o.now()
		next.AcknowledgedAt = &now
	}
	if err := o.commit(ctx, r, next, answer); err != nil {
		return err
	}
	o.publish(ctx, r, "routing.acknowledged")
	return nil
}

func (o *Orchestrator) confirm(ctx context.Context, r *Routing, resp Response, answer *audit.Entry) error {
	want := 1
	if resp.BedsReserved != nil {
		want = *resp.BedsReserved
	}
	if r.BedReserved {
		want--
	}
	fid := *r.SelectedFacilityID
	reserved, err := o.reserve(ctx, r.ID, fid, want)
	if err != nil {
		return err
	}

	now := o.now()
	err = o.transition(ctx, r, StatusConfirmed, resp.Actor, func(n *Routing) {
		n.BedReserved = n.BedReserved || reserved > 0
		if n.AcknowledgedAt == nil {
			n.AcknowledgedAt = &now
		}
	}, map[string]any{"facility_id": fid, "beds_reserved_on_confirm": reserved}, answer)
	if err != nil && reserved > 0 {
		if _, rerr := o.facilities.AdjustCapacity(ctx, fid, reserved, facility.ReasonRelease, ActorOrchestrator, &r.ID); rerr != nil {
			o.logger.Error().Err(rerr).Str("facility_id", fid.String()).Msg("failed to release beds after failed confirmation")
		}
	}
	return err
}

// reserve takes up to want beds at facilityID, clamped to what is
// available. It returns the number actually reserved.
func (o *Orchestrator) reserve(ctx context.Context, routingID, facilityID uuid.UUID, want int) (int, error) {
	for attempt := 0; want > 0 && attempt < 2; attempt++ {
		f, err := o.facilities.GetFacility(ctx, facilityID)
		if err != nil {
			return 0, fmt.Errorf("reload facility: %w", err)
		}
		n := want
		if n > f.AvailableBeds {
			n = f.AvailableBeds
		}
		if n <= 0 {
			return 0, nil
		}
		_, err = o.facilities.AdjustCapacity(ctx, facilityID, -n, facility.ReasonConfirmation, ActorOrchestrator, &routingID)
		if errors.Is(err, facility.ErrInsufficientCapacity) {
			continue
		}
		if err != nil {
			return 0, fmt.Errorf("reserve beds: %w", err)
		}
		return n, nil
	}
	return 0, nil
}

// reject moves r from notified to rejected, frees its bed and offers the case
// to the next candidate. cancel sends a cancellation notice to the facility
// that lost the offer.
func (o *Orchestrator) reject(ctx context.Context, r *Routing, actor, reason string, cancel bool, extra ...*audit.Entry) error {
	fid := *r.SelectedFacilityID
	hadBed := r.BedReserved

	err := o.transition(ctx, r, StatusRejected, actor, func(n *Routing) {
		n.RejectedFacilityIDs = append(n.RejectedFacilityIDs, fid)
		n.SelectedFacilityID = nil
		n.BedReserved = false
		n.ResponseDeadline = nil
		n.NeedsAttention = false
	}, map[string]any{"facility_id": fid, "reason": reason}, extra...)
	if err != nil {
		return err
	}
	if hadBed {
		o.release(ctx, r.ID, fid)
	}

	c, err := o.cases.GetByID(ctx, r.CaseID)
	if err != nil {
		err = fmt.Errorf("load case: %w", err)
		o.flagStalled(ctx, r, err)
		return err
	}
	if cancel {
		if f, err := o.facilities.GetFacility(ctx, fid); err == nil {
			o.notify(ctx, r, c, f, dispatch.KindCancellation)
		}
	}
	if err := o.reselect(ctx, r, c); err != nil {
		o.flagStalled(ctx, r, err)
		return err
	}
	return nil
}

func (o *Orchestrator) reselect(ctx context.Context, r *Routing, c *triage.Case) error {
	remaining := r.Remaining()
	if remaining == 0 {
		return o.transition(ctx, r, StatusUnmatched, ActorOrchestrator, nil,
			map[string]any{"reason": "candidates_exhausted", "attempts": r.Attempts})
	}
	if err := o.transition(ctx, r, StatusMatched, ActorOrchestrator, nil,
		map[string]any{"reselection": true, "remaining": remaining}); err != nil {
		return err
	}
	if err := o.prioritize(ctx, r, c); err != nil {
		return err
	}
	return o.selectAndNotify(ctx, r, c)
}

func (o *Orchestrator) release(ctx context.Context, routingID, facilityID uuid.UUID) {
	if _, err := o.facilities.AdjustCapacity(ctx, facilityID, 1, facility.ReasonRelease, ActorOrchestrator, &routingID); err != nil {
		o.logger.Error().Err(err).
			Str("routing_id", routingID.String()).
			Str("facility_id", facilityID.String()).
			Msg("failed to release reserved bed")
	}
}

// HandleDeliveryOutcome applies the final state of a new-case notification:
// an immediate acknowledgment is stamped on the routing, an exhausted
// delivery flags the routing for operator attention.
func (o *Orchestrator) HandleDeliveryOutcome(ctx context.Context, n *dispatch.Notification) {
	if n.Kind != dispatch.KindNewCase {
		return
	}
	if n.Status != dispatch.StatusAcknowledged && n.Status != dispatch.StatusPermanentlyFailed {
		return
	}
	log := o.logger.With().Str("routing_id", n.RoutingID.String()).Str("notification_id", n.ID.String()).Logger()

	release, err := o.locker.Acquire(ctx, LockKey(n.RoutingID))
	if err != nil {
		log.Error().Err(err).Msg("failed to lock routing for delivery outcome")
		return
	}
	defer release()

	r, err := o.routings.GetByID(ctx, n.RoutingID)
	if err != nil {
		log.Error().Err(err).Msg("failed to load routing for delivery outcome")
		return
	}
	if r.Status != StatusNotified || !r.IsSelected(n.FacilityID) {
		return
	}

	next := r.clone()
	var e *audit.Entry
	event := "routing.acknowledged"
	if n.Status == dispatch.StatusAcknowledged {
		if r.AcknowledgedAt != nil {
			return
		}
		at := o.now()
		if n.AcknowledgedAt != nil {
			at = *n.AcknowledgedAt
		}
		next.AcknowledgedAt = &at
		e = o.responseEntry(r, Response{
			FacilityID:     n.FacilityID,
			NotificationID: &n.ID,
			Action:         ActionAcknowledge,
			Actor:          FacilityActor(n.FacilityID),
		})
	} else {
		next.NeedsAttention = true
		e = o.entry(r, audit.KindSystemEvent, ActorOrchestrator, map[string]any{
			"notification_id": n.ID,
			"error":           n.Error,
			"attempts":        n.RetryCount + 1,
		})
		e.Outcome = "delivery_exhausted"
		e.NotificationID = &n.ID
		event = "routing.needs_attention"
	}
	if err := o.commit(ctx, r, next, e); err != nil {
		log.Error().Err(err).Msg("failed to record delivery outcome")
		return
	}
	if next.NeedsAttention {
		log.Warn().Msg("notification delivery exhausted; routing needs attention")
	}
	o.publish(ctx, r, event)
}

// ---------------------------------------------------------------------------
// Queries
// ---------------------------------------------------------------------------

func (o *Orchestrator) GetRouting(ctx context.Context, id uuid.UUID) (*Routing, error) {
	return o.routings.GetByID(ctx, id)
}

// GetByToken returns the latest routing for a patient token.
func (o *Orchestrator) GetByToken(ctx context.Context, token string) (*Routing, error) {
	return o.routings.GetLatestByToken(ctx, token)
}

func (o *Orchestrator) ListRoutings(ctx context.Context, filter ListFilter, limit, offset int) ([]*Routing, int, error) {
	return o.routings.List(ctx, filter, limit, offset)
}

// Candidates returns the ranked candidates of a routing in rank order.
func (o *Orchestrator) Candidates(ctx context.Context, id uuid.UUID) ([]CandidateView, error) {
	r, err := o.routings.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	rejected := r.Rejected()
	views := make([]CandidateView, 0, len(r.Candidates))
	for _, c := range r.Candidates {
		views = append(views, CandidateView{
			Candidate: c,
			Selected:  r.IsSelected(c.FacilityID),
			Rejected:  rejected[c.FacilityID],
		})
	}
	return views, nil
}

// ---------------------------------------------------------------------------
// Persistence helpers
// ---------------------------------------------------------------------------

// transition moves r to status to. The routing update and its audit entries
// commit together or not at all; r is only changed on success.
func (o *Orchestrator) transition(ctx context.Context, r *Routing, to Status, actor string, mutate func(*Routing), detail map[string]any, extra ...*audit.Entry) error {
	if !CanTransition(r.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, r.Status, to)
	}
	from := r.Status
	next := r.clone()
	next.Status = to
	next.stamp(to, o.now())
	if mutate != nil {
		mutate(next)
	}

	e := o.entry(next, audit.KindTransition, actor, detail)
	if e.FacilityID == nil && r.SelectedFacilityID != nil {
		id := *r.SelectedFacilityID
		e.FacilityID = &id
	}
	e.FromStatus = string(from)
	e.ToStatus = string(to)

	if err := o.commit(ctx, r, next, append([]*audit.Entry{e}, extra...)...); err != nil {
		return err
	}
	o.logger.Info().
		Str("routing_id", r.ID.String()).
		Str("from", string(from)).
		Str("to", string(to)).
		Str("actor", actor).
		Msg("routing transition")
	o.publish(ctx, r, "")
	if to.Terminal() {
		o.followUp(ctx, r)
	}
	return nil
}

func (o *Orchestrator) commit(ctx context.Context, r, next *Routing, entries ...*audit.Entry) error {
	err := o.tx.WithinTx(ctx, func(ctx context.Context) error {
		if err := o.routings.Update(ctx, next); err != nil {
			return fmt.Errorf("update routing: %w", err)
		}
		for _, e := range entries {
			if err := o.audit.Record(ctx, e); err != nil {
				return fmt.Errorf("audit %s: %w", e.Kind, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	*r = *next
	return nil
}

func (o *Orchestrator) entry(r *Routing, kind audit.Kind, actor string, detail any) *audit.Entry {
	id := r.ID
	e := &audit.Entry{
		Kind:         kind,
		RoutingID:    &id,
		PatientToken: r.PatientToken,
		RiskLevel:    string(r.RiskLevel),
		Actor:        actor,
	}
	if r.SelectedFacilityID != nil {
		fid := *r.SelectedFacilityID
		e.FacilityID = &fid
	}
	if detail != nil {
		if err := e.SetDetail(detail); err != nil {
			o.logger.Warn().Err(err).Msg("failed to encode audit detail")
		}
	}
	return e
}

// ---------------------------------------------------------------------------
// Collaborators
// ---------------------------------------------------------------------------

func (o *Orchestrator) notify(ctx context.Context, r *Routing, c *triage.Case, f *facility.Facility, kind dispatch.Kind) {
	req := dispatch.Request{
		RoutingID:        r.ID,
		Facility:         f,
		Case:             c,
		Kind:             kind,
		RequiredServices: o.matcher.ServiceMap().RequiredServices(c),
		PriorityScore:    r.PriorityScore,
		BookingMode:      string(r.BookingMode),
		ResponseDeadline: r.ResponseDeadline,
	}
	if _, err := o.notifier.Dispatch(ctx, req); err != nil {
		o.logger.Error().Err(err).
			Str("routing_id", r.ID.String()).
			Str("facility_id", f.ID.String()).
			Str("kind", string(kind)).
			Msg("failed to dispatch notification")
		e := o.entry(r, audit.KindSystemEvent, ActorOrchestrator, map[string]any{
			"kind":  kind,
			"error": err.Error(),
		})
		fid := f.ID
		e.FacilityID = &fid
		e.Outcome = "dispatch_failed"
		if err := o.audit.Record(ctx, e); err != nil {
			o.logger.Error().Err(err).Msg("failed to audit dispatch failure")
		}
	}
}

func (o *Orchestrator) followUp(ctx context.Context, r *Routing) {
	if o.followups == nil {
		return
	}
	msg := FollowUp{
		RoutingID:     r.ID,
		CaseToken:     r.PatientToken,
		RiskLevel:     string(r.RiskLevel),
		PriorityScore: r.PriorityScore,
		Outcome:       r.Status,
		FacilityID:    r.SelectedFacilityID,
		OccurredAt:    o.now(),
	}
	if err := o.followups.Publish(ctx, o.cfg.FollowUpSubject, msg); err != nil {
		o.logger.Warn().Err(err).Str("routing_id", r.ID.String()).Msg("failed to publish follow-up")
	}
}

func (o *Orchestrator) publish(ctx context.Context, r *Routing, eventType string) {
	if o.events == nil {
		return
	}
	if eventType == "" {
		eventType = "routing." + string(r.Status)
	}
	data, _ := json.Marshal(map[string]any{
		"priority_score":  r.PriorityScore,
		"booking_mode":    r.BookingMode,
		"attempts":        r.Attempts,
		"needs_attention": r.NeedsAttention,
	})
	ev := websocket.Event{
		Type:      eventType,
		Topic:     websocket.TopicRoutings,
		RoutingID: r.ID.String(),
		Status:    string(r.Status),
		Data:      data,
	}
	if r.SelectedFacilityID != nil {
		ev.FacilityID = r.SelectedFacilityID.String()
	}
	if err := o.events.Publish(ctx, ev); err != nil {
		o.logger.Warn().Err(err).Msg("failed to publish routing event")
	}
}
