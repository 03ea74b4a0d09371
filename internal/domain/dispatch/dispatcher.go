package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/harakacare/facility-router/internal/domain/audit"
	"github.com/harakacare/facility-router/internal/domain/facility"
	"github.com/harakacare/facility-router/internal/domain/triage"
	"github.com/harakacare/facility-router/internal/platform/auth"
	"github.com/harakacare/facility-router/internal/platform/notification"
	"github.com/harakacare/facility-router/internal/platform/webhook"
	"github.com/harakacare/facility-router/internal/platform/websocket"
)

// ActorDispatcher is the audit actor for delivery attempts.
const ActorDispatcher = "system:dispatcher"

// Attempt outcomes recorded in the audit log.
const (
	OutcomeSent              = "sent"
	OutcomeAcknowledged      = "acknowledged"
	OutcomeRetryScheduled    = "retry_scheduled"
	OutcomePermanentlyFailed = "permanently_failed"
	OutcomeAborted           = "aborted"
)

var (
	ErrClosed    = errors.New("dispatcher closed")
	errNoChannel = errors.New("facility has no notification endpoint or sms phone")
)

// Poster sends a signed JSON body to a facility endpoint.
type Poster interface {
	Post(ctx context.Context, rawURL string, payload []byte) (*webhook.Delivery, error)
}

// Config controls retries and pacing.
type Config struct {
	MaxAttempts     int
	BackoffBase     time.Duration
	BackoffMax      time.Duration
	AttemptTimeout  time.Duration
	RatePerFacility float64
	PublicBaseURL   string
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = time.Second
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 5 * time.Minute
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = 30 * time.Second
	}
	return c
}

// Request describes one notice to one facility.
type Request struct {
	RoutingID        uuid.UUID
	Facility         *facility.Facility
	Case             *triage.Case
	Kind             Kind
	RequiredServices []string
	PriorityScore    int
	BookingMode      string
	ResponseDeadline *time.Time
}

// OutcomeFunc is called once per dispatch when delivery stops: sent,
// acknowledged, permanently failed or aborted.
type OutcomeFunc func(ctx context.Context, n *Notification)

type Dispatcher struct {
	store     Store
	audit     audit.Recorder
	api       Poster
	sms       notification.SMSSender
	templates *notification.TemplateEngine
	tokens    *auth.ResponseTokens
	cfg       Config
	logger    zerolog.Logger
	events    websocket.EventPublisher
	onOutcome OutcomeFunc

	mu       sync.Mutex
	limiters map[uuid.UUID]*rate.Limiter

	lifecycle sync.Mutex
	closed    bool
	wg        sync.WaitGroup
	ctx       context.Context
	cancel    context.CancelFunc
	now       func() time.Time
	sleep     func(ctx context.Context, d time.Duration) error
}

func NewDispatcher(store Store, rec audit.Recorder, api Poster, sms notification.SMSSender, tokens *auth.ResponseTokens, cfg Config, logger zerolog.Logger) *Dispatcher {
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		store:     store,
		audit:     rec,
		api:       api,
		sms:       sms,
		templates: notification.NewTemplateEngine(),
		tokens:    tokens,
		cfg:       cfg.withDefaults(),
		logger:    logger.With().Str("component", "dispatcher").Logger(),
		limiters:  make(map[uuid.UUID]*rate.Limiter),
		ctx:       ctx,
		cancel:    cancel,
		now:       time.Now,
		sleep:     sleepCtx,
	}
}

// OnOutcome registers the delivery outcome callback.
func (d *Dispatcher) OnOutcome(fn OutcomeFunc) {
	d.onOutcome = fn
}

// SetEventPublisher attaches an optional publisher for delivery events.
func (d *Dispatcher) SetEventPublisher(p websocket.EventPublisher) {
	d.events = p
}

// Templates exposes the message templates so callers can override them.
func (d *Dispatcher) Templates() *notification.TemplateEngine {
	return d.templates
}

// Dispatch stores a pending notification and delivers it in the background.
// It returns as soon as the notification is stored.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (*Notification, error) {
	if req.Facility == nil || req.Case == nil {
		return nil, fmt.Errorf("facility and case are required")
	}

	n := &Notification{
		ID:         uuid.New(),
		RoutingID:  req.RoutingID,
		FacilityID: req.Facility.ID,
		Kind:       req.Kind,
		Status:     StatusPending,
	}
	payload, err := d.buildPayload(n, req)
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	n.Payload = body

	d.lifecycle.Lock()
	defer d.lifecycle.Unlock()
	if d.closed {
		return nil, ErrClosed
	}
	if err := d.store.Create(ctx, n); err != nil {
		return nil, fmt.Errorf("create notification: %w", err)
	}

	target := deliveryTarget{
		facilityID: req.Facility.ID,
		body:       body,
		sms:        smsMessage(d.templates, payload, req.Case.IsEmergency()),
	}
	if req.Facility.NotificationEndpoint != nil {
		target.endpoint = strings.TrimSpace(*req.Facility.NotificationEndpoint)
	}
	if req.Facility.SMSPhone != nil {
		target.phone = strings.TrimSpace(*req.Facility.SMSPhone)
	}

	d.wg.Add(1)
	cp := *n
	go d.deliver(&cp, target)
	return n, nil
}

// Acknowledge records that the facility answered notification id.
func (d *Dispatcher) Acknowledge(ctx context.Context, id uuid.UUID) error {
	return d.store.Acknowledge(ctx, id, d.now().UTC())
}

func (d *Dispatcher) ListByRouting(ctx context.Context, routingID uuid.UUID) ([]*Notification, error) {
	return d.store.ListByRouting(ctx, routingID)
}

func (d *Dispatcher) Stats(ctx context.Context, from, to time.Time) (*Stats, error) {
	return d.store.Stats(ctx, from, to)
}

// Close stops accepting dispatches and waits for in-flight deliveries. When
// ctx ends first, pending retries are aborted.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.lifecycle.Lock()
	d.closed = true
	d.lifecycle.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		d.cancel()
		return nil
	case <-ctx.Done():
		d.cancel()
		<-done
		return ctx.Err()
	}
}

// ---------------------------------------------------------------------------
// Delivery
// ---------------------------------------------------------------------------

type deliveryTarget struct {
	facilityID uuid.UUID
	endpoint   string
	phone      string
	body       []byte
	sms        string
}

type roundResult struct {
	channel      Channel
	acknowledged bool
	responseBody string
	detail       map[string]any
}

func (d *Dispatcher) deliver(n *Notification, target deliveryTarget) {
	defer d.wg.Done()
	ctx := d.ctx
	log := d.logger.With().
		Str("notification_id", n.ID.String()).
		Str("facility_id", target.facilityID.String()).
		Str("kind", string(n.Kind)).
		Logger()

	for attempt := 1; ; attempt++ {
		n.RetryCount = attempt - 1
		if err := d.limiter(target.facilityID).Wait(ctx); err != nil {
			d.abort(n, attempt, err)
			return
		}

		res, err := d.round(ctx, target)
		n.Channel = res.channel
		n.ResponseBody = res.responseBody
		now := d.now().UTC()

		if err == nil {
			n.Error = ""
			n.SentAt = &now
			outcome := OutcomeSent
			n.Status = StatusSent
			if res.acknowledged {
				n.Status = StatusAcknowledged
				n.AcknowledgedAt = &now
				outcome = OutcomeAcknowledged
			}
			d.finish(n, attempt, outcome, res.detail)
			log.Info().Str("channel", string(n.Channel)).Int("attempt", attempt).Msg("notification delivered")
			return
		}

		n.Error = err.Error()
		if attempt >= d.cfg.MaxAttempts || errors.Is(err, errNoChannel) {
			n.Status = StatusPermanentlyFailed
			n.FailedAt = &now
			d.finish(n, attempt, OutcomePermanentlyFailed, res.detail)
			log.Error().Err(err).Int("attempt", attempt).Msg("notification permanently failed")
			return
		}

		n.Status = StatusFailed
		wait := d.backoff(attempt)
		res.detail["next_attempt_in"] = wait.String()
		d.record(n, attempt, OutcomeRetryScheduled, res.detail)
		log.Warn().Err(err).Int("attempt", attempt).Dur("backoff", wait).Msg("notification attempt failed")

		if err := d.sleep(ctx, wait); err != nil {
			d.abort(n, attempt, err)
			return
		}
	}
}

// round tries the API endpoint, then SMS.
func (d *Dispatcher) round(ctx context.Context, target deliveryTarget) (roundResult, error) {
	res := roundResult{detail: map[string]any{}}
	useAPI := target.endpoint != "" && d.api != nil
	useSMS := target.phone != "" && d.sms != nil
	if !useAPI && !useSMS {
		return res, errNoChannel
	}

	var errs []error
	if useAPI {
		res.channel = ChannelAPI
		actx, cancel := context.WithTimeout(ctx, d.cfg.AttemptTimeout)
		delivery, err := d.api.Post(actx, target.endpoint, target.body)
		cancel()
		if delivery != nil {
			res.responseBody = delivery.ResponseBody
			res.detail["api_status_code"] = delivery.StatusCode
		}
		if err == nil {
			res.acknowledged = acknowledged(delivery)
			return res, nil
		}
		res.detail["api_error"] = err.Error()
		errs = append(errs, fmt.Errorf("api: %w", err))
	}

	if useSMS {
		res.channel = ChannelSMS
		sctx, cancel := context.WithTimeout(ctx, d.cfg.AttemptTimeout)
		err := d.sms.SendSMS(sctx, target.phone, target.sms)
		cancel()
		if err == nil {
			return res, nil
		}
		res.detail["sms_error"] = err.Error()
		errs = append(errs, fmt.Errorf("sms: %w", err))
	}
	return res, errors.Join(errs...)
}

func acknowledged(delivery *webhook.Delivery) bool {
	if delivery == nil || delivery.ResponseBody == "" {
		return false
	}
	var body struct {
		Acknowledged bool `json:"acknowledged"`
	}
	if err := json.Unmarshal([]byte(delivery.ResponseBody), &body); err != nil {
		return false
	}
	return body.Acknowledged
}

func (d *Dispatcher) backoff(attempt int) time.Duration {
	wait := d.cfg.BackoffBase
	for i := 1; i < attempt; i++ {
		wait *= 2
		if wait >= d.cfg.BackoffMax {
			return d.cfg.BackoffMax
		}
	}
	if wait > d.cfg.BackoffMax {
		return d.cfg.BackoffMax
	}
	return wait
}

func (d *Dispatcher) limiter(facilityID uuid.UUID) *rate.Limiter {
	d.mu.Lock()
	defer d.mu.Unlock()
	l, ok := d.limiters[facilityID]
	if !ok {
		limit := rate.Inf
		burst := 1
		if d.cfg.RatePerFacility > 0 {
			limit = rate.Limit(d.cfg.RatePerFacility)
			if b := int(d.cfg.RatePerFacility); b > burst {
				burst = b
			}
		}
		l = rate.NewLimiter(limit, burst)
		d.limiters[facilityID] = l
	}
	return l
}

func (d *Dispatcher) abort(n *Notification, attempt int, cause error) {
	now := d.now().UTC()
	n.Status = StatusPermanentlyFailed
	n.FailedAt = &now
	n.Error = fmt.Sprintf("delivery aborted: %v", cause)
	d.finish(n, attempt, OutcomeAborted, map[string]any{"cause": cause.Error()})
}

// finish records the last attempt and reports the outcome.
func (d *Dispatcher) finish(n *Notification, attempt int, outcome string, detail map[string]any) {
	d.record(n, attempt, outcome, detail)
	if d.onOutcome != nil {
		d.onOutcome(context.WithoutCancel(d.ctx), n)
	}
	d.publish(n)
}

// record persists the attempt and writes its audit entry. Storage here runs
// outside the dispatch caller's transaction.
func (d *Dispatcher) record(n *Notification, attempt int, outcome string, detail map[string]any) {
	ctx := context.WithoutCancel(d.ctx)
	if err := d.store.RecordAttempt(ctx, n); err != nil {
		d.logger.Error().Err(err).Str("notification_id", n.ID.String()).Msg("failed to store notification attempt")
	}

	detail["attempt"] = attempt
	detail["kind"] = string(n.Kind)
	if n.Channel != "" {
		detail["channel"] = string(n.Channel)
	}
	if n.Error != "" {
		detail["error"] = n.Error
	}
	e := &audit.Entry{
		Kind:           audit.KindNotificationAttempt,
		RoutingID:      &n.RoutingID,
		FacilityID:     &n.FacilityID,
		NotificationID: &n.ID,
		Actor:          ActorDispatcher,
		Outcome:        outcome,
	}
	_ = e.SetDetail(detail)
	if err := d.audit.Record(ctx, e); err != nil {
		d.logger.Error().Err(err).Str("notification_id", n.ID.String()).Msg("failed to audit notification attempt")
	}
}

func (d *Dispatcher) publish(n *Notification) {
	if d.events == nil {
		return
	}
	ev := websocket.Event{
		Type:       "notification." + string(n.Status),
		Topic:      websocket.TopicNotifications,
		RoutingID:  n.RoutingID.String(),
		FacilityID: n.FacilityID.String(),
		Status:     string(n.Status),
	}
	if err := d.events.Publish(context.WithoutCancel(d.ctx), ev); err != nil {
		d.logger.Warn().Err(err).Msg("failed to publish notification event")
	}
}

// ---------------------------------------------------------------------------
// Payload
// ---------------------------------------------------------------------------

func (d *Dispatcher) buildPayload(n *Notification, req Request) (*Payload, error) {
	p := &Payload{
		NotificationID:       n.ID,
		Kind:                 req.Kind,
		CaseToken:            req.Case.PatientToken,
		RiskLevel:            string(req.Case.RiskLevel),
		PrimarySymptom:       req.Case.PrimarySymptom,
		SecondarySymptoms:    append([]string{}, req.Case.SecondarySymptoms...),
		RequiredServices:     append([]string{}, req.RequiredServices...),
		PriorityScore:        req.PriorityScore,
		BookingMode:          req.BookingMode,
		RequiresConfirmation: req.Kind != KindCancellation,
		ResponseDeadline:     req.ResponseDeadline,
		SentAt:               d.now().UTC(),
	}
	if p.RequiresConfirmation && d.tokens != nil {
		token, err := d.tokens.Issue(req.RoutingID, req.Facility.ID, n.ID)
		if err != nil {
			return nil, err
		}
		p.ResponseToken = token
		if d.cfg.PublicBaseURL != "" {
			p.RespondURL = strings.TrimRight(d.cfg.PublicBaseURL, "/") +
				"/facility-callbacks/responses?token=" + url.QueryEscape(token)
		}
	}
	return p, nil
}

func smsMessage(engine *notification.TemplateEngine, p *Payload, emergency bool) string {
	templateID := notification.TemplateNewCase
	switch p.Kind {
	case KindReminder:
		templateID = notification.TemplateReminder
	case KindCancellation:
		templateID = notification.TemplateCancellation
	}
	deadline := "-"
	if p.ResponseDeadline != nil {
		deadline = p.ResponseDeadline.UTC().Format("15:04 UTC")
	}
	symptoms := append([]string{p.PrimarySymptom}, p.SecondarySymptoms...)
	subject, body, err := engine.Render(templateID, map[string]string{
		"urgency":     notification.UrgencyPrefix(emergency),
		"short_token": notification.ShortToken(p.CaseToken),
		"risk_level":  p.RiskLevel,
		"symptoms":    strings.Join(symptoms, ", "),
		"services":    strings.Join(p.RequiredServices, ", "),
		"priority":    fmt.Sprintf("%d", p.PriorityScore),
		"deadline":    deadline,
		"respond_url": p.RespondURL,
	})
	if err != nil {
		return ""
	}
	return subject + "\n" + body
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
