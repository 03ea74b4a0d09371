package routing

import (
	"context"
	"errors"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/harakacare/facility-router/internal/domain/audit"
	"github.com/harakacare/facility-router/internal/domain/dispatch"
	"github.com/harakacare/facility-router/internal/domain/facility"
	"github.com/harakacare/facility-router/internal/domain/priority"
	"github.com/harakacare/facility-router/internal/domain/triage"
	"github.com/harakacare/facility-router/internal/platform/auth"
	"github.com/harakacare/facility-router/internal/platform/db"
	"github.com/harakacare/facility-router/internal/platform/lock"
	"github.com/harakacare/facility-router/internal/platform/messaging"
)

var t0 = time.Date(2026, 5, 4, 8, 0, 0, 0, time.UTC)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeNotifier struct {
	mu       sync.Mutex
	requests []dispatch.Request
	acked    []uuid.UUID
	err      error
}

func (n *fakeNotifier) Dispatch(_ context.Context, req dispatch.Request) (*dispatch.Notification, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return nil, n.err
	}
	n.requests = append(n.requests, req)
	return &dispatch.Notification{
		ID:         uuid.New(),
		RoutingID:  req.RoutingID,
		FacilityID: req.Facility.ID,
		Kind:       req.Kind,
		Status:     dispatch.StatusPending,
	}, nil
}

func (n *fakeNotifier) Acknowledge(_ context.Context, id uuid.UUID) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.acked = append(n.acked, id)
	return nil
}

// sent lists notifications as "kind@facility-name".
func (n *fakeNotifier) sent() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []string
	for _, r := range n.requests {
		out = append(out, string(r.Kind)+"@"+r.Facility.Name)
	}
	return out
}

// staleFacilities serves facility reads with some facilities forced
// inactive, as if they were closed right after matching.
type staleFacilities struct {
	*facility.Service
	closed map[uuid.UUID]bool
}

func (s *staleFacilities) GetFacility(ctx context.Context, id uuid.UUID) (*facility.Facility, error) {
	f, err := s.Service.GetFacility(ctx, id)
	if err == nil && s.closed[id] {
		f.Active = false
	}
	return f, err
}

// flakyFacilities fails registry reads while its errors are set.
type flakyFacilities struct {
	*facility.Service
	listErr error
	getErr  map[uuid.UUID]error
}

func (f *flakyFacilities) ListAll(ctx context.Context) ([]*facility.Facility, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.Service.ListAll(ctx)
}

func (f *flakyFacilities) GetFacility(ctx context.Context, id uuid.UUID) (*facility.Facility, error) {
	if err := f.getErr[id]; err != nil {
		return nil, err
	}
	return f.Service.GetFacility(ctx, id)
}

type fixture struct {
	o          *Orchestrator
	routings   *MemoryRepository
	cases      *triage.MemoryRepository
	facilities *facility.MemoryRepository
	facSvc     *facility.Service
	audit      *audit.MemoryStore
	notifier   *fakeNotifier
	followups  *messaging.Recorder
	tokens     *auth.ResponseTokens
	clock      *clock
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	fx := &fixture{
		routings:   NewMemoryRepository(),
		cases:      triage.NewMemoryRepository(),
		facilities: facility.NewMemoryRepository(),
		audit:      audit.NewMemoryStore(),
		notifier:   &fakeNotifier{},
		followups:  &messaging.Recorder{},
		tokens:     auth.NewResponseTokens([]byte("callback-secret"), time.Hour),
		clock:      &clock{now: t0},
	}
	rec := audit.NewService(fx.audit, zerolog.Nop())
	locker := lock.NewLocal()
	fx.facSvc = facility.NewService(fx.facilities, fx.facilities, rec, db.NopTxManager{}, locker, zerolog.Nop())
	fx.o = NewOrchestrator(Deps{
		Routings:   fx.routings,
		Cases:      fx.cases,
		Facilities: fx.facSvc,
		Notifier:   fx.notifier,
		Audit:      rec,
		Tx:         db.NopTxManager{},
		Locker:     locker,
		Tokens:     fx.tokens,
	}, cfg, zerolog.Nop())
	fx.o.now = fx.clock.Now
	fx.o.SetFollowUpPublisher(fx.followups)
	return fx
}

const (
	caseLat = 0.3476
	caseLng = 32.5825
)

// addFacility creates a facility offsetKm north of the case location.
func (fx *fixture) addFacility(t *testing.T, name string, offsetKm float64, available int, services ...string) *facility.Facility {
	t.Helper()
	lat := caseLat + offsetKm/111.195
	lng := caseLng
	f := &facility.Facility{
		Name:             name,
		FacilityType:     facility.TypeHospital,
		District:         "Kampala",
		Lat:              &lat,
		Lng:              &lng,
		TotalBeds:        50,
		AvailableBeds:    available,
		StaffCount:       20,
		Services:         services,
		EmergencyCapable: true,
		Active:           true,
	}
	if err := fx.facSvc.CreateFacility(context.Background(), f); err != nil {
		t.Fatalf("create facility: %v", err)
	}
	return f
}

func (fx *fixture) beds(t *testing.T, id uuid.UUID) int {
	t.Helper()
	f, err := fx.facilities.GetByID(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	return f.AvailableBeds
}

// transitions lists audited transitions of routing id as "from>to".
func (fx *fixture) transitions(id uuid.UUID) []string {
	var out []string
	for _, e := range fx.audit.All() {
		if e.Kind == audit.KindTransition && e.RoutingID != nil && *e.RoutingID == id {
			out = append(out, e.FromStatus+">"+e.ToStatus)
		}
	}
	return out
}

func (fx *fixture) entries(kind audit.Kind, outcome string) []*audit.Entry {
	var out []*audit.Entry
	for _, e := range fx.audit.All() {
		if e.Kind == kind && (outcome == "" || e.Outcome == outcome) {
			out = append(out, e)
		}
	}
	return out
}

func coords() (*float64, *float64) {
	lat, lng := caseLat, caseLng
	return &lat, &lng
}

func emergencyIntake() triage.Intake {
	lat, lng := coords()
	return triage.Intake{
		PatientToken:   "tok-emergency-0001",
		RiskLevel:      "high",
		PrimarySymptom: "chest_pain",
		HasRedFlags:    true,
		District:       "Kampala",
		Lat:            lat,
		Lng:            lng,
	}
}

func routineIntake() triage.Intake {
	lat, lng := coords()
	return triage.Intake{
		PatientToken:   "tok-routine-0001",
		RiskLevel:      "low",
		PrimarySymptom: "fever",
		District:       "Kampala",
		Lat:            lat,
		Lng:            lng,
	}
}

func join(s []string) string { return strings.Join(s, ",") }

func TestCanTransition(t *testing.T) {
	allowed := [][2]Status{
		{StatusReceived, StatusMatched},
		{StatusReceived, StatusUnmatched},
		{StatusMatched, StatusPrioritized},
		{StatusPrioritized, StatusNotified},
		{StatusNotified, StatusConfirmed},
		{StatusNotified, StatusRejected},
		{StatusRejected, StatusMatched},
		{StatusRejected, StatusUnmatched},
	}
	for _, p := range allowed {
		if !CanTransition(p[0], p[1]) {
			t.Errorf("%s -> %s should be allowed", p[0], p[1])
		}
	}
	denied := [][2]Status{
		{StatusReceived, StatusNotified},
		{StatusNotified, StatusMatched},
		{StatusConfirmed, StatusRejected},
		{StatusUnmatched, StatusMatched},
		{StatusRejected, StatusNotified},
	}
	for _, p := range denied {
		if CanTransition(p[0], p[1]) {
			t.Errorf("%s -> %s should be denied", p[0], p[1])
		}
	}
	if !StatusConfirmed.Terminal() || !StatusUnmatched.Terminal() || StatusRejected.Terminal() {
		t.Error("unexpected terminal statuses")
	}
}

func TestProcessCase_EmergencyAutomaticBooking(t *testing.T) {
	fx := newFixture(t, Config{EmergencyWindow: 30 * time.Minute, RoutineWindow: 2 * time.Hour})
	near := fx.addFacility(t, "Mulago", 2, 45, "emergency", "general_medicine")
	fx.addFacility(t, "Nsambya", 15, 30, "emergency", "general_medicine")

	r, err := fx.o.ProcessCase(context.Background(), emergencyIntake())
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if r.Status != StatusNotified || !r.IsSelected(near.ID) {
		t.Fatalf("expected notified at nearest facility, got %s", r.Status)
	}
	// high risk 100 plus red flag 200
	if r.BookingMode != priority.BookingAutomatic || r.PriorityScore != 300 {
		t.Errorf("expected automatic booking with priority 300, got %s/%d", r.BookingMode, r.PriorityScore)
	}
	if !r.BedReserved || fx.beds(t, near.ID) != 44 {
		t.Errorf("expected one bed reserved at selection, beds now %d", fx.beds(t, near.ID))
	}
	if r.ResponseDeadline == nil || !r.ResponseDeadline.Equal(t0.Add(30*time.Minute)) {
		t.Errorf("expected emergency response window, got %v", r.ResponseDeadline)
	}
	// 45 of 50 beds free: 0.30 + 0.25*0.9 + 0.25 + 0.10 + 0.10
	if len(r.Candidates) != 2 || math.Abs(r.Candidates[0].Composite-0.975) > 1e-9 {
		t.Errorf("expected top composite 0.975, got %+v", r.Candidates[0])
	}

	want := ">received,received>matched,matched>prioritized,prioritized>notified"
	if got := join(fx.transitions(r.ID)); got != want {
		t.Errorf("transitions: got %s want %s", got, want)
	}
	if len(fx.entries(audit.KindCandidateSet, "")) != 1 {
		t.Error("expected one candidate_set entry")
	}
	if got := join(fx.notifier.sent()); got != "new_case@Mulago" {
		t.Errorf("unexpected notifications %s", got)
	}
	req := fx.notifier.requests[0]
	if req.PriorityScore != 300 || req.BookingMode != "automatic" || req.ResponseDeadline == nil {
		t.Errorf("unexpected dispatch request %+v", req)
	}

	stored, err := fx.routings.GetByID(context.Background(), r.ID)
	if err != nil || stored.Version != r.Version || stored.Status != StatusNotified {
		t.Errorf("stored routing out of sync: %+v %v", stored, err)
	}
}

func TestProcessCase_AllExcludedIsUnmatched(t *testing.T) {
	fx := newFixture(t, Config{})
	full := fx.addFacility(t, "Far Away HC", 60, 0, "general_medicine")

	lat, lng := coords()
	r, err := fx.o.ProcessCase(context.Background(), triage.Intake{
		PatientToken:   "tok-headache",
		RiskLevel:      "low",
		PrimarySymptom: "headache",
		Lat:            lat,
		Lng:            lng,
	})
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if r.Status != StatusUnmatched || r.UnmatchedAt == nil {
		t.Fatalf("expected unmatched, got %s", r.Status)
	}
	if got := join(fx.transitions(r.ID)); got != ">received,received>unmatched" {
		t.Errorf("unexpected transitions %s", got)
	}
	if len(fx.notifier.sent()) != 0 {
		t.Error("nothing should be dispatched")
	}
	if fx.beds(t, full.ID) != 0 {
		t.Error("capacity must not change")
	}

	msgs := fx.followups.Messages()
	if len(msgs) != 1 || msgs[0].Subject != DefaultFollowUpSubject || !strings.Contains(string(msgs[0].Data), `"outcome":"unmatched"`) {
		t.Errorf("expected unmatched follow-up, got %+v", msgs)
	}
}

func TestProcessCase_DefaultsAudited(t *testing.T) {
	fx := newFixture(t, Config{})
	fx.addFacility(t, "Mulago", 2, 10, "general_medicine")

	r, err := fx.o.ProcessCase(context.Background(), triage.Intake{RiskLevel: "severe"})
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if r.RiskLevel != triage.RiskMedium || !strings.HasPrefix(r.PatientToken, "anon-") {
		t.Errorf("expected defaults applied, got %s %s", r.RiskLevel, r.PatientToken)
	}
	if len(fx.entries(audit.KindSystemEvent, "defaults_applied")) != 1 {
		t.Error("expected defaults_applied audit entry")
	}
	if r.Status != StatusNotified || r.BookingMode != priority.BookingManual {
		t.Errorf("expected manual notified routing, got %s/%s", r.Status, r.BookingMode)
	}
}

func TestHandleResponse_RejectAdvancesToNextCandidate(t *testing.T) {
	fx := newFixture(t, Config{})
	first := fx.addFacility(t, "Kisenyi HC", 1, 10, "general_medicine")
	second := fx.addFacility(t, "Kawempe HC", 12, 10, "general_medicine")
	ctx := context.Background()

	r, err := fx.o.ProcessCase(ctx, routineIntake())
	if err != nil {
		t.Fatal(err)
	}
	if !r.IsSelected(first.ID) || r.BookingMode != priority.BookingManual || r.BedReserved {
		t.Fatalf("expected manual offer to first facility, got %+v", r)
	}

	r, err = fx.o.HandleResponse(ctx, Response{RoutingID: r.ID, FacilityID: first.ID, Action: ActionReject})
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if r.Status != StatusNotified || !r.IsSelected(second.ID) || r.Attempts != 2 {
		t.Fatalf("expected second candidate notified, got %s attempts=%d", r.Status, r.Attempts)
	}
	if !r.Rejected()[first.ID] {
		t.Error("first facility must be in the rejected set")
	}
	want := ">received,received>matched,matched>prioritized,prioritized>notified," +
		"notified>rejected,rejected>matched,matched>prioritized,prioritized>notified"
	if got := join(fx.transitions(r.ID)); got != want {
		t.Errorf("transitions: got %s want %s", got, want)
	}

	r, err = fx.o.HandleResponse(ctx, Response{RoutingID: r.ID, FacilityID: second.ID, Action: ActionReject})
	if err != nil {
		t.Fatalf("second reject: %v", err)
	}
	if r.Status != StatusUnmatched || r.Attempts != 2 {
		t.Errorf("expected unmatched after exhausting candidates, got %s attempts=%d", r.Status, r.Attempts)
	}
	if got := join(fx.notifier.sent()); got != "new_case@Kisenyi HC,new_case@Kawempe HC" {
		t.Errorf("unexpected notifications %s", got)
	}
	if fx.beds(t, first.ID) != 10 || fx.beds(t, second.ID) != 10 {
		t.Error("manual rejections must not touch capacity")
	}
	responses := fx.entries(audit.KindFacilityResponse, "reject")
	if len(responses) != 2 || responses[0].Actor != FacilityActor(first.ID) {
		t.Errorf("expected two audited rejections, got %+v", responses)
	}
}

func TestHandleResponse_AutomaticRejectReleasesBed(t *testing.T) {
	fx := newFixture(t, Config{})
	first := fx.addFacility(t, "Mulago", 2, 5, "emergency", "general_medicine")
	second := fx.addFacility(t, "Nsambya", 15, 5, "emergency", "general_medicine")
	ctx := context.Background()

	r, _ := fx.o.ProcessCase(ctx, emergencyIntake())
	if fx.beds(t, first.ID) != 4 {
		t.Fatalf("expected reservation at first facility")
	}
	r, err := fx.o.HandleResponse(ctx, Response{RoutingID: r.ID, FacilityID: first.ID, Action: ActionReject})
	if err != nil {
		t.Fatal(err)
	}
	if fx.beds(t, first.ID) != 5 {
		t.Errorf("expected bed released at first facility, got %d", fx.beds(t, first.ID))
	}
	if !r.IsSelected(second.ID) || !r.BedReserved || fx.beds(t, second.ID) != 4 {
		t.Errorf("expected bed reserved at second facility, got %d", fx.beds(t, second.ID))
	}
}

func TestHandleResponse_ConfirmReservesOnManualBooking(t *testing.T) {
	fx := newFixture(t, Config{})
	f := fx.addFacility(t, "Kisenyi HC", 1, 3, "general_medicine")
	ctx := context.Background()

	r, _ := fx.o.ProcessCase(ctx, routineIntake())
	fx.clock.Advance(10 * time.Minute)

	beds := 5
	eta := 40
	r, err := fx.o.HandleResponse(ctx, Response{
		RoutingID: r.ID, FacilityID: f.ID, Action: ActionConfirm, BedsReserved: &beds, ETAMinutes: &eta,
	})
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if r.Status != StatusConfirmed || r.ConfirmedAt == nil || r.AcknowledgedAt == nil || !r.BedReserved {
		t.Errorf("unexpected confirmed routing %+v", r)
	}
	if fx.beds(t, f.ID) != 0 {
		t.Errorf("reservation should be clamped to the 3 available beds, %d left", fx.beds(t, f.ID))
	}

	responses := fx.entries(audit.KindFacilityResponse, "confirm")
	if len(responses) != 1 || responses[0].ResponseSeconds == nil || *responses[0].ResponseSeconds != 600 {
		t.Errorf("expected confirm audited with 600s response time, got %+v", responses)
	}
	msgs := fx.followups.Messages()
	if len(msgs) != 1 || !strings.Contains(string(msgs[0].Data), `"outcome":"confirmed"`) {
		t.Errorf("expected confirmed follow-up, got %+v", msgs)
	}

	if _, err := fx.o.HandleResponse(ctx, Response{RoutingID: r.ID, FacilityID: f.ID, Action: ActionConfirm}); !errors.Is(err, ErrStaleResponse) {
		t.Errorf("second confirm should be stale, got %v", err)
	}
}

func TestHandleResponse_AutomaticConfirmKeepsSelectionBed(t *testing.T) {
	fx := newFixture(t, Config{})
	f := fx.addFacility(t, "Mulago", 2, 10, "emergency", "general_medicine")
	ctx := context.Background()

	r, _ := fx.o.ProcessCase(ctx, emergencyIntake())
	if _, err := fx.o.HandleResponse(ctx, Response{RoutingID: r.ID, FacilityID: f.ID, Action: ActionConfirm}); err != nil {
		t.Fatal(err)
	}
	if fx.beds(t, f.ID) != 9 {
		t.Errorf("confirm must not reserve a second bed, %d left", fx.beds(t, f.ID))
	}
}

func TestHandleResponse_StaleAndInvalid(t *testing.T) {
	fx := newFixture(t, Config{})
	first := fx.addFacility(t, "Kisenyi HC", 1, 10, "general_medicine")
	second := fx.addFacility(t, "Kawempe HC", 12, 10, "general_medicine")
	ctx := context.Background()
	r, _ := fx.o.ProcessCase(ctx, routineIntake())

	_, err := fx.o.HandleResponse(ctx, Response{RoutingID: r.ID, FacilityID: second.ID, Action: ActionConfirm})
	if !errors.Is(err, ErrStaleResponse) {
		t.Fatalf("expected stale response, got %v", err)
	}
	stale := fx.entries(audit.KindSystemEvent, "stale_response")
	if len(stale) != 1 {
		t.Errorf("expected stale response audited, got %d", len(stale))
	}

	if _, err := fx.o.HandleResponse(ctx, Response{RoutingID: r.ID, FacilityID: first.ID, Action: "maybe"}); !errors.Is(err, ErrInvalidResponse) {
		t.Errorf("expected invalid action, got %v", err)
	}
	zero := 0
	if _, err := fx.o.HandleResponse(ctx, Response{RoutingID: r.ID, FacilityID: first.ID, Action: ActionConfirm, BedsReserved: &zero}); !errors.Is(err, ErrInvalidResponse) {
		t.Errorf("expected invalid beds_reserved, got %v", err)
	}
	if _, err := fx.o.HandleResponse(ctx, Response{RoutingID: uuid.New(), FacilityID: first.ID, Action: ActionConfirm}); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected not found, got %v", err)
	}

	got, _ := fx.o.GetRouting(ctx, r.ID)
	if got.Status != StatusNotified || !got.IsSelected(first.ID) {
		t.Error("rejected responses must not change the routing")
	}
}

func TestHandleResponse_Acknowledge(t *testing.T) {
	fx := newFixture(t, Config{})
	f := fx.addFacility(t, "Kisenyi HC", 1, 10, "general_medicine")
	ctx := context.Background()
	r, _ := fx.o.ProcessCase(ctx, routineIntake())

	fx.clock.Advance(3 * time.Minute)
	nid := uuid.New()
	r, err := fx.o.HandleResponse(ctx, Response{RoutingID: r.ID, FacilityID: f.ID, NotificationID: &nid, Action: ActionAcknowledge})
	if err != nil {
		t.Fatal(err)
	}
	if r.Status != StatusNotified || r.AcknowledgedAt == nil || !r.AcknowledgedAt.Equal(t0.Add(3*time.Minute)) {
		t.Errorf("expected acknowledgment stamped while notified, got %+v", r)
	}
	if len(fx.notifier.acked) != 1 || fx.notifier.acked[0] != nid {
		t.Error("notification should be marked acknowledged")
	}
}

func TestHandleResponse_ConcurrentAnswersApplyOnce(t *testing.T) {
	fx := newFixture(t, Config{})
	f := fx.addFacility(t, "Kisenyi HC", 1, 10, "general_medicine")
	ctx := context.Background()
	r, _ := fx.o.ProcessCase(ctx, routineIntake())

	var wg sync.WaitGroup
	errs := make([]error, 6)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			action := ActionConfirm
			if i%2 == 1 {
				action = ActionReject
			}
			_, errs[i] = fx.o.HandleResponse(ctx, Response{RoutingID: r.ID, FacilityID: f.ID, Action: action})
		}(i)
	}
	wg.Wait()

	applied := 0
	for _, err := range errs {
		switch {
		case err == nil:
			applied++
		case !errors.Is(err, ErrStaleResponse):
			t.Errorf("unexpected error %v", err)
		}
	}
	if applied != 1 {
		t.Errorf("expected exactly one applied response, got %d", applied)
	}
	got, _ := fx.o.GetRouting(ctx, r.ID)
	if !got.Status.Terminal() {
		t.Errorf("expected terminal status with a single candidate, got %s", got.Status)
	}
}

func TestSelection_SkipsFacilityThatBecameIneligible(t *testing.T) {
	fx := newFixture(t, Config{})
	first := fx.addFacility(t, "Kisenyi HC", 1, 10, "general_medicine")
	second := fx.addFacility(t, "Kawempe HC", 12, 10, "general_medicine")
	fx.o.facilities = &staleFacilities{Service: fx.facSvc, closed: map[uuid.UUID]bool{first.ID: true}}

	r, err := fx.o.ProcessCase(context.Background(), routineIntake())
	if err != nil {
		t.Fatal(err)
	}
	if !r.IsSelected(second.ID) || r.Attempts != 2 || !r.Rejected()[first.ID] {
		t.Errorf("expected first candidate skipped, got %+v", r)
	}
	skipped := fx.entries(audit.KindSystemEvent, "candidate_skipped")
	if len(skipped) != 1 || *skipped[0].FacilityID != first.ID {
		t.Errorf("expected audited skip, got %+v", skipped)
	}
}

func TestSelection_AllCandidatesIneligibleEndsUnmatched(t *testing.T) {
	fx := newFixture(t, Config{})
	only := fx.addFacility(t, "Kisenyi HC", 1, 10, "general_medicine")
	fx.o.facilities = &staleFacilities{Service: fx.facSvc, closed: map[uuid.UUID]bool{only.ID: true}}

	r, err := fx.o.ProcessCase(context.Background(), routineIntake())
	if err != nil {
		t.Fatal(err)
	}
	want := ">received,received>matched,matched>prioritized,prioritized>unmatched"
	if got := join(fx.transitions(r.ID)); got != want {
		t.Errorf("transitions: got %s want %s", got, want)
	}
}

func TestDispatchFailureIsAudited(t *testing.T) {
	fx := newFixture(t, Config{})
	fx.addFacility(t, "Kisenyi HC", 1, 10, "general_medicine")
	fx.notifier.err = dispatch.ErrClosed

	r, err := fx.o.ProcessCase(context.Background(), routineIntake())
	if err != nil {
		t.Fatal(err)
	}
	if r.Status != StatusNotified {
		t.Errorf("routing stays notified, got %s", r.Status)
	}
	if len(fx.entries(audit.KindSystemEvent, "dispatch_failed")) != 1 {
		t.Error("expected dispatch failure audited")
	}
}

func TestHandleDeliveryOutcome(t *testing.T) {
	fx := newFixture(t, Config{})
	f := fx.addFacility(t, "Kisenyi HC", 1, 10, "general_medicine")
	ctx := context.Background()
	r, _ := fx.o.ProcessCase(ctx, routineIntake())

	fx.o.HandleDeliveryOutcome(ctx, &dispatch.Notification{
		ID: uuid.New(), RoutingID: r.ID, FacilityID: f.ID, Kind: dispatch.KindNewCase,
		Status: dispatch.StatusPermanentlyFailed, Error: "sms: gateway down", RetryCount: 2,
	})
	got, _ := fx.o.GetRouting(ctx, r.ID)
	if !got.NeedsAttention || got.Status != StatusNotified {
		t.Errorf("expected needs_attention while notified, got %+v", got)
	}
	if len(fx.entries(audit.KindSystemEvent, "delivery_exhausted")) != 1 {
		t.Error("expected delivery_exhausted audit entry")
	}

	ackAt := t0.Add(time.Minute)
	fx.o.HandleDeliveryOutcome(ctx, &dispatch.Notification{
		ID: uuid.New(), RoutingID: r.ID, FacilityID: f.ID, Kind: dispatch.KindNewCase,
		Status: dispatch.StatusAcknowledged, AcknowledgedAt: &ackAt,
	})
	got, _ = fx.o.GetRouting(ctx, r.ID)
	if got.AcknowledgedAt == nil || !got.AcknowledgedAt.Equal(ackAt) {
		t.Errorf("expected acknowledgment stamped, got %v", got.AcknowledgedAt)
	}

	before := len(fx.audit.All())
	fx.o.HandleDeliveryOutcome(ctx, &dispatch.Notification{
		ID: uuid.New(), RoutingID: r.ID, FacilityID: uuid.New(), Kind: dispatch.KindNewCase,
		Status: dispatch.StatusPermanentlyFailed,
	})
	if len(fx.audit.All()) != before {
		t.Error("outcome for another facility must be ignored")
	}
}

func TestRespondWithToken(t *testing.T) {
	fx := newFixture(t, Config{})
	f := fx.addFacility(t, "Kisenyi HC", 1, 10, "general_medicine")
	ctx := context.Background()
	r, _ := fx.o.ProcessCase(ctx, routineIntake())

	nid := uuid.New()
	token, err := fx.tokens.Issue(r.ID, f.ID, nid)
	if err != nil {
		t.Fatal(err)
	}
	got, err := fx.o.RespondWithToken(ctx, token, Response{Action: ActionConfirm})
	if err != nil {
		t.Fatalf("respond: %v", err)
	}
	if got.Status != StatusConfirmed {
		t.Errorf("expected confirmed, got %s", got.Status)
	}
	if len(fx.notifier.acked) != 1 || fx.notifier.acked[0] != nid {
		t.Error("token notification should be acknowledged")
	}

	forged, _ := auth.NewResponseTokens([]byte("other"), time.Hour).Issue(r.ID, f.ID, nid)
	if _, err := fx.o.RespondWithToken(ctx, forged, Response{Action: ActionConfirm}); !errors.Is(err, auth.ErrInvalidToken) {
		t.Errorf("expected invalid token, got %v", err)
	}
}

func TestSweepOverdue_ReminderThenTimeout(t *testing.T) {
	fx := newFixture(t, Config{RoutineWindow: 2 * time.Hour, EmergencyWindow: 30 * time.Minute})
	fx.addFacility(t, "Kisenyi HC", 1, 10, "general_medicine")
	second := fx.addFacility(t, "Kawempe HC", 12, 10, "general_medicine")
	ctx := context.Background()

	r, _ := fx.o.ProcessCase(ctx, routineIntake())

	fx.clock.Advance(30 * time.Minute)
	res, err := fx.o.SweepOverdue(ctx)
	if err != nil || res.Reminded != 0 || res.TimedOut != 0 || res.Checked != 1 {
		t.Fatalf("nothing due yet: %+v %v", res, err)
	}

	fx.clock.Advance(31 * time.Minute)
	res, _ = fx.o.SweepOverdue(ctx)
	if res.Reminded != 1 {
		t.Fatalf("expected one reminder, got %+v", res)
	}
	res, _ = fx.o.SweepOverdue(ctx)
	if res.Reminded != 0 {
		t.Error("reminder must be sent only once")
	}

	fx.clock.Advance(time.Hour)
	res, _ = fx.o.SweepOverdue(ctx)
	if res.TimedOut != 1 {
		t.Fatalf("expected one timeout, got %+v", res)
	}

	got, _ := fx.o.GetRouting(ctx, r.ID)
	if got.Status != StatusNotified || !got.IsSelected(second.ID) || got.ReminderSentAt != nil {
		t.Errorf("expected re-routed to second facility, got %+v", got)
	}
	if !got.ResponseDeadline.Equal(t0.Add(4*time.Hour + time.Minute)) {
		t.Errorf("expected fresh window, got %v", got.ResponseDeadline)
	}
	want := "new_case@Kisenyi HC,reminder@Kisenyi HC,cancellation@Kisenyi HC,new_case@Kawempe HC"
	if got := join(fx.notifier.sent()); got != want {
		t.Errorf("notifications: got %s want %s", got, want)
	}

	var timeoutActor string
	for _, e := range fx.audit.All() {
		if e.Kind == audit.KindTransition && e.ToStatus == string(StatusRejected) {
			timeoutActor = e.Actor
		}
	}
	if timeoutActor != ActorResponseTimeout {
		t.Errorf("expected rejection by %s, got %s", ActorResponseTimeout, timeoutActor)
	}
}

func TestSweepOverdue_AcknowledgedSkipsReminder(t *testing.T) {
	fx := newFixture(t, Config{RoutineWindow: 2 * time.Hour})
	f := fx.addFacility(t, "Kisenyi HC", 1, 10, "general_medicine")
	ctx := context.Background()
	r, _ := fx.o.ProcessCase(ctx, routineIntake())
	_, _ = fx.o.HandleResponse(ctx, Response{RoutingID: r.ID, FacilityID: f.ID, Action: ActionAcknowledge})

	fx.clock.Advance(90 * time.Minute)
	res, _ := fx.o.SweepOverdue(ctx)
	if res.Reminded != 0 {
		t.Error("acknowledged routings get no reminder")
	}
}

func TestSweepOverdue_NoWindowNeverTimesOut(t *testing.T) {
	fx := newFixture(t, Config{})
	fx.addFacility(t, "Kisenyi HC", 1, 10, "general_medicine")
	ctx := context.Background()
	r, _ := fx.o.ProcessCase(ctx, routineIntake())
	if r.ResponseDeadline != nil {
		t.Fatal("no deadline expected without a window")
	}

	fx.clock.Advance(72 * time.Hour)
	res, _ := fx.o.SweepOverdue(ctx)
	if res.TimedOut != 0 || res.Reminded != 0 {
		t.Errorf("unexpected sweep result %+v", res)
	}
}

func TestProcessCase_FailureAfterIntakeFlagsAttention(t *testing.T) {
	fx := newFixture(t, Config{RoutineWindow: 2 * time.Hour})
	f := fx.addFacility(t, "Kisenyi HC", 1, 10, "general_medicine")
	registry := &flakyFacilities{Service: fx.facSvc, listErr: errors.New("registry unavailable")}
	fx.o.facilities = registry
	ctx := context.Background()

	r, err := fx.o.ProcessCase(ctx, routineIntake())
	if err == nil {
		t.Fatal("expected the listing failure to be returned")
	}
	got, _ := fx.o.GetRouting(ctx, r.ID)
	if got.Status != StatusReceived || !got.NeedsAttention {
		t.Fatalf("expected received routing flagged for attention, got %s/%v", got.Status, got.NeedsAttention)
	}
	if len(fx.entries(audit.KindSystemEvent, "routing_stalled")) != 1 {
		t.Error("expected the stall to be audited")
	}

	registry.listErr = nil
	res, err := fx.o.SweepOverdue(ctx)
	if err != nil || res.Resumed != 0 {
		t.Fatalf("routing inside the stall grace must be left alone: %+v %v", res, err)
	}

	fx.clock.Advance(DefaultStallGrace)
	res, err = fx.o.SweepOverdue(ctx)
	if err != nil || res.Resumed != 1 || res.Failed != 0 {
		t.Fatalf("expected one resumed routing, got %+v %v", res, err)
	}
	got, _ = fx.o.GetRouting(ctx, r.ID)
	if got.Status != StatusNotified || !got.IsSelected(f.ID) || got.NeedsAttention {
		t.Errorf("expected resumed routing notified at %s, got %+v", f.Name, got)
	}
	resumed := fx.entries(audit.KindSystemEvent, "routing_resumed")
	if len(resumed) != 1 || resumed[0].Actor != ActorStallSweeper {
		t.Errorf("expected resume audited by %s, got %+v", ActorStallSweeper, resumed)
	}
	want := ">received,received>matched,matched>prioritized,prioritized>notified"
	if got := join(fx.transitions(r.ID)); got != want {
		t.Errorf("transitions: got %s want %s", got, want)
	}
}

func TestHandleResponse_ReselectionFailureIsResumed(t *testing.T) {
	fx := newFixture(t, Config{StallGrace: 5 * time.Minute})
	first := fx.addFacility(t, "Kisenyi HC", 1, 10, "general_medicine")
	second := fx.addFacility(t, "Kawempe HC", 12, 10, "general_medicine")
	ctx := context.Background()

	r, err := fx.o.ProcessCase(ctx, routineIntake())
	if err != nil || !r.IsSelected(first.ID) {
		t.Fatalf("expected first facility selected: %v", err)
	}

	registry := &flakyFacilities{Service: fx.facSvc, getErr: map[uuid.UUID]error{second.ID: errors.New("registry timeout")}}
	fx.o.facilities = registry
	if _, err := fx.o.HandleResponse(ctx, Response{RoutingID: r.ID, FacilityID: first.ID, Action: ActionReject}); err == nil {
		t.Fatal("expected the reselection failure to be returned")
	}
	got, _ := fx.o.GetRouting(ctx, r.ID)
	if !got.Status.Intermediate() || !got.NeedsAttention || got.SelectedFacilityID != nil {
		t.Fatalf("expected stalled routing flagged for attention, got %+v", got)
	}

	delete(registry.getErr, second.ID)
	fx.clock.Advance(4 * time.Minute)
	if res, _ := fx.o.SweepOverdue(ctx); res.Resumed != 0 {
		t.Fatalf("resumed before the configured grace: %+v", res)
	}
	fx.clock.Advance(time.Minute)
	if res, _ := fx.o.SweepOverdue(ctx); res.Resumed != 1 {
		t.Fatalf("expected the routing to be resumed, got %+v", res)
	}
	got, _ = fx.o.GetRouting(ctx, r.ID)
	if got.Status != StatusNotified || !got.IsSelected(second.ID) || !got.Rejected()[first.ID] {
		t.Errorf("expected routing re-offered to %s, got %+v", second.Name, got)
	}
	if got := join(fx.notifier.sent()); got != "new_case@Kisenyi HC,new_case@Kawempe HC" {
		t.Errorf("unexpected notifications %s", got)
	}
}

func TestStatus_IntermediateAndEnteredAt(t *testing.T) {
	for _, s := range []Status{StatusReceived, StatusMatched, StatusPrioritized, StatusRejected} {
		if !s.Intermediate() {
			t.Errorf("%s should be intermediate", s)
		}
	}
	for _, s := range []Status{StatusNotified, StatusConfirmed, StatusUnmatched} {
		if s.Intermediate() {
			t.Errorf("%s should not be intermediate", s)
		}
	}

	later := t0.Add(time.Hour)
	r := &Routing{Status: StatusReceived, ReceivedAt: t0}
	if !r.EnteredAt().Equal(t0) {
		t.Errorf("received routing entered at %v", r.EnteredAt())
	}
	r.Status = StatusRejected
	r.stamp(StatusRejected, later)
	if !r.EnteredAt().Equal(later) {
		t.Errorf("rejected routing entered at %v, want %v", r.EnteredAt(), later)
	}
}

func TestCandidatesAndQueries(t *testing.T) {
	fx := newFixture(t, Config{})
	first := fx.addFacility(t, "Kisenyi HC", 1, 10, "general_medicine")
	fx.addFacility(t, "Kawempe HC", 12, 10, "general_medicine")
	ctx := context.Background()
	r, _ := fx.o.ProcessCase(ctx, routineIntake())

	views, err := fx.o.Candidates(ctx, r.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(views) != 2 || !views[0].Selected || views[0].FacilityID != first.ID || views[1].Selected || views[0].Rank != 1 {
		t.Errorf("unexpected candidate views %+v", views)
	}

	byToken, err := fx.o.GetByToken(ctx, "tok-routine-0001")
	if err != nil || byToken.ID != r.ID {
		t.Errorf("lookup by token failed: %v", err)
	}
	items, total, _ := fx.o.ListRoutings(ctx, ListFilter{Status: StatusNotified}, 10, 0)
	if total != 1 || len(items) != 1 {
		t.Errorf("expected one notified routing, got %d", total)
	}
	items, total, _ = fx.o.ListRoutings(ctx, ListFilter{Status: StatusConfirmed}, 10, 0)
	if total != 0 || len(items) != 0 {
		t.Errorf("expected no confirmed routings, got %d", total)
	}
}
