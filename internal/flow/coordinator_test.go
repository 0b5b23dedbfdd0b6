package flow

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"careflow/flow-service/internal/models"
	"careflow/flow-service/internal/store"
)

type fakeStore struct {
	mu            sync.Mutex
	saveWaitingFn func(ctx context.Context, tokens []models.Token) error
	saveActiveFn  func(ctx context.Context, sessions []models.ConsultationSession) error
	appendAuditFn func(ctx context.Context, record models.AuditRecord) error

	waitingSaves [][]models.Token
	activeSaves  [][]models.ConsultationSession
	auditAppends []models.AuditRecord
}

func (f *fakeStore) SaveWaiting(ctx context.Context, tokens []models.Token) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.waitingSaves = append(f.waitingSaves, tokens)
	if f.saveWaitingFn != nil {
		return f.saveWaitingFn(ctx, tokens)
	}
	return nil
}

func (f *fakeStore) SaveActive(ctx context.Context, sessions []models.ConsultationSession) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.activeSaves = append(f.activeSaves, sessions)
	if f.saveActiveFn != nil {
		return f.saveActiveFn(ctx, sessions)
	}
	return nil
}

func (f *fakeStore) AppendAudit(ctx context.Context, record models.AuditRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.auditAppends = append(f.auditAppends, record)
	if f.appendAuditFn != nil {
		return f.appendAuditFn(ctx, record)
	}
	return nil
}

func (f *fakeStore) LoadSnapshot(ctx context.Context) (store.Snapshot, error) {
	return store.Snapshot{}, nil
}

func (f *fakeStore) ListAudit(ctx context.Context, limit int) ([]models.AuditRecord, error) {
	return nil, nil
}

func (f *fakeStore) LoadExpectedDurations(ctx context.Context) (map[string]int, error) {
	return nil, nil
}

type fakeEvent struct {
	eventType string
	doctor    string
}

type fakePublisher struct {
	mu     sync.Mutex
	events []fakeEvent
}

func (f *fakePublisher) Publish(eventType, doctor string, payload interface{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, fakeEvent{eventType: eventType, doctor: doctor})
}

func (f *fakePublisher) count(eventType string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, event := range f.events {
		if event.eventType == eventType {
			n++
		}
	}
	return n
}

func fixedClock() func() time.Time {
	return func() time.Time {
		return time.Date(2026, 3, 9, 9, 0, 0, 0, time.UTC)
	}
}

func admit(t *testing.T, c *Coordinator, patient, doctor string) models.Token {
	t.Helper()
	token, err := c.AdmitToken(context.Background(), AdmitInput{
		RequestID:      "11111111-1111-1111-1111-111111111111",
		PatientName:    patient,
		AssignedDoctor: doctor,
	})
	if err != nil {
		t.Fatalf("admit %s: %v", patient, err)
	}
	return token
}

func approve(t *testing.T, c *Coordinator, tokenID string) models.ConsultationSession {
	t.Helper()
	session, err := c.ApproveToken(context.Background(), tokenID, "front-desk")
	if err != nil {
		t.Fatalf("approve %s: %v", tokenID, err)
	}
	return session
}

// partitionCount reports how many of the four partitions currently hold
// the token.
func partitionCount(c *Coordinator, tokenID string) int {
	count := 0
	for _, token := range c.PendingTokens() {
		if token.TokenID == tokenID {
			count++
		}
	}
	for _, view := range c.ActiveSessions() {
		if view.TokenID == tokenID {
			count++
		}
	}
	for _, token := range c.EscalatedTokens() {
		if token.TokenID == tokenID {
			count++
		}
	}
	for _, record := range c.CompletedHistory() {
		if record.TokenID == tokenID {
			count++
		}
	}
	return count
}

func TestAdmitAssignsSequentialNumbers(t *testing.T) {
	c := NewCoordinator(Options{Now: fixedClock()})

	first := admit(t, c, "Jane Doe", "Dr. Chen")
	second := admit(t, c, "John Roe", "Dr. Chen")
	third := admit(t, c, "Maya Iyer", "Dr. Patel")

	if first.TokenNumber != "T-001" || second.TokenNumber != "T-002" || third.TokenNumber != "T-003" {
		t.Fatalf("unexpected numbering: %s %s %s", first.TokenNumber, second.TokenNumber, third.TokenNumber)
	}

	pending := c.PendingTokens()
	if len(pending) != 3 {
		t.Fatalf("expected 3 pending tokens, got %d", len(pending))
	}
	if pending[0].TokenID != first.TokenID || pending[2].TokenID != third.TokenID {
		t.Fatalf("pending order not insertion order: %+v", pending)
	}
}

func TestTokenNumberDerivedFromMaxInFlight(t *testing.T) {
	c := NewCoordinator(Options{Now: fixedClock()})

	admit(t, c, "Jane Doe", "Dr. Chen")
	second := admit(t, c, "John Roe", "Dr. Chen")
	session := approve(t, c, second.TokenID)

	// T-002 is in consultation, so the max in flight is still 2.
	third := admit(t, c, "Maya Iyer", "Dr. Patel")
	if third.TokenNumber != "T-003" {
		t.Fatalf("expected T-003, got %s", third.TokenNumber)
	}

	// Retiring T-002 and T-003 drops the in-flight maximum back to 1:
	// the derivation is max-in-flight+1, not a persistent counter, so
	// numbers can be reissued and callers must not treat them as unique.
	if _, err := c.FinalizeSession(context.Background(), FinalizeInput{SessionID: session.SessionID}); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	thirdSession := approve(t, c, third.TokenID)
	if _, err := c.FinalizeSession(context.Background(), FinalizeInput{SessionID: thirdSession.SessionID}); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	fourth := admit(t, c, "Ken Sato", "Dr. Chen")
	if fourth.TokenNumber != "T-002" {
		t.Fatalf("expected reissued T-002, got %s", fourth.TokenNumber)
	}
}

func TestPartitionExclusivity(t *testing.T) {
	c := NewCoordinator(Options{Now: fixedClock()})

	token := admit(t, c, "Jane Doe", "Dr. Chen")
	if got := partitionCount(c, token.TokenID); got != 1 {
		t.Fatalf("after admit: token in %d partitions", got)
	}

	session := approve(t, c, token.TokenID)
	if got := partitionCount(c, token.TokenID); got != 1 {
		t.Fatalf("after approve: token in %d partitions", got)
	}

	if _, err := c.FinalizeSession(context.Background(), FinalizeInput{SessionID: session.SessionID}); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if got := partitionCount(c, token.TokenID); got != 1 {
		t.Fatalf("after finalize: token in %d partitions", got)
	}

	other := admit(t, c, "John Roe", "Dr. Chen")
	otherSession := approve(t, c, other.TokenID)
	if _, err := c.EscalateSession(context.Background(), otherSession.SessionID, "charge-nurse"); err != nil {
		t.Fatalf("escalate: %v", err)
	}
	if got := partitionCount(c, other.TokenID); got != 1 {
		t.Fatalf("after escalate: token in %d partitions", got)
	}
}

func TestApproveStartsSessionAtZero(t *testing.T) {
	c := NewCoordinator(Options{Now: fixedClock()})

	token := admit(t, c, "Jane Doe", "Dr. Chen")
	session := approve(t, c, token.TokenID)

	if session.ElapsedSeconds != 0 {
		t.Fatalf("expected elapsed 0, got %d", session.ElapsedSeconds)
	}
	if session.DoctorName != "Dr. Chen" || session.PatientName != "Jane Doe" || session.TokenNumber != token.TokenNumber {
		t.Fatalf("session not built from token: %+v", session)
	}
	if session.SessionID == token.TokenID {
		t.Fatalf("session id must be distinct from token id")
	}

	if len(c.PendingTokens()) != 0 {
		t.Fatalf("token still pending after approve")
	}
	views := c.ActiveSessions()
	if len(views) != 1 || views[0].SessionID != session.SessionID {
		t.Fatalf("unexpected active sessions: %+v", views)
	}
}

func TestOverrideBlocksAdmitAndApprove(t *testing.T) {
	c := NewCoordinator(Options{Now: fixedClock()})
	token := admit(t, c, "Jane Doe", "Dr. Chen")

	c.ActivateOverride("admin")

	if _, err := c.AdmitToken(context.Background(), AdmitInput{
		RequestID:      "22222222-2222-2222-2222-222222222222",
		PatientName:    "John Roe",
		AssignedDoctor: "Dr. Chen",
	}); !errors.Is(err, ErrOverrideSuspended) {
		t.Fatalf("expected ErrOverrideSuspended on admit, got %v", err)
	}
	if _, err := c.ApproveToken(context.Background(), token.TokenID, "front-desk"); !errors.Is(err, ErrOverrideSuspended) {
		t.Fatalf("expected ErrOverrideSuspended on approve, got %v", err)
	}

	pending := c.PendingTokens()
	if len(pending) != 1 || pending[0].TokenID != token.TokenID {
		t.Fatalf("pending changed under override: %+v", pending)
	}
}

func TestOverrideAllowsFinalizeAndEscalate(t *testing.T) {
	c := NewCoordinator(Options{Now: fixedClock()})
	first := admit(t, c, "Jane Doe", "Dr. Chen")
	second := admit(t, c, "John Roe", "Dr. Patel")
	firstSession := approve(t, c, first.TokenID)
	secondSession := approve(t, c, second.TokenID)

	c.ActivateOverride("admin")

	if _, err := c.FinalizeSession(context.Background(), FinalizeInput{SessionID: firstSession.SessionID}); err != nil {
		t.Fatalf("finalize under override: %v", err)
	}
	if _, err := c.EscalateSession(context.Background(), secondSession.SessionID, "charge-nurse"); err != nil {
		t.Fatalf("escalate under override: %v", err)
	}
}

func TestOverrideIdempotent(t *testing.T) {
	publisher := &fakePublisher{}
	c := NewCoordinator(Options{Publisher: publisher, Now: fixedClock()})

	if !c.ActivateOverride("admin") {
		t.Fatalf("first activate should change the flag")
	}
	if c.ActivateOverride("admin") {
		t.Fatalf("second activate should be a no-op")
	}
	if !c.OverrideActive() {
		t.Fatalf("override should be active")
	}
	if got := publisher.count(EventOverrideActivated); got != 1 {
		t.Fatalf("expected 1 activation event, got %d", got)
	}

	if !c.DeactivateOverride("admin") {
		t.Fatalf("first deactivate should change the flag")
	}
	if c.DeactivateOverride("admin") {
		t.Fatalf("second deactivate should be a no-op")
	}
	if c.OverrideActive() {
		t.Fatalf("override should be inactive")
	}
}

func TestTickMonotonicAndFrozenAfterFinalize(t *testing.T) {
	c := NewCoordinator(Options{Now: fixedClock()})
	token := admit(t, c, "Jane Doe", "Dr. Chen")
	session := approve(t, c, token.TokenID)

	for i := 1; i <= 5; i++ {
		views := c.Tick()
		if len(views) != 1 {
			t.Fatalf("tick %d: expected 1 view, got %d", i, len(views))
		}
		if views[0].ElapsedSeconds != i {
			t.Fatalf("tick %d: elapsed=%d", i, views[0].ElapsedSeconds)
		}
	}

	record, err := c.FinalizeSession(context.Background(), FinalizeInput{SessionID: session.SessionID})
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if record.DurationSeconds != 5 {
		t.Fatalf("expected recorded duration 5, got %d", record.DurationSeconds)
	}

	// Further ticks must not touch the finalized session.
	if views := c.Tick(); len(views) != 0 {
		t.Fatalf("tick after finalize produced views: %+v", views)
	}
	history := c.CompletedHistory()
	if len(history) != 1 || history[0].DurationSeconds != 5 {
		t.Fatalf("finalized duration changed: %+v", history)
	}
}

func TestOverdueAndExtendedThresholds(t *testing.T) {
	c := NewCoordinator(Options{
		ExpectedDurations: map[string]int{"Dr. Chen": 900},
		Now:               fixedClock(),
	})
	token := admit(t, c, "Jane Doe", "Dr. Chen")
	approve(t, c, token.TokenID)

	var view models.SessionView
	for i := 0; i < 905; i++ {
		views := c.Tick()
		view = views[0]
	}
	if !view.Overdue {
		t.Fatalf("expected overdue at 905s with 900s expectation")
	}
	if view.Extended {
		t.Fatalf("unexpected extended at 905s (threshold is 1200s)")
	}
	if view.ProgressPercent != 100 {
		t.Fatalf("expected progress capped at 100, got %d", view.ProgressPercent)
	}

	for i := 0; i < 300; i++ {
		views := c.Tick()
		view = views[0]
	}
	if view.ElapsedSeconds != 1205 {
		t.Fatalf("expected 1205s elapsed, got %d", view.ElapsedSeconds)
	}
	if !view.Extended {
		t.Fatalf("expected extended at 1205s")
	}
}

func TestProgressPercentDerivation(t *testing.T) {
	c := NewCoordinator(Options{
		ExpectedDurations: map[string]int{"Dr. Chen": 200},
		Now:               fixedClock(),
	})
	token := admit(t, c, "Jane Doe", "Dr. Chen")
	approve(t, c, token.TokenID)

	var view models.SessionView
	for i := 0; i < 45; i++ {
		view = c.Tick()[0]
	}
	if view.ProgressPercent != 23 { // round(45/200*100) = round(22.5)
		t.Fatalf("expected progress 23, got %d", view.ProgressPercent)
	}
	if view.ExpectedSeconds != 200 {
		t.Fatalf("expected configured expectation 200, got %d", view.ExpectedSeconds)
	}
}

func TestFallbackExpectedDuration(t *testing.T) {
	c := NewCoordinator(Options{FallbackExpectedSeconds: 600, Now: fixedClock()})
	token := admit(t, c, "Jane Doe", "Dr. Unlisted")
	approve(t, c, token.TokenID)

	view := c.ActiveSessions()[0]
	if view.ExpectedSeconds != 600 {
		t.Fatalf("expected fallback 600, got %d", view.ExpectedSeconds)
	}
	if c.ExpectedDuration("Dr. Unlisted") != 600 {
		t.Fatalf("ExpectedDuration should report the fallback")
	}
}

func TestFinalizeScenario(t *testing.T) {
	st := &fakeStore{}
	c := NewCoordinator(Options{
		ExpectedDurations: map[string]int{"Dr. Chen": 900},
		Store:             st,
		Now:               fixedClock(),
	})

	token := admit(t, c, "Jane Doe", "Dr. Chen")
	session := approve(t, c, token.TokenID)
	for i := 0; i < 1205; i++ {
		c.Tick()
	}

	record, err := c.FinalizeSession(context.Background(), FinalizeInput{
		SessionID:                session.SessionID,
		ElapsedSecondsAtFinalize: 1205,
		Notes:                    "routine follow-up booked",
		ActedBy:                  "Dr. Chen",
	})
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if record.TokenNumber != "T-001" || record.DoctorName != "Dr. Chen" || record.PatientName != "Jane Doe" {
		t.Fatalf("audit record mismatch: %+v", record)
	}
	if record.DurationSeconds != 1205 {
		t.Fatalf("expected frozen duration 1205, got %d", record.DurationSeconds)
	}

	if len(c.ActiveSessions()) != 0 {
		t.Fatalf("session still active after finalize")
	}
	history := c.CompletedHistory()
	if len(history) != 1 || history[0].RecordID != record.RecordID {
		t.Fatalf("unexpected history: %+v", history)
	}
	if len(st.auditAppends) != 1 {
		t.Fatalf("expected 1 mirrored audit append, got %d", len(st.auditAppends))
	}
}

func TestEscalateWritesNoAudit(t *testing.T) {
	st := &fakeStore{}
	c := NewCoordinator(Options{Store: st, Now: fixedClock()})

	token := admit(t, c, "Jane Doe", "Dr. Chen")
	session := approve(t, c, token.TokenID)

	escalated, err := c.EscalateSession(context.Background(), session.SessionID, "charge-nurse")
	if err != nil {
		t.Fatalf("escalate: %v", err)
	}
	if escalated.State != models.StateEscalated {
		t.Fatalf("expected escalated state, got %s", escalated.State)
	}

	if len(c.CompletedHistory()) != 0 {
		t.Fatalf("escalation must not write audit records")
	}
	if len(st.auditAppends) != 0 {
		t.Fatalf("escalation must not mirror audit records")
	}
	pool := c.EscalatedTokens()
	if len(pool) != 1 || pool[0].TokenID != token.TokenID {
		t.Fatalf("unexpected escalated pool: %+v", pool)
	}
}

func TestCompletedHistoryMostRecentFirst(t *testing.T) {
	c := NewCoordinator(Options{Now: fixedClock()})

	for _, patient := range []string{"Jane Doe", "John Roe", "Maya Iyer"} {
		token := admit(t, c, patient, "Dr. Chen")
		session := approve(t, c, token.TokenID)
		if _, err := c.FinalizeSession(context.Background(), FinalizeInput{SessionID: session.SessionID}); err != nil {
			t.Fatalf("finalize %s: %v", patient, err)
		}
	}

	history := c.CompletedHistory()
	if len(history) != 3 {
		t.Fatalf("expected 3 records, got %d", len(history))
	}
	if history[0].PatientName != "Maya Iyer" || history[2].PatientName != "Jane Doe" {
		t.Fatalf("history not most-recent-first: %+v", history)
	}
}

func TestNotFoundAndInvalidState(t *testing.T) {
	c := NewCoordinator(Options{Now: fixedClock()})

	if _, err := c.ApproveToken(context.Background(), "missing", ""); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := c.RescheduleToken(context.Background(), "missing", ""); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := c.FinalizeSession(context.Background(), FinalizeInput{SessionID: "missing"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := c.EscalateSession(context.Background(), "missing", ""); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	token := admit(t, c, "Jane Doe", "Dr. Chen")
	session := approve(t, c, token.TokenID)

	// The token left the waiting partition; approving it again is a state
	// violation, not an unknown id.
	if _, err := c.ApproveToken(context.Background(), token.TokenID, ""); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
	if _, err := c.RescheduleToken(context.Background(), token.TokenID, ""); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}

	if _, err := c.FinalizeSession(context.Background(), FinalizeInput{SessionID: session.SessionID}); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if _, err := c.ApproveToken(context.Background(), token.TokenID, ""); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState for completed token, got %v", err)
	}
}

func TestRescheduleKeepsQueueOrder(t *testing.T) {
	c := NewCoordinator(Options{Now: fixedClock()})
	first := admit(t, c, "Jane Doe", "Dr. Chen")
	second := admit(t, c, "John Roe", "Dr. Chen")

	token, err := c.RescheduleToken(context.Background(), second.TokenID, "front-desk")
	if err != nil {
		t.Fatalf("reschedule: %v", err)
	}
	if token.TokenID != second.TokenID {
		t.Fatalf("unexpected token returned: %+v", token)
	}

	pending := c.PendingTokens()
	if pending[0].TokenID != first.TokenID || pending[1].TokenID != second.TokenID {
		t.Fatalf("queue order changed by reschedule: %+v", pending)
	}
}

func TestProjectionsReturnCopies(t *testing.T) {
	c := NewCoordinator(Options{Now: fixedClock()})
	admit(t, c, "Jane Doe", "Dr. Chen")

	pending := c.PendingTokens()
	pending[0].PatientName = "mutated"

	if c.PendingTokens()[0].PatientName != "Jane Doe" {
		t.Fatalf("projection leaked a live reference")
	}
}

func TestMirrorFailureDoesNotBlockTransitions(t *testing.T) {
	st := &fakeStore{
		saveWaitingFn: func(ctx context.Context, tokens []models.Token) error {
			return errors.New("connection refused")
		},
		saveActiveFn: func(ctx context.Context, sessions []models.ConsultationSession) error {
			return errors.New("connection refused")
		},
	}
	c := NewCoordinator(Options{Store: st, Now: fixedClock()})

	token := admit(t, c, "Jane Doe", "Dr. Chen")
	approve(t, c, token.TokenID)

	if len(c.ActiveSessions()) != 1 {
		t.Fatalf("mirror failure must not block the transition")
	}
}

func TestMirrorEmitsPartitionSnapshots(t *testing.T) {
	st := &fakeStore{}
	c := NewCoordinator(Options{Store: st, Now: fixedClock()})

	token := admit(t, c, "Jane Doe", "Dr. Chen")
	if len(st.waitingSaves) != 1 || len(st.waitingSaves[0]) != 1 {
		t.Fatalf("expected waiting mirror after admit: %+v", st.waitingSaves)
	}

	approve(t, c, token.TokenID)
	if len(st.waitingSaves) != 2 || len(st.waitingSaves[1]) != 0 {
		t.Fatalf("expected empty waiting mirror after approve: %+v", st.waitingSaves)
	}
	if len(st.activeSaves) != 1 || len(st.activeSaves[0]) != 1 {
		t.Fatalf("expected active mirror after approve: %+v", st.activeSaves)
	}
}

func TestSeedRestoresState(t *testing.T) {
	c := NewCoordinator(Options{
		SeedWaiting: []models.Token{
			{TokenID: "tok-1", TokenNumber: "T-004", PatientName: "Jane Doe", AssignedDoctor: "Dr. Chen"},
		},
		SeedActive: []models.ConsultationSession{
			{SessionID: "sess-1", TokenID: "tok-2", TokenNumber: "T-005", DoctorName: "Dr. Patel", PatientName: "John Roe", ElapsedSeconds: 120},
		},
		Now: fixedClock(),
	})

	if len(c.PendingTokens()) != 1 {
		t.Fatalf("seeded waiting token missing")
	}
	views := c.ActiveSessions()
	if len(views) != 1 || views[0].ElapsedSeconds != 120 {
		t.Fatalf("seeded session not restored: %+v", views)
	}

	// Numbering continues past the seeded maximum.
	token := admit(t, c, "Maya Iyer", "Dr. Chen")
	if token.TokenNumber != "T-006" {
		t.Fatalf("expected T-006 after seeding to T-005, got %s", token.TokenNumber)
	}
}

func TestSeedRestoresAuditHistory(t *testing.T) {
	st := &fakeStore{}
	first := NewCoordinator(Options{Store: st, Now: fixedClock()})

	for _, patient := range []string{"Jane Doe", "John Roe"} {
		token := admit(t, first, patient, "Dr. Chen")
		session := approve(t, first, token.TokenID)
		if _, err := first.FinalizeSession(context.Background(), FinalizeInput{SessionID: session.SessionID}); err != nil {
			t.Fatalf("finalize %s: %v", patient, err)
		}
	}

	// The mirrored appends are the ledger a restart reads back, oldest
	// first. Seeding from them must make the history indistinguishable
	// from the pre-restart coordinator's.
	restarted := NewCoordinator(Options{SeedAudit: st.auditAppends, Now: fixedClock()})

	history := restarted.CompletedHistory()
	if len(history) != 2 {
		t.Fatalf("expected 2 restored records, got %d", len(history))
	}
	if history[0].PatientName != "John Roe" || history[1].PatientName != "Jane Doe" {
		t.Fatalf("restored history not most-recent-first: %+v", history)
	}

	// A completed token restored via the ledger is still a state
	// violation to approve, not an unknown id.
	if _, err := restarted.ApproveToken(context.Background(), history[0].TokenID, ""); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState for restored completed token, got %v", err)
	}
}

func TestMirrorSkipsStaleSnapshots(t *testing.T) {
	st := &fakeStore{}
	c := NewCoordinator(Options{Store: st, Now: fixedClock()})

	newer := []models.Token{{TokenID: "tok-1", TokenNumber: "T-001"}, {TokenID: "tok-2", TokenNumber: "T-002"}}
	older := []models.Token{{TokenID: "tok-1", TokenNumber: "T-001"}}

	// A write that lost the race to a newer snapshot must not regress the
	// mirror.
	c.mirrorWaiting(context.Background(), 2, newer)
	c.mirrorWaiting(context.Background(), 1, older)
	c.mirrorActive(context.Background(), 2, nil)
	c.mirrorActive(context.Background(), 1, []models.ConsultationSession{{SessionID: "sess-1"}})

	if len(st.waitingSaves) != 1 || len(st.waitingSaves[0]) != 2 {
		t.Fatalf("stale waiting snapshot reached the store: %+v", st.waitingSaves)
	}
	if len(st.activeSaves) != 1 || len(st.activeSaves[0]) != 0 {
		t.Fatalf("stale active snapshot reached the store: %+v", st.activeSaves)
	}
}

func TestConcurrentTransitionsMirrorLatestState(t *testing.T) {
	st := &fakeStore{}
	c := NewCoordinator(Options{Store: st, Now: fixedClock()})

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = c.AdmitToken(context.Background(), AdmitInput{
				RequestID:      "33333333-3333-3333-3333-333333333333",
				PatientName:    "Patient",
				AssignedDoctor: "Dr. Chen",
			})
		}()
	}
	wg.Wait()

	// Applied writes carry strictly increasing sequences, so the last one
	// recorded is the full final partition.
	if len(st.waitingSaves) == 0 {
		t.Fatalf("no waiting snapshots mirrored")
	}
	last := st.waitingSaves[len(st.waitingSaves)-1]
	if len(last) != 10 {
		t.Fatalf("final mirrored snapshot has %d tokens, want 10", len(last))
	}
}

func TestPublishesTransitionEvents(t *testing.T) {
	publisher := &fakePublisher{}
	c := NewCoordinator(Options{Publisher: publisher, Now: fixedClock()})

	token := admit(t, c, "Jane Doe", "Dr. Chen")
	session := approve(t, c, token.TokenID)
	c.Tick()
	if _, err := c.FinalizeSession(context.Background(), FinalizeInput{SessionID: session.SessionID}); err != nil {
		t.Fatalf("finalize: %v", err)
	}

	for eventType, want := range map[string]int{
		EventTokenAdmitted:    1,
		EventSessionStarted:   1,
		EventSessionTick:      1,
		EventSessionFinalized: 1,
	} {
		if got := publisher.count(eventType); got != want {
			t.Fatalf("event %s: got %d, want %d", eventType, got, want)
		}
	}
}

func TestConcurrentAdmitAndApprove(t *testing.T) {
	c := NewCoordinator(Options{Now: fixedClock()})

	var tokens []models.Token
	for i := 0; i < 20; i++ {
		tokens = append(tokens, admit(t, c, "Patient", "Dr. Chen"))
	}

	var wg sync.WaitGroup
	for _, token := range tokens {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_, _ = c.ApproveToken(context.Background(), id, "front-desk")
		}(token.TokenID)
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Tick()
		}()
	}
	wg.Wait()

	if pending, active := len(c.PendingTokens()), len(c.ActiveSessions()); pending != 0 || active != 20 {
		t.Fatalf("expected 0 pending / 20 active, got %d / %d", pending, active)
	}
	for _, token := range tokens {
		if got := partitionCount(c, token.TokenID); got != 1 {
			t.Fatalf("token %s in %d partitions", token.TokenID, got)
		}
	}
}
