package flow

import (
	"context"
	"expvar"
	"log"
	"math"
	"sort"
	"sync"
	"time"

	"careflow/flow-service/internal/models"
	"careflow/flow-service/internal/store"

	"github.com/google/uuid"
)

var (
	tokensAdmitted    = expvar.NewInt("flow_tokens_admitted_total")
	sessionsStarted   = expvar.NewInt("flow_sessions_started_total")
	sessionsFinalized = expvar.NewInt("flow_sessions_finalized_total")
	sessionsEscalated = expvar.NewInt("flow_sessions_escalated_total")
	mirrorErrors      = expvar.NewInt("flow_mirror_errors_total")
)

const (
	defaultExpectedSeconds = 900
	// extendedGraceSeconds past the expected length is the point where the
	// UI surfaces the escalation affordance. Display signal only.
	extendedGraceSeconds = 300
)

const (
	EventTokenAdmitted       = "token.admitted"
	EventSessionStarted      = "session.started"
	EventSessionFinalized    = "session.finalized"
	EventSessionEscalated    = "session.escalated"
	EventSessionTick         = "session.tick"
	EventOverrideActivated   = "override.activated"
	EventOverrideDeactivated = "override.deactivated"
)

// Publisher receives transition and tick events for fan-out to
// presentation clients. Doctor scopes the event to subscribers of that
// practitioner; empty means facility-wide.
type Publisher interface {
	Publish(eventType, doctor string, payload interface{})
}

// Coordinator owns the token registry, the override flag, the session
// timers, and the audit log behind one mutex. It is the only mutator;
// every projection returns copies so callers never hold live references.
type Coordinator struct {
	mu        sync.Mutex
	registry  *registry
	override  override
	audit     auditLog
	durations map[string]int
	fallback  int
	store     store.Store
	publisher Publisher
	now       func() time.Time

	// Mirror writes run outside the state lock, so two transitions can
	// race each other to the store. Each snapshot carries a sequence taken
	// under the state lock; writers skip anything older than what they
	// already wrote.
	mirrorMu       sync.Mutex
	mirrorSeq      uint64
	lastWaitingSeq uint64
	lastActiveSeq  uint64
}

type Options struct {
	// ExpectedDurations maps practitioner name to expected consultation
	// length in seconds. Practitioners without an entry fall back to
	// FallbackExpectedSeconds.
	ExpectedDurations       map[string]int
	FallbackExpectedSeconds int

	// Store mirrors partition snapshots after each transition. Optional.
	Store store.Store
	// Publisher receives transition and tick events. Optional.
	Publisher Publisher

	// Seed state restored from a previous snapshot. SeedAudit is the
	// completed ledger in append order, oldest first.
	SeedWaiting []models.Token
	SeedActive  []models.ConsultationSession
	SeedAudit   []models.AuditRecord

	// Now overrides the clock in tests.
	Now func() time.Time
}

func NewCoordinator(options Options) *Coordinator {
	fallback := options.FallbackExpectedSeconds
	if fallback <= 0 {
		fallback = defaultExpectedSeconds
	}
	now := options.Now
	if now == nil {
		now = time.Now
	}
	durations := make(map[string]int, len(options.ExpectedDurations))
	for doctor, seconds := range options.ExpectedDurations {
		if seconds > 0 {
			durations[doctor] = seconds
		}
	}

	reg := newRegistry()
	for _, token := range options.SeedWaiting {
		token.State = models.StateWaiting
		reg.admit(token)
	}
	for _, session := range options.SeedActive {
		restored := session
		reg.putSession(&restored)
	}

	var audit auditLog
	for _, record := range options.SeedAudit {
		audit.append(record)
	}

	return &Coordinator{
		registry:  reg,
		audit:     audit,
		durations: durations,
		fallback:  fallback,
		store:     options.Store,
		publisher: options.Publisher,
		now:       now,
	}
}

type AdmitInput struct {
	RequestID      string
	PatientName    string
	AssignedDoctor string
	ScheduledTime  string
	EstimatedWait  int
	ActedBy        string
}

// AdmitToken appends a new waiting token unless the emergency protocol is
// active. The display number derives from the highest number in flight.
func (c *Coordinator) AdmitToken(ctx context.Context, input AdmitInput) (models.Token, error) {
	c.mu.Lock()
	if c.override.isActive() {
		c.mu.Unlock()
		return models.Token{}, ErrOverrideSuspended
	}

	token := models.Token{
		TokenID:        uuid.NewString(),
		TokenNumber:    c.registry.nextTokenNumber(),
		PatientName:    input.PatientName,
		AssignedDoctor: input.AssignedDoctor,
		ScheduledTime:  input.ScheduledTime,
		EstimatedWait:  input.EstimatedWait,
		State:          models.StateWaiting,
		CreatedAt:      c.now().UTC(),
		RequestID:      input.RequestID,
	}
	c.registry.admit(token)
	waiting := c.registry.waitingSnapshot()
	seq := c.nextMirrorSeqLocked()
	c.mu.Unlock()

	tokensAdmitted.Add(1)
	c.mirrorWaiting(ctx, seq, waiting)
	c.publish(EventTokenAdmitted, token.AssignedDoctor, token)
	log.Printf("token admitted token_id=%s number=%s doctor=%q acted_by=%q request_id=%s", token.TokenID, token.TokenNumber, token.AssignedDoctor, input.ActedBy, input.RequestID)
	return token, nil
}

// ApproveToken moves a waiting token into consultation and starts its
// timer at zero. Blocked while the emergency protocol is active.
func (c *Coordinator) ApproveToken(ctx context.Context, tokenID, actedBy string) (models.ConsultationSession, error) {
	c.mu.Lock()
	if c.override.isActive() {
		c.mu.Unlock()
		return models.ConsultationSession{}, ErrOverrideSuspended
	}

	token, ok := c.registry.removeWaiting(tokenID)
	if !ok {
		err := c.transitionError("approve", tokenID)
		c.mu.Unlock()
		return models.ConsultationSession{}, err
	}

	session := &models.ConsultationSession{
		SessionID:      uuid.NewString(),
		TokenID:        token.TokenID,
		TokenNumber:    token.TokenNumber,
		DoctorName:     token.AssignedDoctor,
		PatientName:    token.PatientName,
		ElapsedSeconds: 0,
		StartedAt:      c.now().UTC(),
	}
	c.registry.putSession(session)
	waiting := c.registry.waitingSnapshot()
	active := c.registry.sessionSnapshot()
	started := *session
	seq := c.nextMirrorSeqLocked()
	c.mu.Unlock()

	sessionsStarted.Add(1)
	c.mirrorWaiting(ctx, seq, waiting)
	c.mirrorActive(ctx, seq, active)
	c.publish(EventSessionStarted, started.DoctorName, started)
	log.Printf("session started session_id=%s token_id=%s number=%s doctor=%q acted_by=%q", started.SessionID, started.TokenID, started.TokenNumber, started.DoctorName, actedBy)
	return started, nil
}

// RescheduleToken is informational: it confirms the token is still waiting
// and logs the request without changing queue order.
func (c *Coordinator) RescheduleToken(ctx context.Context, tokenID, actedBy string) (models.Token, error) {
	c.mu.Lock()
	token, ok := c.registry.findWaiting(tokenID)
	if !ok {
		err := c.transitionError("reschedule", tokenID)
		c.mu.Unlock()
		return models.Token{}, err
	}
	c.mu.Unlock()

	log.Printf("token reschedule requested token_id=%s number=%s acted_by=%q (queue order unchanged)", token.TokenID, token.TokenNumber, actedBy)
	return token, nil
}

type FinalizeInput struct {
	SessionID string
	// ElapsedSecondsAtFinalize, when positive, freezes the recorded
	// duration at the caller's observed value instead of the internal
	// counter.
	ElapsedSecondsAtFinalize int
	Notes                    string
	ActedBy                  string
}

// FinalizeSession completes an active consultation and appends exactly one
// audit record. Allowed even while the emergency protocol is active:
// in-flight work must always be dischargeable.
func (c *Coordinator) FinalizeSession(ctx context.Context, input FinalizeInput) (models.AuditRecord, error) {
	c.mu.Lock()
	session, ok := c.registry.findSession(input.SessionID)
	if !ok {
		c.mu.Unlock()
		return models.AuditRecord{}, ErrNotFound
	}

	elapsed := session.ElapsedSeconds
	if input.ElapsedSecondsAtFinalize > 0 {
		elapsed = input.ElapsedSecondsAtFinalize
	}
	record := models.AuditRecord{
		RecordID:        uuid.NewString(),
		TokenID:         session.TokenID,
		TokenNumber:     session.TokenNumber,
		PatientName:     session.PatientName,
		DoctorName:      session.DoctorName,
		Notes:           input.Notes,
		DurationSeconds: elapsed,
		CompletedAt:     c.now().UTC(),
	}
	c.registry.dropSession(input.SessionID)
	c.audit.append(record)
	active := c.registry.sessionSnapshot()
	seq := c.nextMirrorSeqLocked()
	c.mu.Unlock()

	sessionsFinalized.Add(1)
	c.mirrorActive(ctx, seq, active)
	c.mirrorAudit(ctx, record)
	c.publish(EventSessionFinalized, record.DoctorName, record)
	log.Printf("session finalized session_id=%s number=%s doctor=%q duration_s=%d acted_by=%q", input.SessionID, record.TokenNumber, record.DoctorName, record.DurationSeconds, input.ActedBy)
	return record, nil
}

// EscalateSession diverts an active consultation out of the normal flow.
// The token lands in the escalated pool and no audit record is written.
// Allowed regardless of the emergency protocol.
func (c *Coordinator) EscalateSession(ctx context.Context, sessionID, actedBy string) (models.Token, error) {
	c.mu.Lock()
	session, ok := c.registry.findSession(sessionID)
	if !ok {
		c.mu.Unlock()
		return models.Token{}, ErrNotFound
	}

	token := models.Token{
		TokenID:        session.TokenID,
		TokenNumber:    session.TokenNumber,
		PatientName:    session.PatientName,
		AssignedDoctor: session.DoctorName,
		State:          models.StateEscalated,
		CreatedAt:      session.StartedAt,
	}
	c.registry.dropSession(sessionID)
	c.registry.addEscalated(token)
	active := c.registry.sessionSnapshot()
	seq := c.nextMirrorSeqLocked()
	c.mu.Unlock()

	sessionsEscalated.Add(1)
	c.mirrorActive(ctx, seq, active)
	c.publish(EventSessionEscalated, token.AssignedDoctor, token)
	log.Printf("session escalated session_id=%s number=%s doctor=%q acted_by=%q", sessionID, token.TokenNumber, token.AssignedDoctor, actedBy)
	return token, nil
}

// ActivateOverride turns on the emergency protocol. Idempotent; reports
// whether the call changed the flag.
func (c *Coordinator) ActivateOverride(actedBy string) bool {
	c.mu.Lock()
	changed := c.override.activate()
	c.mu.Unlock()

	if changed {
		c.publish(EventOverrideActivated, "", overridePayload{Active: true})
		log.Printf("emergency protocol activated acted_by=%q", actedBy)
	}
	return changed
}

// DeactivateOverride turns off the emergency protocol. Idempotent.
func (c *Coordinator) DeactivateOverride(actedBy string) bool {
	c.mu.Lock()
	changed := c.override.deactivate()
	c.mu.Unlock()

	if changed {
		c.publish(EventOverrideDeactivated, "", overridePayload{Active: false})
		log.Printf("emergency protocol deactivated acted_by=%q", actedBy)
	}
	return changed
}

func (c *Coordinator) OverrideActive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.override.isActive()
}

type overridePayload struct {
	Active bool `json:"active"`
}

// Tick advances every live session by one second and returns the derived
// views. Sessions finalized or escalated before the tick are untouched:
// liveness is checked under the same lock that finalize takes.
func (c *Coordinator) Tick() []models.SessionView {
	c.mu.Lock()
	views := make([]models.SessionView, 0, len(c.registry.sessions))
	for _, session := range c.registry.sessions {
		session.ElapsedSeconds++
		views = append(views, c.viewFor(*session))
	}
	c.mu.Unlock()

	sortViews(views)
	for _, view := range views {
		c.publish(EventSessionTick, view.DoctorName, view)
	}
	return views
}

func (c *Coordinator) PendingTokens() []models.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.registry.waitingSnapshot()
}

func (c *Coordinator) ActiveSessions() []models.SessionView {
	c.mu.Lock()
	sessions := c.registry.sessionSnapshot()
	views := make([]models.SessionView, 0, len(sessions))
	for _, session := range sessions {
		views = append(views, c.viewFor(session))
	}
	c.mu.Unlock()

	sortViews(views)
	return views
}

func (c *Coordinator) EscalatedTokens() []models.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.registry.escalatedSnapshot()
}

// CompletedHistory returns the audit ledger, most recent first.
func (c *Coordinator) CompletedHistory() []models.AuditRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.audit.snapshot()
}

// ExpectedDuration reports the configured expectation for a practitioner,
// falling back to the facility default.
func (c *Coordinator) ExpectedDuration(doctor string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.expectedLocked(doctor)
}

func (c *Coordinator) expectedLocked(doctor string) int {
	if seconds, ok := c.durations[doctor]; ok && seconds > 0 {
		return seconds
	}
	return c.fallback
}

func (c *Coordinator) viewFor(session models.ConsultationSession) models.SessionView {
	expected := c.expectedLocked(session.DoctorName)
	progress := int(math.Round(float64(session.ElapsedSeconds) / float64(expected) * 100))
	if progress > 100 {
		progress = 100
	}
	return models.SessionView{
		ConsultationSession: session,
		ExpectedSeconds:     expected,
		ProgressPercent:     progress,
		Overdue:             session.ElapsedSeconds > expected,
		Extended:            session.ElapsedSeconds > expected+extendedGraceSeconds,
	}
}

// transitionError distinguishes an id that exists in another partition
// (invalid state for the attempted action) from one the registry has never
// seen. Caller holds the lock.
func (c *Coordinator) transitionError(action, tokenID string) error {
	state := c.stateOfLocked(tokenID)
	if state == "" {
		return ErrNotFound
	}
	if !ValidTransition(action, state) {
		return ErrInvalidState
	}
	return ErrNotFound
}

func (c *Coordinator) stateOfLocked(tokenID string) string {
	if _, ok := c.registry.findWaiting(tokenID); ok {
		return models.StateWaiting
	}
	for _, session := range c.registry.sessions {
		if session.TokenID == tokenID {
			return models.StateInConsultation
		}
	}
	for _, token := range c.registry.escalated {
		if token.TokenID == tokenID {
			return models.StateEscalated
		}
	}
	for _, record := range c.audit.records {
		if record.TokenID == tokenID {
			return models.StateCompleted
		}
	}
	return ""
}

// nextMirrorSeqLocked stamps the snapshot taken in the same critical
// section. Caller holds the state lock.
func (c *Coordinator) nextMirrorSeqLocked() uint64 {
	c.mirrorSeq++
	return c.mirrorSeq
}

func (c *Coordinator) mirrorWaiting(ctx context.Context, seq uint64, tokens []models.Token) {
	if c.store == nil {
		return
	}
	c.mirrorMu.Lock()
	defer c.mirrorMu.Unlock()
	if seq <= c.lastWaitingSeq {
		return
	}
	c.lastWaitingSeq = seq
	if err := c.store.SaveWaiting(ctx, tokens); err != nil {
		mirrorErrors.Add(1)
		log.Printf("mirror waiting error: %v", err)
	}
}

func (c *Coordinator) mirrorActive(ctx context.Context, seq uint64, sessions []models.ConsultationSession) {
	if c.store == nil {
		return
	}
	c.mirrorMu.Lock()
	defer c.mirrorMu.Unlock()
	if seq <= c.lastActiveSeq {
		return
	}
	c.lastActiveSeq = seq
	if err := c.store.SaveActive(ctx, sessions); err != nil {
		mirrorErrors.Add(1)
		log.Printf("mirror active error: %v", err)
	}
}

func (c *Coordinator) mirrorAudit(ctx context.Context, record models.AuditRecord) {
	if c.store == nil {
		return
	}
	if err := c.store.AppendAudit(ctx, record); err != nil {
		mirrorErrors.Add(1)
		log.Printf("mirror audit error: %v", err)
	}
}

func (c *Coordinator) publish(eventType, doctor string, payload interface{}) {
	if c.publisher == nil {
		return
	}
	c.publisher.Publish(eventType, doctor, payload)
}

func sortViews(views []models.SessionView) {
	sort.Slice(views, func(i, j int) bool {
		if !views[i].StartedAt.Equal(views[j].StartedAt) {
			return views[i].StartedAt.Before(views[j].StartedAt)
		}
		return views[i].TokenNumber < views[j].TokenNumber
	})
}
