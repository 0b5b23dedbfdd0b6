package flow

import (
	"fmt"
	"strconv"
	"strings"

	"careflow/flow-service/internal/models"
)

const (
	tokenNumberPrefix = "T"
	tokenNumberPad    = 3
)

// registry holds the live token partitions: the ordered waiting list, the
// active consultation sessions keyed by session id, and the escalated
// terminal pool. Completed tokens live in the audit log, not here. Every
// token admitted is in exactly one partition at any instant; the
// Coordinator's lock makes moves between partitions atomic for callers.
type registry struct {
	waiting   []models.Token
	sessions  map[string]*models.ConsultationSession
	escalated []models.Token
}

func newRegistry() *registry {
	return &registry{sessions: make(map[string]*models.ConsultationSession)}
}

// nextTokenNumber derives the next display number from the highest number
// currently in flight, not from a persistent counter. Numbers of removed
// tokens are not reused, so gaps appear and callers must tolerate them.
func (r *registry) nextTokenNumber() string {
	max := 0
	for _, token := range r.waiting {
		if seq := parseTokenNumber(token.TokenNumber); seq > max {
			max = seq
		}
	}
	for _, session := range r.sessions {
		if seq := parseTokenNumber(session.TokenNumber); seq > max {
			max = seq
		}
	}
	return formatTokenNumber(max + 1)
}

func (r *registry) admit(token models.Token) {
	r.waiting = append(r.waiting, token)
}

func (r *registry) findWaiting(tokenID string) (models.Token, bool) {
	for _, token := range r.waiting {
		if token.TokenID == tokenID {
			return token, true
		}
	}
	return models.Token{}, false
}

// removeWaiting takes a token out of the waiting partition, preserving
// insertion order of the rest.
func (r *registry) removeWaiting(tokenID string) (models.Token, bool) {
	for i, token := range r.waiting {
		if token.TokenID == tokenID {
			r.waiting = append(r.waiting[:i], r.waiting[i+1:]...)
			return token, true
		}
	}
	return models.Token{}, false
}

func (r *registry) putSession(session *models.ConsultationSession) {
	r.sessions[session.SessionID] = session
}

func (r *registry) findSession(sessionID string) (*models.ConsultationSession, bool) {
	session, ok := r.sessions[sessionID]
	return session, ok
}

func (r *registry) dropSession(sessionID string) {
	delete(r.sessions, sessionID)
}

func (r *registry) addEscalated(token models.Token) {
	r.escalated = append(r.escalated, token)
}

func (r *registry) waitingSnapshot() []models.Token {
	out := make([]models.Token, len(r.waiting))
	copy(out, r.waiting)
	return out
}

func (r *registry) escalatedSnapshot() []models.Token {
	out := make([]models.Token, len(r.escalated))
	copy(out, r.escalated)
	return out
}

func (r *registry) sessionSnapshot() []models.ConsultationSession {
	out := make([]models.ConsultationSession, 0, len(r.sessions))
	for _, session := range r.sessions {
		out = append(out, *session)
	}
	return out
}

func parseTokenNumber(number string) int {
	trimmed := strings.TrimPrefix(number, tokenNumberPrefix+"-")
	if trimmed == number {
		return 0
	}
	seq, err := strconv.Atoi(trimmed)
	if err != nil || seq < 0 {
		return 0
	}
	return seq
}

func formatTokenNumber(seq int) string {
	return fmt.Sprintf("%s-%0*d", tokenNumberPrefix, tokenNumberPad, seq)
}
