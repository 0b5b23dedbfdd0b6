package models

import "time"

// Token is one patient's place in the facility queue. TokenID is the
// authoritative identity; TokenNumber is the human-facing label shown on
// displays and may be non-contiguous.
type Token struct {
	TokenID        string    `json:"token_id"`
	TokenNumber    string    `json:"token_number"`
	PatientName    string    `json:"patient_name"`
	AssignedDoctor string    `json:"assigned_doctor"`
	ScheduledTime  string    `json:"scheduled_time,omitempty"`
	EstimatedWait  int       `json:"estimated_wait_minutes,omitempty"`
	State          string    `json:"state"`
	CreatedAt      time.Time `json:"created_at"`
	RequestID      string    `json:"request_id,omitempty"`
}

const (
	StateWaiting        = "waiting"
	StateInConsultation = "in_consultation"
	StateEscalated      = "escalated"
	StateCompleted      = "completed"
)

// ConsultationSession is the live, timed record of a consultation in
// progress. ElapsedSeconds only moves forward while the session is live.
type ConsultationSession struct {
	SessionID      string    `json:"session_id"`
	TokenID        string    `json:"token_id"`
	TokenNumber    string    `json:"token_number"`
	DoctorName     string    `json:"doctor_name"`
	PatientName    string    `json:"patient_name"`
	ElapsedSeconds int       `json:"elapsed_seconds"`
	StartedAt      time.Time `json:"started_at"`
}

// SessionView is a ConsultationSession plus the display signals derived
// from the practitioner's expected consultation length. It is computed on
// read and never stored.
type SessionView struct {
	ConsultationSession
	ExpectedSeconds int  `json:"expected_seconds"`
	ProgressPercent int  `json:"progress_percent"`
	Overdue         bool `json:"overdue"`
	Extended        bool `json:"extended"`
}

// AuditRecord is written once when a consultation completes and never
// updated afterwards.
type AuditRecord struct {
	RecordID        string    `json:"record_id"`
	TokenID         string    `json:"token_id"`
	TokenNumber     string    `json:"token_number"`
	PatientName     string    `json:"patient_name"`
	DoctorName      string    `json:"doctor_name"`
	Notes           string    `json:"notes,omitempty"`
	DurationSeconds int       `json:"duration_seconds"`
	CompletedAt     time.Time `json:"completed_at"`
}
