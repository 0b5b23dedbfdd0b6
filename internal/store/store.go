package store

import (
	"context"

	"careflow/flow-service/internal/models"
)

// Snapshot is the durable mirror of the live partitions plus the audit
// ledger, read back once at process start to seed the coordinator.
type Snapshot struct {
	Waiting []models.Token
	Active  []models.ConsultationSession
	// Audit is the completed-consultation ledger in append order, oldest
	// first.
	Audit []models.AuditRecord
}

// Store is the persistence collaborator. The coordinator emits the updated
// partition after every state change; writes are best-effort from the
// coordinator's point of view and never gate a transition.
type Store interface {
	SaveWaiting(ctx context.Context, tokens []models.Token) error
	SaveActive(ctx context.Context, sessions []models.ConsultationSession) error
	AppendAudit(ctx context.Context, record models.AuditRecord) error
	LoadSnapshot(ctx context.Context) (Snapshot, error)
	ListAudit(ctx context.Context, limit int) ([]models.AuditRecord, error)
	LoadExpectedDurations(ctx context.Context) (map[string]int, error)
}
