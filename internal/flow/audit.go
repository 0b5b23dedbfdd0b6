package flow

import "careflow/flow-service/internal/models"

// auditLog is the append-only ledger of completed consultations. Records
// are never updated or removed once appended. Locking is owned by the
// Coordinator.
type auditLog struct {
	records []models.AuditRecord
}

func (a *auditLog) append(record models.AuditRecord) {
	a.records = append(a.records, record)
}

// snapshot returns a copy ordered most recent first.
func (a *auditLog) snapshot() []models.AuditRecord {
	out := make([]models.AuditRecord, 0, len(a.records))
	for i := len(a.records) - 1; i >= 0; i-- {
		out = append(out, a.records[i])
	}
	return out
}
