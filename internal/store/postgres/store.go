package postgres

import (
	"context"

	"careflow/flow-service/internal/models"
	"careflow/flow-service/internal/store"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store mirrors the coordinator's partitions into Postgres. The waiting
// and active tables are rewritten wholesale on each save (the partitions
// are small and the write must reflect exactly the in-memory state); the
// audit table is append-only.
type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) SaveWaiting(ctx context.Context, tokens []models.Token) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	if _, err = tx.Exec(ctx, `DELETE FROM flow_waiting_tokens`); err != nil {
		return err
	}
	for position, token := range tokens {
		_, err = tx.Exec(ctx, `
			INSERT INTO flow_waiting_tokens (
				position, token_id, token_number, patient_name, assigned_doctor,
				scheduled_time, estimated_wait_minutes, created_at, request_id
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		`, position, token.TokenID, token.TokenNumber, token.PatientName, token.AssignedDoctor,
			token.ScheduledTime, token.EstimatedWait, token.CreatedAt, token.RequestID)
		if err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func (s *Store) SaveActive(ctx context.Context, sessions []models.ConsultationSession) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	if _, err = tx.Exec(ctx, `DELETE FROM flow_active_sessions`); err != nil {
		return err
	}
	for _, session := range sessions {
		_, err = tx.Exec(ctx, `
			INSERT INTO flow_active_sessions (
				session_id, token_id, token_number, doctor_name, patient_name,
				elapsed_seconds, started_at
			) VALUES ($1,$2,$3,$4,$5,$6,$7)
		`, session.SessionID, session.TokenID, session.TokenNumber, session.DoctorName,
			session.PatientName, session.ElapsedSeconds, session.StartedAt)
		if err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func (s *Store) AppendAudit(ctx context.Context, record models.AuditRecord) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO flow_audit_records (
			record_id, token_id, token_number, patient_name, doctor_name,
			notes, duration_seconds, completed_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (record_id) DO NOTHING
	`, record.RecordID, record.TokenID, record.TokenNumber, record.PatientName,
		record.DoctorName, record.Notes, record.DurationSeconds, record.CompletedAt)
	return err
}

func (s *Store) LoadSnapshot(ctx context.Context) (store.Snapshot, error) {
	var snapshot store.Snapshot

	rows, err := s.pool.Query(ctx, `
		SELECT token_id, token_number, patient_name, assigned_doctor,
		       scheduled_time, estimated_wait_minutes, created_at, request_id
		FROM flow_waiting_tokens
		ORDER BY position ASC
	`)
	if err != nil {
		return store.Snapshot{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var token models.Token
		if err := rows.Scan(&token.TokenID, &token.TokenNumber, &token.PatientName, &token.AssignedDoctor,
			&token.ScheduledTime, &token.EstimatedWait, &token.CreatedAt, &token.RequestID); err != nil {
			return store.Snapshot{}, err
		}
		token.State = models.StateWaiting
		snapshot.Waiting = append(snapshot.Waiting, token)
	}
	if err := rows.Err(); err != nil {
		return store.Snapshot{}, err
	}

	sessionRows, err := s.pool.Query(ctx, `
		SELECT session_id, token_id, token_number, doctor_name, patient_name,
		       elapsed_seconds, started_at
		FROM flow_active_sessions
		ORDER BY started_at ASC
	`)
	if err != nil {
		return store.Snapshot{}, err
	}
	defer sessionRows.Close()
	for sessionRows.Next() {
		var session models.ConsultationSession
		if err := sessionRows.Scan(&session.SessionID, &session.TokenID, &session.TokenNumber,
			&session.DoctorName, &session.PatientName, &session.ElapsedSeconds, &session.StartedAt); err != nil {
			return store.Snapshot{}, err
		}
		snapshot.Active = append(snapshot.Active, session)
	}
	if err := sessionRows.Err(); err != nil {
		return store.Snapshot{}, err
	}

	auditRows, err := s.pool.Query(ctx, `
		SELECT record_id, token_id, token_number, patient_name, doctor_name,
		       notes, duration_seconds, completed_at
		FROM flow_audit_records
		ORDER BY completed_at ASC
	`)
	if err != nil {
		return store.Snapshot{}, err
	}
	defer auditRows.Close()
	for auditRows.Next() {
		var record models.AuditRecord
		if err := auditRows.Scan(&record.RecordID, &record.TokenID, &record.TokenNumber, &record.PatientName,
			&record.DoctorName, &record.Notes, &record.DurationSeconds, &record.CompletedAt); err != nil {
			return store.Snapshot{}, err
		}
		snapshot.Audit = append(snapshot.Audit, record)
	}
	if err := auditRows.Err(); err != nil {
		return store.Snapshot{}, err
	}

	return snapshot, nil
}

func (s *Store) ListAudit(ctx context.Context, limit int) ([]models.AuditRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT record_id, token_id, token_number, patient_name, doctor_name,
		       notes, duration_seconds, completed_at
		FROM flow_audit_records
		ORDER BY completed_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []models.AuditRecord
	for rows.Next() {
		var record models.AuditRecord
		if err := rows.Scan(&record.RecordID, &record.TokenID, &record.TokenNumber, &record.PatientName,
			&record.DoctorName, &record.Notes, &record.DurationSeconds, &record.CompletedAt); err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return records, nil
}

func (s *Store) LoadExpectedDurations(ctx context.Context) (map[string]int, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT doctor_name, expected_seconds
		FROM practitioner_durations
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	durations := make(map[string]int)
	for rows.Next() {
		var doctor string
		var seconds int
		if err := rows.Scan(&doctor, &seconds); err != nil {
			return nil, err
		}
		if seconds > 0 {
			durations[doctor] = seconds
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return durations, nil
}
