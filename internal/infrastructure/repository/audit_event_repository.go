package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/clinsafe/clinical-safety-backend/internal/domain/audit"
	"github.com/clinsafe/clinical-safety-backend/internal/domain/values"
	auditsvc "github.com/clinsafe/clinical-safety-backend/internal/service/audit"
)

// AuditEventRepository persists the append-only ledger. The table carries
// triggers that reject UPDATE and DELETE unconditionally (see migrations),
// so the only write this repository knows is the chained append.
type AuditEventRepository struct {
	db *pgxpool.Pool
}

// NewAuditEventRepository creates the ledger repository
func NewAuditEventRepository(db *pgxpool.Pool) *AuditEventRepository {
	return &AuditEventRepository{db: db}
}

// Append seals and inserts one event inside a transaction holding the
// per-org advisory lock. The lock gives each tenant's chain a strict total
// write order while unrelated tenants append in parallel.
func (r *AuditEventRepository) Append(ctx context.Context, event *audit.Event) (*audit.Event, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, WrapRepositoryError(err, "begin append")
	}
	defer tx.Rollback(ctx)

	if err := appendInTx(ctx, tx, event); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, WrapRepositoryError(err, "commit append")
	}
	return event, nil
}

// appendInTx runs the chain append steps on an open transaction so the
// override repository can share them.
func appendInTx(ctx context.Context, tx pgx.Tx, event *audit.Event) error {
	if _, err := tx.Exec(ctx,
		`SELECT pg_advisory_xact_lock(hashtext($1))`, event.OrgID); err != nil {
		return WrapRepositoryError(err, "acquire chain lock")
	}

	var lastSeq int64
	var lastHash values.HashValue
	err := tx.QueryRow(ctx, `
		SELECT sequence_num, row_hash
		FROM audit_events
		WHERE org_id = $1
		ORDER BY sequence_num DESC
		LIMIT 1`, event.OrgID).Scan(&lastSeq, &lastHash)

	seq := values.FirstSequenceNumber()
	prevHash := values.HashValue{}
	switch err {
	case nil:
		seq = values.MustNewSequenceNumber(lastSeq).Next()
		prevHash = lastHash
	case pgx.ErrNoRows:
		// genesis of this org's chain
	default:
		return WrapRepositoryError(err, "read chain tail")
	}

	if err := event.Seal(seq, prevHash); err != nil {
		return fmt.Errorf("seal event: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO audit_events (
			id, org_id, user_id, event_type, payload, records_touched,
			occurred_at, sequence_num, prev_hash, row_hash
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		event.ID, event.OrgID, event.UserID, string(event.Type),
		string(event.Payload), event.RecordsTouched, event.Timestamp,
		event.SequenceNum.Value(), event.PrevHash, event.RowHash)
	if err != nil {
		return WrapRepositoryError(err, "insert audit event")
	}
	return nil
}

// ListByOrg returns events in insertion-sequence order
func (r *AuditEventRepository) ListByOrg(ctx context.Context, orgID string, filter auditsvc.TrailFilter) ([]*audit.Event, error) {
	query := `
		SELECT id, org_id, user_id, event_type, payload, records_touched,
		       occurred_at, sequence_num, prev_hash, row_hash
		FROM audit_events
		WHERE org_id = $1`
	args := []interface{}{orgID}

	if !filter.AfterSequence.IsZero() {
		args = append(args, filter.AfterSequence.Value())
		query += fmt.Sprintf(" AND sequence_num > $%d", len(args))
	}
	if len(filter.Types) > 0 {
		types := make([]string, len(filter.Types))
		for i, t := range filter.Types {
			types[i] = string(t)
		}
		args = append(args, types)
		query += fmt.Sprintf(" AND event_type = ANY($%d)", len(args))
	}
	if filter.UserID != nil {
		args = append(args, *filter.UserID)
		query += fmt.Sprintf(" AND user_id = $%d", len(args))
	}
	if !filter.From.IsZero() {
		args = append(args, filter.From)
		query += fmt.Sprintf(" AND occurred_at >= $%d", len(args))
	}
	if !filter.To.IsZero() {
		args = append(args, filter.To)
		query += fmt.Sprintf(" AND occurred_at < $%d", len(args))
	}

	query += " ORDER BY sequence_num ASC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, WrapRepositoryError(err, "list audit events")
	}
	defer rows.Close()

	var events []*audit.Event
	for rows.Next() {
		event, err := scanAuditEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

// CountRecordsTouched sums the records touched by one user across
// PHI-touching events in the trailing window
func (r *AuditEventRepository) CountRecordsTouched(ctx context.Context, orgID, userID string, window time.Duration) (int, error) {
	var total int
	err := r.db.QueryRow(ctx, `
		SELECT COALESCE(SUM(records_touched), 0)
		FROM audit_events
		WHERE org_id = $1
		  AND user_id = $2
		  AND occurred_at > $3
		  AND event_type = ANY($4)`,
		orgID, userID, time.Now().Add(-window),
		[]string{
			string(audit.EventTypeEvaluation),
			string(audit.EventTypeOverride),
			string(audit.EventTypePHIAccess),
		}).Scan(&total)
	if err != nil {
		return 0, WrapRepositoryError(err, "count records touched")
	}
	return total, nil
}

func scanAuditEvent(rows pgx.Rows) (*audit.Event, error) {
	var event audit.Event
	var eventType string
	var payload string
	var seq int64

	err := rows.Scan(&event.ID, &event.OrgID, &event.UserID, &eventType,
		&payload, &event.RecordsTouched, &event.Timestamp,
		&seq, &event.PrevHash, &event.RowHash)
	if err != nil {
		return nil, WrapRepositoryError(err, "scan audit event")
	}

	event.Payload = json.RawMessage(payload)
	event.Type = audit.EventType(eventType)
	event.SequenceNum = values.MustNewSequenceNumber(seq)
	event.Timestamp = event.Timestamp.UTC()
	event.MarkSealed()
	return &event, nil
}
