package repository

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/clinsafe/clinical-safety-backend/internal/domain/audit"
	"github.com/clinsafe/clinical-safety-backend/internal/domain/errors"
)

// OverrideRepository persists override records together with their OVERRIDE
// ledger event. The two writes share a transaction: an override is never
// visible without its audit trail, and vice versa.
type OverrideRepository struct {
	db *pgxpool.Pool
}

// NewOverrideRepository creates the override repository
func NewOverrideRepository(db *pgxpool.Pool) *OverrideRepository {
	return &OverrideRepository{db: db}
}

// SaveWithAudit inserts the record and appends the event atomically. The
// chain append runs first so the advisory lock is held for the whole write.
func (r *OverrideRepository) SaveWithAudit(ctx context.Context, record *audit.OverrideRecord, event *audit.Event) (*audit.Event, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, WrapRepositoryError(err, "begin override save")
	}
	defer tx.Rollback(ctx)

	if err := appendInTx(ctx, tx, event); err != nil {
		return nil, err
	}

	signals, err := audit.CanonicalizePayload(record.Signals)
	if err != nil {
		return nil, WrapRepositoryError(err, "encode signals snapshot")
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO override_records (
			id, org_id, assurance_event_id, audit_event_id, decision,
			override, reason, signals, actor_id, occurred_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		record.ID, record.OrgID, record.AssuranceEventID, event.ID,
		[]byte(record.Decision), record.Override, record.Reason,
		signals, record.ActorID, record.Timestamp)
	if err != nil {
		return nil, WrapRepositoryError(err, "insert override record")
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, WrapRepositoryError(err, "commit override save")
	}
	return event, nil
}

// GetByID loads one override record, scoped to the owning org
func (r *OverrideRepository) GetByID(ctx context.Context, orgID string, id uuid.UUID) (*audit.OverrideRecord, error) {
	var record audit.OverrideRecord
	var signals []byte

	err := r.db.QueryRow(ctx, `
		SELECT id, org_id, assurance_event_id, decision, override, reason,
		       signals, actor_id, occurred_at
		FROM override_records
		WHERE org_id = $1 AND id = $2`, orgID, id).Scan(
		&record.ID, &record.OrgID, &record.AssuranceEventID, &record.Decision,
		&record.Override, &record.Reason, &signals, &record.ActorID,
		&record.Timestamp)
	if IsNotFound(err) {
		return nil, errors.NewNotFoundError("override record")
	}
	if err != nil {
		return nil, WrapRepositoryError(err, "get override record")
	}

	if err := decodeSignals(signals, &record); err != nil {
		return nil, err
	}
	record.Timestamp = record.Timestamp.UTC()
	return &record, nil
}

func decodeSignals(raw []byte, record *audit.OverrideRecord) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, &record.Signals); err != nil {
		return WrapRepositoryError(err, "decode signals snapshot")
	}
	return nil
}
