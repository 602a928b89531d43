package audit

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/clinsafe/clinical-safety-backend/internal/domain/errors"
)

// MinJustificationLength is the hard compliance floor for override reasons,
// counted after trimming. Enforced here authoritatively; any client-side
// check is advisory only.
const MinJustificationLength = 10

// SignalSnapshot freezes one signal's state at override time
type SignalSnapshot struct {
	RuleID string `json:"rule_id"`
	Color  string `json:"color"`
}

// OverrideRecord documents a human decision against a non-GREEN verdict.
// Immutable once created; never deleted.
type OverrideRecord struct {
	ID               uuid.UUID        `json:"id"`
	OrgID            string           `json:"org_id"`
	AssuranceEventID uuid.UUID        `json:"assurance_event_id"`
	Decision         json.RawMessage  `json:"decision"`
	Override         bool             `json:"override"`
	Reason           string           `json:"reason,omitempty"`
	Signals          []SignalSnapshot `json:"signals"`
	ActorID          string           `json:"actor_id"`
	Timestamp        time.Time        `json:"timestamp"`
}

// NewOverrideRecord validates and creates an override record. When
// override is true the trimmed reason must meet the justification floor.
func NewOverrideRecord(
	orgID string,
	actorID string,
	assuranceEventID uuid.UUID,
	decision json.RawMessage,
	override bool,
	reason string,
	signals []SignalSnapshot,
) (*OverrideRecord, error) {
	if orgID == "" {
		return nil, errors.NewValidationError("MISSING_ORG_ID", "organization ID is required")
	}
	if actorID == "" {
		return nil, errors.NewValidationError("MISSING_ACTOR_ID", "actor ID is required")
	}
	if assuranceEventID == uuid.Nil {
		return nil, errors.NewValidationError("MISSING_ASSURANCE_EVENT",
			"assurance event reference is required")
	}

	trimmed := strings.TrimSpace(reason)
	if override && len([]rune(trimmed)) < MinJustificationLength {
		return nil, errors.NewJustificationTooShortError(MinJustificationLength)
	}

	if len(decision) == 0 {
		decision = json.RawMessage("{}")
	}

	snapshot := make([]SignalSnapshot, len(signals))
	copy(snapshot, signals)

	return &OverrideRecord{
		ID:               uuid.New(),
		OrgID:            orgID,
		AssuranceEventID: assuranceEventID,
		Decision:         decision,
		Override:         override,
		Reason:           trimmed,
		Signals:          snapshot,
		ActorID:          actorID,
		Timestamp:        time.Now().UTC(),
	}, nil
}

// ConfirmationMessage distinguishes the two success paths for the clinician
func (r *OverrideRecord) ConfirmationMessage() string {
	if r.Override {
		return "Override recorded with justification"
	}
	return "Decision recorded"
}
