package audit

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/gowebpki/jcs"

	"github.com/clinsafe/clinical-safety-backend/internal/domain/errors"
	"github.com/clinsafe/clinical-safety-backend/internal/domain/values"
)

// EventType classifies ledger entries
type EventType string

const (
	EventTypeEvaluation        EventType = "EVALUATION"
	EventTypeOverride          EventType = "OVERRIDE"
	EventTypePHIAccess         EventType = "PHI_ACCESS"
	EventTypeRuleStatusChanged EventType = "RULE_STATUS_CHANGED"
	EventTypeSecurityAlert     EventType = "SECURITY_ALERT"
	EventTypeChainVerification EventType = "CHAIN_VERIFICATION"
	EventTypeSystem            EventType = "SYSTEM"
)

var validEventTypes = map[EventType]bool{
	EventTypeEvaluation:        true,
	EventTypeOverride:          true,
	EventTypePHIAccess:         true,
	EventTypeRuleStatusChanged: true,
	EventTypeSecurityAlert:     true,
	EventTypeChainVerification: true,
	EventTypeSystem:            true,
}

// IsValid reports whether the event type is known
func (t EventType) IsValid() bool {
	return validEventTypes[t]
}

// TouchesPHI reports whether events of this type access patient data and
// therefore feed the suspicious-activity detector.
func (t EventType) TouchesPHI() bool {
	switch t {
	case EventTypeEvaluation, EventTypeOverride, EventTypePHIAccess:
		return true
	default:
		return false
	}
}

// Event is one row of the append-only, hash-chained ledger. The chain is
// scoped per organization: PrevHash always points at the previous event of
// the same org, by insertion sequence.
//
// RowHash = SHA256(prevHash || canonicalPayload || timestamp || eventType).
// It is computed server-side at seal time and is never client-supplied.
type Event struct {
	ID    uuid.UUID `json:"id"`
	OrgID string    `json:"org_id"`

	// UserID is nil for system-originated events
	UserID *string `json:"user_id,omitempty"`

	Type EventType `json:"type"`

	// Payload is RFC 8785 canonical JSON: semantically identical payloads
	// always hash identically.
	Payload json.RawMessage `json:"payload"`

	// RecordsTouched counts the patient records this operation accessed.
	// It drives bulk-access detection and is stored alongside the row, not
	// folded into the hash.
	RecordsTouched int `json:"records_touched"`

	Timestamp   time.Time             `json:"timestamp"`
	SequenceNum values.SequenceNumber `json:"sequence_num"`

	PrevHash values.HashValue `json:"prev_hash"` // zero for the first event of a chain
	RowHash  values.HashValue `json:"row_hash"`

	sealed bool
}

// NewEvent creates an unsealed event with a canonicalized payload. The
// sequence number and hashes are assigned at append time, inside the
// per-tenant write critical section.
func NewEvent(eventType EventType, orgID string, userID *string, payload interface{}) (*Event, error) {
	if !eventType.IsValid() {
		return nil, errors.NewValidationError("INVALID_EVENT_TYPE",
			fmt.Sprintf("unknown event type: %q", eventType))
	}
	if orgID == "" {
		return nil, errors.NewValidationError("MISSING_ORG_ID",
			"organization ID is required")
	}
	if userID != nil && *userID == "" {
		return nil, errors.NewValidationError("EMPTY_USER_ID",
			"user ID must be nil or non-empty")
	}

	canonical, err := CanonicalizePayload(payload)
	if err != nil {
		return nil, errors.NewValidationError("INVALID_PAYLOAD",
			"payload cannot be canonicalized").WithCause(err)
	}

	return &Event{
		ID:      uuid.New(),
		OrgID:   orgID,
		UserID:  userID,
		Type:    eventType,
		Payload: canonical,
		// Truncated to microseconds, the precision timestamptz keeps, so a
		// stored row recomputes to the same hash it was sealed with.
		Timestamp: time.Now().UTC().Truncate(time.Microsecond),
	}, nil
}

// CanonicalizePayload marshals a payload and normalizes it to RFC 8785
// canonical JSON (stable key ordering, normalized numbers).
func CanonicalizePayload(payload interface{}) (json.RawMessage, error) {
	if payload == nil {
		return json.RawMessage("{}"), nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return nil, err
	}
	return canonical, nil
}

// WithRecordsTouched annotates the event before sealing
func (e *Event) WithRecordsTouched(count int) *Event {
	e.RecordsTouched = count
	return e
}

// Seal assigns the chain position and computes the row hash. After sealing
// the event is immutable.
func (e *Event) Seal(seq values.SequenceNumber, prevHash values.HashValue) error {
	if e.sealed {
		return errors.NewConflictError("event is already sealed")
	}
	if seq.IsZero() {
		return errors.NewValidationError("INVALID_SEQUENCE", "sequence number is required to seal")
	}
	e.SequenceNum = seq
	e.PrevHash = prevHash
	e.RowHash = e.ComputeRowHash(prevHash)
	e.sealed = true
	return nil
}

// ComputeRowHash derives the chain hash for this event given the previous
// hash. Pure: used both at seal time and by the chain verifier.
func (e *Event) ComputeRowHash(prevHash values.HashValue) values.HashValue {
	data := make([]byte, 0, len(prevHash.String())+len(e.Payload)+64)
	data = append(data, prevHash.String()...)
	data = append(data, e.Payload...)
	data = append(data, e.Timestamp.UTC().Format(time.RFC3339Nano)...)
	data = append(data, string(e.Type)...)
	return values.ComputeHashValue(data)
}

// Clone returns an unsealed copy with the chain position and hashes
// cleared. Persistence retries need a fresh copy: the repository seals
// before inserting, and a sealed event cannot be sealed again.
func (e *Event) Clone() *Event {
	return &Event{
		ID:             e.ID,
		OrgID:          e.OrgID,
		UserID:         e.UserID,
		Type:           e.Type,
		Payload:        e.Payload,
		RecordsTouched: e.RecordsTouched,
		Timestamp:      e.Timestamp,
	}
}

// IsSealed reports whether the event has its chain position and hash
func (e *Event) IsSealed() bool {
	return e.sealed
}

// MarkSealed restores the sealed flag on events loaded from storage
func (e *Event) MarkSealed() {
	e.sealed = true
}

// Validate checks structural integrity of the event
func (e *Event) Validate() error {
	if !e.Type.IsValid() {
		return errors.NewValidationError("INVALID_EVENT_TYPE",
			fmt.Sprintf("unknown event type: %q", e.Type))
	}
	if e.OrgID == "" {
		return errors.NewValidationError("MISSING_ORG_ID", "organization ID is required")
	}
	if len(e.Payload) == 0 {
		return errors.NewValidationError("MISSING_PAYLOAD", "payload is required")
	}
	if !json.Valid(e.Payload) {
		return errors.NewValidationError("INVALID_PAYLOAD", "payload is not valid JSON")
	}
	if e.Timestamp.IsZero() {
		return errors.NewValidationError("MISSING_TIMESTAMP", "timestamp is required")
	}
	if e.sealed {
		if e.SequenceNum.IsZero() {
			return errors.NewValidationError("MISSING_SEQUENCE", "sealed event must have a sequence number")
		}
		if e.RowHash.IsZero() {
			return errors.NewValidationError("MISSING_ROW_HASH", "sealed event must have a row hash")
		}
	}
	return nil
}
