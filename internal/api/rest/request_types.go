package rest

import (
	"encoding/json"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/clinsafe/clinical-safety-backend/internal/domain/clinical"
	"github.com/clinsafe/clinical-safety-backend/internal/domain/verdict"
)

var validate = validator.New()

// EvaluateRequest is the inbound payload for a safety check. The org comes
// from the caller's token, never from the body.
type EvaluateRequest struct {
	PatientID   string `json:"patient_id" validate:"required"`
	EncounterID string `json:"encounter_id"`
	Hook        string `json:"hook" validate:"required"`

	Medications  []clinical.Medication  `json:"medications"`
	Allergies    []clinical.Allergy     `json:"allergies"`
	Conditions   []clinical.Condition   `json:"conditions"`
	Labs         []clinical.LabResult   `json:"labs"`
	Vitals       *clinical.VitalSigns   `json:"vitals"`
	Demographics *clinical.Demographics `json:"demographics"`

	ProposedMedications []clinical.Medication `json:"proposed_medications"`
	ProposedOrders      []clinical.Order      `json:"proposed_orders"`
}

// ToInputContext builds the domain context scoped to the authenticated org
func (r *EvaluateRequest) ToInputContext(orgID string) *clinical.InputContext {
	return &clinical.InputContext{
		OrgID:               orgID,
		PatientID:           r.PatientID,
		EncounterID:         r.EncounterID,
		Hook:                clinical.HookType(r.Hook),
		Medications:         r.Medications,
		Allergies:           r.Allergies,
		Conditions:          r.Conditions,
		Labs:                r.Labs,
		Vitals:              r.Vitals,
		Demographics:        r.Demographics,
		ProposedMedications: r.ProposedMedications,
		ProposedOrders:      r.ProposedOrders,
		CapturedAt:          time.Now().UTC(),
	}
}

// EvaluateResponse wraps the verdict with the assistant seed when the caller
// should open the break-glass chat
type EvaluateResponse struct {
	Verdict  *verdict.TrafficLightResult `json:"verdict"`
	ChatSeed string                      `json:"chat_seed,omitempty"`
}

// OverrideRequest is the inbound payload for the override workflow
type OverrideRequest struct {
	AssuranceEventID uuid.UUID       `json:"assurance_event_id" validate:"required"`
	Decision         json.RawMessage `json:"decision"`
	Override         bool            `json:"override"`
	Reason           string          `json:"reason"`
}

// ToggleRuleRequest flips one catalog rule
type ToggleRuleRequest struct {
	Enabled *bool `json:"enabled" validate:"required"`
}

// VerifyChainResponse summarizes an integrity run for the caller
type VerifyChainResponse struct {
	OrgID          string `json:"org_id"`
	IsValid        bool   `json:"is_valid"`
	EventsVerified int    `json:"events_verified"`
	BreakCount     int    `json:"break_count"`
	FirstBreakSeq  *int64 `json:"first_break_seq,omitempty"`
	FirstBreakType string `json:"first_break_type,omitempty"`
}
