package clinical

import (
	"strings"
	"time"

	"github.com/clinsafe/clinical-safety-backend/internal/domain/errors"
	"github.com/clinsafe/clinical-safety-backend/internal/domain/values"
)

// InputContext is the structured snapshot of what a clinician is about to
// do, produced by the context-acquisition subsystem. The engine treats it as
// read-only input.
//
// Optional scalar fields are pointers so that present-or-absent is explicit:
// a missing field must never silently satisfy a rule condition.
type InputContext struct {
	OrgID       string   `json:"org_id"`
	PatientID   string   `json:"patient_id"`
	EncounterID string   `json:"encounter_id,omitempty"`
	Hook        HookType `json:"hook"`

	// Current patient state
	Medications []Medication `json:"medications,omitempty"`
	Allergies   []Allergy    `json:"allergies,omitempty"`
	Conditions  []Condition  `json:"conditions,omitempty"`
	Labs        []LabResult  `json:"labs,omitempty"`
	Vitals      *VitalSigns  `json:"vitals,omitempty"`

	Demographics *Demographics `json:"demographics,omitempty"`

	// What the clinician is about to do
	ProposedMedications []Medication `json:"proposed_medications,omitempty"`
	ProposedOrders      []Order      `json:"proposed_orders,omitempty"`

	CapturedAt time.Time `json:"captured_at"`
}

// Medication is an active or proposed medication entry
type Medication struct {
	Code      string   `json:"code"` // ATC or local formulary code
	Name      string   `json:"name"`
	Dose      *float64 `json:"dose,omitempty"`
	DoseUnit  string   `json:"dose_unit,omitempty"`
	Route     string   `json:"route,omitempty"`
	Frequency string   `json:"frequency,omitempty"`
	Class     string   `json:"class,omitempty"` // therapeutic class
}

// Allergy is a recorded allergy or intolerance
type Allergy struct {
	Substance string `json:"substance"`
	Reaction  string `json:"reaction,omitempty"`
	Severity  string `json:"severity,omitempty"`
}

// Condition is an active or historical diagnosis
type Condition struct {
	Code   string `json:"code"` // ICD-10
	Name   string `json:"name"`
	Active bool   `json:"active"`
}

// LabResult is a single observation with optional reference range
type LabResult struct {
	Code       string    `json:"code"` // LOINC or local code
	Name       string    `json:"name"`
	Value      float64   `json:"value"`
	Unit       string    `json:"unit,omitempty"`
	RefLow     *float64  `json:"ref_low,omitempty"`
	RefHigh    *float64  `json:"ref_high,omitempty"`
	ObservedAt time.Time `json:"observed_at"`
}

// VitalSigns carries the most recent vitals snapshot
type VitalSigns struct {
	HeartRate    *int      `json:"heart_rate,omitempty"`
	SystolicBP   *int      `json:"systolic_bp,omitempty"`
	DiastolicBP  *int      `json:"diastolic_bp,omitempty"`
	TemperatureC *float64  `json:"temperature_c,omitempty"`
	SpO2         *int      `json:"spo2,omitempty"`
	MeasuredAt   time.Time `json:"measured_at"`
}

// Demographics carries the patient attributes rules may reference
type Demographics struct {
	BirthDate time.Time `json:"birth_date"`
	Sex       string    `json:"sex,omitempty"`
	WeightKg  *float64  `json:"weight_kg,omitempty"`
	Pregnant  *bool     `json:"pregnant,omitempty"`
}

// Order is a proposed order, procedure, or billing code
type Order struct {
	Code         string        `json:"code"` // TUSS/CPT or local code
	Description  string        `json:"description,omitempty"`
	Category     string        `json:"category,omitempty"`
	BilledAmount *values.Money `json:"billed_amount,omitempty"`
}

// Validate checks the structural preconditions for evaluation. A context
// failing here is rejected with InvalidContext before any rule runs.
func (c *InputContext) Validate() error {
	if c == nil {
		return errors.NewInvalidContextError("context is required")
	}
	if strings.TrimSpace(c.PatientID) == "" {
		return errors.NewInvalidContextError("patient identifier is required")
	}
	if strings.TrimSpace(c.OrgID) == "" {
		return errors.NewInvalidContextError("organization identifier is required")
	}
	if !c.Hook.IsValid() {
		return errors.NewInvalidContextError("hook type must be one of the defined workflow moments")
	}
	return nil
}

// HasActiveMedication reports whether the patient is currently on a
// medication with the given code
func (c *InputContext) HasActiveMedication(code string) bool {
	for _, m := range c.Medications {
		if m.Code == code {
			return true
		}
	}
	return false
}

// HasActiveMedicationClass reports whether any active medication belongs to
// the given therapeutic class
func (c *InputContext) HasActiveMedicationClass(class string) bool {
	for _, m := range c.Medications {
		if strings.EqualFold(m.Class, class) {
			return true
		}
	}
	return false
}

// HasAllergyTo reports whether an allergy to the substance is recorded.
// Matching is case-insensitive on the substance name.
func (c *InputContext) HasAllergyTo(substance string) bool {
	for _, a := range c.Allergies {
		if strings.EqualFold(a.Substance, substance) {
			return true
		}
	}
	return false
}

// HasActiveCondition reports whether the patient has an active diagnosis
// with the given ICD code prefix
func (c *InputContext) HasActiveCondition(codePrefix string) bool {
	for _, cond := range c.Conditions {
		if cond.Active && strings.HasPrefix(cond.Code, codePrefix) {
			return true
		}
	}
	return false
}

// LatestLab returns the most recent lab result for the given code, or nil
// when the patient has none
func (c *InputContext) LatestLab(code string) *LabResult {
	var latest *LabResult
	for i := range c.Labs {
		lab := &c.Labs[i]
		if lab.Code != code {
			continue
		}
		if latest == nil || lab.ObservedAt.After(latest.ObservedAt) {
			latest = lab
		}
	}
	return latest
}

// AgeYears returns the patient age at the given instant, or -1 when
// demographics are absent
func (c *InputContext) AgeYears(at time.Time) int {
	if c.Demographics == nil || c.Demographics.BirthDate.IsZero() {
		return -1
	}
	years := at.Year() - c.Demographics.BirthDate.Year()
	anniversary := c.Demographics.BirthDate.AddDate(years, 0, 0)
	if anniversary.After(at) {
		years--
	}
	return years
}

// IsOutOfRange reports whether the observation falls outside its reference
// range. Results without a reference range are never out of range.
func (l *LabResult) IsOutOfRange() bool {
	if l.RefLow != nil && l.Value < *l.RefLow {
		return true
	}
	if l.RefHigh != nil && l.Value > *l.RefHigh {
		return true
	}
	return false
}
