package rules

import (
	"fmt"

	"github.com/clinsafe/clinical-safety-backend/internal/domain/clinical"
)

// Category classifies what a safety rule checks
type Category string

const (
	CategoryDrugInteraction         Category = "drug_interaction"
	CategoryAllergy                 Category = "allergy"
	CategoryGuidelineRecommendation Category = "guideline_recommendation"
	CategoryLabAbnormal             Category = "lab_abnormal"
	CategoryPreventiveCare          Category = "preventive_care"
	CategoryDuplicateTherapy        Category = "duplicate_therapy"
	CategoryContraindication        Category = "contraindication"
	CategoryDosingGuidance          Category = "dosing_guidance"
)

var validCategories = map[Category]bool{
	CategoryDrugInteraction:         true,
	CategoryAllergy:                 true,
	CategoryGuidelineRecommendation: true,
	CategoryLabAbnormal:             true,
	CategoryPreventiveCare:          true,
	CategoryDuplicateTherapy:        true,
	CategoryContraindication:        true,
	CategoryDosingGuidance:          true,
}

// Severity grades an alert. Critical alerts drive the verdict to RED.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Rank orders severities for comparison: critical > warning > info
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 3
	case SeverityWarning:
		return 2
	case SeverityInfo:
		return 1
	default:
		return 0
	}
}

// IsValid reports whether the severity is a known grade
func (s Severity) IsValid() bool {
	return s.Rank() > 0
}

// EvidenceStrength is a GRADE-style confidence rating for a rule's
// recommendation. A is the highest.
type EvidenceStrength string

const (
	EvidenceA            EvidenceStrength = "A"
	EvidenceB            EvidenceStrength = "B"
	EvidenceC            EvidenceStrength = "C"
	EvidenceD            EvidenceStrength = "D"
	EvidenceInsufficient EvidenceStrength = "insufficient"
)

var validEvidence = map[EvidenceStrength]bool{
	EvidenceA:            true,
	EvidenceB:            true,
	EvidenceC:            true,
	EvidenceD:            true,
	EvidenceInsufficient: true,
}

// Source points at the guideline or reference backing a rule
type Source struct {
	Label string `json:"label"`
	URL   string `json:"url,omitempty"`
}

// Evaluator is a rule's pure evaluation function. It must be side-effect
// free and referentially transparent for a given context: a nil alert means
// the rule did not fire. Errors are isolated per rule by the engine.
type Evaluator func(ctx *clinical.InputContext) (*Alert, error)

const (
	MinPriority = 1
	MaxPriority = 10
)

// Definition is an immutable safety rule. Enable/disable is the only
// runtime mutation, and it happens on the registry, never on the definition.
type Definition struct {
	ID           string
	Name         string
	Description  string
	Category     Category
	Severity     Severity
	Priority     int // 1-10, higher evaluated and shown first
	TriggerHooks []clinical.HookType
	Evidence     EvidenceStrength
	Source       Source

	// NonOverridable marks rules whose critical alerts block the override
	// path entirely (absolute contraindications by policy).
	NonOverridable bool

	// OverrideReasons are the pre-approved justification templates offered
	// to the clinician when overriding this rule's alert.
	OverrideReasons []string

	Evaluate Evaluator
}

// Validate checks a definition at registration time
func (d *Definition) Validate() error {
	if d.ID == "" {
		return fmt.Errorf("rule ID cannot be empty")
	}
	if d.Name == "" {
		return fmt.Errorf("rule %s: name cannot be empty", d.ID)
	}
	if !validCategories[d.Category] {
		return fmt.Errorf("rule %s: unknown category %q", d.ID, d.Category)
	}
	if !d.Severity.IsValid() {
		return fmt.Errorf("rule %s: unknown severity %q", d.ID, d.Severity)
	}
	if d.Priority < MinPriority || d.Priority > MaxPriority {
		return fmt.Errorf("rule %s: priority %d outside [%d, %d]", d.ID, d.Priority, MinPriority, MaxPriority)
	}
	if len(d.TriggerHooks) == 0 {
		return fmt.Errorf("rule %s: at least one trigger hook is required", d.ID)
	}
	for _, hook := range d.TriggerHooks {
		if !hook.IsValid() {
			return fmt.Errorf("rule %s: unknown trigger hook %q", d.ID, hook)
		}
	}
	if !validEvidence[d.Evidence] {
		return fmt.Errorf("rule %s: unknown evidence strength %q", d.ID, d.Evidence)
	}
	if d.Evaluate == nil {
		return fmt.Errorf("rule %s: evaluator is required", d.ID)
	}
	return nil
}

// TriggersOn reports whether the rule participates in the given hook
func (d *Definition) TriggersOn(hook clinical.HookType) bool {
	for _, h := range d.TriggerHooks {
		if h == hook {
			return true
		}
	}
	return false
}
