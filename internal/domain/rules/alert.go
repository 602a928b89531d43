package rules

import (
	"time"

	"github.com/google/uuid"

	"github.com/clinsafe/clinical-safety-backend/internal/domain/values"
)

// Alert is an immutable finding produced by a rule evaluation. Alerts are
// created fresh per evaluation and never mutated after the evaluator
// returns them.
type Alert struct {
	ID       uuid.UUID        `json:"id"`
	RuleID   string           `json:"rule_id"`
	Summary  string           `json:"summary"`
	Detail   string           `json:"detail,omitempty"`
	Severity Severity         `json:"severity"`
	Category Category         `json:"category"`
	Evidence EvidenceStrength `json:"evidence"`
	Source   Source           `json:"source"`

	Suggestions     []string `json:"suggestions,omitempty"`
	OverrideReasons []string `json:"override_reasons,omitempty"`
	NonOverridable  bool     `json:"non_overridable"`

	// Glosa risk annotations: financial exposure if the flagged action
	// proceeds, with an estimated denial probability.
	GlosaAmount      *values.Money       `json:"glosa_amount,omitempty"`
	GlosaProbability *values.Probability `json:"glosa_probability,omitempty"`

	Timestamp time.Time  `json:"timestamp"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// NewAlert creates an alert inheriting classification and override metadata
// from its rule. Evaluators enrich it with the fluent With* helpers before
// returning it; after that the alert is treated as immutable.
func NewAlert(rule *Definition, summary, detail string) *Alert {
	return &Alert{
		ID:              uuid.New(),
		RuleID:          rule.ID,
		Summary:         summary,
		Detail:          detail,
		Severity:        rule.Severity,
		Category:        rule.Category,
		Evidence:        rule.Evidence,
		Source:          rule.Source,
		OverrideReasons: rule.OverrideReasons,
		NonOverridable:  rule.NonOverridable,
		Timestamp:       time.Now().UTC(),
	}
}

// WithSuggestions attaches actionable follow-ups
func (a *Alert) WithSuggestions(suggestions ...string) *Alert {
	a.Suggestions = suggestions
	return a
}

// WithGlosaRisk attaches a financial exposure estimate
func (a *Alert) WithGlosaRisk(amount values.Money, probability values.Probability) *Alert {
	a.GlosaAmount = &amount
	a.GlosaProbability = &probability
	return a
}

// WithExpiry marks the alert stale after the given instant
func (a *Alert) WithExpiry(at time.Time) *Alert {
	a.ExpiresAt = &at
	return a
}

// HasGlosaRisk reports whether the alert carries a financial exposure estimate
func (a *Alert) HasGlosaRisk() bool {
	return a.GlosaAmount != nil && a.GlosaProbability != nil
}
