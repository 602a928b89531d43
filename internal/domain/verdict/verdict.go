package verdict

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/clinsafe/clinical-safety-backend/internal/domain/rules"
	"github.com/clinsafe/clinical-safety-backend/internal/domain/values"
)

// Color is the traffic-light verdict over an alert set
type Color string

const (
	ColorGreen  Color = "GREEN"
	ColorYellow Color = "YELLOW"
	ColorRed    Color = "RED"
)

// SystemRuleID tags alerts synthesized by the aggregator itself (fail-closed
// path), as opposed to catalog rules.
const SystemRuleID = "system.fail_closed"

// GlosaRisk is the aggregate financial exposure across alerts that carry
// amount/probability annotations.
type GlosaRisk struct {
	Amount      values.Money       `json:"amount"`
	Probability values.Probability `json:"probability"`
}

// TrafficLightResult is the outcome of one evaluation call. It is created
// once, never mutated, and superseded by a new result on re-evaluation.
type TrafficLightResult struct {
	ID    uuid.UUID `json:"id"` // assurance event ID
	OrgID string    `json:"org_id"`

	PatientID   string `json:"patient_id"`
	EncounterID string `json:"encounter_id,omitempty"`

	Color   Color          `json:"color"`
	Signals []*rules.Alert `json:"signals"` // highest priority first

	NeedsChatAssistance bool       `json:"needs_chat_assistance"`
	CanOverride         bool       `json:"can_override"`
	TotalGlosaRisk      *GlosaRisk `json:"total_glosa_risk,omitempty"`

	RulesEvaluated   int   `json:"rules_evaluated"`
	EvaluationTimeMs int64 `json:"evaluation_time_ms"`
	CatalogVersion   int64 `json:"catalog_version"`

	CreatedAt time.Time `json:"created_at"`
}

// RankedAlert pairs an alert with the ordering metadata that lives on its
// rule rather than on the alert itself.
type RankedAlert struct {
	Alert             *rules.Alert
	Priority          int
	RegistrationIndex int
}

// Meta carries the evaluation bookkeeping into the aggregator
type Meta struct {
	OrgID          string
	PatientID      string
	EncounterID    string
	RulesEvaluated int
	Elapsed        time.Duration
	CatalogVersion int64
}

// Aggregate reduces an alert set to a single verdict. It is a pure function
// of its inputs: no hidden state, no history dependency, so repeated
// evaluation of the same context is idempotent (modulo the generated ID).
//
// If any input alert is malformed the aggregator fails closed: the verdict
// is RED with a synthesized system alert, never a silent downgrade to GREEN.
func Aggregate(ranked []RankedAlert, meta Meta) *TrafficLightResult {
	for _, r := range ranked {
		if err := validateRanked(r); err != nil {
			return failClosed(fmt.Sprintf("aggregation failed: %v", err), meta)
		}
	}

	ordered := orderAlerts(ranked)

	color := ColorGreen
	canOverride := true
	for _, alert := range ordered {
		switch alert.Severity {
		case rules.SeverityCritical:
			color = ColorRed
		case rules.SeverityWarning:
			if color != ColorRed {
				color = ColorYellow
			}
		}
		if alert.NonOverridable {
			canOverride = false
		}
	}
	if color == ColorGreen {
		canOverride = false // nothing to override
	}

	risk, err := aggregateGlosaRisk(ordered)
	if err != nil {
		return failClosed(fmt.Sprintf("glosa risk aggregation failed: %v", err), meta)
	}

	return &TrafficLightResult{
		ID:                  uuid.New(),
		OrgID:               meta.OrgID,
		PatientID:           meta.PatientID,
		EncounterID:         meta.EncounterID,
		Color:               color,
		Signals:             ordered,
		NeedsChatAssistance: color != ColorGreen,
		CanOverride:         canOverride,
		TotalGlosaRisk:      risk,
		RulesEvaluated:      meta.RulesEvaluated,
		EvaluationTimeMs:    meta.Elapsed.Milliseconds(),
		CatalogVersion:      meta.CatalogVersion,
		CreatedAt:           time.Now().UTC(),
	}
}

// FailClosed builds the safe-default verdict for an evaluation that could
// not complete: RED with an explanatory system alert.
func FailClosed(reason string, meta Meta) *TrafficLightResult {
	return failClosed(reason, meta)
}

func failClosed(reason string, meta Meta) *TrafficLightResult {
	systemAlert := &rules.Alert{
		ID:             uuid.New(),
		RuleID:         SystemRuleID,
		Summary:        "Safety check could not complete",
		Detail:         reason,
		Severity:       rules.SeverityCritical,
		Category:       rules.CategoryGuidelineRecommendation,
		Evidence:       rules.EvidenceInsufficient,
		NonOverridable: true,
		Timestamp:      time.Now().UTC(),
	}

	return &TrafficLightResult{
		ID:                  uuid.New(),
		OrgID:               meta.OrgID,
		PatientID:           meta.PatientID,
		EncounterID:         meta.EncounterID,
		Color:               ColorRed,
		Signals:             []*rules.Alert{systemAlert},
		NeedsChatAssistance: true,
		CanOverride:         false,
		RulesEvaluated:      meta.RulesEvaluated,
		EvaluationTimeMs:    meta.Elapsed.Milliseconds(),
		CatalogVersion:      meta.CatalogVersion,
		CreatedAt:           time.Now().UTC(),
	}
}

func validateRanked(r RankedAlert) error {
	if r.Alert == nil {
		return fmt.Errorf("nil alert in alert set")
	}
	if !r.Alert.Severity.IsValid() {
		return fmt.Errorf("alert %s: unknown severity %q", r.Alert.RuleID, r.Alert.Severity)
	}
	return nil
}

// orderAlerts sorts by priority descending, then severity (critical >
// warning > info), then rule registration order. The ordering is total, so
// identical inputs always produce identical output order.
func orderAlerts(ranked []RankedAlert) []*rules.Alert {
	sorted := make([]RankedAlert, len(ranked))
	copy(sorted, ranked)

	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Priority != sorted[j].Priority {
			return sorted[i].Priority > sorted[j].Priority
		}
		if sorted[i].Alert.Severity.Rank() != sorted[j].Alert.Severity.Rank() {
			return sorted[i].Alert.Severity.Rank() > sorted[j].Alert.Severity.Rank()
		}
		return sorted[i].RegistrationIndex < sorted[j].RegistrationIndex
	})

	out := make([]*rules.Alert, len(sorted))
	for i, r := range sorted {
		out[i] = r.Alert
	}
	return out
}

// aggregateGlosaRisk sums amounts and combines probabilities across
// independent risk sources: P = 1 - prod(1 - p_i), clipped to [0, 1].
func aggregateGlosaRisk(alerts []*rules.Alert) (*GlosaRisk, error) {
	var total values.Money
	var combined values.Probability
	found := false

	for _, alert := range alerts {
		if !alert.HasGlosaRisk() {
			continue
		}
		sum, err := total.Add(*alert.GlosaAmount)
		if err != nil {
			return nil, err
		}
		total = sum
		combined = combined.CombineIndependent(*alert.GlosaProbability)
		found = true
	}

	if !found {
		return nil, nil
	}
	return &GlosaRisk{Amount: total, Probability: combined}, nil
}

// ChatSeed renders the alert summary handed to the break-glass assistant.
// The core emits this content; it never calls the assistant itself.
func (r *TrafficLightResult) ChatSeed() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Safety check verdict: %s (%d rules evaluated)\n", r.Color, r.RulesEvaluated)
	for i, alert := range r.Signals {
		fmt.Fprintf(&b, "%d. [%s/%s] %s", i+1, alert.Severity, alert.Category, alert.Summary)
		if alert.Detail != "" {
			fmt.Fprintf(&b, ": %s", alert.Detail)
		}
		b.WriteString("\n")
	}
	if r.TotalGlosaRisk != nil {
		fmt.Fprintf(&b, "Estimated glosa exposure: %s at %s\n",
			r.TotalGlosaRisk.Amount, r.TotalGlosaRisk.Probability)
	}
	return b.String()
}
