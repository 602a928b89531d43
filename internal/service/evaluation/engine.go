package evaluation

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/clinsafe/clinical-safety-backend/internal/domain/audit"
	"github.com/clinsafe/clinical-safety-backend/internal/domain/clinical"
	"github.com/clinsafe/clinical-safety-backend/internal/domain/rules"
	"github.com/clinsafe/clinical-safety-backend/internal/domain/verdict"
	"github.com/clinsafe/clinical-safety-backend/internal/metrics"
)

// Engine runs the safety check: select candidate rules for the hook, run
// each evaluator in isolation, aggregate the surviving alerts into a
// traffic-light verdict and append the evaluation to the ledger.
//
// Evaluation is synchronous and side-effect-free per call. Many evaluations
// run concurrently against the same registry snapshot; the only write is the
// ledger append at the end.
type Engine struct {
	registry *rules.Registry
	ledger   Ledger
	store    *VerdictStore
	logger   *zap.Logger
}

// NewEngine creates the evaluation engine
func NewEngine(registry *rules.Registry, ledger Ledger, store *VerdictStore, logger *zap.Logger) *Engine {
	return &Engine{
		registry: registry,
		ledger:   ledger,
		store:    store,
		logger:   logger,
	}
}

// Evaluate runs the safety check for one clinical moment. The returned
// verdict is only reported after its EVALUATION event durably persists; a
// ledger failure fails the whole call.
func (e *Engine) Evaluate(ctx context.Context, input *clinical.InputContext, actorID string) (*verdict.TrafficLightResult, error) {
	if err := input.Validate(); err != nil {
		return nil, err
	}

	start := time.Now()
	snapshot := e.registry.Snapshot()
	candidates := snapshot.Candidates(input.Hook)

	ranked := make([]verdict.RankedAlert, 0, len(candidates))
	for _, candidate := range candidates {
		alert := e.runRule(input, candidate)
		if alert == nil {
			continue
		}
		ranked = append(ranked, verdict.RankedAlert{
			Alert:             alert,
			Priority:          candidate.Definition.Priority,
			RegistrationIndex: candidate.Index,
		})
	}

	result := verdict.Aggregate(ranked, verdict.Meta{
		OrgID:          input.OrgID,
		PatientID:      input.PatientID,
		EncounterID:    input.EncounterID,
		RulesEvaluated: len(candidates),
		Elapsed:        time.Since(start),
		CatalogVersion: snapshot.Version,
	})

	if err := e.record(ctx, input, actorID, result); err != nil {
		return nil, err
	}

	if e.store != nil {
		e.store.Put(result)
	}

	metrics.EvaluationsTotal.WithLabelValues(string(input.Hook), string(result.Color)).Inc()
	metrics.EvaluationDuration.Observe(time.Since(start).Seconds())
	for _, signal := range result.Signals {
		metrics.AlertsRaisedTotal.WithLabelValues(string(signal.Severity)).Inc()
	}

	e.logger.Info("evaluation completed",
		zap.String("org_id", input.OrgID),
		zap.String("hook", string(input.Hook)),
		zap.String("verdict_id", result.ID.String()),
		zap.String("color", string(result.Color)),
		zap.Int("signals", len(result.Signals)),
		zap.Int("rules_evaluated", result.RulesEvaluated),
		zap.Int64("elapsed_ms", result.EvaluationTimeMs))

	return result, nil
}

// runRule executes one evaluator with full isolation: a panic or error is
// logged as a rule evaluation failure and the rule is excluded from results.
// One bad rule never blocks the rest of the safety check.
func (e *Engine) runRule(input *clinical.InputContext, candidate *rules.RegisteredRule) (alert *rules.Alert) {
	defer func() {
		if r := recover(); r != nil {
			alert = nil
			metrics.RuleFailuresTotal.WithLabelValues(candidate.Definition.ID).Inc()
			e.logger.Error("rule evaluation panicked",
				zap.String("rule_id", candidate.Definition.ID),
				zap.Any("panic", r))
		}
	}()

	alert, err := candidate.Definition.Evaluate(input)
	if err != nil {
		metrics.RuleFailuresTotal.WithLabelValues(candidate.Definition.ID).Inc()
		e.logger.Error("rule evaluation failed",
			zap.String("rule_id", candidate.Definition.ID),
			zap.Error(err))
		return nil
	}
	return alert
}

// record appends the EVALUATION event. The payload carries the verdict
// identity and shape, not the full clinical context.
func (e *Engine) record(ctx context.Context, input *clinical.InputContext, actorID string, result *verdict.TrafficLightResult) error {
	signalIDs := make([]string, len(result.Signals))
	for i, signal := range result.Signals {
		signalIDs[i] = signal.RuleID
	}

	var userID *string
	if actorID != "" {
		userID = &actorID
	}

	event, err := audit.NewEvent(audit.EventTypeEvaluation, input.OrgID, userID, map[string]interface{}{
		"assurance_event_id": result.ID.String(),
		"patient_id":         input.PatientID,
		"encounter_id":       input.EncounterID,
		"hook":               string(input.Hook),
		"color":              string(result.Color),
		"signals":            signalIDs,
		"rules_evaluated":    result.RulesEvaluated,
		"catalog_version":    result.CatalogVersion,
	})
	if err != nil {
		return fmt.Errorf("build evaluation event: %w", err)
	}
	event.WithRecordsTouched(1)

	if _, err := e.ledger.Append(ctx, event); err != nil {
		return err
	}
	return nil
}
