package override

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/clinsafe/clinical-safety-backend/internal/domain/audit"
	"github.com/clinsafe/clinical-safety-backend/internal/domain/errors"
	"github.com/clinsafe/clinical-safety-backend/internal/domain/rules"
	"github.com/clinsafe/clinical-safety-backend/internal/domain/verdict"
	"github.com/clinsafe/clinical-safety-backend/internal/metrics"
)

// VerdictSource resolves an assurance event ID to the verdict it references.
// Satisfied by the evaluation service's verdict store.
type VerdictSource interface {
	Get(orgID string, id uuid.UUID) (*verdict.TrafficLightResult, error)
	Resolve(orgID string, id uuid.UUID) error
}

// Repository persists the override record and its OVERRIDE ledger event in
// one transaction: both succeed or neither does.
type Repository interface {
	SaveWithAudit(ctx context.Context, record *audit.OverrideRecord, event *audit.Event) (*audit.Event, error)
	GetByID(ctx context.Context, orgID string, id uuid.UUID) (*audit.OverrideRecord, error)
}

// Inspector runs post-commit anomaly detection. Satisfied by the audit
// service's detector; failures are logged, never surfaced.
type Inspector interface {
	Inspect(ctx context.Context, event *audit.Event)
}

// Request carries one override submission
type Request struct {
	OrgID            string
	ActorID          string
	AssuranceEventID uuid.UUID
	Decision         json.RawMessage
	Override         bool
	Reason           string
}

// Confirmation is the success response for a submission
type Confirmation struct {
	Record  *audit.OverrideRecord `json:"record"`
	Message string                `json:"message"`
}

// Service implements the override and justification workflow. The
// justification floor and the non-overridable gate live in the domain layer;
// this service wires verdict lookup, atomic persistence and detection.
type Service struct {
	verdicts  VerdictSource
	repo      Repository
	inspector Inspector
	logger    *zap.Logger
}

// NewService creates the override service. inspector may be nil.
func NewService(verdicts VerdictSource, repo Repository, inspector Inspector, logger *zap.Logger) *Service {
	return &Service{
		verdicts:  verdicts,
		repo:      repo,
		inspector: inspector,
		logger:    logger,
	}
}

// Submit records a clinician's decision against a non-GREEN verdict. With
// override=true the trimmed reason must meet the justification floor and the
// verdict must permit overriding. On success the verdict is resolved: a
// fresh evaluation is required before the encounter can proceed again.
func (s *Service) Submit(ctx context.Context, req Request) (*Confirmation, error) {
	result, err := s.verdicts.Get(req.OrgID, req.AssuranceEventID)
	if err != nil {
		return nil, err
	}

	if req.Override && !result.CanOverride {
		metrics.OverridesTotal.WithLabelValues("rejected_policy").Inc()
		return nil, errors.NewOverrideNotPermittedError(
			"this verdict contains a non-overridable alert and cannot be overridden")
	}

	record, err := audit.NewOverrideRecord(
		req.OrgID, req.ActorID, req.AssuranceEventID,
		req.Decision, req.Override, req.Reason, snapshotSignals(result))
	if err != nil {
		metrics.OverridesTotal.WithLabelValues("rejected_justification").Inc()
		return nil, err
	}

	event, err := audit.NewEvent(audit.EventTypeOverride, req.OrgID, &req.ActorID, map[string]interface{}{
		"override_id":        record.ID.String(),
		"assurance_event_id": req.AssuranceEventID.String(),
		"patient_id":         result.PatientID,
		"override":           record.Override,
		"reason":             record.Reason,
		"verdict_color":      string(result.Color),
		"signals":            record.Signals,
	})
	if err != nil {
		return nil, fmt.Errorf("build override event: %w", err)
	}
	event.WithRecordsTouched(1)

	sealed, err := s.repo.SaveWithAudit(ctx, record, event)
	if err != nil {
		s.logger.Error("override persistence failed",
			zap.String("org_id", req.OrgID),
			zap.String("assurance_event_id", req.AssuranceEventID.String()),
			zap.Error(err))
		return nil, err
	}

	if err := s.verdicts.Resolve(req.OrgID, req.AssuranceEventID); err != nil {
		s.logger.Warn("failed to resolve verdict after override",
			zap.String("assurance_event_id", req.AssuranceEventID.String()),
			zap.Error(err))
	}

	if s.inspector != nil {
		s.inspector.Inspect(ctx, sealed)
	}

	metrics.OverridesTotal.WithLabelValues("recorded").Inc()
	s.logger.Info("override recorded",
		zap.String("org_id", req.OrgID),
		zap.String("actor_id", req.ActorID),
		zap.String("override_id", record.ID.String()),
		zap.Bool("override", record.Override))

	return &Confirmation{
		Record:  record,
		Message: record.ConfirmationMessage(),
	}, nil
}

// Get returns one recorded override, scoped to the caller's org. Records
// from other tenants are indistinguishable from missing ones.
func (s *Service) Get(ctx context.Context, orgID string, id uuid.UUID) (*audit.OverrideRecord, error) {
	return s.repo.GetByID(ctx, orgID, id)
}

// snapshotSignals freezes each signal's rule and its own color contribution
// at override time
func snapshotSignals(result *verdict.TrafficLightResult) []audit.SignalSnapshot {
	signals := make([]audit.SignalSnapshot, len(result.Signals))
	for i, alert := range result.Signals {
		signals[i] = audit.SignalSnapshot{
			RuleID: alert.RuleID,
			Color:  string(severityColor(alert.Severity)),
		}
	}
	return signals
}

func severityColor(severity rules.Severity) verdict.Color {
	switch severity {
	case rules.SeverityCritical:
		return verdict.ColorRed
	case rules.SeverityWarning:
		return verdict.ColorYellow
	default:
		return verdict.ColorGreen
	}
}
