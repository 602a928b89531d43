package audit

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/clinsafe/clinical-safety-backend/internal/domain/audit"
	"github.com/clinsafe/clinical-safety-backend/internal/domain/errors"
	"github.com/clinsafe/clinical-safety-backend/internal/metrics"
)

// Config tunes the ledger service write path
type Config struct {
	MaxAppendRetries int           `json:"max_append_retries"`
	RetryBackoff     time.Duration `json:"retry_backoff"`
}

// DefaultConfig returns sensible defaults
func DefaultConfig() *Config {
	return &Config{
		MaxAppendRetries: 3,
		RetryBackoff:     100 * time.Millisecond,
	}
}

// Service orchestrates ledger writes and reads. Every write lands in the
// per-org hash chain; every read of patient-scoped history is itself
// recorded as a PHI_ACCESS event.
type Service struct {
	repo     EventRepository
	detector *AnomalyDetector
	logger   *zap.Logger
	config   *Config
}

// NewService creates the ledger service
func NewService(repo EventRepository, detector *AnomalyDetector, logger *zap.Logger, config *Config) *Service {
	if config == nil {
		config = DefaultConfig()
	}
	return &Service{
		repo:     repo,
		detector: detector,
		logger:   logger,
		config:   config,
	}
}

// Append writes an event to the org's chain, retrying transient failures.
// When every attempt fails the caller receives AUDIT_APPEND_FAILURE and must
// fail its own operation: clinical actions do not proceed unaudited.
func (s *Service) Append(ctx context.Context, event *audit.Event) (*audit.Event, error) {
	var lastErr error

	for attempt := 0; attempt <= s.config.MaxAppendRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, errors.NewAuditAppendError("audit append canceled").WithCause(ctx.Err())
			case <-time.After(s.config.RetryBackoff * time.Duration(attempt)):
			}
		}

		// The repository seals before inserting, so a failed attempt leaves
		// a sealed event behind. Each attempt gets its own unsealed copy.
		sealed, err := s.repo.Append(ctx, event.Clone())
		if err == nil {
			metrics.AuditAppendsTotal.WithLabelValues(string(event.Type), "ok").Inc()
			if s.detector != nil {
				s.detector.Inspect(ctx, sealed)
			}
			return sealed, nil
		}

		lastErr = err
		s.logger.Warn("audit append attempt failed",
			zap.String("org_id", event.OrgID),
			zap.String("event_type", string(event.Type)),
			zap.Int("attempt", attempt+1),
			zap.Error(err))
	}

	metrics.AuditAppendsTotal.WithLabelValues(string(event.Type), "failed").Inc()
	s.logger.Error("audit append exhausted retries",
		zap.String("org_id", event.OrgID),
		zap.String("event_type", string(event.Type)),
		zap.Error(lastErr))
	return nil, errors.NewAuditAppendError("audit event could not be persisted").WithCause(lastErr)
}

// GetTrail returns an org's audit trail and records the read itself as a
// PHI_ACCESS event attributed to the requesting actor, with the number of
// events returned as the touched-record count. The follow-up write goes
// through Append so a trail scrape feeds bulk-access detection.
func (s *Service) GetTrail(ctx context.Context, orgID, actorID string, filter TrailFilter) ([]*audit.Event, error) {
	events, err := s.repo.ListByOrg(ctx, orgID, filter)
	if err != nil {
		return nil, errors.Wrap(err, "list audit trail")
	}

	access, err := audit.NewEvent(audit.EventTypePHIAccess, orgID, &actorID, map[string]interface{}{
		"action":          "audit_trail_read",
		"events_returned": len(events),
	})
	if err != nil {
		return nil, errors.Wrap(err, "build trail access event")
	}
	access.WithRecordsTouched(len(events))

	if _, err := s.Append(ctx, access); err != nil {
		return nil, err
	}
	return events, nil
}
