package audit

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/clinsafe/clinical-safety-backend/internal/domain/audit"
	"github.com/clinsafe/clinical-safety-backend/internal/domain/errors"
	"github.com/clinsafe/clinical-safety-backend/internal/domain/values"
	"github.com/clinsafe/clinical-safety-backend/internal/metrics"
)

// IntegrityConfig tunes chain verification
type IntegrityConfig struct {
	BatchSize int `json:"batch_size"`
}

// DefaultIntegrityConfig returns sensible defaults
func DefaultIntegrityConfig() *IntegrityConfig {
	return &IntegrityConfig{
		BatchSize: 1000,
	}
}

// IntegrityService walks an org's chain out-of-band and reports breaks.
// It pages events in sequence order, recomputes every row hash and records
// the verification outcome in the ledger itself.
type IntegrityService struct {
	repo     EventRepository
	verifier *audit.ChainVerifier
	alerts   *AlertManager
	logger   *zap.Logger
	config   *IntegrityConfig
}

// NewIntegrityService creates the integrity service
func NewIntegrityService(repo EventRepository, alerts *AlertManager, logger *zap.Logger, config *IntegrityConfig) *IntegrityService {
	if config == nil {
		config = DefaultIntegrityConfig()
	}
	return &IntegrityService{
		repo:     repo,
		verifier: audit.NewChainVerifier(),
		alerts:   alerts,
		logger:   logger,
		config:   config,
	}
}

// VerifyChain verifies the full chain for one org. A detected break raises a
// CRITICAL alert; the outcome is appended as a CHAIN_VERIFICATION event
// either way so verification runs are themselves auditable.
func (s *IntegrityService) VerifyChain(ctx context.Context, orgID string) (*audit.VerificationResult, error) {
	start := time.Now()
	result := &audit.VerificationResult{
		OrgID:   orgID,
		IsValid: true,
	}

	var prevHash values.HashValue
	var prevSeq values.SequenceNumber

	for {
		batch, err := s.repo.ListByOrg(ctx, orgID, TrailFilter{
			AfterSequence: prevSeq,
			Limit:         s.config.BatchSize,
		})
		if err != nil {
			return nil, errors.Wrap(err, "load chain batch")
		}
		if len(batch) == 0 {
			break
		}

		partial := s.verifier.VerifyFrom(orgID, batch, prevHash, prevSeq)
		s.merge(result, partial)

		last := batch[len(batch)-1]
		prevHash = last.RowHash
		prevSeq = last.SequenceNum

		if len(batch) < s.config.BatchSize {
			break
		}
	}

	result.VerificationTime = time.Since(start)

	s.report(ctx, orgID, result)
	return result, nil
}

// merge folds one batch's result into the running total
func (s *IntegrityService) merge(total *audit.VerificationResult, partial *audit.VerificationResult) {
	total.EventsVerified += partial.EventsVerified

	for _, brk := range partial.Breaks {
		total.IsValid = false
		if total.FirstBreak == nil {
			total.FirstBreak = brk
		}
		total.Breaks = append(total.Breaks, brk)
	}
}

func (s *IntegrityService) report(ctx context.Context, orgID string, result *audit.VerificationResult) {
	if result.IsValid {
		metrics.ChainVerificationsTotal.WithLabelValues("valid").Inc()
		s.logger.Info("chain verification passed",
			zap.String("org_id", orgID),
			zap.Int("events_verified", result.EventsVerified),
			zap.Duration("elapsed", result.VerificationTime))
	} else {
		metrics.ChainVerificationsTotal.WithLabelValues("broken").Inc()
		s.logger.Error("chain verification failed",
			zap.String("org_id", orgID),
			zap.Int("events_verified", result.EventsVerified),
			zap.Int("breaks", len(result.Breaks)),
			zap.Int64("first_break_seq", result.FirstBreak.SequenceNum))

		alert := NewSecurityAlert(SystemClock(), orgID, "",
			AlertKindChainIntegrity, AlertSeverityCritical,
			"audit chain verification detected tampering or loss")
		alert.Details = map[string]interface{}{
			"first_break_seq":  result.FirstBreak.SequenceNum,
			"first_break_type": string(result.FirstBreak.BreakType),
			"break_count":      len(result.Breaks),
		}
		s.alerts.Raise(ctx, alert, false)
	}

	event, err := audit.NewEvent(audit.EventTypeChainVerification, orgID, nil, map[string]interface{}{
		"is_valid":        result.IsValid,
		"events_verified": result.EventsVerified,
		"break_count":     len(result.Breaks),
	})
	if err != nil {
		s.logger.Error("failed to build verification event", zap.Error(err))
		return
	}
	if _, err := s.repo.Append(ctx, event); err != nil {
		s.logger.Error("failed to record verification outcome", zap.Error(err))
	}
}
