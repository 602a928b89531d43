package audit

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/clinsafe/clinical-safety-backend/internal/domain/audit"
	"github.com/clinsafe/clinical-safety-backend/internal/metrics"
)

// AlertKind identifies the anomaly class behind a security alert
type AlertKind string

const (
	AlertKindBulkAccess     AlertKind = "BULK_ACCESS"
	AlertKindOffHoursAccess AlertKind = "OFF_HOURS_ACCESS"
	AlertKindChainIntegrity AlertKind = "CHAIN_INTEGRITY"
)

// AlertSeverity ranks security alerts for routing
type AlertSeverity string

const (
	AlertSeverityMedium   AlertSeverity = "MEDIUM"
	AlertSeverityHigh     AlertSeverity = "HIGH"
	AlertSeverityCritical AlertSeverity = "CRITICAL"
)

// SecurityAlert is an anomaly surfaced by ledger monitoring. Alerts are
// informational for operators; they never gate the write that produced them.
type SecurityAlert struct {
	ID        uuid.UUID              `json:"id"`
	OrgID     string                 `json:"org_id"`
	UserID    string                 `json:"user_id,omitempty"`
	Kind      AlertKind              `json:"kind"`
	Severity  AlertSeverity          `json:"severity"`
	Message   string                 `json:"message"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// NewSecurityAlert creates a security alert stamped with the given clock
func NewSecurityAlert(clock Clock, orgID, userID string, kind AlertKind, severity AlertSeverity, message string) *SecurityAlert {
	return &SecurityAlert{
		ID:        uuid.New(),
		OrgID:     orgID,
		UserID:    userID,
		Kind:      kind,
		Severity:  severity,
		Message:   message,
		Timestamp: clock.Now().UTC(),
	}
}

// AlertManagerConfig tunes alert suppression
type AlertManagerConfig struct {
	Cooldown time.Duration `json:"cooldown"`
}

// DefaultAlertManagerConfig returns sensible defaults
func DefaultAlertManagerConfig() *AlertManagerConfig {
	return &AlertManagerConfig{
		Cooldown: 5 * time.Minute,
	}
}

// AlertManager fans security alerts out to the configured dispatchers and
// records each raised alert in the ledger. A per-org, per-kind cooldown
// suppresses repeats; the bulk-access latch in the detector handles its own
// exactly-once semantics and bypasses the cooldown.
type AlertManager struct {
	repo        EventRepository
	dispatchers []AlertDispatcher
	logger      *zap.Logger
	clock       Clock
	config      *AlertManagerConfig

	mu       sync.Mutex
	lastSent map[string]time.Time
}

// NewAlertManager creates an alert manager
func NewAlertManager(repo EventRepository, dispatchers []AlertDispatcher, logger *zap.Logger, clock Clock, config *AlertManagerConfig) *AlertManager {
	if config == nil {
		config = DefaultAlertManagerConfig()
	}
	if clock == nil {
		clock = SystemClock()
	}
	return &AlertManager{
		repo:        repo,
		dispatchers: dispatchers,
		logger:      logger,
		clock:       clock,
		config:      config,
		lastSent:    make(map[string]time.Time),
	}
}

// Raise delivers an alert unless it is inside the cooldown window. Set
// bypassCooldown for alerts whose producer already deduplicates.
func (m *AlertManager) Raise(ctx context.Context, alert *SecurityAlert, bypassCooldown bool) {
	if !bypassCooldown && m.inCooldown(alert) {
		m.logger.Debug("security alert suppressed by cooldown",
			zap.String("org_id", alert.OrgID),
			zap.String("kind", string(alert.Kind)))
		return
	}

	metrics.SecurityAlertsTotal.WithLabelValues(string(alert.Kind), string(alert.Severity)).Inc()
	m.logger.Warn("security alert raised",
		zap.String("alert_id", alert.ID.String()),
		zap.String("org_id", alert.OrgID),
		zap.String("user_id", alert.UserID),
		zap.String("kind", string(alert.Kind)),
		zap.String("severity", string(alert.Severity)),
		zap.String("message", alert.Message))

	m.record(ctx, alert)

	for _, d := range m.dispatchers {
		if err := d.Dispatch(ctx, alert); err != nil {
			m.logger.Error("alert dispatch failed",
				zap.String("alert_id", alert.ID.String()),
				zap.Error(err))
		}
	}
}

func (m *AlertManager) inCooldown(alert *SecurityAlert) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := alert.OrgID + ":" + string(alert.Kind)
	now := m.clock.Now()
	if last, ok := m.lastSent[key]; ok && now.Sub(last) < m.config.Cooldown {
		return true
	}
	m.lastSent[key] = now
	return false
}

// record appends a SECURITY_ALERT event so the alert itself is part of the
// tamper-evident trail. SECURITY_ALERT events carry no PHI and are not
// re-inspected, so this cannot recurse.
func (m *AlertManager) record(ctx context.Context, alert *SecurityAlert) {
	event, err := audit.NewEvent(audit.EventTypeSecurityAlert, alert.OrgID, nil, alert)
	if err != nil {
		m.logger.Error("failed to build security alert event", zap.Error(err))
		return
	}
	if _, err := m.repo.Append(ctx, event); err != nil {
		m.logger.Error("failed to record security alert in ledger",
			zap.String("alert_id", alert.ID.String()),
			zap.Error(err))
	}
}
