package audit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/clinsafe/clinical-safety-backend/internal/domain/audit"
)

// AnomalyDetectorConfig tunes the access-pattern monitors
type AnomalyDetectorConfig struct {
	BulkAccessThreshold int            `json:"bulk_access_threshold"`
	BulkAccessWindow    time.Duration  `json:"bulk_access_window"`
	OffHoursStart       int            `json:"off_hours_start"`
	OffHoursEnd         int            `json:"off_hours_end"`
	OffHoursRecordFloor int            `json:"off_hours_record_floor"`
	Location            *time.Location `json:"-"`
}

// DefaultAnomalyDetectorConfig returns the compliance defaults: more than
// 100 patient records in a rolling 60 minute window, quiet hours 02:00-05:00.
func DefaultAnomalyDetectorConfig() *AnomalyDetectorConfig {
	return &AnomalyDetectorConfig{
		BulkAccessThreshold: 100,
		BulkAccessWindow:    60 * time.Minute,
		OffHoursStart:       2,
		OffHoursEnd:         5,
		OffHoursRecordFloor: 5,
		Location:            time.UTC,
	}
}

// AnomalyDetector inspects PHI-touching ledger events after they commit and
// raises security alerts for suspicious access patterns. Inspection is
// fail-open: a detector error never rolls back or blocks the audited write.
type AnomalyDetector struct {
	repo   EventRepository
	alerts *AlertManager
	logger *zap.Logger
	offLog *RateLimitedLogger
	clock  Clock
	config *AnomalyDetectorConfig

	mu       sync.Mutex
	elevated map[string]bool
}

// NewAnomalyDetector creates an anomaly detector
func NewAnomalyDetector(repo EventRepository, alerts *AlertManager, logger *zap.Logger, clock Clock, config *AnomalyDetectorConfig) *AnomalyDetector {
	if config == nil {
		config = DefaultAnomalyDetectorConfig()
	}
	if config.Location == nil {
		config.Location = time.UTC
	}
	if clock == nil {
		clock = SystemClock()
	}
	return &AnomalyDetector{
		repo:     repo,
		alerts:   alerts,
		logger:   logger,
		offLog:   NewRateLimitedLogger(logger, clock, 6, 3),
		clock:    clock,
		config:   config,
		elevated: make(map[string]bool),
	}
}

// Inspect runs all monitors against a freshly committed event. Only events
// that touch PHI and carry a user are inspected; system writes are exempt.
func (d *AnomalyDetector) Inspect(ctx context.Context, event *audit.Event) {
	if !event.Type.TouchesPHI() || event.UserID == nil {
		return
	}

	d.checkBulkAccess(ctx, event)
	d.checkOffHours(ctx, event)
}

// checkBulkAccess raises a HIGH alert the moment a user's touched-record
// count crosses the threshold, and not again until the rolling window count
// has dropped back to the threshold or below. Each crossing alerts exactly
// once regardless of how many events arrive while elevated.
func (d *AnomalyDetector) checkBulkAccess(ctx context.Context, event *audit.Event) {
	count, err := d.repo.CountRecordsTouched(ctx, event.OrgID, *event.UserID, d.config.BulkAccessWindow)
	if err != nil {
		d.logger.Error("bulk access check failed",
			zap.String("org_id", event.OrgID),
			zap.Error(err))
		return
	}

	key := event.OrgID + ":" + *event.UserID

	d.mu.Lock()
	wasElevated := d.elevated[key]
	nowElevated := count > d.config.BulkAccessThreshold
	d.elevated[key] = nowElevated
	d.mu.Unlock()

	if nowElevated && !wasElevated {
		alert := NewSecurityAlert(d.clock, event.OrgID, *event.UserID,
			AlertKindBulkAccess, AlertSeverityHigh,
			fmt.Sprintf("user accessed %d patient records within %s", count, d.config.BulkAccessWindow))
		alert.Details = map[string]interface{}{
			"records_touched": count,
			"threshold":       d.config.BulkAccessThreshold,
			"window_minutes":  int(d.config.BulkAccessWindow.Minutes()),
		}
		d.alerts.Raise(ctx, alert, true)
	}
}

// checkOffHours flags operations inside the configured quiet hours that
// touch more than a handful of records. The alert manager's cooldown
// deduplicates the steady stream a night shift session produces.
func (d *AnomalyDetector) checkOffHours(ctx context.Context, event *audit.Event) {
	hour := event.Timestamp.In(d.config.Location).Hour()
	if hour < d.config.OffHoursStart || hour >= d.config.OffHoursEnd {
		return
	}
	if event.RecordsTouched <= d.config.OffHoursRecordFloor {
		return
	}

	d.offLog.Warn("off hours patient data access",
		zap.String("org_id", event.OrgID),
		zap.String("user_id", *event.UserID),
		zap.Int("hour", hour))

	alert := NewSecurityAlert(d.clock, event.OrgID, *event.UserID,
		AlertKindOffHoursAccess, AlertSeverityMedium,
		fmt.Sprintf("patient data accessed at %02d:00, inside quiet hours %02d:00-%02d:00",
			hour, d.config.OffHoursStart, d.config.OffHoursEnd))
	d.alerts.Raise(ctx, alert, false)
}
