package audit

import (
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// RateLimitedLogger caps the emission rate of a noisy log site. Off-hours
// access inside the monitoring window can fire on every PHI event for the
// same session; the limiter keeps the log readable while the alert path
// stays unthrottled.
type RateLimitedLogger struct {
	logger  *zap.Logger
	limiter *rate.Limiter
	clock   Clock
}

// NewRateLimitedLogger allows eventsPerMinute log lines with the given burst
func NewRateLimitedLogger(logger *zap.Logger, clock Clock, eventsPerMinute float64, burst int) *RateLimitedLogger {
	if clock == nil {
		clock = SystemClock()
	}
	return &RateLimitedLogger{
		logger:  logger,
		limiter: rate.NewLimiter(rate.Limit(eventsPerMinute/60.0), burst),
		clock:   clock,
	}
}

// Warn logs at warn level if the limiter admits the line
func (l *RateLimitedLogger) Warn(msg string, fields ...zap.Field) {
	if l.limiter.AllowN(l.clock.Now(), 1) {
		l.logger.Warn(msg, fields...)
	}
}

// Info logs at info level if the limiter admits the line
func (l *RateLimitedLogger) Info(msg string, fields ...zap.Field) {
	if l.limiter.AllowN(l.clock.Now(), 1) {
		l.logger.Info(msg, fields...)
	}
}
