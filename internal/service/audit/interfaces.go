package audit

import (
	"context"
	"time"

	"github.com/clinsafe/clinical-safety-backend/internal/domain/audit"
	"github.com/clinsafe/clinical-safety-backend/internal/domain/values"
)

// EventRepository is the append-only persistence contract for the ledger.
// Append assigns the next per-org sequence number, links prev_hash and seals
// the row hash inside a single transaction. The store never exposes update
// or delete operations.
type EventRepository interface {
	Append(ctx context.Context, event *audit.Event) (*audit.Event, error)
	ListByOrg(ctx context.Context, orgID string, filter TrailFilter) ([]*audit.Event, error)
	CountRecordsTouched(ctx context.Context, orgID, userID string, window time.Duration) (int, error)
}

// TrailFilter narrows a trail query. Zero values mean "no constraint".
type TrailFilter struct {
	Types         []audit.EventType
	UserID        *string
	From          time.Time
	To            time.Time
	AfterSequence values.SequenceNumber
	Limit         int
}

// AlertDispatcher delivers a security alert to one sink (log, websocket,
// pager). Dispatch failures never block ledger writes.
type AlertDispatcher interface {
	Dispatch(ctx context.Context, alert *SecurityAlert) error
}

// Clock abstracts time for the anomaly detector and rate-limited logging
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock returns the wall clock
func SystemClock() Clock { return systemClock{} }
