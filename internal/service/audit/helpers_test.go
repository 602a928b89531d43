package audit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/clinsafe/clinical-safety-backend/internal/domain/audit"
	"github.com/clinsafe/clinical-safety-backend/internal/domain/values"
)

// memRepo is an in-memory EventRepository that seals events the way the
// Postgres store does: next per-org sequence, prev_hash from the chain tail.
type memRepo struct {
	mu     sync.Mutex
	chains map[string][]*audit.Event

	// scripted CountRecordsTouched results, consumed front to back
	counts []int

	// number of Append calls to fail before succeeding
	failAppends int

	// number of Append calls that seal the event and then fail, matching
	// the real store's order of seal before insert
	failSealed int
}

func newMemRepo() *memRepo {
	return &memRepo{chains: make(map[string][]*audit.Event)}
}

func (r *memRepo) Append(ctx context.Context, event *audit.Event) (*audit.Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.failAppends > 0 {
		r.failAppends--
		return nil, fmt.Errorf("connection reset by peer")
	}

	chain := r.chains[event.OrgID]
	var prevHash values.HashValue
	seq := values.FirstSequenceNumber()
	if n := len(chain); n > 0 {
		prevHash = chain[n-1].RowHash
		seq = chain[n-1].SequenceNum.Next()
	}
	if err := event.Seal(seq, prevHash); err != nil {
		return nil, err
	}
	if r.failSealed > 0 {
		r.failSealed--
		return nil, fmt.Errorf("unexpected EOF")
	}
	r.chains[event.OrgID] = append(chain, event)
	return event, nil
}

func (r *memRepo) ListByOrg(ctx context.Context, orgID string, filter TrailFilter) ([]*audit.Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*audit.Event
	for _, event := range r.chains[orgID] {
		if !filter.AfterSequence.IsZero() && event.SequenceNum.Value() <= filter.AfterSequence.Value() {
			continue
		}
		if len(filter.Types) > 0 && !containsType(filter.Types, event.Type) {
			continue
		}
		out = append(out, event)
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}

func (r *memRepo) CountRecordsTouched(ctx context.Context, orgID, userID string, window time.Duration) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.counts) > 0 {
		count := r.counts[0]
		r.counts = r.counts[1:]
		return count, nil
	}

	total := 0
	for _, event := range r.chains[orgID] {
		if event.UserID != nil && *event.UserID == userID {
			total += event.RecordsTouched
		}
	}
	return total, nil
}

func (r *memRepo) eventsOfType(orgID string, eventType audit.EventType) []*audit.Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*audit.Event
	for _, event := range r.chains[orgID] {
		if event.Type == eventType {
			out = append(out, event)
		}
	}
	return out
}

func containsType(types []audit.EventType, t audit.EventType) bool {
	for _, candidate := range types {
		if candidate == t {
			return true
		}
	}
	return false
}

// captureDispatcher records every alert it receives
type captureDispatcher struct {
	mu     sync.Mutex
	alerts []*SecurityAlert
}

func (d *captureDispatcher) Dispatch(ctx context.Context, alert *SecurityAlert) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.alerts = append(d.alerts, alert)
	return nil
}

func (d *captureDispatcher) ofKind(kind AlertKind) []*SecurityAlert {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []*SecurityAlert
	for _, alert := range d.alerts {
		if alert.Kind == kind {
			out = append(out, alert)
		}
	}
	return out
}

// fixedClock is a settable clock for deterministic tests
type fixedClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFixedClock(t time.Time) *fixedClock { return &fixedClock{t: t} }

func (c *fixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fixedClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func strPtr(s string) *string { return &s }

func testLogger() *zap.Logger { return zap.NewNop() }
