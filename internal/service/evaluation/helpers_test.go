package evaluation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/clinsafe/clinical-safety-backend/internal/domain/audit"
	"github.com/clinsafe/clinical-safety-backend/internal/domain/clinical"
	"github.com/clinsafe/clinical-safety-backend/internal/domain/rules"
	"github.com/clinsafe/clinical-safety-backend/internal/domain/values"
)

// captureLedger records appended events and can be told to fail
type captureLedger struct {
	mu     sync.Mutex
	events []*audit.Event
	fail   bool
}

func (l *captureLedger) Append(ctx context.Context, event *audit.Event) (*audit.Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fail {
		return nil, fmt.Errorf("ledger unavailable")
	}
	if err := event.Seal(values.MustNewSequenceNumber(int64(len(l.events)+1)), values.HashValue{}); err != nil {
		return nil, err
	}
	l.events = append(l.events, event)
	return event, nil
}

func (l *captureLedger) ofType(eventType audit.EventType) []*audit.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []*audit.Event
	for _, event := range l.events {
		if event.Type == eventType {
			out = append(out, event)
		}
	}
	return out
}

// memStates is an in-memory StateStore
type memStates struct {
	mu     sync.Mutex
	states map[string]bool
	fail   bool
}

func newMemStates() *memStates { return &memStates{states: make(map[string]bool)} }

func (s *memStates) SaveState(ctx context.Context, ruleID string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return fmt.Errorf("state store unavailable")
	}
	s.states[ruleID] = enabled
	return nil
}

func (s *memStates) LoadStates(ctx context.Context) (map[string]bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return nil, fmt.Errorf("state store unavailable")
	}
	out := make(map[string]bool, len(s.states))
	for k, v := range s.states {
		out[k] = v
	}
	return out, nil
}

// testRule builds a minimal valid definition whose evaluator is supplied by
// the test
func testRule(id string, severity rules.Severity, priority int, eval rules.Evaluator) *rules.Definition {
	return &rules.Definition{
		ID:           id,
		Name:         "rule " + id,
		Category:     rules.CategoryDrugInteraction,
		Severity:     severity,
		Priority:     priority,
		TriggerHooks: []clinical.HookType{clinical.HookMedicationPrescribe},
		Evidence:     rules.EvidenceB,
		Evaluate:     eval,
	}
}

func firing(def *rules.Definition) rules.Evaluator {
	return func(ctx *clinical.InputContext) (*rules.Alert, error) {
		return rules.NewAlert(def, "fired "+def.ID, ""), nil
	}
}

func firingRule(id string, severity rules.Severity, priority int) *rules.Definition {
	def := testRule(id, severity, priority, nil)
	def.Evaluate = firing(def)
	return def
}

func silent() rules.Evaluator {
	return func(ctx *clinical.InputContext) (*rules.Alert, error) { return nil, nil }
}

func prescribeContext() *clinical.InputContext {
	return &clinical.InputContext{
		OrgID:      "org-1",
		PatientID:  "pat-1",
		Hook:       clinical.HookMedicationPrescribe,
		CapturedAt: time.Now().UTC(),
	}
}

func testLogger() *zap.Logger { return zap.NewNop() }
