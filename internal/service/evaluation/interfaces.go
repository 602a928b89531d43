package evaluation

import (
	"context"

	"github.com/clinsafe/clinical-safety-backend/internal/domain/audit"
)

// Ledger is the audit write contract the engine depends on. Satisfied by the
// audit service; appends retry internally and fail closed on exhaustion.
type Ledger interface {
	Append(ctx context.Context, event *audit.Event) (*audit.Event, error)
}

// StateStore persists rule enabled/disabled toggles across restarts and
// instances. The registry remains the in-process source of truth for the
// hot path; the store is consulted at startup and written through on change.
type StateStore interface {
	SaveState(ctx context.Context, ruleID string, enabled bool) error
	LoadStates(ctx context.Context) (map[string]bool, error)
}
