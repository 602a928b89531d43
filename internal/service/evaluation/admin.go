package evaluation

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/clinsafe/clinical-safety-backend/internal/domain/audit"
	"github.com/clinsafe/clinical-safety-backend/internal/domain/errors"
	"github.com/clinsafe/clinical-safety-backend/internal/domain/rules"
)

// RuleView is the read model for catalog administration
type RuleView struct {
	ID             string                 `json:"id"`
	Name           string                 `json:"name"`
	Description    string                 `json:"description"`
	Category       rules.Category         `json:"category"`
	Severity       rules.Severity         `json:"severity"`
	Priority       int                    `json:"priority"`
	TriggerHooks   []string               `json:"trigger_hooks"`
	Evidence       rules.EvidenceStrength `json:"evidence"`
	NonOverridable bool                   `json:"non_overridable"`
	Enabled        bool                   `json:"enabled"`
}

// Admin is the catalog administration service. Toggles are the only runtime
// mutation of the catalog; each one is audited and written through to the
// state store so restarts and sibling instances converge.
type Admin struct {
	registry *rules.Registry
	states   StateStore
	ledger   Ledger
	logger   *zap.Logger
}

// NewAdmin creates the catalog admin service. states may be nil when no
// shared store is configured.
func NewAdmin(registry *rules.Registry, states StateStore, ledger Ledger, logger *zap.Logger) *Admin {
	return &Admin{
		registry: registry,
		states:   states,
		ledger:   ledger,
		logger:   logger,
	}
}

// List returns the catalog in registration order with current enabled state
func (a *Admin) List() []*RuleView {
	snapshot := a.registry.Snapshot()
	out := make([]*RuleView, 0, snapshot.Len())
	for _, registered := range snapshot.All() {
		def := registered.Definition
		hooks := make([]string, len(def.TriggerHooks))
		for i, hook := range def.TriggerHooks {
			hooks[i] = string(hook)
		}
		out = append(out, &RuleView{
			ID:             def.ID,
			Name:           def.Name,
			Description:    def.Description,
			Category:       def.Category,
			Severity:       def.Severity,
			Priority:       def.Priority,
			TriggerHooks:   hooks,
			Evidence:       def.Evidence,
			NonOverridable: def.NonOverridable,
			Enabled:        registered.Enabled,
		})
	}
	return out
}

// Version returns the current catalog snapshot version
func (a *Admin) Version() int64 {
	return a.registry.Snapshot().Version
}

// SetEnabled toggles a rule. The RULE_STATUS_CHANGED event is appended
// before the registry mutates so a change is never applied unaudited; a
// ledger failure aborts the toggle.
func (a *Admin) SetEnabled(ctx context.Context, ruleID string, enabled bool, actorID string) error {
	registered, ok := a.registry.Snapshot().Get(ruleID)
	if !ok {
		return errors.NewNotFoundError("rule")
	}
	if registered.Enabled == enabled {
		return nil
	}

	event, err := audit.NewEvent(audit.EventTypeRuleStatusChanged, "system", &actorID, map[string]interface{}{
		"rule_id": ruleID,
		"enabled": enabled,
	})
	if err != nil {
		return fmt.Errorf("build rule status event: %w", err)
	}
	if _, err := a.ledger.Append(ctx, event); err != nil {
		return err
	}

	if err := a.registry.SetEnabled(ruleID, enabled); err != nil {
		return err
	}

	if a.states != nil {
		if err := a.states.SaveState(ctx, ruleID, enabled); err != nil {
			a.logger.Warn("failed to persist rule state, siblings will diverge until restart",
				zap.String("rule_id", ruleID),
				zap.Error(err))
		}
	}

	a.logger.Info("rule status changed",
		zap.String("rule_id", ruleID),
		zap.Bool("enabled", enabled),
		zap.String("actor_id", actorID),
		zap.Int64("catalog_version", a.registry.Snapshot().Version))
	return nil
}

// ApplyStoredStates replays persisted toggles onto the registry at startup.
// Unknown rule IDs in the store are skipped: the catalog shipped with this
// build wins over stale state.
func (a *Admin) ApplyStoredStates(ctx context.Context) error {
	if a.states == nil {
		return nil
	}

	states, err := a.states.LoadStates(ctx)
	if err != nil {
		return fmt.Errorf("load rule states: %w", err)
	}

	snapshot := a.registry.Snapshot()
	for ruleID, enabled := range states {
		if _, ok := snapshot.Get(ruleID); !ok {
			a.logger.Warn("stored state references unknown rule", zap.String("rule_id", ruleID))
			continue
		}
		if err := a.registry.SetEnabled(ruleID, enabled); err != nil {
			return err
		}
	}
	return nil
}
