package rules

import (
	"sync"
	"sync/atomic"

	"github.com/clinsafe/clinical-safety-backend/internal/domain/clinical"
	"github.com/clinsafe/clinical-safety-backend/internal/domain/errors"
)

// Registry holds the rule catalog. Definitions are immutable once
// registered; enable/disable produces a new versioned snapshot via
// copy-on-write, so in-flight evaluations always see a consistent view.
type Registry struct {
	mu      sync.Mutex // serializes registration and toggles
	current atomic.Pointer[Snapshot]
}

// Snapshot is an immutable view of the catalog at a version
type Snapshot struct {
	Version int64
	rules   []*RegisteredRule
	byID    map[string]*RegisteredRule
}

// RegisteredRule pairs a definition with its runtime state
type RegisteredRule struct {
	Definition *Definition
	Enabled    bool
	// Index is the registration order, the final tie-breaker for
	// deterministic alert ordering.
	Index int
}

// NewRegistry creates an empty registry at version 0
func NewRegistry() *Registry {
	r := &Registry{}
	r.current.Store(&Snapshot{
		Version: 0,
		rules:   nil,
		byID:    map[string]*RegisteredRule{},
	})
	return r
}

// Register validates and adds definitions, enabled by default. Duplicate
// IDs are rejected. Produces a new snapshot version.
func (r *Registry) Register(defs ...*Definition) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev := r.current.Load()

	next := prev.clone()
	for _, def := range defs {
		if err := def.Validate(); err != nil {
			return errors.NewValidationError("INVALID_RULE", "rule definition rejected").WithCause(err)
		}
		if _, exists := next.byID[def.ID]; exists {
			return errors.NewConflictError("rule " + def.ID + " is already registered")
		}
		reg := &RegisteredRule{
			Definition: def,
			Enabled:    true,
			Index:      len(next.rules),
		}
		next.rules = append(next.rules, reg)
		next.byID[def.ID] = reg
	}

	next.Version = prev.Version + 1
	r.current.Store(next)
	return nil
}

// SetEnabled toggles a rule, producing a new snapshot version. This is the
// only runtime mutation the catalog supports.
func (r *Registry) SetEnabled(id string, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev := r.current.Load()
	if _, exists := prev.byID[id]; !exists {
		return errors.ErrRuleNotFound
	}

	next := prev.clone()
	reg := next.byID[id]
	if reg.Enabled == enabled {
		return nil // no-op, keep the current version
	}
	reg.Enabled = enabled

	next.Version = prev.Version + 1
	r.current.Store(next)
	return nil
}

// Snapshot returns the current immutable catalog view
func (r *Registry) Snapshot() *Snapshot {
	return r.current.Load()
}

// clone deep-copies the registered-rule wrappers (definitions themselves
// are shared: they are immutable)
func (s *Snapshot) clone() *Snapshot {
	next := &Snapshot{
		Version: s.Version,
		rules:   make([]*RegisteredRule, len(s.rules)),
		byID:    make(map[string]*RegisteredRule, len(s.byID)),
	}
	for i, reg := range s.rules {
		copied := *reg
		next.rules[i] = &copied
		next.byID[copied.Definition.ID] = &copied
	}
	return next
}

// Candidates returns the enabled rules that trigger on the given hook, in
// registration order
func (s *Snapshot) Candidates(hook clinical.HookType) []*RegisteredRule {
	var out []*RegisteredRule
	for _, reg := range s.rules {
		if reg.Enabled && reg.Definition.TriggersOn(hook) {
			out = append(out, reg)
		}
	}
	return out
}

// Get looks up a registered rule by ID
func (s *Snapshot) Get(id string) (*RegisteredRule, bool) {
	reg, ok := s.byID[id]
	return reg, ok
}

// All returns every registered rule in registration order
func (s *Snapshot) All() []*RegisteredRule {
	out := make([]*RegisteredRule, len(s.rules))
	copy(out, s.rules)
	return out
}

// Len returns the number of registered rules
func (s *Snapshot) Len() int {
	return len(s.rules)
}
