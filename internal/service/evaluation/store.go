package evaluation

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/clinsafe/clinical-safety-backend/internal/domain/errors"
	"github.com/clinsafe/clinical-safety-backend/internal/domain/verdict"
)

// VerdictStore holds recent verdicts in memory so the override workflow can
// resolve an assurance event ID back to the verdict it refers to. Clinical
// context is stale after seconds, so entries carry a short TTL and are never
// persisted; a missing entry just forces a fresh evaluation.
type VerdictStore struct {
	mu      sync.Mutex
	entries map[uuid.UUID]*storedVerdict
	ttl     time.Duration
	now     func() time.Time
}

type storedVerdict struct {
	result    *verdict.TrafficLightResult
	expiresAt time.Time
	resolved  bool
}

// DefaultVerdictTTL bounds how long an unresolved verdict stays addressable
const DefaultVerdictTTL = 15 * time.Minute

// NewVerdictStore creates a verdict store. A zero ttl uses the default.
func NewVerdictStore(ttl time.Duration) *VerdictStore {
	if ttl <= 0 {
		ttl = DefaultVerdictTTL
	}
	return &VerdictStore{
		entries: make(map[uuid.UUID]*storedVerdict),
		ttl:     ttl,
		now:     time.Now,
	}
}

// Put stores a fresh verdict and opportunistically sweeps expired entries
func (s *VerdictStore) Put(result *verdict.TrafficLightResult) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for id, entry := range s.entries {
		if now.After(entry.expiresAt) {
			delete(s.entries, id)
		}
	}

	s.entries[result.ID] = &storedVerdict{
		result:    result,
		expiresAt: now.Add(s.ttl),
	}
}

// Get returns the unresolved, unexpired verdict for the given assurance
// event ID, scoped to the org that produced it.
func (s *VerdictStore) Get(orgID string, id uuid.UUID) (*verdict.TrafficLightResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[id]
	if !ok || entry.result.OrgID != orgID {
		return nil, errors.NewNotFoundError("verdict")
	}
	if entry.resolved {
		return nil, errors.NewConflictError("verdict already resolved, re-evaluate to get a fresh one")
	}
	if s.now().After(entry.expiresAt) {
		delete(s.entries, id)
		return nil, errors.NewNotFoundError("verdict")
	}
	return entry.result, nil
}

// Resolve marks a verdict consumed by a successful override. Subsequent
// lookups fail until a fresh evaluation produces a new verdict.
func (s *VerdictStore) Resolve(orgID string, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[id]
	if !ok || entry.result.OrgID != orgID {
		return errors.NewNotFoundError("verdict")
	}
	entry.resolved = true
	return nil
}

// Len reports the live entry count, expired entries included until sweep
func (s *VerdictStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
