package cache

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const ruleStatesKey = "clinsafe:catalog:rule_states"

// RuleStateStore keeps rule enable/disable toggles in Redis so every
// instance converges on the same catalog state. The in-process registry
// stays authoritative on the hot path; this store is consulted at startup
// and written through on each toggle.
type RuleStateStore struct {
	client *redis.Client
	logger *zap.Logger
}

// NewRuleStateStore creates the store and verifies connectivity
func NewRuleStateStore(client *redis.Client, logger *zap.Logger) (*RuleStateStore, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	return &RuleStateStore{
		client: client,
		logger: logger,
	}, nil
}

// NewRedisClient builds a client from address, password, db
func NewRedisClient(addr, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
}

// SaveState writes one rule's toggle through to Redis
func (s *RuleStateStore) SaveState(ctx context.Context, ruleID string, enabled bool) error {
	if err := s.client.HSet(ctx, ruleStatesKey, ruleID, strconv.FormatBool(enabled)).Err(); err != nil {
		return fmt.Errorf("save rule state: %w", err)
	}
	s.logger.Debug("rule state persisted",
		zap.String("rule_id", ruleID),
		zap.Bool("enabled", enabled))
	return nil
}

// LoadStates returns every persisted toggle. Entries that do not parse are
// skipped with a warning rather than failing startup.
func (s *RuleStateStore) LoadStates(ctx context.Context) (map[string]bool, error) {
	raw, err := s.client.HGetAll(ctx, ruleStatesKey).Result()
	if err != nil {
		return nil, fmt.Errorf("load rule states: %w", err)
	}

	states := make(map[string]bool, len(raw))
	for ruleID, value := range raw {
		enabled, err := strconv.ParseBool(value)
		if err != nil {
			s.logger.Warn("skipping unparsable rule state",
				zap.String("rule_id", ruleID),
				zap.String("value", value))
			continue
		}
		states[ruleID] = enabled
	}
	return states, nil
}
