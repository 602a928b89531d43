package override

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/clinsafe/clinical-safety-backend/internal/domain/audit"
	"github.com/clinsafe/clinical-safety-backend/internal/domain/errors"
	"github.com/clinsafe/clinical-safety-backend/internal/domain/rules"
	"github.com/clinsafe/clinical-safety-backend/internal/domain/values"
	"github.com/clinsafe/clinical-safety-backend/internal/domain/verdict"
)

// memVerdicts is a minimal VerdictSource
type memVerdicts struct {
	mu       sync.Mutex
	verdicts map[uuid.UUID]*verdict.TrafficLightResult
	resolved map[uuid.UUID]bool
}

func newMemVerdicts(results ...*verdict.TrafficLightResult) *memVerdicts {
	s := &memVerdicts{
		verdicts: make(map[uuid.UUID]*verdict.TrafficLightResult),
		resolved: make(map[uuid.UUID]bool),
	}
	for _, r := range results {
		s.verdicts[r.ID] = r
	}
	return s
}

func (s *memVerdicts) Get(orgID string, id uuid.UUID) (*verdict.TrafficLightResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	result, ok := s.verdicts[id]
	if !ok || result.OrgID != orgID || s.resolved[id] {
		return nil, errors.NewNotFoundError("verdict")
	}
	return result, nil
}

func (s *memVerdicts) Resolve(orgID string, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resolved[id] = true
	return nil
}

// memOverrideRepo persists atomically or fails entirely
type memOverrideRepo struct {
	mu      sync.Mutex
	records []*audit.OverrideRecord
	events  []*audit.Event
	fail    bool
}

func (r *memOverrideRepo) SaveWithAudit(ctx context.Context, record *audit.OverrideRecord, event *audit.Event) (*audit.Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return nil, fmt.Errorf("transaction aborted")
	}
	if err := event.Seal(values.MustNewSequenceNumber(int64(len(r.events)+1)), values.HashValue{}); err != nil {
		return nil, err
	}
	r.records = append(r.records, record)
	r.events = append(r.events, event)
	return event, nil
}

func (r *memOverrideRepo) GetByID(ctx context.Context, orgID string, id uuid.UUID) (*audit.OverrideRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, record := range r.records {
		if record.ID == id && record.OrgID == orgID {
			return record, nil
		}
	}
	return nil, errors.NewNotFoundError("override record")
}

func redVerdict(orgID string, canOverride bool) *verdict.TrafficLightResult {
	return &verdict.TrafficLightResult{
		ID:          uuid.New(),
		OrgID:       orgID,
		PatientID:   "pat-1",
		Color:       verdict.ColorRed,
		CanOverride: canOverride,
		Signals: []*rules.Alert{
			{RuleID: "ddi.warfarin-nsaid", Severity: rules.SeverityCritical},
			{RuleID: "dup.same-class-therapy", Severity: rules.SeverityWarning},
		},
	}
}

func fixture(results ...*verdict.TrafficLightResult) (*Service, *memVerdicts, *memOverrideRepo) {
	verdicts := newMemVerdicts(results...)
	repo := &memOverrideRepo{}
	svc := NewService(verdicts, repo, nil, zap.NewNop())
	return svc, verdicts, repo
}

func TestSubmit_OverrideWithJustification(t *testing.T) {
	result := redVerdict("org-1", true)
	svc, verdicts, repo := fixture(result)

	confirmation, err := svc.Submit(context.Background(), Request{
		OrgID:            "org-1",
		ActorID:          "dr-silva",
		AssuranceEventID: result.ID,
		Decision:         json.RawMessage(`{"action":"prescribe"}`),
		Override:         true,
		Reason:           "Patient tolerated this combination previously",
	})
	require.NoError(t, err)

	assert.Equal(t, "Override recorded with justification", confirmation.Message)
	require.Len(t, repo.records, 1)
	require.Len(t, repo.events, 1)
	assert.Equal(t, audit.EventTypeOverride, repo.events[0].Type)
	assert.True(t, repo.events[0].IsSealed())

	require.Len(t, confirmation.Record.Signals, 2)
	assert.Equal(t, "RED", confirmation.Record.Signals[0].Color)
	assert.Equal(t, "YELLOW", confirmation.Record.Signals[1].Color)

	assert.True(t, verdicts.resolved[result.ID], "the verdict is consumed")
}

func TestSubmit_ShortReasonRejected(t *testing.T) {
	result := redVerdict("org-1", true)
	svc, _, repo := fixture(result)

	_, err := svc.Submit(context.Background(), Request{
		OrgID:            "org-1",
		ActorID:          "dr-silva",
		AssuranceEventID: result.ID,
		Override:         true,
		Reason:           "short",
	})
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, "JUSTIFICATION_TOO_SHORT"))
	assert.Empty(t, repo.records, "nothing persists on a policy violation")
}

func TestSubmit_NonOverridableRejectedRegardlessOfReason(t *testing.T) {
	result := redVerdict("org-1", false)
	svc, verdicts, repo := fixture(result)

	_, err := svc.Submit(context.Background(), Request{
		OrgID:            "org-1",
		ActorID:          "dr-silva",
		AssuranceEventID: result.ID,
		Override:         true,
		Reason:           "A perfectly long and detailed justification",
	})
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, "OVERRIDE_NOT_PERMITTED"))
	assert.Empty(t, repo.records)
	assert.False(t, verdicts.resolved[result.ID])
}

func TestSubmit_DecisionWithoutOverride(t *testing.T) {
	// Recording a plain decision needs no reason even on a blocked verdict
	result := redVerdict("org-1", false)
	svc, _, repo := fixture(result)

	confirmation, err := svc.Submit(context.Background(), Request{
		OrgID:            "org-1",
		ActorID:          "dr-silva",
		AssuranceEventID: result.ID,
		Override:         false,
	})
	require.NoError(t, err)
	assert.Equal(t, "Decision recorded", confirmation.Message)
	require.Len(t, repo.records, 1)
	assert.False(t, repo.records[0].Override)
}

func TestSubmit_UnknownVerdict(t *testing.T) {
	svc, _, _ := fixture()

	_, err := svc.Submit(context.Background(), Request{
		OrgID:            "org-1",
		ActorID:          "dr-silva",
		AssuranceEventID: uuid.New(),
		Override:         true,
		Reason:           "A perfectly long justification",
	})
	assert.Error(t, err)
}

func TestSubmit_ResolvedVerdictCannotBeOverriddenTwice(t *testing.T) {
	result := redVerdict("org-1", true)
	svc, _, _ := fixture(result)
	ctx := context.Background()

	req := Request{
		OrgID:            "org-1",
		ActorID:          "dr-silva",
		AssuranceEventID: result.ID,
		Override:         true,
		Reason:           "Patient tolerated this combination previously",
	}
	_, err := svc.Submit(ctx, req)
	require.NoError(t, err)

	_, err = svc.Submit(ctx, req)
	assert.Error(t, err, "a fresh evaluation is required after an override")
}

func TestGet_ReturnsRecordedOverride(t *testing.T) {
	result := redVerdict("org-1", true)
	svc, _, _ := fixture(result)
	ctx := context.Background()

	confirmation, err := svc.Submit(ctx, Request{
		OrgID:            "org-1",
		ActorID:          "dr-silva",
		AssuranceEventID: result.ID,
		Override:         true,
		Reason:           "Patient tolerated this combination previously",
	})
	require.NoError(t, err)

	record, err := svc.Get(ctx, "org-1", confirmation.Record.ID)
	require.NoError(t, err)
	assert.Equal(t, confirmation.Record.ID, record.ID)
	assert.Equal(t, "dr-silva", record.ActorID)

	// Another tenant cannot see the record
	_, err = svc.Get(ctx, "org-2", confirmation.Record.ID)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeNotFound))
}

func TestSubmit_PersistenceFailureSurfaced(t *testing.T) {
	result := redVerdict("org-1", true)
	svc, verdicts, repo := fixture(result)
	repo.fail = true

	_, err := svc.Submit(context.Background(), Request{
		OrgID:            "org-1",
		ActorID:          "dr-silva",
		AssuranceEventID: result.ID,
		Override:         true,
		Reason:           "Patient tolerated this combination previously",
	})
	require.Error(t, err)
	assert.False(t, verdicts.resolved[result.ID],
		"the verdict stays addressable when persistence fails")
}
