package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/clinsafe/clinical-safety-backend/internal/catalog"
	"github.com/clinsafe/clinical-safety-backend/internal/domain/audit"
	"github.com/clinsafe/clinical-safety-backend/internal/domain/errors"
	"github.com/clinsafe/clinical-safety-backend/internal/domain/values"
	auditsvc "github.com/clinsafe/clinical-safety-backend/internal/service/audit"
	"github.com/clinsafe/clinical-safety-backend/internal/service/evaluation"
	"github.com/clinsafe/clinical-safety-backend/internal/service/override"
)

const testSecret = "test-secret"

// memRepo seals events the way the Postgres store does, in memory
type memRepo struct {
	mu     sync.Mutex
	chains map[string][]*audit.Event
}

func newMemRepo() *memRepo {
	return &memRepo{chains: make(map[string][]*audit.Event)}
}

func (r *memRepo) Append(ctx context.Context, event *audit.Event) (*audit.Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

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
	r.chains[event.OrgID] = append(chain, event)
	return event, nil
}

func (r *memRepo) ListByOrg(ctx context.Context, orgID string, filter auditsvc.TrailFilter) ([]*audit.Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*audit.Event
	for _, event := range r.chains[orgID] {
		if !filter.AfterSequence.IsZero() && event.SequenceNum.Value() <= filter.AfterSequence.Value() {
			continue
		}
		if len(filter.Types) > 0 {
			match := false
			for _, t := range filter.Types {
				if t == event.Type {
					match = true
					break
				}
			}
			if !match {
				continue
			}
		}
		out = append(out, event)
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}

func (r *memRepo) CountRecordsTouched(ctx context.Context, orgID, userID string, window time.Duration) (int, error) {
	return 0, nil
}

// memOverrideRepo persists override records against the in-memory chain
type memOverrideRepo struct {
	repo    *memRepo
	mu      sync.Mutex
	records []*audit.OverrideRecord
}

func (r *memOverrideRepo) SaveWithAudit(ctx context.Context, record *audit.OverrideRecord, event *audit.Event) (*audit.Event, error) {
	sealed, err := r.repo.Append(ctx, event)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.records = append(r.records, record)
	r.mu.Unlock()
	return sealed, nil
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

type harness struct {
	handler http.Handler
	repo    *memRepo
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := zap.NewNop()

	repo := newMemRepo()
	ledger := auditsvc.NewService(repo, nil, logger, nil)

	registry, err := catalog.NewRegistry()
	require.NoError(t, err)

	store := evaluation.NewVerdictStore(0)
	engine := evaluation.NewEngine(registry, ledger, store, logger)
	admin := evaluation.NewAdmin(registry, nil, ledger, logger)

	overrides := override.NewService(store, &memOverrideRepo{repo: repo}, nil, logger)

	alerts := auditsvc.NewAlertManager(repo, nil, logger, nil, nil)
	integrity := auditsvc.NewIntegrityService(repo, alerts, logger, nil)

	handler := NewHandler(&Services{
		Evaluation: engine,
		Overrides:  overrides,
		Audit:      ledger,
		Integrity:  integrity,
		Catalog:    admin,
	}, logger)

	return &harness{
		handler: handler.Routes(testSecret),
		repo:    repo,
	}
}

func signToken(t *testing.T, userID, orgID, role string) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, &Claims{
		UserID: userID,
		OrgID:  orgID,
		Role:   role,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return token
}

func (h *harness) do(t *testing.T, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, out interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), out))
}

func greenEvaluateBody() map[string]interface{} {
	return map[string]interface{}{
		"patient_id": "pat-001",
		"hook":       "patient_view",
	}
}

func warfarinNSAIDBody() map[string]interface{} {
	return map[string]interface{}{
		"patient_id":   "pat-002",
		"encounter_id": "enc-002",
		"hook":         "medication_prescribe",
		"medications": []map[string]interface{}{
			{"code": "B01AA03", "name": "Warfarin", "class": "anticoagulant"},
		},
		"proposed_medications": []map[string]interface{}{
			{"code": "M01AE01", "name": "Ibuprofen", "class": "nsaid"},
		},
	}
}

func TestRoutes_RequireAuth(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodPost, "/api/v1/evaluations", "", greenEvaluateBody())
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = h.do(t, http.MethodPost, "/api/v1/evaluations", "not-a-jwt", greenEvaluateBody())
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHandleEvaluate_Green(t *testing.T) {
	h := newHarness(t)
	token := signToken(t, "dr-house", "org-1", "clinician")

	rec := h.do(t, http.MethodPost, "/api/v1/evaluations", token, greenEvaluateBody())
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp struct {
		Verdict struct {
			Color               string `json:"color"`
			NeedsChatAssistance bool   `json:"needs_chat_assistance"`
			CanOverride         bool   `json:"can_override"`
		} `json:"verdict"`
		ChatSeed string `json:"chat_seed"`
	}
	decodeBody(t, rec, &resp)

	assert.Equal(t, "GREEN", resp.Verdict.Color)
	assert.False(t, resp.Verdict.NeedsChatAssistance)
	assert.False(t, resp.Verdict.CanOverride)
	assert.Empty(t, resp.ChatSeed)
}

func TestHandleEvaluate_RedVerdictCarriesChatSeed(t *testing.T) {
	h := newHarness(t)
	token := signToken(t, "dr-house", "org-1", "clinician")

	rec := h.do(t, http.MethodPost, "/api/v1/evaluations", token, warfarinNSAIDBody())
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp struct {
		Verdict struct {
			ID      string `json:"id"`
			Color   string `json:"color"`
			Signals []struct {
				RuleID string `json:"rule_id"`
			} `json:"signals"`
			NeedsChatAssistance bool `json:"needs_chat_assistance"`
			CanOverride         bool `json:"can_override"`
		} `json:"verdict"`
		ChatSeed string `json:"chat_seed"`
	}
	decodeBody(t, rec, &resp)

	assert.Equal(t, "RED", resp.Verdict.Color)
	assert.True(t, resp.Verdict.NeedsChatAssistance)
	assert.True(t, resp.Verdict.CanOverride)
	require.Len(t, resp.Verdict.Signals, 1)
	assert.Equal(t, "ddi.warfarin-nsaid", resp.Verdict.Signals[0].RuleID)
	assert.Contains(t, resp.ChatSeed, "RED")
}

func TestHandleEvaluate_ValidationFailure(t *testing.T) {
	h := newHarness(t)
	token := signToken(t, "dr-house", "org-1", "clinician")

	rec := h.do(t, http.MethodPost, "/api/v1/evaluations", token, map[string]interface{}{
		"hook": "patient_view",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	var resp errorResponse
	decodeBody(t, rec, &resp)
	assert.Equal(t, "VALIDATION_FAILED", resp.Error.Code)
}

func evaluateRed(t *testing.T, h *harness, token string) string {
	t.Helper()
	rec := h.do(t, http.MethodPost, "/api/v1/evaluations", token, warfarinNSAIDBody())
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp struct {
		Verdict struct {
			ID string `json:"id"`
		} `json:"verdict"`
	}
	decodeBody(t, rec, &resp)
	return resp.Verdict.ID
}

func TestHandleOverride_SuccessThenConflict(t *testing.T) {
	h := newHarness(t)
	token := signToken(t, "dr-house", "org-1", "clinician")
	verdictID := evaluateRed(t, h, token)

	body := map[string]interface{}{
		"assurance_event_id": verdictID,
		"override":           true,
		"reason":             "short NSAID course, INR check scheduled for Friday",
	}
	rec := h.do(t, http.MethodPost, "/api/v1/overrides", token, body)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var confirmation struct {
		Record struct {
			Override bool   `json:"override"`
			ActorID  string `json:"actor_id"`
		} `json:"record"`
		Message string `json:"message"`
	}
	decodeBody(t, rec, &confirmation)
	assert.True(t, confirmation.Record.Override)
	assert.NotEmpty(t, confirmation.Message)

	// the verdict is consumed; a second submission needs a fresh evaluation
	rec = h.do(t, http.MethodPost, "/api/v1/overrides", token, body)
	assert.Equal(t, http.StatusConflict, rec.Code, rec.Body.String())
}

func TestHandleGetOverride(t *testing.T) {
	h := newHarness(t)
	token := signToken(t, "dr-house", "org-1", "clinician")
	verdictID := evaluateRed(t, h, token)

	rec := h.do(t, http.MethodPost, "/api/v1/overrides", token, map[string]interface{}{
		"assurance_event_id": verdictID,
		"override":           true,
		"reason":             "short NSAID course, INR check scheduled for Friday",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var confirmation struct {
		Record struct {
			ID string `json:"id"`
		} `json:"record"`
	}
	decodeBody(t, rec, &confirmation)
	require.NotEmpty(t, confirmation.Record.ID)

	rec = h.do(t, http.MethodGet, "/api/v1/overrides/"+confirmation.Record.ID, token, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var fetched struct {
		ID       string `json:"id"`
		ActorID  string `json:"actor_id"`
		Override bool   `json:"override"`
	}
	decodeBody(t, rec, &fetched)
	assert.Equal(t, confirmation.Record.ID, fetched.ID)
	assert.Equal(t, "dr-house", fetched.ActorID)
	assert.True(t, fetched.Override)

	// other tenants get a 404, a malformed ID a 400
	other := signToken(t, "dr-else", "org-2", "clinician")
	rec = h.do(t, http.MethodGet, "/api/v1/overrides/"+confirmation.Record.ID, other, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = h.do(t, http.MethodGet, "/api/v1/overrides/not-a-uuid", token, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleOverride_ShortReasonRejected(t *testing.T) {
	h := newHarness(t)
	token := signToken(t, "dr-house", "org-1", "clinician")
	verdictID := evaluateRed(t, h, token)

	rec := h.do(t, http.MethodPost, "/api/v1/overrides", token, map[string]interface{}{
		"assurance_event_id": verdictID,
		"override":           true,
		"reason":             "ok",
	})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	var resp errorResponse
	decodeBody(t, rec, &resp)
	assert.Equal(t, "JUSTIFICATION_TOO_SHORT", resp.Error.Code)
}

func TestHandleOverride_CrossOrgVerdictHidden(t *testing.T) {
	h := newHarness(t)
	verdictID := evaluateRed(t, h, signToken(t, "dr-house", "org-1", "clinician"))

	rec := h.do(t, http.MethodPost, "/api/v1/overrides",
		signToken(t, "dr-else", "org-2", "clinician"), map[string]interface{}{
			"assurance_event_id": verdictID,
			"override":           true,
			"reason":             "a perfectly valid justification",
		})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleAuditTrail(t *testing.T) {
	h := newHarness(t)
	token := signToken(t, "dr-house", "org-1", "clinician")

	for i := 0; i < 3; i++ {
		rec := h.do(t, http.MethodPost, "/api/v1/evaluations", token, greenEvaluateBody())
		require.Equal(t, http.StatusOK, rec.Code)
	}

	rec := h.do(t, http.MethodGet, "/api/v1/audit/trail?type=EVALUATION", token, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp struct {
		Events []struct {
			Type  string `json:"type"`
			OrgID string `json:"org_id"`
		} `json:"events"`
		Count int `json:"count"`
	}
	decodeBody(t, rec, &resp)
	assert.Equal(t, 3, resp.Count)
	for _, event := range resp.Events {
		assert.Equal(t, "EVALUATION", event.Type)
		assert.Equal(t, "org-1", event.OrgID)
	}

	// the read itself lands in the trail as PHI_ACCESS
	phi, err := h.repo.ListByOrg(context.Background(), "org-1", auditsvc.TrailFilter{
		Types: []audit.EventType{audit.EventTypePHIAccess},
	})
	require.NoError(t, err)
	assert.Len(t, phi, 1)
}

func TestHandleAuditTrail_BadQuery(t *testing.T) {
	h := newHarness(t)
	token := signToken(t, "dr-house", "org-1", "clinician")

	rec := h.do(t, http.MethodGet, "/api/v1/audit/trail?type=NOT_A_TYPE", token, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(t, http.MethodGet, "/api/v1/audit/trail?limit=9999", token, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleVerifyChain(t *testing.T) {
	h := newHarness(t)
	token := signToken(t, "dr-house", "org-1", "clinician")

	for i := 0; i < 4; i++ {
		rec := h.do(t, http.MethodPost, "/api/v1/evaluations", token, greenEvaluateBody())
		require.Equal(t, http.StatusOK, rec.Code)
	}

	rec := h.do(t, http.MethodPost, "/api/v1/audit/verify", token, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp VerifyChainResponse
	decodeBody(t, rec, &resp)
	assert.True(t, resp.IsValid)
	assert.Equal(t, "org-1", resp.OrgID)
	assert.Equal(t, 4, resp.EventsVerified)
	assert.Zero(t, resp.BreakCount)
}

func TestHandleToggleRule_AdminOnly(t *testing.T) {
	h := newHarness(t)
	clinician := signToken(t, "dr-house", "org-1", "clinician")
	admin := signToken(t, "ops", "org-1", "admin")

	body := map[string]interface{}{"enabled": false}

	rec := h.do(t, http.MethodPatch, "/api/v1/catalog/rules/ddi.warfarin-nsaid", clinician, body)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = h.do(t, http.MethodPatch, "/api/v1/catalog/rules/ddi.warfarin-nsaid", admin, body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// the disabled rule no longer fires
	verdictRec := h.do(t, http.MethodPost, "/api/v1/evaluations", clinician, warfarinNSAIDBody())
	require.Equal(t, http.StatusOK, verdictRec.Code)
	var resp struct {
		Verdict struct {
			Color string `json:"color"`
		} `json:"verdict"`
	}
	decodeBody(t, verdictRec, &resp)
	assert.Equal(t, "GREEN", resp.Verdict.Color)
}

func TestHandleToggleRule_UnknownRule(t *testing.T) {
	h := newHarness(t)
	admin := signToken(t, "ops", "org-1", "admin")

	rec := h.do(t, http.MethodPatch, "/api/v1/catalog/rules/no.such.rule", admin, map[string]interface{}{
		"enabled": false,
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleListRules(t *testing.T) {
	h := newHarness(t)
	token := signToken(t, "dr-house", "org-1", "clinician")

	rec := h.do(t, http.MethodGet, "/api/v1/catalog/rules", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		CatalogVersion int64 `json:"catalog_version"`
		Rules          []struct {
			ID      string `json:"id"`
			Enabled bool   `json:"enabled"`
		} `json:"rules"`
	}
	decodeBody(t, rec, &resp)
	assert.Len(t, resp.Rules, len(catalog.Builtin()))
	for _, rule := range resp.Rules {
		assert.True(t, rule.Enabled)
	}
}

func TestHealthAndReadiness(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	failing := NewHandler(&Services{}, zap.NewNop(), func(r *http.Request) error {
		return fmt.Errorf("database unreachable")
	})
	rec2 := httptest.NewRecorder()
	failing.Routes(testSecret).ServeHTTP(rec2, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec2.Code)
}
