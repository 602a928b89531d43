package rules

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clinsafe/clinical-safety-backend/internal/domain/clinical"
)

func testRule(id string, hooks ...clinical.HookType) *Definition {
	if len(hooks) == 0 {
		hooks = []clinical.HookType{clinical.HookMedicationPrescribe}
	}
	return &Definition{
		ID:           id,
		Name:         "Test rule " + id,
		Category:     CategoryDrugInteraction,
		Severity:     SeverityWarning,
		Priority:     5,
		TriggerHooks: hooks,
		Evidence:     EvidenceB,
		Evaluate: func(ctx *clinical.InputContext) (*Alert, error) {
			return nil, nil
		},
	}
}

func TestRegistry_Register(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(testRule("r1"), testRule("r2")))

	snap := reg.Snapshot()
	assert.Equal(t, int64(1), snap.Version)
	assert.Equal(t, 2, snap.Len())

	r1, ok := snap.Get("r1")
	require.True(t, ok)
	assert.True(t, r1.Enabled)
	assert.Equal(t, 0, r1.Index)

	r2, _ := snap.Get("r2")
	assert.Equal(t, 1, r2.Index, "registration order is preserved")
}

func TestRegistry_RejectsDuplicatesAndInvalid(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(testRule("r1")))

	err := reg.Register(testRule("r1"))
	assert.Error(t, err, "duplicate ID")

	invalid := testRule("r3")
	invalid.Priority = 11
	assert.Error(t, reg.Register(invalid))

	noEval := testRule("r4")
	noEval.Evaluate = nil
	assert.Error(t, reg.Register(noEval))

	badHook := testRule("r5")
	badHook.TriggerHooks = []clinical.HookType{"nonsense"}
	assert.Error(t, reg.Register(badHook))
}

func TestRegistry_SetEnabled_CopyOnWrite(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(testRule("r1")))

	// An in-flight evaluation holds this snapshot
	before := reg.Snapshot()

	require.NoError(t, reg.SetEnabled("r1", false))

	after := reg.Snapshot()
	assert.Greater(t, after.Version, before.Version)

	beforeRule, _ := before.Get("r1")
	assert.True(t, beforeRule.Enabled, "held snapshot is unaffected by the toggle")

	afterRule, _ := after.Get("r1")
	assert.False(t, afterRule.Enabled)

	// Toggling to the same state is a version no-op
	require.NoError(t, reg.SetEnabled("r1", false))
	assert.Equal(t, after.Version, reg.Snapshot().Version)

	assert.Error(t, reg.SetEnabled("ghost", true))
}

func TestSnapshot_Candidates(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(
		testRule("prescribe-only", clinical.HookMedicationPrescribe),
		testRule("sign-only", clinical.HookOrderSign),
		testRule("both", clinical.HookMedicationPrescribe, clinical.HookOrderSign),
	))
	require.NoError(t, reg.SetEnabled("both", false))

	candidates := reg.Snapshot().Candidates(clinical.HookMedicationPrescribe)
	require.Len(t, candidates, 1)
	assert.Equal(t, "prescribe-only", candidates[0].Definition.ID)
}
