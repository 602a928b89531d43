package clinical

import (
	"fmt"
)

// HookType identifies the clinical workflow moment that triggered an
// evaluation. Rules declare the hooks they participate in.
type HookType string

const (
	HookPatientView         HookType = "patient_view"
	HookMedicationPrescribe HookType = "medication_prescribe"
	HookOrderSelect         HookType = "order_select"
	HookOrderSign           HookType = "order_sign"
	HookEncounterStart      HookType = "encounter_start"
	HookEncounterDischarge  HookType = "encounter_discharge"
)

var validHooks = map[HookType]bool{
	HookPatientView:         true,
	HookMedicationPrescribe: true,
	HookOrderSelect:         true,
	HookOrderSign:           true,
	HookEncounterStart:      true,
	HookEncounterDischarge:  true,
}

// ParseHookType validates a raw hook string
func ParseHookType(raw string) (HookType, error) {
	hook := HookType(raw)
	if !hook.IsValid() {
		return "", fmt.Errorf("unknown hook type: %q", raw)
	}
	return hook, nil
}

// IsValid reports whether the hook type is one of the defined workflow moments
func (h HookType) IsValid() bool {
	return validHooks[h]
}

func (h HookType) String() string {
	return string(h)
}
