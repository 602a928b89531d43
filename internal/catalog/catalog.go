// Package catalog holds the built-in safety rules shipped with the service.
// Each rule is a typed descriptor with a pure evaluator; organizations extend
// the set at deploy time by registering additional definitions before the
// engine starts.
package catalog

import (
	"fmt"

	"github.com/clinsafe/clinical-safety-backend/internal/domain/clinical"
	"github.com/clinsafe/clinical-safety-backend/internal/domain/rules"
	"github.com/clinsafe/clinical-safety-backend/internal/domain/values"
)

// Well-known codes referenced by the built-in rules
const (
	atcWarfarin  = "B01AA03"
	atcMetformin = "A10BA02"

	loincCreatinine = "2160-0"
	loincEGFR       = "33914-3"
	loincPotassium  = "2823-3"
)

// Builtin returns the rule definitions registered at process start. The
// slice order fixes the registration order, which breaks alert-ordering ties.
func Builtin() []*rules.Definition {
	return []*rules.Definition{
		allergyDocumentedSubstance(),
		warfarinNSAIDInteraction(),
		metforminRenalContraindication(),
		potassiumCriticalValue(),
		duplicateClassTherapy(),
		maxDailyDoseExceeded(),
		orderMissingIndication(),
		fluVaccineElderly(),
	}
}

// NewRegistry builds a registry preloaded with the built-in catalog
func NewRegistry() (*rules.Registry, error) {
	registry := rules.NewRegistry()
	if err := registry.Register(Builtin()...); err != nil {
		return nil, fmt.Errorf("register built-in catalog: %w", err)
	}
	return registry, nil
}

func allergyDocumentedSubstance() *rules.Definition {
	def := &rules.Definition{
		ID:           "allergy.documented-substance",
		Name:         "Documented allergy to prescribed substance",
		Description:  "Blocks prescription of a substance the patient has a recorded allergy or intolerance to.",
		Category:     rules.CategoryAllergy,
		Severity:     rules.SeverityCritical,
		Priority:     10,
		TriggerHooks: []clinical.HookType{clinical.HookMedicationPrescribe},
		Evidence:     rules.EvidenceA,
		Source:       rules.Source{Label: "Institutional pharmacovigilance policy"},
		OverrideReasons: []string{
			"Allergy record is erroneous, confirmed with patient",
			"Desensitization protocol in place",
		},
	}
	def.Evaluate = func(ctx *clinical.InputContext) (*rules.Alert, error) {
		for _, med := range ctx.ProposedMedications {
			if ctx.HasAllergyTo(med.Name) {
				return rules.NewAlert(def,
					fmt.Sprintf("Patient has a documented allergy to %s", med.Name),
					"A matching allergy or intolerance is on record. Prescribing this substance risks a hypersensitivity reaction.").
					WithSuggestions("Select an alternative agent from a different class",
						"Review the allergy record with the patient"), nil
			}
		}
		return nil, nil
	}
	return def
}

func warfarinNSAIDInteraction() *rules.Definition {
	def := &rules.Definition{
		ID:           "ddi.warfarin-nsaid",
		Name:         "Warfarin + NSAID interaction",
		Description:  "Concomitant NSAID use with warfarin raises bleeding risk substantially.",
		Category:     rules.CategoryDrugInteraction,
		Severity:     rules.SeverityCritical,
		Priority:     9,
		TriggerHooks: []clinical.HookType{clinical.HookMedicationPrescribe},
		Evidence:     rules.EvidenceA,
		Source:       rules.Source{Label: "ANVISA drug interaction compendium"},
		OverrideReasons: []string{
			"Short course with INR monitoring scheduled",
			"Gastroprotection prescribed and bleeding risk reviewed",
		},
	}
	def.Evaluate = func(ctx *clinical.InputContext) (*rules.Alert, error) {
		onWarfarin := ctx.HasActiveMedication(atcWarfarin) || ctx.HasActiveMedicationClass("anticoagulant")
		if !onWarfarin {
			return nil, nil
		}
		for _, med := range ctx.ProposedMedications {
			if med.Class == "nsaid" {
				return rules.NewAlert(def,
					fmt.Sprintf("%s interacts with warfarin", med.Name),
					"Adding an NSAID to warfarin therapy increases major bleeding risk. Consider paracetamol or a short opioid course instead.").
					WithSuggestions("Prescribe paracetamol for analgesia",
						"If the NSAID is unavoidable, schedule INR within 5 days"), nil
			}
		}
		return nil, nil
	}
	return def
}

func metforminRenalContraindication() *rules.Definition {
	def := &rules.Definition{
		ID:           "contra.metformin-renal",
		Name:         "Metformin contraindicated in severe renal impairment",
		Description:  "Metformin is contraindicated with eGFR below 30 or creatinine above 2.0 mg/dL due to lactic acidosis risk. Not overridable by policy.",
		Category:     rules.CategoryContraindication,
		Severity:     rules.SeverityCritical,
		Priority:     8,
		TriggerHooks: []clinical.HookType{clinical.HookMedicationPrescribe},
		Evidence:     rules.EvidenceA,
		Source:       rules.Source{Label: "Metformin product label, renal dosing section"},

		NonOverridable: true,
	}
	def.Evaluate = func(ctx *clinical.InputContext) (*rules.Alert, error) {
		proposed := false
		for _, med := range ctx.ProposedMedications {
			if med.Code == atcMetformin {
				proposed = true
				break
			}
		}
		if !proposed {
			return nil, nil
		}

		if egfr := ctx.LatestLab(loincEGFR); egfr != nil && egfr.Value < 30 {
			return rules.NewAlert(def,
				"Metformin contraindicated: eGFR below 30",
				fmt.Sprintf("Most recent eGFR is %.0f mL/min/1.73m². Metformin carries a lactic acidosis risk at this level of renal function.", egfr.Value)).
				WithSuggestions("Switch to an agent cleared for severe renal impairment"), nil
		}
		if creat := ctx.LatestLab(loincCreatinine); creat != nil && creat.Value > 2.0 {
			return rules.NewAlert(def,
				"Metformin contraindicated: creatinine above 2.0 mg/dL",
				fmt.Sprintf("Most recent creatinine is %.1f mg/dL. Metformin carries a lactic acidosis risk at this level of renal function.", creat.Value)).
				WithSuggestions("Switch to an agent cleared for severe renal impairment"), nil
		}
		return nil, nil
	}
	return def
}

func potassiumCriticalValue() *rules.Definition {
	def := &rules.Definition{
		ID:           "lab.potassium-critical",
		Name:         "Critical potassium value on record",
		Description:  "Surfaces a critical potassium result when the clinician opens the chart or prescribes.",
		Category:     rules.CategoryLabAbnormal,
		Severity:     rules.SeverityCritical,
		Priority:     7,
		TriggerHooks: []clinical.HookType{clinical.HookPatientView, clinical.HookMedicationPrescribe},
		Evidence:     rules.EvidenceB,
		Source:       rules.Source{Label: "Institutional critical value list"},
		OverrideReasons: []string{
			"Result already acknowledged and treatment started",
			"Repeat sample pending, hemolysis suspected",
		},
	}
	def.Evaluate = func(ctx *clinical.InputContext) (*rules.Alert, error) {
		potassium := ctx.LatestLab(loincPotassium)
		if potassium == nil {
			return nil, nil
		}
		if potassium.Value > 6.0 || potassium.Value < 2.5 {
			return rules.NewAlert(def,
				fmt.Sprintf("Critical potassium: %.1f %s", potassium.Value, potassium.Unit),
				"The most recent potassium result is in the critical range and may require immediate treatment.").
				WithSuggestions("Obtain ECG", "Repeat the sample to exclude hemolysis"), nil
		}
		return nil, nil
	}
	return def
}

func duplicateClassTherapy() *rules.Definition {
	def := &rules.Definition{
		ID:           "dup.same-class-therapy",
		Name:         "Duplicate therapy within class",
		Description:  "Warns when a proposed medication duplicates the therapeutic class of an active one.",
		Category:     rules.CategoryDuplicateTherapy,
		Severity:     rules.SeverityWarning,
		Priority:     6,
		TriggerHooks: []clinical.HookType{clinical.HookMedicationPrescribe},
		Evidence:     rules.EvidenceB,
		Source:       rules.Source{Label: "Institutional formulary guidance"},
		OverrideReasons: []string{
			"Intentional combination therapy",
			"Cross-titration in progress",
		},
	}
	def.Evaluate = func(ctx *clinical.InputContext) (*rules.Alert, error) {
		for _, med := range ctx.ProposedMedications {
			if med.Class == "" {
				continue
			}
			if ctx.HasActiveMedicationClass(med.Class) && !ctx.HasActiveMedication(med.Code) {
				return rules.NewAlert(def,
					fmt.Sprintf("Patient already takes a medication in class %q", med.Class),
					fmt.Sprintf("%s duplicates the therapeutic class of an active medication. Confirm this is intentional.", med.Name)).
					WithSuggestions("Review the active medication list before confirming"), nil
			}
		}
		return nil, nil
	}
	return def
}

// maxDailyDose maps ATC codes to a simple daily ceiling in the code's
// customary unit. Kept deliberately small; org formularies extend it.
var maxDailyDose = map[string]float64{
	"N02BE01": 4000, // paracetamol, mg
	"A10BA02": 2550, // metformin, mg
	"C07AB07": 10,   // bisoprolol, mg
}

func maxDailyDoseExceeded() *rules.Definition {
	def := &rules.Definition{
		ID:           "dose.max-daily-exceeded",
		Name:         "Proposed dose exceeds daily maximum",
		Description:  "Warns when a proposed dose is above the formulary daily ceiling for the agent.",
		Category:     rules.CategoryDosingGuidance,
		Severity:     rules.SeverityWarning,
		Priority:     5,
		TriggerHooks: []clinical.HookType{clinical.HookMedicationPrescribe},
		Evidence:     rules.EvidenceB,
		Source:       rules.Source{Label: "Institutional formulary dose ceilings"},
		OverrideReasons: []string{
			"Dose titration under specialist supervision",
		},
	}
	def.Evaluate = func(ctx *clinical.InputContext) (*rules.Alert, error) {
		for _, med := range ctx.ProposedMedications {
			ceiling, known := maxDailyDose[med.Code]
			if !known || med.Dose == nil {
				continue
			}
			if *med.Dose > ceiling {
				return rules.NewAlert(def,
					fmt.Sprintf("%s dose %.0f %s exceeds the daily maximum of %.0f", med.Name, *med.Dose, med.DoseUnit, ceiling),
					"The proposed dose is above the formulary ceiling for this agent.").
					WithSuggestions(fmt.Sprintf("Reduce to at most %.0f %s per day", ceiling, med.DoseUnit)), nil
			}
		}
		return nil, nil
	}
	return def
}

// indicationPrefixes maps order categories to the ICD-10 prefixes payers
// accept as supporting diagnoses. Orders billed without a matching active
// condition are routinely denied (glosa).
var indicationPrefixes = map[string][]string{
	"cardiac_imaging": {"I"},
	"endoscopy":       {"K"},
	"polysomnography": {"G47"},
}

func orderMissingIndication() *rules.Definition {
	def := &rules.Definition{
		ID:           "glosa.order-missing-indication",
		Name:         "Billed order lacks supporting diagnosis",
		Description:  "Flags orders whose billing code has no matching active diagnosis on the chart, a frequent payer denial cause.",
		Category:     rules.CategoryGuidelineRecommendation,
		Severity:     rules.SeverityWarning,
		Priority:     4,
		TriggerHooks: []clinical.HookType{clinical.HookOrderSelect, clinical.HookOrderSign},
		Evidence:     rules.EvidenceC,
		Source:       rules.Source{Label: "Payer denial analytics, rolling 12 months"},
		OverrideReasons: []string{
			"Diagnosis will be documented before claim submission",
			"Order is part of an authorized care bundle",
		},
	}
	def.Evaluate = func(ctx *clinical.InputContext) (*rules.Alert, error) {
		for _, order := range ctx.ProposedOrders {
			prefixes, tracked := indicationPrefixes[order.Category]
			if !tracked || order.BilledAmount == nil {
				continue
			}
			supported := false
			for _, prefix := range prefixes {
				if ctx.HasActiveCondition(prefix) {
					supported = true
					break
				}
			}
			if supported {
				continue
			}
			return rules.NewAlert(def,
				fmt.Sprintf("Order %s has no supporting diagnosis on the chart", order.Code),
				fmt.Sprintf("%s is billed at %s but no active diagnosis matches the payer's accepted indication list. The claim is likely to be denied.", order.Description, order.BilledAmount)).
				WithGlosaRisk(*order.BilledAmount, values.MustNewProbability(0.65)).
				WithSuggestions("Document the supporting diagnosis before signing",
					"Attach the clinical indication to the order"), nil
		}
		return nil, nil
	}
	return def
}

func fluVaccineElderly() *rules.Definition {
	def := &rules.Definition{
		ID:           "prev.flu-vaccine-elderly",
		Name:         "Influenza vaccination reminder for patients 60+",
		Description:  "Informational reminder at encounter start for patients in the national priority group.",
		Category:     rules.CategoryPreventiveCare,
		Severity:     rules.SeverityInfo,
		Priority:     2,
		TriggerHooks: []clinical.HookType{clinical.HookEncounterStart, clinical.HookPatientView},
		Evidence:     rules.EvidenceB,
		Source:       rules.Source{Label: "PNI seasonal influenza calendar"},
	}
	def.Evaluate = func(ctx *clinical.InputContext) (*rules.Alert, error) {
		if ctx.AgeYears(ctx.CapturedAt) < 60 {
			return nil, nil
		}
		if ctx.HasActiveCondition("Z25.1") {
			return nil, nil
		}
		return rules.NewAlert(def,
			"Patient is eligible for seasonal influenza vaccination",
			"Patients aged 60 and over are in the national priority group. No vaccination encounter is on record for this season.").
			WithSuggestions("Offer influenza vaccination during this encounter"), nil
	}
	return def
}
