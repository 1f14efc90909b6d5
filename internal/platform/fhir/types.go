// Package fhir holds FHIR-level plumbing shared by provider adapters and the
// sync engine: NDJSON streaming, resource field extraction, and the value-set
// constants used when classifying synced records.
package fhir

// Resource type names handled by the default sync set.
const (
	ResourceDocumentReference  = "DocumentReference"
	ResourceObservation        = "Observation"
	ResourceCondition          = "Condition"
	ResourceMedicationRequest  = "MedicationRequest"
	ResourceAllergyIntolerance = "AllergyIntolerance"
	ResourceImmunization       = "Immunization"
	ResourceProcedure          = "Procedure"
)

// DefaultSyncResourceTypes is the fixed, deterministic ordering the
// orchestrator walks when no explicit type list is given.
var DefaultSyncResourceTypes = []string{
	ResourceDocumentReference,
	ResourceObservation,
	ResourceCondition,
	ResourceMedicationRequest,
	ResourceAllergyIntolerance,
	ResourceImmunization,
	ResourceProcedure,
}

// ObservationStatus values per FHIR R4.
const (
	ObservationStatusRegistered  = "registered"
	ObservationStatusPreliminary = "preliminary"
	ObservationStatusFinal       = "final"
	ObservationStatusAmended     = "amended"
	ObservationStatusCancelled   = "cancelled"
)

// ObservationCategory codes.
const (
	ObsCategoryVitalSigns    = "vital-signs"
	ObsCategoryLaboratory    = "laboratory"
	ObsCategoryImaging       = "imaging"
	ObsCategorySocialHistory = "social-history"
)

// ConditionClinicalStatus codes.
const (
	ConditionActive   = "active"
	ConditionInactive = "inactive"
	ConditionResolved = "resolved"
)
