package sync

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/vitalsync/vitalsync/internal/platform/fhir"
)

// Outcome classifies what reconciling one incoming record did.
type Outcome string

const (
	OutcomeCreated Outcome = "created"
	OutcomeUpdated Outcome = "updated"
	OutcomeSkipped Outcome = "skipped"
)

// FieldConflict is one extracted field where the stored and incoming values
// both exist and disagree.
type FieldConflict struct {
	Field    string `json:"field"`
	Existing string `json:"existing"`
	Incoming string `json:"incoming"`
}

// Report lists every conflicting field found while reconciling one record.
type Report struct {
	ResourceType string          `json:"resource_type"`
	ExternalID   string          `json:"external_id"`
	Conflicts    []FieldConflict `json:"conflicts"`
}

// ResolutionPolicy decides the final field values once conflicts are known.
// Resolve mutates incoming in place.
type ResolutionPolicy interface {
	Resolve(existing, incoming *SyncedResource, conflicts []FieldConflict)
}

// IncomingWinsPolicy takes the provider's values for every conflicted field
// except those named in PreserveFields, which keep the stored values. The
// raw payload is always replaced.
type IncomingWinsPolicy struct {
	PreserveFields map[string]bool
}

func (p IncomingWinsPolicy) Resolve(existing, incoming *SyncedResource, conflicts []FieldConflict) {
	for _, fc := range conflicts {
		if !p.PreserveFields[fc.Field] {
			continue
		}
		switch fc.Field {
		case "title":
			incoming.Title = existing.Title
		case "category":
			incoming.Category = existing.Category
		case "status":
			incoming.Status = existing.Status
		case "effective_date":
			incoming.EffectiveDate = existing.EffectiveDate
		}
	}
}

// Reconciler is the conflict engine: it classifies each incoming record
// against the stored copy and applies the resolution policy.
type Reconciler struct {
	policy ResolutionPolicy
	log    zerolog.Logger
}

func NewReconciler(policy ResolutionPolicy, log zerolog.Logger) *Reconciler {
	if policy == nil {
		policy = IncomingWinsPolicy{}
	}
	return &Reconciler{policy: policy, log: log.With().Str("component", "reconciler").Logger()}
}

// Reconcile decides what to do with an incoming record. It never touches the
// store; the caller upserts the (possibly policy-adjusted) incoming resource
// unless the outcome is skipped. The report is always non-nil so it can be
// audited; Conflicts is empty when nothing disagreed.
func (r *Reconciler) Reconcile(existing, incoming *SyncedResource) (Outcome, *Report) {
	report := &Report{
		ResourceType: incoming.ResourceType,
		ExternalID:   incoming.ExternalID,
	}

	if existing == nil {
		return OutcomeCreated, report
	}

	// A stored payload that no longer parses cannot be diffed; take the
	// incoming record wholesale.
	if !json.Valid(existing.Raw) {
		r.log.Warn().
			Str("resource_type", incoming.ResourceType).
			Str("external_id", incoming.ExternalID).
			Msg("stored payload unreadable, accepting incoming record")
		return OutcomeUpdated, report
	}

	if existing.Hash == incoming.Hash {
		return OutcomeSkipped, report
	}

	report.Conflicts = diffFields(existing, incoming)
	if len(report.Conflicts) > 0 {
		r.policy.Resolve(existing, incoming, report.Conflicts)
	}
	return OutcomeUpdated, report
}

// diffFields reports extracted fields where both sides carry a value and the
// values differ. A field one side lacks is an enrichment, not a conflict.
func diffFields(existing, incoming *SyncedResource) []FieldConflict {
	oldFields := extractionOf(existing).Fields()
	newFields := extractionOf(incoming).Fields()

	names := make([]string, 0, len(oldFields))
	for name := range oldFields {
		names = append(names, name)
	}
	sort.Strings(names)

	var conflicts []FieldConflict
	for _, name := range names {
		oldVal, newVal := oldFields[name], newFields[name]
		if oldVal != "" && newVal != "" && oldVal != newVal {
			conflicts = append(conflicts, FieldConflict{Field: name, Existing: oldVal, Incoming: newVal})
		}
	}
	return conflicts
}

func extractionOf(res *SyncedResource) fhir.Extraction {
	var date *time.Time
	if res.EffectiveDate != nil {
		d := *res.EffectiveDate
		date = &d
	}
	return fhir.Extraction{
		Title:         res.Title,
		Category:      res.Category,
		Status:        res.Status,
		EffectiveDate: date,
	}
}
