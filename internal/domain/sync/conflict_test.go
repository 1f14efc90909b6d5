package sync

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func resourceWith(title, status string, raw string) *SyncedResource {
	return &SyncedResource{
		ResourceType: "Observation",
		ExternalID:   "obs-1",
		Raw:          json.RawMessage(raw),
		Hash:         PayloadHash(json.RawMessage(raw)),
		Title:        title,
		Status:       status,
	}
}

func TestReconcileMissingExisting(t *testing.T) {
	r := NewReconciler(IncomingWinsPolicy{}, zerolog.Nop())
	outcome, report := r.Reconcile(nil, resourceWith("Glucose", "final", `{"id": "obs-1"}`))
	if outcome != OutcomeCreated {
		t.Errorf("outcome = %q, want created", outcome)
	}
	if report == nil {
		t.Fatal("no report returned")
	}
	if report.ResourceType != "Observation" || report.ExternalID != "obs-1" {
		t.Errorf("report identifies %s/%s", report.ResourceType, report.ExternalID)
	}
	if len(report.Conflicts) != 0 {
		t.Errorf("unexpected conflicts %+v", report.Conflicts)
	}
}

func TestReconcileIdenticalPayloadSkips(t *testing.T) {
	r := NewReconciler(IncomingWinsPolicy{}, zerolog.Nop())
	existing := resourceWith("Glucose", "final", `{"id": "obs-1", "status": "final"}`)
	incoming := resourceWith("Glucose", "final", `{"id": "obs-1", "status": "final"}`)

	outcome, report := r.Reconcile(existing, incoming)
	if outcome != OutcomeSkipped {
		t.Errorf("outcome = %q, want skipped", outcome)
	}
	if report == nil || len(report.Conflicts) != 0 {
		t.Errorf("report = %+v, want empty report", report)
	}
}

func TestReconcileReportsEveryConflictingField(t *testing.T) {
	r := NewReconciler(IncomingWinsPolicy{}, zerolog.Nop())
	existing := resourceWith("Blood Glucose", "preliminary", `{"id": "obs-1", "v": 1}`)
	incoming := resourceWith("Glucose Panel", "final", `{"id": "obs-1", "v": 2}`)

	outcome, report := r.Reconcile(existing, incoming)
	if outcome != OutcomeUpdated {
		t.Fatalf("outcome = %q, want updated", outcome)
	}
	if report == nil || len(report.Conflicts) != 2 {
		t.Fatalf("report = %+v, want 2 conflicts", report)
	}

	byField := map[string]FieldConflict{}
	for _, fc := range report.Conflicts {
		byField[fc.Field] = fc
	}
	if fc := byField["status"]; fc.Existing != "preliminary" || fc.Incoming != "final" {
		t.Errorf("status conflict = %+v", fc)
	}
	if fc := byField["title"]; fc.Existing != "Blood Glucose" || fc.Incoming != "Glucose Panel" {
		t.Errorf("title conflict = %+v", fc)
	}

	// Default policy: incoming values stand.
	if incoming.Status != "final" || incoming.Title != "Glucose Panel" {
		t.Errorf("resolved fields = %q/%q, want incoming values", incoming.Title, incoming.Status)
	}
}

func TestReconcilePreservesConfiguredFields(t *testing.T) {
	policy := IncomingWinsPolicy{PreserveFields: map[string]bool{"title": true}}
	r := NewReconciler(policy, zerolog.Nop())
	existing := resourceWith("My Renamed Result", "preliminary", `{"id": "obs-1", "v": 1}`)
	incoming := resourceWith("Glucose", "final", `{"id": "obs-1", "v": 2}`)

	outcome, report := r.Reconcile(existing, incoming)
	if outcome != OutcomeUpdated {
		t.Fatalf("outcome = %q", outcome)
	}
	if report == nil {
		t.Fatal("expected conflict report")
	}
	if incoming.Title != "My Renamed Result" {
		t.Errorf("title = %q, want preserved value", incoming.Title)
	}
	if incoming.Status != "final" {
		t.Errorf("status = %q, want incoming value", incoming.Status)
	}
}

func TestReconcileMissingFieldIsNotAConflict(t *testing.T) {
	r := NewReconciler(IncomingWinsPolicy{}, zerolog.Nop())
	existing := resourceWith("", "final", `{"id": "obs-1", "v": 1}`)
	incoming := resourceWith("Glucose", "final", `{"id": "obs-1", "v": 2}`)

	outcome, report := r.Reconcile(existing, incoming)
	if outcome != OutcomeUpdated {
		t.Fatalf("outcome = %q", outcome)
	}
	if report == nil || len(report.Conflicts) != 0 {
		t.Errorf("enrichment produced conflicts %+v", report)
	}
}

func TestReconcileDateConflict(t *testing.T) {
	r := NewReconciler(IncomingWinsPolicy{}, zerolog.Nop())
	d1 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	d2 := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)

	existing := resourceWith("Glucose", "final", `{"id": "obs-1", "v": 1}`)
	existing.EffectiveDate = &d1
	incoming := resourceWith("Glucose", "final", `{"id": "obs-1", "v": 2}`)
	incoming.EffectiveDate = &d2

	_, report := r.Reconcile(existing, incoming)
	if report == nil || len(report.Conflicts) != 1 || report.Conflicts[0].Field != "effective_date" {
		t.Fatalf("report = %+v, want single effective_date conflict", report)
	}
}

func TestReconcileCorruptExistingAcceptsIncoming(t *testing.T) {
	r := NewReconciler(IncomingWinsPolicy{}, zerolog.Nop())
	existing := resourceWith("Glucose", "preliminary", `{"id": "obs-1"`)
	incoming := resourceWith("Glucose", "final", `{"id": "obs-1", "status": "final"}`)

	outcome, report := r.Reconcile(existing, incoming)
	if outcome != OutcomeUpdated {
		t.Errorf("outcome = %q, want updated", outcome)
	}
	if report == nil || len(report.Conflicts) != 0 {
		t.Errorf("corrupt existing produced conflicts %+v", report)
	}
}
