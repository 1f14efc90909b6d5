package fhir

import (
	"encoding/json"
	"fmt"
	"time"
)

// Extraction is the small provider-agnostic index extracted from a raw FHIR
// resource. Downstream components sort and list by these fields without
// deserialising the stored payload; everything else stays verbatim in the raw
// record.
type Extraction struct {
	Title         string     `json:"title,omitempty"`
	Category      string     `json:"category,omitempty"`
	EffectiveDate *time.Time `json:"effective_date,omitempty"`
	Status        string     `json:"status,omitempty"`
}

// Fields returns the extraction as a field-name map, the form the conflict
// engine diffs record-by-record.
func (e Extraction) Fields() map[string]string {
	m := map[string]string{
		"title":    e.Title,
		"category": e.Category,
		"status":   e.Status,
	}
	if e.EffectiveDate != nil {
		m["effective_date"] = e.EffectiveDate.UTC().Format(time.RFC3339)
	} else {
		m["effective_date"] = ""
	}
	return m
}

// ResourceID returns the FHIR id of a raw resource.
func ResourceID(raw json.RawMessage) (string, error) {
	doc, err := decode(raw)
	if err != nil {
		return "", err
	}
	id := str(doc["id"])
	if id == "" {
		return "", fmt.Errorf("resource has no id")
	}
	return id, nil
}

// Extract maps a raw FHIR resource of the given type onto the shared
// extraction. Field layouts vary by resource type; anything unmapped rides
// along untouched in the raw payload.
func Extract(resourceType string, raw json.RawMessage) (Extraction, error) {
	doc, err := decode(raw)
	if err != nil {
		return Extraction{}, err
	}

	var ex Extraction
	ex.Status = str(doc["status"])

	switch resourceType {
	case ResourceObservation:
		ex.Title = conceptText(doc["code"])
		ex.Category = firstConceptCode(doc["category"])
		ex.EffectiveDate = parseDate(str(doc["effectiveDateTime"]))
	case ResourceCondition:
		ex.Title = conceptText(doc["code"])
		ex.Category = firstConceptCode(doc["category"])
		ex.Status = conceptCode(doc["clinicalStatus"])
		if d := parseDate(str(doc["onsetDateTime"])); d != nil {
			ex.EffectiveDate = d
		} else {
			ex.EffectiveDate = parseDate(str(doc["recordedDate"]))
		}
	case ResourceDocumentReference:
		ex.Title = str(doc["description"])
		if ex.Title == "" {
			ex.Title = attachmentTitle(doc["content"])
		}
		ex.Category = firstConceptCode(doc["category"])
		if ex.Category == "" {
			ex.Category = conceptCode(doc["type"])
		}
		ex.EffectiveDate = parseDate(str(doc["date"]))
	case ResourceMedicationRequest:
		ex.Title = conceptText(doc["medicationCodeableConcept"])
		ex.Category = firstConceptCode(doc["category"])
		ex.EffectiveDate = parseDate(str(doc["authoredOn"]))
	case ResourceAllergyIntolerance:
		ex.Title = conceptText(doc["code"])
		ex.Status = conceptCode(doc["clinicalStatus"])
		if cats, ok := doc["category"].([]interface{}); ok && len(cats) > 0 {
			ex.Category = str(cats[0])
		}
		if d := parseDate(str(doc["recordedDate"])); d != nil {
			ex.EffectiveDate = d
		} else {
			ex.EffectiveDate = parseDate(str(doc["onsetDateTime"]))
		}
	case ResourceImmunization:
		ex.Title = conceptText(doc["vaccineCode"])
		ex.EffectiveDate = parseDate(str(doc["occurrenceDateTime"]))
	case ResourceProcedure:
		ex.Title = conceptText(doc["code"])
		ex.Category = conceptCode(doc["category"])
		if d := parseDate(str(doc["performedDateTime"])); d != nil {
			ex.EffectiveDate = d
		} else if period, ok := doc["performedPeriod"].(map[string]interface{}); ok {
			ex.EffectiveDate = parseDate(str(period["start"]))
		}
	default:
		// Unknown types still index whatever generic fields they carry.
		ex.Title = conceptText(doc["code"])
		ex.Category = firstConceptCode(doc["category"])
		ex.EffectiveDate = parseDate(str(doc["date"]))
	}

	return ex, nil
}

func decode(raw json.RawMessage) (map[string]interface{}, error) {
	var doc map[string]interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode resource: %w", err)
	}
	return doc, nil
}

func str(v interface{}) string {
	s, _ := v.(string)
	return s
}

// conceptText resolves a CodeableConcept to its display text: the concept's
// own text first, then the first coding's display, then its code.
func conceptText(v interface{}) string {
	concept, ok := v.(map[string]interface{})
	if !ok {
		return ""
	}
	if text := str(concept["text"]); text != "" {
		return text
	}
	codings, ok := concept["coding"].([]interface{})
	if !ok || len(codings) == 0 {
		return ""
	}
	coding, ok := codings[0].(map[string]interface{})
	if !ok {
		return ""
	}
	if display := str(coding["display"]); display != "" {
		return display
	}
	return str(coding["code"])
}

// conceptCode resolves a CodeableConcept to its first coding code.
func conceptCode(v interface{}) string {
	concept, ok := v.(map[string]interface{})
	if !ok {
		return ""
	}
	codings, ok := concept["coding"].([]interface{})
	if !ok || len(codings) == 0 {
		return ""
	}
	coding, ok := codings[0].(map[string]interface{})
	if !ok {
		return ""
	}
	return str(coding["code"])
}

// firstConceptCode resolves the first entry of a CodeableConcept array.
func firstConceptCode(v interface{}) string {
	concepts, ok := v.([]interface{})
	if !ok || len(concepts) == 0 {
		return ""
	}
	return conceptCode(concepts[0])
}

// attachmentTitle pulls content[0].attachment.title from a DocumentReference.
func attachmentTitle(v interface{}) string {
	contents, ok := v.([]interface{})
	if !ok || len(contents) == 0 {
		return ""
	}
	content, ok := contents[0].(map[string]interface{})
	if !ok {
		return ""
	}
	attachment, ok := content["attachment"].(map[string]interface{})
	if !ok {
		return ""
	}
	return str(attachment["title"])
}

// AttachmentURL returns content[0].attachment.url of a raw DocumentReference,
// or "" when the record carries no retrievable attachment.
func AttachmentURL(raw json.RawMessage) string {
	doc, err := decode(raw)
	if err != nil {
		return ""
	}
	contents, ok := doc["content"].([]interface{})
	if !ok || len(contents) == 0 {
		return ""
	}
	content, ok := contents[0].(map[string]interface{})
	if !ok {
		return ""
	}
	attachment, ok := content["attachment"].(map[string]interface{})
	if !ok {
		return ""
	}
	return str(attachment["url"])
}

// parseDate accepts FHIR instant, dateTime, and date precision.
func parseDate(s string) *time.Time {
	if s == "" {
		return nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return &t
		}
	}
	return nil
}
