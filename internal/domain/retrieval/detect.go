package retrieval

import (
	"strings"
	"unicode"
)

// typeKeywords maps query vocabulary to resource types. Order matters:
// the first matching type wins.
var typeKeywords = []struct {
	resourceType string
	keywords     []string
}{
	{"Condition", []string{"condition", "diagnosis", "disease", "problem", "illness", "disorder"}},
	{"Observation", []string{"lab", "test", "vital", "blood pressure", "glucose", "cholesterol"}},
	{"MedicationRequest", []string{"medication", "drug", "prescription", "rx"}},
	{"Procedure", []string{"surgery", "surgical", "operation", "intervention"}},
	{"Immunization", []string{"vaccine", "vaccination", "immunized"}},
	{"Encounter", []string{"visit", "appointment", "admission", "hospitalization"}},
	{"DiagnosticReport", []string{"imaging", "radiology", "xray", "mri", "ct scan"}},
}

// DetectResourceType inspects the query for whole-word keyword matches
// and returns the first mapped resource type, or "" when none match.
func DetectResourceType(query string) string {
	normalized := " " + normalizeWords(query) + " "
	for _, entry := range typeKeywords {
		for _, kw := range entry.keywords {
			if strings.Contains(normalized, " "+kw+" ") {
				return entry.resourceType
			}
		}
	}
	return ""
}

// normalizeWords lowercases the query and collapses every non-alphanumeric
// run into a single space, so keyword checks match whole words only.
func normalizeWords(s string) string {
	var b strings.Builder
	lastSpace := false
	for _, r := range strings.ToLower(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			lastSpace = false
			continue
		}
		if !lastSpace {
			b.WriteByte(' ')
			lastSpace = true
		}
	}
	return strings.TrimSpace(b.String())
}
