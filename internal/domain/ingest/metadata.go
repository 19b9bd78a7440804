package ingest

import (
	"github.com/clinrag/clinrag/internal/platform/store"
)

// dateFields lists the resource fields tried, in order, when deriving
// effective_date. First match wins. Encounter uses period.start and is
// handled separately.
var dateFields = map[string][]string{
	TypeObservation:       {"effectiveDateTime", "issued"},
	TypeCondition:         {"onsetDateTime", "recordedDate"},
	TypeProcedure:         {"performedDateTime"},
	TypeMedicationRequest: {"authoredOn"},
	TypeImmunization:      {"occurrenceDateTime"},
	TypeDiagnosticReport:  {"effectiveDateTime"},
	TypePatient:           {"birthDate"},
}

// ExtractMetadata derives the metadata record for one chunk of a
// submission. Missing values are omitted, never stored as null.
func ExtractMetadata(sub *Submission, resource map[string]interface{}, chunkText string, chunkIndex, totalChunks int) store.Metadata {
	md := store.Metadata{
		store.MetaResourceID:   sub.ResourceID,
		store.MetaResourceType: sub.ResourceType,
		store.MetaFullURL:      sub.FullURL,
		store.MetaChunkID:      sub.ChunkID(chunkIndex),
		store.MetaChunkIndex:   chunkIndex,
		store.MetaTotalChunks:  totalChunks,
		store.MetaChunkSize:    len([]rune(chunkText)),
	}
	if sub.PatientID != "" {
		md[store.MetaPatientID] = sub.PatientID
	}
	if sub.SourceFile != "" {
		md[store.MetaSourceFile] = sub.SourceFile
	}

	if date := effectiveDate(sub.ResourceType, resource); date != "" {
		md[store.MetaEffectiveDate] = date
	}
	if status, ok := resource["status"].(string); ok && status != "" {
		md[store.MetaStatus] = status
	}
	if meta, ok := resource["meta"].(map[string]interface{}); ok {
		if lu, ok := meta["lastUpdated"].(string); ok && lu != "" {
			md[store.MetaLastUpdated] = lu
		}
	}
	return md
}

func effectiveDate(resourceType string, resource map[string]interface{}) string {
	if resourceType == TypeEncounter {
		if period, ok := resource["period"].(map[string]interface{}); ok {
			if start, ok := period["start"].(string); ok {
				return start
			}
		}
		return ""
	}
	for _, field := range dateFields[resourceType] {
		if v, ok := resource[field].(string); ok && v != "" {
			return v
		}
	}
	return ""
}
