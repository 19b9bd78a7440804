// Package ingest implements the ingestion pipeline: submission
// validation, JSON-aware chunking, metadata extraction, embedding, and a
// durable bounded work queue with classified retries and a dead-letter
// sink.
package ingest

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/clinrag/clinrag/internal/platform/store"
)

// Recognized resource types. Other values are accepted and treated as
// generic resources.
const (
	TypePatient           = "Patient"
	TypeCondition         = "Condition"
	TypeObservation       = "Observation"
	TypeProcedure         = "Procedure"
	TypeMedicationRequest = "MedicationRequest"
	TypeImmunization      = "Immunization"
	TypeDiagnosticReport  = "DiagnosticReport"
	TypeEncounter         = "Encounter"
)

// Submission is one inbound resource to be chunked, embedded, and stored.
type Submission struct {
	ResourceID   string `json:"id"`
	FullURL      string `json:"fullUrl"`
	ResourceType string `json:"resourceType"`
	Content      string `json:"content"`
	PatientID    string `json:"patientId,omitempty"`
	ResourceJSON string `json:"resourceJson"`
	SourceFile   string `json:"sourceFile,omitempty"`
}

// Validate checks the submission before it may enter the queue.
func (s *Submission) Validate() error {
	if s.ResourceID == "" {
		return fmt.Errorf("id is required")
	}
	if strings.TrimSpace(s.Content) == "" {
		return fmt.Errorf("content is required")
	}
	if s.ResourceJSON == "" {
		return fmt.Errorf("resourceJson is required")
	}
	if !json.Valid([]byte(s.ResourceJSON)) {
		return fmt.Errorf("resourceJson is not valid JSON")
	}
	return nil
}

// ChunkID derives the globally unique id of the index-th chunk.
func (s *Submission) ChunkID(index int) string {
	return fmt.Sprintf("%s_chunk_%d", s.ResourceID, index)
}

// ItemState is the work item state machine:
// pending → in_flight → (done | retry_scheduled | dead_letter);
// retry_scheduled → pending once the backoff elapses.
type ItemState string

const (
	StatePending        ItemState = "pending"
	StateInFlight       ItemState = "in_flight"
	StateRetryScheduled ItemState = "retry_scheduled"
	StateDone           ItemState = "done"
	StateDeadLetter     ItemState = "dead_letter"
)

// WorkItem is one journaled unit of ingestion work. The queue owns items
// exclusively from enqueue until a terminal state.
type WorkItem struct {
	Seq         uint64     `json:"seq"`
	Submission  Submission `json:"submission"`
	State       ItemState  `json:"state"`
	RetryCount  int        `json:"retry_count"`
	NextAttempt time.Time  `json:"next_attempt,omitempty"`
	EnqueuedAt  time.Time  `json:"enqueued_at"`
	LastError   string     `json:"last_error,omitempty"`
}

// DeadLetter is the durable trace of a terminally failed submission.
type DeadLetter struct {
	ChunkID    string           `json:"chunk_id,omitempty"`
	ResourceID string           `json:"resource_id"`
	ErrorClass store.ErrorClass `json:"error_class"`
	ErrorMsg   string           `json:"error_message"`
	RetryCount int              `json:"retry_count"`
	FirstSeen  time.Time        `json:"first_seen"`
	LastSeen   time.Time        `json:"last_seen"`
	Metadata   store.Metadata   `json:"metadata,omitempty"`
}
