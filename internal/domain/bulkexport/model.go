// Package bulkexport implements the asynchronous FHIR bulk-export protocol
// against provider servers: kickoff, status polling, and materialization of
// NDJSON output files into the synced-resource store.
package bulkexport

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

const (
	ScopePatient = "patient"
	ScopeGroup   = "group"
	ScopeSystem  = "system"
)

const (
	StatusInitiated  = "initiated"
	StatusInProgress = "in_progress"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

var (
	ErrJobNotFound     = errors.New("export job not found")
	ErrJobNotCompleted = errors.New("export job is not completed")
	ErrKickoffRejected = errors.New("export kickoff rejected")
	ErrInvalidScope    = errors.New("invalid export scope")
)

// OutputFile is one NDJSON file listed in a completed export manifest.
type OutputFile struct {
	Type  string `json:"type"`
	URL   string `json:"url"`
	Count int    `json:"count,omitempty"`
}

// Job tracks one bulk export from kickoff to materialization. Terminal
// states (completed, failed) are immutable.
type Job struct {
	ID           uuid.UUID `json:"id"`
	ConnectionID uuid.UUID `json:"connection_id"`

	Scope         string     `json:"scope"`
	GroupID       string     `json:"group_id,omitempty"`
	ResourceTypes []string   `json:"resource_types,omitempty"`
	Since         *time.Time `json:"since,omitempty"`

	KickoffURL     string `json:"kickoff_url"`
	StatusURL      string `json:"status_url"`
	RetryAfterSecs int    `json:"retry_after_secs,omitempty"`

	Status      string       `json:"status"`
	OutputFiles []OutputFile `json:"output_files,omitempty"`
	Error       *string      `json:"error,omitempty"`

	ResourcesProcessed int   `json:"resources_processed"`
	BytesProcessed     int64 `json:"bytes_processed"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Terminal reports whether the job reached a final state.
func (j *Job) Terminal() bool {
	return j.Status == StatusCompleted || j.Status == StatusFailed
}
