// Package sync implements the synchronization engine proper: sync runs and
// their counters, the synced-resource store, the conflict engine, and the
// orchestrator that drives provider adapters.
package sync

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

const (
	ModeIncremental = "incremental"
	ModeFull        = "full"
)

const (
	RunStatusQueued    = "queued"
	RunStatusSyncing   = "syncing"
	RunStatusCompleted = "completed"
	RunStatusFailed    = "failed"
	RunStatusCancelled = "cancelled"
)

var (
	ErrRunNotFound      = errors.New("sync run not found")
	ErrRunTerminal      = errors.New("sync run already terminal")
	ErrResourceNotFound = errors.New("synced resource not found")
	ErrInvalidMode      = errors.New("invalid sync mode")
)

// SyncRun records one execution of the engine against a connection. Counters
// accumulate while the run is live; a terminal run is never modified again.
type SyncRun struct {
	ID           uuid.UUID `json:"id"`
	ConnectionID uuid.UUID `json:"connection_id"`
	Mode         string    `json:"mode"`
	Status       string    `json:"status"`

	ResourcesQueried  int `json:"resources_queried"`
	ResourcesCreated  int `json:"resources_created"`
	ResourcesUpdated  int `json:"resources_updated"`
	ResourcesSkipped  int `json:"resources_skipped"`
	ResourcesFailed   int `json:"resources_failed"`
	ConflictsDetected int `json:"conflicts_detected"`

	DocumentsDownloaded int   `json:"documents_downloaded"`
	BytesDownloaded     int64 `json:"bytes_downloaded"`

	QueuedAt    time.Time  `json:"queued_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	DurationMS  int64      `json:"duration_ms"`

	Error *string `json:"error,omitempty"`
}

// Terminal reports whether the run reached a final state.
func (r *SyncRun) Terminal() bool {
	switch r.Status {
	case RunStatusCompleted, RunStatusFailed, RunStatusCancelled:
		return true
	}
	return false
}

// SyncedResource is the engine's copy of one provider record. The raw payload
// is stored verbatim; the extracted columns exist for listing and conflict
// detection. (connection_id, resource_type, external_id) is unique.
type SyncedResource struct {
	ID           uuid.UUID `json:"id"`
	ConnectionID uuid.UUID `json:"connection_id"`
	ResourceType string    `json:"resource_type"`
	ExternalID   string    `json:"external_id"`

	Raw  json.RawMessage `json:"raw,omitempty"`
	Hash string          `json:"hash"`

	Title         string     `json:"title,omitempty"`
	Category      string     `json:"category,omitempty"`
	Status        string     `json:"status,omitempty"`
	EffectiveDate *time.Time `json:"effective_date,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// PayloadHash is the identity used for change detection: the SHA-256 of the
// raw payload bytes.
func PayloadHash(raw json.RawMessage) string {
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}
