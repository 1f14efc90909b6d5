// Package connection manages patient-to-provider links: the OAuth
// authorization handshake, encrypted token custody and refresh, and the
// connection lifecycle exposed over the API.
package connection

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

const (
	StatusPending      = "pending"
	StatusActive       = "active"
	StatusDisconnected = "disconnected"
	StatusError        = "error"
)

var (
	ErrNotFound           = errors.New("connection not found")
	ErrNotActive          = errors.New("connection is not active")
	ErrNoRefreshToken     = errors.New("no refresh token available")
	ErrTokenRefreshFailed = errors.New("token refresh failed")
	ErrCodeExchangeFailed = errors.New("authorization code exchange failed")
)

// Connection links one patient to one EHR provider. Token columns hold vault
// ciphertext; plaintext tokens exist only transiently in memory.
type Connection struct {
	ID         uuid.UUID `json:"id"`
	UserID     uuid.UUID `json:"user_id"`
	ProviderID string    `json:"provider_id"`
	PatientID  string    `json:"patient_id"`
	BaseURL    string    `json:"base_url"`
	Status     string    `json:"status"`

	AutoSync          bool `json:"auto_sync"`
	SyncIntervalHours int  `json:"sync_interval_hours"`

	AccessTokenEnc  string     `json:"-"`
	RefreshTokenEnc string     `json:"-"`
	TokenExpiresAt  *time.Time `json:"token_expires_at,omitempty"`
	Scopes          string     `json:"scopes,omitempty"`

	LastSyncAt *time.Time `json:"last_sync_at,omitempty"`
	NextSyncAt *time.Time `json:"next_sync_at,omitempty"`
	LastError  *string    `json:"last_error,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Syncable reports whether the connection may be picked up by the sync
// orchestrator.
func (c *Connection) Syncable() bool {
	return c.Status == StatusActive
}
