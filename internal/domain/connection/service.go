package connection

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/vitalsync/vitalsync/internal/platform/provider"
)

type Service struct {
	repo          Repository
	tokens        *TokenManager
	registry      *provider.Registry
	redirectURI   string
	intervalHours int
	log           zerolog.Logger
	now           func() time.Time
}

func NewService(repo Repository, tokens *TokenManager, reg *provider.Registry, redirectURI string, intervalHours int, log zerolog.Logger) *Service {
	if intervalHours <= 0 {
		intervalHours = 24
	}
	return &Service{
		repo:          repo,
		tokens:        tokens,
		registry:      reg,
		redirectURI:   redirectURI,
		intervalHours: intervalHours,
		log:           log.With().Str("component", "connection_service").Logger(),
		now:           time.Now,
	}
}

// Authorization holds a pending connection together with the URL the patient
// must visit to grant access.
type Authorization struct {
	Connection   *Connection `json:"connection"`
	AuthorizeURL string      `json:"authorize_url"`
}

// BeginAuthorization creates a pending connection for the provider and builds
// its authorization URL. The connection id doubles as the OAuth state
// parameter.
func (s *Service) BeginAuthorization(ctx context.Context, userID uuid.UUID, providerID string) (*Authorization, error) {
	prov, err := s.registry.Get(providerID)
	if err != nil {
		return nil, err
	}

	conn := &Connection{
		UserID:            userID,
		ProviderID:        providerID,
		BaseURL:           prov.Settings.BaseURL,
		Status:            StatusPending,
		AutoSync:          true,
		SyncIntervalHours: s.intervalHours,
	}
	if err := s.repo.Create(ctx, conn); err != nil {
		return nil, fmt.Errorf("creating connection: %w", err)
	}

	q := url.Values{}
	q.Set("response_type", "code")
	q.Set("client_id", prov.Settings.ClientID)
	q.Set("redirect_uri", s.redirectURI)
	q.Set("scope", strings.Join(prov.Settings.Scopes, " "))
	q.Set("state", conn.ID.String())
	q.Set("aud", prov.Settings.BaseURL)

	s.log.Info().
		Str("connection_id", conn.ID.String()).
		Str("provider_id", providerID).
		Msg("authorization started")

	return &Authorization{
		Connection:   conn,
		AuthorizeURL: prov.Settings.AuthorizeURL + "?" + q.Encode(),
	}, nil
}

// CompleteAuthorization exchanges the authorization code, captures the
// patient context from the token response, and activates the connection. The
// first sync is scheduled immediately.
func (s *Service) CompleteAuthorization(ctx context.Context, id uuid.UUID, code string) (*Connection, error) {
	conn, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if conn.Status != StatusPending {
		return nil, fmt.Errorf("connection %s is %s, expected %s", conn.ID, conn.Status, StatusPending)
	}

	prov, err := s.registry.Get(conn.ProviderID)
	if err != nil {
		return nil, err
	}

	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("redirect_uri", s.redirectURI)

	tr, err := s.tokens.requestToken(ctx, prov.Settings, form)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCodeExchangeFailed, err)
	}
	if tr.Patient == "" {
		return nil, fmt.Errorf("%w: token response carried no patient context", ErrCodeExchangeFailed)
	}

	conn.PatientID = tr.Patient
	conn.Status = StatusActive
	next := s.now()
	conn.NextSyncAt = &next
	conn.LastError = nil
	if err := s.tokens.storeTokens(ctx, conn, tr); err != nil {
		return nil, err
	}

	s.log.Info().
		Str("connection_id", conn.ID.String()).
		Str("provider_id", conn.ProviderID).
		Msg("connection activated")
	return conn, nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Connection, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *Service) List(ctx context.Context, limit, offset int) ([]*Connection, int, error) {
	return s.repo.List(ctx, limit, offset)
}

func (s *Service) ListByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*Connection, int, error) {
	return s.repo.ListByUser(ctx, userID, limit, offset)
}

// Disconnect retires a connection and destroys its stored tokens. Synced
// data is kept.
func (s *Service) Disconnect(ctx context.Context, id uuid.UUID) (*Connection, error) {
	conn, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	conn.Status = StatusDisconnected
	conn.AccessTokenEnc = ""
	conn.RefreshTokenEnc = ""
	conn.TokenExpiresAt = nil
	conn.NextSyncAt = nil
	if err := s.repo.Update(ctx, conn); err != nil {
		return nil, err
	}

	s.log.Info().Str("connection_id", conn.ID.String()).Msg("connection disconnected")
	return conn, nil
}

// Delete removes the connection row entirely. Synced resources reference it
// and are removed with it by the schema's cascade.
func (s *Service) Delete(ctx context.Context, id uuid.UUID) error {
	return s.repo.Delete(ctx, id)
}
