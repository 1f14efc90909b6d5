package connection

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/vitalsync/vitalsync/internal/platform/provider"
	"github.com/vitalsync/vitalsync/internal/platform/vault"
)

// refreshSkew forces a refresh when the access token expires within this
// window, so a token never dies mid-sync.
const refreshSkew = 5 * time.Minute

// TokenManager owns access-token custody for connections: decryption from the
// vault, expiry checks, and the OAuth refresh flow.
type TokenManager struct {
	repo     Repository
	vault    *vault.CredentialVault
	registry *provider.Registry
	client   *http.Client
	log      zerolog.Logger
	now      func() time.Time
}

func NewTokenManager(repo Repository, v *vault.CredentialVault, reg *provider.Registry, client *http.Client, log zerolog.Logger) *TokenManager {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &TokenManager{
		repo:     repo,
		vault:    v,
		registry: reg,
		client:   client,
		log:      log.With().Str("component", "token_manager").Logger(),
		now:      time.Now,
	}
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
	Scope        string `json:"scope"`
	Patient      string `json:"patient"`
}

// EnsureValidToken returns a decrypted access token for the connection,
// refreshing it first when it is expired or inside the refresh window. A
// successful refresh on a connection in the error state moves it back to
// active; any other non-active connection is rejected untouched.
func (m *TokenManager) EnsureValidToken(ctx context.Context, conn *Connection) (string, error) {
	// Only active connections, or ones recovering from a token error, may
	// refresh. A disconnected connection had its tokens destroyed and stays
	// disconnected until re-authorized.
	if conn.Status != StatusActive && conn.Status != StatusError {
		return "", fmt.Errorf("%w: connection is %s", ErrNotActive, conn.Status)
	}

	if conn.TokenExpiresAt != nil && m.now().Add(refreshSkew).Before(*conn.TokenExpiresAt) {
		return m.vault.Decrypt(conn.AccessTokenEnc)
	}

	tok, err := m.refresh(ctx, conn)
	if err != nil {
		m.markError(ctx, conn, err)
		return "", err
	}
	return tok, nil
}

func (m *TokenManager) refresh(ctx context.Context, conn *Connection) (string, error) {
	if conn.RefreshTokenEnc == "" {
		return "", ErrNoRefreshToken
	}
	refreshToken, err := m.vault.Decrypt(conn.RefreshTokenEnc)
	if err != nil {
		return "", fmt.Errorf("decrypting refresh token: %w", err)
	}

	prov, err := m.registry.Get(conn.ProviderID)
	if err != nil {
		return "", err
	}

	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)

	tr, err := m.requestToken(ctx, prov.Settings, form)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrTokenRefreshFailed, err)
	}

	if err := m.storeTokens(ctx, conn, tr); err != nil {
		return "", err
	}

	m.log.Info().
		Str("connection_id", conn.ID.String()).
		Str("provider_id", conn.ProviderID).
		Time("expires_at", *conn.TokenExpiresAt).
		Msg("access token refreshed")
	return tr.AccessToken, nil
}

// requestToken posts an OAuth token request with the provider's client
// authentication style applied.
func (m *TokenManager) requestToken(ctx context.Context, s provider.Settings, form url.Values) (*tokenResponse, error) {
	switch s.AuthStyle {
	case provider.TokenAuthPrivateKeyJWT:
		assertion, err := clientAssertion(s)
		if err != nil {
			return nil, err
		}
		form.Set("client_assertion_type", "urn:ietf:params:oauth:client-assertion-type:jwt-bearer")
		form.Set("client_assertion", assertion)
		form.Set("client_id", s.ClientID)
	default:
		form.Set("client_id", s.ClientID)
		if s.ClientSecret != "" {
			form.Set("client_secret", s.ClientSecret)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("token endpoint returned status %d", resp.StatusCode)
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return nil, fmt.Errorf("decoding token response: %w", err)
	}
	if tr.AccessToken == "" {
		return nil, fmt.Errorf("token endpoint returned no access token")
	}
	return &tr, nil
}

// storeTokens encrypts and persists a token response onto the connection.
// The refresh token rotates only when the provider returned a new one.
func (m *TokenManager) storeTokens(ctx context.Context, conn *Connection, tr *tokenResponse) error {
	accessEnc, err := m.vault.Encrypt(tr.AccessToken)
	if err != nil {
		return fmt.Errorf("encrypting access token: %w", err)
	}
	conn.AccessTokenEnc = accessEnc

	if tr.RefreshToken != "" {
		refreshEnc, err := m.vault.Encrypt(tr.RefreshToken)
		if err != nil {
			return fmt.Errorf("encrypting refresh token: %w", err)
		}
		conn.RefreshTokenEnc = refreshEnc
	}

	expiresIn := tr.ExpiresIn
	if expiresIn <= 0 {
		expiresIn = 3600
	}
	expiresAt := m.now().Add(time.Duration(expiresIn) * time.Second)
	conn.TokenExpiresAt = &expiresAt
	if tr.Scope != "" {
		conn.Scopes = tr.Scope
	}
	if conn.Status == StatusError {
		conn.Status = StatusActive
		conn.LastError = nil
	}

	return m.repo.Update(ctx, conn)
}

func (m *TokenManager) markError(ctx context.Context, conn *Connection, cause error) {
	msg := cause.Error()
	conn.Status = StatusError
	conn.LastError = &msg
	if err := m.repo.Update(ctx, conn); err != nil {
		m.log.Error().Err(err).Str("connection_id", conn.ID.String()).Msg("failed to record token error")
		return
	}
	m.log.Warn().
		Str("connection_id", conn.ID.String()).
		Str("provider_id", conn.ProviderID).
		Err(cause).
		Msg("connection moved to error state")
}

// clientAssertion builds a SMART backend services client assertion signed
// with the provider's registered key.
func clientAssertion(s provider.Settings) (string, error) {
	key, err := jwt.ParseRSAPrivateKeyFromPEM(s.PrivateKeyPEM)
	if err != nil {
		return "", fmt.Errorf("parsing signing key for %s: %w", s.ID, err)
	}

	now := time.Now()
	claims := jwt.RegisteredClaims{
		Issuer:    s.ClientID,
		Subject:   s.ClientID,
		Audience:  jwt.ClaimStrings{s.TokenURL},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(5 * time.Minute)),
		ID:        uuid.NewString(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodRS384, claims).SignedString(key)
}
