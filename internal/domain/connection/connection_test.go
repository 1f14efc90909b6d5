package connection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/vitalsync/vitalsync/internal/platform/provider"
	"github.com/vitalsync/vitalsync/internal/platform/vault"
)

func newTestVault(t *testing.T) *vault.CredentialVault {
	t.Helper()
	key := make([]byte, 32)
	copy(key, "0123456789abcdef0123456789abcdef")
	v, err := vault.New(key)
	if err != nil {
		t.Fatalf("vault.New: %v", err)
	}
	return v
}

func newTestRegistry(tokenURL string) *provider.Registry {
	reg := provider.NewRegistry()
	reg.Register(provider.Settings{
		ID:           "testehr",
		Name:         "Test EHR",
		BaseURL:      "https://fhir.test.example/r4",
		AuthorizeURL: "https://auth.test.example/authorize",
		TokenURL:     tokenURL,
		Scopes:       []string{"launch/patient", "patient/*.read", "offline_access"},
		ClientID:     "client-abc",
		ClientSecret: "secret-xyz",
		AuthStyle:    provider.TokenAuthSecret,
	}, nil)
	return reg
}

func seedActiveConnection(t *testing.T, repo Repository, v *vault.CredentialVault, expiresAt time.Time) *Connection {
	t.Helper()
	accessEnc, err := v.Encrypt("old-access")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	refreshEnc, err := v.Encrypt("old-refresh")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	conn := &Connection{
		UserID:            uuid.New(),
		ProviderID:        "testehr",
		PatientID:         "pat-1",
		BaseURL:           "https://fhir.test.example/r4",
		Status:            StatusActive,
		AutoSync:          true,
		SyncIntervalHours: 24,
		AccessTokenEnc:    accessEnc,
		RefreshTokenEnc:   refreshEnc,
		TokenExpiresAt:    &expiresAt,
	}
	if err := repo.Create(context.Background(), conn); err != nil {
		t.Fatalf("Create: %v", err)
	}
	return conn
}

func TestEnsureValidTokenUsesCachedToken(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
	}))
	defer srv.Close()

	v := newTestVault(t)
	repo := NewInMemoryRepo()
	conn := seedActiveConnection(t, repo, v, time.Now().Add(time.Hour))
	tm := NewTokenManager(repo, v, newTestRegistry(srv.URL), srv.Client(), zerolog.Nop())

	tok, err := tm.EnsureValidToken(context.Background(), conn)
	if err != nil {
		t.Fatalf("EnsureValidToken: %v", err)
	}
	if tok != "old-access" {
		t.Errorf("token = %q, want cached token", tok)
	}
	if calls != 0 {
		t.Errorf("token endpoint called %d times for fresh token", calls)
	}
}

func TestEnsureValidTokenRefreshesInsideSkewWindow(t *testing.T) {
	var gotForm url.Values
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		gotForm = r.PostForm
		json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token":  "new-access",
			"refresh_token": "new-refresh",
			"expires_in":    3600,
		})
	}))
	defer srv.Close()

	v := newTestVault(t)
	repo := NewInMemoryRepo()
	conn := seedActiveConnection(t, repo, v, time.Now().Add(time.Minute))
	tm := NewTokenManager(repo, v, newTestRegistry(srv.URL), srv.Client(), zerolog.Nop())

	tok, err := tm.EnsureValidToken(context.Background(), conn)
	if err != nil {
		t.Fatalf("EnsureValidToken: %v", err)
	}
	if tok != "new-access" {
		t.Errorf("token = %q, want refreshed token", tok)
	}
	if gotForm.Get("grant_type") != "refresh_token" || gotForm.Get("refresh_token") != "old-refresh" {
		t.Errorf("refresh form = %v", gotForm)
	}
	if gotForm.Get("client_secret") != "secret-xyz" {
		t.Errorf("client_secret = %q", gotForm.Get("client_secret"))
	}

	stored, _ := repo.GetByID(context.Background(), conn.ID)
	if access, _ := v.Decrypt(stored.AccessTokenEnc); access != "new-access" {
		t.Errorf("stored access token = %q", access)
	}
	if refresh, _ := v.Decrypt(stored.RefreshTokenEnc); refresh != "new-refresh" {
		t.Errorf("stored refresh token = %q, want rotated", refresh)
	}
	if stored.TokenExpiresAt == nil || time.Until(*stored.TokenExpiresAt) < 50*time.Minute {
		t.Error("expiry not advanced by expires_in")
	}
}

func TestEnsureValidTokenKeepsRefreshTokenWhenNotRotated(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"access_token": "new-access", "expires_in": 900}`)
	}))
	defer srv.Close()

	v := newTestVault(t)
	repo := NewInMemoryRepo()
	conn := seedActiveConnection(t, repo, v, time.Now().Add(-time.Minute))
	tm := NewTokenManager(repo, v, newTestRegistry(srv.URL), srv.Client(), zerolog.Nop())

	if _, err := tm.EnsureValidToken(context.Background(), conn); err != nil {
		t.Fatalf("EnsureValidToken: %v", err)
	}
	stored, _ := repo.GetByID(context.Background(), conn.ID)
	if refresh, _ := v.Decrypt(stored.RefreshTokenEnc); refresh != "old-refresh" {
		t.Errorf("refresh token = %q, want original preserved", refresh)
	}
}

func TestEnsureValidTokenNoRefreshToken(t *testing.T) {
	v := newTestVault(t)
	repo := NewInMemoryRepo()
	conn := seedActiveConnection(t, repo, v, time.Now().Add(-time.Minute))
	conn.RefreshTokenEnc = ""
	if err := repo.Update(context.Background(), conn); err != nil {
		t.Fatalf("Update: %v", err)
	}
	tm := NewTokenManager(repo, v, newTestRegistry("http://unused"), nil, zerolog.Nop())

	_, err := tm.EnsureValidToken(context.Background(), conn)
	if !errors.Is(err, ErrNoRefreshToken) {
		t.Fatalf("err = %v, want ErrNoRefreshToken", err)
	}
	stored, _ := repo.GetByID(context.Background(), conn.ID)
	if stored.Status != StatusError || stored.LastError == nil {
		t.Errorf("connection status = %q lastError = %v, want error state recorded", stored.Status, stored.LastError)
	}
}

func TestEnsureValidTokenRejectsDisconnectedConnection(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
	}))
	defer srv.Close()

	v := newTestVault(t)
	repo := NewInMemoryRepo()
	conn := seedActiveConnection(t, repo, v, time.Now().Add(-time.Hour))
	conn.Status = StatusDisconnected
	conn.AccessTokenEnc = ""
	conn.RefreshTokenEnc = ""
	if err := repo.Update(context.Background(), conn); err != nil {
		t.Fatalf("Update: %v", err)
	}
	tm := NewTokenManager(repo, v, newTestRegistry(srv.URL), srv.Client(), zerolog.Nop())

	_, err := tm.EnsureValidToken(context.Background(), conn)
	if !errors.Is(err, ErrNotActive) {
		t.Fatalf("err = %v, want ErrNotActive", err)
	}
	if calls != 0 {
		t.Errorf("token endpoint called %d times for a disconnected connection", calls)
	}
	stored, _ := repo.GetByID(context.Background(), conn.ID)
	if stored.Status != StatusDisconnected {
		t.Errorf("status = %q, want disconnected left untouched", stored.Status)
	}
	if stored.LastError != nil {
		t.Errorf("last error = %q, want none recorded", *stored.LastError)
	}
}

func TestEnsureValidTokenRefreshFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error": "invalid_grant"}`, http.StatusBadRequest)
	}))
	defer srv.Close()

	v := newTestVault(t)
	repo := NewInMemoryRepo()
	conn := seedActiveConnection(t, repo, v, time.Now().Add(-time.Hour))
	tm := NewTokenManager(repo, v, newTestRegistry(srv.URL), srv.Client(), zerolog.Nop())

	_, err := tm.EnsureValidToken(context.Background(), conn)
	if !errors.Is(err, ErrTokenRefreshFailed) {
		t.Fatalf("err = %v, want ErrTokenRefreshFailed", err)
	}
	stored, _ := repo.GetByID(context.Background(), conn.ID)
	if stored.Status != StatusError {
		t.Errorf("status = %q, want %q", stored.Status, StatusError)
	}
}

func TestSuccessfulRefreshClearsErrorState(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"access_token": "recovered", "expires_in": 3600}`)
	}))
	defer srv.Close()

	v := newTestVault(t)
	repo := NewInMemoryRepo()
	conn := seedActiveConnection(t, repo, v, time.Now().Add(-time.Hour))
	msg := "previous failure"
	conn.Status = StatusError
	conn.LastError = &msg
	if err := repo.Update(context.Background(), conn); err != nil {
		t.Fatalf("Update: %v", err)
	}
	tm := NewTokenManager(repo, v, newTestRegistry(srv.URL), srv.Client(), zerolog.Nop())

	if _, err := tm.EnsureValidToken(context.Background(), conn); err != nil {
		t.Fatalf("EnsureValidToken: %v", err)
	}
	stored, _ := repo.GetByID(context.Background(), conn.ID)
	if stored.Status != StatusActive || stored.LastError != nil {
		t.Errorf("status = %q lastError = %v, want recovered to active", stored.Status, stored.LastError)
	}
}

func TestBeginAuthorization(t *testing.T) {
	v := newTestVault(t)
	repo := NewInMemoryRepo()
	reg := newTestRegistry("http://unused")
	svc := NewService(repo, NewTokenManager(repo, v, reg, nil, zerolog.Nop()), reg, "https://app.example/callback", 24, zerolog.Nop())

	auth, err := svc.BeginAuthorization(context.Background(), uuid.New(), "testehr")
	if err != nil {
		t.Fatalf("BeginAuthorization: %v", err)
	}
	if auth.Connection.Status != StatusPending {
		t.Errorf("status = %q", auth.Connection.Status)
	}

	u, err := url.Parse(auth.AuthorizeURL)
	if err != nil {
		t.Fatalf("parsing authorize URL: %v", err)
	}
	q := u.Query()
	if q.Get("client_id") != "client-abc" || q.Get("response_type") != "code" {
		t.Errorf("authorize query = %v", q)
	}
	if q.Get("state") != auth.Connection.ID.String() {
		t.Errorf("state = %q, want connection id", q.Get("state"))
	}
	if !strings.Contains(q.Get("scope"), "offline_access") {
		t.Errorf("scope = %q", q.Get("scope"))
	}

	if _, err := svc.BeginAuthorization(context.Background(), uuid.New(), "nosuch"); !errors.Is(err, provider.ErrUnknownProvider) {
		t.Errorf("unknown provider err = %v", err)
	}
}

func TestCompleteAuthorization(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		if r.PostForm.Get("grant_type") != "authorization_code" || r.PostForm.Get("code") != "the-code" {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token":  "granted-access",
			"refresh_token": "granted-refresh",
			"expires_in":    3600,
			"patient":       "pat-42",
			"scope":         "patient/*.read",
		})
	}))
	defer srv.Close()

	v := newTestVault(t)
	repo := NewInMemoryRepo()
	reg := newTestRegistry(srv.URL)
	svc := NewService(repo, NewTokenManager(repo, v, reg, srv.Client(), zerolog.Nop()), reg, "https://app.example/callback", 24, zerolog.Nop())

	auth, err := svc.BeginAuthorization(context.Background(), uuid.New(), "testehr")
	if err != nil {
		t.Fatalf("BeginAuthorization: %v", err)
	}
	conn, err := svc.CompleteAuthorization(context.Background(), auth.Connection.ID, "the-code")
	if err != nil {
		t.Fatalf("CompleteAuthorization: %v", err)
	}

	if conn.Status != StatusActive {
		t.Errorf("status = %q", conn.Status)
	}
	if conn.PatientID != "pat-42" {
		t.Errorf("patient id = %q", conn.PatientID)
	}
	if conn.NextSyncAt == nil {
		t.Error("next sync not scheduled")
	}
	if conn.AccessTokenEnc == "granted-access" {
		t.Error("access token stored in plaintext")
	}
	if access, _ := v.Decrypt(conn.AccessTokenEnc); access != "granted-access" {
		t.Errorf("decrypted access token = %q", access)
	}

	// Second completion must fail, the connection is no longer pending.
	if _, err := svc.CompleteAuthorization(context.Background(), auth.Connection.ID, "the-code"); err == nil {
		t.Error("expected error completing an already-active connection")
	}
}

func TestCompleteAuthorizationWithoutPatientContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"access_token": "tok", "expires_in": 3600}`)
	}))
	defer srv.Close()

	v := newTestVault(t)
	repo := NewInMemoryRepo()
	reg := newTestRegistry(srv.URL)
	svc := NewService(repo, NewTokenManager(repo, v, reg, srv.Client(), zerolog.Nop()), reg, "https://app.example/callback", 24, zerolog.Nop())

	auth, _ := svc.BeginAuthorization(context.Background(), uuid.New(), "testehr")
	if _, err := svc.CompleteAuthorization(context.Background(), auth.Connection.ID, "code"); !errors.Is(err, ErrCodeExchangeFailed) {
		t.Errorf("err = %v, want ErrCodeExchangeFailed", err)
	}
}

func TestDisconnectDestroysTokens(t *testing.T) {
	v := newTestVault(t)
	repo := NewInMemoryRepo()
	reg := newTestRegistry("http://unused")
	svc := NewService(repo, NewTokenManager(repo, v, reg, nil, zerolog.Nop()), reg, "https://app.example/callback", 24, zerolog.Nop())

	conn := seedActiveConnection(t, repo, v, time.Now().Add(time.Hour))
	now := time.Now()
	conn.NextSyncAt = &now
	repo.Update(context.Background(), conn)

	got, err := svc.Disconnect(context.Background(), conn.ID)
	if err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if got.Status != StatusDisconnected {
		t.Errorf("status = %q", got.Status)
	}
	if got.AccessTokenEnc != "" || got.RefreshTokenEnc != "" || got.NextSyncAt != nil {
		t.Error("tokens or schedule survived disconnect")
	}
}

func TestListDueForSync(t *testing.T) {
	v := newTestVault(t)
	repo := NewInMemoryRepo()
	now := time.Now()

	past := seedActiveConnection(t, repo, v, now.Add(time.Hour))
	earlier := now.Add(-time.Hour)
	past.NextSyncAt = &earlier
	repo.Update(context.Background(), past)

	future := seedActiveConnection(t, repo, v, now.Add(time.Hour))
	later := now.Add(time.Hour)
	future.NextSyncAt = &later
	repo.Update(context.Background(), future)

	disconnected := seedActiveConnection(t, repo, v, now.Add(time.Hour))
	disconnected.Status = StatusDisconnected
	disconnected.NextSyncAt = &earlier
	repo.Update(context.Background(), disconnected)

	due, err := repo.ListDueForSync(context.Background(), now, 10)
	if err != nil {
		t.Fatalf("ListDueForSync: %v", err)
	}
	if len(due) != 1 || due[0].ID != past.ID {
		t.Errorf("due = %d connections, want only the overdue active one", len(due))
	}
}
