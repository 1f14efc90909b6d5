package bulkexport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/vitalsync/vitalsync/internal/domain/connection"
	syncengine "github.com/vitalsync/vitalsync/internal/domain/sync"
	"github.com/vitalsync/vitalsync/internal/platform/provider"
	"github.com/vitalsync/vitalsync/internal/platform/vault"
)

type exportEnv struct {
	manager   *Manager
	jobs      *InMemoryJobRepo
	resources *syncengine.InMemoryResourceRepo
	conns     *connection.InMemoryRepo
	conn      *connection.Connection
	baseURL   string
}

func newExportEnv(t *testing.T, handler http.Handler) *exportEnv {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	key := make([]byte, 32)
	copy(key, "0123456789abcdef0123456789abcdef")
	v, err := vault.New(key)
	if err != nil {
		t.Fatalf("vault.New: %v", err)
	}

	reg := provider.NewRegistry()
	reg.Register(provider.Settings{
		ID:       "testehr",
		Name:     "Test EHR",
		BaseURL:  srv.URL,
		TokenURL: srv.URL + "/token",
	}, nil)

	conns := connection.NewInMemoryRepo()
	accessEnc, _ := v.Encrypt("tok-export")
	refreshEnc, _ := v.Encrypt("refresh-export")
	expires := time.Now().Add(time.Hour)
	conn := &connection.Connection{
		UserID:            uuid.New(),
		ProviderID:        "testehr",
		PatientID:         "pat-4",
		BaseURL:           srv.URL,
		Status:            connection.StatusActive,
		AutoSync:          true,
		SyncIntervalHours: 24,
		AccessTokenEnc:    accessEnc,
		RefreshTokenEnc:   refreshEnc,
		TokenExpiresAt:    &expires,
	}
	if err := conns.Create(context.Background(), conn); err != nil {
		t.Fatalf("Create: %v", err)
	}

	jobs := NewInMemoryJobRepo()
	resources := syncengine.NewInMemoryResourceRepo()
	tm := connection.NewTokenManager(conns, v, reg, srv.Client(), zerolog.Nop())
	manager := NewManager(conns, tm, reg, jobs, resources,
		syncengine.NewReconciler(syncengine.IncomingWinsPolicy{}, zerolog.Nop()),
		srv.Client(), zerolog.Nop())

	return &exportEnv{manager: manager, jobs: jobs, resources: resources, conns: conns, conn: conn, baseURL: srv.URL}
}

func TestInitiateKickoff(t *testing.T) {
	var (
		mu         sync.Mutex
		gotURL    *url.URL
		headers    http.Header
	)
	env := newExportEnv(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/Patient/$export" {
			mu.Lock()
			gotURL = r.URL
			headers = r.Header.Clone()
			mu.Unlock()
			w.Header().Set("Content-Location", "http://"+r.Host+"/export-status/1")
			w.WriteHeader(http.StatusAccepted)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))

	since := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	job, err := env.manager.Initiate(context.Background(), env.conn.ID, ScopePatient, "", []string{"Observation", "Condition"}, &since)
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if gotURL == nil {
		t.Fatal("kickoff endpoint was never called")
	}
	if got := headers.Get("Prefer"); got != "respond-async" {
		t.Errorf("Prefer = %q, want respond-async", got)
	}
	if got := headers.Get("Authorization"); got != "Bearer tok-export" {
		t.Errorf("Authorization = %q", got)
	}
	q := gotURL.Query()
	if got := q.Get("_type"); got != "Observation,Condition" {
		t.Errorf("_type = %q", got)
	}
	if got := q.Get("_since"); got != "2026-04-01T00:00:00Z" {
		t.Errorf("_since = %q", got)
	}
	if got := q.Get("_outputFormat"); got != "application/fhir+ndjson" {
		t.Errorf("_outputFormat = %q", got)
	}

	if job.Status != StatusInitiated {
		t.Errorf("status = %s, want %s", job.Status, StatusInitiated)
	}
	if job.StatusURL == "" {
		t.Error("status URL not captured from Content-Location")
	}
	stored, err := env.jobs.GetByID(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if stored.StatusURL != job.StatusURL {
		t.Error("stored job does not match returned job")
	}
}

func TestInitiateGroupAndSystemScopes(t *testing.T) {
	var (
		mu    sync.Mutex
		paths []string
	)
	env := newExportEnv(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		paths = append(paths, r.URL.Path)
		mu.Unlock()
		w.Header().Set("Content-Location", "http://"+r.Host+"/export-status/1")
		w.WriteHeader(http.StatusAccepted)
	}))

	if _, err := env.manager.Initiate(context.Background(), env.conn.ID, ScopeGroup, "grp-7", nil, nil); err != nil {
		t.Fatalf("group Initiate: %v", err)
	}
	if _, err := env.manager.Initiate(context.Background(), env.conn.ID, ScopeSystem, "", nil, nil); err != nil {
		t.Fatalf("system Initiate: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(paths) != 2 {
		t.Fatalf("kickoff requests = %d, want 2", len(paths))
	}
	want := []string{"/Group/grp-7/$export", "/$export"}
	for i, p := range want {
		if paths[i] != p {
			t.Errorf("path[%d] = %q, want %q", i, paths[i], p)
		}
	}
}

func TestInitiateRejectsBadScope(t *testing.T) {
	env := newExportEnv(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request expected")
	}))

	if _, err := env.manager.Initiate(context.Background(), env.conn.ID, "everything", "", nil, nil); !errors.Is(err, ErrInvalidScope) {
		t.Errorf("err = %v, want ErrInvalidScope", err)
	}
	if _, err := env.manager.Initiate(context.Background(), env.conn.ID, ScopeGroup, "", nil, nil); !errors.Is(err, ErrInvalidScope) {
		t.Errorf("group without id: err = %v, want ErrInvalidScope", err)
	}
}

func TestInitiateKickoffRejected(t *testing.T) {
	env := newExportEnv(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bulk export not enabled", http.StatusBadRequest)
	}))

	_, err := env.manager.Initiate(context.Background(), env.conn.ID, ScopePatient, "", nil, nil)
	if !errors.Is(err, ErrKickoffRejected) {
		t.Fatalf("err = %v, want ErrKickoffRejected", err)
	}
	if _, total, _ := env.jobs.ListByConnection(context.Background(), env.conn.ID, 10, 0); total != 0 {
		t.Errorf("rejected kickoff left %d jobs behind", total)
	}
}

func TestInitiateMissingContentLocation(t *testing.T) {
	env := newExportEnv(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))

	if _, err := env.manager.Initiate(context.Background(), env.conn.ID, ScopePatient, "", nil, nil); !errors.Is(err, ErrKickoffRejected) {
		t.Errorf("err = %v, want ErrKickoffRejected", err)
	}
}

func TestPollProgressThenComplete(t *testing.T) {
	polls := 0
	env := newExportEnv(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/Patient/$export":
			w.Header().Set("Content-Location", "http://"+r.Host+"/export-status/1")
			w.WriteHeader(http.StatusAccepted)
		case "/export-status/1":
			polls++
			if polls == 1 {
				w.Header().Set("Retry-After", "120")
				w.WriteHeader(http.StatusAccepted)
				return
			}
			fmt.Fprintf(w, `{"output": [{"type": "Observation", "url": "http://%s/files/obs.ndjson", "count": 3}]}`, r.Host)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))

	job, err := env.manager.Initiate(context.Background(), env.conn.ID, ScopePatient, "", nil, nil)
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}

	job, err = env.manager.Poll(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("first Poll: %v", err)
	}
	if job.Status != StatusInProgress {
		t.Errorf("status = %s, want %s", job.Status, StatusInProgress)
	}
	if job.RetryAfterSecs != 120 {
		t.Errorf("RetryAfterSecs = %d, want 120", job.RetryAfterSecs)
	}

	job, err = env.manager.Poll(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("second Poll: %v", err)
	}
	if job.Status != StatusCompleted {
		t.Errorf("status = %s, want %s", job.Status, StatusCompleted)
	}
	if job.CompletedAt == nil {
		t.Error("CompletedAt not set")
	}
	if len(job.OutputFiles) != 1 {
		t.Fatalf("OutputFiles = %d, want 1", len(job.OutputFiles))
	}
	if f := job.OutputFiles[0]; f.Type != "Observation" || f.Count != 3 {
		t.Errorf("output file = %+v", f)
	}

	// Terminal jobs are never polled again, even if the server would now
	// answer differently.
	again, err := env.manager.Poll(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("terminal Poll: %v", err)
	}
	if again.Status != StatusCompleted || polls != 2 {
		t.Errorf("terminal poll regressed: status=%s polls=%d", again.Status, polls)
	}
}

func TestPollFailure(t *testing.T) {
	env := newExportEnv(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/Patient/$export":
			w.Header().Set("Content-Location", "http://"+r.Host+"/export-status/1")
			w.WriteHeader(http.StatusAccepted)
		case "/export-status/1":
			http.Error(w, "export job expired", http.StatusGone)
		}
	}))

	job, err := env.manager.Initiate(context.Background(), env.conn.ID, ScopePatient, "", nil, nil)
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	job, err = env.manager.Poll(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if job.Status != StatusFailed {
		t.Errorf("status = %s, want %s", job.Status, StatusFailed)
	}
	if job.Error == nil || *job.Error == "" {
		t.Error("failure cause not recorded")
	}
}

func TestPollDisconnectedConnectionKeepsStatus(t *testing.T) {
	env := newExportEnv(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/Patient/$export" {
			w.Header().Set("Content-Location", "http://"+r.Host+"/export-status/1")
			w.WriteHeader(http.StatusAccepted)
			return
		}
		t.Errorf("unexpected request to %s after disconnect", r.URL.Path)
	}))

	job, err := env.manager.Initiate(context.Background(), env.conn.ID, ScopePatient, "", nil, nil)
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}

	env.conn.Status = connection.StatusDisconnected
	env.conn.AccessTokenEnc = ""
	env.conn.RefreshTokenEnc = ""
	env.conn.TokenExpiresAt = nil
	if err := env.conns.Update(context.Background(), env.conn); err != nil {
		t.Fatalf("Update: %v", err)
	}

	if _, err := env.manager.Poll(context.Background(), job.ID); !errors.Is(err, connection.ErrNotActive) {
		t.Fatalf("Poll err = %v, want ErrNotActive", err)
	}

	stored, err := env.conns.GetByID(context.Background(), env.conn.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if stored.Status != connection.StatusDisconnected {
		t.Errorf("connection status = %q after Poll, want %q", stored.Status, connection.StatusDisconnected)
	}
}

func TestMaterializeRequiresCompletedJob(t *testing.T) {
	env := newExportEnv(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Location", "http://"+r.Host+"/export-status/1")
		w.WriteHeader(http.StatusAccepted)
	}))

	job, err := env.manager.Initiate(context.Background(), env.conn.ID, ScopePatient, "", nil, nil)
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	if _, err := env.manager.Materialize(context.Background(), job.ID); !errors.Is(err, ErrJobNotCompleted) {
		t.Errorf("err = %v, want ErrJobNotCompleted", err)
	}
}

func TestMaterializeIngestsNDJSON(t *testing.T) {
	ndjson := `{"resourceType": "Observation", "id": "obs-1", "status": "final", "code": {"text": "Glucose"}}
{"resourceType": "Observation", "id": "obs-2", "status": "final", "code": {"text": "HbA1c"}}
not json at all
{"resourceType": "Observation", "id": "obs-3", "status": "final", "code": {"text": "Creatinine"}}
`
	env := newExportEnv(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/Patient/$export":
			w.Header().Set("Content-Location", "http://"+r.Host+"/export-status/1")
			w.WriteHeader(http.StatusAccepted)
		case "/export-status/1":
			fmt.Fprintf(w, `{"output": [{"type": "Observation", "url": "http://%s/files/obs.ndjson", "count": 3}]}`, r.Host)
		case "/files/obs.ndjson":
			fmt.Fprint(w, ndjson)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))

	// obs-2 exists already in a preliminary state.
	old := `{"resourceType": "Observation", "id": "obs-2", "status": "preliminary", "code": {"text": "HbA1c"}}`
	if _, err := env.resources.Upsert(context.Background(), &syncengine.SyncedResource{
		ConnectionID: env.conn.ID,
		ResourceType: "Observation",
		ExternalID:   "obs-2",
		Raw:          json.RawMessage(old),
		Hash:         syncengine.PayloadHash(json.RawMessage(old)),
		Title:        "HbA1c",
		Status:       "preliminary",
	}); err != nil {
		t.Fatalf("seeding store: %v", err)
	}

	job, err := env.manager.Initiate(context.Background(), env.conn.ID, ScopePatient, "", nil, nil)
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	if job, err = env.manager.Poll(context.Background(), job.ID); err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if job.Status != StatusCompleted {
		t.Fatalf("status = %s, want completed", job.Status)
	}

	result, err := env.manager.Materialize(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("Materialize: %v", err)
	}
	if result.Created != 2 {
		t.Errorf("Created = %d, want 2", result.Created)
	}
	if result.Updated != 1 {
		t.Errorf("Updated = %d, want 1", result.Updated)
	}
	if result.Failed != 1 {
		t.Errorf("Failed = %d, want 1", result.Failed)
	}
	if result.Bytes == 0 {
		t.Error("Bytes not counted")
	}

	stored, err := env.resources.GetByKey(context.Background(), env.conn.ID, "Observation", "obs-2")
	if err != nil {
		t.Fatalf("GetByKey: %v", err)
	}
	if stored.Status != "final" {
		t.Errorf("stored status = %q, want final", stored.Status)
	}
	if n, _ := env.resources.CountByConnection(context.Background(), env.conn.ID); n != 3 {
		t.Errorf("stored resources = %d, want 3", n)
	}

	job, err = env.jobs.GetByID(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if job.ResourcesProcessed != 3 {
		t.Errorf("ResourcesProcessed = %d, want 3", job.ResourcesProcessed)
	}
	if job.BytesProcessed == 0 {
		t.Error("BytesProcessed not recorded")
	}
}

func TestMaterializeSecondPassSkips(t *testing.T) {
	ndjson := `{"resourceType": "Condition", "id": "cond-1", "clinicalStatus": {"coding": [{"code": "active"}]}, "code": {"text": "Hypertension"}}
`
	env := newExportEnv(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/Patient/$export":
			w.Header().Set("Content-Location", "http://"+r.Host+"/export-status/1")
			w.WriteHeader(http.StatusAccepted)
		case "/export-status/1":
			fmt.Fprintf(w, `{"output": [{"type": "Condition", "url": "http://%s/files/cond.ndjson", "count": 1}]}`, r.Host)
		case "/files/cond.ndjson":
			fmt.Fprint(w, ndjson)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))

	job, err := env.manager.Initiate(context.Background(), env.conn.ID, ScopePatient, "", nil, nil)
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	if job, err = env.manager.Poll(context.Background(), job.ID); err != nil {
		t.Fatalf("Poll: %v", err)
	}

	first, err := env.manager.Materialize(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("first Materialize: %v", err)
	}
	if first.Created != 1 || first.Skipped != 0 {
		t.Errorf("first pass: %+v", first)
	}

	second, err := env.manager.Materialize(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("second Materialize: %v", err)
	}
	if second.Created != 0 || second.Updated != 0 || second.Skipped != 1 {
		t.Errorf("second pass: %+v", second)
	}
	if n, _ := env.resources.CountByConnection(context.Background(), env.conn.ID); n != 1 {
		t.Errorf("stored resources = %d, want 1", n)
	}
}
