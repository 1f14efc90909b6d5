package bulkexport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/vitalsync/vitalsync/internal/domain/connection"
	syncengine "github.com/vitalsync/vitalsync/internal/domain/sync"
	"github.com/vitalsync/vitalsync/internal/platform/fhir"
	"github.com/vitalsync/vitalsync/internal/platform/provider"
)

// Manager drives the bulk-export protocol: kickoff, polling, and pulling the
// finished NDJSON files through the conflict engine into the resource store.
type Manager struct {
	conns      connection.Repository
	tokens     *connection.TokenManager
	registry   *provider.Registry
	jobs       JobRepository
	resources  syncengine.ResourceRepository
	reconciler *syncengine.Reconciler
	client     *http.Client
	log        zerolog.Logger
}

func NewManager(conns connection.Repository, tokens *connection.TokenManager, reg *provider.Registry,
	jobs JobRepository, resources syncengine.ResourceRepository, reconciler *syncengine.Reconciler,
	client *http.Client, log zerolog.Logger) *Manager {
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	return &Manager{
		conns:      conns,
		tokens:     tokens,
		registry:   reg,
		jobs:       jobs,
		resources:  resources,
		reconciler: reconciler,
		client:     client,
		log:        log.With().Str("component", "bulk_export").Logger(),
	}
}

// Initiate kicks off an export on the provider. Only a 202 with a
// Content-Location creates a job; every other response is ErrKickoffRejected.
func (m *Manager) Initiate(ctx context.Context, connectionID uuid.UUID, scope, groupID string, types []string, since *time.Time) (*Job, error) {
	conn, err := m.conns.GetByID(ctx, connectionID)
	if err != nil {
		return nil, err
	}
	if !conn.Syncable() {
		return nil, fmt.Errorf("%w: status %s", connection.ErrNotActive, conn.Status)
	}

	kickoff, err := kickoffURL(conn.BaseURL, scope, groupID, types, since)
	if err != nil {
		return nil, err
	}

	token, err := m.tokens.EnsureValidToken(ctx, conn)
	if err != nil {
		return nil, err
	}
	prov, err := m.registry.Get(conn.ProviderID)
	if err != nil {
		return nil, err
	}
	if err := prov.Pacer.Wait(ctx); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, kickoff, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/fhir+json")
	req.Header.Set("Prefer", "respond-async")

	resp, err := m.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKickoffRejected, err)
	}
	defer resp.Body.Close()

	statusURL := resp.Header.Get("Content-Location")
	if resp.StatusCode != http.StatusAccepted || statusURL == "" {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("%w: status %d: %s", ErrKickoffRejected, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	job := &Job{
		ConnectionID:  connectionID,
		Scope:         scope,
		GroupID:       groupID,
		ResourceTypes: append([]string(nil), types...),
		Since:         since,
		KickoffURL:    kickoff,
		StatusURL:     statusURL,
		Status:        StatusInitiated,
	}
	if err := m.jobs.Create(ctx, job); err != nil {
		return nil, fmt.Errorf("recording export job: %w", err)
	}

	m.log.Info().
		Str("job_id", job.ID.String()).
		Str("connection_id", connectionID.String()).
		Str("scope", scope).
		Msg("bulk export initiated")
	return job, nil
}

func kickoffURL(baseURL, scope, groupID string, types []string, since *time.Time) (string, error) {
	base := strings.TrimSuffix(baseURL, "/")
	var path string
	switch scope {
	case ScopePatient:
		path = base + "/Patient/$export"
	case ScopeGroup:
		if groupID == "" {
			return "", fmt.Errorf("%w: group scope requires a group id", ErrInvalidScope)
		}
		path = base + "/Group/" + groupID + "/$export"
	case ScopeSystem:
		path = base + "/$export"
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidScope, scope)
	}

	q := url.Values{}
	q.Set("_outputFormat", "application/fhir+ndjson")
	if len(types) > 0 {
		q.Set("_type", strings.Join(types, ","))
	}
	if since != nil {
		q.Set("_since", since.UTC().Format(time.RFC3339))
	}
	return path + "?" + q.Encode(), nil
}

type manifest struct {
	Output []struct {
		Type  string `json:"type"`
		URL   string `json:"url"`
		Count int    `json:"count"`
	} `json:"output"`
}

// Poll checks the provider's status endpoint. Terminal jobs are returned as
// they are; polling never regresses a finished job.
func (m *Manager) Poll(ctx context.Context, jobID uuid.UUID) (*Job, error) {
	job, err := m.jobs.GetByID(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Terminal() {
		return job, nil
	}

	conn, err := m.conns.GetByID(ctx, job.ConnectionID)
	if err != nil {
		return nil, err
	}
	token, err := m.tokens.EnsureValidToken(ctx, conn)
	if err != nil {
		return nil, err
	}
	prov, err := m.registry.Get(conn.ProviderID)
	if err != nil {
		return nil, err
	}
	if err := prov.Pacer.Wait(ctx); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, job.StatusURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("polling export status: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusAccepted:
		job.Status = StatusInProgress
		if ra, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && ra > 0 {
			job.RetryAfterSecs = ra
		}

	case resp.StatusCode == http.StatusOK:
		var man manifest
		if err := json.NewDecoder(io.LimitReader(resp.Body, 16<<20)).Decode(&man); err != nil {
			return nil, fmt.Errorf("decoding export manifest: %w", err)
		}
		job.OutputFiles = job.OutputFiles[:0]
		for _, out := range man.Output {
			job.OutputFiles = append(job.OutputFiles, OutputFile{Type: out.Type, URL: out.URL, Count: out.Count})
		}
		now := time.Now()
		job.Status = StatusCompleted
		job.CompletedAt = &now
		m.log.Info().
			Str("job_id", job.ID.String()).
			Int("output_files", len(job.OutputFiles)).
			Msg("bulk export completed")

	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		msg := fmt.Sprintf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
		now := time.Now()
		job.Status = StatusFailed
		job.Error = &msg
		job.CompletedAt = &now
		m.log.Warn().Str("job_id", job.ID.String()).Str("cause", msg).Msg("bulk export failed")
	}

	if err := m.jobs.Update(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

// MaterializeResult summarizes one materialization pass over a completed
// export.
type MaterializeResult struct {
	Created int   `json:"created"`
	Updated int   `json:"updated"`
	Skipped int   `json:"skipped"`
	Failed  int   `json:"failed"`
	Bytes   int64 `json:"bytes"`
}

// Materialize streams every output file of a completed job through the
// conflict engine into the resource store. Each line parses independently;
// malformed lines are counted failed and skipped.
func (m *Manager) Materialize(ctx context.Context, jobID uuid.UUID) (*MaterializeResult, error) {
	job, err := m.jobs.GetByID(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status != StatusCompleted {
		return nil, fmt.Errorf("%w: status %s", ErrJobNotCompleted, job.Status)
	}

	conn, err := m.conns.GetByID(ctx, job.ConnectionID)
	if err != nil {
		return nil, err
	}
	token, err := m.tokens.EnsureValidToken(ctx, conn)
	if err != nil {
		return nil, err
	}
	prov, err := m.registry.Get(conn.ProviderID)
	if err != nil {
		return nil, err
	}

	result := &MaterializeResult{}
	for _, file := range job.OutputFiles {
		if err := m.materializeFile(ctx, prov, token, conn.BaseURL, job.ConnectionID, file, result); err != nil {
			result.Failed++
			m.log.Warn().Err(err).Str("job_id", job.ID.String()).Str("url", file.URL).Msg("output file unreadable")
		}
	}

	job.ResourcesProcessed += result.Created + result.Updated + result.Skipped
	job.BytesProcessed += result.Bytes
	if err := m.jobs.Update(ctx, job); err != nil {
		return nil, err
	}

	m.log.Info().
		Str("job_id", job.ID.String()).
		Int("created", result.Created).
		Int("updated", result.Updated).
		Int("skipped", result.Skipped).
		Int("failed", result.Failed).
		Int64("bytes", result.Bytes).
		Msg("bulk export materialized")
	return result, nil
}

func (m *Manager) materializeFile(ctx context.Context, prov *provider.Provider, token, baseURL string,
	connectionID uuid.UUID, file OutputFile, result *MaterializeResult) error {
	if err := prov.Pacer.Wait(ctx); err != nil {
		return err
	}

	target := file.URL
	if !strings.HasPrefix(target, "http://") && !strings.HasPrefix(target, "https://") {
		target = strings.TrimSuffix(baseURL, "/") + "/" + strings.TrimPrefix(target, "/")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/fhir+ndjson")

	resp, err := m.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("output file returned status %d", resp.StatusCode)
	}

	reader := fhir.NewNDJSONReader(resp.Body)
	for {
		raw, err := reader.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			result.Bytes += reader.BytesRead()
			return err
		}
		m.ingest(ctx, connectionID, file.Type, raw, result)
	}
	result.Bytes += reader.BytesRead()
	return nil
}

func (m *Manager) ingest(ctx context.Context, connectionID uuid.UUID, resourceType string, raw json.RawMessage, result *MaterializeResult) {
	externalID, err := fhir.ResourceID(raw)
	if err != nil {
		result.Failed++
		return
	}
	ext, err := fhir.Extract(resourceType, raw)
	if err != nil {
		result.Failed++
		return
	}

	incoming := &syncengine.SyncedResource{
		ConnectionID:  connectionID,
		ResourceType:  resourceType,
		ExternalID:    externalID,
		Raw:           raw,
		Hash:          syncengine.PayloadHash(raw),
		Title:         ext.Title,
		Category:      ext.Category,
		Status:        ext.Status,
		EffectiveDate: ext.EffectiveDate,
	}

	existing, err := m.resources.GetByKey(ctx, connectionID, resourceType, externalID)
	if err != nil && !errors.Is(err, syncengine.ErrResourceNotFound) {
		result.Failed++
		return
	}

	outcome, report := m.reconciler.Reconcile(existing, incoming)
	if len(report.Conflicts) > 0 {
		m.log.Info().
			Str("resource_type", report.ResourceType).
			Str("external_id", report.ExternalID).
			Interface("conflicts", report.Conflicts).
			Msg("conflicts resolved")
	}
	if outcome == syncengine.OutcomeSkipped {
		result.Skipped++
		return
	}
	if _, err := m.resources.Upsert(ctx, incoming); err != nil {
		result.Failed++
		return
	}
	switch outcome {
	case syncengine.OutcomeCreated:
		result.Created++
	case syncengine.OutcomeUpdated:
		result.Updated++
	}
}
