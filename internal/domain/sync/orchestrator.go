package sync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/vitalsync/vitalsync/internal/domain/connection"
	"github.com/vitalsync/vitalsync/internal/platform/fhir"
	"github.com/vitalsync/vitalsync/internal/platform/provider"
)

// Orchestrator drives sync runs: one worker goroutine per run, counters
// persisted as the run progresses, no shared mutable state between
// connections outside the repositories.
type Orchestrator struct {
	conns      connection.Repository
	tokens     *connection.TokenManager
	registry   *provider.Registry
	runs       RunRepository
	resources  ResourceRepository
	reconciler *Reconciler
	log        zerolog.Logger

	mu        sync.Mutex
	cancelled map[uuid.UUID]bool
	wg        sync.WaitGroup
	now       func() time.Time
}

func NewOrchestrator(conns connection.Repository, tokens *connection.TokenManager, reg *provider.Registry,
	runs RunRepository, resources ResourceRepository, reconciler *Reconciler, log zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		conns:      conns,
		tokens:     tokens,
		registry:   reg,
		runs:       runs,
		resources:  resources,
		reconciler: reconciler,
		log:        log.With().Str("component", "orchestrator").Logger(),
		cancelled:  make(map[uuid.UUID]bool),
		now:        time.Now,
	}
}

// StartSync queues a run for the connection and launches its worker. It
// returns as soon as the run is recorded; progress is observed through the
// run's counters. Overlap with a live run is allowed but logged.
func (o *Orchestrator) StartSync(ctx context.Context, connectionID uuid.UUID, mode string, types []string) (*SyncRun, error) {
	if mode == "" {
		mode = ModeIncremental
	}
	if mode != ModeIncremental && mode != ModeFull {
		return nil, fmt.Errorf("%w: %q", ErrInvalidMode, mode)
	}

	conn, err := o.conns.GetByID(ctx, connectionID)
	if err != nil {
		return nil, err
	}
	if !conn.Syncable() {
		return nil, fmt.Errorf("%w: status %s", connection.ErrNotActive, conn.Status)
	}

	if active, err := o.runs.ActiveRun(ctx, connectionID); err != nil {
		return nil, err
	} else if active != nil {
		o.log.Warn().
			Str("connection_id", connectionID.String()).
			Str("active_run_id", active.ID.String()).
			Msg("starting sync while another run is live")
	}

	if len(types) == 0 {
		types = fhir.DefaultSyncResourceTypes
	}
	types = append([]string(nil), types...)

	run := &SyncRun{
		ConnectionID: connectionID,
		Mode:         mode,
		Status:       RunStatusQueued,
		QueuedAt:     o.now(),
	}
	if err := o.runs.Create(ctx, run); err != nil {
		return nil, fmt.Errorf("recording sync run: %w", err)
	}

	o.wg.Add(1)
	go o.execute(context.Background(), run, conn, types)

	return run, nil
}

// CancelSync marks a non-terminal run cancelled. The cancellation is
// advisory: the worker notices between resource types and stops starting new
// ones, but the type in flight finishes.
func (o *Orchestrator) CancelSync(ctx context.Context, runID uuid.UUID) (*SyncRun, error) {
	run, err := o.runs.GetByID(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.Terminal() {
		return nil, ErrRunTerminal
	}

	o.mu.Lock()
	o.cancelled[runID] = true
	o.mu.Unlock()

	run.Status = RunStatusCancelled
	if err := o.runs.Update(ctx, run); err != nil {
		return nil, err
	}
	o.log.Info().Str("run_id", runID.String()).Msg("sync run cancelled")
	return run, nil
}

// Wait blocks until every launched worker has finished.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// RunScheduler ticks until the context ends, starting incremental runs for
// every connection whose next_sync_at has passed.
func (o *Orchestrator) RunScheduler(ctx context.Context, tick time.Duration) {
	t := time.NewTicker(tick)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			due, err := o.conns.ListDueForSync(ctx, now, 20)
			if err != nil {
				o.log.Error().Err(err).Msg("scheduler failed to list due connections")
				continue
			}
			for _, conn := range due {
				if _, err := o.StartSync(ctx, conn.ID, ModeIncremental, nil); err != nil {
					o.log.Warn().Err(err).Str("connection_id", conn.ID.String()).Msg("scheduled sync not started")
				}
			}
		}
	}
}

func (o *Orchestrator) isCancelled(runID uuid.UUID) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.cancelled[runID]
}

func (o *Orchestrator) clearCancelled(runID uuid.UUID) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	was := o.cancelled[runID]
	delete(o.cancelled, runID)
	return was
}

func (o *Orchestrator) execute(ctx context.Context, run *SyncRun, conn *connection.Connection, types []string) {
	defer o.wg.Done()
	defer func() {
		if rec := recover(); rec != nil {
			o.log.Error().Interface("panic", rec).Str("run_id", run.ID.String()).Msg("sync worker panicked")
			o.failRun(ctx, run, fmt.Errorf("worker panic: %v", rec))
		}
	}()

	started := o.now()
	run.Status = RunStatusSyncing
	run.StartedAt = &started
	if err := o.runs.Update(ctx, run); err != nil {
		o.log.Error().Err(err).Str("run_id", run.ID.String()).Msg("failed to mark run syncing")
		return
	}

	token, err := o.tokens.EnsureValidToken(ctx, conn)
	if err != nil {
		o.failRun(ctx, run, err)
		return
	}
	prov, err := o.registry.Get(conn.ProviderID)
	if err != nil {
		o.failRun(ctx, run, err)
		return
	}

	info := provider.ConnectionInfo{
		BaseURL:     conn.BaseURL,
		AccessToken: token,
		PatientID:   conn.PatientID,
	}
	var since *time.Time
	if run.Mode == ModeIncremental {
		since = conn.LastSyncAt
	}

	for _, resourceType := range types {
		if o.isCancelled(run.ID) {
			break
		}
		o.syncResourceType(ctx, run, prov.Adapter, info, resourceType, since)
		if err := o.runs.UpdateProgress(ctx, run); err != nil {
			o.log.Error().Err(err).Str("run_id", run.ID.String()).Msg("failed to persist run progress")
		}
	}

	completed := o.now()
	run.CompletedAt = &completed
	run.DurationMS = completed.Sub(started).Milliseconds()
	if o.clearCancelled(run.ID) {
		run.Status = RunStatusCancelled
	} else {
		run.Status = RunStatusCompleted
	}
	if err := o.runs.Update(ctx, run); err != nil {
		o.log.Error().Err(err).Str("run_id", run.ID.String()).Msg("failed to finalize run")
	}

	// The watermark is the run's start time, so records changing while we
	// sync land in the next window.
	if run.Status == RunStatusCompleted {
		conn.LastSyncAt = &started
		next := started.Add(time.Duration(conn.SyncIntervalHours) * time.Hour)
		conn.NextSyncAt = &next
		if err := o.conns.Update(ctx, conn); err != nil {
			o.log.Error().Err(err).Str("connection_id", conn.ID.String()).Msg("failed to reschedule connection")
		}
	}

	o.log.Info().
		Str("run_id", run.ID.String()).
		Str("connection_id", conn.ID.String()).
		Str("status", run.Status).
		Int("created", run.ResourcesCreated).
		Int("updated", run.ResourcesUpdated).
		Int("skipped", run.ResourcesSkipped).
		Int("failed", run.ResourcesFailed).
		Int("conflicts", run.ConflictsDetected).
		Int64("duration_ms", run.DurationMS).
		Msg("sync run finished")
}

// syncResourceType lists and ingests one resource type. Failures stay inside
// this type: they count against the run but never stop the remaining types.
func (o *Orchestrator) syncResourceType(ctx context.Context, run *SyncRun, adapter provider.Adapter,
	info provider.ConnectionInfo, resourceType string, since *time.Time) {
	it, err := adapter.ListResources(ctx, info, resourceType, since)
	if err != nil {
		run.ResourcesFailed++
		o.log.Warn().Err(err).Str("resource_type", resourceType).Str("run_id", run.ID.String()).Msg("listing failed")
		return
	}
	defer it.Close()

	for {
		raw, err := it.Next()
		if errors.Is(err, io.EOF) {
			return
		}
		if err != nil {
			run.ResourcesFailed++
			o.log.Warn().Err(err).Str("resource_type", resourceType).Str("run_id", run.ID.String()).Msg("listing aborted mid-page")
			return
		}
		run.ResourcesQueried++
		o.ingest(ctx, run, adapter, info, resourceType, raw)
	}
}

func (o *Orchestrator) ingest(ctx context.Context, run *SyncRun, adapter provider.Adapter,
	info provider.ConnectionInfo, resourceType string, raw []byte) {
	externalID, err := fhir.ResourceID(raw)
	if err != nil {
		run.ResourcesFailed++
		o.log.Debug().Err(err).Str("resource_type", resourceType).Msg("record rejected")
		return
	}
	ext, err := fhir.Extract(resourceType, raw)
	if err != nil {
		run.ResourcesFailed++
		o.log.Debug().Err(err).Str("resource_type", resourceType).Str("external_id", externalID).Msg("extraction failed")
		return
	}

	incoming := &SyncedResource{
		ConnectionID:  run.ConnectionID,
		ResourceType:  resourceType,
		ExternalID:    externalID,
		Raw:           raw,
		Hash:          PayloadHash(raw),
		Title:         ext.Title,
		Category:      ext.Category,
		Status:        ext.Status,
		EffectiveDate: ext.EffectiveDate,
	}

	existing, err := o.resources.GetByKey(ctx, run.ConnectionID, resourceType, externalID)
	if err != nil && !errors.Is(err, ErrResourceNotFound) {
		run.ResourcesFailed++
		o.log.Error().Err(err).Str("external_id", externalID).Msg("store lookup failed")
		return
	}

	outcome, report := o.reconciler.Reconcile(existing, incoming)
	run.ConflictsDetected += len(report.Conflicts)
	if len(report.Conflicts) > 0 {
		o.log.Info().
			Str("resource_type", report.ResourceType).
			Str("external_id", report.ExternalID).
			Interface("conflicts", report.Conflicts).
			Msg("conflicts resolved")
	}

	if outcome == OutcomeSkipped {
		run.ResourcesSkipped++
		return
	}

	if _, err := o.resources.Upsert(ctx, incoming); err != nil {
		run.ResourcesFailed++
		o.log.Error().Err(err).Str("external_id", externalID).Msg("upsert failed")
		return
	}
	switch outcome {
	case OutcomeCreated:
		run.ResourcesCreated++
	case OutcomeUpdated:
		run.ResourcesUpdated++
	}

	if resourceType == fhir.ResourceDocumentReference {
		o.downloadAttachment(ctx, run, adapter, info, raw)
	}
}

// downloadAttachment pulls the binary behind a DocumentReference. Download
// failure is logged but does not fail the record; the reference itself is
// already stored.
func (o *Orchestrator) downloadAttachment(ctx context.Context, run *SyncRun, adapter provider.Adapter,
	info provider.ConnectionInfo, raw []byte) {
	url := fhir.AttachmentURL(raw)
	if url == "" {
		return
	}
	data, err := adapter.FetchDocument(ctx, info, url)
	if err != nil {
		o.log.Warn().Err(err).Str("run_id", run.ID.String()).Msg("attachment download failed")
		return
	}
	run.DocumentsDownloaded++
	run.BytesDownloaded += int64(len(data))
}

func (o *Orchestrator) failRun(ctx context.Context, run *SyncRun, cause error) {
	msg := cause.Error()
	completed := o.now()
	run.Status = RunStatusFailed
	run.Error = &msg
	run.CompletedAt = &completed
	if run.StartedAt != nil {
		run.DurationMS = completed.Sub(*run.StartedAt).Milliseconds()
	}
	o.clearCancelled(run.ID)
	if err := o.runs.Update(ctx, run); err != nil {
		o.log.Error().Err(err).Str("run_id", run.ID.String()).Msg("failed to record run failure")
	}
	o.log.Warn().Err(cause).Str("run_id", run.ID.String()).Msg("sync run failed")
}
