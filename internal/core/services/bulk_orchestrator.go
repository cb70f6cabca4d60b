package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/poyrazK/intelsync/internal/core/domain"
	"github.com/poyrazK/intelsync/internal/core/ports"
	"github.com/poyrazK/intelsync/internal/infrastructure/metrics"
)

const (
	// DefaultPacingDelay is the gap between two upstream lookups in a batch.
	DefaultPacingDelay = 500 * time.Millisecond
	// DefaultBatchLimit applies when a batch is started without a limit.
	DefaultBatchLimit = 50
	// MaxBatchLimit bounds a single run.
	MaxBatchLimit = 1000
)

// BulkOrchestrator enriches stored indicators one at a time with pacing, and
// audits every invocation in the sync ledger.
type BulkOrchestrator struct {
	pool     ports.CredentialLeaser
	enricher ports.Enricher
	repo     ports.IndicatorRepository
	ledger   ports.Ledger
	pacing   time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

// NewBulkOrchestrator wires a batch runner. A non-positive pacing uses
// DefaultPacingDelay.
func NewBulkOrchestrator(pool ports.CredentialLeaser, enricher ports.Enricher, repo ports.IndicatorRepository, ledger ports.Ledger, pacing time.Duration, logger *slog.Logger) *BulkOrchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if pacing <= 0 {
		pacing = DefaultPacingDelay
	}
	return &BulkOrchestrator{
		pool:     pool,
		enricher: enricher,
		repo:     repo,
		ledger:   ledger,
		pacing:   pacing,
		logger:   logger,
		now:      time.Now,
	}
}

// RunBatch enriches up to opts.Limit pending records, newest first. Per-record
// failures are counted, never returned. The error is only set when the run
// could not start.
func (o *BulkOrchestrator) RunBatch(ctx context.Context, opts domain.BatchOptions) (domain.RunStats, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = DefaultBatchLimit
	}
	if limit > MaxBatchLimit {
		limit = MaxBatchLimit
	}
	return o.run(ctx, domain.IndicatorFilter{
		Type:         opts.Type,
		PriorityOnly: opts.PriorityOnly,
		OnlyPending:  true,
		Limit:        limit,
	})
}

// RunForParent enriches every not yet enriched indicator of one parent group.
func (o *BulkOrchestrator) RunForParent(ctx context.Context, parentID string) (domain.RunStats, error) {
	parentID = strings.TrimSpace(parentID)
	if parentID == "" {
		return domain.RunStats{}, fmt.Errorf("parent id cannot be empty")
	}
	return o.run(ctx, domain.IndicatorFilter{
		ParentID:    parentID,
		OnlyPending: true,
		Limit:       MaxBatchLimit,
	})
}

func (o *BulkOrchestrator) run(ctx context.Context, filter domain.IndicatorFilter) (domain.RunStats, error) {
	started := o.now()
	// Ledger writes must land even after the caller cancels.
	detached := context.WithoutCancel(ctx)

	run, err := o.ledger.Start(ctx, domain.SyncBulkEnrichment, nil)
	if err != nil {
		return domain.RunStats{}, fmt.Errorf("start bulk enrichment: %w", err)
	}
	stats := domain.RunStats{RunID: run.ID, Status: domain.SyncRunning}

	if o.pool.ActiveCount() == 0 {
		return o.abort(detached, run, stats, domain.ErrNoActiveCredentials)
	}

	records, err := o.repo.ListIndicators(ctx, filter)
	if err != nil {
		return o.abort(detached, run, stats, fmt.Errorf("select indicators: %w", err))
	}
	stats.Selected = len(records)
	run.Fetched = len(records)

	o.logger.Info("bulk enrichment started",
		"run_id", run.ID,
		"selected", len(records),
		"parent_id", filter.ParentID,
		"type", filter.Type,
		"priority_only", filter.PriorityOnly,
	)

	for i, rec := range records {
		if i > 0 && !o.pace(ctx) {
			stats.Cancelled = true
			break
		}
		if ctx.Err() != nil {
			stats.Cancelled = true
			break
		}

		// A lookup in progress always finishes so the pool sees its outcome.
		if o.enrichRecord(detached, rec, run) {
			run.Enriched++
		} else {
			run.Failed++
		}
		run.Processed++

		if err := o.ledger.Progress(detached, run); err != nil {
			o.logger.Error("failed to write run progress", "run_id", run.ID, "error", err)
		}
	}

	if err := o.ledger.Complete(detached, run); err != nil {
		o.logger.Error("failed to complete sync run", "run_id", run.ID, "error", err)
	}

	stats.Processed = run.Processed
	stats.Enriched = run.Enriched
	stats.Failed = run.Failed
	stats.Status = domain.SyncCompleted
	stats.Duration = o.now().Sub(started)
	metrics.BatchDuration.WithLabelValues(string(domain.SyncBulkEnrichment)).Observe(stats.Duration.Seconds())

	o.logger.Info("bulk enrichment finished",
		"run_id", run.ID,
		"processed", stats.Processed,
		"enriched", stats.Enriched,
		"failed", stats.Failed,
		"cancelled", stats.Cancelled,
	)
	return stats, nil
}

func (o *BulkOrchestrator) abort(ctx context.Context, run *domain.SyncRun, stats domain.RunStats, cause error) (domain.RunStats, error) {
	if err := o.ledger.Fail(ctx, run, cause); err != nil && !errors.Is(err, domain.ErrRunClosed) {
		o.logger.Error("failed to mark sync run failed", "run_id", run.ID, "error", err)
	}
	o.logger.Error("bulk enrichment could not start", "run_id", run.ID, "error", cause)
	stats.Status = domain.SyncFailed
	return stats, cause
}

// enrichRecord looks up one record and stores the payload. It reports
// whether the record ended up enriched.
func (o *BulkOrchestrator) enrichRecord(ctx context.Context, rec domain.IndicatorRecord, run *domain.SyncRun) bool {
	res := o.enricher.Enrich(ctx, rec.Value)
	if res.CredentialID != "" && run.CredentialID == nil {
		id := res.CredentialID
		run.CredentialID = &id
	}
	if !res.Found {
		o.logger.Debug("indicator not enriched", "record_id", rec.ID, "indicator", rec.Value, "reason", res.Reason, "error", res.Error)
		return false
	}

	payload, err := json.Marshal(res.Payload)
	if err != nil {
		o.logger.Error("failed to encode enrichment payload", "record_id", rec.ID, "error", err)
		return false
	}
	if err := o.repo.SaveEnrichment(ctx, rec.ID, payload, o.now()); err != nil {
		o.logger.Error("failed to save enrichment", "record_id", rec.ID, "error", err)
		return false
	}
	return true
}

// pace waits out the pacing delay. It returns false if ctx ended first.
func (o *BulkOrchestrator) pace(ctx context.Context) bool {
	timer := time.NewTimer(o.pacing)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
