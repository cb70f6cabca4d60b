package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/poyrazK/intelsync/internal/core/domain"
	"github.com/poyrazK/intelsync/internal/core/ports"
	"github.com/poyrazK/intelsync/internal/infrastructure/metrics"
)

const (
	defaultRunListLimit = 20
	maxRunListLimit     = 200
)

// SyncLedger records one append-only SyncRun per job execution.
type SyncLedger struct {
	repo   ports.SyncRunRepository
	logger *slog.Logger
	now    func() time.Time
}

func NewSyncLedger(repo ports.SyncRunRepository, logger *slog.Logger) *SyncLedger {
	if logger == nil {
		logger = slog.Default()
	}
	return &SyncLedger{repo: repo, logger: logger, now: time.Now}
}

// Start creates a running entry. credentialID is best effort and may be nil.
func (l *SyncLedger) Start(ctx context.Context, syncType domain.SyncType, credentialID *string) (*domain.SyncRun, error) {
	if !syncType.Valid() {
		return nil, fmt.Errorf("invalid sync type %q", syncType)
	}
	run := &domain.SyncRun{
		ID:           uuid.New().String(),
		SyncType:     syncType,
		StartedAt:    l.now(),
		Status:       domain.SyncRunning,
		CredentialID: credentialID,
	}
	if err := l.repo.CreateSyncRun(ctx, run); err != nil {
		return nil, fmt.Errorf("create sync run: %w", err)
	}
	l.logger.Info("sync run started", "run_id", run.ID, "sync_type", syncType)
	return run, nil
}

// Progress writes the current counters of a running entry.
func (l *SyncLedger) Progress(ctx context.Context, run *domain.SyncRun) error {
	if run.Closed() {
		return domain.ErrRunClosed
	}
	if err := l.repo.UpdateSyncRunProgress(ctx, run); err != nil {
		return fmt.Errorf("update sync run %s: %w", run.ID, err)
	}
	return nil
}

// Complete closes the run successfully. Partial failures still complete.
func (l *SyncLedger) Complete(ctx context.Context, run *domain.SyncRun) error {
	return l.close(ctx, run, domain.SyncCompleted, "")
}

// Fail closes the run as failed. Only setup-time errors should end here.
func (l *SyncLedger) Fail(ctx context.Context, run *domain.SyncRun, cause error) error {
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	return l.close(ctx, run, domain.SyncFailed, msg)
}

func (l *SyncLedger) close(ctx context.Context, run *domain.SyncRun, status domain.SyncStatus, msg string) error {
	if run.Closed() {
		return domain.ErrRunClosed
	}

	completedAt := l.now()
	closed := *run
	closed.Status = status
	closed.ErrorMessage = msg
	closed.CompletedAt = &completedAt

	if err := l.repo.CloseSyncRun(ctx, &closed); err != nil {
		if errors.Is(err, domain.ErrRunClosed) {
			return err
		}
		return fmt.Errorf("close sync run %s: %w", run.ID, err)
	}
	*run = closed

	metrics.SyncRunsTotal.WithLabelValues(string(run.SyncType), string(status)).Inc()
	l.logger.Info("sync run closed",
		"run_id", run.ID,
		"sync_type", run.SyncType,
		"status", status,
		"processed", run.Processed,
		"enriched", run.Enriched,
		"failed", run.Failed,
		"duration", completedAt.Sub(run.StartedAt),
	)
	return nil
}

func (l *SyncLedger) Get(ctx context.Context, id string) (*domain.SyncRun, error) {
	run, err := l.repo.GetSyncRun(ctx, id)
	if err != nil {
		return nil, err
	}
	if run == nil {
		return nil, fmt.Errorf("%w: %s", domain.ErrRunNotFound, id)
	}
	return run, nil
}

// List returns the newest runs first. An empty syncType lists every type.
func (l *SyncLedger) List(ctx context.Context, syncType domain.SyncType, limit int) ([]domain.SyncRun, error) {
	if syncType != "" && !syncType.Valid() {
		return nil, fmt.Errorf("invalid sync type %q", syncType)
	}
	if limit <= 0 {
		limit = defaultRunListLimit
	}
	if limit > maxRunListLimit {
		limit = maxRunListLimit
	}
	return l.repo.ListSyncRuns(ctx, syncType, limit)
}

// Latest returns the most recent run of a type, or nil when none exists.
func (l *SyncLedger) Latest(ctx context.Context, syncType domain.SyncType) (*domain.SyncRun, error) {
	runs, err := l.List(ctx, syncType, 1)
	if err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		return nil, nil
	}
	return &runs[0], nil
}
