package services

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/poyrazK/intelsync/internal/core/domain"
	"github.com/poyrazK/intelsync/internal/core/ports"
)

// SchedulerConfig holds the periodic job intervals. Zero values use defaults.
type SchedulerConfig struct {
	ResetCheckInterval time.Duration
	BatchInterval      time.Duration
	ExportInterval     time.Duration
	HealthInterval     time.Duration
	BatchLimit         int
	ExportLimit        int
	PriorityOnly       bool
}

func (c SchedulerConfig) withDefaults() SchedulerConfig {
	if c.ResetCheckInterval <= 0 {
		c.ResetCheckInterval = time.Hour
	}
	if c.BatchInterval <= 0 {
		c.BatchInterval = 6 * time.Hour
	}
	if c.ExportInterval <= 0 {
		c.ExportInterval = time.Hour
	}
	if c.HealthInterval <= 0 {
		c.HealthInterval = 12 * time.Hour
	}
	if c.BatchLimit <= 0 {
		c.BatchLimit = DefaultBatchLimit
	}
	if c.ExportLimit <= 0 {
		c.ExportLimit = DefaultExportLimit
	}
	return c
}

// Scheduler runs the periodic jobs and serves manual triggers. At most one
// job of each kind runs at a time; a trigger that would overlap returns
// domain.ErrJobRunning instead of queueing.
type Scheduler struct {
	pool     ports.PoolMaintainer
	batch    ports.BatchRunner
	exporter ports.Exporter
	cfg      SchedulerConfig
	logger   *slog.Logger

	mu      sync.Mutex
	rootCtx context.Context

	batchRunning  atomic.Bool
	exportRunning atomic.Bool
	resetRunning  atomic.Bool
	healthRunning atomic.Bool
	parents       sync.Map
	wg            sync.WaitGroup
}

func NewScheduler(pool ports.PoolMaintainer, batch ports.BatchRunner, exporter ports.Exporter, cfg SchedulerConfig, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		pool:     pool,
		batch:    batch,
		exporter: exporter,
		cfg:      cfg.withDefaults(),
		logger:   logger,
		rootCtx:  context.Background(),
	}
}

// Start runs the periodic loops until ctx is cancelled, then waits for
// in-flight jobs to return.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.rootCtx = ctx
	s.mu.Unlock()

	s.logger.Info("starting scheduler",
		"reset_check", s.cfg.ResetCheckInterval,
		"batch", s.cfg.BatchInterval,
		"export", s.cfg.ExportInterval,
		"health", s.cfg.HealthInterval,
	)

	// A restart after midnight must not wait an hour for the reset.
	s.checkReset(ctx)

	var loops sync.WaitGroup
	every := func(interval time.Duration, fn func()) {
		loops.Add(1)
		go func() {
			defer loops.Done()
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					fn()
				}
			}
		}()
	}

	every(s.cfg.ResetCheckInterval, func() { s.checkReset(ctx) })
	every(s.cfg.BatchInterval, func() {
		opts := domain.BatchOptions{Limit: s.cfg.BatchLimit, PriorityOnly: s.cfg.PriorityOnly}
		if err := s.TriggerBatch(opts); err != nil {
			s.logger.Info("scheduled batch skipped", "error", err)
		}
	})
	every(s.cfg.ExportInterval, func() {
		if err := s.TriggerExport(s.cfg.ExportLimit); err != nil {
			s.logger.Info("scheduled export skipped", "error", err)
		}
	})
	every(s.cfg.HealthInterval, func() { s.sweepHealth(ctx) })

	<-ctx.Done()
	s.logger.Info("shutting down scheduler, waiting for running jobs")
	loops.Wait()
	s.wg.Wait()
}

// Wait blocks until every triggered job has returned.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

func (s *Scheduler) context() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rootCtx
}

func (s *Scheduler) checkReset(ctx context.Context) {
	if !s.resetRunning.CompareAndSwap(false, true) {
		return
	}
	defer s.resetRunning.Store(false)

	done, err := s.pool.ResetIfDue(ctx)
	if err != nil {
		s.logger.Error("daily usage reset failed", "error", err)
		return
	}
	if done {
		s.logger.Info("daily usage reset applied")
	}
}

func (s *Scheduler) sweepHealth(ctx context.Context) {
	if !s.healthRunning.CompareAndSwap(false, true) {
		return
	}
	defer s.healthRunning.Store(false)

	healthy, unhealthy := s.pool.HealthCheckAll(ctx)
	s.logger.Info("credential health sweep finished", "healthy", healthy, "unhealthy", unhealthy)
}

// spawn runs job in the background while flag is held.
func (s *Scheduler) spawn(flag *atomic.Bool, name string, job func(ctx context.Context)) error {
	if !flag.CompareAndSwap(false, true) {
		return domain.ErrJobRunning
	}
	ctx := s.context()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer flag.Store(false)
		s.logger.Debug("job started", "job", name)
		job(ctx)
	}()
	return nil
}

// TriggerBatch starts a bulk enrichment run and returns immediately.
func (s *Scheduler) TriggerBatch(opts domain.BatchOptions) error {
	return s.spawn(&s.batchRunning, "bulk_enrichment", func(ctx context.Context) {
		if _, err := s.batch.RunBatch(ctx, opts); err != nil {
			s.logger.Error("bulk enrichment failed", "error", err)
		}
	})
}

// TriggerParent enriches one parent group in the background. Different
// parents may run concurrently.
func (s *Scheduler) TriggerParent(parentID string) error {
	if _, loaded := s.parents.LoadOrStore(parentID, struct{}{}); loaded {
		return domain.ErrJobRunning
	}
	ctx := s.context()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.parents.Delete(parentID)
		if _, err := s.batch.RunForParent(ctx, parentID); err != nil {
			s.logger.Error("parent enrichment failed", "parent_id", parentID, "error", err)
		}
	}()
	return nil
}

// TriggerExport starts an export of pending records.
func (s *Scheduler) TriggerExport(limit int) error {
	return s.spawn(&s.exportRunning, "misp_export", func(ctx context.Context) {
		stats, err := s.exporter.ExportPending(ctx, limit)
		if err != nil {
			s.logger.Error("export run failed", "error", err)
			return
		}
		s.logger.Info("export run finished", "exported", stats.Exported, "skipped", stats.Skipped, "failed", stats.Failed)
	})
}

// TriggerReset forces a daily usage reset regardless of when the last one ran.
func (s *Scheduler) TriggerReset() error {
	return s.spawn(&s.resetRunning, "reset_usage", func(ctx context.Context) {
		if err := s.pool.ResetDailyUsage(context.WithoutCancel(ctx)); err != nil {
			s.logger.Error("manual usage reset failed", "error", err)
		}
	})
}
