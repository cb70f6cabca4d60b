package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/poyrazK/intelsync/internal/core/domain"
	"github.com/poyrazK/intelsync/internal/testutil"
)

func seedRecords(repo *testutil.MemoryRepo, parent string, values ...string) []domain.IndicatorRecord {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	out := make([]domain.IndicatorRecord, 0, len(values))
	for i, v := range values {
		out = append(out, domain.IndicatorRecord{
			ID:       fmt.Sprintf("%s-%d", parent, i),
			ParentID: parent,
			Value:    v,
			Type:     domain.DetectIndicatorType(v),
			Priority: domain.PriorityHigh,
			// Newest first selection processes values in the given order.
			CreatedAt: base.Add(-time.Duration(i) * time.Minute),
		})
	}
	repo.AddIndicators(out...)
	return out
}

type batchFixture struct {
	repo   *testutil.MemoryRepo
	intel  *testutil.FakeThreatIntel
	pool   *CredentialPool
	ledger *SyncLedger
	orch   *BulkOrchestrator
}

func newBatchFixture(t *testing.T, creds ...domain.Credential) *batchFixture {
	t.Helper()
	pool, repo, intel := newTestPool(t, creds...)
	ledger := NewSyncLedger(repo, nil)
	enricher := NewEnrichmentService(pool, intel, nil, 0, nil)
	orch := NewBulkOrchestrator(pool, enricher, repo, ledger, time.Millisecond, nil)
	return &batchFixture{repo: repo, intel: intel, pool: pool, ledger: ledger, orch: orch}
}

func TestRunBatch_PartialFailureContinues(t *testing.T) {
	f := newBatchFixture(t, domain.Credential{ID: "a", Name: "a", Secret: "k", IsActive: true, DailyLimit: 100})
	values := []string{"1.1.1.1", "2.2.2.2", "3.3.3.3", "4.4.4.4", "5.5.5.5"}
	records := seedRecords(f.repo, "p", values...)
	for _, v := range values {
		f.intel.SetFound(v, 1)
	}
	f.intel.SetError("3.3.3.3", fmt.Errorf("%w: timeout", domain.ErrTransient))

	stats, err := f.orch.RunBatch(context.Background(), domain.BatchOptions{Limit: 10})
	if err != nil {
		t.Fatalf("RunBatch failed: %v", err)
	}
	if stats.Processed != 5 || stats.Enriched != 4 || stats.Failed != 1 || stats.Status != domain.SyncCompleted {
		t.Errorf("Unexpected stats: %+v", stats)
	}

	run, err := f.ledger.Get(context.Background(), stats.RunID)
	if err != nil {
		t.Fatalf("Get run failed: %v", err)
	}
	if run.Status != domain.SyncCompleted || run.Processed != 5 || run.Enriched != 4 || run.Failed != 1 || run.CompletedAt == nil {
		t.Errorf("Unexpected ledger entry: %+v", run)
	}
	if run.CredentialID == nil || *run.CredentialID != "a" {
		t.Errorf("Expected credential a on the run, got %v", run.CredentialID)
	}

	failed, _ := f.repo.GetIndicator(context.Background(), records[2].ID)
	if failed.EnrichedAt != nil {
		t.Errorf("Failed record must stay pending")
	}
	ok, _ := f.repo.GetIndicator(context.Background(), records[0].ID)
	if ok.EnrichedAt == nil || len(ok.EnrichmentPayload) == 0 {
		t.Errorf("Expected enrichment written back, got %+v", ok)
	}

	a, _ := f.pool.Get("a")
	if a.CurrentUsage != 4 || a.ErrorCount != 0 {
		t.Errorf("Expected 4 successful leases and errors cleared, got %+v", a)
	}
}

func TestRunBatch_NoActiveCredentials(t *testing.T) {
	f := newBatchFixture(t, domain.Credential{ID: "a", Name: "a", Secret: "k", IsActive: false, DailyLimit: 100})
	seedRecords(f.repo, "p", "1.1.1.1")

	stats, err := f.orch.RunBatch(context.Background(), domain.BatchOptions{})
	if !errors.Is(err, domain.ErrNoActiveCredentials) {
		t.Fatalf("Expected ErrNoActiveCredentials, got %v", err)
	}
	if stats.Status != domain.SyncFailed {
		t.Errorf("Expected failed status, got %s", stats.Status)
	}

	run, _ := f.ledger.Get(context.Background(), stats.RunID)
	if run.Status != domain.SyncFailed || run.ErrorMessage == "" {
		t.Errorf("Expected failed run with message, got %+v", run)
	}
	if f.intel.CallCount() != 0 {
		t.Errorf("Expected no upstream calls")
	}
}

func TestRunBatch_ExhaustedPoolCountsFailures(t *testing.T) {
	f := newBatchFixture(t, domain.Credential{ID: "a", Name: "a", Secret: "k", IsActive: true, DailyLimit: 2})
	values := []string{"1.1.1.1", "2.2.2.2", "3.3.3.3"}
	seedRecords(f.repo, "p", values...)
	for _, v := range values {
		f.intel.SetFound(v, 1)
	}

	stats, err := f.orch.RunBatch(context.Background(), domain.BatchOptions{})
	if err != nil {
		t.Fatalf("RunBatch failed: %v", err)
	}
	if stats.Status != domain.SyncCompleted || stats.Enriched != 2 || stats.Failed != 1 {
		t.Errorf("Expected quota to stop the third lookup, got %+v", stats)
	}
}

func TestRunBatch_SelectionFilters(t *testing.T) {
	f := newBatchFixture(t, domain.Credential{ID: "a", Name: "a", Secret: "k", IsActive: true, DailyLimit: 100})
	now := time.Now()
	f.repo.AddIndicators(
		domain.IndicatorRecord{ID: "hi", Value: "1.1.1.1", Type: domain.TypeIPv4, Priority: domain.PriorityCritical, CreatedAt: now},
		domain.IndicatorRecord{ID: "lo", Value: "2.2.2.2", Type: domain.TypeIPv4, Priority: domain.PriorityLow, CreatedAt: now},
		domain.IndicatorRecord{ID: "dom", Value: "x.example", Type: domain.TypeDomain, Priority: domain.PriorityHigh, CreatedAt: now},
		domain.IndicatorRecord{ID: "done", Value: "3.3.3.3", Type: domain.TypeIPv4, Priority: domain.PriorityHigh, CreatedAt: now, EnrichedAt: &now},
	)
	f.intel.SetFound("1.1.1.1", 1)

	stats, err := f.orch.RunBatch(context.Background(), domain.BatchOptions{Type: domain.TypeIPv4, PriorityOnly: true})
	if err != nil {
		t.Fatalf("RunBatch failed: %v", err)
	}
	if stats.Selected != 1 || stats.Enriched != 1 {
		t.Errorf("Expected only the pending critical IPv4 record, got %+v", stats)
	}
}

// cancellingEnricher cancels the batch context after a number of lookups.
type cancellingEnricher struct {
	mu     sync.Mutex
	after  int
	calls  int
	cancel context.CancelFunc
}

func (e *cancellingEnricher) Enrich(ctx context.Context, indicator string) domain.EnrichmentResult {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls++
	if e.calls == e.after {
		e.cancel()
	}
	if ctx.Err() != nil {
		panic("lookup received a cancelled context")
	}
	return domain.EnrichmentResult{Indicator: indicator, Found: true, Payload: &domain.EnrichmentPayload{PulseCount: 1}}
}

func TestRunBatch_CancelBetweenIndicators(t *testing.T) {
	pool, repo, _ := newTestPool(t, domain.Credential{ID: "a", Name: "a", Secret: "k", IsActive: true, DailyLimit: 100})
	records := seedRecords(repo, "p", "1.1.1.1", "2.2.2.2", "3.3.3.3", "4.4.4.4")
	ledger := NewSyncLedger(repo, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	enricher := &cancellingEnricher{after: 2, cancel: cancel}
	orch := NewBulkOrchestrator(pool, enricher, repo, ledger, time.Millisecond, nil)

	stats, err := orch.RunBatch(ctx, domain.BatchOptions{})
	if err != nil {
		t.Fatalf("RunBatch failed: %v", err)
	}
	if !stats.Cancelled || stats.Processed != 2 || stats.Enriched != 2 {
		t.Errorf("Expected cancellation after 2 records, got %+v", stats)
	}

	run, _ := ledger.Get(context.Background(), stats.RunID)
	if run.Status != domain.SyncCompleted || run.Processed != 2 {
		t.Errorf("Expected completed run with partial counts, got %+v", run)
	}
	for i, rec := range records {
		stored, _ := repo.GetIndicator(context.Background(), rec.ID)
		enriched := stored.EnrichedAt != nil
		if enriched != (i < 2) {
			t.Errorf("Record %d enriched=%v after cancellation", i, enriched)
		}
	}
}

func TestRunForParent(t *testing.T) {
	f := newBatchFixture(t, domain.Credential{ID: "a", Name: "a", Secret: "k", IsActive: true, DailyLimit: 100})
	seedRecords(f.repo, "pulse-1", "1.1.1.1", "evil.example")
	seedRecords(f.repo, "pulse-2", "9.9.9.9")
	f.intel.SetFound("1.1.1.1", 2)
	f.intel.SetFound("evil.example", 1)
	f.intel.SetFound("9.9.9.9", 1)

	stats, err := f.orch.RunForParent(context.Background(), "pulse-1")
	if err != nil {
		t.Fatalf("RunForParent failed: %v", err)
	}
	if stats.Selected != 2 || stats.Enriched != 2 {
		t.Errorf("Expected both records of pulse-1, got %+v", stats)
	}
	other, _ := f.repo.GetIndicator(context.Background(), "pulse-2-0")
	if other.EnrichedAt != nil {
		t.Errorf("Other parent must not be touched")
	}

	// A second run finds nothing pending.
	again, _ := f.orch.RunForParent(context.Background(), "pulse-1")
	if again.Selected != 0 || again.Status != domain.SyncCompleted {
		t.Errorf("Expected empty completed run, got %+v", again)
	}

	if _, err := f.orch.RunForParent(context.Background(), "  "); err == nil {
		t.Errorf("Expected error for blank parent id")
	}
}
