package testutil

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/poyrazK/intelsync/internal/core/domain"
	"github.com/poyrazK/intelsync/internal/core/ports"
)

var (
	_ ports.Repository = (*MockRepo)(nil)
	_ ports.Repository = (*MemoryRepo)(nil)
)

func TestMockRepo_GetAPIKeyByHash(t *testing.T) {
	m := new(MockRepo)
	m.On("GetAPIKeyByHash", "missing").Return(nil, nil)
	m.On("GetAPIKeyByHash", "found").Return(&domain.APIKey{Role: domain.RoleAdmin}, nil)

	if k, err := m.GetAPIKeyByHash(context.Background(), "missing"); k != nil || err != nil {
		t.Errorf("Expected (nil, nil), got (%v, %v)", k, err)
	}
	if k, _ := m.GetAPIKeyByHash(context.Background(), "found"); k == nil || k.Role != domain.RoleAdmin {
		t.Errorf("Expected admin key, got %v", k)
	}
}

func TestMockRepo_Indicators(t *testing.T) {
	m := new(MockRepo)
	filter := domain.IndicatorFilter{OnlyPending: true, Limit: 5}
	m.On("ListIndicators", filter).Return([]domain.IndicatorRecord{{ID: "i1"}}, nil)
	m.On("GetIndicator", "i2").Return(nil, domain.ErrIndicatorNotFound)

	recs, _ := m.ListIndicators(context.Background(), filter)
	if len(recs) != 1 {
		t.Errorf("Expected 1 record, got %d", len(recs))
	}
	if _, err := m.GetIndicator(context.Background(), "i2"); !errors.Is(err, domain.ErrIndicatorNotFound) {
		t.Errorf("Expected ErrIndicatorNotFound, got %v", err)
	}
	m.AssertExpectations(t)
}

func TestMemoryRepo_Indicators(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	m := NewMemoryRepo()
	m.AddIndicators(
		domain.IndicatorRecord{ID: "a", ParentID: "p", Value: "1.1.1.1", Type: domain.TypeIPv4, Priority: domain.PriorityHigh, CreatedAt: now},
		domain.IndicatorRecord{ID: "b", ParentID: "p", Value: "x.example", Type: domain.TypeDomain, Priority: domain.PriorityLow, CreatedAt: now.Add(time.Second)},
	)

	high, _ := m.ListIndicators(ctx, domain.IndicatorFilter{PriorityOnly: true, OnlyPending: true})
	if len(high) != 1 || high[0].ID != "a" {
		t.Errorf("Expected only record a, got %v", high)
	}

	all, _ := m.ListIndicators(ctx, domain.IndicatorFilter{ParentID: "p"})
	if len(all) != 2 || all[0].ID != "b" {
		t.Errorf("Expected newest first, got %v", all)
	}

	if err := m.SaveEnrichment(ctx, "a", json.RawMessage(`{}`), now); err != nil {
		t.Fatalf("SaveEnrichment failed: %v", err)
	}
	pending, _ := m.ListPendingExport(ctx, 10)
	if len(pending) != 1 || pending[0].ID != "a" {
		t.Errorf("Expected a pending export, got %v", pending)
	}

	if err := m.MarkExported(ctx, "a", "e1", now); err != nil {
		t.Fatalf("MarkExported failed: %v", err)
	}
	if err := m.MarkExported(ctx, "a", "e2", now); !errors.Is(err, domain.ErrAlreadyExported) {
		t.Errorf("Expected ErrAlreadyExported, got %v", err)
	}
}

func TestMemoryRepo_SyncRunClosesOnce(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryRepo()
	run := &domain.SyncRun{ID: "r1", SyncType: domain.SyncMISPExport, Status: domain.SyncRunning}
	_ = m.CreateSyncRun(ctx, run)

	run.Status = domain.SyncCompleted
	if err := m.CloseSyncRun(ctx, run); err != nil {
		t.Fatalf("first close failed: %v", err)
	}
	if err := m.CloseSyncRun(ctx, run); !errors.Is(err, domain.ErrRunClosed) {
		t.Errorf("Expected ErrRunClosed, got %v", err)
	}
	if err := m.UpdateSyncRunProgress(ctx, run); !errors.Is(err, domain.ErrRunClosed) {
		t.Errorf("Expected ErrRunClosed on progress after close, got %v", err)
	}
}
