package testutil

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/poyrazK/intelsync/internal/core/domain"
	"github.com/samber/lo"
)

// MemoryRepo is a stateful in-memory ports.Repository for service tests
// that need real read-after-write behaviour across many calls.
type MemoryRepo struct {
	mu sync.Mutex

	credentials map[string]domain.Credential
	runs        map[string]domain.SyncRun
	indicators  map[string]domain.IndicatorRecord
	apiKeys     map[string]domain.APIKey

	// Writes is the ordered history of persisted credential snapshots.
	Writes []domain.Credential

	UpdateCredentialErr error
	SaveEnrichmentErr   map[string]error
	PingErr             error
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{
		credentials:       make(map[string]domain.Credential),
		runs:              make(map[string]domain.SyncRun),
		indicators:        make(map[string]domain.IndicatorRecord),
		apiKeys:           make(map[string]domain.APIKey),
		SaveEnrichmentErr: make(map[string]error),
	}
}

func (m *MemoryRepo) ListCredentials(_ context.Context) ([]domain.Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := lo.Values(m.credentials)
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *MemoryRepo) GetCredential(_ context.Context, id string) (*domain.Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.credentials[id]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

func (m *MemoryRepo) CreateCredential(_ context.Context, cred *domain.Credential) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.credentials[cred.ID] = *cred
	return nil
}

func (m *MemoryRepo) UpdateCredential(_ context.Context, cred *domain.Credential) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.UpdateCredentialErr != nil {
		return m.UpdateCredentialErr
	}
	if _, ok := m.credentials[cred.ID]; !ok {
		return domain.ErrCredentialNotFound
	}
	m.credentials[cred.ID] = *cred
	m.Writes = append(m.Writes, *cred)
	return nil
}

// StoredCredential returns the durable copy of a credential.
func (m *MemoryRepo) StoredCredential(id string) (domain.Credential, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.credentials[id]
	return c, ok
}

func (m *MemoryRepo) CreateSyncRun(_ context.Context, run *domain.SyncRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs[run.ID] = *run
	return nil
}

func (m *MemoryRepo) UpdateSyncRunProgress(_ context.Context, run *domain.SyncRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.runs[run.ID]
	if !ok || stored.Closed() {
		return domain.ErrRunClosed
	}
	stored.Fetched, stored.New, stored.Updated = run.Fetched, run.New, run.Updated
	stored.Processed, stored.Enriched, stored.Failed = run.Processed, run.Enriched, run.Failed
	stored.CredentialID = run.CredentialID
	m.runs[run.ID] = stored
	return nil
}

func (m *MemoryRepo) CloseSyncRun(_ context.Context, run *domain.SyncRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.runs[run.ID]
	if !ok || stored.Closed() {
		return domain.ErrRunClosed
	}
	m.runs[run.ID] = *run
	return nil
}

func (m *MemoryRepo) GetSyncRun(_ context.Context, id string) (*domain.SyncRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[id]
	if !ok {
		return nil, nil
	}
	return &r, nil
}

func (m *MemoryRepo) ListSyncRuns(_ context.Context, syncType domain.SyncType, limit int) ([]domain.SyncRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := lo.Filter(lo.Values(m.runs), func(r domain.SyncRun, _ int) bool {
		return syncType == "" || r.SyncType == syncType
	})
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// AddIndicators seeds indicator records.
func (m *MemoryRepo) AddIndicators(records ...domain.IndicatorRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range records {
		m.indicators[r.ID] = r
	}
}

func (m *MemoryRepo) ListIndicators(_ context.Context, filter domain.IndicatorFilter) ([]domain.IndicatorRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := lo.Filter(lo.Values(m.indicators), func(r domain.IndicatorRecord, _ int) bool {
		if filter.Type != "" && r.Type != filter.Type {
			return false
		}
		if filter.PriorityOnly && !lo.Contains(domain.HighPriorities, r.Priority) {
			return false
		}
		if filter.ParentID != "" && r.ParentID != filter.ParentID {
			return false
		}
		if filter.OnlyPending && r.EnrichedAt != nil {
			return false
		}
		return true
	})
	sortNewestFirst(out)
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (m *MemoryRepo) ListPendingExport(_ context.Context, limit int) ([]domain.IndicatorRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := lo.Filter(lo.Values(m.indicators), func(r domain.IndicatorRecord, _ int) bool {
		return !r.Exported && r.EnrichedAt != nil
	})
	sortNewestFirst(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryRepo) GetIndicator(_ context.Context, id string) (*domain.IndicatorRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.indicators[id]
	if !ok {
		return nil, nil
	}
	return &r, nil
}

func (m *MemoryRepo) SaveEnrichment(_ context.Context, id string, payload json.RawMessage, enrichedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.SaveEnrichmentErr[id]; err != nil {
		return err
	}
	r, ok := m.indicators[id]
	if !ok {
		return domain.ErrIndicatorNotFound
	}
	r.EnrichmentPayload = payload
	r.EnrichedAt = &enrichedAt
	m.indicators[id] = r
	return nil
}

func (m *MemoryRepo) MarkExported(_ context.Context, id string, externalID string, exportedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.indicators[id]
	if !ok {
		return domain.ErrIndicatorNotFound
	}
	if r.Exported {
		return domain.ErrAlreadyExported
	}
	r.Exported = true
	r.ExternalID = &externalID
	r.ExportedAt = &exportedAt
	m.indicators[id] = r
	return nil
}

func (m *MemoryRepo) GetAPIKeyByHash(_ context.Context, keyHash string) (*domain.APIKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k, ok := m.apiKeys[keyHash]
	if !ok {
		return nil, nil
	}
	return &k, nil
}

func (m *MemoryRepo) CreateAPIKey(_ context.Context, key *domain.APIKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.apiKeys[key.KeyHash] = *key
	return nil
}

func (m *MemoryRepo) Ping(_ context.Context) error {
	return m.PingErr
}

func sortNewestFirst(records []domain.IndicatorRecord) {
	sort.Slice(records, func(i, j int) bool {
		if records[i].CreatedAt.Equal(records[j].CreatedAt) {
			return records[i].ID < records[j].ID
		}
		return records[i].CreatedAt.After(records[j].CreatedAt)
	})
}
