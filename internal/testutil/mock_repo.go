package testutil

import (
	"context"
	"encoding/json"
	"time"

	"github.com/poyrazK/intelsync/internal/core/domain"
	"github.com/stretchr/testify/mock"
)

type MockRepo struct {
	mock.Mock
}

func (m *MockRepo) ListCredentials(ctx context.Context) ([]domain.Credential, error) {
	args := m.Called()
	return args.Get(0).([]domain.Credential), args.Error(1)
}

func (m *MockRepo) GetCredential(ctx context.Context, id string) (*domain.Credential, error) {
	args := m.Called(id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Credential), args.Error(1)
}

func (m *MockRepo) CreateCredential(ctx context.Context, cred *domain.Credential) error {
	args := m.Called(cred)
	return args.Error(0)
}

func (m *MockRepo) UpdateCredential(ctx context.Context, cred *domain.Credential) error {
	args := m.Called(cred)
	return args.Error(0)
}

func (m *MockRepo) CreateSyncRun(ctx context.Context, run *domain.SyncRun) error {
	args := m.Called(run)
	return args.Error(0)
}

func (m *MockRepo) UpdateSyncRunProgress(ctx context.Context, run *domain.SyncRun) error {
	args := m.Called(run)
	return args.Error(0)
}

func (m *MockRepo) CloseSyncRun(ctx context.Context, run *domain.SyncRun) error {
	args := m.Called(run)
	return args.Error(0)
}

func (m *MockRepo) GetSyncRun(ctx context.Context, id string) (*domain.SyncRun, error) {
	args := m.Called(id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.SyncRun), args.Error(1)
}

func (m *MockRepo) ListSyncRuns(ctx context.Context, syncType domain.SyncType, limit int) ([]domain.SyncRun, error) {
	args := m.Called(syncType, limit)
	return args.Get(0).([]domain.SyncRun), args.Error(1)
}

func (m *MockRepo) ListIndicators(ctx context.Context, filter domain.IndicatorFilter) ([]domain.IndicatorRecord, error) {
	args := m.Called(filter)
	return args.Get(0).([]domain.IndicatorRecord), args.Error(1)
}

func (m *MockRepo) ListPendingExport(ctx context.Context, limit int) ([]domain.IndicatorRecord, error) {
	args := m.Called(limit)
	return args.Get(0).([]domain.IndicatorRecord), args.Error(1)
}

func (m *MockRepo) GetIndicator(ctx context.Context, id string) (*domain.IndicatorRecord, error) {
	args := m.Called(id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.IndicatorRecord), args.Error(1)
}

func (m *MockRepo) SaveEnrichment(ctx context.Context, id string, payload json.RawMessage, enrichedAt time.Time) error {
	args := m.Called(id, payload)
	return args.Error(0)
}

func (m *MockRepo) MarkExported(ctx context.Context, id string, externalID string, exportedAt time.Time) error {
	args := m.Called(id, externalID)
	return args.Error(0)
}

func (m *MockRepo) GetAPIKeyByHash(ctx context.Context, keyHash string) (*domain.APIKey, error) {
	args := m.Called(keyHash)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.APIKey), args.Error(1)
}

func (m *MockRepo) CreateAPIKey(ctx context.Context, key *domain.APIKey) error {
	args := m.Called(key)
	return args.Error(0)
}

func (m *MockRepo) Ping(ctx context.Context) error {
	args := m.Called()
	return args.Error(0)
}
