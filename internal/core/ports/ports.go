package ports

import (
	"context"
	"encoding/json"
	"time"

	"github.com/poyrazK/intelsync/internal/core/domain"
)

// CredentialRepository persists the credential table. Only the pool writes to it.
type CredentialRepository interface {
	ListCredentials(ctx context.Context) ([]domain.Credential, error)
	GetCredential(ctx context.Context, id string) (*domain.Credential, error)
	CreateCredential(ctx context.Context, cred *domain.Credential) error
	UpdateCredential(ctx context.Context, cred *domain.Credential) error
}

// SyncRunRepository persists the append-only sync ledger.
type SyncRunRepository interface {
	CreateSyncRun(ctx context.Context, run *domain.SyncRun) error
	UpdateSyncRunProgress(ctx context.Context, run *domain.SyncRun) error
	CloseSyncRun(ctx context.Context, run *domain.SyncRun) error
	GetSyncRun(ctx context.Context, id string) (*domain.SyncRun, error)
	ListSyncRuns(ctx context.Context, syncType domain.SyncType, limit int) ([]domain.SyncRun, error)
}

// IndicatorRepository reads enrichable records and writes back the fields
// owned by the enrichment and export pipelines.
type IndicatorRepository interface {
	ListIndicators(ctx context.Context, filter domain.IndicatorFilter) ([]domain.IndicatorRecord, error)
	ListPendingExport(ctx context.Context, limit int) ([]domain.IndicatorRecord, error)
	GetIndicator(ctx context.Context, id string) (*domain.IndicatorRecord, error)
	SaveEnrichment(ctx context.Context, id string, payload json.RawMessage, enrichedAt time.Time) error
	MarkExported(ctx context.Context, id string, externalID string, exportedAt time.Time) error
}

// APIKeyRepository stores operator keys for the admin API.
type APIKeyRepository interface {
	GetAPIKeyByHash(ctx context.Context, keyHash string) (*domain.APIKey, error)
	CreateAPIKey(ctx context.Context, key *domain.APIKey) error
}

// Repository is everything the service persists.
type Repository interface {
	CredentialRepository
	SyncRunRepository
	IndicatorRepository
	APIKeyRepository
	Ping(ctx context.Context) error
}

// ThreatIntelAPI is the quota-constrained upstream enrichment API.
type ThreatIntelAPI interface {
	FetchSection(ctx context.Context, secret string, typ domain.IndicatorType, value string, section domain.Section) (*domain.SectionData, error)
	WhoAmI(ctx context.Context, secret string) error
}

// ExportAPI is the downstream event/attribute store.
type ExportAPI interface {
	CreateEvent(ctx context.Context, event domain.ExportEvent) (string, error)
}

// EnrichmentCache stores finished lookups keyed by type and value.
type EnrichmentCache interface {
	Get(ctx context.Context, key string) (*domain.EnrichmentResult, bool)
	Set(ctx context.Context, key string, result *domain.EnrichmentResult, ttl time.Duration)
}

// CredentialLeaser is the part of the pool used by outbound callers.
type CredentialLeaser interface {
	SelectAvailable() (domain.Credential, bool)
	RecordSuccess(ctx context.Context, id string) error
	RecordFailure(ctx context.Context, id string) error
	RecordRateLimited(ctx context.Context, id string) error
	ActiveCount() int
}

// PoolAdmin is the administrative view of the pool.
type PoolAdmin interface {
	AddCredential(ctx context.Context, cred *domain.Credential) error
	SetActive(ctx context.Context, id string, active bool) error
	SetPrimary(ctx context.Context, id string, primary bool) error
	Deactivate(ctx context.Context, id string) error
	List() []domain.Credential
	Get(id string) (domain.Credential, bool)
	Stats() domain.PoolStats
	HealthCheck(ctx context.Context, id string) (bool, error)
	ResetDailyUsage(ctx context.Context) error
}

// PoolMaintainer is what the scheduler needs from the pool.
type PoolMaintainer interface {
	ResetIfDue(ctx context.Context) (bool, error)
	ResetDailyUsage(ctx context.Context) error
	HealthCheckAll(ctx context.Context) (healthy, unhealthy int)
}

// Enricher performs a single indicator lookup.
type Enricher interface {
	Enrich(ctx context.Context, indicator string) domain.EnrichmentResult
}

// BatchRunner runs bulk enrichment jobs.
type BatchRunner interface {
	RunBatch(ctx context.Context, opts domain.BatchOptions) (domain.RunStats, error)
	RunForParent(ctx context.Context, parentID string) (domain.RunStats, error)
}

// Exporter pushes enriched records downstream.
type Exporter interface {
	ExportOne(ctx context.Context, recordID string) domain.ExportResult
	ExportPending(ctx context.Context, limit int) (domain.BatchExportStats, error)
}

// Ledger reads and writes sync runs.
type Ledger interface {
	Start(ctx context.Context, syncType domain.SyncType, credentialID *string) (*domain.SyncRun, error)
	Progress(ctx context.Context, run *domain.SyncRun) error
	Complete(ctx context.Context, run *domain.SyncRun) error
	Fail(ctx context.Context, run *domain.SyncRun, cause error) error
	Get(ctx context.Context, id string) (*domain.SyncRun, error)
	List(ctx context.Context, syncType domain.SyncType, limit int) ([]domain.SyncRun, error)
	Latest(ctx context.Context, syncType domain.SyncType) (*domain.SyncRun, error)
}

// JobTrigger starts asynchronous jobs and returns immediately.
type JobTrigger interface {
	TriggerBatch(opts domain.BatchOptions) error
	TriggerParent(parentID string) error
	TriggerExport(limit int) error
	TriggerReset() error
}
