package domain

import (
	"time"
)

// SyncType identifies the job a SyncRun audits.
type SyncType string

const (
	SyncPulse          SyncType = "pulse_sync"
	SyncBulkEnrichment SyncType = "bulk_enrichment"
	SyncMISPExport     SyncType = "misp_export"
)

// Valid reports whether t is one of the known sync types.
func (t SyncType) Valid() bool {
	switch t {
	case SyncPulse, SyncBulkEnrichment, SyncMISPExport:
		return true
	default:
		return false
	}
}

// SyncStatus is the lifecycle state of a SyncRun.
type SyncStatus string

const (
	SyncRunning   SyncStatus = "running"
	SyncCompleted SyncStatus = "completed"
	SyncFailed    SyncStatus = "failed"
)

// SyncRun is one append-only ledger entry for a scheduled or on-demand job.
// It is created running and closed exactly once.
type SyncRun struct {
	ID           string     `json:"id"`
	SyncType     SyncType   `json:"sync_type"`
	StartedAt    time.Time  `json:"started_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	Fetched      int        `json:"fetched"`
	New          int        `json:"new"`
	Updated      int        `json:"updated"`
	Processed    int        `json:"processed"`
	Enriched     int        `json:"enriched"`
	Failed       int        `json:"failed"`
	Status       SyncStatus `json:"status"`
	ErrorMessage string     `json:"error_message,omitempty"`
	CredentialID *string    `json:"credential_id,omitempty"`
}

// Closed reports whether the run reached a terminal status.
func (r *SyncRun) Closed() bool {
	return r.Status != SyncRunning
}

// BatchOptions selects candidates for a bulk enrichment run.
type BatchOptions struct {
	Limit        int           `json:"limit"`
	Type         IndicatorType `json:"type,omitempty"`
	PriorityOnly bool          `json:"priority_only"`
}

// RunStats aggregates the outcome of one enrichment run.
type RunStats struct {
	RunID     string        `json:"run_id"`
	Selected  int           `json:"selected"`
	Processed int           `json:"processed"`
	Enriched  int           `json:"enriched"`
	Failed    int           `json:"failed"`
	Cancelled bool          `json:"cancelled"`
	Status    SyncStatus    `json:"status"`
	Duration  time.Duration `json:"duration"`
}
