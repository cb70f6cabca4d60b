package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// EnrichmentsTotal tracks single lookups by outcome (found, not_found, no_credential, rate_limited, error, cached)
	EnrichmentsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "intelsync_enrichments_total",
		Help: "Total number of indicator enrichment lookups",
	}, []string{"outcome"})

	// UpstreamRequests tracks section requests against the threat intel API
	UpstreamRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "intelsync_upstream_requests_total",
		Help: "Total number of upstream section requests",
	}, []string{"section", "status"})

	// UpstreamDuration tracks latency of upstream section requests
	UpstreamDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "intelsync_upstream_request_duration_seconds",
		Help:    "Histogram of upstream request duration",
		Buckets: prometheus.DefBuckets,
	}, []string{"section"})

	// LeasesTotal tracks credential lease outcomes reported back to the pool
	LeasesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "intelsync_credential_leases_total",
		Help: "Total number of credential leases by outcome",
	}, []string{"outcome"})

	// CredentialsAvailable tracks credentials currently selectable
	CredentialsAvailable = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "intelsync_credentials_available",
		Help: "Number of credentials currently available for leasing",
	})

	// CredentialsExhausted tracks credentials that consumed their daily quota
	CredentialsExhausted = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "intelsync_credentials_exhausted",
		Help: "Number of credentials whose daily quota is consumed",
	})

	// CacheOperations tracks L1/L2 enrichment cache hits and misses
	CacheOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "intelsync_cache_operations_total",
		Help: "Total number of cache hits and misses",
	}, []string{"level", "result"})

	// BatchDuration tracks wall time of enrichment and export runs
	BatchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "intelsync_batch_duration_seconds",
		Help:    "Histogram of batch run duration",
		Buckets: []float64{1, 5, 15, 60, 300, 900, 1800, 3600},
	}, []string{"sync_type"})

	// ExportsTotal tracks downstream export outcomes
	ExportsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "intelsync_exports_total",
		Help: "Total number of record exports by outcome",
	}, []string{"outcome"})

	// SyncRunsTotal tracks closed ledger entries
	SyncRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "intelsync_sync_runs_total",
		Help: "Total number of sync runs by type and final status",
	}, []string{"sync_type", "status"})
)
