package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/poyrazK/intelsync/internal/core/domain"
	"github.com/poyrazK/intelsync/internal/core/services"
	"github.com/poyrazK/intelsync/internal/testutil"
)

const (
	adminKey  = "isk_admin"
	viewerKey = "isk_viewer"
)

type stubJobs struct {
	mu      sync.Mutex
	batches []domain.BatchOptions
	parents []string
	exports []int
	resets  int
	err     error
}

func (s *stubJobs) TriggerBatch(opts domain.BatchOptions) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, opts)
	return s.err
}

func (s *stubJobs) TriggerParent(parentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.parents = append(s.parents, parentID)
	return s.err
}

func (s *stubJobs) TriggerExport(limit int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.exports = append(s.exports, limit)
	return s.err
}

func (s *stubJobs) TriggerReset() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resets++
	return s.err
}

type testServer struct {
	mux    *http.ServeMux
	repo   *testutil.MemoryRepo
	intel  *testutil.FakeThreatIntel
	export *testutil.FakeExportAPI
	pool   *services.CredentialPool
	ledger *services.SyncLedger
	jobs   *stubJobs
}

func newTestServer(t *testing.T, checks map[string]HealthCheck) *testServer {
	t.Helper()
	repo := testutil.NewMemoryRepo()
	intel := testutil.NewFakeThreatIntel()
	exportAPI := &testutil.FakeExportAPI{}

	pool := services.NewCredentialPool(repo, intel, nil)
	ledger := services.NewSyncLedger(repo, nil)
	enricher := services.NewEnrichmentService(pool, intel, nil, 0, nil)
	exporter := services.NewExportPipeline(repo, exportAPI, ledger, nil)
	jobs := &stubJobs{}

	ctx := context.Background()
	_ = repo.CreateAPIKey(ctx, &domain.APIKey{ID: "k-admin", KeyHash: HashKey(adminKey), Role: domain.RoleAdmin, Active: true})
	_ = repo.CreateAPIKey(ctx, &domain.APIKey{ID: "k-viewer", KeyHash: HashKey(viewerKey), Role: domain.RoleViewer, Active: true})

	h := NewAPIHandler(Services{
		Pool:        pool,
		Enricher:    enricher,
		Jobs:        jobs,
		Exporter:    exporter,
		Ledger:      ledger,
		Keys:        repo,
		Checks:      checks,
		EnrichRate:  0.001,
		EnrichBurst: 2,
	})
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)

	return &testServer{mux: mux, repo: repo, intel: intel, export: exportAPI, pool: pool, ledger: ledger, jobs: jobs}
}

func (s *testServer) do(method, path, key string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	w := httptest.NewRecorder()
	s.mux.ServeHTTP(w, req)
	return w
}

func TestHealthCheck(t *testing.T) {
	s := newTestServer(t, map[string]HealthCheck{
		"database": func(context.Context) error { return nil },
	})
	w := s.do("GET", "/health", "", nil)
	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}

	degraded := newTestServer(t, map[string]HealthCheck{
		"database": func(context.Context) error { return nil },
		"redis":    func(context.Context) error { return errors.New("connection refused") },
	})
	w = degraded.do("GET", "/health", "", nil)
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected status 503, got %d", w.Code)
	}
	var resp struct {
		Status  string            `json:"status"`
		Details map[string]string `json:"details"`
	}
	_ = json.NewDecoder(w.Body).Decode(&resp)
	if resp.Status != "DEGRADED" || resp.Details["redis"] != "connection refused" || resp.Details["database"] != "OK" {
		t.Errorf("Unexpected health response: %+v", resp)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t, nil)
	w := s.do("GET", "/metrics", "", nil)
	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}
}

func TestCredentialLifecycle(t *testing.T) {
	s := newTestServer(t, nil)

	w := s.do("POST", "/credentials", adminKey, map[string]interface{}{
		"name": "primary", "secret": "abcdef123456", "daily_limit": 10, "is_primary": true,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected status 201, got %d: %s", w.Code, w.Body.String())
	}
	if strings.Contains(w.Body.String(), "abcdef123456") {
		t.Fatalf("secret leaked in response: %s", w.Body.String())
	}
	var created map[string]interface{}
	_ = json.NewDecoder(w.Body).Decode(&created)
	id, _ := created["id"].(string)
	if id == "" || created["secret_prefix"] != "abcdef" || created["is_active"] != true {
		t.Fatalf("Unexpected credential response: %v", created)
	}

	w = s.do("GET", "/credentials", viewerKey, nil)
	var list []map[string]interface{}
	_ = json.NewDecoder(w.Body).Decode(&list)
	if w.Code != http.StatusOK || len(list) != 1 {
		t.Errorf("Expected 1 credential, got %d (%d)", len(list), w.Code)
	}

	w = s.do("PATCH", "/credentials/"+id, adminKey, map[string]bool{"is_primary": false})
	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}
	if c, _ := s.pool.Get(id); c.IsPrimary {
		t.Errorf("Expected primary flag cleared")
	}

	w = s.do("POST", "/credentials/"+id+"/check", adminKey, nil)
	var check map[string]interface{}
	_ = json.NewDecoder(w.Body).Decode(&check)
	if w.Code != http.StatusOK || check["healthy"] != true || check["health_status"] != "ok" {
		t.Errorf("Unexpected check response %d: %v", w.Code, check)
	}

	w = s.do("DELETE", "/credentials/"+id, adminKey, nil)
	if w.Code != http.StatusNoContent {
		t.Errorf("Expected status 204, got %d", w.Code)
	}
	if c, ok := s.pool.Get(id); !ok || c.IsActive {
		t.Errorf("Expected credential soft-deleted, got %+v", c)
	}
	if stored, ok := s.repo.StoredCredential(id); !ok || stored.IsActive {
		t.Errorf("Expected deactivation persisted, got %+v", stored)
	}

	w = s.do("GET", "/pool/stats", viewerKey, nil)
	var stats domain.PoolStats
	_ = json.NewDecoder(w.Body).Decode(&stats)
	if stats.Total != 1 || stats.Active != 0 {
		t.Errorf("Unexpected stats: %+v", stats)
	}
}

func TestCredentialErrors(t *testing.T) {
	s := newTestServer(t, nil)

	tests := []struct {
		name   string
		method string
		path   string
		key    string
		body   interface{}
		want   int
	}{
		{"no key", "GET", "/credentials", "", nil, http.StatusUnauthorized},
		{"viewer cannot create", "POST", "/credentials", viewerKey, map[string]string{"name": "x", "secret": "y"}, http.StatusForbidden},
		{"missing secret", "POST", "/credentials", adminKey, map[string]string{"name": "x"}, http.StatusBadRequest},
		{"empty patch", "PATCH", "/credentials/nope", adminKey, map[string]string{}, http.StatusBadRequest},
		{"unknown patch", "PATCH", "/credentials/nope", adminKey, map[string]bool{"is_active": false}, http.StatusNotFound},
		{"unknown delete", "DELETE", "/credentials/nope", adminKey, nil, http.StatusNotFound},
		{"unknown check", "POST", "/credentials/nope/check", adminKey, nil, http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := s.do(tt.method, tt.path, tt.key, tt.body)
			if w.Code != tt.want {
				t.Errorf("Expected status %d, got %d", tt.want, w.Code)
			}
		})
	}
}

func TestEnrichEndpoint(t *testing.T) {
	s := newTestServer(t, nil)
	_ = s.pool.AddCredential(context.Background(), &domain.Credential{Name: "a", Secret: "k", DailyLimit: 10, IsActive: true})
	s.intel.SetFound("8.8.8.8", 2, "dns")

	w := s.do("POST", "/enrich", viewerKey, map[string]string{"indicator": "8.8.8.8"})
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	var res domain.EnrichmentResult
	_ = json.NewDecoder(w.Body).Decode(&res)
	if !res.Found || res.Type != domain.TypeIPv4 || res.Payload == nil || res.Payload.PulseCount != 2 {
		t.Errorf("Unexpected enrichment result: %+v", res)
	}

	w = s.do("POST", "/enrich", viewerKey, map[string]string{"indicator": "  "})
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400 for blank indicator, got %d", w.Code)
	}

	// Burst of 2 is spent; the admin key has its own bucket.
	w = s.do("POST", "/enrich", viewerKey, map[string]string{"indicator": "8.8.8.8"})
	if w.Code != http.StatusTooManyRequests {
		t.Errorf("Expected status 429 after burst, got %d", w.Code)
	}
	w = s.do("POST", "/enrich", adminKey, map[string]string{"indicator": "8.8.8.8"})
	if w.Code != http.StatusOK {
		t.Errorf("Expected separate bucket per key, got %d", w.Code)
	}
}

func TestJobTriggers(t *testing.T) {
	s := newTestServer(t, nil)

	w := s.do("POST", "/jobs/enrichment", adminKey, map[string]interface{}{"limit": 25, "priority_only": true, "type": "IPv4"})
	if w.Code != http.StatusAccepted {
		t.Errorf("Expected status 202, got %d", w.Code)
	}
	if len(s.jobs.batches) != 1 || s.jobs.batches[0].Limit != 25 || !s.jobs.batches[0].PriorityOnly {
		t.Errorf("Unexpected batch options: %+v", s.jobs.batches)
	}

	w = s.do("POST", "/jobs/enrichment", adminKey, nil)
	if w.Code != http.StatusAccepted {
		t.Errorf("Expected empty body to be accepted, got %d", w.Code)
	}

	w = s.do("POST", "/jobs/enrichment", adminKey, map[string]interface{}{"type": "email"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected unsupported type to be rejected, got %d", w.Code)
	}

	w = s.do("POST", "/jobs/enrichment", adminKey, map[string]interface{}{"limit": services.MaxBatchLimit + 1})
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected oversized limit to be rejected, got %d", w.Code)
	}

	w = s.do("POST", "/jobs/parents/pulse-9/enrichment", adminKey, nil)
	if w.Code != http.StatusAccepted || len(s.jobs.parents) != 1 || s.jobs.parents[0] != "pulse-9" {
		t.Errorf("Unexpected parent trigger: %d %v", w.Code, s.jobs.parents)
	}

	w = s.do("POST", "/jobs/export", adminKey, map[string]int{"limit": 10})
	if w.Code != http.StatusAccepted || len(s.jobs.exports) != 1 || s.jobs.exports[0] != 10 {
		t.Errorf("Unexpected export trigger: %d %v", w.Code, s.jobs.exports)
	}

	w = s.do("POST", "/jobs/reset-usage", adminKey, nil)
	if w.Code != http.StatusAccepted || s.jobs.resets != 1 {
		t.Errorf("Unexpected reset trigger: %d %d", w.Code, s.jobs.resets)
	}

	w = s.do("POST", "/jobs/reset-usage", viewerKey, nil)
	if w.Code != http.StatusForbidden {
		t.Errorf("Expected viewer to be forbidden, got %d", w.Code)
	}

	s.jobs.err = domain.ErrJobRunning
	w = s.do("POST", "/jobs/export", adminKey, nil)
	if w.Code != http.StatusConflict {
		t.Errorf("Expected status 409 while running, got %d", w.Code)
	}
}

func TestExportIndicator(t *testing.T) {
	s := newTestServer(t, nil)
	enrichedAt := time.Now()
	s.repo.AddIndicators(domain.IndicatorRecord{
		ID:                "rec-1",
		Value:             "evil.example",
		Type:              domain.TypeDomain,
		Priority:          domain.PriorityHigh,
		EnrichmentPayload: json.RawMessage(`{"pulse_count":1,"tags":["phishing"]}`),
		EnrichedAt:        &enrichedAt,
		CreatedAt:         enrichedAt,
	})

	w := s.do("POST", "/indicators/rec-1/export", adminKey, nil)
	var first domain.ExportResult
	_ = json.NewDecoder(w.Body).Decode(&first)
	if w.Code != http.StatusOK || !first.Success || first.ExternalID == nil {
		t.Fatalf("Unexpected first export: %d %+v", w.Code, first)
	}

	w = s.do("POST", "/indicators/rec-1/export", adminKey, nil)
	var second domain.ExportResult
	_ = json.NewDecoder(w.Body).Decode(&second)
	if second.Success || second.ExternalID == nil || *second.ExternalID != *first.ExternalID {
		t.Errorf("Expected idempotent second export, got %+v", second)
	}
	if s.export.CallCount() != 1 {
		t.Errorf("Expected exactly 1 downstream call, got %d", s.export.CallCount())
	}

	w = s.do("POST", "/indicators/missing/export", adminKey, nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", w.Code)
	}
}

func TestSyncRunEndpoints(t *testing.T) {
	s := newTestServer(t, nil)
	ctx := context.Background()

	run, err := s.ledger.Start(ctx, domain.SyncBulkEnrichment, nil)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	run.Processed = 3
	_ = s.ledger.Complete(ctx, run)

	w := s.do("GET", "/sync-runs?type=bulk_enrichment&limit=5", viewerKey, nil)
	var runs []domain.SyncRun
	_ = json.NewDecoder(w.Body).Decode(&runs)
	if w.Code != http.StatusOK || len(runs) != 1 || runs[0].Status != domain.SyncCompleted {
		t.Errorf("Unexpected runs: %d %+v", w.Code, runs)
	}

	w = s.do("GET", "/sync-runs?type=misp_export", viewerKey, nil)
	if w.Code != http.StatusOK || strings.TrimSpace(w.Body.String()) != "[]" {
		t.Errorf("Expected empty list, got %d %s", w.Code, w.Body.String())
	}

	w = s.do("GET", "/sync-runs?type=bogus", viewerKey, nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400, got %d", w.Code)
	}

	w = s.do("GET", "/sync-runs/"+run.ID, viewerKey, nil)
	var got domain.SyncRun
	_ = json.NewDecoder(w.Body).Decode(&got)
	if w.Code != http.StatusOK || got.Processed != 3 {
		t.Errorf("Unexpected run: %d %+v", w.Code, got)
	}

	w = s.do("GET", "/sync-runs/missing", viewerKey, nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", w.Code)
	}

	w = s.do("GET", "/sync-runs/latest/bulk_enrichment", viewerKey, nil)
	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}
	w = s.do("GET", "/sync-runs/latest/misp_export", viewerKey, nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected status 404 with no runs, got %d", w.Code)
	}
}
