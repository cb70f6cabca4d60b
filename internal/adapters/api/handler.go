package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/poyrazK/intelsync/internal/core/domain"
	"github.com/poyrazK/intelsync/internal/core/ports"
	"github.com/poyrazK/intelsync/internal/core/services"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HealthCheck reports the state of one dependency.
type HealthCheck func(ctx context.Context) error

// Services bundles what the admin API drives.
type Services struct {
	Pool     ports.PoolAdmin
	Enricher ports.Enricher
	Jobs     ports.JobTrigger
	Exporter ports.Exporter
	Ledger   ports.Ledger
	Keys     ports.APIKeyRepository
	Checks   map[string]HealthCheck

	// EnrichRate and EnrichBurst size the per-client bucket on POST /enrich.
	EnrichRate  float64
	EnrichBurst int
}

// APIHandler handles HTTP requests for credential, job and ledger management.
type APIHandler struct {
	svc     Services
	limiter *rateLimiter
}

// NewAPIHandler creates and returns a new APIHandler instance.
func NewAPIHandler(svc Services) *APIHandler {
	if svc.EnrichRate <= 0 {
		svc.EnrichRate = 2
	}
	if svc.EnrichBurst <= 0 {
		svc.EnrichBurst = 10
	}
	return &APIHandler{
		svc:     svc,
		limiter: newRateLimiter(svc.EnrichRate, svc.EnrichBurst),
	}
}

// RegisterRoutes registers the API routes with the provided ServeMux.
func (h *APIHandler) RegisterRoutes(mux *http.ServeMux) {
	// Public Routes
	mux.HandleFunc("GET /health", h.HealthCheck)
	mux.HandleFunc("GET /metrics", h.Metrics)

	// Middleware
	auth := AuthMiddleware(h.svc.Keys)
	admin := RequireRole(domain.RoleAdmin)
	limited := RateLimit(h.limiter)

	// Credential pool
	mux.Handle("GET /credentials", auth(http.HandlerFunc(h.ListCredentials)))
	mux.Handle("POST /credentials", auth(admin(http.HandlerFunc(h.CreateCredential))))
	mux.Handle("PATCH /credentials/{id}", auth(admin(http.HandlerFunc(h.UpdateCredential))))
	mux.Handle("DELETE /credentials/{id}", auth(admin(http.HandlerFunc(h.DeleteCredential))))
	mux.Handle("POST /credentials/{id}/check", auth(admin(http.HandlerFunc(h.CheckCredential))))
	mux.Handle("GET /pool/stats", auth(http.HandlerFunc(h.PoolStats)))

	// Enrichment and jobs
	mux.Handle("POST /enrich", auth(limited(http.HandlerFunc(h.Enrich))))
	mux.Handle("POST /jobs/enrichment", auth(admin(http.HandlerFunc(h.StartEnrichment))))
	mux.Handle("POST /jobs/parents/{id}/enrichment", auth(admin(http.HandlerFunc(h.StartParentEnrichment))))
	mux.Handle("POST /jobs/export", auth(admin(http.HandlerFunc(h.StartExport))))
	mux.Handle("POST /jobs/reset-usage", auth(admin(http.HandlerFunc(h.StartReset))))
	mux.Handle("POST /indicators/{id}/export", auth(admin(http.HandlerFunc(h.ExportIndicator))))

	// Ledger
	mux.Handle("GET /sync-runs", auth(http.HandlerFunc(h.ListSyncRuns)))
	mux.Handle("GET /sync-runs/{id}", auth(http.HandlerFunc(h.GetSyncRun)))
	mux.Handle("GET /sync-runs/latest/{type}", auth(http.HandlerFunc(h.LatestSyncRun)))
}

// Metrics handles Prometheus metrics scraping requests.
func (h *APIHandler) Metrics(w http.ResponseWriter, r *http.Request) {
	promhttp.Handler().ServeHTTP(w, r)
}

// HealthCheck handles health check requests.
func (h *APIHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	status := "UP"
	details := make(map[string]string)

	for name, check := range h.svc.Checks {
		if checkErr := check(r.Context()); checkErr != nil {
			status = "DEGRADED"
			details[name] = checkErr.Error()
		} else {
			details[name] = "OK"
		}
	}

	resp := map[string]interface{}{
		"status":  status,
		"details": details,
	}

	code := http.StatusOK
	if status == "DEGRADED" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}

// credentialView is the wire form of a credential. The secret never leaves
// the process; only its prefix does.
type credentialView struct {
	domain.Credential
	SecretPrefix string `json:"secret_prefix"`
}

func viewOf(c domain.Credential) credentialView {
	return credentialView{Credential: c, SecretPrefix: c.SecretPrefix()}
}

func (h *APIHandler) ListCredentials(w http.ResponseWriter, r *http.Request) {
	creds := h.svc.Pool.List()
	out := make([]credentialView, 0, len(creds))
	for _, c := range creds {
		out = append(out, viewOf(c))
	}
	writeJSON(w, http.StatusOK, out)
}

type createCredentialRequest struct {
	Name       string `json:"name"`
	Secret     string `json:"secret"`
	DailyLimit int    `json:"daily_limit"`
	IsPrimary  bool   `json:"is_primary"`
	IsActive   *bool  `json:"is_active"`
}

func (h *APIHandler) CreateCredential(w http.ResponseWriter, r *http.Request) {
	var req createCredentialRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	cred := &domain.Credential{
		Name:       req.Name,
		Secret:     req.Secret,
		DailyLimit: req.DailyLimit,
		IsPrimary:  req.IsPrimary,
		IsActive:   req.IsActive == nil || *req.IsActive,
	}
	if strings.TrimSpace(cred.Name) == "" || strings.TrimSpace(cred.Secret) == "" || cred.DailyLimit < 0 {
		http.Error(w, "Invalid credential: name and secret are required, daily_limit must not be negative", http.StatusBadRequest)
		return
	}

	if err := h.svc.Pool.AddCredential(r.Context(), cred); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusCreated, viewOf(*cred))
}

type updateCredentialRequest struct {
	IsActive  *bool `json:"is_active"`
	IsPrimary *bool `json:"is_primary"`
}

func (h *APIHandler) UpdateCredential(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var req updateCredentialRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.IsActive == nil && req.IsPrimary == nil {
		http.Error(w, "Nothing to update: set is_active or is_primary", http.StatusBadRequest)
		return
	}

	if req.IsActive != nil {
		if err := h.svc.Pool.SetActive(r.Context(), id, *req.IsActive); err != nil {
			writeError(w, err)
			return
		}
	}
	if req.IsPrimary != nil {
		if err := h.svc.Pool.SetPrimary(r.Context(), id, *req.IsPrimary); err != nil {
			writeError(w, err)
			return
		}
	}

	cred, ok := h.svc.Pool.Get(id)
	if !ok {
		http.Error(w, domain.ErrCredentialNotFound.Error(), http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(cred))
}

func (h *APIHandler) DeleteCredential(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.svc.Pool.Deactivate(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *APIHandler) CheckCredential(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	healthy, err := h.svc.Pool.HealthCheck(r.Context(), id)
	if errors.Is(err, domain.ErrCredentialNotFound) {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}

	resp := map[string]interface{}{
		"id":      id,
		"healthy": healthy,
	}
	if err != nil {
		resp["error"] = err.Error()
	}
	if cred, ok := h.svc.Pool.Get(id); ok {
		resp["health_status"] = cred.HealthStatus
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *APIHandler) PoolStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.svc.Pool.Stats())
}

type enrichRequest struct {
	Indicator string `json:"indicator"`
}

// Enrich performs a synchronous lookup. Not-found outcomes are a normal 200
// response with found=false.
func (h *APIHandler) Enrich(w http.ResponseWriter, r *http.Request) {
	var req enrichRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Indicator) == "" {
		http.Error(w, "indicator is required", http.StatusBadRequest)
		return
	}

	writeJSON(w, http.StatusOK, h.svc.Enricher.Enrich(r.Context(), req.Indicator))
}

func (h *APIHandler) StartEnrichment(w http.ResponseWriter, r *http.Request) {
	var opts domain.BatchOptions
	if err := decodeOptional(r, &opts); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if opts.Type != "" && opts.Type.Sections() == nil {
		http.Error(w, "Unsupported indicator type: "+string(opts.Type), http.StatusBadRequest)
		return
	}
	if opts.Limit < 0 || opts.Limit > services.MaxBatchLimit {
		http.Error(w, "limit must be between 0 and "+strconv.Itoa(services.MaxBatchLimit), http.StatusBadRequest)
		return
	}

	h.started(w, h.svc.Jobs.TriggerBatch(opts), string(domain.SyncBulkEnrichment))
}

func (h *APIHandler) StartParentEnrichment(w http.ResponseWriter, r *http.Request) {
	parentID := r.PathValue("id")
	h.started(w, h.svc.Jobs.TriggerParent(parentID), string(domain.SyncBulkEnrichment))
}

type exportJobRequest struct {
	Limit int `json:"limit"`
}

func (h *APIHandler) StartExport(w http.ResponseWriter, r *http.Request) {
	var req exportJobRequest
	if err := decodeOptional(r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Limit < 0 || req.Limit > services.MaxExportLimit {
		http.Error(w, "limit must be between 0 and "+strconv.Itoa(services.MaxExportLimit), http.StatusBadRequest)
		return
	}

	h.started(w, h.svc.Jobs.TriggerExport(req.Limit), string(domain.SyncMISPExport))
}

func (h *APIHandler) StartReset(w http.ResponseWriter, r *http.Request) {
	h.started(w, h.svc.Jobs.TriggerReset(), "reset_usage")
}

func (h *APIHandler) started(w http.ResponseWriter, err error, job string) {
	if errors.Is(err, domain.ErrJobRunning) {
		writeJSON(w, http.StatusConflict, map[string]string{"status": "running", "job": job})
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "started", "job": job})
}

func (h *APIHandler) ExportIndicator(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	res := h.svc.Exporter.ExportOne(r.Context(), id)
	if !res.Success && res.Message == domain.ErrIndicatorNotFound.Error() {
		http.Error(w, res.Message, http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *APIHandler) ListSyncRuns(w http.ResponseWriter, r *http.Request) {
	syncType := domain.SyncType(r.URL.Query().Get("type"))
	if syncType != "" && !syncType.Valid() {
		http.Error(w, "Unknown sync type: "+string(syncType), http.StatusBadRequest)
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			http.Error(w, "Invalid limit: "+raw, http.StatusBadRequest)
			return
		}
		limit = n
	}

	runs, err := h.svc.Ledger.List(r.Context(), syncType, limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if runs == nil {
		runs = []domain.SyncRun{}
	}
	writeJSON(w, http.StatusOK, runs)
}

func (h *APIHandler) GetSyncRun(w http.ResponseWriter, r *http.Request) {
	run, err := h.svc.Ledger.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (h *APIHandler) LatestSyncRun(w http.ResponseWriter, r *http.Request) {
	syncType := domain.SyncType(r.PathValue("type"))
	if !syncType.Valid() {
		http.Error(w, "Unknown sync type: "+string(syncType), http.StatusBadRequest)
		return
	}

	run, err := h.svc.Ledger.Latest(r.Context(), syncType)
	if err != nil {
		writeError(w, err)
		return
	}
	if run == nil {
		http.Error(w, domain.ErrRunNotFound.Error(), http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// decodeOptional decodes a JSON body into v, leaving v untouched when the
// body is empty.
func decodeOptional(r *http.Request, v interface{}) error {
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrCredentialNotFound),
		errors.Is(err, domain.ErrRunNotFound),
		errors.Is(err, domain.ErrIndicatorNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("failed to encode response: %v", err)
	}
}
