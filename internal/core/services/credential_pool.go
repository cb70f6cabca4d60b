package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/poyrazK/intelsync/internal/core/domain"
	"github.com/poyrazK/intelsync/internal/core/ports"
	"github.com/poyrazK/intelsync/internal/infrastructure/metrics"
)

// DefaultDailyLimit is applied to credentials created without an explicit quota.
const DefaultDailyLimit = 10000

type credentialSlot struct {
	cred     domain.Credential
	inFlight int
	version  uint64
}

// CredentialPool owns the set of upstream credentials. One instance exists per
// process and is shared by interactive lookups and scheduled batches.
//
// All selection and mutation happens under mu. Selection reserves an
// in-flight slot on the chosen credential, and the outcome call settles it,
// so concurrent callers can never jointly exceed a daily limit. Durable
// writes happen after mu is released; persistMu plus per-credential versions
// keep the table from moving backwards when writers finish out of order.
type CredentialPool struct {
	repo   ports.CredentialRepository
	probe  ports.ThreatIntelAPI
	logger *slog.Logger
	now    func() time.Time

	mu        sync.Mutex
	slots     map[string]*credentialSlot
	lastReset time.Time

	persistMu sync.Mutex
	persisted map[string]uint64
}

// NewCredentialPool creates an empty pool. Call Load before serving traffic.
func NewCredentialPool(repo ports.CredentialRepository, probe ports.ThreatIntelAPI, logger *slog.Logger) *CredentialPool {
	if logger == nil {
		logger = slog.Default()
	}
	return &CredentialPool{
		repo:      repo,
		probe:     probe,
		logger:    logger,
		now:       time.Now,
		slots:     make(map[string]*credentialSlot),
		persisted: make(map[string]uint64),
	}
}

// Load replaces the in-memory view with the durable credential table.
func (p *CredentialPool) Load(ctx context.Context) error {
	creds, err := p.repo.ListCredentials(ctx)
	if err != nil {
		return fmt.Errorf("load credentials: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	slots := make(map[string]*credentialSlot, len(creds))
	var lastReset time.Time
	for _, c := range creds {
		if c.HealthStatus == "" {
			c.HealthStatus = domain.HealthUnknown
		}
		if c.LastResetAt != nil && c.LastResetAt.After(lastReset) {
			lastReset = *c.LastResetAt
		}
		slot := &credentialSlot{cred: c}
		if old, ok := p.slots[c.ID]; ok {
			slot.inFlight = old.inFlight
			slot.version = old.version
		}
		slots[c.ID] = slot
	}
	p.slots = slots
	p.lastReset = lastReset
	p.updateGaugesLocked()

	p.logger.Info("credential pool loaded", "credentials", len(slots), "last_reset", lastReset)
	return nil
}

// SelectAvailable leases a usable credential, preferring primaries and then
// the least used. ok=false means no capacity right now; it is not an error.
func (p *CredentialPool) SelectAvailable() (domain.Credential, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var best *credentialSlot
	for _, slot := range p.slots {
		if !slot.cred.Usable(slot.inFlight) {
			continue
		}
		if best == nil || preferSlot(slot, best) {
			best = slot
		}
	}
	if best == nil {
		metrics.LeasesTotal.WithLabelValues("unavailable").Inc()
		return domain.Credential{}, false
	}

	best.inFlight++
	p.updateGaugesLocked()
	return best.cred, true
}

// preferSlot orders by primary first, then current usage ascending. In-flight
// count and ID only break exact ties so selection stays deterministic.
func preferSlot(a, b *credentialSlot) bool {
	if a.cred.IsPrimary != b.cred.IsPrimary {
		return a.cred.IsPrimary
	}
	if a.cred.CurrentUsage != b.cred.CurrentUsage {
		return a.cred.CurrentUsage < b.cred.CurrentUsage
	}
	if a.inFlight != b.inFlight {
		return a.inFlight < b.inFlight
	}
	return a.cred.ID < b.cred.ID
}

// RecordSuccess settles a lease after a completed upstream round trip.
func (p *CredentialPool) RecordSuccess(ctx context.Context, id string) error {
	metrics.LeasesTotal.WithLabelValues("success").Inc()
	return p.settle(ctx, id, true, func(c *domain.Credential) {
		if c.CurrentUsage < c.DailyLimit {
			c.CurrentUsage++
		}
		c.ErrorCount = 0
		// rate_limited only clears on the daily reset
		if c.HealthStatus != domain.HealthRateLimited {
			c.HealthStatus = domain.HealthOK
		}
	})
}

// RecordFailure settles a lease after a non rate-limit upstream error.
func (p *CredentialPool) RecordFailure(ctx context.Context, id string) error {
	metrics.LeasesTotal.WithLabelValues("failure").Inc()
	return p.settle(ctx, id, true, func(c *domain.Credential) {
		c.ErrorCount++
		if c.ErrorCount > domain.MaxErrorCount && c.HealthStatus != domain.HealthRateLimited {
			c.HealthStatus = domain.HealthError
		}
	})
}

// RecordRateLimited settles a lease after upstream signalled its quota. The
// credential is treated as exhausted until the next daily reset.
func (p *CredentialPool) RecordRateLimited(ctx context.Context, id string) error {
	metrics.LeasesTotal.WithLabelValues("rate_limited").Inc()
	return p.settle(ctx, id, true, func(c *domain.Credential) {
		c.HealthStatus = domain.HealthRateLimited
		c.CurrentUsage = c.DailyLimit
		c.ErrorCount++
	})
}

func (p *CredentialPool) settle(ctx context.Context, id string, releaseLease bool, mutate func(c *domain.Credential)) error {
	p.mu.Lock()
	slot, ok := p.slots[id]
	if !ok {
		p.mu.Unlock()
		return fmt.Errorf("%w: %s", domain.ErrCredentialNotFound, id)
	}
	if releaseLease && slot.inFlight > 0 {
		slot.inFlight--
	}
	mutate(&slot.cred)
	slot.cred.UpdatedAt = p.now()
	slot.version++
	snapshot, version := slot.cred, slot.version
	p.updateGaugesLocked()
	p.mu.Unlock()

	return p.persist(ctx, snapshot, version)
}

// persist writes a credential snapshot unless a newer one is already durable.
func (p *CredentialPool) persist(ctx context.Context, snapshot domain.Credential, version uint64) error {
	p.persistMu.Lock()
	defer p.persistMu.Unlock()

	if version <= p.persisted[snapshot.ID] {
		return nil
	}
	if err := p.repo.UpdateCredential(context.WithoutCancel(ctx), &snapshot); err != nil {
		p.logger.Error("failed to persist credential state", "credential_id", snapshot.ID, "error", err)
		return fmt.Errorf("persist credential %s: %w", snapshot.ID, err)
	}
	p.persisted[snapshot.ID] = version
	return nil
}

// ResetDailyUsage clears usage, error counts and health for every credential.
func (p *CredentialPool) ResetDailyUsage(ctx context.Context) error {
	_, err := p.reset(ctx, false)
	return err
}

// ResetIfDue resets at most once per UTC day. It is the scheduler entry point
// and is safe to fire repeatedly within the same window.
func (p *CredentialPool) ResetIfDue(ctx context.Context) (bool, error) {
	return p.reset(ctx, true)
}

func (p *CredentialPool) reset(ctx context.Context, onlyIfDue bool) (bool, error) {
	now := p.now()

	p.mu.Lock()
	if onlyIfDue && !p.lastReset.IsZero() && sameUTCDay(p.lastReset, now) {
		p.mu.Unlock()
		return false, nil
	}
	type pending struct {
		cred    domain.Credential
		version uint64
	}
	batch := make([]pending, 0, len(p.slots))
	for _, slot := range p.slots {
		slot.cred.CurrentUsage = 0
		slot.cred.ErrorCount = 0
		slot.cred.HealthStatus = domain.HealthUnknown
		resetAt := now
		slot.cred.LastResetAt = &resetAt
		slot.cred.UpdatedAt = now
		slot.version++
		batch = append(batch, pending{cred: slot.cred, version: slot.version})
	}
	p.lastReset = now
	p.updateGaugesLocked()
	p.mu.Unlock()

	var errs []error
	for _, item := range batch {
		if err := p.persist(ctx, item.cred, item.version); err != nil {
			errs = append(errs, err)
		}
	}
	p.logger.Info("daily credential usage reset", "credentials", len(batch), "failed_writes", len(errs))
	return true, errors.Join(errs...)
}

func sameUTCDay(a, b time.Time) bool {
	ay, am, ad := a.UTC().Date()
	by, bm, bd := b.UTC().Date()
	return ay == by && am == bm && ad == bd
}

// HealthCheck probes upstream with the credential without consuming quota.
func (p *CredentialPool) HealthCheck(ctx context.Context, id string) (bool, error) {
	p.mu.Lock()
	slot, ok := p.slots[id]
	if !ok {
		p.mu.Unlock()
		return false, fmt.Errorf("%w: %s", domain.ErrCredentialNotFound, id)
	}
	secret := slot.cred.Secret
	p.mu.Unlock()

	// Health reflects the upstream answer, not whether the caller waited for it.
	ctx = context.WithoutCancel(ctx)
	probeErr := p.probe.WhoAmI(ctx, secret)
	healthy := probeErr == nil
	if probeErr != nil {
		p.logger.Warn("credential health check failed", "credential_id", id, "error", probeErr)
	}

	err := p.settle(ctx, id, false, func(c *domain.Credential) {
		checkedAt := p.now()
		c.LastHealthCheck = &checkedAt
		if c.HealthStatus == domain.HealthRateLimited {
			return
		}
		if healthy {
			c.HealthStatus = domain.HealthOK
		} else {
			c.HealthStatus = domain.HealthError
		}
	})
	return healthy, err
}

// HealthCheckAll probes every active credential sequentially.
func (p *CredentialPool) HealthCheckAll(ctx context.Context) (healthy, unhealthy int) {
	for _, c := range p.List() {
		if !c.IsActive {
			continue
		}
		if ctx.Err() != nil {
			break
		}
		ok, err := p.HealthCheck(ctx, c.ID)
		if err != nil {
			p.logger.Error("health check bookkeeping failed", "credential_id", c.ID, "error", err)
		}
		if ok {
			healthy++
		} else {
			unhealthy++
		}
	}
	return healthy, unhealthy
}

// AddCredential validates and stores a new credential, then makes it leasable.
func (p *CredentialPool) AddCredential(ctx context.Context, cred *domain.Credential) error {
	cred.Name = strings.TrimSpace(cred.Name)
	cred.Secret = strings.TrimSpace(cred.Secret)
	if cred.Name == "" {
		return fmt.Errorf("credential name cannot be empty")
	}
	if cred.Secret == "" {
		return fmt.Errorf("credential secret cannot be empty")
	}
	if cred.DailyLimit < 0 {
		return fmt.Errorf("daily limit must be positive, got %d", cred.DailyLimit)
	}
	if cred.DailyLimit == 0 {
		cred.DailyLimit = DefaultDailyLimit
	}

	now := p.now()
	cred.ID = uuid.New().String()
	cred.CurrentUsage = 0
	cred.ErrorCount = 0
	cred.HealthStatus = domain.HealthUnknown
	cred.CreatedAt = now
	cred.UpdatedAt = now

	if err := p.repo.CreateCredential(ctx, cred); err != nil {
		return fmt.Errorf("create credential: %w", err)
	}

	p.mu.Lock()
	p.slots[cred.ID] = &credentialSlot{cred: *cred}
	p.updateGaugesLocked()
	p.mu.Unlock()

	p.logger.Info("credential added", "credential_id", cred.ID, "name", cred.Name, "primary", cred.IsPrimary, "daily_limit", cred.DailyLimit)
	return nil
}

// SetActive activates or soft-deletes a credential.
func (p *CredentialPool) SetActive(ctx context.Context, id string, active bool) error {
	return p.settle(ctx, id, false, func(c *domain.Credential) {
		c.IsActive = active
	})
}

// Deactivate soft-deletes a credential. Its row and usage history are kept.
func (p *CredentialPool) Deactivate(ctx context.Context, id string) error {
	if err := p.SetActive(ctx, id, false); err != nil {
		return err
	}
	p.logger.Info("credential deactivated", "credential_id", id)
	return nil
}

// SetPrimary toggles the primary preference of a credential.
func (p *CredentialPool) SetPrimary(ctx context.Context, id string, primary bool) error {
	return p.settle(ctx, id, false, func(c *domain.Credential) {
		c.IsPrimary = primary
	})
}

// List returns copies of all credentials, primaries first.
func (p *CredentialPool) List() []domain.Credential {
	p.mu.Lock()
	out := make([]domain.Credential, 0, len(p.slots))
	for _, slot := range p.slots {
		out = append(out, slot.cred)
	}
	p.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].IsPrimary != out[j].IsPrimary {
			return out[i].IsPrimary
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// Get returns a copy of one credential.
func (p *CredentialPool) Get(id string) (domain.Credential, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	slot, ok := p.slots[id]
	if !ok {
		return domain.Credential{}, false
	}
	return slot.cred, true
}

// ActiveCount is the number of credentials not soft-deleted.
func (p *CredentialPool) ActiveCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, slot := range p.slots {
		if slot.cred.IsActive {
			n++
		}
	}
	return n
}

// Stats sums pool state into the admin projection.
func (p *CredentialPool) Stats() domain.PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.statsLocked()
}

func (p *CredentialPool) statsLocked() domain.PoolStats {
	var st domain.PoolStats
	for _, slot := range p.slots {
		c := slot.cred
		st.Total++
		if !c.IsActive {
			continue
		}
		st.Active++
		st.TotalLimit += c.DailyLimit
		st.TotalUsage += c.CurrentUsage
		switch {
		case c.HealthStatus == domain.HealthRateLimited || c.Exhausted():
			st.Exhausted++
		case c.HealthStatus == domain.HealthError:
			st.Unhealthy++
		case c.Usable(slot.inFlight):
			st.Available++
		}
	}
	if st.TotalLimit > 0 {
		st.UsagePercentage = float64(st.TotalUsage) / float64(st.TotalLimit) * 100
	}
	return st
}

func (p *CredentialPool) updateGaugesLocked() {
	st := p.statsLocked()
	metrics.CredentialsAvailable.Set(float64(st.Available))
	metrics.CredentialsExhausted.Set(float64(st.Exhausted))
}
