package services

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/poyrazK/intelsync/internal/core/domain"
	"github.com/poyrazK/intelsync/internal/core/ports"
	"github.com/poyrazK/intelsync/internal/infrastructure/metrics"
	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"
)

// maxSectionFanout bounds concurrent section requests for one lookup.
const maxSectionFanout = 4

// EnrichmentService performs one upstream lookup per call using a single
// leased credential, and reports the outcome back to the pool.
type EnrichmentService struct {
	pool     ports.CredentialLeaser
	api      ports.ThreatIntelAPI
	cache    ports.EnrichmentCache
	cacheTTL time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

// NewEnrichmentService wires the lookup path. cache may be nil.
func NewEnrichmentService(pool ports.CredentialLeaser, api ports.ThreatIntelAPI, cache ports.EnrichmentCache, cacheTTL time.Duration, logger *slog.Logger) *EnrichmentService {
	if logger == nil {
		logger = slog.Default()
	}
	return &EnrichmentService{
		pool:     pool,
		api:      api,
		cache:    cache,
		cacheTTL: cacheTTL,
		logger:   logger,
		now:      time.Now,
	}
}

// Enrich looks up one indicator. It never returns an error: every failure is
// expressed as Found=false with a Reason.
func (s *EnrichmentService) Enrich(ctx context.Context, indicator string) domain.EnrichmentResult {
	value := strings.TrimSpace(indicator)
	if value == "" {
		return domain.EnrichmentResult{Reason: domain.ReasonEmptyIndicator}
	}

	typ := domain.DetectIndicatorType(value)
	result := domain.EnrichmentResult{Indicator: value, Type: typ}

	sections := typ.Sections()
	if len(sections) == 0 {
		result.Reason = domain.ReasonUnsupported
		return result
	}

	key := cacheKey(typ, value)
	if s.cache != nil {
		if cached, ok := s.cache.Get(ctx, key); ok {
			cached.Cached = true
			metrics.EnrichmentsTotal.WithLabelValues("cached").Inc()
			return *cached
		}
	}

	cred, ok := s.pool.SelectAvailable()
	if !ok {
		metrics.EnrichmentsTotal.WithLabelValues("no_credential").Inc()
		result.Reason = domain.ReasonNoCredentials
		return result
	}
	result.CredentialID = cred.ID

	// A leased lookup runs to completion so that a caller going away is never
	// settled as a credential failure. The upstream client bounds each request.
	ctx = context.WithoutCancel(ctx)
	data, err := s.fetchSections(ctx, cred.Secret, typ, value, sections)
	switch {
	case errors.Is(err, domain.ErrRateLimited):
		if perr := s.pool.RecordRateLimited(ctx, cred.ID); perr != nil {
			s.logger.Error("failed to record rate limit", "credential_id", cred.ID, "error", perr)
		}
		s.logger.Warn("credential rate limited upstream", "credential_id", cred.ID, "indicator", value)
		metrics.EnrichmentsTotal.WithLabelValues("rate_limited").Inc()
		result.Reason = domain.ReasonRateLimited
		result.Error = err.Error()
		return result
	case err != nil:
		if perr := s.pool.RecordFailure(ctx, cred.ID); perr != nil {
			s.logger.Error("failed to record lease failure", "credential_id", cred.ID, "error", perr)
		}
		if errors.Is(err, domain.ErrUpstreamData) {
			s.logger.Warn("malformed upstream response", "indicator", value, "error", err)
		} else {
			s.logger.Warn("upstream lookup failed", "indicator", value, "error", err)
		}
		metrics.EnrichmentsTotal.WithLabelValues("error").Inc()
		result.Reason = domain.ReasonUpstreamError
		result.Error = err.Error()
		return result
	}

	if perr := s.pool.RecordSuccess(ctx, cred.ID); perr != nil {
		s.logger.Error("failed to record lease success", "credential_id", cred.ID, "error", perr)
	}

	if data == nil {
		metrics.EnrichmentsTotal.WithLabelValues("not_found").Inc()
		result.Reason = domain.ReasonNotFound
	} else {
		metrics.EnrichmentsTotal.WithLabelValues("found").Inc()
		result.Found = true
		result.Payload = consolidate(data, s.now())
	}

	if s.cache != nil {
		stored := result
		stored.CredentialID = ""
		s.cache.Set(ctx, key, &stored, s.cacheTTL)
	}
	return result
}

// fetchSections fans out one request per section. A nil slice with a nil
// error means upstream knows nothing about the indicator: the general
// section is missing, or it has no pulses and no other section has data.
func (s *EnrichmentService) fetchSections(ctx context.Context, secret string, typ domain.IndicatorType, value string, sections []domain.Section) ([]*domain.SectionData, error) {
	results := make([]*domain.SectionData, len(sections))
	errs := make([]error, len(sections))

	var g errgroup.Group
	g.SetLimit(maxSectionFanout)
	for i, section := range sections {
		g.Go(func() error {
			results[i], errs[i] = s.api.FetchSection(ctx, secret, typ, value, section)
			return nil
		})
	}
	_ = g.Wait()

	for _, err := range errs {
		if errors.Is(err, domain.ErrRateLimited) {
			return nil, err
		}
	}
	for _, err := range errs {
		if err == nil || errors.Is(err, domain.ErrNotFound) {
			continue
		}
		return nil, err
	}
	general := results[0]
	if errs[0] != nil || general == nil {
		return nil, nil
	}

	found := []*domain.SectionData{general}
	for i, data := range results[1:] {
		if errs[i+1] == nil && hasData(data) {
			found = append(found, data)
		}
	}
	if general.PulseCount == 0 && len(found) == 1 {
		return nil, nil
	}
	return found, nil
}

func hasData(d *domain.SectionData) bool {
	if d == nil {
		return false
	}
	return d.PulseCount > 0 || d.Reputation != nil || d.Geo != nil ||
		d.MalwareSamples > 0 || len(d.MalwareFamilies) > 0 ||
		len(d.PassiveDNS) > 0 || len(d.URLs) > 0 || len(d.Whois) > 0
}

// consolidate merges section answers into one bounded payload. Tags are the
// union across sections.
func consolidate(sections []*domain.SectionData, fetchedAt time.Time) *domain.EnrichmentPayload {
	payload := &domain.EnrichmentPayload{FetchedAt: fetchedAt}

	var tags, families, urls []string
	var generalGeo *domain.GeoInfo
	for _, d := range sections {
		payload.Sections = append(payload.Sections, d.Section)
		tags = append(tags, d.PulseTags...)
		tags = append(tags, d.MalwareFamilies...)
		families = append(families, d.MalwareFamilies...)
		urls = append(urls, d.URLs...)

		switch d.Section {
		case domain.SectionGeneral:
			payload.PulseCount = d.PulseCount
			payload.PulseNames = lo.Slice(d.PulseNames, 0, domain.MaxPulseNames)
			generalGeo = d.Geo
		case domain.SectionReputation:
			payload.Reputation = d.Reputation
		case domain.SectionGeo:
			payload.Geo = d.Geo
		case domain.SectionMalware:
			payload.MalwareSamples = d.MalwareSamples
		case domain.SectionPassiveDNS:
			payload.PassiveDNS = lo.Slice(d.PassiveDNS, 0, domain.MaxPassiveDNS)
		case domain.SectionURLList:
		case domain.SectionWhois:
			payload.Whois = d.Whois
		}
	}
	if payload.Geo == nil {
		payload.Geo = generalGeo
	}

	// Tags compare case-insensitively.
	tags = lo.Map(tags, func(t string, _ int) string { return strings.ToLower(t) })
	payload.Tags = lo.Slice(normalizeSet(tags), 0, domain.MaxPayloadTags)
	payload.MalwareFamilies = normalizeSet(families)
	payload.RelatedURLs = lo.Slice(normalizeSet(urls), 0, domain.MaxRelatedURLs)
	return payload
}

func normalizeSet(values []string) []string {
	trimmed := lo.FilterMap(values, func(v string, _ int) (string, bool) {
		v = strings.TrimSpace(v)
		return v, v != ""
	})
	out := lo.Uniq(trimmed)
	if len(out) == 0 {
		return nil
	}
	return out
}

func cacheKey(typ domain.IndicatorType, value string) string {
	if typ != domain.TypeURL {
		value = strings.ToLower(value)
	}
	return "enrich:" + string(typ) + ":" + value
}
