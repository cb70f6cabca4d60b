package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/poyrazK/intelsync/internal/core/domain"
	"github.com/poyrazK/intelsync/internal/core/ports"
	"github.com/poyrazK/intelsync/internal/infrastructure/metrics"
	"github.com/samber/lo"
)

const (
	MaxExportAttributes = 50
	MaxExportTags       = 10
	MaxExportReferences = 5

	DefaultExportLimit = 50
	MaxExportLimit     = 500

	msgAlreadyExported = "already exported"
)

// Event defaults: analysis "completed", distribution "your organisation only".
const (
	eventAnalysis     = 2
	eventDistribution = 0
)

// ExportAttributeType maps an indicator type to the downstream attribute
// vocabulary. ok=false means the type is not exportable.
func ExportAttributeType(t domain.IndicatorType) (attrType, category string, ok bool) {
	switch t {
	case domain.TypeIPv4, domain.TypeIPv6:
		return "ip-dst", "Network activity", true
	case domain.TypeDomain:
		return "domain", "Network activity", true
	case domain.TypeHostname:
		return "hostname", "Network activity", true
	case domain.TypeURL:
		return "url", "Network activity", true
	case domain.TypeMD5:
		return "md5", "Payload delivery", true
	case domain.TypeSHA1:
		return "sha1", "Payload delivery", true
	case domain.TypeSHA256:
		return "sha256", "Payload delivery", true
	case domain.TypeEmail:
		return "email-src", "Payload delivery", true
	case domain.TypeCVE:
		return "", "", false
	default:
		return "", "", false
	}
}

// ThreatLevelID maps record priority to the downstream threat level.
func ThreatLevelID(p domain.Priority) int {
	switch p {
	case domain.PriorityCritical, domain.PriorityHigh:
		return 1
	case domain.PriorityMedium:
		return 2
	case domain.PriorityLow:
		return 3
	default:
		return 4
	}
}

type exportOutcome int

const (
	outcomeExported exportOutcome = iota
	outcomeSkipped
	outcomeFailed
)

// ExportPipeline pushes enriched records downstream at most once per record.
type ExportPipeline struct {
	repo   ports.IndicatorRepository
	api    ports.ExportAPI
	ledger ports.Ledger
	logger *slog.Logger
	now    func() time.Time
}

func NewExportPipeline(repo ports.IndicatorRepository, api ports.ExportAPI, ledger ports.Ledger, logger *slog.Logger) *ExportPipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &ExportPipeline{repo: repo, api: api, ledger: ledger, logger: logger, now: time.Now}
}

// ExportOne exports a single record. A record already exported returns
// Success=false with its existing external ID and no network call.
func (e *ExportPipeline) ExportOne(ctx context.Context, recordID string) domain.ExportResult {
	rec, err := e.repo.GetIndicator(ctx, recordID)
	if err != nil {
		return domain.ExportResult{RecordID: recordID, Message: fmt.Sprintf("load record: %v", err)}
	}
	if rec == nil {
		return domain.ExportResult{RecordID: recordID, Message: domain.ErrIndicatorNotFound.Error()}
	}
	res, _ := e.exportRecord(ctx, rec)
	return res
}

func (e *ExportPipeline) exportRecord(ctx context.Context, rec *domain.IndicatorRecord) (domain.ExportResult, exportOutcome) {
	res := domain.ExportResult{RecordID: rec.ID}
	if rec.Exported {
		metrics.ExportsTotal.WithLabelValues("already_exported").Inc()
		res.ExternalID = rec.ExternalID
		res.Message = msgAlreadyExported
		return res, outcomeSkipped
	}

	event := e.BuildEvent(rec)
	if len(event.Attributes) == 0 {
		metrics.ExportsTotal.WithLabelValues("skipped").Inc()
		res.Message = fmt.Sprintf("no exportable attributes for type %q", rec.Type)
		e.logger.Info("record skipped for export", "record_id", rec.ID, "type", rec.Type)
		return res, outcomeSkipped
	}

	externalID, err := e.api.CreateEvent(ctx, event)
	if err != nil {
		metrics.ExportsTotal.WithLabelValues("failed").Inc()
		e.logger.Warn("export failed", "record_id", rec.ID, "error", err)
		res.Message = err.Error()
		return res, outcomeFailed
	}
	res.ExternalID = &externalID
	res.Attributes = len(event.Attributes)

	err = e.repo.MarkExported(context.WithoutCancel(ctx), rec.ID, externalID, e.now())
	switch {
	case errors.Is(err, domain.ErrAlreadyExported):
		// Another exporter won the race; the remote event is a duplicate.
		metrics.ExportsTotal.WithLabelValues("duplicate").Inc()
		e.logger.Warn("record exported concurrently, remote duplicate created",
			"record_id", rec.ID, "external_id", externalID)
		if current, gerr := e.repo.GetIndicator(ctx, rec.ID); gerr == nil && current != nil {
			res.ExternalID = current.ExternalID
		}
		res.Message = msgAlreadyExported
		return res, outcomeSkipped
	case err != nil:
		metrics.ExportsTotal.WithLabelValues("failed").Inc()
		e.logger.Error("failed to mark record exported", "record_id", rec.ID, "external_id", externalID, "error", err)
		res.Message = fmt.Sprintf("exported as %s but not recorded: %v", externalID, err)
		return res, outcomeFailed
	}

	metrics.ExportsTotal.WithLabelValues("exported").Inc()
	e.logger.Info("record exported", "record_id", rec.ID, "external_id", externalID, "attributes", res.Attributes)
	res.Success = true
	res.Message = "exported"
	return res, outcomeExported
}

// BuildEvent maps a record and its enrichment payload to a downstream event.
// Unmapped types are dropped. Attribute, tag and reference counts are capped.
func (e *ExportPipeline) BuildEvent(rec *domain.IndicatorRecord) domain.ExportEvent {
	typ := rec.Type
	if typ == "" {
		typ = domain.DetectIndicatorType(rec.Value)
	}

	var payload domain.EnrichmentPayload
	if len(rec.EnrichmentPayload) > 0 {
		if err := json.Unmarshal(rec.EnrichmentPayload, &payload); err != nil {
			e.logger.Warn("ignoring unreadable enrichment payload", "record_id", rec.ID, "error", err)
			payload = domain.EnrichmentPayload{}
		}
	}

	event := domain.ExportEvent{
		Info:          fmt.Sprintf("%s %s", typ, rec.Value),
		ThreatLevelID: ThreatLevelID(rec.Priority),
		Analysis:      eventAnalysis,
		Distribution:  eventDistribution,
	}
	if payload.PulseCount > 0 {
		event.Info = fmt.Sprintf("%s (%d reports)", event.Info, payload.PulseCount)
	}

	seen := make(map[string]struct{})
	add := func(value string, t domain.IndicatorType, comment string, toIDS bool) {
		if len(event.Attributes) >= MaxExportAttributes {
			return
		}
		value = strings.TrimSpace(value)
		if value == "" {
			return
		}
		attrType, category, ok := ExportAttributeType(t)
		if !ok {
			e.logger.Debug("unmapped indicator type skipped", "record_id", rec.ID, "type", t, "value", value)
			return
		}
		key := attrType + "|" + value
		if _, dup := seen[key]; dup {
			return
		}
		seen[key] = struct{}{}
		event.Attributes = append(event.Attributes, domain.ExportAttribute{
			Type:     attrType,
			Category: category,
			Value:    value,
			Comment:  comment,
			ToIDS:    toIDS,
		})
	}

	add(rec.Value, typ, "primary indicator", true)
	for _, row := range payload.PassiveDNS {
		add(row.Address, domain.DetectIndicatorType(row.Address), "passive dns", false)
		add(row.Hostname, domain.DetectIndicatorType(row.Hostname), "passive dns", false)
	}
	for _, u := range payload.RelatedURLs {
		add(u, domain.TypeURL, "related url", false)
	}

	tags := []string{"intelsync"}
	if rec.Priority != "" {
		tags = append(tags, "threat-level:"+string(rec.Priority))
	}
	tags = append(tags, payload.Tags...)
	event.Tags = lo.Slice(normalizeSet(tags), 0, MaxExportTags)
	event.References = lo.Slice(normalizeSet(payload.PulseNames), 0, MaxExportReferences)
	return event
}

// ExportPending exports up to limit records not yet exported, newest first,
// and audits the batch as a misp_export run.
func (e *ExportPipeline) ExportPending(ctx context.Context, limit int) (domain.BatchExportStats, error) {
	if limit <= 0 {
		limit = DefaultExportLimit
	}
	if limit > MaxExportLimit {
		limit = MaxExportLimit
	}
	started := e.now()
	detached := context.WithoutCancel(ctx)

	run, err := e.ledger.Start(ctx, domain.SyncMISPExport, nil)
	if err != nil {
		return domain.BatchExportStats{}, fmt.Errorf("start export run: %w", err)
	}
	stats := domain.BatchExportStats{RunID: run.ID}

	records, err := e.repo.ListPendingExport(ctx, limit)
	if err != nil {
		cause := fmt.Errorf("select pending exports: %w", err)
		if ferr := e.ledger.Fail(detached, run, cause); ferr != nil {
			e.logger.Error("failed to mark export run failed", "run_id", run.ID, "error", ferr)
		}
		return stats, cause
	}
	stats.Selected = len(records)
	run.Fetched = len(records)

	for i := range records {
		if ctx.Err() != nil {
			e.logger.Info("export run cancelled", "run_id", run.ID, "processed", run.Processed)
			break
		}
		rec := &records[i]
		res, outcome := e.exportRecord(ctx, rec)
		switch outcome {
		case outcomeExported:
			stats.Exported++
			run.New++
		case outcomeSkipped:
			stats.Skipped++
		case outcomeFailed:
			stats.Failed++
			run.Failed++
			stats.Errors = append(stats.Errors, fmt.Sprintf("%s: %s", rec.ID, res.Message))
		}
		run.Processed++
		if err := e.ledger.Progress(detached, run); err != nil {
			e.logger.Error("failed to write export progress", "run_id", run.ID, "error", err)
		}
	}

	if err := e.ledger.Complete(detached, run); err != nil {
		e.logger.Error("failed to complete export run", "run_id", run.ID, "error", err)
	}
	metrics.BatchDuration.WithLabelValues(string(domain.SyncMISPExport)).Observe(e.now().Sub(started).Seconds())
	return stats, nil
}
