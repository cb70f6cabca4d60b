// Command indicator-import loads indicator records from a CSV file or URL so
// they can be picked up by bulk enrichment. Each row is
// value[,parent_id[,threat_level]]; lines starting with '#' are ignored.
package main

import (
	"context"
	"database/sql"
	"encoding/csv"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/poyrazK/intelsync/internal/adapters/repository"
	"github.com/poyrazK/intelsync/internal/core/domain"
	"github.com/poyrazK/intelsync/internal/infrastructure/config"
)

const defaultBatchSize = 5000

type indicatorSink interface {
	CreateIndicators(ctx context.Context, records []domain.IndicatorRecord) error
}

type importOptions struct {
	Parent    string
	Priority  domain.Priority
	BatchSize int
	Progress  io.Writer
}

func main() {
	source := flag.String("source", "", "CSV file path or http(s) URL")
	parent := flag.String("parent", "", "Default parent (pulse) id for rows without one")
	priority := flag.String("priority", string(domain.PriorityMedium), "Default threat level for rows without one")
	flag.Parse()

	if *source == "" {
		log.Fatal("-source is required")
	}
	defaultPriority, ok := parsePriority(*priority)
	if !ok {
		log.Fatalf("invalid priority %q", *priority)
	}

	cfg, err := config.Load(".env")
	if err != nil {
		log.Fatal(err)
	}
	db, err := sql.Open("pgx", cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("failed to connect to database: %v", err)
	}
	defer func() {
		if errClose := db.Close(); errClose != nil {
			log.Printf("failed to close database: %v", errClose)
		}
	}()

	ctx := context.Background()
	repo := repository.NewPostgresRepository(db)
	if err := repo.Migrate(ctx); err != nil {
		log.Fatalf("failed to migrate: %v", err)
	}

	in, err := open(ctx, *source)
	if err != nil {
		log.Fatal(err)
	}
	defer func() {
		if errClose := in.Close(); errClose != nil {
			log.Printf("failed to close source: %v", errClose)
		}
	}()

	start := time.Now()
	total, err := importCSV(ctx, in, repo, importOptions{
		Parent:    *parent,
		Priority:  defaultPriority,
		BatchSize: defaultBatchSize,
		Progress:  os.Stdout,
	})
	if err != nil {
		log.Fatalf("import failed after %d records: %v", total, err)
	}
	fmt.Printf("\nSuccess! Imported %d indicators in %v\n", total, time.Since(start))
}

func open(ctx context.Context, source string) (io.ReadCloser, error) {
	if !strings.HasPrefix(source, "http://") && !strings.HasPrefix(source, "https://") {
		return os.Open(source)
	}
	fmt.Printf("Downloading indicators from %s...\n", source)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, source, nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to download: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		return nil, fmt.Errorf("bad status: %s", resp.Status)
	}
	return resp.Body, nil
}

// importCSV streams rows into sink in batches and returns the number stored.
func importCSV(ctx context.Context, r io.Reader, sink indicatorSink, opts importOptions) (int, error) {
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	if opts.Priority == "" {
		opts.Priority = domain.PriorityMedium
	}
	progress := opts.Progress
	if progress == nil {
		progress = io.Discard
	}

	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.Comment = '#'
	reader.TrimLeadingSpace = true

	records := make([]domain.IndicatorRecord, 0, opts.BatchSize)
	total, skipped := 0, 0
	flush := func() error {
		if len(records) == 0 {
			return nil
		}
		if err := sink.CreateIndicators(ctx, records); err != nil {
			return err
		}
		total += len(records)
		_, _ = fmt.Fprintf(progress, "Imported %d records...\n", total)
		records = records[:0]
		return nil
	}

	for {
		line, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			skipped++
			continue
		}
		rec, ok := parseRow(line, opts)
		if !ok {
			skipped++
			continue
		}
		records = append(records, rec)
		if len(records) >= opts.BatchSize {
			if err := flush(); err != nil {
				return total, err
			}
		}
	}
	if err := flush(); err != nil {
		return total, err
	}
	if skipped > 0 {
		_, _ = fmt.Fprintf(progress, "Skipped %d malformed rows\n", skipped)
	}
	return total, nil
}

func parseRow(line []string, opts importOptions) (domain.IndicatorRecord, bool) {
	if len(line) == 0 {
		return domain.IndicatorRecord{}, false
	}
	value := strings.TrimSpace(line[0])
	if value == "" {
		return domain.IndicatorRecord{}, false
	}
	parent := opts.Parent
	if len(line) > 1 && strings.TrimSpace(line[1]) != "" {
		parent = strings.TrimSpace(line[1])
	}
	priority := opts.Priority
	if len(line) > 2 && strings.TrimSpace(line[2]) != "" {
		p, ok := parsePriority(line[2])
		if !ok {
			return domain.IndicatorRecord{}, false
		}
		priority = p
	}
	return domain.IndicatorRecord{
		ID:        uuid.New().String(),
		ParentID:  parent,
		Value:     value,
		Type:      domain.DetectIndicatorType(value),
		Priority:  priority,
		CreatedAt: time.Now(),
	}, true
}

func parsePriority(s string) (domain.Priority, bool) {
	switch p := domain.Priority(strings.ToLower(strings.TrimSpace(s))); p {
	case domain.PriorityLow, domain.PriorityMedium, domain.PriorityHigh, domain.PriorityCritical:
		return p, true
	default:
		return "", false
	}
}
