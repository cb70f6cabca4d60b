package repository

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/poyrazK/intelsync/internal/core/domain"
)

//go:embed schema.sql
var schemaSQL string

// PostgresRepository implements ports.Repository using PostgreSQL.
type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository creates and returns a new PostgresRepository instance.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Migrate applies the schema. Every statement is idempotent.
func (r *PostgresRepository) Migrate(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, schemaSQL)
	return err
}

func (r *PostgresRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// --- Credentials ---

const credentialColumns = `id, name, secret, is_active, is_primary, daily_limit, current_usage, health_status, error_count, last_health_check, last_reset_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCredential(s rowScanner) (domain.Credential, error) {
	var c domain.Credential
	var health string
	errScan := s.Scan(&c.ID, &c.Name, &c.Secret, &c.IsActive, &c.IsPrimary, &c.DailyLimit, &c.CurrentUsage,
		&health, &c.ErrorCount, &c.LastHealthCheck, &c.LastResetAt, &c.CreatedAt, &c.UpdatedAt)
	c.HealthStatus = domain.HealthStatus(health)
	return c, errScan
}

func (r *PostgresRepository) ListCredentials(ctx context.Context) ([]domain.Credential, error) {
	query := `SELECT ` + credentialColumns + ` FROM credentials ORDER BY is_primary DESC, name`
	rows, errQuery := r.db.QueryContext(ctx, query)
	if errQuery != nil {
		return nil, errQuery
	}
	defer func() {
		if errClose := rows.Close(); errClose != nil {
			log.Printf("failed to close rows: %v", errClose)
		}
	}()

	var creds []domain.Credential
	for rows.Next() {
		c, errScan := scanCredential(rows)
		if errScan != nil {
			return nil, errScan
		}
		creds = append(creds, c)
	}
	return creds, rows.Err()
}

func (r *PostgresRepository) GetCredential(ctx context.Context, id string) (*domain.Credential, error) {
	query := `SELECT ` + credentialColumns + ` FROM credentials WHERE id = $1`
	c, errRow := scanCredential(r.db.QueryRowContext(ctx, query, id))
	if errors.Is(errRow, sql.ErrNoRows) {
		return nil, nil
	}
	if errRow != nil {
		return nil, errRow
	}
	return &c, nil
}

func (r *PostgresRepository) CreateCredential(ctx context.Context, c *domain.Credential) error {
	query := `INSERT INTO credentials (` + credentialColumns + `)
			  VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`
	_, err := r.db.ExecContext(ctx, query, c.ID, c.Name, c.Secret, c.IsActive, c.IsPrimary, c.DailyLimit, c.CurrentUsage,
		string(c.HealthStatus), c.ErrorCount, c.LastHealthCheck, c.LastResetAt, c.CreatedAt, c.UpdatedAt)
	return err
}

// UpdateCredential writes every mutable column of a credential.
func (r *PostgresRepository) UpdateCredential(ctx context.Context, c *domain.Credential) error {
	query := `UPDATE credentials SET name = $2, is_active = $3, is_primary = $4, daily_limit = $5, current_usage = $6,
			  health_status = $7, error_count = $8, last_health_check = $9, last_reset_at = $10, updated_at = $11
			  WHERE id = $1`
	res, errExec := r.db.ExecContext(ctx, query, c.ID, c.Name, c.IsActive, c.IsPrimary, c.DailyLimit, c.CurrentUsage,
		string(c.HealthStatus), c.ErrorCount, c.LastHealthCheck, c.LastResetAt, c.UpdatedAt)
	if errExec != nil {
		return errExec
	}
	return expectOneRow(res, fmt.Errorf("%w: %s", domain.ErrCredentialNotFound, c.ID))
}

// --- Sync runs ---

const syncRunColumns = `id, sync_type, started_at, completed_at, fetched, new, updated, processed, enriched, failed, status, error_message, credential_id`

func scanSyncRun(s rowScanner) (domain.SyncRun, error) {
	var run domain.SyncRun
	var syncType, status string
	errScan := s.Scan(&run.ID, &syncType, &run.StartedAt, &run.CompletedAt, &run.Fetched, &run.New, &run.Updated,
		&run.Processed, &run.Enriched, &run.Failed, &status, &run.ErrorMessage, &run.CredentialID)
	run.SyncType = domain.SyncType(syncType)
	run.Status = domain.SyncStatus(status)
	return run, errScan
}

func (r *PostgresRepository) CreateSyncRun(ctx context.Context, run *domain.SyncRun) error {
	query := `INSERT INTO sync_runs (id, sync_type, started_at, status, credential_id) VALUES ($1, $2, $3, $4, $5)`
	_, err := r.db.ExecContext(ctx, query, run.ID, string(run.SyncType), run.StartedAt, string(run.Status), run.CredentialID)
	return err
}

// UpdateSyncRunProgress only touches running entries; closed ones are immutable.
func (r *PostgresRepository) UpdateSyncRunProgress(ctx context.Context, run *domain.SyncRun) error {
	query := `UPDATE sync_runs SET fetched = $2, new = $3, updated = $4, processed = $5, enriched = $6, failed = $7,
			  credential_id = COALESCE(credential_id, $8)
			  WHERE id = $1 AND status = 'running'`
	res, errExec := r.db.ExecContext(ctx, query, run.ID, run.Fetched, run.New, run.Updated, run.Processed, run.Enriched, run.Failed, run.CredentialID)
	if errExec != nil {
		return errExec
	}
	return expectOneRow(res, domain.ErrRunClosed)
}

// CloseSyncRun sets the terminal status. The status guard makes closing happen
// exactly once even with concurrent closers.
func (r *PostgresRepository) CloseSyncRun(ctx context.Context, run *domain.SyncRun) error {
	query := `UPDATE sync_runs SET status = $2, completed_at = $3, error_message = $4, fetched = $5, new = $6, updated = $7,
			  processed = $8, enriched = $9, failed = $10, credential_id = COALESCE(credential_id, $11)
			  WHERE id = $1 AND status = 'running'`
	res, errExec := r.db.ExecContext(ctx, query, run.ID, string(run.Status), run.CompletedAt, run.ErrorMessage,
		run.Fetched, run.New, run.Updated, run.Processed, run.Enriched, run.Failed, run.CredentialID)
	if errExec != nil {
		return errExec
	}
	return expectOneRow(res, domain.ErrRunClosed)
}

func (r *PostgresRepository) GetSyncRun(ctx context.Context, id string) (*domain.SyncRun, error) {
	query := `SELECT ` + syncRunColumns + ` FROM sync_runs WHERE id = $1`
	run, errRow := scanSyncRun(r.db.QueryRowContext(ctx, query, id))
	if errors.Is(errRow, sql.ErrNoRows) {
		return nil, nil
	}
	if errRow != nil {
		return nil, errRow
	}
	return &run, nil
}

// ListSyncRuns returns the newest entries first. An empty syncType matches all.
func (r *PostgresRepository) ListSyncRuns(ctx context.Context, syncType domain.SyncType, limit int) ([]domain.SyncRun, error) {
	query := `SELECT ` + syncRunColumns + ` FROM sync_runs`
	var rows *sql.Rows
	var errQuery error
	if syncType != "" {
		query += ` WHERE sync_type = $1 ORDER BY started_at DESC LIMIT $2`
		rows, errQuery = r.db.QueryContext(ctx, query, string(syncType), limit)
	} else {
		query += ` ORDER BY started_at DESC LIMIT $1`
		rows, errQuery = r.db.QueryContext(ctx, query, limit)
	}
	if errQuery != nil {
		return nil, errQuery
	}
	defer func() {
		if errClose := rows.Close(); errClose != nil {
			log.Printf("failed to close rows: %v", errClose)
		}
	}()

	var runs []domain.SyncRun
	for rows.Next() {
		run, errScan := scanSyncRun(rows)
		if errScan != nil {
			return nil, errScan
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// --- Indicators ---

const indicatorColumns = `id, parent_id, value, type, threat_level, enrichment_payload, enriched_at, exported, external_id, exported_at, created_at`

func scanIndicator(s rowScanner) (domain.IndicatorRecord, error) {
	var rec domain.IndicatorRecord
	var parentID sql.NullString
	var typ, priority string
	var payload []byte
	errScan := s.Scan(&rec.ID, &parentID, &rec.Value, &typ, &priority, &payload, &rec.EnrichedAt,
		&rec.Exported, &rec.ExternalID, &rec.ExportedAt, &rec.CreatedAt)
	if parentID.Valid {
		rec.ParentID = parentID.String
	}
	rec.Type = domain.IndicatorType(typ)
	rec.Priority = domain.Priority(priority)
	if len(payload) > 0 {
		rec.EnrichmentPayload = payload
	}
	return rec, errScan
}

func (r *PostgresRepository) queryIndicators(ctx context.Context, query string, args ...any) ([]domain.IndicatorRecord, error) {
	rows, errQuery := r.db.QueryContext(ctx, query, args...)
	if errQuery != nil {
		return nil, errQuery
	}
	defer func() {
		if errClose := rows.Close(); errClose != nil {
			log.Printf("failed to close rows: %v", errClose)
		}
	}()

	var records []domain.IndicatorRecord
	for rows.Next() {
		rec, errScan := scanIndicator(rows)
		if errScan != nil {
			return nil, errScan
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// ListIndicators selects enrichment candidates, most recent first.
func (r *PostgresRepository) ListIndicators(ctx context.Context, filter domain.IndicatorFilter) ([]domain.IndicatorRecord, error) {
	var where []string
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if filter.Type != "" {
		where = append(where, "type = "+arg(string(filter.Type)))
	}
	if filter.PriorityOnly {
		levels := make([]string, 0, len(domain.HighPriorities))
		for _, p := range domain.HighPriorities {
			levels = append(levels, arg(string(p)))
		}
		where = append(where, "threat_level IN ("+strings.Join(levels, ", ")+")")
	}
	if filter.ParentID != "" {
		where = append(where, "parent_id = "+arg(filter.ParentID))
	}
	if filter.OnlyPending {
		where = append(where, "enriched_at IS NULL")
	}

	query := `SELECT ` + indicatorColumns + ` FROM indicators`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += " LIMIT " + arg(filter.Limit)
	}
	return r.queryIndicators(ctx, query, args...)
}

// ListPendingExport returns enriched records not yet exported, newest first.
func (r *PostgresRepository) ListPendingExport(ctx context.Context, limit int) ([]domain.IndicatorRecord, error) {
	query := `SELECT ` + indicatorColumns + ` FROM indicators
			  WHERE exported = FALSE AND enriched_at IS NOT NULL
			  ORDER BY created_at DESC LIMIT $1`
	return r.queryIndicators(ctx, query, limit)
}

func (r *PostgresRepository) GetIndicator(ctx context.Context, id string) (*domain.IndicatorRecord, error) {
	query := `SELECT ` + indicatorColumns + ` FROM indicators WHERE id = $1`
	rec, errRow := scanIndicator(r.db.QueryRowContext(ctx, query, id))
	if errors.Is(errRow, sql.ErrNoRows) {
		return nil, nil
	}
	if errRow != nil {
		return nil, errRow
	}
	return &rec, nil
}

// CreateIndicators inserts records in one transaction. Used by importers and tests.
func (r *PostgresRepository) CreateIndicators(ctx context.Context, records []domain.IndicatorRecord) error {
	if len(records) == 0 {
		return nil
	}
	tx, errTx := r.db.BeginTx(ctx, nil)
	if errTx != nil {
		return errTx
	}
	defer func() {
		if errRollback := tx.Rollback(); errRollback != nil && !errors.Is(errRollback, sql.ErrTxDone) {
			log.Printf("failed to rollback transaction: %v", errRollback)
		}
	}()

	query := `INSERT INTO indicators (id, parent_id, value, type, threat_level, created_at)
			  VALUES ($1, NULLIF($2, ''), $3, $4, $5, $6)`
	for _, rec := range records {
		if _, errExec := tx.ExecContext(ctx, query, rec.ID, rec.ParentID, rec.Value, string(rec.Type), string(rec.Priority), rec.CreatedAt); errExec != nil {
			return errExec
		}
	}
	return tx.Commit()
}

func (r *PostgresRepository) SaveEnrichment(ctx context.Context, id string, payload json.RawMessage, enrichedAt time.Time) error {
	query := `UPDATE indicators SET enrichment_payload = $2, enriched_at = $3 WHERE id = $1`
	res, errExec := r.db.ExecContext(ctx, query, id, string(payload), enrichedAt)
	if errExec != nil {
		return errExec
	}
	return expectOneRow(res, fmt.Errorf("%w: %s", domain.ErrIndicatorNotFound, id))
}

// MarkExported flips the exported flag only if it is still false, so a
// concurrent exporter loses with ErrAlreadyExported instead of overwriting.
func (r *PostgresRepository) MarkExported(ctx context.Context, id string, externalID string, exportedAt time.Time) error {
	query := `UPDATE indicators SET exported = TRUE, external_id = $2, exported_at = $3 WHERE id = $1 AND exported = FALSE`
	res, errExec := r.db.ExecContext(ctx, query, id, externalID, exportedAt)
	if errExec != nil {
		return errExec
	}
	return expectOneRow(res, domain.ErrAlreadyExported)
}

// --- API keys ---

func (r *PostgresRepository) GetAPIKeyByHash(ctx context.Context, keyHash string) (*domain.APIKey, error) {
	query := `SELECT id, name, key_hash, key_prefix, role, active, created_at, expires_at FROM api_keys WHERE key_hash = $1`
	var k domain.APIKey
	var role string
	errRow := r.db.QueryRowContext(ctx, query, keyHash).Scan(&k.ID, &k.Name, &k.KeyHash, &k.KeyPrefix, &role, &k.Active, &k.CreatedAt, &k.ExpiresAt)
	if errors.Is(errRow, sql.ErrNoRows) {
		return nil, nil
	}
	if errRow != nil {
		return nil, errRow
	}
	k.Role = domain.Role(role)
	return &k, nil
}

func (r *PostgresRepository) CreateAPIKey(ctx context.Context, k *domain.APIKey) error {
	query := `INSERT INTO api_keys (id, name, key_hash, key_prefix, role, active, created_at, expires_at)
			  VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	_, err := r.db.ExecContext(ctx, query, k.ID, k.Name, k.KeyHash, k.KeyPrefix, string(k.Role), k.Active, k.CreatedAt, k.ExpiresAt)
	return err
}

func expectOneRow(res sql.Result, none error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return none
	}
	return nil
}
