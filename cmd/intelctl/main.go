// Command intelctl administers the credential pool and operator API keys
// directly against the database. A running intelsync process picks up
// changes made here on its next restart; use the admin API for live edits.
package main

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/poyrazK/intelsync/internal/adapters/api"
	"github.com/poyrazK/intelsync/internal/adapters/otx"
	"github.com/poyrazK/intelsync/internal/adapters/repository"
	"github.com/poyrazK/intelsync/internal/core/domain"
	"github.com/poyrazK/intelsync/internal/core/ports"
	"github.com/poyrazK/intelsync/internal/core/services"
	"github.com/poyrazK/intelsync/internal/infrastructure/config"
)

const usage = "expected 'add-credential', 'list-credentials', 'deactivate', 'reset-usage' or 'create-api-key' subcommands"

func main() {
	cfg, err := config.Load(".env")
	if err != nil {
		log.Fatal(err)
	}

	db, err := sql.Open("pgx", cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.Printf("failed to close database: %v", err)
		}
	}()

	ctx := context.Background()
	repo := repository.NewPostgresRepository(db)
	if err := repo.Migrate(ctx); err != nil {
		log.Fatalf("failed to migrate: %v", err)
	}

	// Only warnings and errors from the pool reach the terminal.
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	pool := services.NewCredentialPool(repo, otx.NewClient(cfg.OTXBaseURL, cfg.UpstreamTimeout), logger)
	if err := pool.Load(ctx); err != nil {
		log.Fatalf("failed to load credentials: %v", err)
	}

	if err := run(ctx, os.Args, os.Stdout, pool, repo); err != nil {
		log.Fatal(err)
	}
}

func run(ctx context.Context, args []string, out io.Writer, pool ports.PoolAdmin, keys ports.APIKeyRepository) error {
	addCmd := flag.NewFlagSet("add-credential", flag.ContinueOnError)
	addName := addCmd.String("name", "", "Human readable credential name")
	addSecret := addCmd.String("secret", "", "Upstream API secret")
	addLimit := addCmd.Int("limit", services.DefaultDailyLimit, "Daily request quota")
	addPrimary := addCmd.Bool("primary", false, "Prefer this credential while usable")

	listCmd := flag.NewFlagSet("list-credentials", flag.ContinueOnError)

	deactivateCmd := flag.NewFlagSet("deactivate", flag.ContinueOnError)
	deactivateID := deactivateCmd.String("id", "", "Credential ID to deactivate")

	resetCmd := flag.NewFlagSet("reset-usage", flag.ContinueOnError)

	keyCmd := flag.NewFlagSet("create-api-key", flag.ContinueOnError)
	keyRole := keyCmd.String("role", string(domain.RoleAdmin), "Role (admin or viewer)")
	keyName := keyCmd.String("name", "operator", "Description of the key")
	keyDays := keyCmd.Int("days", 365, "Validity in days")

	if len(args) < 2 {
		return errors.New(usage)
	}

	switch args[1] {
	case "add-credential":
		if err := addCmd.Parse(args[2:]); err != nil {
			return fmt.Errorf("failed to parse add-credential flags: %w", err)
		}
		return addCredential(ctx, pool, *addName, *addSecret, *addLimit, *addPrimary, out)
	case "list-credentials":
		if err := listCmd.Parse(args[2:]); err != nil {
			return fmt.Errorf("failed to parse list-credentials flags: %w", err)
		}
		return listCredentials(pool, out)
	case "deactivate":
		if err := deactivateCmd.Parse(args[2:]); err != nil {
			return fmt.Errorf("failed to parse deactivate flags: %w", err)
		}
		return deactivate(ctx, pool, *deactivateID, out)
	case "reset-usage":
		if err := resetCmd.Parse(args[2:]); err != nil {
			return fmt.Errorf("failed to parse reset-usage flags: %w", err)
		}
		if err := pool.ResetDailyUsage(ctx); err != nil {
			return err
		}
		_, _ = fmt.Fprintln(out, "Daily usage reset for all credentials")
		return nil
	case "create-api-key":
		if err := keyCmd.Parse(args[2:]); err != nil {
			return fmt.Errorf("failed to parse create-api-key flags: %w", err)
		}
		return generateKey(ctx, keys, *keyRole, *keyName, *keyDays, out)
	default:
		return fmt.Errorf("unknown subcommand: %s", args[1])
	}
}

func addCredential(ctx context.Context, pool ports.PoolAdmin, name, secret string, limit int, primary bool, out io.Writer) error {
	cred := &domain.Credential{
		Name:       name,
		Secret:     secret,
		DailyLimit: limit,
		IsActive:   true,
		IsPrimary:  primary,
	}
	if err := pool.AddCredential(ctx, cred); err != nil {
		return err
	}
	_, _ = fmt.Fprintf(out, "Credential %s added (%s, limit %d, prefix %s)\n", cred.ID, cred.Name, cred.DailyLimit, cred.SecretPrefix())
	return nil
}

func listCredentials(pool ports.PoolAdmin, out io.Writer) error {
	_, _ = fmt.Fprintf(out, "%-36s %-16s %-8s %-7s %-12s %-13s %s\n", "ID", "Name", "Prefix", "Active", "Usage", "Health", "Errors")
	for _, c := range pool.List() {
		name := c.Name
		if c.IsPrimary {
			name += "*"
		}
		_, _ = fmt.Fprintf(out, "%-36s %-16s %-8s %-7t %-12s %-13s %d\n",
			c.ID, name, c.SecretPrefix(), c.IsActive,
			fmt.Sprintf("%d/%d", c.CurrentUsage, c.DailyLimit), c.HealthStatus, c.ErrorCount)
	}
	stats := pool.Stats()
	_, _ = fmt.Fprintf(out, "\n%d active, %d available, %.1f%% of daily quota used\n", stats.Active, stats.Available, stats.UsagePercentage)
	return nil
}

func deactivate(ctx context.Context, pool ports.PoolAdmin, id string, out io.Writer) error {
	if id == "" {
		return errors.New("ID is required for deactivation")
	}
	if err := pool.Deactivate(ctx, id); err != nil {
		return err
	}
	_, _ = fmt.Fprintf(out, "Credential %s deactivated\n", id)
	return nil
}

func generateKey(ctx context.Context, keys ports.APIKeyRepository, role, name string, days int, out io.Writer) error {
	r := domain.Role(role)
	if r != domain.RoleAdmin && r != domain.RoleViewer {
		return fmt.Errorf("invalid role %q", role)
	}

	rawKey := make([]byte, 16)
	if _, err := rand.Read(rawKey); err != nil {
		return err
	}
	keyString := "isk_" + hex.EncodeToString(rawKey)

	now := time.Now()
	expiresAt := now.AddDate(0, 0, days)
	apiKey := &domain.APIKey{
		ID:        uuid.New().String(),
		Name:      name,
		KeyHash:   api.HashKey(keyString),
		KeyPrefix: keyString[:8],
		Role:      r,
		Active:    true,
		CreatedAt: now,
		ExpiresAt: &expiresAt,
	}
	if err := keys.CreateAPIKey(ctx, apiKey); err != nil {
		return fmt.Errorf("failed to save API key: %w", err)
	}

	_, _ = fmt.Fprintf(out, "API Key Created Successfully!\n")
	_, _ = fmt.Fprintf(out, "---------------------------\n")
	_, _ = fmt.Fprintf(out, "ID:         %s\n", apiKey.ID)
	_, _ = fmt.Fprintf(out, "Role:       %s\n", apiKey.Role)
	_, _ = fmt.Fprintf(out, "Expires:    %v\n", expiresAt.Format(time.RFC3339))
	_, _ = fmt.Fprintf(out, "VALUE:      %s\n", keyString)
	_, _ = fmt.Fprintf(out, "---------------------------\n")
	_, _ = fmt.Fprintf(out, "CAUTION: This is the only time the key will be shown.\n")
	return nil
}
