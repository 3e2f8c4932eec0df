package catalog

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"

	"github.com/pressly/goose/v3"

	"github.com/malbeclabs/spend/engine/pkg/store"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

func newProvider(client store.Client) (*goose.Provider, error) {
	fsys, err := fs.Sub(embedMigrations, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to open embedded migrations: %w", err)
	}
	provider, err := goose.NewProvider(goose.Dialect(client.Dialect().GooseDialect()), client.DB(), fsys)
	if err != nil {
		return nil, fmt.Errorf("failed to create migration provider: %w", err)
	}
	return provider, nil
}

// Migrate applies all pending catalog migrations. On SQLite no connection may be
// held while it runs.
func Migrate(ctx context.Context, log *slog.Logger, client store.Client) error {
	provider, err := newProvider(client)
	if err != nil {
		return err
	}

	log.Info("catalog: running migrations (up)", "dialect", client.Dialect().Name())
	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	for _, r := range results {
		log.Debug("catalog: applied migration", "version", r.Source.Version, "duration", r.Duration)
	}

	log.Info("catalog: migrations completed", "applied", len(results))
	return nil
}

// Version returns the current catalog schema version.
func Version(ctx context.Context, client store.Client) (int64, error) {
	provider, err := newProvider(client)
	if err != nil {
		return 0, err
	}
	v, err := provider.GetDBVersion(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to get migration version: %w", err)
	}
	return v, nil
}
