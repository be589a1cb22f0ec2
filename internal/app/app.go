// Package app wires configuration into live backends shared by the daemon
// and the CLI.
package app

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/soltura/migrate/internal/blob"
	"github.com/soltura/migrate/internal/blob/gcs"
	"github.com/soltura/migrate/internal/config"
	"github.com/soltura/migrate/internal/ledger"
	"github.com/soltura/migrate/internal/schema"
	"github.com/soltura/migrate/internal/store"
	"github.com/soltura/migrate/internal/store/neo4jstore"
	"github.com/soltura/migrate/internal/store/postgres"
)

// App bundles the live backends built from a config.
type App struct {
	Config   *config.Config
	Registry *schema.Registry
	Store    store.Store
	Media    blob.Store
	Archives blob.Store
	Ledger   ledger.Store

	closers []func(context.Context) error
}

// Build constructs every backend the config names. Close releases them.
func Build(ctx context.Context, cfg *config.Config) (*App, error) {
	reg, err := cfg.Registry()
	if err != nil {
		return nil, err
	}
	a := &App{Config: cfg, Registry: reg}

	if err := a.buildStore(ctx, cfg, reg); err != nil {
		return nil, err
	}
	if err := a.buildMedia(ctx, cfg); err != nil {
		a.Close(ctx)
		return nil, err
	}

	archivesRoot := cfg.Archive.Dir
	if !filepath.IsAbs(archivesRoot) {
		archivesRoot, err = filepath.Abs(archivesRoot)
		if err != nil {
			a.Close(ctx)
			return nil, fmt.Errorf("resolving archive dir: %w", err)
		}
	}
	archives, err := blob.NewFS(archivesRoot)
	if err != nil {
		a.Close(ctx)
		return nil, fmt.Errorf("opening archive dir: %w", err)
	}
	a.Archives = archives
	return a, nil
}

func (a *App) buildStore(ctx context.Context, cfg *config.Config, reg *schema.Registry) error {
	switch cfg.Database.Driver {
	case "memory":
		a.Store = store.NewMemory(reg)
		a.Ledger = ledger.NewMemoryStore()
	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.Database.URL)
		if err != nil {
			return fmt.Errorf("connecting to postgres: %w", err)
		}
		a.closers = append(a.closers, func(context.Context) error {
			pool.Close()
			return nil
		})
		st, err := postgres.New(ctx, pool, reg)
		if err != nil {
			return err
		}
		led, err := ledger.NewPostgresStore(ctx, pool)
		if err != nil {
			return err
		}
		a.Store = st
		a.Ledger = led
	case "neo4j":
		st, err := neo4jstore.New(ctx, neo4jstore.Config{
			URI:      cfg.Database.Neo4j.URI,
			Username: cfg.Database.Neo4j.Username,
			Password: cfg.Database.Neo4j.Password,
			Database: cfg.Database.Neo4j.Database,
		}, reg)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, st.Close)
		a.Store = st
		// The graph holds records only; job history still needs a home.
		a.Ledger = ledger.NewMemoryStore()
	default:
		return fmt.Errorf("unknown database driver %q", cfg.Database.Driver)
	}
	return nil
}

func (a *App) buildMedia(ctx context.Context, cfg *config.Config) error {
	switch cfg.Storage.Driver {
	case "none", "":
		a.Media = nil
	case "fs":
		media, err := blob.NewFS(cfg.Storage.Root)
		if err != nil {
			return fmt.Errorf("opening media root: %w", err)
		}
		a.Media = media
	case "gcs":
		media, err := gcs.New(ctx, cfg.Storage.Bucket, cfg.Storage.Prefix, cfg.Storage.CredentialsFile)
		if err != nil {
			return fmt.Errorf("opening gcs bucket: %w", err)
		}
		a.closers = append(a.closers, func(context.Context) error { return media.Close() })
		a.Media = media
	default:
		return fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
	}
	return nil
}

// Close releases every backend in reverse build order.
func (a *App) Close(ctx context.Context) error {
	var first error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil && first == nil {
			first = err
		}
	}
	return first
}
