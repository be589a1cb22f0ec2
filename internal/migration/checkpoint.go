package migration

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"

	"github.com/soltura/migrate/internal/blob"
	"github.com/soltura/migrate/internal/ledger"
	"github.com/soltura/migrate/internal/schema"
	"github.com/soltura/migrate/internal/store"
)

// Checkpointer snapshots structural state before risky imports and rolls
// the data set back to a snapshot. Checkpoints never carry media bytes;
// files on disk stay put across a rollback.
type Checkpointer struct {
	store       store.Store
	reg         *schema.Registry
	blobs       blob.Store
	ledger      ledger.Store
	environment string
}

// NewCheckpointer creates a checkpointer storing archives under blobs.
func NewCheckpointer(st store.Store, reg *schema.Registry, blobs blob.Store, led ledger.Store, environment string) *Checkpointer {
	return &Checkpointer{store: st, reg: reg, blobs: blobs, ledger: led, environment: environment}
}

// Create takes a structural snapshot and registers it with the standard
// retention window.
func (c *Checkpointer) Create(ctx context.Context, name, description string, rec *ledger.Recorder) (*ledger.Checkpoint, error) {
	id := uuid.NewString()
	path := "checkpoints/" + id + ".json.gz"

	exporter := NewExporter(c.store, c.reg, nil, c.environment)
	var buf bytes.Buffer
	exported, err := exporter.Export(ctx, &buf, ExportOptions{Compress: true}, rec)
	if err != nil {
		return nil, fmt.Errorf("exporting checkpoint: %w", err)
	}
	size := int64(buf.Len())
	if _, err := c.blobs.Write(ctx, path, &buf); err != nil {
		return nil, fmt.Errorf("storing checkpoint archive: %w", err)
	}

	version, err := c.store.DatabaseVersion(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading database version: %w", err)
	}
	now := time.Now().UTC()
	cp := &ledger.Checkpoint{
		ID:              id,
		Name:            name,
		Description:     description,
		Environment:     c.environment,
		ArchivePath:     path,
		CreatedAt:       now,
		ExpiresAt:       now.Add(CheckpointRetention),
		Valid:           true,
		Size:            size,
		TotalKinds:      int64(len(exported.Kinds)),
		TotalRecords:    exported.Records,
		TotalFiles:      exported.Files,
		DatabaseVersion: version,
	}
	if err := c.ledger.CreateCheckpoint(ctx, cp); err != nil {
		return nil, fmt.Errorf("registering checkpoint: %w", err)
	}
	return cp, nil
}

// Rollback restores the data set to a checkpoint. The checkpoint must be
// unused and inside its retention window; a successful rollback consumes it.
func (c *Checkpointer) Rollback(ctx context.Context, id string, rec *ledger.Recorder) error {
	cp, err := c.ledger.GetCheckpoint(ctx, id)
	if err != nil {
		return fmt.Errorf("loading checkpoint %s: %w", id, err)
	}
	if cp.Used {
		return fmt.Errorf("checkpoint %s already used", id)
	}
	if !cp.Valid {
		return fmt.Errorf("checkpoint %s has been invalidated", id)
	}
	if cp.IsExpired() {
		return fmt.Errorf("checkpoint %s expired at %s", id, cp.ExpiresAt.Format(time.RFC3339))
	}

	rc, err := c.blobs.Open(ctx, cp.ArchivePath)
	if err != nil {
		return fmt.Errorf("opening checkpoint archive: %w", err)
	}
	data, err := io.ReadAll(rc)
	rc.Close()
	if err != nil {
		return fmt.Errorf("reading checkpoint archive: %w", err)
	}

	// The restore import must not checkpoint or roll back itself, and it
	// overwrites whatever the failed import left behind. It is verified
	// like any other import; a restore that fails its integrity check must
	// not silently consume the checkpoint.
	importer := NewImporter(c.store, c.reg, nil)
	if _, err := importer.ImportAll(ctx, data, ImportOptions{
		Strategy: Overwrite,
	}, rec); err != nil {
		return fmt.Errorf("restoring checkpoint %s: %w", id, err)
	}

	cp.MarkUsed()
	if err := c.ledger.UpdateCheckpoint(ctx, cp); err != nil {
		return fmt.Errorf("marking checkpoint %s used: %w", id, err)
	}
	return nil
}

// PruneExpired deletes ledger rows for checkpoints past retention and
// returns how many were removed. Archive blobs are left for storage-level
// lifecycle rules.
func (c *Checkpointer) PruneExpired(ctx context.Context) (int, error) {
	cps, err := c.ledger.ListCheckpoints(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing checkpoints: %w", err)
	}
	pruned := 0
	for _, cp := range cps {
		if !cp.IsExpired() || !cp.Valid {
			continue
		}
		cp.Invalidate()
		if err := c.ledger.UpdateCheckpoint(ctx, cp); err != nil {
			return pruned, fmt.Errorf("retiring checkpoint %s: %w", cp.ID, err)
		}
		pruned++
	}
	return pruned, nil
}
