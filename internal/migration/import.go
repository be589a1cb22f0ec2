package migration

import (
	"context"
	"fmt"
	"sort"

	"github.com/soltura/migrate/internal/archive"
	"github.com/soltura/migrate/internal/blob"
	"github.com/soltura/migrate/internal/ledger"
	"github.com/soltura/migrate/internal/record"
	"github.com/soltura/migrate/internal/schema"
	"github.com/soltura/migrate/internal/store"
	"github.com/soltura/migrate/internal/transfer"
)

// Importer applies archives to live data.
type Importer struct {
	store store.Store
	reg   *schema.Registry
	media blob.Store

	// checkpoints is optional; without it CreateCheckpoint and AutoRollback
	// are rejected up front.
	checkpoints *Checkpointer
}

// NewImporter creates an importer. media may be nil when the deployment has
// no file storage; packaged media is then skipped with a warning.
func NewImporter(st store.Store, reg *schema.Registry, media blob.Store) *Importer {
	return &Importer{store: st, reg: reg, media: media}
}

// WithCheckpoints wires a checkpointer for pre-import snapshots and
// automatic rollback.
func (im *Importer) WithCheckpoints(cp *Checkpointer) *Importer {
	im.checkpoints = cp
	return im
}

// deferredWrite is a reference field held back to a second pass because its
// edge was part of a dependency cycle.
type deferredWrite struct {
	kind  string
	pk    string
	field string
	value any
}

// relationWrite is a many-to-many set applied after all records exist.
type relationWrite struct {
	kind     string
	pk       string
	relation string
	ids      []string
	merge    bool
}

// ImportAll applies an archive. The whole record pass runs in one
// transaction with a savepoint around each record, so a bad record rolls
// back alone while a failed transaction leaves the data set untouched.
func (im *Importer) ImportAll(ctx context.Context, data []byte, opts ImportOptions, rec *ledger.Recorder) (*ImportResult, error) {
	res, err := newResolver(opts.Strategy)
	if err != nil {
		return nil, err
	}
	if (opts.CreateCheckpoint || opts.AutoRollback) && im.checkpoints == nil {
		return nil, fmt.Errorf("checkpoints not configured")
	}

	payload, err := archive.Decode(data)
	if err != nil {
		return nil, &FormatError{Reason: "unreadable archive", Err: err}
	}
	if err := im.validate(payload); err != nil {
		return nil, err
	}

	result := &ImportResult{Counts: make(map[string]int64)}
	for _, name := range im.reg.CriticalKinds() {
		if len(payload.Models[name]) == 0 {
			result.Warnings = append(result.Warnings, fmt.Sprintf("archive has no %s records", name))
		}
	}

	if opts.DryRun {
		result.DryRun = true
		for name, records := range payload.Models {
			result.Counts[name] = int64(len(records))
		}
		if rec != nil {
			rec.Info(ctx, "dry run: archive validated", map[string]any{"kinds": len(payload.Models)})
		}
		return result, nil
	}

	if opts.CreateCheckpoint {
		name := fmt.Sprintf("pre-import %s", payload.ExportDate.Format("2006-01-02 15:04"))
		cp, err := im.checkpoints.Create(ctx, name, "automatic snapshot before import from "+payload.SourceEnvironment, rec)
		if err != nil {
			return nil, fmt.Errorf("creating pre-import checkpoint: %w", err)
		}
		result.CheckpointID = cp.ID
		if rec != nil {
			rec.Info(ctx, "checkpoint created", map[string]any{"checkpoint": cp.ID})
		}
	}

	if rec != nil {
		rec.Step(ctx, "applying records", 0, 0)
		rec.Hold()
	}
	if err := im.applyRecords(ctx, payload, res, result, rec); err != nil {
		if rec != nil {
			if path, ferr := rec.FlushFailed(""); ferr == nil && path != "" {
				result.Warnings = append(result.Warnings, "job logs written to "+path)
			}
		}
		return result, err
	}
	if rec != nil {
		if err := rec.FlushCommitted(ctx); err != nil {
			result.Warnings = append(result.Warnings, fmt.Sprintf("flushing job logs: %v", err))
		}
	}

	if !opts.SkipMedia {
		if rec != nil {
			rec.Step(ctx, "extracting media", 0, 0)
		}
		im.extractMedia(ctx, data, payload, result, rec)
	}

	if !opts.SkipVerify {
		if rec != nil {
			rec.Step(ctx, "verifying", 0, 0)
		}
		report := NewVerifier(im.store, im.reg, im.media).WithFileChecks(!opts.SkipMedia).Verify(ctx, payload)
		result.Warnings = append(result.Warnings, report.Warnings...)
		if len(report.Problems) > 0 {
			if opts.AutoRollback && result.CheckpointID != "" {
				if rbErr := im.checkpoints.Rollback(ctx, result.CheckpointID, rec); rbErr != nil {
					return result, fmt.Errorf("verification failed and rollback failed: %v (after %w)", rbErr, &IntegrityError{Problems: report.Problems})
				}
				result.RolledBack = true
			}
			return result, &IntegrityError{Problems: report.Problems}
		}
	}
	return result, nil
}

// validate rejects a malformed payload before any transaction opens.
func (im *Importer) validate(p *archive.Payload) error {
	if p.Version == "" {
		return &FormatError{Reason: "missing version"}
	}
	if p.Models == nil {
		return &FormatError{Reason: "missing models"}
	}
	if p.Statistics == nil {
		return &FormatError{Reason: "missing statistics"}
	}
	for _, key := range []string{archive.StatTotalModels, archive.StatTotalRecords} {
		if _, ok := p.Statistics[key]; !ok {
			return &FormatError{Reason: "statistics missing " + key}
		}
	}
	for kind, records := range p.Models {
		if _, ok := im.reg.Kind(kind); !ok {
			return &FormatError{Reason: fmt.Sprintf("unknown kind %s", kind)}
		}
		want, ok := p.Statistics[archive.CountKey(kind)]
		if ok && want != int64(len(records)) {
			return &FormatError{Reason: fmt.Sprintf("statistics claim %d %s records, payload has %d", want, kind, len(records))}
		}
	}
	return nil
}

func (im *Importer) applyRecords(ctx context.Context, payload *archive.Payload, res *resolver, result *ImportResult, rec *ledger.Recorder) error {
	tx, err := im.store.Begin(ctx)
	if err != nil {
		return fmt.Errorf("opening transaction: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			tx.Rollback(ctx)
		}
	}()

	var kindNames []string
	for name := range payload.Models {
		kindNames = append(kindNames, name)
	}
	order := im.reg.OrderSubset(kindNames, nil)

	var deferredWrites []deferredWrite
	var relationWrites []relationWrite

	for _, name := range order {
		k, _ := im.reg.Kind(name)
		deferred := im.reg.DeferredFields(name)

		for _, raw := range payload.Models[name] {
			if err := ctx.Err(); err != nil {
				return err
			}
			incoming := record.Normalize(k, record.FlattenReferences(k, raw))
			pk := record.PrimaryKey(k, incoming)

			for _, rel := range k.Relations {
				if v, ok := incoming[rel.Name]; ok {
					relationWrites = append(relationWrites, relationWrite{
						kind: name, pk: pk, relation: rel.Name,
						ids: record.IDList(v), merge: res.strategy == Merge,
					})
					delete(incoming, rel.Name)
				}
			}

			for _, field := range deferred {
				if v, ok := incoming[field]; ok && !record.IsEmpty(v) {
					deferredWrites = append(deferredWrites, deferredWrite{kind: name, pk: pk, field: field, value: v})
					incoming[field] = nil
				}
			}

			outcome, err := im.applyOne(ctx, tx, res, k, incoming)
			if err != nil {
				result.Failed++
				result.Errors = append(result.Errors, (&ConflictError{Kind: name, PK: pk, Err: err}).Error())
				if rec != nil {
					rec.Error(ctx, "record failed", map[string]any{"kind": name, "pk": pk, "error": err.Error()})
				}
				continue
			}
			switch outcome {
			case outcomeCreated:
				result.Created++
				result.Counts[name]++
			case outcomeUpdated:
				result.Updated++
				result.Counts[name]++
			case outcomeSkipped:
				result.Skipped++
			}
		}
		if rec != nil {
			rec.Info(ctx, "applied kind", map[string]any{"kind": name, "records": len(payload.Models[name])})
			rec.Progress(ctx, result.Applied()+result.Skipped, 0)
		}
	}

	if err := im.applyDeferred(ctx, tx, deferredWrites, result, rec); err != nil {
		return err
	}
	if err := im.applyRelations(ctx, tx, relationWrites, result); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing import: %w", err)
	}
	committed = true
	return nil
}

// applyOne wraps a single record in a savepoint so its failure cannot
// poison the surrounding transaction.
func (im *Importer) applyOne(ctx context.Context, tx store.Tx, res *resolver, k schema.Kind, incoming record.Record) (applyOutcome, error) {
	sp, err := tx.Begin(ctx)
	if err != nil {
		return outcomeSkipped, fmt.Errorf("opening savepoint: %w", err)
	}
	outcome, err := res.apply(ctx, sp, k, incoming)
	if err != nil {
		sp.Rollback(ctx)
		return outcomeSkipped, err
	}
	if err := sp.Commit(ctx); err != nil {
		return outcomeSkipped, fmt.Errorf("releasing savepoint: %w", err)
	}
	return outcome, nil
}

// applyDeferred writes back the reference fields nulled to break dependency
// cycles, now that every target exists.
func (im *Importer) applyDeferred(ctx context.Context, tx store.Tx, writes []deferredWrite, result *ImportResult, rec *ledger.Recorder) error {
	for _, w := range writes {
		k, _ := im.reg.Kind(w.kind)
		existing, err := tx.Get(ctx, w.kind, w.pk)
		if err == store.ErrNotFound {
			continue // the record itself failed or was skipped
		}
		if err != nil {
			return fmt.Errorf("rereading %s %s for deferred field: %w", w.kind, w.pk, err)
		}
		existing[w.field] = w.value
		if err := tx.Update(ctx, w.kind, record.PrimaryKey(k, existing), existing); err != nil {
			result.Warnings = append(result.Warnings, fmt.Sprintf("deferred %s.%s on %s: %v", w.kind, w.field, w.pk, err))
			if rec != nil {
				rec.Warn(ctx, "deferred field write failed", map[string]any{"kind": w.kind, "pk": w.pk, "field": w.field})
			}
		}
	}
	return nil
}

// applyRelations writes the many-to-many sets after every record exists, so
// forward references inside a cycle resolve.
func (im *Importer) applyRelations(ctx context.Context, tx store.Tx, writes []relationWrite, result *ImportResult) error {
	for _, w := range writes {
		if _, err := tx.Get(ctx, w.kind, w.pk); err == store.ErrNotFound {
			continue
		} else if err != nil {
			return fmt.Errorf("rereading %s %s for relations: %w", w.kind, w.pk, err)
		}
		ids := w.ids
		if w.merge {
			existing, err := tx.Relations(ctx, w.kind, w.pk, w.relation)
			if err != nil {
				return fmt.Errorf("reading relations of %s %s: %w", w.kind, w.pk, err)
			}
			ids = mergeIDs(existing, ids)
		}
		sort.Strings(ids)
		if err := tx.SetRelations(ctx, w.kind, w.pk, w.relation, ids); err != nil {
			result.Warnings = append(result.Warnings, fmt.Sprintf("relation %s on %s %s: %v", w.relation, w.kind, w.pk, err))
		}
	}
	return nil
}

func mergeIDs(existing, incoming []string) []string {
	seen := make(map[string]bool, len(existing))
	out := append([]string(nil), existing...)
	for _, id := range existing {
		seen[id] = true
	}
	for _, id := range incoming {
		if !seen[id] {
			out = append(out, id)
			seen[id] = true
		}
	}
	return out
}

// extractMedia writes packaged media bytes into file storage. Checksum
// mismatches and write failures degrade to warnings so a media problem never
// undoes committed records.
func (im *Importer) extractMedia(ctx context.Context, data []byte, payload *archive.Payload, result *ImportResult, rec *ledger.Recorder) {
	if len(payload.MediaFiles) == 0 {
		return
	}
	if im.media == nil {
		result.Warnings = append(result.Warnings, "archive carries media but no file storage is configured")
		return
	}

	written := int64(0)
	err := archive.WalkMedia(data, func(entry archive.MediaEntry) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		want := payload.MediaFiles[entry.Path].Checksum
		if _, err := transfer.WriteVerified(ctx, im.media, entry.Path, entry.Body, want); err != nil {
			result.Warnings = append(result.Warnings, fmt.Sprintf("media %s: %v", entry.Path, err))
			if rec != nil {
				rec.Warn(ctx, "media write failed", map[string]any{"path": entry.Path, "error": err.Error()})
			}
			return nil
		}
		written++
		if rec != nil && written%progressEvery == 0 {
			rec.Progress(ctx, result.Applied()+result.Skipped, written)
		}
		return nil
	})
	if err != nil {
		result.Warnings = append(result.Warnings, fmt.Sprintf("reading packaged media: %v", err))
	}
	result.MediaWritten = written
	if rec != nil {
		rec.Progress(ctx, result.Applied()+result.Skipped, written)
	}
}
