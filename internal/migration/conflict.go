package migration

import (
	"context"
	"fmt"

	"github.com/soltura/migrate/internal/record"
	"github.com/soltura/migrate/internal/schema"
	"github.com/soltura/migrate/internal/store"
)

// applyOutcome names what happened to one record.
type applyOutcome int

const (
	outcomeCreated applyOutcome = iota
	outcomeUpdated
	outcomeSkipped
)

// resolver applies incoming records against existing data under a conflict
// strategy.
type resolver struct {
	strategy string
}

func newResolver(strategy string) (*resolver, error) {
	switch strategy {
	case "":
		strategy = Skip
	case Skip, Overwrite, Merge:
	default:
		return nil, fmt.Errorf("unknown conflict strategy %q", strategy)
	}
	return &resolver{strategy: strategy}, nil
}

// findExisting locates the record the incoming one collides with, checking
// the primary key first, then single unique fields, then composite
// uniqueness groups.
func (r *resolver) findExisting(ctx context.Context, tx store.Reader, k schema.Kind, rec record.Record) (record.Record, error) {
	if pk := record.PrimaryKey(k, rec); pk != "" {
		existing, err := tx.Get(ctx, k.Name, pk)
		if err == nil {
			return existing, nil
		}
		if err != store.ErrNotFound {
			return nil, err
		}
	}

	for _, f := range k.UniqueFields() {
		v := rec[f.Name]
		if record.IsEmpty(v) {
			continue
		}
		existing, err := tx.FindBy(ctx, k.Name, map[string]any{f.Name: v})
		if err == nil {
			return existing, nil
		}
		if err != store.ErrNotFound {
			return nil, err
		}
	}

	for _, group := range k.UniqueTogether {
		match := make(map[string]any, len(group))
		complete := true
		for _, name := range group {
			v, ok := rec[name]
			if !ok {
				complete = false
				break
			}
			match[name] = v
		}
		if !complete {
			continue
		}
		existing, err := tx.FindBy(ctx, k.Name, match)
		if err == nil {
			return existing, nil
		}
		if err != store.ErrNotFound {
			return nil, err
		}
	}

	return nil, store.ErrNotFound
}

// apply writes one incoming record. A unique violation on insert means a
// concurrent writer created the record between the existence check and the
// insert, so the lookup runs once more and the strategy is applied to what
// it finds.
func (r *resolver) apply(ctx context.Context, tx store.Tx, k schema.Kind, rec record.Record) (applyOutcome, error) {
	existing, err := r.findExisting(ctx, tx, k, rec)
	if err != nil && err != store.ErrNotFound {
		return outcomeSkipped, err
	}

	if existing == nil {
		err := tx.Insert(ctx, k.Name, rec)
		if err == nil {
			return outcomeCreated, nil
		}
		if !store.IsUniqueViolation(err) {
			return outcomeSkipped, err
		}
		existing, err = r.findExisting(ctx, tx, k, rec)
		if err != nil {
			return outcomeSkipped, fmt.Errorf("rechecking after unique violation: %w", err)
		}
	}

	switch r.strategy {
	case Skip:
		return outcomeSkipped, nil
	case Overwrite:
		merged := rec.Clone()
		merged[k.PrimaryKey] = existing[k.PrimaryKey]
		if err := tx.Update(ctx, k.Name, record.PrimaryKey(k, existing), merged); err != nil {
			return outcomeSkipped, err
		}
		return outcomeUpdated, nil
	case Merge:
		merged := existing.Clone()
		changed := false
		for _, f := range k.Fields {
			if f.Name == k.PrimaryKey {
				continue
			}
			incoming, ok := rec[f.Name]
			if !ok || record.IsEmpty(incoming) {
				continue
			}
			if record.IsEmpty(merged[f.Name]) {
				merged[f.Name] = incoming
				changed = true
			}
		}
		if !changed {
			return outcomeSkipped, nil
		}
		if err := tx.Update(ctx, k.Name, record.PrimaryKey(k, existing), merged); err != nil {
			return outcomeSkipped, err
		}
		return outcomeUpdated, nil
	}
	return outcomeSkipped, nil
}
