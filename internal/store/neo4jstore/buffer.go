package neo4jstore

import (
	"context"
	"fmt"

	"github.com/soltura/migrate/internal/record"
	"github.com/soltura/migrate/internal/schema"
	"github.com/soltura/migrate/internal/store"
)

// bufferTx emulates a savepoint over a backend without them. Writes collect
// in memory and replay into the parent on commit; reads see the parent's
// state overlaid with the buffer. Rollback just drops the buffer.
type bufferTx struct {
	parent store.Tx
	reg    *schema.Registry
	done   bool

	// overlay[kind][pk]: a record, or nil for a buffered delete.
	overlay map[string]map[string]record.Record
	rels    map[string]map[string]map[string][]string
}

func newBufferTx(parent store.Tx, reg *schema.Registry) *bufferTx {
	return &bufferTx{
		parent:  parent,
		reg:     reg,
		overlay: make(map[string]map[string]record.Record),
		rels:    make(map[string]map[string]map[string][]string),
	}
}

func (b *bufferTx) Get(ctx context.Context, kind, pk string) (record.Record, error) {
	if kinds, ok := b.overlay[kind]; ok {
		if rec, ok := kinds[pk]; ok {
			if rec == nil {
				return nil, store.ErrNotFound
			}
			return rec.Clone(), nil
		}
	}
	return b.parent.Get(ctx, kind, pk)
}

func (b *bufferTx) FindBy(ctx context.Context, kind string, match map[string]any) (record.Record, error) {
	for _, rec := range b.overlay[kind] {
		if rec == nil {
			continue
		}
		all := true
		for name, v := range match {
			if rec[name] == nil || fmt.Sprintf("%v", rec[name]) != fmt.Sprintf("%v", v) {
				all = false
				break
			}
		}
		if all {
			return rec.Clone(), nil
		}
	}
	rec, err := b.parent.FindBy(ctx, kind, match)
	if err != nil {
		return nil, err
	}
	k, ok := b.reg.Kind(kind)
	if ok {
		if pk := record.PrimaryKey(k, rec); pk != "" {
			if buffered, present := b.overlay[kind][pk]; present && buffered == nil {
				return nil, store.ErrNotFound
			}
		}
	}
	return rec, nil
}

func (b *bufferTx) Count(ctx context.Context, kind string) (int64, error) {
	n, err := b.parent.Count(ctx, kind)
	if err != nil {
		return 0, err
	}
	for pk, rec := range b.overlay[kind] {
		_, err := b.parent.Get(ctx, kind, pk)
		switch {
		case err == store.ErrNotFound && rec != nil:
			n++
		case err == nil && rec == nil:
			n--
		case err != nil && err != store.ErrNotFound:
			return 0, err
		}
	}
	return n, nil
}

func (b *bufferTx) Scan(ctx context.Context, kind string, fn func(record.Record) error) error {
	k, ok := b.reg.Kind(kind)
	seen := make(map[string]bool)
	err := b.parent.Scan(ctx, kind, func(rec record.Record) error {
		pk := ""
		if ok {
			pk = record.PrimaryKey(k, rec)
		}
		if buffered, present := b.overlay[kind][pk]; present {
			seen[pk] = true
			if buffered == nil {
				return nil
			}
			return fn(buffered.Clone())
		}
		return fn(rec)
	})
	if err != nil {
		return err
	}
	for pk, rec := range b.overlay[kind] {
		if rec == nil || seen[pk] {
			continue
		}
		if err := fn(rec.Clone()); err != nil {
			return err
		}
	}
	return nil
}

func (b *bufferTx) Relations(ctx context.Context, kind, pk, relation string) ([]string, error) {
	if ids, ok := b.rels[kind][pk][relation]; ok {
		return append([]string(nil), ids...), nil
	}
	return b.parent.Relations(ctx, kind, pk, relation)
}

func (b *bufferTx) Insert(ctx context.Context, kind string, rec record.Record) error {
	k, ok := b.reg.Kind(kind)
	if !ok {
		return fmt.Errorf("unknown kind %q", kind)
	}
	pk := record.PrimaryKey(k, rec)
	if pk == "" {
		return fmt.Errorf("inserting %s: missing primary key", kind)
	}
	if _, err := b.Get(ctx, kind, pk); err == nil {
		return &store.UniqueViolationError{Kind: kind, Fields: []string{k.PrimaryKey}}
	} else if err != store.ErrNotFound {
		return err
	}
	if err := b.checkUnique(ctx, k, pk, rec); err != nil {
		return err
	}
	b.put(kind, pk, rec.Clone())
	return nil
}

func (b *bufferTx) Update(ctx context.Context, kind, pk string, rec record.Record) error {
	if _, err := b.Get(ctx, kind, pk); err != nil {
		return err
	}
	k, ok := b.reg.Kind(kind)
	if ok {
		if err := b.checkUnique(ctx, k, pk, rec); err != nil {
			return err
		}
	}
	b.put(kind, pk, rec.Clone())
	return nil
}

func (b *bufferTx) Delete(ctx context.Context, kind, pk string) error {
	if _, err := b.Get(ctx, kind, pk); err != nil {
		return err
	}
	b.put(kind, pk, nil)
	return nil
}

func (b *bufferTx) SetRelations(ctx context.Context, kind, pk, relation string, ids []string) error {
	if b.rels[kind] == nil {
		b.rels[kind] = make(map[string]map[string][]string)
	}
	if b.rels[kind][pk] == nil {
		b.rels[kind][pk] = make(map[string][]string)
	}
	b.rels[kind][pk][relation] = append([]string(nil), ids...)
	return nil
}

func (b *bufferTx) Begin(ctx context.Context) (store.Tx, error) {
	return newBufferTx(b, b.reg), nil
}

// Commit writes the net effect of the buffer into the parent: each touched
// key becomes one insert, update or delete depending on what the parent
// already holds.
func (b *bufferTx) Commit(ctx context.Context) error {
	if b.done {
		return fmt.Errorf("transaction already finished")
	}
	b.done = true
	for kind, byPK := range b.overlay {
		for pk, rec := range byPK {
			_, err := b.parent.Get(ctx, kind, pk)
			exists := err == nil
			if err != nil && err != store.ErrNotFound {
				return err
			}
			switch {
			case rec == nil && exists:
				err = b.parent.Delete(ctx, kind, pk)
			case rec == nil:
				// inserted then deleted inside the buffer
			case exists:
				err = b.parent.Update(ctx, kind, pk, rec)
			default:
				err = b.parent.Insert(ctx, kind, rec)
			}
			if err != nil {
				return fmt.Errorf("replaying buffered write on %s %s: %w", kind, pk, err)
			}
		}
	}
	for kind, byPK := range b.rels {
		for pk, byRel := range byPK {
			for relation, ids := range byRel {
				if err := b.parent.SetRelations(ctx, kind, pk, relation, ids); err != nil {
					return fmt.Errorf("replaying buffered relation on %s %s: %w", kind, pk, err)
				}
			}
		}
	}
	return nil
}

func (b *bufferTx) Rollback(ctx context.Context) error {
	b.done = true
	return nil
}

func (b *bufferTx) put(kind, pk string, rec record.Record) {
	if b.overlay[kind] == nil {
		b.overlay[kind] = make(map[string]record.Record)
	}
	b.overlay[kind][pk] = rec
}

func (b *bufferTx) checkUnique(ctx context.Context, k schema.Kind, pk string, rec record.Record) error {
	for _, f := range k.UniqueFields() {
		v := rec[f.Name]
		if record.IsEmpty(v) {
			continue
		}
		other, err := b.FindBy(ctx, k.Name, map[string]any{f.Name: v})
		if err == store.ErrNotFound {
			continue
		}
		if err != nil {
			return err
		}
		if record.PrimaryKey(k, other) != pk {
			return &store.UniqueViolationError{Kind: k.Name, Fields: []string{f.Name}}
		}
	}
	for _, group := range k.UniqueTogether {
		match := make(map[string]any, len(group))
		for _, name := range group {
			match[name] = rec[name]
		}
		other, err := b.FindBy(ctx, k.Name, match)
		if err == store.ErrNotFound {
			continue
		}
		if err != nil {
			return err
		}
		if record.PrimaryKey(k, other) != pk {
			return &store.UniqueViolationError{Kind: k.Name, Fields: group}
		}
	}
	return nil
}
