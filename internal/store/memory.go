package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/soltura/migrate/internal/record"
	"github.com/soltura/migrate/internal/schema"
)

// Memory is an in-process Store used by tests and dry runs. Transactions
// take a full snapshot, so rollback at any nesting depth is exact.
type Memory struct {
	mu  sync.RWMutex
	reg *schema.Registry

	data map[string]map[string]record.Record
	rels map[string]map[string]map[string][]string
}

// NewMemory creates an empty in-memory store over the given schema.
func NewMemory(reg *schema.Registry) *Memory {
	return &Memory{
		reg:  reg,
		data: make(map[string]map[string]record.Record),
		rels: make(map[string]map[string]map[string][]string),
	}
}

func (m *Memory) Get(ctx context.Context, kind, pk string) (record.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return snapGet(m.data, kind, pk)
}

func (m *Memory) FindBy(ctx context.Context, kind string, match map[string]any) (record.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return snapFindBy(m.data, kind, match)
}

func (m *Memory) Count(ctx context.Context, kind string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(len(m.data[kind])), nil
}

func (m *Memory) Scan(ctx context.Context, kind string, fn func(record.Record) error) error {
	m.mu.RLock()
	recs := make([]record.Record, 0, len(m.data[kind]))
	for _, pk := range sortedKeys(m.data[kind]) {
		recs = append(recs, m.data[kind][pk].Clone())
	}
	m.mu.RUnlock()

	for _, rec := range recs {
		if err := fn(rec); err != nil {
			return err
		}
	}
	return nil
}

func (m *Memory) Relations(ctx context.Context, kind, pk, relation string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return snapRelations(m.rels, kind, pk, relation), nil
}

func (m *Memory) DatabaseVersion(ctx context.Context) (string, error) {
	return "memory", nil
}

// Begin snapshots the current state. Commit swaps the snapshot in; until
// then readers of the store keep seeing the pre-transaction state.
func (m *Memory) Begin(ctx context.Context) (Tx, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return &memoryTx{
		store: m,
		reg:   m.reg,
		data:  cloneData(m.data),
		rels:  cloneRels(m.rels),
	}, nil
}

type memoryTx struct {
	store  *Memory
	parent *memoryTx
	reg    *schema.Registry
	done   bool

	data map[string]map[string]record.Record
	rels map[string]map[string]map[string][]string
}

func (tx *memoryTx) Get(ctx context.Context, kind, pk string) (record.Record, error) {
	return snapGet(tx.data, kind, pk)
}

func (tx *memoryTx) FindBy(ctx context.Context, kind string, match map[string]any) (record.Record, error) {
	return snapFindBy(tx.data, kind, match)
}

func (tx *memoryTx) Count(ctx context.Context, kind string) (int64, error) {
	return int64(len(tx.data[kind])), nil
}

func (tx *memoryTx) Scan(ctx context.Context, kind string, fn func(record.Record) error) error {
	for _, pk := range sortedKeys(tx.data[kind]) {
		if err := fn(tx.data[kind][pk].Clone()); err != nil {
			return err
		}
	}
	return nil
}

func (tx *memoryTx) Relations(ctx context.Context, kind, pk, relation string) ([]string, error) {
	return snapRelations(tx.rels, kind, pk, relation), nil
}

func (tx *memoryTx) Insert(ctx context.Context, kind string, rec record.Record) error {
	k, ok := tx.reg.Kind(kind)
	if !ok {
		return fmt.Errorf("unknown kind %q", kind)
	}
	pk := record.PrimaryKey(k, rec)
	if pk == "" {
		return fmt.Errorf("inserting %s: missing primary key", kind)
	}
	if _, ok := tx.data[kind][pk]; ok {
		return &UniqueViolationError{Kind: kind, Fields: []string{k.PrimaryKey}}
	}
	if err := tx.checkUnique(kind, pk, rec); err != nil {
		return err
	}
	if tx.data[kind] == nil {
		tx.data[kind] = make(map[string]record.Record)
	}
	tx.data[kind][pk] = rec.Clone()
	return nil
}

func (tx *memoryTx) Update(ctx context.Context, kind, pk string, rec record.Record) error {
	if _, ok := tx.data[kind][pk]; !ok {
		return ErrNotFound
	}
	if err := tx.checkUnique(kind, pk, rec); err != nil {
		return err
	}
	tx.data[kind][pk] = rec.Clone()
	return nil
}

func (tx *memoryTx) Delete(ctx context.Context, kind, pk string) error {
	if _, ok := tx.data[kind][pk]; !ok {
		return ErrNotFound
	}
	delete(tx.data[kind], pk)
	delete(tx.rels[kind], pk)
	return nil
}

func (tx *memoryTx) SetRelations(ctx context.Context, kind, pk, relation string, ids []string) error {
	if tx.rels[kind] == nil {
		tx.rels[kind] = make(map[string]map[string][]string)
	}
	if tx.rels[kind][pk] == nil {
		tx.rels[kind][pk] = make(map[string][]string)
	}
	tx.rels[kind][pk][relation] = append([]string(nil), ids...)
	return nil
}

func (tx *memoryTx) Begin(ctx context.Context) (Tx, error) {
	return &memoryTx{
		store:  tx.store,
		parent: tx,
		reg:    tx.reg,
		data:   cloneData(tx.data),
		rels:   cloneRels(tx.rels),
	}, nil
}

func (tx *memoryTx) Commit(ctx context.Context) error {
	if tx.done {
		return fmt.Errorf("transaction already finished")
	}
	tx.done = true
	if tx.parent != nil {
		tx.parent.data = tx.data
		tx.parent.rels = tx.rels
		return nil
	}
	tx.store.mu.Lock()
	tx.store.data = tx.data
	tx.store.rels = tx.rels
	tx.store.mu.Unlock()
	return nil
}

func (tx *memoryTx) Rollback(ctx context.Context) error {
	if tx.done {
		return nil
	}
	tx.done = true
	return nil
}

// checkUnique enforces single-field and composite uniqueness against every
// record other than pk itself.
func (tx *memoryTx) checkUnique(kind, pk string, rec record.Record) error {
	k, ok := tx.reg.Kind(kind)
	if !ok {
		return nil
	}
	for _, f := range k.UniqueFields() {
		val := rec[f.Name]
		if record.IsEmpty(val) {
			continue
		}
		for other, existing := range tx.data[kind] {
			if other == pk {
				continue
			}
			if valueEqual(existing[f.Name], val) {
				return &UniqueViolationError{Kind: kind, Fields: []string{f.Name}}
			}
		}
	}
	for _, group := range k.UniqueTogether {
		// A composite rule only applies when the record carries every
		// participating field; otherwise absent fields would collide
		// with each other.
		provided := true
		for _, name := range group {
			if record.IsEmpty(rec[name]) {
				provided = false
				break
			}
		}
		if !provided {
			continue
		}
		for other, existing := range tx.data[kind] {
			if other == pk {
				continue
			}
			all := true
			for _, name := range group {
				if !valueEqual(existing[name], rec[name]) {
					all = false
					break
				}
			}
			if all {
				return &UniqueViolationError{Kind: kind, Fields: group}
			}
		}
	}
	return nil
}

func cloneData(data map[string]map[string]record.Record) map[string]map[string]record.Record {
	out := make(map[string]map[string]record.Record, len(data))
	for kind, recs := range data {
		kcopy := make(map[string]record.Record, len(recs))
		for pk, rec := range recs {
			kcopy[pk] = rec.Clone()
		}
		out[kind] = kcopy
	}
	return out
}

func cloneRels(rels map[string]map[string]map[string][]string) map[string]map[string]map[string][]string {
	out := make(map[string]map[string]map[string][]string, len(rels))
	for kind, byPK := range rels {
		kcopy := make(map[string]map[string][]string, len(byPK))
		for pk, byRel := range byPK {
			rcopy := make(map[string][]string, len(byRel))
			for rel, ids := range byRel {
				rcopy[rel] = append([]string(nil), ids...)
			}
			kcopy[pk] = rcopy
		}
		out[kind] = kcopy
	}
	return out
}

func snapGet(data map[string]map[string]record.Record, kind, pk string) (record.Record, error) {
	rec, ok := data[kind][pk]
	if !ok {
		return nil, ErrNotFound
	}
	return rec.Clone(), nil
}

func snapFindBy(data map[string]map[string]record.Record, kind string, match map[string]any) (record.Record, error) {
	for _, pk := range sortedKeys(data[kind]) {
		rec := data[kind][pk]
		all := true
		for name, val := range match {
			if !valueEqual(rec[name], val) {
				all = false
				break
			}
		}
		if all {
			return rec.Clone(), nil
		}
	}
	return nil, ErrNotFound
}

func snapRelations(rels map[string]map[string]map[string][]string, kind, pk, relation string) []string {
	ids := rels[kind][pk][relation]
	return append([]string(nil), ids...)
}

func valueEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return fmt.Sprint(a) == fmt.Sprint(b)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
