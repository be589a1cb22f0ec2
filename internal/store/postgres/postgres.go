// Package postgres backs the migration store with Postgres, holding records
// as JSONB rows and many-to-many links in a side table. Uniqueness rules
// from the schema become partial expression indexes, so the database is the
// final authority on conflicts.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/soltura/migrate/internal/record"
	"github.com/soltura/migrate/internal/schema"
	"github.com/soltura/migrate/internal/store"
)

// Store is a Postgres-backed record store.
type Store struct {
	pool *pgxpool.Pool
	reg  *schema.Registry
}

// New wraps a pool and ensures the record tables and uniqueness indexes.
func New(ctx context.Context, pool *pgxpool.Pool, reg *schema.Registry) (*Store, error) {
	s := &Store{pool: pool, reg: reg}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, fmt.Errorf("preparing record schema: %w", err)
	}
	return s, nil
}

func (s *Store) ensureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS records (
			kind TEXT NOT NULL,
			pk TEXT NOT NULL,
			data JSONB NOT NULL,
			PRIMARY KEY (kind, pk)
		)`,
		`CREATE TABLE IF NOT EXISTS record_relations (
			kind TEXT NOT NULL,
			pk TEXT NOT NULL,
			relation TEXT NOT NULL,
			target_pk TEXT NOT NULL,
			PRIMARY KEY (kind, pk, relation, target_pk)
		)`,
	}
	for _, name := range s.reg.Order() {
		k, _ := s.reg.Kind(name)
		for _, f := range k.UniqueFields() {
			statements = append(statements, fmt.Sprintf(
				`CREATE UNIQUE INDEX IF NOT EXISTS records_%s_%s_uniq
				 ON records ((data->>%s)) WHERE kind = %s AND data->>%s IS NOT NULL`,
				ident(name), ident(f.Name), literal(f.Name), literal(name), literal(f.Name)))
		}
		for i, group := range k.UniqueTogether {
			exprs := make([]string, len(group))
			for j, field := range group {
				exprs[j] = fmt.Sprintf("(data->>%s)", literal(field))
			}
			statements = append(statements, fmt.Sprintf(
				`CREATE UNIQUE INDEX IF NOT EXISTS records_%s_group%d_uniq
				 ON records (%s) WHERE kind = %s`,
				ident(name), i, strings.Join(exprs, ", "), literal(name)))
		}
	}
	for _, stmt := range statements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// ident strips a name down to identifier-safe characters.
func ident(name string) string {
	var b strings.Builder
	for _, r := range name {
		if r == '-' || r == '.' {
			b.WriteRune('_')
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// literal single-quotes a string for DDL, where placeholders are not
// accepted.
func literal(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (s *Store) Get(ctx context.Context, kind, pk string) (record.Record, error) {
	return getRecord(ctx, s.pool, kind, pk)
}

func (s *Store) FindBy(ctx context.Context, kind string, match map[string]any) (record.Record, error) {
	return findBy(ctx, s.pool, kind, match)
}

func (s *Store) Count(ctx context.Context, kind string) (int64, error) {
	return countKind(ctx, s.pool, kind)
}

func (s *Store) Scan(ctx context.Context, kind string, fn func(record.Record) error) error {
	return scanKind(ctx, s.pool, kind, fn)
}

func (s *Store) Relations(ctx context.Context, kind, pk, relation string) ([]string, error) {
	return listRelations(ctx, s.pool, kind, pk, relation)
}

func (s *Store) DatabaseVersion(ctx context.Context) (string, error) {
	var version string
	if err := s.pool.QueryRow(ctx, `SELECT version()`).Scan(&version); err != nil {
		return "", fmt.Errorf("reading server version: %w", err)
	}
	return version, nil
}

func (s *Store) Begin(ctx context.Context) (store.Tx, error) {
	pgtx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("opening transaction: %w", err)
	}
	return &tx{tx: pgtx, reg: s.reg}, nil
}

// tx wraps a pgx transaction. Nested Begin maps to a savepoint, which pgx
// provides through Tx.Begin on an open transaction.
type tx struct {
	tx  pgx.Tx
	reg *schema.Registry
}

func (t *tx) Get(ctx context.Context, kind, pk string) (record.Record, error) {
	return getRecord(ctx, t.tx, kind, pk)
}

func (t *tx) FindBy(ctx context.Context, kind string, match map[string]any) (record.Record, error) {
	return findBy(ctx, t.tx, kind, match)
}

func (t *tx) Count(ctx context.Context, kind string) (int64, error) {
	return countKind(ctx, t.tx, kind)
}

func (t *tx) Scan(ctx context.Context, kind string, fn func(record.Record) error) error {
	return scanKind(ctx, t.tx, kind, fn)
}

func (t *tx) Relations(ctx context.Context, kind, pk, relation string) ([]string, error) {
	return listRelations(ctx, t.tx, kind, pk, relation)
}

func (t *tx) Insert(ctx context.Context, kind string, rec record.Record) error {
	k, ok := t.reg.Kind(kind)
	if !ok {
		return fmt.Errorf("unknown kind %q", kind)
	}
	pk := record.PrimaryKey(k, rec)
	if pk == "" {
		return fmt.Errorf("inserting %s: missing primary key", kind)
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding %s %s: %w", kind, pk, err)
	}
	_, err = t.tx.Exec(ctx, `INSERT INTO records (kind, pk, data) VALUES ($1,$2,$3)`, kind, pk, data)
	if err != nil {
		return mapUniqueViolation(err, kind, k)
	}
	return nil
}

func (t *tx) Update(ctx context.Context, kind, pk string, rec record.Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding %s %s: %w", kind, pk, err)
	}
	tag, err := t.tx.Exec(ctx, `UPDATE records SET data=$3 WHERE kind=$1 AND pk=$2`, kind, pk, data)
	if err != nil {
		k, _ := t.reg.Kind(kind)
		return mapUniqueViolation(err, kind, k)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (t *tx) Delete(ctx context.Context, kind, pk string) error {
	tag, err := t.tx.Exec(ctx, `DELETE FROM records WHERE kind=$1 AND pk=$2`, kind, pk)
	if err != nil {
		return fmt.Errorf("deleting %s %s: %w", kind, pk, err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	_, err = t.tx.Exec(ctx, `DELETE FROM record_relations WHERE kind=$1 AND pk=$2`, kind, pk)
	return err
}

func (t *tx) SetRelations(ctx context.Context, kind, pk, relation string, ids []string) error {
	if _, err := t.tx.Exec(ctx,
		`DELETE FROM record_relations WHERE kind=$1 AND pk=$2 AND relation=$3`,
		kind, pk, relation); err != nil {
		return fmt.Errorf("clearing relation %s of %s %s: %w", relation, kind, pk, err)
	}
	for _, id := range ids {
		if _, err := t.tx.Exec(ctx,
			`INSERT INTO record_relations (kind, pk, relation, target_pk) VALUES ($1,$2,$3,$4)
			 ON CONFLICT DO NOTHING`,
			kind, pk, relation, id); err != nil {
			return fmt.Errorf("linking %s %s to %s: %w", kind, pk, id, err)
		}
	}
	return nil
}

func (t *tx) Begin(ctx context.Context) (store.Tx, error) {
	child, err := t.tx.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("opening savepoint: %w", err)
	}
	return &tx{tx: child, reg: t.reg}, nil
}

func (t *tx) Commit(ctx context.Context) error {
	return t.tx.Commit(ctx)
}

func (t *tx) Rollback(ctx context.Context) error {
	err := t.tx.Rollback(ctx)
	if errors.Is(err, pgx.ErrTxClosed) {
		return nil
	}
	return err
}

// mapUniqueViolation turns SQLSTATE 23505 into the portable violation type.
func mapUniqueViolation(err error, kind string, k schema.Kind) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		fields := []string{k.PrimaryKey}
		for _, f := range k.UniqueFields() {
			if strings.Contains(pgErr.ConstraintName, ident(f.Name)) {
				fields = []string{f.Name}
				break
			}
		}
		return &store.UniqueViolationError{Kind: kind, Fields: fields}
	}
	return fmt.Errorf("writing %s: %w", kind, err)
}

func getRecord(ctx context.Context, q querier, kind, pk string) (record.Record, error) {
	var data []byte
	err := q.QueryRow(ctx, `SELECT data FROM records WHERE kind=$1 AND pk=$2`, kind, pk).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s %s: %w", kind, pk, err)
	}
	var rec record.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decoding %s %s: %w", kind, pk, err)
	}
	return rec, nil
}

func findBy(ctx context.Context, q querier, kind string, match map[string]any) (record.Record, error) {
	clauses := []string{"kind=$1"}
	args := []any{kind}
	for name, v := range match {
		args = append(args, fmt.Sprintf("%v", v))
		clauses = append(clauses, fmt.Sprintf("data->>%s = $%d", literal(name), len(args)))
	}
	sql := `SELECT data FROM records WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY pk LIMIT 1`

	var data []byte
	err := q.QueryRow(ctx, sql, args...).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("finding %s: %w", kind, err)
	}
	var rec record.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", kind, err)
	}
	return rec, nil
}

func countKind(ctx context.Context, q querier, kind string) (int64, error) {
	var n int64
	if err := q.QueryRow(ctx, `SELECT count(*) FROM records WHERE kind=$1`, kind).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting %s: %w", kind, err)
	}
	return n, nil
}

func scanKind(ctx context.Context, q querier, kind string, fn func(record.Record) error) error {
	rows, err := q.Query(ctx, `SELECT data FROM records WHERE kind=$1 ORDER BY pk`, kind)
	if err != nil {
		return fmt.Errorf("scanning %s: %w", kind, err)
	}
	defer rows.Close()
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return fmt.Errorf("scanning %s row: %w", kind, err)
		}
		var rec record.Record
		if err := json.Unmarshal(data, &rec); err != nil {
			return fmt.Errorf("decoding %s row: %w", kind, err)
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	return rows.Err()
}

func listRelations(ctx context.Context, q querier, kind, pk, relation string) ([]string, error) {
	rows, err := q.Query(ctx,
		`SELECT target_pk FROM record_relations WHERE kind=$1 AND pk=$2 AND relation=$3 ORDER BY target_pk`,
		kind, pk, relation)
	if err != nil {
		return nil, fmt.Errorf("reading relation %s of %s %s: %w", relation, kind, pk, err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning relation row: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
