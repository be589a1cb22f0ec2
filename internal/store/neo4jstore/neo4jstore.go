// Package neo4jstore backs the migration store with Neo4j. Records are
// nodes labeled by kind with their fields kept as a JSON string property,
// and many-to-many links are LINKED edges carrying the relation name.
//
// Neo4j has no savepoints, so nested transactions are emulated: a child
// transaction buffers its writes and checks uniqueness in Go against the
// parent's view, applying the buffer only on commit.
package neo4jstore

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/soltura/migrate/internal/record"
	"github.com/soltura/migrate/internal/schema"
	"github.com/soltura/migrate/internal/store"
)

// Config holds Neo4j connection settings.
type Config struct {
	URI      string
	Username string
	Password string
	Database string
}

// Store is a Neo4j-backed record store.
type Store struct {
	driver   neo4j.DriverWithContext
	reg      *schema.Registry
	database string
}

// New connects to Neo4j, verifies connectivity and ensures the uniqueness
// constraint on record keys.
func New(ctx context.Context, cfg Config, reg *schema.Registry) (*Store, error) {
	driver, err := neo4j.NewDriverWithContext(
		cfg.URI,
		neo4j.BasicAuth(cfg.Username, cfg.Password, ""),
	)
	if err != nil {
		return nil, fmt.Errorf("creating neo4j driver: %w", err)
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		return nil, fmt.Errorf("connecting to neo4j: %w", err)
	}

	db := cfg.Database
	if db == "" {
		db = "neo4j"
	}
	s := &Store{driver: driver, reg: reg, database: db}

	session := driver.NewSession(ctx, neo4j.SessionConfig{DatabaseName: db})
	defer session.Close(ctx)
	_, err = session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		_, err := tx.Run(ctx,
			`CREATE CONSTRAINT record_key IF NOT EXISTS
			 FOR (r:Record) REQUIRE r.key IS UNIQUE`, nil)
		return nil, err
	})
	if err != nil {
		return nil, fmt.Errorf("ensuring record constraint: %w", err)
	}
	return s, nil
}

// Close releases the driver.
func (s *Store) Close(ctx context.Context) error {
	return s.driver.Close(ctx)
}

func key(kind, pk string) string {
	return kind + ":" + pk
}

type runner interface {
	Run(ctx context.Context, cypher string, params map[string]any) (neo4j.ResultWithContext, error)
}

func (s *Store) read(ctx context.Context, fn func(runner) error) error {
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{DatabaseName: s.database})
	defer session.Close(ctx)
	_, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		return nil, fn(tx)
	})
	return err
}

func (s *Store) Get(ctx context.Context, kind, pk string) (record.Record, error) {
	var rec record.Record
	err := s.read(ctx, func(r runner) error {
		var err error
		rec, err = getRecord(ctx, r, kind, pk)
		return err
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *Store) FindBy(ctx context.Context, kind string, match map[string]any) (record.Record, error) {
	var rec record.Record
	err := s.read(ctx, func(r runner) error {
		var err error
		rec, err = findBy(ctx, r, kind, match)
		return err
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *Store) Count(ctx context.Context, kind string) (int64, error) {
	var n int64
	err := s.read(ctx, func(r runner) error {
		var err error
		n, err = countKind(ctx, r, kind)
		return err
	})
	return n, err
}

func (s *Store) Scan(ctx context.Context, kind string, fn func(record.Record) error) error {
	return s.read(ctx, func(r runner) error {
		return scanKind(ctx, r, kind, fn)
	})
}

func (s *Store) Relations(ctx context.Context, kind, pk, relation string) ([]string, error) {
	var ids []string
	err := s.read(ctx, func(r runner) error {
		var err error
		ids, err = listRelations(ctx, r, kind, pk, relation)
		return err
	})
	return ids, err
}

func (s *Store) DatabaseVersion(ctx context.Context) (string, error) {
	var version string
	err := s.read(ctx, func(r runner) error {
		result, err := r.Run(ctx,
			`CALL dbms.components() YIELD name, versions RETURN name, versions[0] AS v LIMIT 1`, nil)
		if err != nil {
			return err
		}
		if result.Next(ctx) {
			rec := result.Record()
			name, _ := rec.Get("name")
			v, _ := rec.Get("v")
			version = fmt.Sprintf("%v %v", name, v)
		}
		return result.Err()
	})
	if err != nil {
		return "", fmt.Errorf("reading server version: %w", err)
	}
	return version, nil
}

// Begin opens an explicit transaction on a dedicated session. The session
// stays open until Commit or Rollback.
func (s *Store) Begin(ctx context.Context) (store.Tx, error) {
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{DatabaseName: s.database})
	ntx, err := session.BeginTransaction(ctx)
	if err != nil {
		session.Close(ctx)
		return nil, fmt.Errorf("opening transaction: %w", err)
	}
	return &tx{store: s, session: session, tx: ntx, reg: s.reg}, nil
}

type tx struct {
	store   *Store
	session neo4j.SessionWithContext
	tx      neo4j.ExplicitTransaction
	reg     *schema.Registry
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
	if _, err := getRecord(ctx, t.tx, kind, pk); err == nil {
		return &store.UniqueViolationError{Kind: kind, Fields: []string{k.PrimaryKey}}
	} else if err != store.ErrNotFound {
		return err
	}
	if err := t.checkUnique(ctx, k, pk, rec); err != nil {
		return err
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding %s %s: %w", kind, pk, err)
	}
	_, err = t.tx.Run(ctx,
		`CREATE (r:Record {key: $key, kind: $kind, pk: $pk, data: $data})`,
		map[string]any{"key": key(kind, pk), "kind": kind, "pk": pk, "data": string(data)})
	if err != nil {
		return fmt.Errorf("inserting %s %s: %w", kind, pk, err)
	}
	return nil
}

func (t *tx) Update(ctx context.Context, kind, pk string, rec record.Record) error {
	if k, ok := t.reg.Kind(kind); ok {
		if err := t.checkUnique(ctx, k, pk, rec); err != nil {
			return err
		}
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding %s %s: %w", kind, pk, err)
	}
	result, err := t.tx.Run(ctx,
		`MATCH (r:Record {key: $key}) SET r.data = $data RETURN r.key`,
		map[string]any{"key": key(kind, pk), "data": string(data)})
	if err != nil {
		return fmt.Errorf("updating %s %s: %w", kind, pk, err)
	}
	if !result.Next(ctx) {
		if err := result.Err(); err != nil {
			return err
		}
		return store.ErrNotFound
	}
	return nil
}

func (t *tx) Delete(ctx context.Context, kind, pk string) error {
	result, err := t.tx.Run(ctx,
		`MATCH (r:Record {key: $key}) DETACH DELETE r RETURN count(r) AS n`,
		map[string]any{"key": key(kind, pk)})
	if err != nil {
		return fmt.Errorf("deleting %s %s: %w", kind, pk, err)
	}
	if result.Next(ctx) {
		if n, _ := result.Record().Get("n"); n == int64(0) {
			return store.ErrNotFound
		}
	}
	return result.Err()
}

func (t *tx) SetRelations(ctx context.Context, kind, pk, relation string, ids []string) error {
	_, err := t.tx.Run(ctx,
		`MATCH (r:Record {key: $key})-[l:LINKED {name: $name}]->() DELETE l`,
		map[string]any{"key": key(kind, pk), "name": relation})
	if err != nil {
		return fmt.Errorf("clearing relation %s of %s %s: %w", relation, kind, pk, err)
	}
	k, ok := t.reg.Kind(kind)
	if !ok {
		return fmt.Errorf("unknown kind %q", kind)
	}
	rel, ok := k.Relation(relation)
	if !ok {
		return fmt.Errorf("kind %s has no relation %q", kind, relation)
	}
	for _, id := range ids {
		_, err := t.tx.Run(ctx,
			`MATCH (r:Record {key: $from}) MATCH (o:Record {key: $to})
			 MERGE (r)-[:LINKED {name: $name}]->(o)`,
			map[string]any{"from": key(kind, pk), "to": key(rel.Target, id), "name": relation})
		if err != nil {
			return fmt.Errorf("linking %s %s to %s: %w", kind, pk, id, err)
		}
	}
	return nil
}

// checkUnique enforces the schema's uniqueness rules in Go. Field-level
// constraints cannot live in the database because record fields are a JSON
// string there.
func (t *tx) checkUnique(ctx context.Context, k schema.Kind, pk string, rec record.Record) error {
	for _, f := range k.UniqueFields() {
		v := rec[f.Name]
		if record.IsEmpty(v) {
			continue
		}
		other, err := findBy(ctx, t.tx, k.Name, map[string]any{f.Name: v})
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
		other, err := findBy(ctx, t.tx, k.Name, match)
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

// Begin opens an emulated savepoint.
func (t *tx) Begin(ctx context.Context) (store.Tx, error) {
	return newBufferTx(t, t.reg), nil
}

func (t *tx) Commit(ctx context.Context) error {
	err := t.tx.Commit(ctx)
	t.session.Close(ctx)
	return err
}

func (t *tx) Rollback(ctx context.Context) error {
	err := t.tx.Rollback(ctx)
	t.session.Close(ctx)
	return err
}

func getRecord(ctx context.Context, r runner, kind, pk string) (record.Record, error) {
	result, err := r.Run(ctx,
		`MATCH (r:Record {key: $key}) RETURN r.data AS data`,
		map[string]any{"key": key(kind, pk)})
	if err != nil {
		return nil, fmt.Errorf("reading %s %s: %w", kind, pk, err)
	}
	if !result.Next(ctx) {
		if err := result.Err(); err != nil {
			return nil, err
		}
		return nil, store.ErrNotFound
	}
	return decodeRow(result.Record())
}

func findBy(ctx context.Context, r runner, kind string, match map[string]any) (record.Record, error) {
	result, err := r.Run(ctx,
		`MATCH (r:Record {kind: $kind}) RETURN r.data AS data ORDER BY r.pk`,
		map[string]any{"kind": kind})
	if err != nil {
		return nil, fmt.Errorf("finding %s: %w", kind, err)
	}
	for result.Next(ctx) {
		rec, err := decodeRow(result.Record())
		if err != nil {
			return nil, err
		}
		all := true
		for name, v := range match {
			if rec[name] == nil || fmt.Sprintf("%v", rec[name]) != fmt.Sprintf("%v", v) {
				all = false
				break
			}
		}
		if all {
			return rec, nil
		}
	}
	if err := result.Err(); err != nil {
		return nil, err
	}
	return nil, store.ErrNotFound
}

func countKind(ctx context.Context, r runner, kind string) (int64, error) {
	result, err := r.Run(ctx,
		`MATCH (r:Record {kind: $kind}) RETURN count(r) AS n`,
		map[string]any{"kind": kind})
	if err != nil {
		return 0, fmt.Errorf("counting %s: %w", kind, err)
	}
	if result.Next(ctx) {
		if n, ok := result.Record().Get("n"); ok {
			if v, ok := n.(int64); ok {
				return v, nil
			}
		}
	}
	return 0, result.Err()
}

func scanKind(ctx context.Context, r runner, kind string, fn func(record.Record) error) error {
	result, err := r.Run(ctx,
		`MATCH (r:Record {kind: $kind}) RETURN r.data AS data ORDER BY r.pk`,
		map[string]any{"kind": kind})
	if err != nil {
		return fmt.Errorf("scanning %s: %w", kind, err)
	}
	for result.Next(ctx) {
		rec, err := decodeRow(result.Record())
		if err != nil {
			return err
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	return result.Err()
}

func listRelations(ctx context.Context, r runner, kind, pk, relation string) ([]string, error) {
	result, err := r.Run(ctx,
		`MATCH (r:Record {key: $key})-[:LINKED {name: $name}]->(o:Record)
		 RETURN o.pk AS pk ORDER BY o.pk`,
		map[string]any{"key": key(kind, pk), "name": relation})
	if err != nil {
		return nil, fmt.Errorf("reading relation %s of %s %s: %w", relation, kind, pk, err)
	}
	var ids []string
	for result.Next(ctx) {
		if pkVal, ok := result.Record().Get("pk"); ok {
			ids = append(ids, fmt.Sprintf("%v", pkVal))
		}
	}
	return ids, result.Err()
}

func decodeRow(row *neo4j.Record) (record.Record, error) {
	raw, ok := row.Get("data")
	if !ok {
		return nil, fmt.Errorf("record node missing data property")
	}
	data, ok := raw.(string)
	if !ok {
		return nil, fmt.Errorf("record data is %T, want string", raw)
	}
	var rec record.Record
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		return nil, fmt.Errorf("decoding record: %w", err)
	}
	return rec, nil
}
