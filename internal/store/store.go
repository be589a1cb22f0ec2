// Package store defines the persistence contract the migration engine runs
// against. Backends expose schema-described records keyed by kind and
// primary key, plus many-to-many relation sets.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/soltura/migrate/internal/record"
)

// ErrNotFound reports that no record matched the lookup.
var ErrNotFound = errors.New("record not found")

// UniqueViolationError reports an insert or update that collided with a
// uniqueness constraint.
type UniqueViolationError struct {
	Kind   string
	Fields []string
}

func (e *UniqueViolationError) Error() string {
	return fmt.Sprintf("unique violation on %s %v", e.Kind, e.Fields)
}

// IsUniqueViolation reports whether err is a uniqueness collision.
func IsUniqueViolation(err error) bool {
	var uv *UniqueViolationError
	return errors.As(err, &uv)
}

// Reader is the read-only surface shared by stores and transactions.
type Reader interface {
	// Get fetches one record by primary key.
	Get(ctx context.Context, kind, pk string) (record.Record, error)

	// FindBy fetches the first record whose fields match all given values.
	FindBy(ctx context.Context, kind string, match map[string]any) (record.Record, error)

	// Count returns the number of stored records of a kind.
	Count(ctx context.Context, kind string) (int64, error)

	// Scan streams every record of a kind in primary-key order. Returning
	// an error from fn stops the scan.
	Scan(ctx context.Context, kind string, fn func(record.Record) error) error

	// Relations returns the related primary keys for a record's named
	// many-to-many relation.
	Relations(ctx context.Context, kind, pk, relation string) ([]string, error)
}

// Tx is a writable unit of work. Begin opens a nested transaction backed by
// a savepoint: rolling back the child undoes only its own writes.
type Tx interface {
	Reader

	Insert(ctx context.Context, kind string, rec record.Record) error
	Update(ctx context.Context, kind, pk string, rec record.Record) error
	Delete(ctx context.Context, kind, pk string) error
	SetRelations(ctx context.Context, kind, pk, relation string, ids []string) error

	Begin(ctx context.Context) (Tx, error)
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Store is a migration-capable backend.
type Store interface {
	Reader

	// Begin opens a top-level transaction.
	Begin(ctx context.Context) (Tx, error)

	// DatabaseVersion reports the backend's version string for manifests.
	DatabaseVersion(ctx context.Context) (string, error)
}
