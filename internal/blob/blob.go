// Package blob is the byte-store contract the engine reads media files from
// and writes archives to. Backends only need read/write/exists/list by
// relative path.
package blob

import (
	"context"
	"errors"
	"io"
)

// ErrNotExist is returned when a path has no stored bytes.
var ErrNotExist = errors.New("blob does not exist")

// Store reads and writes files by relative path.
type Store interface {
	Open(ctx context.Context, path string) (io.ReadCloser, error)
	Write(ctx context.Context, path string, r io.Reader) (int64, error)
	Exists(ctx context.Context, path string) (bool, error)
	List(ctx context.Context, prefix string) ([]string, error)
}
