// Package gcs implements the blob store contract on Google Cloud Storage.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/soltura/migrate/internal/blob"
)

// Store serves blobs from a single bucket, optionally under a key prefix.
type Store struct {
	client *storage.Client
	bucket string
	prefix string
}

// New creates a GCS store. credentialsFile may be empty to use ambient
// credentials.
func New(ctx context.Context, bucket, prefix, credentialsFile string) (*Store, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating storage client: %w", err)
	}
	return &Store{client: client, bucket: bucket, prefix: strings.Trim(prefix, "/")}, nil
}

// Close releases the underlying client.
func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) key(path string) string {
	path = strings.TrimPrefix(path, "/")
	if s.prefix == "" {
		return path
	}
	return s.prefix + "/" + path
}

func (s *Store) Open(ctx context.Context, path string) (io.ReadCloser, error) {
	r, err := s.client.Bucket(s.bucket).Object(s.key(path)).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, fmt.Errorf("%s: %w", path, blob.ErrNotExist)
	}
	if err != nil {
		return nil, fmt.Errorf("opening gs://%s/%s: %w", s.bucket, s.key(path), err)
	}
	return r, nil
}

func (s *Store) Write(ctx context.Context, path string, r io.Reader) (int64, error) {
	w := s.client.Bucket(s.bucket).Object(s.key(path)).NewWriter(ctx)
	w.ContentType = "application/octet-stream"
	n, err := io.Copy(w, r)
	if err != nil {
		w.Close()
		return n, fmt.Errorf("writing gs://%s/%s: %w", s.bucket, s.key(path), err)
	}
	if err := w.Close(); err != nil {
		return n, fmt.Errorf("closing gs://%s/%s: %w", s.bucket, s.key(path), err)
	}
	return n, nil
}

func (s *Store) Exists(ctx context.Context, path string) (bool, error) {
	_, err := s.client.Bucket(s.bucket).Object(s.key(path)).Attrs(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("statting gs://%s/%s: %w", s.bucket, s.key(path), err)
	}
	return true, nil
}

func (s *Store) List(ctx context.Context, prefix string) ([]string, error) {
	var paths []string
	it := s.client.Bucket(s.bucket).Objects(ctx, &storage.Query{Prefix: s.key(prefix)})
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("listing gs://%s/%s: %w", s.bucket, s.key(prefix), err)
		}
		name := attrs.Name
		if s.prefix != "" {
			name = strings.TrimPrefix(name, s.prefix+"/")
		}
		paths = append(paths, name)
	}
	return paths, nil
}
