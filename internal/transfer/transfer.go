// Package transfer moves media files between blob stores and environments
// with bounded parallelism, per-file retries and checksum verification.
package transfer

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/soltura/migrate/internal/blob"
	"github.com/soltura/migrate/internal/record"
)

const (
	defaultWorkers = 5
	maxAttempts    = 3
)

// Request names one file to move and, when known, the checksum the copy
// must match.
type Request struct {
	Path     string
	Checksum string
}

// FileError is one failed transfer inside a batch.
type FileError struct {
	Path string
	Err  error
}

func (e FileError) Error() string {
	return fmt.Sprintf("%s: %v", e.Path, e.Err)
}

// Result summarizes a batch transfer.
type Result struct {
	Transferred int
	Skipped     int
	Bytes       int64
	Failures    []FileError
}

// Failed reports whether any file in the batch failed.
func (r *Result) Failed() bool {
	return len(r.Failures) > 0
}

// Service copies files between blob stores.
type Service struct {
	workers int
	log     *slog.Logger

	// Progress, when set, is called after every completed file with the
	// running count of finished transfers.
	Progress func(done, total int)
}

// NewService creates a transfer service with the default worker count.
func NewService(log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{workers: defaultWorkers, log: log}
}

// SetWorkers overrides the parallelism, minimum one.
func (s *Service) SetWorkers(n int) {
	if n < 1 {
		n = 1
	}
	s.workers = n
}

// CopyMany copies every requested file from src to dst. Files already
// present at dst with a matching checksum are skipped. Individual failures
// are collected; the batch keeps going unless ctx is cancelled.
func (s *Service) CopyMany(ctx context.Context, src, dst blob.Store, reqs []Request) *Result {
	result := &Result{}
	if len(reqs) == 0 {
		return result
	}

	var (
		mu   sync.Mutex
		wg   sync.WaitGroup
		done int
	)
	jobs := make(chan Request)

	for i := 0; i < s.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for req := range jobs {
				n, skipped, err := s.copyOne(ctx, src, dst, req)
				mu.Lock()
				done++
				if err != nil {
					result.Failures = append(result.Failures, FileError{Path: req.Path, Err: err})
				} else if skipped {
					result.Skipped++
				} else {
					result.Transferred++
					result.Bytes += n
				}
				finished := done
				mu.Unlock()
				if s.Progress != nil {
					s.Progress(finished, len(reqs))
				}
			}
		}()
	}

feed:
	for _, req := range reqs {
		select {
		case <-ctx.Done():
			break feed
		case jobs <- req:
		}
	}
	close(jobs)
	wg.Wait()

	if err := ctx.Err(); err != nil {
		mu.Lock()
		result.Failures = append(result.Failures, FileError{Path: "", Err: err})
		mu.Unlock()
	}
	return result
}

// copyOne moves a single file with retries. A present destination file with
// the expected checksum short-circuits the copy.
func (s *Service) copyOne(ctx context.Context, src, dst blob.Store, req Request) (int64, bool, error) {
	if req.Checksum != "" {
		if ok, err := dst.Exists(ctx, req.Path); err == nil && ok {
			if sum, err := checksumOf(ctx, dst, req.Path); err == nil && record.ChecksumEqual(sum, req.Checksum) {
				return 0, true, nil
			}
		}
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return 0, false, err
		}
		n, err := s.copyAttempt(ctx, src, dst, req)
		if err == nil {
			return n, false, nil
		}
		lastErr = err
		s.log.Warn("transfer attempt failed",
			"path", req.Path, "attempt", attempt, "error", err)
	}
	return 0, false, fmt.Errorf("after %d attempts: %w", maxAttempts, lastErr)
}

func (s *Service) copyAttempt(ctx context.Context, src, dst blob.Store, req Request) (int64, error) {
	rc, err := src.Open(ctx, req.Path)
	if err != nil {
		return 0, fmt.Errorf("opening source: %w", err)
	}
	defer rc.Close()

	n, err := dst.Write(ctx, req.Path, rc)
	if err != nil {
		return 0, fmt.Errorf("writing destination: %w", err)
	}

	if req.Checksum != "" {
		sum, err := checksumOf(ctx, dst, req.Path)
		if err != nil {
			return 0, fmt.Errorf("verifying copy: %w", err)
		}
		if !record.ChecksumEqual(sum, req.Checksum) {
			return 0, fmt.Errorf("checksum mismatch: got %s want %s", sum, req.Checksum)
		}
	}
	return n, nil
}

func checksumOf(ctx context.Context, s blob.Store, path string) (string, error) {
	rc, err := s.Open(ctx, path)
	if err != nil {
		return "", err
	}
	defer rc.Close()
	return record.Checksum(rc)
}

// WriteVerified streams r into dst at path and checks the result against the
// expected checksum when one is given.
func WriteVerified(ctx context.Context, dst blob.Store, path string, r io.Reader, checksum string) (int64, error) {
	n, err := dst.Write(ctx, path, r)
	if err != nil {
		return 0, err
	}
	if checksum != "" {
		sum, err := checksumOf(ctx, dst, path)
		if err != nil {
			return n, fmt.Errorf("verifying %s: %w", path, err)
		}
		if !record.ChecksumEqual(sum, checksum) {
			return n, fmt.Errorf("checksum mismatch on %s: got %s want %s", path, sum, checksum)
		}
	}
	return n, nil
}
