package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Recorder collects job log entries. While an import transaction is open the
// entries only buffer in memory; writing them through the ledger store at
// that point would either join the doomed transaction or deadlock against
// it. The caller flushes after commit, or dumps the buffer to a fallback
// file when the transaction failed and the ledger row may be gone too.
type Recorder struct {
	mu      sync.Mutex
	store   Store
	job     *Job
	log     *slog.Logger
	buffer  []Entry
	holding bool
}

// NewRecorder creates a recorder for one job. Entries pass straight through
// to the store until Hold is called.
func NewRecorder(store Store, job *Job, log *slog.Logger) *Recorder {
	if log == nil {
		log = slog.Default()
	}
	return &Recorder{store: store, job: job, log: log}
}

// Job returns the tracked job.
func (r *Recorder) Job() *Job {
	return r.job
}

// Hold switches the recorder to buffering. Call before opening the data
// transaction.
func (r *Recorder) Hold() {
	r.mu.Lock()
	r.holding = true
	r.mu.Unlock()
}

// Info records an informational entry.
func (r *Recorder) Info(ctx context.Context, msg string, details map[string]any) {
	r.record(ctx, LevelInfo, msg, details)
}

// Warn records a warning entry.
func (r *Recorder) Warn(ctx context.Context, msg string, details map[string]any) {
	r.record(ctx, LevelWarning, msg, details)
}

// Error records an error entry.
func (r *Recorder) Error(ctx context.Context, msg string, details map[string]any) {
	r.record(ctx, LevelError, msg, details)
}

func (r *Recorder) record(ctx context.Context, level Level, msg string, details map[string]any) {
	entry := Entry{
		JobID:     r.job.ID,
		Timestamp: time.Now().UTC(),
		Level:     level,
		Message:   msg,
		Details:   details,
	}

	attrs := []any{"job", r.job.ID}
	for k, v := range details {
		attrs = append(attrs, k, v)
	}
	switch level {
	case LevelError:
		r.log.Error(msg, attrs...)
	case LevelWarning:
		r.log.Warn(msg, attrs...)
	default:
		r.log.Info(msg, attrs...)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.holding {
		r.buffer = append(r.buffer, entry)
		return
	}
	if err := r.store.AppendEntries(ctx, []Entry{entry}); err != nil {
		r.log.Error("writing job log entry", "job", r.job.ID, "error", err)
	}
}

// Progress bumps the job's record counters and persists them when not
// buffering.
func (r *Recorder) Progress(ctx context.Context, records, files int64) {
	r.mu.Lock()
	r.job.ProcessedRecords = records
	r.job.ProcessedFiles = files
	holding := r.holding
	r.mu.Unlock()
	if holding {
		return
	}
	if err := r.store.UpdateJob(ctx, r.job); err != nil {
		r.log.Error("updating job progress", "job", r.job.ID, "error", err)
	}
}

// Step records the phase the job is in and, when total is known, the
// percentage done. Persisted only when not buffering, like Progress.
func (r *Recorder) Step(ctx context.Context, step string, done, total int64) {
	r.mu.Lock()
	percent := r.job.Progress
	if total > 0 {
		percent = float64(done) / float64(total) * 100
	}
	r.job.UpdateProgress(percent, step)
	holding := r.holding
	r.mu.Unlock()
	if holding {
		return
	}
	if err := r.store.UpdateJob(ctx, r.job); err != nil {
		r.log.Error("updating job step", "job", r.job.ID, "error", err)
	}
}

// FlushCommitted writes the buffered entries to the store after the data
// transaction committed and resumes pass-through recording.
func (r *Recorder) FlushCommitted(ctx context.Context) error {
	r.mu.Lock()
	buffered := r.buffer
	r.buffer = nil
	r.holding = false
	r.mu.Unlock()

	if len(buffered) == 0 {
		return nil
	}
	if err := r.store.AppendEntries(ctx, buffered); err != nil {
		return fmt.Errorf("flushing %d buffered entries: %w", len(buffered), err)
	}
	return nil
}

// FlushFailed dumps the buffered entries to a JSON file under dir so the
// trail of a failed import survives the rollback. Returns the file path.
func (r *Recorder) FlushFailed(dir string) (string, error) {
	r.mu.Lock()
	buffered := r.buffer
	r.buffer = nil
	r.holding = false
	r.mu.Unlock()

	if len(buffered) == 0 {
		return "", nil
	}
	if dir == "" {
		dir = os.TempDir()
	}
	name := fmt.Sprintf("migration-%s-%s.log.json", r.job.ID, time.Now().UTC().Format("20060102T150405"))
	path := filepath.Join(dir, name)

	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("creating fallback log file: %w", err)
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(buffered); err != nil {
		return "", fmt.Errorf("writing fallback log file: %w", err)
	}
	r.log.Warn("buffered job logs written to fallback file", "job", r.job.ID, "path", path)
	return path, nil
}
