package ledger

import (
	"context"
	"encoding/json"
	"os"
	"strings"
	"testing"
	"time"
)

func TestRecorderPassThrough(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore()
	job := NewJob(JobImport, "staging")
	if err := st.CreateJob(ctx, job); err != nil {
		t.Fatalf("creating job: %v", err)
	}

	rec := NewRecorder(st, job, nil)
	rec.Info(ctx, "started", map[string]any{"kinds": 3})
	rec.Warn(ctx, "something odd", nil)

	entries, err := st.ListEntries(ctx, job.ID)
	if err != nil {
		t.Fatalf("listing entries: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].Level != LevelInfo || entries[0].Message != "started" {
		t.Errorf("entry %+v", entries[0])
	}
	if entries[1].Level != LevelWarning {
		t.Errorf("entry %+v", entries[1])
	}
}

func TestRecorderHoldAndFlushCommitted(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore()
	job := NewJob(JobImport, "staging")
	if err := st.CreateJob(ctx, job); err != nil {
		t.Fatalf("creating job: %v", err)
	}

	rec := NewRecorder(st, job, nil)
	rec.Hold()
	rec.Info(ctx, "inside transaction", nil)
	rec.Error(ctx, "record failed", map[string]any{"pk": "7"})

	// Nothing reaches the store while holding.
	entries, err := st.ListEntries(ctx, job.ID)
	if err != nil {
		t.Fatalf("listing entries: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("entries leaked through the hold: %d", len(entries))
	}

	if err := rec.FlushCommitted(ctx); err != nil {
		t.Fatalf("flushing: %v", err)
	}
	entries, err = st.ListEntries(ctx, job.ID)
	if err != nil {
		t.Fatalf("listing entries: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries after flush, got %d", len(entries))
	}

	// The flush resumes pass-through recording.
	rec.Info(ctx, "after commit", nil)
	entries, _ = st.ListEntries(ctx, job.ID)
	if len(entries) != 3 {
		t.Errorf("expected 3 entries, got %d", len(entries))
	}
}

func TestRecorderFlushFailed(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore()
	job := NewJob(JobImport, "staging")
	if err := st.CreateJob(ctx, job); err != nil {
		t.Fatalf("creating job: %v", err)
	}

	rec := NewRecorder(st, job, nil)
	rec.Hold()
	rec.Error(ctx, "transaction doomed", nil)

	dir := t.TempDir()
	path, err := rec.FlushFailed(dir)
	if err != nil {
		t.Fatalf("flushing to file: %v", err)
	}
	if !strings.HasPrefix(path, dir) {
		t.Errorf("fallback file %q outside %q", path, dir)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading fallback file: %v", err)
	}
	var dumped []Entry
	if err := json.Unmarshal(raw, &dumped); err != nil {
		t.Fatalf("parsing fallback file: %v", err)
	}
	if len(dumped) != 1 || dumped[0].Message != "transaction doomed" {
		t.Errorf("dumped entries %+v", dumped)
	}

	// The store never saw the buffered entry.
	entries, _ := st.ListEntries(ctx, job.ID)
	if len(entries) != 0 {
		t.Errorf("failed-transaction entries reached the store: %d", len(entries))
	}
}

func TestRecorderFlushFailedEmptyBuffer(t *testing.T) {
	st := NewMemoryStore()
	rec := NewRecorder(st, NewJob(JobImport, ""), nil)
	rec.Hold()
	path, err := rec.FlushFailed(t.TempDir())
	if err != nil {
		t.Fatalf("flushing empty buffer: %v", err)
	}
	if path != "" {
		t.Errorf("empty buffer should write no file, got %q", path)
	}
}

func TestRecorderProgress(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore()
	job := NewJob(JobExport, "prod")
	if err := st.CreateJob(ctx, job); err != nil {
		t.Fatalf("creating job: %v", err)
	}

	rec := NewRecorder(st, job, nil)
	rec.Progress(ctx, 120, 4)

	stored, err := st.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("getting job: %v", err)
	}
	if stored.ProcessedRecords != 120 || stored.ProcessedFiles != 4 {
		t.Errorf("progress not persisted: %+v", stored)
	}

	// Held progress only updates the in-memory job.
	rec.Hold()
	rec.Progress(ctx, 300, 9)
	stored, _ = st.GetJob(ctx, job.ID)
	if stored.ProcessedRecords != 120 {
		t.Errorf("held progress reached the store: %+v", stored)
	}
}

func TestRecorderStep(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore()
	job := NewJob(JobImport, "prod")
	if err := st.CreateJob(ctx, job); err != nil {
		t.Fatalf("creating job: %v", err)
	}

	rec := NewRecorder(st, job, nil)
	rec.Step(ctx, "dumping records", 1, 4)

	stored, err := st.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("getting job: %v", err)
	}
	if stored.Step != "dumping records" {
		t.Errorf("step not persisted: %+v", stored)
	}
	if stored.Progress != 25 {
		t.Errorf("progress = %v, want 25", stored.Progress)
	}

	// A zero total keeps the current percentage and only moves the label.
	rec.Step(ctx, "verifying", 0, 0)
	stored, _ = st.GetJob(ctx, job.ID)
	if stored.Step != "verifying" || stored.Progress != 25 {
		t.Errorf("label-only step changed progress: %+v", stored)
	}

	// Held steps stay off the store.
	rec.Hold()
	rec.Step(ctx, "extracting media", 2, 4)
	stored, _ = st.GetJob(ctx, job.ID)
	if stored.Step != "verifying" {
		t.Errorf("held step reached the store: %+v", stored)
	}
}

func TestJobLifecycle(t *testing.T) {
	job := NewJob(JobExport, "prod")
	if job.Status != StatusPending || job.ID == "" {
		t.Fatalf("new job %+v", job)
	}

	job.Start()
	if job.Status != StatusRunning || job.StartedAt == nil {
		t.Errorf("started job %+v", job)
	}

	job.Complete()
	if job.Status != StatusCompleted || job.CompletedAt == nil {
		t.Errorf("completed job %+v", job)
	}
	if job.Duration() < 0 {
		t.Errorf("duration %v", job.Duration())
	}

	failed := NewJob(JobImport, "prod")
	failed.Start()
	failed.Fail("boom")
	if failed.Status != StatusFailed || failed.Error != "boom" {
		t.Errorf("failed job %+v", failed)
	}
}

func TestJobCancel(t *testing.T) {
	job := NewJob(JobExport, "prod")
	job.Start()
	job.Cancel()
	if job.Status != StatusCancelled || job.CompletedAt == nil {
		t.Errorf("cancelled job %+v", job)
	}
	if !job.Status.Terminal() {
		t.Error("cancelled is not terminal")
	}

	// Cancelling a finished job changes nothing.
	done := NewJob(JobExport, "prod")
	done.Start()
	done.Complete()
	done.Cancel()
	if done.Status != StatusCompleted {
		t.Errorf("cancel overwrote a terminal state: %+v", done)
	}
}

func TestJobRollbackStates(t *testing.T) {
	job := NewJob(JobImport, "prod")
	job.Start()

	job.BeginRollback("cp-1")
	if job.Status != StatusRollingBack || job.CheckpointID != "cp-1" {
		t.Errorf("rolling-back job %+v", job)
	}
	if job.Status.Terminal() {
		t.Error("rolling_back must not be terminal")
	}

	job.FinishRollback("verification failed")
	if job.Status != StatusRolledBack || job.Error != "verification failed" {
		t.Errorf("rolled-back job %+v", job)
	}
	if !job.Status.Terminal() || job.CompletedAt == nil {
		t.Errorf("rolled_back must be terminal: %+v", job)
	}
}

func TestJobUpdateProgress(t *testing.T) {
	job := NewJob(JobImport, "prod")
	job.UpdateProgress(42.5, "applying records")
	if job.Progress != 42.5 || job.Step != "applying records" {
		t.Errorf("progress %+v", job)
	}

	job.UpdateProgress(180, "done")
	if job.Progress != 100 {
		t.Errorf("progress not clamped high: %v", job.Progress)
	}
	job.UpdateProgress(-3, "start")
	if job.Progress != 0 {
		t.Errorf("progress not clamped low: %v", job.Progress)
	}
}

func TestTokenValidity(t *testing.T) {
	tok := NewToken("ci", "pipeline token", 0)
	if tok.Value == "" || !tok.IsValid() {
		t.Fatalf("fresh token invalid: %+v", tok)
	}
	if tok.ExpiresAt != nil {
		t.Error("zero ttl should mean no expiry")
	}

	tok.Touch()
	if tok.LastUsedAt == nil {
		t.Error("touch did not record use")
	}

	tok.Revoked = true
	if tok.IsValid() {
		t.Error("revoked token still valid")
	}

	expired := NewToken("old", "", time.Minute)
	past := time.Now().UTC().Add(-time.Hour)
	expired.ExpiresAt = &past
	if expired.IsValid() {
		t.Error("expired token still valid")
	}
}

func TestTokenSingleUse(t *testing.T) {
	tok := NewToken("one-shot", "", 0)
	tok.SingleUse = true
	if !tok.IsValid() {
		t.Fatal("unused single-use token should be valid")
	}
	tok.Touch()
	if tok.UseCount != 1 {
		t.Errorf("use count %d", tok.UseCount)
	}
	if tok.IsValid() {
		t.Error("single-use token still valid after use")
	}
}

func TestTokenPermissions(t *testing.T) {
	cases := []struct {
		name  string
		scope Permission
		ask   Permission
		want  bool
	}{
		{"Read Allows Read", PermRead, PermRead, true},
		{"Read Denies Write", PermRead, PermWrite, false},
		{"ReadWrite Allows Read", PermReadWrite, PermRead, true},
		{"ReadWrite Allows Write", PermReadWrite, PermWrite, true},
		{"ReadWrite Denies Admin", PermReadWrite, PermAdmin, false},
		{"Admin Allows Everything", PermAdmin, PermWrite, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tok := NewToken("scoped", "", 0)
			tok.Permissions = tc.scope
			if got := tok.Allows(tc.ask); got != tc.want {
				t.Errorf("%s.Allows(%s) = %v, want %v", tc.scope, tc.ask, got, tc.want)
			}
		})
	}
}

func TestCheckpointRestorable(t *testing.T) {
	cp := &Checkpoint{
		ID:        "cp-1",
		Valid:     true,
		CreatedAt: time.Now().UTC(),
		ExpiresAt: time.Now().UTC().Add(time.Hour),
	}
	if !cp.Restorable() {
		t.Fatalf("fresh checkpoint not restorable: %+v", cp)
	}

	cp.Invalidate()
	if cp.Restorable() {
		t.Error("invalidated checkpoint still restorable")
	}

	cp.Valid = true
	cp.MarkUsed()
	if cp.Restorable() {
		t.Error("used checkpoint still restorable")
	}
}

func TestMemoryStoreJobListing(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore()

	for i := 0; i < 5; i++ {
		job := NewJob(JobExport, "prod")
		job.CreatedAt = time.Now().UTC().Add(time.Duration(i) * time.Second)
		if err := st.CreateJob(ctx, job); err != nil {
			t.Fatalf("creating job: %v", err)
		}
	}

	jobs, err := st.ListJobs(ctx, 3)
	if err != nil {
		t.Fatalf("listing jobs: %v", err)
	}
	if len(jobs) != 3 {
		t.Fatalf("expected 3 jobs, got %d", len(jobs))
	}
	for i := 1; i < len(jobs); i++ {
		if jobs[i].CreatedAt.After(jobs[i-1].CreatedAt) {
			t.Errorf("jobs not sorted newest first")
		}
	}

	if err := st.UpdateJob(ctx, NewJob(JobExport, "prod")); err != ErrNotFound {
		t.Errorf("expected ErrNotFound updating unknown job, got %v", err)
	}
}
