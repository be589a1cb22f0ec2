// Package ledger tracks migration jobs, their logs, system checkpoints and
// the access tokens the remote protocol authenticates with. The ledger lives
// outside the migrated data set so a failed import cannot take its own
// history down with it.
package ledger

import (
	"time"

	"github.com/google/uuid"
)

// JobType names the operation a job runs.
type JobType string

const (
	JobExport     JobType = "export"
	JobImport     JobType = "import"
	JobCheckpoint JobType = "checkpoint"
	JobRollback   JobType = "rollback"
	JobTransfer   JobType = "transfer"
	JobVerify     JobType = "verify"
)

// JobStatus is the lifecycle state of a job.
type JobStatus string

const (
	StatusPending     JobStatus = "pending"
	StatusRunning     JobStatus = "running"
	StatusCompleted   JobStatus = "completed"
	StatusFailed      JobStatus = "failed"
	StatusCancelled   JobStatus = "cancelled"
	StatusRollingBack JobStatus = "rolling_back"
	StatusRolledBack  JobStatus = "rolled_back"
)

// Terminal reports whether the status is final.
func (s JobStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusRolledBack:
		return true
	}
	return false
}

// Job is one tracked migration operation.
type Job struct {
	ID          string     `json:"id"`
	Type        JobType    `json:"type"`
	Status      JobStatus  `json:"status"`
	SourceEnv   string     `json:"source_environment,omitempty"`
	TargetEnv   string     `json:"target_environment,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Error       string     `json:"error,omitempty"`

	// Progress is a percentage; Step labels the phase it was measured in.
	Progress float64 `json:"progress"`
	Step     string  `json:"step,omitempty"`

	TotalRecords     int64 `json:"total_records"`
	ProcessedRecords int64 `json:"processed_records"`
	TotalFiles       int64 `json:"total_files"`
	ProcessedFiles   int64 `json:"processed_files"`

	ArchivePath  string         `json:"archive_path,omitempty"`
	CheckpointID string         `json:"checkpoint_id,omitempty"`
	Parameters   map[string]any `json:"parameters,omitempty"`
}

// NewJob creates a pending job.
func NewJob(t JobType, sourceEnv string) *Job {
	return &Job{
		ID:        uuid.NewString(),
		Type:      t,
		Status:    StatusPending,
		SourceEnv: sourceEnv,
		CreatedAt: time.Now().UTC(),
	}
}

// Start marks the job running.
func (j *Job) Start() {
	now := time.Now().UTC()
	j.Status = StatusRunning
	j.StartedAt = &now
}

// Complete marks the job finished successfully.
func (j *Job) Complete() {
	now := time.Now().UTC()
	j.Status = StatusCompleted
	j.CompletedAt = &now
}

// Fail marks the job failed with the given reason.
func (j *Job) Fail(reason string) {
	now := time.Now().UTC()
	j.Status = StatusFailed
	j.CompletedAt = &now
	j.Error = reason
}

// Cancel marks the job cancelled. Cancelling a job in a terminal state is a
// no-op.
func (j *Job) Cancel() {
	if j.Status.Terminal() {
		return
	}
	now := time.Now().UTC()
	j.Status = StatusCancelled
	j.CompletedAt = &now
}

// BeginRollback marks the job as restoring a checkpoint after a failed apply.
func (j *Job) BeginRollback(checkpointID string) {
	j.Status = StatusRollingBack
	j.CheckpointID = checkpointID
}

// FinishRollback marks a rollback done; the original failure reason stays on
// the job.
func (j *Job) FinishRollback(reason string) {
	now := time.Now().UTC()
	j.Status = StatusRolledBack
	j.CompletedAt = &now
	j.Error = reason
}

// UpdateProgress records the percentage and current step label.
func (j *Job) UpdateProgress(percent float64, step string) {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	j.Progress = percent
	j.Step = step
}

// Duration is the wall time the job ran for, zero until started.
func (j *Job) Duration() time.Duration {
	if j.StartedAt == nil {
		return 0
	}
	end := time.Now().UTC()
	if j.CompletedAt != nil {
		end = *j.CompletedAt
	}
	return end.Sub(*j.StartedAt)
}

// Level grades a log entry.
type Level string

const (
	LevelInfo    Level = "info"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

// Entry is one log line attached to a job.
type Entry struct {
	JobID     string         `json:"job_id"`
	Timestamp time.Time      `json:"timestamp"`
	Level     Level          `json:"level"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
}

// Checkpoint records a pre-import structural snapshot that an operator can
// roll the system back to.
type Checkpoint struct {
	ID              string     `json:"id"`
	Name            string     `json:"name"`
	Description     string     `json:"description,omitempty"`
	Environment     string     `json:"environment,omitempty"`
	ArchivePath     string     `json:"archive_path"`
	CreatedAt       time.Time  `json:"created_at"`
	ExpiresAt       time.Time  `json:"expires_at"`
	Valid           bool       `json:"valid"`
	Used            bool       `json:"used"`
	UsedAt          *time.Time `json:"used_at,omitempty"`
	Size            int64      `json:"size"`
	TotalKinds      int64      `json:"total_kinds"`
	TotalRecords    int64      `json:"total_records"`
	TotalFiles      int64      `json:"total_files"`
	DatabaseVersion string     `json:"database_version,omitempty"`
}

// IsExpired reports whether the checkpoint's retention window has passed.
func (c *Checkpoint) IsExpired() bool {
	return time.Now().UTC().After(c.ExpiresAt)
}

// Restorable reports whether the checkpoint may serve as a rollback target.
func (c *Checkpoint) Restorable() bool {
	return c.Valid && !c.Used && !c.IsExpired()
}

// Invalidate excludes the checkpoint from future rollbacks without retiring
// its row.
func (c *Checkpoint) Invalidate() {
	c.Valid = false
}

// MarkUsed flags the checkpoint as consumed by a rollback.
func (c *Checkpoint) MarkUsed() {
	now := time.Now().UTC()
	c.Used = true
	c.UsedAt = &now
}

// Permission scopes a token to a slice of the remote protocol.
type Permission string

const (
	PermRead      Permission = "read"
	PermWrite     Permission = "write"
	PermReadWrite Permission = "read_write"
	PermAdmin     Permission = "admin"
)

// Token authorizes remote migration calls.
type Token struct {
	Value       string     `json:"token"`
	Name        string     `json:"name"`
	Description string     `json:"description,omitempty"`
	Permissions Permission `json:"permissions"`
	SingleUse   bool       `json:"single_use"`
	UseCount    int64      `json:"use_count"`
	CreatedAt   time.Time  `json:"created_at"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	LastUsedAt  *time.Time `json:"last_used_at,omitempty"`
	Revoked     bool       `json:"revoked"`
}

// NewToken mints a read-write token with an optional expiry.
func NewToken(name, description string, ttl time.Duration) *Token {
	t := &Token{
		Value:       uuid.NewString(),
		Name:        name,
		Description: description,
		Permissions: PermReadWrite,
		CreatedAt:   time.Now().UTC(),
	}
	if ttl > 0 {
		exp := t.CreatedAt.Add(ttl)
		t.ExpiresAt = &exp
	}
	return t
}

// IsValid reports whether the token may be used right now.
func (t *Token) IsValid() bool {
	if t.Revoked {
		return false
	}
	if t.SingleUse && t.UseCount > 0 {
		return false
	}
	if t.ExpiresAt != nil && time.Now().UTC().After(*t.ExpiresAt) {
		return false
	}
	return true
}

// Allows reports whether the token covers the asked permission. Admin covers
// everything; read_write covers read and write.
func (t *Token) Allows(p Permission) bool {
	switch t.Permissions {
	case PermAdmin:
		return true
	case PermReadWrite:
		return p == PermRead || p == PermWrite || p == PermReadWrite
	default:
		return t.Permissions == p
	}
}

// Touch records a use of the token.
func (t *Token) Touch() {
	now := time.Now().UTC()
	t.LastUsedAt = &now
	t.UseCount++
}
