// Package migration implements the export, import, checkpoint and
// verification operations over a schema-described data set.
package migration

import (
	"fmt"
	"time"
)

// Conflict resolution strategies applied when an imported record collides
// with an existing one.
const (
	Skip      = "skip"      // Keep the existing record untouched
	Overwrite = "overwrite" // Replace the existing record's fields
	Merge     = "merge"     // Fill only fields the existing record left empty
)

// CheckpointRetention is how long a checkpoint stays valid for rollback.
const CheckpointRetention = 30 * 24 * time.Hour

// progressEvery is how many media files pass between progress updates.
const progressEvery = 10

// defaultBatchSize is how many records pass between progress updates when
// ExportOptions.BatchSize is unset.
const defaultBatchSize = 100

// FormatError reports an archive that cannot be understood. It is always
// raised before any data transaction opens.
type FormatError struct {
	Reason string
	Err    error
}

func (e *FormatError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid archive: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("invalid archive: %s", e.Reason)
}

func (e *FormatError) Unwrap() error { return e.Err }

// ConflictError reports a record that could not be applied under the chosen
// strategy.
type ConflictError struct {
	Kind string
	PK   string
	Err  error
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict on %s %s: %v", e.Kind, e.PK, e.Err)
}

func (e *ConflictError) Unwrap() error { return e.Err }

// IntegrityError reports a post-import verification failure.
type IntegrityError struct {
	Problems []string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("integrity check failed with %d problems", len(e.Problems))
}

// ChecksumError reports a media file whose bytes do not match the archive's
// recorded checksum.
type ChecksumError struct {
	Path string
	Got  string
	Want string
}

func (e *ChecksumError) Error() string {
	return fmt.Sprintf("checksum mismatch on %s: got %s want %s", e.Path, e.Got, e.Want)
}

// ExportOptions configures an export.
type ExportOptions struct {
	IncludeMedia bool     // Package media bytes alongside the payload
	Kinds        []string // Restrict to these kinds; empty means all
	Exclude      []string // Kinds to leave out
	Compress     bool     // Gzip a payload-only export
	BatchSize    int      // Records per progress report; 0 means defaultBatchSize
}

// ExportResult summarizes a finished export.
type ExportResult struct {
	Records  int64
	Files    int64
	Bytes    int64
	Kinds    []string
	Warnings []string
}

// ImportOptions configures an import.
type ImportOptions struct {
	Strategy         string // Skip, Overwrite or Merge; defaults to Skip
	CreateCheckpoint bool   // Snapshot structural state before touching data
	AutoRollback     bool   // Roll back to the checkpoint when verification fails
	SkipVerify       bool   // Skip the post-import integrity check
	SkipMedia        bool   // Leave packaged media bytes unextracted
	DryRun           bool   // Decode and validate only; touch nothing
	Environment      string // Target environment label for the job record
}

// ImportResult summarizes a finished import. Counts holds the records
// applied per kind; on a dry run it holds the records the archive carries.
type ImportResult struct {
	Created      int64
	Updated      int64
	Skipped      int64
	Failed       int64
	MediaWritten int64
	Counts       map[string]int64
	CheckpointID string
	RolledBack   bool
	DryRun       bool
	Warnings     []string
	Errors       []string
}

// Applied is the total number of records the import touched.
func (r *ImportResult) Applied() int64 {
	return r.Created + r.Updated
}
