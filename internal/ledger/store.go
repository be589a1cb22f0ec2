package ledger

import (
	"context"
	"errors"
)

// ErrNotFound reports that no ledger row matched the lookup.
var ErrNotFound = errors.New("ledger entry not found")

// Store persists jobs, logs, checkpoints and tokens.
type Store interface {
	CreateJob(ctx context.Context, job *Job) error
	UpdateJob(ctx context.Context, job *Job) error
	GetJob(ctx context.Context, id string) (*Job, error)
	ListJobs(ctx context.Context, limit int) ([]*Job, error)

	AppendEntries(ctx context.Context, entries []Entry) error
	ListEntries(ctx context.Context, jobID string) ([]Entry, error)

	CreateCheckpoint(ctx context.Context, cp *Checkpoint) error
	UpdateCheckpoint(ctx context.Context, cp *Checkpoint) error
	GetCheckpoint(ctx context.Context, id string) (*Checkpoint, error)
	ListCheckpoints(ctx context.Context) ([]*Checkpoint, error)

	CreateToken(ctx context.Context, tok *Token) error
	UpdateToken(ctx context.Context, tok *Token) error
	GetToken(ctx context.Context, value string) (*Token, error)
	ListTokens(ctx context.Context) ([]*Token, error)
}
