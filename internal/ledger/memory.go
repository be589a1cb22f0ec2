package ledger

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-process ledger used by tests and single-shot CLI runs.
type MemoryStore struct {
	mu          sync.RWMutex
	jobs        map[string]*Job
	entries     map[string][]Entry
	checkpoints map[string]*Checkpoint
	tokens      map[string]*Token
}

// NewMemoryStore creates an empty in-memory ledger.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:        make(map[string]*Job),
		entries:     make(map[string][]Entry),
		checkpoints: make(map[string]*Checkpoint),
		tokens:      make(map[string]*Token),
	}
}

func (s *MemoryStore) CreateJob(ctx context.Context, job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *job
	s.jobs[job.ID] = &copied
	return nil
}

func (s *MemoryStore) UpdateJob(ctx context.Context, job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; !ok {
		return ErrNotFound
	}
	copied := *job
	s.jobs[job.ID] = &copied
	return nil
}

func (s *MemoryStore) GetJob(ctx context.Context, id string) (*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *job
	return &copied, nil
}

func (s *MemoryStore) ListJobs(ctx context.Context, limit int) ([]*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		copied := *job
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) AppendEntries(ctx context.Context, entries []Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range entries {
		s.entries[e.JobID] = append(s.entries[e.JobID], e)
	}
	return nil
}

func (s *MemoryStore) ListEntries(ctx context.Context, jobID string) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Entry(nil), s.entries[jobID]...), nil
}

func (s *MemoryStore) CreateCheckpoint(ctx context.Context, cp *Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *cp
	s.checkpoints[cp.ID] = &copied
	return nil
}

func (s *MemoryStore) UpdateCheckpoint(ctx context.Context, cp *Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.checkpoints[cp.ID]; !ok {
		return ErrNotFound
	}
	copied := *cp
	s.checkpoints[cp.ID] = &copied
	return nil
}

func (s *MemoryStore) GetCheckpoint(ctx context.Context, id string) (*Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp, ok := s.checkpoints[id]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *cp
	return &copied, nil
}

func (s *MemoryStore) ListCheckpoints(ctx context.Context) ([]*Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Checkpoint, 0, len(s.checkpoints))
	for _, cp := range s.checkpoints {
		copied := *cp
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) CreateToken(ctx context.Context, tok *Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *tok
	s.tokens[tok.Value] = &copied
	return nil
}

func (s *MemoryStore) UpdateToken(ctx context.Context, tok *Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tokens[tok.Value]; !ok {
		return ErrNotFound
	}
	copied := *tok
	s.tokens[tok.Value] = &copied
	return nil
}

func (s *MemoryStore) GetToken(ctx context.Context, value string) (*Token, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tok, ok := s.tokens[value]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *tok
	return &copied, nil
}

func (s *MemoryStore) ListTokens(ctx context.Context) ([]*Token, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Token, 0, len(s.tokens))
	for _, tok := range s.tokens {
		copied := *tok
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}
