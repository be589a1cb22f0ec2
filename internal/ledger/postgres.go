package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists the ledger in Postgres through a pgx pool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore wraps an existing pool and ensures the ledger tables.
func NewPostgresStore(ctx context.Context, pool *pgxpool.Pool) (*PostgresStore, error) {
	s := &PostgresStore{pool: pool}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, fmt.Errorf("preparing ledger schema: %w", err)
	}
	return s, nil
}

func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS migration_jobs (
			id TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			status TEXT NOT NULL,
			source_env TEXT NOT NULL DEFAULT '',
			target_env TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL,
			started_at TIMESTAMPTZ,
			completed_at TIMESTAMPTZ,
			error TEXT NOT NULL DEFAULT '',
			progress DOUBLE PRECISION NOT NULL DEFAULT 0,
			step TEXT NOT NULL DEFAULT '',
			total_records BIGINT NOT NULL DEFAULT 0,
			processed_records BIGINT NOT NULL DEFAULT 0,
			total_files BIGINT NOT NULL DEFAULT 0,
			processed_files BIGINT NOT NULL DEFAULT 0,
			archive_path TEXT NOT NULL DEFAULT '',
			checkpoint_id TEXT NOT NULL DEFAULT '',
			parameters JSONB
		)`,
		`CREATE TABLE IF NOT EXISTS migration_logs (
			id BIGSERIAL PRIMARY KEY,
			job_id TEXT NOT NULL REFERENCES migration_jobs(id) ON DELETE CASCADE,
			ts TIMESTAMPTZ NOT NULL,
			level TEXT NOT NULL,
			message TEXT NOT NULL,
			details JSONB
		)`,
		`CREATE INDEX IF NOT EXISTS migration_logs_job_idx ON migration_logs (job_id, ts)`,
		`CREATE TABLE IF NOT EXISTS migration_checkpoints (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			environment TEXT NOT NULL DEFAULT '',
			archive_path TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			expires_at TIMESTAMPTZ NOT NULL,
			valid BOOLEAN NOT NULL DEFAULT TRUE,
			used BOOLEAN NOT NULL DEFAULT FALSE,
			used_at TIMESTAMPTZ,
			size BIGINT NOT NULL DEFAULT 0,
			total_kinds BIGINT NOT NULL DEFAULT 0,
			total_records BIGINT NOT NULL DEFAULT 0,
			total_files BIGINT NOT NULL DEFAULT 0,
			database_version TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS migration_tokens (
			value TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			permissions TEXT NOT NULL DEFAULT 'read_write',
			single_use BOOLEAN NOT NULL DEFAULT FALSE,
			use_count BIGINT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL,
			expires_at TIMESTAMPTZ,
			last_used_at TIMESTAMPTZ,
			revoked BOOLEAN NOT NULL DEFAULT FALSE
		)`,
	}
	for _, stmt := range statements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *PostgresStore) CreateJob(ctx context.Context, job *Job) error {
	params, err := json.Marshal(job.Parameters)
	if err != nil {
		return fmt.Errorf("encoding job parameters: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO migration_jobs
			(id, type, status, source_env, target_env, created_at, started_at,
			 completed_at, error, progress, step, total_records,
			 processed_records, total_files, processed_files, archive_path,
			 checkpoint_id, parameters)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)`,
		job.ID, job.Type, job.Status, job.SourceEnv, job.TargetEnv, job.CreatedAt,
		job.StartedAt, job.CompletedAt, job.Error, job.Progress, job.Step,
		job.TotalRecords, job.ProcessedRecords, job.TotalFiles,
		job.ProcessedFiles, job.ArchivePath, job.CheckpointID, params)
	if err != nil {
		return fmt.Errorf("inserting job %s: %w", job.ID, err)
	}
	return nil
}

func (s *PostgresStore) UpdateJob(ctx context.Context, job *Job) error {
	params, err := json.Marshal(job.Parameters)
	if err != nil {
		return fmt.Errorf("encoding job parameters: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE migration_jobs SET
			status=$2, started_at=$3, completed_at=$4, error=$5, progress=$6,
			step=$7, total_records=$8, processed_records=$9, total_files=$10,
			processed_files=$11, archive_path=$12, checkpoint_id=$13,
			parameters=$14
		WHERE id=$1`,
		job.ID, job.Status, job.StartedAt, job.CompletedAt, job.Error,
		job.Progress, job.Step, job.TotalRecords, job.ProcessedRecords,
		job.TotalFiles, job.ProcessedFiles, job.ArchivePath,
		job.CheckpointID, params)
	if err != nil {
		return fmt.Errorf("updating job %s: %w", job.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) GetJob(ctx context.Context, id string) (*Job, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, type, status, source_env, target_env, created_at, started_at,
		       completed_at, error, progress, step, total_records,
		       processed_records, total_files, processed_files, archive_path,
		       checkpoint_id, parameters
		FROM migration_jobs WHERE id=$1`, id)
	return scanJob(row)
}

func (s *PostgresStore) ListJobs(ctx context.Context, limit int) ([]*Job, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, type, status, source_env, target_env, created_at, started_at,
		       completed_at, error, progress, step, total_records,
		       processed_records, total_files, processed_files, archive_path,
		       checkpoint_id, parameters
		FROM migration_jobs ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	var job Job
	var params []byte
	err := row.Scan(&job.ID, &job.Type, &job.Status, &job.SourceEnv, &job.TargetEnv,
		&job.CreatedAt, &job.StartedAt, &job.CompletedAt, &job.Error,
		&job.Progress, &job.Step, &job.TotalRecords, &job.ProcessedRecords,
		&job.TotalFiles, &job.ProcessedFiles, &job.ArchivePath,
		&job.CheckpointID, &params)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning job: %w", err)
	}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &job.Parameters); err != nil {
			return nil, fmt.Errorf("decoding job parameters: %w", err)
		}
	}
	return &job, nil
}

func (s *PostgresStore) AppendEntries(ctx context.Context, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, e := range entries {
		details, err := json.Marshal(e.Details)
		if err != nil {
			return fmt.Errorf("encoding log details: %w", err)
		}
		batch.Queue(`
			INSERT INTO migration_logs (job_id, ts, level, message, details)
			VALUES ($1,$2,$3,$4,$5)`,
			e.JobID, e.Timestamp, e.Level, e.Message, details)
	}
	results := s.pool.SendBatch(ctx, batch)
	defer results.Close()
	for range entries {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("inserting log entries: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) ListEntries(ctx context.Context, jobID string) ([]Entry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT job_id, ts, level, message, details
		FROM migration_logs WHERE job_id=$1 ORDER BY ts, id`, jobID)
	if err != nil {
		return nil, fmt.Errorf("listing log entries: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var details []byte
		if err := rows.Scan(&e.JobID, &e.Timestamp, &e.Level, &e.Message, &details); err != nil {
			return nil, fmt.Errorf("scanning log entry: %w", err)
		}
		if len(details) > 0 {
			if err := json.Unmarshal(details, &e.Details); err != nil {
				return nil, fmt.Errorf("decoding log details: %w", err)
			}
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *PostgresStore) CreateCheckpoint(ctx context.Context, cp *Checkpoint) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO migration_checkpoints
			(id, name, description, environment, archive_path, created_at,
			 expires_at, valid, used, used_at, size, total_kinds,
			 total_records, total_files, database_version)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`,
		cp.ID, cp.Name, cp.Description, cp.Environment, cp.ArchivePath,
		cp.CreatedAt, cp.ExpiresAt, cp.Valid, cp.Used, cp.UsedAt, cp.Size,
		cp.TotalKinds, cp.TotalRecords, cp.TotalFiles, cp.DatabaseVersion)
	if err != nil {
		return fmt.Errorf("inserting checkpoint %s: %w", cp.ID, err)
	}
	return nil
}

func (s *PostgresStore) UpdateCheckpoint(ctx context.Context, cp *Checkpoint) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE migration_checkpoints SET used=$2, used_at=$3, expires_at=$4, valid=$5 WHERE id=$1`,
		cp.ID, cp.Used, cp.UsedAt, cp.ExpiresAt, cp.Valid)
	if err != nil {
		return fmt.Errorf("updating checkpoint %s: %w", cp.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) GetCheckpoint(ctx context.Context, id string) (*Checkpoint, error) {
	var cp Checkpoint
	err := s.pool.QueryRow(ctx, `
		SELECT id, name, description, environment, archive_path, created_at,
		       expires_at, valid, used, used_at, size, total_kinds,
		       total_records, total_files, database_version
		FROM migration_checkpoints WHERE id=$1`, id).
		Scan(&cp.ID, &cp.Name, &cp.Description, &cp.Environment, &cp.ArchivePath,
			&cp.CreatedAt, &cp.ExpiresAt, &cp.Valid, &cp.Used, &cp.UsedAt,
			&cp.Size, &cp.TotalKinds, &cp.TotalRecords, &cp.TotalFiles,
			&cp.DatabaseVersion)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning checkpoint: %w", err)
	}
	return &cp, nil
}

func (s *PostgresStore) ListCheckpoints(ctx context.Context) ([]*Checkpoint, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, name, description, environment, archive_path, created_at,
		       expires_at, valid, used, used_at, size, total_kinds,
		       total_records, total_files, database_version
		FROM migration_checkpoints ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("listing checkpoints: %w", err)
	}
	defer rows.Close()

	var out []*Checkpoint
	for rows.Next() {
		var cp Checkpoint
		if err := rows.Scan(&cp.ID, &cp.Name, &cp.Description, &cp.Environment,
			&cp.ArchivePath, &cp.CreatedAt, &cp.ExpiresAt, &cp.Valid, &cp.Used,
			&cp.UsedAt, &cp.Size, &cp.TotalKinds, &cp.TotalRecords,
			&cp.TotalFiles, &cp.DatabaseVersion); err != nil {
			return nil, fmt.Errorf("scanning checkpoint: %w", err)
		}
		out = append(out, &cp)
	}
	return out, rows.Err()
}

func (s *PostgresStore) CreateToken(ctx context.Context, tok *Token) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO migration_tokens
			(value, name, description, permissions, single_use, use_count,
			 created_at, expires_at, last_used_at, revoked)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		tok.Value, tok.Name, tok.Description, tok.Permissions, tok.SingleUse,
		tok.UseCount, tok.CreatedAt, tok.ExpiresAt, tok.LastUsedAt, tok.Revoked)
	if err != nil {
		return fmt.Errorf("inserting token %s: %w", tok.Name, err)
	}
	return nil
}

func (s *PostgresStore) UpdateToken(ctx context.Context, tok *Token) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE migration_tokens SET last_used_at=$2, revoked=$3, expires_at=$4, use_count=$5 WHERE value=$1`,
		tok.Value, tok.LastUsedAt, tok.Revoked, tok.ExpiresAt, tok.UseCount)
	if err != nil {
		return fmt.Errorf("updating token %s: %w", tok.Name, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) GetToken(ctx context.Context, value string) (*Token, error) {
	var tok Token
	err := s.pool.QueryRow(ctx, `
		SELECT value, name, description, permissions, single_use, use_count,
		       created_at, expires_at, last_used_at, revoked
		FROM migration_tokens WHERE value=$1`, value).
		Scan(&tok.Value, &tok.Name, &tok.Description, &tok.Permissions,
			&tok.SingleUse, &tok.UseCount, &tok.CreatedAt, &tok.ExpiresAt,
			&tok.LastUsedAt, &tok.Revoked)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning token: %w", err)
	}
	return &tok, nil
}

func (s *PostgresStore) ListTokens(ctx context.Context) ([]*Token, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT value, name, description, permissions, single_use, use_count,
		       created_at, expires_at, last_used_at, revoked
		FROM migration_tokens ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("listing tokens: %w", err)
	}
	defer rows.Close()

	var out []*Token
	for rows.Next() {
		var tok Token
		if err := rows.Scan(&tok.Value, &tok.Name, &tok.Description,
			&tok.Permissions, &tok.SingleUse, &tok.UseCount, &tok.CreatedAt,
			&tok.ExpiresAt, &tok.LastUsedAt, &tok.Revoked); err != nil {
			return nil, fmt.Errorf("scanning token: %w", err)
		}
		out = append(out, &tok)
	}
	return out, rows.Err()
}
