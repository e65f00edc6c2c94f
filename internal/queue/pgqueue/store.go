// Package pgqueue is a concrete, Postgres-backed implementation of the
// external job queue contract: enqueue, poll-claim workers dispatch
// an HTTP request per job, a reaper rescues stale claims, and completions
// fan out in-process to whatever Completion Router subscribed.
package pgqueue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ErlanBelekov/scheduling-core/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type rowScanner interface {
	Scan(dest ...any) error
}

type jobStore struct {
	pool *pgxpool.Pool
}

const jobColumns = `
	id, type, payload, priority, max_retries, execution_mode, reference_type, reference_id,
	status, result, cancel_reason, retry_count,
	claimed_at, claimed_by, heartbeat_at, completed_at, last_error, created_at, updated_at`

func (s *jobStore) create(ctx context.Context, in domain.EnqueueInput) (*domain.Job, error) {
	query := `
		INSERT INTO queue_jobs (
			type, payload, priority, max_retries, execution_mode, reference_type, reference_id, status, available_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,'pending',NOW())
		RETURNING ` + jobColumns

	row := s.pool.QueryRow(ctx, query, in.Type, in.Payload, in.Priority, in.MaxRetries, in.ExecutionMode, in.ReferenceType, in.ReferenceID)
	job, err := scanJob(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, domain.ErrDuplicateJob
		}
		return nil, err
	}
	return job, nil
}

func (s *jobStore) getByID(ctx context.Context, id string) (*domain.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM queue_jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if errors.Is(err, domain.ErrJobNotFound) {
		return nil, nil // purged
	}
	return job, err
}

// claim is the worker pool's FOR UPDATE SKIP LOCKED batch claim.
func (s *jobStore) claim(ctx context.Context, workerID string, limit int) ([]*domain.Job, error) {
	query := `
		UPDATE queue_jobs
		SET    status       = 'running',
		       claimed_at    = NOW(),
		       claimed_by    = $1,
		       heartbeat_at  = NOW(),
		       updated_at    = NOW()
		WHERE id IN (
			SELECT id FROM queue_jobs
			WHERE  status = 'pending' AND available_at <= NOW()
			ORDER BY priority DESC, created_at ASC
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + jobColumns

	rows, err := s.pool.Query(ctx, query, workerID, limit)
	if err != nil {
		return nil, fmt.Errorf("claim jobs: %w", err)
	}
	defer rows.Close()
	return scanJobs(rows)
}

func (s *jobStore) heartbeat(ctx context.Context, jobID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE queue_jobs SET heartbeat_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status = 'running'`, jobID)
	return err
}

func (s *jobStore) complete(ctx context.Context, jobID string, result []byte) (*domain.Job, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE queue_jobs SET status = 'completed', result = $2, completed_at = NOW(), updated_at = NOW()
		WHERE id = $1
		RETURNING `+jobColumns, jobID, result)
	return scanJob(row)
}

func (s *jobStore) fail(ctx context.Context, jobID string, lastErr string) (*domain.Job, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE queue_jobs SET status = 'failed', last_error = $2, updated_at = NOW()
		WHERE id = $1
		RETURNING `+jobColumns, jobID, lastErr)
	return scanJob(row)
}

func (s *jobStore) cancel(ctx context.Context, jobID, reason string) (*domain.Job, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE queue_jobs SET status = 'cancelled', cancel_reason = $2, completed_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status NOT IN ('completed', 'failed', 'cancelled')
		RETURNING `+jobColumns, jobID, reason)
	job, err := scanJob(row)
	if errors.Is(err, domain.ErrJobNotFound) {
		return nil, nil // already terminal, cancel is a no-op
	}
	return job, err
}

func (s *jobStore) reschedule(ctx context.Context, jobID, lastErr string, delay time.Duration) (*domain.Job, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE queue_jobs
		SET    status       = 'pending',
		       retry_count  = retry_count + 1,
		       last_error   = $2,
		       claimed_at   = NULL,
		       claimed_by   = NULL,
		       heartbeat_at = NULL,
		       available_at = NOW() + $3,
		       updated_at   = NOW()
		WHERE id = $1
		RETURNING `+jobColumns, jobID, lastErr, delay)
	return scanJob(row)
}

// rescueStale moves jobs whose heartbeat is older than cutoff back to
// pending if retries remain, or fails them permanently otherwise.
func (s *jobStore) rescueStale(ctx context.Context, cutoff time.Time, limit int) (rescheduled, failed []*domain.Job, err error) {
	rows, err := s.pool.Query(ctx, `
		UPDATE queue_jobs
		SET    status       = 'pending',
		       retry_count  = retry_count + 1,
		       last_error   = 'worker heartbeat timeout',
		       claimed_at   = NULL,
		       claimed_by   = NULL,
		       heartbeat_at = NULL,
		       updated_at   = NOW()
		WHERE id IN (
			SELECT id FROM queue_jobs
			WHERE  status       = 'running'
			  AND  heartbeat_at < $1
			  AND  retry_count  < max_retries
			ORDER BY heartbeat_at ASC
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+jobColumns, cutoff, limit)
	if err != nil {
		return nil, nil, fmt.Errorf("rescue stale (reschedule): %w", err)
	}
	rescheduled, err = scanJobs(rows)
	rows.Close()
	if err != nil {
		return nil, nil, err
	}

	rows, err = s.pool.Query(ctx, `
		UPDATE queue_jobs
		SET    status      = 'failed',
		       last_error  = 'worker heartbeat timeout: max retries exceeded',
		       updated_at  = NOW()
		WHERE id IN (
			SELECT id FROM queue_jobs
			WHERE  status       = 'running'
			  AND  heartbeat_at < $1
			  AND  retry_count  >= max_retries
			ORDER BY heartbeat_at ASC
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+jobColumns, cutoff, limit)
	if err != nil {
		return rescheduled, nil, fmt.Errorf("rescue stale (fail): %w", err)
	}
	defer rows.Close()
	failed, err = scanJobs(rows)
	return rescheduled, failed, err
}

func scanJob(row rowScanner) (*domain.Job, error) {
	var j domain.Job
	err := row.Scan(
		&j.ID, &j.Type, &j.Payload, &j.Priority, &j.MaxRetries, &j.ExecutionMode, &j.ReferenceType, &j.ReferenceID,
		&j.Status, &j.Result, &j.CancelReason, &j.RetryCount,
		&j.ClaimedAt, &j.ClaimedBy, &j.HeartbeatAt, &j.CompletedAt, &j.LastError, &j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrJobNotFound
		}
		return nil, fmt.Errorf("scan job: %w", err)
	}
	return &j, nil
}

func scanJobs(rows pgx.Rows) ([]*domain.Job, error) {
	var out []*domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return out, nil
}
