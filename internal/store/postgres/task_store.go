package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ErlanBelekov/scheduling-core/internal/domain"
	"github.com/ErlanBelekov/scheduling-core/internal/store"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// TaskStore is the persisted variant of the Task Store: tasks whose running state must survive a crash
// and be reconciled by process_instance_id at the next startup.
type TaskStore struct {
	pool *pgxpool.Pool
}

func NewTaskStore(pool *pgxpool.Pool) *TaskStore {
	return &TaskStore{pool: pool}
}

const taskColumns = `
	id, name, type, schedule_type, interval_seconds, scheduled_at, enabled, payload,
	next_run_at, last_run_at, run_started_at, last_error, consecutive_failures,
	max_consecutive_failures, status, process_instance_id`

func (s *TaskStore) Create(ctx context.Context, draft domain.TaskDraft) (*domain.Task, error) {
	maxFailures := draft.MaxConsecutiveFailures
	if maxFailures <= 0 {
		maxFailures = domain.DefaultTaskMaxConsecutiveFailures
	}
	var nextRunAt *time.Time
	if draft.ScheduleType == domain.TaskOneOff {
		nextRunAt = draft.ScheduledAt
	}

	query := `
		INSERT INTO tasks (
			name, type, schedule_type, interval_seconds, scheduled_at, enabled, payload,
			next_run_at, status, max_consecutive_failures
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,'idle',$9)
		RETURNING ` + taskColumns

	row := s.pool.QueryRow(ctx, query,
		draft.Name, draft.Type, draft.ScheduleType, draft.IntervalSeconds, draft.ScheduledAt,
		draft.Enabled, draft.Payload, nextRunAt, maxFailures,
	)
	t, err := scanTask(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, domain.ErrDuplicateName
		}
		return nil, err
	}
	return t, nil
}

func (s *TaskStore) GetByName(ctx context.Context, name string) (*domain.Task, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE name = $1`, name)
	return scanTask(row)
}

func (s *TaskStore) GetByID(ctx context.Context, id string) (*domain.Task, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id)
	return scanTask(row)
}

func (s *TaskStore) GetAll(ctx context.Context) ([]*domain.Task, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+taskColumns+` FROM tasks ORDER BY name ASC`)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

func (s *TaskStore) GetDueBefore(ctx context.Context, t time.Time) ([]*domain.Task, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE status = 'idle' AND enabled AND next_run_at IS NOT NULL AND next_run_at <= $1
		ORDER BY next_run_at ASC, id ASC`, t)
	if err != nil {
		return nil, fmt.Errorf("get due tasks: %w", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

func (s *TaskStore) Update(ctx context.Context, name string, patch store.TaskPatch) (*domain.Task, error) {
	query := `
		UPDATE tasks SET
			enabled                  = CASE WHEN $2 THEN $3 ELSE enabled END,
			interval_seconds         = CASE WHEN $4 THEN $5 ELSE interval_seconds END,
			payload                  = CASE WHEN $6 THEN $7 ELSE payload END,
			max_consecutive_failures = CASE WHEN $8 THEN $9 ELSE max_consecutive_failures END
		WHERE name = $1
		RETURNING ` + taskColumns

	row := s.pool.QueryRow(ctx, query, name,
		patch.Enabled, patch.EnabledValue,
		patch.IntervalSeconds, patch.IntervalSecondsValue,
		patch.Payload, patch.PayloadValue,
		patch.MaxConsecutiveFailures, patch.MaxConsecutiveFailuresValue,
	)
	return scanTask(row)
}

func (s *TaskStore) Delete(ctx context.Context, name string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM tasks WHERE name = $1`, name)
	if err != nil {
		return false, fmt.Errorf("delete task: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// Claim is the atomic conditional update: only rows currently idle
// move to running, and whether a row comes back tells us whether we won
// the race.
func (s *TaskStore) Claim(ctx context.Context, name string, now time.Time, instanceID string) (*domain.Task, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE tasks
		SET status = 'running', run_started_at = $2, process_instance_id = $3
		WHERE name = $1 AND status = 'idle'
		RETURNING `+taskColumns, name, now, instanceID)

	t, err := scanTask(row)
	if err != nil {
		if errors.Is(err, domain.ErrTaskNotFound) {
			return nil, nil // not idle (or absent) - not an error, just lost the race
		}
		return nil, err
	}
	return t, nil
}

func (s *TaskStore) MarkIdle(ctx context.Context, name string, outcome domain.TaskRunOutcome, now time.Time) (*domain.Task, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	row := tx.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE name = $1 FOR UPDATE`, name)
	pre, err := scanTask(row)
	if err != nil {
		return nil, err
	}

	failures := pre.ConsecutiveFailures
	if outcome.Success {
		failures = 0
	} else {
		failures++
	}

	status := domain.TaskStatusIdle
	var nextRunAt *time.Time
	switch {
	case failures >= pre.MaxConsecutiveFailures:
		status = domain.TaskStatusDisabled
	case outcome.NextRunAt != nil:
		nextRunAt = outcome.NextRunAt
	default:
		switch pre.ScheduleType {
		case domain.TaskInterval:
			t := now.Add(time.Duration(pre.IntervalSeconds) * time.Second)
			nextRunAt = &t
		}
	}

	row = tx.QueryRow(ctx, `
		UPDATE tasks SET
			status = $2, next_run_at = $3, last_run_at = $4, run_started_at = NULL,
			process_instance_id = NULL, last_error = $5, consecutive_failures = $6
		WHERE name = $1
		RETURNING `+taskColumns, name, status, nextRunAt, now, outcome.Error, failures)

	updated, err := scanTask(row)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}
	return updated, nil
}

func (s *TaskStore) FindOrphaned(ctx context.Context, currentInstanceID string) ([]*domain.Task, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE status = 'running' AND process_instance_id IS NOT NULL AND process_instance_id != $1`,
		currentInstanceID)
	if err != nil {
		return nil, fmt.Errorf("find orphaned tasks: %w", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

func (s *TaskStore) FindStuck(ctx context.Context, now time.Time, timeout time.Duration) ([]*domain.Task, error) {
	cutoff := now.Add(-timeout)
	rows, err := s.pool.Query(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE status = 'running' AND run_started_at IS NOT NULL AND run_started_at < $1`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("find stuck tasks: %w", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

func (s *TaskStore) ResetTask(ctx context.Context, name string) (*domain.Task, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE tasks SET status = 'idle', run_started_at = NULL, process_instance_id = NULL
		WHERE name = $1
		RETURNING `+taskColumns, name)
	return scanTask(row)
}

func scanTask(row rowScanner) (*domain.Task, error) {
	var t domain.Task
	err := row.Scan(
		&t.ID, &t.Name, &t.Type, &t.ScheduleType, &t.IntervalSeconds, &t.ScheduledAt, &t.Enabled, &t.Payload,
		&t.NextRunAt, &t.LastRunAt, &t.RunStartedAt, &t.LastError, &t.ConsecutiveFailures,
		&t.MaxConsecutiveFailures, &t.Status, &t.ProcessInstanceID,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrTaskNotFound
		}
		return nil, fmt.Errorf("scan task: %w", err)
	}
	t.StorageMode = domain.StoragePersisted
	return &t, nil
}

func scanTasks(rows pgx.Rows) ([]*domain.Task, error) {
	var out []*domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tasks: %w", err)
	}
	return out, nil
}
