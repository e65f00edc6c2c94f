// Package postgres implements the Schedule and Task Store contracts on
// top of pgx: row scanning helpers and a pgconn.PgError 23505 -> domain
// duplicate-name sentinel mapping. It is the production storage engine
// behind the contract.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ErlanBelekov/scheduling-core/internal/domain"
	"github.com/ErlanBelekov/scheduling-core/internal/store"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type ScheduleStore struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

func NewScheduleStore(pool *pgxpool.Pool, logger *slog.Logger) *ScheduleStore {
	return &ScheduleStore{pool: pool, logger: logger.With("component", "schedule_store")}
}

const scheduleColumns = `
	id, name, description, type, status, is_persistent,
	next_run_at, interval_ms,
	job_type, job_payload, job_priority, job_max_retries, job_execution_mode,
	job_reference_type, job_reference_id,
	active_job_id, consecutive_failures, max_consecutive_failures, last_error,
	created_at, updated_at, last_triggered_at, last_completed_at`

func (s *ScheduleStore) Create(ctx context.Context, draft domain.ScheduleDraft) (*domain.Schedule, error) {
	maxFailures := draft.MaxConsecutiveFailures
	if maxFailures <= 0 {
		maxFailures = domain.DefaultMaxConsecutiveFailures
	}

	query := `
		INSERT INTO schedules (
			name, description, type, status, is_persistent, next_run_at, interval_ms,
			job_type, job_payload, job_priority, job_max_retries, job_execution_mode,
			job_reference_type, job_reference_id, max_consecutive_failures
		) VALUES ($1,$2,$3,'active',$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
		RETURNING ` + scheduleColumns

	row := s.pool.QueryRow(ctx, query,
		draft.Name, draft.Description, draft.Type, draft.IsPersistent, draft.NextRunAt, draft.IntervalMs,
		draft.JobType, draft.JobPayload, draft.JobPriority, draft.JobMaxRetries, draft.JobExecutionMode,
		draft.JobReferenceType, draft.JobReferenceID, maxFailures,
	)

	sched, err := scanSchedule(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, domain.ErrDuplicateName
		}
		return nil, err
	}
	return sched, nil
}

func (s *ScheduleStore) GetByName(ctx context.Context, name string) (*domain.Schedule, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+scheduleColumns+` FROM schedules WHERE name = $1`, name)
	return scanSchedule(row)
}

func (s *ScheduleStore) GetByID(ctx context.Context, id string) (*domain.Schedule, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+scheduleColumns+` FROM schedules WHERE id = $1`, id)
	return scanSchedule(row)
}

func (s *ScheduleStore) GetAll(ctx context.Context) ([]*domain.Schedule, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+scheduleColumns+` FROM schedules ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("list schedules: %w", err)
	}
	defer rows.Close()
	return scanSchedules(rows)
}

func (s *ScheduleStore) GetDueBefore(ctx context.Context, t time.Time) ([]*domain.Schedule, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+scheduleColumns+` FROM schedules
		WHERE status = 'active' AND next_run_at IS NOT NULL AND next_run_at <= $1
		ORDER BY next_run_at ASC, id ASC`, t)
	if err != nil {
		return nil, fmt.Errorf("get due schedules: %w", err)
	}
	defer rows.Close()
	return scanSchedules(rows)
}

// Update applies patch as a COALESCE-style partial update: columns not
// present in the patch keep their stored value, columns present with a
// nil pointer value are explicitly nulled.
func (s *ScheduleStore) Update(ctx context.Context, name string, patch domain.SchedulePatch) (*domain.Schedule, error) {
	if patch.IntervalMs {
		current, err := s.GetByName(ctx, name)
		if err != nil {
			return nil, err
		}
		if !current.Type.IsInterval() {
			return nil, domain.ErrIntervalNotAllowed
		}
		if current.ActiveJobID == nil {
			switch patch.NextRunAtResolution {
			case domain.NextRunAtExplicit:
				patch.NextRunAt = true
			case domain.NextRunAtPreserve:
				patch.NextRunAt = false
			default:
				next := time.Now().Add(time.Duration(patch.IntervalMsValue) * time.Millisecond)
				patch.NextRunAt = true
				patch.NextRunAtValue = &next
			}
		} else {
			patch.NextRunAt = false
		}
	}

	query := `
		UPDATE schedules SET
			description               = CASE WHEN $2 THEN $3 ELSE description END,
			interval_ms               = CASE WHEN $4 THEN $5 ELSE interval_ms END,
			next_run_at               = CASE WHEN $6 THEN $7 ELSE next_run_at END,
			job_type                  = CASE WHEN $8 THEN $9 ELSE job_type END,
			job_payload               = CASE WHEN $10 THEN $11 ELSE job_payload END,
			job_priority              = CASE WHEN $12 THEN $13 ELSE job_priority END,
			job_max_retries           = CASE WHEN $14 THEN $15 ELSE job_max_retries END,
			job_execution_mode        = CASE WHEN $16 THEN $17 ELSE job_execution_mode END,
			max_consecutive_failures  = CASE WHEN $18 THEN $19 ELSE max_consecutive_failures END,
			updated_at                = NOW()
		WHERE name = $1
		RETURNING ` + scheduleColumns

	row := s.pool.QueryRow(ctx, query, name,
		patch.Description, patch.DescriptionValue,
		patch.IntervalMs, patch.IntervalMsValue,
		patch.NextRunAt, patch.NextRunAtValue,
		patch.JobType, patch.JobTypeValue,
		patch.JobPayload, patch.JobPayloadValue,
		patch.JobPriority, patch.JobPriorityValue,
		patch.JobMaxRetries, patch.JobMaxRetriesValue,
		patch.JobExecutionMode, patch.JobExecutionModeValue,
		patch.MaxConsecutiveFailures, patch.MaxConsecutiveFailuresValue,
	)
	return scanSchedule(row)
}

func (s *ScheduleStore) Delete(ctx context.Context, name string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM schedules WHERE name = $1`, name)
	if err != nil {
		return false, fmt.Errorf("delete schedule: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *ScheduleStore) SetStatus(ctx context.Context, name string, status domain.ScheduleStatus, nextRunAt *time.Time) (*domain.Schedule, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE schedules SET status = $2, next_run_at = $3, updated_at = NOW()
		WHERE name = $1
		RETURNING `+scheduleColumns, name, status, nextRunAt)
	return scanSchedule(row)
}

func (s *ScheduleStore) SetActiveJobID(ctx context.Context, name string, jobID *string) (*domain.Schedule, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE schedules SET active_job_id = $2, updated_at = NOW()
		WHERE name = $1
		RETURNING `+scheduleColumns, name, jobID)
	return scanSchedule(row)
}

func (s *ScheduleStore) RecordTrigger(ctx context.Context, name string, triggeredAt time.Time, nextRunAt *time.Time) (*domain.Schedule, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE schedules SET last_triggered_at = $2, next_run_at = $3, updated_at = $2
		WHERE name = $1
		RETURNING `+scheduleColumns, name, triggeredAt, nextRunAt)
	return scanSchedule(row)
}

// RecordCompletion reads the pre-image, asks fn for the effect, then
// writes it — all inside one transaction so a concurrent delete/reset
// between read and write fails the write instead of resurrecting the row.
func (s *ScheduleStore) RecordCompletion(ctx context.Context, name string, fn func(*domain.Schedule) store.CompletionEffect) (*domain.Schedule, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	row := tx.QueryRow(ctx, `SELECT `+scheduleColumns+` FROM schedules WHERE name = $1 FOR UPDATE`, name)
	pre, err := scanSchedule(row)
	if err != nil {
		return nil, err
	}

	effect := fn(pre)

	query := `
		UPDATE schedules SET
			status = $2, next_run_at = $3, consecutive_failures = $4, last_error = $5,
			active_job_id = CASE WHEN $6 THEN NULL ELSE active_job_id END,
			last_completed_at = CASE WHEN $7 THEN $8 ELSE last_completed_at END,
			updated_at = NOW()
		WHERE name = $1
		RETURNING ` + scheduleColumns

	row = tx.QueryRow(ctx, query, name,
		effect.Status, effect.NextRunAt, effect.ConsecutiveFailures, effect.LastError,
		effect.ClearActiveJobID, effect.SetLastCompletedAt, effect.CompletedAt,
	)
	updated, err := scanSchedule(row)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}
	return updated, nil
}

func (s *ScheduleStore) DeleteEphemeral(ctx context.Context) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM schedules WHERE is_persistent = false`)
	if err != nil {
		return 0, fmt.Errorf("delete ephemeral schedules: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *ScheduleStore) WithActiveJob(ctx context.Context) ([]*domain.Schedule, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+scheduleColumns+` FROM schedules WHERE active_job_id IS NOT NULL`)
	if err != nil {
		return nil, fmt.Errorf("list active-job schedules: %w", err)
	}
	defer rows.Close()
	return scanSchedules(rows)
}

func scanSchedule(row rowScanner) (*domain.Schedule, error) {
	var sched domain.Schedule
	var payload []byte
	err := row.Scan(
		&sched.ID, &sched.Name, &sched.Description, &sched.Type, &sched.Status, &sched.IsPersistent,
		&sched.NextRunAt, &sched.IntervalMs,
		&sched.JobType, &payload, &sched.JobPriority, &sched.JobMaxRetries, &sched.JobExecutionMode,
		&sched.JobReferenceType, &sched.JobReferenceID,
		&sched.ActiveJobID, &sched.ConsecutiveFailures, &sched.MaxConsecutiveFailures, &sched.LastError,
		&sched.CreatedAt, &sched.UpdatedAt, &sched.LastTriggeredAt, &sched.LastCompletedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrScheduleNotFound
		}
		return nil, fmt.Errorf("scan schedule: %w", err)
	}
	sched.JobPayload = payload
	// Malformed job_payload JSON is a best-effort internal error:
	// log and keep the raw bytes rather than failing the whole read.
	if len(payload) > 0 && !json.Valid(payload) {
		slog.Warn("malformed job_payload JSON, keeping raw bytes", "schedule", sched.Name)
	}
	return &sched, nil
}

func scanSchedules(rows pgx.Rows) ([]*domain.Schedule, error) {
	var out []*domain.Schedule
	for rows.Next() {
		sched, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sched)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate schedules: %w", err)
	}
	return out, nil
}
