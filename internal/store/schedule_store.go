// Package store defines the scheduling core's persistence contracts — the
// Schedule Store and the Task Store. Concrete implementations live in subpackages: memory (in-process,
// synthetic ids) and postgres.
package store

import (
	"context"
	"time"

	"github.com/ErlanBelekov/scheduling-core/internal/domain"
)

// ScheduleStore is the persistence contract for schedules. The memory
// implementation serialises every method, reads included, behind one
// mutex; the postgres implementation relies on single-statement
// atomicity, and its RecordCompletion also locks the row inside a
// transaction.
type ScheduleStore interface {
	Create(ctx context.Context, draft domain.ScheduleDraft) (*domain.Schedule, error)
	GetByName(ctx context.Context, name string) (*domain.Schedule, error)
	GetByID(ctx context.Context, id string) (*domain.Schedule, error)
	GetAll(ctx context.Context) ([]*domain.Schedule, error)
	GetDueBefore(ctx context.Context, t time.Time) ([]*domain.Schedule, error)
	Update(ctx context.Context, name string, patch domain.SchedulePatch) (*domain.Schedule, error)
	Delete(ctx context.Context, name string) (bool, error)

	// SetStatus performs a direct status write outside the patch shape —
	// used by the engine's own state-machine transitions (pause/resume/
	// complete/error), which are not general-purpose field patches.
	SetStatus(ctx context.Context, name string, status domain.ScheduleStatus, nextRunAt *time.Time) (*domain.Schedule, error)

	// SetActiveJobID records or clears the in-flight job id for name. Used
	// by the engine on firing; on resolution the id is cleared through
	// RecordCompletion instead.
	SetActiveJobID(ctx context.Context, name string, jobID *string) (*domain.Schedule, error)

	// RecordTrigger stamps lastTriggeredAt and writes nextRunAt in the same
	// write: the next firing time for concurrent_interval, nil for the
	// other types.
	RecordTrigger(ctx context.Context, name string, triggeredAt time.Time, nextRunAt *time.Time) (*domain.Schedule, error)

	// RecordCompletion applies per-event effects atomically:
	// activeJobId clear, consecutiveFailures reset/increment, status and
	// nextRunAt transition, lastCompletedAt stamp.
	RecordCompletion(ctx context.Context, name string, fn func(*domain.Schedule) CompletionEffect) (*domain.Schedule, error)

	// DeleteEphemeral removes every row with isPersistent = false. Used
	// once at startup.
	DeleteEphemeral(ctx context.Context) (int, error)

	// WithActiveJob returns every schedule whose activeJobId is set. Used
	// by the Recovery Coordinator and the poll-variant
	// Completion Router.
	WithActiveJob(ctx context.Context) ([]*domain.Schedule, error)
}

// CompletionEffect is what RecordCompletion's callback computes from the
// pre-image; the store applies it as one write.
type CompletionEffect struct {
	Status              domain.ScheduleStatus
	NextRunAt           *time.Time
	ConsecutiveFailures int
	LastError           *string
	ClearActiveJobID    bool
	SetLastCompletedAt  bool
	CompletedAt         time.Time
}
