package store

import (
	"context"
	"time"

	"github.com/ErlanBelekov/scheduling-core/internal/domain"
)

// TaskStore is the shared contract for the in-memory and persisted
// implementations. Claim is the only correct idle->running transition —
// nothing else in this interface may move a row into "running".
type TaskStore interface {
	Create(ctx context.Context, draft domain.TaskDraft) (*domain.Task, error)
	GetByName(ctx context.Context, name string) (*domain.Task, error)
	GetByID(ctx context.Context, id string) (*domain.Task, error)
	GetAll(ctx context.Context) ([]*domain.Task, error)
	GetDueBefore(ctx context.Context, t time.Time) ([]*domain.Task, error)
	Update(ctx context.Context, name string, patch TaskPatch) (*domain.Task, error)
	Delete(ctx context.Context, name string) (bool, error)

	// Claim atomically transitions idle -> running, stamping runStartedAt
	// and (persisted stores) processInstanceId. Returns nil, nil if the
	// row was not idle — never an error, since "already running" is an
	// expected race, not a failure.
	Claim(ctx context.Context, name string, now time.Time, instanceID string) (*domain.Task, error)

	// MarkIdle writes the outcome of a claimed run and clears
	// runStartedAt/processInstanceId.
	MarkIdle(ctx context.Context, name string, outcome domain.TaskRunOutcome, now time.Time) (*domain.Task, error)

	// FindOrphaned returns persisted rows left running by a prior process
	// instance.
	FindOrphaned(ctx context.Context, currentInstanceID string) ([]*domain.Task, error)

	// FindStuck returns running rows whose runStartedAt predates now by
	// more than timeout.
	FindStuck(ctx context.Context, now time.Time, timeout time.Duration) ([]*domain.Task, error)

	// ResetTask forces a row back to idle, clearing run fields. Used by
	// both stuck reconciliation and orphan reset.
	ResetTask(ctx context.Context, name string) (*domain.Task, error)
}

// TaskPatch is a partial update over Task's mutable fields, following the
// same explicit-presence shape as SchedulePatch.
type TaskPatch struct {
	Enabled      bool
	EnabledValue bool

	IntervalSeconds      bool
	IntervalSecondsValue int64

	Payload      bool
	PayloadValue []byte

	MaxConsecutiveFailures      bool
	MaxConsecutiveFailuresValue int
}
