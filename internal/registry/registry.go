// Package registry holds the process-wide mapping from task-type string to
// handler descriptor. Population happens before Start() but additional
// registrations are permitted while the Task Engine is running.
package registry

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ErlanBelekov/scheduling-core/internal/domain"
)

var ErrDuplicateHandler = errors.New("handler already registered for type")

// RunResult is what a handler's Run returns: the outcome written back via
// markIdle, once the Task Engine has applied its own retry/disable logic.
type RunResult struct {
	Success   bool
	Error     string
	Result    []byte
	NextRunAt *time.Time
}

// Descriptor is everything the Task Engine needs to execute one task type.
type Descriptor struct {
	Run func(ctx context.Context, task *domain.Task) (RunResult, error)

	// ShouldRun is an optional precondition; if it returns false the run
	// is skipped but the schedule still advances.
	ShouldRun func(task *domain.Task) bool

	// TimeoutMs, if zero, falls back to the engine's default timeout.
	TimeoutMs int64

	// MaxConsecutiveFailures, if non-zero, is the threshold RegisterTask
	// gives a task of this type whose draft sets none. It is read only at
	// registration; a task row keeps the threshold it was created with.
	MaxConsecutiveFailures int
}

// Registry is single-process state guarded by a read-mostly lock: reads
// (the common case, once per due task per poll tick) are frequent; writes
// (registration) are rare and mostly happen before Start().
type Registry struct {
	mu   sync.RWMutex
	descs map[string]Descriptor
}

func New() *Registry {
	return &Registry{descs: make(map[string]Descriptor)}
}

func (r *Registry) Register(taskType string, d Descriptor) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.descs[taskType]; ok {
		return ErrDuplicateHandler
	}
	r.descs[taskType] = d
	return nil
}

// Unregister is idempotent: removing an absent type is not an error.
func (r *Registry) Unregister(taskType string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.descs, taskType)
}

func (r *Registry) Has(taskType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.descs[taskType]
	return ok
}

func (r *Registry) Get(taskType string) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.descs[taskType]
	return d, ok
}
