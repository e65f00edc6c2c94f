package completion

import (
	"context"
	"log/slog"
	"sync"

	"github.com/ErlanBelekov/scheduling-core/internal/domain"
	"github.com/ErlanBelekov/scheduling-core/internal/queue"
	"github.com/ErlanBelekov/scheduling-core/internal/store"
)

// ScheduleCompletionHandler is the one state-transition function both
// router variants call, implemented by scheduleengine.Engine.
type ScheduleCompletionHandler interface {
	HandleCompletion(ctx context.Context, scheduleName string, event domain.CompletionEvent) error
}

// PushRouter subscribes per activeJobId to the queue's completion stream.
// On startup it re-subscribes to every surviving in-flight job, healing
// subscriptions lost across a restart — the recovery.Resubscriber
// contract.
type PushRouter struct {
	store   store.ScheduleStore
	q       queue.Queue
	handler ScheduleCompletionHandler
	logger  *slog.Logger

	mu            sync.Mutex
	unsubscribers map[string]func() // jobID -> unsubscribe
}

func NewPushRouter(s store.ScheduleStore, q queue.Queue, handler ScheduleCompletionHandler, logger *slog.Logger) *PushRouter {
	return &PushRouter{
		store:         s,
		q:             q,
		handler:       handler,
		logger:        logger.With("component", "completion_router_push"),
		unsubscribers: make(map[string]func()),
	}
}

// Start, for the push variant, is a no-op beyond what Resubscribe already
// did during recovery: new subscriptions are created as each schedule
// fires (see scheduleengine's Engine, which calls Subscribe through this
// router after every enqueue that sets activeJobId).
func (r *PushRouter) Start(context.Context) {}

func (r *PushRouter) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, unsub := range r.unsubscribers {
		unsub()
	}
	r.unsubscribers = make(map[string]func())
}

// Resubscribe implements recovery.Resubscriber: restore a subscription
// for a job that was in-flight when the prior process instance died.
func (r *PushRouter) Resubscribe(ctx context.Context, scheduleName, jobID string) error {
	return r.subscribe(ctx, scheduleName, jobID)
}

// Subscribe is called by the Schedule Engine immediately after enqueuing
// a job for a schedule that now waits on completion.
func (r *PushRouter) Subscribe(ctx context.Context, scheduleName, jobID string) error {
	return r.subscribe(ctx, scheduleName, jobID)
}

func (r *PushRouter) subscribe(ctx context.Context, scheduleName, jobID string) error {
	unsub, err := r.q.SubscribeToCompletion(ctx, jobID, func(event domain.CompletionEvent) {
		r.mu.Lock()
		delete(r.unsubscribers, jobID)
		r.mu.Unlock()

		if err := r.handler.HandleCompletion(ctx, scheduleName, event); err != nil {
			r.logger.Error("handle completion", "schedule", scheduleName, "job", jobID, "error", err)
		}
	})
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.unsubscribers[jobID] = unsub
	r.mu.Unlock()
	return nil
}
