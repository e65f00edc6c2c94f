package completion

import (
	"context"
	"log/slog"
	"time"

	"github.com/ErlanBelekov/scheduling-core/internal/domain"
	"github.com/ErlanBelekov/scheduling-core/internal/queue"
	"github.com/ErlanBelekov/scheduling-core/internal/store"
)

// PollRouter is a second recurring timer that scans every schedule
// with activeJobId set, fetches its job, and acts on any terminal status.
// It must produce exactly the same transitions as PushRouter, since both
// funnel through ScheduleCompletionHandler.HandleCompletion.
type PollRouter struct {
	store    store.ScheduleStore
	q        queue.Queue
	handler  ScheduleCompletionHandler
	logger   *slog.Logger
	interval time.Duration

	stopCh chan struct{}
	doneCh chan struct{}
}

func NewPollRouter(s store.ScheduleStore, q queue.Queue, handler ScheduleCompletionHandler, logger *slog.Logger, interval time.Duration) *PollRouter {
	return &PollRouter{
		store:    s,
		q:        q,
		handler:  handler,
		logger:   logger.With("component", "completion_router_poll"),
		interval: interval,
	}
}

func (r *PollRouter) Start(ctx context.Context) {
	r.stopCh = make(chan struct{})
	r.doneCh = make(chan struct{})
	go r.loop(ctx)
}

func (r *PollRouter) Stop() {
	if r.stopCh == nil {
		return
	}
	close(r.stopCh)
	<-r.doneCh
}

func (r *PollRouter) loop(ctx context.Context) {
	defer close(r.doneCh)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.tick(ctx)
		}
	}
}

func (r *PollRouter) tick(ctx context.Context) {
	withJob, err := r.store.WithActiveJob(ctx)
	if err != nil {
		r.logger.Error("list schedules with active job", "error", err)
		return
	}

	for _, sched := range withJob {
		if sched.ActiveJobID == nil {
			continue
		}
		job, err := r.q.GetJob(ctx, *sched.ActiveJobID)
		if err != nil {
			r.logger.Error("get job", "schedule", sched.Name, "job", *sched.ActiveJobID, "error", err)
			continue
		}
		if job == nil || !job.Status.Terminal() {
			continue
		}

		event := domain.CompletionEvent{Type: string(job.Status), Job: job}
		if err := r.handler.HandleCompletion(ctx, sched.Name, event); err != nil {
			r.logger.Error("handle completion", "schedule", sched.Name, "error", err)
		}
	}
}
