package pgqueue

import (
	"context"
	"log/slog"
	"time"

	"github.com/ErlanBelekov/scheduling-core/internal/domain"
	"github.com/ErlanBelekov/scheduling-core/internal/metrics"
)

// reaper rescues jobs whose worker stopped heartbeating: a
// reschedule-or-fail split driven off jobStore.rescueStale.
type reaper struct {
	store            *jobStore
	logger           *slog.Logger
	interval         time.Duration
	heartbeatTimeout time.Duration
	notify           notifier
}

func newReaper(store *jobStore, logger *slog.Logger, interval, heartbeatTimeout time.Duration, notify notifier) *reaper {
	return &reaper{
		store:            store,
		logger:           logger.With("component", "queue_reaper"),
		interval:         interval,
		heartbeatTimeout: heartbeatTimeout,
		notify:           notify,
	}
}

func (r *reaper) run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info("reaper started", "interval", r.interval, "heartbeat_timeout", r.heartbeatTimeout)

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("reaper stopped")
			return
		case <-ticker.C:
			r.reap(ctx)
		}
	}
}

func (r *reaper) reap(ctx context.Context) {
	cutoff := time.Now().Add(-r.heartbeatTimeout)

	rescheduled, failed, err := r.store.rescueStale(ctx, cutoff, 100)
	if err != nil {
		r.logger.Error("rescue stale jobs", "error", err)
		return
	}

	if len(rescheduled) > 0 {
		metrics.ReaperRescuedTotal.WithLabelValues("rescheduled").Add(float64(len(rescheduled)))
		r.logger.Info("rescheduled stale jobs", "count", len(rescheduled))
	}
	for _, job := range failed {
		metrics.ReaperRescuedTotal.WithLabelValues("failed").Inc()
		r.notify.notifyCompletion(domain.CompletionEvent{Type: string(domain.JobFailed), Job: job})
	}
	if len(failed) > 0 {
		r.logger.Info("permanently failed stale jobs", "count", len(failed))
	}
}
