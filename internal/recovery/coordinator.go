// Package recovery implements the Recovery Coordinator: the four startup
// reconciliation steps that heal state left behind by a crashed prior
// process instance.
package recovery

import (
	"context"
	"log/slog"
	"time"

	"github.com/ErlanBelekov/scheduling-core/internal/domain"
	"github.com/ErlanBelekov/scheduling-core/internal/metrics"
	"github.com/ErlanBelekov/scheduling-core/internal/queue"
	"github.com/ErlanBelekov/scheduling-core/internal/store"
	"golang.org/x/sync/errgroup"
)

// Resubscriber is satisfied by the push Completion Router: on startup it
// must re-subscribe to every surviving in-flight job.
type Resubscriber interface {
	Resubscribe(ctx context.Context, scheduleName, jobID string) error
}

// Coordinator runs the four startup reconciliation steps. The purge,
// stale-job, and orphan-task steps touch disjoint record sets and fan out
// concurrently via errgroup; resubscription depends on the stale-job
// step's surviving set, so it runs after the group converges.
type Coordinator struct {
	scheduleStore store.ScheduleStore
	persistedTasks store.TaskStore
	q             queue.Queue
	resub         Resubscriber
	logger        *slog.Logger
	instanceID    string
}

func New(
	scheduleStore store.ScheduleStore,
	persistedTasks store.TaskStore,
	q queue.Queue,
	resub Resubscriber,
	logger *slog.Logger,
	instanceID string,
) *Coordinator {
	return &Coordinator{
		scheduleStore:  scheduleStore,
		persistedTasks: persistedTasks,
		q:              q,
		resub:          resub,
		logger:         logger.With("component", "recovery"),
		instanceID:     instanceID,
	}
}

// Recover runs once, at process start. It must complete before either
// engine begins firing.
func (c *Coordinator) Recover(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return c.purgeEphemeralSchedules(gctx) })
	g.Go(func() error { return c.orphanResetTasks(gctx) })

	var surviving []*domain.Schedule
	g.Go(func() error {
		s, err := c.resetStaleActiveJobs(gctx)
		surviving = s
		return err
	})

	if err := g.Wait(); err != nil {
		return err
	}

	return c.resubscribeSurviving(ctx, surviving)
}

func (c *Coordinator) purgeEphemeralSchedules(ctx context.Context) error {
	start := time.Now()
	defer func() { metrics.RecoveryStepDuration.WithLabelValues("purge_ephemeral").Observe(time.Since(start).Seconds()) }()

	n, err := c.scheduleStore.DeleteEphemeral(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		c.logger.Info("purged ephemeral schedules", "count", n)
		metrics.RecoveryActionsTotal.WithLabelValues("purge_ephemeral").Add(float64(n))
	}
	return nil
}

// resetStaleActiveJobs returns the schedules whose activeJobId survives
// (job still pending/running) — the set step 3 must re-subscribe to.
func (c *Coordinator) resetStaleActiveJobs(ctx context.Context) ([]*domain.Schedule, error) {
	start := time.Now()
	defer func() { metrics.RecoveryStepDuration.WithLabelValues("reset_stale_active_jobs").Observe(time.Since(start).Seconds()) }()

	withJob, err := c.scheduleStore.WithActiveJob(ctx)
	if err != nil {
		return nil, err
	}

	var surviving []*domain.Schedule
	for _, sched := range withJob {
		job, err := c.q.GetJob(ctx, *sched.ActiveJobID)
		if err != nil {
			c.logger.Error("recovery: get job", "schedule", sched.Name, "job", *sched.ActiveJobID, "error", err)
			continue
		}
		if job != nil && (job.Status == domain.JobPending || job.Status == domain.JobRunning) {
			surviving = append(surviving, sched)
			continue
		}

		// Job gone or terminal: clear activeJobId; interval schedules
		// also get nextRunAt advanced since they'll never see the
		// completion event that would otherwise do it.
		var nextRunAt *time.Time
		if sched.Type.IsInterval() {
			t := time.Now().Add(time.Duration(sched.IntervalMs) * time.Millisecond)
			nextRunAt = &t
		} else {
			nextRunAt = sched.NextRunAt
		}
		if _, err := c.scheduleStore.RecordCompletion(ctx, sched.Name, func(s *domain.Schedule) store.CompletionEffect {
			return store.CompletionEffect{
				Status:              s.Status,
				NextRunAt:           nextRunAt,
				ConsecutiveFailures: s.ConsecutiveFailures,
				LastError:           s.LastError,
				ClearActiveJobID:    true,
			}
		}); err != nil {
			c.logger.Error("recovery: clear stale activeJobId", "schedule", sched.Name, "error", err)
			continue
		}
		metrics.RecoveryActionsTotal.WithLabelValues("stale_active_job_cleared").Inc()
	}
	return surviving, nil
}

func (c *Coordinator) resubscribeSurviving(ctx context.Context, surviving []*domain.Schedule) error {
	if c.resub == nil {
		return nil
	}
	start := time.Now()
	defer func() { metrics.RecoveryStepDuration.WithLabelValues("resubscribe").Observe(time.Since(start).Seconds()) }()

	for _, sched := range surviving {
		if sched.ActiveJobID == nil {
			continue
		}
		if err := c.resub.Resubscribe(ctx, sched.Name, *sched.ActiveJobID); err != nil {
			c.logger.Error("recovery: resubscribe", "schedule", sched.Name, "job", *sched.ActiveJobID, "error", err)
			continue
		}
		metrics.RecoveryActionsTotal.WithLabelValues("resubscribed").Inc()
	}
	return nil
}

func (c *Coordinator) orphanResetTasks(ctx context.Context) error {
	start := time.Now()
	defer func() { metrics.RecoveryStepDuration.WithLabelValues("orphan_reset_tasks").Observe(time.Since(start).Seconds()) }()

	orphaned, err := c.persistedTasks.FindOrphaned(ctx, c.instanceID)
	if err != nil {
		return err
	}
	for _, t := range orphaned {
		if _, err := c.persistedTasks.ResetTask(ctx, t.Name); err != nil {
			c.logger.Error("recovery: reset orphaned task", "task", t.Name, "error", err)
			continue
		}
		metrics.RecoveryActionsTotal.WithLabelValues("orphan_reset").Inc()
	}
	if len(orphaned) > 0 {
		c.logger.Info("reset orphaned tasks", "count", len(orphaned))
	}
	return nil
}
