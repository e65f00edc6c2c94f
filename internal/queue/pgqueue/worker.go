package pgqueue

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"os"
	"sync"
	"time"

	"github.com/ErlanBelekov/scheduling-core/internal/domain"
	"github.com/ErlanBelekov/scheduling-core/internal/metrics"
)

// worker is the claim-batch-and-dispatch loop: a ticker-driven batch claim,
// a per-job heartbeat goroutine, and a WaitGroup fan-out over an opaque
// Job/executor pair, logged with slog to match the rest of this module.
type worker struct {
	id          string
	store       *jobStore
	executor    *executor
	logger      *slog.Logger
	poll        time.Duration
	concurrency int
	notify      notifier
}

// notifier lets the worker hand a terminal job back to whatever fans out
// completions in-process, without the worker package depending on queue.go.
type notifier interface {
	notifyCompletion(domain.CompletionEvent)
}

func newWorker(store *jobStore, logger *slog.Logger, poll time.Duration, concurrency int, notify notifier) *worker {
	hostname, _ := os.Hostname()
	return &worker{
		id:          fmt.Sprintf("%s-%d", hostname, os.Getpid()),
		store:       store,
		executor:    newExecutor(logger),
		logger:      logger.With("component", "queue_worker"),
		poll:        poll,
		concurrency: concurrency,
		notify:      notify,
	}
}

func (w *worker) run(ctx context.Context) {
	ticker := time.NewTicker(w.poll)
	defer ticker.Stop()

	w.logger.Info("worker started", "worker_id", w.id, "concurrency", w.concurrency)

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("worker stopped", "worker_id", w.id)
			return
		case <-ticker.C:
			w.processBatch(ctx)
		}
	}
}

func (w *worker) processBatch(ctx context.Context) {
	jobs, err := w.store.claim(ctx, w.id, w.concurrency)
	if err != nil {
		w.logger.Error("claim batch", "error", err)
		return
	}
	if len(jobs) == 0 {
		return
	}

	var wg sync.WaitGroup
	for _, job := range jobs {
		wg.Add(1)
		go func(j *domain.Job) {
			defer wg.Done()
			w.runJob(ctx, j)
		}(job)
	}
	wg.Wait()
}

func (w *worker) runJob(ctx context.Context, job *domain.Job) {
	heartbeatCtx, cancelHeartbeat := context.WithCancel(ctx)
	defer cancelHeartbeat()
	go w.heartbeat(heartbeatCtx, job.ID)

	metrics.JobsInFlight.Inc()
	defer metrics.JobsInFlight.Dec()

	start := time.Now()
	result := w.executor.run(ctx, jobToRun{ID: job.ID, ExecutionMode: job.ExecutionMode, Payload: job.Payload})

	if result.Err == nil {
		metrics.JobExecutionDuration.WithLabelValues("completed").Observe(time.Since(start).Seconds())
		updated, err := w.store.complete(ctx, job.ID, result.Body)
		if err != nil {
			w.logger.Error("mark job complete", "job_id", job.ID, "error", err)
			return
		}
		w.notify.notifyCompletion(domain.CompletionEvent{Type: string(domain.JobCompleted), Job: updated})
		return
	}

	errMsg := result.Err.Error()

	if job.RetryCount < job.MaxRetries {
		metrics.JobExecutionDuration.WithLabelValues("retried").Observe(time.Since(start).Seconds())
		delay := retryBackoff(job.RetryCount)
		updated, err := w.store.reschedule(ctx, job.ID, errMsg, delay)
		if err != nil {
			w.logger.Error("reschedule job", "job_id", job.ID, "error", err)
			return
		}
		w.logger.Info("job failed, rescheduled", "job_id", job.ID, "retry", updated.RetryCount, "max_retries", job.MaxRetries, "delay", delay, "error", errMsg)
		return
	}

	metrics.JobExecutionDuration.WithLabelValues("failed").Observe(time.Since(start).Seconds())
	updated, err := w.store.fail(ctx, job.ID, errMsg)
	if err != nil {
		w.logger.Error("mark job failed", "job_id", job.ID, "error", err)
		return
	}
	w.notify.notifyCompletion(domain.CompletionEvent{Type: string(domain.JobFailed), Job: updated})
}

func (w *worker) heartbeat(ctx context.Context, jobID string) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.store.heartbeat(ctx, jobID); err != nil {
				w.logger.Error("heartbeat", "job_id", jobID, "error", err)
			}
		}
	}
}

// retryBackoff computes an exponential delay with ±25% jitter. The delay
// before jitter is capped at one hour, so at the cap the result lies
// between 45 and 75 minutes.
func retryBackoff(retryCount int) time.Duration {
	base := 30 * time.Second
	delay := time.Duration(float64(base) * math.Pow(2, float64(retryCount)))
	if delay > time.Hour {
		delay = time.Hour
	}
	jitter := time.Duration(rand.Int63n(int64(delay/2))) - delay/4
	return delay + jitter
}
