package pgqueue

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ErlanBelekov/scheduling-core/internal/domain"
	"github.com/ErlanBelekov/scheduling-core/internal/queue"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Config tunes the worker pool and reaper this Queue starts.
type Config struct {
	WorkerPollInterval time.Duration
	WorkerConcurrency  int
	HeartbeatTimeout   time.Duration
	ReaperInterval     time.Duration
}

// Queue is the Postgres-backed queue.Queue implementation: one jobStore,
// one worker pool, one reaper, and an in-process fan-out map from job id
// to subscribed completion callbacks. There is exactly one writer (this
// process), matching the single-writer, no-distributed-coordination scope
// the external job queue is allowed to assume here.
type Queue struct {
	store  *jobStore
	worker *worker
	reaper *reaper
	logger *slog.Logger

	mu   sync.Mutex
	subs map[string]queue.CompletionCallback
}

var _ queue.Queue = (*Queue)(nil)

func New(pool *pgxpool.Pool, logger *slog.Logger, cfg Config) *Queue {
	q := &Queue{
		store:  &jobStore{pool: pool},
		logger: logger.With("component", "queue"),
		subs:   make(map[string]queue.CompletionCallback),
	}
	q.worker = newWorker(q.store, logger, cfg.WorkerPollInterval, cfg.WorkerConcurrency, q)
	q.reaper = newReaper(q.store, logger, cfg.ReaperInterval, cfg.HeartbeatTimeout, q)
	return q
}

// Start launches the worker pool and reaper loops. Both exit when ctx is
// cancelled; callers rely on their own shutdown sequence, not Queue's.
func (q *Queue) Start(ctx context.Context) {
	go q.worker.run(ctx)
	go q.reaper.run(ctx)
}

func (q *Queue) Enqueue(ctx context.Context, in domain.EnqueueInput) (*domain.Job, error) {
	return q.store.create(ctx, in)
}

func (q *Queue) GetJob(ctx context.Context, id string) (*domain.Job, error) {
	return q.store.getByID(ctx, id)
}

func (q *Queue) CancelJob(ctx context.Context, id string, reason string) error {
	job, err := q.store.cancel(ctx, id, reason)
	if err != nil {
		return err
	}
	if job != nil {
		q.notifyCompletion(domain.CompletionEvent{Type: string(domain.JobCancelled), Job: job})
	}
	return nil
}

func (q *Queue) SubscribeToCompletion(_ context.Context, id string, cb queue.CompletionCallback) (func(), error) {
	q.mu.Lock()
	q.subs[id] = cb
	q.mu.Unlock()

	return func() {
		q.mu.Lock()
		delete(q.subs, id)
		q.mu.Unlock()
	}, nil
}

// notifyCompletion implements the worker/reaper notifier interface: it
// delivers at most once per job, removing the subscription as it fires.
func (q *Queue) notifyCompletion(event domain.CompletionEvent) {
	if event.Job == nil {
		return
	}
	q.mu.Lock()
	cb, ok := q.subs[event.Job.ID]
	if ok {
		delete(q.subs, event.Job.ID)
	}
	q.mu.Unlock()

	if ok {
		cb(event)
	}
}
