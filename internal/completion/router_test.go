package completion

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/ErlanBelekov/scheduling-core/internal/domain"
	"github.com/ErlanBelekov/scheduling-core/internal/store/memory"
)

type fakeQueue struct {
	mu   sync.Mutex
	jobs map[string]*domain.Job
	subs map[string]func(domain.CompletionEvent)
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{jobs: make(map[string]*domain.Job), subs: make(map[string]func(domain.CompletionEvent))}
}

func (q *fakeQueue) Enqueue(context.Context, domain.EnqueueInput) (*domain.Job, error) { return nil, nil }

func (q *fakeQueue) GetJob(_ context.Context, id string) (*domain.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.jobs[id], nil
}

func (q *fakeQueue) CancelJob(context.Context, string, string) error { return nil }

func (q *fakeQueue) SubscribeToCompletion(_ context.Context, id string, cb func(domain.CompletionEvent)) (func(), error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.subs[id] = cb
	return func() {
		q.mu.Lock()
		delete(q.subs, id)
		q.mu.Unlock()
	}, nil
}

func (q *fakeQueue) deliver(id string, event domain.CompletionEvent) {
	q.mu.Lock()
	cb := q.subs[id]
	q.mu.Unlock()
	if cb != nil {
		cb(event)
	}
}

type fakeHandler struct {
	mu    sync.Mutex
	calls []string
}

func (h *fakeHandler) HandleCompletion(_ context.Context, scheduleName string, _ domain.CompletionEvent) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, scheduleName)
	return nil
}

func (h *fakeHandler) callCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.calls)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestPushRouter_SubscribeThenDeliverCallsHandler(t *testing.T) {
	s := memory.NewScheduleStore()
	q := newFakeQueue()
	h := &fakeHandler{}
	r := NewPushRouter(s, q, h, testLogger())

	ctx := context.Background()
	if err := r.Subscribe(ctx, "sched-a", "job-1"); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	q.deliver("job-1", domain.CompletionEvent{Type: "completed", Job: &domain.Job{ID: "job-1", Status: domain.JobCompleted}})

	if h.callCount() != 1 {
		t.Fatalf("expected handler called once, got %d", h.callCount())
	}
}

func TestPollRouter_ScansActiveJobsAndActsOnTerminal(t *testing.T) {
	s := memory.NewScheduleStore()
	ctx := context.Background()
	next := time.Now().Add(time.Hour)

	sched, _ := s.Create(ctx, domain.ScheduleDraft{Name: "polled", Type: domain.ScheduleSequentialInterval, IntervalMs: 1000, NextRunAt: &next, JobType: "X"})
	jobID := "job-2"
	_, _ = s.SetActiveJobID(ctx, sched.Name, &jobID)

	q := newFakeQueue()
	q.jobs[jobID] = &domain.Job{ID: jobID, Status: domain.JobCompleted}
	h := &fakeHandler{}

	r := NewPollRouter(s, q, h, testLogger(), 10*time.Millisecond)
	r.Start(ctx)
	defer r.Stop()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && h.callCount() == 0 {
		time.Sleep(5 * time.Millisecond)
	}
	if h.callCount() == 0 {
		t.Fatal("expected handler to be invoked for a terminal job")
	}
}
