package scheduleengine

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/ErlanBelekov/scheduling-core/internal/domain"
	"github.com/ErlanBelekov/scheduling-core/internal/store/memory"
	"github.com/google/uuid"
)

// fakeQueue is a minimal in-process stand-in for the external job queue
// contract, enough to drive the Schedule Engine's firing path.
type fakeQueue struct {
	mu       sync.Mutex
	jobs     map[string]*domain.Job
	enqueued []domain.EnqueueInput
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{jobs: make(map[string]*domain.Job)}
}

func (q *fakeQueue) Enqueue(_ context.Context, in domain.EnqueueInput) (*domain.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	job := &domain.Job{ID: uuid.NewString(), Type: in.Type, Payload: in.Payload, Status: domain.JobPending}
	q.jobs[job.ID] = job
	q.enqueued = append(q.enqueued, in)
	return job, nil
}

func (q *fakeQueue) GetJob(_ context.Context, id string) (*domain.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.jobs[id], nil
}

func (q *fakeQueue) CancelJob(_ context.Context, id string, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if j, ok := q.jobs[id]; ok {
		j.Status = domain.JobCancelled
		j.CancelReason = &reason
	}
	return nil
}

func (q *fakeQueue) SubscribeToCompletion(context.Context, string, func(domain.CompletionEvent)) (func(), error) {
	return func() {}, nil
}

func (q *fakeQueue) count() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.enqueued)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !cond() {
		t.Fatalf("condition not met within %s", timeout)
	}
}

func TestEngine_OneOffFiresOnce(t *testing.T) {
	s := memory.NewScheduleStore()
	q := newFakeQueue()
	e := New(s, q, testLogger(), 20*time.Millisecond, time.Hour)

	ctx := context.Background()
	next := time.Now().Add(50 * time.Millisecond)
	_, err := e.Register(ctx, domain.ScheduleDraft{
		Name: "R", Type: domain.ScheduleOneOff, NextRunAt: &next, JobType: "X",
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	e.Start(ctx)
	defer e.Stop()

	waitFor(t, time.Second, func() bool { return q.count() == 1 })

	var sched *domain.Schedule
	waitFor(t, time.Second, func() bool {
		var err error
		sched, err = s.GetByName(ctx, "R")
		return err == nil && sched.Status == domain.ScheduleStatusCompleted
	})
	if sched.Status != domain.ScheduleStatusCompleted {
		t.Fatalf("expected one_off to complete at firing, got status=%s", sched.Status)
	}
	if sched.NextRunAt != nil {
		t.Fatalf("expected nextRunAt nil after completion, got %v", sched.NextRunAt)
	}
	if sched.ActiveJobID != nil {
		t.Fatalf("expected no activeJobId for a completed one_off, got %v", *sched.ActiveJobID)
	}
	if sched.LastTriggeredAt == nil {
		t.Fatal("expected lastTriggeredAt to be set")
	}

	time.Sleep(30 * time.Millisecond)
	if q.count() != 1 {
		t.Fatalf("expected exactly one enqueue over lifetime, got %d", q.count())
	}
}

func TestEngine_SequentialIntervalWaitsForCompletion(t *testing.T) {
	s := memory.NewScheduleStore()
	q := newFakeQueue()
	e := New(s, q, testLogger(), 20*time.Millisecond, time.Hour)

	ctx := context.Background()
	next := time.Now().Add(30 * time.Millisecond)
	_, err := e.Register(ctx, domain.ScheduleDraft{
		Name: "S", Type: domain.ScheduleSequentialInterval, IntervalMs: 5000, NextRunAt: &next, JobType: "X",
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	e.Start(ctx)
	defer e.Stop()

	waitFor(t, time.Second, func() bool {
		sched, _ := s.GetByName(ctx, "S")
		return sched.ActiveJobID != nil
	})

	sched, _ := s.GetByName(ctx, "S")
	if sched.NextRunAt != nil {
		t.Fatalf("expected nextRunAt nil while waiting on job, got %v", sched.NextRunAt)
	}

	job := q.jobs[*sched.ActiveJobID]
	job.Status = domain.JobCompleted

	if err := e.HandleCompletion(ctx, "S", domain.CompletionEvent{Type: "completed", Job: job}); err != nil {
		t.Fatalf("handle completion: %v", err)
	}

	sched, _ = s.GetByName(ctx, "S")
	if sched.ActiveJobID != nil {
		t.Fatal("expected activeJobId cleared after completion")
	}
	if sched.NextRunAt == nil {
		t.Fatal("expected nextRunAt set after completion")
	}
	wantNext := time.Now().Add(5 * time.Second)
	if delta := sched.NextRunAt.Sub(wantNext); delta > 200*time.Millisecond || delta < -200*time.Millisecond {
		t.Fatalf("nextRunAt not within tolerance: got %v want ~%v", sched.NextRunAt, wantNext)
	}
	if sched.ConsecutiveFailures != 0 {
		t.Fatalf("expected consecutiveFailures reset to 0, got %d", sched.ConsecutiveFailures)
	}
}

func TestEngine_DynamicCompletesWithoutNextRunAt(t *testing.T) {
	s := memory.NewScheduleStore()
	q := newFakeQueue()
	e := New(s, q, testLogger(), 20*time.Millisecond, time.Hour)

	ctx := context.Background()
	next := time.Now().Add(30 * time.Millisecond)
	_, _ = e.Register(ctx, domain.ScheduleDraft{
		Name: "D", Type: domain.ScheduleDynamic, NextRunAt: &next, JobType: "X",
	})

	e.Start(ctx)
	defer e.Stop()

	waitFor(t, time.Second, func() bool {
		sched, _ := s.GetByName(ctx, "D")
		return sched.ActiveJobID != nil
	})

	sched, _ := s.GetByName(ctx, "D")
	job := q.jobs[*sched.ActiveJobID]
	job.Status = domain.JobCompleted
	job.Result = []byte(`{"nextRunAt": null}`)

	if err := e.HandleCompletion(ctx, "D", domain.CompletionEvent{Type: "completed", Job: job}); err != nil {
		t.Fatalf("handle completion: %v", err)
	}

	sched, _ = s.GetByName(ctx, "D")
	if sched.Status != domain.ScheduleStatusCompleted {
		t.Fatalf("expected status completed, got %s", sched.Status)
	}
}

func TestEngine_FailureEscalatesToError(t *testing.T) {
	s := memory.NewScheduleStore()
	q := newFakeQueue()
	e := New(s, q, testLogger(), 20*time.Millisecond, time.Hour)

	ctx := context.Background()
	next := time.Now().Add(20 * time.Millisecond)
	_, _ = e.Register(ctx, domain.ScheduleDraft{
		Name: "F", Type: domain.ScheduleSequentialInterval, IntervalMs: 1000, NextRunAt: &next, JobType: "X",
		MaxConsecutiveFailures: 2,
	})

	e.Start(ctx)
	defer e.Stop()

	for i := 0; i < 2; i++ {
		waitFor(t, time.Second, func() bool {
			sched, _ := s.GetByName(ctx, "F")
			return sched.ActiveJobID != nil
		})
		sched, _ := s.GetByName(ctx, "F")
		job := q.jobs[*sched.ActiveJobID]
		job.Status = domain.JobFailed
		errMsg := "boom"
		job.LastError = &errMsg

		if err := e.HandleCompletion(ctx, "F", domain.CompletionEvent{Type: "failed", Job: job}); err != nil {
			t.Fatalf("handle completion %d: %v", i, err)
		}

		sched, _ = s.GetByName(ctx, "F")
		if i == 0 {
			if sched.ConsecutiveFailures != 1 || sched.Status != domain.ScheduleStatusActive {
				t.Fatalf("after first failure: got failures=%d status=%s", sched.ConsecutiveFailures, sched.Status)
			}
			if sched.NextRunAt == nil {
				t.Fatal("expected retry nextRunAt after first failure")
			}
		} else {
			if sched.ConsecutiveFailures != 2 || sched.Status != domain.ScheduleStatusError {
				t.Fatalf("after second failure: got failures=%d status=%s", sched.ConsecutiveFailures, sched.Status)
			}
			if sched.NextRunAt != nil {
				t.Fatal("expected nextRunAt nil once in error state")
			}
		}
	}
}

func TestEngine_PauseResume(t *testing.T) {
	s := memory.NewScheduleStore()
	q := newFakeQueue()
	e := New(s, q, testLogger(), 20*time.Millisecond, time.Hour)

	ctx := context.Background()
	next := time.Now().Add(time.Hour)
	_, _ = e.Register(ctx, domain.ScheduleDraft{
		Name: "P", Type: domain.ScheduleSequentialInterval, IntervalMs: 5000, NextRunAt: &next, JobType: "X",
	})

	if _, err := e.Pause(ctx, "P"); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if _, err := e.Pause(ctx, "P"); err == nil {
		t.Fatal("expected pausing an already-paused schedule to fail")
	}

	sched, err := e.Resume(ctx, "P")
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if sched.Status != domain.ScheduleStatusActive {
		t.Fatalf("expected active after resume, got %s", sched.Status)
	}
	if sched.NextRunAt == nil {
		t.Fatal("expected nextRunAt retained after resume")
	}
}

func TestEngine_TriggerNowRejectedForTerminal(t *testing.T) {
	s := memory.NewScheduleStore()
	q := newFakeQueue()
	e := New(s, q, testLogger(), 20*time.Millisecond, time.Hour)

	ctx := context.Background()
	next := time.Now().Add(time.Hour)
	_, _ = e.Register(ctx, domain.ScheduleDraft{
		Name: "T", Type: domain.ScheduleOneOff, NextRunAt: &next, JobType: "X",
	})
	_, _ = s.SetStatus(ctx, "T", domain.ScheduleStatusCompleted, nil)

	if err := e.TriggerNow(ctx, "T"); err == nil {
		t.Fatal("expected triggerNow to be rejected for completed schedule")
	}
}
