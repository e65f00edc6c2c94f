package recovery

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/ErlanBelekov/scheduling-core/internal/domain"
	"github.com/ErlanBelekov/scheduling-core/internal/store/memory"
)

type fakeQueue struct {
	jobs map[string]*domain.Job
}

func (q *fakeQueue) Enqueue(context.Context, domain.EnqueueInput) (*domain.Job, error) { return nil, nil }
func (q *fakeQueue) GetJob(_ context.Context, id string) (*domain.Job, error)          { return q.jobs[id], nil }
func (q *fakeQueue) CancelJob(context.Context, string, string) error                   { return nil }
func (q *fakeQueue) SubscribeToCompletion(context.Context, string, func(domain.CompletionEvent)) (func(), error) {
	return func() {}, nil
}

type fakeResubscriber struct {
	calls []string
}

func (r *fakeResubscriber) Resubscribe(_ context.Context, scheduleName, jobID string) error {
	r.calls = append(r.calls, scheduleName+":"+jobID)
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestCoordinator_PurgesEphemeralSchedules(t *testing.T) {
	s := memory.NewScheduleStore()
	ctx := context.Background()
	next := time.Now().Add(time.Hour)

	_, _ = s.Create(ctx, domain.ScheduleDraft{Name: "ephemeral", Type: domain.ScheduleOneOff, NextRunAt: &next, JobType: "X", IsPersistent: false})
	_, _ = s.Create(ctx, domain.ScheduleDraft{Name: "durable", Type: domain.ScheduleOneOff, NextRunAt: &next, JobType: "X", IsPersistent: true})

	tasks := memory.NewPersistedTaskStore()
	q := &fakeQueue{jobs: map[string]*domain.Job{}}
	c := New(s, tasks, q, nil, testLogger(), "new-instance")

	if err := c.Recover(ctx); err != nil {
		t.Fatalf("recover: %v", err)
	}

	if _, err := s.GetByName(ctx, "ephemeral"); err == nil {
		t.Fatal("expected ephemeral schedule to be purged")
	}
	if _, err := s.GetByName(ctx, "durable"); err != nil {
		t.Fatalf("expected durable schedule to survive: %v", err)
	}
}

func TestCoordinator_ClearsStaleActiveJobAndAdvancesInterval(t *testing.T) {
	s := memory.NewScheduleStore()
	ctx := context.Background()
	next := time.Now().Add(time.Hour)

	sched, _ := s.Create(ctx, domain.ScheduleDraft{
		Name: "interval-sched", Type: domain.ScheduleSequentialInterval, IntervalMs: 5000, JobType: "X", IsPersistent: true,
	})
	_ = next
	jobID := "ghost-job"
	_, _ = s.SetActiveJobID(ctx, sched.Name, &jobID)

	tasks := memory.NewPersistedTaskStore()
	q := &fakeQueue{jobs: map[string]*domain.Job{}} // job absent -> purged
	resub := &fakeResubscriber{}
	c := New(s, tasks, q, resub, testLogger(), "new-instance")

	if err := c.Recover(ctx); err != nil {
		t.Fatalf("recover: %v", err)
	}

	updated, err := s.GetByName(ctx, "interval-sched")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if updated.ActiveJobID != nil {
		t.Fatal("expected activeJobId cleared")
	}
	if updated.NextRunAt == nil {
		t.Fatal("expected nextRunAt advanced for interval schedule")
	}
	wantNext := time.Now().Add(5 * time.Second)
	if delta := updated.NextRunAt.Sub(wantNext); delta > 2*time.Second || delta < -2*time.Second {
		t.Fatalf("nextRunAt not within tolerance: got %v want ~%v", updated.NextRunAt, wantNext)
	}
	if len(resub.calls) != 0 {
		t.Fatalf("expected no resubscribe calls for a purged job, got %v", resub.calls)
	}
}

func TestCoordinator_ResubscribesSurvivingJob(t *testing.T) {
	s := memory.NewScheduleStore()
	ctx := context.Background()

	sched, _ := s.Create(ctx, domain.ScheduleDraft{
		Name: "dyn", Type: domain.ScheduleDynamic, NextRunAt: nil, JobType: "X", IsPersistent: true,
	})
	jobID := "alive-job"
	_, _ = s.SetActiveJobID(ctx, sched.Name, &jobID)

	tasks := memory.NewPersistedTaskStore()
	q := &fakeQueue{jobs: map[string]*domain.Job{jobID: {ID: jobID, Status: domain.JobRunning}}}
	resub := &fakeResubscriber{}
	c := New(s, tasks, q, resub, testLogger(), "new-instance")

	if err := c.Recover(ctx); err != nil {
		t.Fatalf("recover: %v", err)
	}

	updated, _ := s.GetByName(ctx, "dyn")
	if updated.ActiveJobID == nil {
		t.Fatal("expected activeJobId retained for a surviving job")
	}
	if len(resub.calls) != 1 || resub.calls[0] != "dyn:alive-job" {
		t.Fatalf("expected one resubscribe call for dyn:alive-job, got %v", resub.calls)
	}
}

func TestCoordinator_OrphanResetsRunningTasks(t *testing.T) {
	s := memory.NewScheduleStore()
	tasks := memory.NewPersistedTaskStore()
	ctx := context.Background()

	scheduledAt := time.Now()
	_, _ = tasks.Create(ctx, domain.TaskDraft{Name: "orphaned", Type: "job", ScheduleType: domain.TaskOneOff, ScheduledAt: &scheduledAt, Enabled: true})
	_, _ = tasks.Claim(ctx, "orphaned", time.Now(), "old-instance")

	q := &fakeQueue{jobs: map[string]*domain.Job{}}
	c := New(s, tasks, q, nil, testLogger(), "new-instance")

	if err := c.Recover(ctx); err != nil {
		t.Fatalf("recover: %v", err)
	}

	task, err := tasks.GetByName(ctx, "orphaned")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if task.Status != domain.TaskStatusIdle {
		t.Fatalf("expected orphaned task reset to idle, got %s", task.Status)
	}
	if task.ProcessInstanceID != nil {
		t.Fatal("expected processInstanceId cleared")
	}
}
