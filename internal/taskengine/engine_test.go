package taskengine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ErlanBelekov/scheduling-core/internal/domain"
	"github.com/ErlanBelekov/scheduling-core/internal/registry"
	"github.com/ErlanBelekov/scheduling-core/internal/store"
	"github.com/ErlanBelekov/scheduling-core/internal/store/memory"
)

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

func TestTaskEngine_RunsDueTaskAndReschedulesInterval(t *testing.T) {
	persisted := memory.NewPersistedTaskStore()
	ephemeral := memory.NewTaskStore()
	reg := registry.New()

	var runs int32
	_ = reg.Register("noop", registry.Descriptor{
		Run: func(ctx context.Context, task *domain.Task) (registry.RunResult, error) {
			atomic.AddInt32(&runs, 1)
			return registry.RunResult{Success: true}, nil
		},
	})

	e := New(persisted, ephemeral, reg, testLogger(), "instance-a", 10*time.Millisecond, time.Second, time.Hour)

	ctx := context.Background()
	// An interval task's first nextRunAt comes from an external caller,
	// same as the store-level contract: Create only seeds one-off tasks.
	// Drive a claim/markIdle round trip directly to arm the first
	// nextRunAt in the past, then let the poll loop pick it up.
	_, err := ephemeral.Create(ctx, domain.TaskDraft{
		Name: "t1", Type: "noop", ScheduleType: domain.TaskInterval, IntervalSeconds: 3600, Enabled: true,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	claimed, err := ephemeral.Claim(ctx, "t1", time.Now(), "seed")
	if err != nil || claimed == nil {
		t.Fatalf("seed claim: %v", err)
	}
	past := time.Now().Add(-time.Second)
	if _, err := ephemeral.MarkIdle(ctx, "t1", domain.TaskRunOutcome{Success: true, NextRunAt: &past}, time.Now()); err != nil {
		t.Fatalf("seed markIdle: %v", err)
	}

	e.Start(ctx)
	defer e.Stop(time.Second)

	waitFor(t, time.Second, func() bool { return atomic.LoadInt32(&runs) == 1 })

	waitFor(t, time.Second, func() bool {
		task, _ := ephemeral.GetByName(ctx, "t1")
		return task.Status == domain.TaskStatusIdle
	})
	task, _ := ephemeral.GetByName(ctx, "t1")
	if task.NextRunAt == nil {
		t.Fatal("expected interval task to have a future nextRunAt after running")
	}
	wantNext := time.Now().Add(3600 * time.Second)
	if delta := task.NextRunAt.Sub(wantNext); delta > 2*time.Second || delta < -2*time.Second {
		t.Fatalf("nextRunAt not within tolerance: got %v want ~%v", task.NextRunAt, wantNext)
	}
}

func TestTaskEngine_OneOffTaskNextRunAtNil(t *testing.T) {
	ephemeral := memory.NewTaskStore()
	persisted := memory.NewPersistedTaskStore()
	reg := registry.New()

	var ran int32
	_ = reg.Register("job", registry.Descriptor{
		Run: func(ctx context.Context, task *domain.Task) (registry.RunResult, error) {
			atomic.AddInt32(&ran, 1)
			return registry.RunResult{Success: true}, nil
		},
	})

	e := New(persisted, ephemeral, reg, testLogger(), "instance-a", 10*time.Millisecond, time.Second, time.Hour)

	ctx := context.Background()
	scheduledAt := time.Now().Add(-time.Millisecond)
	_, err := ephemeral.Create(ctx, domain.TaskDraft{
		Name: "one", Type: "job", ScheduleType: domain.TaskOneOff, ScheduledAt: &scheduledAt, Enabled: true,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	e.Start(ctx)
	defer e.Stop(time.Second)

	waitFor(t, time.Second, func() bool { return atomic.LoadInt32(&ran) == 1 })

	task, err := ephemeral.GetByName(ctx, "one")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	waitFor(t, time.Second, func() bool {
		task, _ = ephemeral.GetByName(ctx, "one")
		return task.Status == domain.TaskStatusIdle
	})
	if task.NextRunAt != nil {
		t.Fatalf("expected one-off task nextRunAt nil after run, got %v", task.NextRunAt)
	}
	if task.ConsecutiveFailures != 0 {
		t.Fatalf("expected consecutiveFailures 0, got %d", task.ConsecutiveFailures)
	}
}

func TestTaskEngine_ShouldRunFalseSkipsHandlerButAdvances(t *testing.T) {
	ephemeral := memory.NewTaskStore()
	persisted := memory.NewPersistedTaskStore()
	reg := registry.New()

	var ran int32
	_ = reg.Register("skip", registry.Descriptor{
		Run: func(ctx context.Context, task *domain.Task) (registry.RunResult, error) {
			atomic.AddInt32(&ran, 1)
			return registry.RunResult{Success: true}, nil
		},
		ShouldRun: func(task *domain.Task) bool { return false },
	})

	e := New(persisted, ephemeral, reg, testLogger(), "instance-a", 10*time.Millisecond, time.Second, time.Hour)

	ctx := context.Background()
	scheduledAt := time.Now().Add(-time.Millisecond)
	_, err := ephemeral.Create(ctx, domain.TaskDraft{
		Name: "skipped", Type: "skip", ScheduleType: domain.TaskOneOff, ScheduledAt: &scheduledAt, Enabled: true,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	e.Start(ctx)
	defer e.Stop(time.Second)

	waitFor(t, time.Second, func() bool {
		task, _ := ephemeral.GetByName(ctx, "skipped")
		return task.Status == domain.TaskStatusIdle && task.LastRunAt != nil
	})

	if atomic.LoadInt32(&ran) != 0 {
		t.Fatal("expected handler never invoked when shouldRun returns false")
	}
}

func TestTaskEngine_HandlerTimeoutRecordedAsFailure(t *testing.T) {
	ephemeral := memory.NewTaskStore()
	persisted := memory.NewPersistedTaskStore()
	reg := registry.New()

	_ = reg.Register("slow", registry.Descriptor{
		Run: func(ctx context.Context, task *domain.Task) (registry.RunResult, error) {
			<-ctx.Done()
			return registry.RunResult{Success: false, Error: "should not reach"}, nil
		},
		TimeoutMs: 20,
	})

	e := New(persisted, ephemeral, reg, testLogger(), "instance-a", 10*time.Millisecond, time.Second, time.Hour)

	ctx := context.Background()
	scheduledAt := time.Now().Add(-time.Millisecond)
	_, err := ephemeral.Create(ctx, domain.TaskDraft{
		Name: "slowtask", Type: "slow", ScheduleType: domain.TaskOneOff, ScheduledAt: &scheduledAt, Enabled: true, MaxConsecutiveFailures: 5,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	e.Start(ctx)
	defer e.Stop(time.Second)

	waitFor(t, 2*time.Second, func() bool {
		task, _ := ephemeral.GetByName(ctx, "slowtask")
		return task.ConsecutiveFailures > 0
	})

	task, _ := ephemeral.GetByName(ctx, "slowtask")
	if task.LastError == nil || *task.LastError != "timeout" {
		t.Fatalf("expected lastError 'timeout', got %v", task.LastError)
	}
}

func TestTaskEngine_RegisterTaskValidatesAndPersists(t *testing.T) {
	ephemeral := memory.NewTaskStore()
	persisted := memory.NewPersistedTaskStore()
	reg := registry.New()
	e := New(persisted, ephemeral, reg, testLogger(), "instance-a", 10*time.Millisecond, time.Second, time.Hour)

	ctx := context.Background()

	if _, err := e.RegisterTask(ctx, domain.TaskDraft{Type: "noop", ScheduleType: domain.TaskInterval, IntervalSeconds: 60}); err == nil {
		t.Fatal("expected validation error for empty name")
	}

	task, err := e.RegisterTask(ctx, domain.TaskDraft{
		Name: "reg-interval", Type: "noop", ScheduleType: domain.TaskInterval, IntervalSeconds: 60, Enabled: true,
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if task.Name != "reg-interval" {
		t.Fatalf("expected task named reg-interval, got %s", task.Name)
	}
	if got, err := ephemeral.GetByName(ctx, "reg-interval"); err != nil || got == nil {
		t.Fatalf("expected task reachable through the store it was registered into: %v", err)
	}
}

func TestTaskEngine_UpdateAndDeleteTaskFindTheirStore(t *testing.T) {
	ephemeral := memory.NewTaskStore()
	persisted := memory.NewPersistedTaskStore()
	reg := registry.New()
	e := New(persisted, ephemeral, reg, testLogger(), "instance-a", 10*time.Millisecond, time.Second, time.Hour)

	ctx := context.Background()
	if _, err := e.RegisterTask(ctx, domain.TaskDraft{
		Name: "upd", Type: "noop", ScheduleType: domain.TaskInterval, IntervalSeconds: 60, Enabled: true,
	}); err != nil {
		t.Fatalf("register: %v", err)
	}

	updated, err := e.UpdateTask(ctx, "upd", store.TaskPatch{Enabled: true, EnabledValue: false})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Enabled {
		t.Fatal("expected task disabled after update")
	}

	ok, err := e.DeleteTask(ctx, "upd")
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if !ok {
		t.Fatal("expected delete to report the row was removed")
	}
	if _, err := e.UpdateTask(ctx, "upd", store.TaskPatch{}); !errors.Is(err, domain.ErrTaskNotFound) {
		t.Fatalf("expected ErrTaskNotFound after delete, got %v", err)
	}
}
