// Package taskengine implements the Task Engine: a poll-driven loop with
// per-task claiming, abortable execution, timeout enforcement, and
// completion bookkeeping.
package taskengine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ErlanBelekov/scheduling-core/internal/domain"
	"github.com/ErlanBelekov/scheduling-core/internal/metrics"
	"github.com/ErlanBelekov/scheduling-core/internal/registry"
	"github.com/ErlanBelekov/scheduling-core/internal/store"
)

// runningTask tracks one in-flight handler invocation so shutdown can
// abort it and the poll loop can avoid double-running a task name.
type runningTask struct {
	cancel func()
	done   chan struct{}
}

// Engine is the Task Engine. It owns one running-set per process: at most
// one handler invocation per task name may be in flight at a time,
// enforced regardless of which store (persisted or in-memory) the task
// lives in.
type Engine struct {
	persisted store.TaskStore
	ephemeral store.TaskStore
	registry  *registry.Registry
	logger    *slog.Logger
	instanceID string

	pollInterval  time.Duration
	defaultTimeout time.Duration
	stuckTimeout  time.Duration

	mu      sync.Mutex
	running map[string]*runningTask
	stopped bool

	stopCh chan struct{}
	wg     sync.WaitGroup
}

func New(
	persisted, ephemeral store.TaskStore,
	reg *registry.Registry,
	logger *slog.Logger,
	instanceID string,
	pollInterval, defaultTimeout, stuckTimeout time.Duration,
) *Engine {
	return &Engine{
		persisted:      persisted,
		ephemeral:      ephemeral,
		registry:       reg,
		logger:         logger.With("component", "task_engine"),
		instanceID:     instanceID,
		pollInterval:   pollInterval,
		defaultTimeout: defaultTimeout,
		stuckTimeout:   stuckTimeout,
		running:        make(map[string]*runningTask),
		stopCh:         make(chan struct{}),
	}
}

// RegisterTask validates and persists a new task in the store selected by
// its storage mode, mirroring the Schedule Engine's Register.
func (e *Engine) RegisterTask(ctx context.Context, draft domain.TaskDraft) (*domain.Task, error) {
	if err := draft.Validate(); err != nil {
		return nil, err
	}
	if draft.MaxConsecutiveFailures <= 0 {
		if desc, ok := e.registry.Get(draft.Type); ok && desc.MaxConsecutiveFailures > 0 {
			draft.MaxConsecutiveFailures = desc.MaxConsecutiveFailures
		}
	}
	return e.storeForMode(draft.StorageMode).Create(ctx, draft)
}

// UpdateTask applies a partial patch to whichever store currently holds
// name.
func (e *Engine) UpdateTask(ctx context.Context, name string, patch store.TaskPatch) (*domain.Task, error) {
	s, err := e.storeWithTask(ctx, name)
	if err != nil {
		return nil, err
	}
	return s.Update(ctx, name, patch)
}

// DeleteTask removes name from whichever store currently holds it.
func (e *Engine) DeleteTask(ctx context.Context, name string) (bool, error) {
	s, err := e.storeWithTask(ctx, name)
	if err != nil {
		return false, nil
	}
	return s.Delete(ctx, name)
}

func (e *Engine) storeForMode(mode domain.StorageMode) store.TaskStore {
	if mode == domain.StoragePersisted {
		return e.persisted
	}
	return e.ephemeral
}

// storeWithTask finds whichever of the persisted/ephemeral stores holds
// name, since a task's storage mode isn't implied by its name alone.
func (e *Engine) storeWithTask(ctx context.Context, name string) (store.TaskStore, error) {
	if _, err := e.persisted.GetByName(ctx, name); err == nil {
		return e.persisted, nil
	}
	if _, err := e.ephemeral.GetByName(ctx, name); err == nil {
		return e.ephemeral, nil
	}
	return nil, domain.ErrTaskNotFound
}

// Start launches the poll loop in a background goroutine.
func (e *Engine) Start(ctx context.Context) {
	e.wg.Add(1)
	go e.pollLoop(ctx)
}

// Stop aborts every running handler via its cancellation signal and waits
// up to deadline for them to return.
func (e *Engine) Stop(deadline time.Duration) {
	e.mu.Lock()
	e.stopped = true
	close(e.stopCh)
	tasks := make([]*runningTask, 0, len(e.running))
	for _, rt := range e.running {
		tasks = append(tasks, rt)
	}
	e.mu.Unlock()

	for _, rt := range tasks {
		rt.cancel()
	}

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		for _, rt := range tasks {
			<-rt.done
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(deadline):
		e.logger.Warn("task engine stop deadline exceeded, handlers still draining in background")
	}
}

func (e *Engine) pollLoop(ctx context.Context) {
	defer e.wg.Done()
	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stopCh:
			return
		case <-ticker.C:
			e.tick(ctx)
		}
	}
}

func (e *Engine) tick(ctx context.Context) {
	start := time.Now()
	defer func() {
		metrics.TaskPollDuration.Observe(time.Since(start).Seconds())
	}()

	e.reconcileStuck(ctx)

	due, err := e.collectDue(ctx)
	if err != nil {
		e.logger.Error("collect due tasks", "error", err)
		return
	}

	for _, t := range due {
		if !e.registry.Has(t.Type) {
			e.logger.Warn("no handler registered for task type, skipping", "task", t.Name, "type", t.Type)
			continue
		}
		if e.isRunning(t.Name) {
			continue
		}
		e.runAsync(ctx, t)
	}
}

func (e *Engine) reconcileStuck(ctx context.Context) {
	now := time.Now()
	for _, s := range []store.TaskStore{e.persisted, e.ephemeral} {
		stuck, err := s.FindStuck(ctx, now, e.stuckTimeout)
		if err != nil {
			e.logger.Error("find stuck tasks", "error", err)
			continue
		}
		for _, t := range stuck {
			if e.isRunning(t.Name) {
				continue
			}
			if _, err := s.ResetTask(ctx, t.Name); err != nil {
				e.logger.Error("reset stuck task", "task", t.Name, "error", err)
				continue
			}
			metrics.RecoveryActionsTotal.WithLabelValues("stuck_reset").Inc()
		}
	}
}

func (e *Engine) collectDue(ctx context.Context) ([]*domain.Task, error) {
	now := time.Now()
	var due []*domain.Task
	for _, s := range []store.TaskStore{e.persisted, e.ephemeral} {
		tasks, err := s.GetDueBefore(ctx, now)
		if err != nil {
			return nil, err
		}
		due = append(due, tasks...)
	}
	return due, nil
}

func (e *Engine) isRunning(name string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.running[name]
	return ok
}

func (e *Engine) storeFor(t *domain.Task) store.TaskStore {
	if t.StorageMode == domain.StoragePersisted {
		return e.persisted
	}
	return e.ephemeral
}

// runAsync executes one due task fire-and-forget.
func (e *Engine) runAsync(ctx context.Context, t *domain.Task) {
	desc, _ := e.registry.Get(t.Type)

	if desc.ShouldRun != nil && !desc.ShouldRun(t) {
		// shouldRun=false still advances nextRunAt rather than leaving
		// the task stuck retrying the same check every poll.
		e.completeSkipped(ctx, t)
		return
	}

	s := e.storeFor(t)
	claimed, err := s.Claim(ctx, t.Name, time.Now(), e.instanceID)
	if err != nil {
		e.logger.Error("claim task", "task", t.Name, "error", err)
		return
	}
	if claimed == nil {
		return // lost the race; another goroutine/instance is running it
	}

	timeout := e.defaultTimeout
	if desc.TimeoutMs > 0 {
		timeout = time.Duration(desc.TimeoutMs) * time.Millisecond
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	rt := &runningTask{cancel: cancel, done: make(chan struct{})}

	e.mu.Lock()
	e.running[t.Name] = rt
	e.mu.Unlock()
	metrics.TasksRunningGauge.Inc()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer close(rt.done)
		defer cancel()
		defer metrics.TasksRunningGauge.Dec()
		defer func() {
			e.mu.Lock()
			delete(e.running, t.Name)
			e.mu.Unlock()
		}()

		e.execute(runCtx, s, claimed, desc)
	}()
}

func (e *Engine) execute(ctx context.Context, s store.TaskStore, t *domain.Task, desc registry.Descriptor) {
	resultCh := make(chan runOutcome, 1)

	go func() {
		res, err := safeRun(ctx, desc.Run, t)
		resultCh <- outcomeFrom(res, err)
	}()

	var outcome runOutcome
	select {
	case outcome = <-resultCh:
	case <-ctx.Done():
		e.mu.Lock()
		stopped := e.stopped
		e.mu.Unlock()
		if stopped {
			// Cooperative shutdown: let the handler keep running in the
			// background; the process reports stopped regardless.
			outcome = <-resultCh
		} else {
			metrics.TaskTimeoutsTotal.Inc()
			msg := "timeout"
			outcome = runOutcome{success: false, errMsg: &msg}
		}
	}

	runOutcomeDomain := domain.TaskRunOutcome{
		Success:   outcome.success,
		Error:     outcome.errMsg,
		NextRunAt: outcome.nextRunAt,
	}

	label := "success"
	if !outcome.success {
		label = "failure"
	}
	metrics.TaskRunsTotal.WithLabelValues(label).Inc()

	// ctx may already be done (timeout or shutdown); the outcome is still
	// written.
	if _, err := s.MarkIdle(context.WithoutCancel(ctx), t.Name, runOutcomeDomain, time.Now()); err != nil {
		e.logger.Error("markIdle", "task", t.Name, "error", err)
	}
}

// completeSkipped advances the task's schedule without invoking the
// handler, mirroring the source's completeTask(wasExecuted=false) path.
func (e *Engine) completeSkipped(ctx context.Context, t *domain.Task) {
	s := e.storeFor(t)
	claimed, err := s.Claim(ctx, t.Name, time.Now(), e.instanceID)
	if err != nil || claimed == nil {
		return
	}
	outcome := domain.TaskRunOutcome{Success: true}
	if _, err := s.MarkIdle(ctx, t.Name, outcome, time.Now()); err != nil {
		e.logger.Error("markIdle (skipped run)", "task", t.Name, "error", err)
	}
}

type runOutcome struct {
	success   bool
	errMsg    *string
	nextRunAt *time.Time
}

func outcomeFrom(res registry.RunResult, err error) runOutcome {
	if err != nil {
		msg := err.Error()
		return runOutcome{success: false, errMsg: &msg}
	}
	var errMsg *string
	if !res.Success && res.Error != "" {
		errMsg = &res.Error
	}
	return runOutcome{success: res.Success, errMsg: errMsg, nextRunAt: res.NextRunAt}
}

// safeRun recovers a panicking handler into a failure outcome, since a
// thrown exception and a returned error are classified identically.
func safeRun(ctx context.Context, run func(context.Context, *domain.Task) (registry.RunResult, error), t *domain.Task) (res registry.RunResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return run(ctx, t)
}
