// Package scheduleengine implements the Schedule Engine: a single-timer
// firing loop over the Schedule Store, with debounced rescheduling and
// completion-driven state transitions.
package scheduleengine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ErlanBelekov/scheduling-core/internal/domain"
	"github.com/ErlanBelekov/scheduling-core/internal/metrics"
	"github.com/ErlanBelekov/scheduling-core/internal/queue"
	"github.com/ErlanBelekov/scheduling-core/internal/store"
)

// dynamicRetryDelay is the fixed backoff applied when a dynamic schedule's
// job fails and retries remain; a production build would make this
// configurable.
const dynamicRetryDelay = 60 * time.Second

// Engine is the Schedule Engine. It holds at most one live OS timer plus a
// cached nextScheduledTime; a second, shorter timer debounces
// reschedule requests.
type Engine struct {
	store  store.ScheduleStore
	queue  queue.Queue
	logger *slog.Logger

	minRecalcInterval time.Duration
	maxTimeout        time.Duration

	mu               sync.Mutex
	fireTimer        *time.Timer
	debounceTimer    *time.Timer
	nextScheduledTime *time.Time
	firing           bool
	stopped          bool

	// runCtx backs timer callbacks fired after the API call that armed
	// them has returned; it outlives any single request context.
	runCtx context.Context

	// onFired notifies the push Completion Router (if wired) that a
	// schedule now has a job in flight it should subscribe to. Nil under
	// the poll variant, which scans WithActiveJob itself instead.
	onFired func(ctx context.Context, scheduleName, jobID string) error
}

func New(s store.ScheduleStore, q queue.Queue, logger *slog.Logger, minRecalcInterval, maxTimeout time.Duration) *Engine {
	return &Engine{
		store:             s,
		queue:             q,
		logger:            logger.With("component", "schedule_engine"),
		minRecalcInterval: minRecalcInterval,
		maxTimeout:        maxTimeout,
		runCtx:            context.Background(),
	}
}

// SetOnFired wires the push Completion Router's Subscribe method so every
// schedule firing that sets activeJobId immediately gets a subscription.
func (e *Engine) SetOnFired(fn func(ctx context.Context, scheduleName, jobID string) error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onFired = fn
}

// Start arms the first timer. Call once, after Register/Recover seeding.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	e.stopped = false
	e.runCtx = ctx
	e.mu.Unlock()
	e.scheduleNextTrigger(ctx)
}

// Stop clears both timers; in-flight triggers are allowed to finish.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stopped = true
	if e.fireTimer != nil {
		e.fireTimer.Stop()
		e.fireTimer = nil
	}
	if e.debounceTimer != nil {
		e.debounceTimer.Stop()
		e.debounceTimer = nil
	}
	metrics.ScheduleTimerArmed.Set(0)
}

// Register validates and persists a new schedule, then requests a
// reschedule so the timer picks it up if it is the new soonest record.
func (e *Engine) Register(ctx context.Context, draft domain.ScheduleDraft) (*domain.Schedule, error) {
	if err := draft.Validate(); err != nil {
		return nil, err
	}
	sched, err := e.store.Create(ctx, draft)
	if err != nil {
		return nil, err
	}
	e.requestReschedule(ctx)
	return sched, nil
}

// Update applies a partial patch and requests a reschedule, since a
// changed intervalMs or nextRunAt may change the soonest-due record.
func (e *Engine) Update(ctx context.Context, name string, patch domain.SchedulePatch) (*domain.Schedule, error) {
	sched, err := e.store.Update(ctx, name, patch)
	if err != nil {
		return nil, err
	}
	e.requestReschedule(ctx)
	return sched, nil
}

func (e *Engine) Delete(ctx context.Context, name string) (bool, error) {
	ok, err := e.store.Delete(ctx, name)
	if err != nil {
		return false, err
	}
	if ok {
		e.requestReschedule(ctx)
	}
	return ok, nil
}

func (e *Engine) Pause(ctx context.Context, name string) (*domain.Schedule, error) {
	sched, err := e.store.GetByName(ctx, name)
	if err != nil {
		return nil, err
	}
	if sched.Status != domain.ScheduleStatusActive {
		return nil, domain.ErrScheduleNotActive
	}
	updated, err := e.store.SetStatus(ctx, name, domain.ScheduleStatusPaused, sched.NextRunAt)
	if err != nil {
		return nil, err
	}
	e.requestReschedule(ctx)
	return updated, nil
}

func (e *Engine) Resume(ctx context.Context, name string) (*domain.Schedule, error) {
	sched, err := e.store.GetByName(ctx, name)
	if err != nil {
		return nil, err
	}
	if sched.Status != domain.ScheduleStatusPaused {
		return nil, domain.ErrScheduleNotPaused
	}
	nextRunAt := sched.NextRunAt
	if sched.Type.IsInterval() && nextRunAt == nil {
		t := time.Now().Add(time.Duration(sched.IntervalMs) * time.Millisecond)
		nextRunAt = &t
	}
	updated, err := e.store.SetStatus(ctx, name, domain.ScheduleStatusActive, nextRunAt)
	if err != nil {
		return nil, err
	}
	e.requestReschedule(ctx)
	return updated, nil
}

// TriggerNow forces immediate firing, rejected for terminal schedules.
func (e *Engine) TriggerNow(ctx context.Context, name string) error {
	sched, err := e.store.GetByName(ctx, name)
	if err != nil {
		return err
	}
	if sched.Status == domain.ScheduleStatusCompleted || sched.Status == domain.ScheduleStatusError {
		return domain.ErrScheduleNotTriggerable
	}
	now := time.Now()
	if _, err := e.store.SetStatus(ctx, name, domain.ScheduleStatusActive, &now); err != nil {
		return err
	}
	e.requestReschedule(ctx)
	return nil
}

// requestReschedule debounces reschedule requests: repeated calls
// within minRecalcInterval collapse into one scheduleNextTrigger run.
func (e *Engine) requestReschedule(_ context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return
	}
	if e.debounceTimer != nil {
		if e.debounceTimer.Stop() {
			metrics.RescheduleDebounceCoalescedTotal.Inc()
		}
	}
	e.debounceTimer = time.AfterFunc(e.minRecalcInterval, func() {
		e.scheduleNextTrigger(e.runCtx)
	})
}

// scheduleNextTrigger clears any current timer and arms one new timer for
// the soonest active record.
func (e *Engine) scheduleNextTrigger(ctx context.Context) {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	if e.fireTimer != nil {
		e.fireTimer.Stop()
		e.fireTimer = nil
	}
	e.mu.Unlock()

	due, err := e.store.GetDueBefore(ctx, farFuture())
	if err != nil {
		e.logger.Error("scheduleNextTrigger: list due", "error", err)
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return
	}

	if len(due) == 0 {
		e.nextScheduledTime = nil
		metrics.ScheduleTimerArmed.Set(0)
		return
	}

	target := *due[0].NextRunAt
	e.nextScheduledTime = &target

	delay := time.Until(target)
	if delay < 0 {
		delay = 0
	}
	if delay > e.maxTimeout {
		delay = e.maxTimeout
	}

	metrics.ScheduleTimerArmed.Set(1)
	e.fireTimer = time.AfterFunc(delay, func() {
		e.triggerDueSchedules(e.runCtx)
	})
}

// triggerDueSchedules is the timer-fire critical section:
// idempotent against re-entry, pulls every due record, and always re-arms
// on the way out.
func (e *Engine) triggerDueSchedules(ctx context.Context) {
	e.mu.Lock()
	if e.firing || e.stopped {
		e.mu.Unlock()
		return
	}
	e.firing = true
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.firing = false
		e.mu.Unlock()
		e.scheduleNextTrigger(ctx)
	}()

	due, err := e.store.GetDueBefore(ctx, time.Now())
	if err != nil {
		e.logger.Error("triggerDueSchedules: list due", "error", err)
		return
	}

	for _, sched := range due {
		if err := e.fire(ctx, sched); err != nil {
			e.logger.Error("fire schedule", "schedule", sched.Name, "error", err)
		}
	}
}

func (e *Engine) fire(ctx context.Context, sched *domain.Schedule) error {
	now := time.Now()
	job, err := e.queue.Enqueue(ctx, domain.EnqueueInput{
		Type:          sched.JobType,
		Payload:       sched.JobPayload,
		Priority:      sched.JobPriority,
		MaxRetries:    sched.JobMaxRetries,
		ExecutionMode: sched.JobExecutionMode,
		ReferenceType: sched.JobReferenceType,
		ReferenceID:   sched.JobReferenceID,
	})
	if err != nil {
		return fmt.Errorf("enqueue: %w", err)
	}

	metrics.ScheduleTriggersTotal.WithLabelValues(string(sched.Type)).Inc()

	switch sched.Type {
	case domain.ScheduleConcurrentInterval:
		next := now.Add(time.Duration(sched.IntervalMs) * time.Millisecond)
		if _, err := e.store.RecordTrigger(ctx, sched.Name, now, &next); err != nil {
			return err
		}
		// concurrent_interval never sets activeJobId.
	case domain.ScheduleOneOff:
		// one_off terminates at firing: enqueuing the job once is the whole
		// contract, so the schedule completes immediately rather than
		// waiting on a completion event that may never arrive.
		if _, err := e.store.RecordTrigger(ctx, sched.Name, now, nil); err != nil {
			return err
		}
		if _, err := e.store.SetStatus(ctx, sched.Name, domain.ScheduleStatusCompleted, nil); err != nil {
			return err
		}
	default: // sequential_interval, dynamic: waiting-on-job, nextRunAt nil
		if _, err := e.store.SetActiveJobID(ctx, sched.Name, &job.ID); err != nil {
			return err
		}
		if _, err := e.store.RecordTrigger(ctx, sched.Name, now, nil); err != nil {
			return err
		}
		e.notifyFired(ctx, sched.Name, job.ID)
	}

	return nil
}

func (e *Engine) notifyFired(ctx context.Context, scheduleName, jobID string) {
	e.mu.Lock()
	onFired := e.onFired
	e.mu.Unlock()
	if onFired == nil {
		return
	}
	if err := onFired(ctx, scheduleName, jobID); err != nil {
		e.logger.Error("notify completion router of fired schedule", "schedule", scheduleName, "job", jobID, "error", err)
	}
}

// HandleCompletion applies a terminal job event to the schedule that owns
// it. It is the single state-transition function shared by both
// Completion Router variants.
func (e *Engine) HandleCompletion(ctx context.Context, scheduleName string, event domain.CompletionEvent) error {
	now := time.Now()
	_, err := e.store.RecordCompletion(ctx, scheduleName, func(sched *domain.Schedule) store.CompletionEffect {
		if sched.ActiveJobID == nil || *sched.ActiveJobID != event.Job.ID {
			// Race with delete/reset; ignore.
			return store.CompletionEffect{
				Status:              sched.Status,
				NextRunAt:           sched.NextRunAt,
				ConsecutiveFailures: sched.ConsecutiveFailures,
				LastError:           sched.LastError,
			}
		}

		metrics.ScheduleCompletionsTotal.WithLabelValues(event.Type).Inc()

		switch event.Type {
		case "completed":
			return e.completionEffect(sched, now, event.Job.Result)
		default: // "failed", "cancelled"
			return e.failureEffect(sched, now, event.Job.LastError)
		}
	})
	if err != nil {
		return err
	}
	e.requestReschedule(ctx)
	return nil
}

func (e *Engine) completionEffect(sched *domain.Schedule, now time.Time, jobResult []byte) store.CompletionEffect {
	effect := store.CompletionEffect{
		ConsecutiveFailures: 0,
		ClearActiveJobID:    true,
		SetLastCompletedAt:  true,
		CompletedAt:         now,
	}

	switch sched.Type {
	case domain.ScheduleDynamic:
		result, err := decodeDynamicResult(jobResult)
		if err != nil {
			e.logger.Error("decode dynamic result", "schedule", sched.Name, "error", err)
		}
		if result == nil || result.NextRunAt == nil {
			effect.Status = domain.ScheduleStatusCompleted
			effect.NextRunAt = nil
		} else {
			effect.Status = domain.ScheduleStatusActive
			effect.NextRunAt = result.NextRunAt
		}
	case domain.ScheduleSequentialInterval:
		next := now.Add(time.Duration(sched.IntervalMs) * time.Millisecond)
		effect.Status = domain.ScheduleStatusActive
		effect.NextRunAt = &next
	default: // one_off and concurrent_interval never reach here as "waiting-on-job"
		effect.Status = sched.Status
		effect.NextRunAt = sched.NextRunAt
	}
	return effect
}

func (e *Engine) failureEffect(sched *domain.Schedule, now time.Time, lastErr *string) store.CompletionEffect {
	failures := sched.ConsecutiveFailures + 1
	effect := store.CompletionEffect{
		ConsecutiveFailures: failures,
		ClearActiveJobID:    true,
		LastError:           lastErr,
	}

	if failures >= sched.MaxConsecutiveFailures {
		metrics.ScheduleErrorTransitionsTotal.Inc()
		effect.Status = domain.ScheduleStatusError
		effect.NextRunAt = nil
		return effect
	}

	effect.Status = domain.ScheduleStatusActive
	switch sched.Type {
	case domain.ScheduleDynamic:
		next := now.Add(dynamicRetryDelay)
		effect.NextRunAt = &next
	case domain.ScheduleSequentialInterval:
		next := now.Add(time.Duration(sched.IntervalMs) * time.Millisecond)
		effect.NextRunAt = &next
	default:
		effect.NextRunAt = sched.NextRunAt
	}
	return effect
}

func decodeDynamicResult(raw []byte) (*domain.DynamicResult, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var result domain.DynamicResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func farFuture() time.Time {
	return time.Now().Add(100 * 365 * 24 * time.Hour)
}
