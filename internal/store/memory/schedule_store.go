// Package memory implements the store.ScheduleStore and store.TaskStore
// contracts entirely in process memory, guarded by one writer lock per
// store. It is used for ephemeral (isPersistent=false) schedules, for the
// in-memory Task Store, and as the fast fake the engine tests exercise,
// built once as a real implementation since the engines' behavior is too
// stateful for one-off fakes per test.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ErlanBelekov/scheduling-core/internal/domain"
	"github.com/ErlanBelekov/scheduling-core/internal/store"
	"github.com/google/uuid"
)

// ScheduleStore is an in-memory store.ScheduleStore.
type ScheduleStore struct {
	mu    sync.Mutex
	byID   map[string]*domain.Schedule
	byName map[string]string // name -> id
}

func NewScheduleStore() *ScheduleStore {
	return &ScheduleStore{
		byID:   make(map[string]*domain.Schedule),
		byName: make(map[string]string),
	}
}

func (s *ScheduleStore) Create(_ context.Context, draft domain.ScheduleDraft) (*domain.Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byName[draft.Name]; ok {
		return nil, domain.ErrDuplicateName
	}

	now := time.Now()
	maxFailures := draft.MaxConsecutiveFailures
	if maxFailures <= 0 {
		maxFailures = domain.DefaultMaxConsecutiveFailures
	}

	sched := &domain.Schedule{
		ID:                     uuid.NewString(),
		Name:                   draft.Name,
		Description:            draft.Description,
		Type:                   draft.Type,
		Status:                 domain.ScheduleStatusActive,
		IsPersistent:           draft.IsPersistent,
		NextRunAt:              draft.NextRunAt,
		IntervalMs:             draft.IntervalMs,
		JobType:                draft.JobType,
		JobPayload:             draft.JobPayload,
		JobPriority:            draft.JobPriority,
		JobMaxRetries:          draft.JobMaxRetries,
		JobExecutionMode:       draft.JobExecutionMode,
		JobReferenceType:       draft.JobReferenceType,
		JobReferenceID:         draft.JobReferenceID,
		MaxConsecutiveFailures: maxFailures,
		CreatedAt:              now,
		UpdatedAt:              now,
	}

	s.byID[sched.ID] = sched
	s.byName[sched.Name] = sched.ID
	return cloneSchedule(sched), nil
}

func (s *ScheduleStore) GetByName(_ context.Context, name string) (*domain.Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byName[name]
	if !ok {
		return nil, domain.ErrScheduleNotFound
	}
	return cloneSchedule(s.byID[id]), nil
}

func (s *ScheduleStore) GetByID(_ context.Context, id string) (*domain.Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sched, ok := s.byID[id]
	if !ok {
		return nil, domain.ErrScheduleNotFound
	}
	return cloneSchedule(sched), nil
}

func (s *ScheduleStore) GetAll(_ context.Context) ([]*domain.Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*domain.Schedule, 0, len(s.byID))
	for _, sched := range s.byID {
		out = append(out, cloneSchedule(sched))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *ScheduleStore) GetDueBefore(_ context.Context, t time.Time) ([]*domain.Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.Schedule
	for _, sched := range s.byID {
		if sched.Status == domain.ScheduleStatusActive && sched.NextRunAt != nil && !sched.NextRunAt.After(t) {
			out = append(out, cloneSchedule(sched))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].NextRunAt.Equal(*out[j].NextRunAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].NextRunAt.Before(*out[j].NextRunAt)
	})
	return out, nil
}

func (s *ScheduleStore) Update(_ context.Context, name string, patch domain.SchedulePatch) (*domain.Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byName[name]
	if !ok {
		return nil, domain.ErrScheduleNotFound
	}
	sched := s.byID[id]

	if patch.Description {
		sched.Description = patch.DescriptionValue
	}
	if patch.IntervalMs {
		if !sched.Type.IsInterval() {
			return nil, domain.ErrIntervalNotAllowed
		}
		sched.IntervalMs = patch.IntervalMsValue
		if sched.ActiveJobID == nil {
			switch patch.NextRunAtResolution {
			case domain.NextRunAtPreserve:
				// leave sched.NextRunAt untouched
			case domain.NextRunAtExplicit:
				sched.NextRunAt = patch.NextRunAtValue
			default: // reset, the default when interval changes
				t := time.Now().Add(time.Duration(patch.IntervalMsValue) * time.Millisecond)
				sched.NextRunAt = &t
			}
		}
	}
	if patch.NextRunAt && !patch.IntervalMs {
		sched.NextRunAt = patch.NextRunAtValue
	}
	if patch.JobType {
		sched.JobType = patch.JobTypeValue
	}
	if patch.JobPayload {
		sched.JobPayload = patch.JobPayloadValue
	}
	if patch.JobPriority {
		sched.JobPriority = patch.JobPriorityValue
	}
	if patch.JobMaxRetries {
		sched.JobMaxRetries = patch.JobMaxRetriesValue
	}
	if patch.JobExecutionMode {
		sched.JobExecutionMode = patch.JobExecutionModeValue
	}
	if patch.MaxConsecutiveFailures {
		sched.MaxConsecutiveFailures = patch.MaxConsecutiveFailuresValue
	}
	sched.UpdatedAt = time.Now()

	return cloneSchedule(sched), nil
}

func (s *ScheduleStore) Delete(_ context.Context, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byName[name]
	if !ok {
		return false, nil
	}
	delete(s.byID, id)
	delete(s.byName, name)
	return true, nil
}

func (s *ScheduleStore) SetStatus(_ context.Context, name string, status domain.ScheduleStatus, nextRunAt *time.Time) (*domain.Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byName[name]
	if !ok {
		return nil, domain.ErrScheduleNotFound
	}
	sched := s.byID[id]
	sched.Status = status
	sched.NextRunAt = nextRunAt
	sched.UpdatedAt = time.Now()
	return cloneSchedule(sched), nil
}

func (s *ScheduleStore) SetActiveJobID(_ context.Context, name string, jobID *string) (*domain.Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byName[name]
	if !ok {
		return nil, domain.ErrScheduleNotFound
	}
	sched := s.byID[id]
	sched.ActiveJobID = jobID
	sched.UpdatedAt = time.Now()
	return cloneSchedule(sched), nil
}

func (s *ScheduleStore) RecordTrigger(_ context.Context, name string, triggeredAt time.Time, nextRunAt *time.Time) (*domain.Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byName[name]
	if !ok {
		return nil, domain.ErrScheduleNotFound
	}
	sched := s.byID[id]
	sched.LastTriggeredAt = &triggeredAt
	sched.NextRunAt = nextRunAt
	sched.UpdatedAt = triggeredAt
	return cloneSchedule(sched), nil
}

func (s *ScheduleStore) RecordCompletion(_ context.Context, name string, fn func(*domain.Schedule) store.CompletionEffect) (*domain.Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byName[name]
	if !ok {
		return nil, domain.ErrScheduleNotFound
	}
	sched := s.byID[id]
	effect := fn(cloneSchedule(sched))

	sched.Status = effect.Status
	sched.NextRunAt = effect.NextRunAt
	sched.ConsecutiveFailures = effect.ConsecutiveFailures
	sched.LastError = effect.LastError
	if effect.ClearActiveJobID {
		sched.ActiveJobID = nil
	}
	if effect.SetLastCompletedAt {
		sched.LastCompletedAt = &effect.CompletedAt
	}
	sched.UpdatedAt = time.Now()
	return cloneSchedule(sched), nil
}

func (s *ScheduleStore) DeleteEphemeral(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, sched := range s.byID {
		if !sched.IsPersistent {
			delete(s.byID, id)
			delete(s.byName, sched.Name)
			n++
		}
	}
	return n, nil
}

func (s *ScheduleStore) WithActiveJob(_ context.Context) ([]*domain.Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.Schedule
	for _, sched := range s.byID {
		if sched.ActiveJobID != nil {
			out = append(out, cloneSchedule(sched))
		}
	}
	return out, nil
}

func cloneSchedule(s *domain.Schedule) *domain.Schedule {
	c := *s
	return &c
}
