package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ErlanBelekov/scheduling-core/internal/domain"
	"github.com/ErlanBelekov/scheduling-core/internal/store"
)

// TaskStore is an in-memory store.TaskStore. Synthetic ids
// are a monotonically-decreasing private sequence, distinct from any
// persisted row-id space — a disambiguator only, never a sort order.
type TaskStore struct {
	mu       sync.Mutex
	byID     map[string]*domain.Task
	byName   map[string]string
	nextSeq  int64
	persisted bool // true => this instance models the persisted Task Store
}

// NewTaskStore builds the in-memory Task Store: ephemeral, synthetic
// ids, no processInstanceId tracking.
func NewTaskStore() *TaskStore {
	return &TaskStore{byID: make(map[string]*domain.Task), byName: make(map[string]string), nextSeq: -1}
}

// NewPersistedTaskStore builds an in-memory stand-in for the persisted
// Task Store variant, used in tests that
// exercise orphan/stuck recovery without a real database.
func NewPersistedTaskStore() *TaskStore {
	return &TaskStore{byID: make(map[string]*domain.Task), byName: make(map[string]string), nextSeq: -1, persisted: true}
}

func (s *TaskStore) allocID() string {
	id := fmt.Sprintf("mem-%d", s.nextSeq)
	s.nextSeq--
	return id
}

func (s *TaskStore) Create(_ context.Context, draft domain.TaskDraft) (*domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byName[draft.Name]; ok {
		return nil, domain.ErrDuplicateName
	}

	maxFailures := draft.MaxConsecutiveFailures
	if maxFailures <= 0 {
		maxFailures = domain.DefaultTaskMaxConsecutiveFailures
	}

	mode := domain.StorageInMemory
	if s.persisted {
		mode = domain.StoragePersisted
	}

	t := &domain.Task{
		ID:                     s.allocID(),
		Name:                   draft.Name,
		Type:                   draft.Type,
		ScheduleType:           draft.ScheduleType,
		StorageMode:            mode,
		IntervalSeconds:        draft.IntervalSeconds,
		ScheduledAt:            draft.ScheduledAt,
		Enabled:                draft.Enabled,
		Payload:                draft.Payload,
		MaxConsecutiveFailures: maxFailures,
		Status:                 domain.TaskStatusIdle,
	}
	if draft.ScheduleType == domain.TaskOneOff {
		t.NextRunAt = draft.ScheduledAt
	}

	s.byID[t.ID] = t
	s.byName[t.Name] = t.ID
	return cloneTask(t), nil
}

func (s *TaskStore) GetByName(_ context.Context, name string) (*domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byName[name]
	if !ok {
		return nil, domain.ErrTaskNotFound
	}
	return cloneTask(s.byID[id]), nil
}

func (s *TaskStore) GetByID(_ context.Context, id string) (*domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.byID[id]
	if !ok {
		return nil, domain.ErrTaskNotFound
	}
	return cloneTask(t), nil
}

func (s *TaskStore) GetAll(_ context.Context) ([]*domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*domain.Task, 0, len(s.byID))
	for _, t := range s.byID {
		out = append(out, cloneTask(t))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *TaskStore) GetDueBefore(_ context.Context, t time.Time) ([]*domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.Task
	for _, task := range s.byID {
		if task.Status == domain.TaskStatusIdle && task.Enabled && task.NextRunAt != nil && !task.NextRunAt.After(t) {
			out = append(out, cloneTask(task))
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

func (s *TaskStore) Update(_ context.Context, name string, patch store.TaskPatch) (*domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byName[name]
	if !ok {
		return nil, domain.ErrTaskNotFound
	}
	t := s.byID[id]
	if patch.Enabled {
		t.Enabled = patch.EnabledValue
	}
	if patch.IntervalSeconds {
		t.IntervalSeconds = patch.IntervalSecondsValue
	}
	if patch.Payload {
		t.Payload = patch.PayloadValue
	}
	if patch.MaxConsecutiveFailures {
		t.MaxConsecutiveFailures = patch.MaxConsecutiveFailuresValue
	}
	return cloneTask(t), nil
}

func (s *TaskStore) Delete(_ context.Context, name string) (bool, error) {
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

func (s *TaskStore) Claim(_ context.Context, name string, now time.Time, instanceID string) (*domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byName[name]
	if !ok {
		return nil, domain.ErrTaskNotFound
	}
	t := s.byID[id]
	if t.Status != domain.TaskStatusIdle {
		return nil, nil
	}
	t.Status = domain.TaskStatusRunning
	t.RunStartedAt = &now
	if s.persisted {
		t.ProcessInstanceID = &instanceID
	}
	return cloneTask(t), nil
}

func (s *TaskStore) MarkIdle(_ context.Context, name string, outcome domain.TaskRunOutcome, now time.Time) (*domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byName[name]
	if !ok {
		return nil, domain.ErrTaskNotFound
	}
	t := s.byID[id]

	t.LastRunAt = &now
	t.RunStartedAt = nil
	t.ProcessInstanceID = nil
	t.LastError = outcome.Error

	if outcome.Success {
		t.ConsecutiveFailures = 0
	} else {
		t.ConsecutiveFailures++
	}

	switch {
	case t.ConsecutiveFailures >= t.MaxConsecutiveFailures:
		t.Status = domain.TaskStatusDisabled
		t.NextRunAt = nil
	case outcome.NextRunAt != nil:
		t.Status = domain.TaskStatusIdle
		t.NextRunAt = outcome.NextRunAt
	default:
		t.Status = domain.TaskStatusIdle
		switch t.ScheduleType {
		case domain.TaskOneOff:
			t.NextRunAt = nil
		case domain.TaskInterval:
			next := now.Add(time.Duration(t.IntervalSeconds) * time.Second)
			t.NextRunAt = &next
		case domain.TaskDynamic:
			t.NextRunAt = nil
		}
	}

	return cloneTask(t), nil
}

func (s *TaskStore) FindOrphaned(_ context.Context, currentInstanceID string) ([]*domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.Task
	for _, t := range s.byID {
		if t.Orphaned(currentInstanceID) {
			out = append(out, cloneTask(t))
		}
	}
	return out, nil
}

func (s *TaskStore) FindStuck(_ context.Context, now time.Time, timeout time.Duration) ([]*domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.Task
	for _, t := range s.byID {
		if t.Stuck(now, timeout) {
			out = append(out, cloneTask(t))
		}
	}
	return out, nil
}

func (s *TaskStore) ResetTask(_ context.Context, name string) (*domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byName[name]
	if !ok {
		return nil, domain.ErrTaskNotFound
	}
	t := s.byID[id]
	t.Status = domain.TaskStatusIdle
	t.RunStartedAt = nil
	t.ProcessInstanceID = nil
	return cloneTask(t), nil
}

func cloneTask(t *domain.Task) *domain.Task {
	c := *t
	return &c
}
