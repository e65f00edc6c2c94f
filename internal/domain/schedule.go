package domain

import (
	"errors"
	"time"
)

var (
	ErrScheduleNotFound     = errors.New("schedule not found")
	ErrDuplicateName        = errors.New("a record with this name already exists")
	ErrScheduleNotActive    = errors.New("schedule is not active")
	ErrScheduleNotPaused    = errors.New("schedule is not paused")
	ErrScheduleNotTriggerable = errors.New("schedule is completed or in error and cannot be triggered")
	ErrInvalidInterval      = errors.New("intervalMs must be a positive integer")
	ErrIntervalNotAllowed   = errors.New("intervalMs may only be set on interval-type schedules")
	ErrMissingNextRunAt     = errors.New("one_off and dynamic schedules require nextRunAt")
	ErrMissingJobType       = errors.New("jobType must not be empty")
)

// ScheduleType fixes how a Schedule computes its next firing. Immutable after creation.
type ScheduleType string

const (
	ScheduleOneOff             ScheduleType = "one_off"
	ScheduleDynamic            ScheduleType = "dynamic"
	ScheduleSequentialInterval ScheduleType = "sequential_interval"
	ScheduleConcurrentInterval ScheduleType = "concurrent_interval"
)

func (t ScheduleType) IsInterval() bool {
	return t == ScheduleSequentialInterval || t == ScheduleConcurrentInterval
}

// ScheduleStatus is the schedule's lifecycle state.
type ScheduleStatus string

const (
	ScheduleStatusActive    ScheduleStatus = "active"
	ScheduleStatusPaused    ScheduleStatus = "paused"
	ScheduleStatusCompleted ScheduleStatus = "completed"
	ScheduleStatusError     ScheduleStatus = "error"
)

const DefaultMaxConsecutiveFailures = 5

// Schedule is the rich, job-queue-backed record that drives a recurring or
// one-off job enqueue. Callers receive only immutable snapshots; all
// mutation goes through the Schedule Engine's API, never a direct store
// write.
type Schedule struct {
	ID          string
	Name        string
	Description *string

	Type   ScheduleType
	Status ScheduleStatus

	IsPersistent bool

	NextRunAt *time.Time
	IntervalMs int64

	JobType           string
	JobPayload        []byte
	JobPriority        int
	JobMaxRetries      int
	JobExecutionMode   string
	JobReferenceType   *string
	JobReferenceID     *string

	ActiveJobID *string

	ConsecutiveFailures    int
	MaxConsecutiveFailures int
	LastError              *string

	CreatedAt       time.Time
	UpdatedAt       time.Time
	LastTriggeredAt *time.Time
	LastCompletedAt *time.Time
}

// NextRunAtResolution selects how UpdateSchedule treats nextRunAt when
// intervalMs changes. This is the only switch for that decision —
// "reset"/"preserve"/"explicit" are mutually exclusive, never inferred.
type NextRunAtResolution string

const (
	NextRunAtReset    NextRunAtResolution = "reset"
	NextRunAtPreserve NextRunAtResolution = "preserve"
	NextRunAtExplicit NextRunAtResolution = "explicit"
)

// ScheduleDraft is the input to RegisterSchedule.
type ScheduleDraft struct {
	Name         string
	Description  *string
	Type         ScheduleType
	IsPersistent bool
	NextRunAt    *time.Time
	IntervalMs   int64

	JobType          string
	JobPayload       []byte
	JobPriority      int
	JobMaxRetries    int
	JobExecutionMode string
	JobReferenceType *string
	JobReferenceID   *string

	MaxConsecutiveFailures int
}

// Validate enforces register-time rules.
func (d *ScheduleDraft) Validate() error {
	if d.Name == "" {
		return ErrValidation("name must not be empty")
	}
	if d.JobType == "" {
		return ErrMissingJobType
	}
	switch d.Type {
	case ScheduleOneOff, ScheduleDynamic:
		if d.NextRunAt == nil {
			return ErrMissingNextRunAt
		}
	case ScheduleSequentialInterval, ScheduleConcurrentInterval:
		if d.IntervalMs <= 0 {
			return ErrInvalidInterval
		}
	default:
		return ErrValidation("unknown schedule type")
	}
	return nil
}

// SchedulePatch is a partial update: every field is an explicit presence
// flag plus value, so "unset this field" (Description set, DescriptionValue
// nil) is never confused with "leave untouched" (Description false).
type SchedulePatch struct {
	Description      bool
	DescriptionValue *string

	IntervalMs      bool
	IntervalMsValue int64

	NextRunAt          bool
	NextRunAtValue     *time.Time
	NextRunAtResolution NextRunAtResolution

	JobType      bool
	JobTypeValue string

	JobPayload      bool
	JobPayloadValue []byte

	JobPriority      bool
	JobPriorityValue int

	JobMaxRetries      bool
	JobMaxRetriesValue int

	JobExecutionMode      bool
	JobExecutionModeValue string

	MaxConsecutiveFailures      bool
	MaxConsecutiveFailuresValue int
}
