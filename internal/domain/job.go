package domain

import (
	"errors"
	"time"
)

var (
	ErrJobNotFound  = errors.New("job not found")
	ErrDuplicateJob = errors.New("job with this idempotency key already exists")
)

// JobStatus is the external job queue's terminal/non-terminal state.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

// Job is the opaque unit of work the external queue executes on behalf of
// a schedule. The scheduling core never interprets Payload, and
// interprets Result only at the dynamic-completion boundary.
type Job struct {
	ID     string
	Type   string
	Payload []byte

	Priority         int
	MaxRetries       int
	ExecutionMode    string
	ReferenceType    *string
	ReferenceID      *string

	Status       JobStatus
	Result       []byte
	CancelReason *string

	RetryCount int

	CreatedAt   time.Time
	UpdatedAt   time.Time
	ClaimedAt   *time.Time
	ClaimedBy   *string
	HeartbeatAt *time.Time
	CompletedAt *time.Time
	LastError   *string
}

// EnqueueInput is the enqueue() request shape.
type EnqueueInput struct {
	Type          string
	Payload       []byte
	Priority      int
	MaxRetries    int
	ExecutionMode string
	ReferenceType *string
	ReferenceID   *string
}

// CompletionEvent is delivered by the push variant of the job queue
// contract, at most once per job.
type CompletionEvent struct {
	Type string // "completed" | "failed" | "cancelled"
	Job  *Job
}

// DynamicResult is how a dynamic schedule's completion handler interprets
// Job.Result: an opaque JSON object whose nextRunAt field, if present and
// non-null, is an ISO-8601 timestamp.
type DynamicResult struct {
	NextRunAt *time.Time `json:"nextRunAt"`
}
