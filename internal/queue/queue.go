// Package queue defines the external job-queue contract: an opaque
// dependency the scheduling core enqueues into and observes completions
// from, never owns.
package queue

import (
	"context"

	"github.com/ErlanBelekov/scheduling-core/internal/domain"
)

// CompletionCallback is invoked at most once per job by the push variant.
type CompletionCallback func(domain.CompletionEvent)

// Queue is the job queue dependency contract.
type Queue interface {
	Enqueue(ctx context.Context, in domain.EnqueueInput) (*domain.Job, error)

	// GetJob returns nil, nil if the job has been purged.
	GetJob(ctx context.Context, id string) (*domain.Job, error)

	CancelJob(ctx context.Context, id string, reason string) error

	// SubscribeToCompletion registers cb to fire once, at the job's
	// terminal event. Returns an unsubscribe func safe to call after the
	// callback has already fired.
	SubscribeToCompletion(ctx context.Context, id string, cb CompletionCallback) (unsubscribe func(), err error)
}
