// Package completion implements the Completion Router: it bridges external
// job-queue completion events back into Schedule Engine state transitions.
// Two implementations exist (push, poll); both must produce identical
// state transitions by funneling through the same
// scheduleengine.Engine.HandleCompletion call.
package completion

import "context"

// ScheduleLookup resolves the schedule name that owns a given job id, so
// a completion event (keyed by job id) can be routed to the right record.
type ScheduleLookup interface {
	NameForActiveJob(ctx context.Context, jobID string) (string, bool, error)
}

// Router is satisfied by both the push and poll variants.
type Router interface {
	Start(ctx context.Context)
	Stop()
}
