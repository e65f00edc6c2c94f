// Package runid mints a correlation id per trigger/poll cycle, the
// scheduling core's analogue of a per-HTTP-request request id: every log
// line emitted while handling one firing can be grepped together.
package runid

import (
	"context"

	"github.com/google/uuid"
)

type ctxKey struct{}

// New generates a random id for one engine cycle.
func New() string {
	return uuid.NewString()
}

// WithRunID returns a copy of ctx with the run id attached.
func WithRunID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// FromContext extracts the run id from ctx. Returns "" if absent.
func FromContext(ctx context.Context) string {
	id, _ := ctx.Value(ctxKey{}).(string)
	return id
}
