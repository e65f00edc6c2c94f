// Package instanceid mints the short, process-lifetime-stable string that
// lets the Recovery Coordinator tell "my in-flight task" apart from a
// previous instance's abandoned one.
package instanceid

import (
	"context"

	"github.com/google/uuid"
)

type ctxKey struct{}

// Service hands out the single id for this process's lifetime. Unlike a
// per-request id, New is called exactly once, in main, and the same value
// is threaded everywhere a "currentInstanceId" comparison is needed.
type Service struct {
	id string
}

// New mints a fresh instance id. Called once per process start.
func New() *Service {
	return &Service{id: uuid.NewString()}
}

// ID returns the stable id for this process.
func (s *Service) ID() string {
	return s.id
}

// WithInstanceID returns a copy of ctx carrying the instance id, so log
// lines and recovery queries can be correlated back to the owning process.
func WithInstanceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// FromContext extracts the instance id from ctx. Returns "" if absent.
func FromContext(ctx context.Context) string {
	id, _ := ctx.Value(ctxKey{}).(string)
	return id
}
