package domain

import "fmt"

// ValidationErr is the sentinel-compatible error kind for bad input at the
// API boundary. It carries a message but is always matched with errors.Is
// against the shared ErrValidationKind marker rather than a type assertion.
type ValidationErr struct {
	msg string
}

func (e *ValidationErr) Error() string { return e.msg }

func (e *ValidationErr) Is(target error) bool {
	_, ok := target.(*ValidationErr)
	return ok
}

// ErrValidationKind is matched via errors.Is(err, domain.ErrValidationKind)
// by any caller that only needs to know "this was a validation failure",
// without caring about the specific message.
var ErrValidationKind = &ValidationErr{msg: "validation error"}

// ErrValidation builds a ValidationErr with a specific message.
func ErrValidation(msg string) error {
	return &ValidationErr{msg: msg}
}

func ErrValidationf(format string, args ...any) error {
	return &ValidationErr{msg: fmt.Sprintf(format, args...)}
}
