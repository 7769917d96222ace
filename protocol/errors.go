package protocol

import "fmt"

// ValidationError rejects malformed input before any state is touched:
// bad threshold values, an algorithm outside the study's allowlist, a
// malformed commitment.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

// Validationf builds a ValidationError.
func Validationf(format string, args ...any) error {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// ConflictError rejects an operation that contradicts current state:
// duplicate joins or shares, a full study, a job not in the state the
// transition requires. The existing state is left unchanged.
type ConflictError struct {
	Msg string
}

func (e *ConflictError) Error() string { return e.Msg }

// Conflictf builds a ConflictError.
func Conflictf(format string, args ...any) error {
	return &ConflictError{Msg: fmt.Sprintf(format, args...)}
}

// NotFoundError reports an unknown study, job, or dataset id.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

// NotFound builds a NotFoundError.
func NotFound(kind, id string) error {
	return &NotFoundError{Kind: kind, ID: id}
}

// ComputationError wraps a Computation Engine failure. The owning job
// moves to failed with the reason recorded; nothing retries
// automatically.
type ComputationError struct {
	Reason string
	Err    error
}

func (e *ComputationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("computation failed: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("computation failed: %s", e.Reason)
}

func (e *ComputationError) Unwrap() error { return e.Err }

// IntegrityError reports a broken audit chain. It is surfaced, never
// auto-repaired: a failed verification is evidence of tampering.
type IntegrityError struct {
	StudyID  string
	Sequence uint64
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("audit chain for study %s broken at sequence %d", e.StudyID, e.Sequence)
}
