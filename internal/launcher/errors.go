package launcher

import "fmt"

// ValidationError is returned for malformed input. Nothing is written when it occurs.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

// PersistenceError means the conversation or the initial run record could not be written. No task
// was triggered.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("could not %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// TriggerError means the run was created but could not be handed to a worker. The run has been
// marked as failed, unless MarkFailedErr says otherwise.
type TriggerError struct {
	RunID         string
	Err           error
	MarkFailedErr error
}

func (e *TriggerError) Error() string {
	return fmt.Sprintf("could not trigger run %s: %v", e.RunID, e.Err)
}

func (e *TriggerError) Unwrap() error { return e.Err }
