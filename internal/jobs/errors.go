package jobs

import (
	"errors"
	"fmt"
)

var (
	// ErrJobNotFound is returned when a job is not in the job list
	ErrJobNotFound = errors.New("job not found")

	// ErrUnknownAction is returned when a job names an action missing from the catalog
	ErrUnknownAction = errors.New("action not found")

	// ErrUnknownFunction is returned when a step names a function that is not registered
	ErrUnknownFunction = errors.New("function not registered")

	// ErrInvalidCatalog is returned when the action catalog cannot be loaded
	ErrInvalidCatalog = errors.New("invalid action catalog")

	// ErrStepTimeout is returned when a command step runs past its timeout
	ErrStepTimeout = errors.New("step timed out")

	// ErrUnknownParam is returned when a command template references an undeclared parameter
	ErrUnknownParam = errors.New("unknown parameter in command template")

	// ErrInvalidJobID is returned for job ids that are not UUIDs
	ErrInvalidJobID = errors.New("invalid job id")
)

// ValidationError rejects a job request before it is enqueued. Field names the first
// offending form field, or "action" when the action itself is unknown.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s - %s", e.Field, e.Reason)
}

// StepError records the step that stopped a job.
type StepError struct {
	Step int
	Name string
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %d (%s) failed: %v", e.Step, e.Name, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}
