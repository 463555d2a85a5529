package api

import (
	"errors"
	"fmt"
)

var (
	// ErrWorkflowNotFound is returned when a workflow does not exist.
	ErrWorkflowNotFound = errors.New("workflow not found")

	// ErrStepNotFound is returned when a step does not exist.
	ErrStepNotFound = errors.New("step not found")

	// ErrInvalidPlan is returned when a workflow is created from an empty or
	// malformed step list. Nothing is persisted in that case.
	ErrInvalidPlan = errors.New("invalid plan")

	// ErrNoHandler is recorded on a step whose name has no registered handler
	// and no default handler is configured.
	ErrNoHandler = errors.New("no handler registered")

	// ErrNoPlanner is returned by Submit when the engine has no Planner.
	ErrNoPlanner = errors.New("no planner configured")
)

// StepError describes why a step ended up FAILED.
type StepError struct {
	StepID   string
	StepName string
	Err      error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %s (%s): %v", e.StepName, e.StepID, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// PanicError wraps a value recovered from a panicking handler.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("handler panicked: %v", e.Value)
}
