package planning

import (
	"errors"
	"fmt"
	"strings"
)

// Every validation failure matches ErrInvalidPlan as well as its own kind.
var (
	ErrInvalidPlan        = errors.New("invalid plan")
	ErrEmptyTaskID        = errors.New("task id is empty")
	ErrDuplicateTask      = errors.New("duplicate task id")
	ErrDanglingDependency = errors.New("dangling dependency")
	ErrCycleDetected      = errors.New("cycle detected")
	ErrMalformedPlan      = errors.New("malformed plan")
)

// PlanError wraps structural failures that are not tied to a dependency edge.
type PlanError struct {
	Kind error
	Msg  string
}

func (e *PlanError) Error() string {
	if e == nil {
		return ""
	}
	if e.Msg == "" {
		return e.Kind.Error()
	}
	return fmt.Sprintf("%s: %s", e.Kind.Error(), e.Msg)
}

func (e *PlanError) Unwrap() []error { return []error{ErrInvalidPlan, e.Kind} }

type DanglingDependencyError struct {
	TaskID    string
	MissingID string
}

func (e *DanglingDependencyError) Error() string {
	return fmt.Sprintf("%s: task %q depends on unknown task %q", ErrDanglingDependency, e.TaskID, e.MissingID)
}

func (e *DanglingDependencyError) Unwrap() []error {
	return []error{ErrInvalidPlan, ErrDanglingDependency}
}

// CycleError carries one witness cycle. Path starts and ends with the same id
// and follows task -> dependency edges.
type CycleError struct {
	Path []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("%s: %s", ErrCycleDetected, strings.Join(e.Path, " -> "))
}

func (e *CycleError) Unwrap() []error { return []error{ErrInvalidPlan, ErrCycleDetected} }

func invalidf(kind error, format string, args ...any) error {
	return &PlanError{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}
