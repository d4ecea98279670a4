package scheduler

import (
	"errors"
	"fmt"
	"strings"

	"github.com/hashicorp/go-multierror"
)

var (
	ErrUnknownDependency  = errors.New("unknown dependency")
	ErrCyclicDependency   = errors.New("cyclic dependency")
	ErrResourceConflict   = errors.New("resource conflict")
	ErrWaveOrderViolation = errors.New("wave order violation")
	ErrDuplicateTask      = errors.New("duplicate task")
	ErrInvalidTask        = errors.New("invalid task")
)

// UnknownDependencyError reports a dependency on a task that is not in the set.
type UnknownDependencyError struct {
	TaskID       string
	DependencyID string
}

func (e *UnknownDependencyError) Error() string {
	return fmt.Sprintf("%s: task %q depends on non-existent task %q", ErrUnknownDependency, e.TaskID, e.DependencyID)
}

func (e *UnknownDependencyError) Unwrap() error { return ErrUnknownDependency }

// CyclicDependencyError reports one dependency cycle. Members are sorted.
type CyclicDependencyError struct {
	Members []string
}

func (e *CyclicDependencyError) Error() string {
	return fmt.Sprintf("%s: %s", ErrCyclicDependency, strings.Join(e.Members, ", "))
}

func (e *CyclicDependencyError) Unwrap() error { return ErrCyclicDependency }

// ResourceConflictError reports two tasks in the same wave claiming one resource key.
type ResourceConflictError struct {
	Resource string
	Wave     int
	TaskA    string
	TaskB    string
}

func (e *ResourceConflictError) Error() string {
	return fmt.Sprintf("%s: tasks %q and %q both own %q in wave %d", ErrResourceConflict, e.TaskA, e.TaskB, e.Resource, e.Wave)
}

func (e *ResourceConflictError) Unwrap() error { return ErrResourceConflict }

// WaveOrderViolationError reports a task scheduled no later than one of its dependencies.
type WaveOrderViolationError struct {
	TaskID         string
	Wave           int
	DependencyID   string
	DependencyWave int
}

func (e *WaveOrderViolationError) Error() string {
	return fmt.Sprintf("%s: task %q (wave %d) must run after dependency %q (wave %d)",
		ErrWaveOrderViolation, e.TaskID, e.Wave, e.DependencyID, e.DependencyWave)
}

func (e *WaveOrderViolationError) Unwrap() error { return ErrWaveOrderViolation }

// DuplicateTaskError reports a task ID declared more than once.
type DuplicateTaskError struct {
	TaskID string
}

func (e *DuplicateTaskError) Error() string {
	return fmt.Sprintf("%s: task with ID %q already exists", ErrDuplicateTask, e.TaskID)
}

func (e *DuplicateTaskError) Unwrap() error { return ErrDuplicateTask }

// InvalidTaskError reports a malformed task declaration.
type InvalidTaskError struct {
	TaskID string
	Reason string
}

func (e *InvalidTaskError) Error() string {
	if e.TaskID == "" {
		return fmt.Sprintf("%s: %s", ErrInvalidTask, e.Reason)
	}
	return fmt.Sprintf("%s: task %q: %s", ErrInvalidTask, e.TaskID, e.Reason)
}

func (e *InvalidTaskError) Unwrap() error { return ErrInvalidTask }

// ScheduleError carries every problem found while building a schedule.
type ScheduleError struct {
	merr *multierror.Error
}

func newScheduleError(merr *multierror.Error) error {
	if merr == nil || len(merr.Errors) == 0 {
		return nil
	}
	merr.ErrorFormat = formatProblems
	return &ScheduleError{merr: merr}
}

// Problems returns the individual violations in the order they were found.
func (e *ScheduleError) Problems() []error {
	return append([]error(nil), e.merr.Errors...)
}

func (e *ScheduleError) Error() string {
	return e.merr.Error()
}

// Unwrap exposes the individual violations to errors.Is and errors.As.
func (e *ScheduleError) Unwrap() []error {
	return e.merr.Errors
}

func formatProblems(errs []error) string {
	if len(errs) == 1 {
		return "schedule invalid: " + errs[0].Error()
	}
	lines := make([]string, 0, len(errs))
	for _, err := range errs {
		lines = append(lines, "  * "+err.Error())
	}
	return fmt.Sprintf("schedule invalid: %d problems:\n%s", len(errs), strings.Join(lines, "\n"))
}
