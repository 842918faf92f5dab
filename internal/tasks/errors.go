package tasks

import (
	"errors"
	"fmt"
)

var (
	ErrTaskAlreadyExists     = errors.New("task already exists")
	ErrInvalidMerge          = errors.New("invalid merge")
	ErrInvalidTask           = errors.New("invalid task")
	ErrMissingArtifact       = errors.New("static task artifact missing")
	ErrSelfDependency        = errors.New("task depends on itself")
	ErrDuplicateOutputPath   = errors.New("tasks share an output path")
	ErrFrozenArtifactMissing = errors.New("frozen task artifact missing")
	ErrStaticTaskExecuted    = errors.New("static task cannot be executed")
	ErrTaskNotInScenario     = errors.New("task not in scenario")
)

// TaskError is a scenario or registration failure tied to one task name.
type TaskError struct {
	Kind error
	Task string
	Msg  string
}

func (e *TaskError) Error() string {
	if e == nil {
		return ""
	}
	if e.Msg == "" {
		return fmt.Sprintf("%s: %q", e.Kind.Error(), e.Task)
	}
	return fmt.Sprintf("%s: %s", e.Kind.Error(), e.Msg)
}

func (e *TaskError) Unwrap() error { return e.Kind }

func taskError(kind error, task string, format string, args ...any) error {
	return &TaskError{Kind: kind, Task: task, Msg: fmt.Sprintf(format, args...)}
}

// ExecutionError reports the task whose recipe failed. Err is the recipe's
// error as returned.
type ExecutionError struct {
	Task *Task
	Err  error
}

func (e *ExecutionError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("task %q failed: %v", e.Task.Name(), e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }
