package tasks

import (
	"context"
	"os"
	"time"
)

// Recipe produces a task's artifact. It must leave the artifact at the task's
// path when it returns nil.
type Recipe func(ctx context.Context) error

type TaskStatus string

const (
	TaskStatusPlanned   TaskStatus = "planned"
	TaskStatusFrozen    TaskStatus = "frozen"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusSkipped   TaskStatus = "skipped"
)

func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusSkipped:
		return true
	default:
		return false
	}
}

// TaskEvent reports a task status transition during a run. Seq is the task's
// position in the scenario.
type TaskEvent struct {
	Task      *Task
	Seq       int
	Status    TaskStatus
	Err       error
	StartedAt time.Time
	EndedAt   time.Time
}

func (e TaskEvent) Duration() time.Duration {
	if e.StartedAt.IsZero() || e.EndedAt.IsZero() {
		return 0
	}
	return e.EndedAt.Sub(e.StartedAt)
}

// An Observer receives TaskEvents. With parallelism above one it is called
// from several goroutines.
type Observer func(TaskEvent)

// FileSystem answers whether an artifact exists.
type FileSystem interface {
	Exists(path string) bool
}

type OSFileSystem struct{}

func (OSFileSystem) Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// FileSystemFunc adapts a function to FileSystem.
type FileSystemFunc func(path string) bool

func (f FileSystemFunc) Exists(path string) bool { return f(path) }
