package tasks

import (
	"context"
	"sync"
)

// Task is a named unit of work producing one artifact at Path. A task without
// a recipe is static: its artifact exists before anything runs.
type Task struct {
	name         string
	path         string
	dependencies []*Task
	recipe       Recipe

	mu   sync.Mutex
	done bool
}

func (t *Task) Name() string { return t.name }
func (t *Task) Path() string { return t.path }

// Dependencies returns a copy of the tasks this one depends on, in
// registration order.
func (t *Task) Dependencies() []*Task {
	out := make([]*Task, len(t.dependencies))
	copy(out, t.dependencies)
	return out
}

func (t *Task) IsStatic() bool { return t.recipe == nil }

// IsDone reports whether the task's artifact is known to exist in this
// process. Static tasks are always done.
func (t *Task) IsDone() bool {
	if t.IsStatic() {
		return true
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.done
}

// Execute runs the recipe once. Later calls return nil without running it.
// A failing recipe leaves the task not done and its error is returned as is.
func (t *Task) Execute(ctx context.Context) error {
	if t.IsStatic() {
		return taskError(ErrStaticTaskExecuted, t.name, "static task %q has no recipe", t.name)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return nil
	}
	if err := t.recipe(ctx); err != nil {
		return err
	}
	t.done = true
	return nil
}

func (t *Task) String() string { return t.name }
