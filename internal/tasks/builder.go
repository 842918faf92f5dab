package tasks

import (
	"log/slog"
	"path/filepath"
	"strings"
)

// Builder registers tasks by unique name. Dynamic tasks write their artifact
// at <output directory>/<name>.
type Builder struct {
	outputDir string
	fs        FileSystem
	logger    *slog.Logger

	byName map[string]*Task
	order  []*Task
}

type BuilderOption func(*Builder)

// WithFileSystem replaces the filesystem used to check artifacts.
func WithFileSystem(fs FileSystem) BuilderOption {
	return func(b *Builder) {
		if fs != nil {
			b.fs = fs
		}
	}
}

func WithLogger(logger *slog.Logger) BuilderOption {
	return func(b *Builder) {
		if logger != nil {
			b.logger = logger
		}
	}
}

func NewBuilder(outputDir string, opts ...BuilderOption) *Builder {
	b := &Builder{
		outputDir: outputDir,
		fs:        OSFileSystem{},
		logger:    slog.Default(),
		byName:    make(map[string]*Task),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Builder) OutputDirectory() string { return b.outputDir }

func (b *Builder) FileSystem() FileSystem { return b.fs }

// CreateStaticTask registers a task for an artifact that already exists at
// path.
func (b *Builder) CreateStaticTask(name, path string) (*Task, error) {
	if !b.fs.Exists(path) {
		return nil, taskError(ErrMissingArtifact, name, "static task %q: %s does not exist", name, path)
	}
	if _, exists := b.byName[name]; exists {
		return nil, taskError(ErrTaskAlreadyExists, name, "task %q already exists", name)
	}
	if err := validateName(name); err != nil {
		return nil, err
	}
	task := &Task{name: name, path: path}
	b.add(task)
	return task, nil
}

type registerOptions struct {
	merge bool
}

type RegisterOption func(*registerOptions)

// Merge makes RegisterTask return the already registered dynamic task of the
// same name instead of failing. The new recipe is discarded and nothing checks
// that the two recipes are equivalent.
func Merge() RegisterOption {
	return func(o *registerOptions) { o.merge = true }
}

// RegisterTask registers a dynamic task producing <output directory>/<name>.
func (b *Builder) RegisterTask(name string, dependencies []*Task, recipe Recipe, opts ...RegisterOption) (*Task, error) {
	var o registerOptions
	for _, opt := range opts {
		opt(&o)
	}

	if existing, exists := b.byName[name]; exists {
		if !o.merge {
			return nil, taskError(ErrTaskAlreadyExists, name, "task %q already exists", name)
		}
		if existing.IsStatic() {
			return nil, taskError(ErrInvalidMerge, name, "cannot merge with static task %q", name)
		}
		b.logger.Warn("merged task registration discards the new recipe", "task", name)
		return existing, nil
	}

	if err := validateName(name); err != nil {
		return nil, err
	}
	if recipe == nil {
		return nil, taskError(ErrInvalidTask, name, "task %q has no recipe", name)
	}
	deps := make([]*Task, 0, len(dependencies))
	for _, dep := range dependencies {
		if dep == nil {
			return nil, taskError(ErrInvalidTask, name, "task %q has a nil dependency", name)
		}
		deps = append(deps, dep)
	}

	task := &Task{
		name:         name,
		path:         filepath.Join(b.outputDir, name),
		dependencies: deps,
		recipe:       recipe,
	}
	b.add(task)
	return task, nil
}

// Tasks returns every registered task in registration order.
func (b *Builder) Tasks() []*Task {
	out := make([]*Task, len(b.order))
	copy(out, b.order)
	return out
}

func (b *Builder) Task(name string) (*Task, bool) {
	t, ok := b.byName[name]
	return t, ok
}

// GenerateScenario is GenerateScenario using the builder's filesystem.
func (b *Builder) GenerateScenario(finalTasks []*Task, frozen TaskSet) (Scenario, error) {
	return GenerateScenario(b.fs, finalTasks, frozen)
}

func (b *Builder) add(task *Task) {
	b.byName[task.name] = task
	b.order = append(b.order, task)
}

func validateName(name string) error {
	if strings.TrimSpace(name) == "" {
		return taskError(ErrInvalidTask, name, "task name is required")
	}
	return nil
}
