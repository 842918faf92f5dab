package tasks

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memFS is a FileSystem backed by a set of paths.
type memFS struct {
	mu    sync.Mutex
	paths map[string]bool
}

func newMemFS(paths ...string) *memFS {
	fs := &memFS{paths: make(map[string]bool)}
	for _, p := range paths {
		fs.paths[p] = true
	}
	return fs
}

func (m *memFS) Exists(path string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.paths[path]
}

func (m *memFS) touch(path string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.paths[path] = true
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func noop(context.Context) error { return nil }

func newTestBuilder(fs *memFS) *Builder {
	return NewBuilder("/tmp", WithFileSystem(fs), WithLogger(quietLogger()))
}

func mustRegister(t *testing.T, b *Builder, name string, deps ...*Task) *Task {
	t.Helper()
	task, err := b.RegisterTask(name, deps, noop)
	require.NoError(t, err)
	return task
}

func TestGenerateScenario_Example(t *testing.T) {
	fs := newMemFS("/tmp/x")
	b := newTestBuilder(fs)

	input, err := b.CreateStaticTask("in", "/tmp/x")
	require.NoError(t, err)
	out1 := mustRegister(t, b, "out1", input)
	out2 := mustRegister(t, b, "out2", out1)
	assert.Equal(t, filepath.Join("/tmp", "out1"), out1.Path())

	scenario, err := b.GenerateScenario([]*Task{out2}, nil)
	require.NoError(t, err)
	assert.Equal(t, Scenario{out1, out2}, scenario)

	_, err = b.GenerateScenario([]*Task{out2}, NewTaskSet(out1))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrFrozenArtifactMissing))

	fs.touch("/tmp/out1")
	scenario, err = b.GenerateScenario([]*Task{out2}, NewTaskSet(out1))
	require.NoError(t, err)
	assert.Equal(t, Scenario{out2}, scenario)
}

func TestGenerateScenario_DependenciesFirstOnce(t *testing.T) {
	b := newTestBuilder(newMemFS())
	// a <- b, a <- c, b,c <- d, d <- e, a <- e
	a := mustRegister(t, b, "a")
	bb := mustRegister(t, b, "b", a)
	c := mustRegister(t, b, "c", a)
	d := mustRegister(t, b, "d", bb, c)
	e := mustRegister(t, b, "e", d, a)
	f := mustRegister(t, b, "f")

	scenario, err := b.GenerateScenario([]*Task{e, f, d}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c", "d", "e", "f"}, scenario.Names())

	for i, task := range scenario {
		for _, dep := range task.Dependencies() {
			assert.Less(t, scenario.Index(dep), i, "%s must follow %s", task.Name(), dep.Name())
		}
	}
}

func TestGenerateScenario_FrozenDependenciesAreNotWalked(t *testing.T) {
	fs := newMemFS()
	b := newTestBuilder(fs)
	a := mustRegister(t, b, "a")
	bb := mustRegister(t, b, "b", a)
	c := mustRegister(t, b, "c", bb)
	fs.touch(bb.Path())

	scenario, err := b.GenerateScenario([]*Task{c}, NewTaskSet(bb))
	require.NoError(t, err)
	assert.Equal(t, []string{"c"}, scenario.Names())
}

func TestGenerateScenario_DuplicateOutputPath(t *testing.T) {
	fs := newMemFS()
	first := newTestBuilder(fs)
	second := newTestBuilder(fs)

	a := mustRegister(t, first, "shared")
	b := mustRegister(t, second, "shared")
	top := mustRegister(t, first, "top", a)
	other := mustRegister(t, second, "other", b)

	_, err := GenerateScenario(fs, []*Task{top, other}, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDuplicateOutputPath))

	var te *TaskError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, "shared", te.Task)
}

func TestGenerateScenario_SelfDependency(t *testing.T) {
	fs := newMemFS()

	t.Run("direct", func(t *testing.T) {
		loop := &Task{name: "loop", path: "/tmp/loop", recipe: noop}
		loop.dependencies = []*Task{loop}
		_, err := GenerateScenario(fs, []*Task{loop}, nil)
		assert.True(t, errors.Is(err, ErrSelfDependency))
	})

	t.Run("transitive through a shared path", func(t *testing.T) {
		first := newTestBuilder(fs)
		second := newTestBuilder(fs)
		inner := mustRegister(t, first, "x")
		middle := mustRegister(t, first, "middle", inner)
		outer := mustRegister(t, second, "x", middle)

		_, err := GenerateScenario(fs, []*Task{outer}, nil)
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrSelfDependency))
	})
}

func TestGenerateScenario_StaticTasksContributeNothing(t *testing.T) {
	fs := newMemFS("/data/a", "/data/b")
	b := newTestBuilder(fs)
	a, err := b.CreateStaticTask("a", "/data/a")
	require.NoError(t, err)
	s, err := b.CreateStaticTask("b", "/data/b")
	require.NoError(t, err)

	scenario, err := b.GenerateScenario([]*Task{a, s}, nil)
	require.NoError(t, err)
	assert.Empty(t, scenario)
}

func TestListResumingTasksToFreeze(t *testing.T) {
	fs := newMemFS("/tmp/src")
	b := newTestBuilder(fs)
	src, err := b.CreateStaticTask("src", "/tmp/src")
	require.NoError(t, err)
	a := mustRegister(t, b, "a", src)
	bb := mustRegister(t, b, "b", a)
	c := mustRegister(t, b, "c", a)
	d := mustRegister(t, b, "d", bb, c)
	// e was frozen for the original run.
	e := mustRegister(t, b, "e")
	fs.touch(e.Path())
	final := mustRegister(t, b, "final", d, e)

	scenario, err := b.GenerateScenario([]*Task{final}, NewTaskSet(e))
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b", "c", "d", "final"}, scenario.Names())

	frozen, err := ListResumingTasksToFreeze(scenario, []*Task{final}, c)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "e"}, frozen.Names())

	for _, done := range scenario[:scenario.Index(c)] {
		fs.touch(done.Path())
	}
	resumed, err := b.GenerateScenario([]*Task{final}, frozen)
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "d", "final"}, resumed.Names())
	assert.Equal(t, c, resumed[0])
}

func TestListResumingTasksToFreeze_EveryFailurePoint(t *testing.T) {
	fs := newMemFS()
	b := newTestBuilder(fs)
	var layer []*Task
	var all []*Task
	for level := 0; level < 4; level++ {
		var next []*Task
		for i := 0; i < 3; i++ {
			task := mustRegister(t, b, fmt.Sprintf("t%d-%d", level, i), layer...)
			next = append(next, task)
			all = append(all, task)
		}
		layer = next
	}
	final := layer

	scenario, err := b.GenerateScenario(final, nil)
	require.NoError(t, err)
	require.Len(t, scenario, len(all))

	for k, failed := range scenario {
		frozen, err := ListResumingTasksToFreeze(scenario, final, failed)
		require.NoError(t, err)

		resumeFS := newMemFS()
		for _, done := range scenario[:k] {
			resumeFS.touch(done.Path())
		}
		resumed, err := GenerateScenario(resumeFS, final, frozen)
		require.NoError(t, err, "failure at %d", k)
		require.NotEmpty(t, resumed)
		assert.Equal(t, failed, resumed[0], "failure at %d", k)
		for _, task := range resumed {
			assert.GreaterOrEqual(t, scenario.Index(task), k, "%s already succeeded", task.Name())
		}
	}
}

func TestListResumingTasksToFreeze_TaskNotInScenario(t *testing.T) {
	b := newTestBuilder(newMemFS())
	a := mustRegister(t, b, "a")
	stray := mustRegister(t, b, "stray")

	scenario, err := b.GenerateScenario([]*Task{a}, nil)
	require.NoError(t, err)

	_, err = ListResumingTasksToFreeze(scenario, []*Task{a}, stray)
	assert.True(t, errors.Is(err, ErrTaskNotInScenario))
}

func TestTaskSet(t *testing.T) {
	b := newTestBuilder(newMemFS())
	z := mustRegister(t, b, "z")
	a := mustRegister(t, b, "a")

	set := NewTaskSet(z, a, z, nil)
	assert.Equal(t, 2, set.Len())
	assert.True(t, set.Contains(a))
	assert.Equal(t, []string{"a", "z"}, set.Names())

	var empty TaskSet
	assert.False(t, empty.Contains(a))
	assert.Empty(t, empty.Names())
}
