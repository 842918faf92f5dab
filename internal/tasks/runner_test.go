package tasks

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antoniostano/loadlab/internal/observability"
)

type eventLog struct {
	mu     sync.Mutex
	events []TaskEvent
}

func (l *eventLog) observe(ev TaskEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) statuses(name string) []TaskStatus {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []TaskStatus
	for _, ev := range l.events {
		if ev.Task.Name() == name {
			out = append(out, ev.Status)
		}
	}
	return out
}

type orderLog struct {
	mu    sync.Mutex
	names []string
}

func (o *orderLog) recipe(name string) Recipe {
	return func(context.Context) error {
		o.mu.Lock()
		defer o.mu.Unlock()
		o.names = append(o.names, name)
		return nil
	}
}

func (o *orderLog) snapshot() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.names...)
}

func TestRunner_SequentialStopsAtFirstFailure(t *testing.T) {
	b := newTestBuilder(newMemFS())
	var order orderLog
	boom := errors.New("boom")

	a, err := b.RegisterTask("a", nil, order.recipe("a"))
	require.NoError(t, err)
	broken, err := b.RegisterTask("broken", []*Task{a}, func(context.Context) error { return boom })
	require.NoError(t, err)
	after, err := b.RegisterTask("after", []*Task{broken}, order.recipe("after"))
	require.NoError(t, err)

	scenario, err := b.GenerateScenario([]*Task{after}, nil)
	require.NoError(t, err)

	reg := prometheus.NewRegistry()
	metrics := observability.NewMetrics("test", reg)
	var events eventLog
	runner := NewRunner(
		WithRunnerLogger(quietLogger()),
		WithMetrics(metrics),
		WithTracer(observability.NoopTracer()),
		WithObserver(events.observe),
	)

	err = runner.Run(context.Background(), scenario)
	require.Error(t, err)
	assert.True(t, errors.Is(err, boom))

	var execErr *ExecutionError
	require.True(t, errors.As(err, &execErr))
	assert.Same(t, broken, execErr.Task)

	assert.Equal(t, []string{"a"}, order.snapshot())
	assert.Equal(t, []TaskStatus{TaskStatusPlanned, TaskStatusRunning, TaskStatusCompleted}, events.statuses("a"))
	assert.Equal(t, []TaskStatus{TaskStatusPlanned, TaskStatusRunning, TaskStatusFailed}, events.statuses("broken"))
	assert.Equal(t, []TaskStatus{TaskStatusPlanned, TaskStatusSkipped}, events.statuses("after"))

	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.TaskExecutions.WithLabelValues("completed")))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.TaskExecutions.WithLabelValues("failed")))
	assert.Equal(t, float64(3), testutil.ToFloat64(metrics.ScenarioTasks))
	assert.Equal(t, float64(0), testutil.ToFloat64(metrics.RunningTasks))
}

func TestRunner_ParallelRespectsDependencies(t *testing.T) {
	b := newTestBuilder(newMemFS())
	var order orderLog

	root, err := b.RegisterTask("root", nil, order.recipe("root"))
	require.NoError(t, err)
	var leaves []*Task
	for _, name := range []string{"l1", "l2", "l3", "l4"} {
		leaf, err := b.RegisterTask(name, []*Task{root}, order.recipe(name))
		require.NoError(t, err)
		leaves = append(leaves, leaf)
	}
	join, err := b.RegisterTask("join", leaves, order.recipe("join"))
	require.NoError(t, err)

	scenario, err := b.GenerateScenario([]*Task{join}, nil)
	require.NoError(t, err)

	runner := NewRunner(WithRunnerLogger(quietLogger()), WithParallelism(3))
	require.NoError(t, runner.Run(context.Background(), scenario))

	got := order.snapshot()
	require.Len(t, got, 6)
	assert.Equal(t, "root", got[0])
	assert.Equal(t, "join", got[5])
	assert.ElementsMatch(t, []string{"l1", "l2", "l3", "l4"}, got[1:5])
	for _, task := range scenario {
		assert.True(t, task.IsDone())
	}
}

func TestRunner_ParallelRunsIndependentBranchesConcurrently(t *testing.T) {
	b := newTestBuilder(newMemFS())
	started := make(chan string, 2)
	release := make(chan struct{})

	wait := func(name string) Recipe {
		return func(ctx context.Context) error {
			started <- name
			select {
			case <-release:
				return nil
			case <-time.After(5 * time.Second):
				return errors.New("sibling never started")
			}
		}
	}
	left, err := b.RegisterTask("left", nil, wait("left"))
	require.NoError(t, err)
	right, err := b.RegisterTask("right", nil, wait("right"))
	require.NoError(t, err)

	scenario, err := b.GenerateScenario([]*Task{left, right}, nil)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		done <- NewRunner(WithRunnerLogger(quietLogger()), WithParallelism(2)).Run(context.Background(), scenario)
	}()

	for i := 0; i < 2; i++ {
		select {
		case <-started:
		case <-time.After(2 * time.Second):
			t.Fatal("both branches should be running at once")
		}
	}
	close(release)
	require.NoError(t, <-done)
}

func TestRunner_ParallelFailureStopsDependents(t *testing.T) {
	b := newTestBuilder(newMemFS())
	var order orderLog
	boom := errors.New("boom")

	broken, err := b.RegisterTask("broken", nil, func(context.Context) error { return boom })
	require.NoError(t, err)
	child, err := b.RegisterTask("child", []*Task{broken}, order.recipe("child"))
	require.NoError(t, err)

	scenario, err := b.GenerateScenario([]*Task{child}, nil)
	require.NoError(t, err)

	var events eventLog
	runner := NewRunner(WithRunnerLogger(quietLogger()), WithParallelism(4), WithObserver(events.observe))
	err = runner.Run(context.Background(), scenario)
	require.Error(t, err)
	assert.True(t, errors.Is(err, boom))

	var execErr *ExecutionError
	require.True(t, errors.As(err, &execErr))
	assert.Same(t, broken, execErr.Task)

	assert.Empty(t, order.snapshot())
	assert.Equal(t, []TaskStatus{TaskStatusPlanned, TaskStatusSkipped}, events.statuses("child"))
}

func TestRunner_CancelledContext(t *testing.T) {
	b := newTestBuilder(newMemFS())
	var order orderLog
	a, err := b.RegisterTask("a", nil, order.recipe("a"))
	require.NoError(t, err)
	scenario := Scenario{a}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	for _, parallelism := range []int{1, 2} {
		err := NewRunner(WithRunnerLogger(quietLogger()), WithParallelism(parallelism)).Run(ctx, scenario)
		assert.True(t, errors.Is(err, context.Canceled), "parallelism %d", parallelism)
	}
	assert.Empty(t, order.snapshot())
}
