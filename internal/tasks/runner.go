package tasks

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/antoniostano/loadlab/internal/dag"
	"github.com/antoniostano/loadlab/internal/observability"
)

const banner = "------------------------------------------------------------"

// Runner executes scenarios.
type Runner struct {
	logger      *slog.Logger
	metrics     *observability.Metrics
	tracer      trace.Tracer
	parallelism int
	observer    Observer
	now         func() time.Time
}

type RunnerOption func(*Runner)

func WithRunnerLogger(logger *slog.Logger) RunnerOption {
	return func(r *Runner) {
		if logger != nil {
			r.logger = logger
		}
	}
}

func WithMetrics(m *observability.Metrics) RunnerOption {
	return func(r *Runner) { r.metrics = m }
}

func WithTracer(tracer trace.Tracer) RunnerOption {
	return func(r *Runner) {
		if tracer != nil {
			r.tracer = tracer
		}
	}
}

// WithParallelism bounds how many recipes run at once. Values below one
// mean one.
func WithParallelism(n int) RunnerOption {
	return func(r *Runner) {
		if n < 1 {
			n = 1
		}
		r.parallelism = n
	}
}

func WithObserver(observer Observer) RunnerOption {
	return func(r *Runner) { r.observer = observer }
}

func NewRunner(opts ...RunnerOption) *Runner {
	r := &Runner{
		logger:      slog.Default(),
		tracer:      observability.Tracer(),
		parallelism: 1,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run executes every task of scenario. A task starts only once all of its
// dependencies in the scenario have completed. After the first failure no
// new task starts and Run returns an *ExecutionError for that task.
func (r *Runner) Run(ctx context.Context, scenario Scenario) error {
	ctx, span := r.tracer.Start(ctx, "scenario", trace.WithAttributes(
		attribute.Int("scenario.tasks", len(scenario)),
		attribute.Int("scenario.parallelism", r.parallelism),
	))
	defer span.End()

	r.metrics.SetScenarioSize(len(scenario))
	for i, t := range scenario {
		r.emit(TaskEvent{Task: t, Seq: i, Status: TaskStatusPlanned})
	}

	var err error
	if r.parallelism <= 1 {
		err = r.runSequential(ctx, scenario)
	} else {
		err = r.runParallel(ctx, scenario)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (r *Runner) runSequential(ctx context.Context, scenario Scenario) error {
	for i, t := range scenario {
		if err := ctx.Err(); err != nil {
			r.skip(scenario[i:], i)
			return err
		}
		if err := r.execute(ctx, i, t); err != nil {
			r.skip(scenario[i+1:], i+1)
			return &ExecutionError{Task: t, Err: err}
		}
	}
	return nil
}

type finished struct {
	seq int
	err error
}

func (r *Runner) runParallel(ctx context.Context, scenario Scenario) error {
	graph, nodes, err := scenarioGraph(scenario)
	if err != nil {
		return err
	}
	if _, err := dag.TopologicalSort(graph.Nodes(), nil); err != nil {
		return err
	}

	pending := make([]int, len(nodes))
	var ready []int
	for i, n := range nodes {
		pending[i] = len(n.Predecessors())
		if pending[i] == 0 {
			ready = append(ready, i)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	results := make(chan finished, len(scenario))
	started := make([]bool, len(scenario))
	running := 0
	stopped := false

	for {
		for !stopped && gctx.Err() == nil && running < r.parallelism && len(ready) > 0 {
			seq := ready[0]
			ready = ready[1:]
			started[seq] = true
			running++
			t := scenario[seq]
			g.Go(func() error {
				err := r.execute(gctx, seq, t)
				results <- finished{seq: seq, err: err}
				if err != nil {
					return &ExecutionError{Task: t, Err: err}
				}
				return nil
			})
		}
		if running == 0 {
			break
		}

		res := <-results
		running--
		if res.err != nil || gctx.Err() != nil {
			stopped = true
			continue
		}
		for _, s := range nodes[res.seq].Successors() {
			pending[s.Index()]--
			if pending[s.Index()] == 0 {
				ready = append(ready, s.Index())
			}
		}
		sort.Ints(ready)
	}

	waitErr := g.Wait()
	for seq, t := range scenario {
		if !started[seq] {
			r.emit(TaskEvent{Task: t, Seq: seq, Status: TaskStatusSkipped})
		}
	}
	if waitErr != nil {
		return waitErr
	}
	return ctx.Err()
}

// scenarioGraph mirrors the scenario's dependency edges, with node indices
// equal to scenario positions.
func scenarioGraph(scenario Scenario) (*dag.Graph, []*dag.Node, error) {
	graph := dag.NewGraph()
	nodes := make([]*dag.Node, len(scenario))
	position := make(map[*Task]int, len(scenario))
	for i, t := range scenario {
		nodes[i] = graph.AddNode()
		position[t] = i
	}
	for i, t := range scenario {
		for _, dep := range t.dependencies {
			depIndex, ok := position[dep]
			if !ok {
				continue
			}
			if err := nodes[depIndex].AddSuccessor(nodes[i]); err != nil {
				return nil, nil, err
			}
		}
	}
	return graph, nodes, nil
}

func (r *Runner) execute(ctx context.Context, seq int, t *Task) error {
	ctx, span := r.tracer.Start(ctx, "task "+t.name, trace.WithAttributes(
		attribute.String("task.name", t.name),
		attribute.String("task.path", t.path),
		attribute.Int("task.seq", seq),
	))
	defer span.End()

	r.logger.Info(banner+" "+t.name, "seq", seq)
	startedAt := r.now()
	r.emit(TaskEvent{Task: t, Seq: seq, Status: TaskStatusRunning, StartedAt: startedAt})
	r.metrics.TaskStarted()

	err := t.Execute(ctx)

	r.metrics.TaskFinished()
	endedAt := r.now()
	status := TaskStatusCompleted
	if err != nil {
		status = TaskStatusFailed
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		r.logger.Error("task failed", "task", t.name, "error", err)
	}
	r.metrics.ObserveTask(t.name, string(status), endedAt.Sub(startedAt))
	r.emit(TaskEvent{Task: t, Seq: seq, Status: status, Err: err, StartedAt: startedAt, EndedAt: endedAt})
	return err
}

func (r *Runner) skip(rest []*Task, firstSeq int) {
	for i, t := range rest {
		r.emit(TaskEvent{Task: t, Seq: firstSeq + i, Status: TaskStatusSkipped})
	}
}

func (r *Runner) emit(ev TaskEvent) {
	if r.observer != nil {
		r.observer(ev)
	}
}
