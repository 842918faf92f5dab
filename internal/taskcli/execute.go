package taskcli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/antoniostano/loadlab/internal/artifact"
	"github.com/antoniostano/loadlab/internal/policy"
	"github.com/antoniostano/loadlab/internal/runs"
	"github.com/antoniostano/loadlab/internal/tasks"
)

var (
	ErrNoStore      = errors.New("--resume needs a run store")
	ErrNotResumable = errors.New("run is not resumable")
)

type config struct {
	stdout     io.Writer
	logger     *slog.Logger
	store      runs.Store
	runnerOpts []tasks.RunnerOption
	dot        string
}

type Option func(*config)

func WithStdout(w io.Writer) Option {
	return func(c *config) {
		if w != nil {
			c.stdout = w
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *config) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithStore records every executing invocation in store.
func WithStore(store runs.Store) Option {
	return func(c *config) { c.store = store }
}

func WithRunnerOptions(opts ...tasks.RunnerOption) Option {
	return func(c *config) { c.runnerOpts = append(c.runnerOpts, opts...) }
}

// WithDotCommand sets the graphviz binary. Empty skips the PNG rendering.
func WithDotCommand(path string) Option {
	return func(c *config) { c.dot = path }
}

// Result describes one invocation.
type Result struct {
	ExitCode int
	Scenario tasks.Scenario
	RunID    string
}

// ExecuteWithCommandLine selects final and frozen tasks from opts, generates
// the scenario and runs it, or prints it with --dry-run. An empty scenario
// exits with code 1. A failing task prints the flags to re-run it and to
// resume from it, and returns the task's error.
func ExecuteWithCommandLine(ctx context.Context, opts *Options, b *tasks.Builder, defaultFinal []*tasks.Task, options ...Option) (Result, error) {
	cfg := config{stdout: os.Stdout, logger: slog.Default(), dot: "dot"}
	for _, opt := range options {
		if opt != nil {
			opt(&cfg)
		}
	}
	if err := opts.Validate(); err != nil {
		return Result{ExitCode: 2}, err
	}

	executeRegexes := append([]string(nil), opts.ToExecute...)
	freezeRegexes := append([]string(nil), opts.ToFreeze...)
	if opts.Resume != "" {
		prev, err := loadResumable(ctx, cfg.store, opts.Resume)
		if err != nil {
			return Result{ExitCode: 1}, err
		}
		for _, name := range prev.ResumeFreeze {
			freezeRegexes = append(freezeRegexes, AnchoredRegex(name))
		}
		if len(executeRegexes) == 0 {
			executeRegexes = append(executeRegexes, prev.ExecuteRegexes...)
		}
		cfg.logger.Info("resuming run", "run_id", prev.ID, "failed_task", prev.FailedTask)
	}

	frozenRes, err := compileAll(freezeRegexes)
	if err != nil {
		return Result{ExitCode: 2}, err
	}
	executeRes, err := compileAll(executeRegexes)
	if err != nil {
		return Result{ExitCode: 2}, err
	}

	frozen := tasks.NewTaskSet()
	final := defaultFinal
	if len(executeRes) > 0 {
		final = nil
	}
	for _, t := range b.Tasks() {
		if len(frozenRes) > 0 && matchesAny(t.Name(), frozenRes) {
			frozen.Add(t)
		}
		if len(executeRes) > 0 && matchesAny(t.Name(), executeRes) {
			final = append(final, t)
		}
	}

	scenario, err := b.GenerateScenario(final, frozen)
	if err != nil {
		return Result{ExitCode: 1}, err
	}
	res := Result{Scenario: scenario}
	if len(scenario) == 0 {
		cfg.logger.Error("No tasks to build.")
		res.ExitCode = 1
		return res, nil
	}

	if err := os.MkdirAll(opts.Output, 0o755); err != nil {
		return Result{ExitCode: 1}, fmt.Errorf("create output directory: %w", err)
	}
	if opts.Graphviz {
		if err := writeGraph(ctx, cfg, opts.Output, scenario, final); err != nil {
			return Result{ExitCode: 1}, err
		}
	}
	if opts.DryRun {
		writeDryRun(cfg.stdout, scenario)
		return res, nil
	}

	rec := newRunRecorder(cfg, opts.Output, scenario, final, frozen, executeRegexes, freezeRegexes)
	res.RunID = rec.run.ID
	if err := rec.save(ctx); err != nil {
		return Result{ExitCode: 1}, err
	}

	runnerOpts := append([]tasks.RunnerOption{
		tasks.WithRunnerLogger(cfg.logger),
		tasks.WithParallelism(opts.Jobs),
	}, cfg.runnerOpts...)
	runnerOpts = append(runnerOpts, tasks.WithObserver(rec.observe))
	runErr := tasks.NewRunner(runnerOpts...).Run(ctx, scenario)

	var execErr *tasks.ExecutionError
	if errors.As(runErr, &execErr) {
		resume, err := tasks.ListResumingTasksToFreeze(scenario, final, execErr.Task)
		if err != nil {
			return Result{ExitCode: 1}, errors.Join(runErr, err)
		}
		writeFailureHints(cfg.stdout, execErr.Task, executeRegexes, resume)
		rec.finish(runErr, execErr.Task, resume)
		res.ExitCode = 1
		return res, errors.Join(runErr, rec.save(ctx))
	}
	rec.finish(runErr, nil, nil)
	if err := rec.save(ctx); err != nil {
		return Result{ExitCode: 1}, err
	}
	if runErr != nil {
		res.ExitCode = 1
		return res, runErr
	}
	return res, nil
}

func loadResumable(ctx context.Context, store runs.Store, id string) (runs.Run, error) {
	if store == nil {
		return runs.Run{}, ErrNoStore
	}
	run, err := store.GetRun(ctx, id)
	if err != nil {
		return runs.Run{}, err
	}
	if run.Status != runs.RunStatusFailed {
		return runs.Run{}, fmt.Errorf("%w: run %s is %s", ErrNotResumable, id, run.Status)
	}
	return run, nil
}

func writeGraph(ctx context.Context, cfg config, outDir string, scenario tasks.Scenario, final []*tasks.Task) error {
	dotPath := filepath.Join(outDir, GraphDotFile)
	f, err := os.Create(dotPath)
	if err != nil {
		return fmt.Errorf("create %s: %w", dotPath, err)
	}
	if err := tasks.WriteGraphviz(f, scenario, final); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close %s: %w", dotPath, err)
	}
	if cfg.dot == "" {
		return nil
	}
	pngPath := filepath.Join(outDir, GraphPNGFile)
	out, err := exec.CommandContext(ctx, cfg.dot, "-Tpng", dotPath, "-o", pngPath).CombinedOutput()
	if errors.Is(err, exec.ErrNotFound) {
		cfg.logger.Warn("graphviz dot not found, skipping png", "dot", cfg.dot)
		return nil
	}
	if err != nil {
		return fmt.Errorf("render %s: %w: %s", pngPath, err, out)
	}
	return nil
}

// runRecorder mirrors runner events into a runs.Run.
type runRecorder struct {
	store  runs.Store
	logger *slog.Logger

	mu  sync.Mutex
	run runs.Run
}

func newRunRecorder(cfg config, outDir string, scenario tasks.Scenario, final []*tasks.Task, frozen tasks.TaskSet, executeRegexes, freezeRegexes []string) *runRecorder {
	run := runs.NewRun(outDir)
	run.ExecuteRegexes = executeRegexes
	run.FreezeRegexes = freezeRegexes
	run.FinalTasks = taskNames(final)
	run.FrozenTasks = frozen.Names()
	run.Tasks = make([]runs.TaskRecord, len(scenario))
	for i, t := range scenario {
		run.Tasks[i] = runs.TaskRecord{Seq: i, Name: t.Name(), Path: t.Path(), Status: string(tasks.TaskStatusPlanned)}
	}
	return &runRecorder{store: cfg.store, logger: cfg.logger, run: run}
}

func (r *runRecorder) observe(ev tasks.TaskEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ev.Seq < 0 || ev.Seq >= len(r.run.Tasks) {
		return
	}
	rec := &r.run.Tasks[ev.Seq]
	rec.Status = string(ev.Status)
	if !ev.StartedAt.IsZero() {
		started := ev.StartedAt.UTC()
		rec.StartedAt = &started
	}
	if !ev.EndedAt.IsZero() {
		ended := ev.EndedAt.UTC()
		rec.EndedAt = &ended
	}
	if ev.Err != nil {
		rec.Error = policy.Redact(ev.Err.Error())
	}
	if ev.Status == tasks.TaskStatusCompleted {
		digest, err := artifact.Digest(ev.Task.Path())
		if err != nil {
			r.logger.Warn("artifact digest failed", "task", ev.Task.Name(), "error", err)
		} else {
			rec.Digest = digest
		}
	}
}

func (r *runRecorder) finish(runErr error, failed *tasks.Task, resume tasks.TaskSet) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now().UTC()
	r.run.EndedAt = &now
	r.run.UpdatedAt = now
	r.run.Status = runs.RunStatusSucceeded
	if runErr != nil {
		r.run.Status = runs.RunStatusFailed
		r.run.Error = policy.Redact(runErr.Error())
	}
	if failed != nil {
		r.run.FailedTask = failed.Name()
		r.run.ResumeFreeze = resume.Names()
	}
}

func (r *runRecorder) save(ctx context.Context) error {
	if r.store == nil {
		return nil
	}
	r.mu.Lock()
	run := r.run.Clone()
	r.mu.Unlock()
	if err := r.store.SaveRun(ctx, run); err != nil {
		return fmt.Errorf("record run %s: %w", run.ID, err)
	}
	return nil
}

func taskNames(ts []*tasks.Task) []string {
	out := make([]string, 0, len(ts))
	for _, t := range ts {
		out = append(out, t.Name())
	}
	return out
}
