package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/pflag"
	"go.opentelemetry.io/otel/trace"

	"github.com/antoniostano/loadlab/internal/config"
	"github.com/antoniostano/loadlab/internal/devtools"
	"github.com/antoniostano/loadlab/internal/httpapi"
	"github.com/antoniostano/loadlab/internal/observability"
	"github.com/antoniostano/loadlab/internal/recording"
	"github.com/antoniostano/loadlab/internal/runs"
	"github.com/antoniostano/loadlab/internal/taskcli"
	"github.com/antoniostano/loadlab/internal/tasks"
)

// MetricsFile receives the run's metrics in the Prometheus text format, in
// the output directory of every executed run.
const MetricsFile = "metrics.prom"

const usage = `usage: loadlab <command> [flags]

commands:
  run    record the pages of a plan as a task scenario
  serve  serve the run history API
`

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := dispatch(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func dispatch(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprint(stderr, usage)
		return 2
	}
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(stderr, "config error: %v\n", err)
		return 1
	}
	logger := observability.NewLogger(cfg.LogLevel, cfg.LogFormat, stderr)
	slog.SetDefault(logger)

	switch args[0] {
	case "run":
		return runCommand(ctx, cfg, logger, args[1:], stdout, stderr)
	case "serve":
		if err := serveCommand(ctx, cfg, logger); err != nil {
			fmt.Fprintf(stderr, "serve: %v\n", err)
			return 1
		}
		return 0
	case "-h", "--help", "help":
		fmt.Fprint(stdout, usage)
		return 0
	default:
		fmt.Fprintf(stderr, "unknown command %q\n\n%s", args[0], usage)
		return 2
	}
}

func runCommand(ctx context.Context, cfg config.Config, logger *slog.Logger, args []string, stdout, stderr io.Writer) int {
	fs := pflag.NewFlagSet("run", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	opts := taskcli.RegisterFlags(fs)
	planPath := fs.StringP("plan", "p", "loadlab.yaml", "Path of the recording plan.")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		return 2
	}
	if !fs.Changed("jobs") {
		opts.Jobs = cfg.Jobs
	}

	plan, err := recording.LoadPlan(*planPath)
	if err != nil {
		fmt.Fprintf(stderr, "%v\n", err)
		return 1
	}
	if opts.Output == "" {
		opts.Output = plan.Output
	}

	tracer, shutdown, err := newTracer(cfg, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "tracing init failed: %v\n", err)
		return 1
	}
	defer shutdown()

	reg := prometheus.NewRegistry()
	metrics := observability.NewMetrics(cfg.MetricsNamespace, reg)
	store, err := runs.NewStore(ctx, cfg.StateDSN)
	if err != nil {
		fmt.Fprintf(stderr, "run store init failed: %v\n", err)
		return 1
	}
	defer store.Close()

	host, port := cfg.DevToolsHost, cfg.DevToolsPort
	if plan.DevTools.Host != "" {
		host = plan.DevTools.Host
	}
	if plan.DevTools.Port != 0 {
		port = plan.DevTools.Port
	}
	dial := func(ctx context.Context) (*devtools.Connection, error) {
		return devtools.Dial(ctx, host, port,
			devtools.WithLogger(logger),
			devtools.WithMetrics(metrics),
			devtools.WithRequestTimeout(cfg.DevToolsTimeout),
			devtools.WithTracingTimeout(cfg.DevToolsTracingTimeout),
			devtools.WithConnectRetry(cfg.DevToolsConnectAttempts, 250*time.Millisecond, 2*time.Second),
		)
	}
	recOpts := []recording.RecorderOption{
		recording.WithLogger(logger),
		recording.WithMonitorTimeout(cfg.DevToolsTimeout),
	}
	if len(plan.Categories) > 0 {
		recOpts = append(recOpts, recording.WithCategories(plan.Categories))
	}
	recorder := recording.NewRecorder(dial, recOpts...)

	b := tasks.NewBuilder(opts.Output, tasks.WithLogger(logger))
	planTasks, err := recording.RegisterPlan(b, plan, *planPath, recorder)
	if err != nil {
		fmt.Fprintf(stderr, "%v\n", err)
		return 1
	}

	res, err := taskcli.ExecuteWithCommandLine(ctx, opts, b, []*tasks.Task{planTasks.Report},
		taskcli.WithStdout(stdout),
		taskcli.WithLogger(logger),
		taskcli.WithStore(store),
		taskcli.WithRunnerOptions(tasks.WithMetrics(metrics), tasks.WithTracer(tracer)),
	)
	if res.RunID != "" {
		path := filepath.Join(opts.Output, MetricsFile)
		if werr := prometheus.WriteToTextfile(path, reg); werr != nil {
			logger.Warn("write run metrics failed", "path", path, "error", werr)
		}
	}
	if err != nil {
		logger.Error("run failed", "run_id", res.RunID, "error", err)
		if res.ExitCode == 0 {
			return 1
		}
	}
	return res.ExitCode
}

func newTracer(cfg config.Config, w io.Writer) (trace.Tracer, func(), error) {
	if !cfg.OTelStdout {
		return observability.NoopTracer(), func() {}, nil
	}
	tp, err := observability.NewTracerProvider("loadlab", w)
	if err != nil {
		return nil, nil, err
	}
	return tp.Tracer(), func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tp.Shutdown(ctx)
	}, nil
}

func serveCommand(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	store, err := runs.NewStore(ctx, cfg.StateDSN)
	if err != nil {
		return fmt.Errorf("run store init failed: %w", err)
	}
	defer store.Close()

	reg := prometheus.NewRegistry()
	metrics := observability.NewMetrics(cfg.MetricsNamespace, reg)
	api := httpapi.New(store, metrics, reg)
	httpServer := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           api.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", "addr", cfg.BindAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	case <-ctx.Done():
	}
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown failed", "error", err)
		_ = httpServer.Close()
	}
	logger.Info("shutdown complete")
	return nil
}
