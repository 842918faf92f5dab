package main

import (
	"bytes"
	"context"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func cleanEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{"LOADLAB_STATE_DSN", "DATABASE_URL", "LOADLAB_LOG_LEVEL", "LOADLAB_LOG_FORMAT", "LOADLAB_JOBS", "LOADLAB_METRICS_NAMESPACE", "LOADLAB_OTEL_STDOUT"} {
		t.Setenv(key, "")
	}
	t.Setenv("LOADLAB_LOG_LEVEL", "error")
}

func TestDispatchUsage(t *testing.T) {
	cleanEnv(t)
	var stdout, stderr bytes.Buffer
	if code := dispatch(context.Background(), nil, &stdout, &stderr); code != 2 {
		t.Fatalf("exit code = %d, want 2", code)
	}
	if !strings.Contains(stderr.String(), "usage: loadlab") {
		t.Fatalf("stderr missing usage: %q", stderr.String())
	}
	stderr.Reset()
	if code := dispatch(context.Background(), []string{"bogus"}, &stdout, &stderr); code != 2 {
		t.Fatalf("exit code = %d, want 2", code)
	}
	if !strings.Contains(stderr.String(), `unknown command "bogus"`) {
		t.Fatalf("stderr = %q", stderr.String())
	}
}

func TestRunMissingPlan(t *testing.T) {
	cleanEnv(t)
	var stdout, stderr bytes.Buffer
	code := dispatch(context.Background(), []string{"run", "--plan", filepath.Join(t.TempDir(), "absent.yaml")}, &stdout, &stderr)
	if code != 1 {
		t.Fatalf("exit code = %d, want 1", code)
	}
	if !strings.Contains(stderr.String(), "read plan") {
		t.Fatalf("stderr = %q", stderr.String())
	}
}

func TestRunDryRun(t *testing.T) {
	cleanEnv(t)
	dir := t.TempDir()
	planPath := filepath.Join(dir, "plan.yaml")
	plan := "output: " + filepath.Join(dir, "out") + "\n" +
		"pages:\n" +
		"  - name: home\n" +
		"    url: https://example.test/\n"
	if err := os.WriteFile(planPath, []byte(plan), 0o644); err != nil {
		t.Fatalf("write plan: %v", err)
	}

	var stdout, stderr bytes.Buffer
	code := dispatch(context.Background(), []string{"run", "--plan", planPath, "-d"}, &stdout, &stderr)
	if code != 0 {
		t.Fatalf("exit code = %d, want 0 (stderr=%q)", code, stderr.String())
	}
	out := stdout.String()
	for _, want := range []string{"record-home:", "summarize-home: \\\n  record-home", "report: \\\n  summarize-home"} {
		if !strings.Contains(out, want) {
			t.Fatalf("dry run output missing %q:\n%s", want, out)
		}
	}
}

func TestRunWritesMetricsFile(t *testing.T) {
	cleanEnv(t)
	t.Setenv("DEVTOOLS_CONNECT_ATTEMPTS", "1")

	// a closed server leaves a port nothing listens on
	dead := httptest.NewServer(nil)
	u, err := url.Parse(dead.URL)
	if err != nil {
		t.Fatalf("parse %s: %v", dead.URL, err)
	}
	dead.Close()

	dir := t.TempDir()
	out := filepath.Join(dir, "out")
	planPath := filepath.Join(dir, "plan.yaml")
	plan := "output: " + out + "\n" +
		"devtools:\n" +
		"  host: " + u.Hostname() + "\n" +
		"  port: " + u.Port() + "\n" +
		"pages:\n" +
		"  - name: home\n" +
		"    url: https://example.test/\n"
	if err := os.WriteFile(planPath, []byte(plan), 0o644); err != nil {
		t.Fatalf("write plan: %v", err)
	}

	var stdout, stderr bytes.Buffer
	code := dispatch(context.Background(), []string{"run", "--plan", planPath}, &stdout, &stderr)
	if code != 1 {
		t.Fatalf("exit code = %d, want 1 (stderr=%q)", code, stderr.String())
	}
	if !strings.Contains(stdout.String(), "# Looks like something went wrong in 'record-home'") {
		t.Fatalf("stdout missing failure hints:\n%s", stdout.String())
	}

	data, err := os.ReadFile(filepath.Join(out, MetricsFile))
	if err != nil {
		t.Fatalf("read metrics file: %v", err)
	}
	if !strings.Contains(string(data), `loadlab_task_executions_total{status="failed"} 1`) {
		t.Fatalf("metrics file missing failed task count:\n%s", data)
	}
}
