package recording

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antoniostano/loadlab/internal/artifact"
	"github.com/antoniostano/loadlab/internal/tasks"
)

type fakeRecorder struct {
	calls []string
	fail  map[string]error
}

func (f *fakeRecorder) Record(_ context.Context, page Page) (*Recording, error) {
	f.calls = append(f.calls, page.Name)
	if err := f.fail[page.Name]; err != nil {
		return nil, err
	}
	return &Recording{
		Page:     page,
		Loaded:   true,
		Duration: 1500 * time.Microsecond,
		TraceEvents: []json.RawMessage{
			json.RawMessage(`{"name":"ParseHTML","cat":"devtools.timeline"}`),
			json.RawMessage(`{"name":"Layout","cat":"blink,devtools.timeline"}`),
		},
		NetworkEvents: []NetworkEvent{
			{Method: "Network.requestWillBeSent", Params: json.RawMessage(`{"requestId":"1"}`)},
			{Method: "Network.loadingFinished", Params: json.RawMessage(`{"requestId":"1","encodedDataLength":100}`)},
		},
	}, nil
}

func setupPlan(t *testing.T, rec PageRecorder) (*tasks.Builder, PlanTasks) {
	t.Helper()
	dir := t.TempDir()
	planPath := filepath.Join(dir, "plan.yaml")
	require.NoError(t, os.WriteFile(planPath, []byte(samplePlan), 0o644))
	plan, err := LoadPlan(planPath)
	require.NoError(t, err)

	b := tasks.NewBuilder(filepath.Join(dir, "out"), tasks.WithLogger(quietLogger()))
	pt, err := RegisterPlan(b, plan, planPath, rec)
	require.NoError(t, err)
	return b, pt
}

func TestRegisterPlanScenario(t *testing.T) {
	b, pt := setupPlan(t, &fakeRecorder{})
	assert.Len(t, pt.All(), 6)
	assert.True(t, pt.Plan.IsStatic())

	scenario, err := b.GenerateScenario([]*tasks.Task{pt.Report}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"record-home", "summarize-home", "record-docs", "summarize-docs", "report"}, scenario.Names())
}

func TestRunPlan(t *testing.T) {
	rec := &fakeRecorder{}
	b, pt := setupPlan(t, rec)
	scenario, err := b.GenerateScenario([]*tasks.Task{pt.Report}, nil)
	require.NoError(t, err)

	runner := tasks.NewRunner(tasks.WithRunnerLogger(quietLogger()))
	require.NoError(t, runner.Run(context.Background(), scenario))
	assert.Equal(t, []string{"home", "docs"}, rec.calls)

	var trace []json.RawMessage
	require.NoError(t, artifact.ReadJSON(filepath.Join(pt.Records[0].Path(), TraceFile), &trace))
	assert.Len(t, trace, 2)

	var report Report
	require.NoError(t, artifact.ReadJSON(filepath.Join(pt.Report.Path(), ReportFile), &report))
	require.Len(t, report.Pages, 2)
	assert.Equal(t, "docs", report.Pages[0].Page)
	assert.Equal(t, 4, report.TraceEvents)
	assert.Equal(t, 2, report.Requests)
	assert.EqualValues(t, 200, report.EncodedBytes)

	home := report.Pages[1]
	assert.Equal(t, map[string]int{"devtools.timeline": 2, "blink": 1}, home.Categories)
	assert.Equal(t, 1, home.Methods["Network.loadingFinished"])
	assert.InDelta(t, 1.5, home.DurationMS, 0.001)
	assert.True(t, home.Loaded)
}

func TestRunPlanResumesAfterFailure(t *testing.T) {
	rec := &fakeRecorder{fail: map[string]error{"docs": errors.New("browser went away")}}
	b, pt := setupPlan(t, rec)
	final := []*tasks.Task{pt.Report}
	scenario, err := b.GenerateScenario(final, nil)
	require.NoError(t, err)

	err = tasks.NewRunner(tasks.WithRunnerLogger(quietLogger())).Run(context.Background(), scenario)
	var execErr *tasks.ExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, "record-docs", execErr.Task.Name())

	frozen, err := tasks.ListResumingTasksToFreeze(scenario, final, execErr.Task)
	require.NoError(t, err)
	assert.Equal(t, []string{"summarize-home"}, frozen.Names())

	rec.fail = nil
	resumed, err := b.GenerateScenario(final, frozen)
	require.NoError(t, err)
	assert.Equal(t, []string{"record-docs", "summarize-docs", "report"}, resumed.Names())
	require.NoError(t, tasks.NewRunner(tasks.WithRunnerLogger(quietLogger())).Run(context.Background(), resumed))
	assert.Equal(t, []string{"home", "docs", "docs"}, rec.calls)
}

func TestSummarizeMissingArtifacts(t *testing.T) {
	_, err := Summarize(t.TempDir())
	assert.Error(t, err)
}
