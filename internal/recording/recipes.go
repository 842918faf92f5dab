package recording

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/antoniostano/loadlab/internal/artifact"
	"github.com/antoniostano/loadlab/internal/policy"
	"github.com/antoniostano/loadlab/internal/tasks"
)

const (
	TraceFile   = "trace.json.gz"
	NetworkFile = "network.json.gz"
	PageFile    = "page.json"
	SummaryFile = "summary.json"
	ReportFile  = "report.json"
)

// Summary condenses one recording.
type Summary struct {
	Page          string         `json:"page"`
	URL           string         `json:"url"`
	Loaded        bool           `json:"loaded"`
	DurationMS    float64        `json:"duration_ms"`
	TraceEvents   int            `json:"trace_events"`
	Categories    map[string]int `json:"categories"`
	NetworkEvents int            `json:"network_events"`
	Methods       map[string]int `json:"methods"`
	Requests      int            `json:"requests"`
	EncodedBytes  int64          `json:"encoded_bytes"`
}

// Report merges every page summary.
type Report struct {
	Pages         []Summary `json:"pages"`
	TraceEvents   int       `json:"trace_events"`
	NetworkEvents int       `json:"network_events"`
	Requests      int       `json:"requests"`
	EncodedBytes  int64     `json:"encoded_bytes"`
}

// PlanTasks are the tasks RegisterPlan added, by role.
type PlanTasks struct {
	Plan      *tasks.Task
	Records   []*tasks.Task
	Summaries []*tasks.Task
	Report    *tasks.Task
}

func (p PlanTasks) All() []*tasks.Task {
	out := []*tasks.Task{p.Plan}
	out = append(out, p.Records...)
	out = append(out, p.Summaries...)
	return append(out, p.Report)
}

// RegisterPlan adds the recording tasks for plan to b: a static "plan" task,
// then per page record-<name> and summarize-<name>, and a final "report".
func RegisterPlan(b *tasks.Builder, plan *Plan, planPath string, rec PageRecorder) (PlanTasks, error) {
	var out PlanTasks
	planTask, err := b.CreateStaticTask("plan", planPath)
	if err != nil {
		return out, err
	}
	out.Plan = planTask

	for _, page := range plan.Pages {
		page := page
		recordDir := filepath.Join(b.OutputDirectory(), "record-"+page.Name)
		record, err := b.RegisterTask("record-"+page.Name, []*tasks.Task{planTask}, func(ctx context.Context) error {
			return recordPage(ctx, rec, page, recordDir)
		})
		if err != nil {
			return out, err
		}
		summaryDir := filepath.Join(b.OutputDirectory(), "summarize-"+page.Name)
		summary, err := b.RegisterTask("summarize-"+page.Name, []*tasks.Task{record}, func(context.Context) error {
			s, err := Summarize(recordDir)
			if err != nil {
				return err
			}
			return artifact.WriteJSON(filepath.Join(summaryDir, SummaryFile), s)
		})
		if err != nil {
			return out, err
		}
		out.Records = append(out.Records, record)
		out.Summaries = append(out.Summaries, summary)
	}

	summaryDirs := make([]string, 0, len(out.Summaries))
	for _, s := range out.Summaries {
		summaryDirs = append(summaryDirs, s.Path())
	}
	reportDir := filepath.Join(b.OutputDirectory(), "report")
	out.Report, err = b.RegisterTask("report", out.Summaries, func(context.Context) error {
		report, err := MergeSummaries(summaryDirs)
		if err != nil {
			return err
		}
		return artifact.WriteJSON(filepath.Join(reportDir, ReportFile), report)
	})
	if err != nil {
		return out, err
	}
	return out, nil
}

func recordPage(ctx context.Context, rec PageRecorder, page Page, dir string) error {
	recording, err := rec.Record(ctx, page)
	if err != nil {
		return err
	}
	traceEvents := recording.TraceEvents
	if traceEvents == nil {
		traceEvents = []json.RawMessage{}
	}
	networkEvents := recording.NetworkEvents
	if networkEvents == nil {
		networkEvents = []NetworkEvent{}
	}
	if err := artifact.WriteJSON(filepath.Join(dir, TraceFile), traceEvents); err != nil {
		return err
	}
	if err := artifact.WriteJSON(filepath.Join(dir, NetworkFile), networkEvents); err != nil {
		return err
	}
	// written last: its presence marks a complete recording
	return artifact.WriteJSON(filepath.Join(dir, PageFile), recording)
}

// Summarize reads the artifacts of one record task.
func Summarize(recordDir string) (Summary, error) {
	var meta Recording
	if err := artifact.ReadJSON(filepath.Join(recordDir, PageFile), &meta); err != nil {
		return Summary{}, err
	}
	var trace []struct {
		Cat string `json:"cat"`
	}
	if err := artifact.ReadJSON(filepath.Join(recordDir, TraceFile), &trace); err != nil {
		return Summary{}, err
	}
	var network []NetworkEvent
	if err := artifact.ReadJSON(filepath.Join(recordDir, NetworkFile), &network); err != nil {
		return Summary{}, err
	}

	s := Summary{
		Page:          meta.Page.Name,
		URL:           policy.RedactURL(meta.Page.URL),
		Loaded:        meta.Loaded,
		DurationMS:    float64(meta.Duration.Microseconds()) / 1000,
		TraceEvents:   len(trace),
		Categories:    map[string]int{},
		NetworkEvents: len(network),
		Methods:       map[string]int{},
	}
	for _, evt := range trace {
		for _, cat := range strings.Split(evt.Cat, ",") {
			if cat = strings.TrimSpace(cat); cat != "" {
				s.Categories[cat]++
			}
		}
	}
	for _, evt := range network {
		s.Methods[evt.Method]++
		switch evt.Method {
		case "Network.requestWillBeSent":
			s.Requests++
		case "Network.loadingFinished":
			if len(evt.Params) == 0 {
				continue
			}
			var p struct {
				EncodedDataLength float64 `json:"encodedDataLength"`
			}
			if err := json.Unmarshal(evt.Params, &p); err != nil {
				return Summary{}, fmt.Errorf("decode %s in %s: %w", evt.Method, recordDir, err)
			}
			s.EncodedBytes += int64(p.EncodedDataLength)
		}
	}
	return s, nil
}

// MergeSummaries reads summary.json from each directory into one report,
// pages sorted by name.
func MergeSummaries(dirs []string) (Report, error) {
	report := Report{Pages: make([]Summary, 0, len(dirs))}
	for _, dir := range dirs {
		var s Summary
		if err := artifact.ReadJSON(filepath.Join(dir, SummaryFile), &s); err != nil {
			return Report{}, err
		}
		report.Pages = append(report.Pages, s)
		report.TraceEvents += s.TraceEvents
		report.NetworkEvents += s.NetworkEvents
		report.Requests += s.Requests
		report.EncodedBytes += s.EncodedBytes
	}
	sort.Slice(report.Pages, func(i, j int) bool { return report.Pages[i].Page < report.Pages[j].Page })
	return report, nil
}
