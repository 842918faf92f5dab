package runs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	ErrRunNotFound = errors.New("run not found in store")
	ErrInvalidRun  = errors.New("invalid run")
)

type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusFailed    RunStatus = "failed"
)

// Run is one execution of a scenario.
type Run struct {
	ID             string       `json:"id"`
	OutputDir      string       `json:"output_dir"`
	ExecuteRegexes []string     `json:"execute_regexes,omitempty"`
	FreezeRegexes  []string     `json:"freeze_regexes,omitempty"`
	FinalTasks     []string     `json:"final_tasks"`
	FrozenTasks    []string     `json:"frozen_tasks,omitempty"`
	Status         RunStatus    `json:"status"`
	FailedTask     string       `json:"failed_task,omitempty"`
	Error          string       `json:"error,omitempty"`
	ResumeFreeze   []string     `json:"resume_freeze,omitempty"`
	Tasks          []TaskRecord `json:"tasks"`
	CreatedAt      time.Time    `json:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
	EndedAt        *time.Time   `json:"ended_at,omitempty"`
}

// TaskRecord is the outcome of one scenario task within a run.
type TaskRecord struct {
	Seq       int        `json:"seq"`
	Name      string     `json:"name"`
	Path      string     `json:"path"`
	Status    string     `json:"status"`
	Error     string     `json:"error,omitempty"`
	Digest    string     `json:"digest,omitempty"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}

// NewRun returns a running Run with a fresh ID.
func NewRun(outputDir string) Run {
	now := time.Now().UTC()
	return Run{
		ID:        uuid.NewString(),
		OutputDir: outputDir,
		Status:    RunStatusRunning,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func (r Run) Clone() Run {
	out := r
	out.ExecuteRegexes = cloneStrings(r.ExecuteRegexes)
	out.FreezeRegexes = cloneStrings(r.FreezeRegexes)
	out.FinalTasks = cloneStrings(r.FinalTasks)
	out.FrozenTasks = cloneStrings(r.FrozenTasks)
	out.ResumeFreeze = cloneStrings(r.ResumeFreeze)
	if r.Tasks != nil {
		out.Tasks = make([]TaskRecord, len(r.Tasks))
		copy(out.Tasks, r.Tasks)
	}
	return out
}

func (r Run) Terminal() bool {
	switch r.Status {
	case RunStatusSucceeded, RunStatusFailed:
		return true
	default:
		return false
	}
}

// Task returns the record for the named task.
func (r Run) Task(name string) (TaskRecord, bool) {
	for _, rec := range r.Tasks {
		if rec.Name == name {
			return rec, true
		}
	}
	return TaskRecord{}, false
}

// Store persists run history.
type Store interface {
	SaveRun(ctx context.Context, run Run) error
	GetRun(ctx context.Context, runID string) (Run, error)
	ListRuns(ctx context.Context, limit int) ([]Run, error)
	Close() error
}

const defaultListLimit = 20

func validateRun(run Run) error {
	if strings.TrimSpace(run.ID) == "" {
		return fmt.Errorf("%w: run id is required", ErrInvalidRun)
	}
	return nil
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}
