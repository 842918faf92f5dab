package tasks

import "sort"

// TaskSet is a set of tasks keyed by identity. The zero value is an empty,
// read-only set.
type TaskSet map[*Task]struct{}

func NewTaskSet(tasks ...*Task) TaskSet {
	s := make(TaskSet, len(tasks))
	for _, t := range tasks {
		s.Add(t)
	}
	return s
}

func (s TaskSet) Add(t *Task) {
	if t != nil {
		s[t] = struct{}{}
	}
}

func (s TaskSet) Contains(t *Task) bool {
	_, ok := s[t]
	return ok
}

func (s TaskSet) Len() int { return len(s) }

// Tasks returns the members sorted by name.
func (s TaskSet) Tasks() []*Task {
	out := make([]*Task, 0, len(s))
	for t := range s {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}

func (s TaskSet) Names() []string {
	tasks := s.Tasks()
	out := make([]string, len(tasks))
	for i, t := range tasks {
		out[i] = t.name
	}
	return out
}

// Scenario is an execution order in which every task follows its
// dependencies.
type Scenario []*Task

// Index returns the position of t, or -1.
func (s Scenario) Index(t *Task) int {
	for i, candidate := range s {
		if candidate == t {
			return i
		}
	}
	return -1
}

func (s Scenario) Contains(t *Task) bool { return s.Index(t) >= 0 }

func (s Scenario) Names() []string {
	out := make([]string, len(s))
	for i, t := range s {
		out[i] = t.name
	}
	return out
}

// GenerateScenario walks the dependencies of finalTasks depth first and
// returns the dynamic tasks to run, dependencies first, each at most once.
//
// Static tasks contribute nothing. Frozen tasks are not walked but their
// artifact must exist according to fs. Two tasks sharing an output path fail
// with ErrDuplicateOutputPath; a task reached again while its own
// dependencies are being walked fails with ErrSelfDependency.
func GenerateScenario(fs FileSystem, finalTasks []*Task, frozen TaskSet) (Scenario, error) {
	if fs == nil {
		fs = OSFileSystem{}
	}

	var scenario Scenario
	// A nil owner marks a path whose task is still being walked.
	owners := make(map[string]*Task)

	var walk func(t *Task) error
	walk = func(t *Task) error {
		if t == nil {
			return taskError(ErrInvalidTask, "", "nil task in scenario request")
		}
		if t.IsStatic() {
			return nil
		}
		if frozen.Contains(t) {
			if !fs.Exists(t.path) {
				return taskError(ErrFrozenArtifactMissing, t.name, "frozen task %q: %s does not exist", t.name, t.path)
			}
			return nil
		}
		if owner, seen := owners[t.path]; seen {
			if owner == nil {
				return taskError(ErrSelfDependency, t.name, "task %q depends on itself", t.name)
			}
			if owner != t {
				return taskError(ErrDuplicateOutputPath, t.name, "tasks %q and %q both write %s", owner.name, t.name, t.path)
			}
			return nil
		}
		owners[t.path] = nil
		for _, dep := range t.dependencies {
			if err := walk(dep); err != nil {
				return err
			}
		}
		owners[t.path] = t
		scenario = append(scenario, t)
		return nil
	}

	for _, t := range finalTasks {
		if err := walk(t); err != nil {
			return nil, err
		}
	}
	return scenario, nil
}

// ListResumingTasksToFreeze returns the tasks to freeze so that
// GenerateScenario(finalTasks, frozen) resumes scenario at failed.
//
// Tasks that ran before failed, and tasks scenario never held, are frozen
// and not walked further.
func ListResumingTasksToFreeze(scenario Scenario, finalTasks []*Task, failed *Task) (TaskSet, error) {
	failedIndex := scenario.Index(failed)
	if failedIndex < 0 {
		name := ""
		if failed != nil {
			name = failed.name
		}
		return nil, taskError(ErrTaskNotInScenario, name, "task %q is not part of the scenario", name)
	}

	position := make(map[*Task]int, len(scenario))
	for i, t := range scenario {
		position[t] = i
	}

	frozen := make(TaskSet)
	visited := make(map[*Task]bool)

	var walk func(t *Task)
	walk = func(t *Task) {
		if t == nil || t.IsStatic() || visited[t] {
			return
		}
		visited[t] = true
		idx, inScenario := position[t]
		if !inScenario || idx < failedIndex {
			frozen.Add(t)
			return
		}
		for _, dep := range t.dependencies {
			walk(dep)
		}
	}

	for _, t := range finalTasks {
		walk(t)
	}
	return frozen, nil
}
