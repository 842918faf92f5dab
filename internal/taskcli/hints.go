package taskcli

import (
	"fmt"
	"io"
	"strings"

	"github.com/antoniostano/loadlab/internal/tasks"
)

// ArgumentsString renders the -f/-e flags that select finalRegexes while
// freezing exactly frozen.
func ArgumentsString(finalRegexes []string, frozen []*tasks.Task) string {
	var args []string
	for _, t := range frozen {
		args = append(args, "-f", shellQuote(AnchoredRegex(t.Name())))
	}
	for _, re := range finalRegexes {
		args = append(args, "-e", shellQuote(re))
	}
	return strings.Join(args, " ")
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// writeFailureHints prints how to re-run only the failed task and how to
// resume the scenario from it.
func writeFailureHints(w io.Writer, failed *tasks.Task, executeRegexes []string, resumeFreeze tasks.TaskSet) {
	var deps []*tasks.Task
	for _, d := range failed.Dependencies() {
		if !d.IsStatic() {
			deps = append(deps, d)
		}
	}
	fmt.Fprintf(w, "# Looks like something went wrong in '%s'\n", failed.Name())
	fmt.Fprintln(w, "#")
	fmt.Fprintln(w, "# To re-execute only this task, add the following parameters:")
	fmt.Fprintln(w, "#   "+ArgumentsString([]string{AnchoredRegex(failed.Name())}, deps))
	fmt.Fprintln(w, "#")
	fmt.Fprintln(w, "# To resume from this task, add the following parameters:")
	fmt.Fprintln(w, "#   "+ArgumentsString(executeRegexes, resumeFreeze.Tasks()))
}

// writeDryRun prints each scenario task followed by its dependencies.
func writeDryRun(w io.Writer, scenario tasks.Scenario) {
	for _, t := range scenario {
		var b strings.Builder
		b.WriteString(t.Name())
		b.WriteString(":")
		for _, d := range t.Dependencies() {
			b.WriteString(" \\\n  ")
			b.WriteString(d.Name())
		}
		fmt.Fprintln(w, b.String())
	}
}
