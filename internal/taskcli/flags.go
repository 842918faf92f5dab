// Package taskcli drives a task Builder from command-line flags: task
// selection by regex, dry runs, graphviz output, resume hints and resuming
// a failed run from the run store.
package taskcli

import (
	"errors"
	"fmt"
	"regexp"

	"github.com/spf13/pflag"
)

const (
	GraphDotFile = "tasks_graph.dot"
	GraphPNGFile = "tasks_graph.png"
)

var ErrOutputRequired = errors.New("--output is required")

// Options are the parsed task flags.
type Options struct {
	DryRun    bool
	ToExecute []string
	ToFreeze  []string
	Output    string
	Graphviz  bool
	Jobs      int
	Resume    string
}

// RegisterFlags adds the task flags to fs and returns where they land.
func RegisterFlags(fs *pflag.FlagSet) *Options {
	o := &Options{}
	fs.BoolVarP(&o.DryRun, "dry-run", "d", false, "Only print the dependencies of the tasks to build.")
	fs.StringArrayVarP(&o.ToExecute, "to-execute", "e", nil, "Regex selecting tasks to execute (repeatable).")
	fs.StringArrayVarP(&o.ToFreeze, "to-freeze", "f", nil, "Regex selecting tasks to not execute (repeatable).")
	fs.StringVarP(&o.Output, "output", "o", "", "Path of the output directory.")
	fs.BoolVarP(&o.Graphviz, "output-graphviz", "v", false,
		fmt.Sprintf("Write %s and %s in the output directory.", GraphDotFile, GraphPNGFile))
	fs.IntVarP(&o.Jobs, "jobs", "j", 1, "Number of independent tasks to run at once.")
	fs.StringVar(&o.Resume, "resume", "", "Resume the failed run with this id.")
	return o
}

func (o *Options) Validate() error {
	if o.Output == "" {
		return ErrOutputRequired
	}
	if o.Jobs < 1 {
		return fmt.Errorf("--jobs must be >= 1, got %d", o.Jobs)
	}
	return nil
}

func compileAll(exprs []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(exprs))
	for _, expr := range exprs {
		re, err := regexp.Compile(expr)
		if err != nil {
			return nil, fmt.Errorf("invalid regex %q: %w", expr, err)
		}
		out = append(out, re)
	}
	return out, nil
}

func matchesAny(name string, res []*regexp.Regexp) bool {
	for _, re := range res {
		if re.MatchString(name) {
			return true
		}
	}
	return false
}

// AnchoredRegex matches exactly name.
func AnchoredRegex(name string) string {
	return "^" + regexp.QuoteMeta(name) + "$"
}
