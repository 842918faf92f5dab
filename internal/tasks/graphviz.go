package tasks

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

// WriteGraphviz writes the dependency graph covered by scenario in dot
// format. Static tasks have no shape, final tasks are boxes and the other
// dynamic tasks ellipses. Tasks outside the scenario are blue; scheduled
// tasks are black and prefixed with their execution index.
func WriteGraphviz(w io.Writer, scenario Scenario, finalTasks []*Task) error {
	execution := make(map[*Task]int, len(scenario))
	for i, t := range scenario {
		execution[t] = i
	}
	final := NewTaskSet(finalTasks...)
	nodeIDs := make(map[*Task]int)

	bw := bufio.NewWriter(w)
	nodeID := func(t *Task) int {
		if id, ok := nodeIDs[t]; ok {
			return id
		}
		id := len(nodeIDs)
		label := t.name
		color := "blue"
		shape := "ellipse"
		if t.IsStatic() {
			shape = "plaintext"
		} else if idx, ok := execution[t]; ok {
			color = "black"
			label = fmt.Sprintf("%d: %s", idx, label)
		}
		if final.Contains(t) {
			shape = "box"
		}
		fmt.Fprintf(bw, "  n%d [label=%q, color=%s, shape=%s];\n", id, dotEscape(label), color, shape)
		nodeIDs[t] = id
		return id
	}

	bw.WriteString("digraph graphname {\n")
	for _, t := range scenario {
		id := nodeID(t)
		for _, dep := range t.dependencies {
			fmt.Fprintf(bw, "  n%d -> n%d;\n", nodeID(dep), id)
		}
	}
	bw.WriteString("}\n")
	return bw.Flush()
}

// dotEscape blanks control characters, which %q would turn into escapes dot
// does not read.
func dotEscape(label string) string {
	return strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7f {
			return ' '
		}
		return r
	}, label)
}
