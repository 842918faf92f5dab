package dag

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	ErrCycleDetected = errors.New("cycle detected")
	ErrForeignNode   = errors.New("node belongs to another graph")
)

// GraphError wraps deterministic graph failures. Cycle holds the node
// indices of one cycle witness, first index repeated at the end.
type GraphError struct {
	Kind  error
	Msg   string
	Cycle []int
}

func (e *GraphError) Error() string {
	if e == nil {
		return ""
	}
	if e.Msg == "" {
		return e.Kind.Error()
	}
	return fmt.Sprintf("%s: %s", e.Kind.Error(), e.Msg)
}

func (e *GraphError) Unwrap() error { return e.Kind }

func cycleError(path []int) error {
	msg := "cycle"
	if len(path) > 0 {
		parts := make([]string, 0, len(path))
		for _, idx := range path {
			parts = append(parts, strconv.Itoa(idx))
		}
		msg = "cycle: " + strings.Join(parts, " -> ")
	}
	return &GraphError{Kind: ErrCycleDetected, Msg: msg, Cycle: path}
}
