package dag

import (
	"container/heap"
	"sort"
)

// TopologicalSort orders the nodes that pass filter so that every predecessor
// that also passes filter appears earlier. A nil filter keeps every node.
//
// Among nodes that are ready at the same time the lowest index wins, so the
// output is stable for identical input. A cycle among the kept nodes fails
// with a *GraphError wrapping ErrCycleDetected.
func TopologicalSort(nodes []*Node, filter func(*Node) bool) ([]*Node, error) {
	if filter == nil {
		filter = func(*Node) bool { return true }
	}

	position := make(map[*Node]int, len(nodes))
	kept := make([]*Node, 0, len(nodes))
	for _, n := range nodes {
		if n == nil {
			continue
		}
		if _, seen := position[n]; seen {
			continue
		}
		if !filter(n) {
			continue
		}
		position[n] = len(kept)
		kept = append(kept, n)
	}

	indeg := make(map[*Node]int, len(kept))
	for _, n := range kept {
		for _, p := range n.predecessors {
			if _, ok := position[p]; ok {
				indeg[n]++
			}
		}
	}

	ready := &nodeHeap{position: position}
	for _, n := range kept {
		if indeg[n] == 0 {
			heap.Push(ready, n)
		}
	}

	out := make([]*Node, 0, len(kept))
	for ready.Len() > 0 {
		n := heap.Pop(ready).(*Node)
		out = append(out, n)
		for _, s := range n.successors {
			if _, ok := position[s]; !ok {
				continue
			}
			indeg[s]--
			if indeg[s] == 0 {
				heap.Push(ready, s)
			}
		}
	}

	if len(out) == len(kept) {
		return out, nil
	}

	remaining := make(map[*Node]bool)
	for _, n := range kept {
		if indeg[n] > 0 {
			remaining[n] = true
		}
	}
	return nil, cycleError(findCycle(remaining, position))
}

type nodeHeap struct {
	items    []*Node
	position map[*Node]int
}

func (h *nodeHeap) Len() int { return len(h.items) }
func (h *nodeHeap) Less(i, j int) bool {
	a, b := h.items[i], h.items[j]
	if a.index != b.index {
		return a.index < b.index
	}
	return h.position[a] < h.position[b]
}
func (h *nodeHeap) Swap(i, j int) { h.items[i], h.items[j] = h.items[j], h.items[i] }
func (h *nodeHeap) Push(x any)    { h.items = append(h.items, x.(*Node)) }
func (h *nodeHeap) Pop() any {
	old := h.items
	n := len(old)
	x := old[n-1]
	h.items = old[:n-1]
	return x
}

// findCycle runs a DFS over the nodes Kahn's algorithm could not release and
// returns one cycle witness. Roots and successors are visited by index.
func findCycle(remaining map[*Node]bool, position map[*Node]int) []int {
	const (
		white = 0
		gray  = 1
		black = 2
	)

	byIndex := func(list []*Node) []*Node {
		out := make([]*Node, 0, len(list))
		for _, n := range list {
			if remaining[n] {
				out = append(out, n)
			}
		}
		sort.SliceStable(out, func(i, j int) bool {
			if out[i].index != out[j].index {
				return out[i].index < out[j].index
			}
			return position[out[i]] < position[out[j]]
		})
		return out
	}

	roots := make([]*Node, 0, len(remaining))
	for n := range remaining {
		roots = append(roots, n)
	}
	roots = byIndex(roots)

	color := make(map[*Node]int, len(remaining))
	var (
		stack []*Node
		cycle []*Node
	)

	var visit func(n *Node) bool
	visit = func(n *Node) bool {
		color[n] = gray
		stack = append(stack, n)
		for _, s := range byIndex(n.successors) {
			switch color[s] {
			case white:
				if visit(s) {
					return true
				}
			case gray:
				for i := len(stack) - 1; i >= 0; i-- {
					if stack[i] == s {
						cycle = append(cycle, stack[i:]...)
						cycle = append(cycle, s)
						return true
					}
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[n] = black
		return false
	}

	for _, n := range roots {
		if color[n] != white {
			continue
		}
		if visit(n) {
			break
		}
	}

	out := make([]int, 0, len(cycle))
	for _, n := range cycle {
		out = append(out, n.index)
	}
	return out
}
