package dag

// Node is a vertex of a directed graph. Its index is its identity within the
// graph that created it.
//
// Edges are always stored on both ends: A.Successors() contains B iff
// B.Predecessors() contains A.
type Node struct {
	index        int
	graph        *Graph
	successors   []*Node
	predecessors []*Node
}

// NewNode returns a free-standing node. Nodes created this way may be linked
// with each other but not with nodes owned by a Graph.
func NewNode(index int) *Node {
	return &Node{index: index}
}

func (n *Node) Index() int { return n.index }

// Successors returns a copy of the nodes that must come after n.
func (n *Node) Successors() []*Node {
	out := make([]*Node, len(n.successors))
	copy(out, n.successors)
	return out
}

// Predecessors returns a copy of the nodes that must come before n.
func (n *Node) Predecessors() []*Node {
	out := make([]*Node, len(n.predecessors))
	copy(out, n.predecessors)
	return out
}

// AddSuccessor adds the edge n -> s. Adding an existing edge is a no-op.
func (n *Node) AddSuccessor(s *Node) error {
	if s == nil {
		return nil
	}
	if n.graph != s.graph {
		return &GraphError{Kind: ErrForeignNode, Msg: "cannot link nodes of different graphs"}
	}
	if s == n {
		return cycleError([]int{n.index, n.index})
	}
	if containsNode(n.successors, s) {
		return nil
	}
	n.successors = append(n.successors, s)
	s.predecessors = append(s.predecessors, n)
	return nil
}

// RemoveSuccessor removes the edge n -> s if present.
func (n *Node) RemoveSuccessor(s *Node) {
	if s == nil || !containsNode(n.successors, s) {
		return
	}
	n.successors = removeNode(n.successors, s)
	s.predecessors = removeNode(s.predecessors, n)
}

func containsNode(list []*Node, target *Node) bool {
	for _, n := range list {
		if n == target {
			return true
		}
	}
	return false
}

func removeNode(list []*Node, target *Node) []*Node {
	out := list[:0]
	for _, n := range list {
		if n != target {
			out = append(out, n)
		}
	}
	for i := len(out); i < len(list); i++ {
		list[i] = nil
	}
	return out
}

// Graph hands out nodes with sequential indices.
type Graph struct {
	nodes []*Node
}

func NewGraph() *Graph {
	return &Graph{}
}

// AddNode creates a node whose index is the number of nodes created before it.
func (g *Graph) AddNode() *Node {
	n := &Node{index: len(g.nodes), graph: g}
	g.nodes = append(g.nodes, n)
	return n
}

// Node returns the node with the given index.
func (g *Graph) Node(index int) (*Node, bool) {
	if index < 0 || index >= len(g.nodes) {
		return nil, false
	}
	return g.nodes[index], true
}

// Nodes returns every node in index order.
func (g *Graph) Nodes() []*Node {
	out := make([]*Node, len(g.nodes))
	copy(out, g.nodes)
	return out
}

func (g *Graph) Len() int { return len(g.nodes) }
