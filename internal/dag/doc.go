// Package dag provides the directed-acyclic-graph primitive used to order
// work: nodes with paired successor/predecessor links and a deterministic
// topological sort that fails loudly on cycles.
package dag
