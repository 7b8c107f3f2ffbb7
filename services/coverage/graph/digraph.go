// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package graph

import "slices"

// Digraph is the minimal view the dominance algorithms need.
//
// Nodes are the integers [0, NumNodes). Implementations must return the
// same slices for the lifetime of one computation.
type Digraph interface {
	NumNodes() int
	Successors(n int) []int
	Predecessors(n int) []int
}

// Adjacency is an arena adjacency-list digraph.
//
// Thread Safety: Not safe for concurrent mutation. Read-only use after
// construction is safe.
type Adjacency struct {
	succ  [][]int
	pred  [][]int
	edges int
}

// NewAdjacency creates a digraph with n isolated nodes.
func NewAdjacency(n int) *Adjacency {
	return &Adjacency{
		succ: make([][]int, n),
		pred: make([][]int, n),
	}
}

// AddEdge adds from -> to. Parallel edges are collapsed.
func (a *Adjacency) AddEdge(from, to int) {
	if slices.Contains(a.succ[from], to) {
		return
	}
	a.succ[from] = append(a.succ[from], to)
	a.pred[to] = append(a.pred[to], from)
	a.edges++
}

func (a *Adjacency) NumNodes() int           { return len(a.succ) }
func (a *Adjacency) NumEdges() int           { return a.edges }
func (a *Adjacency) Successors(n int) []int   { return a.succ[n] }
func (a *Adjacency) Predecessors(n int) []int { return a.pred[n] }

// HasEdge reports whether from -> to exists.
func (a *Adjacency) HasEdge(from, to int) bool {
	return slices.Contains(a.succ[from], to)
}

// Reverse returns a view with every edge flipped. The view shares storage
// with a, so a must not be mutated afterwards.
func (a *Adjacency) Reverse() *Adjacency {
	return &Adjacency{succ: a.pred, pred: a.succ, edges: a.edges}
}

// ReversePostorder returns the nodes reachable from entry in reverse
// postorder of a DFS, together with each node's position (-1 when
// unreachable).
func ReversePostorder(g Digraph, entry int) (order []int, pos []int) {
	n := g.NumNodes()
	pos = make([]int, n)
	for i := range pos {
		pos[i] = -1
	}
	if entry < 0 || entry >= n {
		return nil, pos
	}

	type frame struct{ node, next int }
	visited := make([]bool, n)
	post := make([]int, 0, n)
	stack := []frame{{node: entry}}
	visited[entry] = true
	for len(stack) > 0 {
		top := &stack[len(stack)-1]
		succ := g.Successors(top.node)
		if top.next < len(succ) {
			s := succ[top.next]
			top.next++
			if !visited[s] {
				visited[s] = true
				stack = append(stack, frame{node: s})
			}
			continue
		}
		post = append(post, top.node)
		stack = stack[:len(stack)-1]
	}

	order = make([]int, len(post))
	for i, v := range post {
		order[len(post)-1-i] = v
	}
	for i, v := range order {
		pos[v] = i
	}
	return order, pos
}
