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

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/gofraser/evosuite-sub003/services/coverage/telemetry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// =============================================================================
// Dominator Trees - Lengauer-Tarjan
// =============================================================================

var dominatorTracer = otel.Tracer("coverage.dominators")

// NoDominator is the immediate dominator of the entry node.
const NoDominator = -1

// dominatorContextCheckInterval is how many nodes are processed between
// context checks.
const dominatorContextCheckInterval = 1024

// DefaultMaxDominatorNodes caps the graph size accepted by ComputeDominators.
const DefaultMaxDominatorNodes = 1 << 20

// DominatorOption configures ComputeDominators.
type DominatorOption func(*dominatorOptions)

type dominatorOptions struct {
	maxNodes int
	logger   *slog.Logger
}

// WithMaxNodes rejects graphs with more than n nodes.
func WithMaxNodes(n int) DominatorOption {
	return func(o *dominatorOptions) { o.maxNodes = n }
}

// WithDominatorLogger sets the logger used for diagnostics.
func WithDominatorLogger(l *slog.Logger) DominatorOption {
	return func(o *dominatorOptions) { o.logger = l }
}

// DominatorTree is the immediate-dominator relation of a digraph.
//
// Nodes not reached by the DFS from Entry carry no dominance information;
// every query about them fails with ErrNodeUnreachable.
//
// Thread Safety: Safe for concurrent use after construction.
type DominatorTree struct {
	// Entry is the root of the tree.
	Entry int

	// NodeCount is the number of nodes of the analysed graph.
	NodeCount int

	idom      []int
	dfnum     []int
	order     []int
	children  [][]int
	depth     []int
	pre, post []int
}

// ComputeDominators builds the dominator tree of g rooted at entry.
//
// Description:
//
//	Implements Lengauer and Tarjan, "A Fast Algorithm for Finding
//	Dominators in a Flowgraph" (1979), simple variant with path
//	compression:
//	  1. Iterative DFS from entry numbers nodes and records DFS parents.
//	  2. Nodes are visited in decreasing DFS number; the semidominator of
//	     w is the minimum over its predecessors v of semi(eval(v)).
//	  3. w is placed in the bucket of its semidominator and linked to its
//	     DFS parent; the parent's bucket is drained into provisional
//	     immediate dominators.
//	  4. A top-down pass fixes provisional entries.
//	All per-node state lives in flat slices indexed by DFS number and the
//	union-find path compression is iterative.
//
// Inputs:
//   - ctx: Context for cancellation. Checked between phases and every
//     dominatorContextCheckInterval nodes.
//   - g: The graph. Must not be nil.
//   - entry: Index of the entry node.
//
// Outputs:
//   - *DominatorTree: The tree. Nil on error.
//   - error: ErrNilGraph, ErrNodeOutOfRange, ErrGraphTooLarge or the
//     context error, wrapped in *AlgorithmError.
//
// Thread Safety: Safe for concurrent use; g is only read.
//
// Complexity: O(E log V) time, O(V) extra space.
func ComputeDominators(ctx context.Context, g Digraph, entry int, opts ...DominatorOption) (*DominatorTree, error) {
	o := dominatorOptions{maxNodes: DefaultMaxDominatorNodes, logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	fail := func(op string, err error) (*DominatorTree, error) {
		return nil, &AlgorithmError{Algorithm: "dominators", Operation: op, Err: err}
	}
	if g == nil {
		return fail("validate", ErrNilGraph)
	}
	n := g.NumNodes()
	if entry < 0 || entry >= n {
		return fail("validate", fmt.Errorf("%w: entry %d of %d", ErrNodeOutOfRange, entry, n))
	}
	if o.maxNodes > 0 && n > o.maxNodes {
		return fail("validate", fmt.Errorf("%w: %d > %d", ErrGraphTooLarge, n, o.maxNodes))
	}

	ctx, span := dominatorTracer.Start(ctx, "graph.ComputeDominators",
		trace.WithAttributes(
			attribute.Int("dominators.node_count", n),
			attribute.Int("dominators.entry", entry),
		),
	)
	defer span.End()
	start := time.Now()
	logger := telemetry.LoggerWithTrace(ctx, o.logger)

	lt := newLTState(n)
	lt.dfs(g, entry)
	span.AddEvent("dfs_complete", trace.WithAttributes(attribute.Int("reachable", len(lt.vertex))))

	if err := lt.semidominators(ctx, g); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "cancelled")
		return fail("semidominators", err)
	}
	span.AddEvent("semidominators_complete")

	dt := lt.tree(entry)
	span.AddEvent("tree_complete")
	span.SetAttributes(attribute.Int("dominators.reachable", len(dt.order)))

	recordAlgorithmMetrics(ctx, "dominators", time.Since(start), n, true)
	logger.Debug("dominator tree computed",
		slog.Int("nodes", n),
		slog.Int("reachable", len(dt.order)),
		slog.Duration("duration", time.Since(start)),
	)
	return dt, nil
}

// ltState holds the Lengauer-Tarjan working arrays. Everything except
// dfnum and vertex is indexed by DFS number.
type ltState struct {
	dfnum    []int // node -> DFS number, -1 if unreached
	vertex   []int // DFS number -> node
	parent   []int
	semi     []int
	ancestor []int
	label    []int
	idom     []int
	bucket   [][]int
	path     []int
}

func newLTState(n int) *ltState {
	dfnum := make([]int, n)
	for i := range dfnum {
		dfnum[i] = -1
	}
	return &ltState{dfnum: dfnum, vertex: make([]int, 0, n)}
}

// dfs numbers the nodes reachable from entry in preorder.
func (lt *ltState) dfs(g Digraph, entry int) {
	type frame struct{ node, next int }
	var parents []int

	lt.dfnum[entry] = 0
	lt.vertex = append(lt.vertex, entry)
	parents = append(parents, -1)
	stack := []frame{{node: entry}}
	for len(stack) > 0 {
		top := &stack[len(stack)-1]
		succ := g.Successors(top.node)
		if top.next >= len(succ) {
			stack = stack[:len(stack)-1]
			continue
		}
		s := succ[top.next]
		top.next++
		if lt.dfnum[s] != -1 {
			continue
		}
		lt.dfnum[s] = len(lt.vertex)
		lt.vertex = append(lt.vertex, s)
		parents = append(parents, lt.dfnum[top.node])
		stack = append(stack, frame{node: s})
	}

	r := len(lt.vertex)
	lt.parent = parents
	lt.semi = make([]int, r)
	lt.ancestor = make([]int, r)
	lt.label = make([]int, r)
	lt.idom = make([]int, r)
	lt.bucket = make([][]int, r)
	for i := 0; i < r; i++ {
		lt.semi[i] = i
		lt.ancestor[i] = -1
		lt.label[i] = i
		lt.idom[i] = -1
	}
}

func (lt *ltState) semidominators(ctx context.Context, g Digraph) error {
	r := len(lt.vertex)
	for w := r - 1; w >= 1; w-- {
		if (r-w)%dominatorContextCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		for _, p := range g.Predecessors(lt.vertex[w]) {
			v := lt.dfnum[p]
			if v < 0 {
				continue
			}
			if u := lt.eval(v); lt.semi[u] < lt.semi[w] {
				lt.semi[w] = lt.semi[u]
			}
		}
		lt.bucket[lt.semi[w]] = append(lt.bucket[lt.semi[w]], w)

		pw := lt.parent[w]
		lt.ancestor[w] = pw
		for _, v := range lt.bucket[pw] {
			if u := lt.eval(v); lt.semi[u] < lt.semi[v] {
				lt.idom[v] = u
			} else {
				lt.idom[v] = pw
			}
		}
		lt.bucket[pw] = lt.bucket[pw][:0]
	}

	for w := 1; w < r; w++ {
		if lt.idom[w] != lt.semi[w] {
			lt.idom[w] = lt.idom[lt.idom[w]]
		}
	}
	return ctx.Err()
}

// eval returns the node with minimal semidominator on the forest path
// from v up to, but excluding, its root.
func (lt *ltState) eval(v int) int {
	if lt.ancestor[v] == -1 {
		return v
	}
	lt.compress(v)
	return lt.label[v]
}

// compress is the iterative form of the recursive path compression:
// the path is collected bottom-up, then rewritten top-down so every
// node sees its already-compressed ancestor.
func (lt *ltState) compress(v int) {
	path := lt.path[:0]
	for x := v; lt.ancestor[lt.ancestor[x]] != -1; x = lt.ancestor[x] {
		path = append(path, x)
	}
	for i := len(path) - 1; i >= 0; i-- {
		x := path[i]
		a := lt.ancestor[x]
		if lt.semi[lt.label[a]] < lt.semi[lt.label[x]] {
			lt.label[x] = lt.label[a]
		}
		lt.ancestor[x] = lt.ancestor[a]
	}
	lt.path = path
}

// tree converts the DFS-numbered result back to node space.
func (lt *ltState) tree(entry int) *DominatorTree {
	n := len(lt.dfnum)
	dt := &DominatorTree{
		Entry:     entry,
		NodeCount: n,
		idom:      make([]int, n),
		dfnum:     lt.dfnum,
		order:     lt.vertex,
		children:  make([][]int, n),
		depth:     make([]int, n),
		pre:       make([]int, n),
		post:      make([]int, n),
	}
	for i := range dt.idom {
		dt.idom[i] = NoDominator
		dt.depth[i] = -1
	}
	for w := 1; w < len(lt.vertex); w++ {
		node := lt.vertex[w]
		parent := lt.vertex[lt.idom[w]]
		dt.idom[node] = parent
		dt.children[parent] = append(dt.children[parent], node)
	}

	// Depth follows DFS order: a node's idom always has a smaller number.
	dt.depth[entry] = 0
	for _, node := range lt.vertex[1:] {
		dt.depth[node] = dt.depth[dt.idom[node]] + 1
	}

	// Pre/post intervals over the tree give O(1) Dominates.
	type frame struct{ node, next int }
	clock := 0
	stack := []frame{{node: entry}}
	dt.pre[entry] = clock
	clock++
	for len(stack) > 0 {
		top := &stack[len(stack)-1]
		if top.next < len(dt.children[top.node]) {
			c := dt.children[top.node][top.next]
			top.next++
			dt.pre[c] = clock
			clock++
			stack = append(stack, frame{node: c})
			continue
		}
		dt.post[top.node] = clock
		clock++
		stack = stack[:len(stack)-1]
	}
	return dt
}

// =============================================================================
// Queries
// =============================================================================

func (dt *DominatorTree) check(n int) error {
	if n < 0 || n >= dt.NodeCount {
		return fmt.Errorf("%w: %d", ErrNodeOutOfRange, n)
	}
	if dt.dfnum[n] < 0 {
		return fmt.Errorf("%w: %d", ErrNodeUnreachable, n)
	}
	return nil
}

// ImmediateDominator returns the closest strict dominator of n.
//
// Outputs:
//   - int: The immediate dominator, or NoDominator for the entry.
//   - error: ErrNodeUnreachable or ErrNodeOutOfRange.
func (dt *DominatorTree) ImmediateDominator(n int) (int, error) {
	if err := dt.check(n); err != nil {
		return NoDominator, err
	}
	return dt.idom[n], nil
}

// IsReachable reports whether n was reached from the entry.
func (dt *DominatorTree) IsReachable(n int) bool {
	return n >= 0 && n < dt.NodeCount && dt.dfnum[n] >= 0
}

// ReachableCount returns the number of nodes reached from the entry.
func (dt *DominatorTree) ReachableCount() int { return len(dt.order) }

// DFSOrder returns the reachable nodes in DFS preorder. Every node comes
// after its immediate dominator.
func (dt *DominatorTree) DFSOrder() []int {
	return append([]int(nil), dt.order...)
}

// Children returns the nodes immediately dominated by n.
func (dt *DominatorTree) Children(n int) []int {
	if dt.check(n) != nil {
		return nil
	}
	return dt.children[n]
}

// Depth returns the depth of n in the tree, entry = 0, or -1 when unreachable.
func (dt *DominatorTree) Depth(n int) int {
	if dt.check(n) != nil {
		return -1
	}
	return dt.depth[n]
}

// Dominates reports whether a dominates b. Every node dominates itself.
//
// Complexity: O(1).
func (dt *DominatorTree) Dominates(a, b int) bool {
	if dt.check(a) != nil || dt.check(b) != nil {
		return false
	}
	return dt.pre[a] <= dt.pre[b] && dt.post[b] <= dt.post[a]
}

// StrictlyDominates reports whether a dominates b and a != b.
func (dt *DominatorTree) StrictlyDominates(a, b int) bool {
	return a != b && dt.Dominates(a, b)
}

// DominatorsOf returns the dominators of n from n up to the entry.
func (dt *DominatorTree) DominatorsOf(n int) ([]int, error) {
	if err := dt.check(n); err != nil {
		return nil, err
	}
	res := make([]int, 0, dt.depth[n]+1)
	for x := n; x != NoDominator; x = dt.idom[x] {
		res = append(res, x)
	}
	return res, nil
}

// LowestCommonDominator returns the deepest node dominating both a and b.
func (dt *DominatorTree) LowestCommonDominator(a, b int) (int, error) {
	if err := dt.check(a); err != nil {
		return NoDominator, err
	}
	if err := dt.check(b); err != nil {
		return NoDominator, err
	}
	for dt.depth[a] > dt.depth[b] {
		a = dt.idom[a]
	}
	for dt.depth[b] > dt.depth[a] {
		b = dt.idom[b]
	}
	for a != b {
		a, b = dt.idom[a], dt.idom[b]
	}
	return a, nil
}
