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
	"slices"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// =============================================================================
// Dominance Frontier
// =============================================================================

var frontierTracer = otel.Tracer("coverage.dominance_frontier")

// DominanceFrontier maps each node to the nodes where its dominance ends.
//
// Thread Safety: Safe for concurrent use after construction.
type DominanceFrontier struct {
	// Tree is the dominator tree the frontier was derived from.
	Tree *DominatorTree

	frontier    [][]int
	mergeDegree []int
	mergeCount  int
}

// ComputeDominanceFrontier derives DF(n) for every reachable node.
//
// Description:
//
//	Bottom-up over the dominator tree, children before parents, which is
//	reverse DFS preorder:
//
//	  DF(n) = { y in succ(n)  : idom(y) != n }
//	        u { y in DF(c)    : idom(y) != n, c child of n }
//
//	A node is never placed in its own frontier. Successors the DFS did
//	not reach are ignored.
//
// Inputs:
//   - ctx: Context for cancellation.
//   - g: The same graph dt was computed on.
//   - dt: The dominator tree of g.
//
// Outputs:
//   - *DominanceFrontier: The frontier. Nil on error.
//   - error: Non-nil if g or dt is nil or ctx is cancelled.
//
// Complexity: O(V + E + sum of frontier sizes).
func ComputeDominanceFrontier(ctx context.Context, g Digraph, dt *DominatorTree) (*DominanceFrontier, error) {
	if g == nil || dt == nil {
		return nil, &AlgorithmError{Algorithm: "dominance_frontier", Operation: "validate", Err: ErrNilGraph}
	}
	ctx, span := frontierTracer.Start(ctx, "graph.ComputeDominanceFrontier",
		trace.WithAttributes(attribute.Int("frontier.reachable", dt.ReachableCount())),
	)
	defer span.End()
	start := time.Now()

	n := g.NumNodes()
	df := &DominanceFrontier{
		Tree:        dt,
		frontier:    make([][]int, n),
		mergeDegree: make([]int, n),
	}

	// mark[y] == n+1 means y is already in the set being built for n.
	mark := make([]int, n)
	for i := len(dt.order) - 1; i >= 0; i-- {
		if (len(dt.order)-i)%dominatorContextCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				return nil, &AlgorithmError{Algorithm: "dominance_frontier", Operation: "compute", Err: err}
			}
		}
		node := dt.order[i]
		tag := node + 1
		var set []int
		add := func(y int) {
			if y != node && mark[y] != tag && dt.idom[y] != node {
				mark[y] = tag
				set = append(set, y)
			}
		}
		for _, y := range g.Successors(node) {
			if dt.IsReachable(y) {
				add(y)
			}
		}
		for _, c := range dt.children[node] {
			for _, y := range df.frontier[c] {
				add(y)
			}
		}
		slices.Sort(set)
		df.frontier[node] = set
	}

	for _, set := range df.frontier {
		for _, y := range set {
			if df.mergeDegree[y] == 0 {
				df.mergeCount++
			}
			df.mergeDegree[y]++
		}
	}

	span.SetAttributes(attribute.Int("frontier.merge_points", df.mergeCount))
	recordAlgorithmMetrics(ctx, "dominance_frontier", time.Since(start), n, true)
	return df, nil
}

// Frontier returns DF(n) in ascending order. Nil for unreachable nodes.
func (df *DominanceFrontier) Frontier(n int) []int {
	if n < 0 || n >= len(df.frontier) {
		return nil
	}
	return df.frontier[n]
}

// InFrontier reports whether y is in DF(n).
func (df *DominanceFrontier) InFrontier(n, y int) bool {
	_, found := slices.BinarySearch(df.Frontier(n), y)
	return found
}

// IsMergePoint reports whether n is in the frontier of any node.
func (df *DominanceFrontier) IsMergePoint(n int) bool {
	return df.MergePointDegree(n) > 0
}

// MergePointDegree returns how many frontiers contain n.
func (df *DominanceFrontier) MergePointDegree(n int) int {
	if n < 0 || n >= len(df.mergeDegree) {
		return 0
	}
	return df.mergeDegree[n]
}

// MergePointCount returns the number of distinct merge points.
func (df *DominanceFrontier) MergePointCount() int { return df.mergeCount }
