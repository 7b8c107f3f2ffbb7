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
	"errors"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// buildAdjacency creates a digraph from an edge list.
func buildAdjacency(n int, edges [][2]int) *Adjacency {
	a := NewAdjacency(n)
	for _, e := range edges {
		a.AddEdge(e[0], e[1])
	}
	return a
}

// randomDigraph returns a graph where node 0 has an edge to node 1 and
// every other node gets up to three random successors.
func randomDigraph(rng *rand.Rand, n int) *Adjacency {
	a := NewAdjacency(n)
	if n > 1 {
		a.AddEdge(0, 1)
	}
	for v := 0; v < n; v++ {
		for k := rng.Intn(4); k > 0; k-- {
			a.AddEdge(v, rng.Intn(n))
		}
	}
	return a
}

// reachableWithout returns nodes reachable from entry when skip is removed.
func reachableWithout(g Digraph, entry, skip int) []bool {
	seen := make([]bool, g.NumNodes())
	if entry == skip {
		return seen
	}
	stack := []int{entry}
	seen[entry] = true
	for len(stack) > 0 {
		v := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, s := range g.Successors(v) {
			if s != skip && !seen[s] {
				seen[s] = true
				stack = append(stack, s)
			}
		}
	}
	return seen
}

// bruteForceIdom computes immediate dominators by node removal.
func bruteForceIdom(g Digraph, entry int) (idom []int, reachable []bool) {
	n := g.NumNodes()
	reachable = reachableWithout(g, entry, -1)
	// dom[v] = set of strict dominators of v.
	sdom := make([][]bool, n)
	for d := 0; d < n; d++ {
		if !reachable[d] {
			continue
		}
		without := reachableWithout(g, entry, d)
		for v := 0; v < n; v++ {
			if v != d && reachable[v] && !without[v] {
				if sdom[v] == nil {
					sdom[v] = make([]bool, n)
				}
				sdom[v][d] = true
			}
		}
	}
	count := func(v int) int {
		c := 0
		for _, b := range sdom[v] {
			if b {
				c++
			}
		}
		return c
	}
	idom = make([]int, n)
	for v := range idom {
		idom[v] = NoDominator
		if !reachable[v] || v == entry {
			continue
		}
		// The immediate dominator is the strict dominator with the most
		// dominators of its own.
		best, bestCount := NoDominator, -1
		for d := 0; d < n; d++ {
			if sdom[v][d] && count(d) > bestCount {
				best, bestCount = d, count(d)
			}
		}
		idom[v] = best
	}
	return idom, reachable
}

func TestComputeDominators_Diamond(t *testing.T) {
	// 0 -> 1 -> 3, 0 -> 2 -> 3, 3 -> 4
	g := buildAdjacency(5, [][2]int{{0, 1}, {0, 2}, {1, 3}, {2, 3}, {3, 4}})
	dt, err := ComputeDominators(context.Background(), g, 0)
	require.NoError(t, err)

	want := []int{NoDominator, 0, 0, 0, 3}
	for v, w := range want {
		got, err := dt.ImmediateDominator(v)
		require.NoError(t, err)
		assert.Equal(t, w, got, "idom(%d)", v)
	}
	assert.True(t, dt.Dominates(0, 4))
	assert.True(t, dt.Dominates(3, 4))
	assert.False(t, dt.Dominates(1, 3))
	assert.True(t, dt.Dominates(2, 2))
	assert.False(t, dt.StrictlyDominates(2, 2))
	assert.Equal(t, 2, dt.Depth(4))
	assert.ElementsMatch(t, []int{1, 2, 3}, dt.Children(0))

	doms, err := dt.DominatorsOf(4)
	require.NoError(t, err)
	assert.Equal(t, []int{4, 3, 0}, doms)

	lcd, err := dt.LowestCommonDominator(1, 4)
	require.NoError(t, err)
	assert.Equal(t, 0, lcd)
}

func TestComputeDominators_Loop(t *testing.T) {
	// 0 -> 1 <-> 2, 1 -> 3
	g := buildAdjacency(4, [][2]int{{0, 1}, {1, 2}, {2, 1}, {1, 3}})
	dt, err := ComputeDominators(context.Background(), g, 0)
	require.NoError(t, err)

	for v, w := range []int{NoDominator, 0, 1, 1} {
		got, err := dt.ImmediateDominator(v)
		require.NoError(t, err)
		assert.Equal(t, w, got, "idom(%d)", v)
	}
}

func TestComputeDominators_Unreachable(t *testing.T) {
	g := buildAdjacency(3, [][2]int{{0, 1}, {2, 1}})
	dt, err := ComputeDominators(context.Background(), g, 0)
	require.NoError(t, err)

	assert.False(t, dt.IsReachable(2))
	assert.Equal(t, 2, dt.ReachableCount())
	_, err = dt.ImmediateDominator(2)
	assert.ErrorIs(t, err, ErrNodeUnreachable)
	_, err = dt.ImmediateDominator(7)
	assert.ErrorIs(t, err, ErrNodeOutOfRange)
	assert.False(t, dt.Dominates(2, 1))
	assert.Equal(t, -1, dt.Depth(2))

	got, err := dt.ImmediateDominator(1)
	require.NoError(t, err)
	assert.Equal(t, 0, got)
}

func TestComputeDominators_Errors(t *testing.T) {
	g := buildAdjacency(2, [][2]int{{0, 1}})

	_, err := ComputeDominators(context.Background(), nil, 0)
	assert.ErrorIs(t, err, ErrNilGraph)

	_, err = ComputeDominators(context.Background(), g, 5)
	assert.ErrorIs(t, err, ErrNodeOutOfRange)

	_, err = ComputeDominators(context.Background(), g, 0, WithMaxNodes(1))
	assert.ErrorIs(t, err, ErrGraphTooLarge)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = ComputeDominators(ctx, g, 0)
	assert.True(t, errors.Is(err, context.Canceled))
	var algErr *AlgorithmError
	assert.True(t, errors.As(err, &algErr))
}

func TestComputeDominators_MatchesBruteForce(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 200; i++ {
		n := 2 + rng.Intn(25)
		g := randomDigraph(rng, n)

		dt, err := ComputeDominators(context.Background(), g, 0)
		require.NoError(t, err)
		want, reachable := bruteForceIdom(g, 0)

		roots := 0
		for v := 0; v < n; v++ {
			if !reachable[v] {
				assert.False(t, dt.IsReachable(v))
				continue
			}
			got, err := dt.ImmediateDominator(v)
			require.NoError(t, err)
			assert.Equal(t, want[v], got, "graph %d node %d", i, v)
			if got == NoDominator {
				roots++
				continue
			}
			// idom(v) lies on every path from the entry to v.
			assert.False(t, reachableWithout(g, 0, got)[v], "graph %d node %d", i, v)
		}
		assert.Equal(t, 1, roots, "graph %d", i)
	}
}

func TestComputeDominanceFrontier(t *testing.T) {
	// 0 -> 1 -> 3, 0 -> 2 -> 3, 3 -> 1 (loop back)
	g := buildAdjacency(4, [][2]int{{0, 1}, {0, 2}, {1, 3}, {2, 3}, {3, 1}})
	dt, err := ComputeDominators(context.Background(), g, 0)
	require.NoError(t, err)
	df, err := ComputeDominanceFrontier(context.Background(), g, dt)
	require.NoError(t, err)

	assert.Empty(t, df.Frontier(0))
	assert.Equal(t, []int{3}, df.Frontier(1))
	assert.Equal(t, []int{3}, df.Frontier(2))
	assert.Equal(t, []int{1}, df.Frontier(3))
	assert.True(t, df.IsMergePoint(3))
	assert.Equal(t, 2, df.MergePointDegree(3))
	assert.True(t, df.InFrontier(3, 1))
	assert.Equal(t, 2, df.MergePointCount())
}

func TestComputeDominanceFrontier_Properties(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 200; i++ {
		n := 2 + rng.Intn(25)
		g := randomDigraph(rng, n)
		dt, err := ComputeDominators(context.Background(), g, 0)
		require.NoError(t, err)
		df, err := ComputeDominanceFrontier(context.Background(), g, dt)
		require.NoError(t, err)

		for v := 0; v < n; v++ {
			for _, y := range df.Frontier(v) {
				assert.NotEqual(t, v, y, "graph %d", i)
				assert.False(t, dt.StrictlyDominates(v, y), "graph %d: %d sdom %d", i, v, y)
			}
		}
	}
}

func TestReversePostorder(t *testing.T) {
	g := buildAdjacency(4, [][2]int{{0, 1}, {1, 2}, {0, 2}})
	order, pos := ReversePostorder(g, 0)
	assert.Equal(t, 0, order[0])
	assert.Less(t, pos[1], pos[2])
	assert.Equal(t, -1, pos[3])
}
