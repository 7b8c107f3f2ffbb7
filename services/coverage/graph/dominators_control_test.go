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
	"math/rand"
	"testing"

	"github.com/gofraser/evosuite-sub003/services/coverage/cfg"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decision(id int, dir bool) cfg.BranchDecision {
	return cfg.BranchDecision{BranchID: id, Direction: dir}
}

// branchingCFG is B0 branching on branch 1 to exits B1 and B2.
func branchingCFG(t *testing.T) *cfg.Graph {
	t.Helper()
	b := cfg.NewBuilder("Foo", "pick")
	b0, b1, b2 := b.AddBlock("b0"), b.AddBlock("b1"), b.AddBlock("b2")
	b.MarkEntry(b0).MarkExit(b1).MarkExit(b2)
	b.AddBranchEdge(b0, b1, 1, true).AddBranchEdge(b0, b2, 1, false)
	g, err := b.Build()
	require.NoError(t, err)
	return g
}

func TestBuildControlDependence_Branching(t *testing.T) {
	cdg, err := BuildControlDependence(context.Background(), branchingCFG(t))
	require.NoError(t, err)

	assert.True(t, cdg.IsRootDependent(0))
	assert.Empty(t, cdg.ControlDependentBranches(0))
	assert.Equal(t, []cfg.BranchDecision{decision(1, true)}, cdg.ControlDependentBranches(1))
	assert.Equal(t, []cfg.BranchDecision{decision(1, false)}, cdg.ControlDependentBranches(2))
	assert.Equal(t, 0, cdg.DistanceFromRoot(0))
	assert.Equal(t, 1, cdg.DistanceFromRoot(1))
	assert.Equal(t, []cfg.BlockID{0}, cdg.Parents(1))
	assert.ElementsMatch(t, []cfg.BlockID{1, 2}, cdg.Dependents(0))
	assert.Equal(t, 2, cdg.EdgeCount())
	assert.Zero(t, cdg.OmittedCount())
}

func TestBuildControlDependence_NestedWithChain(t *testing.T) {
	// b0: if (B1) { b1: if (B2) { b2 -> b3 } } b4 (join, exit)
	b := cfg.NewBuilder("Foo", "nested")
	b0, b1, b2 := b.AddBlock("b0"), b.AddBlock("b1"), b.AddBlock("b2")
	b3, b4 := b.AddBlock("b3"), b.AddBlock("b4")
	b.MarkEntry(b0).MarkExit(b4)
	b.AddBranchEdge(b0, b1, 1, true).AddBranchEdge(b0, b4, 1, false)
	b.AddBranchEdge(b1, b2, 2, true).AddBranchEdge(b1, b4, 2, false)
	b.AddEdge(b2, b3).AddEdge(b3, b4)
	g, err := b.Build()
	require.NoError(t, err)

	cdg, err := BuildControlDependence(context.Background(), g)
	require.NoError(t, err)

	assert.True(t, cdg.IsRootDependent(b0))
	assert.True(t, cdg.IsRootDependent(b4))
	assert.Equal(t, []cfg.BranchDecision{decision(1, true)}, cdg.ControlDependentBranches(b1))
	assert.Equal(t, []cfg.BranchDecision{decision(2, true)}, cdg.ControlDependentBranches(b2))
	assert.Equal(t, []cfg.BranchDecision{decision(2, true)}, cdg.ControlDependentBranches(b3))
	assert.Equal(t, 2, cdg.DistanceFromRoot(b3))
	assert.True(t, cdg.IsAcyclic())
}

func TestBuildControlDependence_IndirectEdge(t *testing.T) {
	// cd -true-> c -> b -> exit, cd -false-> x -> exit
	// b is in DF_rev(cd) through c but cd has no edge to b.
	b := cfg.NewBuilder("Foo", "indirect")
	cd, c, bb, x := b.AddBlock("cd"), b.AddBlock("c"), b.AddBlock("b"), b.AddBlock("x")
	b.MarkEntry(cd).MarkExit(bb).MarkExit(x)
	b.AddBranchEdge(cd, c, 3, true).AddBranchEdge(cd, x, 3, false)
	b.AddEdge(c, bb)
	g, err := b.Build()
	require.NoError(t, err)

	cdg, err := BuildControlDependence(context.Background(), g)
	require.NoError(t, err)
	assert.Equal(t, []cfg.BranchDecision{decision(3, true)}, cdg.ControlDependentBranches(bb))
	assert.Zero(t, cdg.OmittedCount())
}

func TestBuildControlDependence_ExceptionalEdgeSkipped(t *testing.T) {
	// cd -true-> c -> b, cd -false-> x, cd -throws-> h -> b.
	// Only the normal out-edges of cd label b.
	b := cfg.NewBuilder("Foo", "guarded")
	cd, c, bb, x, h := b.AddBlock("cd"), b.AddBlock("c"), b.AddBlock("b"), b.AddBlock("x"), b.AddBlock("h")
	b.MarkEntry(cd).MarkExit(bb).MarkExit(x)
	b.AddBranchEdge(cd, c, 1, true).AddBranchEdge(cd, x, 1, false)
	b.AddExceptionalEdge(cd, h)
	b.AddEdge(c, bb).AddEdge(h, bb)
	g, err := b.Build()
	require.NoError(t, err)

	cdg, err := BuildControlDependence(context.Background(), g)
	require.NoError(t, err)
	assert.Zero(t, cdg.OmittedCount())
	assert.Equal(t, []cfg.BranchDecision{decision(1, true)}, cdg.ControlDependentBranches(bb))

	deps := cdg.ControlDependencies(h)
	require.Len(t, deps, 1)
	assert.Equal(t, cd, deps[0].Controller)
	assert.Nil(t, deps[0].Decision, "exceptional edges carry no decision")
	assert.Empty(t, cdg.ControlDependentBranches(h), "cd itself only depends on entry")
}

func TestBuildControlDependence_HandlerChain(t *testing.T) {
	// b0: if (B1) { b1: call() -> b2 } else { x }
	// b1 -throws-> hnd -> k
	b := cfg.NewBuilder("Foo", "handler")
	b0, b1, b2 := b.AddBlock("b0"), b.AddBlock("b1"), b.AddBlock("b2")
	hnd, k, x := b.AddBlock("hnd"), b.AddBlock("k"), b.AddBlock("x")
	b.MarkEntry(b0)
	b.AddBranchEdge(b0, b1, 1, true).AddBranchEdge(b0, x, 1, false)
	b.AddEdge(b1, b2)
	b.AddExceptionalEdge(b1, hnd)
	b.AddEdge(hnd, k)
	g, err := b.Build()
	require.NoError(t, err)

	cdg, err := BuildControlDependence(context.Background(), g)
	require.NoError(t, err)

	t.Run("controller without decision expands", func(t *testing.T) {
		for _, blk := range []cfg.BlockID{b2, hnd} {
			deps := cdg.ControlDependencies(blk)
			require.Len(t, deps, 1)
			assert.Equal(t, b1, deps[0].Controller)
			assert.Nil(t, deps[0].Decision)
			assert.Equal(t, []cfg.BranchDecision{decision(1, true)}, cdg.ControlDependentBranches(blk))
		}
	})

	t.Run("reached only through an exceptional edge", func(t *testing.T) {
		assert.Equal(t, 1, cdg.OmittedCount())
		assert.Empty(t, cdg.ControlDependencies(k))
		assert.False(t, cdg.IsRootDependent(k))
		assert.Equal(t, []cfg.BlockID{hnd}, g.NormalPredecessors(k))
		assert.Equal(t, []cfg.BranchDecision{decision(1, true)}, cdg.ControlDependentBranches(k),
			"single normal predecessor is followed")
	})

	assert.Equal(t, []cfg.BranchDecision{decision(1, false)}, cdg.ControlDependentBranches(x))
	assert.True(t, cdg.IsAcyclic())
}

func TestBuildControlDependence_AmbiguousOmitted(t *testing.T) {
	// cd -true-> c -> b, cd -false-> x; x branches to b or exit.
	b := cfg.NewBuilder("Foo", "ambiguous")
	cd, c, bb, x, e := b.AddBlock("cd"), b.AddBlock("c"), b.AddBlock("b"), b.AddBlock("x"), b.AddBlock("e")
	b.MarkEntry(cd).MarkExit(bb).MarkExit(e)
	b.AddBranchEdge(cd, c, 1, true).AddBranchEdge(cd, x, 1, false)
	b.AddEdge(c, bb)
	b.AddBranchEdge(x, bb, 2, true).AddBranchEdge(x, e, 2, false)
	g, err := b.Build()
	require.NoError(t, err)

	cdg, err := BuildControlDependence(context.Background(), g)
	require.NoError(t, err)
	assert.Equal(t, 1, cdg.OmittedCount())
	assert.Equal(t, []cfg.BranchDecision{decision(2, true)}, cdg.ControlDependentBranches(bb))
}

func TestBuildControlDependence_LoopIsAcyclic(t *testing.T) {
	// b0 -> h; h -true-> body -> h; h -false-> out
	b := cfg.NewBuilder("Foo", "loop")
	b0, h, body, out := b.AddBlock("b0"), b.AddBlock("h"), b.AddBlock("body"), b.AddBlock("out")
	b.MarkEntry(b0).MarkExit(out)
	b.AddEdge(b0, h)
	b.AddBranchEdge(h, body, 4, true).AddBranchEdge(h, out, 4, false)
	b.AddEdge(body, h)
	g, err := b.Build()
	require.NoError(t, err)

	cdg, err := BuildControlDependence(context.Background(), g)
	require.NoError(t, err)
	assert.True(t, cdg.IsAcyclic())
	assert.Equal(t, []cfg.BranchDecision{decision(4, true)}, cdg.ControlDependentBranches(body))
	assert.True(t, cdg.IsRootDependent(h))
	assert.Empty(t, cdg.ControlDependentBranches(h))
}

func TestBuildControlDependence_Malformed(t *testing.T) {
	b := cfg.NewBuilder("Foo", "broken")
	b.AddEdge(b.AddBlock("x"), b.AddBlock("y"))
	g, err := b.Build()
	require.NoError(t, err)

	cdg, err := BuildControlDependence(context.Background(), g)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMalformedCFG)
	require.NotNil(t, cdg)
	assert.Zero(t, cdg.EdgeCount())
	assert.Empty(t, cdg.ControlDependentBranches(1))
}

// randomCFG builds a CFG where every block either returns, falls through
// or branches, with occasional back edges.
func randomCFG(t *testing.T, rng *rand.Rand, n int) *cfg.Graph {
	t.Helper()
	b := cfg.NewBuilder("Rand", "m")
	for i := 0; i < n; i++ {
		b.AddBlock("")
	}
	b.MarkEntry(0)
	branch := 0
	for i := 0; i < n-1; i++ {
		from := cfg.BlockID(i)
		switch rng.Intn(4) {
		case 0:
			b.AddEdge(from, cfg.BlockID(i+1))
		case 1, 2:
			branch++
			b.AddBranchEdge(from, cfg.BlockID(i+1), branch, true)
			b.AddBranchEdge(from, cfg.BlockID(rng.Intn(n)), branch, false)
		default:
			if rng.Intn(2) == 0 {
				b.AddEdge(from, cfg.BlockID(i+1))
			} else {
				b.MarkExit(from)
			}
		}
	}
	b.MarkExit(cfg.BlockID(n - 1))
	g, err := b.Build()
	require.NoError(t, err)
	return g
}

func TestBuildControlDependence_RandomAcyclic(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	for i := 0; i < 300; i++ {
		g := randomCFG(t, rng, 2+rng.Intn(20))
		cdg, err := BuildControlDependence(context.Background(), g)
		require.NoError(t, err)
		assert.True(t, cdg.IsAcyclic(), "graph %d", i)
		for blk := 0; blk < g.NumBlocks(); blk++ {
			for _, dep := range cdg.ControlDependencies(cfg.BlockID(blk)) {
				assert.NotEqual(t, dep.Controller, dep.Dependent)
			}
		}
	}
}
