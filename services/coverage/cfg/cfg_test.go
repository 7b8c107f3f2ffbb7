// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package cfg

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func diamond(t *testing.T) *Graph {
	t.Helper()
	b := NewBuilder("Foo", "bar")
	b0 := b.AddBlock("b0", Instruction{ID: 1, Line: 10})
	b1 := b.AddBlock("b1", Instruction{ID: 2, Line: 11})
	b2 := b.AddBlock("b2", Instruction{ID: 3, Line: 13})
	b3 := b.AddBlock("b3", Instruction{ID: 4, Line: 15})
	b.MarkEntry(b0).MarkExit(b3)
	b.AddBranchEdge(b0, b1, 7, true).AddBranchEdge(b0, b2, 7, false)
	b.AddEdge(b1, b3).AddEdge(b2, b3)
	g, err := b.Build()
	require.NoError(t, err)
	return g
}

func TestBuild_Indexes(t *testing.T) {
	g := diamond(t)

	assert.Equal(t, MethodKey{Class: "Foo", Method: "bar"}, g.Key())
	assert.Equal(t, BlockID(0), g.Entry())
	assert.Equal(t, []BlockID{3}, g.Exits())
	assert.Equal(t, []int{7}, g.Branches())
	assert.Equal(t, BlockID(0), g.BlockOfBranch(7))
	assert.Equal(t, NoBlock, g.BlockOfBranch(8))
	assert.Equal(t, BlockID(2), g.BlockOfInstruction(3))
	assert.Equal(t, BlockID(3), g.BlockOfLine(15))
	assert.Equal(t, []int{10, 11, 13, 15}, g.Lines())
	assert.True(t, g.IsBranch(0))
	assert.False(t, g.IsBranch(1))
	assert.ElementsMatch(t, []BlockID{1, 2}, g.Predecessors(3))

	edges := g.EdgesBetween(0, 2)
	require.Len(t, edges, 1)
	require.NotNil(t, edges[0].Decision)
	assert.Equal(t, BranchDecision{BranchID: 7, Direction: false}, *edges[0].Decision)
}

func TestBuild_Errors(t *testing.T) {
	t.Run("multiple entries", func(t *testing.T) {
		b := NewBuilder("A", "m")
		b.MarkEntry(b.AddBlock("x")).MarkEntry(b.AddBlock("y"))
		_, err := b.Build()
		assert.ErrorIs(t, err, ErrMultipleEntries)
		var se *StructureError
		assert.True(t, errors.As(err, &se))
	})

	t.Run("dangling edge", func(t *testing.T) {
		b := NewBuilder("A", "m")
		b.AddEdge(b.AddBlock("x"), 5)
		_, err := b.Build()
		assert.ErrorIs(t, err, ErrBlockNotFound)
	})

	t.Run("mixed branches", func(t *testing.T) {
		b := NewBuilder("A", "m")
		x, y, z := b.AddBlock("x"), b.AddBlock("y"), b.AddBlock("z")
		b.AddBranchEdge(x, y, 1, true).AddBranchEdge(x, z, 2, false)
		_, err := b.Build()
		assert.ErrorIs(t, err, ErrMixedBranches)
	})

	t.Run("no entry is accepted", func(t *testing.T) {
		b := NewBuilder("A", "m")
		b.AddBlock("x")
		g, err := b.Build()
		require.NoError(t, err)
		assert.False(t, g.HasEntry())
	})
}

func TestReachableFrom(t *testing.T) {
	g := diamond(t)
	seen := g.ReachableFrom(1)
	assert.Equal(t, []bool{false, true, false, true}, seen)
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	g := diamond(t)
	r.Register(g)

	got, err := r.CFG(g.Key())
	require.NoError(t, err)
	assert.Same(t, g, got)

	_, err = r.CFG(MethodKey{Class: "X", Method: "y"})
	assert.ErrorIs(t, err, ErrMethodNotFound)
	assert.Equal(t, []MethodKey{g.Key()}, r.Methods())
}
