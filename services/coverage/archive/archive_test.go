// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package archive

import (
	"context"
	"slices"
	"testing"

	"github.com/gofraser/evosuite-sub003/services/coverage/goals"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stmtGoal is covered by any test containing the statement named key.
type stmtGoal string

func (g stmtGoal) Key() string          { return string(g) }
func (g stmtGoal) Kind() goals.Kind     { return goals.KindStatement }
func (g stmtGoal) Anchor() goals.Anchor { return goals.Anchor{Instruction: -1} }

func (g stmtGoal) Fitness(c goals.Candidate) float64 {
	tc, ok := c.(*goals.TestCandidate)
	if ok && slices.Contains(tc.Statements, string(g)) {
		return 0
	}
	return 1
}

func newArchive(t *testing.T, capacity int) *Archive {
	t.Helper()
	a, err := New(Config{Capacity: capacity, Seed: 42})
	require.NoError(t, err)
	return a
}

func origin(c goals.Candidate) string {
	return c.(*goals.TestCandidate).Origin()
}

func TestArchive_SamplePrefersLeastSampledUncovered(t *testing.T) {
	ctx := context.Background()
	a := newArchive(t, 3)
	g1, g2, g3 := stmtGoal("g1"), stmtGoal("g2"), stmtGoal("g3")
	a.AddTarget(g1)
	a.AddTarget(g2)
	a.AddTarget(g3)

	c2 := goals.NewTestCandidate("x")
	ok, err := a.AddSolution(ctx, g2, 0.4, c2)
	require.NoError(t, err)
	require.True(t, ok)
	for i := 0; i < 3; i++ {
		got, err := a.SampleSolution(ctx)
		require.NoError(t, err)
		assert.Equal(t, c2.ID(), origin(got))
	}

	c3 := goals.NewTestCandidate("y")
	ok, err = a.AddSolution(ctx, g3, 0.2, c3)
	require.NoError(t, err)
	require.True(t, ok)

	got, err := a.SampleSolution(ctx)
	require.NoError(t, err)
	assert.Equal(t, c3.ID(), origin(got))
	assert.NotEqual(t, c3.ID(), got.ID(), "sample is a clone")
}

func TestArchive_SamplePrefersUncovered(t *testing.T) {
	ctx := context.Background()
	a := newArchive(t, 3)
	cov, open := stmtGoal("cov"), stmtGoal("open")
	a.AddTarget(cov)
	a.AddTarget(open)

	_, err := a.AddSolution(ctx, cov, 1, goals.NewTestCandidate("cov"))
	require.NoError(t, err)
	partial := goals.NewTestCandidate("p")
	_, err = a.AddSolution(ctx, open, 0.5, partial)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		got, err := a.SampleSolution(ctx)
		require.NoError(t, err)
		assert.Equal(t, partial.ID(), origin(got))
	}
}

func TestArchive_EmptyAndUnregistered(t *testing.T) {
	ctx := context.Background()
	a := newArchive(t, 2)
	g := stmtGoal("g")

	_, err := a.SampleSolution(ctx)
	assert.ErrorIs(t, err, ErrArchiveEmpty)
	_, err = a.RandomSolution(ctx)
	assert.ErrorIs(t, err, ErrArchiveEmpty)

	_, err = a.AddSolution(ctx, g, 0.5, goals.NewTestCandidate())
	assert.ErrorIs(t, err, ErrGoalNotRegistered)

	assert.True(t, a.AddTarget(g))
	assert.False(t, a.AddTarget(g))

	_, err = a.AddSolution(ctx, g, 2, goals.NewTestCandidate())
	var perr *PopulationError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "g", perr.Goal)
	assert.ErrorIs(t, err, ErrInvalidHeuristic)

	_, err = New(Config{Capacity: 0})
	assert.ErrorIs(t, err, ErrInvalidCapacity)
}

func TestArchive_TargetsAndSolutions(t *testing.T) {
	ctx := context.Background()
	a := newArchive(t, 2)
	ga, gb, gc := stmtGoal("a"), stmtGoal("b"), stmtGoal("c")
	for _, g := range []goals.Goal{ga, gb, gc} {
		a.AddTarget(g)
	}
	both := goals.NewTestCandidate("a", "b")

	ok, err := a.UpdateArchive(ctx, ga, both, 0)
	require.NoError(t, err)
	assert.True(t, ok)
	_, err = a.UpdateArchive(ctx, gb, both, 0)
	require.NoError(t, err)
	_, err = a.UpdateArchive(ctx, gc, goals.NewTestCandidate(), 3)
	require.NoError(t, err)

	_, err = a.UpdateArchive(ctx, gc, goals.NewTestCandidate(), goals.WorstFitness)
	require.NoError(t, err)
	hs, covered, err := a.Population("c")
	require.NoError(t, err)
	assert.False(t, covered)
	assert.InDelta(t, 0.25, hs[0], 1e-12)
	assert.Len(t, hs, 1, "worst fitness maps to h=0 and is rejected")

	keys := func(gs []goals.Goal) []string {
		var out []string
		for _, g := range gs {
			out = append(out, g.Key())
		}
		return out
	}
	assert.Equal(t, []string{"a", "b"}, keys(a.CoveredTargets()))
	assert.Equal(t, []string{"c"}, keys(a.UncoveredTargets()))
	assert.Equal(t, 1, a.NumberOfSolutions(), "one candidate covers both goals")
	assert.True(t, a.IsCovered("a"))
	assert.False(t, a.IsCovered("missing"))

	got, err := a.RandomSolution(ctx)
	require.NoError(t, err)
	assert.Equal(t, both.ID(), origin(got))

	a.Reset()
	assert.Zero(t, a.Len())
	assert.Empty(t, a.Solutions())
}

func TestArchive_StoresCopyOfAcceptedCandidate(t *testing.T) {
	ctx := context.Background()
	a := newArchive(t, 2)
	g1, g2 := stmtGoal("g1"), stmtGoal("g2")
	a.AddTarget(g1)
	a.AddTarget(g2)

	c := goals.NewTestCandidate("g1")
	ok, err := a.AddSolution(ctx, g1, 1, c)
	require.NoError(t, err)
	require.True(t, ok)
	partial := goals.NewTestCandidate("p")
	ok, err = a.AddSolution(ctx, g2, 0.5, partial)
	require.NoError(t, err)
	require.True(t, ok)

	c.Statements = []string{"other", "x", "y"}
	c.SetExecutionResult(&goals.ExecutionResult{TimedOut: true})
	partial.Statements = nil

	sols := a.Solutions()
	require.Len(t, sols, 1)
	stored := sols[0].(*goals.TestCandidate)
	assert.Equal(t, []string{"g1"}, stored.Statements)
	assert.Nil(t, stored.ExecutionResult())
	assert.Equal(t, c.ID(), stored.Origin())
	assert.Zero(t, goals.FitnessOf(g1, stored))

	got, err := a.SampleSolution(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"p"}, got.(*goals.TestCandidate).Statements)

	ok, err = a.AddSolution(ctx, g2, 0.5, partial)
	require.NoError(t, err)
	assert.False(t, ok, "re-offer under the same id is not a second entry")
	hs, _, err := a.Population("g2")
	require.NoError(t, err)
	assert.Equal(t, []float64{0.5}, hs)
}

func TestArchive_ShrinkSolutions(t *testing.T) {
	ctx := context.Background()
	a := newArchive(t, 4)
	g := stmtGoal("g")
	a.AddTarget(g)
	for _, h := range []float64{0.1, 0.7, 0.3} {
		_, err := a.AddSolution(ctx, g, h, goals.NewTestCandidate())
		require.NoError(t, err)
	}
	require.NoError(t, a.ShrinkSolutions(1))
	hs, _, err := a.Population("g")
	require.NoError(t, err)
	assert.Equal(t, []float64{0.7}, hs)
	assert.ErrorIs(t, a.ShrinkSolutions(0), ErrInvalidCapacity)
}

func TestArchive_MergedSolution(t *testing.T) {
	ctx := context.Background()
	a := newArchive(t, 2)
	g1, g2, g3, g4 := stmtGoal("g1"), stmtGoal("g2"), stmtGoal("g3"), stmtGoal("g4")
	for _, g := range []goals.Goal{g1, g2, g3, g4} {
		a.AddTarget(g)
	}
	c1 := goals.NewTestCandidate("g1")
	c23 := goals.NewTestCandidate("g2", "g3")
	_, err := a.AddSolution(ctx, g1, 1, c1)
	require.NoError(t, err)
	_, err = a.AddSolution(ctx, g2, 1, c23)
	require.NoError(t, err)
	_, err = a.AddSolution(ctx, g3, 1, c23)
	require.NoError(t, err)
	_, err = a.AddSolution(ctx, g4, 0.5, goals.NewTestCandidate("nothing"))
	require.NoError(t, err)

	var writeBack bool
	var nested error
	a.RegisterScorer(NewScorer("size", func(ctx context.Context, s Suite) float64 {
		writeBack, _ = a.AddSolution(ctx, g4, 1, goals.NewTestCandidate("g4"))
		_, nested = a.BeginMerge()
		return float64(len(s.Tests()))
	}))

	suite := NewTestSuite(goals.NewTestCandidate("g1"))
	merged, err := a.MergedSolution(ctx, suite)
	require.NoError(t, err)

	tests := merged.Tests()
	require.Len(t, tests, 2, "g1 already covered, c23 added once")
	assert.Equal(t, c23.ID(), origin(tests[1]))
	assert.Len(t, suite.Tests(), 1, "input suite untouched")

	score, ok := merged.(*TestSuite).Score("size")
	require.True(t, ok)
	assert.Equal(t, 2.0, score)

	assert.False(t, writeBack, "write-back suspended during merge")
	assert.ErrorIs(t, nested, ErrMergeInProgress)
	assert.False(t, a.IsCovered("g4"))
	assert.False(t, a.Merging(), "guard released")

	ok, err = a.AddSolution(ctx, g4, 1, goals.NewTestCandidate("g4"))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestArchive_MergeGuard(t *testing.T) {
	ctx := context.Background()
	a := newArchive(t, 2)
	g := stmtGoal("g")
	a.AddTarget(g)

	guard, err := a.BeginMerge()
	require.NoError(t, err)
	_, err = a.BeginMerge()
	assert.ErrorIs(t, err, ErrMergeInProgress)
	_, err = a.MergedSolution(ctx, NewTestSuite())
	assert.ErrorIs(t, err, ErrMergeInProgress)

	ok, err := a.AddSolution(ctx, g, 1, goals.NewTestCandidate())
	require.NoError(t, err)
	assert.False(t, ok)

	guard.Release()
	guard.Release()
	assert.False(t, a.Merging())

	ok, err = a.AddSolution(ctx, g, 1, goals.NewTestCandidate())
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestArchive_MergedSolutionCancelled(t *testing.T) {
	a := newArchive(t, 2)
	g := stmtGoal("g")
	a.AddTarget(g)
	_, err := a.AddSolution(context.Background(), g, 1, goals.NewTestCandidate("g"))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = a.MergedSolution(ctx, NewTestSuite())
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, a.Merging())
}
