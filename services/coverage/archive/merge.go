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
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/gofraser/evosuite-sub003/services/coverage/goals"
	"github.com/gofraser/evosuite-sub003/services/coverage/telemetry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var mergeTracer = otel.Tracer("coverage.archive")

// Suite is a whole test suite as seen by the merge step.
type Suite interface {
	Clone() Suite
	Tests() []goals.Candidate
	AddTest(c goals.Candidate)

	// Covers reports whether some test of the suite satisfies g. It may
	// re-execute tests.
	Covers(g goals.Goal) bool

	SetScore(name string, v float64)
}

// SuiteScorer is an aggregate fitness function over a whole suite.
type SuiteScorer interface {
	Name() string
	Score(ctx context.Context, s Suite) float64
}

type scorerFunc struct {
	name string
	fn   func(ctx context.Context, s Suite) float64
}

func (s scorerFunc) Name() string                                   { return s.name }
func (s scorerFunc) Score(ctx context.Context, suite Suite) float64 { return s.fn(ctx, suite) }

// NewScorer adapts fn into a SuiteScorer.
func NewScorer(name string, fn func(ctx context.Context, s Suite) float64) SuiteScorer {
	return scorerFunc{name: name, fn: fn}
}

// TestSuite is the stock Suite over goals.Candidate values.
//
// Thread Safety: Not safe for concurrent use.
type TestSuite struct {
	tests  []goals.Candidate
	scores map[string]float64
}

// NewTestSuite creates a suite holding tests.
func NewTestSuite(tests ...goals.Candidate) *TestSuite {
	return &TestSuite{tests: tests, scores: make(map[string]float64)}
}

// Clone copies the test list and scores. Tests themselves are shared.
func (s *TestSuite) Clone() Suite {
	return &TestSuite{tests: slices.Clone(s.tests), scores: maps.Clone(s.scores)}
}

func (s *TestSuite) Tests() []goals.Candidate { return slices.Clone(s.tests) }

func (s *TestSuite) AddTest(c goals.Candidate) { s.tests = append(s.tests, c) }

// Covers uses each test's cached fitness where present.
func (s *TestSuite) Covers(g goals.Goal) bool {
	for _, t := range s.tests {
		if goals.FitnessOf(g, t) == 0 {
			return true
		}
	}
	return false
}

func (s *TestSuite) SetScore(name string, v float64) {
	if s.scores == nil {
		s.scores = make(map[string]float64)
	}
	s.scores[name] = v
}

// Score returns the value last set by scorer name.
func (s *TestSuite) Score(name string) (float64, bool) {
	v, ok := s.scores[name]
	return v, ok
}

// RegisterScorer adds an aggregate scorer run by MergedSolution.
func (a *Archive) RegisterScorer(s SuiteScorer) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.scorers = append(a.scorers, s)
}

// MergeGuard suspends archive write-back until Release.
type MergeGuard struct {
	a    *Archive
	once sync.Once
}

// BeginMerge suspends AddSolution on this archive until the returned
// guard is released. It is not reentrant.
func (a *Archive) BeginMerge() (*MergeGuard, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.merging {
		return nil, ErrMergeInProgress
	}
	a.merging = true
	return &MergeGuard{a: a}, nil
}

// Release resumes write-back. Extra calls are no-ops.
func (g *MergeGuard) Release() {
	g.once.Do(func() {
		g.a.mu.Lock()
		g.a.merging = false
		g.a.mu.Unlock()
	})
}

// Merging reports whether a merge guard is held.
func (a *Archive) Merging() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.merging
}

// MergedSolution returns a clone of suite extended with the archived
// covering candidate of every goal suite does not cover yet.
//
// Description:
//
//	Candidates are deduplicated by the id they were archived under. The
//	merged suite is then re-scored with every registered scorer. Archive
//	write-back is suspended for the whole call, so scorers may re-execute
//	tests without feeding results back into this archive.
//
// Outputs:
//   - Suite: The merged suite. suite itself is not modified.
//   - error: ErrMergeInProgress if called from inside another merge, or
//     the context error.
func (a *Archive) MergedSolution(ctx context.Context, suite Suite) (Suite, error) {
	ctx, span := mergeTracer.Start(ctx, "archive.MergedSolution")
	defer span.End()
	start := time.Now()

	guard, err := a.BeginMerge()
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}
	defer guard.Release()

	type pick struct {
		goal goals.Goal
		id   string
		c    goals.Candidate
	}
	a.mu.Lock()
	var picks []pick
	for _, k := range a.order {
		t := a.targets[k]
		if !t.pop.IsCovered() {
			continue
		}
		e, _ := t.pop.best()
		picks = append(picks, pick{goal: t.goal, id: e.id, c: e.c})
	}
	scorers := slices.Clone(a.scorers)
	a.mu.Unlock()

	merged := suite.Clone()
	seen := make(map[string]bool)
	for _, t := range merged.Tests() {
		seen[t.ID()] = true
	}
	added := 0
	for _, p := range picks {
		if err := ctx.Err(); err != nil {
			telemetry.RecordError(span, err)
			return nil, err
		}
		if seen[p.id] || merged.Covers(p.goal) {
			continue
		}
		seen[p.id] = true
		merged.AddTest(p.c.Clone())
		added++
	}

	for _, s := range scorers {
		merged.SetScore(s.Name(), s.Score(ctx, merged))
	}

	span.SetAttributes(
		attribute.Int("merge.candidates", len(picks)),
		attribute.Int("merge.added", added),
		attribute.Int("merge.scorers", len(scorers)),
	)
	recordMerge(ctx, time.Since(start).Seconds(), added)
	return merged, nil
}
