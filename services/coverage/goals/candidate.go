// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package goals

import (
	"maps"
	"slices"

	"github.com/google/uuid"
)

// Candidate is a test under evaluation.
//
// A candidate owns at most one execution result; setting a new one must
// invalidate the fitness cache.
type Candidate interface {
	ID() string
	Clone() Candidate
	Size() int
	ExecutionResult() *ExecutionResult
	SetExecutionResult(r *ExecutionResult)
	CachedFitness(goalKey string) (float64, bool)
	SetFitness(goalKey string, f float64)
}

// TestCandidate is a test made of opaque statements.
//
// Thread Safety: Not safe for concurrent use.
type TestCandidate struct {
	id         string
	parent     string
	Statements []string
	result     *ExecutionResult
	fitness    map[string]float64
}

// NewTestCandidate creates a candidate with a fresh id.
func NewTestCandidate(statements ...string) *TestCandidate {
	return &TestCandidate{
		id:         uuid.NewString(),
		Statements: statements,
		fitness:    make(map[string]float64),
	}
}

func (t *TestCandidate) ID() string { return t.id }

// Parent returns the id of the candidate this one was cloned from.
func (t *TestCandidate) Parent() string { return t.parent }

// Origin returns the id of the first ancestor that was not a clone.
func (t *TestCandidate) Origin() string {
	if t.parent == "" {
		return t.id
	}
	return t.parent
}

// Clone returns a copy with a new id. The execution result is shared,
// it is never mutated after being set. The fitness cache is copied.
func (t *TestCandidate) Clone() Candidate {
	return &TestCandidate{
		id:         uuid.NewString(),
		parent:     t.Origin(),
		Statements: slices.Clone(t.Statements),
		result:     t.result,
		fitness:    maps.Clone(t.fitness),
	}
}

// Size is the number of statements.
func (t *TestCandidate) Size() int { return len(t.Statements) }

func (t *TestCandidate) ExecutionResult() *ExecutionResult { return t.result }

func (t *TestCandidate) SetExecutionResult(r *ExecutionResult) {
	t.result = r
	clear(t.fitness)
}

func (t *TestCandidate) CachedFitness(goalKey string) (float64, bool) {
	f, ok := t.fitness[goalKey]
	return f, ok
}

func (t *TestCandidate) SetFitness(goalKey string, f float64) {
	if t.fitness == nil {
		t.fitness = make(map[string]float64)
	}
	t.fitness[goalKey] = f
}
