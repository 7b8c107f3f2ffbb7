// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package goals defines coverage goals, the candidates that try to satisfy
// them, and the dependency graph that orders goals by control dependence.
//
// Fitness follows the minimization convention: 0 means the goal is
// satisfied, larger is worse, and WorstFitness is used when a candidate
// could not be executed at all.
package goals

import (
	"fmt"
	"math"

	"github.com/gofraser/evosuite-sub003/services/coverage/cfg"
)

// Kind is the closed set of goal kinds.
type Kind int

const (
	KindBranch Kind = iota
	KindBranchlessMethod
	KindLine
	KindStatement
	KindWeakMutation
	KindStrongMutation
	KindMethod
	KindMethodNoException
	KindInput
	KindOutput
	KindTryCatch
	KindContextBranch
	KindException
)

var kindNames = [...]string{
	KindBranch:            "branch",
	KindBranchlessMethod:  "branchless_method",
	KindLine:              "line",
	KindStatement:         "statement",
	KindWeakMutation:      "weak_mutation",
	KindStrongMutation:    "strong_mutation",
	KindMethod:            "method",
	KindMethodNoException: "method_no_exception",
	KindInput:             "input",
	KindOutput:            "output",
	KindTryCatch:          "try_catch",
	KindContextBranch:     "context_branch",
	KindException:         "exception",
}

func (k Kind) String() string {
	if k >= 0 && int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// ParseKind maps a criterion name back to its Kind.
func ParseKind(s string) (Kind, bool) {
	for k, name := range kindNames {
		if name == s {
			return Kind(k), true
		}
	}
	return 0, false
}

// WorstFitness is assigned to goals when a candidate failed to run.
const WorstFitness = math.MaxFloat64

// Anchor locates the program element a goal was derived from.
type Anchor struct {
	Method cfg.MethodKey

	// Decision is set for goals derived from a branch outcome.
	Decision *cfg.BranchDecision

	// Instruction is the instruction id, or -1.
	Instruction int

	// Line is the source line, or 0.
	Line int
}

// MethodAnchor anchors a goal at a whole method.
func MethodAnchor(m cfg.MethodKey) Anchor {
	return Anchor{Method: m, Instruction: -1}
}

// Goal is one coverage target.
//
// Key is the identity: two goals with the same key are the same goal.
// Fitness must be 0 exactly when the candidate satisfies the goal.
type Goal interface {
	Key() string
	Kind() Kind
	Anchor() Anchor
	Fitness(c Candidate) float64
}

// Normalize maps [0, +inf] onto [0, 1] with x/(x+1).
func Normalize(x float64) float64 {
	switch {
	case math.IsNaN(x):
		return 1
	case x <= 0:
		return 0
	case math.IsInf(x, 1):
		return 1
	}
	return x / (x + 1)
}

// Heuristic converts a fitness into the archive's h value, 1 - Normalize(f).
func Heuristic(fitness float64) float64 {
	return 1 - Normalize(fitness)
}

// FitnessOf returns c's cached fitness for g, computing and caching it on
// a miss.
func FitnessOf(g Goal, c Candidate) float64 {
	if f, ok := c.CachedFitness(g.Key()); ok {
		return f
	}
	f := g.Fitness(c)
	c.SetFitness(g.Key(), f)
	return f
}
