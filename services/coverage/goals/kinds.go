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
	"fmt"

	"github.com/gofraser/evosuite-sub003/services/coverage/cfg"
)

// traceOf returns c's trace, or nil when c has not run.
func traceOf(c Candidate) *Trace {
	if r := c.ExecutionResult(); r != nil {
		return r.Trace
	}
	return nil
}

func coveredOr(ok bool) float64 {
	if ok {
		return 0
	}
	return 1
}

// BranchlessMethodGoal is covered by any call to a method without branches.
type BranchlessMethodGoal struct {
	method cfg.MethodKey
}

// NewBranchlessMethodGoal creates the goal for m.
func NewBranchlessMethodGoal(m cfg.MethodKey) *BranchlessMethodGoal {
	return &BranchlessMethodGoal{method: m}
}

func (g *BranchlessMethodGoal) Key() string    { return "branchless:" + g.method.String() }
func (g *BranchlessMethodGoal) Kind() Kind     { return KindBranchlessMethod }
func (g *BranchlessMethodGoal) Anchor() Anchor { return MethodAnchor(g.method) }

// Method returns the method that must be called.
func (g *BranchlessMethodGoal) Method() cfg.MethodKey { return g.method }

func (g *BranchlessMethodGoal) Fitness(c Candidate) float64 {
	t := traceOf(c)
	if t == nil {
		return WorstFitness
	}
	return coveredOr(t.CoversMethod(g.method))
}

// LineGoal is covered when a source line executes.
type LineGoal struct {
	method cfg.MethodKey
	line   int
	instr  int
}

// NewLineGoal creates the goal for line of m. instr is the first
// instruction on the line, or -1.
func NewLineGoal(m cfg.MethodKey, line, instr int) *LineGoal {
	return &LineGoal{method: m, line: line, instr: instr}
}

func (g *LineGoal) Key() string { return fmt.Sprintf("line:%s:%d", g.method.Class, g.line) }
func (g *LineGoal) Kind() Kind  { return KindLine }

// LineID returns the class and line this goal covers.
func (g *LineGoal) LineID() LineID { return LineID{Class: g.method.Class, Line: g.line} }

func (g *LineGoal) Anchor() Anchor {
	return Anchor{Method: g.method, Instruction: g.instr, Line: g.line}
}

func (g *LineGoal) Fitness(c Candidate) float64 {
	t := traceOf(c)
	if t == nil {
		return WorstFitness
	}
	return coveredOr(t.CoversLine(g.method.Class, g.line))
}

// MethodGoal is covered by a call to a method. With noException set the
// call must also complete without raising.
type MethodGoal struct {
	method      cfg.MethodKey
	noException bool
}

// NewMethodGoal creates a method or method-no-exception goal.
func NewMethodGoal(m cfg.MethodKey, noException bool) *MethodGoal {
	return &MethodGoal{method: m, noException: noException}
}

func (g *MethodGoal) Key() string {
	if g.noException {
		return "method-noex:" + g.method.String()
	}
	return "method:" + g.method.String()
}

func (g *MethodGoal) Kind() Kind {
	if g.noException {
		return KindMethodNoException
	}
	return KindMethod
}

func (g *MethodGoal) Anchor() Anchor { return MethodAnchor(g.method) }

func (g *MethodGoal) Fitness(c Candidate) float64 {
	t := traceOf(c)
	if t == nil {
		return WorstFitness
	}
	if !t.CoversMethod(g.method) {
		return 1
	}
	if g.noException && t.RaisedIn(g.method) {
		return 0.5
	}
	return 0
}

// ExceptionGoal is covered when a given exception is raised at a given
// place. These goals are only known once some execution raised them.
type ExceptionGoal struct {
	pos ExceptionPosition
}

// NewExceptionGoal creates the goal for p.
func NewExceptionGoal(p ExceptionPosition) *ExceptionGoal {
	return &ExceptionGoal{pos: p}
}

func (g *ExceptionGoal) Key() string { return "exception:" + g.pos.String() }
func (g *ExceptionGoal) Kind() Kind  { return KindException }

// Position returns where the exception is raised.
func (g *ExceptionGoal) Position() ExceptionPosition { return g.pos }

func (g *ExceptionGoal) Anchor() Anchor {
	return Anchor{Method: g.pos.Method, Instruction: -1, Line: g.pos.Line}
}

func (g *ExceptionGoal) Fitness(c Candidate) float64 {
	t := traceOf(c)
	if t == nil {
		return WorstFitness
	}
	return coveredOr(t.HasException(g.pos))
}

// FitnessFunc computes a goal's fitness for a candidate.
type FitnessFunc func(c Candidate) float64

// FuncGoal is a goal whose fitness is supplied by the criterion that
// created it, e.g. a mutant's infection distance or an input-class check.
type FuncGoal struct {
	key     string
	kind    Kind
	anchor  Anchor
	fitness FitnessFunc
}

// NewFuncGoal creates a goal of kind with the given identity.
func NewFuncGoal(key string, kind Kind, anchor Anchor, fn FitnessFunc) *FuncGoal {
	return &FuncGoal{key: kind.String() + ":" + key, kind: kind, anchor: anchor, fitness: fn}
}

func (g *FuncGoal) Key() string    { return g.key }
func (g *FuncGoal) Kind() Kind     { return g.kind }
func (g *FuncGoal) Anchor() Anchor { return g.anchor }

func (g *FuncGoal) Fitness(c Candidate) float64 {
	if c.ExecutionResult() == nil {
		return WorstFitness
	}
	return g.fitness(c)
}
