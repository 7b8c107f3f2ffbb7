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
	"cmp"
	"fmt"
	"slices"

	"github.com/gofraser/evosuite-sub003/services/coverage/cfg"
)

// LineID identifies a source line.
type LineID struct {
	Class string
	Line  int
}

// ExceptionPosition is where an exception was raised.
type ExceptionPosition struct {
	Method    cfg.MethodKey
	Exception string
	Line      int
}

func (p ExceptionPosition) String() string {
	return fmt.Sprintf("%s:%s@%d", p.Method, p.Exception, p.Line)
}

// ExecutionResult is what the execution engine reports for one run.
type ExecutionResult struct {
	TimedOut          bool
	UncaughtException bool
	Trace             *Trace
}

// Failed reports whether the run must be treated as worst fitness.
func (r *ExecutionResult) Failed() bool {
	return r == nil || r.TimedOut || r.UncaughtException || r.Trace.IsEmpty()
}

// Trace records what one execution covered.
//
// All membership queries are O(1).
//
// Thread Safety: Not safe for concurrent mutation. Read-only use after
// the execution finished is safe.
type Trace struct {
	branches   map[cfg.BranchDecision]struct{}
	reached    map[int]struct{}
	distances  map[cfg.BranchDecision]float64
	methods    map[cfg.MethodKey]struct{}
	lines      map[LineID]struct{}
	exceptions map[ExceptionPosition]struct{}
}

// NewTrace creates an empty trace.
func NewTrace() *Trace {
	return &Trace{
		branches:   make(map[cfg.BranchDecision]struct{}),
		reached:    make(map[int]struct{}),
		distances:  make(map[cfg.BranchDecision]float64),
		methods:    make(map[cfg.MethodKey]struct{}),
		lines:      make(map[LineID]struct{}),
		exceptions: make(map[ExceptionPosition]struct{}),
	}
}

// CoverBranch records that d was taken.
func (t *Trace) CoverBranch(d cfg.BranchDecision) *Trace {
	t.branches[d] = struct{}{}
	t.reached[d.BranchID] = struct{}{}
	t.distances[d] = 0
	return t
}

// RecordDistance records how far an evaluation of d's branch was from
// taking d. The minimum over all evaluations is kept.
func (t *Trace) RecordDistance(d cfg.BranchDecision, distance float64) *Trace {
	t.reached[d.BranchID] = struct{}{}
	if prev, ok := t.distances[d]; !ok || distance < prev {
		t.distances[d] = distance
	}
	return t
}

// CoverMethod records that m was invoked.
func (t *Trace) CoverMethod(m cfg.MethodKey) *Trace {
	t.methods[m] = struct{}{}
	return t
}

// CoverLine records that class:line executed.
func (t *Trace) CoverLine(class string, line int) *Trace {
	t.lines[LineID{Class: class, Line: line}] = struct{}{}
	return t
}

// RecordException records a raised exception.
func (t *Trace) RecordException(p ExceptionPosition) *Trace {
	t.exceptions[p] = struct{}{}
	return t
}

// IsEmpty reports whether nothing at all was recorded. A nil trace is empty.
func (t *Trace) IsEmpty() bool {
	return t == nil ||
		len(t.reached) == 0 && len(t.methods) == 0 && len(t.lines) == 0 && len(t.exceptions) == 0
}

func (t *Trace) CoversBranch(d cfg.BranchDecision) bool {
	if t == nil {
		return false
	}
	_, ok := t.branches[d]
	return ok
}

// Reached reports whether branchID was evaluated at all.
func (t *Trace) Reached(branchID int) bool {
	if t == nil {
		return false
	}
	_, ok := t.reached[branchID]
	return ok
}

// Distance returns the recorded branch distance towards d.
func (t *Trace) Distance(d cfg.BranchDecision) (float64, bool) {
	if t == nil {
		return 0, false
	}
	v, ok := t.distances[d]
	return v, ok
}

func (t *Trace) CoversMethod(m cfg.MethodKey) bool {
	if t == nil {
		return false
	}
	_, ok := t.methods[m]
	return ok
}

func (t *Trace) CoversLine(class string, line int) bool {
	if t == nil {
		return false
	}
	_, ok := t.lines[LineID{Class: class, Line: line}]
	return ok
}

func (t *Trace) HasException(p ExceptionPosition) bool {
	if t == nil {
		return false
	}
	_, ok := t.exceptions[p]
	return ok
}

// RaisedIn reports whether any exception was raised in m.
func (t *Trace) RaisedIn(m cfg.MethodKey) bool {
	if t == nil {
		return false
	}
	for p := range t.exceptions {
		if p.Method == m {
			return true
		}
	}
	return false
}

// Exceptions returns the raised exceptions in a stable order.
func (t *Trace) Exceptions() []ExceptionPosition {
	if t == nil {
		return nil
	}
	res := make([]ExceptionPosition, 0, len(t.exceptions))
	for p := range t.exceptions {
		res = append(res, p)
	}
	slices.SortFunc(res, func(a, b ExceptionPosition) int {
		return cmp.Or(
			cmp.Compare(a.Method.Class, b.Method.Class),
			cmp.Compare(a.Method.Method, b.Method.Method),
			cmp.Compare(a.Line, b.Line),
			cmp.Compare(a.Exception, b.Exception),
		)
	})
	return res
}
