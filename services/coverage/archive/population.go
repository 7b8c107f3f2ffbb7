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
	"cmp"
	"fmt"
	"math"
	"math/rand/v2"
	"slices"

	"github.com/gofraser/evosuite-sub003/services/coverage/goals"
)

// Comparator is the secondary objective used to break ties between
// candidates with equal h. It returns a negative number when a is better.
type Comparator func(a, b goals.Candidate) int

// BySize prefers the shorter candidate.
func BySize(a, b goals.Candidate) int {
	return cmp.Compare(a.Size(), b.Size())
}

// entry keeps the id the candidate was offered under. The archive stores
// a clone, whose own id differs.
type entry struct {
	h  float64
	c  goals.Candidate
	id string
}

// Population is the ranked set of candidates kept for one goal.
//
// Entries are ordered best first: h descending, then by comparator.
type Population struct {
	capacity int
	entries  []entry
	counter  int
	covered  bool
	compare  Comparator
}

// NewPopulation creates an empty population. A nil comparator means BySize.
func NewPopulation(capacity int, compare Comparator) (*Population, error) {
	if capacity < 1 {
		return nil, ErrInvalidCapacity
	}
	if compare == nil {
		compare = BySize
	}
	return &Population{capacity: capacity, compare: compare}, nil
}

// better reports whether a is strictly better than b.
func (p *Population) better(a, b entry) bool {
	if a.h != b.h {
		return a.h > b.h
	}
	return p.compare(a.c, b.c) < 0
}

func (p *Population) rank(a, b entry) int {
	switch {
	case p.better(a, b):
		return -1
	case p.better(b, a):
		return 1
	}
	return 0
}

// Add offers c with heuristic value h.
//
// Description:
//
//	The rules, in order:
//	  - h = 0 is rejected.
//	  - once covered, any h < 1 is rejected.
//	  - the first h = 1 collapses the population to that candidate alone.
//	  - a later h = 1 replaces the stored one only if strictly better.
//	  - a candidate already stored under the same id replaces its own entry
//	    only if strictly better.
//	  - below capacity, h < 1 is inserted.
//	  - at capacity, h < 1 replaces the worst entry only if strictly better.
//	Any accepted change resets the staleness counter.
//
// Outputs:
//   - bool: True when the population changed.
//   - error: ErrInvalidHeuristic or ErrNilCandidate.
func (p *Population) Add(h float64, c goals.Candidate) (bool, error) {
	if math.IsNaN(h) || h < 0 || h > 1 {
		return false, fmt.Errorf("%w: got %v", ErrInvalidHeuristic, h)
	}
	if c == nil {
		return false, ErrNilCandidate
	}
	e := entry{h: h, c: c, id: c.ID()}
	dup := p.indexOf(e.id)

	switch {
	case h == 0:
		return false, nil
	case p.covered && h < 1:
		return false, nil
	case h == 1 && !p.covered:
		p.covered = true
		p.capacity = 1
		p.entries = []entry{e}
	case h == 1:
		if !p.better(e, p.entries[0]) {
			return false, nil
		}
		p.entries[0] = e
	case dup >= 0:
		if !p.better(e, p.entries[dup]) {
			return false, nil
		}
		p.entries[dup] = e
		slices.SortStableFunc(p.entries, p.rank)
	case len(p.entries) < p.capacity:
		p.entries = append(p.entries, e)
		slices.SortStableFunc(p.entries, p.rank)
	default:
		last := len(p.entries) - 1
		if !p.better(e, p.entries[last]) {
			return false, nil
		}
		p.entries[last] = e
		slices.SortStableFunc(p.entries, p.rank)
	}

	if len(p.entries) > p.capacity {
		panic(fmt.Sprintf("archive population holds %d entries, capacity %d", len(p.entries), p.capacity))
	}
	p.counter = 0
	return true, nil
}

func (p *Population) indexOf(id string) int {
	return slices.IndexFunc(p.entries, func(e entry) bool { return e.id == id })
}

// own replaces the stored candidate offered under id with its clone, so
// later changes by the caller do not reach the population.
func (p *Population) own(id string) {
	if i := p.indexOf(id); i >= 0 {
		p.entries[i].c = p.entries[i].c.Clone()
	}
}

// Sample returns a uniformly random stored candidate, or nil when empty.
// Every call counts toward staleness.
func (p *Population) Sample(rng *rand.Rand) goals.Candidate {
	p.counter++
	if len(p.entries) == 0 {
		return nil
	}
	return p.entries[rng.IntN(len(p.entries))].c
}

// Shrink lowers the capacity to n and keeps the n best entries. A covered
// population is left alone, as is any n not below the current capacity.
func (p *Population) Shrink(n int) error {
	if n < 1 {
		return ErrInvalidCapacity
	}
	if p.covered || n >= p.capacity {
		return nil
	}
	p.capacity = n
	if len(p.entries) > n {
		clear(p.entries[n:])
		p.entries = p.entries[:n]
	}
	return nil
}

func (p *Population) best() (entry, bool) {
	if len(p.entries) == 0 {
		return entry{}, false
	}
	return p.entries[0], true
}

// Best returns the top ranked candidate and its h.
func (p *Population) Best() (goals.Candidate, float64, bool) {
	if len(p.entries) == 0 {
		return nil, 0, false
	}
	return p.entries[0].c, p.entries[0].h, true
}

// Heuristics returns the stored h values, best first.
func (p *Population) Heuristics() []float64 {
	hs := make([]float64, len(p.entries))
	for i, e := range p.entries {
		hs[i] = e.h
	}
	return hs
}

func (p *Population) Size() int       { return len(p.entries) }
func (p *Population) Capacity() int   { return p.capacity }
func (p *Population) Counter() int    { return p.counter }
func (p *Population) IsCovered() bool { return p.covered }
