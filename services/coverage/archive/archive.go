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
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/gofraser/evosuite-sub003/services/coverage/goals"
	"github.com/gofraser/evosuite-sub003/services/coverage/telemetry"
)

// DefaultCapacity is the population size per goal.
const DefaultCapacity = 10

// Config configures an Archive.
type Config struct {
	// Capacity is the initial population size of every goal.
	Capacity int

	// Seed seeds the sampling generator. Zero picks a time based seed.
	Seed uint64

	// Comparator breaks ties between equal h values. Nil means BySize.
	Comparator Comparator

	// Recorder, when set, receives every accepted mutation.
	Recorder Recorder

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// DefaultConfig returns the default archive configuration.
func DefaultConfig() Config {
	return Config{Capacity: DefaultCapacity}
}

type target struct {
	goal  goals.Goal
	pop   *Population
	order int
}

// Archive maps every registered goal to its population.
//
// Description:
//
//	An Archive belongs to one search run. Sampling prefers goals that are
//	still uncovered and have been sampled least, so the search keeps
//	working on neglected targets.
//
// Thread Safety: Safe for concurrent use. Scorers and recorders are always
// called without the archive lock held.
type Archive struct {
	mu       sync.Mutex
	cfg      Config
	targets  map[string]*target
	order    []string
	rng      *rand.Rand
	merging  bool
	scorers  []SuiteScorer
	recorder Recorder
	logger   *slog.Logger
}

// New creates an empty archive.
func New(cfg Config) (*Archive, error) {
	if cfg.Capacity < 1 {
		return nil, ErrInvalidCapacity
	}
	if cfg.Comparator == nil {
		cfg.Comparator = BySize
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Archive{
		cfg:      cfg,
		targets:  make(map[string]*target),
		rng:      rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		recorder: cfg.Recorder,
		logger:   logger,
	}, nil
}

// AddTarget registers g. Registering a key twice is a no-op and returns
// false.
func (a *Archive) AddTarget(g goals.Goal) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.targets[g.Key()]; ok {
		return false
	}
	// Capacity was validated in New.
	pop, _ := NewPopulation(a.cfg.Capacity, a.cfg.Comparator)
	a.targets[g.Key()] = &target{goal: g, pop: pop, order: len(a.order)}
	a.order = append(a.order, g.Key())
	return true
}

// HasTarget reports whether key is registered.
func (a *Archive) HasTarget(key string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.targets[key]
	return ok
}

// UpdateArchive offers c for g with h = goals.Heuristic(fitness).
func (a *Archive) UpdateArchive(ctx context.Context, g goals.Goal, c goals.Candidate, fitness float64) (bool, error) {
	return a.AddSolution(ctx, g, goals.Heuristic(fitness), c)
}

// AddSolution offers c for g with heuristic value h.
//
// Outputs:
//   - bool: True when g's population changed. Always false during a merge.
//   - error: ErrGoalNotRegistered or a *PopulationError wrapping
//     ErrInvalidHeuristic.
func (a *Archive) AddSolution(ctx context.Context, g goals.Goal, h float64, c goals.Candidate) (bool, error) {
	a.mu.Lock()
	if a.merging {
		a.mu.Unlock()
		recordOffer(ctx, "suspended", false)
		return false, nil
	}
	t, ok := a.targets[g.Key()]
	if !ok {
		a.mu.Unlock()
		return false, fmt.Errorf("%w: %s", ErrGoalNotRegistered, g.Key())
	}
	wasCovered := t.pop.IsCovered()
	accepted, err := t.pop.Add(h, c)
	if accepted {
		t.pop.own(c.ID())
	}
	collapsed := accepted && !wasCovered && t.pop.IsCovered()
	recorder := a.recorder
	a.mu.Unlock()

	if err != nil {
		return false, &PopulationError{Goal: g.Key(), Err: err}
	}
	if !accepted {
		recordOffer(ctx, "rejected", false)
		return false, nil
	}
	recordOffer(ctx, "accepted", collapsed)
	if collapsed {
		telemetry.LoggerWithTrace(ctx, a.logger).Debug("goal covered",
			slog.String("goal", g.Key()),
			slog.String("candidate", c.ID()),
		)
	}
	if recorder != nil {
		rec := Record{
			GoalKey:       g.Key(),
			Kind:          g.Kind().String(),
			H:             h,
			CandidateID:   c.ID(),
			CandidateSize: c.Size(),
			Covered:       h == 1,
			At:            time.Now(),
		}
		if err := recorder.Record(ctx, rec); err != nil {
			a.logger.Warn("coverage journal write failed",
				slog.String("goal", g.Key()),
				slog.String("error", err.Error()),
			)
		}
	}
	return true, nil
}

// IsCovered reports whether key's population holds a covering candidate.
func (a *Archive) IsCovered(key string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	t, ok := a.targets[key]
	return ok && t.pop.IsCovered()
}

func (a *Archive) filterTargets(covered bool) []goals.Goal {
	a.mu.Lock()
	defer a.mu.Unlock()
	var res []goals.Goal
	for _, k := range a.order {
		t := a.targets[k]
		if t.pop.IsCovered() == covered {
			res = append(res, t.goal)
		}
	}
	return res
}

// CoveredTargets returns the covered goals in registration order.
func (a *Archive) CoveredTargets() []goals.Goal { return a.filterTargets(true) }

// UncoveredTargets returns the goals still uncovered in registration order.
func (a *Archive) UncoveredTargets() []goals.Goal { return a.filterTargets(false) }

// solutionsLocked returns the covering candidates, one per offered
// candidate id.
func (a *Archive) solutionsLocked() []goals.Candidate {
	seen := make(map[string]bool)
	var res []goals.Candidate
	for _, k := range a.order {
		t := a.targets[k]
		if !t.pop.IsCovered() {
			continue
		}
		e, _ := t.pop.best()
		if seen[e.id] {
			continue
		}
		seen[e.id] = true
		res = append(res, e.c)
	}
	return res
}

// Solutions returns the distinct candidates covering at least one goal.
// They are the archive's own copies and must not be modified.
func (a *Archive) Solutions() []goals.Candidate {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.solutionsLocked()
}

// NumberOfSolutions returns len(Solutions()).
func (a *Archive) NumberOfSolutions() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.solutionsLocked())
}

// SampleSolution picks the population to work on next and returns a clone
// of one of its candidates.
//
// Description:
//
//	Only populations holding at least one candidate are eligible. Uncovered
//	goals win over covered ones. Among the winners the lowest staleness
//	counter is chosen, ties going to the earliest registered goal.
//
// Outputs:
//   - goals.Candidate: A clone of the stored candidate.
//   - error: ErrArchiveEmpty when no population holds a candidate.
func (a *Archive) SampleSolution(ctx context.Context) (goals.Candidate, error) {
	a.mu.Lock()
	var pick *target
	for _, k := range a.order {
		t := a.targets[k]
		if t.pop.Size() == 0 {
			continue
		}
		if pick == nil || preferSample(t, pick) {
			pick = t
		}
	}
	if pick == nil {
		a.mu.Unlock()
		return nil, ErrArchiveEmpty
	}
	c := pick.pop.Sample(a.rng)
	a.mu.Unlock()

	recordSample(ctx, "population")
	return c.Clone(), nil
}

// preferSample reports whether t should be sampled instead of cur.
func preferSample(t, cur *target) bool {
	tc, cc := t.pop.IsCovered(), cur.pop.IsCovered()
	if tc != cc {
		return !tc
	}
	if t.pop.Counter() != cur.pop.Counter() {
		return t.pop.Counter() < cur.pop.Counter()
	}
	return t.order < cur.order
}

// RandomSolution returns a clone of a uniformly chosen covering candidate.
func (a *Archive) RandomSolution(ctx context.Context) (goals.Candidate, error) {
	a.mu.Lock()
	sols := a.solutionsLocked()
	if len(sols) == 0 {
		a.mu.Unlock()
		return nil, ErrArchiveEmpty
	}
	c := sols[a.rng.IntN(len(sols))]
	a.mu.Unlock()

	recordSample(ctx, "solutions")
	return c.Clone(), nil
}

// ShrinkSolutions lowers the capacity of every uncovered population to n.
func (a *Archive) ShrinkSolutions(n int) error {
	if n < 1 {
		return ErrInvalidCapacity
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, k := range a.order {
		if err := a.targets[k].pop.Shrink(n); err != nil {
			return &PopulationError{Goal: k, Err: err}
		}
	}
	return nil
}

// Population returns a snapshot of key's heuristic values and whether it
// is covered.
func (a *Archive) Population(key string) (hs []float64, covered bool, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	t, ok := a.targets[key]
	if !ok {
		return nil, false, fmt.Errorf("%w: %s", ErrGoalNotRegistered, key)
	}
	return t.pop.Heuristics(), t.pop.IsCovered(), nil
}

// Len returns the number of registered goals.
func (a *Archive) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.order)
}

// Reset forgets every goal and candidate. Registered scorers stay.
func (a *Archive) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.targets = make(map[string]*target)
	a.order = nil
}
