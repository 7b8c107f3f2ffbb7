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
	"math"

	"github.com/gofraser/evosuite-sub003/services/coverage/cfg"
	"github.com/gofraser/evosuite-sub003/services/coverage/graph"
)

// BranchGoal asks for one outcome of one branch.
//
// Description:
//
//	Fitness is the classic approach level plus normalized branch distance:
//	  - 0 when the decision was taken.
//	  - Normalize(distance) in (0, 1) when the branch was evaluated but
//	    went the other way.
//	  - level + Normalize(distance) when the closest evaluated controlling
//	    branch is level steps up the control dependence graph.
//	  - one more than the number of levels walked when no controlling
//	    branch was evaluated.
type BranchGoal struct {
	method   cfg.MethodKey
	decision cfg.BranchDecision
	block    cfg.BlockID
	cdg      *graph.ControlDependenceGraph
	key      string
}

// NewBranchGoal creates the goal for decision inside cdg's method.
func NewBranchGoal(cdg *graph.ControlDependenceGraph, decision cfg.BranchDecision) *BranchGoal {
	g := cdg.CFG()
	return &BranchGoal{
		method:   g.Key(),
		decision: decision,
		block:    g.BlockOfBranch(decision.BranchID),
		cdg:      cdg,
		key:      fmt.Sprintf("branch:%s:%s", g.Key(), decision),
	}
}

func (g *BranchGoal) Key() string { return g.key }
func (g *BranchGoal) Kind() Kind  { return KindBranch }

// Decision returns the branch outcome this goal asks for.
func (g *BranchGoal) Decision() cfg.BranchDecision { return g.decision }

func (g *BranchGoal) Anchor() Anchor {
	d := g.decision
	return Anchor{Method: g.method, Decision: &d, Instruction: -1}
}

func (g *BranchGoal) Fitness(c Candidate) float64 {
	res := c.ExecutionResult()
	if res == nil || res.Trace == nil {
		return WorstFitness
	}
	t := res.Trace
	if t.CoversBranch(g.decision) {
		return 0
	}
	if t.Reached(g.decision.BranchID) {
		return branchDistance(t, g.decision)
	}
	return g.approach(t)
}

func branchDistance(t *Trace, d cfg.BranchDecision) float64 {
	if t.CoversBranch(d) {
		return 0
	}
	dist, ok := t.Distance(d)
	if !ok || dist <= 0 {
		dist = 1
	}
	return Normalize(dist)
}

// approach walks the control dependencies of the goal's block upward until
// an evaluated branch is found.
func (g *BranchGoal) approach(t *Trace) float64 {
	if g.cdg == nil || g.block == cfg.NoBlock {
		return 2
	}
	graphOf := g.cdg.CFG()
	visited := make(map[cfg.BlockID]bool)
	level := 1
	frontier := g.cdg.ControlDependentBranches(g.block)
	visited[g.block] = true
	for len(frontier) > 0 {
		best := math.Inf(1)
		var next []cfg.BranchDecision
		for _, d := range frontier {
			if t.Reached(d.BranchID) {
				best = math.Min(best, float64(level)+branchDistance(t, d))
				continue
			}
			blk := graphOf.BlockOfBranch(d.BranchID)
			if blk == cfg.NoBlock || visited[blk] {
				continue
			}
			visited[blk] = true
			next = append(next, g.cdg.ControlDependentBranches(blk)...)
		}
		if !math.IsInf(best, 1) {
			return best
		}
		frontier = next
		level++
	}
	return float64(level)
}
