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
	"github.com/gofraser/evosuite-sub003/services/coverage/cfg"
	"github.com/gofraser/evosuite-sub003/services/coverage/graph"
)

// BranchGoals returns both outcomes of every branch of cdg's method, or a
// single branchless-method goal when the method has no branch.
func BranchGoals(cdg *graph.ControlDependenceGraph) []Goal {
	g := cdg.CFG()
	branches := g.Branches()
	if len(branches) == 0 {
		return []Goal{NewBranchlessMethodGoal(g.Key())}
	}
	res := make([]Goal, 0, 2*len(branches))
	for _, br := range branches {
		res = append(res,
			NewBranchGoal(cdg, cfg.BranchDecision{BranchID: br, Direction: true}),
			NewBranchGoal(cdg, cfg.BranchDecision{BranchID: br, Direction: false}),
		)
	}
	return res
}

// LineGoals returns one goal per source line of g.
func LineGoals(g *cfg.Graph) []Goal {
	var res []Goal
	for _, line := range g.Lines() {
		instr := -1
		if blk, ok := g.Block(g.BlockOfLine(line)); ok {
			for _, ins := range blk.Instructions {
				if ins.Line == line {
					instr = ins.ID
					break
				}
			}
		}
		res = append(res, NewLineGoal(g.Key(), line, instr))
	}
	return res
}

// Catalog assembles the goals of the given kinds for one method. Kinds
// that need criterion-specific producers (mutation, input/output, ...) are
// skipped here and must be appended by their producer.
func Catalog(cdg *graph.ControlDependenceGraph, kinds ...Kind) []Goal {
	g := cdg.CFG()
	var res []Goal
	for _, k := range kinds {
		switch k {
		case KindBranch:
			res = append(res, BranchGoals(cdg)...)
		case KindLine:
			res = append(res, LineGoals(g)...)
		case KindMethod:
			res = append(res, NewMethodGoal(g.Key(), false))
		case KindMethodNoException:
			res = append(res, NewMethodGoal(g.Key(), true))
		}
	}
	return res
}
