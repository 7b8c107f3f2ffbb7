// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package cfg holds the per-method control-flow graph consumed by the
// coverage core.
//
// Blocks and edges live in flat slices and refer to each other by integer
// index. A Graph is built once through a Builder and is read-only after
// that, so it can be shared between goroutines without locking.
package cfg

import (
	"fmt"
	"slices"
)

// BlockID indexes a block inside one Graph.
type BlockID int

// NoBlock is returned by lookups that found nothing.
const NoBlock BlockID = -1

// MethodKey identifies the method a graph belongs to.
type MethodKey struct {
	Class  string
	Method string
}

// String returns "Class.Method".
func (k MethodKey) String() string {
	return k.Class + "." + k.Method
}

// BranchDecision is one outcome of a conditional branch.
//
// Branch ids are unique across a whole run; the instrumentation assigns
// them. Direction true is the "jump taken" side.
type BranchDecision struct {
	BranchID  int
	Direction bool
}

// Negate returns the opposite outcome of the same branch.
func (d BranchDecision) Negate() BranchDecision {
	return BranchDecision{BranchID: d.BranchID, Direction: !d.Direction}
}

func (d BranchDecision) String() string {
	return fmt.Sprintf("B%d-%t", d.BranchID, d.Direction)
}

// Instruction is the subset of an instrumented instruction the core needs.
type Instruction struct {
	ID     int
	Line   int
	Opcode string
}

// Block is a basic block.
type Block struct {
	ID           BlockID
	Label        string
	Instructions []Instruction
	IsEntry      bool
	IsExit       bool
}

// Edge connects two blocks of the same graph.
//
// Decision is nil for unconditional and exceptional edges.
type Edge struct {
	From        BlockID
	To          BlockID
	Decision    *BranchDecision
	Exceptional bool
}

// Graph is an immutable control-flow graph of one method.
//
// Thread Safety: Safe for concurrent use after Build returns.
type Graph struct {
	key    MethodKey
	blocks []Block
	edges  []Edge
	out    [][]int
	in     [][]int
	entry  BlockID
	exits  []BlockID

	branchOfBlock map[BlockID]int
	blockOfBranch map[int]BlockID
	blockOfInstr  map[int]BlockID
	blockOfLine   map[int]BlockID
	branches      []int
}

// Key returns the owning method.
func (g *Graph) Key() MethodKey { return g.key }

// NumBlocks returns the number of blocks.
func (g *Graph) NumBlocks() int { return len(g.blocks) }

// NumEdges returns the number of edges.
func (g *Graph) NumEdges() int { return len(g.edges) }

// Block returns the block with the given id.
func (g *Graph) Block(id BlockID) (Block, bool) {
	if !g.valid(id) {
		return Block{}, false
	}
	return g.blocks[id], true
}

// Entry returns the declared entry block, or NoBlock when the graph has none.
func (g *Graph) Entry() BlockID { return g.entry }

// HasEntry reports whether an entry block was declared.
func (g *Graph) HasEntry() bool { return g.entry != NoBlock }

// Exits returns every exit-flagged block and every block without successors.
func (g *Graph) Exits() []BlockID { return slices.Clone(g.exits) }

// OutEdges returns the edges leaving id in insertion order.
func (g *Graph) OutEdges(id BlockID) []Edge {
	if !g.valid(id) {
		return nil
	}
	res := make([]Edge, 0, len(g.out[id]))
	for _, ei := range g.out[id] {
		res = append(res, g.edges[ei])
	}
	return res
}

// InEdges returns the edges entering id in insertion order.
func (g *Graph) InEdges(id BlockID) []Edge {
	if !g.valid(id) {
		return nil
	}
	res := make([]Edge, 0, len(g.in[id]))
	for _, ei := range g.in[id] {
		res = append(res, g.edges[ei])
	}
	return res
}

// Successors returns the distinct successor blocks of id.
func (g *Graph) Successors(id BlockID) []BlockID {
	if !g.valid(id) {
		return nil
	}
	res := make([]BlockID, 0, len(g.out[id]))
	for _, ei := range g.out[id] {
		if to := g.edges[ei].To; !slices.Contains(res, to) {
			res = append(res, to)
		}
	}
	return res
}

// Predecessors returns the distinct predecessor blocks of id.
func (g *Graph) Predecessors(id BlockID) []BlockID {
	if !g.valid(id) {
		return nil
	}
	res := make([]BlockID, 0, len(g.in[id]))
	for _, ei := range g.in[id] {
		if from := g.edges[ei].From; !slices.Contains(res, from) {
			res = append(res, from)
		}
	}
	return res
}

// NormalPredecessors returns the distinct predecessors reached over
// non-exceptional edges.
func (g *Graph) NormalPredecessors(id BlockID) []BlockID {
	if !g.valid(id) {
		return nil
	}
	var res []BlockID
	for _, ei := range g.in[id] {
		e := g.edges[ei]
		if !e.Exceptional && !slices.Contains(res, e.From) {
			res = append(res, e.From)
		}
	}
	return res
}

// EdgesBetween returns every edge from -> to.
func (g *Graph) EdgesBetween(from, to BlockID) []Edge {
	if !g.valid(from) {
		return nil
	}
	var res []Edge
	for _, ei := range g.out[from] {
		if g.edges[ei].To == to {
			res = append(res, g.edges[ei])
		}
	}
	return res
}

// IsBranch reports whether the out-edges of id carry a branch decision.
func (g *Graph) IsBranch(id BlockID) bool {
	_, ok := g.branchOfBlock[id]
	return ok
}

// BranchOf returns the branch id decided at the end of block id.
func (g *Graph) BranchOf(id BlockID) (int, bool) {
	b, ok := g.branchOfBlock[id]
	return b, ok
}

// BlockOfBranch returns the block whose out-edges carry branchID.
func (g *Graph) BlockOfBranch(branchID int) BlockID {
	if b, ok := g.blockOfBranch[branchID]; ok {
		return b
	}
	return NoBlock
}

// BlockOfInstruction returns the block containing the instruction.
func (g *Graph) BlockOfInstruction(instrID int) BlockID {
	if b, ok := g.blockOfInstr[instrID]; ok {
		return b
	}
	return NoBlock
}

// BlockOfLine returns the first block holding an instruction on line.
func (g *Graph) BlockOfLine(line int) BlockID {
	if b, ok := g.blockOfLine[line]; ok {
		return b
	}
	return NoBlock
}

// Branches returns the branch ids of this method in ascending order.
func (g *Graph) Branches() []int { return slices.Clone(g.branches) }

// Lines returns the distinct source lines of this method in ascending order.
func (g *Graph) Lines() []int {
	lines := make([]int, 0, len(g.blockOfLine))
	for l := range g.blockOfLine {
		lines = append(lines, l)
	}
	slices.Sort(lines)
	return lines
}

// ReachableFrom marks every block reachable from start, start included.
// Exceptional edges are followed.
func (g *Graph) ReachableFrom(start BlockID) []bool {
	seen := make([]bool, len(g.blocks))
	if !g.valid(start) {
		return seen
	}
	stack := []BlockID{start}
	seen[start] = true
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, ei := range g.out[n] {
			to := g.edges[ei].To
			if !seen[to] {
				seen[to] = true
				stack = append(stack, to)
			}
		}
	}
	return seen
}

func (g *Graph) valid(id BlockID) bool {
	return id >= 0 && int(id) < len(g.blocks)
}
