// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package cfg

import (
	"errors"
	"fmt"
	"slices"
)

var (
	// ErrMultipleEntries indicates more than one block was flagged as entry.
	ErrMultipleEntries = errors.New("multiple entry blocks")

	// ErrBlockNotFound indicates an edge references a block that does not exist.
	ErrBlockNotFound = errors.New("block not found")

	// ErrExceptionalBranch indicates an exceptional edge carries a branch decision.
	ErrExceptionalBranch = errors.New("exceptional edge carries a branch decision")

	// ErrMixedBranches indicates one block ends in decisions of two different branches.
	ErrMixedBranches = errors.New("block carries decisions of more than one branch")

	// ErrDuplicateBranch indicates one branch id appears in two blocks.
	ErrDuplicateBranch = errors.New("branch id decided in more than one block")
)

// StructureError reports a malformed graph for one method.
type StructureError struct {
	Method MethodKey
	Err    error
}

func (e *StructureError) Error() string {
	return fmt.Sprintf("cfg %s: %v", e.Method, e.Err)
}

func (e *StructureError) Unwrap() error { return e.Err }

// Builder assembles a Graph.
//
// Description:
//
//	Blocks are numbered in the order they are added. Edges may be added in
//	any order once both endpoints exist. Build validates the result and
//	derives the lookup indexes.
//
// Thread Safety: Not safe for concurrent use.
type Builder struct {
	key    MethodKey
	blocks []Block
	edges  []Edge
}

// NewBuilder starts a graph for class.method.
func NewBuilder(class, method string) *Builder {
	return &Builder{key: MethodKey{Class: class, Method: method}}
}

// AddBlock appends a block and returns its id.
func (b *Builder) AddBlock(label string, instrs ...Instruction) BlockID {
	id := BlockID(len(b.blocks))
	b.blocks = append(b.blocks, Block{ID: id, Label: label, Instructions: instrs})
	return id
}

// MarkEntry flags id as the method entry.
func (b *Builder) MarkEntry(id BlockID) *Builder {
	if int(id) >= 0 && int(id) < len(b.blocks) {
		b.blocks[id].IsEntry = true
	}
	return b
}

// MarkExit flags id as a method exit.
func (b *Builder) MarkExit(id BlockID) *Builder {
	if int(id) >= 0 && int(id) < len(b.blocks) {
		b.blocks[id].IsExit = true
	}
	return b
}

// AddEdge adds an unconditional edge.
func (b *Builder) AddEdge(from, to BlockID) *Builder {
	b.edges = append(b.edges, Edge{From: from, To: to})
	return b
}

// AddBranchEdge adds the edge taken when branchID evaluates to direction.
func (b *Builder) AddBranchEdge(from, to BlockID, branchID int, direction bool) *Builder {
	d := BranchDecision{BranchID: branchID, Direction: direction}
	b.edges = append(b.edges, Edge{From: from, To: to, Decision: &d})
	return b
}

// AddExceptionalEdge adds an edge to an exception handler.
func (b *Builder) AddExceptionalEdge(from, to BlockID) *Builder {
	b.edges = append(b.edges, Edge{From: from, To: to, Exceptional: true})
	return b
}

// Build validates the graph and returns it.
//
// Description:
//
//	A graph without any entry block is accepted; consumers that need an
//	entry report it as malformed. Everything else that breaks the edge or
//	branch labelling rules is rejected.
//
// Outputs:
//   - *Graph: The immutable graph. Nil on error.
//   - error: A *StructureError wrapping one of the package sentinels.
func (b *Builder) Build() (*Graph, error) {
	n := len(b.blocks)
	g := &Graph{
		key:           b.key,
		blocks:        slices.Clone(b.blocks),
		edges:         make([]Edge, 0, len(b.edges)),
		out:           make([][]int, n),
		in:            make([][]int, n),
		entry:         NoBlock,
		branchOfBlock: make(map[BlockID]int),
		blockOfBranch: make(map[int]BlockID),
		blockOfInstr:  make(map[int]BlockID),
		blockOfLine:   make(map[int]BlockID),
	}
	fail := func(err error) (*Graph, error) {
		return nil, &StructureError{Method: b.key, Err: err}
	}

	for i := range g.blocks {
		blk := &g.blocks[i]
		blk.Instructions = slices.Clone(blk.Instructions)
		if blk.IsEntry {
			if g.entry != NoBlock {
				return fail(fmt.Errorf("%w: %d and %d", ErrMultipleEntries, g.entry, blk.ID))
			}
			g.entry = blk.ID
		}
		for _, ins := range blk.Instructions {
			if _, ok := g.blockOfInstr[ins.ID]; !ok {
				g.blockOfInstr[ins.ID] = blk.ID
			}
			if ins.Line > 0 {
				if _, ok := g.blockOfLine[ins.Line]; !ok {
					g.blockOfLine[ins.Line] = blk.ID
				}
			}
		}
	}

	for _, e := range b.edges {
		if !g.valid(e.From) || !g.valid(e.To) {
			return fail(fmt.Errorf("%w: edge %d->%d", ErrBlockNotFound, e.From, e.To))
		}
		if e.Decision != nil {
			if e.Exceptional {
				return fail(fmt.Errorf("%w: edge %d->%d", ErrExceptionalBranch, e.From, e.To))
			}
			d := *e.Decision
			e.Decision = &d
			if prev, ok := g.branchOfBlock[e.From]; ok && prev != d.BranchID {
				return fail(fmt.Errorf("%w: block %d has B%d and B%d", ErrMixedBranches, e.From, prev, d.BranchID))
			}
			if blk, ok := g.blockOfBranch[d.BranchID]; ok && blk != e.From {
				return fail(fmt.Errorf("%w: B%d in blocks %d and %d", ErrDuplicateBranch, d.BranchID, blk, e.From))
			}
			g.branchOfBlock[e.From] = d.BranchID
			g.blockOfBranch[d.BranchID] = e.From
		}
		idx := len(g.edges)
		g.edges = append(g.edges, e)
		g.out[e.From] = append(g.out[e.From], idx)
		g.in[e.To] = append(g.in[e.To], idx)
	}

	for i, blk := range g.blocks {
		if blk.IsExit || len(g.out[i]) == 0 {
			g.exits = append(g.exits, blk.ID)
		}
	}
	for br := range g.blockOfBranch {
		g.branches = append(g.branches, br)
	}
	slices.Sort(g.branches)

	return g, nil
}
