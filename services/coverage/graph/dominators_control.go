// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package graph

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/gofraser/evosuite-sub003/services/coverage/cfg"
	"github.com/gofraser/evosuite-sub003/services/coverage/telemetry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// =============================================================================
// Control Dependence Graph
// =============================================================================

var controlTracer = otel.Tracer("coverage.control_dependence")

// ControlDependency is one incoming edge of the control dependence graph:
// Dependent executes or not depending on how Controller's branch goes.
type ControlDependency struct {
	Controller cfg.BlockID
	Dependent  cfg.BlockID

	// Decision is the outcome of Controller that leads to Dependent. Nil
	// when Controller ends without a branch decision, e.g. a block whose
	// only other out-edge is exceptional.
	Decision *cfg.BranchDecision
}

// ControlDependenceGraph records which branch decisions control each block
// of one method.
//
// The graph is acyclic: dependencies carried around a loop back edge
// (controller not strictly before the dependent in reverse postorder) are
// not recorded.
//
// Thread Safety: Safe for concurrent use after construction.
type ControlDependenceGraph struct {
	graph *cfg.Graph

	deps          [][]ControlDependency
	dependents    [][]cfg.BlockID
	rootDependent []bool
	distance      []int

	edgeCount    int
	omitted      int
	loopCarried  int
	unreachable  int
	postDomDepth []int
}

// CDGOption configures BuildControlDependence.
type CDGOption func(*cdgOptions)

type cdgOptions struct {
	logger   *slog.Logger
	maxNodes int
}

// WithCDGLogger sets the logger used for diagnostics.
func WithCDGLogger(l *slog.Logger) CDGOption {
	return func(o *cdgOptions) { o.logger = l }
}

// WithCDGMaxNodes caps the number of blocks accepted.
func WithCDGMaxNodes(n int) CDGOption {
	return func(o *cdgOptions) { o.maxNodes = n }
}

// BuildControlDependence derives the control dependence graph of g.
//
// Description:
//
//	The graph is augmented with a virtual ENTRY (edge to the declared
//	entry) and a virtual EXIT (edges from every exit block and every block
//	without successors), plus ENTRY -> EXIT. Post-dominance is the
//	dominator tree of the reversed augmented graph rooted at EXIT, and
//	for every block b each node cd in DF_reverse(b) controls b:
//
//	  - cd == ENTRY: b is root dependent.
//	  - a direct edge cd -> b exists: its decision labels the dependency.
//	  - otherwise the non-exceptional out-edges of cd whose reachable set
//	    contains b are collected; exactly one distinct decision labels the
//	    dependency, anything else is logged and omitted.
//
// Inputs:
//   - ctx: Context for cancellation.
//   - g: The method's control-flow graph.
//
// Outputs:
//   - *ControlDependenceGraph: Never nil when g is non-nil. Empty when g
//     is malformed.
//   - error: ErrMalformedCFG when g has no entry, or a dominator error.
//
// Thread Safety: Safe for concurrent use; g is only read.
func BuildControlDependence(ctx context.Context, g *cfg.Graph, opts ...CDGOption) (*ControlDependenceGraph, error) {
	o := cdgOptions{logger: slog.Default(), maxNodes: DefaultMaxDominatorNodes}
	for _, opt := range opts {
		opt(&o)
	}
	if g == nil {
		return nil, &AlgorithmError{Algorithm: "control_dependence", Operation: "validate", Err: ErrNilGraph}
	}

	ctx, span := controlTracer.Start(ctx, "graph.BuildControlDependence",
		trace.WithAttributes(
			attribute.String("cdg.method", g.Key().String()),
			attribute.Int("cdg.blocks", g.NumBlocks()),
		),
	)
	defer span.End()
	start := time.Now()
	logger := telemetry.LoggerWithTrace(ctx, o.logger).With(slog.String("method", g.Key().String()))

	cdg := newEmptyCDG(g)
	if !g.HasEntry() {
		err := &AlgorithmError{
			Algorithm: "control_dependence",
			Operation: "validate",
			Err:       &cfg.StructureError{Method: g.Key(), Err: ErrMalformedCFG},
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "no entry block")
		logger.Warn("control dependence skipped, no entry block")
		recordAlgorithmMetrics(ctx, "control_dependence", time.Since(start), g.NumBlocks(), false)
		return cdg, err
	}

	n := g.NumBlocks()
	virtualEntry, virtualExit := n, n+1
	aug := NewAdjacency(n + 2)
	for b := 0; b < n; b++ {
		for _, s := range g.Successors(cfg.BlockID(b)) {
			aug.AddEdge(b, int(s))
		}
	}
	aug.AddEdge(virtualEntry, int(g.Entry()))
	for _, x := range g.Exits() {
		aug.AddEdge(int(x), virtualExit)
	}
	aug.AddEdge(virtualEntry, virtualExit)

	_, rpo := ReversePostorder(aug, virtualEntry)

	rev := aug.Reverse()
	pdt, err := ComputeDominators(ctx, rev, virtualExit,
		WithMaxNodes(o.maxNodes), WithDominatorLogger(o.logger))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "post-dominators failed")
		return cdg, fmt.Errorf("post-dominators of %s: %w", g.Key(), err)
	}
	pdf, err := ComputeDominanceFrontier(ctx, rev, pdt)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "frontier failed")
		return cdg, fmt.Errorf("post-dominance frontier of %s: %w", g.Key(), err)
	}
	span.AddEvent("post_dominance_complete")

	reach := make(map[cfg.BlockID][]bool)
	reachableFrom := func(b cfg.BlockID) []bool {
		if r, ok := reach[b]; ok {
			return r
		}
		r := g.ReachableFrom(b)
		reach[b] = r
		return r
	}

	for b := 0; b < n; b++ {
		cdg.postDomDepth[b] = pdt.Depth(b)
		if rpo[b] < 0 || !pdt.IsReachable(b) {
			cdg.unreachable++
			continue
		}
		for _, cd := range pdf.Frontier(b) {
			switch {
			case cd == virtualExit:
				continue
			case cd == virtualEntry:
				cdg.rootDependent[b] = true
				continue
			case rpo[cd] < 0 || rpo[cd] >= rpo[b]:
				cdg.loopCarried++
				logger.Debug("loop-carried control dependency dropped",
					slog.Int("controller", cd), slog.Int("dependent", b))
				continue
			}

			controller, dependent := cfg.BlockID(cd), cfg.BlockID(b)
			decision, ok := resolveDecision(g, controller, dependent, reachableFrom)
			if !ok {
				cdg.omitted++
				logger.Warn("ambiguous control dependency omitted",
					slog.Int("controller", cd), slog.Int("dependent", b))
				continue
			}
			cdg.add(ControlDependency{Controller: controller, Dependent: dependent, Decision: decision})
		}
	}

	cdg.computeDistances(rpo)

	span.SetAttributes(
		attribute.Int("cdg.edges", cdg.edgeCount),
		attribute.Int("cdg.omitted", cdg.omitted),
		attribute.Int("cdg.loop_carried", cdg.loopCarried),
		attribute.Int("cdg.unreachable", cdg.unreachable),
	)
	recordAlgorithmMetrics(ctx, "control_dependence", time.Since(start), n, true)
	logger.Debug("control dependence graph built",
		slog.Int("edges", cdg.edgeCount),
		slog.Int("omitted", cdg.omitted),
		slog.Int("loop_carried", cdg.loopCarried),
		slog.Duration("duration", time.Since(start)),
	)
	return cdg, nil
}

// resolveDecision finds the label of controller -> dependent. The bool is
// false when the dependency must be omitted.
func resolveDecision(g *cfg.Graph, controller, dependent cfg.BlockID, reachableFrom func(cfg.BlockID) []bool) (*cfg.BranchDecision, bool) {
	if direct := g.EdgesBetween(controller, dependent); len(direct) > 0 {
		for _, e := range direct {
			if e.Decision != nil {
				return e.Decision, true
			}
		}
		return nil, true
	}

	var (
		found    bool
		decision *cfg.BranchDecision
	)
	for _, e := range g.OutEdges(controller) {
		if e.Exceptional || !reachableFrom(e.To)[dependent] {
			continue
		}
		if !found {
			found, decision = true, e.Decision
			continue
		}
		if !sameDecision(decision, e.Decision) {
			return nil, false
		}
	}
	return decision, found
}

func sameDecision(a, b *cfg.BranchDecision) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func newEmptyCDG(g *cfg.Graph) *ControlDependenceGraph {
	n := g.NumBlocks()
	cdg := &ControlDependenceGraph{
		graph:         g,
		deps:          make([][]ControlDependency, n),
		dependents:    make([][]cfg.BlockID, n),
		rootDependent: make([]bool, n),
		distance:      make([]int, n),
		postDomDepth:  make([]int, n),
	}
	for i := range cdg.distance {
		cdg.distance[i] = -1
		cdg.postDomDepth[i] = -1
	}
	return cdg
}

func (c *ControlDependenceGraph) add(dep ControlDependency) {
	for _, d := range c.deps[dep.Dependent] {
		if d.Controller == dep.Controller && sameDecision(d.Decision, dep.Decision) {
			return
		}
	}
	c.deps[dep.Dependent] = append(c.deps[dep.Dependent], dep)
	if !slices.Contains(c.dependents[dep.Controller], dep.Dependent) {
		c.dependents[dep.Controller] = append(c.dependents[dep.Controller], dep.Dependent)
	}
	c.edgeCount++
}

// computeDistances walks blocks in reverse postorder, which visits every
// controller before its dependents.
func (c *ControlDependenceGraph) computeDistances(rpo []int) {
	n := len(c.deps)
	order := make([]int, 0, n)
	for b := 0; b < n; b++ {
		if rpo[b] >= 0 {
			order = append(order, b)
		}
	}
	slices.SortFunc(order, func(a, b int) int { return rpo[a] - rpo[b] })

	for _, b := range order {
		if c.rootDependent[b] || len(c.deps[b]) == 0 {
			c.distance[b] = 0
			continue
		}
		best := -1
		for _, d := range c.deps[b] {
			if dd := c.distance[d.Controller]; dd >= 0 && (best < 0 || dd+1 < best) {
				best = dd + 1
			}
		}
		if best < 0 {
			best = 0
		}
		c.distance[b] = best
	}
}

// =============================================================================
// Queries
// =============================================================================

// CFG returns the graph this CDG was built from.
func (c *ControlDependenceGraph) CFG() *cfg.Graph { return c.graph }

// EdgeCount returns the number of recorded dependencies.
func (c *ControlDependenceGraph) EdgeCount() int { return c.edgeCount }

// OmittedCount returns how many dependencies were dropped as ambiguous.
func (c *ControlDependenceGraph) OmittedCount() int { return c.omitted }

// LoopCarriedCount returns how many back-edge dependencies were dropped.
func (c *ControlDependenceGraph) LoopCarriedCount() int { return c.loopCarried }

func (c *ControlDependenceGraph) valid(b cfg.BlockID) bool {
	return b >= 0 && int(b) < len(c.deps)
}

// ControlDependencies returns the direct dependencies of b.
func (c *ControlDependenceGraph) ControlDependencies(b cfg.BlockID) []ControlDependency {
	if !c.valid(b) {
		return nil
	}
	return c.deps[b]
}

// Parents returns the distinct controllers of b.
func (c *ControlDependenceGraph) Parents(b cfg.BlockID) []cfg.BlockID {
	if !c.valid(b) {
		return nil
	}
	var res []cfg.BlockID
	for _, d := range c.deps[b] {
		if !slices.Contains(res, d.Controller) {
			res = append(res, d.Controller)
		}
	}
	return res
}

// Dependents returns the blocks directly controlled by b.
func (c *ControlDependenceGraph) Dependents(b cfg.BlockID) []cfg.BlockID {
	if !c.valid(b) {
		return nil
	}
	return c.dependents[b]
}

// IsRootDependent reports whether b is controlled by the method entry.
func (c *ControlDependenceGraph) IsRootDependent(b cfg.BlockID) bool {
	return c.valid(b) && c.rootDependent[b]
}

// DistanceFromRoot returns the length of the shortest dependency chain from
// a root-dependent block to b, or -1 when b was not analysed.
func (c *ControlDependenceGraph) DistanceFromRoot(b cfg.BlockID) int {
	if !c.valid(b) {
		return -1
	}
	return c.distance[b]
}

// PostDominatorDepth returns the depth of b in the post-dominator tree,
// or -1 when b cannot reach an exit.
func (c *ControlDependenceGraph) PostDominatorDepth(b cfg.BlockID) int {
	if !c.valid(b) {
		return -1
	}
	return c.postDomDepth[b]
}

// ControlDependentBranches returns the branch decisions b depends on.
//
// Description:
//
//	Dependencies whose controller carries no decision are expanded to that
//	controller's own dependencies. A block with no dependency that is not
//	root dependent, is not a branch and has exactly one non-exceptional
//	predecessor inherits the dependencies of that predecessor. Expansion
//	uses an explicit worklist with a visited set.
//
// Outputs:
//   - []cfg.BranchDecision: Distinct decisions in discovery order. Empty
//     when b only depends on the method entry.
func (c *ControlDependenceGraph) ControlDependentBranches(b cfg.BlockID) []cfg.BranchDecision {
	if !c.valid(b) {
		return nil
	}
	var res []cfg.BranchDecision
	visited := make(map[cfg.BlockID]bool)
	work := []cfg.BlockID{b}
	for len(work) > 0 {
		x := work[len(work)-1]
		work = work[:len(work)-1]
		if visited[x] {
			continue
		}
		visited[x] = true

		if len(c.deps[x]) == 0 && !c.rootDependent[x] && !c.graph.IsBranch(x) {
			if preds := c.graph.NormalPredecessors(x); len(preds) == 1 {
				work = append(work, preds[0])
			}
			continue
		}
		for _, d := range c.deps[x] {
			if d.Decision == nil {
				work = append(work, d.Controller)
				continue
			}
			if !slices.Contains(res, *d.Decision) {
				res = append(res, *d.Decision)
			}
		}
	}
	return res
}

// IsAcyclic reports whether the dependency relation has no cycle.
func (c *ControlDependenceGraph) IsAcyclic() bool {
	const (
		white = iota
		grey
		black
	)
	color := make([]int, len(c.deps))
	type frame struct {
		node cfg.BlockID
		next int
	}
	for root := range c.deps {
		if color[root] != white {
			continue
		}
		stack := []frame{{node: cfg.BlockID(root)}}
		color[root] = grey
		for len(stack) > 0 {
			top := &stack[len(stack)-1]
			kids := c.dependents[top.node]
			if top.next >= len(kids) {
				color[top.node] = black
				stack = stack[:len(stack)-1]
				continue
			}
			k := kids[top.next]
			top.next++
			switch color[k] {
			case grey:
				return false
			case white:
				color[k] = grey
				stack = append(stack, frame{node: k})
			}
		}
	}
	return true
}
