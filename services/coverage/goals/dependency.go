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
	"context"
	"log/slog"
	"time"

	"github.com/gofraser/evosuite-sub003/services/coverage/cfg"
	"github.com/gofraser/evosuite-sub003/services/coverage/graph"
	"github.com/gofraser/evosuite-sub003/services/coverage/telemetry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var dependencyTracer = otel.Tracer("coverage.goals.dependency")

// CDGSource hands out control dependence graphs. *graph.Cache implements it.
type CDGSource interface {
	ControlDependenceGraph(ctx context.Context, key cfg.MethodKey) (*graph.ControlDependenceGraph, error)
}

// DependencyGraph orders goals: an edge parent -> child means child only
// becomes worth pursuing once parent is covered.
//
// The graph is fixed after BuildDependencyGraph returns and is acyclic.
//
// Thread Safety: Safe for concurrent use after construction.
type DependencyGraph struct {
	goals    map[string]Goal
	index    map[string]int
	order    []string
	children map[string][]string
	parents  map[string][]string
	roots    []string
	rootSet  map[string]bool
	unwired  []string
	dropped  []string
}

func newDependencyGraph() *DependencyGraph {
	return &DependencyGraph{
		goals:    make(map[string]Goal),
		index:    make(map[string]int),
		children: make(map[string][]string),
		parents:  make(map[string][]string),
		rootSet:  make(map[string]bool),
	}
}

func (d *DependencyGraph) resolve(keys []string) []Goal {
	res := make([]Goal, 0, len(keys))
	for _, k := range keys {
		res = append(res, d.goals[k])
	}
	return res
}

// Len returns the number of goals.
func (d *DependencyGraph) Len() int { return len(d.order) }

// Goals returns every goal in catalog order.
func (d *DependencyGraph) Goals() []Goal { return d.resolve(d.order) }

// Goal looks a goal up by key.
func (d *DependencyGraph) Goal(key string) (Goal, bool) {
	g, ok := d.goals[key]
	return g, ok
}

// Contains reports whether key belongs to the graph.
func (d *DependencyGraph) Contains(key string) bool {
	_, ok := d.goals[key]
	return ok
}

// Index returns the catalog position of key, or -1.
func (d *DependencyGraph) Index(key string) int {
	if i, ok := d.index[key]; ok {
		return i
	}
	return -1
}

// Roots returns the goals that are current from the start.
func (d *DependencyGraph) Roots() []Goal { return d.resolve(d.roots) }

// IsRoot reports whether key is a root goal.
func (d *DependencyGraph) IsRoot(key string) bool { return d.rootSet[key] }

// Children returns the goals unlocked by covering key.
func (d *DependencyGraph) Children(key string) []Goal { return d.resolve(d.children[key]) }

// Parents returns the goals that unlock key.
func (d *DependencyGraph) Parents(key string) []Goal { return d.resolve(d.parents[key]) }

// Unwired returns goals whose kind has no dependency derivation. They are
// part of the graph but never become current.
func (d *DependencyGraph) Unwired() []Goal { return d.resolve(d.unwired) }

// DroppedKeys returns the keys of branch goals left out because their
// method's control dependence graph could not be built.
func (d *DependencyGraph) DroppedKeys() []string { return append([]string(nil), d.dropped...) }

// reaches reports whether to is reachable from from along child edges.
func (d *DependencyGraph) reaches(from, to string) bool {
	if from == to {
		return true
	}
	visited := map[string]bool{from: true}
	stack := []string{from}
	for len(stack) > 0 {
		k := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, c := range d.children[k] {
			if c == to {
				return true
			}
			if !visited[c] {
				visited[c] = true
				stack = append(stack, c)
			}
		}
	}
	return false
}

// =============================================================================
// Construction
// =============================================================================

// deriveFunc returns the branch decisions whose goals a goal depends on.
// An empty result makes the goal a root.
type deriveFunc func(b *dependencyBuilder, g Goal) []cfg.BranchDecision

// derivations is the kind -> dependency derivation table. A kind missing
// here is unsupported: its goals are logged and left unwired.
var derivations = map[Kind]deriveFunc{
	KindBranch:            deriveBranch,
	KindBranchlessMethod:  deriveRoot,
	KindException:         deriveRoot,
	KindLine:              deriveAnchor,
	KindStatement:         deriveAnchor,
	KindWeakMutation:      deriveAnchor,
	KindStrongMutation:    deriveAnchor,
	KindMethod:            deriveAnchor,
	KindMethodNoException: deriveAnchor,
	KindInput:             deriveAnchor,
	KindOutput:            deriveAnchor,
	KindTryCatch:          deriveAnchor,
	KindContextBranch:     deriveAnchor,
}

// SupportsKind reports whether goals of k are wired into the graph.
func SupportsKind(k Kind) bool {
	_, ok := derivations[k]
	return ok
}

// BuildOption configures BuildDependencyGraph.
type BuildOption func(*dependencyBuilder)

// WithBuildLogger sets the logger used for diagnostics.
func WithBuildLogger(l *slog.Logger) BuildOption {
	return func(b *dependencyBuilder) { b.logger = l }
}

type dependencyBuilder struct {
	ctx      context.Context
	src      CDGSource
	logger   *slog.Logger
	cdgs     map[cfg.MethodKey]*graph.ControlDependenceGraph
	failed   map[cfg.MethodKey]bool
	branches map[cfg.BranchDecision]string
	rejected int
}

// cdg returns the CDG of m, or nil when it could not be built.
func (b *dependencyBuilder) cdg(m cfg.MethodKey) *graph.ControlDependenceGraph {
	if c, ok := b.cdgs[m]; ok {
		return c
	}
	if b.failed[m] {
		return nil
	}
	c, err := b.src.ControlDependenceGraph(b.ctx, m)
	if err != nil {
		b.failed[m] = true
		b.logger.Warn("control dependence unavailable, method contributes no branch goals",
			slog.String("method", m.String()),
			slog.String("error", err.Error()),
		)
		return nil
	}
	b.cdgs[m] = c
	return c
}

func deriveRoot(*dependencyBuilder, Goal) []cfg.BranchDecision { return nil }

func deriveBranch(b *dependencyBuilder, g Goal) []cfg.BranchDecision {
	a := g.Anchor()
	cdg := b.cdg(a.Method)
	if cdg == nil || a.Decision == nil {
		return nil
	}
	blk := cdg.CFG().BlockOfBranch(a.Decision.BranchID)
	if blk == cfg.NoBlock || cdg.IsRootDependent(blk) {
		return nil
	}
	return cdg.ControlDependentBranches(blk)
}

// deriveAnchor locates the block of the goal's anchor: the branch block of
// its decision, else its instruction, else its line, else the method
// entry.
func deriveAnchor(b *dependencyBuilder, g Goal) []cfg.BranchDecision {
	a := g.Anchor()
	cdg := b.cdg(a.Method)
	if cdg == nil {
		return nil
	}
	cg := cdg.CFG()
	blk := cfg.NoBlock
	switch {
	case a.Decision != nil:
		blk = cg.BlockOfBranch(a.Decision.BranchID)
	case a.Instruction >= 0:
		blk = cg.BlockOfInstruction(a.Instruction)
	case a.Line > 0:
		blk = cg.BlockOfLine(a.Line)
	default:
		blk = cg.Entry()
	}
	if blk == cfg.NoBlock {
		return nil
	}
	return cdg.ControlDependentBranches(blk)
}

// BuildDependencyGraph wires catalog into a dependency DAG.
//
// Description:
//
//	Branch goals of methods whose control dependence graph fails to build
//	are dropped. Every remaining goal is dispatched on its kind:
//	  - branch goals depend on the branch goals of the decisions
//	    controlling their branch block, unless that block is root
//	    dependent.
//	  - anchored goals depend on the branch goals controlling the block of
//	    their anchor.
//	  - branchless-method and exception goals are roots.
//	Decisions without a goal in the catalog are ignored; a goal left with
//	no parent becomes a root. An edge that would close a cycle is
//	rejected and logged. Duplicate keys keep the first goal.
//
// Inputs:
//   - ctx: Context for cancellation.
//   - src: Source of control dependence graphs.
//   - catalog: Every goal of every enabled criterion.
//
// Outputs:
//   - *DependencyGraph: The graph. Nil only on cancellation.
//   - error: The context error.
func BuildDependencyGraph(ctx context.Context, src CDGSource, catalog []Goal, opts ...BuildOption) (*DependencyGraph, error) {
	ctx, span := dependencyTracer.Start(ctx, "goals.BuildDependencyGraph",
		trace.WithAttributes(attribute.Int("goals.catalog_size", len(catalog))),
	)
	defer span.End()
	start := time.Now()

	b := &dependencyBuilder{
		ctx:      ctx,
		src:      src,
		logger:   slog.Default(),
		cdgs:     make(map[cfg.MethodKey]*graph.ControlDependenceGraph),
		failed:   make(map[cfg.MethodKey]bool),
		branches: make(map[cfg.BranchDecision]string),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = telemetry.LoggerWithTrace(ctx, b.logger)

	d := newDependencyGraph()
	for _, g := range catalog {
		if err := ctx.Err(); err != nil {
			telemetry.RecordError(span, err)
			return nil, err
		}
		if d.Contains(g.Key()) {
			continue
		}
		if g.Kind() == KindBranch {
			a := g.Anchor()
			if a.Decision == nil || b.cdg(a.Method) == nil {
				d.dropped = append(d.dropped, g.Key())
				continue
			}
			b.branches[*a.Decision] = g.Key()
		}
		d.index[g.Key()] = len(d.order)
		d.order = append(d.order, g.Key())
		d.goals[g.Key()] = g
	}
	span.AddEvent("catalog_indexed", trace.WithAttributes(attribute.Int("goals.dropped", len(d.dropped))))

	for _, key := range d.order {
		g := d.goals[key]
		derive, ok := derivations[g.Kind()]
		if !ok {
			d.unwired = append(d.unwired, key)
			b.logger.Warn("unsupported coverage criterion, goal stays inactive",
				slog.String("goal", key),
				slog.String("kind", g.Kind().String()),
			)
			continue
		}

		linked := false
		for _, dec := range derive(b, g) {
			parent, ok := b.branches[dec]
			if !ok {
				continue
			}
			if d.addEdge(parent, key) {
				linked = true
			} else {
				b.rejected++
				b.logger.Warn("goal dependency rejected, it would close a cycle",
					slog.String("parent", parent), slog.String("child", key))
			}
		}
		if !linked {
			d.roots = append(d.roots, key)
			d.rootSet[key] = true
		}
	}

	span.SetAttributes(
		attribute.Int("goals.total", d.Len()),
		attribute.Int("goals.roots", len(d.roots)),
		attribute.Int("goals.unwired", len(d.unwired)),
		attribute.Int("goals.rejected_edges", b.rejected),
	)
	b.logger.Info("goal dependency graph built",
		slog.Int("goals", d.Len()),
		slog.Int("roots", len(d.roots)),
		slog.Int("unwired", len(d.unwired)),
		slog.Int("dropped", len(d.dropped)),
		slog.Duration("duration", time.Since(start)),
	)
	return d, nil
}

// addEdge links parent -> child unless that would create a cycle.
func (d *DependencyGraph) addEdge(parent, child string) bool {
	for _, c := range d.children[parent] {
		if c == child {
			return true
		}
	}
	if d.reaches(child, parent) {
		return false
	}
	d.children[parent] = append(d.children[parent], child)
	d.parents[child] = append(d.parents[child], parent)
	return true
}
