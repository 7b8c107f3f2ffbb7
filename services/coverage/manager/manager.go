// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package manager drives coverage goals through their life cycle for one
// search run.
//
// Every goal is in exactly one state:
//
//	NotCurrent -> Current -> Covered
//	NotCurrent ------------> Covered
//
// Covered is terminal. Only Current goals are scored against a candidate;
// covering a goal makes its dependency graph children Current.
package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/gofraser/evosuite-sub003/services/coverage/archive"
	"github.com/gofraser/evosuite-sub003/services/coverage/goals"
	"github.com/gofraser/evosuite-sub003/services/coverage/telemetry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("coverage.manager")

var (
	ErrNilGraph     = errors.New("dependency graph must not be nil")
	ErrNilArchive   = errors.New("archive must not be nil")
	ErrNilExecutor  = errors.New("executor must not be nil")
	ErrNilCandidate = errors.New("candidate must not be nil")
)

// State is the life cycle state of a goal.
type State int

const (
	StateNotCurrent State = iota
	StateCurrent
	StateCovered
)

func (s State) String() string {
	switch s {
	case StateNotCurrent:
		return "not_current"
	case StateCurrent:
		return "current"
	case StateCovered:
		return "covered"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Executor runs a candidate. An error is treated like a failed run.
type Executor interface {
	Execute(ctx context.Context, c goals.Candidate) (*goals.ExecutionResult, error)
}

// ExecutorFunc adapts a function into an Executor.
type ExecutorFunc func(ctx context.Context, c goals.Candidate) (*goals.ExecutionResult, error)

func (f ExecutorFunc) Execute(ctx context.Context, c goals.Candidate) (*goals.ExecutionResult, error) {
	return f(ctx, c)
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger. Default slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithHooks appends criterion hooks run after every successful evaluation.
func WithHooks(h ...Hook) Option {
	return func(m *Manager) { m.hooks = append(m.hooks, h...) }
}

// indexed is a goal whose coverage can be read straight off a trace.
type indexed struct {
	key     string
	matches func(t *goals.Trace) bool
}

// Manager owns the goal states of one run.
//
// Thread Safety: Safe for concurrent use; evaluations are serialized.
type Manager struct {
	mu      sync.Mutex
	graph   *goals.DependencyGraph
	archive *archive.Archive
	exec    Executor
	hooks   []Hook
	logger  *slog.Logger

	state   map[string]State
	current map[string]bool
	covered []string
	runtime map[string]goals.Goal
	indexed []indexed

	evaluations int
	failed      int
}

// New creates a manager with the graph's roots Current and registers
// every goal with the archive.
func New(graph *goals.DependencyGraph, arc *archive.Archive, exec Executor, opts ...Option) (*Manager, error) {
	switch {
	case graph == nil:
		return nil, ErrNilGraph
	case arc == nil:
		return nil, ErrNilArchive
	case exec == nil:
		return nil, ErrNilExecutor
	}
	m := &Manager{
		graph:   graph,
		archive: arc,
		exec:    exec,
		logger:  slog.Default(),
		state:   make(map[string]State, graph.Len()),
		current: make(map[string]bool),
		runtime: make(map[string]goals.Goal),
	}
	for _, opt := range opts {
		opt(m)
	}

	unwired := make(map[string]bool)
	for _, g := range graph.Unwired() {
		unwired[g.Key()] = true
	}
	for _, g := range graph.Goals() {
		m.state[g.Key()] = StateNotCurrent
		arc.AddTarget(g)
		if !unwired[g.Key()] {
			m.index(g)
		}
	}
	for _, g := range graph.Roots() {
		m.state[g.Key()] = StateCurrent
		m.current[g.Key()] = true
	}
	return m, nil
}

func (m *Manager) index(g goals.Goal) {
	var match func(t *goals.Trace) bool
	switch tg := g.(type) {
	case *goals.BranchGoal:
		d := tg.Decision()
		match = func(t *goals.Trace) bool { return t.CoversBranch(d) }
	case *goals.BranchlessMethodGoal:
		mk := tg.Method()
		match = func(t *goals.Trace) bool { return t.CoversMethod(mk) }
	case *goals.LineGoal:
		id := tg.LineID()
		match = func(t *goals.Trace) bool { return t.CoversLine(id.Class, id.Line) }
	default:
		return
	}
	m.indexed = append(m.indexed, indexed{key: g.Key(), matches: match})
}

// Evaluation summarizes one Evaluate call.
type Evaluation struct {
	// Failed is set when the run timed out, threw, or produced no trace.
	Failed bool

	// Covered lists goals covered through fitness, in order.
	Covered []string

	// Backfilled lists goals covered by trace membership alone.
	Backfilled []string

	// Runtime lists goals discovered by hooks during this evaluation.
	Runtime []string
}

// Evaluate runs c and advances goal states.
//
// Description:
//
//	A failed run gives every Current goal worst fitness and changes
//	nothing else. Otherwise Current goals are scored from a worklist:
//	covered goals go to the archive and enqueue their children, the others
//	stay Current and offer their partial fitness to the archive. A
//	backfill pass then covers indexed goals (branch outcomes, branchless
//	methods, lines) whose id appears in the trace, and finally the hooks
//	run.
//
// Outputs:
//   - *Evaluation: What changed.
//   - error: ErrNilCandidate, the context error, or an archive error,
//     which means the archive and the graph disagree.
func (m *Manager) Evaluate(ctx context.Context, c goals.Candidate) (*Evaluation, error) {
	if c == nil {
		return nil, ErrNilCandidate
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ctx, span := tracer.Start(ctx, "manager.Evaluate",
		trace.WithAttributes(attribute.String("candidate.id", c.ID())),
	)
	defer span.End()
	start := time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.evaluations++
	logger := telemetry.LoggerWithTrace(ctx, m.logger)

	res, err := m.exec.Execute(ctx, c)
	if err != nil {
		logger.Warn("candidate execution failed",
			slog.String("candidate", c.ID()),
			slog.String("error", err.Error()),
		)
		res = &goals.ExecutionResult{}
	}
	c.SetExecutionResult(res)

	ev := &Evaluation{}
	if res.Failed() {
		m.failed++
		ev.Failed = true
		for key := range m.current {
			c.SetFitness(key, goals.WorstFitness)
		}
		span.SetAttributes(attribute.Bool("evaluation.failed", true))
		recordEvaluation(ctx, time.Since(start), true, 0)
		return ev, nil
	}

	if err := m.score(ctx, c, ev); err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}
	if err := m.backfill(ctx, c, res.Trace, ev); err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}
	for _, h := range m.hooks {
		for _, g := range h.RuntimeGoals(ctx, c, res) {
			ok, err := m.addRuntime(ctx, g, c)
			if err != nil {
				telemetry.RecordError(span, err)
				return nil, err
			}
			if ok {
				ev.Runtime = append(ev.Runtime, g.Key())
			}
		}
	}

	span.SetAttributes(
		attribute.Int("evaluation.covered", len(ev.Covered)),
		attribute.Int("evaluation.backfilled", len(ev.Backfilled)),
		attribute.Int("evaluation.runtime", len(ev.Runtime)),
		attribute.Int("goals.current", len(m.current)),
	)
	newly := len(ev.Covered) + len(ev.Backfilled) + len(ev.Runtime)
	recordEvaluation(ctx, time.Since(start), false, newly)
	if newly > 0 {
		logger.Debug("goals covered",
			slog.String("candidate", c.ID()),
			slog.Int("covered", len(ev.Covered)),
			slog.Int("backfilled", len(ev.Backfilled)),
			slog.Int("runtime", len(ev.Runtime)),
			slog.Int("total_covered", len(m.covered)),
		)
	}
	return ev, nil
}

// score runs the worklist over the Current goals.
func (m *Manager) score(ctx context.Context, c goals.Candidate, ev *Evaluation) error {
	queue := m.sortedCurrent()
	visited := make(map[string]bool, len(queue))
	for len(queue) > 0 {
		key := queue[0]
		queue = queue[1:]
		if visited[key] || m.state[key] == StateCovered {
			continue
		}
		visited[key] = true

		g, _ := m.graph.Goal(key)
		f := goals.FitnessOf(g, c)
		if f == 0 {
			m.cover(key)
			ev.Covered = append(ev.Covered, key)
			if _, err := m.archive.UpdateArchive(ctx, g, c, f); err != nil {
				return fmt.Errorf("archive goal %s: %w", key, err)
			}
			for _, child := range m.graph.Children(key) {
				queue = append(queue, child.Key())
			}
			continue
		}
		m.state[key] = StateCurrent
		m.current[key] = true
		if _, err := m.archive.UpdateArchive(ctx, g, c, f); err != nil {
			return fmt.Errorf("archive goal %s: %w", key, err)
		}
	}
	return nil
}

// backfill covers indexed goals present in the trace without computing
// any fitness. Goals that were already covered are offered to the archive
// again so a smaller candidate can take over.
func (m *Manager) backfill(ctx context.Context, c goals.Candidate, t *goals.Trace, ev *Evaluation) error {
	fresh := make(map[string]bool, len(ev.Covered))
	for _, k := range ev.Covered {
		fresh[k] = true
	}
	for _, ix := range m.indexed {
		if fresh[ix.key] || !ix.matches(t) {
			continue
		}
		g, _ := m.graph.Goal(ix.key)
		if m.state[ix.key] != StateCovered {
			m.cover(ix.key)
			ev.Backfilled = append(ev.Backfilled, ix.key)
			c.SetFitness(ix.key, 0)
		}
		if _, err := m.archive.UpdateArchive(ctx, g, c, 0); err != nil {
			return fmt.Errorf("archive goal %s: %w", ix.key, err)
		}
	}

	// Keep the frontier consistent: children of backfilled goals are now
	// worth pursuing.
	for _, key := range ev.Backfilled {
		for _, child := range m.graph.Children(key) {
			ck := child.Key()
			if m.state[ck] == StateNotCurrent {
				m.state[ck] = StateCurrent
				m.current[ck] = true
			}
		}
	}
	return nil
}

// addRuntime registers a goal found during execution as covered by c.
func (m *Manager) addRuntime(ctx context.Context, g goals.Goal, c goals.Candidate) (bool, error) {
	key := g.Key()
	if _, known := m.state[key]; known {
		if m.state[key] != StateCovered {
			return false, nil
		}
		if _, err := m.archive.UpdateArchive(ctx, g, c, goals.FitnessOf(g, c)); err != nil {
			return false, fmt.Errorf("archive goal %s: %w", key, err)
		}
		return false, nil
	}
	f := goals.FitnessOf(g, c)
	if f != 0 {
		m.logger.Warn("runtime goal not satisfied by the candidate that produced it",
			slog.String("goal", key),
			slog.Float64("fitness", f),
		)
		return false, nil
	}
	m.runtime[key] = g
	m.archive.AddTarget(g)
	m.cover(key)
	if _, err := m.archive.UpdateArchive(ctx, g, c, f); err != nil {
		return false, fmt.Errorf("archive goal %s: %w", key, err)
	}
	return true, nil
}

func (m *Manager) cover(key string) {
	m.state[key] = StateCovered
	delete(m.current, key)
	m.covered = append(m.covered, key)
}

func (m *Manager) sortedCurrent() []string {
	keys := make([]string, 0, len(m.current))
	for k := range m.current {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, func(a, b string) int {
		return m.graph.Index(a) - m.graph.Index(b)
	})
	return keys
}

func (m *Manager) lookup(key string) goals.Goal {
	if g, ok := m.graph.Goal(key); ok {
		return g
	}
	return m.runtime[key]
}

// CurrentGoals returns the Current goals in catalog order.
func (m *Manager) CurrentGoals() []goals.Goal {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := m.sortedCurrent()
	res := make([]goals.Goal, 0, len(keys))
	for _, k := range keys {
		res = append(res, m.lookup(k))
	}
	return res
}

// CoveredGoals returns the covered goals in the order they were covered.
func (m *Manager) CoveredGoals() []goals.Goal {
	m.mu.Lock()
	defer m.mu.Unlock()
	res := make([]goals.Goal, 0, len(m.covered))
	for _, k := range m.covered {
		res = append(res, m.lookup(k))
	}
	return res
}

// State returns the state of key and whether the goal is known.
func (m *Manager) State(key string) (State, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.state[key]
	return s, ok
}

// IsCovered reports whether key is covered.
func (m *Manager) IsCovered(key string) bool {
	s, _ := m.State(key)
	return s == StateCovered
}

// Stats is a snapshot of the manager's counters.
type Stats struct {
	Evaluations int
	Failed      int
	Goals       int
	Current     int
	Covered     int
	NotCurrent  int
	Runtime     int
}

// Stats returns current counters.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{
		Evaluations: m.evaluations,
		Failed:      m.failed,
		Goals:       len(m.state),
		Current:     len(m.current),
		Covered:     len(m.covered),
		NotCurrent:  len(m.state) - len(m.current) - len(m.covered),
		Runtime:     len(m.runtime),
	}
}
