// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package graph provides the dominance analyses the coverage core is built on.
//
// It contains a Lengauer–Tarjan dominator tree builder over a small
// adjacency-list digraph, the dominance frontier pass, the control
// dependence graph derived from post-dominance, and a concurrency-safe
// cache of control dependence graphs keyed by method.
//
// Everything here is pure over immutable input: a result, once built, is
// read-only and may be shared between goroutines.
package graph

import (
	"errors"
	"fmt"
)

// Sentinel errors for graph operations.
var (
	// ErrNilGraph is returned when a nil graph is passed to a builder.
	ErrNilGraph = errors.New("graph must not be nil")

	// ErrNodeOutOfRange is returned for an index outside the graph.
	ErrNodeOutOfRange = errors.New("node index out of range")

	// ErrNodeUnreachable is returned when dominance is queried for a node
	// the DFS from the entry never reached.
	ErrNodeUnreachable = errors.New("node unreachable from entry")

	// ErrMalformedCFG is returned when a control-flow graph has no entry.
	ErrMalformedCFG = errors.New("malformed control-flow graph")

	// ErrGraphTooLarge is returned when a graph exceeds the configured node limit.
	ErrGraphTooLarge = errors.New("graph exceeds node limit")
)

// AlgorithmError wraps a failure with the algorithm and phase it occurred in.
type AlgorithmError struct {
	Algorithm string
	Operation string
	Err       error
}

func (e *AlgorithmError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Algorithm, e.Operation, e.Err)
}

func (e *AlgorithmError) Unwrap() error { return e.Err }
