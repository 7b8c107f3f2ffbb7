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
	"cmp"
	"errors"
	"fmt"
	"slices"
	"sync"
)

// ErrMethodNotFound is returned when no graph is registered for a method.
var ErrMethodNotFound = errors.New("method not registered")

// Registry stores the graphs handed over by the instrumentation.
//
// Thread Safety: Safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	graphs map[MethodKey]*Graph
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{graphs: make(map[MethodKey]*Graph)}
}

// Register stores g under its own key, replacing any previous graph.
func (r *Registry) Register(g *Graph) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.graphs[g.Key()] = g
}

// CFG returns the graph of key.
func (r *Registry) CFG(key MethodKey) (*Graph, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	g, ok := r.graphs[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMethodNotFound, key)
	}
	return g, nil
}

// Methods returns all registered keys sorted by class then method.
func (r *Registry) Methods() []MethodKey {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]MethodKey, 0, len(r.graphs))
	for k := range r.graphs {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, func(a, b MethodKey) int {
		return cmp.Or(cmp.Compare(a.Class, b.Class), cmp.Compare(a.Method, b.Method))
	})
	return keys
}
