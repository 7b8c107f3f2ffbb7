// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/gofraser/evosuite-sub003/services/coverage/archive"
	"github.com/gofraser/evosuite-sub003/services/coverage/cfg"
	"github.com/gofraser/evosuite-sub003/services/coverage/goals"
	"github.com/gofraser/evosuite-sub003/services/coverage/manager"
	"github.com/gofraser/evosuite-sub003/services/coverage/storage/badger"
)

// Hooks returns the criterion hooks selected by the manager section.
func (c Config) Hooks() []manager.Hook {
	var hooks []manager.Hook
	if c.Manager.ExceptionGoals {
		hooks = append(hooks, manager.ExceptionHook{})
	}
	return hooks
}

// ManagerOptions converts the manager section.
func (c Config) ManagerOptions(logger *slog.Logger) []manager.Option {
	opts := []manager.Option{manager.WithHooks(c.Hooks()...)}
	if logger != nil {
		opts = append(opts, manager.WithLogger(logger))
	}
	return opts
}

// Catalog assembles the goals of every method for the selected criteria.
//
// Description:
//
//	A method whose control dependence graph could not be built from a
//	malformed CFG still contributes the goals of its empty graph, and the
//	failure is logged. A source error without a graph aborts the call.
//
// Inputs:
//   - ctx: Context for cancellation.
//   - src: Control dependence graphs, usually a *graph.Cache.
//   - methods: Methods under test, in catalog order.
//   - logger: Destination for degraded methods. Nil means slog.Default().
//
// Outputs:
//   - []goals.Goal: The catalog, method by method in the order of Kinds().
//   - error: The context error or the first source error.
func (c Config) Catalog(ctx context.Context, src goals.CDGSource, methods []cfg.MethodKey, logger *slog.Logger) ([]goals.Goal, error) {
	if logger == nil {
		logger = slog.Default()
	}
	kinds := c.Kinds()
	var catalog []goals.Goal
	for _, m := range methods {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		cdg, err := src.ControlDependenceGraph(ctx, m)
		if cdg == nil {
			if err == nil {
				err = fmt.Errorf("no control dependence graph for %s", m)
			}
			return nil, err
		}
		if err != nil {
			logger.Warn("method catalogued without control dependencies",
				slog.String("method", m.String()),
				slog.String("error", err.Error()),
			)
		}
		catalog = append(catalog, goals.Catalog(cdg, kinds...)...)
	}
	return catalog, nil
}

// Journal is an open coverage journal together with the store it owns.
type Journal struct {
	*archive.JournalRecorder
	db *badger.DB
}

// Recorder returns j as an archive.Recorder, or nil when j is nil so a
// disabled journal can be passed straight to ArchiveOptions.
func (j *Journal) Recorder() archive.Recorder {
	if j == nil {
		return nil
	}
	return j.JournalRecorder
}

// Close closes the journal and its store. A nil Journal is a no-op.
func (j *Journal) Close() error {
	if j == nil {
		return nil
	}
	return errors.Join(j.JournalRecorder.Close(), j.db.Close())
}

// OpenJournal opens the coverage journal described by the journal section.
//
// Outputs:
//   - *Journal: Nil when the journal is disabled. Caller must Close it.
//   - error: The context error, a store error or a journal error.
func (c Config) OpenJournal(ctx context.Context, logger *slog.Logger) (*Journal, error) {
	if !c.Journal.Enabled {
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	db, err := badger.Open(c.JournalStore(logger))
	if err != nil {
		return nil, fmt.Errorf("open journal store: %w", err)
	}
	opts := []archive.JournalOption{}
	if c.Journal.RunID != "" {
		opts = append(opts, archive.WithRunID(c.Journal.RunID))
	}
	if logger != nil {
		opts = append(opts, archive.WithJournalLogger(logger))
	}
	rec, err := archive.NewJournalRecorder(db, opts...)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("open journal: %w", err)
	}
	return &Journal{JournalRecorder: rec, db: db}, nil
}
