// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package manager

import (
	"context"

	"github.com/gofraser/evosuite-sub003/services/coverage/goals"
)

// Hook derives goals that only exist once something has executed. The
// manager registers each returned goal with the archive as covered by the
// candidate, provided the candidate actually satisfies it.
type Hook interface {
	RuntimeGoals(ctx context.Context, c goals.Candidate, res *goals.ExecutionResult) []goals.Goal
}

// HookFunc adapts a function into a Hook.
type HookFunc func(ctx context.Context, c goals.Candidate, res *goals.ExecutionResult) []goals.Goal

func (f HookFunc) RuntimeGoals(ctx context.Context, c goals.Candidate, res *goals.ExecutionResult) []goals.Goal {
	return f(ctx, c, res)
}

// ExceptionHook turns every exception raised during a run into an
// exception goal.
type ExceptionHook struct{}

func (ExceptionHook) RuntimeGoals(_ context.Context, _ goals.Candidate, res *goals.ExecutionResult) []goals.Goal {
	if res == nil || res.Trace == nil {
		return nil
	}
	positions := res.Trace.Exceptions()
	out := make([]goals.Goal, 0, len(positions))
	for _, p := range positions {
		out = append(out, goals.NewExceptionGoal(p))
	}
	return out
}
