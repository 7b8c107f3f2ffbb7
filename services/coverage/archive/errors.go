// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package archive keeps, for every coverage goal, a small ranked population
// of the best candidates seen so far.
//
// A population holds up to Capacity partial solutions ranked by heuristic
// value h in [0, 1]. Once a candidate reaches h = 1 the goal is covered: the
// population collapses to that single candidate and only strictly better
// covering candidates can replace it.
//
// Thread Safety:
//
//	Population is not safe for concurrent use. Archive serializes its
//	public methods with a mutex.
package archive

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidHeuristic is returned for h outside [0, 1] or NaN.
	ErrInvalidHeuristic = errors.New("heuristic value must be in [0, 1]")

	// ErrInvalidCapacity is returned for a population capacity below 1.
	ErrInvalidCapacity = errors.New("population capacity must be at least 1")

	// ErrGoalNotRegistered is returned when a goal was never added with
	// AddTarget.
	ErrGoalNotRegistered = errors.New("goal not registered with archive")

	// ErrMergeInProgress is returned by BeginMerge while another merge
	// holds the guard.
	ErrMergeInProgress = errors.New("archive merge already in progress")

	// ErrArchiveEmpty is returned when no population holds a candidate.
	ErrArchiveEmpty = errors.New("archive holds no candidate")

	// ErrNilCandidate is returned when a nil candidate is offered.
	ErrNilCandidate = errors.New("candidate must not be nil")
)

// PopulationError ties a population failure to its goal.
type PopulationError struct {
	Goal string
	Err  error
}

func (e *PopulationError) Error() string {
	return fmt.Sprintf("population %s: %v", e.Goal, e.Err)
}

func (e *PopulationError) Unwrap() error {
	return e.Err
}
