// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package conversation

import (
	"context"

	"github.com/relatia-ai/relatia/services/orchestrator/datatypes"
)

// =============================================================================
// Sub-pipeline Plumbing
// =============================================================================

// StageUpdate is one progress notification from a nested retrieval
// sub-pipeline: the stage it belongs to and a display string for the UI.
type StageUpdate struct {
	Stage   datatypes.Stage
	Display string
}

// Subpipeline couples a progress stream with a one-shot result.
//
// # Description
//
// A retriever runs as a nested sub-pipeline that emits progress updates
// while it works and produces exactly one typed result when it finishes.
// Subpipeline models this as two coupled channels: Updates() streams
// StageUpdates until closed, and Result() yields the final value, valid
// only once Updates() is drained. The orchestrator re-emits every update
// as its own progress event, then collects the result.
//
// Producers send with Emit and must call Finish exactly once. Sends block
// until the consumer pulls, keeping the whole turn pull-driven: if the
// consumer goes away, the producer parks on its context instead of
// running ahead.
//
// # Thread Safety
//
// One producer goroutine and one consumer goroutine. Not reusable.
type Subpipeline[T any] struct {
	updates chan StageUpdate
	result  chan T
}

// NewSubpipeline creates an unstarted sub-pipeline.
func NewSubpipeline[T any]() *Subpipeline[T] {
	return &Subpipeline[T]{
		updates: make(chan StageUpdate),
		result:  make(chan T, 1),
	}
}

// Emit sends one progress update. Returns the context error if the
// consumer stopped pulling.
func (s *Subpipeline[T]) Emit(ctx context.Context, stage datatypes.Stage, display string) error {
	select {
	case s.updates <- StageUpdate{Stage: stage, Display: display}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Finish delivers the result and closes the progress stream. Must be
// called exactly once, after the last Emit.
func (s *Subpipeline[T]) Finish(result T) {
	s.result <- result
	close(s.updates)
}

// Updates is the progress stream. It closes when the producer finishes.
func (s *Subpipeline[T]) Updates() <-chan StageUpdate {
	return s.updates
}

// Result returns the final value. Valid only after Updates is closed.
func (s *Subpipeline[T]) Result() T {
	return <-s.result
}

// Drain consumes the full progress stream, forwarding each update through
// emit, then returns the result. emit errors abort the drain; the
// producer is left parked on its context and the zero result is returned
// with the error.
func Drain[T any](sub *Subpipeline[T], emit func(StageUpdate) error) (T, error) {
	for update := range sub.Updates() {
		if err := emit(update); err != nil {
			var zero T
			return zero, err
		}
	}
	return sub.Result(), nil
}
