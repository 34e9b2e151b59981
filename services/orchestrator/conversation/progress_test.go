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
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relatia-ai/relatia/services/orchestrator/datatypes"
)

func TestSubpipeline_DrainForwardsUpdatesThenResult(t *testing.T) {
	sub := NewSubpipeline[int]()

	go func() {
		_ = sub.Emit(t.Context(), datatypes.StageKGRetrieval, "step one")
		_ = sub.Emit(t.Context(), datatypes.StageKGRetrieval, "step two")
		sub.Finish(42)
	}()

	var updates []StageUpdate
	result, err := Drain(sub, func(update StageUpdate) error {
		updates = append(updates, update)
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 42, result)
	require.Len(t, updates, 2)
	assert.Equal(t, "step one", updates[0].Display)
	assert.Equal(t, "step two", updates[1].Display)
}

func TestSubpipeline_DrainAbortsOnEmitError(t *testing.T) {
	sub := NewSubpipeline[int]()
	producerDone := make(chan struct{})

	ctx, cancel := context.WithCancel(t.Context())
	go func() {
		defer close(producerDone)
		if err := sub.Emit(ctx, datatypes.StageKGRetrieval, "first"); err != nil {
			return
		}
		// The consumer aborted; this Emit must park on the context
		// instead of blocking forever.
		if err := sub.Emit(ctx, datatypes.StageKGRetrieval, "second"); err != nil {
			return
		}
		sub.Finish(1)
	}()

	sentinel := errors.New("consumer gone")
	result, err := Drain(sub, func(StageUpdate) error {
		cancel()
		return sentinel
	})

	assert.ErrorIs(t, err, sentinel)
	assert.Zero(t, result)
	<-producerDone
}

func TestSubpipeline_EmitReturnsContextError(t *testing.T) {
	sub := NewSubpipeline[string]()

	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	err := sub.Emit(ctx, datatypes.StageSearchDocs, "never delivered")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSubpipeline_ResultAvailableAfterFinish(t *testing.T) {
	sub := NewSubpipeline[string]()
	sub.Finish("done")

	for range sub.Updates() {
	}
	assert.Equal(t, "done", sub.Result())
}
