// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package services

import (
	"context"

	"github.com/relatia-ai/relatia/services/llm"
	"github.com/relatia-ai/relatia/services/orchestrator/conversation"
)

// =============================================================================
// LLM Predictor Adapter
// =============================================================================

// LLMPredictor adapts an llm.LLMClient to the pipeline's predictor
// interfaces with a fixed set of generation parameters.
type LLMPredictor struct {
	client llm.LLMClient
	params llm.GenerationParams
}

// NewLLMPredictor wraps client. temperature applies to every call; pass
// a low value for deterministic pipeline steps.
func NewLLMPredictor(client llm.LLMClient, temperature float32, maxTokens int) *LLMPredictor {
	if client == nil {
		panic("NewLLMPredictor: nil client")
	}
	return &LLMPredictor{
		client: client,
		params: llm.GenerationParams{
			Temperature: &temperature,
			MaxTokens:   &maxTokens,
		},
	}
}

var (
	_ conversation.Predictor          = (*LLMPredictor)(nil)
	_ conversation.StreamingPredictor = (*LLMPredictor)(nil)
)

// Predict runs a single-shot completion.
func (p *LLMPredictor) Predict(ctx context.Context, prompt string) (string, error) {
	return p.client.Generate(ctx, prompt, p.params)
}

// PredictStream streams a completion delta by delta.
func (p *LLMPredictor) PredictStream(ctx context.Context, prompt string, onDelta func(delta string) error) error {
	return p.client.GenerateStream(ctx, prompt, p.params, onDelta)
}
