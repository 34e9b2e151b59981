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
// Collaborator Contracts
// =============================================================================
//
// The orchestrator consumes narrow interfaces so the outbound clients in
// services/ stay swappable and tests can use in-memory fakes.

// Predictor is a single-shot LLM call.
type Predictor interface {
	Predict(ctx context.Context, prompt string) (string, error)
}

// StreamingPredictor extends Predictor with token streaming. onDelta is
// invoked for each token in order; returning an error stops the stream.
type StreamingPredictor interface {
	Predictor
	PredictStream(ctx context.Context, prompt string, onDelta func(token string) error) error
}

// GraphStore retrieves the knowledge graph relevant to a question.
type GraphStore interface {
	Query(ctx context.Context, question string, kbIDs []string) (datatypes.KnowledgeGraphRetrievalResult, error)
}

// VectorStore retrieves ranked text chunks via vector similarity.
type VectorStore interface {
	Search(ctx context.Context, question string, kbIDs []string, limit int) ([]datatypes.ScoredChunk, error)
}

// DocumentMetaLookup batch-fetches per-document metadata. Used for source
// attribution and for account-precedence authorization checks; callers
// pass all needed ids in one call so implementations can batch and cache.
type DocumentMetaLookup interface {
	FetchDocumentMeta(ctx context.Context, documentIDs []string) (map[string]datatypes.DocumentMeta, error)
}

// ChatRepo persists conversation turns and serves the goal cache.
type ChatRepo interface {
	// ChatExists checks the turn's precondition before any stage runs.
	ChatExists(ctx context.Context, chatID string) (bool, error)

	// CreateTurnRows persists the user row and the assistant placeholder,
	// filling the turn's row ids.
	CreateTurnRows(ctx context.Context, turn *datatypes.ConversationTurn) error

	// UpdateTurnRows writes the turn's current state to both rows.
	UpdateTurnRows(ctx context.Context, turn *datatypes.ConversationTurn) error

	// CommitTurn finalizes the turn. Implementations persist finished_at
	// exactly once; the pipeline guarantees a single call per turn.
	CommitTurn(ctx context.Context, turn *datatypes.ConversationTurn) error

	// FindRecentAnswerByGoal looks up a finished assistant row whose
	// normalized (goal, lang) key matches, within the given recency window
	// of rows. Returns ok=false on miss.
	FindRecentAnswerByGoal(ctx context.Context, goal, lang string, window int) (string, bool, error)
}

// ExternalEngine streams a remote engine's line protocol for a goal.
// onLine receives each raw line; returning an error stops the stream.
type ExternalEngine interface {
	StreamGoal(ctx context.Context, goal string, format ResponseFormat, onLine func(line string) error) error
}

// Verifier submits a finished question/answer pair for post-verification
// and returns a link to the verification job. Best-effort: callers log
// and ignore errors.
type Verifier interface {
	Verify(ctx context.Context, chatID, turnID, question, answer string) (string, error)
}
