// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import "time"

// =============================================================================
// Conversation Turns
// =============================================================================

// HistoryItem is one prior exchange element passed into a turn.
type HistoryItem struct {
	Role string `json:"role"` // "user" or "assistant"
	Text string `json:"text"`
}

// ExternalMeta records external-engine bookkeeping on a finished turn.
type ExternalMeta struct {
	TaskID string `json:"task_id,omitempty"`
	Goal   string `json:"goal,omitempty"`
	Lang   string `json:"lang,omitempty"`
}

// ConversationTurn is one user question plus one assistant answer.
//
// # Description
//
// A turn is persisted as two linked rows (the user message and the
// assistant placeholder) created at turn start and mutated exclusively by
// the pipeline running the turn. FinishedAt is set exactly once when the
// turn commits; a nil FinishedAt marks an in-flight or failed turn.
//
// # Thread Safety
//
// A turn is owned by the single pipeline running it. No two turns share
// rows, so no locking is required.
type ConversationTurn struct {
	// ID is the assistant row id; UserRowID is the paired user row.
	ID        string `json:"id"`
	UserRowID string `json:"user_row_id,omitempty"`
	ChatID    string `json:"chat_id"`

	UserMessage      string `json:"user_message"`
	AssistantMessage string `json:"assistant_message"`

	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`

	TraceURL            string `json:"trace_url,omitempty"`
	PostVerificationURL string `json:"post_verification_url,omitempty"`

	GraphData *KnowledgeGraphRetrievalResult `json:"graph_data,omitempty"`
	Sources   []SourceDocument               `json:"sources"`

	External *ExternalMeta `json:"external,omitempty"`
}

// Finished reports whether the turn has committed.
func (t *ConversationTurn) Finished() bool {
	return t.FinishedAt != nil
}

// Snapshot returns a copy safe to hand to the event stream while the
// pipeline keeps mutating the original.
func (t *ConversationTurn) Snapshot() *ConversationTurn {
	cp := *t
	if t.FinishedAt != nil {
		finished := *t.FinishedAt
		cp.FinishedAt = &finished
	}
	if t.GraphData != nil {
		graph := *t.GraphData
		cp.GraphData = &graph
	}
	if t.External != nil {
		ext := *t.External
		cp.External = &ext
	}
	cp.Sources = append([]SourceDocument(nil), t.Sources...)
	return &cp
}

// StoredTurnRow is the shape of one persisted turn row as read back from
// the conversation store. Used by history loading and the goal cache.
type StoredTurnRow struct {
	ID         string `json:"id"`
	ChatID     string `json:"chat_id"`
	Role       string `json:"role"`
	Content    string `json:"content"`
	Goal       string `json:"goal"`
	Lang       string `json:"lang"`
	Timestamp  int64  `json:"timestamp"`
	FinishedAt int64  `json:"finished_at"`
}
