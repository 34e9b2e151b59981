// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes defines the shared data model for the orchestrator
// service: pipeline stages, turn events, conversation rows, and the
// knowledge graph structures exchanged between the conversation core and
// the outbound store clients.
package datatypes

// =============================================================================
// Pipeline Stages
// =============================================================================

// Stage identifies a phase of the conversation pipeline. Stage values are
// sent verbatim to clients inside progress events, so they form part of the
// wire contract and must not be renamed.
type Stage string

const (
	StageInitialization Stage = "INITIALIZATION"
	StageKGRetrieval    Stage = "KG_RETRIEVAL"
	StageRefineQuestion Stage = "REFINE_QUESTION"
	StageSearchDocs     Stage = "SEARCH_RELATED_DOCUMENTS"
	StageSourceNodes    Stage = "SOURCE_NODES"
	StageGenerateAnswer Stage = "GENERATE_ANSWER"
	StageFinished       Stage = "FINISHED"

	// StageAnalyzeCompetitor is reserved for a disabled analysis phase.
	// It is part of the stage enumeration but is never emitted.
	StageAnalyzeCompetitor Stage = "ANALYZE_COMPETITOR_RELATED"
)

// =============================================================================
// Turn Events
// =============================================================================

// EventKind discriminates the members of the TurnEvent tagged union.
type EventKind string

const (
	// EventProgress announces that a pipeline stage started or produced an
	// intermediate status message.
	EventProgress EventKind = "progress"

	// EventTextDelta carries an incremental piece of the answer text.
	EventTextDelta EventKind = "text_delta"

	// EventSnapshot carries the current state of the conversation turn.
	// Exactly one final snapshot terminates every successful turn.
	EventSnapshot EventKind = "snapshot"

	// EventError carries a user-safe error message. It terminates the turn.
	EventError EventKind = "error"
)

// TurnEvent is one element of the event stream produced by a running turn.
//
// # Description
//
// TurnEvent is a tagged union: Kind selects which of the payload fields is
// meaningful. progress events populate Stage and Display; text_delta
// events populate Text; snapshot events populate Turn; error events
// populate Message. Unused fields are zero and omitted from JSON.
//
// # Thread Safety
//
// TurnEvent values are immutable after construction and safe to share.
type TurnEvent struct {
	Kind EventKind `json:"kind"`

	// Stage and Display are set for progress events.
	Stage   Stage  `json:"stage,omitempty"`
	Display string `json:"display,omitempty"`

	// Text is set for text_delta events.
	Text string `json:"text,omitempty"`

	// Turn is set for snapshot events.
	Turn *ConversationTurn `json:"turn,omitempty"`

	// Message is set for error events. It is already sanitized for client
	// display and never contains internal details.
	Message string `json:"message,omitempty"`
}

// ProgressEvent builds a progress event for the given stage.
func ProgressEvent(stage Stage, display string) TurnEvent {
	return TurnEvent{Kind: EventProgress, Stage: stage, Display: display}
}

// TextDeltaEvent builds a text_delta event.
func TextDeltaEvent(text string) TurnEvent {
	return TurnEvent{Kind: EventTextDelta, Text: text}
}

// SnapshotEvent builds a snapshot event for the given turn state.
func SnapshotEvent(turn *ConversationTurn) TurnEvent {
	return TurnEvent{Kind: EventSnapshot, Turn: turn}
}

// ErrorEvent builds an error event with a client-safe message.
func ErrorEvent(message string) TurnEvent {
	return TurnEvent{Kind: EventError, Message: message}
}
