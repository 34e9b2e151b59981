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

// =============================================================================
// SSE Wire Envelope
// =============================================================================

// StreamEvent is the SSE wire envelope for turn events.
//
// # Description
//
// Every event written to a client stream is wrapped in a StreamEvent. The
// writer populates Id, CreatedAt, Hash, and PrevHash; the hash chain lets
// clients verify that no event was dropped or reordered in transit.
//
// Type mirrors EventKind for turn payloads, plus the transport-level
// "keepalive" and "done" types that have no TurnEvent counterpart.
type StreamEvent struct {
	Id        string `json:"id"`
	Type      string `json:"type"`
	CreatedAt int64  `json:"created_at"`
	Hash      string `json:"hash"`
	PrevHash  string `json:"prev_hash,omitempty"`

	// Stage and Display are set for progress events.
	Stage   string `json:"stage,omitempty"`
	Display string `json:"display,omitempty"`

	// Text is set for text_delta events.
	Text string `json:"text,omitempty"`

	// Turn is set for snapshot events.
	Turn *ConversationTurn `json:"turn,omitempty"`

	// Error is set for error events.
	Error string `json:"error,omitempty"`
}

// StreamEventFromTurnEvent wraps a pipeline event in its wire envelope.
// Writer-populated fields (Id, CreatedAt, hashes) are left zero.
func StreamEventFromTurnEvent(ev TurnEvent) StreamEvent {
	return StreamEvent{
		Type:    string(ev.Kind),
		Stage:   string(ev.Stage),
		Display: ev.Display,
		Text:    ev.Text,
		Turn:    ev.Turn,
		Error:   ev.Message,
	}
}
