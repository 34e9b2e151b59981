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
// Turn Requests
// =============================================================================

// EngineMode selects which answer-producing tail a turn runs.
type EngineMode string

const (
	// ModeBuiltin runs local retrieval and synthesis.
	ModeBuiltin EngineMode = "builtin"

	// ModeExternal delegates answer production to a remote engine.
	ModeExternal EngineMode = "external"
)

// CallerIdentity is the authenticated caller of a turn, as resolved by the
// transport middleware. UserID may be empty for anonymous callers; Role is
// "admin" or "user".
type CallerIdentity struct {
	UserID string `json:"user_id"`
	Role   string `json:"role"`
}

// Anonymous reports whether the caller carries no usable identity.
func (c CallerIdentity) Anonymous() bool {
	return c.UserID == ""
}

// TurnRequest is the inbound contract for running one conversation turn.
//
// # Description
//
// Carries the user question, prior history, the owning chat, the resolved
// caller identity, and the engine profile that selects builtin vs external
// mode. Validated at the transport boundary before any stage runs.
type TurnRequest struct {
	Question string        `json:"question" binding:"required,min=1,max=8192"`
	History  []HistoryItem `json:"history" binding:"omitempty,dive"`
	ChatID   string        `json:"chat_id" binding:"required,uuid4"`

	// EngineName selects a configured engine profile. Empty selects the
	// default profile.
	EngineName string `json:"engine_name" binding:"omitempty,max=128"`

	// Identity is populated by middleware, never by the client body.
	Identity CallerIdentity `json:"-"`
}
