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
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/relatia-ai/relatia/services/orchestrator/datatypes"
	"github.com/relatia-ai/relatia/services/orchestrator/observability"
)

// =============================================================================
// External Mode Tail
// =============================================================================

// runExternalTail delegates answer production to the remote engine: it
// computes a Goal, consults the goal cache, and either replays the cached
// answer or streams the engine's line protocol into the event stream.
func (o *Orchestrator) runExternalTail(
	ctx context.Context,
	emit emitFunc,
	turn *datatypes.ConversationTurn,
	req datatypes.TurnRequest,
	profile EngineProfile,
) error {
	ctx, span := tracer.Start(ctx, "Orchestrator.runExternalTail")
	defer span.End()

	engine := o.engineFor(profile)
	if engine == nil {
		return fmt.Errorf("engine profile %q is external but no engine client is configured", profile.Name)
	}

	// Goal generation is recoverable-fallback: any failure degrades to
	// the raw question and a default response format.
	goal, format := o.generateGoal(ctx, req)
	span.SetAttributes(attribute.String("goal_lang", format.Lang))

	// CLARIFY runs on the goal text when the profile gates it on.
	if profile.ClarifyQuestion {
		verdict, err := o.fastLLM.Predict(ctx, ClarifyPrompt(goal, req.History))
		if err != nil {
			span.RecordError(err)
			return fmt.Errorf("clarify check: %w", err)
		}
		if question, need := ClarifyNeeded(verdict); need {
			if err := emit(datatypes.TextDeltaEvent(question)); err != nil {
				return err
			}
			o.countTurn(profile.Mode, observability.StatusClarify)
			return o.finishTurn(ctx, emit, turn, question, finishOpts{})
		}
	}

	// Goal cache: a repository query over recent turns, tried before any
	// remote round trip. Lookup failures are a miss, never fatal.
	cached, hit, err := o.repo.FindRecentAnswerByGoal(ctx,
		NormalizeGoal(goal), format.Lang, o.config.GoalCacheWindow)
	if err != nil {
		slog.Warn("goal cache lookup failed, treating as miss", "error", err)
		o.countGoalCache("error")
		hit = false
	}

	turn.External = &datatypes.ExternalMeta{Goal: goal, Lang: format.Lang}

	if hit && strings.TrimSpace(cached) != "" {
		o.countGoalCache("hit")
		span.SetAttributes(attribute.Bool("goal_cache_hit", true))
		if err := o.replayCachedAnswer(emit, cached, profile.Mode); err != nil {
			return err
		}
		o.countTurn(profile.Mode, observability.StatusSuccess)
		return o.finishTurn(ctx, emit, turn, cached, finishOpts{})
	}
	o.countGoalCache("miss")

	if err := emit(datatypes.ProgressEvent(datatypes.StageGenerateAnswer,
		"Thinking and generating a precise answer with AI")); err != nil {
		return err
	}

	answer, taskID, err := o.streamEngineAnswer(ctx, engine, emit, goal, format, profile.Mode)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "engine stream failed")
		return err
	}

	turn.External.TaskID = taskID
	if taskID != "" && profile.TraceBaseURL != "" {
		turn.TraceURL = profile.TraceBaseURL + "?task_id=" + taskID
	}

	o.countTurn(profile.Mode, observability.StatusSuccess)
	return o.finishTurn(ctx, emit, turn, answer, finishOpts{})
}

// replayCachedAnswer pseudo-streams a cached answer in sentence-sized
// chunks so clients keep their incremental-delivery semantics. The
// concatenation of the emitted deltas equals the cached text exactly.
func (o *Orchestrator) replayCachedAnswer(emit emitFunc, answer string, mode datatypes.EngineMode) error {
	delimiter := o.config.CachedReplyDelimiter
	if delimiter == "" {
		delimiter = ". "
	}

	parts := strings.Split(answer, delimiter)
	for i, part := range parts {
		if i < len(parts)-1 {
			part += delimiter
		}
		if part == "" {
			continue
		}
		if observability.DefaultMetrics != nil {
			observability.DefaultMetrics.TokensStreamedTotal.WithLabelValues(string(mode)).Inc()
		}
		if err := emit(datatypes.TextDeltaEvent(part)); err != nil {
			return err
		}
	}
	return nil
}

// engineFor returns the engine client serving a profile. A profile that
// names its own external_engine_url gets a dedicated client, built once
// per URL and reused across turns; everything else shares the default
// client.
func (o *Orchestrator) engineFor(profile EngineProfile) ExternalEngine {
	if profile.ExternalEngineURL == "" || o.engineFactory == nil {
		return o.engine
	}

	o.engineMu.Lock()
	defer o.engineMu.Unlock()
	if engine, ok := o.engines[profile.ExternalEngineURL]; ok {
		return engine
	}
	engine := o.engineFactory(profile.ExternalEngineURL)
	if engine != nil {
		o.engines[profile.ExternalEngineURL] = engine
	}
	return engine
}

// streamEngineAnswer consumes the remote engine's line protocol,
// accumulating answer text and capturing the remote task id. Malformed
// lines are logged and skipped, never fatal.
func (o *Orchestrator) streamEngineAnswer(
	ctx context.Context,
	engine ExternalEngine,
	emit emitFunc,
	goal string,
	format ResponseFormat,
	mode datatypes.EngineMode,
) (string, string, error) {
	acc, err := NewAnswerAccumulator()
	if err != nil {
		return "", "", fmt.Errorf("allocate answer buffer: %w", err)
	}
	defer acc.Destroy()

	var taskID string
	err = engine.StreamGoal(ctx, goal, format, func(line string) error {
		text, id, ok := ParseEngineLine(line)
		if !ok {
			return nil
		}
		if id != "" && taskID == "" {
			taskID = id
		}
		if text == "" {
			return nil
		}
		if err := acc.Write(text); err != nil {
			return err
		}
		if observability.DefaultMetrics != nil {
			observability.DefaultMetrics.TokensStreamedTotal.WithLabelValues(string(mode)).Inc()
		}
		return emit(datatypes.TextDeltaEvent(text))
	})
	if err != nil {
		return "", "", fmt.Errorf("stream from engine: %w", err)
	}

	answer, _, err := acc.Finalize()
	if err != nil {
		return "", "", fmt.Errorf("finalize answer: %w", err)
	}
	if strings.TrimSpace(answer) == "" {
		return "", "", ErrEmptyAnswer
	}
	return answer, taskID, nil
}

// =============================================================================
// Engine Line Protocol
// =============================================================================

// engineState is the payload of a state line ("8:" prefix).
type engineState struct {
	TaskID string `json:"task_id"`
}

// ParseEngineLine decodes one line of the remote engine's transport.
//
// # Description
//
// The protocol prefixes each line with an opcode:
//
//	0:"word"                     an answer text fragment (JSON string)
//	8:[{"task_id":"..."}, ...]   engine state; the first task_id is the
//	                             remote task for trace linking
//
// Unknown opcodes and undecodable payloads are reported via ok=false so
// the caller can log and skip them; a malformed line never fails the
// stream.
//
// # Outputs
//
//   - text: Answer fragment, empty for state lines.
//   - taskID: Remote task id, empty for text lines.
//   - ok: False for lines to be skipped.
func ParseEngineLine(line string) (text string, taskID string, ok bool) {
	line = strings.TrimSpace(line)
	if line == "" {
		return "", "", false
	}

	switch {
	case strings.HasPrefix(line, "0:"):
		var fragment string
		if err := json.Unmarshal([]byte(line[2:]), &fragment); err != nil {
			slog.Warn("skipping malformed engine text line", "error", err)
			return "", "", false
		}
		return fragment, "", true

	case strings.HasPrefix(line, "8:"):
		var states []engineState
		if err := json.Unmarshal([]byte(line[2:]), &states); err != nil {
			slog.Warn("skipping malformed engine state line", "error", err)
			return "", "", false
		}
		for _, state := range states {
			if state.TaskID != "" {
				return "", state.TaskID, true
			}
		}
		return "", "", true

	default:
		slog.Warn("skipping unknown engine line opcode",
			"prefix", line[:min(8, len(line))])
		return "", "", false
	}
}

// =============================================================================
// Goal Generation
// =============================================================================

// generateGoal restates the question as a goal plus response format. Any
// failure falls back to the raw question; goal generation never hard-fails
// a turn.
func (o *Orchestrator) generateGoal(ctx context.Context, req datatypes.TurnRequest) (string, ResponseFormat) {
	reply, err := o.fastLLM.Predict(ctx, GoalPrompt(req.Question, req.History))
	if err != nil {
		slog.Warn("goal generation failed, using raw question", "error", err)
		return req.Question, DefaultResponseFormat()
	}

	goal, format, err := ParseGoalReply(reply)
	if err != nil {
		slog.Warn("goal reply unparsable, using raw question", "error", err)
		return req.Question, DefaultResponseFormat()
	}
	return goal, format
}

// ParseGoalReply extracts the goal text and response format from a goal
// model reply of the form:
//
//	Goal: <text>
//	{"Lang": "..."}
func ParseGoalReply(reply string) (string, ResponseFormat, error) {
	format := DefaultResponseFormat()
	var goalLines []string

	for _, line := range strings.Split(reply, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		if strings.HasPrefix(trimmed, "{") {
			var parsed ResponseFormat
			if err := json.Unmarshal([]byte(trimmed), &parsed); err == nil && parsed.Lang != "" {
				format = parsed
			}
			continue
		}
		trimmed = strings.TrimPrefix(trimmed, "Goal:")
		trimmed = strings.TrimSpace(trimmed)
		if trimmed != "" {
			goalLines = append(goalLines, trimmed)
		}
	}

	goal := strings.Join(goalLines, " ")
	if goal == "" {
		return "", format, fmt.Errorf("no goal text in reply")
	}
	return goal, format, nil
}

func (o *Orchestrator) countGoalCache(outcome string) {
	if observability.DefaultMetrics == nil {
		return
	}
	observability.DefaultMetrics.GoalCacheTotal.WithLabelValues(outcome).Inc()
}
