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
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/filters"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"go.opentelemetry.io/otel/attribute"

	"github.com/relatia-ai/relatia/services/orchestrator/conversation"
	"github.com/relatia-ai/relatia/services/orchestrator/datatypes"
)

// =============================================================================
// Weaviate Chat Repository
// =============================================================================

const (
	chatClassName = "Chat"
	turnClassName = "TurnRow"
)

// WeaviateChatRepo persists conversation turns as TurnRow objects and
// serves the external-mode goal cache from the same rows.
//
// # Description
//
// Each turn is two rows: the user message and the assistant message,
// linked by chat_id and a shared pair id. Row UUIDs are derived from a
// content hash so retried writes are idempotent. The goal cache is a
// bounded-recency scan over finished assistant rows, not an in-process
// map; restarts do not lose it.
type WeaviateChatRepo struct {
	client *weaviate.Client
}

// NewWeaviateChatRepo wraps a connected Weaviate client.
func NewWeaviateChatRepo(client *weaviate.Client) *WeaviateChatRepo {
	if client == nil {
		panic("NewWeaviateChatRepo: nil client")
	}
	return &WeaviateChatRepo{client: client}
}

var _ conversation.ChatRepo = (*WeaviateChatRepo)(nil)

// ChatExists checks whether the chat head row exists.
func (r *WeaviateChatRepo) ChatExists(ctx context.Context, chatID string) (bool, error) {
	ctx, span := tracer.Start(ctx, "WeaviateChatRepo.ChatExists")
	defer span.End()
	span.SetAttributes(attribute.String("chat_id", chatID))

	resp, err := r.client.GraphQL().Get().
		WithClassName(chatClassName).
		WithWhere(filters.Where().
			WithPath([]string{"chat_id"}).
			WithOperator(filters.Equal).
			WithValueString(chatID)).
		WithLimit(1).
		WithFields(graphql.Field{Name: "chat_id"}).
		Do(ctx)
	if err != nil {
		span.RecordError(err)
		return false, fmt.Errorf("chat lookup: %w", err)
	}

	parsed, err := datatypes.ParseGraphQLResponse[datatypes.ChatQueryResponse](resp)
	if err != nil {
		span.RecordError(err)
		return false, fmt.Errorf("parse chat lookup: %w", err)
	}
	return len(parsed.Get.Chat) > 0, nil
}

// rowUUID derives a deterministic UUID from row content so that retrying
// a write cannot create duplicates.
func rowUUID(chatID, role string, createdAtMillis int64, content string) string {
	seed := fmt.Sprintf("%s|%s|%d|%s", chatID, role, createdAtMillis, content)
	sum := sha256.Sum256([]byte(seed))
	id, _ := uuid.FromBytes(sum[:16])
	return id.String()
}

// CreateTurnRows persists the user row and the assistant placeholder and
// fills the turn's row ids.
func (r *WeaviateChatRepo) CreateTurnRows(ctx context.Context, turn *datatypes.ConversationTurn) error {
	ctx, span := tracer.Start(ctx, "WeaviateChatRepo.CreateTurnRows")
	defer span.End()
	span.SetAttributes(attribute.String("chat_id", turn.ChatID))

	createdAt := turn.CreatedAt.UnixMilli()
	turn.UserRowID = rowUUID(turn.ChatID, "user", createdAt, turn.UserMessage)
	turn.ID = rowUUID(turn.ChatID, "assistant", createdAt, turn.UserMessage)

	if err := r.createRow(ctx, turn.UserRowID, map[string]interface{}{
		"chat_id":     turn.ChatID,
		"pair_id":     turn.ID,
		"role":        "user",
		"content":     turn.UserMessage,
		"timestamp":   createdAt,
		"finished_at": int64(0),
	}); err != nil {
		span.RecordError(err)
		return fmt.Errorf("create user row: %w", err)
	}

	if err := r.createRow(ctx, turn.ID, map[string]interface{}{
		"chat_id":     turn.ChatID,
		"pair_id":     turn.ID,
		"role":        "assistant",
		"content":     "",
		"timestamp":   createdAt,
		"finished_at": int64(0),
	}); err != nil {
		span.RecordError(err)
		return fmt.Errorf("create assistant row: %w", err)
	}

	slog.Debug("turn rows created",
		"chat_id", turn.ChatID,
		"user_row", turn.UserRowID,
		"assistant_row", turn.ID,
	)
	return nil
}

func (r *WeaviateChatRepo) createRow(ctx context.Context, id string, properties map[string]interface{}) error {
	_, err := r.client.Data().Creator().
		WithClassName(turnClassName).
		WithID(id).
		WithProperties(properties).
		Do(ctx)
	return err
}

// turnProperties builds the mutable property set shared by update and
// commit writes.
func (r *WeaviateChatRepo) turnProperties(turn *datatypes.ConversationTurn) (map[string]interface{}, error) {
	props := map[string]interface{}{
		"content":               turn.AssistantMessage,
		"trace_url":             turn.TraceURL,
		"post_verification_url": turn.PostVerificationURL,
		"updated_at":            turn.UpdatedAt.UnixMilli(),
	}

	if turn.GraphData != nil {
		graphJSON, err := json.Marshal(turn.GraphData)
		if err != nil {
			return nil, fmt.Errorf("marshal graph data: %w", err)
		}
		props["graph_data"] = string(graphJSON)
	}
	if turn.Sources != nil {
		sourcesJSON, err := json.Marshal(turn.Sources)
		if err != nil {
			return nil, fmt.Errorf("marshal sources: %w", err)
		}
		props["sources"] = string(sourcesJSON)
	}
	if turn.External != nil {
		props["goal"] = conversation.NormalizeGoal(turn.External.Goal)
		props["lang"] = turn.External.Lang
		props["task_id"] = turn.External.TaskID
	}
	return props, nil
}

// UpdateTurnRows writes the turn's current state to both rows.
func (r *WeaviateChatRepo) UpdateTurnRows(ctx context.Context, turn *datatypes.ConversationTurn) error {
	ctx, span := tracer.Start(ctx, "WeaviateChatRepo.UpdateTurnRows")
	defer span.End()

	props, err := r.turnProperties(turn)
	if err != nil {
		span.RecordError(err)
		return err
	}

	if err := r.mergeRow(ctx, turn.ID, props); err != nil {
		span.RecordError(err)
		return fmt.Errorf("update assistant row: %w", err)
	}

	// The user row only carries the shared turn metadata.
	userProps := map[string]interface{}{
		"updated_at": turn.UpdatedAt.UnixMilli(),
	}
	if g, ok := props["graph_data"]; ok {
		userProps["graph_data"] = g
	}
	if err := r.mergeRow(ctx, turn.UserRowID, userProps); err != nil {
		// Secondary write: the assistant row already holds the answer.
		slog.Warn("user row update failed",
			"chat_id", turn.ChatID,
			"user_row", turn.UserRowID,
			"error", err,
		)
	}
	return nil
}

// CommitTurn finalizes both rows with finished_at. The pipeline calls
// this exactly once per turn.
func (r *WeaviateChatRepo) CommitTurn(ctx context.Context, turn *datatypes.ConversationTurn) error {
	ctx, span := tracer.Start(ctx, "WeaviateChatRepo.CommitTurn")
	defer span.End()
	span.SetAttributes(attribute.String("turn_id", turn.ID))

	if turn.FinishedAt == nil {
		return fmt.Errorf("commit without finished_at")
	}
	finished := turn.FinishedAt.UnixMilli()

	props, err := r.turnProperties(turn)
	if err != nil {
		span.RecordError(err)
		return err
	}
	props["finished_at"] = finished

	if err := r.mergeRow(ctx, turn.ID, props); err != nil {
		span.RecordError(err)
		return fmt.Errorf("commit assistant row: %w", err)
	}

	if err := r.mergeRow(ctx, turn.UserRowID, map[string]interface{}{
		"updated_at":  turn.UpdatedAt.UnixMilli(),
		"finished_at": finished,
	}); err != nil {
		slog.Warn("user row commit failed",
			"chat_id", turn.ChatID,
			"user_row", turn.UserRowID,
			"error", err,
		)
	}

	slog.Info("turn committed",
		"chat_id", turn.ChatID,
		"turn_id", turn.ID,
	)
	return nil
}

func (r *WeaviateChatRepo) mergeRow(ctx context.Context, id string, properties map[string]interface{}) error {
	return r.client.Data().Updater().
		WithClassName(turnClassName).
		WithID(id).
		WithProperties(properties).
		WithMerge().
		Do(ctx)
}

// FindRecentAnswerByGoal scans the most recent `window` assistant rows
// for a finished answer whose normalized (goal, lang) key matches.
func (r *WeaviateChatRepo) FindRecentAnswerByGoal(ctx context.Context, goal, lang string, window int) (string, bool, error) {
	ctx, span := tracer.Start(ctx, "WeaviateChatRepo.FindRecentAnswerByGoal")
	defer span.End()
	span.SetAttributes(attribute.Int("window", window))

	if goal == "" || window <= 0 {
		return "", false, nil
	}

	fields := []graphql.Field{
		{Name: "content"},
		{Name: "goal"},
		{Name: "lang"},
		{Name: "timestamp"},
		{Name: "finished_at"},
	}

	resp, err := r.client.GraphQL().Get().
		WithClassName(turnClassName).
		WithWhere(filters.Where().
			WithPath([]string{"role"}).
			WithOperator(filters.Equal).
			WithValueString("assistant")).
		WithSort(graphql.Sort{Path: []string{"timestamp"}, Order: graphql.Desc}).
		WithLimit(window).
		WithFields(fields...).
		Do(ctx)
	if err != nil {
		span.RecordError(err)
		return "", false, fmt.Errorf("goal cache query: %w", err)
	}

	parsed, err := datatypes.ParseGraphQLResponse[datatypes.TurnRowQueryResponse](resp)
	if err != nil {
		span.RecordError(err)
		return "", false, fmt.Errorf("parse goal cache response: %w", err)
	}

	for _, row := range parsed.Get.TurnRow {
		if row.FinishedAt == 0 || row.Content == "" {
			continue
		}
		if row.Goal == goal && row.Lang == lang {
			span.SetAttributes(attribute.Bool("hit", true))
			return row.Content, true, nil
		}
	}
	return "", false, nil
}
