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
	"fmt"
	"log/slog"

	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/filters"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"go.opentelemetry.io/otel/attribute"

	"github.com/relatia-ai/relatia/services/orchestrator/datatypes"
)

// =============================================================================
// Weaviate Vector Store
// =============================================================================

// chunkClassName is the Weaviate class holding indexed knowledge chunks.
const chunkClassName = "KnowledgeChunk"

// WeaviateVectorStore searches indexed chunks by vector similarity.
type WeaviateVectorStore struct {
	client *weaviate.Client
}

// NewWeaviateVectorStore wraps a connected Weaviate client.
func NewWeaviateVectorStore(client *weaviate.Client) *WeaviateVectorStore {
	if client == nil {
		panic("NewWeaviateVectorStore: nil client")
	}
	return &WeaviateVectorStore{client: client}
}

// Search retrieves the top chunks for a question, optionally restricted
// to the given knowledge bases. Results arrive best-first; CRM metadata
// is normalized at this boundary.
func (s *WeaviateVectorStore) Search(ctx context.Context, question string, kbIDs []string, limit int) ([]datatypes.ScoredChunk, error) {
	ctx, span := tracer.Start(ctx, "WeaviateVectorStore.Search")
	defer span.End()
	span.SetAttributes(
		attribute.Int("kb_count", len(kbIDs)),
		attribute.Int("limit", limit),
	)

	if limit <= 0 {
		limit = 10
	}

	fields := []graphql.Field{
		{Name: "text"},
		{Name: "document_id"},
		{Name: "document_name"},
		{Name: "source_uri"},
		{Name: "crm_category"},
		{Name: "opportunity_id"},
		{Name: "account_id"},
		{Name: "contact_id"},
		{Name: "unique_id"},
		{Name: "knowledge_base"},
		{Name: "_additional", Fields: []graphql.Field{
			{Name: "id"},
			{Name: "certainty"},
			{Name: "distance"},
		}},
	}

	nearText := s.client.GraphQL().NearTextArgBuilder().
		WithConcepts([]string{question})

	query := s.client.GraphQL().Get().
		WithClassName(chunkClassName).
		WithNearText(nearText).
		WithLimit(limit).
		WithFields(fields...)

	if len(kbIDs) > 0 {
		query = query.WithWhere(kbFilter(kbIDs))
	}

	resp, err := query.Do(ctx)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("chunk search: %w", err)
	}
	if len(resp.Errors) > 0 {
		err := fmt.Errorf("chunk search graphql: %s", resp.Errors[0].Message)
		span.RecordError(err)
		return nil, err
	}

	parsed, err := datatypes.ParseGraphQLResponse[datatypes.ChunkQueryResponse](resp)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("parse chunk response: %w", err)
	}

	chunks := make([]datatypes.ScoredChunk, 0, len(parsed.Get.KnowledgeChunk))
	for _, hit := range parsed.Get.KnowledgeChunk {
		chunks = append(chunks, hit.ToScoredChunk())
	}

	span.SetAttributes(attribute.Int("chunks", len(chunks)))
	slog.Debug("chunk search complete", "chunks", len(chunks))
	return chunks, nil
}

// kbFilter builds the knowledge-base membership filter.
func kbFilter(kbIDs []string) *filters.WhereBuilder {
	if len(kbIDs) == 1 {
		return filters.Where().
			WithPath([]string{"knowledge_base"}).
			WithOperator(filters.Equal).
			WithValueString(kbIDs[0])
	}

	operands := make([]*filters.WhereBuilder, 0, len(kbIDs))
	for _, id := range kbIDs {
		operands = append(operands, filters.Where().
			WithPath([]string{"knowledge_base"}).
			WithOperator(filters.Equal).
			WithValueString(id))
	}
	return filters.Where().WithOperator(filters.Or).WithOperands(operands)
}

// =============================================================================
// Document Metadata Lookup
// =============================================================================

// documentClassName is the Weaviate class holding per-document metadata.
const documentClassName = "KnowledgeDocument"

// FetchDocumentMeta batch-fetches metadata for the given document ids in
// a single query. Missing documents are simply absent from the result.
func (s *WeaviateVectorStore) FetchDocumentMeta(ctx context.Context, documentIDs []string) (map[string]datatypes.DocumentMeta, error) {
	ctx, span := tracer.Start(ctx, "WeaviateVectorStore.FetchDocumentMeta")
	defer span.End()
	span.SetAttributes(attribute.Int("documents", len(documentIDs)))

	meta := make(map[string]datatypes.DocumentMeta, len(documentIDs))
	if len(documentIDs) == 0 {
		return meta, nil
	}

	operands := make([]*filters.WhereBuilder, 0, len(documentIDs))
	for _, id := range documentIDs {
		operands = append(operands, filters.Where().
			WithPath([]string{"document_id"}).
			WithOperator(filters.Equal).
			WithValueString(id))
	}

	fields := []graphql.Field{
		{Name: "document_id"},
		{Name: "name"},
		{Name: "source_uri"},
		{Name: "account_id"},
	}

	resp, err := s.client.GraphQL().Get().
		WithClassName(documentClassName).
		WithWhere(filters.Where().WithOperator(filters.Or).WithOperands(operands)).
		WithLimit(len(documentIDs)).
		WithFields(fields...).
		Do(ctx)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("document metadata query: %w", err)
	}

	parsed, err := datatypes.ParseGraphQLResponse[datatypes.DocumentMetaQueryResponse](resp)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("parse document metadata: %w", err)
	}

	for _, row := range parsed.Get.KnowledgeDocument {
		meta[row.DocumentID] = datatypes.DocumentMeta{
			DocumentID: row.DocumentID,
			Name:       row.Name,
			SourceURI:  row.SourceURI,
			AccountID:  row.AccountID,
		}
	}
	return meta, nil
}
