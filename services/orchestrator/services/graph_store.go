// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package services implements the orchestrator's outbound clients: the
// knowledge graph store, the vector store, turn persistence, the CRM
// authority API, the remote answer engine, and post-verification.
package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/relatia-ai/relatia/services/orchestrator/datatypes"
)

var tracer = otel.Tracer("relatia.orchestrator.services")

// =============================================================================
// Store Errors
// =============================================================================

// StoreError carries structured information about a failed store call.
type StoreError struct {
	StatusCode int
	Message    string
	Retryable  bool
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store error (status %d, retryable %t): %s",
		e.StatusCode, e.Retryable, e.Message)
}

// IsRetryable reports whether err is a StoreError worth retrying.
func IsRetryable(err error) bool {
	storeErr, ok := err.(*StoreError)
	return ok && storeErr.Retryable
}

// =============================================================================
// Graph Store Client
// =============================================================================

const (
	maxStoreRetries   = 3
	initialRetryDelay = 1 * time.Second
)

// GraphStoreClient queries the knowledge graph service over HTTP.
//
// # Description
//
// The graph service exposes a single query endpoint returning entities and
// relationships relevant to a question. Transient failures (HTTP 5xx,
// transport errors) are retried with exponential backoff; 4xx responses
// fail immediately. Callers that can degrade do so above this client.
type GraphStoreClient struct {
	baseURL string
	client  *http.Client
}

// NewGraphStoreClient builds a client for the graph service at baseURL.
func NewGraphStoreClient(baseURL string) *GraphStoreClient {
	if baseURL == "" {
		panic("NewGraphStoreClient: empty baseURL")
	}
	return &GraphStoreClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 60 * time.Second},
	}
}

// graphQueryRequest is the wire request for the graph query endpoint.
type graphQueryRequest struct {
	Question       string   `json:"question"`
	KnowledgeBases []string `json:"knowledge_bases"`
}

// graphQueryResponse is the wire response. Meta arrives as the typed CRM
// struct; unknown categories are normalized away at this boundary.
type graphQueryResponse struct {
	Entities      []datatypes.Entity       `json:"entities"`
	Relationships []datatypes.Relationship `json:"relationships"`
}

// Query retrieves the graph relevant to a question.
func (g *GraphStoreClient) Query(ctx context.Context, question string, kbIDs []string) (datatypes.KnowledgeGraphRetrievalResult, error) {
	ctx, span := tracer.Start(ctx, "GraphStoreClient.Query")
	defer span.End()
	span.SetAttributes(attribute.Int("kb_count", len(kbIDs)))

	var result datatypes.KnowledgeGraphRetrievalResult

	delay := initialRetryDelay
	var lastErr error
	for attempt := 1; attempt <= maxStoreRetries; attempt++ {
		resp, err := g.query(ctx, question, kbIDs)
		if err == nil {
			result = g.normalize(resp)
			span.SetAttributes(
				attribute.Int("entities", len(result.Entities)),
				attribute.Int("relationships", len(result.Relationships)),
			)
			return result, nil
		}
		lastErr = err
		if !IsRetryable(err) {
			break
		}

		slog.Warn("graph query failed, retrying",
			"attempt", attempt,
			"max_attempts", maxStoreRetries,
			"delay", delay,
			"error", err,
		)
		select {
		case <-time.After(delay):
			delay *= 2
		case <-ctx.Done():
			return result, ctx.Err()
		}
	}

	span.RecordError(lastErr)
	return result, lastErr
}

// query performs one HTTP round trip.
func (g *GraphStoreClient) query(ctx context.Context, question string, kbIDs []string) (*graphQueryResponse, error) {
	payload, err := json.Marshal(graphQueryRequest{Question: question, KnowledgeBases: kbIDs})
	if err != nil {
		return nil, fmt.Errorf("marshal graph query: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		g.baseURL+"/v1/graph/query", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create graph request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, &StoreError{Message: err.Error(), Retryable: true}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &StoreError{StatusCode: resp.StatusCode, Message: err.Error(), Retryable: true}
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &StoreError{
			StatusCode: resp.StatusCode,
			Message:    string(body),
			Retryable:  resp.StatusCode >= 500,
		}
	}

	var parsed graphQueryResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, &StoreError{StatusCode: resp.StatusCode,
			Message: fmt.Sprintf("decode graph response: %v", err)}
	}
	return &parsed, nil
}

// normalize validates CRM metadata at the store boundary.
func (g *GraphStoreClient) normalize(resp *graphQueryResponse) datatypes.KnowledgeGraphRetrievalResult {
	result := datatypes.KnowledgeGraphRetrievalResult{
		Entities:      resp.Entities,
		Relationships: resp.Relationships,
	}
	for i := range result.Entities {
		result.Entities[i].Meta = result.Entities[i].Meta.Normalize()
	}
	for i := range result.Relationships {
		result.Relationships[i].Meta = result.Relationships[i].Meta.Normalize()
	}
	return result
}
