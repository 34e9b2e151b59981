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

import (
	"encoding/json"
	"fmt"

	"github.com/weaviate/weaviate/entities/models"
)

// =============================================================================
// Generic GraphQL Response Parser
// =============================================================================

// ParseGraphQLResponse parses a Weaviate GraphQL response into the target type.
//
// # Description
//
// Encapsulates the marshal/unmarshal pattern required to convert Weaviate's
// dynamic response (map[string]models.JSONObject) into a strongly-typed Go
// struct. The target type T must have json tags matching the expected
// response shape.
//
// # Type Parameters
//
//   - T: The target struct type with json tags matching the response shape.
//
// # Inputs
//
//   - resp: The GraphQL response from the Weaviate client's Do() method.
//
// # Outputs
//
//   - *T: Pointer to the parsed struct.
//   - error: Non-nil if the response is nil or parsing fails.
//
// # Limitations
//
//   - Type mismatches produce zero values, not errors.
//
// # Assumptions
//
//   - The response Data field is JSON-marshalable.
func ParseGraphQLResponse[T any](resp *models.GraphQLResponse) (*T, error) {
	if resp == nil {
		return nil, fmt.Errorf("nil GraphQL response")
	}

	respBytes, err := json.Marshal(resp.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal GraphQL response data: %w", err)
	}

	var result T
	if err := json.Unmarshal(respBytes, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal into target type: %w", err)
	}

	return &result, nil
}

// =============================================================================
// Turn Row Query Types
// =============================================================================

// TurnRowQueryResponse is the response shape for TurnRow class queries.
type TurnRowQueryResponse struct {
	Get struct {
		TurnRow []TurnRowResult `json:"TurnRow"`
	} `json:"Get"`
}

// TurnRowResult is a single persisted turn row from a query.
type TurnRowResult struct {
	ChatID     string `json:"chat_id"`
	Role       string `json:"role"`
	Content    string `json:"content"`
	Goal       string `json:"goal"`
	Lang       string `json:"lang"`
	Timestamp  int64  `json:"timestamp"`
	FinishedAt int64  `json:"finished_at"`
	Additional struct {
		ID string `json:"id"`
	} `json:"_additional"`
}

// ChatQueryResponse is the response shape for Chat class existence checks.
type ChatQueryResponse struct {
	Get struct {
		Chat []ChatResult `json:"Chat"`
	} `json:"Get"`
}

// ChatResult is a single chat head row.
type ChatResult struct {
	ChatID     string `json:"chat_id"`
	Title      string `json:"title"`
	EngineName string `json:"engine_name"`
	Additional struct {
		ID string `json:"id"`
	} `json:"_additional"`
}

// ChunkQueryResponse is the response shape for vector search over the
// KnowledgeChunk class.
type ChunkQueryResponse struct {
	Get struct {
		KnowledgeChunk []ChunkResult `json:"KnowledgeChunk"`
	} `json:"Get"`
}

// ChunkResult is one vector-search hit as returned by Weaviate.
type ChunkResult struct {
	Text          string `json:"text"`
	DocumentID    string `json:"document_id"`
	DocumentName  string `json:"document_name"`
	SourceURI     string `json:"source_uri"`
	CRMCategory   string `json:"crm_category"`
	OpportunityID string `json:"opportunity_id"`
	AccountID     string `json:"account_id"`
	ContactID     string `json:"contact_id"`
	UniqueID      string `json:"unique_id"`
	KnowledgeBase string `json:"knowledge_base"`
	Additional    struct {
		ID        string   `json:"id"`
		Certainty *float32 `json:"certainty"`
		Distance  *float32 `json:"distance"`
	} `json:"_additional"`
}

// ToScoredChunk converts a raw query hit into the typed chunk model,
// normalizing the CRM category at the store boundary.
func (c ChunkResult) ToScoredChunk() ScoredChunk {
	score := 0.0
	if c.Additional.Certainty != nil {
		score = float64(*c.Additional.Certainty)
	} else if c.Additional.Distance != nil {
		score = 1.0 - float64(*c.Additional.Distance)
	}

	meta := CRMMeta{
		Category:      CRMType(c.CRMCategory),
		OpportunityID: c.OpportunityID,
		AccountID:     c.AccountID,
		ContactID:     c.ContactID,
		UniqueID:      c.UniqueID,
		DocumentID:    c.DocumentID,
	}.Normalize()

	return ScoredChunk{
		ID:         c.Additional.ID,
		Text:       c.Text,
		Score:      score,
		DocumentID: c.DocumentID,
		Meta:       meta,
	}
}

// DocumentMetaQueryResponse is the response shape for document metadata
// lookups used by chunk authorization.
type DocumentMetaQueryResponse struct {
	Get struct {
		KnowledgeDocument []DocumentMetaResult `json:"KnowledgeDocument"`
	} `json:"Get"`
}

// DocumentMetaResult is one document metadata row.
type DocumentMetaResult struct {
	DocumentID string `json:"document_id"`
	Name       string `json:"name"`
	SourceURI  string `json:"source_uri"`
	AccountID  string `json:"account_id"`
}
