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
	"context"
	"log"
	"log/slog"

	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate/entities/models"
)

func GetChatSchema() *models.Class {
	indexFilterable := new(bool)
	*indexFilterable = true

	return &models.Class{
		Class:       "Chat",
		Description: "A chat session head row.",
		Vectorizer:  "none",
		InvertedIndexConfig: &models.InvertedIndexConfig{
			IndexNullState:  true,
			IndexTimestamps: true,
		},
		Properties: []*models.Property{
			{
				Name:            "chat_id",
				DataType:        []string{"text"},
				Description:     "The unique ID of the chat session.",
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
			},
			{
				Name:            "user_id",
				DataType:        []string{"text"},
				Description:     "The owner of the chat session.",
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
			},
			{
				Name:            "created_at",
				DataType:        []string{"number"},
				Description:     "Unix milliseconds when the chat was created.",
				IndexFilterable: indexFilterable,
			},
		},
	}
}

func GetTurnRowSchema() *models.Class {
	indexFilterable := new(bool)
	*indexFilterable = true

	return &models.Class{
		Class:       "TurnRow",
		Description: "One message row of a conversation turn. A turn is a user row and an assistant row sharing a pair_id.",
		Vectorizer:  "none",
		InvertedIndexConfig: &models.InvertedIndexConfig{
			IndexNullState:  true,
			IndexTimestamps: true,
		},
		Properties: []*models.Property{
			{
				Name:            "chat_id",
				DataType:        []string{"text"},
				Description:     "The chat session this row belongs to.",
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
			},
			{
				Name:            "pair_id",
				DataType:        []string{"text"},
				Description:     "Shared id linking the user row and the assistant row of one turn.",
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
			},
			{
				Name:            "role",
				DataType:        []string{"text"},
				Description:     "Either 'user' or 'assistant'.",
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
			},
			{
				Name:         "content",
				DataType:     []string{"text"},
				Description:  "The message text.",
				Tokenization: "word",
			},
			{
				Name:            "goal",
				DataType:        []string{"text"},
				Description:     "Normalized execution goal (external mode only). Goal cache lookup key.",
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
			},
			{
				Name:            "lang",
				DataType:        []string{"text"},
				Description:     "Response language of the answer (external mode only).",
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
			},
			{
				Name:        "task_id",
				DataType:    []string{"text"},
				Description: "Execution engine task id (external mode only).",
			},
			{
				Name:        "trace_url",
				DataType:    []string{"text"},
				Description: "Link to the execution trace of this turn.",
			},
			{
				Name:        "post_verification_url",
				DataType:    []string{"text"},
				Description: "Link to the verification job for this answer.",
			},
			{
				Name:        "graph_data",
				DataType:    []string{"text"},
				Description: "JSON-encoded knowledge graph retrieval result.",
			},
			{
				Name:        "sources",
				DataType:    []string{"text"},
				Description: "JSON-encoded source document list.",
			},
			{
				Name:            "timestamp",
				DataType:        []string{"number"},
				Description:     "Unix milliseconds when the turn started. Sort key for recency scans.",
				IndexFilterable: indexFilterable,
			},
			{
				Name:            "updated_at",
				DataType:        []string{"number"},
				Description:     "Unix milliseconds of the last write to this row.",
				IndexFilterable: indexFilterable,
			},
			{
				Name:            "finished_at",
				DataType:        []string{"number"},
				Description:     "Unix milliseconds when the turn committed. 0 = still running or abandoned.",
				IndexFilterable: indexFilterable,
			},
		},
	}
}

func GetKnowledgeChunkSchema() *models.Class {
	indexFilterable := new(bool)
	*indexFilterable = true

	return &models.Class{
		Class:       "KnowledgeChunk",
		Description: "An indexed text chunk with its CRM ownership metadata.",
		InvertedIndexConfig: &models.InvertedIndexConfig{
			IndexNullState:  true,
			IndexTimestamps: true,
		},
		Properties: []*models.Property{
			{
				Name:         "text",
				DataType:     []string{"text"},
				Description:  "The chunk content.",
				Tokenization: "word",
			},
			{
				Name:            "document_id",
				DataType:        []string{"text"},
				Description:     "The document this chunk was cut from.",
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
			},
			{
				Name:         "document_name",
				DataType:     []string{"text"},
				Description:  "Human-readable document title.",
				Tokenization: "word",
			},
			{
				Name:         "source_uri",
				DataType:     []string{"text"},
				Description:  "Where the document came from.",
				Tokenization: "field",
			},
			{
				Name:            "knowledge_base",
				DataType:        []string{"text"},
				Description:     "The knowledge base this chunk is indexed under.",
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
			},
			{
				Name:            "crm_category",
				DataType:        []string{"text"},
				Description:     "CRM category of the chunk (crm_opportunity, crm_account, crm_contact, crm). Empty for non-CRM content.",
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
			},
			{
				Name:            "opportunity_id",
				DataType:        []string{"text"},
				Description:     "Owning opportunity, when crm_category is crm_opportunity.",
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
			},
			{
				Name:            "account_id",
				DataType:        []string{"text"},
				Description:     "Owning account. Grants access via account precedence.",
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
			},
			{
				Name:            "contact_id",
				DataType:        []string{"text"},
				Description:     "Owning contact, when crm_category is crm_contact.",
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
			},
			{
				Name:            "unique_id",
				DataType:        []string{"text"},
				Description:     "Category-agnostic CRM item id.",
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
			},
		},
	}
}

func GetKnowledgeDocumentSchema() *models.Class {
	indexFilterable := new(bool)
	*indexFilterable = true

	return &models.Class{
		Class:       "KnowledgeDocument",
		Description: "Per-document metadata used for source display and account-precedence authorization.",
		Vectorizer:  "none",
		InvertedIndexConfig: &models.InvertedIndexConfig{
			IndexNullState:  true,
			IndexTimestamps: true,
		},
		Properties: []*models.Property{
			{
				Name:            "document_id",
				DataType:        []string{"text"},
				Description:     "The unique ID of the document.",
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
			},
			{
				Name:         "name",
				DataType:     []string{"text"},
				Description:  "Human-readable document title.",
				Tokenization: "word",
			},
			{
				Name:         "source_uri",
				DataType:     []string{"text"},
				Description:  "Where the document came from.",
				Tokenization: "field",
			},
			{
				Name:            "account_id",
				DataType:        []string{"text"},
				Description:     "Owning account, when the document belongs to one.",
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
			},
		},
	}
}

func EnsureWeaviateSchema(client *weaviate.Client) {
	// A list of functions that return our schema definitions.
	schemaGetters := []func() *models.Class{
		GetChatSchema,
		GetTurnRowSchema,
		GetKnowledgeChunkSchema,
		GetKnowledgeDocumentSchema,
	}

	for _, getSchema := range schemaGetters {
		class := getSchema()
		slog.Info("Checking schema", "class", class.Class)

		// Check if the class already exists.
		_, err := client.Schema().ClassGetter().WithClassName(class.Class).Do(context.Background())
		if err != nil {
			// If it doesn't exist, the client returns an error. We can now create it.
			slog.Info("Schema not found, creating it...", "class", class.Class)
			err := client.Schema().ClassCreator().WithClass(class).Do(context.Background())
			if err != nil {
				// If we fail to create it, it's a fatal error.
				log.Fatalf("Failed to create schema for class %s: %v", class.Class, err)
			}
			slog.Info("Successfully created schema", "class", class.Class)
		} else {
			slog.Info("Schema already exists", "class", class.Class)
		}
	}
}
