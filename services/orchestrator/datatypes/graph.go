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
// CRM Typing
// =============================================================================

// CRMType labels knowledge items that originate from CRM records. Items
// without a CRMType are general knowledge and are always visible; items
// carrying one are subject to per-caller authorization filtering.
type CRMType string

const (
	CRMTypeOpportunity CRMType = "crm_opportunity"
	CRMTypeAccount     CRMType = "crm_account"
	CRMTypeContact     CRMType = "crm_contact"

	// CRMTypeGeneric marks CRM-derived items that carry no specific record
	// identity. They are filterable but match no per-id allow set.
	CRMTypeGeneric CRMType = "crm"
)

// KnownCRMTypes is the closed set of recognized CRM categories.
var KnownCRMTypes = map[CRMType]bool{
	CRMTypeOpportunity: true,
	CRMTypeAccount:     true,
	CRMTypeContact:     true,
	CRMTypeGeneric:     true,
}

// CRMMeta is the typed metadata attached to graph items and chunks.
//
// # Description
//
// CRMMeta replaces the loose string-keyed metadata maps of the upstream
// stores with an explicit struct validated at the store boundary. Category
// is empty for non-CRM items; the identifying id fields are optional and
// which of them is consulted depends on the category (see the
// conversation package filter rules).
//
// # Thread Safety
//
// CRMMeta is a value type; copies are independent.
type CRMMeta struct {
	Category      CRMType `json:"category,omitempty"`
	OpportunityID string  `json:"opportunity_id,omitempty"`
	AccountID     string  `json:"account_id,omitempty"`
	ContactID     string  `json:"contact_id,omitempty"`
	UniqueID      string  `json:"unique_id,omitempty"`

	// DocumentID links the item back to its owning source document. Used
	// both for source attribution and for account-level authorization
	// lookups.
	DocumentID string `json:"document_id,omitempty"`
}

// IsCRM reports whether the item is CRM-categorized and therefore subject
// to authorization filtering.
func (m CRMMeta) IsCRM() bool {
	return m.Category != "" && KnownCRMTypes[m.Category]
}

// Normalize clears unrecognized categories so that items tagged with an
// unknown category degrade to general (always visible) knowledge. Store
// clients call this once at the response boundary.
func (m CRMMeta) Normalize() CRMMeta {
	if m.Category != "" && !KnownCRMTypes[m.Category] {
		m.Category = ""
	}
	return m
}

// =============================================================================
// Knowledge Graph Model
// =============================================================================

// Entity is a node of the retrieved knowledge graph.
type Entity struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	Description string  `json:"description"`
	Meta        CRMMeta `json:"meta"`
}

// Relationship is an edge of the retrieved knowledge graph. Weight is a
// relevance score accumulated during result fusion.
type Relationship struct {
	SourceID       string    `json:"source_id"`
	TargetID       string    `json:"target_id"`
	Description    string    `json:"description"`
	Weight         float64   `json:"weight"`
	LastModifiedAt time.Time `json:"last_modified_at,omitempty"`
	Meta           CRMMeta   `json:"meta"`
}

// KnowledgeGraphRetrievalResult is the typed output of knowledge graph
// retrieval. A zero value is a valid "nothing found" result; the pipeline
// degrades to it whenever the graph store is unavailable.
type KnowledgeGraphRetrievalResult struct {
	Entities      []Entity       `json:"entities"`
	Relationships []Relationship `json:"relationships"`
}

// IsEmpty reports whether the retrieval produced no usable graph.
func (r KnowledgeGraphRetrievalResult) IsEmpty() bool {
	return len(r.Entities) == 0 && len(r.Relationships) == 0
}

// =============================================================================
// Chunks and Sources
// =============================================================================

// ScoredChunk is one vector-search hit with its similarity score and the
// metadata needed for source attribution and authorization filtering.
type ScoredChunk struct {
	ID         string  `json:"id"`
	Text       string  `json:"text"`
	Score      float64 `json:"score"`
	DocumentID string  `json:"document_id"`
	Meta       CRMMeta `json:"meta"`
}

// SourceDocument identifies a document that grounded the answer. Derived
// from chunk metadata, deduplicated by id, ordered by similarity rank.
type SourceDocument struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	SourceURI string `json:"source_uri,omitempty"`
}

// DocumentMeta is the per-document metadata consulted when a chunk's own
// fields are insufficient for authorization (account ownership lookups).
type DocumentMeta struct {
	DocumentID string `json:"document_id"`
	Name       string `json:"name"`
	SourceURI  string `json:"source_uri,omitempty"`
	AccountID  string `json:"account_id,omitempty"`
}

// SourceDocumentsFromChunks resolves the ordered, deduplicated source list
// for a ranked chunk slice.
//
// # Description
//
// Chunks arrive sorted by similarity. The first chunk referencing a
// document fixes that document's position in the output, so the source
// list preserves similarity order while holding each document once.
// Documents without resolvable metadata fall back to their id as the name.
//
// # Inputs
//
//   - chunks: Ranked chunks, best first.
//   - meta: Document metadata by document id. May be missing entries.
//
// # Outputs
//
//   - []SourceDocument: Deduplicated sources in similarity order.
func SourceDocumentsFromChunks(chunks []ScoredChunk, meta map[string]DocumentMeta) []SourceDocument {
	seen := make(map[string]bool, len(chunks))
	sources := make([]SourceDocument, 0, len(chunks))

	for _, chunk := range chunks {
		docID := chunk.DocumentID
		if docID == "" || seen[docID] {
			continue
		}
		seen[docID] = true

		doc := SourceDocument{ID: docID, Name: docID}
		if m, ok := meta[docID]; ok {
			if m.Name != "" {
				doc.Name = m.Name
			}
			doc.SourceURI = m.SourceURI
		}
		sources = append(sources, doc)
	}

	return sources
}
