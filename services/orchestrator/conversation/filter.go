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
	"github.com/relatia-ai/relatia/services/orchestrator/datatypes"
)

// =============================================================================
// Authorization Filters
// =============================================================================
//
// All three filters are pure: they never mutate their inputs and are
// deterministic given (items, authority, document metadata). A non-admin
// caller with an empty authority gets an empty result without any
// per-item check. Otherwise an item is visible iff it is not
// CRM-categorized, or the caller holds a grant for one of the item's
// type-specific id fields, or the caller holds an ACCOUNT grant for the
// item's owning document's account.
//
// The account check runs before the type-specific check: owning the
// account grants visibility into all its deals. The reverse implication
// (opportunity grant widening to the account) does not hold.

// crmIDFields returns the identifying id fields consulted for a category,
// in check order.
func crmIDFields(meta datatypes.CRMMeta) []string {
	switch meta.Category {
	case datatypes.CRMTypeOpportunity:
		return []string{meta.OpportunityID, meta.UniqueID}
	case datatypes.CRMTypeAccount:
		return []string{meta.AccountID, meta.UniqueID}
	case datatypes.CRMTypeContact:
		return []string{meta.ContactID, meta.UniqueID}
	default:
		// Generic CRM items carry no per-record identity and only become
		// visible through the owning document's account.
		return nil
	}
}

// itemAuthorized decides visibility for one CRM-categorized item.
// docAccounts maps document id to owning account id and may be nil.
func itemAuthorized(auth Authority, meta datatypes.CRMMeta, docAccounts map[string]string) bool {
	// Account precedence: a grant on the owning account authorizes the
	// item regardless of its own category.
	if accountID := meta.AccountID; accountID != "" &&
		auth.AuthorizedItems[datatypes.CRMTypeAccount].Contains(accountID) {
		return true
	}
	if meta.DocumentID != "" && docAccounts != nil {
		if accountID := docAccounts[meta.DocumentID]; accountID != "" &&
			auth.AuthorizedItems[datatypes.CRMTypeAccount].Contains(accountID) {
			return true
		}
	}

	for _, id := range crmIDFields(meta) {
		if id != "" && auth.AuthorizedItems[meta.Category].Contains(id) {
			return true
		}
	}
	return false
}

// FilterEntities returns the entities the authority permits.
//
// Admin short-circuits to the full input (copied); an empty non-admin
// authority short-circuits to an empty slice before any per-item check.
func FilterEntities(auth Authority, entities []datatypes.Entity, docAccounts map[string]string) []datatypes.Entity {
	if auth.IsAdmin() {
		return append([]datatypes.Entity(nil), entities...)
	}
	if auth.IsEmpty() {
		return []datatypes.Entity{}
	}
	out := make([]datatypes.Entity, 0, len(entities))
	for _, e := range entities {
		if !e.Meta.IsCRM() {
			out = append(out, e)
			continue
		}
		if itemAuthorized(auth, e.Meta, docAccounts) {
			out = append(out, e)
		}
	}
	return out
}

// FilterRelationships returns the relationships the authority permits.
func FilterRelationships(auth Authority, rels []datatypes.Relationship, docAccounts map[string]string) []datatypes.Relationship {
	if auth.IsAdmin() {
		return append([]datatypes.Relationship(nil), rels...)
	}
	if auth.IsEmpty() {
		return []datatypes.Relationship{}
	}
	out := make([]datatypes.Relationship, 0, len(rels))
	for _, r := range rels {
		if !r.Meta.IsCRM() {
			out = append(out, r)
			continue
		}
		if itemAuthorized(auth, r.Meta, docAccounts) {
			out = append(out, r)
		}
	}
	return out
}

// FilterChunks returns the chunks the authority permits. Similarity order
// is preserved.
func FilterChunks(auth Authority, chunks []datatypes.ScoredChunk, docAccounts map[string]string) []datatypes.ScoredChunk {
	if auth.IsAdmin() {
		return append([]datatypes.ScoredChunk(nil), chunks...)
	}
	if auth.IsEmpty() {
		return []datatypes.ScoredChunk{}
	}
	out := make([]datatypes.ScoredChunk, 0, len(chunks))
	for _, c := range chunks {
		if !c.Meta.IsCRM() {
			out = append(out, c)
			continue
		}
		if itemAuthorized(auth, c.Meta, docAccounts) {
			out = append(out, c)
		}
	}
	return out
}

// FilterGraph applies entity and relationship filtering to a retrieval
// result, returning a new result.
func FilterGraph(auth Authority, graph datatypes.KnowledgeGraphRetrievalResult, docAccounts map[string]string) datatypes.KnowledgeGraphRetrievalResult {
	return datatypes.KnowledgeGraphRetrievalResult{
		Entities:      FilterEntities(auth, graph.Entities, docAccounts),
		Relationships: FilterRelationships(auth, graph.Relationships, docAccounts),
	}
}

// CollectDocumentIDs gathers the distinct document ids referenced by
// CRM-categorized items so callers can batch the metadata lookup needed
// for account precedence checks.
func CollectDocumentIDs(graph datatypes.KnowledgeGraphRetrievalResult, chunks []datatypes.ScoredChunk) []string {
	seen := map[string]bool{}
	var ids []string
	add := func(meta datatypes.CRMMeta) {
		if meta.IsCRM() && meta.DocumentID != "" && !seen[meta.DocumentID] {
			seen[meta.DocumentID] = true
			ids = append(ids, meta.DocumentID)
		}
	}
	for _, e := range graph.Entities {
		add(e.Meta)
	}
	for _, r := range graph.Relationships {
		add(r.Meta)
	}
	for _, c := range chunks {
		add(c.Meta)
	}
	return ids
}
