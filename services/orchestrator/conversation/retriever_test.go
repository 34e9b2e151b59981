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
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relatia-ai/relatia/services/orchestrator/datatypes"
)

// perKBGraphStore returns a distinct result per knowledge base id.
type perKBGraphStore struct {
	mu      sync.Mutex
	results map[string]datatypes.KnowledgeGraphRetrievalResult
	errs    map[string]error
	queried []string
}

func (s *perKBGraphStore) Query(_ context.Context, _ string, kbIDs []string) (datatypes.KnowledgeGraphRetrievalResult, error) {
	kb := ""
	if len(kbIDs) > 0 {
		kb = kbIDs[0]
	}
	s.mu.Lock()
	s.queried = append(s.queried, kb)
	s.mu.Unlock()
	if err := s.errs[kb]; err != nil {
		return datatypes.KnowledgeGraphRetrievalResult{}, err
	}
	return s.results[kb], nil
}

func drainAll[T any](t *testing.T, sub *Subpipeline[T]) T {
	t.Helper()
	result, err := Drain(sub, func(StageUpdate) error { return nil })
	require.NoError(t, err)
	return result
}

func TestKGRetriever_FansOutPerKnowledgeBase(t *testing.T) {
	store := &perKBGraphStore{
		results: map[string]datatypes.KnowledgeGraphRetrievalResult{
			"kb-a": {Entities: []datatypes.Entity{{ID: "e1", Name: "Acme"}}},
			"kb-b": {Entities: []datatypes.Entity{{ID: "e2", Name: "Jericho"}}},
		},
	}
	retriever := NewKGRetriever(store)

	sub := retriever.Retrieve(t.Context(), "q", []string{"kb-a", "kb-b"})
	graph := drainAll(t, sub)

	assert.Len(t, graph.Entities, 2)
	assert.ElementsMatch(t, []string{"kb-a", "kb-b"}, store.queried)
}

func TestKGRetriever_StoreFailureDegradesToEmpty(t *testing.T) {
	store := &perKBGraphStore{
		results: map[string]datatypes.KnowledgeGraphRetrievalResult{
			"kb-ok": {Entities: []datatypes.Entity{{ID: "e1"}}},
		},
		errs: map[string]error{"kb-bad": errors.New("unreachable")},
	}
	retriever := NewKGRetriever(store)

	sub := retriever.Retrieve(t.Context(), "q", []string{"kb-ok", "kb-bad"})
	graph := drainAll(t, sub)

	// The failing knowledge base contributes nothing; the rest survive.
	require.Len(t, graph.Entities, 1)
	assert.Equal(t, "e1", graph.Entities[0].ID)
}

func TestKGRetriever_NoKnowledgeBasesQueriesOnce(t *testing.T) {
	store := &perKBGraphStore{}
	retriever := NewKGRetriever(store)

	sub := retriever.Retrieve(t.Context(), "q", nil)
	drainAll(t, sub)

	assert.Equal(t, []string{""}, store.queried)
}

func TestFuseGraphs_DeduplicatesEntities(t *testing.T) {
	fused := fuseGraphs([]datatypes.KnowledgeGraphRetrievalResult{
		{Entities: []datatypes.Entity{{ID: "e1", Name: "Acme"}, {ID: "e2"}}},
		{Entities: []datatypes.Entity{{ID: "e1", Name: "Acme duplicate"}}},
	})

	require.Len(t, fused.Entities, 2)
	// First occurrence wins.
	assert.Equal(t, "Acme", fused.Entities[0].Name)
}

func TestFuseGraphs_SumsDuplicateRelationshipWeights(t *testing.T) {
	fused := fuseGraphs([]datatypes.KnowledgeGraphRetrievalResult{
		{Relationships: []datatypes.Relationship{
			{Description: "A works with B", Weight: 1.5},
		}},
		{Relationships: []datatypes.Relationship{
			{Description: "A works with B", Weight: 2.0},
			{Description: "B owns C", Weight: 1.0},
		}},
	})

	require.Len(t, fused.Relationships, 2)
	assert.InDelta(t, 3.5, fused.Relationships[0].Weight, 1e-9)
	assert.InDelta(t, 1.0, fused.Relationships[1].Weight, 1e-9)
}

func TestChunkRetriever_PropagatesSearchError(t *testing.T) {
	vector := &fakeVectorStore{err: errors.New("weaviate down")}
	retriever := NewChunkRetriever(vector)

	sub := retriever.Retrieve(t.Context(), "q", nil, 10)
	result := drainAll(t, sub)

	require.Error(t, result.err)
	assert.Nil(t, result.chunks)
}

func TestChunkRetriever_ReturnsChunks(t *testing.T) {
	vector := &fakeVectorStore{chunks: []datatypes.ScoredChunk{
		{ID: "c1", Score: 0.9},
		{ID: "c2", Score: 0.7},
	}}
	retriever := NewChunkRetriever(vector)

	sub := retriever.Retrieve(t.Context(), "q", []string{"kb"}, 10)

	var displays []string
	result, err := Drain(sub, func(update StageUpdate) error {
		displays = append(displays, update.Display)
		return nil
	})

	require.NoError(t, err)
	require.NoError(t, result.err)
	assert.Len(t, result.chunks, 2)
	assert.Contains(t, displays, "Found 2 candidate chunks")
}
