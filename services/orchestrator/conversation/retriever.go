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
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/relatia-ai/relatia/services/orchestrator/datatypes"
)

// =============================================================================
// Knowledge Graph Retriever
// =============================================================================

// KGRetriever runs knowledge graph retrieval as a nested sub-pipeline:
// progress updates stream while per-knowledge-base queries fan out, and
// the fused graph arrives as the one-shot result.
//
// The retriever never fails: store errors are logged, the affected
// knowledge base contributes an empty graph, and the turn continues. This
// is the contract the pipeline depends on; graph-store unavailability
// must not hard-fail a turn.
type KGRetriever struct {
	store GraphStore
}

// NewKGRetriever builds a retriever over the given store.
func NewKGRetriever(store GraphStore) *KGRetriever {
	if store == nil {
		panic("NewKGRetriever: nil store")
	}
	return &KGRetriever{store: store}
}

// Retrieve starts the sub-pipeline. The caller drains Updates() and then
// reads Result().
func (r *KGRetriever) Retrieve(ctx context.Context, question string, kbIDs []string) *Subpipeline[datatypes.KnowledgeGraphRetrievalResult] {
	sub := NewSubpipeline[datatypes.KnowledgeGraphRetrievalResult]()

	go func() {
		var fused datatypes.KnowledgeGraphRetrievalResult
		defer func() { sub.Finish(fused) }()

		if err := sub.Emit(ctx, datatypes.StageKGRetrieval,
			"Preparing to execute knowledge graph retrieval"); err != nil {
			return
		}

		if len(kbIDs) == 0 {
			kbIDs = []string{""}
		}
		if err := sub.Emit(ctx, datatypes.StageKGRetrieval,
			fmt.Sprintf("Executing %d knowledge graph retrievals in parallel", len(kbIDs))); err != nil {
			return
		}

		results := make([]datatypes.KnowledgeGraphRetrievalResult, len(kbIDs))
		var mu sync.Mutex
		group, groupCtx := errgroup.WithContext(ctx)
		for i, kbID := range kbIDs {
			group.Go(func() error {
				result, err := r.store.Query(groupCtx, question, []string{kbID})
				if err != nil {
					// Degrade this knowledge base to empty.
					slog.Error("knowledge graph query failed",
						"kb_id", kbID, "error", err)
					return nil
				}
				mu.Lock()
				results[i] = result
				mu.Unlock()
				return nil
			})
		}
		_ = group.Wait()

		fused = fuseGraphs(results)
		if err := sub.Emit(ctx, datatypes.StageKGRetrieval,
			fmt.Sprintf("Retrieval completed and found %d related nodes",
				len(fused.Entities)+len(fused.Relationships))); err != nil {
			fused = datatypes.KnowledgeGraphRetrievalResult{}
			return
		}
		if err := sub.Emit(ctx, datatypes.StageKGRetrieval,
			"Organizing and processing knowledge graph information"); err != nil {
			fused = datatypes.KnowledgeGraphRetrievalResult{}
			return
		}
	}()

	return sub
}

// fuseGraphs merges per-knowledge-base results: entities are deduplicated
// by id, relationships are keyed by description with weights summed on
// duplicates.
func fuseGraphs(results []datatypes.KnowledgeGraphRetrievalResult) datatypes.KnowledgeGraphRetrievalResult {
	var fused datatypes.KnowledgeGraphRetrievalResult

	seenEntities := map[string]bool{}
	relIndex := map[string]int{}

	for _, result := range results {
		for _, e := range result.Entities {
			if seenEntities[e.ID] {
				continue
			}
			seenEntities[e.ID] = true
			fused.Entities = append(fused.Entities, e)
		}
		for _, rel := range result.Relationships {
			if idx, ok := relIndex[rel.Description]; ok {
				fused.Relationships[idx].Weight += rel.Weight
				continue
			}
			relIndex[rel.Description] = len(fused.Relationships)
			fused.Relationships = append(fused.Relationships, rel)
		}
	}

	return fused
}

// =============================================================================
// Chunk Retriever
// =============================================================================

// chunkResult carries the chunk retrieval outcome. Unlike graph
// retrieval, chunk retrieval failures are fatal for the turn, so the
// error travels with the result.
type chunkResult struct {
	chunks []datatypes.ScoredChunk
	err    error
}

// ChunkRetriever runs vector search as a nested sub-pipeline.
type ChunkRetriever struct {
	store VectorStore
}

// NewChunkRetriever builds a retriever over the given store.
func NewChunkRetriever(store VectorStore) *ChunkRetriever {
	if store == nil {
		panic("NewChunkRetriever: nil store")
	}
	return &ChunkRetriever{store: store}
}

// Retrieve starts the sub-pipeline for the refined question.
func (r *ChunkRetriever) Retrieve(ctx context.Context, question string, kbIDs []string, limit int) *Subpipeline[chunkResult] {
	sub := NewSubpipeline[chunkResult]()

	go func() {
		var res chunkResult
		defer func() { sub.Finish(res) }()

		if err := sub.Emit(ctx, datatypes.StageSearchDocs,
			"Retrieving the most relevant documents"); err != nil {
			res.err = err
			return
		}

		chunks, err := r.store.Search(ctx, question, kbIDs, limit)
		if err != nil {
			res.err = fmt.Errorf("vector search: %w", err)
			return
		}
		res.chunks = chunks

		if err := sub.Emit(ctx, datatypes.StageSearchDocs,
			fmt.Sprintf("Found %d candidate chunks", len(chunks))); err != nil {
			res = chunkResult{err: err}
			return
		}
	}()

	return sub
}
