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
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"go.opentelemetry.io/otel/attribute"

	"github.com/relatia-ai/relatia/services/orchestrator/conversation"
	"github.com/relatia-ai/relatia/services/orchestrator/datatypes"
)

// =============================================================================
// Document Metadata Cache
// =============================================================================

// docMetaTTL bounds staleness of cached document metadata. Ownership
// changes (an account reassignment) become visible within this window.
const docMetaTTL = 5 * time.Minute

// DocumentMetaCache caches document metadata lookups in an in-memory
// Badger store.
//
// # Description
//
// Chunk authorization may need one metadata row per chunk. The cache
// keeps the per-turn cost bounded: each batch first drains from Badger,
// then fetches only the misses from the underlying store in one call and
// writes them back with a TTL. Cache failures degrade to direct fetches;
// they never fail a lookup.
//
// # Thread Safety
//
// Safe for concurrent use; Badger transactions provide isolation.
type DocumentMetaCache struct {
	db    *badger.DB
	inner conversation.DocumentMetaLookup
}

// NewDocumentMetaCache wraps inner with an in-memory cache.
func NewDocumentMetaCache(inner conversation.DocumentMetaLookup) (*DocumentMetaCache, error) {
	if inner == nil {
		panic("NewDocumentMetaCache: nil inner lookup")
	}

	opts := badger.DefaultOptions("").WithInMemory(true).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open metadata cache: %w", err)
	}
	return &DocumentMetaCache{db: db, inner: inner}, nil
}

var _ conversation.DocumentMetaLookup = (*DocumentMetaCache)(nil)

// Close releases the cache store.
func (c *DocumentMetaCache) Close() error {
	return c.db.Close()
}

func cacheKey(documentID string) []byte {
	return []byte("docmeta/" + documentID)
}

// FetchDocumentMeta returns metadata for all ids, serving from cache
// where possible and batch-fetching the rest.
func (c *DocumentMetaCache) FetchDocumentMeta(ctx context.Context, documentIDs []string) (map[string]datatypes.DocumentMeta, error) {
	ctx, span := tracer.Start(ctx, "DocumentMetaCache.FetchDocumentMeta")
	defer span.End()

	meta := make(map[string]datatypes.DocumentMeta, len(documentIDs))
	var misses []string

	err := c.db.View(func(txn *badger.Txn) error {
		for _, id := range documentIDs {
			item, err := txn.Get(cacheKey(id))
			if errors.Is(err, badger.ErrKeyNotFound) {
				misses = append(misses, id)
				continue
			}
			if err != nil {
				return err
			}
			err = item.Value(func(val []byte) error {
				var m datatypes.DocumentMeta
				if err := json.Unmarshal(val, &m); err != nil {
					return err
				}
				meta[id] = m
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		// Degrade to a full fetch.
		slog.Warn("metadata cache read failed", "error", err)
		meta = make(map[string]datatypes.DocumentMeta, len(documentIDs))
		misses = documentIDs
	}

	span.SetAttributes(
		attribute.Int("requested", len(documentIDs)),
		attribute.Int("cache_hits", len(documentIDs)-len(misses)),
	)

	if len(misses) == 0 {
		return meta, nil
	}

	fetched, err := c.inner.FetchDocumentMeta(ctx, misses)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	for id, m := range fetched {
		meta[id] = m
	}

	if err := c.store(fetched); err != nil {
		slog.Warn("metadata cache write failed", "error", err)
	}
	return meta, nil
}

func (c *DocumentMetaCache) store(fetched map[string]datatypes.DocumentMeta) error {
	return c.db.Update(func(txn *badger.Txn) error {
		for id, m := range fetched {
			val, err := json.Marshal(m)
			if err != nil {
				return err
			}
			entry := badger.NewEntry(cacheKey(id), val).WithTTL(docMetaTTL)
			if err := txn.SetEntry(entry); err != nil {
				return err
			}
		}
		return nil
	})
}
