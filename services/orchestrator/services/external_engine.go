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
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/time/rate"

	"github.com/relatia-ai/relatia/services/orchestrator/conversation"
)

// =============================================================================
// External Engine Client
// =============================================================================

// engineNamespace is the fixed namespace sent with every engine request.
const engineNamespace = "Default"

// maxEngineLineBytes bounds one protocol line. Lines beyond this indicate
// a broken peer.
const maxEngineLineBytes = 1 << 20

// ExternalEngineClient streams answers from the remote execution engine's
// line-based HTTP endpoint.
//
// # Description
//
// The engine answers a goal with a line-delimited stream; each line is
// handed to the caller's callback verbatim for protocol decoding. A
// client-side rate limiter spaces out new streams so a burst of cache
// misses cannot stampede the engine.
type ExternalEngineClient struct {
	streamURL string
	client    *http.Client
	limiter   *rate.Limiter
}

// NewExternalEngineClient builds a client for the engine stream endpoint.
// requestsPerSecond <= 0 disables rate limiting.
func NewExternalEngineClient(streamURL string, requestsPerSecond float64) *ExternalEngineClient {
	if streamURL == "" {
		panic("NewExternalEngineClient: empty streamURL")
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if requestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(requestsPerSecond), 1)
	}
	return &ExternalEngineClient{
		streamURL: streamURL,
		// No overall timeout: streams are long-lived and bounded by ctx.
		client:  &http.Client{},
		limiter: limiter,
	}
}

var _ conversation.ExternalEngine = (*ExternalEngineClient)(nil)

// engineRequest is the wire request of the engine stream endpoint.
type engineRequest struct {
	Goal           string                      `json:"goal"`
	ResponseFormat conversation.ResponseFormat `json:"response_format"`
	NamespaceName  string                      `json:"namespace_name"`
}

// StreamGoal posts the goal and feeds each response line to onLine until
// the stream ends, onLine errors, or ctx is cancelled.
func (e *ExternalEngineClient) StreamGoal(ctx context.Context, goal string, format conversation.ResponseFormat, onLine func(line string) error) error {
	ctx, span := tracer.Start(ctx, "ExternalEngineClient.StreamGoal")
	defer span.End()
	span.SetAttributes(attribute.String("lang", format.Lang))

	if err := e.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("engine rate limit: %w", err)
	}

	payload, err := json.Marshal(engineRequest{
		Goal:           goal,
		ResponseFormat: format,
		NamespaceName:  engineNamespace,
	})
	if err != nil {
		return fmt.Errorf("marshal engine request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.streamURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create engine request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := e.client.Do(req)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("engine request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("engine status %d", resp.StatusCode)
		span.RecordError(err)
		return err
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), maxEngineLineBytes)
	lines := 0
	for scanner.Scan() {
		if err := onLine(scanner.Text()); err != nil {
			return err
		}
		lines++
	}
	if err := scanner.Err(); err != nil {
		span.RecordError(err)
		return fmt.Errorf("read engine stream: %w", err)
	}

	span.SetAttributes(
		attribute.Int("lines", lines),
		attribute.Float64("duration_seconds", time.Since(start).Seconds()),
	)
	return nil
}
