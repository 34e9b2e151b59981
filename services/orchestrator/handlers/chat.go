// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package handlers contains the HTTP handlers of the orchestrator
// service. The streaming chat handler is the service's main surface; it
// drives one conversation turn per request and relays the pipeline's
// events over SSE.
package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/relatia-ai/relatia/services/orchestrator/conversation"
	"github.com/relatia-ai/relatia/services/orchestrator/datatypes"
	"github.com/relatia-ai/relatia/services/orchestrator/middleware"
	"github.com/relatia-ai/relatia/services/orchestrator/observability"
)

// heartbeatInterval is the interval for sending keepalive pings.
// Set to 15s to stay well under typical LB timeouts (60s for ALB/Nginx).
const heartbeatInterval = 15 * time.Second

// StreamTurn returns the handler for POST /v1/chat/stream.
//
// # Description
//
// Binds and validates the turn request, attaches the caller identity
// from the gateway headers, and relays the pipeline's event stream to
// the client as SSE. A heartbeat goroutine keeps the connection alive
// across long retrieval or generation phases. When the client
// disconnects, the request context is cancelled and the pipeline stops
// at its next suspension point.
//
// # Inputs
//
//   - orc: The conversation orchestrator. Must not be nil.
//
// # Outputs
//
//   - gin.HandlerFunc: Handler ready for route registration.
//
// # Limitations
//
//   - SSE headers are written before the first pipeline event, so
//     pipeline failures surface as error events, not HTTP status codes.
func StreamTurn(orc *conversation.Orchestrator) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req datatypes.TurnRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
			return
		}
		req.Identity = middleware.GetCallerIdentity(c)

		SetSSEHeaders(c.Writer)
		writer, err := NewSSEWriter(c.Writer)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming not supported"})
			return
		}

		// Cancelled when the relay loop ends so the heartbeat stops and,
		// on a broken client connection, the pipeline is told to abandon
		// the turn.
		ctx, cancel := context.WithCancel(c.Request.Context())
		defer cancel()

		go heartbeat(ctx, writer)

		events := orc.RunTurn(ctx, req)
		for ev := range events {
			if err := writer.WriteTurnEvent(ev); err != nil {
				slog.Warn("client write failed, abandoning turn",
					"chat_id", req.ChatID,
					"error", err,
				)
				cancel()
				// Drain so the pipeline goroutine can finish and close.
				for range events {
				}
				return
			}
		}

		if err := writer.WriteDone(); err != nil {
			slog.Debug("done event write failed", "chat_id", req.ChatID, "error", err)
		}
	}
}

// heartbeat writes SSE comment pings until ctx is cancelled. A failed
// ping means the client is gone; the relay loop notices on its next
// write, so the heartbeat just exits.
func heartbeat(ctx context.Context, writer SSEWriter) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := writer.WriteKeepAlive(); err != nil {
				return
			}
			if m := observability.DefaultMetrics; m != nil {
				m.KeepAlivesTotal.Inc()
			}
		}
	}
}
