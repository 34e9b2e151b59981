// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command orchestrator starts the conversation orchestrator HTTP server.
//
// This is the main entry point for the containerized orchestrator service.
// It reads configuration from environment variables and starts the server.
//
// # Environment Variables
//
//   - ORCHESTRATOR_PORT: HTTP server port (default: 12210)
//   - LLM_BACKEND_TYPE: answer LLM provider - openai, ollama (default: openai)
//   - FAST_LLM_BACKEND_TYPE: classification LLM provider (default: same as LLM_BACKEND_TYPE)
//   - WEAVIATE_SERVICE_URL: Weaviate database URL (required)
//   - GRAPH_STORE_URL: knowledge graph retrieval service base URL
//   - AUTHORITY_API_URL: CRM authority API endpoint
//   - ENGINE_STREAM_URL: external execution engine stream endpoint
//   - ENGINE_RPS: rate limit for new engine streams
//   - VERIFICATION_API_URL: post-verification service endpoint
//   - VERIFICATION_API_TOKEN: bearer token for the verification service
//   - ENGINE_PROFILES_PATH: engine profiles YAML file
//   - OTEL_EXPORTER_OTLP_ENDPOINT: OpenTelemetry collector (default: relatia-otel-collector:4317)
//   - LOG_LEVEL: debug, info, warn, error (default: info)
//   - LOG_DIR: optional directory for JSON log files
//
// # Usage
//
//	# Build
//	go build -o orchestrator ./cmd/orchestrator
//
//	# Run
//	./orchestrator
package main

import (
	"log"
	"log/slog"
	"os"

	"github.com/relatia-ai/relatia/pkg/logging"
	"github.com/relatia-ai/relatia/services/orchestrator"
)

func main() {
	// Setup structured logging
	logger := logging.New(logging.Config{
		Level:   logging.LevelFromEnv(),
		Service: "orchestrator",
		LogDir:  os.Getenv("LOG_DIR"),
	})
	defer logger.Close()
	slog.SetDefault(logger.Slog())

	cfg := orchestrator.ConfigFromEnv()

	slog.Info("Starting orchestrator",
		"llm_backend", cfg.LLMBackend,
		"weaviate_url", cfg.WeaviateURL,
		"graph_store_url", cfg.GraphStoreURL,
	)

	svc, err := orchestrator.New(cfg)
	if err != nil {
		log.Fatalf("Failed to create orchestrator: %v", err)
	}

	// Run the server (blocks until shutdown)
	if err := svc.Run(); err != nil {
		log.Fatalf("Orchestrator error: %v", err)
	}
}
