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
	"os"
	"strconv"
	"time"
)

// =============================================================================
// Pipeline Configuration
// =============================================================================

// PipelineConfig holds the tunables of the turn pipeline. Defaults come
// from DefaultPipelineConfig(); per-engine behavior (clarify gating,
// external mode, knowledge bases) lives in EngineProfile.
type PipelineConfig struct {
	// ChunkLimit is the maximum number of chunks requested from the
	// vector store per turn. Default: 10
	ChunkLimit int

	// GoalCacheWindow is how many recent rows the goal cache scans.
	// Default: 90
	GoalCacheWindow int

	// VerifyTimeout bounds the best-effort post-verification call.
	// Default: 10s
	VerifyTimeout time.Duration

	// CachedReplyDelimiter splits a cached answer for pseudo-streaming.
	// Default: ". "
	CachedReplyDelimiter string
}

// DefaultPipelineConfig returns the default pipeline configuration.
//
// Values can be overridden via environment variables:
//   - TURN_CHUNK_LIMIT (default: 10)
//   - TURN_GOAL_CACHE_WINDOW (default: 90)
//   - TURN_VERIFY_TIMEOUT_SECONDS (default: 10)
//   - TURN_CACHED_REPLY_DELIMITER (default: ". ")
func DefaultPipelineConfig() PipelineConfig {
	return PipelineConfig{
		ChunkLimit:           getEnvInt("TURN_CHUNK_LIMIT", 10),
		GoalCacheWindow:      getEnvInt("TURN_GOAL_CACHE_WINDOW", 90),
		VerifyTimeout:        time.Duration(getEnvInt("TURN_VERIFY_TIMEOUT_SECONDS", 10)) * time.Second,
		CachedReplyDelimiter: getEnvString("TURN_CACHED_REPLY_DELIMITER", ". "),
	}
}

// getEnvInt returns an environment variable as int, or defaultVal if not
// set or invalid.
func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.Atoi(val); err == nil {
			return intVal
		}
	}
	return defaultVal
}

// getEnvString returns an environment variable, or defaultVal if not set.
func getEnvString(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

// getEnvBool returns an environment variable as bool, or defaultVal if
// not set or unparsable.
func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if boolVal, err := strconv.ParseBool(val); err == nil {
			return boolVal
		}
	}
	return defaultVal
}
