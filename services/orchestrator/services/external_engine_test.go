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
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relatia-ai/relatia/services/orchestrator/conversation"
)

func TestExternalEngineClient_StreamsLinesInOrder(t *testing.T) {
	var gotRequest engineRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotRequest))
		_, _ = w.Write([]byte("0:\"Hello \"\n8:[{\"task_id\":\"t-1\"}]\n0:\"world\"\n"))
	}))
	t.Cleanup(server.Close)

	client := NewExternalEngineClient(server.URL, 0)

	var lines []string
	err := client.StreamGoal(t.Context(), "find the answer",
		conversation.ResponseFormat{Lang: "English"},
		func(line string) error {
			lines = append(lines, line)
			return nil
		})

	require.NoError(t, err)
	assert.Equal(t, []string{`0:"Hello "`, `8:[{"task_id":"t-1"}]`, `0:"world"`}, lines)

	assert.Equal(t, "find the answer", gotRequest.Goal)
	assert.Equal(t, "English", gotRequest.ResponseFormat.Lang)
	assert.Equal(t, "Default", gotRequest.NamespaceName)
}

func TestExternalEngineClient_NonOKStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "engine busy", http.StatusTooManyRequests)
	}))
	t.Cleanup(server.Close)

	client := NewExternalEngineClient(server.URL, 0)
	err := client.StreamGoal(t.Context(), "goal", conversation.DefaultResponseFormat(),
		func(string) error { return nil })

	assert.Error(t, err)
}

func TestExternalEngineClient_CallbackErrorStopsStream(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("0:\"one\"\n0:\"two\"\n0:\"three\"\n"))
	}))
	t.Cleanup(server.Close)

	client := NewExternalEngineClient(server.URL, 0)

	sentinel := errors.New("stop")
	calls := 0
	err := client.StreamGoal(t.Context(), "goal", conversation.DefaultResponseFormat(),
		func(string) error {
			calls++
			return sentinel
		})

	assert.ErrorIs(t, err, sentinel)
	assert.Equal(t, 1, calls)
}
