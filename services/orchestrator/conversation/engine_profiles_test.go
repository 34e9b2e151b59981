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
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relatia-ai/relatia/services/orchestrator/datatypes"
)

func TestProfileStore_DefaultProfile(t *testing.T) {
	store := NewProfileStore()

	def := store.Get("")
	assert.Equal(t, "default", def.Name)
	assert.Equal(t, datatypes.ModeBuiltin, def.Mode)
	assert.False(t, def.ClarifyQuestion)

	// Unknown names fall back to the default.
	assert.Equal(t, def, store.Get("no-such-engine"))
}

func TestProfileStore_LoadFile(t *testing.T) {
	store := loadProfiles(t, `
engines:
  - name: sales
    mode: builtin
    knowledge_bases: [kb-crm, kb-docs]
    clarify_question: true
  - name: research
    mode: external
    external_engine_url: http://engine:9000/stream
    trace_base_url: https://trace.example/view
  - name: ""
`)

	sales := store.Get("sales")
	assert.Equal(t, datatypes.ModeBuiltin, sales.Mode)
	assert.Equal(t, []string{"kb-crm", "kb-docs"}, sales.KnowledgeBases)
	assert.True(t, sales.ClarifyQuestion)

	research := store.Get("research")
	assert.Equal(t, datatypes.ModeExternal, research.Mode)
	assert.Equal(t, "http://engine:9000/stream", research.ExternalEngineURL)
	assert.Equal(t, "https://trace.example/view", research.TraceBaseURL)

	// Nameless entries are dropped; the default profile survives a load.
	assert.Equal(t, "default", store.Get("").Name)
}

func TestProfileStore_EmptyModeDefaultsToBuiltin(t *testing.T) {
	store := loadProfiles(t, `
engines:
  - name: plain
`)
	assert.Equal(t, datatypes.ModeBuiltin, store.Get("plain").Mode)
}

func TestProfileStore_LoadFileMissing(t *testing.T) {
	store := NewProfileStore()
	err := store.LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestProfileStore_BadYAMLKeepsPreviousProfiles(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engines.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
engines:
  - name: sales
    clarify_question: true
`), 0o600))

	store := NewProfileStore()
	require.NoError(t, store.LoadFile(path))
	require.True(t, store.Get("sales").ClarifyQuestion)

	require.NoError(t, os.WriteFile(path, []byte("engines: [not: valid: yaml"), 0o600))
	assert.Error(t, store.LoadFile(path))

	// The failed reload leaves the previous set in place.
	assert.True(t, store.Get("sales").ClarifyQuestion)
}

func TestProfileStore_WatchRequiresLoadedFile(t *testing.T) {
	store := NewProfileStore()
	assert.Error(t, store.Watch())
}
