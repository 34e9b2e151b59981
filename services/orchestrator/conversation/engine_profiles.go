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
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/relatia-ai/relatia/services/orchestrator/datatypes"
)

// =============================================================================
// Engine Profiles
// =============================================================================

// EngineProfile configures one named chat engine: which knowledge bases
// it searches, whether the clarify gate runs, and whether answers come
// from the builtin tail or a remote engine.
type EngineProfile struct {
	Name string `yaml:"name"`

	Mode datatypes.EngineMode `yaml:"mode"`

	// KnowledgeBases are the KB ids this engine retrieves over.
	KnowledgeBases []string `yaml:"knowledge_bases"`

	// ClarifyQuestion gates the CLARIFY stage. Off by default.
	ClarifyQuestion bool `yaml:"clarify_question"`

	// ExternalEngineURL is the remote engine endpoint for external mode.
	ExternalEngineURL string `yaml:"external_engine_url"`

	// TraceBaseURL is the base URL that remote task ids are appended to.
	TraceBaseURL string `yaml:"trace_base_url"`
}

// profilesFile is the on-disk shape of the profiles config.
type profilesFile struct {
	Engines []EngineProfile `yaml:"engines"`
}

// DefaultEngineProfile is used when a request names no engine or an
// unknown one.
func DefaultEngineProfile() EngineProfile {
	return EngineProfile{
		Name: "default",
		Mode: datatypes.ModeBuiltin,
	}
}

// ProfileStore holds the named engine profiles, optionally hot-reloaded
// from a YAML file.
//
// # Thread Safety
//
// Safe for concurrent Get and reload.
type ProfileStore struct {
	mu       sync.RWMutex
	profiles map[string]EngineProfile
	path     string
	watcher  *fsnotify.Watcher
}

// NewProfileStore creates a store seeded with the default profile.
func NewProfileStore() *ProfileStore {
	def := DefaultEngineProfile()
	return &ProfileStore{profiles: map[string]EngineProfile{def.Name: def}}
}

// LoadFile reads profiles from a YAML file, replacing the current set.
// The default profile is always retained as a fallback.
func (s *ProfileStore) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read engine profiles: %w", err)
	}

	var file profilesFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parse engine profiles: %w", err)
	}

	profiles := map[string]EngineProfile{}
	def := DefaultEngineProfile()
	profiles[def.Name] = def
	for _, p := range file.Engines {
		if p.Name == "" {
			continue
		}
		if p.Mode == "" {
			p.Mode = datatypes.ModeBuiltin
		}
		profiles[p.Name] = p
	}

	s.mu.Lock()
	s.profiles = profiles
	s.path = path
	s.mu.Unlock()

	slog.Info("engine profiles loaded", "path", path, "count", len(profiles))
	return nil
}

// Watch reloads the profiles file on change until the watcher fails or
// the file is removed. Reload errors keep the previous profiles.
func (s *ProfileStore) Watch() error {
	s.mu.RLock()
	path := s.path
	s.mu.RUnlock()
	if path == "" {
		return fmt.Errorf("no profiles file loaded")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create profile watcher: %w", err)
	}
	if err := watcher.Add(path); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", path, err)
	}
	s.watcher = watcher

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
					if err := s.LoadFile(path); err != nil {
						slog.Error("engine profile reload failed, keeping previous set",
							"path", path, "error", err)
					}
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Error("engine profile watcher error", "error", err)
			}
		}
	}()

	return nil
}

// Close stops the watcher if one is running.
func (s *ProfileStore) Close() {
	if s.watcher != nil {
		s.watcher.Close()
	}
}

// Get returns the named profile, or the default profile for empty or
// unknown names.
func (s *ProfileStore) Get(name string) EngineProfile {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if name == "" {
		name = "default"
	}
	if p, ok := s.profiles[name]; ok {
		return p
	}
	slog.Debug("unknown engine profile, using default", "name", name)
	return s.profiles["default"]
}
