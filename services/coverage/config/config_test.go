// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gofraser/evosuite-sub003/pkg/logging"
	"github.com/gofraser/evosuite-sub003/services/coverage/goals"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefaultConfig_Valid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, []goals.Kind{goals.KindBranch, goals.KindLine}, cfg.Kinds())
	assert.Equal(t, 10, cfg.Archive.Capacity)
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Graph, cfg.Graph)
}

func TestLoad_YAML(t *testing.T) {
	path := writeFile(t, "c.yaml", `
archive:
  capacity: 4
  seed: 99
graph:
  cache_capacity: 32
  concurrency: 2
  max_nodes: 1000
manager:
  criteria: [branch, method_no_exception]
  exception_goals: true
journal:
  enabled: true
  in_memory: true
  gc_interval: 1m
logging:
  level: debug
  format: json
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.Archive.Capacity)
	assert.Equal(t, uint64(99), cfg.Archive.Seed)
	assert.Equal(t, 32, cfg.Graph.CacheCapacity)
	assert.Equal(t, []goals.Kind{goals.KindBranch, goals.KindMethodNoException}, cfg.Kinds())
	assert.True(t, cfg.Manager.ExceptionGoals)
	assert.True(t, cfg.Journal.InMemory)
	assert.Equal(t, time.Minute, cfg.Journal.GCInterval)

	ac := cfg.ArchiveOptions(nil, nil)
	assert.Equal(t, 4, ac.Capacity)
	cc := cfg.CacheOptions(nil)
	assert.Equal(t, 1000, cc.MaxNodes)
	assert.True(t, cfg.JournalStore(nil).InMemory)
	lc := cfg.LoggerConfig("cov")
	assert.Equal(t, logging.LevelDebug, lc.Level)
	assert.Equal(t, logging.FormatJSON, lc.Format)
}

func TestLoad_JSONFallback(t *testing.T) {
	path := writeFile(t, "c.json", `{"archive": {"capacity": 7}, "manager": {"criteria": ["line"]}}`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Archive.Capacity)
	assert.Equal(t, []goals.Kind{goals.KindLine}, cfg.Kinds())
}

func TestLoad_Env(t *testing.T) {
	t.Setenv("COVERAGE_ARCHIVE_CAPACITY", "3")
	t.Setenv("COVERAGE_SEED", "12")
	t.Setenv("COVERAGE_CRITERIA", "branch, exception ,")
	t.Setenv("COVERAGE_JOURNAL_ENABLED", "1")
	t.Setenv("COVERAGE_JOURNAL_PATH", "/tmp/journal")
	t.Setenv("COVERAGE_LOG_LEVEL", "warn")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Archive.Capacity)
	assert.Equal(t, uint64(12), cfg.Archive.Seed)
	assert.Equal(t, []string{"branch", "exception"}, cfg.Manager.Criteria)
	assert.True(t, cfg.Journal.Enabled)
	assert.Equal(t, "/tmp/journal", cfg.Journal.Path)
	assert.Equal(t, "warn", cfg.Logging.Level)
}

func TestValidate_Rejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero capacity", func(c *Config) { c.Archive.Capacity = 0 }},
		{"unknown criterion", func(c *Config) { c.Manager.Criteria = []string{"branch", "vibes"} }},
		{"no criteria", func(c *Config) { c.Manager.Criteria = nil }},
		{"journal without path", func(c *Config) { c.Journal.Enabled = true }},
		{"discard ratio", func(c *Config) { c.Journal.GCDiscardRatio = 2 }},
		{"log level", func(c *Config) { c.Logging.Level = "loud" }},
		{"trace exporter", func(c *Config) { c.Telemetry.TraceExporter = "zipkin" }},
		{"concurrency", func(c *Config) { c.Graph.Concurrency = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoad_BadFile(t *testing.T) {
	path := writeFile(t, "bad.yaml", "archive: [unterminated")
	_, err := Load(path)
	assert.Error(t, err)
}
