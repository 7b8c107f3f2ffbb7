// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads the settings of a coverage run.
//
// Values are layered: defaults, then a YAML (or JSON) file, then COVERAGE_*
// environment variables. The result is validated before use.
package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/gofraser/evosuite-sub003/pkg/logging"
	"github.com/gofraser/evosuite-sub003/services/coverage/archive"
	"github.com/gofraser/evosuite-sub003/services/coverage/goals"
	"github.com/gofraser/evosuite-sub003/services/coverage/graph"
	"github.com/gofraser/evosuite-sub003/services/coverage/storage/badger"
	"github.com/gofraser/evosuite-sub003/services/coverage/telemetry"
)

// Config is the whole configuration of a coverage run.
type Config struct {
	Archive   ArchiveConfig    `json:"archive" yaml:"archive"`
	Graph     GraphConfig      `json:"graph" yaml:"graph"`
	Manager   ManagerConfig    `json:"manager" yaml:"manager"`
	Journal   JournalConfig    `json:"journal" yaml:"journal"`
	Logging   LoggingConfig    `json:"logging" yaml:"logging"`
	Telemetry telemetry.Config `json:"telemetry" yaml:"telemetry"`
}

// ArchiveConfig sizes the per goal populations.
type ArchiveConfig struct {
	Capacity int    `json:"capacity" yaml:"capacity" validate:"min=1"`
	Seed     uint64 `json:"seed" yaml:"seed"`
}

// GraphConfig tunes control dependence construction and caching.
type GraphConfig struct {
	CacheCapacity int `json:"cache_capacity" yaml:"cache_capacity" validate:"min=1"`
	Concurrency   int `json:"concurrency" yaml:"concurrency" validate:"min=1,max=256"`
	MaxNodes      int `json:"max_nodes" yaml:"max_nodes" validate:"min=2"`
}

// ManagerConfig selects coverage criteria.
type ManagerConfig struct {
	// Criteria are goal kind names, e.g. "branch", "line".
	Criteria []string `json:"criteria" yaml:"criteria" validate:"min=1,dive,criterion"`

	// ExceptionGoals turns raised exceptions into runtime goals.
	ExceptionGoals bool `json:"exception_goals" yaml:"exception_goals"`
}

// JournalConfig controls the persistent coverage journal.
type JournalConfig struct {
	Enabled        bool          `json:"enabled" yaml:"enabled"`
	Path           string        `json:"path" yaml:"path" validate:"required_if=Enabled true InMemory false"`
	InMemory       bool          `json:"in_memory" yaml:"in_memory"`
	SyncWrites     bool          `json:"sync_writes" yaml:"sync_writes"`
	GCInterval     time.Duration `json:"gc_interval" yaml:"gc_interval" validate:"min=0"`
	GCDiscardRatio float64       `json:"gc_discard_ratio" yaml:"gc_discard_ratio" validate:"gte=0,lte=1"`
	RunID          string        `json:"run_id" yaml:"run_id"`
}

// LoggingConfig configures pkg/logging.
type LoggingConfig struct {
	Level  string `json:"level" yaml:"level" validate:"oneof=debug info warn warning error"`
	Format string `json:"format" yaml:"format" validate:"oneof=auto text json"`
	Dir    string `json:"dir" yaml:"dir"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() Config {
	store := badger.DefaultConfig()
	return Config{
		Archive: ArchiveConfig{Capacity: archive.DefaultCapacity},
		Graph: GraphConfig{
			CacheCapacity: graph.DefaultCacheCapacity,
			Concurrency:   graph.DefaultCacheConcurrency,
			MaxNodes:      graph.DefaultMaxDominatorNodes,
		},
		Manager: ManagerConfig{
			Criteria: []string{goals.KindBranch.String(), goals.KindLine.String()},
		},
		Journal: JournalConfig{
			SyncWrites:     store.SyncWrites,
			GCInterval:     store.GCInterval,
			GCDiscardRatio: store.GCDiscardRatio,
		},
		Logging:   LoggingConfig{Level: "info", Format: logging.FormatAuto},
		Telemetry: telemetry.DefaultConfig(),
	}
}

// Load builds the configuration from defaults, path (if non-empty and
// present) and the environment, then validates it.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return cfg, fmt.Errorf("load config file: %w", err)
		}
	}
	loadEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		if jsonErr := json.Unmarshal(data, cfg); jsonErr != nil {
			return fmt.Errorf("parse config (tried YAML and JSON): YAML error: %v, JSON error: %w", err, jsonErr)
		}
	}
	return nil
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			*dst = i
		}
	}
}

func envBool(key string, dst *bool) {
	if v := os.Getenv(key); v != "" {
		*dst = v == "true" || v == "1"
	}
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func loadEnv(cfg *Config) {
	envInt("COVERAGE_ARCHIVE_CAPACITY", &cfg.Archive.Capacity)
	if v := os.Getenv("COVERAGE_SEED"); v != "" {
		if s, err := strconv.ParseUint(v, 10, 64); err == nil {
			cfg.Archive.Seed = s
		}
	}

	envInt("COVERAGE_CACHE_CAPACITY", &cfg.Graph.CacheCapacity)
	envInt("COVERAGE_CACHE_CONCURRENCY", &cfg.Graph.Concurrency)
	envInt("COVERAGE_MAX_NODES", &cfg.Graph.MaxNodes)

	if v := os.Getenv("COVERAGE_CRITERIA"); v != "" {
		var crit []string
		for _, c := range strings.Split(v, ",") {
			if c = strings.TrimSpace(c); c != "" {
				crit = append(crit, c)
			}
		}
		cfg.Manager.Criteria = crit
	}
	envBool("COVERAGE_EXCEPTION_GOALS", &cfg.Manager.ExceptionGoals)

	envBool("COVERAGE_JOURNAL_ENABLED", &cfg.Journal.Enabled)
	envString("COVERAGE_JOURNAL_PATH", &cfg.Journal.Path)
	envBool("COVERAGE_JOURNAL_IN_MEMORY", &cfg.Journal.InMemory)
	envString("COVERAGE_RUN_ID", &cfg.Journal.RunID)

	envString("COVERAGE_LOG_LEVEL", &cfg.Logging.Level)
	envString("COVERAGE_LOG_FORMAT", &cfg.Logging.Format)
	envString("COVERAGE_LOG_DIR", &cfg.Logging.Dir)
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("criterion", func(fl validator.FieldLevel) bool {
		_, ok := goals.ParseKind(fl.Field().String())
		return ok
	})
	return v
}

// Validate checks every field constraint.
func (c Config) Validate() error {
	return validate.Struct(c)
}

// Kinds returns the selected criteria as goal kinds.
func (c Config) Kinds() []goals.Kind {
	kinds := make([]goals.Kind, 0, len(c.Manager.Criteria))
	for _, name := range c.Manager.Criteria {
		if k, ok := goals.ParseKind(name); ok {
			kinds = append(kinds, k)
		}
	}
	return kinds
}

// ArchiveOptions converts the archive section.
func (c Config) ArchiveOptions(logger *slog.Logger, rec archive.Recorder) archive.Config {
	return archive.Config{
		Capacity: c.Archive.Capacity,
		Seed:     c.Archive.Seed,
		Recorder: rec,
		Logger:   logger,
	}
}

// CacheOptions converts the graph section.
func (c Config) CacheOptions(logger *slog.Logger) graph.CacheConfig {
	return graph.CacheConfig{
		Capacity:    c.Graph.CacheCapacity,
		Concurrency: c.Graph.Concurrency,
		MaxNodes:    c.Graph.MaxNodes,
		Logger:      logger,
	}
}

// JournalStore converts the journal section into store settings.
func (c Config) JournalStore(logger *slog.Logger) badger.Config {
	return badger.Config{
		Path:           c.Journal.Path,
		InMemory:       c.Journal.InMemory,
		SyncWrites:     c.Journal.SyncWrites,
		GCInterval:     c.Journal.GCInterval,
		GCDiscardRatio: c.Journal.GCDiscardRatio,
		Logger:         logger,
	}
}

// LoggerConfig converts the logging section. Validate has already
// rejected unknown levels.
func (c Config) LoggerConfig(service string) logging.Config {
	level, _ := logging.ParseLevel(c.Logging.Level)
	return logging.Config{
		Level:   level,
		LogDir:  c.Logging.Dir,
		Service: service,
		Format:  c.Logging.Format,
	}
}
