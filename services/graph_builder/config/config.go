// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads the graph builder configuration.
//
// # Description
//
// Configuration comes from three layers, later layers winning:
//
//  1. Built-in defaults (DefaultFileConfig)
//  2. A YAML file
//  3. Environment variables, optionally seeded from .env files
//
// The merged FileConfig is validated and converted into immutable Settings
// that the service consumes.
//
// # Environment Variables
//
//   - GRAPH_BUILDER_PORT: main server port
//   - GRAPH_BUILDER_STATUS_PORT: status server port
//   - GRAPH_BUILDER_LOG_LEVEL: debug, info, warn or error
//   - OTEL_TRACES_EXPORTER: none, stdout or otlp
//   - OTEL_EXPORTER_OTLP_ENDPOINT: OTLP collector host:port
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/aaradhak/fedora-coreos-cincinnati/services/graph_builder/metadata"
	"github.com/aaradhak/fedora-coreos-cincinnati/services/graph_builder/telemetry"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// Environment variable names.
const (
	EnvPort          = "GRAPH_BUILDER_PORT"
	EnvStatusPort    = "GRAPH_BUILDER_STATUS_PORT"
	EnvLogLevel      = "GRAPH_BUILDER_LOG_LEVEL"
	EnvTraceExporter = "OTEL_TRACES_EXPORTER"
	EnvOTLPEndpoint  = "OTEL_EXPORTER_OTLP_ENDPOINT"
)

// Upstream defaults, with {stream} expanded per scope.
const (
	DefaultReleaseIndexURL = "https://builds.coreos.fedoraproject.org/prod/streams/{stream}/releases.json"
	DefaultUpdatesURL      = "https://builds.coreos.fedoraproject.org/updates/{stream}.json"
)

// =============================================================================
// File Configuration
// =============================================================================

// FileConfig mirrors the YAML configuration file.
type FileConfig struct {
	Service   ServiceConfig    `yaml:"service"`
	Status    StatusConfig     `yaml:"status"`
	Upstream  UpstreamConfig   `yaml:"upstream"`
	Telemetry telemetry.Config `yaml:"telemetry"`
	Logging   LoggingConfig    `yaml:"logging"`
}

// ServiceConfig configures the main server and the scopes it serves.
//
// Scopes are the product Basearches x Streams, once with checksum payloads
// and, when OCI is set, once more with OCI payloads. AllowedScopes, when
// present, restricts what clients may request; otherwise every scope is
// accepted and unconfigured ones answer 404.
type ServiceConfig struct {
	Address         string        `yaml:"address" validate:"required,ip|hostname"`
	Port            int           `yaml:"port" validate:"min=1,max=65535"`
	OriginAllowlist []string      `yaml:"origin_allowlist,omitempty" validate:"dive,required"`
	Basearches      []string      `yaml:"basearches" validate:"min=1,dive,required"`
	Streams         []string      `yaml:"streams" validate:"min=1,dive,required"`
	OCI             bool          `yaml:"oci"`
	AllowedScopes   []ScopeConfig `yaml:"allowed_scopes,omitempty" validate:"dive"`
	RefreshInterval time.Duration `yaml:"refresh_interval" validate:"gt=0"`
	RequestTimeout  time.Duration `yaml:"request_timeout" validate:"gt=0"`
	RenderCacheSize int           `yaml:"render_cache_size" validate:"min=1"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" validate:"gt=0"`
}

// ScopeConfig names one scope in the allowlist.
type ScopeConfig struct {
	Basearch string `yaml:"basearch" validate:"required"`
	Stream   string `yaml:"stream" validate:"required"`
	OCI      bool   `yaml:"oci"`
}

// StatusConfig configures the metrics server.
type StatusConfig struct {
	Address string `yaml:"address" validate:"required,ip|hostname"`
	Port    int    `yaml:"port" validate:"min=1,max=65535"`
}

// UpstreamConfig locates the release index and updates documents.
//
// Both templates must be either http(s) URLs or file:// paths. Watch only
// applies to file:// templates.
type UpstreamConfig struct {
	ReleaseIndexURL   string        `yaml:"release_index_url" validate:"required,upstream"`
	UpdatesURL        string        `yaml:"updates_url" validate:"required,upstream"`
	Timeout           time.Duration `yaml:"timeout" validate:"gt=0"`
	RequestsPerSecond float64       `yaml:"requests_per_second" validate:"gte=0"`
	Burst             int           `yaml:"burst" validate:"gte=0"`
	Watch             bool          `yaml:"watch"`
}

// LoggingConfig configures pkg/logging.
type LoggingConfig struct {
	Level  string `yaml:"level" validate:"omitempty,oneof=debug info warn warning error"`
	Format string `yaml:"format" validate:"omitempty,oneof=text json"`
	LogDir string `yaml:"log_dir"`
}

// DefaultFileConfig returns the built-in defaults.
func DefaultFileConfig() FileConfig {
	return FileConfig{
		Service: ServiceConfig{
			Address:         "0.0.0.0",
			Port:            8080,
			Basearches:      []string{"x86_64", "aarch64", "ppc64le", "s390x"},
			Streams:         []string{"stable", "testing", "next"},
			OCI:             true,
			RefreshInterval: 30 * time.Second,
			RequestTimeout:  5 * time.Second,
			RenderCacheSize: 64,
			ShutdownTimeout: 10 * time.Second,
		},
		Status: StatusConfig{
			Address: "0.0.0.0",
			Port:    9080,
		},
		Upstream: UpstreamConfig{
			ReleaseIndexURL: DefaultReleaseIndexURL,
			UpdatesURL:      DefaultUpdatesURL,
			Timeout:         30 * time.Second,
			Burst:           1,
			Watch:           true,
		},
		Telemetry: telemetry.DefaultConfig(),
		Logging:   LoggingConfig{},
	}
}

// =============================================================================
// Loading
// =============================================================================

// Load reads the YAML file at path on top of the defaults and applies
// environment overrides. An empty path skips the file.
//
// # Outputs
//
//   - FileConfig: Merged but not yet validated configuration.
//   - error: Read, parse or override failures.
func Load(path string) (FileConfig, error) {
	cfg := DefaultFileConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return FileConfig{}, fmt.Errorf("failed to read the config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return FileConfig{}, fmt.Errorf("failed to parse the config file %s: %w", path, err)
		}
	}

	if err := ApplyEnv(&cfg, os.LookupEnv); err != nil {
		return FileConfig{}, err
	}
	return cfg, nil
}

// LoadDotEnv loads variables from .env files into the process environment
// without overriding variables that are already set. Missing files are
// ignored.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, file := range files {
		if _, err := os.Stat(file); errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(file); err != nil {
			return fmt.Errorf("failed to load %s: %w", file, err)
		}
	}
	return nil
}

// ApplyEnv overrides cfg from the environment, read through lookup.
func ApplyEnv(cfg *FileConfig, lookup func(string) (string, bool)) error {
	if v, ok := nonEmpty(lookup, EnvPort); ok {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: %s=%q is not a port", ErrInvalidConfig, EnvPort, v)
		}
		cfg.Service.Port = port
	}
	if v, ok := nonEmpty(lookup, EnvStatusPort); ok {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: %s=%q is not a port", ErrInvalidConfig, EnvStatusPort, v)
		}
		cfg.Status.Port = port
	}
	if v, ok := nonEmpty(lookup, EnvLogLevel); ok {
		cfg.Logging.Level = strings.ToLower(v)
	}
	if v, ok := nonEmpty(lookup, EnvTraceExporter); ok {
		cfg.Telemetry.Exporter = strings.ToLower(v)
	}
	if v, ok := nonEmpty(lookup, EnvOTLPEndpoint); ok {
		cfg.Telemetry.OTLPEndpoint = v
	}
	return nil
}

func nonEmpty(lookup func(string) (string, bool), key string) (string, bool) {
	v, ok := lookup(key)
	v = strings.TrimSpace(v)
	return v, ok && v != ""
}

// =============================================================================
// Validation
// =============================================================================

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("upstream", validateUpstream)
	return v
}

// validateUpstream accepts http(s) URLs and file:// paths.
func validateUpstream(fl validator.FieldLevel) bool {
	s := fl.Field().String()
	return strings.HasPrefix(s, "http://") ||
		strings.HasPrefix(s, "https://") ||
		metadata.IsFileTemplate(s)
}

// Validate checks cfg and wraps every problem in ErrInvalidConfig.
func (c FileConfig) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if metadata.IsFileTemplate(c.Upstream.ReleaseIndexURL) != metadata.IsFileTemplate(c.Upstream.UpdatesURL) {
		return fmt.Errorf("%w: release index and updates must both be file:// or both be http(s)", ErrInvalidConfig)
	}
	if c.Service.Port == c.Status.Port && c.Service.Address == c.Status.Address {
		return fmt.Errorf("%w: service and status servers share %s:%d", ErrInvalidConfig, c.Service.Address, c.Service.Port)
	}
	return nil
}

// Marshal renders cfg as YAML.
func (c FileConfig) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}
