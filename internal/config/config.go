// Package config provides the configuration schema and loader for the
// FaceStream server.
package config

import (
	"github.com/Volpestyle/facestream/internal/anchor"
	"github.com/Volpestyle/facestream/internal/avsync"
	"github.com/Volpestyle/facestream/internal/drift"
	"github.com/Volpestyle/facestream/internal/planner"
	"github.com/Volpestyle/facestream/internal/quality"
)

// Config is the root configuration structure for FaceStream.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Providers ProvidersConfig `yaml:"providers"`
	Persona   PersonaConfig   `yaml:"persona"`
	Media     MediaConfig     `yaml:"media"`

	// Budget bounds turn speech duration. Environment variables
	// (FT_GEN_MAX_VIDEO_SEC and friends) override file values.
	Budget planner.Budget `yaml:"budget"`

	// AVSync is the pacing and resynchronisation policy.
	AVSync avsync.Policy `yaml:"avsync"`

	// Quality holds the controller thresholds.
	Quality quality.Policy `yaml:"quality"`

	// Drift holds the identity/background/flicker thresholds.
	Drift drift.Thresholds `yaml:"drift"`

	// Anchor holds the anchor refresh policy.
	Anchor anchor.RefreshPolicy `yaml:"anchor"`
}

// LogLevel controls logging verbosity.
type LogLevel string

// IsValid reports whether the level is one of debug, info, warn, error.
func (l LogLevel) IsValid() bool {
	switch l {
	case "debug", "info", "warn", "error":
		return true
	}
	return false
}

// ServerConfig holds network and logging settings for the server.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity. Valid values: "debug", "info", "warn", "error".
	LogLevel LogLevel `yaml:"log_level"`
}

// ProvidersConfig declares which provider implementation to use for each
// generator slot.
type ProvidersConfig struct {
	Speech  ProviderEntry `yaml:"speech"`
	Video   ProviderEntry `yaml:"video"`
	Lipsync ProviderEntry `yaml:"lipsync"`
}

// ProviderEntry is the common configuration block shared by all provider
// kinds.
type ProviderEntry struct {
	// Name selects the provider implementation (e.g., "openai", "bridge").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default endpoint. For the bridge
	// provider this is the WebSocket control endpoint.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider.
	Model string `yaml:"model"`

	// Voice is the default synthesis voice (speech providers only).
	Voice string `yaml:"voice"`

	// Options holds provider-specific configuration values not covered by
	// the standard fields above.
	Options map[string]any `yaml:"options"`
}

// PersonaConfig holds the persona pack source settings.
type PersonaConfig struct {
	// PostgresDSN is accepted in the file, but the server does not read
	// it: packs from PackPaths always load into an in-memory registry.
	PostgresDSN string `yaml:"postgres_dsn"`

	// PackPaths lists persona pack JSON files loaded at startup.
	PackPaths []string `yaml:"pack_paths"`
}

// MediaConfig shapes the outgoing video track.
type MediaConfig struct {
	// FPS is the video frame rate. Default 15.
	FPS int `yaml:"fps"`

	// Width and Height are the frame dimensions. Default 720x1280.
	Width  int `yaml:"width"`
	Height int `yaml:"height"`

	// OutputDir persists per-turn artifacts when set.
	OutputDir string `yaml:"output_dir"`
}
