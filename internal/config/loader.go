package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/Volpestyle/facestream/internal/planner"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"speech":  {"openai", "bridge", "mock"},
	"video":   {"fal", "replicate", "bridge", "mock"},
	"lipsync": {"fal", "replicate", "none", "mock"},
}

// Load reads the YAML configuration file at path and returns a validated
// [Config] with environment overrides applied. It is a convenience wrapper
// around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies environment
// overrides, and validates the result. Useful in tests where configs are
// constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyEnvOverrides(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnvOverrides overwrites budget fields with environment values when
// present, then normalises the budget ordering. Environment wins over the
// file so deployments can trim the turn budget without a config rollout.
func ApplyEnvOverrides(cfg *Config) {
	overrideFloat(planner.EnvMaxVideoSec, &cfg.Budget.HardcapSec)
	overrideFloat(planner.EnvMinVideoSec, &cfg.Budget.MinTargetSec)
	overrideFloat(planner.EnvDefaultVideoSec, &cfg.Budget.DefaultTargetMinSec)
	overrideFloat(planner.EnvDefaultMaxVideoSec, &cfg.Budget.DefaultTargetMaxSec)
	cfg.Budget = planner.NormalizeBudget(cfg.Budget)
}

func overrideFloat(key string, dst *float64) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		slog.Warn("config: ignoring unparseable env override", "key", key, "value", raw)
		return
	}
	*dst = v
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	validateProviderName("speech", cfg.Providers.Speech.Name)
	validateProviderName("video", cfg.Providers.Video.Name)
	validateProviderName("lipsync", cfg.Providers.Lipsync.Name)

	if cfg.Providers.Speech.Name == "openai" && cfg.Providers.Speech.APIKey == "" {
		slog.Warn("providers.speech is openai but api_key is empty; synthesis will fall back to silence")
	}
	if cfg.Providers.Speech.Name == "" {
		slog.Warn("no speech provider configured; turns will stream paced silence")
	}

	if cfg.Media.FPS < 0 {
		errs = append(errs, fmt.Errorf("media.fps %d must not be negative", cfg.Media.FPS))
	}
	if cfg.Media.Width < 0 || cfg.Media.Height < 0 {
		errs = append(errs, fmt.Errorf("media dimensions %dx%d must not be negative", cfg.Media.Width, cfg.Media.Height))
	}

	if cfg.Budget.TailBufferSec >= cfg.Budget.HardcapSec {
		errs = append(errs, fmt.Errorf("budget.tail_buffer_sec %.2f must be below hardcap_sec %.2f",
			cfg.Budget.TailBufferSec, cfg.Budget.HardcapSec))
	}

	if cfg.Quality.LipFail > cfg.Quality.LipWarn && cfg.Quality.LipWarn > 0 {
		errs = append(errs, fmt.Errorf("quality.lip_fail %.2f must not exceed quality.lip_warn %.2f",
			cfg.Quality.LipFail, cfg.Quality.LipWarn))
	}

	if cfg.Persona.PostgresDSN == "" && len(cfg.Persona.PackPaths) == 0 {
		slog.Warn("persona has neither postgres_dsn nor pack_paths; packs must be registered at runtime")
	}

	return errors.Join(errs...)
}

func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	if !slices.Contains(ValidProviderNames[kind], name) {
		slog.Warn("unrecognised provider name", "kind", kind, "name", name)
	}
}
