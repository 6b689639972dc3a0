// Package config loads harness configuration from YAML with environment
// overrides. Every value has a working default; a missing config file is
// not an error.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/SpencerPresley/CeleryForkSafetyInvestigation/pkg/protocol"
)

// Duration wraps time.Duration so YAML values can be written as "10s".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the harness configuration.
type Config struct {
	// RedisAddr is the broker endpoint for pool-dispatched models.
	RedisAddr string `yaml:"redis_addr"`
	// Concurrency is the pool worker count for pool-dispatched models.
	Concurrency int `yaml:"concurrency"`
	// Documents is the number of documents in the insert workload.
	Documents int `yaml:"documents"`

	// GuardMode selects the failure the inherited-handle guard reproduces:
	// "trap" raises the fault signal, "hang" blocks on the parent's lock.
	GuardMode string `yaml:"guard_mode"`

	Embedder EmbedderConfig `yaml:"embedder"`

	// ModelTimeout bounds one worker invocation; KillGrace is the pause
	// between the graceful termination request and the forced kill.
	ModelTimeout Duration `yaml:"model_timeout"`
	KillGrace    Duration `yaml:"kill_grace"`

	// MilestoneWait bounds the wait for the worker's lifecycle signal;
	// MilestonePoll is the flag polling interval.
	MilestoneWait Duration `yaml:"milestone_wait"`
	MilestonePoll Duration `yaml:"milestone_poll"`

	// DiscoveryTimeout bounds worker PID discovery; DiscoveryPoll is the
	// retry interval.
	DiscoveryTimeout Duration `yaml:"discovery_timeout"`
	DiscoveryPoll    Duration `yaml:"discovery_poll"`

	// AttachTimeout bounds one debugger invocation.
	AttachTimeout Duration `yaml:"attach_timeout"`

	// SettlePause is the gap between models, letting terminated workers
	// release queue state and file handles.
	SettlePause Duration `yaml:"settle_pause"`

	// DebuggerProfiles optionally points at a TOML file with additional
	// debugger definitions.
	DebuggerProfiles string `yaml:"debugger_profiles"`

	LogLevel  string `yaml:"log_level"`  // debug, info, warn, error
	LogFormat string `yaml:"log_format"` // text or json
}

// EmbedderConfig selects and parameterizes the embedding backend.
type EmbedderConfig struct {
	Kind       string `yaml:"kind"` // mock or ollama
	OllamaURL  string `yaml:"ollama_url"`
	Model      string `yaml:"model"`
	Dimensions int    `yaml:"dimensions"`
}

// Default returns the configuration used when no file or overrides are
// present. The timing values follow the original harness cadence.
func Default() *Config {
	return &Config{
		RedisAddr:   "localhost:6379",
		Concurrency: 2,
		Documents:   3,
		GuardMode:   "trap",
		Embedder: EmbedderConfig{
			Kind:       "mock",
			OllamaURL:  "http://localhost:11434",
			Model:      "nomic-embed-text",
			Dimensions: 384,
		},
		ModelTimeout:     Duration(10 * time.Second),
		KillGrace:        Duration(2 * time.Second),
		MilestoneWait:    Duration(30 * time.Second),
		MilestonePoll:    Duration(100 * time.Millisecond),
		DiscoveryTimeout: Duration(2 * time.Second),
		DiscoveryPoll:    Duration(5 * time.Millisecond),
		AttachTimeout:    Duration(15 * time.Second),
		SettlePause:      Duration(3 * time.Second),
		LogLevel:         "info",
		LogFormat:        "text",
	}
}

// Load reads configuration from path. An empty path falls back to
// $FORKPROBE_CONFIG, then to <probe home>/config.yaml. A missing file
// yields defaults. Environment overrides apply last.
func Load(path string) (*Config, error) {
	cfg := Default()

	resolved, err := resolveConfigPath(path)
	if err != nil {
		return nil, err
	}
	if resolved != "" {
		data, err := os.ReadFile(resolved) //nolint:gosec // path comes from the operator
		switch {
		case os.IsNotExist(err):
			// Defaults apply.
		case err != nil:
			return nil, fmt.Errorf("read config %s: %w", resolved, err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", resolved, err)
			}
		}
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func resolveConfigPath(path string) (string, error) {
	if path != "" {
		return path, nil
	}
	if v := os.Getenv("FORKPROBE_CONFIG"); v != "" {
		return v, nil
	}
	home, err := ProbeHome()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, "config.yaml"), nil
}

// applyEnv overlays FORKPROBE_* environment variables onto the config.
func (c *Config) applyEnv() {
	if v := os.Getenv("FORKPROBE_REDIS_ADDR"); v != "" {
		c.RedisAddr = v
	}
	if v := os.Getenv("FORKPROBE_GUARD_MODE"); v != "" {
		c.GuardMode = v
	}
	if v := os.Getenv("FORKPROBE_EMBEDDER"); v != "" {
		c.Embedder.Kind = v
	}
	if v := os.Getenv("FORKPROBE_OLLAMA_URL"); v != "" {
		c.Embedder.OllamaURL = v
	}
	if v := os.Getenv("FORKPROBE_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("FORKPROBE_LOG_FORMAT"); v != "" {
		c.LogFormat = v
	}
	if v := os.Getenv("FORKPROBE_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Concurrency = n
		}
	}
}

// Validate checks the fields that would otherwise fail deep inside a run.
func (c *Config) Validate() error {
	if c.GuardMode != "trap" && c.GuardMode != "hang" {
		return &protocol.ValidationError{
			Field:  "guard_mode",
			Reason: fmt.Sprintf("%q is not one of trap, hang", c.GuardMode),
		}
	}
	if c.Embedder.Kind != "mock" && c.Embedder.Kind != "ollama" {
		return &protocol.ValidationError{
			Field:  "embedder.kind",
			Reason: fmt.Sprintf("%q is not one of mock, ollama", c.Embedder.Kind),
		}
	}
	if c.Concurrency < 1 || c.Concurrency > 64 {
		return &protocol.ValidationError{
			Field:  "concurrency",
			Reason: fmt.Sprintf("%d is outside 1..64", c.Concurrency),
		}
	}
	if c.Documents < 1 {
		return &protocol.ValidationError{
			Field:  "documents",
			Reason: "workload needs at least one document",
		}
	}
	if c.Embedder.Dimensions < 1 {
		return &protocol.ValidationError{
			Field:  "embedder.dimensions",
			Reason: "vector dimensionality must be positive",
		}
	}
	return nil
}

// RequiredDependencies extends a model's declared dependencies with the
// ones implied by configuration (the real embedder needs its server).
func (c *Config) RequiredDependencies(spec protocol.ModelSpec) []string {
	deps := append([]string(nil), spec.Requires...)
	if c.Embedder.Kind == "ollama" {
		deps = append(deps, protocol.DependencyOllama)
	}
	return deps
}
