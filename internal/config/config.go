// Package config holds all reverie configuration. Values ship with the
// defaults from the design docs and can be overridden by a YAML file at
// .reverie/config.yaml plus a small set of environment variables for secrets.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML files can say "2s" or "5m".
type Duration time.Duration

// UnmarshalYAML parses a duration string.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML renders the duration string.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config holds all reverie configuration.
type Config struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	LLM       LLMConfig       `yaml:"llm"`
	Fanout    FanoutConfig    `yaml:"fanout"`
	FastPath  FastPathConfig  `yaml:"fastpath"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Lifecycle LifecycleConfig `yaml:"lifecycle"`
	Persona   PersonaConfig   `yaml:"persona"`
	Memory    MemoryConfig    `yaml:"memory"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// LLMConfig configures the deep-reasoning backend.
type LLMConfig struct {
	Provider  string   `yaml:"provider"` // gemini, openai
	APIKey    string   `yaml:"api_key"`
	Model     string   `yaml:"model"`
	BaseURL   string   `yaml:"base_url"`
	Timeout   Duration `yaml:"timeout"`
	MaxTokens int      `yaml:"max_tokens"`
}

// FanoutConfig configures the context fan-out. Timeouts are independent
// per-source values, not a shared deadline.
type FanoutConfig struct {
	WorkingTimeout Duration `yaml:"working_timeout"`
	WorldTimeout   Duration `yaml:"world_timeout"`
	RecallTimeout  Duration `yaml:"recall_timeout"`
}

// FastPathConfig configures the heuristic responder.
type FastPathConfig struct {
	Enabled             bool    `yaml:"enabled"`
	ConfidenceThreshold float64 `yaml:"confidence_threshold"`
}

// SchedulerConfig configures the background loops.
type SchedulerConfig struct {
	WorldRefreshInterval Duration `yaml:"world_refresh_interval"`
	PatternScanInterval  Duration `yaml:"pattern_scan_interval"`
	IdleCheckInterval    Duration `yaml:"idle_check_interval"`
	ShutdownGrace        Duration `yaml:"shutdown_grace"`
}

// LifecycleConfig configures the consciousness state machine.
type LifecycleConfig struct {
	IdleThreshold Duration `yaml:"idle_threshold"` // CONSCIOUS -> DREAMING after this much idle
}

// PersonaConfig configures the persona store.
type PersonaConfig struct {
	Path       string `yaml:"path"`
	WatchFile  bool   `yaml:"watch_file"`
	QueueDepth int    `yaml:"queue_depth"`
}

// MemoryConfig configures the episodic memory store.
type MemoryConfig struct {
	DatabasePath       string `yaml:"database_path"`
	RecallLimit        int    `yaml:"recall_limit"`
	ConsolidateAfter   int    `yaml:"consolidate_after"`   // episodes a session accumulates before a dream cycle compacts it; 0 compacts any overflow
	RetainConsolidated int    `yaml:"retain_consolidated"` // most-recent episodes kept verbatim
}

// LoggingConfig configures the categorized file logger.
type LoggingConfig struct {
	DebugMode  bool            `yaml:"debug_mode"`
	Categories map[string]bool `yaml:"categories"`
	Level      string          `yaml:"level"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:    "reverie",
		Version: "0.3.0",
		LLM: LLMConfig{
			Provider:  "gemini",
			Model:     "gemini-2.0-flash",
			Timeout:   Duration(120 * time.Second),
			MaxTokens: 2048,
		},
		Fanout: FanoutConfig{
			WorkingTimeout: Duration(2 * time.Second),
			WorldTimeout:   Duration(2 * time.Second),
			RecallTimeout:  Duration(3 * time.Second),
		},
		FastPath: FastPathConfig{
			Enabled:             true,
			ConfidenceThreshold: 0.9,
		},
		Scheduler: SchedulerConfig{
			WorldRefreshInterval: Duration(5 * time.Second),
			PatternScanInterval:  Duration(10 * time.Second),
			IdleCheckInterval:    Duration(60 * time.Second),
			ShutdownGrace:        Duration(10 * time.Second),
		},
		Lifecycle: LifecycleConfig{
			IdleThreshold: Duration(300 * time.Second),
		},
		Persona: PersonaConfig{
			Path:       ".reverie/persona.yaml",
			WatchFile:  true,
			QueueDepth: 64,
		},
		Memory: MemoryConfig{
			DatabasePath:       ".reverie/memory.db",
			RecallLimit:        5,
			ConsolidateAfter:   200,
			RetainConsolidated: 50,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from the given path, layered over defaults.
// A missing file is not an error; defaults apply.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnv()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overlays secrets and provider selection from the environment.
// Environment always wins over the file so keys stay out of config files.
func (c *Config) applyEnv() {
	if v := os.Getenv("REVERIE_API_KEY"); v != "" {
		c.LLM.APIKey = v
	}
	if v := os.Getenv("GEMINI_API_KEY"); v != "" && c.LLM.APIKey == "" {
		c.LLM.APIKey = v
	}
	if v := os.Getenv("REVERIE_PROVIDER"); v != "" {
		c.LLM.Provider = v
	}
	if v := os.Getenv("REVERIE_MODEL"); v != "" {
		c.LLM.Model = v
	}
}

// Validate rejects configurations the core cannot honor.
func (c *Config) Validate() error {
	if c.Fanout.WorkingTimeout <= 0 || c.Fanout.WorldTimeout <= 0 || c.Fanout.RecallTimeout <= 0 {
		return fmt.Errorf("fanout timeouts must be positive")
	}
	if c.FastPath.ConfidenceThreshold < 0 || c.FastPath.ConfidenceThreshold > 1 {
		return fmt.Errorf("fastpath confidence_threshold must be in [0,1], got %v", c.FastPath.ConfidenceThreshold)
	}
	if c.Scheduler.WorldRefreshInterval <= 0 || c.Scheduler.PatternScanInterval <= 0 || c.Scheduler.IdleCheckInterval <= 0 {
		return fmt.Errorf("scheduler intervals must be positive")
	}
	if c.Lifecycle.IdleThreshold <= 0 {
		return fmt.Errorf("lifecycle idle_threshold must be positive")
	}
	if c.Memory.RecallLimit <= 0 {
		return fmt.Errorf("memory recall_limit must be positive")
	}
	return nil
}
