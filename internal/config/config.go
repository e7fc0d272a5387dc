// Package config handles loading and validating Kazi configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

func init() {
	// Load .env file if it exists
	_ = godotenv.Load()
}

// Supported model providers.
const (
	ProviderOpenAI = "openai"
	ProviderOllama = "ollama"
)

// Defaults applied when the config file leaves a field unset.
const (
	DefaultModel           = "openai/gpt-5"
	DefaultMaxRetries      = 3
	DefaultMaxIterations   = 20
	DefaultTimeoutSeconds  = 200
	DefaultSandboxImage    = "kazibot/shell-executor:latest"
	DefaultExecutorPort    = 8080
	DefaultStartupGraceSec = 30
	DefaultExecTimeoutSec  = 300
)

// Config is the root configuration for Kazi.
type Config struct {
	Model      string        `yaml:"model"`       // "<provider>/<model>", e.g. "openai/gpt-5".
	MaxRetries int           `yaml:"max_retries"` // LLM schema-violation retry ceiling.
	Budgets    BudgetConfig  `yaml:"budgets"`
	Sandbox    SandboxConfig `yaml:"sandbox"`
	OpenAI     OpenAIConfig  `yaml:"openai"`

	Observability *ObservabilityConfig `yaml:"observability,omitempty"` // nil = observability disabled
}

// BudgetConfig bounds a single task run.
type BudgetConfig struct {
	MaxIterations  int `yaml:"max_iterations"`  // Executed commands per run. Must be > 0.
	TimeoutSeconds int `yaml:"timeout_seconds"` // Wall-clock budget per run.
}

// Timeout returns the wall-clock budget as a duration.
func (b BudgetConfig) Timeout() time.Duration {
	return time.Duration(b.TimeoutSeconds) * time.Second
}

// SandboxConfig configures the Docker sandbox environment.
type SandboxConfig struct {
	Image              string `yaml:"image"`                 // Container image running the shell executor.
	ExecutorPort       int    `yaml:"executor_port"`         // Port the executor listens on inside the container.
	StartupGraceSec    int    `yaml:"startup_grace_seconds"` // Readiness deadline at Start.
	ExecTimeoutSeconds int    `yaml:"exec_timeout_seconds"`  // Default per-command execution timeout.
}

// StartupGrace returns the readiness deadline as a duration.
func (s SandboxConfig) StartupGrace() time.Duration {
	return time.Duration(s.StartupGraceSec) * time.Second
}

// ExecTimeout returns the per-command timeout as a duration.
func (s SandboxConfig) ExecTimeout() time.Duration {
	return time.Duration(s.ExecTimeoutSeconds) * time.Second
}

// OpenAIConfig holds settings for the OpenAI-compatible provider.
// The API key is only ever read from the environment, never from the file.
type OpenAIConfig struct {
	BaseURL string `yaml:"base_url,omitempty"` // Empty = api.openai.com. Set for Ollama or proxies.

	APIKey string `yaml:"-"`
}

// ObservabilityConfig configures metrics and tracing.
// When nil, all observability features are disabled with zero overhead.
type ObservabilityConfig struct {
	Metrics *MetricsConfig `yaml:"metrics,omitempty"`
	Tracing *TracingConfig `yaml:"tracing,omitempty"`
}

// MetricsConfig configures Prometheus metrics exposition.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"` // Default: ":9091".
}

// TracingConfig configures OTLP trace export.
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Endpoint    string  `yaml:"endpoint"` // host:port of the OTLP/HTTP collector.
	Insecure    bool    `yaml:"insecure"`
	SampleRate  float64 `yaml:"sample_rate"`  // 0 = 1.0.
	ServiceName string  `yaml:"service_name"` // Default: "kazi".
}

// Default returns a Config populated with defaults and environment overrides.
func Default() *Config {
	cfg := &Config{
		Model:      DefaultModel,
		MaxRetries: DefaultMaxRetries,
		Budgets: BudgetConfig{
			MaxIterations:  DefaultMaxIterations,
			TimeoutSeconds: DefaultTimeoutSeconds,
		},
		Sandbox: SandboxConfig{
			Image:              DefaultSandboxImage,
			ExecutorPort:       DefaultExecutorPort,
			StartupGraceSec:    DefaultStartupGraceSec,
			ExecTimeoutSeconds: DefaultExecTimeoutSec,
		},
	}
	cfg.applyEnv()
	return cfg
}

// Load reads the YAML config at path (if it exists), applies environment
// overrides, and validates the result. A missing file is not an error;
// defaults are used.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err != nil && os.IsNotExist(err):
			// Fall through to defaults.
		case err != nil:
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parsing config %s: %w", path, err)
			}
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv layers KAZI_* environment variables over the current values.
func (c *Config) applyEnv() {
	if v := os.Getenv("KAZI_MODEL"); v != "" {
		c.Model = v
	}
	if v := os.Getenv("KAZI_SANDBOX_IMAGE"); v != "" {
		c.Sandbox.Image = v
	}
	if v := os.Getenv("KAZI_MAX_ITERATIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Budgets.MaxIterations = n
		}
	}
	if v := os.Getenv("KAZI_TIMEOUT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Budgets.TimeoutSeconds = n
		}
	}
	if v := os.Getenv("KAZI_OPENAI_BASE_URL"); v != "" {
		c.OpenAI.BaseURL = v
	}
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		c.OpenAI.APIKey = v
	}
}

// Validate checks invariants that would otherwise surface as confusing
// runtime failures. Called by Load; callers constructing a Config by hand
// should call it too.
func (c *Config) Validate() error {
	provider, model, err := SplitModel(c.Model)
	if err != nil {
		return err
	}
	switch provider {
	case ProviderOpenAI, ProviderOllama:
	default:
		return fmt.Errorf("config: unsupported model provider %q", provider)
	}
	if model == "" {
		return fmt.Errorf("config: model name missing in %q", c.Model)
	}
	if c.Budgets.MaxIterations <= 0 {
		return fmt.Errorf("config: budgets.max_iterations must be > 0, got %d", c.Budgets.MaxIterations)
	}
	if c.Budgets.TimeoutSeconds <= 0 {
		return fmt.Errorf("config: budgets.timeout_seconds must be > 0, got %d", c.Budgets.TimeoutSeconds)
	}
	if c.MaxRetries <= 0 {
		return fmt.Errorf("config: max_retries must be > 0, got %d", c.MaxRetries)
	}
	if c.Sandbox.Image == "" {
		return fmt.Errorf("config: sandbox.image is required")
	}
	return nil
}

// SplitModel splits a "<provider>/<model>" identifier. The format carries
// exactly one slash; anything else is a construction error.
func SplitModel(s string) (provider, model string, err error) {
	if strings.Count(s, "/") != 1 {
		return "", "", fmt.Errorf("config: model must be in the format <provider>/<model>, got %q", s)
	}
	parts := strings.SplitN(s, "/", 2)
	return parts[0], parts[1], nil
}
