// Package config loads the client configuration from YAML and fills in
// defaults so the rest of the program never checks for missing values.
package config

import (
	_ "embed"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"go.mau.fi/util/ptr"
	"go.mau.fi/zeroconfig"
	"gopkg.in/yaml.v3"
)

//go:embed example-config.yaml
var ExampleConfig string

// Provider names accepted in BackendConfig.Provider.
const (
	ProviderDirect = "direct"
	ProviderProxy  = "proxy"
)

type Config struct {
	Backend  BackendConfig      `yaml:"backend"`
	Personas PersonasConfig     `yaml:"personas"`
	Database DatabaseConfig     `yaml:"database"`
	History  HistoryConfig      `yaml:"history"`
	Logging  *zeroconfig.Config `yaml:"logging"`
}

// BackendConfig selects and parameterizes the generation backend.
type BackendConfig struct {
	// Provider is "direct" (SDK straight to the model API) or "proxy"
	// (SSE over an intermediary HTTP endpoint).
	Provider string `yaml:"provider"`

	// Direct provider settings.
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`

	// Proxy provider settings.
	Endpoint string `yaml:"endpoint"`

	Model           string  `yaml:"model"`
	Temperature     float64 `yaml:"temperature"`
	MaxOutputTokens int     `yaml:"max_output_tokens"`
	SafetyThreshold string  `yaml:"safety_threshold"`
	IncludeThoughts *bool   `yaml:"include_thoughts"`
}

type PersonasConfig struct {
	// Dir holds the persona cards, one JSON5 file per persona.
	Dir string `yaml:"dir"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type HistoryConfig struct {
	// TokenBudget caps prompt history per generation. <= 0 disables pruning.
	TokenBudget int `yaml:"token_budget"`
}

func (c *Config) WithDefaults() *Config {
	if c == nil {
		c = &Config{}
	}
	if c.Backend.Provider == "" {
		c.Backend.Provider = ProviderDirect
	}
	if c.Backend.Model == "" {
		c.Backend.Model = "gemini-2.5-flash"
	}
	if c.Backend.IncludeThoughts == nil {
		c.Backend.IncludeThoughts = ptr.Ptr(false)
	}
	if c.Personas.Dir == "" {
		c.Personas.Dir = "personas"
	}
	if c.Database.Path == "" {
		c.Database.Path = "parley.db"
	}
	if c.Logging == nil {
		c.Logging = &zeroconfig.Config{
			MinLevel: ptr.Ptr(zerolog.InfoLevel),
			Writers: []zeroconfig.WriterConfig{{
				Type:   zeroconfig.WriterTypeStderr,
				Format: zeroconfig.LogFormatPrettyColored,
			}},
		}
	}
	return c
}

func (c *Config) Validate() error {
	switch c.Backend.Provider {
	case ProviderDirect:
		if c.Backend.APIKey == "" && os.Getenv("GEMINI_API_KEY") == "" {
			return fmt.Errorf("direct backend requires backend.api_key or GEMINI_API_KEY")
		}
	case ProviderProxy:
		if c.Backend.Endpoint == "" {
			return fmt.Errorf("proxy backend requires backend.endpoint")
		}
	default:
		return fmt.Errorf("unknown backend provider %q", c.Backend.Provider)
	}
	if c.History.TokenBudget < 0 {
		return fmt.Errorf("history.token_budget must not be negative")
	}
	return nil
}

// Load reads the config file at path, applies defaults, and validates it. A
// missing file is not an error: the defaults alone form a valid proxy-less
// setup only if an API key is in the environment, so validation still runs.
func Load(path string) (*Config, error) {
	var cfg Config
	data, err := os.ReadFile(path)
	if err == nil {
		if err = yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	out := cfg.WithDefaults()
	if err = out.Validate(); err != nil {
		return nil, err
	}
	return out, nil
}
