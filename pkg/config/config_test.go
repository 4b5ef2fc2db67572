package config

import (
	"os"
	"path/filepath"
	"testing"

	"gopkg.in/yaml.v3"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, "backend:\n    api_key: test-key\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Backend.Provider != ProviderDirect {
		t.Errorf("default provider = %q, want direct", cfg.Backend.Provider)
	}
	if cfg.Backend.Model == "" {
		t.Errorf("model default missing")
	}
	if cfg.Personas.Dir != "personas" {
		t.Errorf("personas dir = %q", cfg.Personas.Dir)
	}
	if cfg.Database.Path != "parley.db" {
		t.Errorf("database path = %q", cfg.Database.Path)
	}
	if cfg.Logging == nil || len(cfg.Logging.Writers) == 0 {
		t.Errorf("logging defaults missing")
	}
	if _, err := cfg.Logging.Compile(); err != nil {
		t.Errorf("default logging config does not compile: %v", err)
	}
}

func TestLoadProxy(t *testing.T) {
	path := writeConfig(t, `
backend:
    provider: proxy
    endpoint: https://proxy.example.com/generate
history:
    token_budget: 4096
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Backend.Provider != ProviderProxy {
		t.Errorf("provider = %q", cfg.Backend.Provider)
	}
	if cfg.History.TokenBudget != 4096 {
		t.Errorf("token budget = %d", cfg.History.TokenBudget)
	}
}

func TestValidateRejections(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"unknown provider", "backend:\n    provider: carrier-pigeon\n"},
		{"proxy without endpoint", "backend:\n    provider: proxy\n"},
		{"negative budget", "backend:\n    api_key: k\nhistory:\n    token_budget: -1\n"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, tc.content)); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

func TestExampleConfigParsesAndValidates(t *testing.T) {
	var cfg Config
	if err := yaml.Unmarshal([]byte(ExampleConfig), &cfg); err != nil {
		t.Fatalf("example config does not parse: %v", err)
	}
	cfg.Backend.APIKey = "test-key"
	if err := cfg.WithDefaults().Validate(); err != nil {
		t.Fatalf("example config does not validate: %v", err)
	}
	if _, err := cfg.Logging.Compile(); err != nil {
		t.Fatalf("example logging section does not compile: %v", err)
	}
}
