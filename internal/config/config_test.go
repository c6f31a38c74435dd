package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `{"basic_config":{"server_address":":9000"}}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.BasicConfig.ServerAddress != ":9000" {
		t.Fatalf("unexpected address: %q", cfg.BasicConfig.ServerAddress)
	}
	if cfg.Mistral.BaseURL != "https://api.mistral.ai/v1" {
		t.Fatalf("unexpected base url: %q", cfg.Mistral.BaseURL)
	}
	if cfg.Mistral.ChatModel != "mistral-small-latest" {
		t.Fatalf("unexpected chat model: %q", cfg.Mistral.ChatModel)
	}
	if cfg.Limits.GlobalPerMinute != 100 || cfg.Limits.AIPerMinute != 5 || cfg.Limits.DailyQuota != 2500 {
		t.Fatalf("unexpected limit defaults: %+v", cfg.Limits)
	}
}

func TestLoadKeepsExplicitValues(t *testing.T) {
	path := writeConfig(t, `{
		"mistral": {"base_url": "https://proxy.internal/v1", "chat_model": "custom"},
		"limits": {"global_per_minute": 10, "ai_per_minute": 2, "daily_quota": 50}
	}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Mistral.BaseURL != "https://proxy.internal/v1" {
		t.Fatalf("unexpected base url: %q", cfg.Mistral.BaseURL)
	}
	if cfg.Mistral.ChatModel != "custom" {
		t.Fatalf("unexpected chat model: %q", cfg.Mistral.ChatModel)
	}
	if cfg.Limits.GlobalPerMinute != 10 || cfg.Limits.AIPerMinute != 2 || cfg.Limits.DailyQuota != 50 {
		t.Fatalf("unexpected limits: %+v", cfg.Limits)
	}
}

func TestLoadAPIKeyFromEnv(t *testing.T) {
	t.Setenv("MISTRAL_API_KEY", "env-key")
	path := writeConfig(t, `{"mistral": {"api_key": "file-key"}}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Mistral.APIKey != "env-key" {
		t.Fatalf("expected the environment to win, got %q", cfg.Mistral.APIKey)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Fatal("expected an error for a missing config file")
	}
}
