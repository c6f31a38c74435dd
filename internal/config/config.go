package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Config represents runtime configuration for the service.
type Config struct {
	BasicConfig BasicConfig               `json:"basic_config"`
	Databases   map[string]DatabaseConfig `json:"databases"`
	Redis       RedisConfig               `json:"redis"`
	Mistral     MistralConfig             `json:"mistral"`
	Limits      LimitsConfig              `json:"limits"`
}

type BasicConfig struct {
	ServerAddress string `json:"server_address"`
}

type DatabaseConfig struct {
	DSN      string `json:"dsn"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
	DBName   string `json:"db_name"`
	Params   string `json:"params"`
}

type RedisConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

// MistralConfig holds the upstream chat-completion API settings. The API key
// may also be supplied through the MISTRAL_API_KEY environment variable,
// which takes precedence over the file.
type MistralConfig struct {
	BaseURL    string `json:"base_url"`
	APIKey     string `json:"api_key"`
	ChatModel  string `json:"chat_model"`
	TitleModel string `json:"title_model"`
}

// LimitsConfig carries admission-control ceilings: per-client requests per
// minute and the process-wide daily allowance of upstream model calls.
type LimitsConfig struct {
	GlobalPerMinute int   `json:"global_per_minute"`
	AIPerMinute     int   `json:"ai_per_minute"`
	DailyQuota      int64 `json:"daily_quota"`
}

// Load reads configuration from the provided path (defaults to config.json).
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.json"
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	file, err := os.Open(absPath)
	if err != nil {
		return nil, fmt.Errorf("open config %s: %w", absPath, err)
	}
	defer file.Close()

	var cfg Config
	if err := json.NewDecoder(file).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if key := os.Getenv("MISTRAL_API_KEY"); key != "" {
		c.Mistral.APIKey = key
	}
	if c.Mistral.BaseURL == "" {
		c.Mistral.BaseURL = "https://api.mistral.ai/v1"
	}
	if c.Mistral.ChatModel == "" {
		c.Mistral.ChatModel = "mistral-small-latest"
	}
	if c.Mistral.TitleModel == "" {
		c.Mistral.TitleModel = "mistral-medium-latest"
	}
	if c.Limits.GlobalPerMinute <= 0 {
		c.Limits.GlobalPerMinute = 100
	}
	if c.Limits.AIPerMinute <= 0 {
		c.Limits.AIPerMinute = 5
	}
	if c.Limits.DailyQuota <= 0 {
		c.Limits.DailyQuota = 2500
	}
}
