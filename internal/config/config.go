// Package config loads daemon configuration from a JSON file at an
// XDG-compatible path with COGNITIO_* environment overrides.
package config

import "fmt"

type Config struct {
	Server  ServerConfig
	Engine  EngineConfig
	Chat    ChatConfig
	Backend BackendConfig
	Storage StorageConfig
	Log     LogConfig
}

type ServerConfig struct {
	Port        int
	MonitorPort int
	Token       string
}

type EngineConfig struct {
	BaseURL      string
	DefaultModel string
}

type ChatConfig struct {
	SystemPrompt string
	Temperature  float64
	MaxTokens    int
	StatusEvery  int
}

type BackendConfig struct {
	BaseURL string
	Token   string
	Timeout string
}

type StorageConfig struct {
	DataDir string
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:        4600,
			MonitorPort: 4601,
		},
		Engine: EngineConfig{
			BaseURL:      "http://localhost:11434",
			DefaultModel: "Llama-3.2-1B-Instruct",
		},
		Chat: ChatConfig{
			SystemPrompt: "You are a helpful AI assistant.",
			Temperature:  0.7,
			MaxTokens:    4096,
			StatusEvery:  10,
		},
		Backend: BackendConfig{
			BaseURL: "http://localhost:4601",
			Timeout: "10s",
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from the JSON file at
// $XDG_CONFIG_HOME/cognitio/config.json, then applies COGNITIO_*
// environment overrides. Secrets (bearer tokens) come from the
// environment only.
func Load() (Config, error) {
	return loadWith(newFileBackend(configFilePath()))
}

func loadWith(b Backend) (Config, error) {
	cfg := defaults()
	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}
	applyEnvOverrides(&cfg)

	if cfg.Chat.Temperature < 0 || cfg.Chat.Temperature > 2 {
		return Config{}, fmt.Errorf("chat.temperature %v out of range [0, 2]", cfg.Chat.Temperature)
	}
	if cfg.Chat.MaxTokens < 1 {
		return Config{}, fmt.Errorf("chat.max_tokens must be positive, got %d", cfg.Chat.MaxTokens)
	}

	return cfg, nil
}
