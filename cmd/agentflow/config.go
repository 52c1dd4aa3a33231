package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type (
	// Config is the service configuration loaded from YAML. Every field
	// except the OpenAI API key has a working default so a config file
	// holding only the key (or an OPENAI_API_KEY environment variable) boots
	// against local Redis and Mongo.
	Config struct {
		// HTTPAddr is the listen address of the agent run API.
		HTTPAddr string `yaml:"http_addr"`

		// InstanceID distinguishes this process on presence keys and
		// control channels. Generated when empty.
		InstanceID string `yaml:"instance_id"`

		// PresenceTTL is the lifetime of active-run presence keys.
		PresenceTTL time.Duration `yaml:"presence_ttl"`

		Redis  RedisConfig  `yaml:"redis"`
		Mongo  MongoConfig  `yaml:"mongo"`
		OpenAI OpenAIConfig `yaml:"openai"`
	}

	// RedisConfig locates the Redis backing the control bus, presence keys
	// and event mirror streams.
	RedisConfig struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
	}

	// MongoConfig locates the MongoDB backing the thread and run stores.
	MongoConfig struct {
		URI      string `yaml:"uri"`
		Database string `yaml:"database"`
	}

	// OpenAIConfig configures the model provider.
	OpenAIConfig struct {
		APIKey string `yaml:"api_key"`
		Model  string `yaml:"model"`
	}
)

// DefaultConfig returns the local-development defaults.
func DefaultConfig() Config {
	return Config{
		HTTPAddr:    ":8080",
		PresenceTTL: 5 * time.Minute,
		Redis:       RedisConfig{Addr: "localhost:6379"},
		Mongo:       MongoConfig{URI: "mongodb://localhost:27017", Database: "agentflow"},
		OpenAI:      OpenAIConfig{Model: "gpt-4o"},
	}
}

// LoadConfig reads the YAML config at path over the defaults. An empty path
// returns the defaults; the OPENAI_API_KEY environment variable overrides the
// file so keys stay out of config files.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %q: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %q: %w", path, err)
		}
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		cfg.OpenAI.APIKey = key
	}
	if cfg.OpenAI.APIKey == "" {
		return Config{}, fmt.Errorf("openai api key is required (config openai.api_key or OPENAI_API_KEY)")
	}
	return cfg, nil
}
