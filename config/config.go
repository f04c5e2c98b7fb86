// Package config defines the Canvass application configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level Canvass configuration.
type Config struct {
	Server   ServerConfig  `json:"server" yaml:"server"`
	Auth     AuthConfig    `json:"auth" yaml:"auth"`
	Broker   BrokerConfig  `json:"broker" yaml:"broker"`
	LLM      LLMConfig     `json:"llm" yaml:"llm"`
	Agents   []AgentConfig `json:"agents" yaml:"agents"`
	DataDir  string        `json:"data_dir" yaml:"data_dir"`
	LogLevel string        `json:"log_level" yaml:"log_level"`
}

// ServerConfig controls the HTTP server.
type ServerConfig struct {
	Addr string `json:"addr" yaml:"addr"` // listen address, e.g., ":9090"
}

// AuthConfig controls dashboard authentication and secret storage. With
// an empty AdminPass the API runs open (development only).
type AuthConfig struct {
	JWTSecret string `json:"jwt_secret" yaml:"jwt_secret"`
	AdminUser string `json:"admin_user" yaml:"admin_user"`
	AdminPass string `json:"admin_pass" yaml:"admin_pass"` // bcrypt hash
	SecretKey string `json:"secret_key" yaml:"secret_key"` // derives the settings encryption key
}

// BrokerConfig selects and tunes the message transport. An empty broker
// list selects the in-process broker.
type BrokerConfig struct {
	Brokers          []string `json:"brokers,omitempty" yaml:"brokers"`
	TopicPrefix      string   `json:"topic_prefix" yaml:"topic_prefix"`
	Group            string   `json:"group" yaml:"group"`
	Partitions       int      `json:"partitions" yaml:"partitions"`
	CommitIntervalMS int      `json:"commit_interval_ms" yaml:"commit_interval_ms"`
}

// CommitInterval returns the configured offset commit interval.
func (b BrokerConfig) CommitInterval() time.Duration {
	return time.Duration(b.CommitIntervalMS) * time.Millisecond
}

// LLMConfig selects the language-model backend shared by agents.
type LLMConfig struct {
	Provider string `json:"provider" yaml:"provider"` // "mock", "anthropic"
	Model    string `json:"model,omitempty" yaml:"model"`
	APIKey   string `json:"api_key,omitempty" yaml:"api_key"`
}

// AgentConfig enables one agent type and names its instance.
type AgentConfig struct {
	ID   string `json:"id" yaml:"id"`
	Type string `json:"type" yaml:"type"` // monitoring, analysis, strategy, ...
}

// DefaultConfig returns a config with sensible defaults: every agent
// type enabled over the in-process broker.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr: ":9090",
		},
		Auth: AuthConfig{
			AdminUser: "admin",
			SecretKey: "dev-only-secret",
		},
		Broker: BrokerConfig{
			TopicPrefix:      "advocacy",
			Group:            "canvass",
			Partitions:       4,
			CommitIntervalMS: 5000,
		},
		LLM: LLMConfig{
			Provider: "mock",
		},
		DataDir:  "./data",
		LogLevel: "info",
		Agents: []AgentConfig{
			{ID: "monitoring-1", Type: "monitoring"},
			{ID: "analysis-1", Type: "analysis"},
			{ID: "strategy-1", Type: "strategy"},
			{ID: "tactics-1", Type: "tactics"},
			{ID: "content-1", Type: "content"},
			{ID: "distribution-1", Type: "distribution"},
			{ID: "feedback-1", Type: "feedback"},
		},
	}
}

// Load reads a YAML config file and returns the parsed configuration.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}
