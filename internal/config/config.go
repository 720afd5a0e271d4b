// Package config loads the palettemesh.yml file used by the CLI and server.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hupe1980/palettemesh/core"
	"github.com/hupe1980/palettemesh/logging"
)

// Supported values.
const (
	Version = "1"

	BackendMemory = "memory"
	BackendRedis  = "redis"
	BackendBadger = "badger"

	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
	ProviderGemini    = "gemini"
	ProviderMock      = "mock"
)

// Config represents the top-level palettemesh.yml configuration
type Config struct {
	Version   string          `yaml:"version"`
	Server    ServerConfig    `yaml:"server"`
	Logging   LoggingConfig   `yaml:"logging"`
	Session   SessionConfig   `yaml:"session"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Prompt    PromptConfig    `yaml:"prompt,omitempty"`
	Producers []Producer      `yaml:"producers"`
}

// PromptConfig overrides the system instructions sent to every producer.
// Instructions may use text/template syntax against the request, e.g.
// {{.Query}} and {{.Limit}}.
type PromptConfig struct {
	Instructions string `yaml:"instructions,omitempty"`
}

// ServerConfig specifies the HTTP listener
type ServerConfig struct {
	Addr              string        `yaml:"addr"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
	AllowedOrigins    []string      `yaml:"allowed_origins,omitempty"` // WebSocket origin check; empty allows same-origin only
	DefaultLimit      int           `yaml:"default_limit,omitempty"`   // Used when a request names no limit
}

// LoggingConfig mirrors logging.LoggerConfig
type LoggingConfig struct {
	Level     string `yaml:"level"`
	Format    string `yaml:"format"` // "json" or "text"
	AddSource bool   `yaml:"add_source,omitempty"`
}

// SessionConfig selects and configures the session store
type SessionConfig struct {
	Backend string        `yaml:"backend"`
	Redis   *RedisConfig  `yaml:"redis,omitempty"`
	Badger  *BadgerConfig `yaml:"badger,omitempty"`
}

// RedisConfig specifies the Redis session backend
type RedisConfig struct {
	Addr        string        `yaml:"addr"`
	PasswordEnv string        `yaml:"password_env,omitempty"` // Environment variable holding the password
	DB          int           `yaml:"db,omitempty"`
	Namespace   string        `yaml:"namespace,omitempty"`
	TTL         time.Duration `yaml:"ttl,omitempty"`
}

// BadgerConfig specifies the embedded session backend
type BadgerConfig struct {
	Dir      string `yaml:"dir,omitempty"`
	InMemory bool   `yaml:"in_memory,omitempty"`
}

// SchedulerConfig specifies fan-in behavior
type SchedulerConfig struct {
	BufferSize               int           `yaml:"buffer_size,omitempty"`
	ProducerTimeout          time.Duration `yaml:"producer_timeout,omitempty"`
	Stagger                  time.Duration `yaml:"stagger,omitempty"`
	MaxConcurrentGenerations int           `yaml:"max_concurrent_generations,omitempty"`
}

// Producer represents one backend model
type Producer struct {
	Key         string   `yaml:"key"`  // Wire modelKey, must be unique
	Name        string   `yaml:"name"` // Display name, defaults to Model
	Provider    string   `yaml:"provider"`
	Model       string   `yaml:"model,omitempty"`
	APIKeyEnv   string   `yaml:"api_key_env,omitempty"`
	BaseURL     string   `yaml:"base_url,omitempty"`
	Temperature *float64 `yaml:"temperature,omitempty"`
	MaxTokens   int      `yaml:"max_tokens,omitempty"`
	MaxPending  int      `yaml:"max_pending,omitempty"` // Extractor retention bound in bytes

	// Mock provider only: text streamed in fragments of ChunkSize every ChunkDelay.
	Script     string        `yaml:"script,omitempty"`
	ChunkSize  int           `yaml:"chunk_size,omitempty"`
	ChunkDelay time.Duration `yaml:"chunk_delay,omitempty"`
}

// APIKey reads the producer's key from its environment variable.
func (p Producer) APIKey() string {
	if p.APIKeyEnv == "" {
		return ""
	}
	return os.Getenv(p.APIKeyEnv)
}

// DemoScript is streamed by the default mock producer.
const DemoScript = `Here are some palettes:
["#0a1628","#0d3b4a","#1a6b6b","#4a9b8a","#8bcbaa","#d4f0e0"]
["#2b1d0e","#5c3d1e","#8a5a2b","#c08040","#f0c080"]
["#1b2e1b","#2f4f2f","#4a7a4a","#6b9b6b","#a3c9a3"]`

// Default returns a runnable configuration with a single mock producer.
func Default() *Config {
	c := &Config{
		Version: Version,
		Producers: []Producer{{
			Key:        "demo",
			Name:       "Demo",
			Provider:   ProviderMock,
			Script:     DemoScript,
			ChunkSize:  12,
			ChunkDelay: 20 * time.Millisecond,
		}},
	}
	c.applyDefaults()
	return c
}

func (c *Config) applyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Server.ReadHeaderTimeout == 0 {
		c.Server.ReadHeaderTimeout = 10 * time.Second
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 15 * time.Second
	}
	if c.Server.DefaultLimit == 0 {
		c.Server.DefaultLimit = core.DefaultLimit
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Session.Backend == "" {
		c.Session.Backend = BackendMemory
	}
	if c.Scheduler.BufferSize == 0 {
		c.Scheduler.BufferSize = 32
	}
	for i := range c.Producers {
		p := &c.Producers[i]
		if p.Name == "" {
			p.Name = p.Model
		}
		if p.Name == "" {
			p.Name = p.Key
		}
	}
}

// Validate performs strict validation on the configuration
func (c *Config) Validate() error {
	if c.Version != Version {
		return fmt.Errorf("unsupported version: %q (expected: %s)", c.Version, Version)
	}

	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		return err
	}
	if c.Logging.Format != "json" && c.Logging.Format != "text" {
		return fmt.Errorf("invalid logging format %q (expected json or text)", c.Logging.Format)
	}

	if c.Server.DefaultLimit < 1 || c.Server.DefaultLimit > core.MaxLimit {
		return fmt.Errorf("server.default_limit must be between 1 and %d", core.MaxLimit)
	}

	switch c.Session.Backend {
	case BackendMemory:
	case BackendRedis:
		if c.Session.Redis == nil || c.Session.Redis.Addr == "" {
			return fmt.Errorf("session.redis.addr is required for the redis backend")
		}
		if c.Session.Redis.TTL < 0 {
			return fmt.Errorf("session.redis.ttl must not be negative")
		}
	case BackendBadger:
		if c.Session.Badger == nil || (c.Session.Badger.Dir == "" && !c.Session.Badger.InMemory) {
			return fmt.Errorf("session.badger.dir is required unless in_memory is set")
		}
	default:
		return fmt.Errorf("unknown session backend %q", c.Session.Backend)
	}

	if c.Scheduler.ProducerTimeout < 0 || c.Scheduler.Stagger < 0 {
		return fmt.Errorf("scheduler durations must not be negative")
	}
	if c.Scheduler.BufferSize < 0 || c.Scheduler.MaxConcurrentGenerations < 0 {
		return fmt.Errorf("scheduler sizes must not be negative")
	}

	if len(c.Producers) == 0 {
		return fmt.Errorf("no producers defined")
	}
	seen := make(map[string]struct{}, len(c.Producers))
	for i, p := range c.Producers {
		if err := p.Validate(); err != nil {
			return fmt.Errorf("producer %d: %w", i, err)
		}
		if _, ok := seen[p.Key]; ok {
			return fmt.Errorf("duplicate producer key '%s'", p.Key)
		}
		seen[p.Key] = struct{}{}
	}
	return nil
}

// Validate checks a single producer entry
func (p Producer) Validate() error {
	if p.Key == "" {
		return fmt.Errorf("key is required")
	}
	switch p.Provider {
	case ProviderOpenAI, ProviderAnthropic, ProviderGemini:
		if p.Model == "" {
			return fmt.Errorf("producer '%s': model is required for provider %s", p.Key, p.Provider)
		}
	case ProviderMock:
		if p.Script == "" {
			return fmt.Errorf("producer '%s': script is required for the mock provider", p.Key)
		}
	default:
		return fmt.Errorf("producer '%s': unknown provider %q", p.Key, p.Provider)
	}
	if p.Temperature != nil && (*p.Temperature < 0 || *p.Temperature > 2) {
		return fmt.Errorf("producer '%s': temperature must be between 0 and 2", p.Key)
	}
	if p.MaxTokens < 0 || p.ChunkSize < 0 || p.ChunkDelay < 0 {
		return fmt.Errorf("producer '%s': sizes and delays must not be negative", p.Key)
	}
	return nil
}

// LoggerConfig converts the logging section.
func (c *Config) LoggerConfig() *logging.LoggerConfig {
	cfg := logging.DefaultLoggerConfig()
	if lvl, err := logging.ParseLevel(c.Logging.Level); err == nil {
		cfg.Level = lvl
	}
	cfg.Format = c.Logging.Format
	cfg.AddSource = c.Logging.AddSource
	return cfg
}

// Parse decodes and validates YAML configuration data.
func Parse(data []byte) (*Config, error) {
	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	config.applyDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// Load reads, parses and validates the configuration file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	return Parse(data)
}
