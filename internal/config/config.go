package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Backend BackendConfig `yaml:"backend"`
	Redis   RedisConfig   `yaml:"redis"`
	Wizard  WizardConfig  `yaml:"wizard"`
	Session SessionConfig `yaml:"session"`
	Logging LoggingConfig `yaml:"logging"`
}

type ServerConfig struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IndexFile    string        `yaml:"index_file"`
	StaticDir    string        `yaml:"static_dir"`
}

// BackendConfig locates the story service.
type BackendConfig struct {
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
	Retry   RetryConfig   `yaml:"retry"`
}

type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	Delay       time.Duration `yaml:"delay"`
}

// RedisConfig configures the optional analysis cache shared between sessions.
type RedisConfig struct {
	Enabled     bool          `yaml:"enabled"`
	Host        string        `yaml:"host"`
	Port        int           `yaml:"port"`
	Password    string        `yaml:"password"`
	DB          int           `yaml:"db"`
	PoolSize    int           `yaml:"pool_size"`
	AnalysisTTL time.Duration `yaml:"analysis_ttl"`
}

type WizardConfig struct {
	Kudos    bool   `yaml:"kudos"`
	AgeGroup string `yaml:"age_group"`
}

// SessionConfig tunes the websocket connection of each page.
type SessionConfig struct {
	SendBuffer   int           `yaml:"send_buffer"`
	ActionRate   float64       `yaml:"action_rate"`
	ActionBurst  int           `yaml:"action_burst"`
	PingInterval time.Duration `yaml:"ping_interval"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	MaxMessage   int64         `yaml:"max_message"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Default returns the configuration used for anything the file leaves out.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IndexFile:    "web/index.html",
			StaticDir:    "web/static",
		},
		Backend: BackendConfig{
			BaseURL: "http://localhost:5000",
			Timeout: 60 * time.Second,
			Retry:   RetryConfig{MaxAttempts: 3, Delay: 500 * time.Millisecond},
		},
		Redis: RedisConfig{
			Host:        "localhost",
			Port:        6379,
			PoolSize:    10,
			AnalysisTTL: time.Hour,
		},
		Wizard: WizardConfig{AgeGroup: "preK"},
		Session: SessionConfig{
			SendBuffer:   16,
			ActionRate:   20,
			ActionBurst:  40,
			PingInterval: 30 * time.Second,
			ReadTimeout:  60 * time.Second,
			MaxMessage:   8 << 20,
		},
		Logging: LoggingConfig{Level: "info", Format: "text", Output: "stdout"},
	}
}

// Load reads configuration from a YAML file on top of Default.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	// Apply environment variable overrides
	if url := os.Getenv("STORYTALES_BACKEND_URL"); url != "" {
		cfg.Backend.BaseURL = url
	}
	if pw := os.Getenv("REDIS_PASSWORD"); pw != "" {
		cfg.Redis.Password = pw
	}
	if port := os.Getenv("PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid PORT %q: %w", port, err)
		}
		cfg.Server.Port = p
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the server cannot run with.
func (c *Config) Validate() error {
	if c.Backend.BaseURL == "" {
		return fmt.Errorf("backend.base_url is required")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Backend.Retry.MaxAttempts < 1 {
		return fmt.Errorf("backend.retry.max_attempts must be at least 1")
	}
	if c.Session.SendBuffer < 1 {
		return fmt.Errorf("session.send_buffer must be at least 1")
	}
	return nil
}
