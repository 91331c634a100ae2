// Package config provides configuration management for the trading engine.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	yaml "gopkg.in/yaml.v3"
)

// Scheduler defaults applied when the engine section leaves them unset.
const (
	// defaultTickInterval is used when engine.tick_interval is unset
	defaultTickInterval = "5s"
	// defaultQueueCapacity bounds the setup queue when engine.queue_capacity is unset
	defaultQueueCapacity = 10
	// defaultAPIPort is used when api.port is unset
	defaultAPIPort = 8080
)

// Config represents the complete application configuration.
type Config struct {
	Environment EnvironmentConfig `yaml:"environment"`
	Broker      BrokerConfig      `yaml:"broker"`
	Engine      EngineConfig      `yaml:"engine"`
	API         APIConfig         `yaml:"api"`
	Storage     StorageConfig     `yaml:"storage"`
}

// EnvironmentConfig defines the environment settings.
type EnvironmentConfig struct {
	Mode     string `yaml:"mode"`      // demo | live
	LogLevel string `yaml:"log_level"` // debug | info | warn | error
}

// BrokerConfig defines broker API settings. Credentials are normally
// supplied via ${VAR} expansion from the environment.
type BrokerConfig struct {
	LiveURL   string `yaml:"live_url"`
	DemoURL   string `yaml:"demo_url"`
	WSLiveURL string `yaml:"ws_live_url"`
	WSDemoURL string `yaml:"ws_demo_url"`
	Username  string `yaml:"username"`
	Password  string `yaml:"password"`
	AppID     string `yaml:"app_id"`
	SecretKey string `yaml:"secret_key"`
	AccountID string `yaml:"account_id"`
}

// EngineConfig defines the strategy scheduler parameters.
type EngineConfig struct {
	UserID           string `yaml:"user_id"`
	TickInterval     string `yaml:"tick_interval"`
	QueueCapacity    int    `yaml:"queue_capacity"`
	ExecutionEnabled bool   `yaml:"execution_enabled"`
}

// APIConfig defines the operator API settings.
type APIConfig struct {
	Port      int    `yaml:"port"`
	AuthToken string `yaml:"auth_token"`
}

// StorageConfig defines storage settings for engine data.
type StorageConfig struct {
	Path string `yaml:"path"`
}

// Load reads and parses the configuration file from the specified path.
func Load(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = "config.yaml"
	}

	data, err := os.ReadFile(configPath) // #nosec G304 -- configPath is a user-provided config file path
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	var config Config
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(&config); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	config.normalize()

	// Validate config
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &config, nil
}

// Validate checks that all configuration values are valid and consistent.
func (c *Config) Validate() error {
	// Environment validation
	if c.Environment.Mode != "demo" && c.Environment.Mode != "live" {
		return fmt.Errorf("environment.mode must be 'demo' or 'live'")
	}

	// Broker validation
	if c.Broker.Username == "" {
		return fmt.Errorf("broker.username is required")
	}
	if c.Broker.Password == "" {
		return fmt.Errorf("broker.password is required")
	}
	if c.Broker.AppID == "" {
		return fmt.Errorf("broker.app_id is required")
	}
	if c.Broker.AccountID == "" {
		return fmt.Errorf("broker.account_id is required")
	}
	if c.Environment.Mode == "live" {
		if c.Broker.LiveURL == "" || c.Broker.WSLiveURL == "" {
			return fmt.Errorf("broker.live_url and broker.ws_live_url are required in live mode")
		}
	} else {
		if c.Broker.DemoURL == "" || c.Broker.WSDemoURL == "" {
			return fmt.Errorf("broker.demo_url and broker.ws_demo_url are required in demo mode")
		}
	}

	// Engine validation
	if c.Engine.UserID == "" {
		return fmt.Errorf("engine.user_id is required")
	}
	if d, err := time.ParseDuration(c.Engine.TickInterval); err != nil {
		return fmt.Errorf("engine.tick_interval invalid: %w", err)
	} else if d < time.Second {
		return fmt.Errorf("engine.tick_interval must be >= 1s")
	}
	if c.Engine.QueueCapacity <= 0 {
		return fmt.Errorf("engine.queue_capacity must be > 0")
	}

	// API validation
	if c.API.Port <= 0 || c.API.Port > 65535 {
		return fmt.Errorf("api.port must be in (0,65535]")
	}

	// Storage validation
	if c.Storage.Path == "" {
		return fmt.Errorf("storage.path is required")
	}

	return nil
}

// IsLive returns true if the engine trades the live environment.
func (c *Config) IsLive() bool {
	return c.Environment.Mode == "live"
}

// GetTickInterval returns the configured monitoring tick duration.
func (c *Config) GetTickInterval() time.Duration {
	d, err := time.ParseDuration(c.Engine.TickInterval)
	if err != nil {
		return 5 * time.Second // default
	}
	return d
}

// RESTBaseURL returns the broker REST endpoint for the configured mode.
func (c *Config) RESTBaseURL() string {
	if c.IsLive() {
		return c.Broker.LiveURL
	}
	return c.Broker.DemoURL
}

// MarketDataWSURL returns the market-data websocket endpoint for the
// configured mode.
func (c *Config) MarketDataWSURL() string {
	if c.IsLive() {
		return c.Broker.WSLiveURL
	}
	return c.Broker.WSDemoURL
}

// normalize fills scheduler and API defaults.
func (c *Config) normalize() {
	if c.Engine.TickInterval == "" {
		c.Engine.TickInterval = defaultTickInterval
	}
	if c.Engine.QueueCapacity == 0 {
		c.Engine.QueueCapacity = defaultQueueCapacity
	}
	if c.API.Port == 0 {
		c.API.Port = defaultAPIPort
	}
	if c.Environment.LogLevel == "" {
		c.Environment.LogLevel = "info"
	}
}
