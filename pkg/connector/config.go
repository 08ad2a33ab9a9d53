// Copyright 2024-2026 Aiku AI

package connector

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/rs/zerolog"
	"go.mau.fi/zeroconfig"
	"gopkg.in/yaml.v3"
)

//go:embed example-config.yaml
var ExampleConfig string

// Config holds the monitor configuration.
type Config struct {
	WhatsApp  WhatsAppConfig    `yaml:"whatsapp"`
	Reconnect ReconnectConfig   `yaml:"reconnect"`
	API       APIConfig         `yaml:"api"`
	Monitor   MonitorConfig     `yaml:"monitor"`
	Delivery  DeliveryConfig    `yaml:"delivery"`
	Backend   BackendConfig     `yaml:"backend"`
	Logging   zeroconfig.Config `yaml:"logging"`
}

type WhatsAppConfig struct {
	SessionDB  string `yaml:"session_db"`
	DeviceName string `yaml:"device_name"`
	// LogLevel filters the WhatsApp client library's own logs, which are
	// very chatty at debug level.
	LogLevel       string `yaml:"log_level"`
	CaptureHistory bool   `yaml:"capture_history"`
	PrintQR        bool   `yaml:"print_qr"`

	logLevel zerolog.Level `yaml:"-"`
}

type ReconnectConfig struct {
	BaseDelay  time.Duration `yaml:"base_delay"`
	MaxDelay   time.Duration `yaml:"max_delay"`
	ResetDelay time.Duration `yaml:"reset_delay"`
	ErrorDelay time.Duration `yaml:"error_delay"`
}

type APIConfig struct {
	ListenAddr  string   `yaml:"listen_addr"`
	APIKey      string   `yaml:"api_key"`
	CORSOrigins []string `yaml:"cors_origins"`
}

type MonitorConfig struct {
	GroupsFile   string `yaml:"groups_file"`
	LogCapacity  int    `yaml:"log_capacity"`
	DefaultLimit int    `yaml:"default_limit"`
}

type DeliveryConfig struct {
	MaxAttempts      int           `yaml:"max_attempts"`
	DestinationPause time.Duration `yaml:"destination_pause"`
	SendsPerSecond   float64       `yaml:"sends_per_second"`
}

type BackendConfig struct {
	URL          string        `yaml:"url"`
	AutoClone    bool          `yaml:"auto_clone"`
	CloneTimeout time.Duration `yaml:"clone_timeout"`
	BatchTimeout time.Duration `yaml:"batch_timeout"`
	StatsTimeout time.Duration `yaml:"stats_timeout"`
	QueueTimeout time.Duration `yaml:"queue_timeout"`
	QueueSize    int           `yaml:"queue_size"`
}

func (c *Config) UnmarshalYAML(node *yaml.Node) error {
	type rawConfig Config
	return node.Decode((*rawConfig)(c))
}

// LoadConfig reads the embedded defaults, overlays the file at path if it
// exists, applies environment overrides and post-processes the result.
func LoadConfig(path string) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal([]byte(ExampleConfig), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse default config: %w", err)
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		} else if err == nil {
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("failed to parse %s: %w", path, err)
			}
		}
	}
	cfg.ApplyEnv()
	if err := cfg.PostProcess(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// ApplyEnv overrides config values from the environment.
//
//	FLASK_API              = http://backend:5000
//	WAMONITOR_LISTEN_ADDR  = :3001
//	WAMONITOR_API_KEY      = <shared secret>
func (c *Config) ApplyEnv() {
	if v := os.Getenv("FLASK_API"); v != "" {
		c.Backend.URL = v
	}
	if v := os.Getenv("WAMONITOR_LISTEN_ADDR"); v != "" {
		c.API.ListenAddr = v
	}
	if v := os.Getenv("WAMONITOR_API_KEY"); v != "" {
		c.API.APIKey = v
	}
}

func (c *Config) PostProcess() error {
	if c.WhatsApp.SessionDB == "" {
		c.WhatsApp.SessionDB = "whatsapp-session.db"
	}
	if c.WhatsApp.DeviceName == "" {
		c.WhatsApp.DeviceName = "Promo Brothers"
	}
	c.WhatsApp.logLevel = zerolog.WarnLevel
	if c.WhatsApp.LogLevel != "" {
		lvl, err := zerolog.ParseLevel(c.WhatsApp.LogLevel)
		if err != nil {
			return fmt.Errorf("whatsapp.log_level: %w", err)
		}
		c.WhatsApp.logLevel = lvl
	}

	setDefaultDuration(&c.Reconnect.BaseDelay, 5*time.Second)
	setDefaultDuration(&c.Reconnect.MaxDelay, 2*time.Minute)
	setDefaultDuration(&c.Reconnect.ResetDelay, 3*time.Second)
	setDefaultDuration(&c.Reconnect.ErrorDelay, 10*time.Second)
	if c.Reconnect.MaxDelay < c.Reconnect.BaseDelay {
		c.Reconnect.MaxDelay = c.Reconnect.BaseDelay
	}

	if c.API.ListenAddr == "" {
		c.API.ListenAddr = ":3001"
	}
	if len(c.API.CORSOrigins) == 0 {
		c.API.CORSOrigins = []string{"*"}
	}

	if c.Monitor.GroupsFile == "" {
		c.Monitor.GroupsFile = "monitored_groups.json"
	}
	if c.Monitor.LogCapacity <= 0 {
		return fmt.Errorf("monitor.log_capacity must be positive, got %d", c.Monitor.LogCapacity)
	}
	if c.Monitor.DefaultLimit <= 0 {
		c.Monitor.DefaultLimit = 100
	}

	if c.Delivery.MaxAttempts < 1 {
		return fmt.Errorf("delivery.max_attempts must be at least 1, got %d", c.Delivery.MaxAttempts)
	}
	if c.Delivery.DestinationPause < 0 {
		c.Delivery.DestinationPause = 0
	}
	if c.Delivery.SendsPerSecond < 0 {
		c.Delivery.SendsPerSecond = 0
	}

	if c.Backend.URL == "" {
		return errors.New("backend.url is required")
	}
	if c.Backend.QueueSize <= 0 {
		c.Backend.QueueSize = 256
	}
	return nil
}

// ClientLogLevel returns the parsed whatsapp.log_level.
func (c *Config) ClientLogLevel() zerolog.Level {
	return c.WhatsApp.logLevel
}

func setDefaultDuration(d *time.Duration, def time.Duration) {
	if *d <= 0 {
		*d = def
	}
}
