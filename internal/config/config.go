package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/noxist/ticketd/internal/core"
)

type Config struct {
	Server   ServerConfig    `yaml:"server"`
	Database DatabaseConfig  `yaml:"database"`
	Queue    QueueConfig     `yaml:"queue"`
	Local    LocalConfig     `yaml:"local"`
	Mqtt     MqttConfig      `yaml:"mqtt"`
	Printers []PrinterConfig `yaml:"printers"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
	Auth     AuthConfig      `yaml:"auth"`
	Bulk     BulkConfig      `yaml:"bulk"`
	Logging  LoggingConfig   `yaml:"logging"`
}

type ServerConfig struct {
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

type DatabaseConfig struct {
	Path          string        `yaml:"path"`
	RetentionDays int           `yaml:"retention_days"`
	PruneInterval time.Duration `yaml:"prune_interval"`
}

type QueueConfig struct {
	RetryLimit      int           `yaml:"retry_limit"`
	RetryDelay      time.Duration `yaml:"retry_delay"`
	DeliveryTimeout time.Duration `yaml:"delivery_timeout"`
	QueueDepth      int           `yaml:"queue_depth"`
	CompletedTTL    time.Duration `yaml:"completed_ttl"`
}

type LocalConfig struct {
	DialTimeout time.Duration `yaml:"dial_timeout"`
	IOTimeout   time.Duration `yaml:"io_timeout"`
}

type MqttConfig struct {
	Username       string        `yaml:"username"`
	Password       string        `yaml:"password"`
	UseTLS         bool          `yaml:"use_tls"`
	QoS            int           `yaml:"qos"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	PublishTimeout time.Duration `yaml:"publish_timeout"`
	MaxChunkBytes  int           `yaml:"max_chunk_bytes"`
}

type PrinterConfig struct {
	Name    string `yaml:"name"`
	Kind    string `yaml:"kind"`
	Address string `yaml:"address"`
	Port    int    `yaml:"port"`
	Broker  string `yaml:"broker"`
	Topic   string `yaml:"topic"`
}

type WebhookConfig struct {
	Name   string   `yaml:"name"`
	URL    string   `yaml:"url"`
	Secret string   `yaml:"secret"`
	Events []string `yaml:"events"`
}

type AuthConfig struct {
	// AdminPasswordHash is a bcrypt hash; when empty the API runs without
	// authentication (development mode).
	AdminPasswordHash string `yaml:"admin_password_hash"`
	JWTSecret         string `yaml:"jwt_secret"`
}

type BulkConfig struct {
	Delimiter string `yaml:"delimiter"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

func defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         8080,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
		Database: DatabaseConfig{
			Path:          "./data/ticketd.db",
			RetentionDays: 30,
			PruneInterval: time.Hour,
		},
		Queue: QueueConfig{
			RetryLimit:      3,
			RetryDelay:      2 * time.Second,
			DeliveryTimeout: 10 * time.Second,
			QueueDepth:      128,
			CompletedTTL:    time.Hour,
		},
		Local: LocalConfig{
			DialTimeout: 2 * time.Second,
			IOTimeout:   10 * time.Second,
		},
		Mqtt: MqttConfig{
			UseTLS:         true,
			QoS:            1,
			ConnectTimeout: 10 * time.Second,
			PublishTimeout: 10 * time.Second,
			MaxChunkBytes:  128 * 1024,
		},
		Bulk: BulkConfig{
			Delimiter: "::",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

func Load(configPath string) (*Config, error) {
	cfg := defaults()

	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnv()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("TICKETD_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.Port = port
		}
	}
	if v := os.Getenv("TICKETD_DB_PATH"); v != "" {
		c.Database.Path = v
	}
	if v := os.Getenv("TICKETD_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("TICKETD_MQTT_USERNAME"); v != "" {
		c.Mqtt.Username = v
	}
	if v := os.Getenv("TICKETD_MQTT_PASSWORD"); v != "" {
		c.Mqtt.Password = v
	}
}

func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server port must be between 1 and 65535, got %d", c.Server.Port)
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database path is required")
	}
	if c.Database.RetentionDays < 0 {
		return fmt.Errorf("retention days must be non-negative")
	}
	if c.Queue.RetryLimit < 0 {
		return fmt.Errorf("retry limit must be non-negative")
	}
	if c.Queue.RetryDelay < 0 {
		return fmt.Errorf("retry delay must be non-negative")
	}
	if c.Queue.DeliveryTimeout <= 0 {
		return fmt.Errorf("delivery timeout must be positive")
	}
	if c.Queue.QueueDepth < 1 {
		return fmt.Errorf("queue depth must be at least 1")
	}
	if c.Queue.CompletedTTL <= 0 {
		return fmt.Errorf("completed ttl must be positive")
	}
	if c.Mqtt.QoS < 0 || c.Mqtt.QoS > 2 {
		return fmt.Errorf("mqtt qos must be 0, 1 or 2, got %d", c.Mqtt.QoS)
	}
	if c.Mqtt.MaxChunkBytes < 1 {
		return fmt.Errorf("mqtt max chunk bytes must be positive")
	}
	if c.Bulk.Delimiter == "" {
		return fmt.Errorf("bulk delimiter is required")
	}

	validLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s (valid: debug, info, warn, error)", c.Logging.Level)
	}

	seen := make(map[string]bool, len(c.Printers))
	for i, p := range c.Printers {
		if p.Name == "" {
			return fmt.Errorf("printer %d: name is required", i)
		}
		if seen[p.Name] {
			return fmt.Errorf("printer %q: duplicate name", p.Name)
		}
		seen[p.Name] = true

		switch core.TransportKind(p.Kind) {
		case core.TransportLocal:
			if p.Address == "" {
				return fmt.Errorf("printer %q: address is required for local transport", p.Name)
			}
			if p.Port < 0 || p.Port > 65535 {
				return fmt.Errorf("printer %q: invalid port %d", p.Name, p.Port)
			}
		case core.TransportMqttRelay:
			if p.Broker == "" {
				return fmt.Errorf("printer %q: broker is required for mqtt transport", p.Name)
			}
			if p.Topic == "" {
				return fmt.Errorf("printer %q: topic is required for mqtt transport", p.Name)
			}
		default:
			return fmt.Errorf("printer %q: unknown transport kind %q (valid: local, mqtt)", p.Name, p.Kind)
		}
	}

	validEvents := map[string]bool{
		"job_queued":    true,
		"job_delivered": true,
		"job_failed":    true,
		"job_timed_out": true,
	}
	for _, w := range c.Webhooks {
		if w.URL == "" {
			return fmt.Errorf("webhook %q: url is required", w.Name)
		}
		for _, e := range w.Events {
			if !validEvents[e] {
				return fmt.Errorf("webhook %q: unknown event %q", w.Name, e)
			}
		}
	}

	return nil
}

// Targets converts configured printers into dispatch targets.
func (c *Config) Targets() []*core.PrinterTarget {
	targets := make([]*core.PrinterTarget, 0, len(c.Printers))
	for _, p := range c.Printers {
		targets = append(targets, &core.PrinterTarget{
			Name:    p.Name,
			Kind:    core.TransportKind(p.Kind),
			Address: p.Address,
			Port:    p.Port,
			Broker:  p.Broker,
			Topic:   p.Topic,
		})
	}
	return targets
}
