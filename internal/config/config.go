// Package config provides application configuration.
package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ashureev/facegate/internal/session"
)

// Config holds all application configuration.
type Config struct {
	Host string `yaml:"host"`
	Port string `yaml:"port"`

	// MaxMessageBytes caps one inbound WebSocket message.
	MaxMessageBytes    int64         `yaml:"max_message_bytes"`
	RecognitionTimeout time.Duration `yaml:"recognition_timeout"`
	SimulatedLatency   time.Duration `yaml:"simulated_latency"`
	BusyPolicy         string        `yaml:"busy_policy"`
	QueueDepth         int           `yaml:"queue_depth"`

	// RecognizerAddr selects the gRPC recognizer when set.
	RecognizerAddr string `yaml:"recognizer_addr"`
	// RedisAddr enables result caching when set.
	RedisAddr string        `yaml:"redis_addr"`
	CacheTTL  time.Duration `yaml:"cache_ttl"`

	DBPath           string        `yaml:"db_path"`
	AttemptRetention time.Duration `yaml:"attempt_retention"`

	AllowedOrigins []string      `yaml:"allowed_origins"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		Host:               "0.0.0.0",
		Port:               "3000",
		MaxMessageBytes:    10_000_000,
		RecognitionTimeout: 5 * time.Second,
		SimulatedLatency:   500 * time.Millisecond,
		BusyPolicy:         string(session.PolicyReject),
		QueueDepth:         4,
		CacheTTL:           10 * time.Minute,
		DBPath:             "./data/facegate.db",
		AttemptRetention:   7 * 24 * time.Hour,
		AllowedOrigins:     []string{"*"},
		WriteTimeout:       5 * time.Second,
	}
}

// Load builds the configuration from defaults, the optional YAML file named
// by CONFIG_FILE, and environment variables, in that order.
func Load() (*Config, error) {
	cfg := Default()

	if path := getEnv("CONFIG_FILE", ""); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.Host = getEnv("HOST", c.Host)
	c.Port = getEnv("PORT", c.Port)
	c.MaxMessageBytes = int64(getEnvInt("MAX_MESSAGE_BYTES", int(c.MaxMessageBytes)))
	c.RecognitionTimeout = getEnvDuration("RECOGNITION_TIMEOUT", c.RecognitionTimeout)
	c.SimulatedLatency = getEnvDuration("SIMULATED_LATENCY", c.SimulatedLatency)
	c.BusyPolicy = getEnv("BUSY_POLICY", c.BusyPolicy)
	c.QueueDepth = getEnvInt("QUEUE_DEPTH", c.QueueDepth)
	c.RecognizerAddr = getEnv("RECOGNIZER_ADDR", c.RecognizerAddr)
	c.RedisAddr = getEnv("REDIS_ADDR", c.RedisAddr)
	c.CacheTTL = getEnvDuration("CACHE_TTL", c.CacheTTL)
	c.DBPath = getEnv("DB_PATH", c.DBPath)
	c.AttemptRetention = getEnvDuration("ATTEMPT_RETENTION", c.AttemptRetention)
	c.WriteTimeout = getEnvDuration("WRITE_TIMEOUT", c.WriteTimeout)
	if origins := getEnv("ALLOWED_ORIGINS", ""); origins != "" {
		c.AllowedOrigins = splitList(origins)
	}
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if _, err := strconv.Atoi(c.Port); err != nil {
		return fmt.Errorf("PORT must be numeric: %q", c.Port)
	}
	if c.MaxMessageBytes <= 0 {
		return fmt.Errorf("MAX_MESSAGE_BYTES must be > 0")
	}
	if c.RecognitionTimeout <= 0 {
		return fmt.Errorf("RECOGNITION_TIMEOUT must be > 0")
	}
	if c.SimulatedLatency < 0 {
		return fmt.Errorf("SIMULATED_LATENCY cannot be negative")
	}
	if _, err := session.ParsePolicy(c.BusyPolicy); err != nil {
		return fmt.Errorf("BUSY_POLICY: %w", err)
	}
	if c.QueueDepth <= 0 {
		return fmt.Errorf("QUEUE_DEPTH must be > 0")
	}
	if c.RedisAddr != "" && c.CacheTTL <= 0 {
		return fmt.Errorf("CACHE_TTL must be > 0 when REDIS_ADDR is set")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.AttemptRetention <= 0 {
		return fmt.Errorf("ATTEMPT_RETENTION must be > 0")
	}
	if len(c.AllowedOrigins) == 0 {
		return fmt.Errorf("ALLOWED_ORIGINS cannot be empty")
	}
	if c.WriteTimeout <= 0 {
		return fmt.Errorf("WRITE_TIMEOUT must be > 0")
	}
	return nil
}

// Addr returns the listen address.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Host, c.Port)
}

// Policy returns the parsed busy policy. Validate must have succeeded.
func (c *Config) Policy() session.Policy {
	p, _ := session.ParsePolicy(c.BusyPolicy)
	return p
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
