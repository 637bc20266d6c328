package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// WorkerConfig holds configuration for the worker process.
type WorkerConfig struct {
	ServerURL         string `yaml:"remote_server_url"`
	APIKey            string `yaml:"api_key"`
	ClientID          string `yaml:"client_id"`
	LMStudioHost      string `yaml:"lm_studio_host"`
	LMStudioPort      int    `yaml:"lm_studio_port"`
	HealthCheckPort   int    `yaml:"health_check_port"`
	ReconnectInterval time.Duration
	LogLevel          string `yaml:"log_level"`
	ConfigFile        string `yaml:"-"`

	// Upstream call deadlines.
	UnaryTimeout  time.Duration
	StreamTimeout time.Duration
}

// SetDefaults initializes c with built-in defaults.
func (c *WorkerConfig) SetDefaults() {
	c.LMStudioHost = "localhost"
	c.LMStudioPort = 1234
	c.HealthCheckPort = 3001
	c.ReconnectInterval = 5 * time.Second
	c.LogLevel = "info"
	c.UnaryTimeout = 300 * time.Second
	c.StreamTimeout = 600 * time.Second
}

// LoadFile overlays values from a YAML file.
func (c *WorkerConfig) LoadFile(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(b, c)
}

// ApplyEnv overlays environment variables onto the current values.
func (c *WorkerConfig) ApplyEnv() {
	if v := GetEnv("REMOTE_SERVER_URL", ""); v != "" {
		c.ServerURL = v
	}
	if v := GetEnv("API_KEY", ""); v != "" {
		c.APIKey = v
	}
	if v := GetEnv("CLIENT_ID", ""); v != "" {
		c.ClientID = v
	}
	if v := GetEnv("LM_STUDIO_HOST", ""); v != "" {
		c.LMStudioHost = v
	}
	if v := GetEnv("LM_STUDIO_PORT", ""); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.LMStudioPort = n
		}
	}
	if v := GetEnv("HEALTH_CHECK_PORT", ""); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.HealthCheckPort = n
		}
	}
	if v := GetEnv("RECONNECT_INTERVAL", ""); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.ReconnectInterval = time.Duration(n) * time.Millisecond
		}
	}
	if v := GetEnv("LOG_LEVEL", ""); v != "" {
		c.LogLevel = v
	}
}

// BindFlags binds command line flags using the current values as defaults.
func (c *WorkerConfig) BindFlags() {
	flag.StringVar(&c.ConfigFile, "config", GetEnv("CONFIG_FILE", ""), "worker config file path")
	flag.StringVar(&c.ServerURL, "server-url", c.ServerURL, "edge websocket URL")
	flag.StringVar(&c.APIKey, "api-key", c.APIKey, "shared secret presented at auth")
	flag.StringVar(&c.ClientID, "client-id", c.ClientID, "stable worker identifier")
	flag.StringVar(&c.LMStudioHost, "lm-studio-host", c.LMStudioHost, "local inference runtime host")
	flag.IntVar(&c.LMStudioPort, "lm-studio-port", c.LMStudioPort, "local inference runtime port")
	flag.IntVar(&c.HealthCheckPort, "health-port", c.HealthCheckPort, "local health endpoint port")
	flag.DurationVar(&c.ReconnectInterval, "reconnect-interval", c.ReconnectInterval, "delay between reconnect attempts")
	flag.StringVar(&c.LogLevel, "log-level", c.LogLevel, "log verbosity (debug, info, warn, error)")
}

// Validate checks required keys.
func (c *WorkerConfig) Validate() error {
	if c.ServerURL == "" {
		return errors.New("REMOTE_SERVER_URL is required")
	}
	if c.APIKey == "" {
		return errors.New("API_KEY is required")
	}
	if c.ClientID == "" {
		return errors.New("CLIENT_ID is required")
	}
	return nil
}

// LMStudioBaseURL returns the upstream runtime base URL.
func (c *WorkerConfig) LMStudioBaseURL() string {
	return fmt.Sprintf("http://%s:%d", c.LMStudioHost, c.LMStudioPort)
}
