package config

import (
	"errors"
	"flag"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// EdgeConfig holds configuration for the edge process.
type EdgeConfig struct {
	Host            string `yaml:"host"`
	Port            int    `yaml:"port"`
	APIKey          string `yaml:"api_key"`
	JWTSecret       string `yaml:"jwt_secret"`
	JWTExpiresIn    time.Duration
	WSPath          string `yaml:"ws_path"`
	PingInterval    time.Duration
	EnableStreaming bool   `yaml:"enable_streaming"`
	LogLevel        string `yaml:"log_level"`
	RateLimitRPM    int    `yaml:"rate_limit_rpm"`
	RedisURL        string `yaml:"redis_url"`
	ModelsCacheTTL  time.Duration
	ConfigFile      string `yaml:"-"`

	// Per-kind pending request deadlines.
	TimeoutModels     time.Duration
	TimeoutUnary      time.Duration
	TimeoutEmbeddings time.Duration
	TimeoutStream     time.Duration
}

// SetDefaults initializes c with built-in defaults.
func (c *EdgeConfig) SetDefaults() {
	c.Host = "0.0.0.0"
	c.Port = 8080
	c.JWTExpiresIn = 24 * time.Hour
	c.WSPath = "/ws"
	c.PingInterval = 30 * time.Second
	c.EnableStreaming = true
	c.LogLevel = "info"
	c.ModelsCacheTTL = 60 * time.Second
	c.TimeoutModels = 10 * time.Second
	c.TimeoutUnary = 60 * time.Second
	c.TimeoutEmbeddings = 30 * time.Second
	c.TimeoutStream = 300 * time.Second
}

// LoadFile overlays values from a YAML file.
func (c *EdgeConfig) LoadFile(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(b, c)
}

// ApplyEnv overlays environment variables onto the current values.
func (c *EdgeConfig) ApplyEnv() {
	if v := GetEnv("HOST", ""); v != "" {
		c.Host = v
	}
	if v := GetEnv("PORT", ""); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Port = n
		}
	}
	if v := GetEnv("API_KEY", ""); v != "" {
		c.APIKey = v
	}
	if v := GetEnv("JWT_SECRET", ""); v != "" {
		c.JWTSecret = v
	}
	if v := GetEnv("JWT_EXPIRES_IN", ""); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.JWTExpiresIn = d
		}
	}
	if v := GetEnv("WS_PATH", ""); v != "" {
		c.WSPath = v
	}
	if v := GetEnv("WS_PING_INTERVAL_MS", ""); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.PingInterval = time.Duration(n) * time.Millisecond
		}
	}
	if v := GetEnv("ENABLE_STREAMING", ""); v != "" {
		c.EnableStreaming = v != "false" && v != "0"
	}
	if v := GetEnv("LOG_LEVEL", ""); v != "" {
		c.LogLevel = v
	}
	if v := GetEnv("RATE_LIMIT_RPM", ""); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.RateLimitRPM = n
		}
	}
	if v := GetEnv("REDIS_URL", ""); v != "" {
		c.RedisURL = v
	}
	if v := GetEnv("MODELS_CACHE_TTL", ""); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.ModelsCacheTTL = d
		}
	}
	applyEnvMs := func(key string, dst *time.Duration) {
		if v := GetEnv(key, ""); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = time.Duration(n) * time.Millisecond
			}
		}
	}
	applyEnvMs("TIMEOUT_MODELS_MS", &c.TimeoutModels)
	applyEnvMs("TIMEOUT_UNARY_MS", &c.TimeoutUnary)
	applyEnvMs("TIMEOUT_EMBEDDINGS_MS", &c.TimeoutEmbeddings)
	applyEnvMs("TIMEOUT_STREAM_MS", &c.TimeoutStream)
}

// BindFlags binds command line flags using the current values as defaults.
func (c *EdgeConfig) BindFlags() {
	flag.StringVar(&c.ConfigFile, "config", GetEnv("CONFIG_FILE", ""), "edge config file path")
	flag.StringVar(&c.Host, "host", c.Host, "bind address")
	flag.IntVar(&c.Port, "port", c.Port, "HTTP listen port for the public API")
	flag.StringVar(&c.APIKey, "api-key", c.APIKey, "shared secret clients and workers must present")
	flag.StringVar(&c.JWTSecret, "jwt-secret", c.JWTSecret, "signing key for worker tokens")
	flag.DurationVar(&c.JWTExpiresIn, "jwt-expires-in", c.JWTExpiresIn, "worker token lifetime")
	flag.StringVar(&c.WSPath, "ws-path", c.WSPath, "path workers use to establish WebSocket connections")
	flag.DurationVar(&c.PingInterval, "ping-interval", c.PingInterval, "liveness sweep interval")
	flag.BoolVar(&c.EnableStreaming, "enable-streaming", c.EnableStreaming, "allow SSE streaming responses")
	flag.StringVar(&c.LogLevel, "log-level", c.LogLevel, "log verbosity (debug, info, warn, error)")
	flag.IntVar(&c.RateLimitRPM, "rate-limit-rpm", c.RateLimitRPM, "per-credential requests per minute; 0 disables")
	flag.StringVar(&c.RedisURL, "redis-url", c.RedisURL, "redis URL for rate limit counters")
}

// Validate checks required keys and clamps bounded values.
func (c *EdgeConfig) Validate() error {
	if c.APIKey == "" {
		return errors.New("API_KEY is required")
	}
	if c.JWTSecret == "" {
		return errors.New("JWT_SECRET is required")
	}
	if c.PingInterval < time.Second {
		c.PingInterval = time.Second
	}
	return nil
}

// TimeoutFor returns the pending deadline for a request kind and mode.
func (c *EdgeConfig) TimeoutFor(kind string, stream bool) time.Duration {
	if stream {
		return c.TimeoutStream
	}
	switch kind {
	case "models":
		return c.TimeoutModels
	case "embeddings":
		return c.TimeoutEmbeddings
	}
	return c.TimeoutUnary
}
