// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package config provides environment-driven configuration for the core
// runtime.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the resolved runtime configuration. All values come from the
// environment; there is no config file surface.
type Config struct {
	Port           int
	AllowedOrigins []string
	APIKey         string
	LogLevel       string

	// Dispatch tunables
	DefaultTimeout time.Duration
	MaxFallbacks   int

	// Breaker tunables
	BreakerThreshold int
	BreakerCooldown  time.Duration

	// Distribution tunables
	StreamQueueSize     int
	StreamFailThreshold int

	// Media pipeline
	MediaEnabled bool
}

// Defaults returns the configuration with every tunable at its documented
// default.
func Defaults() Config {
	return Config{
		Port:                3000,
		LogLevel:            "info",
		DefaultTimeout:      10 * time.Second,
		MaxFallbacks:        2,
		BreakerThreshold:    5,
		BreakerCooldown:     30 * time.Second,
		StreamQueueSize:     256,
		StreamFailThreshold: 10,
	}
}

// FromEnv resolves the configuration from the process environment. Numeric
// values are parsed strictly: suffixed strings like "3000http" are rejected.
func FromEnv() (Config, error) {
	cfg := Defaults()

	if v := os.Getenv("PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("PORT: %w", err)
		}
		cfg.Port = port
	}

	if v := os.Getenv("ALLOWED_ORIGINS"); v != "" {
		for _, o := range strings.Split(v, ",") {
			if o = strings.TrimSpace(o); o != "" {
				cfg.AllowedOrigins = append(cfg.AllowedOrigins, o)
			}
		}
	}

	cfg.APIKey = os.Getenv("API_KEY")

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}

	var err error
	if cfg.DefaultTimeout, err = envDuration("SYN_DISPATCH_TIMEOUT", cfg.DefaultTimeout); err != nil {
		return Config{}, err
	}
	if cfg.MaxFallbacks, err = envInt("SYN_MAX_FALLBACKS", cfg.MaxFallbacks); err != nil {
		return Config{}, err
	}
	if cfg.BreakerThreshold, err = envInt("SYN_BREAKER_THRESHOLD", cfg.BreakerThreshold); err != nil {
		return Config{}, err
	}
	if cfg.BreakerCooldown, err = envDuration("SYN_BREAKER_COOLDOWN", cfg.BreakerCooldown); err != nil {
		return Config{}, err
	}
	if cfg.StreamQueueSize, err = envInt("SYN_STREAM_QUEUE_SIZE", cfg.StreamQueueSize); err != nil {
		return Config{}, err
	}
	if cfg.StreamFailThreshold, err = envInt("SYN_STREAM_FAIL_THRESHOLD", cfg.StreamFailThreshold); err != nil {
		return Config{}, err
	}
	if v := os.Getenv("SYN_MEDIA_ENABLED"); v != "" {
		b, perr := strconv.ParseBool(v)
		if perr != nil {
			return Config{}, fmt.Errorf("SYN_MEDIA_ENABLED: %w", perr)
		}
		cfg.MediaEnabled = b
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the configuration for structurally impossible values.
func (c Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	if c.DefaultTimeout <= 0 {
		return fmt.Errorf("dispatch timeout must be positive, got %s", c.DefaultTimeout)
	}
	if c.MaxFallbacks < 0 {
		return fmt.Errorf("max fallbacks must be non-negative, got %d", c.MaxFallbacks)
	}
	if c.BreakerThreshold < 1 {
		return fmt.Errorf("breaker threshold must be at least 1, got %d", c.BreakerThreshold)
	}
	if c.StreamQueueSize < 1 {
		return fmt.Errorf("stream queue size must be at least 1, got %d", c.StreamQueueSize)
	}
	if c.StreamFailThreshold < 1 {
		return fmt.Errorf("stream fail threshold must be at least 1, got %d", c.StreamFailThreshold)
	}
	return nil
}

// OriginAllowed reports whether the Origin header value is acceptable for
// WebSocket upgrades. An empty allow-list permits only same-host clients,
// which the API layer resolves; "*" permits everything.
func (c Config) OriginAllowed(origin string) bool {
	for _, o := range c.AllowedOrigins {
		if o == "*" || strings.EqualFold(o, origin) {
			return true
		}
	}
	return false
}

func envInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func envDuration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}
