// Package api provides the HTTP control server for a running engine: status,
// graph replacement, playback control, output levels and Prometheus metrics.
package api

import (
	"fmt"
	"time"

	"github.com/tphakala/audiograph/internal/conf"
	"github.com/tphakala/audiograph/internal/logger"
)

// GetLogger returns the api package logger.
func GetLogger() logger.Logger {
	return logger.Global().Module("api")
}

// Config is what the server needs from the server settings section plus
// fixed socket timeouts.
type Config struct {
	Listen          string
	AllowedOrigins  []string
	BodyLimit       string
	ShutdownTimeout time.Duration

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// DefaultConfig listens on :8080 and accepts bodies up to 2M from any origin.
func DefaultConfig() *Config {
	return &Config{
		Listen:          ":8080",
		AllowedOrigins:  []string{"*"},
		BodyLimit:       "2M",
		ShutdownTimeout: 10 * time.Second,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		IdleTimeout:     2 * time.Minute,
	}
}

// ConfigFromSettings overlays the non-zero server settings on DefaultConfig.
func ConfigFromSettings(settings *conf.Settings) *Config {
	cfg := DefaultConfig()
	s := settings.Server
	if s.Listen != "" {
		cfg.Listen = s.Listen
	}
	if len(s.AllowedOrigins) > 0 {
		cfg.AllowedOrigins = s.AllowedOrigins
	}
	if s.BodyLimit != "" {
		cfg.BodyLimit = s.BodyLimit
	}
	if s.ShutdownTimeout > 0 {
		cfg.ShutdownTimeout = s.ShutdownTimeout
	}
	return cfg
}

func (c *Config) Validate() error {
	switch {
	case c.Listen == "":
		return fmt.Errorf("listen address is required")
	case c.ReadTimeout <= 0, c.WriteTimeout <= 0:
		return fmt.Errorf("read and write timeouts must be positive")
	case c.ShutdownTimeout <= 0:
		return fmt.Errorf("shutdown timeout must be positive")
	}
	return nil
}

func (c *Config) String() string {
	return fmt.Sprintf("listen=%s origins=%v body_limit=%s", c.Listen, c.AllowedOrigins, c.BodyLimit)
}
