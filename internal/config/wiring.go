package config

import (
	"fmt"
	"time"

	"framewitness/internal/logging"
)

// LoggerConfig translates the logging section into a logging.Config.
func (c *Config) LoggerConfig(component string) (*logging.Config, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	level, err := logging.ParseLevel(c.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("logging.level: %w", err)
	}
	format, err := logging.ParseFormat(c.Logging.Format)
	if err != nil {
		return nil, fmt.Errorf("logging.format: %w", err)
	}
	return &logging.Config{
		Level:      level,
		Format:     format,
		Output:     c.Logging.Output,
		FilePath:   c.Logging.FilePath,
		MaxSize:    int64(c.Logging.MaxSizeMB),
		MaxAge:     c.Logging.MaxAgeDays,
		MaxBackups: c.Logging.MaxBackups,
		Compress:   c.Logging.Compress,
		Component:  component,
	}, nil
}

// RetryInterval returns the initial and maximum signing retry delays.
func (c *Config) RetryInterval() (initial, maxInterval time.Duration) {
	return ms(c.Retry.InitialIntervalMs), ms(c.Retry.MaxIntervalMs)
}
