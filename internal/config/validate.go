package config

import (
	"errors"
	"fmt"
	"strings"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validatePaths(); err != nil {
		return err
	}
	if err := c.validateLocations(); err != nil {
		return err
	}
	if err := c.validateWorkers(); err != nil {
		return err
	}
	if err := c.validateRetry(); err != nil {
		return err
	}
	if err := c.validateLogging(); err != nil {
		return err
	}
	return nil
}

func (c *Config) validatePaths() error {
	if c.Paths.DataDir == "" {
		return errors.New("paths.data_dir must be set")
	}
	if c.Paths.StagingDir == "" {
		return errors.New("paths.staging_dir must be set")
	}
	if c.Paths.LogDir == "" {
		return errors.New("paths.log_dir must be set")
	}
	return nil
}

func (c *Config) validateLocations() error {
	seen := make(map[string]struct{}, len(c.Locations))
	for i, loc := range c.Locations {
		if loc.ID == "" {
			return fmt.Errorf("locations[%d].id must be set", i)
		}
		if strings.ContainsAny(loc.ID, " /") {
			return fmt.Errorf("locations[%d].id %q must not contain spaces or slashes", i, loc.ID)
		}
		if loc.Root == "" {
			return fmt.Errorf("locations[%d].root must be set", i)
		}
		if _, dup := seen[loc.ID]; dup {
			return fmt.Errorf("duplicate location id %q", loc.ID)
		}
		seen[loc.ID] = struct{}{}
	}
	return nil
}

func (c *Config) validateWorkers() error {
	if c.Workers.Count > 64 {
		return errors.New("workers.count must not exceed 64")
	}
	if c.Workers.LeaseSeconds < 10 {
		return errors.New("workers.lease_seconds must be at least 10")
	}
	return nil
}

func (c *Config) validateRetry() error {
	if c.Retry.MaxDelaySeconds < c.Retry.BaseDelaySeconds {
		return errors.New("retry.max_delay_seconds must be >= retry.base_delay_seconds")
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch c.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("logging.format: unsupported value %q", c.Logging.Format)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level: unsupported value %q", c.Logging.Level)
	}
	return nil
}
