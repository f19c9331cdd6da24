package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

func (c *Config) normalize() error {
	if err := c.normalizePaths(); err != nil {
		return err
	}
	if err := c.normalizeLocations(); err != nil {
		return err
	}
	c.normalizeDiscovery()
	c.normalizeWorkers()
	c.normalizeRetry()
	c.normalizeRetention()
	c.normalizeCollaborators()
	c.normalizeLogging()
	return nil
}

func (c *Config) normalizePaths() error {
	var err error
	if c.Paths.DataDir, err = expandPath(c.Paths.DataDir); err != nil {
		return fmt.Errorf("paths.data_dir: %w", err)
	}
	if c.Paths.StagingDir, err = expandPath(c.Paths.StagingDir); err != nil {
		return fmt.Errorf("paths.staging_dir: %w", err)
	}
	if c.Paths.LogDir, err = expandPath(c.Paths.LogDir); err != nil {
		return fmt.Errorf("paths.log_dir: %w", err)
	}
	c.Paths.APIBind = strings.TrimSpace(c.Paths.APIBind)
	if c.Paths.APIBind == "" {
		c.Paths.APIBind = defaultAPIBind
	}
	if c.Paths.APIToken == "" {
		if value, ok := os.LookupEnv("CONVEYOR_API_TOKEN"); ok {
			c.Paths.APIToken = strings.TrimSpace(value)
		}
	}
	return nil
}

func (c *Config) normalizeLocations() error {
	for i := range c.Locations {
		loc := &c.Locations[i]
		loc.ID = strings.TrimSpace(loc.ID)
		root, err := expandPath(loc.Root)
		if err != nil {
			return fmt.Errorf("locations[%d].root: %w", i, err)
		}
		loc.Root = root
	}
	return nil
}

func (c *Config) normalizeDiscovery() {
	if c.Discovery.ProbeInterval <= 0 {
		c.Discovery.ProbeInterval = defaultProbeInterval
	}
	if c.Discovery.MaxPerLocation <= 0 {
		c.Discovery.MaxPerLocation = defaultMaxPerLocation
	}
	if c.Discovery.DefaultPriority <= 0 {
		c.Discovery.DefaultPriority = defaultPriority
	}
	if len(c.Discovery.Extensions) == 0 {
		c.Discovery.Extensions = append([]string(nil), defaultExtensions...)
	}
	for i, ext := range c.Discovery.Extensions {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext != "" && !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		c.Discovery.Extensions[i] = ext
	}
}

func (c *Config) normalizeWorkers() {
	if c.Workers.Count <= 0 {
		c.Workers.Count = defaultWorkerCount
	}
	if c.Workers.PollInterval <= 0 {
		c.Workers.PollInterval = defaultPollInterval
	}
	if c.Workers.LeaseSeconds <= 0 {
		c.Workers.LeaseSeconds = defaultLeaseSeconds
	}
	if c.Workers.ErrorRetryInterval <= 0 {
		c.Workers.ErrorRetryInterval = defaultErrorRetryInterval
	}
	if c.Workers.StaleWorkerTimeout <= 0 {
		c.Workers.StaleWorkerTimeout = defaultStaleWorkerTimeout
	}
}

func (c *Config) normalizeRetry() {
	if c.Retry.MaxAttempts <= 0 {
		c.Retry.MaxAttempts = defaultMaxAttempts
	}
	if c.Retry.BaseDelaySeconds <= 0 {
		c.Retry.BaseDelaySeconds = defaultBaseDelaySeconds
	}
	if c.Retry.MaxDelaySeconds <= 0 {
		c.Retry.MaxDelaySeconds = defaultMaxDelaySeconds
	}
}

func (c *Config) normalizeRetention() {
	if c.Retention.CompletedHours <= 0 {
		c.Retention.CompletedHours = defaultCompletedHours
	}
	if c.Retention.FailedHours <= 0 {
		c.Retention.FailedHours = defaultFailedHours
	}
	if c.Retention.CancelledHours <= 0 {
		c.Retention.CancelledHours = defaultCancelledHours
	}
	if strings.TrimSpace(c.Retention.CleanupSchedule) == "" {
		c.Retention.CleanupSchedule = defaultCleanupSchedule
	}
	if strings.TrimSpace(c.Retention.DiscoverySchedule) == "" {
		c.Retention.DiscoverySchedule = defaultDiscoverySchedule
	}
	if strings.TrimSpace(c.Retention.ReclaimSchedule) == "" {
		c.Retention.ReclaimSchedule = defaultReclaimSchedule
	}
}

func (c *Config) normalizeCollaborators() {
	c.Transcriber.URL = strings.TrimSpace(c.Transcriber.URL)
	c.Transcoder.URL = strings.TrimSpace(c.Transcoder.URL)
	c.Publisher.URL = strings.TrimSpace(c.Publisher.URL)
	if c.Transcriber.TimeoutSeconds <= 0 {
		c.Transcriber.TimeoutSeconds = defaultCollabTimeout
	}
	if c.Transcoder.TimeoutSeconds <= 0 {
		c.Transcoder.TimeoutSeconds = defaultCollabTimeout
	}
	if c.Publisher.TimeoutSeconds <= 0 {
		c.Publisher.TimeoutSeconds = defaultCollabTimeout
	}
	if c.Publisher.RatePerSecond <= 0 {
		c.Publisher.RatePerSecond = defaultPublishRate
	}
	if c.Publisher.Burst <= 0 {
		c.Publisher.Burst = defaultPublishBurst
	}
}

func (c *Config) normalizeLogging() {
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	if c.Logging.Format == "" {
		c.Logging.Format = defaultLogFormat
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
}

func expandPath(path string) (string, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return "", nil
	}
	if trimmed == "~" || strings.HasPrefix(trimmed, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if trimmed == "~" {
			return home, nil
		}
		return filepath.Join(home, trimmed[2:]), nil
	}
	return filepath.Abs(trimmed)
}
