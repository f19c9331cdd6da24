package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains directory and API bind configuration.
type Paths struct {
	DataDir    string `toml:"data_dir"`
	StagingDir string `toml:"staging_dir"`
	LogDir     string `toml:"log_dir"`
	APIBind    string `toml:"api_bind"`
	APIToken   string `toml:"api_token"`
}

// Location describes one storage location that holds source media.
type Location struct {
	ID   string `toml:"id"`
	Root string `toml:"root"`
	// Scan controls whether discovery sweeps enqueue new work from this
	// location. Probing runs regardless so status stays current.
	Scan bool `toml:"scan"`
}

// Discovery contains configuration for the storage locator.
type Discovery struct {
	ProbeInterval   int      `toml:"probe_interval"`
	Extensions      []string `toml:"extensions"`
	MaxPerLocation  int      `toml:"max_per_location"`
	DefaultPriority int      `toml:"default_priority"`
}

// Workers contains worker pool sizing and timing.
type Workers struct {
	Count              int `toml:"count"`
	PollInterval       int `toml:"poll_interval"`
	LeaseSeconds       int `toml:"lease_seconds"`
	ErrorRetryInterval int `toml:"error_retry_interval"`
	StaleWorkerTimeout int `toml:"stale_worker_timeout"`
}

// Retry contains failure policy tuning.
type Retry struct {
	MaxAttempts      int `toml:"max_attempts"`
	BaseDelaySeconds int `toml:"base_delay_seconds"`
	MaxDelaySeconds  int `toml:"max_delay_seconds"`
}

// Retention controls how long terminal jobs are kept before cleanup.
type Retention struct {
	CompletedHours    int    `toml:"completed_hours"`
	FailedHours       int    `toml:"failed_hours"`
	CancelledHours    int    `toml:"cancelled_hours"`
	CleanupSchedule   string `toml:"cleanup_schedule"`
	DiscoverySchedule string `toml:"discovery_schedule"`
	ReclaimSchedule   string `toml:"reclaim_schedule"`
}

// Transcriber configures the external speech-to-text service.
type Transcriber struct {
	URL            string `toml:"url"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
	Language       string `toml:"language"`
}

// Transcoder configures the external video transform service.
type Transcoder struct {
	URL            string `toml:"url"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
	Preset         string `toml:"preset"`
}

// Publisher configures the external publishing API.
type Publisher struct {
	URL            string  `toml:"url"`
	TimeoutSeconds int     `toml:"timeout_seconds"`
	RatePerSecond  float64 `toml:"rate_per_second"`
	Burst          int     `toml:"burst"`
}

// Validation contains output acceptance thresholds.
type Validation struct {
	MinOutputBytes int64 `toml:"min_output_bytes"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format string `toml:"format"`
	Level  string `toml:"level"`
}

// Config encapsulates all configuration values for conveyor.
//
// Sections by subsystem:
//   - Paths: directories, API bind address and token
//   - Locations: storage locations holding source media
//   - Discovery: locator probing and discovery filters
//   - Workers: pool size, polling, lease duration
//   - Retry: backoff policy limits
//   - Retention: terminal job cleanup windows and schedules
//   - Transcriber/Transcoder/Publisher: external collaborators
//   - Validation: output acceptance thresholds
//   - Logging: log format and level
type Config struct {
	Paths       Paths       `toml:"paths"`
	Locations   []Location  `toml:"locations"`
	Discovery   Discovery   `toml:"discovery"`
	Workers     Workers     `toml:"workers"`
	Retry       Retry       `toml:"retry"`
	Retention   Retention   `toml:"retention"`
	Transcriber Transcriber `toml:"transcriber"`
	Transcoder  Transcoder  `toml:"transcoder"`
	Publisher   Publisher   `toml:"publisher"`
	Validation  Validation  `toml:"validation"`
	Logging     Logging     `toml:"logging"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath("~/.config/conveyor/config.toml")
}

// Load locates, parses, and validates a configuration file. The returned
// config has all path fields expanded and normalized.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := DefaultConfigPath()
	if err != nil {
		return "", false, err
	}
	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}

	projectPath, err := filepath.Abs("conveyor.toml")
	if err != nil {
		return "", false, err
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}

	return defaultPath, false, nil
}

// WriteSample writes the embedded sample configuration to path.
func WriteSample(path string) error {
	expanded, err := expandPath(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(expanded), 0o755); err != nil {
		return fmt.Errorf("ensure config directory: %w", err)
	}
	if _, err := os.Stat(expanded); err == nil {
		return fmt.Errorf("config file already exists at %s", expanded)
	}
	return os.WriteFile(expanded, []byte(sampleConfig), 0o644)
}

// EnsureDirectories creates the directories conveyor needs at runtime.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Paths.DataDir, c.Paths.StagingDir, c.Paths.LogDir} {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return nil
}

// LocationByID returns the configured location with the given id.
func (c *Config) LocationByID(id string) (Location, bool) {
	for _, loc := range c.Locations {
		if loc.ID == id {
			return loc, true
		}
	}
	return Location{}, false
}
