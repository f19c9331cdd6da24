package config

const (
	defaultDataDir            = "~/.local/share/conveyor"
	defaultStagingDir         = "~/.local/share/conveyor/staging"
	defaultLogDir             = "~/.local/share/conveyor/logs"
	defaultAPIBind            = "127.0.0.1:7519"
	defaultProbeInterval      = 30
	defaultMaxPerLocation     = 5
	defaultPriority           = 50
	defaultWorkerCount        = 2
	defaultPollInterval       = 5
	defaultLeaseSeconds       = 120
	defaultErrorRetryInterval = 30
	defaultStaleWorkerTimeout = 180
	defaultMaxAttempts        = 3
	defaultBaseDelaySeconds   = 5
	defaultMaxDelaySeconds    = 600
	defaultCompletedHours     = 24
	defaultFailedHours        = 24 * 7
	defaultCancelledHours     = 24
	defaultCleanupSchedule    = "@hourly"
	defaultDiscoverySchedule  = "@every 2m"
	defaultReclaimSchedule    = "@every 30s"
	defaultCollabTimeout      = 300
	defaultPublishRate        = 1.0
	defaultPublishBurst       = 2
	defaultMinOutputBytes     = 1024
	defaultLogFormat          = "console"
	defaultLogLevel           = "info"
)

var defaultExtensions = []string{".mkv", ".mp4", ".avi", ".mov"}

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			DataDir:    defaultDataDir,
			StagingDir: defaultStagingDir,
			LogDir:     defaultLogDir,
			APIBind:    defaultAPIBind,
		},
		Discovery: Discovery{
			ProbeInterval:   defaultProbeInterval,
			Extensions:      append([]string(nil), defaultExtensions...),
			MaxPerLocation:  defaultMaxPerLocation,
			DefaultPriority: defaultPriority,
		},
		Workers: Workers{
			Count:              defaultWorkerCount,
			PollInterval:       defaultPollInterval,
			LeaseSeconds:       defaultLeaseSeconds,
			ErrorRetryInterval: defaultErrorRetryInterval,
			StaleWorkerTimeout: defaultStaleWorkerTimeout,
		},
		Retry: Retry{
			MaxAttempts:      defaultMaxAttempts,
			BaseDelaySeconds: defaultBaseDelaySeconds,
			MaxDelaySeconds:  defaultMaxDelaySeconds,
		},
		Retention: Retention{
			CompletedHours:    defaultCompletedHours,
			FailedHours:       defaultFailedHours,
			CancelledHours:    defaultCancelledHours,
			CleanupSchedule:   defaultCleanupSchedule,
			DiscoverySchedule: defaultDiscoverySchedule,
			ReclaimSchedule:   defaultReclaimSchedule,
		},
		Transcriber: Transcriber{
			TimeoutSeconds: defaultCollabTimeout,
			Language:       "en",
		},
		Transcoder: Transcoder{
			TimeoutSeconds: defaultCollabTimeout,
			Preset:         "standard",
		},
		Publisher: Publisher{
			TimeoutSeconds: defaultCollabTimeout,
			RatePerSecond:  defaultPublishRate,
			Burst:          defaultPublishBurst,
		},
		Validation: Validation{
			MinOutputBytes: defaultMinOutputBytes,
		},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
	}
}
