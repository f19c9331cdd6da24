package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"conveyor/internal/config"
	"conveyor/internal/locator"
	"conveyor/internal/logging"
	"conveyor/internal/queue"
	"conveyor/internal/services"
)

// SourceResolver maps a job's payload identity onto the filesystem and
// reports location health. *locator.Locator satisfies it.
type SourceResolver interface {
	ResolvePath(locationID, payloadPath string) (string, error)
	Status(locationID string) (locator.LocationStatus, bool)
}

// Transcriber produces a caption reference for a source. Optional.
type Transcriber interface {
	Transcribe(ctx context.Context, sourceRef string) (string, error)
}

// Transcoder transforms a source (plus optional captions) into outputRef.
type Transcoder interface {
	Transform(ctx context.Context, sourceRef, captionRef, outputRef string) (string, error)
}

// Publisher publishes a finished output and returns its published id.
type Publisher interface {
	Publish(ctx context.Context, outputRef string, metadata map[string]string, idempotencyKey string) (string, error)
}

// NewMediaStages wires the standard five-stage media pipeline.
func NewMediaStages(
	cfg *config.Config,
	resolver SourceResolver,
	transcriber Transcriber,
	transcoder Transcoder,
	publisher Publisher,
	logger *slog.Logger,
) []Handler {
	if logger == nil {
		logger = logging.NewNop()
	}
	return []Handler{
		&acquireStage{resolver: resolver},
		&transformStage{
			resolver:    resolver,
			transcriber: transcriber,
			transcoder:  transcoder,
			stagingDir:  cfg.Paths.StagingDir,
		},
		&validateStage{minBytes: cfg.Validation.MinOutputBytes},
		&publishStage{publisher: publisher},
		&cleanupStage{stagingDir: cfg.Paths.StagingDir, logger: logger},
	}
}

// acquireStage verifies the source item still exists at its location.
type acquireStage struct {
	resolver SourceResolver
}

func (s *acquireStage) Name() string { return StageAcquire }

func (s *acquireStage) Execute(ctx context.Context, job *queue.Job) error {
	status, known := s.resolver.Status(job.LocationID)
	if known && status.Availability == locator.AvailabilityUnreachable {
		return services.Wrap(services.ErrUnavailable, StageAcquire, "probe",
			fmt.Sprintf("location %s is unreachable", job.LocationID), nil)
	}

	absPath, err := s.resolver.ResolvePath(job.LocationID, job.PayloadPath)
	if err != nil {
		return services.Wrap(services.ErrConfiguration, StageAcquire, "resolve", "unknown storage location", err)
	}
	info, err := os.Stat(absPath)
	if err != nil {
		if os.IsNotExist(err) {
			return services.Wrap(services.ErrNotFound, StageAcquire, "stat",
				"source item was removed from its location", err)
		}
		return services.Wrap(services.ErrUnavailable, StageAcquire, "stat",
			"source item is not readable", err)
	}
	if info.IsDir() || info.Size() == 0 {
		return services.Wrap(services.ErrValidation, StageAcquire, "stat",
			"source item is empty or not a file", nil)
	}
	return nil
}

func (s *acquireStage) HealthCheck(context.Context) Health {
	return Healthy(StageAcquire)
}

// transformStage runs transcription and transcoding into a staged output,
// promoted atomically on success. A promoted output from a previous attempt
// is reused, which makes the stage safe to re-enter after a crash.
type transformStage struct {
	resolver    SourceResolver
	transcriber Transcriber
	transcoder  Transcoder
	stagingDir  string
}

func (s *transformStage) Name() string { return StageTransform }

func (s *transformStage) Execute(ctx context.Context, job *queue.Job) error {
	workspace := NewWorkspace(s.stagingDir, job.ID)
	if err := workspace.Ensure(); err != nil {
		return services.Wrap(services.ErrUnavailable, StageTransform, "workspace", "staging directory unavailable", err)
	}

	// A complete output from a crashed attempt was already promoted; the
	// partial path only ever holds unfinished work.
	if info, err := os.Stat(workspace.FinalOutput()); err == nil && info.Size() > 0 {
		job.OutputRef = workspace.FinalOutput()
		return nil
	}
	_ = os.Remove(workspace.PartialOutput())

	sourcePath, err := s.resolver.ResolvePath(job.LocationID, job.PayloadPath)
	if err != nil {
		return services.Wrap(services.ErrConfiguration, StageTransform, "resolve", "unknown storage location", err)
	}

	var captionRef string
	if s.transcriber != nil {
		captionRef, err = s.transcriber.Transcribe(ctx, sourcePath)
		if err != nil {
			return err
		}
	}

	if s.transcoder == nil {
		return services.Wrap(services.ErrConfiguration, StageTransform, "transform", "transcoder is not configured", nil)
	}
	if _, err := s.transcoder.Transform(ctx, sourcePath, captionRef, workspace.PartialOutput()); err != nil {
		return err
	}

	if err := workspace.Promote(); err != nil {
		return services.Wrap(services.ErrTransient, StageTransform, "promote", "promote transformed output", err)
	}
	job.OutputRef = workspace.FinalOutput()
	return nil
}

func (s *transformStage) HealthCheck(context.Context) Health {
	if s.transcoder == nil {
		return Unhealthy(StageTransform, "transcoder is not configured")
	}
	return Healthy(StageTransform)
}

// validateStage checks the transformed output against acceptance thresholds.
// A failing output is deleted so the retry reruns the transform instead of
// revalidating the same bad file.
type validateStage struct {
	minBytes int64
}

func (s *validateStage) Name() string { return StageValidate }

func (s *validateStage) Execute(ctx context.Context, job *queue.Job) error {
	if job.OutputRef == "" {
		return services.Wrap(services.ErrTransient, StageValidate, "inspect", "no output recorded by transform", nil)
	}
	info, err := os.Stat(job.OutputRef)
	if err != nil {
		return services.Wrap(services.ErrTransient, StageValidate, "inspect", "transformed output is missing", err)
	}
	if s.minBytes > 0 && info.Size() < s.minBytes {
		_ = os.Remove(job.OutputRef)
		job.OutputRef = ""
		return services.Wrap(services.ErrTransient, StageValidate, "inspect",
			fmt.Sprintf("output is %d bytes, below the %d byte minimum", info.Size(), s.minBytes), nil)
	}
	return nil
}

func (s *validateStage) HealthCheck(context.Context) Health {
	return Healthy(StageValidate)
}

// publishStage hands the finished output to the publisher. The job's
// idempotency key makes a replay after a crash a no-op server side.
type publishStage struct {
	publisher Publisher
}

func (s *publishStage) Name() string { return StagePublish }

func (s *publishStage) Execute(ctx context.Context, job *queue.Job) error {
	if s.publisher == nil {
		return services.Wrap(services.ErrConfiguration, StagePublish, "publish", "publisher is not configured", nil)
	}
	metadata := map[string]string{
		"job_id":   job.ID,
		"location": job.LocationID,
		"payload":  job.PayloadPath,
	}
	publishedID, err := s.publisher.Publish(ctx, job.OutputRef, metadata, job.IdempotencyKey)
	if err != nil {
		return err
	}
	job.PublishedID = publishedID
	return nil
}

func (s *publishStage) HealthCheck(context.Context) Health {
	if s.publisher == nil {
		return Unhealthy(StagePublish, "publisher is not configured")
	}
	return Healthy(StagePublish)
}

// cleanupStage removes the job's staging workspace. The job is already
// effectively complete, so failures are logged, never fatal.
type cleanupStage struct {
	stagingDir string
	logger     *slog.Logger
}

func (s *cleanupStage) Name() string { return StageCleanup }

func (s *cleanupStage) Execute(ctx context.Context, job *queue.Job) error {
	workspace := NewWorkspace(s.stagingDir, job.ID)
	if err := workspace.Remove(); err != nil {
		s.logger.Warn("failed to remove job workspace",
			logging.String(logging.FieldJobID, job.ID),
			logging.String("path", workspace.Dir),
			logging.Error(err))
	}
	return nil
}

func (s *cleanupStage) HealthCheck(context.Context) Health {
	return Healthy(StageCleanup)
}
