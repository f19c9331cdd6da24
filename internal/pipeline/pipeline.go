// Package pipeline defines the per-job-kind sequence of stages a worker
// drives a job through. Each stage is individually resumable: workers
// checkpoint the completed stage before starting the next, so an attempt
// after a crash re-enters where the previous one left off instead of
// redoing finished work.
package pipeline

import (
	"context"
	"fmt"

	"conveyor/internal/queue"
)

// Stage names for the media-processing pipeline, in execution order.
const (
	StageAcquire   = "acquire"
	StageTransform = "transform"
	StageValidate  = "validate"
	StagePublish   = "publish"
	StageCleanup   = "cleanup"
)

// Handler executes one named stage against a job. Handlers mutate the job's
// in-memory fields (output ref, published id); the worker persists them.
type Handler interface {
	Name() string
	Execute(ctx context.Context, job *queue.Job) error
	HealthCheck(ctx context.Context) Health
}

// Health summarizes the readiness of one stage's collaborators.
type Health struct {
	Name   string
	Ready  bool
	Detail string
}

// Healthy constructs a ready Health record.
func Healthy(name string) Health {
	return Health{Name: name, Ready: true}
}

// Unhealthy constructs an unhealthy Health record with context detail.
func Unhealthy(name, detail string) Health {
	return Health{Name: name, Ready: false, Detail: detail}
}

// Registry maps job kinds onto their ordered stage sequences.
type Registry struct {
	kinds map[string][]Handler
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{kinds: make(map[string][]Handler)}
}

// Register installs the ordered stages for a job kind.
func (r *Registry) Register(kind string, stages ...Handler) {
	r.kinds[kind] = stages
}

// StagesFor returns the stage sequence for a kind.
func (r *Registry) StagesFor(kind string) ([]Handler, error) {
	stages, ok := r.kinds[kind]
	if !ok {
		return nil, fmt.Errorf("no pipeline registered for job kind %q", kind)
	}
	return stages, nil
}

// Kinds lists the registered job kinds.
func (r *Registry) Kinds() []string {
	kinds := make([]string, 0, len(r.kinds))
	for kind := range r.kinds {
		kinds = append(kinds, kind)
	}
	return kinds
}

// Remaining returns the stages still to run for a job, given its
// checkpointed (last completed) stage. An unknown checkpoint restarts the
// pipeline from the top.
func Remaining(stages []Handler, completed string) []Handler {
	if completed == "" {
		return stages
	}
	for i, stage := range stages {
		if stage.Name() == completed {
			return stages[i+1:]
		}
	}
	return stages
}
