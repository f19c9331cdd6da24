package policy

import (
	"math/rand"
	"time"

	"conveyor/internal/config"
	"conveyor/internal/services"
)

// Outcome is the policy's verdict on a failed attempt.
type Outcome string

const (
	// OutcomeRetry returns the job to the queue after the decision's delay.
	OutcomeRetry Outcome = "retry"
	// OutcomeAbandon fails the job immediately; the error is not retryable.
	OutcomeAbandon Outcome = "abandon"
	// OutcomeEscalate fails the job with attempts exhausted; the caller
	// emits an alert-worthy event.
	OutcomeEscalate Outcome = "escalate"
)

// Decision carries the verdict plus the backoff delay when retrying.
type Decision struct {
	Outcome Outcome
	Delay   time.Duration
	Kind    services.Kind
	Reason  string
}

// Engine computes retry decisions from configured backoff limits. It holds
// no mutable state beyond its jitter source and is safe for concurrent use
// when jitter is left at the default.
type Engine struct {
	baseDelay time.Duration
	maxDelay  time.Duration

	// jitter returns a fraction in [0, 1). Swapped in tests.
	jitter func() float64
}

// NewEngine builds an Engine from the retry section of the configuration.
func NewEngine(cfg config.Retry) *Engine {
	base := time.Duration(cfg.BaseDelaySeconds) * time.Second
	if base <= 0 {
		base = 5 * time.Second
	}
	max := time.Duration(cfg.MaxDelaySeconds) * time.Second
	if max < base {
		max = base
	}
	return &Engine{
		baseDelay: base,
		maxDelay:  max,
		jitter:    rand.Float64,
	}
}

// Decide classifies the error and picks an outcome for the attempt that just
// failed. attempt is 1-based; maxAttempts is the job's ceiling.
func (e *Engine) Decide(attempt, maxAttempts int, err error) Decision {
	kind := services.Classify(err)
	if !services.Retryable(err) {
		return Decision{
			Outcome: OutcomeAbandon,
			Kind:    kind,
			Reason:  "error kind is not retryable",
		}
	}
	if attempt >= maxAttempts {
		return Decision{
			Outcome: OutcomeEscalate,
			Kind:    kind,
			Reason:  "attempt budget exhausted",
		}
	}
	return Decision{
		Outcome: OutcomeRetry,
		Delay:   e.backoff(attempt),
		Kind:    kind,
		Reason:  "retryable error with attempts remaining",
	}
}

// backoff doubles the base delay per attempt, caps it, then jitters within
// [delay/2, delay] so synchronized failures fan out.
func (e *Engine) backoff(attempt int) time.Duration {
	delay := e.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= e.maxDelay {
			delay = e.maxDelay
			break
		}
	}
	half := delay / 2
	return half + time.Duration(e.jitter()*float64(half))
}
