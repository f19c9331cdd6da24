package policy_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conveyor/internal/config"
	"conveyor/internal/policy"
	"conveyor/internal/services"
)

func newEngine() *policy.Engine {
	return policy.NewEngine(config.Retry{
		MaxAttempts:      3,
		BaseDelaySeconds: 4,
		MaxDelaySeconds:  60,
	})
}

func TestDecideRetriesTransientErrors(t *testing.T) {
	engine := newEngine()
	err := services.Wrap(services.ErrTransient, "transform", "transcode", "connection reset", nil)

	decision := engine.Decide(1, 3, err)

	require.Equal(t, policy.OutcomeRetry, decision.Outcome)
	assert.Equal(t, services.KindTransient, decision.Kind)
	assert.Greater(t, decision.Delay, time.Duration(0))
}

func TestDecideAbandonsNonRetryableErrors(t *testing.T) {
	engine := newEngine()

	cases := []struct {
		name string
		err  error
		kind services.Kind
	}{
		{"validation", services.Wrap(services.ErrValidation, "validate", "inspect", "unsupported codec", nil), services.KindValidation},
		{"source removed", services.Wrap(services.ErrNotFound, "acquire", "stat", "source deleted", nil), services.KindNotFound},
		{"configuration", services.Wrap(services.ErrConfiguration, "publish", "auth", "missing credentials", nil), services.KindConfiguration},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			decision := engine.Decide(1, 3, tc.err)
			assert.Equal(t, policy.OutcomeAbandon, decision.Outcome)
			assert.Equal(t, tc.kind, decision.Kind)
			assert.Zero(t, decision.Delay)
		})
	}
}

func TestDecideEscalatesWhenBudgetExhausted(t *testing.T) {
	engine := newEngine()
	err := services.Wrap(services.ErrTimeout, "transform", "transcode", "deadline exceeded", nil)

	decision := engine.Decide(3, 3, err)

	assert.Equal(t, policy.OutcomeEscalate, decision.Outcome)
	assert.Equal(t, services.KindTimeout, decision.Kind)
}

func TestBackoffGrowsAndStaysCapped(t *testing.T) {
	engine := newEngine()
	err := services.Wrap(services.ErrUnavailable, "acquire", "probe", "mount offline", nil)

	var previous time.Duration
	for attempt := 1; attempt <= 6; attempt++ {
		decision := engine.Decide(attempt, 10, err)
		require.Equal(t, policy.OutcomeRetry, decision.Outcome, "attempt %d", attempt)

		// Jitter keeps the delay within [nominal/2, nominal] of the capped
		// exponential curve.
		assert.LessOrEqual(t, decision.Delay, 60*time.Second, "attempt %d", attempt)
		assert.GreaterOrEqual(t, decision.Delay, 2*time.Second, "attempt %d", attempt)

		if attempt <= 3 {
			assert.GreaterOrEqual(t, decision.Delay, previous/2, "backoff should trend upward")
		}
		previous = decision.Delay
	}
}

func TestDecideRetriesUnclassifiedErrors(t *testing.T) {
	engine := newEngine()

	decision := engine.Decide(1, 3, assert.AnError)

	// Unknown errors are given the benefit of the doubt while attempts remain.
	assert.Equal(t, policy.OutcomeRetry, decision.Outcome)
	assert.Equal(t, services.KindUnknown, decision.Kind)
}
