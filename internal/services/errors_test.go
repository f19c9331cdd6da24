package services_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"conveyor/internal/services"
)

func TestWrapPreservesMarker(t *testing.T) {
	cause := errors.New("connection refused")
	err := services.Wrap(services.ErrUnavailable, "acquire", "stat source", "source not reachable", cause)
	if !errors.Is(err, services.ErrUnavailable) {
		t.Fatalf("expected marker to survive wrapping: %v", err)
	}
	if !errors.Is(err, cause) {
		t.Fatalf("expected cause to survive wrapping: %v", err)
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		err  error
		want services.Kind
	}{
		{services.Wrap(services.ErrValidation, "validate", "", "output too small", nil), services.KindValidation},
		{services.Wrap(services.ErrNotFound, "acquire", "", "source removed", nil), services.KindNotFound},
		{services.Wrap(services.ErrTimeout, "transform", "", "deadline breached", nil), services.KindTimeout},
		{fmt.Errorf("call publisher: %w", context.DeadlineExceeded), services.KindTimeout},
		{services.Wrap(services.ErrRateLimited, "publish", "", "429 from upstream", nil), services.KindRateLimited},
		{errors.New("something else"), services.KindUnknown},
	}
	for _, tc := range cases {
		if got := services.Classify(tc.err); got != tc.want {
			t.Fatalf("Classify(%v) = %s, want %s", tc.err, got, tc.want)
		}
	}
}

func TestRetryable(t *testing.T) {
	if services.Retryable(services.Wrap(services.ErrValidation, "", "", "bad format", nil)) {
		t.Fatal("validation errors must not be retryable")
	}
	if services.Retryable(services.Wrap(services.ErrNotFound, "", "", "gone", nil)) {
		t.Fatal("not-found errors must not be retryable")
	}
	if !services.Retryable(services.Wrap(services.ErrUnavailable, "", "", "mount offline", nil)) {
		t.Fatal("unavailable errors must be retryable")
	}
	if !services.Retryable(errors.New("unclassified")) {
		t.Fatal("unclassified errors default to retryable")
	}
}
