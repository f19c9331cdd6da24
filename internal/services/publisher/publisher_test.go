package publisher_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"conveyor/internal/config"
	"conveyor/internal/services"
	"conveyor/internal/services/publisher"
)

func TestPublishSendsIdempotencyKey(t *testing.T) {
	var gotKey string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("Idempotency-Key")
		var req struct {
			OutputRef string            `json:"output_ref"`
			Metadata  map[string]string `json:"metadata"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.OutputRef != "staging/out.mkv" {
			t.Errorf("unexpected output ref %q", req.OutputRef)
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"published_id": "pub-123"})
	}))
	defer server.Close()

	client := publisher.New(config.Publisher{URL: server.URL, TimeoutSeconds: 5, RatePerSecond: 100, Burst: 10})
	id, err := client.Publish(context.Background(), "staging/out.mkv", map[string]string{"title": "Episode"}, "key-abc")
	if err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if id != "pub-123" {
		t.Fatalf("unexpected published id %q", id)
	}
	if gotKey != "key-abc" {
		t.Fatalf("expected idempotency key forwarded, got %q", gotKey)
	}
}

func TestPublishClassifiesRateLimiting(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "slow down", http.StatusTooManyRequests)
	}))
	defer server.Close()

	client := publisher.New(config.Publisher{URL: server.URL, TimeoutSeconds: 5, RatePerSecond: 100, Burst: 10})
	_, err := client.Publish(context.Background(), "staging/out.mkv", nil, "key-abc")
	if !errors.Is(err, services.ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
	if !services.Retryable(err) {
		t.Fatal("rate limiting must be retryable")
	}
}

func TestPublishRequiresIdempotencyKey(t *testing.T) {
	client := publisher.New(config.Publisher{URL: "http://127.0.0.1:1", TimeoutSeconds: 1})
	_, err := client.Publish(context.Background(), "staging/out.mkv", nil, "")
	if !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected ErrValidation for missing key, got %v", err)
	}
}
