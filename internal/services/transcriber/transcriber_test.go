package transcriber_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"conveyor/internal/config"
	"conveyor/internal/services"
	"conveyor/internal/services/transcriber"
)

func TestTranscribeReturnsCaptionRef(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			SourceRef string `json:"source_ref"`
			Language  string `json:"language"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.Language != "en" {
			t.Errorf("expected configured language, got %q", req.Language)
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"caption_ref": "captions/ep1.vtt"})
	}))
	defer server.Close()

	client := transcriber.New(config.Transcriber{URL: server.URL, TimeoutSeconds: 5, Language: "en"})
	ref, err := client.Transcribe(context.Background(), "media/ep1.mkv")
	if err != nil {
		t.Fatalf("Transcribe failed: %v", err)
	}
	if ref != "captions/ep1.vtt" {
		t.Fatalf("unexpected caption ref %q", ref)
	}
}

func TestTranscribeClassifiesServerErrors(t *testing.T) {
	cases := []struct {
		name      string
		status    int
		marker    error
		retryable bool
	}{
		{"unavailable", http.StatusServiceUnavailable, services.ErrUnavailable, true},
		{"bad input", http.StatusUnprocessableEntity, services.ErrValidation, false},
		{"missing source", http.StatusNotFound, services.ErrNotFound, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, tc.name, tc.status)
			}))
			defer server.Close()

			client := transcriber.New(config.Transcriber{URL: server.URL, TimeoutSeconds: 5})
			_, err := client.Transcribe(context.Background(), "media/ep1.mkv")
			if !errors.Is(err, tc.marker) {
				t.Fatalf("expected %v, got %v", tc.marker, err)
			}
			if services.Retryable(err) != tc.retryable {
				t.Fatalf("expected retryable=%v for %v", tc.retryable, err)
			}
		})
	}
}

func TestNewWithoutURLReturnsNil(t *testing.T) {
	if client := transcriber.New(config.Transcriber{}); client != nil {
		t.Fatal("expected nil client when transcription is not configured")
	}
}
