// Package transcriber calls the external speech-to-text service used during
// the transform stage.
package transcriber

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"conveyor/internal/config"
	"conveyor/internal/services"
)

const stage = "transform"

// Client talks to the transcription HTTP API.
type Client struct {
	baseURL  string
	language string
	timeout  time.Duration
	client   *http.Client
}

// New builds a Client from configuration. A nil result means transcription
// is not configured and the pipeline skips captions.
func New(cfg config.Transcriber) *Client {
	if cfg.URL == "" {
		return nil
	}
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	return &Client{
		baseURL:  cfg.URL,
		language: cfg.Language,
		timeout:  timeout,
		client:   &http.Client{},
	}
}

type transcribeRequest struct {
	SourceRef string `json:"source_ref"`
	Language  string `json:"language,omitempty"`
}

type transcribeResponse struct {
	CaptionRef string `json:"caption_ref"`
	Error      string `json:"error,omitempty"`
}

// Transcribe submits the source for transcription and returns the caption
// reference. The configured timeout bounds the whole call.
func (c *Client) Transcribe(ctx context.Context, sourceRef string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	body, err := json.Marshal(transcribeRequest{SourceRef: sourceRef, Language: c.language})
	if err != nil {
		return "", services.Wrap(services.ErrValidation, stage, "transcribe", "encode request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/transcriptions", bytes.NewReader(body))
	if err != nil {
		return "", services.Wrap(services.ErrConfiguration, stage, "transcribe", "build request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", services.Wrap(services.ErrTimeout, stage, "transcribe", "transcription deadline exceeded", err)
		}
		return "", services.Wrap(services.ErrUnavailable, stage, "transcribe", "transcription service unreachable", err)
	}
	defer resp.Body.Close()

	if marker := services.MarkerForStatus(resp.StatusCode); marker != nil {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return "", services.Wrap(marker, stage, "transcribe",
			fmt.Sprintf("transcription service returned %d: %s", resp.StatusCode, bytes.TrimSpace(detail)), nil)
	}

	var decoded transcribeResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", services.Wrap(services.ErrTransient, stage, "transcribe", "decode response", err)
	}
	if decoded.CaptionRef == "" {
		return "", services.Wrap(services.ErrValidation, stage, "transcribe", "response missing caption_ref", nil)
	}
	return decoded.CaptionRef, nil
}
