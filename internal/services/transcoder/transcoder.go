// Package transcoder calls the external video transform service. The
// service writes its output to the destination path supplied by the caller,
// which keeps temp-then-promote semantics under the pipeline's control.
package transcoder

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

// Client talks to the transcoding HTTP API.
type Client struct {
	baseURL string
	preset  string
	timeout time.Duration
	client  *http.Client
}

// New builds a Client from configuration.
func New(cfg config.Transcoder) *Client {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Minute
	}
	return &Client{
		baseURL: cfg.URL,
		preset:  cfg.Preset,
		timeout: timeout,
		client:  &http.Client{},
	}
}

type transformRequest struct {
	SourceRef  string `json:"source_ref"`
	CaptionRef string `json:"caption_ref,omitempty"`
	OutputRef  string `json:"output_ref"`
	Preset     string `json:"preset,omitempty"`
}

type transformResponse struct {
	OutputRef string `json:"output_ref"`
	Error     string `json:"error,omitempty"`
}

// Transform runs the source (plus optional captions) through the transcoder
// into outputRef. Re-invocation with the same arguments is safe: the service
// overwrites the destination, and the caller only promotes complete outputs.
func (c *Client) Transform(ctx context.Context, sourceRef, captionRef, outputRef string) (string, error) {
	if c.baseURL == "" {
		return "", services.Wrap(services.ErrConfiguration, stage, "transform", "transcoder url is not configured", nil)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	body, err := json.Marshal(transformRequest{
		SourceRef:  sourceRef,
		CaptionRef: captionRef,
		OutputRef:  outputRef,
		Preset:     c.preset,
	})
	if err != nil {
		return "", services.Wrap(services.ErrValidation, stage, "transform", "encode request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/transforms", bytes.NewReader(body))
	if err != nil {
		return "", services.Wrap(services.ErrConfiguration, stage, "transform", "build request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", services.Wrap(services.ErrTimeout, stage, "transform", "transcode deadline exceeded", err)
		}
		return "", services.Wrap(services.ErrUnavailable, stage, "transform", "transcoder unreachable", err)
	}
	defer resp.Body.Close()

	if marker := services.MarkerForStatus(resp.StatusCode); marker != nil {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return "", services.Wrap(marker, stage, "transform",
			fmt.Sprintf("transcoder returned %d: %s", resp.StatusCode, bytes.TrimSpace(detail)), nil)
	}

	var decoded transformResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", services.Wrap(services.ErrTransient, stage, "transform", "decode response", err)
	}
	if decoded.OutputRef == "" {
		decoded.OutputRef = outputRef
	}
	return decoded.OutputRef, nil
}
