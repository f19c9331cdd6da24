// Package publisher calls the external publishing API at the end of the
// pipeline. Calls are rate limited and carry the job's idempotency key, so
// retrying a crashed attempt can never publish the same output twice.
package publisher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"conveyor/internal/config"
	"conveyor/internal/services"
)

const stage = "publish"

// Client talks to the publishing HTTP API.
type Client struct {
	baseURL string
	timeout time.Duration
	limiter *rate.Limiter
	client  *http.Client
}

// New builds a Client from configuration.
func New(cfg config.Publisher) *Client {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	perSecond := cfg.RatePerSecond
	if perSecond <= 0 {
		perSecond = 1
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &Client{
		baseURL: cfg.URL,
		timeout: timeout,
		limiter: rate.NewLimiter(rate.Limit(perSecond), burst),
		client:  &http.Client{},
	}
}

type publishRequest struct {
	OutputRef string            `json:"output_ref"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

type publishResponse struct {
	PublishedID string `json:"published_id"`
	Error       string `json:"error,omitempty"`
}

// Publish submits the output for publication and returns the published
// identifier. The idempotency key deduplicates repeat submissions server
// side; the publisher returns the original identifier for a replayed key.
func (c *Client) Publish(ctx context.Context, outputRef string, metadata map[string]string, idempotencyKey string) (string, error) {
	if c.baseURL == "" {
		return "", services.Wrap(services.ErrConfiguration, stage, "publish", "publisher url is not configured", nil)
	}
	if idempotencyKey == "" {
		return "", services.Wrap(services.ErrValidation, stage, "publish", "idempotency key is required", nil)
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return "", services.Wrap(services.ErrTimeout, stage, "publish", "rate limit wait aborted", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	body, err := json.Marshal(publishRequest{OutputRef: outputRef, Metadata: metadata})
	if err != nil {
		return "", services.Wrap(services.ErrValidation, stage, "publish", "encode request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/publications", bytes.NewReader(body))
	if err != nil {
		return "", services.Wrap(services.ErrConfiguration, stage, "publish", "build request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", idempotencyKey)

	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", services.Wrap(services.ErrTimeout, stage, "publish", "publish deadline exceeded", err)
		}
		return "", services.Wrap(services.ErrUnavailable, stage, "publish", "publisher unreachable", err)
	}
	defer resp.Body.Close()

	if marker := services.MarkerForStatus(resp.StatusCode); marker != nil {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return "", services.Wrap(marker, stage, "publish",
			fmt.Sprintf("publisher returned %d: %s", resp.StatusCode, bytes.TrimSpace(detail)), nil)
	}

	var decoded publishResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", services.Wrap(services.ErrTransient, stage, "publish", "decode response", err)
	}
	if decoded.PublishedID == "" {
		return "", services.Wrap(services.ErrValidation, stage, "publish", "response missing published_id", nil)
	}
	return decoded.PublishedID, nil
}
