// Package builtin holds the job types the procq binary registers out of the
// box: outbound webhook delivery and terminal-result pruning. They also
// serve as reference implementations of the job contract.
package builtin

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/doyensec/safeurl"
)

// BuildSafeClient returns an SSRF-safe *http.Client for webhook delivery.
// Redirect following is disabled; timeout is 10 seconds. Construct once at
// startup and share across WebhookDelivery factories.
func BuildSafeClient() *http.Client {
	cfg := safeurl.GetConfigBuilder().
		SetTimeout(10 * time.Second).
		SetCheckRedirect(func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		}).
		Build()
	return safeurl.Client(cfg).Client
}

// WebhookDelivery posts a JSON payload to a URL. Delivery is at-least-once:
// a receiver may see the same payload twice after a retry or a lost-job
// resubmission.
type WebhookDelivery struct {
	Client *http.Client `json:"-"`

	URL     string          `json:"url"`
	Payload json.RawMessage `json:"payload"`
}

// Run posts the payload and treats any non-2xx status as a failed attempt.
func (j *WebhookDelivery) Run(ctx context.Context) error {
	if j.URL == "" {
		return fmt.Errorf("webhook delivery: empty url")
	}
	client := j.Client
	if client == nil {
		client = BuildSafeClient()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, j.URL, bytes.NewReader(j.Payload))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook POST: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck
	// Discard the response body to allow connection reuse; cap at 4 KiB.
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096)) //nolint:errcheck

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook POST: unexpected status %d", resp.StatusCode)
	}
	return nil
}

// MaxRetries gives failed deliveries three more attempts.
func (j *WebhookDelivery) MaxRetries() int32 { return 3 }

// RetryDelay backs off exponentially: 30s, 1m, 2m, ... capped at 10 minutes.
func (j *WebhookDelivery) RetryDelay(attempt int32) (time.Duration, error) {
	if attempt < 1 {
		attempt = 1
	}
	d := 30 * time.Second << (attempt - 1)
	if d > 10*time.Minute {
		d = 10 * time.Minute
	}
	return d, nil
}
