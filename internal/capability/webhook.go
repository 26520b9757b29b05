package capability

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// DefaultWebhookTimeout applies when a rule leaves timeout_seconds unset.
const DefaultWebhookTimeout = 10 * time.Second

// maxResponseBody caps how much of a webhook response is kept in the ledger.
const maxResponseBody = 8 << 10

// HTTPWebhookClient calls external endpoints over net/http.
type HTTPWebhookClient struct {
	client *http.Client
	logger *zap.SugaredLogger
}

func NewHTTPWebhookClient(logger *zap.SugaredLogger) *HTTPWebhookClient {
	return &HTTPWebhookClient{
		// Per-call timeouts come through the context; the client itself only
		// bounds pathological connections.
		client: &http.Client{Timeout: 2 * time.Minute},
		logger: logger,
	}
}

func (c *HTTPWebhookClient) Do(ctx context.Context, method, url string, payload []byte, timeout time.Duration) (int, []byte, error) {
	if timeout <= 0 {
		timeout = DefaultWebhookTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var body io.Reader
	if len(payload) > 0 {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return 0, nil, fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("call webhook %s %s: %w", method, url, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("read webhook response: %w", err)
	}

	c.logger.Debugw("Webhook call completed",
		"method", method,
		"url", url,
		"status", resp.StatusCode,
	)
	return resp.StatusCode, respBody, nil
}
