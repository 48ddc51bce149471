package transfer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"x402-engine/internal/observability"
)

// HTTPClient talks to the transfer gateway over HTTP.
type HTTPClient struct {
	baseURL    string
	apiKey     string
	chain      string
	httpClient *http.Client
	logger     *observability.Logger
}

// NewHTTPClient creates a gateway client
func NewHTTPClient(baseURL, apiKey, chain string, timeout time.Duration, logger *observability.Logger) *HTTPClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		chain:   chain,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		logger: logger,
	}
}

type submitRequest struct {
	Chain   string  `json:"chain"`
	Entries []Entry `json:"entries"`
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Submit posts a transfer. The key is sent as Idempotency-Key.
func (c *HTTPClient) Submit(ctx context.Context, key string, entries []Entry) (string, error) {
	ctx = observability.WithFields(ctx, observability.Field{Key: "idempotency_key", Value: key})

	body, err := json.Marshal(submitRequest{Chain: c.chain, Entries: entries})
	if err != nil {
		return "", fmt.Errorf("failed to marshal transfer request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/transfers", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create transfer request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", key)

	var result Result
	if err := c.do(ctx, req, &result); err != nil {
		return "", err
	}
	if result.SubmissionID == "" {
		return "", fmt.Errorf("%w: gateway returned no submission id", ErrTransient)
	}

	c.logger.Info(ctx, fmt.Sprintf("transfer submitted as %s", result.SubmissionID))
	return result.SubmissionID, nil
}

// Status fetches the current state of a submission
func (c *HTTPClient) Status(ctx context.Context, submissionID string) (Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/transfers/"+url.PathEscape(submissionID), nil)
	if err != nil {
		return Result{}, fmt.Errorf("failed to create status request: %w", err)
	}

	var result Result
	if err := c.do(ctx, req, &result); err != nil {
		return Result{}, err
	}
	if result.SubmissionID == "" {
		result.SubmissionID = submissionID
	}
	return result, nil
}

// do sends req and decodes a 2xx body into out. Network errors and 5xx are
// transient; other non-2xx responses are rejections.
func (c *HTTPClient) do(ctx context.Context, req *http.Request, out interface{}) error {
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Warn(ctx, fmt.Sprintf("transfer gateway unreachable: %v", err))
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%w: failed to read gateway response: %v", ErrTransient, err)
	}

	switch {
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		c.logger.Warn(ctx, fmt.Sprintf("transfer gateway returned %d", resp.StatusCode))
		return fmt.Errorf("%w: gateway returned %d", ErrTransient, resp.StatusCode)
	case resp.StatusCode >= 400:
		var e errorResponse
		_ = json.Unmarshal(data, &e)
		msg := e.Message
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return fmt.Errorf("%w: %s", ErrRejected, msg)
	}

	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to parse gateway response: %w", err)
	}
	return nil
}
