package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const errorBodyLimit = 2048

// postJSON is rate limited; pings are not.
func (c *Client) postJSON(ctx context.Context, path string, payload any, out any, operation string) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("ollama %s rate limit: %w", operation, err)
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("ollama %s: encode request: %w", operation, err)
	}
	return c.roundTrip(ctx, http.MethodPost, path, bytes.NewReader(body), out, operation)
}

// roundTrip sends one request and decodes a 2xx body into out when out is non-nil.
// Non-2xx responses become *HTTPStatusError carrying a bounded body excerpt.
func (c *Client) roundTrip(ctx context.Context, method, path string, body io.Reader, out any, operation string) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("ollama %s: build request: %w", operation, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("ollama %s: %w", operation, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyLimit))
		return &HTTPStatusError{
			Operation:  operation,
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
			Body:       strings.TrimSpace(string(excerpt)),
		}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("ollama %s: decode response: %w", operation, err)
	}
	return nil
}
