package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/Klingon-tech/klingcustody/internal/metrics"
)

// restClient is the shared plumbing of the REST transports.
type restClient struct {
	name       string
	baseURL    string
	apiKey     string
	httpClient *http.Client
	limiter    *rate.Limiter
}

func newRESTClient(baseURL string, opts Options) *restClient {
	return &restClient{
		name:       opts.Name,
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		apiKey:     opts.APIKey,
		httpClient: opts.httpClient(),
		limiter:    opts.limiter(),
	}
}

// HTTPError is a non-2xx response.
type HTTPError struct {
	Status int
	Body   string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.Status, e.Body)
}

// do performs a request and returns the body of a 2xx response.
func (c *restClient) do(ctx context.Context, method, path, contentType string, body io.Reader) ([]byte, error) {
	if err := wait(ctx, c.limiter); err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	// Avoid stale CDN responses on public indexers.
	req.Header.Set("Cache-Control", "no-cache")
	if c.apiKey != "" {
		req.Header.Set("TRON-PRO-API-KEY", c.apiKey)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		metrics.BackendRequestDuration.WithLabelValues(c.name, "error").Observe(time.Since(start).Seconds())
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	metrics.BackendRequestDuration.WithLabelValues(c.name, http.StatusText(resp.StatusCode)).Observe(time.Since(start).Seconds())

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, ErrRateLimited
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, &HTTPError{Status: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}
	return data, nil
}

func (c *restClient) getJSON(ctx context.Context, path string, result interface{}) error {
	data, err := c.do(ctx, http.MethodGet, path, "", nil)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, result); err != nil {
		return fmt.Errorf("failed to parse %s response: %w", path, err)
	}
	return nil
}

func (c *restClient) postJSON(ctx context.Context, path string, payload, result interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	data, err := c.do(ctx, http.MethodPost, path, "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	if result == nil {
		return nil
	}
	if err := json.Unmarshal(data, result); err != nil {
		return fmt.Errorf("failed to parse %s response: %w", path, err)
	}
	return nil
}
