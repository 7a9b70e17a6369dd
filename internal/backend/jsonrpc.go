package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/Klingon-tech/klingcustody/internal/metrics"
)

// RPCError is an error object returned by a JSON-RPC node.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("RPC error %d: %s", e.Code, e.Message)
}

// IsRPCError reports whether err carries an RPCError with the given code.
func IsRPCError(err error, code int) bool {
	var rpcErr *RPCError
	return errors.As(err, &rpcErr) && rpcErr.Code == code
}

// Client is a JSON-RPC 2.0 client over HTTP.
type Client struct {
	name       string
	url        string
	user       string
	pass       string
	httpClient *http.Client
	limiter    *rate.Limiter
	requestID  atomic.Uint64
}

// NewClient creates a JSON-RPC client. Basic auth is sent when opts.User is set.
func NewClient(url string, opts Options) *Client {
	return &Client{
		name:       opts.Name,
		url:        url,
		user:       opts.User,
		pass:       opts.Password,
		httpClient: opts.httpClient(),
		limiter:    opts.limiter(),
	}
}

// Call invokes method with params and decodes the result into out.
// out may be nil when the result is not needed.
func (c *Client) Call(ctx context.Context, method string, params interface{}, out interface{}) error {
	raw, err := c.CallRaw(ctx, method, params)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%s: failed to parse result: %w", method, err)
	}
	return nil
}

// CallRaw invokes method and returns the undecoded result.
func (c *Client) CallRaw(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	if err := wait(ctx, c.limiter); err != nil {
		return nil, err
	}
	if params == nil {
		params = []interface{}{}
	}

	request := map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      c.requestID.Add(1),
		"method":  method,
		"params":  params,
	}
	data, err := json.Marshal(request)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.user != "" {
		req.SetBasicAuth(c.user, c.pass)
	}

	start := time.Now()
	result := "error"
	defer func() {
		metrics.BackendRequestDuration.WithLabelValues(c.name, result).Observe(time.Since(start).Seconds())
	}()

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, ErrRateLimited
	}

	// bitcoind answers RPC errors with HTTP 500 and a JSON body, so the
	// status code alone does not decide failure.
	var response struct {
		Result json.RawMessage `json:"result"`
		Error  *RPCError       `json:"error"`
	}
	if err := json.Unmarshal(body, &response); err != nil {
		if resp.StatusCode != http.StatusOK {
			return nil, &HTTPError{Status: resp.StatusCode, Body: string(body)}
		}
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	if response.Error != nil {
		result = "rpc_error"
		return nil, response.Error
	}
	result = "ok"
	return response.Result, nil
}
