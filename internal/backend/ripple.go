package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/Klingon-tech/klingcustody/internal/metrics"
	"github.com/Klingon-tech/klingcustody/pkg/logging"
)

// ErrConnectionClosed is returned to requests pending when the socket drops.
var ErrConnectionClosed = errors.New("rippled connection closed")

// RippleError is an error response from rippled, e.g. actNotFound.
type RippleError struct {
	Code    string `json:"error"`
	Message string `json:"error_message"`
}

func (e *RippleError) Error() string {
	if e.Message == "" {
		return "rippled: " + e.Code
	}
	return fmt.Sprintf("rippled: %s: %s", e.Code, e.Message)
}

// IsRippleError reports whether err is a rippled error with one of the codes.
func IsRippleError(err error, codes ...string) bool {
	var re *RippleError
	if !errors.As(err, &re) {
		return false
	}
	for _, c := range codes {
		if re.Code == c {
			return true
		}
	}
	return false
}

type rippleResponse struct {
	ID     uint64          `json:"id"`
	Status string          `json:"status"`
	Type   string          `json:"type"`
	Result json.RawMessage `json:"result"`
	RippleError
}

// RippleClient is a rippled WebSocket client. Requests are multiplexed on
// one connection and matched to responses by id. The connection is dialled
// lazily and re-dialled after it drops.
type RippleClient struct {
	url     string
	name    string
	timeout time.Duration
	limiter *rate.Limiter
	log     *logging.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	pending map[uint64]chan rippleResponse

	writeMu sync.Mutex
	nextID  atomic.Uint64
}

// NewRippleClient creates a client for a rippled WebSocket endpoint.
func NewRippleClient(url string, opts Options) *RippleClient {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &RippleClient{
		url:     url,
		name:    opts.Name,
		timeout: timeout,
		limiter: opts.limiter(),
		log:     logging.GetDefault().Component("rippled"),
		pending: make(map[uint64]chan rippleResponse),
	}
}

// connect returns the live connection, dialling if needed.
func (r *RippleClient) connect(ctx context.Context) (*websocket.Conn, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn != nil {
		return r.conn, nil
	}

	dialer := websocket.Dialer{HandshakeTimeout: r.timeout}
	conn, _, err := dialer.DialContext(ctx, r.url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotConnected, err)
	}
	r.conn = conn
	go r.readLoop(conn)
	r.log.Debug("Connected", "url", r.url)
	return conn, nil
}

func (r *RippleClient) readLoop(conn *websocket.Conn) {
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				r.log.Warn("Read failed, dropping connection", "error", err)
			}
			r.drop(conn)
			return
		}

		var resp rippleResponse
		if err := json.Unmarshal(message, &resp); err != nil {
			r.log.Debug("Ignoring undecodable message", "error", err)
			continue
		}
		if resp.Type != "" && resp.Type != "response" {
			// Stream messages are not requested by this client.
			continue
		}

		r.mu.Lock()
		ch, ok := r.pending[resp.ID]
		delete(r.pending, resp.ID)
		r.mu.Unlock()
		if ok {
			ch <- resp
		}
	}
}

// drop forgets conn and fails every pending request.
func (r *RippleClient) drop(conn *websocket.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn != conn {
		return
	}
	conn.Close()
	r.conn = nil
	for id, ch := range r.pending {
		close(ch)
		delete(r.pending, id)
	}
}

// Request sends command with params and decodes the result into out.
func (r *RippleClient) Request(ctx context.Context, command string, params map[string]interface{}, out interface{}) error {
	if err := wait(ctx, r.limiter); err != nil {
		return err
	}
	conn, err := r.connect(ctx)
	if err != nil {
		return err
	}

	id := r.nextID.Add(1)
	msg := make(map[string]interface{}, len(params)+2)
	for k, v := range params {
		msg[k] = v
	}
	msg["id"] = id
	msg["command"] = command

	ch := make(chan rippleResponse, 1)
	r.mu.Lock()
	r.pending[id] = ch
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.pending, id)
		r.mu.Unlock()
	}()

	start := time.Now()
	result := "error"
	defer func() {
		metrics.BackendRequestDuration.WithLabelValues(r.name, result).Observe(time.Since(start).Seconds())
	}()

	r.writeMu.Lock()
	conn.SetWriteDeadline(time.Now().Add(r.timeout))
	err = conn.WriteJSON(msg)
	r.writeMu.Unlock()
	if err != nil {
		r.drop(conn)
		return fmt.Errorf("rippled %s: %w", command, err)
	}

	timer := time.NewTimer(r.timeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return fmt.Errorf("rippled %s: timed out after %s", command, r.timeout)
	case resp, ok := <-ch:
		if !ok {
			return ErrConnectionClosed
		}
		if resp.Status != "success" {
			result = "rpc_error"
			e := resp.RippleError
			return &e
		}
		result = "ok"
		if out == nil {
			return nil
		}
		if err := json.Unmarshal(resp.Result, out); err != nil {
			return fmt.Errorf("rippled %s: failed to parse result: %w", command, err)
		}
		return nil
	}
}

// Close closes the connection. The client may be used again afterwards.
func (r *RippleClient) Close() error {
	r.mu.Lock()
	conn := r.conn
	r.mu.Unlock()
	if conn != nil {
		r.drop(conn)
	}
	return nil
}
