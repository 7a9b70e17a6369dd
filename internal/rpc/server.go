// Package rpc provides the operations HTTP server of the wallet daemon:
// health and status endpoints, Prometheus metrics, a small JSON-RPC 2.0
// surface and a WebSocket status feed.
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Klingon-tech/klingcustody/internal/chain"
	"github.com/Klingon-tech/klingcustody/internal/node"
	"github.com/Klingon-tech/klingcustody/internal/storage"
	"github.com/Klingon-tech/klingcustody/pkg/logging"
)

// Backend is the part of the node the server reports on.
type Backend interface {
	Status() node.Status
	Healthy() bool
	Currencies() *chain.Registry
	RequestWithdrawal(ctx context.Context, req node.WithdrawalRequest) (*storage.Withdrawal, error)
	Withdrawal(ctx context.Context, id int64) (*storage.Withdrawal, error)
}

// Server is the operations server.
type Server struct {
	backend Backend
	log     *logging.Logger
	wsHub   *WSHub

	server   *http.Server
	listener net.Listener
	cancel   context.CancelFunc
	done     sync.WaitGroup

	handlers map[string]Handler
	mu       sync.RWMutex
}

// Handler is a JSON-RPC method handler.
type Handler func(ctx context.Context, params json.RawMessage) (interface{}, error)

// Request represents a JSON-RPC 2.0 request.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      interface{}     `json:"id,omitempty"`
}

// Response represents a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string      `json:"jsonrpc"`
	Result  interface{} `json:"result,omitempty"`
	Error   *Error      `json:"error,omitempty"`
	ID      interface{} `json:"id"`
}

// Error represents a JSON-RPC 2.0 error.
type Error struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// Standard error codes.
const (
	ParseError     = -32700
	InvalidRequest = -32600
	MethodNotFound = -32601
	InvalidParams  = -32602
	InternalError  = -32603
)

// StatusInterval is how often the status feed publishes a node snapshot.
var StatusInterval = 5 * time.Second

// NewServer creates an operations server over a backend.
func NewServer(b Backend) *Server {
	s := &Server{
		backend:  b,
		log:      logging.GetDefault().Component("rpc"),
		wsHub:    NewWSHub(),
		handlers: make(map[string]Handler),
	}
	s.registerHandlers()
	return s
}

func (s *Server) registerHandlers() {
	s.handlers["node_status"] = s.nodeStatus
	s.handlers["node_health"] = s.nodeHealth

	s.handlers["currencies_list"] = s.currenciesList
	s.handlers["currencies_get"] = s.currenciesGet

	s.handlers["withdrawals_create"] = s.withdrawalsCreate
	s.handlers["withdrawals_get"] = s.withdrawalsGet
}

// Handler returns the HTTP routes of the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("POST /rpc", s.handleRPC)
	mux.HandleFunc("GET /ws", s.handleWS)
	return mux
}

// Start listens on addr and serves until Stop.
func (s *Server) Start(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = listener

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.done.Add(2)
	go func() {
		defer s.done.Done()
		s.wsHub.Run(ctx)
	}()
	go func() {
		defer s.done.Done()
		s.publishStatus(ctx)
	}()

	s.server = &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.log.Error("Ops server error", "error", err)
		}
	}()

	s.log.Info("Ops server started", "addr", listener.Addr().String())
	return nil
}

// Addr returns the listening address, or "" before Start.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	err := s.server.Shutdown(ctx)
	s.cancel()
	s.done.Wait()
	return err
}

// publishStatus broadcasts a node snapshot to feed subscribers.
func (s *Server) publishStatus(ctx context.Context) {
	ticker := time.NewTicker(StatusInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.wsHub.ClientCount() > 0 {
				s.wsHub.Broadcast(EventNodeStatus, s.backend.Status())
			}
		}
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !s.backend.Healthy() {
		http.Error(w, "unhealthy", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	w.Write([]byte("ok"))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.backend.Status()); err != nil {
		s.log.Debug("Failed to write status", "error", err)
	}
}

// handleRPC handles incoming JSON-RPC requests.
func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	var req Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, nil, ParseError, "Parse error", nil)
		return
	}

	if req.JSONRPC != "2.0" {
		s.writeError(w, req.ID, InvalidRequest, "Invalid Request", nil)
		return
	}

	s.mu.RLock()
	handler, ok := s.handlers[req.Method]
	s.mu.RUnlock()

	if !ok {
		s.writeError(w, req.ID, MethodNotFound, "Method not found", req.Method)
		return
	}

	result, err := handler(r.Context(), req.Params)
	if err != nil {
		code := InternalError
		var perr *paramsError
		if errors.As(err, &perr) {
			code = InvalidParams
			err = perr.err
		}
		s.writeError(w, req.ID, code, err.Error(), nil)
		return
	}

	s.writeResult(w, req.ID, result)
}

func (s *Server) writeResult(w http.ResponseWriter, id interface{}, result interface{}) {
	resp := Response{
		JSONRPC: "2.0",
		Result:  result,
		ID:      id,
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (s *Server) writeError(w http.ResponseWriter, id interface{}, code int, message string, data interface{}) {
	resp := Response{
		JSONRPC: "2.0",
		Error: &Error{
			Code:    code,
			Message: message,
			Data:    data,
		},
		ID: id,
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// WSHub returns the WebSocket hub.
func (s *Server) WSHub() *WSHub {
	return s.wsHub
}
