// Package worker runs periodic handlers: crawlers, collectors, fee seeders
// and collection verifiers all share the same prepare-once, tick-forever shape.
package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/Klingon-tech/klingcustody/internal/metrics"
	"github.com/Klingon-tech/klingcustody/internal/telemetry"
	"github.com/Klingon-tech/klingcustody/pkg/logging"
)

// ErrAlreadyRunning is returned when Start or Run is called on a running worker.
var ErrAlreadyRunning = errors.New("worker already running")

// Handler is the work a Worker schedules. Prepare runs once before the first
// tick; DoProcess runs once per tick.
type Handler interface {
	Prepare(ctx context.Context) error
	DoProcess(ctx context.Context) error
}

// Delayer is implemented by handlers that pick the wait before the next tick,
// for example a crawler that is behind the chain head.
type Delayer interface {
	NextDelay(interval time.Duration) time.Duration
}

// HandlerFuncs adapts plain functions to a Handler. A nil Prepare is a no-op.
type HandlerFuncs struct {
	PrepareFunc func(ctx context.Context) error
	ProcessFunc func(ctx context.Context) error
}

// Prepare calls PrepareFunc when set.
func (h HandlerFuncs) Prepare(ctx context.Context) error {
	if h.PrepareFunc == nil {
		return nil
	}
	return h.PrepareFunc(ctx)
}

// DoProcess calls ProcessFunc.
func (h HandlerFuncs) DoProcess(ctx context.Context) error {
	return h.ProcessFunc(ctx)
}

// Config configures a worker.
type Config struct {
	Name     string        // metric label and log component, e.g. "collector.btc"
	Interval time.Duration // wait between the end of one tick and the start of the next
}

// Status is a snapshot of a worker.
type Status struct {
	Name      string    `json:"name"`
	Running   bool      `json:"running"`
	Ticks     uint64    `json:"ticks"`
	Errors    uint64    `json:"errors"`
	LastTick  time.Time `json:"last_tick,omitempty"`
	LastError string    `json:"last_error,omitempty"`
}

// Worker calls a Handler at a fixed interval. Ticks never overlap: the next
// wait starts when the previous tick returns.
type Worker struct {
	cfg     Config
	handler Handler
	log     *logging.Logger
	tracer  trace.Tracer

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
	status  Status
}

// New creates a worker for handler.
func New(cfg Config, handler Handler) *Worker {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	return &Worker{
		cfg:     cfg,
		handler: handler,
		log:     logging.GetDefault().Component(cfg.Name),
		tracer:  telemetry.Tracer("worker"),
		status:  Status{Name: cfg.Name},
	}
}

// Name returns the worker name.
func (w *Worker) Name() string {
	return w.cfg.Name
}

// Start runs the worker in a background goroutine until Stop is called or
// ctx is cancelled.
func (w *Worker) Start(ctx context.Context) error {
	ctx, err := w.begin(ctx)
	if err != nil {
		return err
	}
	go func() {
		if err := w.loop(ctx); err != nil && !errors.Is(err, context.Canceled) {
			w.log.Error("Worker stopped", "error", err)
		}
	}()
	w.log.Info("Worker started", "interval", w.cfg.Interval)
	return nil
}

// Run runs the worker in the calling goroutine. It returns nil when ctx is
// cancelled and the error of Prepare when preparation fails.
func (w *Worker) Run(ctx context.Context) error {
	ctx, err := w.begin(ctx)
	if err != nil {
		return err
	}
	err = w.loop(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Stop cancels the worker and waits for a running tick to finish.
func (w *Worker) Stop() {
	w.mu.Lock()
	cancel, done := w.cancel, w.done
	w.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	w.log.Info("Worker stopped")
}

// Status returns a snapshot of the worker.
func (w *Worker) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status
}

func (w *Worker) begin(ctx context.Context) (context.Context, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return nil, fmt.Errorf("%s: %w", w.cfg.Name, ErrAlreadyRunning)
	}
	ctx, w.cancel = context.WithCancel(ctx)
	w.done = make(chan struct{})
	w.running = true
	w.status.Running = true
	return ctx, nil
}

func (w *Worker) end() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.cancel()
	close(w.done)
	w.running = false
	w.status.Running = false
	w.cancel = nil
}

// loop prepares the handler and ticks until ctx is cancelled.
func (w *Worker) loop(ctx context.Context) error {
	defer w.end()

	if err := w.handler.Prepare(ctx); err != nil {
		return fmt.Errorf("%s: prepare: %w", w.cfg.Name, err)
	}

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}

		w.tick(ctx)

		delay := w.cfg.Interval
		if d, ok := w.handler.(Delayer); ok {
			delay = d.NextDelay(w.cfg.Interval)
		}
		timer.Reset(delay)
	}
}

// tick runs one DoProcess. Errors and panics are logged and counted; the loop
// keeps going.
func (w *Worker) tick(ctx context.Context) {
	ctx, span := w.tracer.Start(ctx, "worker.tick",
		trace.WithAttributes(attribute.String("worker", w.cfg.Name)),
	)
	defer span.End()

	start := time.Now()
	err := w.process(ctx)
	metrics.WorkerTickDuration.WithLabelValues(w.cfg.Name).Observe(time.Since(start).Seconds())

	w.mu.Lock()
	w.status.Ticks++
	w.status.LastTick = start
	if err != nil {
		w.status.Errors++
		w.status.LastError = err.Error()
	} else {
		w.status.LastError = ""
	}
	w.mu.Unlock()

	if err != nil {
		if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
			return
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		metrics.WorkerErrors.WithLabelValues(w.cfg.Name).Inc()
		w.log.Error("Tick failed", "error", err, "duration", time.Since(start))
	}
}

func (w *Worker) process(ctx context.Context) (err error) {
	defer func() {
		if p := recover(); p != nil {
			w.log.Error("Tick panicked", "panic", p, "stack", string(debug.Stack()))
			err = fmt.Errorf("%s: panic: %v", w.cfg.Name, p)
		}
	}()
	return w.handler.DoProcess(ctx)
}
