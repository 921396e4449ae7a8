package activity

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/rpattn/journaled/internal/domain"
)

// ErrBufferFull is returned when an async publisher cannot queue an event.
var ErrBufferFull = errors.New("activity buffer full")

var errClosed = errors.New("activity publisher closed")

const defaultBufferSize = 256

// Async queues events and delivers them to the wrapped notifier from a
// background goroutine. Delivery failures are logged. Close drains the queue.
type Async struct {
	next   Notifier
	logger *slog.Logger
	events chan domain.ActivityEvent

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

// AsyncOption configures an Async publisher.
type AsyncOption func(*Async)

// WithBufferSize sets the queue capacity.
func WithBufferSize(n int) AsyncOption {
	return func(a *Async) {
		if n > 0 {
			a.events = make(chan domain.ActivityEvent, n)
		}
	}
}

// WithAsyncLogger sets the logger for delivery failures.
func WithAsyncLogger(logger *slog.Logger) AsyncOption {
	return func(a *Async) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// NewAsync starts the delivery goroutine.
func NewAsync(next Notifier, opts ...AsyncOption) *Async {
	a := &Async{
		next:   next,
		logger: slog.Default(),
		events: make(chan domain.ActivityEvent, defaultBufferSize),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(a)
	}
	go a.run()
	return a
}

// Notify queues event without waiting for delivery. It fails with
// ErrBufferFull rather than block when the queue is full.
func (a *Async) Notify(ctx context.Context, event domain.ActivityEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return errClosed
	}
	select {
	case a.events <- event:
		return nil
	default:
		return ErrBufferFull
	}
}

// Close stops accepting events and waits until the queued ones are delivered.
func (a *Async) Close() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		<-a.done
		return
	}
	a.closed = true
	close(a.events)
	a.mu.Unlock()
	<-a.done
}

func (a *Async) run() {
	defer close(a.done)
	for event := range a.events {
		if err := a.next.Notify(context.Background(), event); err != nil {
			a.logger.Warn("activity delivery failed",
				"entity", event.Entity.String(),
				"version", event.Version,
				"error", err,
			)
		}
	}
}
