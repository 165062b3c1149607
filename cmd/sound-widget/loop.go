package main

import (
	"context"
	"log/slog"
	"sync"
)

// ============================================================================
// Event loop
// ============================================================================
//
// Every reaction, bus delivery, async reply, IPC request and websocket
// snapshot runs here, one callback at a time, in arrival order. Router and
// bridge state are owned by this goroutine and need no locks.
//
// Other goroutines (bus signal pump, godbus reply goroutines, IPC
// connections) never touch that state directly; they Post a callback.
// ============================================================================

// Loop is a single-goroutine callback executor.
type Loop struct {
	logger *slog.Logger
	queue  chan func()

	done     chan struct{}
	stopOnce sync.Once
}

// NewLoop creates a loop with the given queue depth. Run must be called to
// start processing.
func NewLoop(logger *slog.Logger, queueLen int) *Loop {
	if queueLen <= 0 {
		queueLen = 64
	}
	return &Loop{
		logger: logger,
		queue:  make(chan func(), queueLen),
		done:   make(chan struct{}),
	}
}

// Post schedules fn on the loop. It blocks while the queue is full and
// returns false if the loop has stopped.
func (l *Loop) Post(fn func()) bool {
	if fn == nil {
		return false
	}
	select {
	case <-l.done:
		return false
	default:
	}

	select {
	case l.queue <- fn:
		return true
	case <-l.done:
		return false
	}
}

// Done is closed once Run has returned.
func (l *Loop) Done() <-chan struct{} { return l.done }

// Run executes posted callbacks until ctx is canceled.
func (l *Loop) Run(ctx context.Context) error {
	defer l.stopOnce.Do(func() { close(l.done) })

	for {
		select {
		case <-ctx.Done():
			l.logger.Info("event loop stopping (context canceled)")
			return nil

		case fn := <-l.queue:
			l.run(fn)
		}
	}
}

// run executes one callback. A panicking callback is logged and the loop
// keeps going.
func (l *Loop) run(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("event loop callback panicked", "panic", r)
		}
	}()
	fn()
}
