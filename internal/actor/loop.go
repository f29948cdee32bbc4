// Package actor provides the single cooperative thread of execution the
// engine runs on. Everything that mutates engine state is posted into the
// loop's inbox as a closure and executed one at a time.
package actor

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrStopped is returned when posting to a loop that is no longer running.
var ErrStopped = errors.New("actor loop stopped")

// Loop is a bounded FIFO of closures drained by Run. Producers block when
// the inbox is full, which is the backpressure path for transport readers.
type Loop struct {
	inbox   chan func()
	done    chan struct{}
	stopped sync.Once
	logger  *slog.Logger
}

// New creates a loop with the given inbox capacity.
func New(capacity int, logger *slog.Logger) *Loop {
	if capacity <= 0 {
		capacity = 256
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{
		inbox:  make(chan func(), capacity),
		done:   make(chan struct{}),
		logger: logger,
	}
}

// Run executes posted closures until ctx is cancelled or Stop is called.
func (l *Loop) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			l.Stop()
			return
		case <-l.done:
			return
		case f := <-l.inbox:
			l.exec(f)
		}
	}
}

func (l *Loop) exec(f func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("actor task panic", "panic", r)
		}
	}()
	f()
}

// Post enqueues f, blocking while the inbox is full.
func (l *Loop) Post(f func()) error {
	select {
	case <-l.done:
		return ErrStopped
	default:
	}
	select {
	case l.inbox <- f:
		return nil
	case <-l.done:
		return ErrStopped
	}
}

// TryPost enqueues f without blocking and reports whether it was accepted.
func (l *Loop) TryPost(f func()) bool {
	select {
	case <-l.done:
		return false
	case l.inbox <- f:
		return true
	default:
		return false
	}
}

// Do runs f on the loop and waits for it to finish.
func (l *Loop) Do(ctx context.Context, f func()) error {
	finished := make(chan struct{})
	if err := l.Post(func() {
		defer close(finished)
		f()
	}); err != nil {
		return err
	}
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-l.done:
		return ErrStopped
	}
}

// After posts f once d has elapsed. The returned timer may be stopped.
func (l *Loop) After(d time.Duration, f func()) *time.Timer {
	return time.AfterFunc(d, func() {
		if err := l.Post(f); err != nil {
			l.logger.Debug("timer fired after loop stopped")
		}
	})
}

// Stop terminates Run. Pending closures are discarded.
func (l *Loop) Stop() {
	l.stopped.Do(func() { close(l.done) })
}

// Done is closed once the loop has been stopped.
func (l *Loop) Done() <-chan struct{} { return l.done }
