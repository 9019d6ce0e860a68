// Package typing provides a keepalive loop for chat platforms (Discord,
// Telegram) whose "typing" indicator expires after a few seconds and must be
// periodically re-sent while the agent is still working on a response.
package typing

import (
	"log/slog"
	"sync"
	"time"
)

// Options configures a Controller.
type Options struct {
	// MaxDuration is a hard TTL after which the controller stops itself,
	// preventing a stuck "typing..." indicator if the run never completes.
	MaxDuration time.Duration
	// KeepaliveInterval is how often StartFn is re-invoked to refresh the
	// platform's typing indicator before it expires.
	KeepaliveInterval time.Duration
	// StartFn sends one typing indicator call to the platform API.
	StartFn func() error
}

// Controller runs a keepalive loop on its own goroutine until Stop is called
// or MaxDuration elapses.
type Controller struct {
	opts Options
	done chan struct{}
	once sync.Once
}

// New creates a Controller. Call Start to begin the keepalive loop.
func New(opts Options) *Controller {
	return &Controller{opts: opts, done: make(chan struct{})}
}

// Start fires the first typing indicator immediately, then refreshes it on
// KeepaliveInterval until Stop is called or MaxDuration elapses.
func (c *Controller) Start() {
	if err := c.opts.StartFn(); err != nil {
		slog.Debug("typing indicator failed", "error", err)
	}

	go func() {
		ticker := time.NewTicker(c.opts.KeepaliveInterval)
		defer ticker.Stop()
		deadline := time.NewTimer(c.opts.MaxDuration)
		defer deadline.Stop()

		for {
			select {
			case <-c.done:
				return
			case <-deadline.C:
				return
			case <-ticker.C:
				if err := c.opts.StartFn(); err != nil {
					slog.Debug("typing indicator refresh failed", "error", err)
				}
			}
		}
	}()
}

// Stop ends the keepalive loop. Safe to call more than once.
func (c *Controller) Stop() {
	c.once.Do(func() { close(c.done) })
}
