// Package timeout holds configurable timeout values for external calls
// and the named-timeout error every wrapped call fails with.
package timeout

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"
)

// Default timeout values (in seconds).
const (
	DefaultRequest   = 10
	DefaultTransport = 30
	DefaultRewind    = 60
)

// Error reports a named external call that exceeded its deadline.
type Error struct {
	Operation string
	TimeoutMs int64
}

func (e *Error) Error() string {
	return fmt.Sprintf("operation %q timed out after %dms", e.Operation, e.TimeoutMs)
}

// Config holds configurable timeout values. All methods are safe for
// concurrent use; values can be refreshed at runtime.
type Config struct {
	request   atomic.Int64
	transport atomic.Int64
	rewind    atomic.Int64
}

// New creates a Config from per-operation timeouts in seconds.
// Non-positive values fall back to the defaults.
func New(requestSec, transportSec, rewindSec int) *Config {
	c := &Config{}
	c.request.Store(clamp(int64(requestSec), DefaultRequest))
	c.transport.Store(clamp(int64(transportSec), DefaultTransport))
	c.rewind.Store(clamp(int64(rewindSec), DefaultRewind))
	return c
}

// Request returns the timeout for hub request/reply calls.
func (c *Config) Request() time.Duration {
	return time.Duration(c.request.Load()) * time.Second
}

// Transport returns the timeout for agent-transport calls
// (setModel, interrupt, stream reads).
func (c *Config) Transport() time.Duration {
	return time.Duration(c.transport.Load()) * time.Second
}

// Rewind returns the timeout for rewindFiles calls.
func (c *Config) Rewind() time.Duration {
	return time.Duration(c.rewind.Load()) * time.Second
}

func clamp(val, defaultVal int64) int64 {
	if val <= 0 {
		return defaultVal
	}
	return val
}

// Run executes fn under a deadline. When the deadline expires before fn
// returns, the result is a *Error naming the operation; fn's own error
// is passed through otherwise.
func Run(ctx context.Context, operation string, d time.Duration, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- fn(ctx) }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		if ctx.Err() == context.DeadlineExceeded {
			return &Error{Operation: operation, TimeoutMs: d.Milliseconds()}
		}
		return ctx.Err()
	}
}
