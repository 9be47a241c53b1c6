// Package coordinator sequences the pause → teardown → recreate → resume
// protocol around the automation resource. Restart triggers (liveness
// failures, memory pressure) arrive asynchronously and concurrently; the
// coordinator serializes them through a single consumer loop so no two
// restarts ever interleave.
package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// QueueControl is the pause/resume slice of the durable queue.
type QueueControl interface {
	Pause()
	Resume()
}

// Resource is the automation resource's lifecycle. Recreate is a full
// re-bootstrap: new browser, new navigation, detection reruns from
// nothing.
type Resource interface {
	Teardown(ctx context.Context) error
	Recreate(ctx context.Context) error
}

// Coordinator consumes restart requests and runs the strictly ordered
// restart sequence. Resume is never issued before Recreate returns
// success; a failed Recreate leaves the queue paused and surfaces a
// fatal condition instead of retrying forever.
type Coordinator struct {
	queue    QueueControl
	resource Resource

	// onRecreated runs after a successful recreate, before the queue
	// resumes. The engine resets the state machine here.
	onRecreated func()

	// onFatal surfaces an unrecoverable recreate failure for alerting.
	onFatal func(err error)

	grace    time.Duration
	requests chan string
	halted   atomic.Bool
	logger   *slog.Logger
}

// Options configures the coordinator.
type Options struct {
	// Grace is the settle time between teardown and recreate.
	Grace time.Duration
}

// New creates a coordinator. onRecreated and onFatal may be nil.
func New(queue QueueControl, resource Resource, onRecreated func(), onFatal func(error), opts Options, logger *slog.Logger) *Coordinator {
	if opts.Grace <= 0 {
		opts.Grace = 2 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		queue:       queue,
		resource:    resource,
		onRecreated: onRecreated,
		onFatal:     onFatal,
		grace:       opts.Grace,
		requests:    make(chan string, 1),
		logger:      logger,
	}
}

// RequestRestart queues a restart. Never blocks: while a restart is
// already pending, further triggers collapse into it.
func (c *Coordinator) RequestRestart(reason string) {
	select {
	case c.requests <- reason:
	default:
		c.logger.Debug("restart already pending, trigger collapsed", "reason", reason)
	}
}

// Halt pauses the queue with no matching resume and latches the
// coordinator: restart requests arriving afterwards, from monitors that
// are still ticking, are dropped instead of ending in a resume. Used on
// a confirmed ban; nothing may process until the operator clears the
// flag.
func (c *Coordinator) Halt(reason string) {
	c.logger.Error("halting all processing", "reason", reason)
	c.halted.Store(true)
	c.queue.Pause()
}

// Halted reports whether Halt has latched the coordinator.
func (c *Coordinator) Halted() bool {
	return c.halted.Load()
}

// Run consumes restart requests until ctx is cancelled.
func (c *Coordinator) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case reason := <-c.requests:
			c.restart(ctx, reason)
		}
	}
}

// restart executes one full restart sequence.
func (c *Coordinator) restart(ctx context.Context, reason string) {
	if c.halted.Load() {
		c.logger.Warn("restart dropped, coordinator halted", "reason", reason)
		return
	}
	c.logger.Warn("restarting automation resource", "reason", reason)

	// 1. No new dequeue may start while the resource is mutated. The
	// job in flight, if any, finishes or fails on its own timeout.
	c.queue.Pause()

	// 2. Tear down, including stale-process and lock cleanup. A teardown
	// error is logged, not fatal: recreate decides whether we recover.
	if err := c.resource.Teardown(ctx); err != nil {
		c.logger.Error("teardown failed, attempting recreate anyway", "error", err)
	}

	// 3. Settle before relaunching.
	select {
	case <-ctx.Done():
		return
	case <-time.After(c.grace):
	}

	// 4. Full re-bootstrap. On failure the queue stays paused:
	// resuming against a broken resource would fail every job into the
	// circuit breaker for nothing.
	if err := c.resource.Recreate(ctx); err != nil {
		err = fmt.Errorf("resource recreate failed, queue left paused: %w", err)
		c.logger.Error("restart aborted", "error", err)
		if c.onFatal != nil {
			c.onFatal(err)
		}
		return
	}

	if c.onRecreated != nil {
		c.onRecreated()
	}

	// 5. Only a confirmed-good resource gets traffic again, and never
	// one halted mid-sequence: a ban confirmed during the teardown
	// window keeps the queue paused.
	if c.halted.Load() {
		c.logger.Warn("halted during restart, queue stays paused")
		return
	}
	c.queue.Resume()
	c.logger.Info("restart complete, queue resumed")
}
