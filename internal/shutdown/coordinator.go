// Package shutdown drains in-flight work with a bounded grace period.
package shutdown

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// StopFunc stops accepting new work. ctx is canceled when the grace period
// expires, at which point remaining work must be abandoned.
type StopFunc func(ctx context.Context) error

// Coordinator tracks in-flight requests and tunnels for the lifetime of the
// server.
//
// Shutdown runs every registered StopFunc, waits for the in-flight count to
// reach zero for at most the grace period, and then cancels Context so that
// whatever is still running is torn down.
type Coordinator struct {
	grace time.Duration
	log   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	inflight atomic.Int64
	released chan struct{}

	mu    sync.Mutex
	stops []StopFunc

	once sync.Once
	done chan struct{}
}

// New returns a Coordinator with the given grace period.
func New(grace time.Duration, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		grace:    grace,
		log:      logger,
		ctx:      ctx,
		cancel:   cancel,
		released: make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

// Context is canceled when the grace period expires after Shutdown, or once
// shutdown completes. Connection handlers should derive from it.
func (c *Coordinator) Context() context.Context {
	return c.ctx
}

// OnStop registers fn to run when Shutdown begins.
func (c *Coordinator) OnStop(fn StopFunc) {
	c.mu.Lock()
	c.stops = append(c.stops, fn)
	c.mu.Unlock()
}

// Track marks one unit of work as in flight. The returned func must be called
// exactly once when the work ends.
func (c *Coordinator) Track() (release func()) {
	c.inflight.Add(1)
	var once sync.Once
	return func() {
		once.Do(func() {
			c.inflight.Add(-1)
			select {
			case c.released <- struct{}{}:
			default:
			}
		})
	}
}

// Inflight returns the number of tracked units of work.
func (c *Coordinator) Inflight() int64 {
	return c.inflight.Load()
}

// Shutdown starts shutting down and returns immediately. Calls after the
// first are no-ops.
func (c *Coordinator) Shutdown() {
	c.once.Do(func() {
		go c.run()
	})
}

// Done is closed when shutdown has finished.
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}

func (c *Coordinator) run() {
	defer close(c.done)
	defer c.cancel()

	start := time.Now()
	c.log.Info("shutting down", "inflight", c.Inflight(), "grace", c.grace)

	c.mu.Lock()
	stops := c.stops
	c.mu.Unlock()

	var wg sync.WaitGroup
	for _, fn := range stops {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(c.ctx); err != nil && c.ctx.Err() == nil {
				c.log.Warn("stop", "error", err)
			}
		}()
	}

	stopped := make(chan struct{})
	go func() {
		wg.Wait()
		close(stopped)
	}()

	timer := time.NewTimer(c.grace)
	defer timer.Stop()

	drained := c.drain(timer.C)
	if drained {
		select {
		case <-stopped:
			// A request read before the listener closed may only now have
			// been tracked, e.g. a CONNECT that hijacked its connection.
			drained = c.drain(timer.C)
		case <-timer.C:
			drained = false
		}
	}
	if !drained {
		c.log.Warn("grace period expired, closing remaining connections", "inflight", c.Inflight())
		c.cancel()
		c.drain(nil)
	}
	<-stopped

	c.log.Info("shutdown complete", "elapsed", time.Since(start).Round(time.Millisecond))
}

// drain waits for the in-flight count to reach zero. It returns false if
// expired fires first.
func (c *Coordinator) drain(expired <-chan time.Time) bool {
	for c.inflight.Load() > 0 {
		select {
		case <-c.released:
		case <-expired:
			return false
		}
	}
	return true
}
