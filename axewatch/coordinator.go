package axewatch

import (
	"context"
	"log/slog"
	"sync"
)

// Coordinator serializes scans across every session sharing it: one FIFO
// queue, one drain goroutine, at most one scan running at any time. It also
// owns the highlight overlay, of which at most one exists.
//
// Pages audited by the same process share a Coordinator; tests create a
// fresh one each.
type Coordinator struct {
	logger  *slog.Logger
	overlay *Overlay

	mu        sync.Mutex
	running   bool
	instances map[string]struct{}
	queue     []func()
	draining  bool
	idle      chan struct{}
}

// NewCoordinator creates an idle Coordinator.
func NewCoordinator(logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	idle := make(chan struct{})
	close(idle)
	return &Coordinator{
		logger:    logger,
		overlay:   &Overlay{logger: logger},
		instances: make(map[string]struct{}),
		idle:      idle,
	}
}

// Overlay returns the shared highlight overlay.
func (c *Coordinator) Overlay() *Overlay { return c.overlay }

// Register adds a live session.
func (c *Coordinator) Register(id string) {
	c.mu.Lock()
	c.instances[id] = struct{}{}
	c.mu.Unlock()
}

// Deregister removes a session. When the last one leaves, the running flag
// is cleared so a scan that never finished cannot wedge the next session.
func (c *Coordinator) Deregister(id string) {
	c.mu.Lock()
	delete(c.instances, id)
	if len(c.instances) == 0 {
		c.running = false
	}
	c.mu.Unlock()
}

// Instances returns the number of live sessions.
func (c *Coordinator) Instances() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.instances)
}

// Running reports whether a scan is executing.
func (c *Coordinator) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// Enqueue appends a run and starts draining if nobody is.
func (c *Coordinator) Enqueue(run func()) {
	c.mu.Lock()
	c.queue = append(c.queue, run)
	if !c.draining {
		c.draining = true
		c.idle = make(chan struct{})
		go c.drain()
	}
	c.mu.Unlock()
}

// Pending returns the number of queued runs.
func (c *Coordinator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

// Wait blocks until the queue is drained or ctx is done.
func (c *Coordinator) Wait(ctx context.Context) error {
	c.mu.Lock()
	idle := c.idle
	c.mu.Unlock()
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Coordinator) drain() {
	for {
		c.mu.Lock()
		if len(c.queue) == 0 {
			c.draining = false
			close(c.idle)
			c.mu.Unlock()
			return
		}
		run := c.queue[0]
		c.queue[0] = nil
		c.queue = c.queue[1:]
		c.mu.Unlock()

		c.runOne(run)
	}
}

func (c *Coordinator) runOne(run func()) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("axewatch: scan run panicked", "panic", r)
		}
	}()
	run()
}

// acquire sets the running flag. It fails when a scan already holds it.
func (c *Coordinator) acquire() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return false
	}
	c.running = true
	return true
}

func (c *Coordinator) release() {
	c.mu.Lock()
	c.running = false
	c.mu.Unlock()
}
