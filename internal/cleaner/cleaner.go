// Package cleaner runs the adapter's single housekeeping task: it
// reaps devices flagged as "reported missing" once their loops have
// exited and their rundown has drained, and performs final memory
// release (registry removal, bitmap bit, metrics series).
package cleaner

import (
	"sync"

	"github.com/wnbd-go/wnbd/internal/engine"
	"github.com/wnbd-go/wnbd/internal/logging"
	"github.com/wnbd-go/wnbd/internal/registry"
)

// Cleaner owns the single wake channel and registry handle. The adapter
// starts exactly one of these.
type Cleaner struct {
	registry *registry.Registry
	logger   *logging.Logger

	wake     chan struct{}
	shutdown chan struct{}
	done     chan struct{}
	once     sync.Once
}

// New builds a Cleaner over reg. Call Run in its own goroutine once the
// adapter is otherwise ready.
func New(reg *registry.Registry, logger *logging.Logger) *Cleaner {
	if logger == nil {
		logger = logging.Default()
	}
	return &Cleaner{
		registry: reg,
		logger:   logger,
		wake:     make(chan struct{}, 1),
		shutdown: make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Notify wakes the cleaner to sweep the registry. Non-blocking: if a
// sweep is already pending, this is a no-op, matching the per-device work
// semaphore's coalescing behavior.
func (c *Cleaner) Notify() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// Run is the cleaner's single goroutine loop. It returns once Shutdown is
// called and the final sweep completes.
func (c *Cleaner) Run() {
	defer close(c.done)
	for {
		select {
		case <-c.shutdown:
			c.sweep(true)
			return
		case <-c.wake:
			c.sweep(false)
		}
	}
}

// Shutdown requests one final unconditional sweep, cleaning every
// device regardless of reported_missing, and blocks until Run returns.
func (c *Cleaner) Shutdown() {
	c.once.Do(func() { close(c.shutdown) })
	<-c.done
}

// sweep walks the registry once. When force is true (shutdown), every
// device is reaped regardless of reported_missing; otherwise only devices
// that are reported_missing, have both loops exited, and have a drained
// rundown count are reaped.
func (c *Cleaner) sweep(force bool) {
	for _, entry := range c.registry.Entries() {
		dev, ok := entry.(*engine.Device)
		if !ok {
			continue
		}

		if !force {
			if !dev.ReportedMissing() || !dev.LoopsExited() || dev.RundownGuard().RefCount() != 0 {
				continue
			}
		} else {
			dev.HardTerminate()
			dev.WaitLoopsExited()
			dev.FinishTeardown()
		}

		if err := c.registry.Remove(dev.InstanceName()); err != nil {
			// Already removed by a concurrent sweep or Remove race; not
			// an error worth surfacing.
			continue
		}
		if rec := dev.MetricsRecorder(); rec != nil {
			rec.Close()
		}
		dev.MarkReaped()
		c.logger.Info("cleaner: reaped device", "instance_name", dev.InstanceName())
	}
}
