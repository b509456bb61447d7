// Package nav turns rapid calendar navigation into materialization and
// query work where only the latest request completes.
package nav

import (
	"context"
	"sync"
	"time"
)

// Debouncer runs the most recently scheduled task once the quiet period
// passes. Scheduling again drops a task that has not started and cancels the
// context of one that has.
type Debouncer struct {
	delay time.Duration

	mu     sync.Mutex
	idle   *sync.Cond // signalled on mu when active drops to zero
	timer  *time.Timer
	cancel context.CancelFunc
	active int // tasks pending or running
}

func NewDebouncer(delay time.Duration) *Debouncer {
	d := &Debouncer{delay: delay}
	d.idle = sync.NewCond(&d.mu)
	return d
}

// Schedule replaces any pending or running task with task.
func (d *Debouncer) Schedule(parent context.Context, task func(ctx context.Context)) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.stopLocked()

	ctx, cancel := context.WithCancel(parent)
	d.cancel = cancel
	d.active++
	d.timer = time.AfterFunc(d.delay, func() {
		defer d.done()
		defer cancel()
		if ctx.Err() != nil {
			return
		}
		task(ctx)
	})
}

// Cancel drops the pending task and cancels a running one.
func (d *Debouncer) Cancel() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopLocked()
}

// Wait blocks until no task is pending or running. Schedule may be called
// while another goroutine waits.
func (d *Debouncer) Wait() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for d.active > 0 {
		d.idle.Wait()
	}
}

func (d *Debouncer) done() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.releaseLocked()
}

func (d *Debouncer) releaseLocked() {
	d.active--
	if d.active == 0 {
		d.idle.Broadcast()
	}
}

func (d *Debouncer) stopLocked() {
	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}
	if d.timer != nil && d.timer.Stop() {
		// The callback never ran, so it will not release itself.
		d.releaseLocked()
	}
	d.timer = nil
}
