// Package dispatcher implements the fan-out task dispatcher: a task
// tracker that counts outstanding goroutines and can be closed-then-
// awaited for quiescence, generalizing the teacher's fixed-size worker
// pool into an open-ended spawn tree where tasks may themselves dispatch
// further tasks.
package dispatcher

import (
	"context"
	"sync"

	"github.com/plugin-registry/pluginindexer/internal/metrics"
	"github.com/plugin-registry/pluginindexer/internal/stats"
)

// Dispatcher tracks outstanding dispatched tasks and reports their
// outcome to the statistics accountant via guardFuture. The zero value
// is not usable; construct with New. A *Dispatcher is safe to share by
// reference across goroutines and is exactly what a task obtains when
// it wants to dispatch further tasks of its own — there is no separate
// "clone" step, since all of its fields are already reference-counted
// and individually thread-safe.
type Dispatcher struct {
	sender  stats.Sender
	metrics *metrics.Registry

	mu     sync.Mutex
	cond   *sync.Cond
	closed bool
	active int
}

// New constructs a Dispatcher that reports outcomes via sender.
func New(sender stats.Sender, metricsReg *metrics.Registry) *Dispatcher {
	d := &Dispatcher{sender: sender, metrics: metricsReg}
	d.cond = sync.NewCond(&d.mu)
	return d
}

// Dispatch schedules fn to run asynchronously under the given name. Its
// outcome (success or failure) is reported to the accountant on
// completion. Dispatch never refuses a task: closing the dispatcher
// only gates when Wait/Quiescence may return, matching tokio_util's
// TaskTracker, whose spawn() is unaffected by a prior close(). A task
// in flight is therefore always free to dispatch further tasks of its
// own, even after Close has been called, since the tracker only
// considers itself quiesced once every in-flight task — including
// whatever it goes on to dispatch — has completed.
func (d *Dispatcher) Dispatch(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	d.mu.Lock()
	d.active++
	d.mu.Unlock()

	d.metrics.DispatcherActive.Inc()
	guarded := d.sender.GuardFuture(name, fn)

	go func() {
		defer d.metrics.DispatcherActive.Dec()
		guarded(ctx)

		d.mu.Lock()
		d.active--
		if d.active == 0 {
			d.cond.Broadcast()
		}
		d.mu.Unlock()
	}()

	return nil
}

// Close marks the dispatcher closed. It rejects no submissions, neither
// top-level ones nor those of tasks in flight; it only lets
// Wait/Quiescence return once the active count reaches zero.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	d.closed = true
	if d.active == 0 {
		d.cond.Broadcast()
	}
	d.mu.Unlock()
}

// Wait blocks until the dispatcher is closed and every dispatched task
// (including tasks dispatched by other tasks) has completed. Call Close
// first so the wait can terminate.
func (d *Dispatcher) Wait() {
	d.mu.Lock()
	for !(d.closed && d.active == 0) {
		d.cond.Wait()
	}
	d.mu.Unlock()
}

// Quiescence returns a channel that closes once the dispatcher is
// closed and every dispatched task has completed, for driving a
// select-based race against a never-terminating consumer (see the
// accountant's design note).
func (d *Dispatcher) Quiescence() <-chan struct{} {
	done := make(chan struct{})
	go func() {
		d.Wait()
		close(done)
	}()
	return done
}
