// Package stats implements the single-consumer statistics accountant: a
// multi-producer, unbounded queue of per-task outcomes that the engine
// and dispatcher report into, batched and logged by one consumer loop.
package stats

import (
	"context"
	"log/slog"
	"sync"

	"github.com/plugin-registry/pluginindexer/internal/apierrors"
	"github.com/plugin-registry/pluginindexer/internal/metrics"
)

// Kind distinguishes the three possible outcomes of a dispatched task.
type Kind int

const (
	// Succeeded means the task's top-level future returned nil.
	Succeeded Kind = iota
	// Failed means the task's top-level future returned a non-nil error.
	Failed
	// Problem means a handler reported a non-fatal anomaly mid-task
	// without ending the task.
	Problem
)

func (k Kind) String() string {
	switch k {
	case Succeeded:
		return "success"
	case Failed:
		return "failure"
	case Problem:
		return "problem"
	default:
		return "unknown"
	}
}

// Outcome is one message sent by a task (or a mid-task handler) to the
// accountant.
type Outcome struct {
	Task string
	Kind Kind
	Err  error
}

// FailureRecord is a retained failing task name and its top-level error,
// for the end-of-run report.
type FailureRecord struct {
	Task string
	Err  error
}

// ProblemRecord is a retained non-fatal anomaly, for the end-of-run
// report.
type ProblemRecord struct {
	Task string
	Err  error
}

// Snapshot is a consistent point-in-time read of the accountant's
// counters, taken after the dispatcher's task tree has quiesced.
type Snapshot struct {
	Successes int
	Failures  []FailureRecord
	Problems  []ProblemRecord
}

// Sender is a cheap, cloneable handle producers use to report outcomes.
// The zero value is not usable; obtain one via Accountant.Sender.
type Sender struct {
	ch chan<- Outcome
}

// Send reports a terminal outcome for a task. Safe for concurrent use
// and safe to call after the accountant's consumer has stopped reading
// (the underlying queue absorbs it without blocking the caller
// indefinitely, because the queue goroutine keeps draining until its
// input side is closed).
func (s Sender) Send(o Outcome) {
	s.ch <- o
}

// SendProblem reports a non-fatal, mid-task anomaly. The task continues
// running; this does not end it.
func (s Sender) SendProblem(task string, err error) {
	s.Send(Outcome{Task: task, Kind: Problem, Err: err})
}

// GuardFuture wraps a fallible task body into an infallible one that
// reports its terminal outcome to the accountant before returning. This
// is the primitive the dispatcher uses for every task it schedules.
func (s Sender) GuardFuture(name string, fn func(ctx context.Context) error) func(ctx context.Context) {
	return func(ctx context.Context) {
		err := fn(ctx)
		if err != nil {
			s.Send(Outcome{Task: name, Kind: Failed, Err: err})
			return
		}
		s.Send(Outcome{Task: name, Kind: Succeeded})
	}
}

// Accountant is the single-consumer aggregator. Construct with New, then
// run its consumer loop with Run in its own goroutine; it never returns
// while any Sender may still be producing, so the driver must race Run
// against the dispatcher's quiescence rather than await it directly.
type Accountant struct {
	logger  *slog.Logger
	metrics *metrics.Registry

	queue *unboundedQueue

	mu        sync.Mutex
	successes int
	failures  []FailureRecord
	problems  []ProblemRecord
}

// New constructs an Accountant. logger and metricsReg must be non-nil.
func New(logger *slog.Logger, metricsReg *metrics.Registry) *Accountant {
	return &Accountant{
		logger:  logger,
		metrics: metricsReg,
		queue:   newUnboundedQueue(),
	}
}

// Sender returns a cloneable handle for producers.
func (a *Accountant) Sender() Sender {
	return Sender{ch: a.queue.in}
}

// Run drains outcomes until the queue's input side is closed (via
// Close), batching up to 16 messages per wake. It does not return while
// producers may still be sending, so callers must race it against
// whatever signals task-tree quiescence, per the design note on
// background never-terminating consumers.
func (a *Accountant) Run(ctx context.Context) {
	const batchSize = 16
	batch := make([]Outcome, 0, batchSize)

	for {
		batch = batch[:0]

		first, ok := a.queue.recv(ctx)
		if !ok {
			return
		}
		batch = append(batch, first)

	drain:
		for len(batch) < batchSize {
			select {
			case o, ok := <-a.queue.out:
				if !ok {
					a.apply(batch)
					return
				}
				batch = append(batch, o)
			default:
				break drain
			}
		}

		a.apply(batch)
	}
}

// Close signals that no more outcomes will be sent, letting Run drain
// the remaining queue and return.
func (a *Accountant) Close() {
	a.queue.close()
}

func (a *Accountant) apply(batch []Outcome) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, o := range batch {
		a.metrics.TasksTotal.WithLabelValues(o.Kind.String()).Inc()

		switch o.Kind {
		case Succeeded:
			a.successes++
		case Failed:
			a.failures = append(a.failures, FailureRecord{Task: o.Task, Err: o.Err})
			a.logFull(slog.LevelError, "task failed", o)
		case Problem:
			a.problems = append(a.problems, ProblemRecord{Task: o.Task, Err: o.Err})
			a.logFull(slog.LevelWarn, "task reported a problem", o)
		}
	}
}

func (a *Accountant) logFull(level slog.Level, msg string, o Outcome) {
	chain := apierrors.CauseChain(o.Err)
	causes := make([]string, 0, len(chain))
	for _, c := range chain {
		causes = append(causes, c.Error())
	}
	a.logger.Log(context.Background(), level, msg,
		"task", o.Task,
		"error", o.Err,
		"cause_chain", causes,
	)
}

// Snapshot returns a consistent copy of the accountant's counters. Call
// it only after the dispatcher's task tree has quiesced (the normal
// driver sequence: close the tracker, await it, close the accountant,
// then snapshot).
func (a *Accountant) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()

	failures := make([]FailureRecord, len(a.failures))
	copy(failures, a.failures)
	problems := make([]ProblemRecord, len(a.problems))
	copy(problems, a.problems)

	return Snapshot{
		Successes: a.successes,
		Failures:  failures,
		Problems:  problems,
	}
}
