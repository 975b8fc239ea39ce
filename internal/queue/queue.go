// Package queue implements a single-worker FIFO with bounded retries and
// a delayed-retry due-heap. A single worker, not a pool: parallel
// execution across archive sets produced integrity-test timeouts under
// disk contention.
package queue

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// SourceLabel classifies why an item entered the queue.
type SourceLabel string

const (
	SourceNew      SourceLabel = "new"
	SourceExisting SourceLabel = "existing"
	SourceRetry    SourceLabel = "retry"
	SourceManual   SourceLabel = "manual"
)

// Item is a queue item: an archive-set handle plus bookkeeping.
// Attempts is monotonically non-decreasing across the item's lifetime.
type Item struct {
	Handle      string
	Source      SourceLabel
	Attempts    int
	FirstSubmit time.Time
	NextDue     time.Time
}

// ErrRetryable marks a Processor error as retryable under the queue's
// fixed-interval policy. Wrap the underlying cause: fmt.Errorf("%w: %v", ErrRetryable, cause).
var ErrRetryable = errors.New("queue: retryable")

// ErrQuarantine marks a Processor error as terminal: the item is
// quarantined without further retries.
var ErrQuarantine = errors.New("queue: quarantine")

// Processor performs the actual archive-processing pipeline for one item.
// The queue itself only owns serialization, dedup and retry bookkeeping.
type Processor interface {
	Process(ctx context.Context, item *Item) error
}

// QuarantineFunc is invoked when an item exhausts its retry budget or
// fails terminally. reason is a human-readable explanation logged at the
// call site.
type QuarantineFunc func(item *Item, reason string, cause error)

// Config controls retry policy.
type Config struct {
	MaxRetryAttempts int
	RetryInterval    time.Duration
	MaxRetryAge      time.Duration
	ShutdownGrace    time.Duration
}

// Queue is the single-worker processing queue.
type Queue struct {
	cfg        Config
	processor  Processor
	quarantine QuarantineFunc
	log        *slog.Logger

	mu          sync.Mutex
	pending     []*Item
	nonTerminal map[string]struct{} // handle -> present; at most one non-terminal item per handle
	due         dueHeap
	notify      chan struct{}

	runningMu sync.Mutex
	running   *Item

	wg sync.WaitGroup
}

// New creates a Queue. quarantine is called from the worker goroutine only.
func New(cfg Config, processor Processor, quarantine QuarantineFunc) *Queue {
	if cfg.MaxRetryAttempts <= 0 {
		cfg.MaxRetryAttempts = 5
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 60 * time.Second
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = 30 * time.Second
	}

	return &Queue{
		cfg:         cfg,
		processor:   processor,
		quarantine:  quarantine,
		log:         slog.Default().With("component", "processing-queue"),
		nonTerminal: make(map[string]struct{}),
		notify:      make(chan struct{}, 1),
	}
}

// Submit enqueues handle for processing. Duplicates (an archive-set handle
// already present in any non-terminal state) are dropped and logged.
func (q *Queue) Submit(handle string, source SourceLabel) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, exists := q.nonTerminal[handle]; exists {
		q.log.Debug("duplicate submission dropped", "handle", handle, "source", source)
		return false
	}

	item := &Item{
		Handle:      handle,
		Source:      source,
		Attempts:    0,
		FirstSubmit: time.Now(),
	}
	q.nonTerminal[handle] = struct{}{}
	q.pending = append(q.pending, item)
	q.wake()

	q.log.Info("archive submitted", "handle", handle, "source", source)
	return true
}

func (q *Queue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Run drives the single worker until ctx is canceled. On cancellation the
// current item is given cfg.ShutdownGrace to finish before Run returns;
// pending items are left in memory and rely on the next startup's directory
// scan to resubmit them.
func (q *Queue) Run(ctx context.Context) {
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		item, wait := q.dequeueOrNextDue()
		if item == nil {
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			if wait > 0 {
				timer.Reset(wait)
			} else {
				timer.Reset(time.Hour)
			}

			select {
			case <-ctx.Done():
				return
			case <-q.notify:
				continue
			case <-timer.C:
				continue
			}
		}

		q.runItem(ctx, item)

		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

// dequeueOrNextDue pops the next Pending item if one exists, serialized
// across all watched sources, otherwise promotes any retry-due item, and
// otherwise reports how long until the next due retry.
func (q *Queue) dequeueOrNextDue() (*Item, time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.promoteDueLocked()

	if len(q.pending) > 0 {
		item := q.pending[0]
		q.pending = q.pending[1:]
		return item, 0
	}

	if q.due.Len() > 0 {
		next := q.due[0]
		return nil, time.Until(next.due)
	}

	return nil, 0
}

func (q *Queue) promoteDueLocked() {
	now := time.Now()
	for q.due.Len() > 0 && !q.due[0].due.After(now) {
		dueItem := heap.Pop(&q.due).(*dueEntry)
		q.pending = append(q.pending, dueItem.item)
	}
}

func (q *Queue) runItem(ctx context.Context, item *Item) {
	q.runningMu.Lock()
	q.running = item
	q.runningMu.Unlock()
	defer func() {
		q.runningMu.Lock()
		q.running = nil
		q.runningMu.Unlock()
	}()

	item.Attempts++

	// itemCtx is detached from ctx so that shutdown gives the current item
	// cfg.ShutdownGrace to finish on its own before being forced to abort;
	// an immediate child of ctx would cancel it the instant shutdown begins.
	itemCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		select {
		case <-itemCtx.Done():
			return
		case <-ctx.Done():
		}
		select {
		case <-itemCtx.Done():
		case <-time.After(q.cfg.ShutdownGrace):
			cancel()
		}
	}()

	log := q.log.With("handle", item.Handle, "attempt", item.Attempts, "source", item.Source)
	log.Info("processing archive")

	err := q.processor.Process(itemCtx, item)
	if err == nil {
		q.finish(item)
		log.Info("processing succeeded")
		return
	}

	if errors.Is(err, ErrQuarantine) {
		q.finish(item)
		q.quarantine(item, "terminal error", err)
		log.Warn("quarantined", "error", err)
		return
	}

	if !errors.Is(err, ErrRetryable) {
		// Unclassified errors are treated as quarantine-worthy: the
		// processor is expected to classify every failure path.
		q.finish(item)
		q.quarantine(item, "unclassified error", err)
		log.Error("quarantined for unclassified error", "error", err)
		return
	}

	age := time.Since(item.FirstSubmit)
	if item.Attempts >= q.cfg.MaxRetryAttempts || (q.cfg.MaxRetryAge > 0 && age >= q.cfg.MaxRetryAge) {
		q.finish(item)
		q.quarantine(item, fmt.Sprintf("retry budget exhausted (attempts=%d age=%s)", item.Attempts, age), err)
		log.Warn("quarantined after exhausting retries", "error", err)
		return
	}

	item.Source = SourceRetry
	item.NextDue = time.Now().Add(q.cfg.RetryInterval)
	q.reschedule(item)
	log.Info("rescheduled for retry", "next_due", item.NextDue, "error", err)
}

func (q *Queue) finish(item *Item) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.nonTerminal, item.Handle)
}

func (q *Queue) reschedule(item *Item) {
	q.mu.Lock()
	defer q.mu.Unlock()
	heap.Push(&q.due, &dueEntry{item: item, due: item.NextDue})
}

// Running returns the item currently being processed, or nil.
func (q *Queue) Running() *Item {
	q.runningMu.Lock()
	defer q.runningMu.Unlock()
	return q.running
}

// Len reports the number of items in Pending or Retry-Scheduled states.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending) + q.due.Len()
}

type dueEntry struct {
	item *Item
	due  time.Time
}

type dueHeap []*dueEntry

func (h dueHeap) Len() int            { return len(h) }
func (h dueHeap) Less(i, j int) bool  { return h[i].due.Before(h[j].due) }
func (h dueHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *dueHeap) Push(x interface{}) { *h = append(*h, x.(*dueEntry)) }
func (h *dueHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
