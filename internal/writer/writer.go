// Package writer is the write-behind worker: a bounded FIFO of pending
// mutations drained by a single consumer into the durable store. Clients are
// acknowledged before persistence; every committed mutation either lands in
// the store or is counted as a failed write.
package writer

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/collabtodo/collab-engine/internal/metrics"
	"github.com/collabtodo/collab-engine/internal/model"
)

// Op names a durable operation.
type Op string

const (
	OpUpsertItem   Op = "upsert_item"
	OpDeleteItem   Op = "delete_item"
	OpCreateList   Op = "create_list"
	OpRenameList   Op = "rename_list"
	OpDeleteList   Op = "delete_list"
	OpUpsertMember Op = "upsert_member"
	OpRemoveMember Op = "remove_member"
)

// Task is one pending durable write. Exactly the fields for its Op are set.
type Task struct {
	Op     Op
	Item   *model.TodoItem
	List   *model.TodoList
	Member *model.ListMember
	ListID string
	ItemID string
	UserID string
	Name   string
}

// ListWrites is the slice of the list repository the worker needs.
type ListWrites interface {
	Create(ctx context.Context, l *model.TodoList) error
	Rename(ctx context.Context, listID, name string) error
	SoftDelete(ctx context.Context, listID string) error
	UpsertMember(ctx context.Context, listID, userID string, role model.Role) error
	RemoveMember(ctx context.Context, listID, userID string) error
}

// ItemWrites is the slice of the item repository the worker needs.
type ItemWrites interface {
	Upsert(ctx context.Context, it *model.TodoItem) error
	SoftDelete(ctx context.Context, itemID string) error
}

// Stats is the worker's bookkeeping, exposed on the health surface.
type Stats struct {
	Running           bool   `json:"running"`
	QueueSize         int    `json:"queue_size"`
	WritesProcessed   uint64 `json:"writes_processed"`
	WritesFailed      uint64 `json:"writes_failed"`
	QueueOverflow     uint64 `json:"queue_overflow"`
	DroppedOnShutdown uint64 `json:"writes_dropped_on_shutdown"`
}

// Worker consumes the queue on a single goroutine; serializing writes keeps
// repository contention low and makes replays ordered per entity.
type Worker struct {
	lists ListWrites
	items ItemWrites
	met   *metrics.Metrics

	queue        chan Task
	stop         chan struct{}
	done         chan struct{}
	drainTimeout time.Duration
	writeTimeout time.Duration

	running   atomic.Bool
	processed atomic.Uint64
	failed    atomic.Uint64
	overflow  atomic.Uint64
	dropped   atomic.Uint64
}

func New(lists ListWrites, items ItemWrites, met *metrics.Metrics, queueSize int, drainTimeout time.Duration) *Worker {
	if queueSize <= 0 {
		queueSize = 1000
	}
	return &Worker{
		lists:        lists,
		items:        items,
		met:          met,
		queue:        make(chan Task, queueSize),
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
		drainTimeout: drainTimeout,
		writeTimeout: 5 * time.Second,
	}
}

// Start launches the consumer goroutine. Safe to call once.
func (w *Worker) Start() {
	if !w.running.CompareAndSwap(false, true) {
		log.Warn().Msg("write worker already running")
		return
	}
	go w.loop()
	log.Info().Int("queue_cap", cap(w.queue)).Msg("write worker started")
}

// Stop drains the queue for the configured timeout, then abandons whatever is
// left and counts it.
func (w *Worker) Stop() {
	close(w.stop)
	<-w.done
	log.Info().
		Uint64("processed", w.processed.Load()).
		Uint64("failed", w.failed.Load()).
		Uint64("dropped_on_shutdown", w.dropped.Load()).
		Msg("write worker stopped")
}

// Running reports whether the consumer is live (readiness).
func (w *Worker) Running() bool { return w.running.Load() }

// Enqueue hands a mutation to the worker without blocking. On a full queue
// the mutation is dropped: the in-memory and shared tiers are already
// consistent, so durability is sacrificed for liveness and the operator is
// expected to react to the overflow counter.
func (w *Worker) Enqueue(t Task) bool {
	select {
	case w.queue <- t:
		return true
	default:
		w.overflow.Add(1)
		w.met.QueueOverflow.Inc()
		log.Warn().Str("op", string(t.Op)).Msg("write queue full, dropping mutation")
		return false
	}
}

// Stats snapshots the counters.
func (w *Worker) Stats() Stats {
	return Stats{
		Running:           w.running.Load(),
		QueueSize:         len(w.queue),
		WritesProcessed:   w.processed.Load(),
		WritesFailed:      w.failed.Load(),
		QueueOverflow:     w.overflow.Load(),
		DroppedOnShutdown: w.dropped.Load(),
	}
}

func (w *Worker) loop() {
	defer close(w.done)
	for {
		select {
		case t := <-w.queue:
			w.process(t)
		case <-w.stop:
			w.drain()
			w.running.Store(false)
			return
		}
	}
}

func (w *Worker) drain() {
	deadline := time.NewTimer(w.drainTimeout)
	defer deadline.Stop()
	for {
		select {
		case t := <-w.queue:
			w.process(t)
		case <-deadline.C:
			if n := len(w.queue); n > 0 {
				w.dropped.Add(uint64(n))
				w.met.WritesDroppedShutdown.Add(float64(n))
				log.Warn().Int("remaining", n).Msg("drain timeout elapsed, dropping queued writes")
			}
			return
		default:
			return
		}
	}
}

func (w *Worker) process(t Task) {
	ctx, cancel := context.WithTimeout(context.Background(), w.writeTimeout)
	defer cancel()

	start := time.Now()
	err := w.resolve(ctx, t)
	w.met.WriteDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		w.failed.Add(1)
		w.met.WritesFailed.Inc()
		// Full payload goes to the log; write failures never reach clients.
		log.Error().Err(err).Str("op", string(t.Op)).Interface("task", t).Msg("durable write failed")
		return
	}
	w.processed.Add(1)
	w.met.WritesProcessed.Inc()
}

func (w *Worker) resolve(ctx context.Context, t Task) error {
	switch t.Op {
	case OpUpsertItem:
		return w.items.Upsert(ctx, t.Item)
	case OpDeleteItem:
		return w.items.SoftDelete(ctx, t.ItemID)
	case OpCreateList:
		return w.lists.Create(ctx, t.List)
	case OpRenameList:
		return w.lists.Rename(ctx, t.ListID, t.Name)
	case OpDeleteList:
		return w.lists.SoftDelete(ctx, t.ListID)
	case OpUpsertMember:
		return w.lists.UpsertMember(ctx, t.Member.ListID, t.Member.UserID, t.Member.Role)
	case OpRemoveMember:
		return w.lists.RemoveMember(ctx, t.ListID, t.UserID)
	}
	return fmt.Errorf("unknown write op %q", t.Op)
}
