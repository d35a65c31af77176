package ocspxy

import (
	"context"
	"log/slog"
	"sync"
)

// WriteOp is the mutation a write intent asks the serializer to apply.
type WriteOp int

const (
	OpUpsert WriteOp = iota
	OpDelete
)

// WriteClass distinguishes intents enqueued by a client-facing Handler
// (which must never be dropped) from those enqueued by the background
// Refresher (which may be dropped, oldest first, if the queue is full).
type WriteClass int

const (
	ClassHandler WriteClass = iota
	ClassRefresh
)

// writeIntent is one enqueued mutation against the store.
type writeIntent struct {
	op    WriteOp
	key   string
	entry CacheEntry
	class WriteClass
}

// WriteSerializer funnels every mutating store operation through a
// single consumer goroutine, so that concurrent handlers and the
// Refresher never race each other against a store that offers per-key
// atomic writes but no cross-key transactions. Intents apply strictly in
// the order they were enqueued, regardless of which producer enqueued
// them; "last enqueued wins" is the resolution rule for two intents on
// the same key.
//
// Grounded on devforth-wait0's diskCache.ops channel + writerLoop
// (internal/wait0/service.go): a single ordered queue feeding one
// consumer goroutine, generalized so that a refresh-class intent may be
// dropped, oldest first, to bound memory under backpressure, while a
// handler-class intent is never dropped.
type WriteSerializer struct {
	store   Store
	logger  *slog.Logger
	metrics *Metrics

	mu           sync.Mutex
	cond         *sync.Cond
	queue        []writeIntent
	refreshCount int
	closed       bool
	done         chan struct{}
}

// refreshQueueDepth bounds how many refresh-class intents may be
// queued at once before the oldest of them is dropped to make room;
// handler-class intents carry no such bound, per spec.md §4.4's
// requirement that they are never dropped.
const refreshQueueDepth = 256

// NewWriteSerializer constructs a serializer writing to store. Call Run
// in its own goroutine to start the consumer.
func NewWriteSerializer(store Store, logger *slog.Logger, metrics *Metrics) *WriteSerializer {
	w := &WriteSerializer{
		store:   store,
		logger:  logger,
		metrics: metrics,
		done:    make(chan struct{}),
	}
	w.cond = sync.NewCond(&w.mu)
	return w
}

// EnqueueUpsert asks the consumer to persist entry. class determines
// whether this intent can be dropped under backpressure.
func (w *WriteSerializer) EnqueueUpsert(entry CacheEntry, class WriteClass) {
	w.enqueue(writeIntent{op: OpUpsert, key: entry.CacheKey, entry: entry, class: class})
}

// EnqueueDelete asks the consumer to remove key.
func (w *WriteSerializer) EnqueueDelete(key string, class WriteClass) {
	w.enqueue(writeIntent{op: OpDelete, key: key, class: class})
}

// enqueue appends in to the tail of the single ordered queue, so every
// intent - handler- or refresh-class alike - applies in true enqueue
// order. A refresh-class intent that would push the queue's refresh
// backlog past refreshQueueDepth instead evicts the oldest queued
// refresh-class intent first, per spec.md §4.4's "drop oldest
// refresh-class intents first" allowance; handler-class intents are
// never evicted.
func (w *WriteSerializer) enqueue(in writeIntent) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if in.class == ClassRefresh && w.refreshCount >= refreshQueueDepth {
		for i := range w.queue {
			if w.queue[i].class == ClassRefresh {
				w.queue = append(w.queue[:i], w.queue[i+1:]...)
				w.refreshCount--
				if w.metrics != nil {
					w.metrics.WriterDropped.Add(context.Background(), 1)
				}
				break
			}
		}
	}

	w.queue = append(w.queue, in)
	if in.class == ClassRefresh {
		w.refreshCount++
	}
	w.cond.Signal()
}

// Run consumes intents until Stop is called, applying each strictly in
// the order it was enqueued. Per-intent store errors are logged and do
// not stop the consumer.
func (w *WriteSerializer) Run() {
	defer close(w.done)
	for {
		w.mu.Lock()
		for len(w.queue) == 0 && !w.closed {
			w.cond.Wait()
		}
		if len(w.queue) == 0 {
			w.mu.Unlock()
			return
		}
		in := w.queue[0]
		w.queue = w.queue[1:]
		if in.class == ClassRefresh {
			w.refreshCount--
		}
		w.mu.Unlock()

		w.apply(in)
	}
}

func (w *WriteSerializer) apply(in writeIntent) {
	var err error
	switch in.op {
	case OpUpsert:
		err = w.store.Put(in.entry)
	case OpDelete:
		err = w.store.Delete(in.key)
	}
	if err != nil {
		w.logger.Warn("write serializer: store op failed",
			"op", opName(in.op), "key", in.key, "err", err)
	}
}

func opName(op WriteOp) string {
	if op == OpUpsert {
		return "upsert"
	}
	return "delete"
}

// Stop signals the consumer to exit once it has drained everything
// already enqueued, and waits for it to do so.
func (w *WriteSerializer) Stop() {
	w.mu.Lock()
	w.closed = true
	w.cond.Broadcast()
	w.mu.Unlock()
	<-w.done
}
