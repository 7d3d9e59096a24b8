// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package kvstore

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/bureau-foundation/peek/lib/clock"
)

// Writer debounces and serializes writes to a Store.
//
// Schedule records the latest value for a key and (re)starts a timer;
// when the timer fires the value joins that key's FIFO queue. Flush
// skips the timer. Remove cancels any pending value and queues a
// deletion. Errors are logged: overlay state is best-effort.
type Writer struct {
	store  Store
	clock  clock.Clock
	delay  time.Duration
	logger *slog.Logger

	mu      sync.Mutex
	pending map[string]*pendingWrite
	queues  map[string]*keyQueue
	idle    *sync.Cond
	active  int
}

type pendingWrite struct {
	value any
	timer *clock.Timer
}

type keyQueue struct {
	tasks   []func(context.Context)
	running bool
}

// NewWriter returns a Writer with the given debounce delay.
func NewWriter(store Store, clk clock.Clock, delay time.Duration, logger *slog.Logger) *Writer {
	w := &Writer{
		store:   store,
		clock:   clk,
		delay:   delay,
		logger:  logger,
		pending: make(map[string]*pendingWrite),
		queues:  make(map[string]*keyQueue),
	}
	w.idle = sync.NewCond(&w.mu)
	return w
}

// Schedule records value as the next write for key.
func (w *Writer) Schedule(key string, value any) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if existing, ok := w.pending[key]; ok {
		existing.timer.Stop()
		delete(w.pending, key)
	}
	if w.delay <= 0 {
		w.enqueueSetLocked(key, value)
		return
	}
	entry := &pendingWrite{value: value}
	w.pending[key] = entry
	entry.timer = w.clock.AfterFunc(w.delay, func() {
		w.mu.Lock()
		defer w.mu.Unlock()
		if w.pending[key] != entry {
			return
		}
		delete(w.pending, key)
		w.enqueueSetLocked(key, entry.value)
	})
}

// Flush queues the pending value for key immediately, if any.
func (w *Writer) Flush(key string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.flushLocked(key)
}

// FlushAll queues every pending value immediately.
func (w *Writer) FlushAll() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for key := range w.pending {
		w.flushLocked(key)
	}
}

// Remove cancels pending writes for keys and queues their deletion
// behind any write already queued for the same key.
func (w *Writer) Remove(keys ...string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, key := range keys {
		if entry, ok := w.pending[key]; ok {
			entry.timer.Stop()
			delete(w.pending, key)
		}
		w.enqueueLocked(key, func(ctx context.Context) {
			if err := w.store.Remove(ctx, key); err != nil {
				w.logger.Warn("removing stored value failed", "key", key, "error", err)
			}
		})
	}
}

// Wait blocks until no write is queued or running. Values still inside
// their debounce window are not waited for; call FlushAll first.
func (w *Writer) Wait() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for w.active > 0 {
		w.idle.Wait()
	}
}

// Pending reports whether key has a value waiting out its debounce.
func (w *Writer) Pending(key string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.pending[key]
	return ok
}

func (w *Writer) flushLocked(key string) {
	entry, ok := w.pending[key]
	if !ok {
		return
	}
	entry.timer.Stop()
	delete(w.pending, key)
	w.enqueueSetLocked(key, entry.value)
}

func (w *Writer) enqueueSetLocked(key string, value any) {
	w.enqueueLocked(key, func(ctx context.Context) {
		if err := w.store.Set(ctx, key, value); err != nil {
			w.logger.Warn("storing value failed", "key", key, "error", err)
		}
	})
}

func (w *Writer) enqueueLocked(key string, task func(context.Context)) {
	queue, ok := w.queues[key]
	if !ok {
		queue = &keyQueue{}
		w.queues[key] = queue
	}
	queue.tasks = append(queue.tasks, task)
	w.active++
	if !queue.running {
		queue.running = true
		go w.drain(key, queue)
	}
}

func (w *Writer) drain(key string, queue *keyQueue) {
	ctx := context.Background()
	for {
		w.mu.Lock()
		if len(queue.tasks) == 0 {
			queue.running = false
			if w.queues[key] == queue {
				delete(w.queues, key)
			}
			w.mu.Unlock()
			return
		}
		task := queue.tasks[0]
		queue.tasks = queue.tasks[1:]
		w.mu.Unlock()

		task(ctx)

		w.mu.Lock()
		w.active--
		if w.active == 0 {
			w.idle.Broadcast()
		}
		w.mu.Unlock()
	}
}
