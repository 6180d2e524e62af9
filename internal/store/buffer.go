package store

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"courier/internal/metrics"
)

const (
	defaultFlushBatch = 20
	defaultFlushDelay = 2 * time.Second
)

// WriteBuffer queues pending message documents and flushes them to the store
// in bulk, either when the batch threshold is reached or when the time
// threshold elapses. Failed batches are requeued: insertion is at-least-once,
// with duplicates rejected by the store's _id uniqueness.
type WriteBuffer struct {
	log      *slog.Logger
	messages MessageStore
	met      *metrics.Metrics

	mu        sync.Mutex
	pending   []Message
	lastFlush time.Time
	flushing  bool

	maxBatch int
	maxDelay time.Duration
	now      func() time.Time
}

// BufferOption configures a WriteBuffer.
type BufferOption func(*WriteBuffer)

// WithBufferLimits overrides the batch size and time thresholds.
func WithBufferLimits(maxBatch int, maxDelay time.Duration) BufferOption {
	return func(b *WriteBuffer) {
		if maxBatch > 0 {
			b.maxBatch = maxBatch
		}
		if maxDelay > 0 {
			b.maxDelay = maxDelay
		}
	}
}

// WithBufferClock overrides the buffer's clock, for deterministic tests.
func WithBufferClock(now func() time.Time) BufferOption {
	return func(b *WriteBuffer) { b.now = now }
}

// NewWriteBuffer constructs a buffer flushing into messages.
func NewWriteBuffer(log *slog.Logger, messages MessageStore, met *metrics.Metrics, opts ...BufferOption) *WriteBuffer {
	b := &WriteBuffer{
		log:      log,
		messages: messages,
		met:      met,
		maxBatch: defaultFlushBatch,
		maxDelay: defaultFlushDelay,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	b.lastFlush = b.now()
	return b
}

// Schedule appends a document and, when a flush condition holds, kicks off an
// asynchronous flush. It never blocks on store I/O.
func (b *WriteBuffer) Schedule(doc Message) {
	b.mu.Lock()
	b.pending = append(b.pending, doc)
	due := len(b.pending) >= b.maxBatch ||
		(len(b.pending) > 0 && b.now().Sub(b.lastFlush) > b.maxDelay)
	b.mu.Unlock()

	b.met.BufferScheduled.Inc()
	if due {
		go b.Flush(context.Background())
	}
}

// Flush swaps out the pending batch and performs one bulk insert through the
// store. On failure the batch is requeued ahead of newer documents. Only one
// flush runs at a time; concurrent callers return immediately.
func (b *WriteBuffer) Flush(ctx context.Context) {
	b.mu.Lock()
	if b.flushing || len(b.pending) == 0 {
		b.mu.Unlock()
		return
	}
	b.flushing = true
	batch := b.pending
	b.pending = nil
	b.mu.Unlock()

	b.met.BufferFlushes.Inc()
	err := b.messages.InsertMany(ctx, batch)

	b.mu.Lock()
	b.lastFlush = b.now()
	b.flushing = false
	if err != nil {
		b.pending = append(batch, b.pending...)
	}
	b.mu.Unlock()

	if err != nil {
		b.met.BufferFlushFails.Inc()
		b.log.Error("buffer.flush.fail", "batch", len(batch), "err", err)
		return
	}
	b.log.Debug("buffer.flush", "batch", len(batch))
}

// Len reports the number of pending documents.
func (b *WriteBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Run drives time-based flushing until ctx is done, then performs a final
// drain so shutdown does not drop scheduled documents.
func (b *WriteBuffer) Run(ctx context.Context) {
	t := time.NewTicker(b.maxDelay)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			b.Flush(flushCtx)
			cancel()
			return
		case <-t.C:
			b.mu.Lock()
			due := len(b.pending) > 0 && b.now().Sub(b.lastFlush) > b.maxDelay
			b.mu.Unlock()
			if due {
				b.Flush(ctx)
			}
		}
	}
}
