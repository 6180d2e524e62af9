package realtime

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"courier/internal/metrics"
	"courier/internal/notify"
	"courier/internal/protocol"
	"courier/internal/store"
)

// ReadEvent is one message-read observation queued for aggregation.
type ReadEvent struct {
	MessageID string
	// ReaderID is the recipient marking the message read.
	ReaderID string
	// SenderID is the original sender, the party to notify.
	SenderID string
	// OriginConn is the reader's connection that produced the event, so the
	// read-state sync skips it.
	OriginConn string
	At         time.Time
}

// ReceiptAggregator batches read events so a catch-up reader marking dozens
// of messages does not produce a store write and a notification per message.
// The queue drains when it reaches the batch size or on the flush interval.
type ReceiptAggregator struct {
	log      *slog.Logger
	met      *metrics.Metrics
	manager  *Manager
	messages store.MessageStore
	notifier notify.Notifier

	mu      sync.Mutex
	pending []ReadEvent
	kick    chan struct{}

	batchSize int
	interval  time.Duration
	now       func() time.Time
}

// AggregatorOption configures a ReceiptAggregator.
type AggregatorOption func(*ReceiptAggregator)

// WithAggregatorLimits overrides the batch size and flush interval.
func WithAggregatorLimits(batchSize int, interval time.Duration) AggregatorOption {
	return func(a *ReceiptAggregator) {
		if batchSize > 0 {
			a.batchSize = batchSize
		}
		if interval > 0 {
			a.interval = interval
		}
	}
}

// WithAggregatorClock overrides the aggregator's clock.
func WithAggregatorClock(now func() time.Time) AggregatorOption {
	return func(a *ReceiptAggregator) { a.now = now }
}

// NewReceiptAggregator constructs an aggregator draining into messages and
// notifying senders through manager and notifier.
func NewReceiptAggregator(log *slog.Logger, met *metrics.Metrics, manager *Manager, messages store.MessageStore, notifier notify.Notifier, opts ...AggregatorOption) *ReceiptAggregator {
	a := &ReceiptAggregator{
		log:       log,
		met:       met,
		manager:   manager,
		messages:  messages,
		notifier:  notifier,
		kick:      make(chan struct{}, 1),
		batchSize: receiptBatchSize,
		interval:  receiptFlushInterval,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Enqueue adds one read event. When the queue reaches the batch size the
// drain loop is signaled; enqueueing never blocks.
func (a *ReceiptAggregator) Enqueue(ev ReadEvent) {
	a.mu.Lock()
	a.pending = append(a.pending, ev)
	due := len(a.pending) >= a.batchSize
	a.mu.Unlock()

	if due {
		select {
		case a.kick <- struct{}{}:
		default:
		}
	}
}

// ProcessBatch marks ids read for readerID immediately, bypassing the queue.
// The client already aggregated the batch, so there is nothing to coalesce;
// persistence runs in fixed-size chunks so one catch-up batch never becomes a
// single unbounded store write. Each chunk's confirmed ids produce one batch
// frame to senderID and one sync frame to the reader's other devices.
func (a *ReceiptAggregator) ProcessBatch(ctx context.Context, readerID, senderID, originConn string, ids []string, at time.Time) {
	ts := at.Format(time.RFC3339)
	for start := 0; start < len(ids); start += receiptChunkSize {
		end := min(start+receiptChunkSize, len(ids))
		chunk := ids[start:end]

		confirmed, err := a.messages.MarkRead(ctx, readerID, chunk, at)
		if err != nil {
			a.log.Error("receipts.mark_read.fail", "reader", readerID, "count", len(chunk), "err", err)
			continue
		}
		if len(confirmed) == 0 {
			continue
		}
		a.met.ReceiptsDrained.Add(float64(len(confirmed)))

		env := protocol.Envelope{
			Type: protocol.TypeReadReceiptBatch,
			From: readerID,
			To:   senderID,
			Payload: protocol.MustPayload(protocol.ReadReceiptBatchPayload{
				MessageIDs: confirmed,
				ContactID:  readerID,
				Timestamp:  ts,
			}),
		}
		if a.manager.SendToUser(senderID, env) == 0 {
			title, body, data := notify.ReadReceipts(readerID, len(confirmed))
			if a.notifier.Notify(ctx, senderID, title, body, data) {
				a.met.Notifications.Inc()
			}
		}

		echo := env
		echo.To = readerID
		a.manager.SendToUserExcept(readerID, originConn, echo)
	}
}

// Len reports the number of queued events.
func (a *ReceiptAggregator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pending)
}

// Run drains the queue on the flush interval or batch signal until ctx is
// done, then performs one final drain.
func (a *ReceiptAggregator) Run(ctx context.Context) {
	t := time.NewTicker(a.interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			drainCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			a.Drain(drainCtx)
			cancel()
			return
		case <-t.C:
			a.Drain(ctx)
		case <-a.kick:
			a.Drain(ctx)
		}
	}
}

// Drain persists and fans out everything queued. Store writes go through
// MarkRead, which only matches messages addressed to the reader; events for
// messages the reader does not own are silently discarded.
func (a *ReceiptAggregator) Drain(ctx context.Context) {
	a.mu.Lock()
	batch := a.pending
	a.pending = nil
	a.mu.Unlock()

	if len(batch) == 0 {
		return
	}
	a.met.ReceiptsDrained.Add(float64(len(batch)))

	// One MarkRead per reader, then regroup the confirmed ids by sender so
	// each sender gets a single batch frame.
	byReader := make(map[string][]ReadEvent)
	for _, ev := range batch {
		byReader[ev.ReaderID] = append(byReader[ev.ReaderID], ev)
	}

	for readerID, events := range byReader {
		ids := make([]string, len(events))
		for i, ev := range events {
			ids[i] = ev.MessageID
		}
		at := a.now().UTC()

		confirmed, err := a.messages.MarkRead(ctx, readerID, ids, at)
		if err != nil {
			a.log.Error("receipts.mark_read.fail", "reader", readerID, "count", len(ids), "err", err)
			continue
		}
		confirmedSet := make(map[string]bool, len(confirmed))
		for _, id := range confirmed {
			confirmedSet[id] = true
		}

		bySender := make(map[string][]ReadEvent)
		var originConn string
		for _, ev := range events {
			if !confirmedSet[ev.MessageID] {
				continue
			}
			bySender[ev.SenderID] = append(bySender[ev.SenderID], ev)
			originConn = ev.OriginConn
		}

		ts := at.Format(time.RFC3339)
		for senderID, evs := range bySender {
			msgIDs := make([]string, len(evs))
			for i, ev := range evs {
				msgIDs[i] = ev.MessageID
			}

			env := protocol.Envelope{
				Type: protocol.TypeReadReceiptBatch,
				From: readerID,
				To:   senderID,
				Payload: protocol.MustPayload(protocol.ReadReceiptBatchPayload{
					MessageIDs: msgIDs,
					ContactID:  readerID,
					Timestamp:  ts,
				}),
			}
			if a.manager.SendToUser(senderID, env) == 0 {
				title, body, data := notify.ReadReceipts(readerID, len(msgIDs))
				if a.notifier.Notify(ctx, senderID, title, body, data) {
					a.met.Notifications.Inc()
				}
			}

			// Sync the reader's other devices so their unread state agrees.
			echo := env
			echo.To = readerID
			a.manager.SendToUserExcept(readerID, originConn, echo)
		}
		a.log.Debug("receipts.drain", "reader", readerID, "confirmed", len(confirmed), "dropped", len(ids)-len(confirmed))
	}
}
