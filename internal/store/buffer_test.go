package store

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"courier/internal/metrics"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testMessage(id string) Message {
	return Message{
		ID:             id,
		ConversationID: "alice_bob",
		SenderID:       "alice",
		RecipientID:    "bob",
		Type:           "message",
		Text:           "hi",
		Status:         StatusSent,
		Timestamp:      "2026-01-02T03:04:05Z",
		CreatedAt:      time.Now().UTC(),
		UpdatedAt:      time.Now().UTC(),
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestWriteBuffer_HoldsBelowThreshold(t *testing.T) {
	t.Parallel()

	mem := NewMemory()
	b := NewWriteBuffer(testLogger(), mem.Messages(), metrics.NewForTest(),
		WithBufferLimits(5, time.Hour))

	for i := 0; i < 4; i++ {
		b.Schedule(testMessage(string(rune('a' + i))))
	}
	if b.Len() != 4 {
		t.Fatalf("pending = %d, want 4", b.Len())
	}
	if mem.MessageCount() != 0 {
		t.Fatalf("nothing should be persisted yet, got %d", mem.MessageCount())
	}
}

func TestWriteBuffer_FlushesAtThreshold(t *testing.T) {
	t.Parallel()

	mem := NewMemory()
	b := NewWriteBuffer(testLogger(), mem.Messages(), metrics.NewForTest(),
		WithBufferLimits(5, time.Hour))

	for i := 0; i < 5; i++ {
		b.Schedule(testMessage(string(rune('a' + i))))
	}
	waitFor(t, func() bool { return mem.MessageCount() == 5 })
	waitFor(t, func() bool { return b.Len() == 0 })
}

func TestWriteBuffer_FlushesOnElapsedDelay(t *testing.T) {
	t.Parallel()

	now := time.Now()
	clock := func() time.Time { return now }
	mem := NewMemory()
	b := NewWriteBuffer(testLogger(), mem.Messages(), metrics.NewForTest(),
		WithBufferLimits(100, time.Second), WithBufferClock(clock))

	b.Schedule(testMessage("m1"))
	if mem.MessageCount() != 0 {
		t.Fatal("fresh document should not flush immediately")
	}

	now = now.Add(2 * time.Second)
	b.Schedule(testMessage("m2"))
	waitFor(t, func() bool { return mem.MessageCount() == 2 })
}

func TestWriteBuffer_RequeuesFailedBatch(t *testing.T) {
	t.Parallel()

	mem := NewMemory()
	b := NewWriteBuffer(testLogger(), mem.Messages(), metrics.NewForTest(),
		WithBufferLimits(100, time.Hour))

	b.Schedule(testMessage("m1"))
	b.Schedule(testMessage("m2"))

	mem.FailInserts(true)
	b.Flush(context.Background())

	if mem.MessageCount() != 0 {
		t.Fatal("failed flush must not persist")
	}
	if b.Len() != 2 {
		t.Fatalf("failed batch should be requeued, pending = %d", b.Len())
	}

	mem.FailInserts(false)
	b.Flush(context.Background())

	if mem.MessageCount() != 2 {
		t.Fatalf("retry should persist the batch, got %d", mem.MessageCount())
	}
	if b.Len() != 0 {
		t.Fatalf("pending should drain, got %d", b.Len())
	}
}

func TestWriteBuffer_RequeueKeepsOrderAheadOfNewer(t *testing.T) {
	t.Parallel()

	mem := NewMemory()
	b := NewWriteBuffer(testLogger(), mem.Messages(), metrics.NewForTest(),
		WithBufferLimits(100, time.Hour))

	b.Schedule(testMessage("old"))
	mem.FailInserts(true)
	b.Flush(context.Background())
	b.Schedule(testMessage("new"))

	b.mu.Lock()
	first := b.pending[0].ID
	b.mu.Unlock()
	if first != "old" {
		t.Fatalf("requeued batch must precede newer documents, first = %s", first)
	}
}

func TestWriteBuffer_FlushEmptyIsNoop(t *testing.T) {
	t.Parallel()

	mem := NewMemory()
	b := NewWriteBuffer(testLogger(), mem.Messages(), metrics.NewForTest())
	b.Flush(context.Background())
	if mem.MessageCount() != 0 {
		t.Fatal("nothing to flush")
	}
}

func TestWriteBuffer_RunDrainsOnShutdown(t *testing.T) {
	t.Parallel()

	mem := NewMemory()
	b := NewWriteBuffer(testLogger(), mem.Messages(), metrics.NewForTest(),
		WithBufferLimits(100, 50*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		b.Run(ctx)
		close(done)
	}()

	b.Schedule(testMessage("m1"))
	cancel()
	<-done

	if mem.MessageCount() != 1 {
		t.Fatalf("shutdown drain missing, got %d", mem.MessageCount())
	}
}
