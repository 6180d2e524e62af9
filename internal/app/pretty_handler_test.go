package app

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
)

func TestPrettyHandler_PlainOutput(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := slog.New(newPrettyHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}, false))

	log.Info("server.start", "addr", "127.0.0.1:8080", "count", 3)

	line := buf.String()
	if !strings.Contains(line, "INF") || !strings.Contains(line, "server.start") {
		t.Fatalf("line: %q", line)
	}
	if !strings.Contains(line, "addr=127.0.0.1:8080") || !strings.Contains(line, "count=3") {
		t.Fatalf("attrs: %q", line)
	}
	if strings.Contains(line, "\x1b[") {
		t.Fatalf("color disabled but escapes present: %q", line)
	}
}

func TestPrettyHandler_QuotesValuesWithSpaces(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := slog.New(newPrettyHandler(&buf, nil, false))

	log.Warn("store.flush.retry", "reason", "connection reset by peer")

	if !strings.Contains(buf.String(), `reason="connection reset by peer"`) {
		t.Fatalf("line: %q", buf.String())
	}
}

func TestPrettyHandler_GroupsAndWithAttrs(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := slog.New(newPrettyHandler(&buf, nil, false))

	log.WithGroup("ws").With("conn", "alice:phone").Info("accept", "ok", true)

	line := buf.String()
	if !strings.Contains(line, "ws.conn=alice:phone") || !strings.Contains(line, "ws.ok=true") {
		t.Fatalf("line: %q", line)
	}
}

func TestPrettyHandler_LevelFilter(t *testing.T) {
	t.Parallel()

	h := newPrettyHandler(&bytes.Buffer{}, &slog.HandlerOptions{Level: slog.LevelWarn}, false)

	if h.Enabled(context.Background(), slog.LevelInfo) {
		t.Fatal("info should be filtered at warn level")
	}
	if !h.Enabled(context.Background(), slog.LevelError) {
		t.Fatal("error must pass at warn level")
	}
}
