package notify

import (
	"strings"
	"testing"
	"time"
	"unicode/utf8"
)

func TestNewMessage_Content(t *testing.T) {
	t.Parallel()

	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	title, body, data := NewMessage("alice", "Alice", "m1", "hello there", at)

	if title != "New message from Alice" {
		t.Fatalf("title: %q", title)
	}
	if body != "hello there" {
		t.Fatalf("short body must pass through: %q", body)
	}
	if data["messageId"] != "m1" || data["contactId"] != "alice" || data["type"] != "new_message" {
		t.Fatalf("data: %v", data)
	}
	if data["timestamp"] != "2026-01-02T03:04:05Z" {
		t.Fatalf("timestamp: %q", data["timestamp"])
	}
}

func TestNewMessage_TruncatesLongBody(t *testing.T) {
	t.Parallel()

	long := strings.Repeat("x", 200)
	_, body, _ := NewMessage("alice", "Alice", "m1", long, time.Now())

	if utf8.RuneCountInString(body) != 98 {
		t.Fatalf("body runes = %d, want 97 + ellipsis", utf8.RuneCountInString(body))
	}
	if !strings.HasSuffix(body, "…") {
		t.Fatalf("missing ellipsis: %q", body)
	}
}

func TestNewMessage_TruncationIsRuneSafe(t *testing.T) {
	t.Parallel()

	long := strings.Repeat("ß", 150)
	_, body, _ := NewMessage("alice", "Alice", "m1", long, time.Now())

	if !utf8.ValidString(body) {
		t.Fatal("truncation split a rune")
	}
	if utf8.RuneCountInString(body) != 98 {
		t.Fatalf("body runes = %d", utf8.RuneCountInString(body))
	}
}

func TestReadReceipts_Pluralizes(t *testing.T) {
	t.Parallel()

	_, body, data := ReadReceipts("bob", 1)
	if body != "1 message was read" {
		t.Fatalf("singular: %q", body)
	}
	_, body, data = ReadReceipts("bob", 5)
	if body != "5 messages were read" {
		t.Fatalf("plural: %q", body)
	}
	if data["contactId"] != "bob" || data["count"] != "5" {
		t.Fatalf("data: %v", data)
	}
}
