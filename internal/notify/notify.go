// Package notify delivers push notifications for messages that could not be
// delivered over a live connection.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"
	"unicode/utf8"
)

const bodyLimit = 97

// Notifier hands a notification to a delivery channel. The boolean result
// reports whether the notifier accepted it; delivery itself is best effort.
type Notifier interface {
	Notify(ctx context.Context, userID, title, body string, data map[string]string) bool
}

// LogNotifier records notifications in the log instead of sending them.
// Stands in for a real push provider in dev deployments.
type LogNotifier struct {
	Log *slog.Logger
}

func (n *LogNotifier) Notify(_ context.Context, userID, title, body string, data map[string]string) bool {
	n.Log.Info("notify.push", "user", userID, "title", title, "body", body, "data", data)
	return true
}

// NewMessage builds the notification content for an undelivered message.
// The body is the message text truncated for lock-screen display.
func NewMessage(senderID, senderName, messageID, text string, sentAt time.Time) (title, body string, data map[string]string) {
	title = fmt.Sprintf("New message from %s", senderName)
	body = truncate(text, bodyLimit)
	data = map[string]string{
		"messageId": messageID,
		"contactId": senderID,
		"type":      "new_message",
		"timestamp": sentAt.UTC().Format(time.RFC3339),
	}
	return title, body, data
}

// ReadReceipts builds the notification content for a batch of read receipts
// aggregated for one sender.
func ReadReceipts(readerID string, count int) (title, body string, data map[string]string) {
	title = "Messages read"
	if count == 1 {
		body = "1 message was read"
	} else {
		body = fmt.Sprintf("%d messages were read", count)
	}
	data = map[string]string{
		"contactId": readerID,
		"type":      "messages_read",
		"count":     fmt.Sprintf("%d", count),
	}
	return title, body, data
}

func truncate(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	runes := []rune(s)
	return string(runes[:limit]) + "…"
}
