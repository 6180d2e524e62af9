// Package main provides a CI-friendly WebSocket smoke test for courier.
//
// It validates:
//   - handshake + token auth (dev tokens, so the server must run without
//     COURIER_JWT_SECRET)
//   - ping -> pong
//   - direct send -> delivery to the recipient
//   - delivery_receipt back to the sender with status "delivered"
//   - typing fanout
//   - read_receipt_batch back to the sender
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/coder/websocket"
)

const maxReadBytes = 1 << 20 // 1MiB

type envelope struct {
	Type      string          `json:"type"`
	From      string          `json:"from,omitempty"`
	To        string          `json:"to,omitempty"`
	GroupID   string          `json:"group_id,omitempty"`
	Timestamp string          `json:"timestamp,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

type smokeClient struct {
	user string
	conn *websocket.Conn

	inbox chan envelope
	errCh chan error
}

func main() {
	var (
		wsURL   = flag.String("url", "ws://127.0.0.1:8080/ws", "WebSocket URL")
		sender  = flag.String("sender", "smoke-a", "Sender user id")
		reader  = flag.String("reader", "smoke-b", "Recipient user id")
		text    = flag.String("text", "hello courier 👋", "Message text to send")
		timeout = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	if err := validateWSURL(*wsURL); err != nil {
		fatalf("invalid -url: %v", err)
	}

	root := context.Background()

	a := mustConnect(root, *wsURL, *sender, *timeout)
	defer closeWS(a.conn)

	b := mustConnect(root, *wsURL, *reader, *timeout)
	defer closeWS(b.conn)

	if *verbose {
		fmt.Printf("connected: sender=%s reader=%s\n", a.user, b.user)
	}

	mustPingPong(root, a, *timeout)

	msgID := fmt.Sprintf("smoke-%d", time.Now().UnixNano())
	ts := time.Now().UTC().Format(time.RFC3339)

	mustWriteWithTimeout(root, a.conn, envelope{
		Type: "message",
		From: a.user,
		To:   b.user,
		Payload: mustJSON(map[string]any{
			"id":        msgID,
			"text":      *text,
			"timestamp": ts,
		}),
	}, *timeout)

	mustAssertDelivered(root, b, msgID, a.user, *text, *timeout)
	mustAssertReceipt(root, a, msgID, "delivered", *timeout)

	mustTypingFanout(root, a, b, *timeout)

	mustWriteWithTimeout(root, b.conn, envelope{
		Type: "read_receipt_batch",
		From: b.user,
		To:   a.user,
		Payload: mustJSON(map[string]any{
			"messageIds": []string{msgID},
			"contactId":  b.user,
			"timestamp":  time.Now().UTC().Format(time.RFC3339),
		}),
	}, *timeout)

	mustAssertReadBatch(root, a, msgID, b.user, *timeout)

	fmt.Printf("OK: sender=%s reader=%s message_id=%s\n", a.user, b.user, msgID)
}

func validateWSURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	return nil
}

func mustConnect(parent context.Context, wsURL, user string, stepTimeout time.Duration) *smokeClient {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	u := wsURL
	if strings.Contains(u, "?") {
		u += "&token=dev:" + user
	} else {
		u += "?token=dev:" + user
	}

	conn, resp, err := websocket.Dial(ctx, u, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		fatalf("connect %s: %v", user, err)
	}

	conn.SetReadLimit(maxReadBytes)

	c := &smokeClient{
		user:  user,
		conn:  conn,
		inbox: make(chan envelope, 512),
		errCh: make(chan error, 1),
	}
	c.startReadLoop()
	return c
}

func (c *smokeClient) startReadLoop() {
	go func() {
		defer close(c.inbox)

		for {
			mt, data, err := c.conn.Read(context.Background())
			if err != nil {
				select {
				case c.errCh <- err:
				default:
				}
				return
			}

			if mt != websocket.MessageText && mt != websocket.MessageBinary {
				select {
				case c.errCh <- fmt.Errorf("unsupported message type: %v", mt):
				default:
				}
				return
			}

			var env envelope
			if err := json.Unmarshal(data, &env); err != nil {
				select {
				case c.errCh <- fmt.Errorf("bad json: %w", err):
				default:
				}
				return
			}

			select {
			case c.inbox <- env:
			default:
				select {
				case c.errCh <- errors.New("inbox overflow: consumer too slow"):
				default:
				}
				return
			}
		}
	}()
}

func mustPingPong(parent context.Context, c *smokeClient, stepTimeout time.Duration) {
	ts := fmt.Sprintf("%d", time.Now().UnixMilli())
	mustWriteWithTimeout(parent, c.conn, envelope{Type: "ping", Timestamp: ts}, stepTimeout)

	pong := c.mustReadUntilType(parent, "pong", stepTimeout)
	if pong.Timestamp != ts {
		fatalf("pong timestamp mismatch (%s): got=%q want=%q", c.user, pong.Timestamp, ts)
	}
}

func mustAssertDelivered(parent context.Context, c *smokeClient, msgID, sender, text string, stepTimeout time.Duration) {
	env := c.mustReadUntilType(parent, "message", stepTimeout)

	var p struct {
		ID   string `json:"id"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		fatalf("unmarshal message payload (%s): %v", c.user, err)
	}
	if env.From != sender {
		fatalf("message sender mismatch (%s): got=%q want=%q", c.user, env.From, sender)
	}
	if p.ID != msgID {
		fatalf("message id mismatch (%s): got=%q want=%q", c.user, p.ID, msgID)
	}
	if p.Text != text {
		fatalf("message text mismatch (%s): got=%q want=%q", c.user, p.Text, text)
	}
}

func mustAssertReceipt(parent context.Context, c *smokeClient, msgID, wantStatus string, stepTimeout time.Duration) {
	env := c.mustReadUntilType(parent, "delivery_receipt", stepTimeout)

	var p struct {
		MessageID string `json:"messageId"`
		Status    string `json:"status"`
	}
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		fatalf("unmarshal delivery_receipt payload (%s): %v", c.user, err)
	}
	if p.MessageID != msgID {
		fatalf("receipt message_id mismatch (%s): got=%q want=%q", c.user, p.MessageID, msgID)
	}
	if p.Status != wantStatus {
		fatalf("receipt status mismatch (%s): got=%q want=%q", c.user, p.Status, wantStatus)
	}
}

func mustTypingFanout(parent context.Context, from, to *smokeClient, stepTimeout time.Duration) {
	mustWriteWithTimeout(parent, from.conn, envelope{
		Type: "typing",
		From: from.user,
		To:   to.user,
		Payload: mustJSON(map[string]any{
			"isTyping": true,
		}),
	}, stepTimeout)

	env := to.mustReadUntilType(parent, "typing", stepTimeout)
	if env.From != from.user {
		fatalf("typing sender mismatch (%s): got=%q want=%q", to.user, env.From, from.user)
	}
}

func mustAssertReadBatch(parent context.Context, c *smokeClient, msgID, reader string, stepTimeout time.Duration) {
	env := c.mustReadUntilType(parent, "read_receipt_batch", stepTimeout)

	var p struct {
		MessageIDs []string `json:"messageIds"`
		ContactID  string   `json:"contactId"`
	}
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		fatalf("unmarshal read_receipt_batch payload (%s): %v", c.user, err)
	}
	if p.ContactID != reader {
		fatalf("batch contact_id mismatch (%s): got=%q want=%q", c.user, p.ContactID, reader)
	}
	for _, id := range p.MessageIDs {
		if id == msgID {
			return
		}
	}
	fatalf("batch missing expected message id (%s): %v", c.user, p.MessageIDs)
}

func (c *smokeClient) mustReadUntilType(parent context.Context, wantType string, stepTimeout time.Duration) envelope {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			fatalf("timeout waiting for %q (%s): %v", wantType, c.user, ctx.Err())
		case err := <-c.errCh:
			if err == nil {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.user)
			}
			fatalf("connection error while waiting for %q (%s): %v", wantType, c.user, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.user)
			}
			if env.Type == wantType {
				return env
			}
			if env.Type == "error" {
				var ep struct {
					Code    json.RawMessage `json:"code"`
					Message string          `json:"message"`
				}
				_ = json.Unmarshal(env.Payload, &ep)
				fatalf("server error (%s): code=%s msg=%q", c.user, ep.Code, ep.Message)
			}
			// Presence, status and other broadcast frames are expected noise.
		}
	}
}

func mustWriteWithTimeout(parent context.Context, conn *websocket.Conn, env envelope, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		fatalf("marshal envelope: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		fatalf("write failed: %v", err)
	}
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

func closeWS(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
