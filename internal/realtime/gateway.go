package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"courier/internal/identity"
	"courier/internal/metrics"
	"courier/internal/protocol"
	"courier/internal/ratelimit"
)

// GatewayConfig carries the transport knobs the gateway does not hardcode.
type GatewayConfig struct {
	// OriginPatterns authorizes cross-origin upgrade requests.
	OriginPatterns []string
	// DevInsecure disables origin verification entirely. Dev only.
	DevInsecure bool
}

// GroupLoader resolves the group ids a user belongs to, for seeding the
// manager's subscription registry at connect time.
type GroupLoader func(ctx context.Context, userID string) ([]string, error)

// Gateway is the WebSocket entrypoint. It authenticates the upgrade,
// registers the connection, and runs the session loop: one writer goroutine,
// one heartbeat goroutine, and the read loop on the request goroutine.
type Gateway struct {
	log      *slog.Logger
	met      *metrics.Metrics
	verifier identity.Verifier
	manager  *Manager
	handlers *Handlers
	limiter  *ratelimit.Limiter
	groups   GroupLoader
	cfg      GatewayConfig
}

// NewGateway constructs the websocket entrypoint. groups may be nil, in which
// case group fan-out always resolves membership through the directory.
func NewGateway(log *slog.Logger, met *metrics.Metrics, verifier identity.Verifier, manager *Manager, handlers *Handlers, limiter *ratelimit.Limiter, groups GroupLoader, cfg GatewayConfig) *Gateway {
	return &Gateway{
		log:      log,
		met:      met,
		verifier: verifier,
		manager:  manager,
		handlers: handlers,
		limiter:  limiter,
		groups:   groups,
		cfg:      cfg,
	}
}

// ServeHTTP adapter so the gateway can be mounted as http.Handler.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.HandleWS(w, r)
}

// HandleWS upgrades the request and runs the session until the peer leaves,
// the idle sweep reaps it, or the server shuts down.
func (g *Gateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns:     g.cfg.OriginPatterns,
		InsecureSkipVerify: g.cfg.DevInsecure,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	conn.SetReadLimit(maxFrameBytes)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Auth failures follow the accept-then-reject contract: the client gets
	// a readable error frame before the policy-violation close.
	id, err := g.verifier.Verify(bearerToken(r))
	if err != nil {
		g.log.Info("ws.reject.auth", "remote", r.RemoteAddr)
		_ = writeEnvelope(ctx, conn, protocol.NewError("", protocol.CodeNum(401), "Authentication failed"))
		_ = conn.Close(websocket.StatusPolicyViolation, "authentication failed")
		return
	}

	connID := id.UserID
	if device := strings.TrimSpace(r.URL.Query().Get("device")); device != "" {
		connID = id.UserID + ":" + device
	}

	var closeOnce sync.Once
	client := NewClient(connID, id.UserID, defaultSendQueueSize, func() {
		_ = conn.Close(websocket.StatusGoingAway, "server closed")
	})

	// shutdown is idempotent and does NOT close client.Send; fan-out paths
	// may still hold a reference. The transport close happens before
	// Unregister: Unregister triggers the client's kill func, whose 1001
	// close would otherwise race the intended status code to the peer.
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			_ = conn.Close(code, reason)
			g.manager.Unregister(client)
			cancel()
		})
	}

	g.manager.Register(client)
	if g.groups != nil {
		if ids, err := g.groups(ctx, id.UserID); err != nil {
			g.log.Error("ws.groups.load.fail", "user", id.UserID, "err", err)
		} else {
			g.manager.SetGroups(id.UserID, ids)
		}
	}

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case env := <-client.Send:
				if err := writeEnvelope(ctx, conn, env); err != nil {
					g.log.Info("ws.write.fail", "conn", connID, "close_status", websocket.CloseStatus(err), "err", err)
					shutdown(websocket.StatusAbnormalClosure, "write failed")
					return
				}
			}
		}
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)

		t := time.NewTicker(heartbeatInterval)
		defer t.Stop()

		failures := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case <-t.C:
				hbCtx, hbCancel := context.WithTimeout(ctx, heartbeatTimeout)
				err := conn.Ping(hbCtx)
				hbCancel()

				if err != nil {
					failures++
					g.log.Info("ws.ping.fail", "conn", connID, "failures", failures, "err", err)
					if failures >= maxPingFailures {
						shutdown(websocket.StatusGoingAway, "heartbeat failed")
						return
					}
					continue
				}
				failures = 0
			}
		}
	}()

readLoop:
	for {
		data, err := readFrame(ctx, conn)
		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose:
				shutdown(websocket.StatusNormalClosure, "peer closed")
			case readErrCtxDone:
				shutdown(websocket.StatusNormalClosure, "context done")
			default:
				g.log.Info("ws.read.fail", "conn", connID, "err", err)
				shutdown(websocket.StatusAbnormalClosure, "read failed")
			}
			break readLoop
		}

		g.manager.Touch(connID)

		if !g.limiter.Allow(connID, time.Now()) {
			g.met.RateLimited.Inc()
			g.trySendError(client, protocol.CodeNum(429), "Rate limit exceeded. Please try again later.")
			continue readLoop
		}

		env, err := protocol.ParseEnvelope(data)
		if err != nil {
			g.trySendError(client, protocol.CodeNum(400), "Invalid JSON format")
			continue readLoop
		}

		// A client may only speak as its authenticated identity.
		if env.From != "" && BaseIdentity(env.From) != id.UserID {
			g.trySendError(client, protocol.CodeStr("FORBIDDEN"), "Sender does not match authenticated user")
			continue readLoop
		}
		env.From = id.UserID

		if !protocol.KnownInbound(env.Type) {
			g.trySendError(client, protocol.CodeNum(400), "Unknown message type: "+env.Type)
			continue readLoop
		}

		if !g.dispatch(ctx, client, env) {
			shutdown(websocket.StatusInternalError, "internal error")
			break readLoop
		}
	}

	shutdown(websocket.StatusNormalClosure, "bye")
	<-writerDone

	select {
	case <-heartbeatDone:
	case <-time.After(closeGrace):
	}
}

// dispatch isolates handler panics so one malformed frame cannot take the
// process down; the offending connection is closed with 1011 instead.
func (g *Gateway) dispatch(ctx context.Context, client *Client, env protocol.Envelope) (ok bool) {
	defer func() {
		if rec := recover(); rec != nil {
			g.log.Error("ws.dispatch.panic", "conn", client.ConnID, "type", env.Type, "panic", rec)
			ok = false
		}
	}()
	g.handlers.Dispatch(ctx, client, env)
	return true
}

func (g *Gateway) trySendError(client *Client, code protocol.Code, msg string) {
	client.Enqueue(protocol.NewError(client.UserID, code, msg))
}

// bearerToken extracts the credential from the query string or the
// Authorization header.
func bearerToken(r *http.Request) string {
	if t := r.URL.Query().Get("token"); t != "" {
		return t
	}
	auth := r.Header.Get("Authorization")
	if after, ok := strings.CutPrefix(auth, "Bearer "); ok {
		return after
	}
	return ""
}

// ---- envelope IO ----

func readFrame(ctx context.Context, conn *websocket.Conn) ([]byte, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return nil, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return nil, errors.New("unsupported message type")
	}
	return data, nil
}

func writeEnvelope(parent context.Context, conn *websocket.Conn, env protocol.Envelope) error {
	ctx, cancel := context.WithTimeout(parent, writeTimeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

// ---- read error classification ----

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
)

func classifyReadErr(err error) readErrKind {
	if websocket.CloseStatus(err) != -1 {
		return readErrClose
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return readErrCtxDone
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return readErrClose
	}
	return readErrUnknown
}
