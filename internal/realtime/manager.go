package realtime

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"courier/internal/metrics"
	"courier/internal/protocol"
	"courier/internal/store"
)

// Manager is the connection registry. It maps connection ids to live
// clients, groups them by base identity for multi-device fan-out, and owns
// the ephemeral per-user state that dies with the last connection: presence,
// typing indicators, and the timezone fast path.
type Manager struct {
	log *slog.Logger
	met *metrics.Metrics

	mu        sync.RWMutex
	conns     map[string]*Client
	byUser    map[string]map[string]*Client
	lastSeen  map[string]time.Time
	statuses  map[string]string
	timezones map[string]string
	typing    map[string]map[string]time.Time
	subs      map[string]map[string]bool

	now func() time.Time
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithManagerClock overrides the manager's clock, for deterministic tests.
func WithManagerClock(now func() time.Time) ManagerOption {
	return func(m *Manager) { m.now = now }
}

// NewManager constructs an empty registry.
func NewManager(log *slog.Logger, met *metrics.Metrics, opts ...ManagerOption) *Manager {
	m := &Manager{
		log:       log,
		met:       met,
		conns:     make(map[string]*Client),
		byUser:    make(map[string]map[string]*Client),
		lastSeen:  make(map[string]time.Time),
		statuses:  make(map[string]string),
		timezones: make(map[string]string),
		typing:    make(map[string]map[string]time.Time),
		subs:      make(map[string]map[string]bool),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Register adds c to the registry. A live connection under the same id is
// replaced and closed asynchronously; its later Unregister is a no-op
// because the registry entry no longer points at it.
func (m *Manager) Register(c *Client) {
	m.mu.Lock()
	old := m.conns[c.ConnID]
	if old == c {
		m.mu.Unlock()
		return
	}

	m.conns[c.ConnID] = c
	devices := m.byUser[c.UserID]
	if devices == nil {
		devices = make(map[string]*Client)
		m.byUser[c.UserID] = devices
	}
	devices[c.ConnID] = c
	m.lastSeen[c.ConnID] = m.now()
	firstDevice := len(devices) == 1 && old == nil
	m.statuses[c.UserID] = store.PresenceOnline
	m.met.ActiveConnections.Set(float64(len(m.conns)))
	m.mu.Unlock()

	if old != nil {
		m.log.Info("manager.replace", "conn", c.ConnID)
		go old.Close()
	}
	m.log.Info("manager.register", "conn", c.ConnID, "user", c.UserID)

	if firstDevice {
		m.broadcastPresence(c.UserID, store.PresenceOnline, "")
	}
}

// Unregister removes c if it is still the registered instance for its id.
// When the user's last device goes away, stale typing indicators are
// retracted and an offline presence update is broadcast.
func (m *Manager) Unregister(c *Client) {
	m.mu.Lock()
	cur, ok := m.conns[c.ConnID]
	if !ok || cur != c {
		m.mu.Unlock()
		return
	}

	delete(m.conns, c.ConnID)
	delete(m.lastSeen, c.ConnID)
	if devices := m.byUser[c.UserID]; devices != nil {
		delete(devices, c.ConnID)
		if len(devices) == 0 {
			delete(m.byUser, c.UserID)
		}
	}
	lastDevice := m.byUser[c.UserID] == nil

	var typingTargets []string
	if lastDevice {
		for target := range m.typing[c.UserID] {
			typingTargets = append(typingTargets, target)
		}
		delete(m.typing, c.UserID)
		delete(m.statuses, c.UserID)
		delete(m.subs, c.UserID)
	}
	lastSeenAt := m.now().UTC()
	m.met.ActiveConnections.Set(float64(len(m.conns)))
	m.mu.Unlock()

	c.Close()
	m.log.Info("manager.unregister", "conn", c.ConnID, "user", c.UserID, "last_device", lastDevice)

	if !lastDevice {
		return
	}
	for _, target := range typingTargets {
		m.SendToUser(target, protocol.Envelope{
			Type:    protocol.TypeTyping,
			From:    c.UserID,
			To:      target,
			Payload: protocol.MustPayload(protocol.TypingPayload{IsTyping: false}),
		})
	}
	m.broadcastPresence(c.UserID, store.PresenceOffline, lastSeenAt.Format(time.RFC3339))
}

// SendToConnection enqueues env onto one specific connection.
func (m *Manager) SendToConnection(connID string, env protocol.Envelope) bool {
	m.mu.RLock()
	c := m.conns[connID]
	m.mu.RUnlock()
	return m.deliver(c, env)
}

// SendToUser enqueues env onto every connection of the user and reports how
// many accepted it.
func (m *Manager) SendToUser(userID string, env protocol.Envelope) int {
	return m.SendToUserExcept(userID, "", env)
}

// SendToUserExcept fans env out to the user's connections, skipping
// exceptConn. Used to sync a sender's other devices without echoing to the
// originating one.
func (m *Manager) SendToUserExcept(userID, exceptConn string, env protocol.Envelope) int {
	m.mu.RLock()
	targets := make([]*Client, 0, len(m.byUser[userID]))
	for connID, c := range m.byUser[userID] {
		if connID == exceptConn {
			continue
		}
		targets = append(targets, c)
	}
	m.mu.RUnlock()

	n := 0
	for _, c := range targets {
		if m.deliver(c, env) {
			n++
		}
	}
	return n
}

func (m *Manager) deliver(c *Client, env protocol.Envelope) bool {
	if c == nil {
		m.met.FramesDropped.Inc()
		return false
	}
	if !c.Enqueue(env) {
		m.met.FramesDropped.Inc()
		m.log.Warn("manager.drop", "conn", c.ConnID, "type", env.Type)
		return false
	}
	m.met.FramesDelivered.Inc()
	return true
}

// IsOnline reports whether the user has at least one live connection.
func (m *Manager) IsOnline(userID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byUser[userID]) > 0
}

// ConnectionCount reports the number of registered connections.
func (m *Manager) ConnectionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.conns)
}

// Touch records inbound activity on a connection for the idle sweep.
func (m *Manager) Touch(connID string) {
	m.mu.Lock()
	if _, ok := m.conns[connID]; ok {
		m.lastSeen[connID] = m.now()
	}
	m.mu.Unlock()
}

// SetPresence records a client-announced presence and broadcasts it.
func (m *Manager) SetPresence(userID, status, lastSeen string) {
	m.mu.Lock()
	m.statuses[userID] = status
	m.mu.Unlock()
	m.broadcastPresence(userID, status, lastSeen)
}

// Presence returns the current presence for userID, defaulting to offline.
func (m *Manager) Presence(userID string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if s, ok := m.statuses[userID]; ok {
		return s
	}
	return store.PresenceOffline
}

// SetTyping tracks that userID is (or stopped) typing to target, recording
// when the indicator was last raised so a stale one can be aged out and
// retracted if the user disconnects mid-typing.
func (m *Manager) SetTyping(userID, target string, active bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if active {
		set := m.typing[userID]
		if set == nil {
			set = make(map[string]time.Time)
			m.typing[userID] = set
		}
		set[target] = m.now()
		return
	}
	if set := m.typing[userID]; set != nil {
		delete(set, target)
		if len(set) == 0 {
			delete(m.typing, userID)
		}
	}
}

// TypingSince reports when userID last raised a typing indicator toward
// target, and whether one is active.
func (m *Manager) TypingSince(userID, target string) (time.Time, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	at, ok := m.typing[userID][target]
	return at, ok
}

// SetGroups replaces userID's group subscriptions, loaded at connect time.
func (m *Manager) SetGroups(userID string, groupIDs []string) {
	set := make(map[string]bool, len(groupIDs))
	for _, id := range groupIDs {
		set[id] = true
	}
	m.mu.Lock()
	if m.byUser[userID] != nil {
		m.subs[userID] = set
	}
	m.mu.Unlock()
}

// JoinGroup subscribes an online user to a group. Offline users are skipped;
// their roster loads fresh on the next connect.
func (m *Manager) JoinGroup(userID, groupID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.byUser[userID] == nil {
		return
	}
	set := m.subs[userID]
	if set == nil {
		set = make(map[string]bool)
		m.subs[userID] = set
	}
	set[groupID] = true
}

// LeaveGroup drops a group subscription.
func (m *Manager) LeaveGroup(userID, groupID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if set := m.subs[userID]; set != nil {
		delete(set, groupID)
		if len(set) == 0 {
			delete(m.subs, userID)
		}
	}
}

// InGroup reports whether userID holds a live subscription to groupID.
func (m *Manager) InGroup(userID, groupID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.subs[userID][groupID]
}

// SendToGroup fans env out to every subscribed user except exceptUser, all
// devices included, and reports how many connections accepted it.
func (m *Manager) SendToGroup(groupID, exceptUser string, env protocol.Envelope) int {
	m.mu.RLock()
	var targets []*Client
	for userID, groups := range m.subs {
		if userID == exceptUser || !groups[groupID] {
			continue
		}
		for _, c := range m.byUser[userID] {
			targets = append(targets, c)
		}
	}
	m.mu.RUnlock()

	n := 0
	for _, c := range targets {
		if m.deliver(c, env) {
			n++
		}
	}
	return n
}

// Timezone returns the in-memory timezone for userID.
func (m *Manager) Timezone(userID string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tz, ok := m.timezones[userID]
	return tz, ok
}

// SetTimezone records the user's timezone in memory.
func (m *Manager) SetTimezone(userID, tz string) {
	m.mu.Lock()
	m.timezones[userID] = tz
	m.mu.Unlock()
}

// broadcastPresence fans a presence update out to every connection except
// the subject's own devices.
func (m *Manager) broadcastPresence(userID, status, lastSeen string) {
	env := protocol.Envelope{
		Type:    protocol.TypePresence,
		From:    userID,
		Payload: protocol.MustPayload(protocol.PresencePayload{Status: status, LastSeen: lastSeen}),
	}

	m.mu.RLock()
	targets := make([]*Client, 0, len(m.conns))
	for _, c := range m.conns {
		if c.UserID == userID {
			continue
		}
		targets = append(targets, c)
	}
	m.mu.RUnlock()

	for _, c := range targets {
		m.deliver(c, env)
	}
}

// silentSince returns the clients with no inbound activity since cutoff.
func (m *Manager) silentSince(cutoff time.Time) []*Client {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Client
	for connID, at := range m.lastSeen {
		if at.Before(cutoff) {
			if c := m.conns[connID]; c != nil {
				out = append(out, c)
			}
		}
	}
	return out
}

// RunSweep reaps idle connections until ctx is done. A reaped client's read
// loop observes the transport closing and unregisters itself.
func (m *Manager) RunSweep(ctx context.Context) {
	t := time.NewTicker(sweepInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			cutoff := m.now().Add(-idleCutoff)
			for _, c := range m.silentSince(cutoff) {
				m.log.Info("manager.sweep", "conn", c.ConnID)
				c.Close()
				m.Unregister(c)
			}
		}
	}
}

// CloseAll tears down every connection, for shutdown.
func (m *Manager) CloseAll() {
	m.mu.RLock()
	targets := make([]*Client, 0, len(m.conns))
	for _, c := range m.conns {
		targets = append(targets, c)
	}
	m.mu.RUnlock()

	for _, c := range targets {
		c.Close()
	}
}
