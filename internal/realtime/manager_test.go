package realtime

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"courier/internal/metrics"
	"courier/internal/protocol"
	"courier/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestManager() *Manager {
	return NewManager(testLogger(), metrics.NewForTest())
}

// drainClient empties a client's queue and returns what was pending.
func drainClient(c *Client) []protocol.Envelope {
	var out []protocol.Envelope
	for {
		select {
		case env := <-c.Send:
			out = append(out, env)
		default:
			return out
		}
	}
}

// recvType waits for the next envelope of the wanted type, skipping others.
func recvType(t *testing.T, c *Client, want string) protocol.Envelope {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case env := <-c.Send:
			if env.Type == want {
				return env
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %q on %s", want, c.ConnID)
		}
	}
}

func TestManager_RegisterUnregister(t *testing.T) {
	t.Parallel()

	m := newTestManager()
	c := NewClient("alice", "alice", 8, nil)

	m.Register(c)
	if !m.IsOnline("alice") || m.ConnectionCount() != 1 {
		t.Fatal("registered client should be online")
	}

	m.Unregister(c)
	if m.IsOnline("alice") || m.ConnectionCount() != 0 {
		t.Fatal("unregistered client should be gone")
	}

	select {
	case <-c.Done():
	default:
		t.Fatal("unregister must close the client")
	}
}

func TestManager_UnregisterIgnoresReplacedInstance(t *testing.T) {
	t.Parallel()

	m := newTestManager()
	c1 := NewClient("alice", "alice", 8, nil)
	c2 := NewClient("alice", "alice", 8, nil)

	m.Register(c1)
	m.Register(c2)

	if m.ConnectionCount() != 1 {
		t.Fatalf("replacement must not grow the registry: %d", m.ConnectionCount())
	}

	// The replaced instance is closed asynchronously.
	select {
	case <-c1.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("replaced client not closed")
	}

	// A late unregister from the dead instance must not evict the live one.
	m.Unregister(c1)
	if !m.IsOnline("alice") {
		t.Fatal("stale unregister evicted the live connection")
	}

	m.Unregister(c2)
	if m.IsOnline("alice") {
		t.Fatal("live connection should now be gone")
	}
}

func TestManager_MultiDeviceFanOut(t *testing.T) {
	t.Parallel()

	m := newTestManager()
	phone := NewClient("alice:phone", "alice", 8, nil)
	laptop := NewClient("alice:laptop", "alice", 8, nil)
	m.Register(phone)
	m.Register(laptop)
	drainClient(phone)
	drainClient(laptop)

	env := protocol.Envelope{Type: protocol.TypeMessage, From: "bob", To: "alice"}
	if n := m.SendToUser("alice", env); n != 2 {
		t.Fatalf("fan-out = %d, want 2", n)
	}

	if n := m.SendToUserExcept("alice", "alice:phone", env); n != 1 {
		t.Fatalf("fan-out except = %d, want 1", n)
	}
}

func TestManager_SendToConnection(t *testing.T) {
	t.Parallel()

	m := newTestManager()
	c := NewClient("alice", "alice", 8, nil)
	m.Register(c)
	drainClient(c)

	env := protocol.NewPong("ts")
	if !m.SendToConnection("alice", env) {
		t.Fatal("send to live connection failed")
	}
	if got := recvType(t, c, protocol.TypePong); got.Timestamp != "ts" {
		t.Fatalf("got %+v", got)
	}
	if m.SendToConnection("ghost", env) {
		t.Fatal("send to unknown connection should fail")
	}
}

func TestManager_BackpressureDropsNotBlocks(t *testing.T) {
	t.Parallel()

	m := newTestManager()
	c := NewClient("alice", "alice", 1, nil)
	m.Register(c)
	drainClient(c)

	env := protocol.Envelope{Type: protocol.TypeMessage}
	if n := m.SendToUser("alice", env); n != 1 {
		t.Fatalf("first send should land, got %d", n)
	}
	// Queue full now; the frame is dropped, the caller never blocks.
	if n := m.SendToUser("alice", env); n != 0 {
		t.Fatalf("second send should drop, got %d", n)
	}
}

func TestManager_DisconnectPurgesTyping(t *testing.T) {
	t.Parallel()

	m := newTestManager()
	alice := NewClient("alice", "alice", 8, nil)
	bob := NewClient("bob", "bob", 8, nil)
	m.Register(alice)
	m.Register(bob)
	drainClient(bob)

	m.SetTyping("alice", "bob", true)
	m.Unregister(alice)

	env := recvType(t, bob, protocol.TypeTyping)
	var p protocol.TypingPayload
	if err := p.UnmarshalJSON(env.Payload); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if p.IsTyping {
		t.Fatal("disconnect must retract the typing indicator")
	}
	if env.From != "alice" || env.To != "bob" {
		t.Fatalf("retraction addressing: %+v", env)
	}
}

func TestManager_TypingSurvivesWhileOtherDeviceRemains(t *testing.T) {
	t.Parallel()

	m := newTestManager()
	phone := NewClient("alice:phone", "alice", 8, nil)
	laptop := NewClient("alice:laptop", "alice", 8, nil)
	bob := NewClient("bob", "bob", 8, nil)
	m.Register(phone)
	m.Register(laptop)
	m.Register(bob)
	drainClient(bob)

	m.SetTyping("alice", "bob", true)
	m.Unregister(phone)

	if got := drainClient(bob); len(got) != 0 {
		t.Fatalf("no retraction while a device remains, got %+v", got)
	}
}

func TestManager_OfflineBroadcastOnLastDevice(t *testing.T) {
	t.Parallel()

	m := newTestManager()
	phone := NewClient("alice:phone", "alice", 8, nil)
	laptop := NewClient("alice:laptop", "alice", 8, nil)
	bob := NewClient("bob", "bob", 8, nil)
	m.Register(phone)
	m.Register(laptop)
	m.Register(bob)
	drainClient(bob)

	m.Unregister(phone)
	if got := drainClient(bob); len(got) != 0 {
		t.Fatalf("offline must wait for the last device, got %+v", got)
	}

	m.Unregister(laptop)
	env := recvType(t, bob, protocol.TypePresence)
	var p protocol.PresencePayload
	if err := p.UnmarshalJSON(env.Payload); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if p.Status != store.PresenceOffline || p.LastSeen == "" {
		t.Fatalf("offline broadcast: %+v", p)
	}
}

func TestManager_PresenceBroadcastSkipsOwnDevices(t *testing.T) {
	t.Parallel()

	m := newTestManager()
	phone := NewClient("alice:phone", "alice", 8, nil)
	laptop := NewClient("alice:laptop", "alice", 8, nil)
	bob := NewClient("bob", "bob", 8, nil)
	m.Register(phone)
	m.Register(laptop)
	m.Register(bob)
	drainClient(phone)
	drainClient(laptop)
	drainClient(bob)

	m.SetPresence("alice", store.PresenceAway, "")

	if env := recvType(t, bob, protocol.TypePresence); env.From != "alice" {
		t.Fatalf("bob should hear about alice: %+v", env)
	}
	if got := drainClient(phone); len(got) != 0 {
		t.Fatalf("own devices must not receive own presence, got %+v", got)
	}
	if got := drainClient(laptop); len(got) != 0 {
		t.Fatalf("own devices must not receive own presence, got %+v", got)
	}
	if m.Presence("alice") != store.PresenceAway {
		t.Fatalf("presence state: %q", m.Presence("alice"))
	}
}

func TestManager_TypingRecordsTimestamp(t *testing.T) {
	t.Parallel()

	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	now := base
	m := NewManager(testLogger(), metrics.NewForTest(), WithManagerClock(func() time.Time { return now }))

	if _, ok := m.TypingSince("alice", "bob"); ok {
		t.Fatal("no indicator set yet")
	}

	m.SetTyping("alice", "bob", true)
	if at, ok := m.TypingSince("alice", "bob"); !ok || !at.Equal(base) {
		t.Fatalf("typing since = %v %v", at, ok)
	}

	// A repeated indicator refreshes the timestamp.
	now = base.Add(3 * time.Second)
	m.SetTyping("alice", "bob", true)
	if at, _ := m.TypingSince("alice", "bob"); !at.Equal(now) {
		t.Fatalf("refresh did not advance the timestamp: %v", at)
	}

	m.SetTyping("alice", "bob", false)
	if _, ok := m.TypingSince("alice", "bob"); ok {
		t.Fatal("stop must clear the indicator")
	}
}

func TestManager_GroupSubscriptionLifecycle(t *testing.T) {
	t.Parallel()

	m := newTestManager()

	// Offline users hold no subscriptions; their roster loads on connect.
	m.JoinGroup("alice", "g1")
	if m.InGroup("alice", "g1") {
		t.Fatal("offline join must be a no-op")
	}

	alice := NewClient("alice", "alice", 8, nil)
	m.Register(alice)
	m.SetGroups("alice", []string{"g1", "g2"})
	if !m.InGroup("alice", "g1") || !m.InGroup("alice", "g2") {
		t.Fatal("roster not loaded")
	}

	m.LeaveGroup("alice", "g2")
	if m.InGroup("alice", "g2") {
		t.Fatal("leave must drop the subscription")
	}
	m.JoinGroup("alice", "g3")
	if !m.InGroup("alice", "g3") {
		t.Fatal("online join must subscribe")
	}

	m.Unregister(alice)
	if m.InGroup("alice", "g1") || m.InGroup("alice", "g3") {
		t.Fatal("last device must clear subscriptions")
	}
}

func TestManager_SendToGroupExcludesAllSenderDevices(t *testing.T) {
	t.Parallel()

	m := newTestManager()
	phone := NewClient("alice:phone", "alice", 8, nil)
	laptop := NewClient("alice:laptop", "alice", 8, nil)
	bob := NewClient("bob", "bob", 8, nil)
	carol := NewClient("carol", "carol", 8, nil)
	for _, c := range []*Client{phone, laptop, bob, carol} {
		m.Register(c)
	}
	m.SetGroups("alice", []string{"g1"})
	m.SetGroups("bob", []string{"g1"})
	m.SetGroups("carol", []string{"g2"})
	drainClient(phone)
	drainClient(laptop)
	drainClient(bob)
	drainClient(carol)

	env := protocol.Envelope{Type: protocol.TypeMessage, From: "alice", GroupID: "g1"}
	if n := m.SendToGroup("g1", "alice", env); n != 1 {
		t.Fatalf("fan-out = %d, want 1", n)
	}
	recvType(t, bob, protocol.TypeMessage)
	if got := drainClient(carol); len(got) != 0 {
		t.Fatalf("unsubscribed user received a group frame: %+v", got)
	}
	if got := drainClient(phone); len(got) != 0 {
		t.Fatalf("sender device received its own group frame: %+v", got)
	}
	if got := drainClient(laptop); len(got) != 0 {
		t.Fatalf("sender's other device received the group frame: %+v", got)
	}
}

func TestManager_Timezone(t *testing.T) {
	t.Parallel()

	m := newTestManager()
	if _, ok := m.Timezone("alice"); ok {
		t.Fatal("unset timezone should miss")
	}
	m.SetTimezone("alice", "Europe/Oslo")
	if tz, ok := m.Timezone("alice"); !ok || tz != "Europe/Oslo" {
		t.Fatalf("got %q %v", tz, ok)
	}
}

func TestManager_SilentSince(t *testing.T) {
	t.Parallel()

	now := time.Now()
	clock := func() time.Time { return now }
	m := NewManager(testLogger(), metrics.NewForTest(), WithManagerClock(clock))

	idle := NewClient("idle", "idle", 8, nil)
	active := NewClient("active", "active", 8, nil)
	m.Register(idle)
	m.Register(active)

	now = now.Add(2 * idleCutoff)
	m.Touch("active")

	silent := m.silentSince(now.Add(-idleCutoff))
	if len(silent) != 1 || silent[0].ConnID != "idle" {
		t.Fatalf("silent = %+v", silent)
	}
}

func TestBaseIdentity(t *testing.T) {
	t.Parallel()

	if BaseIdentity("alice:phone") != "alice" {
		t.Fatal("device suffix must strip")
	}
	if BaseIdentity("alice") != "alice" {
		t.Fatal("bare identity passes through")
	}
	if BaseIdentity("alice:phone:old") != "alice" {
		t.Fatal("split on first colon only")
	}
}
