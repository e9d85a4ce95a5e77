package discovery

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeSink struct {
	mu      sync.Mutex
	added   []string
	removed []string
}

func (s *fakeSink) AddPeer(host string, port int) {
	s.mu.Lock()
	s.added = append(s.added, fmt.Sprintf("%s:%d", host, port))
	s.mu.Unlock()
}

func (s *fakeSink) RemovePeer(host string, port int) {
	s.mu.Lock()
	s.removed = append(s.removed, fmt.Sprintf("%s:%d", host, port))
	s.mu.Unlock()
}

func (s *fakeSink) snapshot() (added, removed []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.added...), append([]string(nil), s.removed...)
}

type fakeClock struct{ t atomic.Int64 }

func (f *fakeClock) now() int64          { return f.t.Load() }
func (f *fakeClock) add(d time.Duration) { f.t.Add(int64(d)) }

func newTestEngine(t *testing.T, sink PeerSink, clk *fakeClock, mutate func(*Config)) *Engine {
	t.Helper()
	cfg := Config{
		NodeID:         "local-node",
		Secret:         []byte("discovery-test-secret"),
		PackageName:    "meshcache",
		PackageVersion: "1.2.0",
		Connections:    []string{"conn-aaaa"},
		Sink:           sink,
	}
	if clk != nil {
		cfg.Now = clk.now
	}
	if mutate != nil {
		mutate(&cfg)
	}
	e, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	return e
}

func testAnnounce(node string) *announce {
	return &announce{
		NodeID:         node,
		PackageName:    "meshcache",
		PackageVersion: "1.2.0",
		DiscoveryPort:  7946,
		CachePort:      9001,
		TTLSeconds:     30,
		Connections:    []string{"conn-aaaa"},
	}
}

var testSrc = &net.UDPAddr{IP: net.ParseIP("10.1.2.3"), Port: 50000}

// A shared member joins the table and its cache endpoint reaches the sink.
func TestHandleAnnounce_SharedMemberAdmitted(t *testing.T) {
	t.Parallel()

	sink := &fakeSink{}
	var joined []Member
	e := newTestEngine(t, sink, nil, func(c *Config) {
		c.OnJoin = func(m Member) { joined = append(joined, m) }
	})

	e.handleAnnounce(testAnnounce("node-b"), testSrc)

	members := e.Members()
	if len(members) != 1 {
		t.Fatalf("member count %d, want 1", len(members))
	}
	m := members[0]
	if !m.Shared || m.Addr != "10.1.2.3" || m.CachePort != 9001 {
		t.Fatalf("member %+v", m)
	}
	added, _ := sink.snapshot()
	if len(added) != 1 || added[0] != "10.1.2.3:9001" {
		t.Fatalf("sink added %v", added)
	}
	if len(joined) != 1 || joined[0].NodeID != "node-b" {
		t.Fatalf("OnJoin calls: %v", joined)
	}
}

// A member on a different connection is tracked but never becomes a peer.
func TestHandleAnnounce_ForeignConnectionNotAdmitted(t *testing.T) {
	t.Parallel()

	sink := &fakeSink{}
	e := newTestEngine(t, sink, nil, nil)

	msg := testAnnounce("node-b")
	msg.Connections = []string{"conn-zzzz"}
	e.handleAnnounce(msg, testSrc)

	members := e.Members()
	if len(members) != 1 || members[0].Shared {
		t.Fatalf("members %+v", members)
	}
	if added, _ := sink.snapshot(); len(added) != 0 {
		t.Fatalf("foreign member reached the sink: %v", added)
	}
}

// Announces from a different package or an incompatible version never join.
func TestHandleAnnounce_Filtered(t *testing.T) {
	t.Parallel()

	sink := &fakeSink{}
	e := newTestEngine(t, sink, nil, func(c *Config) {
		c.VersionPolicy = []string{VersionMajor, VersionMinor}
	})

	other := testAnnounce("node-b")
	other.PackageName = "othercache"
	e.handleAnnounce(other, testSrc)

	stale := testAnnounce("node-c")
	stale.PackageVersion = "1.1.0" // minor mismatch under the policy
	e.handleAnnounce(stale, testSrc)

	if members := e.Members(); len(members) != 0 {
		t.Fatalf("filtered announces joined: %+v", members)
	}
}

// An explicit Addr in the announce overrides the datagram source IP.
func TestHandleAnnounce_ExplicitAddr(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t, nil, nil, nil)
	msg := testAnnounce("node-b")
	msg.Addr = "192.168.7.7"
	e.handleAnnounce(msg, testSrc)

	if m := e.Members()[0]; m.Addr != "192.168.7.7" {
		t.Fatalf("addr %s, want explicit 192.168.7.7", m.Addr)
	}
}

// A keepalive that moves the member's cache endpoint swaps the sink entry.
func TestHandleAnnounce_EndpointMove(t *testing.T) {
	t.Parallel()

	sink := &fakeSink{}
	var updates int
	e := newTestEngine(t, sink, nil, func(c *Config) {
		c.OnUpdate = func(Member) { updates++ }
	})

	e.handleAnnounce(testAnnounce("node-b"), testSrc)
	moved := testAnnounce("node-b")
	moved.CachePort = 9002
	e.handleAnnounce(moved, testSrc)

	added, removed := sink.snapshot()
	if len(removed) != 1 || removed[0] != "10.1.2.3:9001" {
		t.Fatalf("old endpoint not removed: %v", removed)
	}
	if added[len(added)-1] != "10.1.2.3:9002" {
		t.Fatalf("new endpoint not added: %v", added)
	}
	if updates != 1 {
		t.Fatalf("OnUpdate calls %d, want 1", updates)
	}
}

// A leave announce removes the member immediately, before any TTL fires.
func TestHandleAnnounce_Leave(t *testing.T) {
	t.Parallel()

	sink := &fakeSink{}
	var left []Member
	e := newTestEngine(t, sink, nil, func(c *Config) {
		c.OnLeave = func(m Member) { left = append(left, m) }
	})

	e.handleAnnounce(testAnnounce("node-b"), testSrc)
	bye := testAnnounce("node-b")
	bye.Leave = true
	e.handleAnnounce(bye, testSrc)

	if members := e.Members(); len(members) != 0 {
		t.Fatalf("member survived leave: %+v", members)
	}
	if _, removed := sink.snapshot(); len(removed) != 1 {
		t.Fatalf("sink removals %v, want 1", removed)
	}
	if len(left) != 1 || left[0].NodeID != "node-b" {
		t.Fatalf("OnLeave calls: %v", left)
	}
}

// Members silent for 1.5x their advertised TTL are evicted; a keepalive
// inside the window keeps them.
func TestEvictExpired(t *testing.T) {
	t.Parallel()

	clk := &fakeClock{}
	clk.t.Store(int64(time.Hour))
	sink := &fakeSink{}
	e := newTestEngine(t, sink, clk, nil)

	quiet := testAnnounce("node-quiet")
	quiet.TTLSeconds = 10
	e.handleAnnounce(quiet, testSrc)
	alive := testAnnounce("node-alive")
	alive.TTLSeconds = 10
	alive.CachePort = 9002
	e.handleAnnounce(alive, testSrc)

	// 14s later: inside the 15s grace window for both.
	clk.add(14 * time.Second)
	e.evictExpired()
	if got := len(e.Members()); got != 2 {
		t.Fatalf("members %d after 14s, want 2", got)
	}

	// node-alive refreshes; node-quiet stays silent past the window.
	e.handleAnnounce(alive, testSrc)
	clk.add(2 * time.Second)
	e.evictExpired()

	members := e.Members()
	if len(members) != 1 || members[0].NodeID != "node-alive" {
		t.Fatalf("members after eviction: %+v", members)
	}
	if _, removed := sink.snapshot(); len(removed) != 1 || removed[0] != "10.1.2.3:9001" {
		t.Fatalf("sink removals: %v", removed)
	}
}

// Two engines on loopback find each other through fallback seeds alone.
func TestEngineSeedConvergence(t *testing.T) {
	t.Parallel()

	secret := []byte("seed-test-secret")
	mk := func(node string, port, peerPort, cachePort int) *Engine {
		e, err := New(Config{
			NodeID: node,
			Secret: secret,
			// Distinct per-engine "groups" so only the seed path carries
			// traffic between them.
			MulticastAddr:     fmt.Sprintf("239.77.83.72:%d", port),
			CachePort:         cachePort,
			PackageName:       "meshcache",
			PackageVersion:    "1.2.0",
			Connections:       []string{"conn-shared"},
			FallbackSeeds:     []string{fmt.Sprintf("127.0.0.1:%d", peerPort)},
			BootstrapInterval: 100 * time.Millisecond,
			BootstrapRetries:  20,
			TTL:               30 * time.Second,
		})
		if err != nil {
			t.Fatal(err)
		}
		return e
	}

	a := mk("node-a", 17946, 17947, 9001)
	b := mk("node-b", 17947, 17946, 9002)
	if err := a.Start(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = a.Close() })
	if err := b.Start(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = b.Close() })

	sees := func(e *Engine, node string) bool {
		for _, m := range e.Members() {
			if m.NodeID == node && m.Shared {
				return true
			}
		}
		return false
	}
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if sees(a, "node-b") && sees(b, "node-a") {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("engines did not converge: a=%+v b=%+v", a.Members(), b.Members())
}
