// Package cluster fans cache invalidations out to peer nodes over UDP.
//
// Keys queue in a pending set and flush as one signed, batched datagram
// per peer every batch interval, which bounds the message rate regardless
// of write volume. Inbound batches are authenticated and handed to a
// callback; the receiving side applies them locally without re-broadcast,
// so an invalidation crosses the cluster exactly one hop. Delivery is
// deliberately best-effort: a lost datagram means a peer serves a stale
// entry until its own TTL fires.
package cluster

import (
	"context"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/meshcache/meshcache/internal/wire"
)

// Peer addresses one remote cache instance's invalidation listener.
type Peer struct {
	Host string
	Port int
}

// String returns host:port.
func (p Peer) String() string {
	return net.JoinHostPort(p.Host, strconv.Itoa(p.Port))
}

// ParsePeer parses a "host:port" string.
func ParsePeer(s string) (Peer, error) {
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return Peer{}, errors.Wrapf(err, "cluster: invalid peer %q", s)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return Peer{}, errors.Errorf("cluster: invalid peer port in %q", s)
	}
	return Peer{Host: host, Port: port}, nil
}

// batch is the invalidation payload inside the wire envelope.
type batch struct {
	Keys []string `json:"keys"`
}

const (
	defaultBatchInterval = 500 * time.Millisecond
	defaultMaxSkew       = 30 * time.Second
	maxDatagram          = 60 * 1024
)

// Config configures a Transport. NodeID and Secret are required.
type Config struct {
	// NodeID identifies this node in outbound envelopes; inbound
	// datagrams from the same ID are ignored (multicast self-echo).
	NodeID string

	// ListenPort is the UDP port for inbound invalidations. 0 picks an
	// ephemeral port (useful with discovery, which advertises it).
	ListenPort int

	// BatchInterval is the flush cadence for queued keys.
	BatchInterval time.Duration

	// Secret keys the HMAC on every datagram (identity.Identity.Secret).
	Secret []byte

	// Peers is the static peer list; discovery adds and removes more at
	// runtime via AddPeer/RemovePeer.
	Peers []string

	// MaxClockSkew bounds the accepted envelope timestamp drift.
	MaxClockSkew time.Duration

	// OnFlush observes each outbound flush (keys per batch, peer count).
	OnFlush func(keys, peers int)

	// Logger for dropped datagrams and send failures. Nil means
	// slog.Default().
	Logger *slog.Logger

	// Now overrides the time source (UnixNano). Nil means time.Now.
	Now func() int64
}

// Transport batches and fans out invalidation keys, and applies inbound
// batches through the OnKeys callback. Safe for concurrent use.
type Transport struct {
	cfg    Config
	log    *slog.Logger
	now    func() int64
	conn   *net.UDPConn
	replay *wire.ReplayCache

	mu      sync.Mutex
	pending map[string]struct{}
	peers   map[string]Peer
	onKeys  func(keys []string)

	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

// NewTransport creates a transport bound to cfg.ListenPort. The receive
// and flush loops start with Start.
func NewTransport(cfg Config) (*Transport, error) {
	if cfg.NodeID == "" {
		return nil, errors.New("cluster: NodeID is required")
	}
	if len(cfg.Secret) == 0 {
		return nil, errors.New("cluster: Secret is required")
	}
	if cfg.BatchInterval <= 0 {
		cfg.BatchInterval = defaultBatchInterval
	}
	if cfg.MaxClockSkew <= 0 {
		cfg.MaxClockSkew = defaultMaxSkew
	}
	t := &Transport{
		cfg:     cfg,
		log:     cfg.Logger,
		now:     cfg.Now,
		replay:  wire.NewReplayCache(8192),
		pending: make(map[string]struct{}),
		peers:   make(map[string]Peer),
	}
	if t.log == nil {
		t.log = slog.Default()
	}
	if t.now == nil {
		t.now = func() int64 { return time.Now().UnixNano() }
	}
	for _, s := range cfg.Peers {
		p, err := ParsePeer(s)
		if err != nil {
			return nil, err
		}
		t.peers[p.String()] = p
	}
	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: cfg.ListenPort})
	if err != nil {
		return nil, errors.Wrap(err, "cluster: bind")
	}
	t.conn = conn
	return t, nil
}

// OnKeys registers the callback invoked with each authenticated inbound
// key batch. The facade wires this to local expire without re-broadcast.
// Must be called before Start.
func (t *Transport) OnKeys(fn func(keys []string)) {
	t.mu.Lock()
	t.onKeys = fn
	t.mu.Unlock()
}

// Port returns the bound UDP port.
func (t *Transport) Port() int {
	return t.conn.LocalAddr().(*net.UDPAddr).Port
}

// Start launches the receive and flush loops.
func (t *Transport) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	t.wg.Add(2)
	go t.readLoop()
	go t.flushLoop(ctx)
}

// Queue adds key to the pending invalidation set. Duplicate keys within
// one batch interval collapse into a single wire entry.
func (t *Transport) Queue(key string) {
	t.mu.Lock()
	t.pending[key] = struct{}{}
	t.mu.Unlock()
}

// AddPeer adds a peer at runtime (discovery integration).
func (t *Transport) AddPeer(host string, port int) {
	p := Peer{Host: host, Port: port}
	t.mu.Lock()
	t.peers[p.String()] = p
	t.mu.Unlock()
}

// RemovePeer removes a peer added statically or by discovery.
func (t *Transport) RemovePeer(host string, port int) {
	t.mu.Lock()
	delete(t.peers, Peer{Host: host, Port: port}.String())
	t.mu.Unlock()
}

// Peers returns a snapshot of the current peer set.
func (t *Transport) Peers() []Peer {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Peer, 0, len(t.peers))
	for _, p := range t.peers {
		out = append(out, p)
	}
	return out
}

// Flush sends all currently queued keys to every peer immediately and
// clears the pending set. Called by the flush loop each interval; exposed
// for teardown and tests.
func (t *Transport) Flush() {
	t.mu.Lock()
	if len(t.pending) == 0 {
		t.mu.Unlock()
		return
	}
	keys := make([]string, 0, len(t.pending))
	for k := range t.pending {
		keys = append(keys, k)
	}
	t.pending = make(map[string]struct{})
	peers := make([]Peer, 0, len(t.peers))
	for _, p := range t.peers {
		peers = append(peers, p)
	}
	t.mu.Unlock()

	if len(peers) == 0 {
		return
	}
	data, err := wire.Seal(t.cfg.NodeID, batch{Keys: keys}, t.cfg.Secret, t.now())
	if err != nil {
		t.log.Warn("cluster: seal batch", "err", err)
		return
	}
	if len(data) > maxDatagram {
		t.log.Warn("cluster: batch exceeds datagram budget, dropping", "keys", len(keys), "bytes", len(data))
		return
	}
	for _, p := range peers {
		addr, err := net.ResolveUDPAddr("udp", p.String())
		if err != nil {
			t.log.Warn("cluster: resolve peer", "peer", p.String(), "err", err)
			continue
		}
		if _, err := t.conn.WriteToUDP(data, addr); err != nil {
			// Degraded, not fatal: the peer's own TTLs still bound staleness.
			t.log.Warn("cluster: send", "peer", p.String(), "err", err)
		}
	}
	if t.cfg.OnFlush != nil {
		t.cfg.OnFlush(len(keys), len(peers))
	}
}

func (t *Transport) flushLoop(ctx context.Context) {
	defer t.wg.Done()
	ticker := time.NewTicker(t.cfg.BatchInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.Flush()
		}
	}
}

func (t *Transport) readLoop() {
	defer t.wg.Done()
	buf := make([]byte, 64*1024)
	for {
		n, _, err := t.conn.ReadFromUDP(buf)
		if err != nil {
			return // socket closed
		}
		payload, sender, err := wire.Open(buf[:n], t.cfg.Secret, t.cfg.MaxClockSkew, t.now(), t.replay)
		if err != nil {
			t.log.Debug("cluster: drop datagram", "err", err)
			continue
		}
		if sender == t.cfg.NodeID {
			continue
		}
		var b batch
		if err := wire.Unmarshal(payload, &b); err != nil {
			t.log.Debug("cluster: drop batch", "err", err)
			continue
		}
		t.mu.Lock()
		cb := t.onKeys
		t.mu.Unlock()
		if cb != nil && len(b.Keys) > 0 {
			cb(b.Keys)
		}
	}
}

// Close flushes any queued keys, stops both loops, and closes the socket.
// Idempotent.
func (t *Transport) Close() error {
	t.once.Do(func() {
		t.Flush()
		if t.cancel != nil {
			t.cancel()
		}
		_ = t.conn.Close()
		t.wg.Wait()
	})
	return nil
}
