// Package discovery implements self-organizing peer discovery over UDP
// multicast for a trusted local broadcast domain.
//
// Each node periodically announces its identity in a signed datagram: a
// rapid bootstrap burst right after start, then steady-state keepalives.
// Receivers authenticate the HMAC, reject stale timestamps and replayed
// nonces, apply the version policy, and maintain a membership table with
// TTL-based eviction. Members whose advertised connection identity matches
// the local one are pushed into the cluster transport's peer list; all
// others are tracked for observability only and never receive
// invalidations.
//
// When the multicast group cannot be joined the engine downgrades to UDP
// broadcast, and announces always also go to the static seed list, so a
// network without multicast still converges. Network failures surface
// through the error hook; the engine keeps operating in a degraded,
// isolated mode rather than terminating.
package discovery

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/time/rate"

	"github.com/meshcache/meshcache/internal/wire"
)

// PeerSink receives admitted shared members. cluster.Transport satisfies it.
type PeerSink interface {
	AddPeer(host string, port int)
	RemovePeer(host string, port int)
}

const (
	defaultMulticastAddr     = "239.77.83.72:7946"
	defaultTTL               = 30 * time.Second
	defaultAnnounceInterval  = 10 * time.Second
	defaultBootstrapRetries  = 5
	defaultBootstrapInterval = time.Second
	defaultMaxSkew           = 30 * time.Second

	// Inbound throttle: announces are rare in steady state, so this only
	// bounds work under a misbehaving or hostile sender.
	inboundRate  = 200
	inboundBurst = 400
)

// Config configures a discovery Engine. NodeID, Secret, PackageName, and
// PackageVersion are required.
type Config struct {
	Enabled bool `yaml:"enabled"`

	NodeID string `yaml:"-"`

	// MulticastAddr is the announce group ("ip:port"). The port doubles
	// as the discovery listen port.
	MulticastAddr string `yaml:"multicast_addr"`

	// CachePort is the invalidation listen port advertised to peers.
	CachePort int `yaml:"cache_port"`

	// TTL is the advertised member lifetime; peers evict this node after
	// missing keepalives for TTL * 1.5.
	TTL time.Duration `yaml:"ttl"`

	// AnnounceInterval is the steady-state keepalive cadence.
	AnnounceInterval time.Duration `yaml:"announce_interval"`

	// BootstrapRetries rapid announces (every BootstrapInterval) are sent
	// right after start so fresh clusters converge quickly.
	BootstrapRetries  int           `yaml:"bootstrap_retries"`
	BootstrapInterval time.Duration `yaml:"bootstrap_interval"`

	PackageName    string `yaml:"package_name"`
	PackageVersion string `yaml:"package_version"`

	// VersionPolicy lists the version components that must match for
	// admission, e.g. [major, minor]. Empty admits every version.
	VersionPolicy []string `yaml:"version_policy"`

	// FallbackSeeds are static "host:port" discovery addresses that
	// always receive announces, for networks without multicast.
	FallbackSeeds []string `yaml:"fallback_seeds"`

	// Connections is the list of connection identity hashes this node
	// serves (identity.Identity.Hash values).
	Connections []string `yaml:"-"`

	// Secret keys the HMAC on announce datagrams.
	Secret []byte `yaml:"-"`

	MaxClockSkew time.Duration `yaml:"max_clock_skew"`

	// Sink receives shared members' cache endpoints.
	Sink PeerSink `yaml:"-"`

	// Membership event hooks. Called from the engine's own goroutines;
	// keep them light.
	OnJoin   func(Member)    `yaml:"-"`
	OnUpdate func(Member)    `yaml:"-"`
	OnLeave  func(Member)    `yaml:"-"`
	OnError  func(err error) `yaml:"-"`

	Logger *slog.Logger `yaml:"-"`

	// Now overrides the time source (UnixNano). Nil means time.Now.
	Now func() int64 `yaml:"-"`
}

// Engine runs the announce, receive, and eviction loops and owns the
// membership table.
type Engine struct {
	cfg    Config
	log    *slog.Logger
	now    func() int64
	replay *wire.ReplayCache
	limit  *rate.Limiter

	ucast     *net.UDPConn // unicast/broadcast listener on the discovery port
	mcast     *net.UDPConn // group-joined listener; nil when multicast is unavailable
	send      *net.UDPConn
	group     *net.UDPAddr
	multicast bool

	mu      sync.Mutex
	members map[string]*Member

	localConns map[string]struct{}

	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

// New creates an engine; no sockets are opened until Start.
func New(cfg Config) (*Engine, error) {
	if cfg.NodeID == "" {
		return nil, errors.New("discovery: NodeID is required")
	}
	if len(cfg.Secret) == 0 {
		return nil, errors.New("discovery: Secret is required")
	}
	if cfg.PackageName == "" || cfg.PackageVersion == "" {
		return nil, errors.New("discovery: package name and version are required")
	}
	if cfg.MulticastAddr == "" {
		cfg.MulticastAddr = defaultMulticastAddr
	}
	if cfg.TTL <= 0 {
		cfg.TTL = defaultTTL
	}
	if cfg.AnnounceInterval <= 0 {
		cfg.AnnounceInterval = defaultAnnounceInterval
	}
	if cfg.BootstrapRetries <= 0 {
		cfg.BootstrapRetries = defaultBootstrapRetries
	}
	if cfg.BootstrapInterval <= 0 {
		cfg.BootstrapInterval = defaultBootstrapInterval
	}
	if cfg.MaxClockSkew <= 0 {
		cfg.MaxClockSkew = defaultMaxSkew
	}
	group, err := net.ResolveUDPAddr("udp4", cfg.MulticastAddr)
	if err != nil {
		return nil, errors.Wrapf(err, "discovery: multicast addr %q", cfg.MulticastAddr)
	}
	e := &Engine{
		cfg:        cfg,
		log:        cfg.Logger,
		now:        cfg.Now,
		replay:     wire.NewReplayCache(8192),
		limit:      rate.NewLimiter(inboundRate, inboundBurst),
		group:      group,
		members:    make(map[string]*Member),
		localConns: make(map[string]struct{}, len(cfg.Connections)),
	}
	if e.log == nil {
		e.log = slog.Default()
	}
	if e.now == nil {
		e.now = func() int64 { return time.Now().UnixNano() }
	}
	for _, c := range cfg.Connections {
		e.localConns[c] = struct{}{}
	}
	return e, nil
}

// Start binds the sockets and launches the announce, receive, and
// eviction loops. The unicast listener on the discovery port is
// mandatory (it receives seed and broadcast traffic); a multicast join
// failure downgrades announces to broadcast and is reported through the
// error hook, not returned.
func (e *Engine) Start() error {
	ucast, err := net.ListenUDP("udp4", &net.UDPAddr{Port: e.group.Port})
	if err != nil {
		return errors.Wrap(err, "discovery: bind")
	}
	e.ucast = ucast

	// A group datagram may arrive on both sockets; the nonce replay
	// cache drops the duplicate.
	if mcast, err := net.ListenMulticastUDP("udp4", nil, e.group); err != nil {
		e.reportError(errors.Wrap(err, "discovery: multicast join failed, downgrading to broadcast"))
	} else {
		e.mcast = mcast
		e.multicast = true
	}

	send, err := net.ListenUDP("udp4", &net.UDPAddr{})
	if err != nil {
		_ = ucast.Close()
		if e.mcast != nil {
			_ = e.mcast.Close()
		}
		return errors.Wrap(err, "discovery: bind send socket")
	}
	if err := enableBroadcast(send); err != nil {
		// Broadcast fallback unavailable; seeds and multicast still work.
		e.reportError(errors.Wrap(err, "discovery: enable broadcast"))
	}
	e.send = send

	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.wg.Add(2)
	go e.recvLoop(e.ucast)
	go e.announceLoop(ctx)
	if e.mcast != nil {
		e.wg.Add(1)
		go e.recvLoop(e.mcast)
	}
	e.wg.Add(1)
	go e.evictLoop(ctx)
	return nil
}

// Members returns a snapshot of the membership table.
func (e *Engine) Members() []Member {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Member, 0, len(e.members))
	for _, m := range e.members {
		out = append(out, *m)
	}
	return out
}

// Close announces a leave (best effort), stops all loops, and closes the
// sockets. Idempotent.
func (e *Engine) Close() error {
	e.once.Do(func() {
		if e.send != nil {
			e.announce(true)
		}
		if e.cancel != nil {
			e.cancel()
		}
		if e.ucast != nil {
			_ = e.ucast.Close()
		}
		if e.mcast != nil {
			_ = e.mcast.Close()
		}
		if e.send != nil {
			_ = e.send.Close()
		}
		e.wg.Wait()
	})
	return nil
}

// ---- announce path ----

func (e *Engine) announceLoop(ctx context.Context) {
	defer e.wg.Done()

	// Bootstrap burst: rapid announces so a fresh node and its peers
	// converge within a few intervals instead of a full keepalive period.
	for i := 0; i < e.cfg.BootstrapRetries; i++ {
		e.announce(false)
		select {
		case <-ctx.Done():
			return
		case <-time.After(e.cfg.BootstrapInterval):
		}
	}

	ticker := time.NewTicker(e.cfg.AnnounceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.announce(false)
		}
	}
}

func (e *Engine) announce(leave bool) {
	msg := announce{
		NodeID:         e.cfg.NodeID,
		PackageName:    e.cfg.PackageName,
		PackageVersion: e.cfg.PackageVersion,
		DiscoveryPort:  e.group.Port,
		CachePort:      e.cfg.CachePort,
		TTLSeconds:     int(e.cfg.TTL / time.Second),
		Connections:    e.cfg.Connections,
		Leave:          leave,
	}
	data, err := wire.Seal(e.cfg.NodeID, msg, e.cfg.Secret, e.now())
	if err != nil {
		e.reportError(errors.Wrap(err, "discovery: seal announce"))
		return
	}

	dst := e.group
	if !e.multicast {
		dst = &net.UDPAddr{IP: net.IPv4bcast, Port: e.group.Port}
	}
	if _, err := e.send.WriteToUDP(data, dst); err != nil {
		e.reportError(errors.Wrap(err, "discovery: announce send"))
	}
	// Seeds always get a unicast copy; on networks without multicast or
	// broadcast they are the only path to convergence.
	for _, seed := range e.cfg.FallbackSeeds {
		addr, err := net.ResolveUDPAddr("udp4", seed)
		if err != nil {
			e.reportError(errors.Wrapf(err, "discovery: seed %q", seed))
			continue
		}
		if _, err := e.send.WriteToUDP(data, addr); err != nil {
			e.reportError(errors.Wrapf(err, "discovery: announce seed %q", seed))
		}
	}
}

// ---- receive path ----

func (e *Engine) recvLoop(conn *net.UDPConn) {
	defer e.wg.Done()
	buf := make([]byte, 64*1024)
	for {
		n, src, err := conn.ReadFromUDP(buf)
		if err != nil {
			return // socket closed
		}
		if !e.limit.Allow() {
			continue
		}
		payload, sender, err := wire.Open(buf[:n], e.cfg.Secret, e.cfg.MaxClockSkew, e.now(), e.replay)
		if err != nil {
			// Authentication and replay failures are silent discards.
			e.log.Debug("discovery: drop datagram", "src", src.String(), "err", err)
			continue
		}
		if sender == e.cfg.NodeID {
			continue // multicast self-echo
		}
		var msg announce
		if err := wire.Unmarshal(payload, &msg); err != nil {
			e.log.Debug("discovery: drop announce", "src", src.String(), "err", err)
			continue
		}
		if msg.NodeID == "" || msg.NodeID != sender {
			continue
		}
		e.handleAnnounce(&msg, src)
	}
}

func (e *Engine) handleAnnounce(msg *announce, src *net.UDPAddr) {
	if msg.PackageName != e.cfg.PackageName {
		return
	}
	// Version mismatches are silently dropped, not errored.
	if !VersionCompatible(e.cfg.VersionPolicy, e.cfg.PackageVersion, msg.PackageVersion) {
		return
	}

	addr := msg.Addr
	if addr == "" {
		addr = src.IP.String()
	}

	if msg.Leave {
		e.removeMember(msg.NodeID)
		return
	}

	ttl := time.Duration(msg.TTLSeconds) * time.Second
	if ttl <= 0 {
		ttl = defaultTTL
	}
	now := time.Unix(0, e.now())
	shared := e.sharesConnection(msg.Connections)

	e.mu.Lock()
	m, known := e.members[msg.NodeID]
	if !known {
		m = &Member{NodeID: msg.NodeID}
		e.members[msg.NodeID] = m
	}
	wasShared := m.Shared
	oldAddr, oldPort := m.Addr, m.CachePort
	m.Addr = addr
	m.PackageName = msg.PackageName
	m.PackageVersion = msg.PackageVersion
	m.Connections = msg.Connections
	m.DiscoveryPort = msg.DiscoveryPort
	m.CachePort = msg.CachePort
	m.TTL = ttl
	m.LastSeen = now
	m.Shared = shared
	snapshot := *m
	e.mu.Unlock()

	if e.cfg.Sink != nil {
		if wasShared && (!shared || oldAddr != addr || oldPort != msg.CachePort) {
			e.cfg.Sink.RemovePeer(oldAddr, oldPort)
		}
		if shared {
			e.cfg.Sink.AddPeer(addr, msg.CachePort)
		}
	}

	if !known {
		e.log.Info("discovery: member joined",
			"node", snapshot.NodeID, "addr", snapshot.Addr, "shared", snapshot.Shared)
		if e.cfg.OnJoin != nil {
			e.cfg.OnJoin(snapshot)
		}
		return
	}
	if e.cfg.OnUpdate != nil {
		e.cfg.OnUpdate(snapshot)
	}
}

func (e *Engine) sharesConnection(conns []string) bool {
	for _, c := range conns {
		if _, ok := e.localConns[c]; ok {
			return true
		}
	}
	return false
}

// ---- eviction ----

func (e *Engine) evictLoop(ctx context.Context) {
	defer e.wg.Done()
	interval := e.cfg.TTL / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.evictExpired()
		}
	}
}

// evictExpired removes members past ttl * 1.5 without a fresh keepalive.
func (e *Engine) evictExpired() {
	now := time.Unix(0, e.now())
	e.mu.Lock()
	var gone []Member
	for id, m := range e.members {
		if m.expired(now) {
			gone = append(gone, *m)
			delete(e.members, id)
		}
	}
	e.mu.Unlock()

	for _, m := range gone {
		e.dropMember(m)
	}
}

func (e *Engine) removeMember(id string) {
	e.mu.Lock()
	m, ok := e.members[id]
	if ok {
		delete(e.members, id)
	}
	e.mu.Unlock()
	if ok {
		e.dropMember(*m)
	}
}

func (e *Engine) dropMember(m Member) {
	if m.Shared && e.cfg.Sink != nil {
		e.cfg.Sink.RemovePeer(m.Addr, m.CachePort)
	}
	e.log.Info("discovery: member left", "node", m.NodeID, "addr", m.Addr)
	if e.cfg.OnLeave != nil {
		e.cfg.OnLeave(m)
	}
}

func (e *Engine) reportError(err error) {
	e.log.Warn("discovery: degraded", "err", err)
	if e.cfg.OnError != nil {
		e.cfg.OnError(err)
	}
}
