package cache

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/meshcache/meshcache/arena"
	"github.com/meshcache/meshcache/cluster"
	"github.com/meshcache/meshcache/discovery"
	"github.com/meshcache/meshcache/identity"
	"github.com/meshcache/meshcache/internal/singleflight"
)

// ErrNoLoader is returned by GetOrLoad when no Loader was configured.
var ErrNoLoader = errors.New("cache: no Loader provided")

// Cache is the public cache surface. All methods are safe for concurrent
// use by multiple goroutines.
type Cache struct {
	cfg    Config
	nodeID string
	ident  identity.Identity

	arena     *arena.Arena
	transport *cluster.Transport

	codec Codec
	met   Metrics
	log   *slog.Logger
	now   func() int64

	ctr counters
	sf  singleflight.Group[string, []byte]

	discMu sync.Mutex
	disc   *discovery.Engine

	closed atomic.Bool
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs a Cache, maps its region, binds the invalidation
// transport, and starts the background sweep (and metrics log, if
// configured). Discovery starts only on StartDiscovery.
func New(cfg Config) (*Cache, error) {
	cfg.applyDefaults()

	c := &Cache{
		cfg:    cfg,
		nodeID: cfg.NodeID,
		ident:  identity.New(cfg.Connection),
		codec:  cfg.Codec,
		met:    cfg.Metrics,
		log:    cfg.Logger,
	}
	if c.nodeID == "" {
		c.nodeID = uuid.NewString()
	}
	if c.codec == nil {
		c.codec = JSONCodec{}
	}
	if c.met == nil {
		c.met = NoopMetrics{}
	}
	if c.log == nil {
		c.log = slog.Default()
	}
	c.now = func() int64 { return time.Now().UnixNano() }
	if cfg.Clock != nil {
		c.now = cfg.Clock.NowUnixNano
	}

	a, err := arena.New(arena.Config{
		Path:         cfg.Path,
		MemoryBytes:  cfg.MemoryBytes,
		BlockSize:    cfg.BlockSize,
		DictCapacity: cfg.DictCapacity,
		Now:          c.now,
	})
	if err != nil {
		return nil, err
	}
	c.arena = a

	t, err := cluster.NewTransport(cluster.Config{
		NodeID:        c.nodeID,
		ListenPort:    cfg.ListenPort,
		BatchInterval: cfg.BatchInterval,
		Secret:        c.ident.Secret,
		Peers:         cfg.Cluster,
		Logger:        c.log,
		Now:           c.now,
		OnFlush:       c.onFlush,
	})
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	c.transport = t
	t.OnKeys(c.applyRemote)
	t.Start()

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.wg.Add(1)
	go c.sweepLoop(ctx)
	if cfg.MetricsLogInterval > 0 {
		c.wg.Add(1)
		go c.metricsLogLoop(ctx)
	}
	return c, nil
}

// Set serializes v and stores it under key. The optional ttl overrides
// the configured DefaultTTL; either way the stored TTL never drops below
// MinTTL. On success the key is queued for cluster invalidation so peers
// drop their (now stale) copies. Returns false when the value could not
// be cached; the caller proceeds uncached.
func (c *Cache) Set(key string, v any, ttl ...time.Duration) bool {
	if c.closed.Load() || key == "" {
		return false
	}
	d := c.cfg.DefaultTTL
	if len(ttl) > 0 && ttl[0] > 0 {
		d = ttl[0]
	}
	if d < c.cfg.MinTTL {
		d = c.cfg.MinTTL
	}
	data, err := c.codec.Marshal(v)
	if err != nil {
		c.ctr.setFailures.Add(1)
		c.met.Set(false)
		return false
	}
	return c.setRaw(key, data, d)
}

// SetRaw stores pre-serialized value bytes under key.
func (c *Cache) SetRaw(key string, data []byte, ttl time.Duration) bool {
	if c.closed.Load() || key == "" {
		return false
	}
	if ttl < c.cfg.MinTTL {
		ttl = c.cfg.MinTTL
	}
	return c.setRaw(key, data, ttl)
}

func (c *Cache) setRaw(key string, data []byte, ttl time.Duration) bool {
	ok := c.arena.Put([]byte(key), data, ttl)
	c.met.Set(ok)
	if !ok {
		c.ctr.setFailures.Add(1)
		return false
	}
	c.ctr.sets.Add(1)
	c.transport.Queue(key)
	return true
}

// Get decodes key's value into out and reports whether it was present and
// unexpired. It never fails for a missing key; a decode error counts as a
// miss.
func (c *Cache) Get(key string, out any) bool {
	data := c.GetRaw(key)
	if data == nil {
		return false
	}
	if err := c.codec.Unmarshal(data, out); err != nil {
		c.log.Debug("cache: undecodable value", "key", key, "err", err)
		return false
	}
	return true
}

// GetRaw returns the serialized value bytes for key, or nil on miss or
// expiry.
func (c *Cache) GetRaw(key string) []byte {
	if c.closed.Load() || key == "" {
		return nil
	}
	data := c.arena.Get([]byte(key))
	if data == nil {
		c.ctr.misses.Add(1)
		c.met.Miss()
		return nil
	}
	c.ctr.hits.Add(1)
	c.met.Hit()
	return data
}

// GetOrLoad returns key's serialized value, invoking the configured
// Loader on miss. Concurrent loads for the same key are coalesced; the
// loaded value is stored with DefaultTTL.
func (c *Cache) GetOrLoad(ctx context.Context, key string) ([]byte, error) {
	if data := c.GetRaw(key); data != nil {
		return data, nil
	}
	if c.cfg.Loader == nil {
		return nil, ErrNoLoader
	}
	return c.sf.Do(ctx, key, func() ([]byte, error) {
		// Double-check after flight join.
		if data := c.GetRaw(key); data != nil {
			return data, nil
		}
		data, err := c.cfg.Loader(ctx, key)
		if err != nil {
			return nil, err
		}
		c.SetRaw(key, data, c.cfg.DefaultTTL)
		return data, nil
	})
}

// Expire removes key locally and, when broadcast is true, queues it for
// cluster invalidation. Applying a received remote invalidation uses
// broadcast=false, which is what prevents invalidation storms.
func (c *Cache) Expire(key string, broadcast bool) bool {
	if c.closed.Load() || key == "" {
		return false
	}
	ok := c.arena.Delete([]byte(key))
	if ok {
		c.ctr.expires.Add(1)
		c.met.Expire()
	}
	if broadcast {
		// Peers may hold the key even if we no longer do.
		c.transport.Queue(key)
	}
	return ok
}

// Clear wipes the local store without notifying peers.
func (c *Cache) Clear() {
	if c.closed.Load() {
		return
	}
	c.arena.Reset()
}

// Range iterates live entries, passing each key (and, when includeValues
// is set, the serialized value) to fn until fn returns false or max
// entries have been visited (0 = all).
func (c *Cache) Range(fn func(key string, val []byte) bool, includeValues bool, max int) {
	if c.closed.Load() {
		return
	}
	c.arena.ForEach(func(k, v []byte) bool {
		return fn(string(k), v)
	}, arena.ForEachOptions{IncludeValues: includeValues, MaxEntries: max})
}

// Metrics returns a snapshot of the facade counters.
func (c *Cache) Metrics() Snapshot { return c.ctr.snapshot() }

// ResetMetrics zeroes the facade counters.
func (c *Cache) ResetMetrics() { c.ctr.reset() }

// Stats returns region occupancy.
func (c *Cache) Stats() arena.Stats { return c.arena.Stats() }

// ConnectionHash returns the connection identity fingerprint derived from
// Config.Connection. Discovered nodes advertising the same hash become
// invalidation peers.
func (c *Cache) ConnectionHash() string { return c.ident.Hash }

// NodeID returns this node's wire identity.
func (c *Cache) NodeID() string { return c.nodeID }

// Transport returns the cluster transport (peer inspection, tests).
func (c *Cache) Transport() *cluster.Transport { return c.transport }

// StartDiscovery launches the discovery engine configured in
// Config.Discovery, wiring admitted shared members into the transport's
// peer list. Idempotent.
func (c *Cache) StartDiscovery() error {
	if c.closed.Load() {
		return errors.New("cache: closed")
	}
	c.discMu.Lock()
	defer c.discMu.Unlock()
	if c.disc != nil {
		return nil
	}
	dcfg := c.cfg.Discovery
	dcfg.NodeID = c.nodeID
	dcfg.Secret = c.ident.Secret
	dcfg.Connections = []string{c.ident.Hash}
	dcfg.CachePort = c.transport.Port()
	dcfg.Sink = c.transport
	if dcfg.PackageName == "" {
		dcfg.PackageName = "meshcache"
	}
	if dcfg.PackageVersion == "" {
		dcfg.PackageVersion = Version
	}
	if dcfg.Logger == nil {
		dcfg.Logger = c.log
	}
	if dcfg.Now == nil {
		dcfg.Now = c.now
	}
	eng, err := discovery.New(dcfg)
	if err != nil {
		return err
	}
	if err := eng.Start(); err != nil {
		return err
	}
	c.disc = eng
	return nil
}

// Discovery returns the running discovery engine, or nil before
// StartDiscovery.
func (c *Cache) Discovery() *discovery.Engine {
	c.discMu.Lock()
	defer c.discMu.Unlock()
	return c.disc
}

// Close stops background tasks, the transport, discovery, and unmaps the
// region. Idempotent.
func (c *Cache) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.cancel()
	c.wg.Wait()
	c.discMu.Lock()
	disc := c.disc
	c.discMu.Unlock()
	if disc != nil {
		_ = disc.Close()
	}
	_ = c.transport.Close()
	return c.arena.Close()
}

// ---- background tasks ----

func (c *Cache) sweepLoop(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			res := c.arena.Sweep(c.cfg.SweepChecks)
			c.ctr.sweepChecked.Add(uint64(res.Checked))
			c.ctr.sweepFreed.Add(uint64(res.Freed))
			c.met.Sweep(res.Checked, res.Freed)
		}
	}
}

func (c *Cache) metricsLogLoop(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.MetricsLogInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s := c.ctr.snapshot()
			c.log.Info("cache metrics",
				"hits", s.Hits, "misses", s.Misses,
				"sets", s.Sets, "set_failures", s.SetFailures,
				"expires", s.Expires,
				"sweep_checked", s.SweepChecked, "sweep_freed", s.SweepFreed,
				"flushed_keys", s.FlushedKeys, "applied_keys", s.AppliedKeys)
		}
	}
}

// applyRemote expires keys invalidated by a peer, without re-broadcast.
func (c *Cache) applyRemote(keys []string) {
	for _, k := range keys {
		c.Expire(k, false)
	}
	c.ctr.appliedKeys.Add(uint64(len(keys)))
	c.met.Apply(len(keys))
}

func (c *Cache) onFlush(keys, peers int) {
	c.ctr.flushedKeys.Add(uint64(keys))
	c.met.Flush(keys)
}
