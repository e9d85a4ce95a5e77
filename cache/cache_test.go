package cache

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"
)

type fakeClock struct{ t atomic.Int64 }

func (f *fakeClock) NowUnixNano() int64   { return f.t.Load() }
func (f *fakeClock) add(d time.Duration)  { f.t.Add(int64(d)) }
func newFakeClock() *fakeClock            { f := &fakeClock{}; f.t.Store(int64(time.Hour)); return f }

func newTestCache(t *testing.T, mutate func(*Config)) *Cache {
	t.Helper()
	cfg := Config{
		MemoryBytes: 1 << 20,
		Connection:  map[string]string{"host": "testdb", "database": "app"},
	}
	if mutate != nil {
		mutate(&cfg)
	}
	c, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

type user struct {
	Name string `json:"name"`
	Age  int    `json:"age"`
}

func TestCacheSetGet(t *testing.T) {
	t.Parallel()

	c := newTestCache(t, nil)

	if !c.Set("user:1", user{Name: "Ada", Age: 36}) {
		t.Fatal("set failed")
	}
	var got user
	if !c.Get("user:1", &got) {
		t.Fatal("get missed a fresh entry")
	}
	if got != (user{Name: "Ada", Age: 36}) {
		t.Fatalf("got %+v", got)
	}
	if c.Get("user:2", &got) {
		t.Fatal("get hit an absent key")
	}
}

func TestCacheTTLExpiry(t *testing.T) {
	t.Parallel()

	clk := newFakeClock()
	c := newTestCache(t, func(cfg *Config) {
		cfg.Clock = clk
		cfg.DefaultTTL = 2 * time.Second
	})

	c.Set("short", "v", 1500*time.Millisecond)
	c.Set("default", "v")

	clk.add(1600 * time.Millisecond)
	var s string
	if c.Get("short", &s) {
		t.Fatal("explicit TTL not honored")
	}
	if !c.Get("default", &s) {
		t.Fatal("default TTL expired early")
	}
	clk.add(time.Second)
	if c.Get("default", &s) {
		t.Fatal("default TTL not honored")
	}
}

func TestCacheMinTTLClamp(t *testing.T) {
	t.Parallel()

	clk := newFakeClock()
	c := newTestCache(t, func(cfg *Config) {
		cfg.Clock = clk
		cfg.MinTTL = 5 * time.Second
	})

	c.Set("k", "v", time.Millisecond)
	clk.add(time.Second)
	var s string
	if !c.Get("k", &s) {
		t.Fatal("entry expired below MinTTL")
	}
}

func TestCacheExpireAndClear(t *testing.T) {
	t.Parallel()

	c := newTestCache(t, nil)
	c.Set("a", 1)
	c.Set("b", 2)

	if !c.Expire("a", false) {
		t.Fatal("expire must report the entry existed")
	}
	if c.Expire("a", false) {
		t.Fatal("second expire must report absence")
	}
	var n int
	if c.Get("a", &n) {
		t.Fatal("expired key still readable")
	}

	c.Clear()
	if c.Get("b", &n) {
		t.Fatal("key survived clear")
	}
	if used := c.Stats().UsedSlots; used != 0 {
		t.Fatalf("used slots %d after clear, want 0", used)
	}
}

// A set on one node invalidates the peer's copy within a batch interval.
func TestCacheClusterConvergence(t *testing.T) {
	t.Parallel()

	conn := map[string]string{"host": "db", "database": "shared"}
	mk := func() *Cache {
		return newTestCache(t, func(cfg *Config) {
			cfg.Connection = conn
			cfg.BatchInterval = 30 * time.Millisecond
		})
	}
	a, b := mk(), mk()
	a.Transport().AddPeer("127.0.0.1", b.Transport().Port())
	b.Transport().AddPeer("127.0.0.1", a.Transport().Port())

	b.Set("user:42", user{Name: "Ada"}, time.Minute)
	var got user
	if !b.Get("user:42", &got) {
		t.Fatal("b must hit its own set")
	}

	a.Set("user:42", user{Name: "Ada Lovelace"}, time.Minute)
	waitFor(t, 2*time.Second, func() bool {
		var u user
		return !b.Get("user:42", &u)
	})
	if b.Metrics().AppliedKeys == 0 {
		t.Fatal("remote invalidation not counted")
	}
}

// Nodes with different connection identities cannot exchange
// invalidations even when pointed at each other.
func TestCacheForeignIdentityIsolated(t *testing.T) {
	t.Parallel()

	a := newTestCache(t, func(cfg *Config) {
		cfg.Connection = map[string]string{"database": "one"}
		cfg.BatchInterval = 30 * time.Millisecond
	})
	b := newTestCache(t, func(cfg *Config) {
		cfg.Connection = map[string]string{"database": "two"}
		cfg.BatchInterval = 30 * time.Millisecond
	})
	a.Transport().AddPeer("127.0.0.1", b.Transport().Port())

	b.Set("k", "theirs", time.Minute)
	a.Set("k", "ours", time.Minute)
	time.Sleep(200 * time.Millisecond)

	var s string
	if !b.Get("k", &s) {
		t.Fatal("foreign invalidation crossed identities")
	}
	if b.Metrics().AppliedKeys != 0 {
		t.Fatal("foreign keys counted as applied")
	}
}

func TestCacheGetOrLoad(t *testing.T) {
	t.Parallel()

	var loads atomic.Int64
	c := newTestCache(t, func(cfg *Config) {
		cfg.Loader = func(ctx context.Context, key string) ([]byte, error) {
			loads.Add(1)
			time.Sleep(20 * time.Millisecond) // widen the coalescing window
			return []byte(`"loaded:` + key + `"`), nil
		}
	})

	var g errgroup.Group
	for i := 0; i < 8; i++ {
		g.Go(func() error {
			data, err := c.GetOrLoad(context.Background(), "k")
			if err != nil {
				return err
			}
			if string(data) != `"loaded:k"` {
				return errors.New("wrong loaded value: " + string(data))
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
	if n := loads.Load(); n != 1 {
		t.Fatalf("loader ran %d times, want 1", n)
	}

	// The loaded value is cached; a later call does not load again.
	if _, err := c.GetOrLoad(context.Background(), "k"); err != nil {
		t.Fatal(err)
	}
	if n := loads.Load(); n != 1 {
		t.Fatalf("loader re-ran for a cached key: %d", n)
	}
}

func TestCacheGetOrLoadNoLoader(t *testing.T) {
	t.Parallel()

	c := newTestCache(t, nil)
	if _, err := c.GetOrLoad(context.Background(), "k"); !errors.Is(err, ErrNoLoader) {
		t.Fatalf("err = %v, want ErrNoLoader", err)
	}
}

func TestCacheGetOrLoadLoaderError(t *testing.T) {
	t.Parallel()

	boom := errors.New("backend down")
	c := newTestCache(t, func(cfg *Config) {
		cfg.Loader = func(context.Context, string) ([]byte, error) { return nil, boom }
	})
	if _, err := c.GetOrLoad(context.Background(), "k"); !errors.Is(err, boom) {
		t.Fatalf("err = %v, want loader error", err)
	}
}

func TestCacheMetricsCounters(t *testing.T) {
	t.Parallel()

	// Park the sweep loop so its counters stay at zero for the snapshot
	// comparisons below.
	c := newTestCache(t, func(cfg *Config) { cfg.SweepInterval = time.Hour })
	c.Set("a", 1)
	var n int
	c.Get("a", &n)
	c.Get("missing", &n)
	c.Expire("a", false)

	s := c.Metrics()
	if s.Sets != 1 || s.Hits != 1 || s.Misses != 1 || s.Expires != 1 {
		t.Fatalf("snapshot %+v", s)
	}

	c.ResetMetrics()
	if s := c.Metrics(); s != (Snapshot{}) {
		t.Fatalf("snapshot after reset: %+v", s)
	}
}

func TestCacheRange(t *testing.T) {
	t.Parallel()

	c := newTestCache(t, nil)
	c.Set("a", 1)
	c.Set("b", 2)
	c.Set("c", 3)

	seen := map[string]bool{}
	c.Range(func(key string, val []byte) bool {
		if val == nil {
			t.Fatal("values requested but not delivered")
		}
		seen[key] = true
		return true
	}, true, 0)
	if len(seen) != 3 || !seen["a"] || !seen["b"] || !seen["c"] {
		t.Fatalf("visited %v", seen)
	}

	count := 0
	c.Range(func(string, []byte) bool { count++; return true }, false, 2)
	if count != 2 {
		t.Fatalf("max-bounded range visited %d, want 2", count)
	}
}

func TestCacheConnectionHashStable(t *testing.T) {
	t.Parallel()

	conn := map[string]string{"host": "db", "database": "app"}
	a := newTestCache(t, func(cfg *Config) { cfg.Connection = conn })
	b := newTestCache(t, func(cfg *Config) { cfg.Connection = conn })
	if a.ConnectionHash() != b.ConnectionHash() {
		t.Fatal("same connection params must derive the same fingerprint")
	}
	if a.NodeID() == b.NodeID() {
		t.Fatal("distinct nodes must get distinct IDs")
	}
}

func TestCacheClosedOps(t *testing.T) {
	t.Parallel()

	c := newTestCache(t, nil)
	c.Set("k", "v")
	if err := c.Close(); err != nil {
		t.Fatal(err)
	}
	if err := c.Close(); err != nil {
		t.Fatal("second close must be a no-op")
	}

	var s string
	if c.Set("k", "v") || c.Get("k", &s) || c.Expire("k", false) {
		t.Fatal("operations must fail on a closed cache")
	}
}
