// Package cache composes the shared-memory arena, the cluster transport,
// and the discovery engine into the public cache surface.
//
// Data flow
//
//	Set(key, v)  -> codec -> arena.Put -> on success, queue key for broadcast
//	(remote)     -> transport OnKeys -> Expire(key, broadcast=false)
//
// A Cache owns the lifetimes of its arena, transport, discovery engine,
// and background tasks (sweep, metrics log), and tears them down together
// in Close. Background tasks each process a bounded amount of work per
// tick and are cancelled independently of any caller.
//
// Data-plane operations never return errors for ordinary miss, expiry, or
// exhaustion conditions; they degrade to "miss" or "no-op". The cache is
// advisory: a false from Set means the value is simply not cached.
//
// Basic usage
//
//	c, err := cache.New(cache.Config{
//	    MemoryBytes: 64 << 20,
//	    Connection:  map[string]string{"host": "db1", "database": "app"},
//	    Cluster:     []string{"10.0.0.2:11299"},
//	})
//	if err != nil { ... }
//	defer c.Close()
//
//	c.Set("query:fingerprint", result, 5*time.Minute)
//	var out Result
//	if c.Get("query:fingerprint", &out) {
//	    // hit
//	}
//	c.Expire("query:fingerprint", true) // also invalidate on peers
//
// With discovery, peers sharing the same connection identity are found
// and wired automatically:
//
//	c.StartDiscovery()
package cache
