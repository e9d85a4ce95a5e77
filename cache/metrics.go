package cache

import "github.com/meshcache/meshcache/internal/util"

// Metrics exposes cache-level observability hooks. A NoopMetrics
// implementation is provided and used by default; plug the metrics/prom
// adapter to export to Prometheus. Metrics is a passive observer: nothing
// in the cache changes behavior based on it.
type Metrics interface {
	Hit()
	Miss()
	Set(ok bool)
	Expire()
	Sweep(checked, freed int)
	Flush(keys int)
	Apply(keys int)
}

// NoopMetrics is a drop-in Metrics implementation that does nothing.
type NoopMetrics struct{}

func (NoopMetrics) Hit()                     {}
func (NoopMetrics) Miss()                    {}
func (NoopMetrics) Set(bool)                 {}
func (NoopMetrics) Expire()                  {}
func (NoopMetrics) Sweep(checked, freed int) {}
func (NoopMetrics) Flush(keys int)           {}
func (NoopMetrics) Apply(keys int)           {}

// Ensure NoopMetrics implements the Metrics interface at compile time.
var _ Metrics = NoopMetrics{}

// Snapshot is a point-in-time copy of the facade's counters.
type Snapshot struct {
	Hits         uint64
	Misses       uint64
	Sets         uint64
	SetFailures  uint64
	Expires      uint64
	SweepChecked uint64
	SweepFreed   uint64
	FlushedKeys  uint64
	AppliedKeys  uint64
}

// counters are hot, updated from data-plane and background goroutines,
// so each lives on its own cache line.
type counters struct {
	hits         util.PaddedAtomicUint64
	misses       util.PaddedAtomicUint64
	sets         util.PaddedAtomicUint64
	setFailures  util.PaddedAtomicUint64
	expires      util.PaddedAtomicUint64
	sweepChecked util.PaddedAtomicUint64
	sweepFreed   util.PaddedAtomicUint64
	flushedKeys  util.PaddedAtomicUint64
	appliedKeys  util.PaddedAtomicUint64
}

func (c *counters) snapshot() Snapshot {
	return Snapshot{
		Hits:         c.hits.Load(),
		Misses:       c.misses.Load(),
		Sets:         c.sets.Load(),
		SetFailures:  c.setFailures.Load(),
		Expires:      c.expires.Load(),
		SweepChecked: c.sweepChecked.Load(),
		SweepFreed:   c.sweepFreed.Load(),
		FlushedKeys:  c.flushedKeys.Load(),
		AppliedKeys:  c.appliedKeys.Load(),
	}
}

func (c *counters) reset() {
	c.hits.Store(0)
	c.misses.Store(0)
	c.sets.Store(0)
	c.setFailures.Store(0)
	c.expires.Store(0)
	c.sweepChecked.Store(0)
	c.sweepFreed.Store(0)
	c.flushedKeys.Store(0)
	c.appliedKeys.Store(0)
}
