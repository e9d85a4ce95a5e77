// Package prom exports cache metrics to Prometheus.
package prom

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/meshcache/meshcache/cache"
)

// Adapter implements cache.Metrics and exports Prometheus counters.
// Safe for concurrent use; all Prometheus metric types are goroutine-safe.
type Adapter struct {
	hits    prometheus.Counter
	misses  prometheus.Counter
	sets    *prometheus.CounterVec
	expires prometheus.Counter
	sweeps  *prometheus.CounterVec
	flushed prometheus.Counter
	applied prometheus.Counter
}

// New constructs a Prometheus metrics adapter.
//   - reg:          registry to register metrics with (nil => prometheus.DefaultRegisterer)
//   - ns, sub:      Prometheus namespace and subsystem
//   - constLabels:  static labels applied to all metrics (may be nil)
func New(reg prometheus.Registerer, ns, sub string, constLabels prometheus.Labels) *Adapter {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	a := &Adapter{
		hits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "hits_total",
			Help:        "Cache hits",
			ConstLabels: constLabels,
		}),
		misses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "misses_total",
			Help:        "Cache misses",
			ConstLabels: constLabels,
		}),
		sets: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   ns,
				Subsystem:   sub,
				Name:        "sets_total",
				Help:        "Cache set attempts by result",
				ConstLabels: constLabels,
			},
			[]string{"result"},
		),
		expires: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "expires_total",
			Help:        "Local expirations (explicit and remote-applied)",
			ConstLabels: constLabels,
		}),
		sweeps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   ns,
				Subsystem:   sub,
				Name:        "sweep_slots_total",
				Help:        "Sweep activity by outcome",
				ConstLabels: constLabels,
			},
			[]string{"outcome"},
		),
		flushed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "invalidations_flushed_total",
			Help:        "Keys flushed to cluster peers",
			ConstLabels: constLabels,
		}),
		applied: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "invalidations_applied_total",
			Help:        "Remote invalidation keys applied locally",
			ConstLabels: constLabels,
		}),
	}
	reg.MustRegister(a.hits, a.misses, a.sets, a.expires, a.sweeps, a.flushed, a.applied)
	return a
}

// Hit increments the hit counter.
func (a *Adapter) Hit() { a.hits.Inc() }

// Miss increments the miss counter.
func (a *Adapter) Miss() { a.misses.Inc() }

// Set increments the set counter labeled by result.
func (a *Adapter) Set(ok bool) {
	if ok {
		a.sets.WithLabelValues("ok").Inc()
	} else {
		a.sets.WithLabelValues("failed").Inc()
	}
}

// Expire increments the expiration counter.
func (a *Adapter) Expire() { a.expires.Inc() }

// Sweep records one sweep pass.
func (a *Adapter) Sweep(checked, freed int) {
	a.sweeps.WithLabelValues("checked").Add(float64(checked))
	a.sweeps.WithLabelValues("freed").Add(float64(freed))
}

// Flush records keys fanned out to peers.
func (a *Adapter) Flush(keys int) { a.flushed.Add(float64(keys)) }

// Apply records remote keys applied locally.
func (a *Adapter) Apply(keys int) { a.applied.Add(float64(keys)) }

// Compile-time check: ensure Adapter implements cache.Metrics.
var _ cache.Metrics = (*Adapter)(nil)
