package discovery

import "time"

// Member is a remote node tracked by the discovery protocol. A member is
// created on its first authenticated announce, refreshed on keepalives,
// and removed on an explicit leave or once it misses keepalives for
// 1.5x its advertised TTL.
type Member struct {
	NodeID         string
	Addr           string
	PackageName    string
	PackageVersion string
	Connections    []string
	DiscoveryPort  int
	CachePort      int
	TTL            time.Duration
	LastSeen       time.Time

	// Shared is true when the member advertises a connection identity
	// matching ours; only shared members receive invalidations.
	Shared bool
}

// expired reports whether the member missed keepalives past the grace
// window (ttl * 1.5).
func (m *Member) expired(now time.Time) bool {
	return now.Sub(m.LastSeen) > m.TTL*3/2
}

// announce is the discovery datagram payload inside the wire envelope.
type announce struct {
	NodeID         string   `json:"node_id"`
	PackageName    string   `json:"package"`
	PackageVersion string   `json:"package_version"`
	Addr           string   `json:"addr,omitempty"` // optional; receivers prefer the datagram source IP
	DiscoveryPort  int      `json:"discovery_port"`
	CachePort      int      `json:"cache_port"`
	TTLSeconds     int      `json:"ttl"`
	Connections    []string `json:"connections"`
	Leave          bool     `json:"leave,omitempty"`
}
