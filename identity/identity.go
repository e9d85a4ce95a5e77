// Package identity derives the connection identity shared by nodes that
// point at the same logical backing store.
//
// Two nodes may exchange cache invalidations only when they cache the same
// database. Rather than compare raw connection parameters on the wire, each
// node derives a short fingerprint (advertised in discovery announces) and
// an HMAC secret (used to sign every datagram) from its own connection
// configuration. Nodes configured against the same store derive the same
// pair; nothing secret ever leaves the process.
package identity

import (
	"crypto/sha256"
	"fmt"
	"sort"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// Identity is a connection identity: a public fingerprint plus the
// symmetric key both protocols sign with.
type Identity struct {
	// Hash is the connection fingerprint advertised to peers.
	Hash string
	// Secret keys the HMAC on invalidation and discovery datagrams.
	Secret []byte
}

const secretDomain = "meshcache/secret/v1:"

// New derives an Identity from connection parameters (driver, host, port,
// database, and so on). Derivation is order-independent: parameters are
// canonicalized by sorted key before hashing.
func New(params map[string]string) Identity {
	s := canonical(params)
	sum := sha256.Sum256([]byte(secretDomain + s))
	return Identity{
		Hash:   fmt.Sprintf("%016x", xxhash.Sum64String(s)),
		Secret: sum[:],
	}
}

func canonical(params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(';')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(params[k])
	}
	return b.String()
}
