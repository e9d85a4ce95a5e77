// Package wire implements the signed datagram envelope shared by the
// cluster transport and the discovery engine.
//
// An envelope carries an s2-compressed JSON body plus sender identity,
// timestamp, nonce, and an HMAC-SHA256 signature over all of them. Open
// rejects bad signatures, timestamps outside the skew window, and
// (sender, nonce) pairs already seen.
package wire

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	jsoniter "github.com/json-iterator/go"
	"github.com/klauspost/compress/s2"
	"github.com/pkg/errors"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Classified rejection reasons. Callers drop the datagram either way; the
// distinction only feeds logs and counters.
var (
	ErrMalformed      = errors.New("wire: malformed datagram")
	ErrBadSignature   = errors.New("wire: bad signature")
	ErrStaleTimestamp = errors.New("wire: timestamp outside skew window")
	ErrReplay         = errors.New("wire: replayed nonce")
)

// Envelope is the outer datagram frame.
type Envelope struct {
	Sender    string `json:"sender"`
	Timestamp int64  `json:"ts"` // UnixMilli
	Nonce     string `json:"nonce"`
	Body      []byte `json:"body"` // s2-compressed JSON payload
	Signature string `json:"sig"`  // hex HMAC-SHA256
}

// Seal marshals payload, compresses it, and wraps it in a signed envelope
// ready to send. now is UnixNano.
func Seal(sender string, payload any, secret []byte, now int64) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.Wrap(err, "wire: marshal payload")
	}
	env := Envelope{
		Sender:    sender,
		Timestamp: now / int64(time.Millisecond),
		Nonce:     uuid.NewString(),
		Body:      s2.Encode(nil, body),
	}
	env.Signature = hex.EncodeToString(sign(secret, &env))
	out, err := json.Marshal(&env)
	if err != nil {
		return nil, errors.Wrap(err, "wire: marshal envelope")
	}
	return out, nil
}

// Open validates data against secret, the skew window, and the replay
// cache, and returns the decompressed payload bytes and the sender ID.
// now is UnixNano; replay may be nil to skip replay protection.
func Open(data, secret []byte, maxSkew time.Duration, now int64, replay *ReplayCache) (payload []byte, sender string, err error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, "", ErrMalformed
	}
	if env.Sender == "" || env.Nonce == "" {
		return nil, "", ErrMalformed
	}
	sig, err := hex.DecodeString(env.Signature)
	if err != nil || !hmac.Equal(sig, sign(secret, &env)) {
		return nil, "", ErrBadSignature
	}
	if maxSkew > 0 {
		skew := now/int64(time.Millisecond) - env.Timestamp
		if skew < 0 {
			skew = -skew
		}
		if skew > maxSkew.Milliseconds() {
			return nil, "", ErrStaleTimestamp
		}
	}
	// Replay check comes after authentication so unauthenticated traffic
	// cannot poison the nonce cache.
	if replay != nil && replay.seen(env.Sender+"/"+env.Nonce) {
		return nil, "", ErrReplay
	}
	body, err := s2.Decode(nil, env.Body)
	if err != nil {
		return nil, "", ErrMalformed
	}
	return body, env.Sender, nil
}

// Unmarshal decodes an opened payload into v.
func Unmarshal(payload []byte, v any) error {
	if err := json.Unmarshal(payload, v); err != nil {
		return ErrMalformed
	}
	return nil
}

func sign(secret []byte, env *Envelope) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(env.Sender))
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(env.Timestamp))
	mac.Write(ts[:])
	mac.Write([]byte(env.Nonce))
	mac.Write(env.Body)
	return mac.Sum(nil)
}

// ReplayCache is a bounded recently-seen set of (sender, nonce) pairs.
// Safe for concurrent use.
type ReplayCache struct {
	c *lru.Cache[string, struct{}]
}

// NewReplayCache creates a replay cache holding up to size entries.
func NewReplayCache(size int) *ReplayCache {
	if size <= 0 {
		size = 4096
	}
	c, _ := lru.New[string, struct{}](size) // only errors on size <= 0
	return &ReplayCache{c: c}
}

// seen marks the pair and reports whether it was already present.
func (r *ReplayCache) seen(key string) bool {
	found, _ := r.c.ContainsOrAdd(key, struct{}{})
	return found
}
