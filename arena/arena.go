package arena

import (
	"runtime"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/meshcache/meshcache/internal/util"
)

// Retry budgets for bounded CAS contention. Slot locks are held only for
// the duration of a chain write, so a handful of yields is plenty; after
// the budget the operation degrades to a miss / failed put.
const (
	putRetries = 64
	getRetries = 64
)

// Config sizes the shared region. Zero values get defaults in New.
type Config struct {
	// Path of the backing file. Empty means an anonymous shared mapping
	// (single process and its children only).
	Path string

	// MemoryBytes is the total region size including header and dictionary.
	MemoryBytes int

	// BlockSize is the full block size in bytes including its 8-byte
	// header. Must be a multiple of 8 and at least 16.
	BlockSize int

	// DictCapacity is the slot count, rounded up to a power of two.
	DictCapacity int

	// Now overrides the time source (UnixNano). Nil means time.Now.
	Now func() int64
}

const (
	defaultMemoryBytes  = 16 << 20
	defaultBlockSize    = 256
	defaultDictCapacity = 1 << 14
)

// SweepResult reports one Sweep pass.
type SweepResult struct {
	Checked int
	Freed   int
}

// Stats is a point-in-time view of region occupancy. UsedSlots and
// FreeBlocks are advisory counters and may be momentarily stale under
// concurrent mutation.
type Stats struct {
	DictCapacity int
	BlockSize    int
	BlockCount   int
	UsedSlots    uint32
	FreeBlocks   uint32
}

// ForEachOptions controls Arena.ForEach.
type ForEachOptions struct {
	// IncludeValues copies value bytes for each entry; otherwise the
	// callback receives a nil value slice.
	IncludeValues bool
	// MaxEntries stops iteration after this many live entries (0 = all).
	MaxEntries int
}

// Arena is the process handle to a shared cache region. It is safe for
// concurrent use by multiple goroutines, and for concurrent use by
// multiple processes when the region is file-backed.
type Arena struct {
	r      *Region
	now    func() int64
	closed atomic.Bool

	blockSize  int
	payload    int // blockSize minus block header
	dictCap    int
	mask       uint32
	blockCount int
	blocksOff  int
}

// New creates and initializes a region from cfg. An existing file at
// cfg.Path is overwritten; use Open to attach to a live region instead.
func New(cfg Config) (*Arena, error) {
	if cfg.MemoryBytes <= 0 {
		cfg.MemoryBytes = defaultMemoryBytes
	}
	if cfg.BlockSize <= 0 {
		cfg.BlockSize = defaultBlockSize
	}
	if cfg.BlockSize < 16 || cfg.BlockSize%8 != 0 {
		return nil, errors.Errorf("arena: block size %d must be a multiple of 8, >= 16", cfg.BlockSize)
	}
	if cfg.DictCapacity <= 0 {
		cfg.DictCapacity = defaultDictCapacity
	}
	dictCap := int(util.NextPow2(uint64(cfg.DictCapacity)))

	dictBytes := dictCap * slotSize
	blockCount := (cfg.MemoryBytes - headerSize - dictBytes) / cfg.BlockSize
	if blockCount < 1 {
		return nil, errors.Errorf("arena: %d bytes cannot hold a %d-slot dictionary and at least one %d-byte block",
			cfg.MemoryBytes, dictCap, cfg.BlockSize)
	}

	size := headerSize + dictBytes + blockCount*cfg.BlockSize
	var (
		r   *Region
		err error
	)
	if cfg.Path == "" {
		r, err = NewAnonRegion(size)
	} else {
		r, err = CreateRegion(cfg.Path, size)
	}
	if err != nil {
		return nil, err
	}

	a := &Arena{
		r:          r,
		now:        cfg.Now,
		blockSize:  cfg.BlockSize,
		payload:    cfg.BlockSize - blockHeaderSize,
		dictCap:    dictCap,
		mask:       uint32(dictCap - 1),
		blockCount: blockCount,
		blocksOff:  headerSize + dictBytes,
	}
	if a.now == nil {
		a.now = func() int64 { return time.Now().UnixNano() }
	}
	a.initRegion()
	return a, nil
}

// Open attaches to an existing file-backed region initialized by New in
// this or another process. Geometry comes from the region header.
func Open(path string) (*Arena, error) {
	return OpenWithClock(path, nil)
}

// OpenWithClock is Open with an overridden time source.
func OpenWithClock(path string, now func() int64) (*Arena, error) {
	r, err := AttachRegion(path)
	if err != nil {
		return nil, err
	}
	if got := r.U32(offMagic).Load(); got != regionMagic {
		_ = r.Close()
		return nil, errors.Errorf("arena: %s is not a cache region (magic %#x)", path, got)
	}
	if got := r.U32(offVersion).Load(); got != regionVersion {
		_ = r.Close()
		return nil, errors.Errorf("arena: region version %d, want %d", got, regionVersion)
	}
	a := &Arena{
		r:          r,
		now:        now,
		blockSize:  int(r.U32(offBlockSize).Load()),
		dictCap:    int(r.U32(offDictCap).Load()),
		blockCount: int(r.U32(offBlockCount).Load()),
	}
	if a.now == nil {
		a.now = func() int64 { return time.Now().UnixNano() }
	}
	if a.blockSize < 16 || a.dictCap < 1 || !util.IsPowerOfTwo(uint64(a.dictCap)) {
		_ = r.Close()
		return nil, errors.Errorf("arena: corrupt region header in %s", path)
	}
	a.payload = a.blockSize - blockHeaderSize
	a.mask = uint32(a.dictCap - 1)
	a.blocksOff = headerSize + a.dictCap*slotSize
	if want := a.blocksOff + a.blockCount*a.blockSize; r.Len() < want {
		_ = r.Close()
		return nil, errors.Errorf("arena: region %s truncated: %d bytes, want %d", path, r.Len(), want)
	}
	return a, nil
}

// initRegion lays out the header and links every block into the free list.
// The mapping is freshly zero-filled, so slots start Empty.
func (a *Arena) initRegion() {
	r := a.r
	r.U32(offBlockSize).Store(uint32(a.blockSize))
	r.U32(offDictCap).Store(uint32(a.dictCap))
	r.U32(offBlockCount).Store(uint32(a.blockCount))
	for i := 0; i < a.blockCount; i++ {
		next := nilBlock
		if i+1 < a.blockCount {
			next = uint32(i + 1)
		}
		off := a.blockOff(uint32(i))
		r.U32(off + blkNext).Store(next)
		r.U32(off + blkUsed).Store(0)
	}
	r.U64(offFreeHead).Store(0) // tag 0, head block 0
	r.U32(offFreeBlocks).Store(uint32(a.blockCount))
	r.U32(offVersion).Store(regionVersion)
	// Magic last: attachers treat the region as valid once it appears.
	r.U32(offMagic).Store(regionMagic)
}

func (a *Arena) slotOff(idx uint32) int  { return headerSize + int(idx)*slotSize }
func (a *Arena) blockOff(idx uint32) int { return a.blocksOff + int(idx)*a.blockSize }

// Put inserts or replaces key's value. ttl <= 0 stores without expiry.
// Returns false on exhaustion (no free blocks, or a full ring with no
// empty, matching, or tombstone slot) or unresolved contention; the cache
// is advisory and the caller falls through to the uncached path.
func (a *Arena) Put(key, val []byte, ttl time.Duration) bool {
	if a.closed.Load() || len(key) == 0 {
		return false
	}
	h := util.Fnv32a(key)
	var exp int64
	if ttl > 0 {
		exp = a.now() + int64(ttl)
	}
	for attempt := 0; attempt < putRetries; attempt++ {
		if ok, done := a.tryPut(h, key, val, exp); done {
			return ok
		}
		runtime.Gosched()
	}
	return false
}

// tryPut performs one full probe of the ring. done is false when a CAS
// race requires restarting the probe.
func (a *Arena) tryPut(h uint32, key, val []byte, exp int64) (ok, done bool) {
	firstTomb := int64(-1)
	for i := uint32(0); i < uint32(a.dictCap); i++ {
		off := a.slotOff((h + i) & a.mask)
		switch a.r.U32(off + slotState).Load() {
		case slotEmpty:
			// End of the probe chain: no live match exists. Insert at the
			// first tombstone seen, if any, to bound table growth.
			target, expect := off, slotEmpty
			if firstTomb >= 0 {
				target, expect = int(firstTomb), slotTombstone
			}
			if !a.r.U32(target+slotState).CompareAndSwap(expect, slotLocked) {
				return false, false
			}
			return a.insertLocked(target, expect, h, key, val, exp), true

		case slotReady:
			if a.r.U32(off+slotHash).Load() != h || !a.keyEquals(off, key) {
				continue
			}
			if !a.r.U32(off+slotState).CompareAndSwap(slotReady, slotLocked) {
				return false, false
			}
			// The slot may have been deleted and reused between the match
			// and the claim; verify under the lock.
			if a.r.U32(off+slotHash).Load() != h || !a.keyEquals(off, key) {
				a.r.U32(off + slotState).Store(slotReady)
				return false, false
			}
			return a.updateLocked(off, val, exp), true

		case slotTombstone:
			if firstTomb < 0 {
				firstTomb = int64(off)
			}

		case slotLocked:
			// Another op holds this slot; it may be our key. Restart.
			return false, false
		}
	}
	if firstTomb >= 0 {
		if !a.r.U32(int(firstTomb)+slotState).CompareAndSwap(slotTombstone, slotLocked) {
			return false, false
		}
		return a.insertLocked(int(firstTomb), slotTombstone, h, key, val, exp), true
	}
	return false, true // ring exhausted
}

// insertLocked writes a fresh entry into a slot claimed from prev
// (Empty or Tombstone). On allocation failure the slot is restored.
func (a *Arena) insertLocked(off int, prev, h uint32, key, val []byte, exp int64) bool {
	kHead, ok := a.writeChain(key)
	if !ok {
		a.r.U32(off + slotState).Store(prev)
		return false
	}
	vHead, ok := a.writeChain(val)
	if !ok {
		a.freeChain(kHead)
		a.r.U32(off + slotState).Store(prev)
		return false
	}
	r := a.r
	r.U32(off + slotHash).Store(h)
	r.U32(off + slotKeyHead).Store(kHead)
	r.U32(off + slotKeyLen).Store(uint32(len(key)))
	r.U32(off + slotValueHead).Store(vHead)
	r.U32(off + slotValueLen).Store(uint32(len(val)))
	r.I64(off + slotExpires).Store(exp)
	r.U32(off + slotVersion).Add(1)
	r.U32(offUsedSlots).Add(1)
	r.U32(off + slotState).Store(slotReady)
	return true
}

// updateLocked replaces the value of a claimed Ready slot. The new chain
// is fully written before the head swap is published (copy-then-publish);
// the old chain is freed only afterwards. Readers catch the swap through
// the slot version.
func (a *Arena) updateLocked(off int, val []byte, exp int64) bool {
	newHead, ok := a.writeChain(val)
	if !ok {
		// Keep the old value; a failed put must not lose data.
		a.r.U32(off + slotState).Store(slotReady)
		return false
	}
	r := a.r
	oldHead := r.U32(off + slotValueHead).Load()
	r.U32(off + slotValueHead).Store(newHead)
	r.U32(off + slotValueLen).Store(uint32(len(val)))
	r.I64(off + slotExpires).Store(exp)
	r.U32(off + slotVersion).Add(1)
	r.U32(off + slotState).Store(slotReady)
	a.freeChain(oldHead)
	return true
}

// Get returns a copy of key's value, or nil on miss, expiry, or unresolved
// contention. An expired entry is reclaimed on the way out.
func (a *Arena) Get(key []byte) []byte {
	if a.closed.Load() || len(key) == 0 {
		return nil
	}
	h := util.Fnv32a(key)
	for attempt := 0; attempt < getRetries; attempt++ {
		if v, done := a.tryGet(h, key); done {
			return v
		}
		runtime.Gosched()
	}
	return nil
}

func (a *Arena) tryGet(h uint32, key []byte) (val []byte, done bool) {
	for i := uint32(0); i < uint32(a.dictCap); i++ {
		off := a.slotOff((h + i) & a.mask)
		switch a.r.U32(off + slotState).Load() {
		case slotEmpty:
			return nil, true
		case slotLocked:
			// Possibly our key mid-write; retry the probe shortly.
			return nil, false
		case slotTombstone:
			continue
		case slotReady:
			if a.r.U32(off+slotHash).Load() != h {
				continue
			}
			ver := a.r.U32(off + slotVersion).Load()
			if !a.keyEquals(off, key) {
				// A mutated slot can produce a garbage compare; only trust
				// the mismatch if the slot was stable throughout.
				if a.r.U32(off+slotVersion).Load() != ver {
					return nil, false
				}
				continue
			}
			exp := a.r.I64(off + slotExpires).Load()
			if a.r.U32(off+slotVersion).Load() != ver || a.r.U32(off+slotState).Load() != slotReady {
				return nil, false
			}
			if exp > 0 && a.now() > exp {
				a.reclaimExpired(off)
				return nil, true
			}
			head := a.r.U32(off + slotValueHead).Load()
			vlen := int(a.r.U32(off + slotValueLen).Load())
			buf := a.readChain(head, vlen)
			// Torn-read guard: the copy is only valid if no writer
			// published while we read the chain.
			if buf == nil ||
				a.r.U32(off+slotVersion).Load() != ver ||
				a.r.U32(off+slotState).Load() != slotReady {
				return nil, false
			}
			return buf, true
		}
	}
	return nil, true
}

// Delete removes key and returns whether a live, unexpired entry existed.
func (a *Arena) Delete(key []byte) bool {
	if a.closed.Load() || len(key) == 0 {
		return false
	}
	h := util.Fnv32a(key)
	for attempt := 0; attempt < putRetries; attempt++ {
		if ok, done := a.tryDelete(h, key); done {
			return ok
		}
		runtime.Gosched()
	}
	return false
}

func (a *Arena) tryDelete(h uint32, key []byte) (ok, done bool) {
	for i := uint32(0); i < uint32(a.dictCap); i++ {
		off := a.slotOff((h + i) & a.mask)
		switch a.r.U32(off + slotState).Load() {
		case slotEmpty:
			return false, true
		case slotLocked:
			return false, false
		case slotTombstone:
			continue
		case slotReady:
			if a.r.U32(off+slotHash).Load() != h || !a.keyEquals(off, key) {
				continue
			}
			if !a.r.U32(off+slotState).CompareAndSwap(slotReady, slotLocked) {
				return false, false
			}
			if a.r.U32(off+slotHash).Load() != h || !a.keyEquals(off, key) {
				a.r.U32(off + slotState).Store(slotReady)
				return false, false
			}
			expired := false
			if exp := a.r.I64(off + slotExpires).Load(); exp > 0 && a.now() > exp {
				expired = true
			}
			a.freeSlotLocked(off)
			return !expired, true
		}
	}
	return false, true
}

// freeSlotLocked releases both chains of a claimed slot and tombstones it.
func (a *Arena) freeSlotLocked(off int) {
	r := a.r
	kHead := r.U32(off + slotKeyHead).Load()
	vHead := r.U32(off + slotValueHead).Load()
	r.U32(off + slotKeyHead).Store(nilBlock)
	r.U32(off + slotValueHead).Store(nilBlock)
	r.U32(off + slotKeyLen).Store(0)
	r.U32(off + slotValueLen).Store(0)
	r.U32(off + slotVersion).Add(1)
	r.U32(offUsedSlots).Add(^uint32(0))
	r.U32(off + slotState).Store(slotTombstone)
	a.freeChain(kHead)
	a.freeChain(vHead)
}

// reclaimExpired tombstones an expired Ready slot if it can claim it.
// Losing the claim is fine; the entry is reclaimed lazily later.
func (a *Arena) reclaimExpired(off int) {
	if !a.r.U32(off + slotState).CompareAndSwap(slotReady, slotLocked) {
		return
	}
	exp := a.r.I64(off + slotExpires).Load()
	if exp == 0 || a.now() <= exp {
		// Refreshed by a racing put between our check and the claim.
		a.r.U32(off + slotState).Store(slotReady)
		return
	}
	a.freeSlotLocked(off)
}

// Sweep advances the rotating cursor over up to maxChecks slots and frees
// any expired entries found. Sweeps use the same claim CAS as deletes, so
// they never race destructively with in-flight updates.
func (a *Arena) Sweep(maxChecks int) SweepResult {
	if a.closed.Load() || maxChecks <= 0 {
		return SweepResult{}
	}
	if maxChecks > a.dictCap {
		maxChecks = a.dictCap
	}
	start := a.r.U64(offSweepCursor).Add(uint64(maxChecks)) - uint64(maxChecks)
	now := a.now()
	res := SweepResult{Checked: maxChecks}
	for n := 0; n < maxChecks; n++ {
		off := a.slotOff(uint32(start+uint64(n)) & a.mask)
		if a.r.U32(off+slotState).Load() != slotReady {
			continue
		}
		exp := a.r.I64(off + slotExpires).Load()
		if exp == 0 || now <= exp {
			continue
		}
		if !a.r.U32(off + slotState).CompareAndSwap(slotReady, slotLocked) {
			continue
		}
		if exp := a.r.I64(off + slotExpires).Load(); exp == 0 || now <= exp {
			a.r.U32(off + slotState).Store(slotReady)
			continue
		}
		a.freeSlotLocked(off)
		res.Freed++
	}
	return res
}

// ForEach visits live, unexpired entries with copies of their key (and,
// optionally, value) bytes. Iteration is best-effort under concurrent
// mutation: entries torn mid-copy are skipped, not retried. Returning
// false from fn stops the walk.
func (a *Arena) ForEach(fn func(key, val []byte) bool, opts ForEachOptions) {
	if a.closed.Load() {
		return
	}
	now := a.now()
	visited := 0
	for idx := uint32(0); idx < uint32(a.dictCap); idx++ {
		off := a.slotOff(idx)
		if a.r.U32(off+slotState).Load() != slotReady {
			continue
		}
		ver := a.r.U32(off + slotVersion).Load()
		if exp := a.r.I64(off + slotExpires).Load(); exp > 0 && now > exp {
			continue
		}
		key := a.readChain(a.r.U32(off+slotKeyHead).Load(), int(a.r.U32(off+slotKeyLen).Load()))
		var val []byte
		if opts.IncludeValues {
			val = a.readChain(a.r.U32(off+slotValueHead).Load(), int(a.r.U32(off+slotValueLen).Load()))
			if val == nil {
				continue
			}
		}
		if key == nil ||
			a.r.U32(off+slotVersion).Load() != ver ||
			a.r.U32(off+slotState).Load() != slotReady {
			continue
		}
		if !fn(key, val) {
			return
		}
		visited++
		if opts.MaxEntries > 0 && visited >= opts.MaxEntries {
			return
		}
	}
}

// Reset removes every entry it can claim. Slots locked by in-flight
// operations are skipped; their owners republish afterwards, so Reset
// concurrent with writes is best-effort.
func (a *Arena) Reset() {
	if a.closed.Load() {
		return
	}
	for idx := uint32(0); idx < uint32(a.dictCap); idx++ {
		off := a.slotOff(idx)
		if a.r.U32(off + slotState).CompareAndSwap(slotReady, slotLocked) {
			a.freeSlotLocked(off)
		}
	}
}

// Stats returns advisory occupancy counters.
func (a *Arena) Stats() Stats {
	return Stats{
		DictCapacity: a.dictCap,
		BlockSize:    a.blockSize,
		BlockCount:   a.blockCount,
		UsedSlots:    a.r.U32(offUsedSlots).Load(),
		FreeBlocks:   a.r.U32(offFreeBlocks).Load(),
	}
}

// Close unmaps the region. Idempotent. Other processes attached to a
// file-backed region are unaffected.
func (a *Arena) Close() error {
	if !a.closed.CompareAndSwap(false, true) {
		return nil
	}
	return a.r.Close()
}
