package arena

import (
	"bytes"
	"runtime"
)

// Block allocation: a tagged Treiber stack over the region's free-list head.
// The head word packs {tag:32, index:32}; the tag is bumped on every
// successful CAS so a block that is popped, reused, and pushed back cannot
// satisfy a stale compare (ABA).

// popBlock removes one block from the free list.
func (a *Arena) popBlock() (uint32, bool) {
	fh := a.r.U64(offFreeHead)
	for {
		h := fh.Load()
		idx := uint32(h)
		if idx == nilBlock {
			return 0, false
		}
		next := a.r.U32(a.blockOff(idx) + blkNext).Load()
		tag := uint32(h>>32) + 1
		if fh.CompareAndSwap(h, uint64(tag)<<32|uint64(next)) {
			a.r.U32(offFreeBlocks).Add(^uint32(0))
			return idx, true
		}
		runtime.Gosched()
	}
}

// pushBlock returns one block to the free list.
func (a *Arena) pushBlock(idx uint32) {
	fh := a.r.U64(offFreeHead)
	for {
		h := fh.Load()
		a.r.U32(a.blockOff(idx) + blkNext).Store(uint32(h))
		tag := uint32(h>>32) + 1
		if fh.CompareAndSwap(h, uint64(tag)<<32|uint64(idx)) {
			a.r.U32(offFreeBlocks).Add(1)
			return
		}
		runtime.Gosched()
	}
}

// writeChain allocates ceil(len(data)/payload) blocks, copies data into
// them, and returns the chain head. On allocation failure every block
// acquired so far is pushed back and ok is false: no leak, no partial
// commit. A zero-length chain is the nilBlock sentinel.
func (a *Arena) writeChain(data []byte) (head uint32, ok bool) {
	if len(data) == 0 {
		return nilBlock, true
	}
	head = nilBlock
	prev := nilBlock
	for len(data) > 0 {
		idx, got := a.popBlock()
		if !got {
			a.freeChain(head)
			return 0, false
		}
		n := len(data)
		if n > a.payload {
			n = a.payload
		}
		off := a.blockOff(idx)
		a.r.U32(off + blkNext).Store(nilBlock)
		a.r.U32(off + blkUsed).Store(uint32(n))
		copy(a.r.Slice(off+blockHeaderSize, n), data[:n])
		if prev == nilBlock {
			head = idx
		} else {
			a.r.U32(a.blockOff(prev) + blkNext).Store(idx)
		}
		prev = idx
		data = data[n:]
	}
	return head, true
}

// freeChain pushes every block of the chain back onto the free list.
// The next pointer is read before the push overwrites it.
func (a *Arena) freeChain(head uint32) {
	for idx := head; idx != nilBlock; {
		next := a.r.U32(a.blockOff(idx) + blkNext).Load()
		a.pushBlock(idx)
		idx = next
	}
}

// readChain copies length bytes out of the chain starting at head.
// Returns nil if the chain is malformed (cycle, bad lengths), which the
// caller treats as a torn read and retries against the slot version.
func (a *Arena) readChain(head uint32, length int) []byte {
	if length == 0 {
		return []byte{}
	}
	buf := make([]byte, 0, length)
	idx := head
	for hops := 0; idx != nilBlock && len(buf) < length; hops++ {
		if hops > a.blockCount || int(idx) >= a.blockCount {
			return nil
		}
		off := a.blockOff(idx)
		used := int(a.r.U32(off + blkUsed).Load())
		if used <= 0 || used > a.payload {
			return nil
		}
		if rem := length - len(buf); used > rem {
			used = rem
		}
		buf = append(buf, a.r.Slice(off+blockHeaderSize, used)...)
		idx = a.r.U32(off + blkNext).Load()
	}
	if len(buf) != length {
		return nil
	}
	return buf
}

// keyEquals compares the slot's key chain against key. A concurrent writer
// can mutate the chain mid-compare; callers re-validate the slot version
// after a positive result before trusting it.
func (a *Arena) keyEquals(off int, key []byte) bool {
	if int(a.r.U32(off+slotKeyLen).Load()) != len(key) {
		return false
	}
	idx := a.r.U32(off + slotKeyHead).Load()
	rem := key
	for hops := 0; idx != nilBlock && len(rem) > 0; hops++ {
		if hops > a.blockCount || int(idx) >= a.blockCount {
			return false
		}
		boff := a.blockOff(idx)
		used := int(a.r.U32(boff + blkUsed).Load())
		if used <= 0 || used > a.payload || used > len(rem) {
			return false
		}
		if !bytes.Equal(a.r.Slice(boff+blockHeaderSize, used), rem[:used]) {
			return false
		}
		rem = rem[used:]
		idx = a.r.U32(boff + blkNext).Load()
	}
	return len(rem) == 0
}
