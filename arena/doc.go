// Package arena implements a shared-memory cache region: an open-addressed
// slot dictionary mapping keys to chains of fixed-size blocks, with a
// lock-free CAS free list for block allocation.
//
// Design
//
//   - Region: one contiguous mmap'd segment (anonymous shared memory, or a
//     file-backed MAP_SHARED mapping so independent processes can attach to
//     the same cache). All references inside the region are offsets and
//     block indices, never pointers.
//
//   - Dictionary: a power-of-two slot table probed with a linear ring.
//     Keys hash with 32-bit FNV-1a. Each slot carries a state word
//     (Empty/Locked/Ready/Tombstone); every mutation claims the slot by
//     CAS-ing it to Locked, so independent keys never contend.
//
//   - Chains: key and value bytes live in singly linked chains of
//     fixed-size blocks. Blocks are popped from / pushed to a tagged CAS
//     stack (the tag defeats ABA). A block belongs to exactly one chain or
//     to the free list at any instant.
//
//   - Updates: a replacement value chain is fully written before the
//     slot's value head is swapped; the old chain is freed only after the
//     swap is published. Readers copy the chain and then re-validate the
//     slot's version counter, retrying if a writer raced them, so a torn
//     or reused-block read is never returned.
//
//   - Expiration is TTL-only: lazy on Get, proactive via Sweep, which
//     advances a rotating cursor and checks a bounded number of slots per
//     call. There is no LRU/LFU machinery.
//
//   - Failure semantics: Put returns false when blocks or slots run out.
//     The arena is advisory storage; callers fall through to the uncached
//     path on failure.
//
// All operations are synchronous compute-and-memory work; nothing in this
// package performs I/O after the region is mapped.
package arena
