package arena

// On-region layout. Every multi-byte field sits at an 8-byte-aligned offset
// so atomic access is valid on all supported platforms. All values are
// little-endian native; the region is not portable across architectures.

const (
	regionMagic   = 0x4d455348 // "MESH"
	regionVersion = 1

	// header fields (64 bytes reserved)
	headerSize     = 64
	offMagic       = 0
	offVersion     = 4
	offBlockSize   = 8
	offDictCap     = 12
	offBlockCount  = 16
	offUsedSlots   = 20 // advisory live-entry count
	offFreeHead    = 24 // u64: {tag:32, block index:32} tagged CAS stack head
	offSweepCursor = 32 // u64: rotating sweep position
	offFreeBlocks  = 40 // u32: advisory free-block count

	// slot record (40 bytes)
	slotSize      = 40
	slotState     = 0  // u32: empty/locked/ready/tombstone
	slotHash      = 4  // u32: FNV-1a of the key
	slotVersion   = 8  // u32: bumped on every publish; read-side torn-copy guard
	slotKeyHead   = 12 // u32: first block of the key chain
	slotValueHead = 16 // u32: first block of the value chain
	slotKeyLen    = 20 // u32
	slotValueLen  = 24 // u32
	slotExpires   = 32 // i64: absolute UnixNano deadline, 0 = no TTL

	// block header (payload follows)
	blockHeaderSize = 8
	blkNext         = 0 // u32: next block index or nilBlock
	blkUsed         = 4 // u32: valid payload bytes in this block
)

// Slot states. Ready->Locked via CAS gates all mutation.
const (
	slotEmpty uint32 = iota
	slotLocked
	slotReady
	slotTombstone
)

// nilBlock terminates chains and marks an empty free list.
const nilBlock = ^uint32(0)
