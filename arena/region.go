package arena

import (
	"os"
	"sync/atomic"
	"unsafe"

	"github.com/pkg/errors"
)

// Region is a fixed-size shared memory segment. It is either anonymous
// (visible to this process and any children sharing the mapping) or backed
// by a file mapped MAP_SHARED, in which case unrelated processes attach to
// the same bytes by mapping the same path.
//
// Accessors hand out atomic views into the mapped bytes; callers are
// responsible for using 8-byte-aligned offsets (the layout in layout.go
// guarantees this).
type Region struct {
	data []byte
	f    *os.File
}

// NewAnonRegion maps size bytes of anonymous shared memory.
func NewAnonRegion(size int) (*Region, error) {
	if size <= 0 {
		return nil, errors.New("region: size must be > 0")
	}
	data, err := mapAnon(size)
	if err != nil {
		return nil, errors.Wrap(err, "region: anonymous mmap")
	}
	return &Region{data: data}, nil
}

// CreateRegion creates (or truncates) path and maps it read-write shared.
// The file is zero-filled to size.
func CreateRegion(path string, size int) (*Region, error) {
	if size <= 0 {
		return nil, errors.New("region: size must be > 0")
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, errors.Wrap(err, "region: create")
	}
	if err := f.Truncate(int64(size)); err != nil {
		_ = f.Close()
		return nil, errors.Wrap(err, "region: truncate")
	}
	data, err := mapFile(f, size)
	if err != nil {
		_ = f.Close()
		return nil, errors.Wrap(err, "region: mmap")
	}
	return &Region{data: data, f: f}, nil
}

// AttachRegion maps an existing region file without modifying it.
// Header validation is the caller's job (see Open).
func AttachRegion(path string) (*Region, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, errors.Wrap(err, "region: open")
	}
	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, errors.Wrap(err, "region: stat")
	}
	if st.Size() < headerSize {
		_ = f.Close()
		return nil, errors.Errorf("region: %s too small (%d bytes)", path, st.Size())
	}
	data, err := mapFile(f, int(st.Size()))
	if err != nil {
		_ = f.Close()
		return nil, errors.Wrap(err, "region: mmap")
	}
	return &Region{data: data, f: f}, nil
}

// Len returns the mapped size in bytes.
func (r *Region) Len() int { return len(r.data) }

// Close unmaps the segment and closes the backing file, if any.
// Idempotent.
func (r *Region) Close() error {
	if r.data == nil {
		return nil
	}
	err := unmap(r.data)
	r.data = nil
	if r.f != nil {
		if cerr := r.f.Close(); err == nil {
			err = cerr
		}
		r.f = nil
	}
	return err
}

// U32 returns an atomic view of the uint32 at off.
func (r *Region) U32(off int) *atomic.Uint32 {
	return (*atomic.Uint32)(unsafe.Pointer(&r.data[off]))
}

// U64 returns an atomic view of the uint64 at off. off must be 8-aligned.
func (r *Region) U64(off int) *atomic.Uint64 {
	return (*atomic.Uint64)(unsafe.Pointer(&r.data[off]))
}

// I64 returns an atomic view of the int64 at off. off must be 8-aligned.
func (r *Region) I64(off int) *atomic.Int64 {
	return (*atomic.Int64)(unsafe.Pointer(&r.data[off]))
}

// Slice returns the n raw bytes at off. The slice aliases the mapping and
// becomes invalid after Close.
func (r *Region) Slice(off, n int) []byte {
	return r.data[off : off+n : off+n]
}
