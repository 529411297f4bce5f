package guestmem

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

var (
	// ErrInvalidGuestAddress is returned when an address is not backed by any
	// region.
	ErrInvalidGuestAddress = errors.New("invalid guest address")

	// ErrInvalidRange is returned when an access starts inside guest memory
	// but does not fit into it.
	ErrInvalidRange = errors.New("invalid guest memory range")

	// ErrRegionOverlap is returned when two regions cover the same guest
	// addresses.
	ErrRegionOverlap = errors.New("guest memory regions overlap")
)

// Region maps a contiguous range of guest physical addresses onto host memory.
type Region struct {
	// GuestPhysicalAddress is the guest address of the first byte of Data.
	GuestPhysicalAddress GuestAddress
	// Data is the host memory backing this region.
	Data []byte

	// mapped is set when Data was allocated by FromRanges and must be unmapped
	// on Close.
	mapped bool
}

// Size returns the number of bytes covered by the region.
func (r *Region) Size() uint64 {
	return uint64(len(r.Data))
}

// last returns the highest guest address covered by the region.
func (r *Region) last() GuestAddress {
	return r.GuestPhysicalAddress.UncheckedAdd(r.Size() - 1)
}

func (r *Region) contains(addr GuestAddress) bool {
	off, ok := addr.CheckedOffsetFrom(r.GuestPhysicalAddress)
	return ok && off < r.Size()
}

// Range describes a region to allocate with [FromRanges].
type Range struct {
	Base GuestAddress
	Size uint64
}

// Memory is a guest physical address space made up of non-overlapping
// regions. The region table is immutable, so a Memory may be shared between
// goroutines. Accesses to the backing bytes are not synchronized beyond what
// the individual methods document.
type Memory struct {
	regions []Region
}

// NewMemory creates a guest address space from the given regions.
func NewMemory(regions ...Region) (*Memory, error) {
	rs := make([]Region, 0, len(regions))
	for _, r := range regions {
		if len(r.Data) == 0 {
			return nil, fmt.Errorf("%w: empty region at %s", ErrInvalidRange, r.GuestPhysicalAddress)
		}
		if _, ok := r.GuestPhysicalAddress.CheckedAdd(r.Size() - 1); !ok {
			return nil, fmt.Errorf("%w: region at %s with size %d wraps the address space",
				ErrInvalidRange, r.GuestPhysicalAddress, r.Size())
		}
		rs = append(rs, r)
	}

	sort.Slice(rs, func(i, j int) bool {
		return rs[i].GuestPhysicalAddress < rs[j].GuestPhysicalAddress
	})

	for i := 1; i < len(rs); i++ {
		if rs[i].GuestPhysicalAddress <= rs[i-1].last() {
			return nil, fmt.Errorf("%w: %s-%s and %s-%s", ErrRegionOverlap,
				rs[i-1].GuestPhysicalAddress, rs[i-1].last(), rs[i].GuestPhysicalAddress, rs[i].last())
		}
	}

	return &Memory{regions: rs}, nil
}

// FromRanges allocates anonymous, page aligned host memory for each range and
// returns the resulting guest address space. The memory must be released with
// [Memory.Close].
func FromRanges(ranges []Range) (_ *Memory, err error) {
	regions := make([]Region, 0, len(ranges))

	// Unmap whatever was already allocated when something fails.
	defer func() {
		if err != nil {
			for _, r := range regions {
				_ = unix.Munmap(r.Data)
			}
		}
	}()

	for _, rg := range ranges {
		if rg.Size == 0 {
			return nil, fmt.Errorf("%w: empty range at %s", ErrInvalidRange, rg.Base)
		}
		buf, err := unix.Mmap(-1, 0, int(rg.Size),
			unix.PROT_READ|unix.PROT_WRITE,
			unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
		if err != nil {
			return nil, fmt.Errorf("allocate guest memory at %s: %w", rg.Base, err)
		}
		regions = append(regions, Region{GuestPhysicalAddress: rg.Base, Data: buf, mapped: true})
	}

	return NewMemory(regions...)
}

// Close releases the host memory allocated by [FromRanges]. Regions that were
// passed in by the caller are left alone. The Memory must not be used after
// calling this.
func (m *Memory) Close() error {
	var errs []error
	for i := range m.regions {
		r := &m.regions[i]
		if !r.mapped {
			continue
		}
		if err := unix.Munmap(r.Data); err != nil {
			errs = append(errs, fmt.Errorf("release guest memory at %s: %w", r.GuestPhysicalAddress, err))
		}
		r.Data = nil
		r.mapped = false
	}
	return errors.Join(errs...)
}

// Regions returns a copy of the region table, ordered by guest address.
func (m *Memory) Regions() []Region {
	return append([]Region(nil), m.regions...)
}

func (m *Memory) findRegion(addr GuestAddress) *Region {
	i := sort.Search(len(m.regions), func(i int) bool {
		return m.regions[i].last() >= addr
	})
	if i < len(m.regions) && m.regions[i].contains(addr) {
		return &m.regions[i]
	}
	return nil
}

// AddressInRange reports whether addr is backed by a region.
func (m *Memory) AddressInRange(addr GuestAddress) bool {
	return m.findRegion(addr) != nil
}

// CheckRange reports whether all length bytes starting at addr are backed by
// guest memory. Adjacent regions are treated as contiguous.
func (m *Memory) CheckRange(addr GuestAddress, length uint64) bool {
	if length == 0 {
		return m.AddressInRange(addr)
	}
	return m.forEachChunk(addr, length, func([]byte, uint64) {}) == nil
}

// locate returns the host bytes backing [addr, addr+n) when they fall inside a
// single region.
func (m *Memory) locate(addr GuestAddress, n uint64) ([]byte, error) {
	r := m.findRegion(addr)
	if r == nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidGuestAddress, addr)
	}
	off := uint64(addr - r.GuestPhysicalAddress)
	if n > r.Size()-off {
		return nil, fmt.Errorf("%w: %d bytes at %s cross the end of the region", ErrInvalidRange, n, addr)
	}
	return r.Data[off : off+n], nil
}

// forEachChunk calls fn with consecutive host slices covering [addr,
// addr+length). done is the number of bytes already passed to fn.
func (m *Memory) forEachChunk(addr GuestAddress, length uint64, fn func(host []byte, done uint64)) error {
	var done uint64
	for done < length {
		r := m.findRegion(addr)
		if r == nil {
			if done == 0 {
				return fmt.Errorf("%w: %s", ErrInvalidGuestAddress, addr)
			}
			return fmt.Errorf("%w: %d bytes at %s", ErrInvalidRange, length, addr)
		}
		off := uint64(addr - r.GuestPhysicalAddress)
		n := min(length-done, r.Size()-off)
		fn(r.Data[off:off+n], done)
		done += n
		if done == length {
			break
		}
		next, ok := addr.CheckedAdd(n)
		if !ok {
			return fmt.Errorf("%w: %d bytes at %s wrap the address space", ErrInvalidRange, length, addr)
		}
		addr = next
	}
	return nil
}

// Read copies len(p) bytes starting at addr into p.
func (m *Memory) Read(p []byte, addr GuestAddress) error {
	return m.forEachChunk(addr, uint64(len(p)), func(host []byte, done uint64) {
		copy(p[done:], host)
	})
}

// Write copies p into guest memory starting at addr.
func (m *Memory) Write(p []byte, addr GuestAddress) error {
	// Validate the whole range first so a failed write leaves memory untouched.
	if len(p) > 0 && !m.CheckRange(addr, uint64(len(p))) {
		return fmt.Errorf("%w: %d bytes at %s", ErrInvalidRange, len(p), addr)
	}
	return m.forEachChunk(addr, uint64(len(p)), func(host []byte, done uint64) {
		copy(host, p[done:])
	})
}

// Slice returns the host bytes backing [addr, addr+length) without copying.
// The range must be contained in a single region. The guest may modify the
// returned bytes at any time.
func (m *Memory) Slice(addr GuestAddress, length uint64) ([]byte, error) {
	if length == 0 {
		if !m.AddressInRange(addr) {
			return nil, fmt.Errorf("%w: %s", ErrInvalidGuestAddress, addr)
		}
		return []byte{}, nil
	}
	return m.locate(addr, length)
}

// LoadUint16 atomically loads a little-endian uint16.
//
// There is no 16-bit atomic in sync/atomic, so the aligned 32-bit word holding
// the value is loaded instead when it lies inside the region. Otherwise the
// value is read with a plain load.
func (m *Memory) LoadUint16(addr GuestAddress) (uint16, error) {
	b, err := m.locate(addr, 2)
	if err != nil {
		return 0, err
	}
	if w, shift, ok := m.enclosingWord(addr, b); ok {
		var buf [4]byte
		binary.NativeEndian.PutUint32(buf[:], atomic.LoadUint32(w))
		return binary.LittleEndian.Uint16(buf[shift:]), nil
	}
	return binary.LittleEndian.Uint16(b), nil
}

// StoreUint16 atomically stores a little-endian uint16 without disturbing the
// neighbouring bytes of its 32-bit word.
func (m *Memory) StoreUint16(addr GuestAddress, v uint16) error {
	b, err := m.locate(addr, 2)
	if err != nil {
		return err
	}
	w, shift, ok := m.enclosingWord(addr, b)
	if !ok {
		binary.LittleEndian.PutUint16(b, v)
		return nil
	}
	for {
		old := atomic.LoadUint32(w)
		var buf [4]byte
		binary.NativeEndian.PutUint32(buf[:], old)
		binary.LittleEndian.PutUint16(buf[shift:], v)
		if atomic.CompareAndSwapUint32(w, old, binary.NativeEndian.Uint32(buf[:])) {
			return nil
		}
	}
}

// LoadUint32 atomically loads a little-endian uint32. Unaligned addresses fall
// back to a plain load.
func (m *Memory) LoadUint32(addr GuestAddress) (uint32, error) {
	b, err := m.locate(addr, 4)
	if err != nil {
		return 0, err
	}
	if uintptr(unsafe.Pointer(&b[0]))&3 != 0 {
		return binary.LittleEndian.Uint32(b), nil
	}
	var buf [4]byte
	binary.NativeEndian.PutUint32(buf[:], atomic.LoadUint32((*uint32)(unsafe.Pointer(&b[0]))))
	return binary.LittleEndian.Uint32(buf[:]), nil
}

// StoreUint32 atomically stores a little-endian uint32. Unaligned addresses
// fall back to a plain store.
func (m *Memory) StoreUint32(addr GuestAddress, v uint32) error {
	b, err := m.locate(addr, 4)
	if err != nil {
		return err
	}
	if uintptr(unsafe.Pointer(&b[0]))&3 != 0 {
		binary.LittleEndian.PutUint32(b, v)
		return nil
	}
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	atomic.StoreUint32((*uint32)(unsafe.Pointer(&b[0])), binary.NativeEndian.Uint32(buf[:]))
	return nil
}

// LoadUint64 atomically loads a little-endian uint64. Unaligned addresses fall
// back to a plain load.
func (m *Memory) LoadUint64(addr GuestAddress) (uint64, error) {
	b, err := m.locate(addr, 8)
	if err != nil {
		return 0, err
	}
	if uintptr(unsafe.Pointer(&b[0]))&7 != 0 {
		return binary.LittleEndian.Uint64(b), nil
	}
	var buf [8]byte
	binary.NativeEndian.PutUint64(buf[:], atomic.LoadUint64((*uint64)(unsafe.Pointer(&b[0]))))
	return binary.LittleEndian.Uint64(buf[:]), nil
}

// enclosingWord returns the aligned 32-bit word containing the two bytes b at
// addr, and the byte offset of b inside it. ok is false when the word would
// reach outside the region or b straddles two words.
func (m *Memory) enclosingWord(addr GuestAddress, b []byte) (w *uint32, shift uintptr, ok bool) {
	p := uintptr(unsafe.Pointer(&b[0]))
	shift = p & 3
	if shift == 3 {
		return nil, 0, false
	}
	r := m.findRegion(addr)
	off := uintptr(addr - r.GuestPhysicalAddress)
	if off < shift || off-shift+4 > uintptr(len(r.Data)) {
		return nil, 0, false
	}
	return (*uint32)(unsafe.Pointer(&r.Data[off-shift])), shift, true
}
