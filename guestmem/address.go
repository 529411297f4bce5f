package guestmem

import (
	"fmt"
	"math"
)

// GuestAddress is an address in the guest physical address space. It is not a
// host pointer and must always be resolved through a [Memory].
type GuestAddress uint64

// CheckedAdd returns the address offset bytes after a, or false when the
// result would wrap past the end of the 64-bit address space.
func (a GuestAddress) CheckedAdd(offset uint64) (GuestAddress, bool) {
	if uint64(a) > math.MaxUint64-offset {
		return 0, false
	}
	return a + GuestAddress(offset), true
}

// UncheckedAdd returns a+offset with wrapping arithmetic. The result may alias
// a low address after an overflow, so it must only be used for addresses that
// are handed straight to an accessor, which checks bounds again.
func (a GuestAddress) UncheckedAdd(offset uint64) GuestAddress {
	return a + GuestAddress(offset)
}

// CheckedOffsetFrom returns a-base, or false when a lies below base.
func (a GuestAddress) CheckedOffsetFrom(base GuestAddress) (uint64, bool) {
	if a < base {
		return 0, false
	}
	return uint64(a - base), true
}

// IsAligned reports whether a is a multiple of align, which must be a power of 2.
func (a GuestAddress) IsAligned(align uint64) bool {
	return uint64(a)&(align-1) == 0
}

func (a GuestAddress) String() string {
	return fmt.Sprintf("0x%x", uint64(a))
}
