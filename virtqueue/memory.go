package virtqueue

import "github.com/slackhq/virtq/guestmem"

// GuestMemory is the view of guest memory needed to operate a queue.
// [guestmem.Memory] implements it.
//
// LoadUint16 must provide at least acquire ordering and the stores at least
// release ordering, because they synchronize with the guest driver running on
// another CPU.
type GuestMemory interface {
	LoadUint16(addr guestmem.GuestAddress) (uint16, error)
	StoreUint16(addr guestmem.GuestAddress, v uint16) error
	StoreUint32(addr guestmem.GuestAddress, v uint32) error
	Read(p []byte, addr guestmem.GuestAddress) error
	Write(p []byte, addr guestmem.GuestAddress) error
	Slice(addr guestmem.GuestAddress, length uint64) ([]byte, error)
	CheckRange(addr guestmem.GuestAddress, length uint64) bool
}
