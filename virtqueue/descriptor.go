package virtqueue

import (
	"encoding/binary"

	"github.com/slackhq/virtq/guestmem"
)

// descriptorFlag is a flag that describes a [Descriptor].
type descriptorFlag uint16

const (
	// descriptorFlagHasNext marks a descriptor chain as continuing via the next
	// field.
	descriptorFlagHasNext descriptorFlag = 1 << iota
	// descriptorFlagWritable marks a buffer as device write-only (otherwise
	// device read-only).
	descriptorFlagWritable
	// descriptorFlagIndirect means the buffer contains a list of buffer
	// descriptors to provide an additional layer of indirection.
	// Only allowed when the [virtio.FeatureIndirectDescriptors] feature was
	// negotiated.
	descriptorFlagIndirect
)

// Exported aliases of the descriptor flags, for building descriptors with
// [NewDescriptor].
const (
	DescriptorFlagNext     = uint16(descriptorFlagHasNext)
	DescriptorFlagWrite    = uint16(descriptorFlagWritable)
	DescriptorFlagIndirect = uint16(descriptorFlagIndirect)
)

// descriptorSize is the number of bytes needed to store a [Descriptor] in
// memory.
const descriptorSize = 16

// Descriptor describes (a part of) a buffer which is either read-only for the
// device or write-only for the device (depending on [descriptorFlagWritable]).
// Multiple descriptors can be chained to produce a "descriptor chain" that can
// contain both device-readable and device-writable buffers.
//
// A Descriptor is a copy of the guest's table entry taken at the time it was
// walked. The guest may rewrite the entry afterwards.
type Descriptor struct {
	// address is the guest address of the continuous memory holding the data
	// for this descriptor.
	address uint64
	// length is the amount of bytes stored at address.
	length uint32
	// flags that describe this descriptor.
	flags descriptorFlag
	// next contains the index of the next descriptor continuing this descriptor
	// chain when the [descriptorFlagHasNext] flag is set.
	next uint16
}

// NewDescriptor returns a descriptor with the given fields. flags is a
// combination of DescriptorFlagNext, DescriptorFlagWrite and
// DescriptorFlagIndirect.
func NewDescriptor(address uint64, length uint32, flags uint16, next uint16) Descriptor {
	return Descriptor{
		address: address,
		length:  length,
		flags:   descriptorFlag(flags),
		next:    next,
	}
}

// Address returns the guest address of the buffer.
func (d Descriptor) Address() guestmem.GuestAddress {
	return guestmem.GuestAddress(d.address)
}

// Length returns the size of the buffer in bytes. Zero is valid.
func (d Descriptor) Length() uint32 {
	return d.length
}

// Flags returns the raw flags.
func (d Descriptor) Flags() uint16 {
	return uint16(d.flags)
}

// HasNext reports whether the chain continues after this descriptor.
func (d Descriptor) HasNext() bool {
	return d.flags&descriptorFlagHasNext != 0
}

// IsWriteOnly reports whether the buffer is write-only for the device.
// Otherwise it is read-only for the device.
func (d Descriptor) IsWriteOnly() bool {
	return d.flags&descriptorFlagWritable != 0
}

// RefersToIndirectTable reports whether the buffer holds an indirect
// descriptor table.
func (d Descriptor) RefersToIndirectTable() bool {
	return d.flags&descriptorFlagIndirect != 0
}

// Next returns the index of the following descriptor. It is only meaningful
// when [Descriptor.HasNext] is true.
func (d Descriptor) Next() uint16 {
	return d.next
}

// encode writes the little-endian wire representation of d into b.
func (d Descriptor) encode(b []byte) {
	_ = b[descriptorSize-1]
	binary.LittleEndian.PutUint64(b[0:8], d.address)
	binary.LittleEndian.PutUint32(b[8:12], d.length)
	binary.LittleEndian.PutUint16(b[12:14], uint16(d.flags))
	binary.LittleEndian.PutUint16(b[14:16], d.next)
}

// readDescriptor copies the descriptor at addr out of guest memory in a single
// read so every field is taken from the same snapshot.
func readDescriptor(mem GuestMemory, addr guestmem.GuestAddress) (Descriptor, error) {
	var b [descriptorSize]byte
	if err := mem.Read(b[:], addr); err != nil {
		return Descriptor{}, err
	}
	return Descriptor{
		address: binary.LittleEndian.Uint64(b[0:8]),
		length:  binary.LittleEndian.Uint32(b[8:12]),
		flags:   descriptorFlag(binary.LittleEndian.Uint16(b[12:14])),
		next:    binary.LittleEndian.Uint16(b[14:16]),
	}, nil
}
