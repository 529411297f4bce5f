package virtqueue

// Sizes of the split virtqueue structures in guest memory. These are fixed by
// the virtio specification.
const (
	// availableRingHeaderSize covers the flags and idx fields in front of the
	// ring entries.
	availableRingHeaderSize = 4
	// availableElementSize is the size of one ring entry (a chain head index).
	availableElementSize = 2
	// availableRingMetaSize is the header plus the trailing used_event field.
	availableRingMetaSize = 6

	usedRingHeaderSize = 4
	usedRingMetaSize   = 6
)

// Minimum alignments of the queue structures in guest memory.
const (
	descriptorTableAlignment = 16
	availableRingAlignment   = 2
	usedRingAlignment        = 4
)

// availableRingFlag is a flag that describes the available ring.
type availableRingFlag uint16

const (
	// availableRingFlagNoInterrupt is used by the guest to advise the device
	// to not interrupt it when consuming a buffer. It's unreliable, so it's
	// simply an optimization.
	availableRingFlagNoInterrupt availableRingFlag = 1 << iota
)

// usedRingFlag is a flag that describes the used ring.
type usedRingFlag uint16

const (
	// usedRingFlagNoNotify is used by the device to advise the guest to not
	// kick it when adding a buffer.
	usedRingFlagNoNotify usedRingFlag = 1 << iota
)

// descriptorTableSize is the number of bytes needed to store a descriptor
// table with the given queue size in memory.
func descriptorTableSize(queueSize uint16) uint64 {
	return descriptorSize * uint64(queueSize)
}

// availableRingSize is the number of bytes needed to store an available ring
// with the given queue size in memory.
func availableRingSize(queueSize uint16) uint64 {
	return availableRingMetaSize + availableElementSize*uint64(queueSize)
}

// usedRingSize is the number of bytes needed to store a used ring with the
// given queue size in memory.
func usedRingSize(queueSize uint16) uint64 {
	return usedRingMetaSize + usedElementSize*uint64(queueSize)
}

func align(index, alignment uint64) uint64 {
	remainder := index % alignment
	if remainder == 0 {
		return index
	}
	return index + alignment - remainder
}
