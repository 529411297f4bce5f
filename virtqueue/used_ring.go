package virtqueue

import (
	"errors"
	"fmt"
)

// ErrInvalidDescriptorIndex is returned when a chain head outside of the
// descriptor table is returned to the driver.
var ErrInvalidDescriptorIndex = errors.New("descriptor index is out of range")

// usedElementSize is the number of bytes needed to store a [UsedElement] in
// memory.
const usedElementSize = 8

// UsedElement is an entry of the used ring and describes a descriptor chain
// the device is done with.
type UsedElement struct {
	// DescriptorIndex is the head index of the used chain.
	// The index is 32-bit here for padding reasons.
	DescriptorIndex uint32
	// Length is the number of bytes written into the device writable part of
	// the chain.
	Length uint32
}

// GetHead returns the chain head index as a descriptor table index.
func (u *UsedElement) GetHead() uint16 {
	return uint16(u.DescriptorIndex)
}

// addUsed writes the used element into the slot of the used ring the device
// owns next and then publishes it by storing the incremented used index.
func (s *QueueState) addUsed(mem GuestMemory, head uint16, length uint32) error {
	if s.Size == 0 {
		return ErrQueueNotReady
	}
	if head >= s.Size {
		return fmt.Errorf("%w: %d, queue size is %d", ErrInvalidDescriptorIndex, head, s.Size)
	}

	// The 16-bit ring index may overflow. This is expected and is not an issue
	// because the queue size is always a power of 2.
	elemOff := uint64(s.nextUsed%s.Size) * usedElementSize
	addr := s.UsedRing.UncheckedAdd(usedRingHeaderSize + elemOff)

	if err := mem.StoreUint32(addr, uint32(head)); err != nil {
		return fmt.Errorf("write used element id: %w", err)
	}
	if err := mem.StoreUint32(addr.UncheckedAdd(4), length); err != nil {
		return fmt.Errorf("write used element length: %w", err)
	}

	// The element must be visible before the index that publishes it.
	next := s.nextUsed + 1
	if err := mem.StoreUint16(s.UsedRing.UncheckedAdd(2), next); err != nil {
		return fmt.Errorf("write used ring index: %w", err)
	}
	s.nextUsed = next

	return nil
}
