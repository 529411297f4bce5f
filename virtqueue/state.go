package virtqueue

import (
	"errors"
	"fmt"

	"github.com/slackhq/virtq/guestmem"
	"github.com/slackhq/virtq/util/virtio"
)

var (
	// ErrQueueNotReady is returned when a queue is used before the driver
	// marked it ready.
	ErrQueueNotReady = errors.New("queue is not ready")

	// ErrQueueRegionInvalid is returned when a queue structure is misaligned
	// or not backed by guest memory.
	ErrQueueRegionInvalid = errors.New("queue region is invalid")
)

// QueueState is the configuration and the device side cursors of one split
// virtqueue. The configuration fields are set by the transport while the
// driver sets up the queue and must not change while the queue is processed.
//
// A QueueState has a single consumer. Only the [AvailIter] currently created
// for it may advance the available ring cursor and only one iterator may be
// in use at a time. Building with the virtq_debug tag turns violations of this
// into panics.
type QueueState struct {
	// MaxSize is the largest queue size the device supports.
	MaxSize uint16
	// Size is the queue size negotiated with the driver.
	Size uint16
	// Ready is set by the driver once the queue is configured.
	Ready bool

	// DescTable is the guest address of the descriptor table.
	DescTable guestmem.GuestAddress
	// AvailRing is the guest address of the available ring.
	AvailRing guestmem.GuestAddress
	// UsedRing is the guest address of the used ring.
	UsedRing guestmem.GuestAddress

	// Features holds the negotiated feature bits that affect the queue.
	Features virtio.Feature

	// nextAvail is the available ring index of the next chain head the
	// device has not consumed yet. It wraps at 2^16.
	nextAvail uint16
	// nextUsed is the used ring index the device publishes next. It wraps at
	// 2^16.
	nextUsed uint16

	guard cursorGuard
}

// NewQueueState returns the reset state of a queue supporting up to maxSize
// entries. The size defaults to maxSize, as the driver may keep it.
func NewQueueState(maxSize uint16) QueueState {
	return QueueState{
		MaxSize: maxSize,
		Size:    maxSize,
	}
}

// Reset returns the queue to its state after device reset.
func (s *QueueState) Reset() {
	guard := s.guard
	*s = NewQueueState(s.MaxSize)
	s.guard = guard
}

// NextAvail returns the index of the next available ring entry the device
// will consume.
func (s *QueueState) NextAvail() uint16 {
	return s.nextAvail
}

// SetNextAvail sets the available ring cursor, for example when restoring a
// saved queue. It must not be called while an iterator is in use.
func (s *QueueState) SetNextAvail(idx uint16) {
	s.nextAvail = idx
}

// NextUsed returns the index of the next used ring entry the device will
// publish.
func (s *QueueState) NextUsed() uint16 {
	return s.nextUsed
}

// SetNextUsed sets the used ring cursor.
func (s *QueueState) SetNextUsed(idx uint16) {
	s.nextUsed = idx
}

// Validate checks that the queue may be processed and returns the first
// problem found. The checks run in this order: ready, size is non-zero, size
// is a power of 2, size does not exceed MaxSize, and every ring is aligned and
// fully backed by mem.
func (s *QueueState) Validate(mem GuestMemory) error {
	if !s.Ready {
		return ErrQueueNotReady
	}

	if err := CheckQueueSize(int(s.Size)); err != nil {
		return err
	}

	if s.Size > s.MaxSize {
		return fmt.Errorf("%w: %d exceeds the maximum size %d", ErrQueueSizeInvalid, s.Size, s.MaxSize)
	}

	// All sizes are computed in 64 bits from a 16-bit queue size, so they
	// cannot overflow.
	if err := checkRegion(mem, "descriptor table", s.DescTable, descriptorTableAlignment, descriptorTableSize(s.Size)); err != nil {
		return err
	}
	if err := checkRegion(mem, "available ring", s.AvailRing, availableRingAlignment, availableRingSize(s.Size)); err != nil {
		return err
	}
	return checkRegion(mem, "used ring", s.UsedRing, usedRingAlignment, usedRingSize(s.Size))
}

// IsValid reports whether the queue may be processed. An invalid queue is an
// expected condition, for example before the driver finished its setup.
func (s *QueueState) IsValid(mem GuestMemory) bool {
	return s.Validate(mem) == nil
}

func checkRegion(mem GuestMemory, name string, addr guestmem.GuestAddress, alignment, size uint64) error {
	if !addr.IsAligned(alignment) {
		return fmt.Errorf("%w: %s at %s is not aligned to %d bytes", ErrQueueRegionInvalid, name, addr, alignment)
	}
	if _, ok := addr.CheckedAdd(size); !ok {
		return fmt.Errorf("%w: %s at %s with size %d wraps the address space", ErrQueueRegionInvalid, name, addr, size)
	}
	if !mem.CheckRange(addr, size) {
		return fmt.Errorf("%w: %s at %s with size %d is outside of guest memory", ErrQueueRegionInvalid, name, addr, size)
	}
	return nil
}
