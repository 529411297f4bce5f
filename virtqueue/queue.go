package virtqueue

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// Queue binds a [QueueState] to the guest memory it lives in. It is the entry
// point a device backend uses to consume and complete descriptor chains.
//
// A Queue is not safe for concurrent use. Devices usually process each queue
// from a single worker.
type Queue struct {
	l   *logrus.Logger
	mem GuestMemory

	// State is the configuration and cursor state of the queue.
	State QueueState
}

// NewQueue creates a queue in its reset state.
func NewQueue(l *logrus.Logger, mem GuestMemory, maxSize uint16) *Queue {
	return &Queue{
		l:     l,
		mem:   mem,
		State: NewQueueState(maxSize),
	}
}

// Memory returns the guest memory of the queue.
func (q *Queue) Memory() GuestMemory {
	return q.mem
}

// IsValid reports whether the queue is ready and correctly configured. See
// [QueueState.Validate] for the reason when it is not.
func (q *Queue) IsValid() bool {
	return q.State.IsValid(q.mem)
}

// AvailIdx loads the index the driver will write the next available ring entry
// to. The load pairs with the driver's release store of the index.
func (q *Queue) AvailIdx() (uint16, error) {
	return q.mem.LoadUint16(q.State.AvailRing.UncheckedAdd(2))
}

// Iter returns an iterator over the chains the driver has published so far.
// An invalid queue yields an empty iterator. An error is only returned when
// the published index cannot be read.
func (q *Queue) Iter() (*AvailIter, error) {
	if err := q.State.Validate(q.mem); err != nil {
		q.l.WithError(err).Debug("Queue is not valid, nothing to consume")
		return NewAvailIter(q.l, q.mem, q.State.nextAvail, &q.State), nil
	}

	idx, err := q.AvailIdx()
	if err != nil {
		return nil, fmt.Errorf("read available ring index: %w", err)
	}

	return NewAvailIter(q.l, q.mem, idx, &q.State), nil
}

// InterruptSuppressed reports whether the driver asked not to be interrupted
// when the device uses buffers. This is only a hint.
func (q *Queue) InterruptSuppressed() (bool, error) {
	flags, err := q.mem.LoadUint16(q.State.AvailRing)
	if err != nil {
		return false, fmt.Errorf("read available ring flags: %w", err)
	}
	return availableRingFlag(flags)&availableRingFlagNoInterrupt != 0, nil
}

// SetNotificationSuppressed sets or clears the used ring's no notify flag,
// which advises the driver that kicks are not needed right now. Like
// interrupt suppression this is only a hint, so a device that sets it must
// look at the available ring again after clearing it.
func (q *Queue) SetNotificationSuppressed(suppressed bool) error {
	if err := q.State.Validate(q.mem); err != nil {
		return err
	}

	var flags usedRingFlag
	if suppressed {
		flags |= usedRingFlagNoNotify
	}
	if err := q.mem.StoreUint16(q.State.UsedRing, uint16(flags)); err != nil {
		return fmt.Errorf("write used ring flags: %w", err)
	}
	return nil
}

// HasPending reports whether the driver published chains the device has not
// consumed yet. An invalid queue has nothing pending.
func (q *Queue) HasPending() (bool, error) {
	if !q.State.IsValid(q.mem) {
		return false, nil
	}
	idx, err := q.AvailIdx()
	if err != nil {
		return false, fmt.Errorf("read available ring index: %w", err)
	}
	return idx != q.State.nextAvail, nil
}

// AddUsed publishes a completed chain in the used ring. head is the chain's
// [DescriptorChain.HeadIndex] and length the number of bytes the device wrote
// into its writable descriptors.
func (q *Queue) AddUsed(head uint16, length uint32) error {
	if err := q.State.addUsed(q.mem, head, length); err != nil {
		metricUsedWriteErrors.Inc(1)
		return err
	}
	return nil
}
