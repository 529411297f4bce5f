package virtqueue

import (
	"iter"

	"github.com/sirupsen/logrus"
	"github.com/slackhq/virtq/guestmem"
	"github.com/slackhq/virtq/util/virtio"
)

// AvailIter yields the heads of the descriptor chains the driver offered in
// the available ring, from the queue's next_avail cursor up to the published
// index observed when the iterator was created. Each yielded head advances
// the cursor of the underlying [QueueState].
//
// The published index is not re-read while iterating, so a driver racing
// ahead cannot make the iterator run longer than the snapshot. Creating a new
// iterator from the same state resumes where this one stopped.
//
// An AvailIter holds the queue's cursor exclusively. Using it after another
// iterator was created for the same state, or from more than one goroutine,
// is a caller error.
type AvailIter struct {
	l   *logrus.Logger
	mem GuestMemory

	descTable guestmem.GuestAddress
	availRing guestmem.GuestAddress
	queueSize uint16
	indirect  bool

	// lastIndex is the driver's published available index at creation time.
	lastIndex uint16
	state     *QueueState
	guard     iterGuard
}

// NewAvailIter creates an iterator over the chains published up to idx. The
// table addresses and the size are copied from state, while its next_avail
// cursor is advanced in place.
//
// The caller must make sure the queue is valid, see [QueueState.IsValid], and
// must have loaded idx with acquire ordering.
func NewAvailIter(l *logrus.Logger, mem GuestMemory, idx uint16, state *QueueState) *AvailIter {
	return &AvailIter{
		l:         l,
		mem:       mem,
		descTable: state.DescTable,
		availRing: state.AvailRing,
		queueSize: state.Size,
		indirect:  state.Features.Has(virtio.FeatureIndirectDescriptors),
		lastIndex: idx,
		state:     state,
		guard:     state.checkoutCursor(),
	}
}

// Pending returns the number of chain heads this iterator has not yielded yet.
func (it *AvailIter) Pending() uint16 {
	return it.lastIndex - it.state.nextAvail
}

// Next returns the next chain head offered by the driver. It returns false
// when all published entries were consumed or when the ring entry could not be
// read from guest memory, in which case the cursor is left unchanged.
func (it *AvailIter) Next() (DescriptorChain, bool) {
	it.guard.check(it.state)

	if it.state.nextAvail == it.lastIndex || it.queueSize == 0 {
		return DescriptorChain{}, false
	}

	// The slot is widened to 64 bits before the multiplication, so the offset
	// cannot overflow.
	elemOff := uint64(it.state.nextAvail%it.queueSize) * availableElementSize
	// The address may only wrap for an invalid queue, in which case the
	// accessor rejects it.
	addr := it.availRing.UncheckedAdd(availableRingHeaderSize + elemOff)

	// Pairs with the release store of the ring entry by the driver.
	head, err := it.mem.LoadUint16(addr)
	if err != nil {
		metricAvailReadErrors.Inc(1)
		it.l.WithError(err).
			WithField("address", addr).
			WithField("nextAvail", it.state.nextAvail).
			Error("Failed to read available ring entry")
		return DescriptorChain{}, false
	}

	it.state.nextAvail++
	it.guard.advance()
	metricAvailChains.Inc(1)

	return newDescriptorChain(it.l, it.mem, it.descTable, it.queueSize, head, it.indirect), true
}

// GoToPreviousPosition moves the cursor back by one entry, so the chain head
// returned by the last call to [AvailIter.Next] is yielded again by the next
// iterator. This lets a device put back a chain it cannot process yet.
//
// It must only be called after a successful Next, and only from the goroutine
// that owns the queue.
func (it *AvailIter) GoToPreviousPosition() {
	it.guard.check(it.state)
	it.guard.rewind()
	it.state.nextAvail--
}

// All returns an iterator over the remaining chain heads.
func (it *AvailIter) All() iter.Seq[DescriptorChain] {
	return func(yield func(DescriptorChain) bool) {
		for {
			c, ok := it.Next()
			if !ok || !yield(c) {
				return
			}
		}
	}
}
