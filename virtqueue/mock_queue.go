package virtqueue

import (
	"encoding/binary"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/slackhq/virtq/guestmem"
)

// MockSplitQueue plays the driver side of a split virtqueue. It lays out the
// queue structures in guest memory and lets tests and tools publish
// descriptor chains the way a guest driver would.
type MockSplitQueue struct {
	mem  GuestMemory
	size uint16

	descTable guestmem.GuestAddress
	availRing guestmem.GuestAddress
	usedRing  guestmem.GuestAddress
	end       guestmem.GuestAddress
}

// NewMockSplitQueue places a queue of the given size at base, which must be
// aligned to 16 bytes. The structures are zeroed.
func NewMockSplitQueue(mem GuestMemory, base guestmem.GuestAddress, size uint16) (*MockSplitQueue, error) {
	if err := CheckQueueSize(int(size)); err != nil {
		return nil, err
	}
	if !base.IsAligned(descriptorTableAlignment) {
		return nil, fmt.Errorf("%w: base %s is not aligned to %d bytes", ErrQueueRegionInvalid, base, descriptorTableAlignment)
	}

	// The descriptor table is at the start, so alignment is not an issue
	// there. The rings follow with the alignment the specification demands.
	descriptorTableEnd := descriptorTableSize(size)
	availableRingStart := align(descriptorTableEnd, availableRingAlignment)
	availableRingEnd := availableRingStart + availableRingSize(size)
	usedRingStart := align(availableRingEnd, usedRingAlignment)
	usedRingEnd := usedRingStart + usedRingSize(size)

	end, ok := base.CheckedAdd(usedRingEnd)
	if !ok || !mem.CheckRange(base, usedRingEnd) {
		return nil, fmt.Errorf("%w: queue at %s with size %d does not fit into guest memory",
			ErrQueueRegionInvalid, base, usedRingEnd)
	}

	if err := mem.Write(make([]byte, usedRingEnd), base); err != nil {
		return nil, fmt.Errorf("clear queue memory: %w", err)
	}

	return &MockSplitQueue{
		mem:       mem,
		size:      size,
		descTable: base,
		availRing: base.UncheckedAdd(availableRingStart),
		usedRing:  base.UncheckedAdd(usedRingStart),
		end:       end,
	}, nil
}

// Size returns the queue size.
func (m *MockSplitQueue) Size() uint16 {
	return m.size
}

// DescTableAddr returns the guest address of the descriptor table.
func (m *MockSplitQueue) DescTableAddr() guestmem.GuestAddress {
	return m.descTable
}

// AvailAddr returns the guest address of the available ring.
func (m *MockSplitQueue) AvailAddr() guestmem.GuestAddress {
	return m.availRing
}

// UsedAddr returns the guest address of the used ring.
func (m *MockSplitQueue) UsedAddr() guestmem.GuestAddress {
	return m.usedRing
}

// End returns the first guest address after the queue structures.
func (m *MockSplitQueue) End() guestmem.GuestAddress {
	return m.end
}

// CreateQueue returns a ready device side queue configured for this layout.
func (m *MockSplitQueue) CreateQueue(l *logrus.Logger) *Queue {
	q := NewQueue(l, m.mem, m.size)
	m.Configure(&q.State)
	return q
}

// Configure sets the addresses and size of this layout on s and marks it ready.
func (m *MockSplitQueue) Configure(s *QueueState) {
	s.Size = m.size
	s.DescTable = m.descTable
	s.AvailRing = m.availRing
	s.UsedRing = m.usedRing
	s.Ready = true
}

// StoreDescriptor writes d into the descriptor table at index. The index is
// not checked against the queue size, so out of range writes can be used to
// corrupt neighbouring memory on purpose.
func (m *MockSplitQueue) StoreDescriptor(index uint16, d Descriptor) error {
	var b [descriptorSize]byte
	d.encode(b[:])
	return m.mem.Write(b[:], m.descTable.UncheckedAdd(uint64(index)*descriptorSize))
}

// StoreChain writes descs to consecutive table entries starting at first and
// links them with the next flag. The flags of the last descriptor are kept,
// all others get the next flag added.
func (m *MockSplitQueue) StoreChain(first uint16, descs ...Descriptor) error {
	for i, d := range descs {
		index := first + uint16(i)
		if i < len(descs)-1 {
			d.flags |= descriptorFlagHasNext
			d.next = index + 1
		}
		if err := m.StoreDescriptor(index, d); err != nil {
			return err
		}
	}
	return nil
}

// Offer adds the given chain heads to the available ring and publishes them
// by advancing the ring index.
func (m *MockSplitQueue) Offer(heads ...uint16) error {
	idx, err := m.AvailIdx()
	if err != nil {
		return err
	}

	for offset, x := range heads {
		// The 16-bit ring index may overflow. This is expected and is not an
		// issue because the size of the ring is always a power of 2.
		slot := (idx + uint16(offset)) % m.size
		if err := m.SetAvailRingEntry(slot, x); err != nil {
			return err
		}
	}

	// Publishes the entries written above.
	return m.SetAvailIdx(idx + uint16(len(heads)))
}

// SetAvailRingEntry writes head into the given slot of the available ring.
func (m *MockSplitQueue) SetAvailRingEntry(slot uint16, head uint16) error {
	addr := m.availRing.UncheckedAdd(availableRingHeaderSize + uint64(slot)*availableElementSize)
	return m.mem.StoreUint16(addr, head)
}

// AvailIdx returns the published available ring index.
func (m *MockSplitQueue) AvailIdx() (uint16, error) {
	return m.mem.LoadUint16(m.availRing.UncheckedAdd(2))
}

// SetAvailIdx publishes idx as the available ring index.
func (m *MockSplitQueue) SetAvailIdx(idx uint16) error {
	return m.mem.StoreUint16(m.availRing.UncheckedAdd(2), idx)
}

// SetNoInterrupt sets or clears the available ring's no interrupt flag.
func (m *MockSplitQueue) SetNoInterrupt(noInterrupt bool) error {
	var flags availableRingFlag
	if noInterrupt {
		flags |= availableRingFlagNoInterrupt
	}
	return m.mem.StoreUint16(m.availRing, uint16(flags))
}

// NotificationSuppressed reports whether the device set the used ring's no
// notify flag.
func (m *MockSplitQueue) NotificationSuppressed() (bool, error) {
	flags, err := m.mem.LoadUint16(m.usedRing)
	if err != nil {
		return false, err
	}
	return usedRingFlag(flags)&usedRingFlagNoNotify != 0, nil
}

// UsedIdx returns the used ring index published by the device.
func (m *MockSplitQueue) UsedIdx() (uint16, error) {
	return m.mem.LoadUint16(m.usedRing.UncheckedAdd(2))
}

// UsedElement returns the used ring entry in the given slot.
func (m *MockSplitQueue) UsedElement(slot uint16) (UsedElement, error) {
	var b [usedElementSize]byte
	addr := m.usedRing.UncheckedAdd(usedRingHeaderSize + uint64(slot%m.size)*usedElementSize)
	if err := m.mem.Read(b[:], addr); err != nil {
		return UsedElement{}, err
	}
	return UsedElement{
		DescriptorIndex: binary.LittleEndian.Uint32(b[0:4]),
		Length:          binary.LittleEndian.Uint32(b[4:8]),
	}, nil
}

// TakeUsed returns the used elements published since the index last, in
// order, and the new index to pass to the next call.
func (m *MockSplitQueue) TakeUsed(last uint16) ([]UsedElement, uint16, error) {
	idx, err := m.UsedIdx()
	if err != nil {
		return nil, last, err
	}

	// The ring index may wrap, which unsigned subtraction handles.
	count := idx - last
	if count > m.size {
		return nil, last, fmt.Errorf("used ring contains %d new elements but is only %d long", count, m.size)
	}

	elems := make([]UsedElement, 0, count)
	for ; last != idx; last++ {
		e, err := m.UsedElement(last)
		if err != nil {
			return elems, last, err
		}
		elems = append(elems, e)
	}
	return elems, last, nil
}
