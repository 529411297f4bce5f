package virtqueue

import (
	"errors"
	"iter"

	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
	"github.com/slackhq/virtq/guestmem"
)

var (
	// errNestedIndirect is reported when an indirect table refers to another
	// indirect table, which the specification forbids.
	errNestedIndirect = errors.New("indirect descriptor inside an indirect table")
	// errIndirectTable is reported for a misaligned or badly sized indirect
	// table.
	errIndirectTable = errors.New("invalid indirect descriptor table")
	// errIndirectNotNegotiated is reported for an indirect descriptor on a
	// queue without the indirect descriptor feature.
	errIndirectNotNegotiated = errors.New("indirect descriptor without negotiated feature")
)

// chainFilter selects which descriptors a walk yields.
type chainFilter uint8

const (
	filterAll chainFilter = iota
	filterReadable
	filterWritable
)

func (f chainFilter) matches(d Descriptor) bool {
	switch f {
	case filterReadable:
		return !d.IsWriteOnly()
	case filterWritable:
		return d.IsWriteOnly()
	default:
		return true
	}
}

// DescriptorChain walks one descriptor chain through the descriptor table.
// Descriptors are read lazily, one per call to [DescriptorChain.Next], and
// every value taken from guest memory is checked before it is followed.
//
// A walk visits at most as many descriptors as the table has entries, so a
// chain whose next fields form a loop ends instead of spinning forever. A
// chain that cannot be read any further ends early; no error is surfaced.
//
// DescriptorChain is a value type: copying it copies the cursor.
type DescriptorChain struct {
	l   *logrus.Logger
	mem GuestMemory

	// headTable and headSize describe the queue's descriptor table, which
	// holds the head of the chain.
	headTable guestmem.GuestAddress
	headSize  uint16
	headIndex uint16

	// descTable and queueSize describe the table currently walked. They switch
	// to the indirect table when the chain refers to one.
	descTable guestmem.GuestAddress
	queueSize uint16
	nextIndex uint16
	// ttl is the number of descriptors the walk may still visit. Zero ends the
	// walk.
	ttl uint16

	indirectAllowed bool
	isIndirect      bool
	filter          chainFilter
}

func newDescriptorChain(l *logrus.Logger, mem GuestMemory, descTable guestmem.GuestAddress, queueSize, headIndex uint16, indirectAllowed bool) DescriptorChain {
	return DescriptorChain{
		l:               l,
		mem:             mem,
		headTable:       descTable,
		headSize:        queueSize,
		headIndex:       headIndex,
		descTable:       descTable,
		queueSize:       queueSize,
		nextIndex:       headIndex,
		ttl:             queueSize,
		indirectAllowed: indirectAllowed,
	}
}

// HeadIndex returns the index of the first descriptor of the chain, no matter
// how far the walk has advanced. It identifies the chain in the used ring.
func (c *DescriptorChain) HeadIndex() uint16 {
	return c.headIndex
}

// Memory returns the guest memory the chain's buffers live in.
func (c *DescriptorChain) Memory() GuestMemory {
	return c.mem
}

// Next returns the next descriptor of the chain, or false once the chain has
// ended. After the first false every later call returns false as well.
func (c *DescriptorChain) Next() (Descriptor, bool) {
	for {
		d, ok := c.step()
		if !ok {
			return Descriptor{}, false
		}
		if c.filter.matches(d) {
			return d, true
		}
	}
}

// Readable returns a fresh walk of the chain, starting at its head, that only
// yields descriptors the device may read. The receiver is not advanced.
func (c *DescriptorChain) Readable() DescriptorChain {
	r := c.restart()
	r.filter = filterReadable
	return r
}

// Writable returns a fresh walk of the chain, starting at its head, that only
// yields descriptors the device may write. The receiver is not advanced.
func (c *DescriptorChain) Writable() DescriptorChain {
	r := c.restart()
	r.filter = filterWritable
	return r
}

// All returns an iterator over the remaining descriptors of the walk. Ranging
// over it advances c.
func (c *DescriptorChain) All() iter.Seq[Descriptor] {
	return func(yield func(Descriptor) bool) {
		for {
			d, ok := c.Next()
			if !ok || !yield(d) {
				return
			}
		}
	}
}

func (c *DescriptorChain) restart() DescriptorChain {
	return newDescriptorChain(c.l, c.mem, c.headTable, c.headSize, c.headIndex, c.indirectAllowed)
}

// step reads the descriptor at the cursor and advances the cursor along the
// chain, without applying the filter.
func (c *DescriptorChain) step() (Descriptor, bool) {
	for {
		if c.ttl == 0 {
			return Descriptor{}, false
		}

		if c.nextIndex >= c.queueSize {
			c.terminate(metricChainReadErrors, nil, "Descriptor index is out of range")
			return Descriptor{}, false
		}

		// A 16-bit index times the descriptor size cannot overflow 64 bits.
		addr, ok := c.descTable.CheckedAdd(uint64(c.nextIndex) * descriptorSize)
		if !ok {
			c.terminate(metricChainReadErrors, nil, "Descriptor address wraps the address space")
			return Descriptor{}, false
		}

		d, err := readDescriptor(c.mem, addr)
		if err != nil {
			c.terminate(metricChainReadErrors, err, "Failed to read descriptor")
			return Descriptor{}, false
		}

		if d.RefersToIndirectTable() {
			if err := c.switchToIndirectTable(d); err != nil {
				c.terminate(metricChainBadIndirect, err, "Invalid indirect descriptor")
				return Descriptor{}, false
			}
			continue
		}

		if d.HasNext() {
			c.nextIndex = d.next
			c.ttl--
			if c.ttl == 0 {
				metricChainTruncated.Inc(1)
				c.l.Debug("Descriptor chain is longer than the queue, truncating")
			}
		} else {
			c.ttl = 0
		}

		return d, true
	}
}

// switchToIndirectTable continues the walk at the start of the indirect table
// described by d.
func (c *DescriptorChain) switchToIndirectTable(d Descriptor) error {
	if !c.indirectAllowed {
		return errIndirectNotNegotiated
	}
	if c.isIndirect {
		return errNestedIndirect
	}

	if !d.Address().IsAligned(descriptorSize) || d.length%descriptorSize != 0 || d.length == 0 {
		return errIndirectTable
	}

	tableLen := d.length / descriptorSize
	if tableLen > 0xffff {
		return errIndirectTable
	}

	c.descTable = d.Address()
	c.queueSize = uint16(tableLen)
	c.nextIndex = 0
	c.ttl = c.queueSize
	c.isIndirect = true
	return nil
}

// terminate ends the walk because the guest supplied something that cannot
// be followed.
func (c *DescriptorChain) terminate(counter metrics.Counter, err error, msg string) {
	c.ttl = 0
	counter.Inc(1)

	entry := c.l.
		WithField("headIndex", c.headIndex).
		WithField("index", c.nextIndex).
		WithField("indirect", c.isIndirect)
	if err != nil {
		entry = entry.WithError(err)
	}
	entry.Warn(msg)
}
