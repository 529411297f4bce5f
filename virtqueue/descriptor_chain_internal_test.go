package virtqueue

import (
	"testing"

	"github.com/slackhq/virtq/guestmem"
	"github.com/slackhq/virtq/test"
	"github.com/slackhq/virtq/util/virtio"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// storeTable writes descs as a descriptor table starting at addr.
func storeTable(t *testing.T, mem GuestMemory, addr guestmem.GuestAddress, descs ...Descriptor) {
	t.Helper()
	b := make([]byte, len(descs)*descriptorSize)
	for i, d := range descs {
		d.encode(b[i*descriptorSize:])
	}
	require.NoError(t, mem.Write(b, addr))
}

func walk(c DescriptorChain) []Descriptor {
	var out []Descriptor
	for d := range c.All() {
		out = append(out, d)
	}
	return out
}

func TestDescriptorChain_Ends(t *testing.T) {
	_, vq, q := newTestQueue(t, 16)
	storeDescriptors(t, vq, 2, func(j uint16) uint16 {
		if j == 0 {
			return DescriptorFlagNext
		}
		return 0
	})

	c := newDescriptorChain(q.l, q.mem, vq.DescTableAddr(), 16, 0, false)

	d, ok := c.Next()
	require.True(t, ok)
	assert.Equal(t, guestmem.GuestAddress(0x1000), d.Address())
	assert.Equal(t, uint32(0x1000), d.Length())
	assert.True(t, d.HasNext())
	assert.Equal(t, uint16(1), d.Next())

	d, ok = c.Next()
	require.True(t, ok)
	assert.Equal(t, guestmem.GuestAddress(0x2000), d.Address())
	assert.False(t, d.HasNext())

	for range 3 {
		_, ok = c.Next()
		assert.False(t, ok)
	}
	assert.Equal(t, uint16(0), c.HeadIndex())
}

func TestDescriptorChain_Loops(t *testing.T) {
	tests := []struct {
		name  string
		descs map[uint16]Descriptor
		head  uint16
	}{
		{
			name: "two descriptors",
			descs: map[uint16]Descriptor{
				0: NewDescriptor(0x1000, 0x10, DescriptorFlagNext, 1),
				1: NewDescriptor(0x2000, 0x10, DescriptorFlagNext, 0),
			},
		},
		{
			name: "self",
			descs: map[uint16]Descriptor{
				7: NewDescriptor(0x1000, 0x10, DescriptorFlagNext, 7),
			},
			head: 7,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, vq, q := newTestQueue(t, 16)
			for i, d := range tt.descs {
				require.NoError(t, vq.StoreDescriptor(i, d))
			}

			l, logs := test.NewCapturingLogger()
			c := newDescriptorChain(l, q.mem, vq.DescTableAddr(), 16, tt.head, false)
			assert.Len(t, walk(c), 16)
			assert.True(t, logs.Contains("Descriptor chain is longer than the queue"))
		})
	}
}

func TestDescriptorChain_FullLengthChainIsNotTruncated(t *testing.T) {
	_, vq, q := newTestQueue(t, 4)
	storeDescriptors(t, vq, 4, func(j uint16) uint16 {
		if j == 3 {
			return 0
		}
		return DescriptorFlagNext
	})

	l, logs := test.NewCapturingLogger()
	c := newDescriptorChain(l, q.mem, vq.DescTableAddr(), 4, 0, false)
	assert.Len(t, walk(c), 4)
	assert.Empty(t, logs.Logs())
}

func TestDescriptorChain_ReadableWritable(t *testing.T) {
	_, vq, q := newTestQueue(t, 16)
	require.NoError(t, vq.StoreDescriptor(2, NewDescriptor(0x3000, 0x100, DescriptorFlagWrite|DescriptorFlagNext, 3)))
	require.NoError(t, vq.StoreDescriptor(3, NewDescriptor(0x4000, 0x100, DescriptorFlagWrite|DescriptorFlagNext, 4)))
	require.NoError(t, vq.StoreDescriptor(4, NewDescriptor(0x5000, 0x100, 0, 0)))

	c := newDescriptorChain(q.l, q.mem, vq.DescTableAddr(), 16, 2, false)

	w := c.Writable()
	assert.Equal(t, []uint64{0x3000, 0x4000}, addresses(&w))
	assert.Equal(t, uint16(2), w.HeadIndex())

	r := c.Readable()
	assert.Equal(t, []uint64{0x5000}, addresses(&r))

	// The projections did not move the original walk.
	assert.Equal(t, []uint64{0x3000, 0x4000, 0x5000}, addresses(&c))

	// An exhausted walk still hands out complete projections.
	w = c.Writable()
	assert.Equal(t, []uint64{0x3000, 0x4000}, addresses(&w))
}

func TestDescriptorChain_ProjectionFromMiddle(t *testing.T) {
	_, vq, q := newTestQueue(t, 16)
	require.NoError(t, vq.StoreChain(0,
		NewDescriptor(0x1000, 1, 0, 0),
		NewDescriptor(0x2000, 2, DescriptorFlagWrite, 0),
	))

	c := newDescriptorChain(q.l, q.mem, vq.DescTableAddr(), 16, 0, false)
	_, ok := c.Next()
	require.True(t, ok)

	r := c.Readable()
	assert.Equal(t, []uint64{0x1000}, addresses(&r))

	d, ok := c.Next()
	require.True(t, ok)
	assert.True(t, d.IsWriteOnly())
}

func TestDescriptorChain_OutOfRange(t *testing.T) {
	t.Run("next", func(t *testing.T) {
		_, vq, q := newTestQueue(t, 16)
		require.NoError(t, vq.StoreDescriptor(0, NewDescriptor(0x1000, 0x10, DescriptorFlagNext, 16)))
		// Past the end of the table; must never be reached.
		require.NoError(t, vq.StoreDescriptor(16, NewDescriptor(0xdead, 0x10, 0, 0)))

		l, logs := test.NewCapturingLogger()
		c := newDescriptorChain(l, q.mem, vq.DescTableAddr(), 16, 0, false)
		assert.Equal(t, []uint64{0x1000}, addresses(&c))
		assert.True(t, logs.Contains("Descriptor index is out of range"))
	})

	t.Run("head", func(t *testing.T) {
		_, vq, q := newTestQueue(t, 16)
		c := newDescriptorChain(q.l, q.mem, vq.DescTableAddr(), 16, 16, false)
		assert.Empty(t, walk(c))
		assert.Equal(t, uint16(16), c.HeadIndex())
	})
}

func TestDescriptorChain_ZeroLength(t *testing.T) {
	_, vq, q := newTestQueue(t, 16)
	require.NoError(t, vq.StoreChain(0,
		NewDescriptor(0x1000, 0, 0, 0),
		NewDescriptor(0x2000, 0x10, 0, 0),
	))

	c := newDescriptorChain(q.l, q.mem, vq.DescTableAddr(), 16, 0, false)
	descs := walk(c)
	require.Len(t, descs, 2)
	assert.Equal(t, uint32(0), descs[0].Length())
}

func TestDescriptorChain_ReadFailure(t *testing.T) {
	mem, err := guestmem.NewMemory(guestmem.Region{GuestPhysicalAddress: 0x1000, Data: make([]byte, 0x20)})
	require.NoError(t, err)
	storeTable(t, mem, 0x1000, NewDescriptor(0x1000, 0x10, DescriptorFlagNext, 1), NewDescriptor(0x1010, 0x10, DescriptorFlagNext, 2))

	l, logs := test.NewCapturingLogger()
	c := newDescriptorChain(l, mem, 0x1000, 4, 0, false)
	assert.Len(t, walk(c), 2)
	assert.True(t, logs.Contains("Failed to read descriptor"))
}

func TestDescriptorChain_Indirect(t *testing.T) {
	const table = guestmem.GuestAddress(0x800)

	newChain := func(t *testing.T, features virtio.Feature, indirect Descriptor, entries ...Descriptor) ([]Descriptor, *test.LogWriter) {
		_, vq, q := newTestQueue(t, 16)
		q.State.Features = features
		require.NoError(t, vq.StoreDescriptor(0, indirect))
		storeTable(t, q.mem, table, entries...)
		require.NoError(t, vq.Offer(0))

		l, logs := test.NewCapturingLogger()
		q.l = l
		it, err := q.Iter()
		require.NoError(t, err)
		c, ok := it.Next()
		require.True(t, ok)
		assert.Equal(t, uint16(0), c.HeadIndex())
		return walk(c), logs
	}

	entries := []Descriptor{
		NewDescriptor(0x1000, 0x10, DescriptorFlagNext, 1),
		NewDescriptor(0x2000, 0x20, DescriptorFlagWrite|DescriptorFlagNext, 2),
		NewDescriptor(0x3000, 0x30, DescriptorFlagWrite, 0),
	}

	t.Run("negotiated", func(t *testing.T) {
		descs, _ := newChain(t, virtio.FeatureIndirectDescriptors,
			NewDescriptor(uint64(table), 3*descriptorSize, DescriptorFlagIndirect, 0),
			entries...)
		assert.Equal(t, entries, descs)
	})

	t.Run("projections", func(t *testing.T) {
		_, vq, q := newTestQueue(t, 16)
		q.State.Features = virtio.FeatureIndirectDescriptors
		require.NoError(t, vq.StoreDescriptor(0, NewDescriptor(uint64(table), 3*descriptorSize, DescriptorFlagIndirect, 0)))
		storeTable(t, q.mem, table, entries...)

		c := newDescriptorChain(q.l, q.mem, vq.DescTableAddr(), 16, 0, true)
		w := c.Writable()
		assert.Equal(t, []uint64{0x2000, 0x3000}, addresses(&w))
		r := c.Readable()
		assert.Equal(t, []uint64{0x1000}, addresses(&r))
	})

	t.Run("table loops", func(t *testing.T) {
		descs, logs := newChain(t, virtio.FeatureIndirectDescriptors,
			NewDescriptor(uint64(table), 2*descriptorSize, DescriptorFlagIndirect, 0),
			NewDescriptor(0x1000, 0x10, DescriptorFlagNext, 1),
			NewDescriptor(0x2000, 0x10, DescriptorFlagNext, 0),
		)
		assert.Len(t, descs, 2)
		assert.True(t, logs.Contains("Descriptor chain is longer than the queue"))
	})

	tests := []struct {
		name     string
		features virtio.Feature
		indirect Descriptor
		entries  []Descriptor
	}{
		{
			name:     "not negotiated",
			indirect: NewDescriptor(uint64(table), 3*descriptorSize, DescriptorFlagIndirect, 0),
			entries:  entries,
		},
		{
			name:     "nested",
			features: virtio.FeatureIndirectDescriptors,
			indirect: NewDescriptor(uint64(table), descriptorSize, DescriptorFlagIndirect, 0),
			entries: []Descriptor{
				NewDescriptor(uint64(table), descriptorSize, DescriptorFlagIndirect, 0),
			},
		},
		{
			name:     "zero length",
			features: virtio.FeatureIndirectDescriptors,
			indirect: NewDescriptor(uint64(table), 0, DescriptorFlagIndirect, 0),
			entries:  entries,
		},
		{
			name:     "length not a multiple of the descriptor size",
			features: virtio.FeatureIndirectDescriptors,
			indirect: NewDescriptor(uint64(table), 3*descriptorSize+1, DescriptorFlagIndirect, 0),
			entries:  entries,
		},
		{
			name:     "misaligned",
			features: virtio.FeatureIndirectDescriptors,
			indirect: NewDescriptor(uint64(table)+8, 2*descriptorSize, DescriptorFlagIndirect, 0),
			entries:  entries,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			descs, logs := newChain(t, tt.features, tt.indirect, tt.entries...)
			assert.Empty(t, descs)
			assert.True(t, logs.Contains("Invalid indirect descriptor"))
		})
	}
}

func FuzzDescriptorChain(f *testing.F) {
	const queueSize = 16

	f.Add([]byte{}, uint16(0), false)
	f.Add([]byte{
		0x00, 0x10, 0, 0, 0, 0, 0, 0, 0x10, 0, 0, 0, 0x01, 0x00, 0x00, 0x00,
	}, uint16(0), false)
	f.Add([]byte{
		0x00, 0x01, 0, 0, 0, 0, 0, 0, 0x40, 0, 0, 0, 0x04, 0x00, 0x00, 0x00,
	}, uint16(0), true)

	f.Fuzz(func(t *testing.T, table []byte, head uint16, indirect bool) {
		data := make([]byte, 0x1000)
		copy(data[:queueSize*descriptorSize], table)
		mem, err := guestmem.NewMemory(guestmem.Region{GuestPhysicalAddress: 0, Data: data})
		require.NoError(t, err)

		c := newDescriptorChain(test.NewLogger(), mem, 0, queueSize, head, indirect)
		n := len(walk(c))

		limit := queueSize
		if indirect {
			// At most one switch to a table that fits into the region.
			limit += len(data) / descriptorSize
		}
		assert.LessOrEqual(t, n, limit)
		if head >= queueSize {
			assert.Zero(t, n)
		}
	})
}
