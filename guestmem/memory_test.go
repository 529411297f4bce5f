package guestmem

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMemory(t *testing.T, regions ...Region) *Memory {
	m, err := NewMemory(regions...)
	require.NoError(t, err)
	return m
}

func TestNewMemory(t *testing.T) {
	tests := []struct {
		name        string
		regions     []Region
		containsErr string
	}{
		{
			name: "sorted",
			regions: []Region{
				{GuestPhysicalAddress: 0x1000, Data: make([]byte, 0x1000)},
				{GuestPhysicalAddress: 0, Data: make([]byte, 0x1000)},
			},
		},
		{
			name: "overlap",
			regions: []Region{
				{GuestPhysicalAddress: 0, Data: make([]byte, 0x1000)},
				{GuestPhysicalAddress: 0xfff, Data: make([]byte, 0x1000)},
			},
			containsErr: "overlap",
		},
		{
			name:        "empty region",
			regions:     []Region{{GuestPhysicalAddress: 0}},
			containsErr: "empty region",
		},
		{
			name:        "wraps",
			regions:     []Region{{GuestPhysicalAddress: ^GuestAddress(0), Data: make([]byte, 2)}},
			containsErr: "wraps the address space",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := NewMemory(tt.regions...)
			if tt.containsErr != "" {
				assert.ErrorContains(t, err, tt.containsErr)
				return
			}
			require.NoError(t, err)
			rs := m.Regions()
			require.Len(t, rs, 2)
			assert.Equal(t, GuestAddress(0), rs[0].GuestPhysicalAddress)
			assert.Equal(t, GuestAddress(0x1000), rs[1].GuestPhysicalAddress)
		})
	}
}

func TestFromRanges(t *testing.T) {
	m, err := FromRanges([]Range{{Base: 0, Size: 0x10000}, {Base: 0x20000, Size: 0x1000}})
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, m.Close())
	})

	assert.True(t, m.AddressInRange(0xffff))
	assert.False(t, m.AddressInRange(0x10000))
	assert.True(t, m.AddressInRange(0x20fff))

	require.NoError(t, m.StoreUint32(0x20000, 0xcafebabe))
	v, err := m.LoadUint32(0x20000)
	require.NoError(t, err)
	assert.Equal(t, uint32(0xcafebabe), v)

	_, err = FromRanges([]Range{{Base: 0, Size: 0}})
	assert.ErrorIs(t, err, ErrInvalidRange)
}

func TestMemory_ReadWrite(t *testing.T) {
	m := newTestMemory(t,
		Region{GuestPhysicalAddress: 0, Data: make([]byte, 16)},
		Region{GuestPhysicalAddress: 16, Data: make([]byte, 16)},
		Region{GuestPhysicalAddress: 64, Data: make([]byte, 16)},
	)

	// Adjacent regions form one contiguous range.
	in := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	require.NoError(t, m.Write(in, 12))
	out := make([]byte, 8)
	require.NoError(t, m.Read(out, 12))
	assert.Equal(t, in, out)

	// A hole between 32 and 64 breaks the range.
	assert.ErrorIs(t, m.Read(out, 28), ErrInvalidRange)
	assert.ErrorIs(t, m.Write(in, 28), ErrInvalidRange)
	assert.ErrorIs(t, m.Read(out, 40), ErrInvalidGuestAddress)

	// A failed write leaves memory untouched.
	check := make([]byte, 4)
	require.NoError(t, m.Read(check, 28))
	assert.Equal(t, []byte{0, 0, 0, 0}, check)

	assert.NoError(t, m.Read(nil, 1000))
}

func TestMemory_CheckRange(t *testing.T) {
	m := newTestMemory(t,
		Region{GuestPhysicalAddress: 0x1000, Data: make([]byte, 0x1000)},
		Region{GuestPhysicalAddress: 0x2000, Data: make([]byte, 0x1000)},
	)

	assert.True(t, m.CheckRange(0x1000, 0x2000))
	assert.False(t, m.CheckRange(0x1000, 0x2001))
	assert.False(t, m.CheckRange(0xfff, 2))
	assert.True(t, m.CheckRange(0x2fff, 0))
	assert.False(t, m.CheckRange(0x3000, 0))
	assert.False(t, m.CheckRange(0x2fff, ^uint64(0)))
}

func TestMemory_Slice(t *testing.T) {
	data := make([]byte, 32)
	m := newTestMemory(t,
		Region{GuestPhysicalAddress: 0x100, Data: data},
		Region{GuestPhysicalAddress: 0x120, Data: make([]byte, 32)},
	)

	s, err := m.Slice(0x104, 4)
	require.NoError(t, err)
	s[0] = 0xaa
	assert.Equal(t, byte(0xaa), data[4])

	s, err = m.Slice(0x11f, 0)
	require.NoError(t, err)
	assert.Empty(t, s)

	// Zero copy views do not cross regions.
	_, err = m.Slice(0x11c, 8)
	assert.ErrorIs(t, err, ErrInvalidRange)

	_, err = m.Slice(0x200, 1)
	assert.ErrorIs(t, err, ErrInvalidGuestAddress)
}

func TestMemory_LoadStoreUint16(t *testing.T) {
	data := make([]byte, 16)
	m := newTestMemory(t, Region{GuestPhysicalAddress: 0x1000, Data: data})

	for i := range data {
		data[i] = 0xee
	}

	// Both halves of two consecutive words.
	for off := uint64(0); off < 4; off++ {
		addr := GuestAddress(0x1004 + off*2)
		require.NoError(t, m.StoreUint16(addr, uint16(0x1100+off)))
		v, err := m.LoadUint16(addr)
		require.NoError(t, err)
		assert.Equal(t, uint16(0x1100+off), v)
	}
	assert.Equal(t, []byte{
		0xee, 0xee, 0xee, 0xee,
		0x00, 0x11, 0x01, 0x11,
		0x02, 0x11, 0x03, 0x11,
		0xee, 0xee, 0xee, 0xee,
	}, data)

	// Straddles two words.
	require.NoError(t, m.StoreUint16(0x1003, 0x3412))
	assert.Equal(t, []byte{0xee, 0xee, 0xee, 0x12, 0x34, 0x11}, data[:6])
	v, err := m.LoadUint16(0x1003)
	require.NoError(t, err)
	assert.Equal(t, uint16(0x3412), v)

	_, err = m.LoadUint16(0x100f)
	assert.ErrorIs(t, err, ErrInvalidRange)
	assert.ErrorIs(t, m.StoreUint16(0x2000, 1), ErrInvalidGuestAddress)
}

func TestMemory_LoadUint16_RegionEdge(t *testing.T) {
	// Shift the region by one byte so the enclosing word would start before it.
	buf := make([]byte, 9)
	m := newTestMemory(t, Region{GuestPhysicalAddress: 0, Data: buf[1:]})

	buf[1] = 0x34
	buf[2] = 0x12
	v, err := m.LoadUint16(0)
	require.NoError(t, err)
	assert.Equal(t, uint16(0x1234), v)

	require.NoError(t, m.StoreUint16(0, 0xbeef))
	assert.Equal(t, []byte{0x00, 0xef, 0xbe}, buf[:3])
}

func TestMemory_LoadUint32_64(t *testing.T) {
	data := make([]byte, 24)
	m := newTestMemory(t, Region{GuestPhysicalAddress: 0, Data: data})
	copy(data, []byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08, 0x09})

	v32, err := m.LoadUint32(0)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x04030201), v32)

	v32, err = m.LoadUint32(1)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x05040302), v32)

	v64, err := m.LoadUint64(0)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x0807060504030201), v64)

	v64, err = m.LoadUint64(1)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x0908070605040302), v64)

	require.NoError(t, m.StoreUint32(17, 0xa1b2c3d4))
	assert.Equal(t, []byte{0xd4, 0xc3, 0xb2, 0xa1}, data[17:21])

	_, err = m.LoadUint64(20)
	assert.ErrorIs(t, err, ErrInvalidRange)
}
