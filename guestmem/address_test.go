package guestmem

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGuestAddress_CheckedAdd(t *testing.T) {
	a, ok := GuestAddress(0x1000).CheckedAdd(0x10)
	assert.True(t, ok)
	assert.Equal(t, GuestAddress(0x1010), a)

	_, ok = GuestAddress(math.MaxUint64).CheckedAdd(1)
	assert.False(t, ok)

	a, ok = GuestAddress(math.MaxUint64 - 1).CheckedAdd(1)
	assert.True(t, ok)
	assert.Equal(t, GuestAddress(math.MaxUint64), a)
}

func TestGuestAddress_UncheckedAdd(t *testing.T) {
	assert.Equal(t, GuestAddress(1), GuestAddress(math.MaxUint64).UncheckedAdd(2))
}

func TestGuestAddress_CheckedOffsetFrom(t *testing.T) {
	off, ok := GuestAddress(0x1010).CheckedOffsetFrom(0x1000)
	assert.True(t, ok)
	assert.Equal(t, uint64(0x10), off)

	_, ok = GuestAddress(0xfff).CheckedOffsetFrom(0x1000)
	assert.False(t, ok)
}

func TestGuestAddress_IsAligned(t *testing.T) {
	assert.True(t, GuestAddress(0x1000).IsAligned(16))
	assert.False(t, GuestAddress(0x1002).IsAligned(4))
	assert.True(t, GuestAddress(0x1002).IsAligned(2))
}

func TestGuestAddress_String(t *testing.T) {
	assert.Equal(t, "0xdead", GuestAddress(0xdead).String())
}
