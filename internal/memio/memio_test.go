package memio_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/s0duku/pybox/internal/memio"
)

func TestBufferMemoryReadWriteRoundTrip(t *testing.T) {
	m := memio.NewBufferMemory(8)
	require.Equal(t, uint32(8), m.Size())

	require.True(t, m.Write(2, []byte{1, 2, 3}))
	got, ok := m.Read(2, 3)
	require.True(t, ok)
	require.Equal(t, []byte{1, 2, 3}, got)
}

func TestBufferMemoryOutOfBounds(t *testing.T) {
	m := memio.NewBufferMemory(4)
	_, ok := m.Read(2, 4)
	require.False(t, ok)
	require.False(t, m.Write(2, []byte{1, 2, 3, 4}))
}

func TestBufferMemoryGrowZeroFills(t *testing.T) {
	m := memio.NewBufferMemory(2)
	require.True(t, m.Write(0, []byte{9, 9}))

	newSize := m.Grow(2)
	require.Equal(t, uint32(4), newSize)

	got, ok := m.Read(0, 4)
	require.True(t, ok)
	require.Equal(t, []byte{9, 9, 0, 0}, got)
}
