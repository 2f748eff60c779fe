package hypervisor

import (
	"testing"

	"github.com/stretchr/testify/require"
)

const testPhysMemBase uintptr = 0x78000000

func TestPhysicalMemoryAllocPagesBumpsCursor(t *testing.T) {
	pm, err := NewPhysicalMemory(testPhysMemBase)
	require.NoError(t, err)
	defer pm.Close()

	a := pm.AllocPages(1)
	b := pm.AllocPages(2)
	require.Equal(t, a+basePageSize, b, "second allocation must start after the first")
}

func TestPhysicalMemoryAllocPagesNonOverlapping(t *testing.T) {
	pm, err := NewPhysicalMemory(testPhysMemBase + 0x01000000)
	require.NoError(t, err)
	defer pm.Close()

	seen := make(map[uintptr]bool)
	for i := 0; i < 16; i++ {
		addr := pm.AllocPages(1)
		require.False(t, seen[addr], "address %#x handed out twice", addr)
		seen[addr] = true
	}
}

func TestPhysicalMemoryOOMPanics(t *testing.T) {
	pm, err := NewPhysicalMemory(testPhysMemBase + 0x02000000)
	require.NoError(t, err)
	defer pm.Close()

	require.Panics(t, func() {
		pm.AllocPages(uint64(pm.Len())/basePageSize + 1)
	})
}

func TestPhysicalMemoryAsSliceMatchesLen(t *testing.T) {
	pm, err := NewPhysicalMemory(testPhysMemBase + 0x03000000)
	require.NoError(t, err)
	defer pm.Close()

	require.Len(t, pm.AsSlice(), pm.Len())
	require.Equal(t, pm.Offset(), testPhysMemBase+0x03000000)
}
