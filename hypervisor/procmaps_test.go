package hypervisor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMapsLine(t *testing.T) {
	r, ok, err := parseMapsLine("00400000-00452000 r-xp 00000000 08:02 173521 /usr/bin/foo")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uintptr(0x00400000), r.Begin)
	assert.Equal(t, uintptr(0x00452000), r.End)
	assert.True(t, r.Read)
	assert.False(t, r.Write)
	assert.True(t, r.Exec)
}

func TestParseMapsLineAnonymousRegion(t *testing.T) {
	r, ok, err := parseMapsLine("7f1234500000-7f1234600000 rw-p 00000000 00:00 0 ")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, r.Write)
	assert.False(t, r.Exec)
	assert.Equal(t, uintptr(0x7f1234600000-0x7f1234500000), r.End-r.Begin)
}

func TestParseMapsLineBlank(t *testing.T) {
	_, ok, err := parseMapsLine("")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestParseMapsLineMalformed(t *testing.T) {
	_, _, err := parseMapsLine("not-a-hex-range rwxp 0 0:0 0")
	require.Error(t, err)
}

func TestReadSelfMapsIncludesOwnAddressSpace(t *testing.T) {
	ranges, err := ReadSelfMaps()
	require.NoError(t, err)
	require.NotEmpty(t, ranges)
}
