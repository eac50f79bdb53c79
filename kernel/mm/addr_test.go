package mm

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLinearAddressIndices(t *testing.T) {
	specs := []struct {
		laddr          LinearAddress
		directoryIndex uint32
		tableIndex     uint32
		pageOffset     uint32
	}{
		{0x00000000, 0, 0, 0},
		{0x00001fff, 0, 1, 0xfff},
		{0x00400000, 1, 0, 0},
		{0x10000000, 64, 0, 0},
		{0xffc00000, 1023, 0, 0},
		{0xffffffff, 1023, 1023, 0xfff},
	}

	for _, spec := range specs {
		assert.Equal(t, spec.directoryIndex, spec.laddr.DirectoryIndex(), "directory index of %#x", uint32(spec.laddr))
		assert.Equal(t, spec.tableIndex, spec.laddr.TableIndex(), "table index of %#x", uint32(spec.laddr))
		assert.Equal(t, spec.pageOffset, spec.laddr.PageOffset(), "page offset of %#x", uint32(spec.laddr))
	}
}

func TestAddressAlignment(t *testing.T) {
	assert.True(t, PhysicalAddress(0x4000).IsPageAligned())
	assert.False(t, PhysicalAddress(0x4001).IsPageAligned())
	assert.Equal(t, PhysicalAddress(0x4000), PhysicalAddress(0x4fff).PageBase())
	assert.Equal(t, LinearAddress(0x10000000), LinearAddress(0x10000123).PageBase())
}

func TestPagesForBytes(t *testing.T) {
	specs := []struct {
		size  uint32
		pages uint32
	}{
		{0, 0},
		{1, 1},
		{PageSize, 1},
		{PageSize + 1, 2},
		{8192, 2},
	}

	for _, spec := range specs {
		assert.Equal(t, spec.pages, PagesForBytes(spec.size), "pages for %d bytes", spec.size)
		assert.Equal(t, spec.pages*PageSize, RoundUpToPage(spec.size), "round up %d bytes", spec.size)
	}
}
