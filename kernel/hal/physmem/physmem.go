// Package physmem models the machine's physical memory as a flat byte
// array. Page tables live inside this array and are read and written as
// little-endian 32-bit words, exactly as the paging unit would see them.
package physmem

import (
	"encoding/binary"

	"burrowos/kernel"
	"burrowos/kernel/mm"
)

// Memory is the physical address space of the simulated machine. All
// accesses are bounds-checked; an out-of-range physical address means the
// kernel handed the paging hardware a corrupt frame pointer, which is not
// recoverable.
type Memory struct {
	data []byte
}

// New returns a zero-filled physical memory of the given size in bytes.
func New(size uint32) *Memory {
	kernel.Assert(size%mm.PageSize == 0, "physmem", "memory size must be page-aligned")
	return &Memory{data: make([]byte, size)}
}

// Size returns the memory size in bytes.
func (m *Memory) Size() uint32 {
	return uint32(len(m.data))
}

// Contains reports whether the n-byte range starting at pa lies inside
// physical memory.
func (m *Memory) Contains(pa mm.PhysicalAddress, n uint32) bool {
	return uint64(pa)+uint64(n) <= uint64(len(m.data))
}

func (m *Memory) check(pa mm.PhysicalAddress, n uint32) {
	if !m.Contains(pa, n) {
		kernel.Panic("physmem", "physical access out of range")
	}
}

// Word reads the little-endian 32-bit word at pa. This is how PDE and PTE
// contents are fetched during a table walk.
func (m *Memory) Word(pa mm.PhysicalAddress) uint32 {
	m.check(pa, 4)
	return binary.LittleEndian.Uint32(m.data[pa:])
}

// SetWord stores a little-endian 32-bit word at pa.
func (m *Memory) SetWord(pa mm.PhysicalAddress, v uint32) {
	m.check(pa, 4)
	binary.LittleEndian.PutUint32(m.data[pa:], v)
}

// Slice returns the n bytes of physical memory starting at pa. The returned
// slice aliases the underlying memory.
func (m *Memory) Slice(pa mm.PhysicalAddress, n uint32) []byte {
	m.check(pa, n)
	return m.data[pa : uint32(pa)+n : uint32(pa)+n]
}

// ZeroPage clears the frame at pa.
func (m *Memory) ZeroPage(pa mm.PhysicalAddress) {
	kernel.Assert(pa.IsPageAligned(), "physmem", "ZeroPage on unaligned address")
	page := m.Slice(pa, mm.PageSize)
	for i := range page {
		page[i] = 0
	}
}

// CopyPage copies the frame at src into the frame at dst.
func (m *Memory) CopyPage(dst, src mm.PhysicalAddress) {
	kernel.Assert(dst.IsPageAligned() && src.IsPageAligned(), "physmem", "CopyPage on unaligned address")
	copy(m.Slice(dst, mm.PageSize), m.Slice(src, mm.PageSize))
}
