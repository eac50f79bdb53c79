// Package mm defines the fundamental memory types shared by the physical and
// virtual memory subsystems: typed 32-bit physical and linear addresses and
// the page-size constants of 32-bit x86 paging.
package mm

// PhysicalAddress is a 32-bit address into physical memory. The distinct
// type prevents physical addresses from being confused with linear ones.
type PhysicalAddress uint32

// Offset returns the address advanced by o bytes.
func (pa PhysicalAddress) Offset(o uint32) PhysicalAddress {
	return pa + PhysicalAddress(o)
}

// PageBase returns the address rounded down to its page boundary.
func (pa PhysicalAddress) PageBase() PhysicalAddress {
	return pa & PhysicalAddress(PageMask)
}

// IsPageAligned returns true if the address sits on a page boundary.
func (pa PhysicalAddress) IsPageAligned() bool {
	return pa&PhysicalAddress(PageSize-1) == 0
}

// LinearAddress is a 32-bit virtual address as seen through the paging unit.
type LinearAddress uint32

// Offset returns the address advanced by o bytes.
func (la LinearAddress) Offset(o uint32) LinearAddress {
	return la + LinearAddress(o)
}

// PageBase returns the address rounded down to its page boundary.
func (la LinearAddress) PageBase() LinearAddress {
	return la & LinearAddress(PageMask)
}

// IsPageAligned returns true if the address sits on a page boundary.
func (la LinearAddress) IsPageAligned() bool {
	return la&LinearAddress(PageSize-1) == 0
}

// DirectoryIndex extracts bits [31:22], the page-directory slot for this
// address.
func (la LinearAddress) DirectoryIndex() uint32 {
	return (uint32(la) >> 22) & 0x3ff
}

// TableIndex extracts bits [21:12], the page-table slot for this address.
func (la LinearAddress) TableIndex() uint32 {
	return (uint32(la) >> 12) & 0x3ff
}

// PageOffset extracts the low 12 bits of the address.
func (la LinearAddress) PageOffset() uint32 {
	return uint32(la) & (PageSize - 1)
}

// PagesForBytes returns the number of whole pages needed to hold size bytes.
func PagesForBytes(size uint32) uint32 {
	return (size + PageSize - 1) / PageSize
}

// RoundUpToPage rounds size up to the next multiple of the page size.
func RoundUpToPage(size uint32) uint32 {
	return PagesForBytes(size) * PageSize
}
