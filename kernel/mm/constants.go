package mm

const (
	// PageSize is the size of a page/frame in bytes.
	PageSize uint32 = 4096

	// PageShift is the number of address bits covered by a page.
	PageShift = 12

	// PageMask selects the page-aligned part of a 32-bit address; the low
	// 12 bits of a PDE/PTE hold flags.
	PageMask uint32 = 0xfffff000

	// MB is a convenience unit for the physical memory layout.
	MB uint32 = 1 << 20
)
