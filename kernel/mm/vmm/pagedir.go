package vmm

import (
	"burrowos/kernel/cpu"
	"burrowos/kernel/hal/physmem"
	"burrowos/kernel/mm"
	"burrowos/kernel/mm/pmm"
)

// PageDirectory owns one 4 KiB frame holding the 1024 directory entries of
// an address space, plus the page-table frames hanging off the non-kernel
// slots. Directory entry 0 covers the identity-mapped bottom 4 MiB and is
// shared by reference with the kernel page directory in every process.
type PageDirectory struct {
	mem           *physmem.Memory
	cpu           *cpu.CPU
	directoryPage *pmm.PhysicalPage

	// tables maps a directory index to the handle owning the page-table
	// frame installed at that index. The kernel's page-table-zero is
	// statically located and never appears here.
	tables map[uint32]*pmm.PhysicalPage
}

// CR3 returns the physical address loaded into CR3 to activate this
// directory.
func (pd *PageDirectory) CR3() mm.PhysicalAddress {
	return pd.directoryPage.PAddr()
}

// Entry returns a view of the directory slot at index.
func (pd *PageDirectory) Entry(index uint32) PageDirectoryEntry {
	return PageDirectoryEntry{tableEntry{mem: pd.mem, addr: pd.CR3().Offset(index * 4)}}
}

// Flush invalidates the TLB entry for la, but only if this directory is
// live in CR3; an inactive directory picks the change up from the CR3
// reload at its next activation.
func (pd *PageDirectory) Flush(la mm.LinearAddress) {
	if pd.cpu.CR3() == pd.CR3() {
		pd.cpu.InvalidatePage(la)
	}
}

// Release drops the directory's ownership of its page-table frames and of
// the directory frame itself. The caller must have unmapped every region
// first.
func (pd *PageDirectory) Release() {
	for index, page := range pd.tables {
		page.Release()
		delete(pd.tables, index)
	}
	pd.directoryPage.Release()
}
