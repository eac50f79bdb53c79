package vmm

import (
	"burrowos/kernel"
	"burrowos/kernel/cpu"
	"burrowos/kernel/irq"
	"burrowos/kernel/mm"
)

// HandlePageFault is the page-fault exception entry point. It is called
// with interrupts disabled, classifies the fault against the current
// process's regions and dispatches to demand-zero, demand-paging or
// copy-on-write. Recovery is strictly local to the faulting process: the
// answer is either Continue (retry the access) or ShouldCrash (the caller
// terminates the process).
func (m *MemoryManager) HandlePageFault(fault cpu.PageFault) cpu.PageFaultResponse {
	irq.AssertDisabled(m.cpu)
	kernel.Assert(fault.Address.PageBase() != m.quickmapAddr, "vmm", "page fault at the quickmap address")

	if m.current == nil {
		m.log.Warn("page fault with no current process", "laddr", uint32(fault.Address))
		return cpu.ShouldCrash
	}

	region := m.regionFromLaddr(m.current, fault.Address)
	if region == nil {
		m.log.Warn("NP(error) fault at invalid address", "laddr", uint32(fault.Address))
		return cpu.ShouldCrash
	}
	pageIndexInRegion := region.PageIndexFromAddress(fault.Address)

	if fault.IsNotPresent() {
		if region.vmo.Inode() != nil {
			m.log.Debug("NP(inode) fault", "region", region.name, "page", pageIndexInRegion)
			if !m.pageInFromInode(region, pageIndexInRegion) {
				return cpu.ShouldCrash
			}
			return cpu.Continue
		}
		m.log.Debug("NP(zero) fault", "region", region.name, "page", pageIndexInRegion)
		if !m.zeroPage(region, pageIndexInRegion) {
			return cpu.ShouldCrash
		}
		return cpu.Continue
	}

	// Protection violation.
	if region.ShouldCow(pageIndexInRegion) {
		m.log.Debug("PV(cow) fault", "region", region.name, "page", pageIndexInRegion)
		m.copyOnWrite(region, pageIndexInRegion)
		return cpu.Continue
	}

	m.log.Warn("PV(error) fault", "region", region.name, "page", pageIndexInRegion, "laddr", uint32(fault.Address))
	return cpu.ShouldCrash
}

// zeroPage materializes a zero-filled frame for an anonymous page: it
// draws a user frame, zeroes it through the quickmap slot, installs it in
// the VMObject and remaps the page with its real permissions.
func (m *MemoryManager) zeroPage(r *Region, pageIndexInRegion uint32) bool {
	irq.AssertDisabled(m.cpu)

	page := m.alloc.AllocatePage()
	if page == nil {
		m.log.Warn("zero_page could not allocate a physical page", "region", r.name)
		return false
	}

	la := m.quickmapPage(page)
	if err := m.cpu.WriteBytes(la, zeroedPage[:], false); err != nil {
		kernel.Panic("vmm", "quickmap write faulted")
	}
	m.unquickmapPage()

	r.setShouldCow(pageIndexInRegion, false)
	r.vmo.physicalPages[r.FirstPageIndex()+pageIndexInRegion] = page
	m.remapRegionPage(r, pageIndexInRegion, true)
	return true
}

// copyOnWrite resolves a write to a COW page. If the current frame has a
// single holder the copy is skipped and the page simply regains
// writability; otherwise the contents are copied into a fresh frame which
// replaces the shared one in this region's VMObject.
func (m *MemoryManager) copyOnWrite(r *Region, pageIndexInRegion uint32) {
	irq.AssertDisabled(m.cpu)

	slot := r.FirstPageIndex() + pageIndexInRegion
	shared := r.vmo.physicalPages[slot]
	kernel.Assert(shared != nil, "vmm", "cow fault on an unmaterialized page")

	if shared.RetainCount() == 1 {
		// Every sibling has already taken its copy; the last holder owns
		// the frame outright and just regains write permission.
		m.log.Debug("cow short-circuit", "region", r.name, "page", pageIndexInRegion)
		r.setShouldCow(pageIndexInRegion, false)
		m.remapRegionPage(r, pageIndexInRegion, true)
		return
	}

	page := m.alloc.AllocatePage()
	if page == nil {
		kernel.Panic("vmm", "out of physical memory during copy-on-write")
	}

	var buf [mm.PageSize]byte
	srcLaddr := r.laddr.Offset(pageIndexInRegion * mm.PageSize)
	if err := m.cpu.ReadBytes(srcLaddr, buf[:], false); err != nil {
		kernel.Panic("vmm", "cow source read faulted")
	}
	dstLaddr := m.quickmapPage(page)
	if err := m.cpu.WriteBytes(dstLaddr, buf[:], false); err != nil {
		kernel.Panic("vmm", "quickmap write faulted")
	}
	m.unquickmapPage()

	m.log.Debug("cow copy",
		"region", r.name, "page", pageIndexInRegion,
		"from", uint32(shared.PAddr()), "to", uint32(page.PAddr()))

	r.vmo.physicalPages[slot] = page
	shared.Release()
	r.setShouldCow(pageIndexInRegion, false)
	m.remapRegionPage(r, pageIndexInRegion, true)
}

// pageInFromInode materializes a file-backed page. The frame is installed
// and remapped before the read so the inode data can be written straight
// into the faulting virtual page; interrupts are re-enabled around the
// read because disk I/O may block, and re-disabled before returning.
func (m *MemoryManager) pageInFromInode(r *Region, pageIndexInRegion uint32) bool {
	irq.AssertDisabled(m.cpu)
	kernel.Assert(r.pageDirectory != nil, "vmm", "page-in of an unmapped region")
	kernel.Assert(!r.vmo.IsAnonymous() && r.vmo.Inode() != nil, "vmm", "page-in of a non-file-backed vmobject")

	slot := r.FirstPageIndex() + pageIndexInRegion
	if r.vmo.physicalPages[slot] != nil {
		// A fault on this page completed while an earlier page-in had
		// interrupts enabled; keep the frame that won.
		m.remapRegionPage(r, pageIndexInRegion, true)
		return true
	}

	page := m.alloc.AllocatePage()
	if page == nil {
		m.log.Warn("page_in_from_inode could not allocate a physical page", "region", r.name)
		return false
	}
	r.vmo.physicalPages[slot] = page
	m.remapRegionPage(r, pageIndexInRegion, true)

	destLaddr := r.laddr.Offset(pageIndexInRegion * mm.PageSize)
	offset := r.vmo.InodeOffset() + slot*mm.PageSize

	var buf [mm.PageSize]byte
	m.cpu.EnableInterrupts() // the inode read may block
	nread, err := r.vmo.Inode().ReadBytes(offset, mm.PageSize, buf[:])
	if err != nil {
		m.cpu.DisableInterrupts()
		m.log.Warn("page_in_from_inode read failed", "region", r.name, "err", err)
		return false
	}
	// Anything past a short read stays zero so no stale data leaks in.
	for i := nread; i < len(buf); i++ {
		buf[i] = 0
	}
	if werr := m.cpu.WriteBytes(destLaddr, buf[:], false); werr != nil {
		m.cpu.DisableInterrupts()
		kernel.Panic("vmm", "page-in destination write faulted")
	}
	m.cpu.DisableInterrupts()
	return true
}

// zeroedPage is the demand-zero fill pattern.
var zeroedPage [mm.PageSize]byte
