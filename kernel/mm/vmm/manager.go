package vmm

import (
	"log/slog"

	"burrowos/kernel"
	"burrowos/kernel/cpu"
	"burrowos/kernel/hal"
	"burrowos/kernel/hal/physmem"
	"burrowos/kernel/irq"
	"burrowos/kernel/kfmt"
	"burrowos/kernel/mm"
	"burrowos/kernel/mm/pmm"
)

// Boot-time physical memory layout.
//
//	0      -> 512 KiB   kernel image; root page directory and PDE 0
//	1 MiB  -> 2 MiB     eternal kmalloc arena
//	2 MiB  -> 4 MiB     supervisor physical pool
//	4 MiB  -> 32 MiB    user physical pool; topmost frame reserved for quickmap
const (
	kernelPageDirectoryAddr mm.PhysicalAddress = 0x4000
	pageTableZeroAddr       mm.PhysicalAddress = 0x6000

	supervisorPoolStart = mm.PhysicalAddress(2 * mm.MB)
	supervisorPoolEnd   = mm.PhysicalAddress(4 * mm.MB)
	userPoolStart       = mm.PhysicalAddress(4 * mm.MB)
	userPoolEnd         = mm.PhysicalAddress(hal.MachineMemorySize)

	identityMappingSize = 4 * mm.MB
)

// MemoryManager owns the paging hardware: the physical pools, the kernel
// page directory, the registries of live regions and VMObjects, and the
// quickmap slot. There is exactly one, installed by Initialize.
type MemoryManager struct {
	mem   *physmem.Memory
	cpu   *cpu.CPU
	alloc *pmm.Allocator

	kernelPageDirectory *PageDirectory
	pageTableZero       mm.PhysicalAddress

	quickmapAddr  mm.LinearAddress
	quickmapInUse bool

	regions map[*Region]struct{}
	vmos    map[*VMObject]struct{}

	current *Process

	log *slog.Logger
}

var theMM *MemoryManager

// MM returns the singleton memory manager. It panics if Initialize has not
// run; the accessor exists so that early-boot ordering mistakes fail loudly
// instead of dereferencing nil deep inside a fault path.
func MM() *MemoryManager {
	kernel.Assert(theMM != nil, "vmm", "memory manager not initialized")
	return theMM
}

// Initialize brings up paging on the supplied machine: it installs the
// kernel page directory at its fixed physical address, protects the null
// page, identity-maps the bottom 4 MiB supervisor-only, builds the two
// physical pools, reserves the quickmap slot and wires the page-fault
// vector. The returned manager is also installed as the singleton.
func Initialize(machine *hal.Machine) *MemoryManager {
	m := &MemoryManager{
		mem:           machine.Mem,
		cpu:           machine.CPU,
		pageTableZero: pageTableZeroAddr,
		regions:       make(map[*Region]struct{}),
		vmos:          make(map[*VMObject]struct{}),
		log:           kfmt.Logger("vmm"),
	}

	m.kernelPageDirectory = &PageDirectory{
		mem:           m.mem,
		cpu:           m.cpu,
		directoryPage: pmm.WrapPage(kernelPageDirectoryAddr, true),
		tables:        make(map[uint32]*pmm.PhysicalPage),
	}
	m.mem.ZeroPage(kernelPageDirectoryAddr)
	m.mem.ZeroPage(m.pageTableZero)

	// Make null dereferences fault.
	m.mapProtected(0, mm.PageSize)

	// The bottom 4 MiB (except for the null page) are identity mapped and
	// supervisor only. Every process shares these mappings through PDE 0.
	m.createIdentityMapping(m.kernelPageDirectory, mm.LinearAddress(mm.PageSize), identityMappingSize-mm.PageSize)

	m.alloc = pmm.NewAllocator(m.cpu, supervisorPoolStart, supervisorPoolEnd, userPoolStart, userPoolEnd)

	// The topmost user frame never reaches the pool again; its physical
	// address doubles as the linear address of the quickmap slot.
	quickmapFrame := m.alloc.TakeLastUserPage()
	m.quickmapAddr = mm.LinearAddress(quickmapFrame.PAddr())

	m.cpu.LoadCR3(m.kernelPageDirectory.CR3())
	irq.HandlePageFault(m.cpu, m.HandlePageFault)

	m.log.Info("paging initialized",
		"kernel_cr3", uint32(m.kernelPageDirectory.CR3()),
		"quickmap", uint32(m.quickmapAddr),
		"supervisor_frames", m.alloc.FreeSupervisorPages(),
		"user_frames", m.alloc.FreeUserPages())

	theMM = m
	return m
}

// Allocator exposes the physical-frame allocator for inspection.
func (m *MemoryManager) Allocator() *pmm.Allocator { return m.alloc }

// KernelPageDirectory returns the kernel's page directory.
func (m *MemoryManager) KernelPageDirectory() *PageDirectory { return m.kernelPageDirectory }

// QuickmapAddress returns the reserved quickmap linear address.
func (m *MemoryManager) QuickmapAddress() mm.LinearAddress { return m.quickmapAddr }

// CurrentProcess returns the process whose address space is active.
func (m *MemoryManager) CurrentProcess() *Process { return m.current }

// AllocatePhysicalPage pops a frame from the user pool, or nil when the
// pool is empty.
func (m *MemoryManager) AllocatePhysicalPage() *pmm.PhysicalPage {
	return m.alloc.AllocatePage()
}

// AllocateSupervisorPhysicalPage pops a frame from the supervisor pool, or
// nil when the pool is empty.
func (m *MemoryManager) AllocateSupervisorPhysicalPage() *pmm.PhysicalPage {
	return m.alloc.AllocateSupervisorPage()
}

// NewPageDirectory allocates and populates a page directory for a new
// process: a zeroed supervisor frame whose entry 0 is copied from the
// kernel directory, sharing the identity-mapped bottom 4 MiB.
func (m *MemoryManager) NewPageDirectory() *PageDirectory {
	restore := irq.Disable(m.cpu)
	defer restore()

	page := m.alloc.AllocateSupervisorPage()
	if page == nil {
		kernel.Panic("vmm", "out of supervisor pages for page directory")
	}
	m.mem.ZeroPage(page.PAddr())

	pd := &PageDirectory{
		mem:           m.mem,
		cpu:           m.cpu,
		directoryPage: page,
		tables:        make(map[uint32]*pmm.PhysicalPage),
	}
	m.mem.SetWord(pd.CR3(), m.mem.Word(m.kernelPageDirectory.CR3()))
	return pd
}

// allocatePageTable draws a supervisor frame for the page table at the
// given directory index, zero-fills it and records ownership in the
// directory.
func (m *MemoryManager) allocatePageTable(pd *PageDirectory, index uint32) *pmm.PhysicalPage {
	_, exists := pd.tables[index]
	kernel.Assert(!exists, "vmm", "page table already allocated for directory index")

	page := m.alloc.AllocateSupervisorPage()
	if page == nil {
		kernel.Panic("vmm", "out of supervisor pages for page table")
	}
	m.mem.ZeroPage(page.PAddr())
	pd.tables[index] = page
	return page
}

// ensurePTE guarantees that the page table covering la exists in pd and
// returns a view of the page-table entry for la.
//
// Directory index 0 is special: it is pointed at the statically located
// kernel page-table-zero, installing the supervisor-only identity window
// every process shares. Any other missing slot gets a fresh supervisor
// frame, marked present, writable and user-allowed; individual page
// permissions are set on the PTEs.
func (m *MemoryManager) ensurePTE(pd *PageDirectory, la mm.LinearAddress) PageTableEntry {
	irq.AssertDisabled(m.cpu)

	directoryIndex := la.DirectoryIndex()
	tableIndex := la.TableIndex()

	pde := pd.Entry(directoryIndex)
	if !pde.IsPresent() {
		if directoryIndex == 0 {
			kernel.Assert(pd == m.kernelPageDirectory, "vmm", "PDE 0 populated outside the kernel directory")
			pde.SetPageTableBase(m.pageTableZero)
			pde.SetUserAllowed(false)
			pde.SetPresent(true)
			pde.SetWritable(true)
		} else {
			kernel.Assert(pd != m.kernelPageDirectory, "vmm", "kernel directory must not grow past PDE 0")
			table := m.allocatePageTable(pd, directoryIndex)
			m.log.Debug("allocated page table",
				"directory_index", directoryIndex, "paddr", uint32(table.PAddr()))
			pde.SetPageTableBase(table.PAddr())
			pde.SetUserAllowed(true)
			pde.SetPresent(true)
			pde.SetWritable(true)
		}
	}

	return PageTableEntry{tableEntry{mem: m.mem, addr: pde.PageTableBase().Offset(tableIndex * 4)}}
}

// mapProtected wires the given kernel range not-present so that any access
// faults, with the identity base address recorded for diagnostics.
func (m *MemoryManager) mapProtected(la mm.LinearAddress, length uint32) {
	restore := irq.Disable(m.cpu)
	defer restore()

	for offset := uint32(0); offset < length; offset += mm.PageSize {
		pteAddr := la.Offset(offset)
		pte := m.ensurePTE(m.kernelPageDirectory, pteAddr)
		pte.SetPhysicalPageBase(mm.PhysicalAddress(pteAddr))
		pte.SetUserAllowed(false)
		pte.SetPresent(false)
		pte.SetWritable(false)
		m.cpu.InvalidatePage(pteAddr)
	}
}

// createIdentityMapping maps [la, la+size) onto the physical range of the
// same addresses, supervisor-only.
func (m *MemoryManager) createIdentityMapping(pd *PageDirectory, la mm.LinearAddress, size uint32) {
	restore := irq.Disable(m.cpu)
	defer restore()

	kernel.Assert(la.IsPageAligned(), "vmm", "identity mapping base not page-aligned")
	for offset := uint32(0); offset < size; offset += mm.PageSize {
		pteAddr := la.Offset(offset)
		pte := m.ensurePTE(pd, pteAddr)
		pte.SetPhysicalPageBase(mm.PhysicalAddress(pteAddr))
		pte.SetUserAllowed(false)
		pte.SetPresent(true)
		pte.SetWritable(true)
		pd.Flush(pteAddr)
	}
}

// removeIdentityMapping tears down a range established by
// createIdentityMapping.
func (m *MemoryManager) removeIdentityMapping(pd *PageDirectory, la mm.LinearAddress, size uint32) {
	restore := irq.Disable(m.cpu)
	defer restore()

	kernel.Assert(la.IsPageAligned(), "vmm", "identity mapping base not page-aligned")
	for offset := uint32(0); offset < size; offset += mm.PageSize {
		pteAddr := la.Offset(offset)
		pte := m.ensurePTE(pd, pteAddr)
		pte.SetPhysicalPageBase(0)
		pte.SetUserAllowed(false)
		pte.SetPresent(false)
		pte.SetWritable(false)
		pd.Flush(pteAddr)
	}
}

// quickmapPage maps the frame at the reserved quickmap slot of the current
// address space and returns the slot's linear address. The slot is
// single-use: it must be released with unquickmapPage before any operation
// that may yield.
func (m *MemoryManager) quickmapPage(page *pmm.PhysicalPage) mm.LinearAddress {
	irq.AssertDisabled(m.cpu)
	kernel.Assert(!m.quickmapInUse, "vmm", "quickmap slot already in use")
	kernel.Assert(m.current != nil, "vmm", "quickmap with no current process")
	m.quickmapInUse = true

	pte := m.ensurePTE(m.current.pageDir, m.quickmapAddr)
	pte.SetPhysicalPageBase(page.PAddr())
	pte.SetPresent(true)
	pte.SetWritable(true)
	pte.SetUserAllowed(false)
	m.cpu.InvalidatePage(m.quickmapAddr)
	kernel.Assert(pte.PhysicalPageBase() == page.PAddr(), "vmm", "quickmap PTE readback mismatch")
	return m.quickmapAddr
}

// unquickmapPage releases the quickmap slot.
func (m *MemoryManager) unquickmapPage() {
	irq.AssertDisabled(m.cpu)
	kernel.Assert(m.quickmapInUse, "vmm", "unquickmap of an idle slot")

	pte := m.ensurePTE(m.current.pageDir, m.quickmapAddr)
	pte.SetPhysicalPageBase(0)
	pte.SetPresent(false)
	pte.SetWritable(false)
	m.cpu.InvalidatePage(m.quickmapAddr)
	m.quickmapInUse = false
}

// MapRegion installs PTEs for the region at its own base address in the
// process's page directory.
func (m *MemoryManager) MapRegion(p *Process, r *Region) {
	m.mapRegionAtAddress(p.pageDir, r, r.laddr, true)
}

// RemapRegion re-installs the region's PTEs in the process's directory,
// refreshing permissions after a policy or COW change.
func (m *MemoryManager) RemapRegion(p *Process, r *Region) {
	restore := irq.Disable(m.cpu)
	defer restore()

	m.mapRegionAtAddress(p.pageDir, r, r.laddr, true)
}

// mapRegionAtAddress installs one PTE per region page in pd. Populated
// VMObject slots map present, with writability gated by the region policy
// and the page's COW flag; empty slots map not-present with the policy
// recorded for the later materialization.
func (m *MemoryManager) mapRegionAtAddress(pd *PageDirectory, r *Region, la mm.LinearAddress, userAllowed bool) {
	restore := irq.Disable(m.cpu)
	defer restore()

	r.pageDirectory = pd
	for i := uint32(0); i < r.PageCount(); i++ {
		pageLaddr := la.Offset(i * mm.PageSize)
		pte := m.ensurePTE(pd, pageLaddr)
		page := r.vmo.physicalPages[r.FirstPageIndex()+i]
		if page != nil {
			pte.SetPhysicalPageBase(page.PAddr())
			pte.SetPresent(true)
			pte.SetWritable(r.writable && !r.ShouldCow(i))
		} else {
			pte.SetPhysicalPageBase(0)
			pte.SetPresent(false)
			pte.SetWritable(r.writable)
		}
		pte.SetUserAllowed(userAllowed)
		pd.Flush(pageLaddr)
	}
}

// remapRegionPage is the single-page variant used by the fault handlers
// after materializing a frame.
func (m *MemoryManager) remapRegionPage(r *Region, i uint32, userAllowed bool) {
	restore := irq.Disable(m.cpu)
	defer restore()

	kernel.Assert(r.pageDirectory != nil, "vmm", "remap of an unmapped region")
	pageLaddr := r.laddr.Offset(i * mm.PageSize)
	pte := m.ensurePTE(r.pageDirectory, pageLaddr)
	page := r.vmo.physicalPages[r.FirstPageIndex()+i]
	kernel.Assert(page != nil, "vmm", "remap of an unmaterialized page")
	pte.SetPhysicalPageBase(page.PAddr())
	pte.SetPresent(true)
	pte.SetWritable(r.writable && !r.ShouldCow(i))
	pte.SetUserAllowed(userAllowed)
	r.pageDirectory.Flush(pageLaddr)
}

// unmapRegion clears every PTE of the region and detaches it from its page
// directory.
func (m *MemoryManager) unmapRegion(r *Region) {
	restore := irq.Disable(m.cpu)
	defer restore()

	kernel.Assert(r.pageDirectory != nil, "vmm", "unmap of an unmapped region")
	for i := uint32(0); i < r.PageCount(); i++ {
		pageLaddr := r.laddr.Offset(i * mm.PageSize)
		pte := m.ensurePTE(r.pageDirectory, pageLaddr)
		pte.SetPhysicalPageBase(0)
		pte.SetPresent(false)
		pte.SetWritable(false)
		pte.SetUserAllowed(false)
		r.pageDirectory.Flush(pageLaddr)
	}
	r.pageDirectory = nil
}

// UnmapRegion removes the region's PTEs from the directory it is mapped
// into.
func (m *MemoryManager) UnmapRegion(r *Region) {
	m.unmapRegion(r)
}

// EnterProcessPagingScope activates the process's address space: it
// becomes the current process and its directory is loaded into CR3, which
// also flushes the TLB of the outgoing address space.
func (m *MemoryManager) EnterProcessPagingScope(p *Process) {
	restore := irq.Disable(m.cpu)
	defer restore()

	m.current = p
	m.cpu.LoadCR3(p.pageDir.CR3())
}

// FlushEntireTLB reloads CR3, dropping every cached translation.
func (m *MemoryManager) FlushEntireTLB() {
	m.cpu.LoadCR3(m.cpu.CR3())
}

// regionFromLaddr finds the region of the process containing la.
//
// TODO: replace the linear scan with an ordered lookup once processes
// carry more than a handful of regions.
func (m *MemoryManager) regionFromLaddr(p *Process, la mm.LinearAddress) *Region {
	irq.AssertDisabled(m.cpu)

	for _, r := range p.regions {
		if r.Contains(la) {
			return r
		}
	}
	m.log.Warn("no region for address",
		"process", p.name, "pid", p.pid, "laddr", uint32(la), "cr3", uint32(p.pageDir.CR3()))
	return nil
}

func (m *MemoryManager) registerVMObject(v *VMObject) {
	restore := irq.Disable(m.cpu)
	defer restore()
	m.vmos[v] = struct{}{}
}

func (m *MemoryManager) unregisterVMObject(v *VMObject) {
	restore := irq.Disable(m.cpu)
	defer restore()
	delete(m.vmos, v)
}

func (m *MemoryManager) registerRegion(r *Region) {
	restore := irq.Disable(m.cpu)
	defer restore()
	m.regions[r] = struct{}{}
}

func (m *MemoryManager) unregisterRegion(r *Region) {
	restore := irq.Disable(m.cpu)
	defer restore()
	delete(m.regions, r)
}
