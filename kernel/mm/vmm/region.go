package vmm

import (
	"burrowos/kernel"
	"burrowos/kernel/irq"
	"burrowos/kernel/mm"
)

var (
	// ErrOutOfMemory is returned when a physical pool cannot satisfy a
	// committed allocation.
	ErrOutOfMemory = &kernel.Error{Module: "vmm", Message: "out of physical memory"}

	// ErrPageInFailed is returned when an explicit prefetch cannot
	// materialize a page, either for lack of frames or because the inode
	// read failed.
	ErrPageInFailed = &kernel.Error{Module: "vmm", Message: "page-in from inode failed"}
)

// Region maps a contiguous virtual range of one process onto a slice of a
// VMObject. The region carries the access policy (readable, writable,
// shared) and the per-page copy-on-write flags; a page whose COW flag is
// set is always mapped read-only regardless of the writable policy.
type Region struct {
	laddr       mm.LinearAddress
	size        uint32
	offsetInVMO uint32
	vmo         *VMObject
	name        string
	readable    bool
	writable    bool
	shared      bool

	// cowMap holds one bit per page of the backing VMObject, indexed by
	// page-index-in-region.
	cowMap bitmap

	// pageDirectory is the directory this region is currently mapped
	// into, or nil.
	pageDirectory *PageDirectory

	m *MemoryManager
}

func (m *MemoryManager) newRegion(la mm.LinearAddress, size uint32, vmo *VMObject, offsetInVMO uint32, name string, readable, writable, cow bool) *Region {
	kernel.Assert(la.IsPageAligned(), "vmm", "region base not page-aligned")
	kernel.Assert(size > 0 && size%mm.PageSize == 0, "vmm", "region size not a page multiple")
	kernel.Assert(offsetInVMO%mm.PageSize == 0, "vmm", "region offset in vmobject not page-aligned")
	kernel.Assert(offsetInVMO+size <= vmo.size, "vmm", "region does not fit its vmobject")

	r := &Region{
		laddr:       la,
		size:        size,
		offsetInVMO: offsetInVMO,
		vmo:         vmo,
		name:        name,
		readable:    readable,
		writable:    writable,
		cowMap:      newBitmap(vmo.PageCount(), cow),
		m:           m,
	}
	m.registerRegion(r)
	return r
}

// NewAnonymousRegion creates a region over a fresh anonymous VMObject of
// the same size. Pages materialize zero-filled on first touch.
func (m *MemoryManager) NewAnonymousRegion(la mm.LinearAddress, size uint32, name string, readable, writable bool) *Region {
	vmo := m.CreateAnonymousVMObject(size)
	vmo.SetName(name)
	return m.newRegion(la, mm.RoundUpToPage(size), vmo, 0, name, readable, writable, false)
}

// NewFileBackedRegion creates a region over the inode's VMObject. Pages
// materialize from the inode contents on first touch.
func (m *MemoryManager) NewFileBackedRegion(la mm.LinearAddress, size uint32, inode Inode, name string, readable, writable bool) *Region {
	vmo := m.CreateFileBackedVMObject(inode, size)
	return m.newRegion(la, mm.RoundUpToPage(size), vmo, 0, name, readable, writable, false)
}

// NewRegionWithVMObject creates a region over an existing VMObject,
// consuming the caller's reference to it.
func (m *MemoryManager) NewRegionWithVMObject(la mm.LinearAddress, size uint32, vmo *VMObject, offsetInVMO uint32, name string, readable, writable bool) *Region {
	return m.newRegion(la, size, vmo, offsetInVMO, name, readable, writable, false)
}

// LinearAddress returns the virtual base of the region.
func (r *Region) LinearAddress() mm.LinearAddress { return r.laddr }

// Size returns the region size in bytes.
func (r *Region) Size() uint32 { return r.size }

// Name returns the human-readable region name.
func (r *Region) Name() string { return r.name }

// VMObject returns the backing object.
func (r *Region) VMObject() *VMObject { return r.vmo }

// IsReadable returns the readable policy flag.
func (r *Region) IsReadable() bool { return r.readable }

// IsWritable returns the writable policy flag.
func (r *Region) IsWritable() bool { return r.writable }

// IsShared returns true if clones of this region share frames instead of
// arming copy-on-write.
func (r *Region) IsShared() bool { return r.shared }

// SetShared marks the region as explicitly shared.
func (r *Region) SetShared(shared bool) { r.shared = shared }

// PageDirectory returns the directory this region is mapped into, or nil.
func (r *Region) PageDirectory() *PageDirectory { return r.pageDirectory }

// Contains reports whether la falls inside [base, base+size).
func (r *Region) Contains(la mm.LinearAddress) bool {
	return la >= r.laddr && la < r.laddr.Offset(r.size)
}

// PageIndexFromAddress returns the page index within the region for la.
func (r *Region) PageIndexFromAddress(la mm.LinearAddress) uint32 {
	kernel.Assert(r.Contains(la), "vmm", "address outside region")
	return uint32(la-r.laddr) / mm.PageSize
}

// FirstPageIndex returns the VMObject slot index of the region's first
// page.
func (r *Region) FirstPageIndex() uint32 {
	return r.offsetInVMO / mm.PageSize
}

// LastPageIndex returns the VMObject slot index of the region's last page.
func (r *Region) LastPageIndex() uint32 {
	return r.FirstPageIndex() + r.PageCount() - 1
}

// PageCount returns the number of pages the region spans.
func (r *Region) PageCount() uint32 {
	return r.size / mm.PageSize
}

// ShouldCow returns the copy-on-write flag for the page at
// page-index-in-region i.
func (r *Region) ShouldCow(i uint32) bool {
	return r.cowMap.get(i)
}

func (r *Region) setShouldCow(i uint32, v bool) {
	r.cowMap.set(i, v)
}

// Commit eagerly allocates backing frames for every still-empty page in
// the region's VMObject slice and remaps each one in the current mapping.
// On pool exhaustion the pages committed so far are retained and
// ErrOutOfMemory is returned.
func (r *Region) Commit() *kernel.Error {
	restore := irq.Disable(r.m.cpu)
	defer restore()

	r.m.log.Debug("commit", "region", r.name, "pages", r.PageCount())
	for i := uint32(0); i < r.PageCount(); i++ {
		slot := r.FirstPageIndex() + i
		if r.vmo.physicalPages[slot] != nil {
			continue
		}
		page := r.m.alloc.AllocatePage()
		if page == nil {
			r.m.log.Warn("commit could not allocate a physical page", "region", r.name)
			return ErrOutOfMemory
		}
		r.vmo.physicalPages[slot] = page
		r.m.remapRegionPage(r, i, true)
	}
	return nil
}

// Clone returns a new region covering the same virtual range, for
// installation into another address space.
//
// A shared or read-only region shares the backing VMObject by reference
// and no COW state is armed. Otherwise every page of this region becomes
// copy-on-write, its mapping loses writability, and the clone is built
// over a cloned VMObject with a fully set COW map: both sides then see the
// same frames read-only until the first write.
func (r *Region) Clone() *Region {
	restore := irq.Disable(r.m.cpu)
	defer restore()

	if r.shared || (r.readable && !r.writable) {
		clone := r.m.newRegion(r.laddr, r.size, r.vmo.Retain(), r.offsetInVMO, r.name, r.readable, r.writable, false)
		clone.shared = r.shared
		return clone
	}

	r.m.log.Debug("clone arms copy-on-write", "region", r.name, "laddr", uint32(r.laddr))
	kernel.Assert(r.pageDirectory != nil, "vmm", "cow clone of an unmapped region")
	for i := uint32(0); i < r.PageCount(); i++ {
		r.setShouldCow(i, true)
	}
	r.m.mapRegionAtAddress(r.pageDirectory, r, r.laddr, true)
	return r.m.newRegion(r.laddr, r.size, r.vmo.Clone(), r.offsetInVMO, r.name, r.readable, r.writable, true)
}

// PageIn pre-faults every page of a file-backed region through the
// inode-backing path. Used for explicit prefetch.
func (r *Region) PageIn() *kernel.Error {
	restore := irq.Disable(r.m.cpu)
	defer restore()

	kernel.Assert(r.pageDirectory != nil, "vmm", "page-in of an unmapped region")
	kernel.Assert(!r.vmo.IsAnonymous() && r.vmo.Inode() != nil, "vmm", "page-in of a non-file-backed region")

	r.m.log.Debug("page_in", "region", r.name, "pages", r.PageCount())
	for i := uint32(0); i < r.PageCount(); i++ {
		if r.vmo.physicalPages[r.FirstPageIndex()+i] == nil {
			if !r.m.pageInFromInode(r, i) {
				return ErrPageInFailed
			}
		}
		r.m.remapRegionPage(r, i, true)
	}
	return nil
}

// Committed returns the number of bytes of the region's VMObject slice
// that have materialized frames.
func (r *Region) Committed() uint32 {
	var bytes uint32
	for i := uint32(0); i < r.PageCount(); i++ {
		if r.vmo.physicalPages[r.FirstPageIndex()+i] != nil {
			bytes += mm.PageSize
		}
	}
	return bytes
}

// Release unmaps the region from its page directory, unregisters it and
// drops its reference on the backing VMObject.
func (r *Region) Release() {
	restore := irq.Disable(r.m.cpu)
	defer restore()

	if r.pageDirectory != nil {
		r.m.unmapRegion(r)
		kernel.Assert(r.pageDirectory == nil, "vmm", "region still mapped after unmap")
	}
	r.m.unregisterRegion(r)
	r.vmo.Release()
}
