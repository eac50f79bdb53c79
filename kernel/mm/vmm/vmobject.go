package vmm

import (
	"github.com/google/uuid"

	"burrowos/kernel"
	"burrowos/kernel/irq"
	"burrowos/kernel/mm"
	"burrowos/kernel/mm/pmm"
)

// Inode is the capability the VMM needs from the filesystem: random-access
// reads and a back-reference slot tying the inode to its unique VMObject.
// The VMObject holds the strong edge to the inode; the back-reference is
// the weak edge and is cleared when the VMObject dies.
type Inode interface {
	// ReadBytes reads up to length bytes at offset into dest, returning
	// the number of bytes read. A short read means end of file.
	ReadBytes(offset, length uint32, dest []byte) (int, error)

	// VMObject returns the memory object currently paging this inode, or
	// nil.
	VMObject() *VMObject

	// SetVMObject installs or clears the back-reference.
	SetVMObject(*VMObject)
}

// VMObject is the backing-store identity of a range of pages. It owns one
// frame slot per page; empty slots are materialized by the page-fault
// handler. A VMObject may back several regions at once (shared mappings,
// copy-on-write siblings).
type VMObject struct {
	id          uuid.UUID
	name        string
	anonymous   bool
	inode       Inode
	inodeOffset uint32
	size        uint32

	// physicalPages has one slot per page. A nil slot has not been
	// materialized yet. Slots are only mutated inside the memory
	// manager's critical sections.
	physicalPages []*pmm.PhysicalPage

	retainCount uint32
	m           *MemoryManager
}

// CreateAnonymousVMObject returns a new zero-fill-on-demand object of the
// given size, rounded up to a whole number of pages.
func (m *MemoryManager) CreateAnonymousVMObject(size uint32) *VMObject {
	size = mm.RoundUpToPage(size)
	v := &VMObject{
		id:            uuid.New(),
		anonymous:     true,
		size:          size,
		physicalPages: make([]*pmm.PhysicalPage, size/mm.PageSize),
		retainCount:   1,
		m:             m,
	}
	m.registerVMObject(v)
	return v
}

// CreateFileBackedVMObject returns the object paging the given inode,
// creating it on first use. There is exactly one VMObject per inode; a
// second call returns the existing object with a fresh reference.
func (m *MemoryManager) CreateFileBackedVMObject(inode Inode, size uint32) *VMObject {
	restore := irq.Disable(m.cpu)
	defer restore()

	if existing := inode.VMObject(); existing != nil {
		return existing.Retain()
	}

	size = mm.RoundUpToPage(size)
	v := &VMObject{
		id:            uuid.New(),
		inode:         inode,
		size:          size,
		physicalPages: make([]*pmm.PhysicalPage, size/mm.PageSize),
		retainCount:   1,
		m:             m,
	}
	inode.SetVMObject(v)
	m.registerVMObject(v)
	return v
}

// CreatePhysicalWrapperVMObject returns an object whose slots are
// pre-populated with frames of the fixed physical range starting at paddr,
// outside the allocator's pools. Used for framebuffers and MMIO windows.
func (m *MemoryManager) CreatePhysicalWrapperVMObject(paddr mm.PhysicalAddress, size uint32) *VMObject {
	kernel.Assert(paddr.IsPageAligned(), "vmm", "physical wrapper base not page-aligned")
	size = mm.RoundUpToPage(size)
	v := &VMObject{
		id:            uuid.New(),
		anonymous:     true,
		size:          size,
		physicalPages: make([]*pmm.PhysicalPage, 0, size/mm.PageSize),
		retainCount:   1,
		m:             m,
	}
	for off := uint32(0); off < size; off += mm.PageSize {
		v.physicalPages = append(v.physicalPages, pmm.WrapPage(paddr.Offset(off), true))
	}
	m.registerVMObject(v)
	return v
}

// Clone returns a new object referring to the same frames, taking one
// extra reference on each populated slot. This is the mechanism that arms
// copy-on-write in the two resulting objects.
func (v *VMObject) Clone() *VMObject {
	restore := irq.Disable(v.m.cpu)
	defer restore()

	pages := make([]*pmm.PhysicalPage, len(v.physicalPages))
	for i, p := range v.physicalPages {
		if p != nil {
			pages[i] = p.Retain()
		}
	}
	clone := &VMObject{
		id:            uuid.New(),
		name:          v.name,
		anonymous:     v.anonymous,
		inode:         v.inode,
		inodeOffset:   v.inodeOffset,
		size:          v.size,
		physicalPages: pages,
		retainCount:   1,
		m:             v.m,
	}
	v.m.registerVMObject(clone)
	return clone
}

// ID returns the object's identity tag.
func (v *VMObject) ID() uuid.UUID { return v.id }

// Name returns the human-readable name, usually inherited from the first
// region created over the object.
func (v *VMObject) Name() string { return v.name }

// SetName sets the human-readable name.
func (v *VMObject) SetName(name string) { v.name = name }

// Size returns the object size in bytes (a multiple of the page size).
func (v *VMObject) Size() uint32 { return v.size }

// PageCount returns the number of page slots.
func (v *VMObject) PageCount() uint32 { return v.size / mm.PageSize }

// IsAnonymous returns true for zero-fill-on-demand objects.
func (v *VMObject) IsAnonymous() bool { return v.anonymous }

// Inode returns the backing inode, or nil.
func (v *VMObject) Inode() Inode { return v.inode }

// InodeOffset returns the byte offset into the inode where page 0 begins.
func (v *VMObject) InodeOffset() uint32 { return v.inodeOffset }

// Page returns the frame handle in slot index, or nil if the slot has not
// been materialized.
func (v *VMObject) Page(index uint32) *pmm.PhysicalPage {
	return v.physicalPages[index]
}

// Retain adds a reference and returns the object for chaining.
func (v *VMObject) Retain() *VMObject {
	kernel.Assert(v.retainCount > 0, "vmm", "retain of a dead vmobject")
	v.retainCount++
	return v
}

// Release drops one reference. When no region refers to the object any
// longer it releases its frame slots, clears the inode back-reference and
// unregisters itself.
func (v *VMObject) Release() {
	restore := irq.Disable(v.m.cpu)
	defer restore()

	kernel.Assert(v.retainCount > 0, "vmm", "release of a dead vmobject")
	v.retainCount--
	if v.retainCount > 0 {
		return
	}

	if v.inode != nil {
		kernel.Assert(v.inode.VMObject() == nil || v.inode.VMObject() == v, "vmm", "inode back-reference points at a different vmobject")
		if v.inode.VMObject() == v {
			v.inode.SetVMObject(nil)
		}
	}
	for i, p := range v.physicalPages {
		if p != nil {
			p.Release()
			v.physicalPages[i] = nil
		}
	}
	v.m.unregisterVMObject(v)
}
