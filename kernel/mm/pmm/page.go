// Package pmm owns physical memory: refcounted handles to 4 KiB frames and
// the two free-frame pools (supervisor and user) they are drawn from.
package pmm

import (
	"burrowos/kernel"
	"burrowos/kernel/irq"
	"burrowos/kernel/mm"
)

// PhysicalPage is a shared-ownership handle to one physical frame. Holders
// call Retain to add a reference and Release to drop one; when the last
// reference is dropped the frame returns to the free list of the pool it
// was drawn from.
type PhysicalPage struct {
	paddr       mm.PhysicalAddress
	supervisor  bool
	retainCount uint32
	owner       *Allocator
}

// WrapPage returns a handle for a frame that is not managed by any pool: a
// fixed kernel structure or a device aperture. Dropping the last reference
// discards the handle without touching the free lists.
func WrapPage(paddr mm.PhysicalAddress, supervisor bool) *PhysicalPage {
	kernel.Assert(paddr.IsPageAligned(), "pmm", "frame address not page-aligned")
	return &PhysicalPage{paddr: paddr, supervisor: supervisor, retainCount: 1}
}

// PAddr returns the physical address of the frame.
func (p *PhysicalPage) PAddr() mm.PhysicalAddress {
	return p.paddr
}

// Supervisor returns true if the frame is flagged supervisor: drawn from
// the supervisor pool, or wrapped by WrapPage with the supervisor flag.
func (p *PhysicalPage) Supervisor() bool {
	return p.supervisor
}

// RetainCount returns the current number of references. The copy-on-write
// path uses this to detect a sole owner.
func (p *PhysicalPage) RetainCount() uint32 {
	return p.retainCount
}

// Retain adds a reference and returns the handle for chaining.
func (p *PhysicalPage) Retain() *PhysicalPage {
	kernel.Assert(p.retainCount > 0, "pmm", "retain of a dead physical page")
	p.retainCount++
	return p
}

// Release drops one reference. When the count reaches zero the frame is
// re-enqueued on its originating free list with the count reset to one
// (the list's implicit reference). The re-enqueue runs inside the
// interrupts-disabled critical section and does not allocate.
func (p *PhysicalPage) Release() {
	kernel.Assert(p.retainCount > 0, "pmm", "release of a dead physical page")
	if p.owner == nil {
		p.retainCount--
		return
	}

	restore := irq.Disable(p.owner.cpu)
	defer restore()

	p.retainCount--
	if p.retainCount == 0 {
		p.returnToFreeList()
	}
}

func (p *PhysicalPage) returnToFreeList() {
	kernel.Assert(p.paddr.IsPageAligned(), "pmm", "free-list frame not page-aligned")
	p.retainCount = 1
	if p.supervisor {
		p.owner.freeSupervisor = append(p.owner.freeSupervisor, p)
	} else {
		p.owner.freeUser = append(p.owner.freeUser, p)
	}
	p.owner.log.Debug("frame released to freelist", "paddr", uint32(p.paddr), "supervisor", p.supervisor)
}
