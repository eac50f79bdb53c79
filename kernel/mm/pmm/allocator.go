package pmm

import (
	"log/slog"

	"burrowos/kernel"
	"burrowos/kernel/cpu"
	"burrowos/kernel/irq"
	"burrowos/kernel/kfmt"
	"burrowos/kernel/mm"
)

// Allocator hands out 4 KiB frames from two pools: a supervisor pool for
// critical kernel structures (page tables, directory frames) and a user
// pool for everything else. All blocks are fixed-size, reuse is LIFO, and
// every operation runs with interrupts disabled.
type Allocator struct {
	cpu            *cpu.CPU
	freeUser       []*PhysicalPage
	freeSupervisor []*PhysicalPage
	log            *slog.Logger
}

// NewAllocator builds the pools by creating one PhysicalPage for every
// frame in the supervisor range [supStart, supEnd) and the user range
// [userStart, userEnd).
func NewAllocator(c *cpu.CPU, supStart, supEnd, userStart, userEnd mm.PhysicalAddress) *Allocator {
	kernel.Assert(supStart.IsPageAligned() && supEnd.IsPageAligned(), "pmm", "supervisor pool not page-aligned")
	kernel.Assert(userStart.IsPageAligned() && userEnd.IsPageAligned(), "pmm", "user pool not page-aligned")

	a := &Allocator{cpu: c, log: kfmt.Logger("pmm")}
	for pa := supStart; pa < supEnd; pa = pa.Offset(mm.PageSize) {
		a.freeSupervisor = append(a.freeSupervisor, &PhysicalPage{paddr: pa, supervisor: true, retainCount: 1, owner: a})
	}
	for pa := userStart; pa < userEnd; pa = pa.Offset(mm.PageSize) {
		a.freeUser = append(a.freeUser, &PhysicalPage{paddr: pa, supervisor: false, retainCount: 1, owner: a})
	}
	a.log.Info("physical pools initialized",
		"supervisor_frames", len(a.freeSupervisor),
		"user_frames", len(a.freeUser))
	return a
}

// AllocatePage pops a frame off the tail of the user pool. It fails soft,
// returning nil when the pool is empty.
func (a *Allocator) AllocatePage() *PhysicalPage {
	restore := irq.Disable(a.cpu)
	defer restore()

	n := len(a.freeUser)
	if n == 0 {
		a.log.Warn("user pool exhausted")
		return nil
	}
	p := a.freeUser[n-1]
	a.freeUser = a.freeUser[:n-1]
	return p
}

// AllocateSupervisorPage pops a frame off the tail of the supervisor pool,
// returning nil when the pool is empty.
func (a *Allocator) AllocateSupervisorPage() *PhysicalPage {
	restore := irq.Disable(a.cpu)
	defer restore()

	n := len(a.freeSupervisor)
	if n == 0 {
		a.log.Warn("supervisor pool exhausted")
		return nil
	}
	p := a.freeSupervisor[n-1]
	a.freeSupervisor = a.freeSupervisor[:n-1]
	return p
}

// TakeLastUserPage permanently removes the topmost user frame from the
// pool. The boot path uses it to reserve the quickmap slot; the frame never
// returns to the free list.
func (a *Allocator) TakeLastUserPage() *PhysicalPage {
	restore := irq.Disable(a.cpu)
	defer restore()

	n := len(a.freeUser)
	kernel.Assert(n > 0, "pmm", "user pool empty at boot")
	p := a.freeUser[n-1]
	a.freeUser = a.freeUser[:n-1]
	p.owner = nil
	return p
}

// FreeUserPages returns the number of frames currently in the user pool.
func (a *Allocator) FreeUserPages() int {
	return len(a.freeUser)
}

// FreeSupervisorPages returns the number of frames currently in the
// supervisor pool.
func (a *Allocator) FreeSupervisorPages() int {
	return len(a.freeSupervisor)
}
