// Package cpu models the memory side of a single 32-bit x86 core: the CR3
// register, the translation lookaside buffer, the interrupt flag and paged
// access to physical memory. Loads and stores perform the two-level
// directory/table walk the real MMU would, consult the TLB first (so a
// missing invlpg after a PTE update misbehaves here just like on hardware)
// and deliver page faults to the registered handler.
//
// The write-protect model is that of the original 386: the writable bit is
// only enforced for ring-3 accesses, supervisor stores ignore it.
package cpu

import (
	"burrowos/kernel"
	"burrowos/kernel/hal/physmem"
	"burrowos/kernel/mm"
)

// PageFaultResponse is the verdict of the page-fault handler.
type PageFaultResponse int

const (
	// Continue retries the faulting access.
	Continue PageFaultResponse = iota

	// ShouldCrash terminates the offending access; the caller is expected
	// to kill the process that issued it.
	ShouldCrash
)

// Page-fault error code bits per the Intel SDM.
const (
	faultCodeProtection = 1 << 0
	faultCodeWrite      = 1 << 1
	faultCodeUser       = 1 << 2
)

// PageFault is the exception record pushed when a translation fails.
type PageFault struct {
	// Code is the x86 page-fault error code (bit 0 present, bit 1 write,
	// bit 2 user).
	Code uint16

	// Address is the faulting linear address (the CR2 value).
	Address mm.LinearAddress
}

// IsNotPresent returns true if the fault was caused by a not-present page.
func (f PageFault) IsNotPresent() bool {
	return f.Code&faultCodeProtection == 0
}

// IsProtectionViolation returns true if the fault was caused by a
// page-level protection violation.
func (f PageFault) IsProtectionViolation() bool {
	return f.Code&faultCodeProtection != 0
}

// IsWrite returns true if the faulting access was a store.
func (f PageFault) IsWrite() bool {
	return f.Code&faultCodeWrite != 0
}

// IsRead returns true if the faulting access was a load.
func (f PageFault) IsRead() bool {
	return f.Code&faultCodeWrite == 0
}

// IsUser returns true if the faulting access came from ring 3.
func (f PageFault) IsUser() bool {
	return f.Code&faultCodeUser != 0
}

// PageFaultHandler services a page fault. It is entered through an
// interrupt gate, so the CPU clears the interrupt flag before the call and
// restores it afterwards.
type PageFaultHandler func(PageFault) PageFaultResponse

var (
	// ErrUnhandledFault is returned when a page fault occurs before a
	// handler has been installed.
	ErrUnhandledFault = &kernel.Error{Module: "cpu", Message: "page fault with no handler installed"}

	// ErrUnrecoverableFault is returned when the fault handler answers
	// ShouldCrash for the faulting access.
	ErrUnrecoverableFault = &kernel.Error{Module: "cpu", Message: "unrecoverable page fault"}

	// ErrHalted is returned for accesses issued after the CPU has halted.
	ErrHalted = &kernel.Error{Module: "cpu", Message: "cpu is halted"}
)

// A fault that keeps re-faulting this many times means the handler is not
// making progress.
const maxFaultRetries = 8

type tlbEntry struct {
	frameBase mm.PhysicalAddress
	writable  bool
	user      bool
}

// CPU is the simulated core. It is not safe for concurrent use; the kernel
// it hosts is single-processor by design.
type CPU struct {
	mem          *physmem.Memory
	cr3          mm.PhysicalAddress
	tlb          map[mm.LinearAddress]tlbEntry
	interruptsOn bool
	halted       bool
	faultHandler PageFaultHandler
}

// New returns a core wired to the supplied physical memory. The core comes
// out of reset with paging uninitialized and interrupts disabled.
func New(mem *physmem.Memory) *CPU {
	return &CPU{
		mem: mem,
		tlb: make(map[mm.LinearAddress]tlbEntry),
	}
}

// Memory returns the physical memory this core is wired to.
func (c *CPU) Memory() *physmem.Memory {
	return c.mem
}

// LoadCR3 points the paging unit at a new page directory and flushes the
// entire TLB, which is how a context switch drops the outgoing address
// space's cached translations.
func (c *CPU) LoadCR3(pa mm.PhysicalAddress) {
	c.cr3 = pa.PageBase()
	c.FlushTLB()
}

// CR3 returns the physical address of the active page directory.
func (c *CPU) CR3() mm.PhysicalAddress {
	return c.cr3
}

// FlushTLB drops every cached translation.
func (c *CPU) FlushTLB() {
	c.tlb = make(map[mm.LinearAddress]tlbEntry)
}

// InvalidatePage drops the cached translation for the page containing la
// (the invlpg instruction).
func (c *CPU) InvalidatePage(la mm.LinearAddress) {
	delete(c.tlb, la.PageBase())
}

// EnableInterrupts sets the interrupt flag (sti).
func (c *CPU) EnableInterrupts() {
	c.interruptsOn = true
}

// DisableInterrupts clears the interrupt flag (cli) and returns the
// previous state so that nested critical sections restore correctly.
func (c *CPU) DisableInterrupts() bool {
	prev := c.interruptsOn
	c.interruptsOn = false
	return prev
}

// RestoreInterrupts restores the interrupt flag saved by DisableInterrupts.
func (c *CPU) RestoreInterrupts(enabled bool) {
	c.interruptsOn = enabled
}

// InterruptsEnabled returns the state of the interrupt flag.
func (c *CPU) InterruptsEnabled() bool {
	return c.interruptsOn
}

// Halt stops the core. All further accesses fail with ErrHalted.
func (c *CPU) Halt() {
	c.halted = true
}

// Halted reports whether the core has been halted.
func (c *CPU) Halted() bool {
	return c.halted
}

// SetPageFaultHandler installs the handler invoked for page faults.
func (c *CPU) SetPageFaultHandler(h PageFaultHandler) {
	c.faultHandler = h
}

// translate walks the active page directory for la and returns the backing
// physical address, or the page fault the access raises. The TLB is
// consulted first; a hit is served from the cached entry without touching
// the tables.
func (c *CPU) translate(la mm.LinearAddress, write, user bool) (mm.PhysicalAddress, *PageFault) {
	if e, ok := c.tlb[la.PageBase()]; ok {
		if fault := checkAccess(true, e.writable, e.user, la, write, user); fault != nil {
			return 0, fault
		}
		return e.frameBase.Offset(la.PageOffset()), nil
	}

	pdeWord := c.mem.Word(c.cr3.Offset(la.DirectoryIndex() * 4))
	if pdeWord&1 == 0 {
		return 0, newFault(la, false, write, user)
	}

	pteAddr := mm.PhysicalAddress(pdeWord & mm.PageMask).Offset(la.TableIndex() * 4)
	pteWord := c.mem.Word(pteAddr)
	if pteWord&1 == 0 {
		return 0, newFault(la, false, write, user)
	}

	// Permission bits combine across both paging levels.
	writable := pdeWord&2 != 0 && pteWord&2 != 0
	userAllowed := pdeWord&4 != 0 && pteWord&4 != 0
	if fault := checkAccess(true, writable, userAllowed, la, write, user); fault != nil {
		return 0, fault
	}

	frameBase := mm.PhysicalAddress(pteWord & mm.PageMask)
	c.tlb[la.PageBase()] = tlbEntry{frameBase: frameBase, writable: writable, user: userAllowed}
	return frameBase.Offset(la.PageOffset()), nil
}

func checkAccess(present, writable, userAllowed bool, la mm.LinearAddress, write, user bool) *PageFault {
	if user && !userAllowed {
		return newFault(la, present, write, user)
	}
	if write && user && !writable {
		// Supervisor stores bypass the writable bit: no CR0.WP on this
		// generation of the hardware.
		return newFault(la, present, write, user)
	}
	return nil
}

func newFault(la mm.LinearAddress, present, write, user bool) *PageFault {
	f := &PageFault{Address: la}
	if present {
		f.Code |= faultCodeProtection
	}
	if write {
		f.Code |= faultCodeWrite
	}
	if user {
		f.Code |= faultCodeUser
	}
	return f
}

// access resolves la for one load or store, dispatching page faults to the
// handler and retrying while it answers Continue.
func (c *CPU) access(la mm.LinearAddress, write, user bool) (mm.PhysicalAddress, *kernel.Error) {
	for attempt := 0; attempt < maxFaultRetries; attempt++ {
		if c.halted {
			return 0, ErrHalted
		}

		pa, fault := c.translate(la, write, user)
		if fault == nil {
			return pa, nil
		}

		if c.faultHandler == nil {
			return 0, ErrUnhandledFault
		}

		// The fault is delivered through an interrupt gate: IF is
		// cleared on entry and restored by the iret.
		prev := c.DisableInterrupts()
		resp := c.faultHandler(*fault)
		c.RestoreInterrupts(prev)

		if resp != Continue {
			return 0, ErrUnrecoverableFault
		}
	}

	kernel.Panic("cpu", "page fault handler made no progress")
	return 0, nil
}

// ReadByte loads one byte from la. The user flag selects the privilege of
// the access.
func (c *CPU) ReadByte(la mm.LinearAddress, user bool) (byte, *kernel.Error) {
	pa, err := c.access(la, false, user)
	if err != nil {
		return 0, err
	}
	return c.mem.Slice(pa, 1)[0], nil
}

// WriteByte stores one byte to la.
func (c *CPU) WriteByte(la mm.LinearAddress, v byte, user bool) *kernel.Error {
	pa, err := c.access(la, true, user)
	if err != nil {
		return err
	}
	c.mem.Slice(pa, 1)[0] = v
	return nil
}

// ReadBytes fills dest from the linear address range starting at la,
// resolving each page it crosses separately.
func (c *CPU) ReadBytes(la mm.LinearAddress, dest []byte, user bool) *kernel.Error {
	for len(dest) > 0 {
		chunk := int(mm.PageSize - la.PageOffset())
		if chunk > len(dest) {
			chunk = len(dest)
		}
		pa, err := c.access(la, false, user)
		if err != nil {
			return err
		}
		copy(dest[:chunk], c.mem.Slice(pa, uint32(chunk)))
		dest = dest[chunk:]
		la = la.Offset(uint32(chunk))
	}
	return nil
}

// WriteBytes stores src to the linear address range starting at la,
// resolving each page it crosses separately.
func (c *CPU) WriteBytes(la mm.LinearAddress, src []byte, user bool) *kernel.Error {
	for len(src) > 0 {
		chunk := int(mm.PageSize - la.PageOffset())
		if chunk > len(src) {
			chunk = len(src)
		}
		pa, err := c.access(la, true, user)
		if err != nil {
			return err
		}
		copy(c.mem.Slice(pa, uint32(chunk)), src[:chunk])
		src = src[chunk:]
		la = la.Offset(uint32(chunk))
	}
	return nil
}
