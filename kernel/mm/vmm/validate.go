package vmm

import (
	"burrowos/kernel/mm"
)

// ValidateUserRead reports whether the process may read the byte at la.
// It walks the process's directory and table without modifying them and
// without TLB effects; this is the vetting gate for pointer arguments to
// syscalls.
func (m *MemoryManager) ValidateUserRead(p *Process, la mm.LinearAddress) bool {
	pte, ok := m.lookupPTE(p, la)
	if !ok || !pte.IsPresent() {
		return false
	}
	if p.ring3 && !pte.IsUserAllowed() {
		return false
	}
	return true
}

// ValidateUserWrite reports whether the process may write the byte at la.
// In addition to the read checks the page must be writable; a COW page is
// mapped read-only and therefore fails here until it has been copied.
func (m *MemoryManager) ValidateUserWrite(p *Process, la mm.LinearAddress) bool {
	pte, ok := m.lookupPTE(p, la)
	if !ok || !pte.IsPresent() {
		return false
	}
	if p.ring3 && !pte.IsUserAllowed() {
		return false
	}
	if !pte.IsWritable() {
		return false
	}
	return true
}

// lookupPTE returns a read-only view of the page-table entry covering la
// in the process's directory. ok is false when the directory slot itself
// is not present.
func (m *MemoryManager) lookupPTE(p *Process, la mm.LinearAddress) (PageTableEntry, bool) {
	pde := p.pageDir.Entry(la.DirectoryIndex())
	if !pde.IsPresent() {
		return PageTableEntry{}, false
	}
	pte := PageTableEntry{tableEntry{mem: m.mem, addr: pde.PageTableBase().Offset(la.TableIndex() * 4)}}
	return pte, true
}
