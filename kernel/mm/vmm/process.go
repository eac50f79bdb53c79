package vmm

import (
	"burrowos/kernel"
	"burrowos/kernel/irq"
	"burrowos/kernel/mm"
)

// Process is the memory manager's view of a process: its identity, its
// page directory and the regions wired into it. Scheduling state lives
// elsewhere.
type Process struct {
	name    string
	pid     uint32
	ring3   bool
	pageDir *PageDirectory
	regions []*Region
	m       *MemoryManager
}

// NewProcess creates a process with a fresh page directory whose entry 0
// shares the kernel's identity mapping.
func (m *MemoryManager) NewProcess(name string, pid uint32, ring3 bool) *Process {
	return &Process{
		name:    name,
		pid:     pid,
		ring3:   ring3,
		pageDir: m.NewPageDirectory(),
		m:       m,
	}
}

// Name returns the process name.
func (p *Process) Name() string { return p.name }

// PID returns the process id.
func (p *Process) PID() uint32 { return p.pid }

// IsRing3 returns true for a user-mode process.
func (p *Process) IsRing3() bool { return p.ring3 }

// PageDirectory returns the process's page directory.
func (p *Process) PageDirectory() *PageDirectory { return p.pageDir }

// Regions returns the process's region list.
func (p *Process) Regions() []*Region { return p.regions }

// AllocateRegion creates an anonymous region, adds it to the process and
// maps it into the process's page directory.
func (p *Process) AllocateRegion(la mm.LinearAddress, size uint32, name string, readable, writable bool) *Region {
	r := p.m.NewAnonymousRegion(la, size, name, readable, writable)
	p.regions = append(p.regions, r)
	p.m.MapRegion(p, r)
	return r
}

// AllocateFileBackedRegion creates a region over the inode's VMObject,
// adds it to the process and maps it.
func (p *Process) AllocateFileBackedRegion(la mm.LinearAddress, size uint32, inode Inode, name string, readable, writable bool) *Region {
	r := p.m.NewFileBackedRegion(la, size, inode, name, readable, writable)
	p.regions = append(p.regions, r)
	p.m.MapRegion(p, r)
	return r
}

// AddRegion attaches an already constructed region to the process without
// mapping it.
func (p *Process) AddRegion(r *Region) {
	p.regions = append(p.regions, r)
}

// DropRegion detaches the region from the process and releases it. The
// region's frames lose one reference; copy-on-write siblings in other
// processes keep theirs.
func (p *Process) DropRegion(r *Region) {
	for i, candidate := range p.regions {
		if candidate == r {
			p.regions = append(p.regions[:i], p.regions[i+1:]...)
			r.Release()
			return
		}
	}
	kernel.Panic("vmm", "dropping a region the process does not own")
}

// Destroy tears down the whole address space: every region is released and
// the page directory gives up its frames. The process must not be the one
// whose directory is live in CR3.
func (p *Process) Destroy() {
	restore := irq.Disable(p.m.cpu)
	defer restore()

	kernel.Assert(p.m.cpu.CR3() != p.pageDir.CR3(), "vmm", "destroying the active address space")
	for _, r := range p.regions {
		r.Release()
	}
	p.regions = nil
	p.pageDir.Release()
	if p.m.current == p {
		p.m.current = nil
	}
}

// CloneAddressSpace builds a child process whose address space mirrors the
// parent's: every region is cloned (arming copy-on-write where the policy
// calls for it) and mapped into the child's fresh page directory.
func (m *MemoryManager) CloneAddressSpace(parent *Process, name string, pid uint32) *Process {
	restore := irq.Disable(m.cpu)
	defer restore()

	child := m.NewProcess(name, pid, parent.ring3)
	for _, r := range parent.regions {
		clone := r.Clone()
		child.regions = append(child.regions, clone)
		m.mapRegionAtAddress(child.pageDir, clone, clone.laddr, true)
	}
	m.log.Info("address space cloned",
		"parent", parent.name, "child", name, "regions", len(child.regions))
	return child
}
