// Package hal assembles the simulated hardware the kernel runs on.
package hal

import (
	"burrowos/kernel/cpu"
	"burrowos/kernel/hal/physmem"
	"burrowos/kernel/mm"
)

// MachineMemorySize is the amount of physical memory the machine ships
// with. The physical pools managed by the memory manager end at this
// boundary.
const MachineMemorySize = 32 * mm.MB

// Machine bundles the physical memory and the core wired to it.
type Machine struct {
	Mem *physmem.Memory
	CPU *cpu.CPU
}

// NewMachine powers up a machine with the standard 32 MiB of physical
// memory and a single core with interrupts disabled.
func NewMachine() *Machine {
	mem := physmem.New(MachineMemorySize)
	return &Machine{
		Mem: mem,
		CPU: cpu.New(mem),
	}
}
