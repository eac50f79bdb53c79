package main

import (
	"bytes"
	"fmt"

	"github.com/spf13/cobra"

	"burrowos/kernel/fs"
	"burrowos/kernel/hal"
	"burrowos/kernel/mm"
	"burrowos/kernel/mm/vmm"
)

const (
	demoHeapBase  mm.LinearAddress = 0x10000000
	demoStackBase mm.LinearAddress = 0x10800000
	demoFileBase  mm.LinearAddress = 0x20000000
)

var demoCmd = &cobra.Command{
	Use:   "demo",
	Short: "Run the fault-handling workloads and print a trace",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, m, err := buildDemoWorkload()
		if err != nil {
			return err
		}

		fmt.Println()
		fmt.Printf("Free user frames after workload: %d\n", m.Allocator().FreeUserPages())
		fmt.Printf("Free supervisor frames:          %d\n", m.Allocator().FreeSupervisorPages())
		return nil
	},
}

// buildDemoWorkload boots a machine and drives the three fault paths:
// demand-zero on an anonymous heap, demand-paging from an in-memory inode
// and a copy-on-write fork of the parent's address space.
func buildDemoWorkload() (*hal.Machine, *vmm.MemoryManager, error) {
	machine := hal.NewMachine()
	m := vmm.Initialize(machine)

	parent := m.NewProcess("parent", 1, true)
	m.EnterProcessPagingScope(parent)
	machine.CPU.EnableInterrupts()

	// Demand-zero: touch two pages of a fresh anonymous region.
	heap := parent.AllocateRegion(demoHeapBase, 4*mm.PageSize, "heap", true, true)
	for i := uint32(0); i < 2; i++ {
		if err := machine.CPU.WriteByte(demoHeapBase.Offset(i*mm.PageSize), byte(i+1), true); err != nil {
			return nil, nil, fmt.Errorf("demand-zero write: %w", err)
		}
	}
	fmt.Printf("demand-zero:   committed %d of %d bytes in %q\n", heap.Committed(), heap.Size(), heap.Name())

	// Demand-paging: map a file and read it through the fault path.
	inode := fs.NewMemInode(bytes.Repeat([]byte{0xab}, 3000))
	file := parent.AllocateFileBackedRegion(demoFileBase, mm.PageSize, inode, "file", true, false)
	buf := make([]byte, 16)
	if err := machine.CPU.ReadBytes(demoFileBase, buf, true); err != nil {
		return nil, nil, fmt.Errorf("demand-page read: %w", err)
	}
	fmt.Printf("demand-page:   first bytes of %q: % x\n", file.Name(), buf[:8])

	// Copy-on-write: fork, then diverge the parent's stack page.
	stack := parent.AllocateRegion(demoStackBase, mm.PageSize, "stack", true, true)
	if err := machine.CPU.WriteByte(demoStackBase, 0x42, true); err != nil {
		return nil, nil, fmt.Errorf("stack write: %w", err)
	}
	child := m.CloneAddressSpace(parent, "child", 2)
	if err := machine.CPU.WriteByte(demoStackBase, 0x99, true); err != nil {
		return nil, nil, fmt.Errorf("cow write: %w", err)
	}

	m.EnterProcessPagingScope(child)
	childByte, err := machine.CPU.ReadByte(demoStackBase, true)
	if err != nil {
		return nil, nil, fmt.Errorf("child read: %w", err)
	}
	m.EnterProcessPagingScope(parent)
	parentByte, err := machine.CPU.ReadByte(demoStackBase, true)
	if err != nil {
		return nil, nil, fmt.Errorf("parent read: %w", err)
	}
	fmt.Printf("copy-on-write: %q diverged: parent=%#x child=%#x\n", stack.Name(), parentByte, childByte)

	return machine, m, nil
}
