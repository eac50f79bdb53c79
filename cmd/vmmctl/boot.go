package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"burrowos/kernel/hal"
	"burrowos/kernel/mm"
	"burrowos/kernel/mm/vmm"
)

var bootCmd = &cobra.Command{
	Use:   "boot",
	Short: "Bring up paging and report the physical memory map",
	Run: func(cmd *cobra.Command, args []string) {
		machine := hal.NewMachine()
		m := vmm.Initialize(machine)
		printBootReport(m)
	},
}

func printBootReport(m *vmm.MemoryManager) {
	fmt.Println("Physical memory map:")
	fmt.Println("  0        - 512 KiB   kernel image, page directory, page table zero")
	fmt.Println("  1 MiB    - 2 MiB     kmalloc (eternal)")
	fmt.Println("  2 MiB    - 4 MiB     supervisor frame pool")
	fmt.Println("  4 MiB    - 32 MiB    user frame pool")
	fmt.Println()
	fmt.Printf("Kernel page directory:  P%#08x\n", uint32(m.KernelPageDirectory().CR3()))
	fmt.Printf("Quickmap slot:          L%#08x\n", uint32(m.QuickmapAddress()))
	fmt.Printf("Free supervisor frames: %d (%d KiB)\n",
		m.Allocator().FreeSupervisorPages(),
		uint32(m.Allocator().FreeSupervisorPages())*mm.PageSize/1024)
	fmt.Printf("Free user frames:       %d (%d KiB)\n",
		m.Allocator().FreeUserPages(),
		uint32(m.Allocator().FreeUserPages())*mm.PageSize/1024)
}
