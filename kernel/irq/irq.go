// Package irq provides the kernel's only mutual-exclusion primitive:
// scoped disabling of interrupts on the single simulated core.
package irq

import (
	"burrowos/kernel"
	"burrowos/kernel/cpu"
)

// Disabler is a critical-section guard. Obtain one with Disable at the top
// of an operation that touches paging state and release it on every exit
// path.
//
//	restore := irq.Disable(c)
//	defer restore()
type Disabler func()

// Disable clears the interrupt flag and returns a function restoring the
// state it found.
func Disable(c *cpu.CPU) Disabler {
	prev := c.DisableInterrupts()
	return func() {
		c.RestoreInterrupts(prev)
	}
}

// AssertDisabled panics unless interrupts are disabled. It guards entry
// points that must only run inside a critical section.
func AssertDisabled(c *cpu.CPU) {
	kernel.Assert(!c.InterruptsEnabled(), "irq", "interrupts enabled inside critical section")
}

// HandlePageFault installs the supplied handler as the page-fault exception
// vector of the core.
func HandlePageFault(c *cpu.CPU, h cpu.PageFaultHandler) {
	c.SetPageFaultHandler(h)
}
