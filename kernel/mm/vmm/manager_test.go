package vmm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"burrowos/kernel/hal"
	"burrowos/kernel/irq"
	"burrowos/kernel/mm"
)

func newTestMachine(t *testing.T) (*hal.Machine, *MemoryManager) {
	t.Helper()
	machine := hal.NewMachine()
	return machine, Initialize(machine)
}

// newTestProcess boots a machine, creates a ring-3 process and activates
// its address space with interrupts enabled, the state user code runs in.
func newTestProcess(t *testing.T) (*hal.Machine, *MemoryManager, *Process) {
	t.Helper()
	machine, m := newTestMachine(t)
	p := m.NewProcess("init", 1, true)
	m.EnterProcessPagingScope(p)
	machine.CPU.EnableInterrupts()
	return machine, m, p
}

func TestInitializeLayout(t *testing.T) {
	machine, m := newTestMachine(t)

	assert.Equal(t, mm.PhysicalAddress(0x4000), m.KernelPageDirectory().CR3())
	assert.Equal(t, m.KernelPageDirectory().CR3(), machine.CPU.CR3())

	// Supervisor pool 2-4 MiB; user pool 4-32 MiB minus the quickmap
	// frame.
	assert.Equal(t, 512, m.Allocator().FreeSupervisorPages())
	assert.Equal(t, 7167, m.Allocator().FreeUserPages())

	// The quickmap slot reuses the physical address of the topmost user
	// frame as its linear address.
	assert.Equal(t, mm.LinearAddress(32*mm.MB-mm.PageSize), m.QuickmapAddress())
}

func TestIdentityMappingIsSupervisorOnly(t *testing.T) {
	machine, m := newTestMachine(t)

	// Supervisor code reads and writes the identity window directly.
	require.Nil(t, machine.CPU.WriteByte(0x100000, 0x7f, false))
	assert.Equal(t, byte(0x7f), machine.Mem.Slice(0x100000, 1)[0])

	b, err := machine.CPU.ReadByte(0x1000, false)
	require.Nil(t, err)
	assert.Equal(t, machine.Mem.Slice(0x1000, 1)[0], b)

	// Ring 3 has no business below 4 MiB.
	p := m.NewProcess("user", 2, true)
	m.EnterProcessPagingScope(p)
	_, err = machine.CPU.ReadByte(0x1000, true)
	assert.NotNil(t, err)
}

func TestNewPageDirectorySharesKernelEntryZero(t *testing.T) {
	machine, m := newTestMachine(t)

	pd := m.NewPageDirectory()
	kernelEntry := machine.Mem.Word(mm.PhysicalAddress(m.KernelPageDirectory().CR3()))
	assert.Equal(t, kernelEntry, machine.Mem.Word(pd.CR3()))
	assert.True(t, pd.Entry(0).IsPresent())
}

func TestEnsurePTEIdempotent(t *testing.T) {
	machine, m := newTestMachine(t)
	pd := m.NewPageDirectory()

	restore := irq.Disable(machine.CPU)
	defer restore()

	before := m.Allocator().FreeSupervisorPages()
	pte1 := m.ensurePTE(pd, 0x10000000)
	afterFirst := m.Allocator().FreeSupervisorPages()
	assert.Equal(t, before-1, afterFirst, "first walk allocates the page table")

	pte2 := m.ensurePTE(pd, 0x10000000)
	assert.Equal(t, afterFirst, m.Allocator().FreeSupervisorPages(), "second walk is side-effect free")
	assert.Equal(t, pte1.addr, pte2.addr)

	// A neighbouring page in the same 4 MiB window shares the table.
	m.ensurePTE(pd, 0x10001000)
	assert.Equal(t, afterFirst, m.Allocator().FreeSupervisorPages())
}

func TestEnsurePTEKernelDirectoryOnlyOwnsEntryZero(t *testing.T) {
	machine, m := newTestMachine(t)

	restore := irq.Disable(machine.CPU)
	defer restore()

	assert.Panics(t, func() { m.ensurePTE(m.KernelPageDirectory(), 0x10000000) })
}

func TestQuickmapRoundTrip(t *testing.T) {
	machine, m, _ := newTestProcess(t)

	restore := irq.Disable(machine.CPU)
	defer restore()

	page := m.AllocatePhysicalPage()
	require.NotNil(t, page)

	la := m.quickmapPage(page)
	assert.Equal(t, m.QuickmapAddress(), la)
	require.Nil(t, machine.CPU.WriteBytes(la, []byte{0xde, 0xad}, false))
	m.unquickmapPage()

	// The write went to the mapped frame...
	assert.Equal(t, []byte{0xde, 0xad}, machine.Mem.Slice(page.PAddr(), 2))

	// ...and the slot is gone again.
	pte, ok := m.lookupPTE(m.CurrentProcess(), la)
	require.True(t, ok)
	assert.False(t, pte.IsPresent())

	page.Release()
}

func TestQuickmapIsNotReentrant(t *testing.T) {
	machine, m, _ := newTestProcess(t)

	restore := irq.Disable(machine.CPU)
	defer restore()

	page := m.AllocatePhysicalPage()
	require.NotNil(t, page)
	m.quickmapPage(page)

	other := m.AllocatePhysicalPage()
	require.NotNil(t, other)
	assert.Panics(t, func() { m.quickmapPage(other) })
}

func TestFaultAtQuickmapAddressPanics(t *testing.T) {
	machine, m, _ := newTestProcess(t)

	assert.Panics(t, func() {
		_, _ = machine.CPU.ReadByte(m.QuickmapAddress(), false)
	})
}

func TestUnmapRegionClearsEveryPTE(t *testing.T) {
	machine, m, p := newTestProcess(t)

	r := p.AllocateRegion(0x10000000, 2*mm.PageSize, "scratch", true, true)
	require.Nil(t, machine.CPU.WriteByte(0x10000000, 1, true))
	require.Nil(t, machine.CPU.WriteByte(0x10001000, 2, true))

	m.UnmapRegion(r)
	assert.Nil(t, r.PageDirectory())

	for _, la := range []mm.LinearAddress{0x10000000, 0x10001000} {
		pte, ok := m.lookupPTE(p, la)
		require.True(t, ok)
		assert.False(t, pte.IsPresent())
		assert.False(t, pte.IsWritable())
		assert.False(t, pte.IsUserAllowed())
		assert.Equal(t, mm.PhysicalAddress(0), pte.PhysicalPageBase())
	}
}

func TestEnterProcessPagingScopeSwitchesCR3(t *testing.T) {
	machine, m := newTestMachine(t)

	p1 := m.NewProcess("one", 1, true)
	p2 := m.NewProcess("two", 2, true)

	m.EnterProcessPagingScope(p1)
	assert.Equal(t, p1.PageDirectory().CR3(), machine.CPU.CR3())
	assert.Same(t, p1, m.CurrentProcess())

	m.EnterProcessPagingScope(p2)
	assert.Equal(t, p2.PageDirectory().CR3(), machine.CPU.CR3())
	assert.Same(t, p2, m.CurrentProcess())
}

func TestMMSingletonAccessor(t *testing.T) {
	_, m := newTestMachine(t)
	assert.Same(t, m, MM())
}
