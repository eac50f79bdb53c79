package vmm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"burrowos/kernel/mm"
)

func TestCloneArmsCopyOnWrite(t *testing.T) {
	machine, m, parent := newTestProcess(t)

	r := parent.AllocateRegion(0x10000000, mm.PageSize, "stack", true, true)
	require.Nil(t, machine.CPU.WriteByte(0x10000000, 0x42, true))

	freeBefore := m.Allocator().FreeUserPages()
	child := m.CloneAddressSpace(parent, "child", 2)
	assert.Equal(t, freeBefore, m.Allocator().FreeUserPages(), "cloning moves no user frames")

	childRegion := child.Regions()[0]
	assert.NotSame(t, r.VMObject(), childRegion.VMObject(), "cow clone gets its own vmobject")
	assert.Same(t, r.VMObject().Page(0), childRegion.VMObject().Page(0), "both vmobjects share the frame")
	assert.Equal(t, uint32(2), r.VMObject().Page(0).RetainCount())
	assert.True(t, r.ShouldCow(0))
	assert.True(t, childRegion.ShouldCow(0))

	// The shared page lost writability in the parent's live mapping.
	assert.True(t, m.ValidateUserRead(parent, 0x10000000))
	assert.False(t, m.ValidateUserWrite(parent, 0x10000000))
}

func TestCowFirstWriteCopies(t *testing.T) {
	machine, m, parent := newTestProcess(t)

	parent.AllocateRegion(0x10000000, mm.PageSize, "stack", true, true)
	require.Nil(t, machine.CPU.WriteByte(0x10000000, 0x42, true))

	child := m.CloneAddressSpace(parent, "child", 2)

	// Reading in the parent neither faults for a new frame nor copies:
	// the refcount-1 fast path is impossible while the child holds the
	// other reference.
	freeBefore := m.Allocator().FreeUserPages()
	b, err := machine.CPU.ReadByte(0x10000000, true)
	require.Nil(t, err)
	assert.Equal(t, byte(0x42), b)
	assert.Equal(t, freeBefore, m.Allocator().FreeUserPages())

	// The parent's write triggers exactly one copy.
	require.Nil(t, machine.CPU.WriteByte(0x10000000, 0x99, true))
	assert.Equal(t, freeBefore-1, m.Allocator().FreeUserPages())

	b, err = machine.CPU.ReadByte(0x10000000, true)
	require.Nil(t, err)
	assert.Equal(t, byte(0x99), b)
	assert.True(t, m.ValidateUserWrite(parent, 0x10000000), "parent page is private and writable again")

	// The child still sees the original contents.
	m.EnterProcessPagingScope(child)
	b, err = machine.CPU.ReadByte(0x10000000, true)
	require.Nil(t, err)
	assert.Equal(t, byte(0x42), b)
}

func TestCowRefcountShortCircuit(t *testing.T) {
	machine, m, parent := newTestProcess(t)

	r := parent.AllocateRegion(0x10000000, mm.PageSize, "stack", true, true)
	require.Nil(t, machine.CPU.WriteByte(0x10000000, 0x42, true))

	child := m.CloneAddressSpace(parent, "child", 2)
	child.Destroy()
	require.Equal(t, uint32(1), r.VMObject().Page(0).RetainCount())

	// The parent is the sole holder again: the write must flip the PTE
	// back to writable without allocating.
	freeBefore := m.Allocator().FreeUserPages()
	require.Nil(t, machine.CPU.WriteByte(0x10000000, 0x99, true))

	assert.Equal(t, freeBefore, m.Allocator().FreeUserPages(), "no copy for a sole holder")
	assert.False(t, r.ShouldCow(0))
	assert.True(t, m.ValidateUserWrite(parent, 0x10000000))

	b, err := machine.CPU.ReadByte(0x10000000, true)
	require.Nil(t, err)
	assert.Equal(t, byte(0x99), b)
}

func TestCloneOfReadOnlyRegionSharesVMObject(t *testing.T) {
	machine, m, parent := newTestProcess(t)

	inode := &stubInode{data: []byte{1, 2, 3}}
	r := parent.AllocateFileBackedRegion(0x20000000, mm.PageSize, inode, "lib", true, false)
	_, err := machine.CPU.ReadByte(0x20000000, true)
	require.Nil(t, err)

	freeBefore := m.Allocator().FreeUserPages()
	clone := r.Clone()

	assert.Same(t, r.VMObject(), clone.VMObject())
	assert.False(t, r.ShouldCow(0))
	assert.False(t, clone.ShouldCow(0))
	assert.Equal(t, freeBefore, m.Allocator().FreeUserPages())

	// The parent's mapping keeps its permissions: reads still work.
	_, err = machine.CPU.ReadByte(0x20000000, true)
	assert.Nil(t, err)

	clone.Release()
}

func TestCloneOfSharedRegionSharesVMObject(t *testing.T) {
	machine, m, parent := newTestProcess(t)

	r := parent.AllocateRegion(0x10000000, mm.PageSize, "shm", true, true)
	r.SetShared(true)
	require.Nil(t, machine.CPU.WriteByte(0x10000000, 0x42, true))

	clone := r.Clone()
	assert.Same(t, r.VMObject(), clone.VMObject())
	assert.False(t, clone.ShouldCow(0))

	// A shared clone never revokes the parent's write access.
	require.Nil(t, machine.CPU.WriteByte(0x10000000, 0x43, true))
	assert.True(t, m.ValidateUserWrite(parent, 0x10000000))

	clone.Release()
}

func TestCowMapForcesReadOnlyPTE(t *testing.T) {
	machine, m, parent := newTestProcess(t)

	r := parent.AllocateRegion(0x10000000, 2*mm.PageSize, "heap", true, true)
	require.Nil(t, machine.CPU.WriteByte(0x10000000, 1, true))
	require.Nil(t, machine.CPU.WriteByte(0x10001000, 2, true))

	m.CloneAddressSpace(parent, "child", 2)

	// Every page with a set cow bit must be mapped read-only even though
	// the region policy is writable.
	for i := uint32(0); i < r.PageCount(); i++ {
		require.True(t, r.ShouldCow(i))
		la := mm.LinearAddress(0x10000000).Offset(i * mm.PageSize)
		pte, ok := m.lookupPTE(parent, la)
		require.True(t, ok)
		assert.True(t, pte.IsPresent())
		assert.False(t, pte.IsWritable(), "cow page %d mapped writable", i)
	}
	assert.True(t, r.IsWritable())
}

func TestCowWriteInChildDoesNotDisturbParent(t *testing.T) {
	machine, m, parent := newTestProcess(t)

	parent.AllocateRegion(0x10000000, mm.PageSize, "stack", true, true)
	require.Nil(t, machine.CPU.WriteByte(0x10000000, 0x42, true))

	child := m.CloneAddressSpace(parent, "child", 2)
	m.EnterProcessPagingScope(child)

	require.Nil(t, machine.CPU.WriteByte(0x10000000, 0x77, true))
	b, err := machine.CPU.ReadByte(0x10000000, true)
	require.Nil(t, err)
	assert.Equal(t, byte(0x77), b)

	m.EnterProcessPagingScope(parent)
	b, err = machine.CPU.ReadByte(0x10000000, true)
	require.Nil(t, err)
	assert.Equal(t, byte(0x42), b)
}
