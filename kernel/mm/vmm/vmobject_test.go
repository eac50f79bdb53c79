package vmm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"burrowos/kernel/mm"
)

func TestAnonymousVMObjectRoundsUpToPages(t *testing.T) {
	_, m := newTestMachine(t)

	v := m.CreateAnonymousVMObject(5000)
	assert.Equal(t, uint32(8192), v.Size())
	assert.Equal(t, uint32(2), v.PageCount())
	assert.True(t, v.IsAnonymous())
	assert.Nil(t, v.Page(0))
	assert.Nil(t, v.Page(1))
	assert.NotEqual(t, "", v.ID().String())
}

func TestFileBackedVMObjectIsUniquePerInode(t *testing.T) {
	_, m := newTestMachine(t)

	inode := &stubInode{data: make([]byte, 100)}
	v1 := m.CreateFileBackedVMObject(inode, 100)
	v2 := m.CreateFileBackedVMObject(inode, 100)

	assert.Same(t, v1, v2, "one vmobject per inode")
	assert.Same(t, v1, inode.VMObject())
	assert.False(t, v1.IsAnonymous())

	// The second handle carries its own reference; the back-reference
	// survives dropping one.
	v2.Release()
	assert.Same(t, v1, inode.VMObject())

	v1.Release()
	assert.Nil(t, inode.VMObject(), "back-reference cleared on destruction")
}

func TestPhysicalWrapperVMObjectIsPrePopulated(t *testing.T) {
	_, m := newTestMachine(t)

	v := m.CreatePhysicalWrapperVMObject(0xa0000, 2*mm.PageSize)
	require.Equal(t, uint32(2), v.PageCount())
	for i := uint32(0); i < v.PageCount(); i++ {
		page := v.Page(i)
		require.NotNil(t, page)
		assert.Equal(t, mm.PhysicalAddress(0xa0000).Offset(i*mm.PageSize), page.PAddr())
		assert.True(t, page.Supervisor())
	}
}

func TestPhysicalWrapperFramesNeverEnterThePools(t *testing.T) {
	_, m := newTestMachine(t)

	userBefore := m.Allocator().FreeUserPages()
	supBefore := m.Allocator().FreeSupervisorPages()

	v := m.CreatePhysicalWrapperVMObject(0xa0000, mm.PageSize)
	v.Release()

	assert.Equal(t, userBefore, m.Allocator().FreeUserPages())
	assert.Equal(t, supBefore, m.Allocator().FreeSupervisorPages())
}

func TestCloneSharesFramesByReference(t *testing.T) {
	machine, _, p := newTestProcess(t)

	r := p.AllocateRegion(0x10000000, 2*mm.PageSize, "data", true, true)
	require.Nil(t, machine.CPU.WriteByte(0x10000000, 1, true))

	v := r.VMObject()
	clone := v.Clone()

	require.Equal(t, v.PageCount(), clone.PageCount())
	assert.Same(t, v.Page(0), clone.Page(0))
	assert.Equal(t, uint32(2), v.Page(0).RetainCount())
	assert.Nil(t, clone.Page(1), "empty slots stay empty in the clone")

	clone.Release()
	assert.Equal(t, uint32(1), v.Page(0).RetainCount())
}

func TestVMObjectRegistry(t *testing.T) {
	_, m := newTestMachine(t)

	v := m.CreateAnonymousVMObject(mm.PageSize)
	v.SetName("scratch")

	infos := m.VMObjects()
	require.Len(t, infos, 1)
	assert.Equal(t, "scratch", infos[0].Name)
	assert.Equal(t, uint32(1), infos[0].Pages)
	assert.Zero(t, infos[0].Populated)
	assert.True(t, infos[0].Anonymous)

	v.Release()
	assert.Empty(t, m.VMObjects())
}
