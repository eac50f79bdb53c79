package vmm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"burrowos/kernel/mm"
)

func TestValidateRejectsUnmappedAddresses(t *testing.T) {
	_, m, p := newTestProcess(t)

	// No page table at all for this window.
	assert.False(t, m.ValidateUserRead(p, 0x30000000))
	assert.False(t, m.ValidateUserWrite(p, 0x30000000))

	// Null page: table present, PTE not.
	assert.False(t, m.ValidateUserRead(p, 0))
	assert.False(t, m.ValidateUserWrite(p, 0))
}

func TestValidateRejectsSupervisorPagesForRing3(t *testing.T) {
	_, m, p := newTestProcess(t)

	// The identity window is mapped supervisor-only.
	assert.False(t, m.ValidateUserRead(p, 0x1000))
	assert.False(t, m.ValidateUserWrite(p, 0x1000))

	kernelProc := m.NewProcess("kworker", 0, false)
	assert.True(t, m.ValidateUserRead(kernelProc, 0x1000))
	assert.True(t, m.ValidateUserWrite(kernelProc, 0x1000))
}

func TestValidateTracksPagePermissions(t *testing.T) {
	machine, m, p := newTestProcess(t)

	p.AllocateRegion(0x10000000, 2*mm.PageSize, "data", true, true)

	// Nothing materialized yet: both checks fail on the not-present PTE.
	assert.False(t, m.ValidateUserRead(p, 0x10000000))
	assert.False(t, m.ValidateUserWrite(p, 0x10000000))

	require.Nil(t, machine.CPU.WriteByte(0x10000000, 1, true))
	assert.True(t, m.ValidateUserRead(p, 0x10000000))
	assert.True(t, m.ValidateUserWrite(p, 0x10000000))

	// The neighbouring page is still unmaterialized.
	assert.False(t, m.ValidateUserRead(p, 0x10001000))
}

func TestValidateReadOnlyMapping(t *testing.T) {
	machine, m, p := newTestProcess(t)

	inode := &stubInode{data: []byte{9}}
	p.AllocateFileBackedRegion(0x20000000, mm.PageSize, inode, "lib", true, false)
	_, err := machine.CPU.ReadByte(0x20000000, true)
	require.Nil(t, err)

	assert.True(t, m.ValidateUserRead(p, 0x20000000))
	assert.False(t, m.ValidateUserWrite(p, 0x20000000))
}
