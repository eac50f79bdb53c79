package pmm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"burrowos/kernel/cpu"
	"burrowos/kernel/hal/physmem"
	"burrowos/kernel/mm"
)

func newTestAllocator(t *testing.T) *Allocator {
	t.Helper()
	c := cpu.New(physmem.New(mm.PageSize))
	// 2 supervisor frames, 4 user frames.
	return NewAllocator(c,
		0x2000, 0x4000,
		0x10000, 0x14000)
}

func TestPoolSizes(t *testing.T) {
	a := newTestAllocator(t)
	assert.Equal(t, 2, a.FreeSupervisorPages())
	assert.Equal(t, 4, a.FreeUserPages())
}

func TestAllocateFromTail(t *testing.T) {
	a := newTestAllocator(t)

	p := a.AllocatePage()
	require.NotNil(t, p)
	assert.Equal(t, mm.PhysicalAddress(0x13000), p.PAddr())
	assert.False(t, p.Supervisor())
	assert.Equal(t, uint32(1), p.RetainCount())
	assert.Equal(t, 3, a.FreeUserPages())

	s := a.AllocateSupervisorPage()
	require.NotNil(t, s)
	assert.Equal(t, mm.PhysicalAddress(0x3000), s.PAddr())
	assert.True(t, s.Supervisor())
}

func TestAllocateFailsSoftWhenEmpty(t *testing.T) {
	a := newTestAllocator(t)

	for i := 0; i < 4; i++ {
		require.NotNil(t, a.AllocatePage())
	}
	assert.Nil(t, a.AllocatePage())

	for i := 0; i < 2; i++ {
		require.NotNil(t, a.AllocateSupervisorPage())
	}
	assert.Nil(t, a.AllocateSupervisorPage())
}

func TestReleaseReturnsFrameToOriginatingPool(t *testing.T) {
	a := newTestAllocator(t)

	p := a.AllocatePage()
	require.NotNil(t, p)
	paddr := p.PAddr()
	require.Equal(t, 3, a.FreeUserPages())

	p.Release()
	assert.Equal(t, 4, a.FreeUserPages())
	assert.Equal(t, 2, a.FreeSupervisorPages())

	// LIFO reuse: the next allocation hands the same frame back, with
	// the refcount reset to one.
	p2 := a.AllocatePage()
	require.NotNil(t, p2)
	assert.Equal(t, paddr, p2.PAddr())
	assert.Equal(t, uint32(1), p2.RetainCount())
}

func TestRetainReleaseCounting(t *testing.T) {
	a := newTestAllocator(t)

	p := a.AllocatePage()
	require.NotNil(t, p)

	p.Retain()
	assert.Equal(t, uint32(2), p.RetainCount())

	p.Release()
	assert.Equal(t, uint32(1), p.RetainCount())
	assert.Equal(t, 3, a.FreeUserPages(), "frame must not return while references remain")

	p.Release()
	assert.Equal(t, 4, a.FreeUserPages())
}

func TestReleaseOfDeadPagePanics(t *testing.T) {
	w := WrapPage(0x5000, false)
	w.Release()
	assert.Panics(t, func() { w.Release() })
}

func TestWrapPageSkipsFreeLists(t *testing.T) {
	a := newTestAllocator(t)

	w := WrapPage(mm.PhysicalAddress(0xb8000&mm.PageMask), true)
	assert.True(t, w.Supervisor())

	w.Release()
	assert.Equal(t, 2, a.FreeSupervisorPages(), "wrapped frames never enter a pool")
}

func TestTakeLastUserPage(t *testing.T) {
	a := newTestAllocator(t)

	p := a.TakeLastUserPage()
	require.NotNil(t, p)
	assert.Equal(t, mm.PhysicalAddress(0x13000), p.PAddr())
	assert.Equal(t, 3, a.FreeUserPages())

	// The reserved frame is out of pool circulation for good.
	p.Release()
	assert.Equal(t, 3, a.FreeUserPages())
}