package vmm

import (
	"testing"

	"github.com/stretchr/testify/require"

	"tkernel/kernel/mm"
)

func TestVMPoolAllocatePacksRegionsInOrder(t *testing.T) {
	sys := newTestSystem(t)
	pt, err := sys.New()
	require.Nil(t, err)

	const base = 0x10000000
	const size = 16 * 1024 * 1024
	vp := New(base, size, sys.ProcessPool, pt)

	a1, err := vp.Allocate(1)
	require.Nil(t, err)
	require.Equal(t, uint32(base+0x1000), a1)

	a2, err := vp.Allocate(2 * mm.PageSize)
	require.Nil(t, err)
	require.Equal(t, uint32(base+0x2000), a2)

	a3, err := vp.Allocate(3 * mm.PageSize)
	require.Nil(t, err)
	require.Equal(t, uint32(base+0x4000), a3)

	require.Equal(t, uint32(size-0x1000-0x1000-0x2000-0x3000), vp.Available())
}

func TestVMPoolAccountingInvariant(t *testing.T) {
	sys := newTestSystem(t)
	pt, err := sys.New()
	require.Nil(t, err)

	const size = 16 * 1024 * 1024
	vp := New(0x10000000, size, sys.ProcessPool, pt)

	_, err = vp.Allocate(5 * mm.PageSize)
	require.Nil(t, err)
	_, err = vp.Allocate(3 * mm.PageSize)
	require.Nil(t, err)

	require.Equal(t, uint32(size-mm.PageSize), vp.Available()+8*mm.PageSize)
}

func TestVMPoolAllocateFailsWhenExhausted(t *testing.T) {
	sys := newTestSystem(t)
	pt, err := sys.New()
	require.Nil(t, err)

	vp := New(0x10000000, 2*mm.PageSize, sys.ProcessPool, pt)
	_, err = vp.Allocate(mm.PageSize + 1)
	require.Equal(t, ErrAllocationExhausted, err)
}

func TestVMPoolReleaseRequiresExactBase(t *testing.T) {
	sys := newTestSystem(t)
	pt, err := sys.New()
	require.Nil(t, err)

	vp := New(0x10000000, 16*1024*1024, sys.ProcessPool, pt)
	base, err := vp.Allocate(mm.PageSize)
	require.Nil(t, err)

	require.PanicsWithValue(t, ErrNoSuchRegion, func() { vp.Release(base + mm.PageSize) })

	// Touch the page so FreePage has something mapped to release.
	require.Nil(t, pt.HandleFault(base, false, false))
	require.NotPanics(t, func() { vp.Release(base) })
}

func TestVMPoolIsLegitimate(t *testing.T) {
	sys := newTestSystem(t)
	pt, err := sys.New()
	require.Nil(t, err)

	vp := New(0x10000000, 16*1024*1024, sys.ProcessPool, pt)
	require.True(t, vp.IsLegitimate(0x10000000))
	require.True(t, vp.IsLegitimate(0x10FFFFFF))
	require.False(t, vp.IsLegitimate(0x11000000))
}
