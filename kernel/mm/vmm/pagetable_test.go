package vmm

import (
	"testing"

	"github.com/stretchr/testify/require"

	"tkernel/kernel"
	"tkernel/kernel/cpu"
	"tkernel/kernel/metrics"
	"tkernel/kernel/mm"
	"tkernel/kernel/mm/pmm"
)

func newTestSystem(t *testing.T) *System {
	mem := kernel.NewMemory(4096 * mm.PageSize)
	reg := pmm.NewRegistry()
	metricsReg := metrics.New()

	kernelPool, err := pmm.New(mem, reg, metricsReg, "kernel", mm.Frame(2), 512, mm.InvalidFrame)
	require.Nil(t, err)
	processPool, err := pmm.New(mem, reg, metricsReg, "process", mm.Frame(514), 512, mm.InvalidFrame)
	require.Nil(t, err)

	return &System{
		Mem:         mem,
		Regs:        cpu.NewRegisters(),
		Registry:    reg,
		KernelPool:  kernelPool,
		ProcessPool: processPool,
		SharedSize:  4 * mm.PageSize,
		Metrics:     metricsReg,
	}
}

func TestNewPageTableIdentityMapsSharedRegion(t *testing.T) {
	sys := newTestSystem(t)
	pt, err := sys.New()
	require.Nil(t, err)
	require.NotNil(t, pt)

	// SharedSize is 4 pages: PDE 0 points at one page table whose first
	// four entries map virtual page i to physical frame i.
	pdBytes := sys.Mem.FrameBytes(uint32(pt.pdFrame))
	pde := readEntry(pdBytes, 0)
	require.True(t, pde.hasFlags(FlagPresent|FlagRW))

	ptBytes := sys.Mem.FrameBytes(pde.frameAddr() >> mm.PageShift)
	for i := uint32(0); i < 4; i++ {
		pte := readEntry(ptBytes, i)
		require.True(t, pte.hasFlags(FlagPresent|FlagRW))
		require.Equal(t, i<<mm.PageShift, pte.frameAddr())
	}
	require.False(t, readEntry(ptBytes, 4).hasFlags(FlagPresent))
}

func TestHandleFaultAllocatesPDEAndDataFrame(t *testing.T) {
	sys := newTestSystem(t)
	pt, err := sys.New()
	require.Nil(t, err)

	_, kernelUsed0 := sys.KernelPool.Stats()
	_, processUsed0 := sys.ProcessPool.Stats()

	before := cpu.InvalidationCount()
	require.Nil(t, pt.HandleFault(0x400000, false, false))
	require.Equal(t, before+1, cpu.InvalidationCount())

	// The first fault allocates a page table from the kernel pool and a
	// data frame from the process pool.
	_, kernelUsed1 := sys.KernelPool.Stats()
	_, processUsed1 := sys.ProcessPool.Stats()
	require.Equal(t, kernelUsed0+1, kernelUsed1)
	require.Equal(t, processUsed0+1, processUsed1)

	// A second fault at an address served by the same PDE reuses it and
	// allocates exactly one more data frame.
	require.Nil(t, pt.HandleFault(0x401000, false, false))
	_, kernelUsed2 := sys.KernelPool.Stats()
	_, processUsed2 := sys.ProcessPool.Stats()
	require.Equal(t, kernelUsed1, kernelUsed2)
	require.Equal(t, processUsed1+1, processUsed2)
}

func TestHandleFaultIsIdempotent(t *testing.T) {
	sys := newTestSystem(t)
	pt, err := sys.New()
	require.Nil(t, err)

	require.Nil(t, pt.HandleFault(0x400000, false, false))

	_, used1 := sys.ProcessPool.Stats()
	require.Nil(t, pt.HandleFault(0x400000, false, false))
	_, used2 := sys.ProcessPool.Stats()

	require.Equal(t, used1, used2)
}

func TestHandleFaultRejectsProtectionFault(t *testing.T) {
	sys := newTestSystem(t)
	pt, err := sys.New()
	require.Nil(t, err)

	require.PanicsWithValue(t, ErrProtectionFault, func() { pt.HandleFault(0x400000, true, false) })
}

func TestHandleFaultRejectsIllegalAddress(t *testing.T) {
	sys := newTestSystem(t)
	pt, err := sys.New()
	require.Nil(t, err)

	vp := New(0x10000000, 16*1024*1024, sys.ProcessPool, pt)
	_ = vp

	require.PanicsWithValue(t, ErrIllegalAddress, func() { pt.HandleFault(0x99999999, false, false) })
}

func TestFreePageReleasesFrame(t *testing.T) {
	sys := newTestSystem(t)
	pt, err := sys.New()
	require.Nil(t, err)

	require.Nil(t, pt.HandleFault(0x400000, false, false))
	_, usedBefore := sys.ProcessPool.Stats()

	require.NotPanics(t, func() { pt.FreePage(mm.PageFromAddress(0x400000)) })
	_, usedAfter := sys.ProcessPool.Stats()

	require.Equal(t, usedBefore-1, usedAfter)
	require.PanicsWithValue(t, ErrInvalidMapping, func() { pt.FreePage(mm.PageFromAddress(0x400000)) })
}
