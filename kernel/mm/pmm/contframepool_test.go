package pmm

import (
	"testing"

	"github.com/stretchr/testify/require"

	"tkernel/kernel"
	"tkernel/kernel/metrics"
	"tkernel/kernel/mm"
)

func newTestPool(t *testing.T, nFrames uint32, infoFrame mm.Frame) (*kernel.Memory, *Registry, *ContFramePool) {
	total := uint64(nFrames)
	if infoFrame != mm.InvalidFrame && uint64(infoFrame)+1 > total {
		total = uint64(infoFrame) + 1
	}
	mem := kernel.NewMemory(uintptr(total) * mm.PageSize)
	reg := NewRegistry()
	pool, err := New(mem, reg, metrics.New(), "test", mm.Frame(0), nFrames, infoFrame)
	require.Nil(t, err)
	return mem, reg, pool
}

func TestNeededInfoFrames(t *testing.T) {
	require.Equal(t, uint32(1), NeededInfoFrames(256))
	require.Equal(t, uint32(1), NeededInfoFrames(4096*8/2))
	require.Equal(t, uint32(2), NeededInfoFrames(4096*8/2+1))
}

func TestSelfHostedPoolReservesInfoFrames(t *testing.T) {
	_, _, pool := newTestPool(t, 0x100, mm.InvalidFrame)

	frame, err := pool.GetFrames(1)
	require.Nil(t, err)
	require.Equal(t, mm.Frame(0x101), frame)
}

func TestReleaseIsInverseOfAllocation(t *testing.T) {
	_, reg, pool := newTestPool(t, 0x100, mm.InvalidFrame)

	frame, err := pool.GetFrames(1)
	require.Nil(t, err)
	require.Equal(t, mm.Frame(0x101), frame)

	require.NotPanics(t, func() { reg.Release(frame) })

	frame2, err := pool.GetFrames(1)
	require.Nil(t, err)
	require.Equal(t, mm.Frame(0x101), frame2)
}

func TestContiguousAllocationAdvancesPastPriorRun(t *testing.T) {
	_, _, pool := newTestPool(t, 64, mm.Frame(64))

	first, err := pool.GetFrames(4)
	require.Nil(t, err)

	second, err := pool.GetFrames(1)
	require.Nil(t, err)
	require.Equal(t, first+4, second)

	free, used := pool.Stats()
	require.Equal(t, 5, used)
	require.Equal(t, 59, free)
}

func TestFrameConservation(t *testing.T) {
	_, _, pool := newTestPool(t, 64, mm.Frame(64))

	_, err := pool.GetFrames(10)
	require.Nil(t, err)
	free, used := pool.Stats()
	require.Equal(t, 64, free+used)
}

func TestGetFramesFailsWhenExhausted(t *testing.T) {
	_, _, pool := newTestPool(t, 4, mm.Frame(4))

	_, err := pool.GetFrames(5)
	require.Equal(t, ErrNoContiguousRun, err)
}

func TestReleaseRejectsNonHeadOfSequence(t *testing.T) {
	_, reg, pool := newTestPool(t, 16, mm.Frame(16))

	frame, err := pool.GetFrames(3)
	require.Nil(t, err)

	require.PanicsWithValue(t, ErrNotHeadOfSequence, func() { reg.Release(frame + 1) })
}

func TestReleaseRejectsUnownedFrame(t *testing.T) {
	_, reg, _ := newTestPool(t, 16, mm.Frame(16))
	require.PanicsWithValue(t, ErrFrameNotOwned, func() { reg.Release(mm.Frame(9999)) })
}

func TestMarkInaccessible(t *testing.T) {
	_, _, pool := newTestPool(t, 16, mm.Frame(16))

	require.NotPanics(t, func() { pool.MarkInaccessible(mm.Frame(4), 3) })
	free, used := pool.Stats()
	require.Equal(t, 13, free)
	require.Equal(t, 3, used)

	require.PanicsWithValue(t, ErrOutOfRange, func() { pool.MarkInaccessible(mm.Frame(14), 4) })
}
