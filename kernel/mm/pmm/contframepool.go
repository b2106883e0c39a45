// Package pmm implements the contiguous-frame physical allocator. Each
// ContFramePool owns a range of physical frames and hands out the lowest
// maximal run of free frames that satisfies a request, tracking state with
// two bits per frame (Free / Used / HeadOfSequence) so a whole allocation
// can be released by frame number alone.
package pmm

import (
	"sync"

	"github.com/dustin/go-humanize"
	"tkernel/kernel"
	"tkernel/kernel/metrics"
	"tkernel/kernel/mm"
)

// state is the per-frame bookkeeping value; two bits are stored per frame.
type state uint8

const (
	stateFree state = 0
	stateUsed state = 1
	stateHoS  state = 2
)

var (
	// ErrNoContiguousRun is returned when no run of n free frames exists.
	ErrNoContiguousRun = kernel.NewError("pmm", "no contiguous run of free frames available")
	// ErrNotHeadOfSequence is the panic value when releasing a frame that is not a HoS.
	ErrNotHeadOfSequence = kernel.NewError("pmm", "frame is not the head of an allocated sequence")
	// ErrFrameNotOwned is the panic value when no pool owns the frame being released.
	ErrFrameNotOwned = kernel.NewError("pmm", "frame is not owned by any registered pool")
	// ErrOutOfRange is the panic value when MarkInaccessible's range falls
	// outside the pool; New returns it when the pool is too small to hold
	// its own self-hosted bitmap.
	ErrOutOfRange = kernel.NewError("pmm", "requested range falls outside the pool")
)

// Registry is the process-wide list of frame pools, replacing the
// teacher's implicit global pool list with an explicit value a Kernel
// owns and passes to each pool at construction (see DESIGN.md).
type Registry struct {
	mu    sync.Mutex
	pools []*ContFramePool
}

// NewRegistry returns an empty pool registry.
func NewRegistry() *Registry {
	return &Registry{}
}

func (r *Registry) register(p *ContFramePool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pools = append(r.pools, p)
}

// Release walks the registered pools, finds the one owning frameNo, and
// releases the allocation sequence that frameNo heads. This is the static
// release_frames from the contract: callers only ever need a frame
// number, never a pointer to the owning pool. frameNo not belonging to
// any registered pool is an InvalidReference-class condition and panics
// rather than returning, matching the contract's "only panic on
// invariant violations" propagation rule.
func (r *Registry) Release(frameNo mm.Frame) {
	r.mu.Lock()
	pools := append([]*ContFramePool(nil), r.pools...)
	r.mu.Unlock()

	for _, p := range pools {
		if p.owns(frameNo) {
			p.release(frameNo)
			return
		}
	}
	panic(ErrFrameNotOwned)
}

// ContFramePool is a contiguous-frame physical allocator over
// [baseFrame, baseFrame+nFrames).
type ContFramePool struct {
	mu         sync.Mutex
	name       string
	mem        *kernel.Memory
	metrics    *metrics.Registry
	baseFrame  mm.Frame
	nFrames    uint32
	bitmap     []byte // 2 bits per frame, 4 frames per byte
	infoFrames uint32 // number of frames pre-reserved when self-hosted
}

// NeededInfoFrames returns ceil(2*n / (PageSize*8)), but never less than 1,
// the number of frames required to self-host the management bitmap for an
// n-frame pool.
func NeededInfoFrames(n uint32) uint32 {
	bits := 2 * uint64(n)
	capacity := uint64(mm.PageSize * 8)
	frames := bits / capacity
	if bits%capacity != 0 {
		frames++
	}
	if frames == 0 {
		frames = 1
	}
	return uint32(frames)
}

// New constructs a pool over [baseFrame, baseFrame+nFrames) and registers
// it with reg. If infoFrame is mm.InvalidFrame, the pool is self-hosted:
// its bitmap lives in the pool's own first frames, which are pre-marked
// HoS+Used so they are never handed out. Otherwise the bitmap lives at
// infoFrame and every frame in the pool starts Free.
func New(mem *kernel.Memory, reg *Registry, metricsReg *metrics.Registry, name string, baseFrame mm.Frame, nFrames uint32, infoFrame mm.Frame) (*ContFramePool, *kernel.Error) {
	p := &ContFramePool{
		name:      name,
		mem:       mem,
		metrics:   metricsReg,
		baseFrame: baseFrame,
		nFrames:   nFrames,
	}

	bitmapBytes := (2*uint64(nFrames) + 7) / 8
	var infoFrames uint32
	if infoFrame == mm.InvalidFrame {
		infoFrames = NeededInfoFrames(nFrames)
		if uint64(infoFrames) > uint64(nFrames) {
			return nil, ErrOutOfRange
		}
		p.bitmap = mem.Range(uint32(baseFrame), infoFrames)[:bitmapBytes]
		p.infoFrames = infoFrames
	} else {
		p.bitmap = mem.Range(uint32(infoFrame), 1)[:bitmapBytes]
	}

	for i := range p.bitmap {
		p.bitmap[i] = 0
	}

	if infoFrames > 0 {
		p.setState(0, stateHoS)
		for i := uint32(1); i < infoFrames; i++ {
			p.setState(i, stateUsed)
		}
	}

	reg.register(p)
	kernel.Log.Infow("frame pool created",
		"pool", name,
		"base_frame", baseFrame,
		"frames", nFrames,
		"size", humanize.Bytes(uint64(nFrames)*mm.PageSize),
		"self_hosted", infoFrame == mm.InvalidFrame,
	)
	p.reportMetrics()
	return p, nil
}

func (p *ContFramePool) owns(frameNo mm.Frame) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return frameNo >= p.baseFrame && uint32(frameNo-p.baseFrame) < p.nFrames
}

func (p *ContFramePool) getState(idx uint32) state {
	b := p.bitmap[idx/4]
	shift := (idx % 4) * 2
	return state((b >> shift) & 0x3)
}

func (p *ContFramePool) setState(idx uint32, s state) {
	byteIdx := idx / 4
	shift := (idx % 4) * 2
	p.bitmap[byteIdx] = (p.bitmap[byteIdx] &^ (0x3 << shift)) | (byte(s) << shift)
}

// GetFrames finds the lowest-indexed maximal run of n consecutive free
// frames, marks the first HoS and the rest Used, and returns the absolute
// frame number. Exhaustion (no run of n frames exists) is an
// AllocationExhausted-class condition, surfaced to the caller rather than
// panicking.
func (p *ContFramePool) GetFrames(n uint32) (mm.Frame, *kernel.Error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if n == 0 || n > p.nFrames {
		kernel.Log.Debugw("get_frames failed: request exceeds pool size", "pool", p.name, "requested", n, "pool_frames", p.nFrames)
		return mm.InvalidFrame, ErrNoContiguousRun
	}

	run := uint32(0)
	for idx := uint32(0); idx < p.nFrames; idx++ {
		if p.getState(idx) == stateFree {
			run++
			if run == n {
				start := idx - n + 1
				p.setState(start, stateHoS)
				for i := start + 1; i <= idx; i++ {
					p.setState(i, stateUsed)
				}
				p.reportMetrics()
				frame := p.baseFrame + mm.Frame(start)
				kernel.Log.Debugw("get_frames", "pool", p.name, "frame", frame, "count", n, "size", humanize.Bytes(uint64(n)*mm.PageSize))
				return frame, nil
			}
		} else {
			run = 0
		}
	}
	kernel.Log.Debugw("get_frames failed: no contiguous run available", "pool", p.name, "requested", n)
	return mm.InvalidFrame, ErrNoContiguousRun
}

// MarkInaccessible performs the same bookkeeping as GetFrames but over a
// caller-chosen range, which must lie inside the pool. A range extending
// outside the pool is an OutOfRange-class invariant violation and panics
// rather than returning.
func (p *ContFramePool) MarkInaccessible(base mm.Frame, n uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if base < p.baseFrame || uint32(base-p.baseFrame)+n > p.nFrames {
		panic(ErrOutOfRange)
	}
	start := uint32(base - p.baseFrame)
	p.setState(start, stateHoS)
	for i := start + 1; i < start+n; i++ {
		p.setState(i, stateUsed)
	}
	p.reportMetrics()
}

// release releases the allocation sequence headed by frameNo. frameNo
// must belong to this pool and must be in state HoS; releasing a frame
// that is not the head of an allocated sequence is an InvalidReference-
// class invariant violation and panics rather than returning.
func (p *ContFramePool) release(frameNo mm.Frame) {
	p.mu.Lock()
	defer p.mu.Unlock()

	idx := uint32(frameNo - p.baseFrame)
	if p.getState(idx) != stateHoS {
		panic(ErrNotHeadOfSequence)
	}
	p.setState(idx, stateFree)
	for i := idx + 1; i < p.nFrames && p.getState(i) == stateUsed; i++ {
		p.setState(i, stateFree)
	}
	p.reportMetrics()
	kernel.Log.Debugw("release_frames", "pool", p.name, "frame", frameNo)
}

// Stats returns the number of free and used (including HoS) frames.
func (p *ContFramePool) Stats() (free, used int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := uint32(0); i < p.nFrames; i++ {
		if p.getState(i) == stateFree {
			free++
		} else {
			used++
		}
	}
	return free, used
}

func (p *ContFramePool) reportMetrics() {
	if p.metrics == nil {
		return
	}
	free, used := 0, 0
	for i := uint32(0); i < p.nFrames; i++ {
		if p.getState(i) == stateFree {
			free++
		} else {
			used++
		}
	}
	p.metrics.FramesFree.WithLabelValues(p.name).Set(float64(free))
	p.metrics.FramesUsed.WithLabelValues(p.name).Set(float64(used))
}
