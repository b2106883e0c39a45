package vmm

import (
	"sync"

	"tkernel/kernel"
	"tkernel/kernel/mm"
	"tkernel/kernel/mm/pmm"
)

var (
	// ErrAllocationExhausted is returned when a VMPool has no remaining
	// address space to satisfy an allocation request.
	ErrAllocationExhausted = kernel.NewError("vmpool", "no remaining virtual address space")
	// ErrNoSuchRegion is the panic value when Release is given an address
	// that is not the exact base of a live region.
	ErrNoSuchRegion = kernel.NewError("vmpool", "no region starts at the given address")
)

type region struct {
	base   uint32
	length uint32
}

// VMPool manages a half-open virtual range [base, base+size) on behalf of
// one address space, handing out page-aligned sub-ranges and registering
// itself with the PageTable that backs them.
//
// Region bookkeeping is kept out-of-band (a plain Go slice) rather than
// in the pool's own first virtual page, as the design notes suggest: that
// removes the bootstrap dependency where the allocator would need its own
// unmapped first page mapped before it could record anything in it.
type VMPool struct {
	mu sync.Mutex

	base, size uint32
	available  uint32
	nextBase   uint32
	regions    []region

	frames *pmm.ContFramePool
	pt     *PageTable
	index  int
}

// New records the pool's parameters, registers it with pt, and reserves
// the first page of the window for the pool's own metadata exactly as the
// contract describes — even though that reservation is now notional, kept
// so VMPool's available accounting matches the documented invariant.
func New(base, size uint32, frames *pmm.ContFramePool, pt *PageTable) *VMPool {
	vp := &VMPool{
		base:      base,
		size:      size,
		available: size - mm.PageSize,
		nextBase:  base + mm.PageSize,
		frames:    frames,
		pt:        pt,
	}
	vp.index = pt.RegisterPool(vp)
	return vp
}

// Index returns the small-integer handle this pool was registered under.
func (vp *VMPool) Index() int { return vp.index }

// Allocate rounds n up to a whole number of pages, places the new region
// immediately after the previous region's end, and returns its base
// virtual address. It fails with ErrAllocationExhausted when the rounded
// size exceeds Available or when the region would extend past the end of
// the window.
func (vp *VMPool) Allocate(n uint32) (uint32, *kernel.Error) {
	rounded := mm.AlignUp(n)

	vp.mu.Lock()
	defer vp.mu.Unlock()

	if rounded > vp.available || vp.nextBase-vp.base+rounded > vp.size {
		return 0, ErrAllocationExhausted
	}

	addr := vp.nextBase
	vp.regions = append(vp.regions, region{base: addr, length: rounded})
	vp.nextBase += rounded
	vp.available -= rounded
	return addr, nil
}

// Release locates the region whose base exactly matches startAddress,
// frees every page it covers via the PageTable, and removes the record.
// Freed slots are not merged or reused: regions stay packed in
// allocation order, so this pool is best used as a grow-only heap. An
// address that is not the exact base of a live region is an
// InvalidReference-class invariant violation and panics rather than
// returning.
func (vp *VMPool) Release(startAddress uint32) {
	vp.mu.Lock()
	defer vp.mu.Unlock()

	idx := -1
	for i, r := range vp.regions {
		if r.base == startAddress {
			idx = i
			break
		}
	}
	if idx < 0 {
		panic(ErrNoSuchRegion)
	}

	r := vp.regions[idx]
	for addr := r.base; addr < r.base+r.length; addr += mm.PageSize {
		vp.pt.FreePage(mm.PageFromAddress(addr))
	}

	vp.regions = append(vp.regions[:idx], vp.regions[idx+1:]...)
	vp.available += r.length
}

// IsLegitimate reports whether address lies within this pool's window.
func (vp *VMPool) IsLegitimate(address uint32) bool {
	vp.mu.Lock()
	defer vp.mu.Unlock()
	return address >= vp.base && address < vp.base+vp.size
}

// Available returns the window size less the metadata page and the lengths
// of all live regions. Space returned by Release is counted here, but since
// freed slots are not reused, Allocate can fail for a request no larger
// than this value.
func (vp *VMPool) Available() uint32 {
	vp.mu.Lock()
	defer vp.mu.Unlock()
	return vp.available
}
