// Package vmm implements the two-level x86 page table, its page-fault
// resolver, and the per-address-space VMPool region allocator that
// cooperates with it.
package vmm

import (
	"encoding/binary"
	"sync"

	"tkernel/kernel"
	"tkernel/kernel/cpu"
	"tkernel/kernel/metrics"
	"tkernel/kernel/mm"
	"tkernel/kernel/mm/pmm"
)

var (
	// ErrIllegalAddress is the panic value when a fault address is not
	// accepted by any VMPool registered with the faulting PageTable.
	ErrIllegalAddress = kernel.NewError("vmm", "fault address is not backed by any registered VMPool")
	// ErrProtectionFault is the panic value for a hardware-reported
	// present-page protection violation; this rewrite supports no
	// access-permission changes, so it is always fatal, per contract.
	ErrProtectionFault = kernel.NewError("vmm", "protection fault on a present page")
	// ErrInvalidMapping is the panic value when FreePage targets an unmapped page.
	ErrInvalidMapping = kernel.NewError("vmm", "virtual address is not currently mapped")
)

func readEntry(b []byte, idx uint32) entry {
	return entry(binary.LittleEndian.Uint32(b[idx*4:]))
}

func writeEntry(b []byte, idx uint32, e entry) {
	binary.LittleEndian.PutUint32(b[idx*4:], uint32(e))
}

// System is the process-wide context a PageTable needs: the physical
// memory it operates on, the CPU register file, the frame-pool registry
// used to release frames by number, and the kernel/process pool split.
// The teacher kernel keeps this as implicit static state; this rewrite
// makes it an explicit value so a test can build as many independent
// systems as it likes (see DESIGN.md).
type System struct {
	Mem         *kernel.Memory
	Regs        *cpu.Registers
	Registry    *pmm.Registry
	KernelPool  *pmm.ContFramePool
	ProcessPool *pmm.ContFramePool
	SharedSize  uint32
	Metrics     *metrics.Registry
}

// PageTable owns one page directory and resolves the faults that occur
// against it.
type PageTable struct {
	mu      sync.Mutex
	sys     *System
	pdFrame mm.Frame
	pools   []*VMPool
}

// New allocates a page directory and enough page tables to identity-map
// the system's shared region, installs the recursive mapping at PDE 1023,
// and returns the new, unregistered PageTable.
func (s *System) New() (*PageTable, *kernel.Error) {
	pdFrame, err := s.KernelPool.GetFrames(1)
	if err != nil {
		return nil, err
	}
	s.Mem.Zero(uint32(pdFrame))
	pdBytes := s.Mem.FrameBytes(uint32(pdFrame))

	sharedPages := s.SharedSize / mm.PageSize
	nTables := (sharedPages + mm.EntryCount - 1) / mm.EntryCount

	framesMapped := uint32(0)
	for t := uint32(0); t < nTables; t++ {
		ptFrame, err := s.KernelPool.GetFrames(1)
		if err != nil {
			return nil, err
		}
		s.Mem.Zero(uint32(ptFrame))
		ptBytes := s.Mem.FrameBytes(uint32(ptFrame))

		for i := uint32(0); i < mm.EntryCount && framesMapped < sharedPages; i++ {
			writeEntry(ptBytes, i, makeEntry(framesMapped<<mm.PageShift, FlagPresent|FlagRW))
			framesMapped++
		}
		writeEntry(pdBytes, t, makeEntry(ptFrame.Address(), FlagPresent|FlagRW))
	}

	// Remaining directory entries carry RW but no Present, per contract.
	for i := nTables; i < mm.EntryCount-1; i++ {
		writeEntry(pdBytes, i, makeEntry(0, FlagRW))
	}

	// Self-referencing recursive mapping at the last PDE.
	writeEntry(pdBytes, mm.EntryCount-1, makeEntry(pdFrame.Address(), FlagPresent|FlagRW))

	pt := &PageTable{sys: s, pdFrame: pdFrame}
	kernel.Log.Infow("page table created", "pd_frame", pdFrame, "identity_mapped_pages", framesMapped)
	return pt, nil
}

// Load installs this directory in CR3.
func (pt *PageTable) Load() {
	pt.sys.Regs.LoadCR3(pt.pdFrame.Address())
}

// EnablePaging sets CR0.PG.
func (pt *PageTable) EnablePaging() {
	pt.sys.Regs.EnablePaging()
}

// RegisterPool appends vm to this instance's VMPool list and returns its
// index, the small-integer handle the design notes ask for in place of a
// raw ownership cycle.
func (pt *PageTable) RegisterPool(vm *VMPool) int {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	pt.pools = append(pt.pools, vm)
	return len(pt.pools) - 1
}

func (pt *PageTable) addressIsLegitimate(addr uint32) bool {
	pt.mu.Lock()
	pools := append([]*VMPool(nil), pt.pools...)
	pt.mu.Unlock()

	if len(pools) == 0 {
		// No pools registered yet: required to bootstrap the kernel heap.
		return true
	}
	for _, p := range pools {
		if p.IsLegitimate(addr) {
			return true
		}
	}
	return false
}

// HandleFault resolves a page fault at faultAddr. presentOnCPU mirrors the
// hardware-decoded err_code's present bit: true means the CPU reports the
// page as already present, i.e. a protection violation, which this
// rewrite treats as fatal since no access-permission changes are
// supported. userMode mirrors err_code's user bit and controls whether
// newly installed entries carry FlagUser. A protection fault or a fault
// address outside every registered VMPool is a Protocol/InvalidReference-
// class invariant violation and panics; only frame exhaustion
// (AllocationExhausted) is returned to the caller.
func (pt *PageTable) HandleFault(faultAddr uint32, presentOnCPU bool, userMode bool) *kernel.Error {
	pt.sys.Regs.SetCR2(faultAddr)

	if presentOnCPU {
		panic(ErrProtectionFault)
	}
	if !pt.addressIsLegitimate(faultAddr) {
		panic(ErrIllegalAddress)
	}

	pt.mu.Lock()
	defer pt.mu.Unlock()

	pdIdx := mm.DirectoryIndex(faultAddr)
	ptIdx := mm.TableIndex(faultAddr)

	pdBytes := pt.sys.Mem.FrameBytes(uint32(pt.pdFrame))
	pde := readEntry(pdBytes, pdIdx)

	flags := FlagPresent | FlagRW
	if userMode {
		flags |= FlagUser
	}

	var ptFrame mm.Frame
	if !pde.hasFlags(FlagPresent) {
		frame, err := pt.sys.KernelPool.GetFrames(1)
		if err != nil {
			return err
		}
		pt.sys.Mem.Zero(uint32(frame))
		writeEntry(pdBytes, pdIdx, makeEntry(frame.Address(), flags))
		ptFrame = frame
	} else {
		ptFrame = mm.Frame(pde.frameAddr() >> mm.PageShift)
	}

	ptBytes := pt.sys.Mem.FrameBytes(uint32(ptFrame))
	pte := readEntry(ptBytes, ptIdx)
	if pte.hasFlags(FlagPresent) {
		// Already mapped: a second fault here never allocates a frame.
		return nil
	}

	dataFrame, err := pt.sys.ProcessPool.GetFrames(1)
	if err != nil {
		return err
	}
	writeEntry(ptBytes, ptIdx, makeEntry(dataFrame.Address(), flags))
	cpu.InvalidateTLBEntry(faultAddr)

	if pt.sys.Metrics != nil {
		pt.sys.Metrics.FaultsTotal.Inc()
	}
	return nil
}

// FreePage releases the data frame backing virtualPage, clears its PTE's
// Present bit, and flushes the TLB. Freeing a page with no current
// mapping is an InvalidReference-class invariant violation and panics
// rather than returning.
func (pt *PageTable) FreePage(virtualPage mm.Page) {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	addr := virtualPage.Address()
	pdIdx := mm.DirectoryIndex(addr)
	ptIdx := mm.TableIndex(addr)

	pdBytes := pt.sys.Mem.FrameBytes(uint32(pt.pdFrame))
	pde := readEntry(pdBytes, pdIdx)
	if !pde.hasFlags(FlagPresent) {
		panic(ErrInvalidMapping)
	}

	ptFrame := mm.Frame(pde.frameAddr() >> mm.PageShift)
	ptBytes := pt.sys.Mem.FrameBytes(uint32(ptFrame))
	pte := readEntry(ptBytes, ptIdx)
	if !pte.hasFlags(FlagPresent) {
		panic(ErrInvalidMapping)
	}

	dataFrame := mm.Frame(pte.frameAddr() >> mm.PageShift)
	pt.sys.Registry.Release(dataFrame)

	pte.clearFlags(FlagPresent)
	writeEntry(ptBytes, ptIdx, pte)
	cpu.InvalidateTLBEntry(addr)
}
