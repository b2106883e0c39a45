package disk

import (
	"sync"

	"tkernel/kernel"
	"tkernel/kernel/cpu"
	"tkernel/kernel/irq"
	"tkernel/kernel/sched"
)

// NonBlockingDisk drives the same ATA protocol as SimpleDisk but never
// spins the caller on the status port. Instead it parks the calling
// thread on a FIFO blocked queue and registers itself on IRQ14; a
// completion interrupt wakes exactly the one thread at the head of the
// queue. A thread already queued is not enqueued twice.
type NonBlockingDisk struct {
	bus   *cpu.PortBus
	sched *sched.Scheduler

	mu      sync.Mutex
	blocked []*sched.Thread
	queued  map[uint64]bool
}

// NewNonBlockingDisk returns a client driving bus, registering its
// interrupt handler with ctrl on irq.Disk.
func NewNonBlockingDisk(bus *cpu.PortBus, schedr *sched.Scheduler, ctrl *irq.Controller) *NonBlockingDisk {
	d := &NonBlockingDisk{
		bus:    bus,
		sched:  schedr,
		queued: make(map[uint64]bool),
	}
	ctrl.HandleIRQ(irq.Disk, d.handleInterrupt)
	return d
}

// handleInterrupt is the IRQ14 service routine: it resumes the thread at
// the head of the blocked queue, if any. Only one command is ever in
// flight on this disk, so at most one thread is woken per completion.
func (d *NonBlockingDisk) handleInterrupt() {
	d.mu.Lock()
	if len(d.blocked) == 0 {
		d.mu.Unlock()
		return
	}
	t := d.blocked[0]
	d.blocked = d.blocked[1:]
	delete(d.queued, t.ID)
	d.mu.Unlock()

	d.sched.Resume(t)
}

// park registers self on the blocked queue (once) and yields until the
// controller reports no longer busy. With the real assembly context
// switch out of scope, yielding here degrades to a bounded busy-yield:
// self gives every other ready thread a turn before re-checking BSY,
// rather than spinning the CPU the way SimpleDisk's waitWhileBusy does.
func (d *NonBlockingDisk) park(self *sched.Thread) {
	if self != nil {
		d.mu.Lock()
		if !d.queued[self.ID] {
			d.queued[self.ID] = true
			d.blocked = append(d.blocked, self)
		}
		d.mu.Unlock()
	}

	for d.bus.ReadByte(PortCommand)&statusBusy != 0 {
		d.sched.Yield()
	}
}

// Read loads one block into dst on behalf of self, parking self instead
// of spinning while the controller services the command.
func (d *NonBlockingDisk) Read(self *sched.Thread, blockNo uint32, dst []byte) *kernel.Error {
	if len(dst) < BlockSize {
		return ErrIO
	}
	selectBlock(d.bus, blockNo)
	d.bus.WriteByte(PortCommand, cmdReadSectors)
	d.park(self)

	for i := 0; i < wordsPerBlock; i++ {
		w := d.bus.ReadWord(PortData)
		dst[i*2] = byte(w)
		dst[i*2+1] = byte(w >> 8)
	}
	return nil
}

// Write stores src to blockNo on behalf of self, then flushes the write
// through the controller's cache-flush command, parking self across
// both commands.
func (d *NonBlockingDisk) Write(self *sched.Thread, blockNo uint32, src []byte) *kernel.Error {
	if len(src) < BlockSize {
		return ErrIO
	}
	selectBlock(d.bus, blockNo)
	d.bus.WriteByte(PortCommand, cmdWriteSectors)
	d.park(self)

	for i := 0; i < wordsPerBlock; i++ {
		w := uint16(src[i*2]) | uint16(src[i*2+1])<<8
		d.bus.WriteWord(PortData, w)
	}

	d.bus.WriteByte(PortCommand, cmdCacheFlush)
	d.park(self)
	return nil
}

// Blocked returns the number of threads currently parked on this disk.
func (d *NonBlockingDisk) Blocked() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.blocked)
}

// BlockDevice is the narrow interface the file system needs from a disk
// client: read or write one block, identified by number. Both SimpleDisk
// and a NonBlockingDisk bound to a thread via Bind satisfy it.
type BlockDevice interface {
	Read(blockNo uint32, dst []byte) *kernel.Error
	Write(blockNo uint32, src []byte) *kernel.Error
}

// boundDisk adapts a NonBlockingDisk to BlockDevice by fixing the thread
// that parks across every call, since the file system itself carries no
// notion of thread identity.
type boundDisk struct {
	disk *NonBlockingDisk
	self *sched.Thread
}

func (b boundDisk) Read(blockNo uint32, dst []byte) *kernel.Error  { return b.disk.Read(b.self, blockNo, dst) }
func (b boundDisk) Write(blockNo uint32, src []byte) *kernel.Error { return b.disk.Write(b.self, blockNo, src) }

// Bind returns a BlockDevice that parks self across every operation.
func (d *NonBlockingDisk) Bind(self *sched.Thread) BlockDevice {
	return boundDisk{disk: d, self: self}
}
