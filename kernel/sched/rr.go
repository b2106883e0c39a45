package sched

import (
	"sync"

	"tkernel/kernel/cpu"
	"tkernel/kernel/irq"
	"tkernel/kernel/metrics"
)

// pitInputHz is the 8254 PIT's fixed input frequency.
const pitInputHz = 1193180

// pitCommandPort and pitChannel0Port are the ports the PIT is programmed
// through; pitModeSquareWave is the mode byte the contract specifies.
const (
	pitCommandPort    = 0x43
	pitChannel0Port   = 0x40
	pitModeSquareWave = 0x34
)

// RRScheduler is the preemptive, timer-driven variant of Scheduler: every
// hzThreshold timer ticks it rotates the currently running thread to the
// back of the ready queue.
type RRScheduler struct {
	*Scheduler

	mu          sync.Mutex
	ticks       uint32
	hzThreshold uint32
}

// NewRR builds an RRScheduler with the given quantum (in Hz, default 5 ~=
// 200ms) and programs the PIT through bus, mirroring the contract's
// "programs the 8254 PIT on construction; registers itself on the timer
// IRQ" behavior. ctrl is the interrupt controller IRQ0 is registered
// against.
func NewRR(hz uint32, bus *cpu.PortBus, ctrl *irq.Controller, metricsReg *metrics.Registry) *RRScheduler {
	if hz == 0 {
		hz = 5
	}
	rr := &RRScheduler{
		Scheduler:   New(metricsReg),
		hzThreshold: hz,
	}

	divisor := uint16(pitInputHz / hz)
	if bus != nil {
		bus.WriteByte(pitCommandPort, pitModeSquareWave)
		bus.WriteByte(pitChannel0Port, uint8(divisor&0xFF))
		bus.WriteByte(pitChannel0Port, uint8(divisor>>8))
	}
	if ctrl != nil {
		ctrl.HandleIRQ(irq.Timer, rr.onTick)
	}
	return rr
}

// onTick is the timer ISR: it increments the tick counter and, once the
// quantum has elapsed, resets it, resumes the currently running thread
// and yields to the next one. Interrupts are modeled as already disabled
// for the duration of the queue mutation (the caller, irq.Controller.Raise,
// runs handlers synchronously) and re-enabled before the dispatch itself,
// matching the contract's "ticks during dispatch do not deadlock" rule —
// here that just means Yield's own locking is independent of onTick's.
func (rr *RRScheduler) onTick() {
	rr.mu.Lock()
	rr.ticks++
	expired := rr.ticks >= rr.hzThreshold
	if expired {
		rr.ticks = 0
	}
	rr.mu.Unlock()

	if !expired {
		return
	}

	if current := rr.Scheduler.Current(); current != nil {
		rr.Scheduler.Resume(current)
	}
	rr.Scheduler.Yield()
}

// Tick drives the timer ISR directly, used by tests and by a caller that
// wants to simulate IRQ0 firing without wiring a real interrupt
// controller.
func (rr *RRScheduler) Tick() { rr.onTick() }

// Quantum returns the configured quantum in Hz.
func (rr *RRScheduler) Quantum() uint32 { return rr.hzThreshold }
