// Package sync provides the kernel's spinlock primitive, used to guard
// state accessed from both ordinary calls and simulated interrupt
// handlers where blocking on a channel or a goroutine-parking mutex
// would be the wrong model of a real ISR.
package sync

import (
	"runtime"
	"sync/atomic"
)

// yieldFn is called between failed acquire attempts once a task has
// spun past attemptsBeforeYielding; tests substitute runtime.Gosched so
// contending goroutines actually get scheduled.
var yieldFn func() = runtime.Gosched

const attemptsBeforeYielding = 1000

// Spinlock implements a lock where each task trying to acquire it busy-waits
// until the lock becomes available.
type Spinlock struct {
	state uint32
}

// Acquire blocks until the lock can be acquired by the currently active task.
// Any attempt to re-acquire a lock already held by the current task will cause
// a deadlock.
func (l *Spinlock) Acquire() {
	spins := uint32(0)
	for !atomic.CompareAndSwapUint32(&l.state, 0, 1) {
		spins++
		if spins >= attemptsBeforeYielding {
			spins = 0
			if yieldFn != nil {
				yieldFn()
			}
		}
	}
}

// TryToAcquire attempts to acquire the lock and returns true if the lock could
// be acquired or false otherwise.
func (l *Spinlock) TryToAcquire() bool {
	return atomic.CompareAndSwapUint32(&l.state, 0, 1)
}

// Release relinquishes a held lock allowing other tasks to acquire it. Calling
// Release while the lock is free has no effect.
func (l *Spinlock) Release() {
	atomic.StoreUint32(&l.state, 0)
}

// Lock and Unlock satisfy sync.Locker so a Spinlock can be used anywhere
// an ordinary mutex would be.
func (l *Spinlock) Lock()   { l.Acquire() }
func (l *Spinlock) Unlock() { l.Release() }
