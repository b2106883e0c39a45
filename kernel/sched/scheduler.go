// Package sched implements the cooperative FIFO thread scheduler and its
// round-robin, timer-preempted variant. The real assembly context switch
// is out of scope (the teacher kernel's own collaborator boundary); it is
// modeled here by the switchContextFn hook, mockable the same way the
// teacher mocks activePDTFn/switchPDTFn/mapFn in kernel/mm/vmm/pdt.go.
package sched

import (
	"sync"

	"tkernel/kernel/metrics"
)

// Thread is the scheduler's unit of dispatch. The scheduler stores only a
// reference; it never allocates or frees Threads.
type Thread struct {
	ID uint64
}

// switchContextFn models the assembly context switch. The default
// implementation does nothing: in this hosted rewrite, "switching" to a
// thread only needs to update Scheduler.Current so callers can observe
// dispatch order, exactly what the testable FIFO property checks.
var switchContextFn = func(*Thread) {}

// Scheduler is a FIFO ready queue with voluntary yield.
type Scheduler struct {
	mu      sync.Mutex
	ready   []*Thread
	current *Thread
	metrics *metrics.Registry
}

// New returns an empty cooperative scheduler. metricsReg may be nil.
func New(metricsReg *metrics.Registry) *Scheduler {
	return &Scheduler{metrics: metricsReg}
}

// Add enqueues t at the tail of the ready queue. Adding a nil thread is a
// no-op.
func (s *Scheduler) Add(t *Thread) {
	if t == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ready = append(s.ready, t)
}

// Resume enqueues t at the tail of the ready queue; it is Add's alias,
// used at call sites that are waking a previously blocked thread rather
// than introducing a new one.
func (s *Scheduler) Resume(t *Thread) { s.Add(t) }

// Yield dequeues the head of the ready queue and switches context to it.
// If the queue is empty, the caller keeps running. Yield does not
// re-enqueue the caller — a thread that wants to remain runnable must
// Resume(self) before yielding (see DESIGN.md for why this policy, and
// not the alternative, was picked).
func (s *Scheduler) Yield() *Thread {
	s.mu.Lock()
	if len(s.ready) == 0 {
		s.mu.Unlock()
		return s.current
	}
	next := s.ready[0]
	s.ready = s.ready[1:]
	s.current = next
	s.mu.Unlock()

	switchContextFn(next)
	if s.metrics != nil {
		s.metrics.Dispatches.Inc()
	}
	return next
}

// Terminate removes t from the ready queue by id. Absence is not an
// error: it means t is the currently running thread.
func (s *Scheduler) Terminate(t *Thread) {
	if t == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, th := range s.ready {
		if th.ID == t.ID {
			s.ready = append(s.ready[:i], s.ready[i+1:]...)
			return
		}
	}
}

// Current returns the thread last dispatched by Yield, or nil if nothing
// has been dispatched yet.
func (s *Scheduler) Current() *Thread {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Len returns the number of threads currently waiting to run.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ready)
}
