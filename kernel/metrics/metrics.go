// Package metrics exposes the kernel's runtime counters and gauges. It
// plays the role that a hosted kernel's admin console would: a real
// operator (or a test) can scrape these to see frame-pool pressure, fault
// rates, scheduler dispatch counts and disk service times without
// instrumenting every call site by hand.
package metrics

import (
	"sync"

	"github.com/montanaflynn/stats"
	"github.com/prometheus/client_golang/prometheus"
)

// Registry bundles the Prometheus collectors used across the kernel
// subsystems. A fresh Registry is independent of the global Prometheus
// default registry so tests can create as many as they like without
// collisions.
type Registry struct {
	FramesFree  *prometheus.GaugeVec
	FramesUsed  *prometheus.GaugeVec
	FaultsTotal prometheus.Counter
	Dispatches  prometheus.Counter
	DiskOpsIn   prometheus.Counter
	DiskOpsDone prometheus.Counter
	BlocksUsed  prometheus.Gauge

	mu           sync.Mutex
	diskLatency  []float64
	reg          *prometheus.Registry
}

// New constructs a Registry and registers its collectors.
func New() *Registry {
	r := &Registry{reg: prometheus.NewRegistry()}

	r.FramesFree = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tkernel_frames_free",
		Help: "Number of free frames in a ContFramePool.",
	}, []string{"pool"})
	r.FramesUsed = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tkernel_frames_used",
		Help: "Number of allocated frames in a ContFramePool.",
	}, []string{"pool"})
	r.FaultsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tkernel_page_faults_total",
		Help: "Number of page faults resolved by the fault handler.",
	})
	r.Dispatches = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tkernel_scheduler_dispatches_total",
		Help: "Number of times the scheduler switched to a new thread.",
	})
	r.DiskOpsIn = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tkernel_disk_ops_issued_total",
		Help: "Number of disk operations issued.",
	})
	r.DiskOpsDone = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tkernel_disk_ops_completed_total",
		Help: "Number of disk operations completed.",
	})
	r.BlocksUsed = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "tkernel_fs_blocks_used",
		Help: "Number of allocated blocks in the file system's free-block bitmap.",
	})

	r.reg.MustRegister(r.FramesFree, r.FramesUsed, r.FaultsTotal, r.Dispatches, r.DiskOpsIn, r.DiskOpsDone, r.BlocksUsed)
	return r
}

// Registerer exposes the underlying Prometheus registry, e.g. for an
// HTTP handler built with promhttp in a real deployment.
func (r *Registry) Registerer() prometheus.Registerer { return r.reg }

// ObserveDiskLatency records one disk operation's service time, in
// milliseconds, for later reporting via LatencyStats.
func (r *Registry) ObserveDiskLatency(ms float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.diskLatency = append(r.diskLatency, ms)
	if len(r.diskLatency) > 4096 {
		r.diskLatency = r.diskLatency[len(r.diskLatency)-4096:]
	}
}

// LatencyStats reports the mean and p90 disk service time observed so
// far, in milliseconds. It returns zeros if no samples were recorded.
func (r *Registry) LatencyStats() (mean, p90 float64) {
	r.mu.Lock()
	sample := append([]float64(nil), r.diskLatency...)
	r.mu.Unlock()

	if len(sample) == 0 {
		return 0, 0
	}
	mean, _ = stats.Mean(sample)
	p90, _ = stats.Percentile(sample, 90)
	return mean, p90
}
