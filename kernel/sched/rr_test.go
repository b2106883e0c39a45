package sched

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRRQuantumPreemptsAfterThreshold(t *testing.T) {
	rr := NewRR(5, nil, nil, nil)

	cpuBound, peer := &Thread{ID: 1}, &Thread{ID: 2}
	rr.Add(cpuBound)
	rr.Add(peer)

	require.Equal(t, cpuBound, rr.Yield())

	for i := 0; i < 4; i++ {
		rr.Tick()
	}
	// Fourth tick hasn't reached the threshold yet: nothing dispatched.
	require.Equal(t, cpuBound, rr.Current())

	rr.Tick() // fifth tick: quantum expires
	require.Equal(t, peer, rr.Current())
}

func TestRRDefaultsQuantumWhenZero(t *testing.T) {
	rr := NewRR(0, nil, nil, nil)
	require.Equal(t, uint32(5), rr.Quantum())
}
