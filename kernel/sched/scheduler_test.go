package sched

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFIFODispatchOrder(t *testing.T) {
	s := New(nil)
	a, b, c := &Thread{ID: 1}, &Thread{ID: 2}, &Thread{ID: 3}
	s.Add(a)
	s.Add(b)
	s.Add(c)

	require.Equal(t, a, s.Yield())
	require.Equal(t, b, s.Yield())
	require.Equal(t, c, s.Yield())
}

func TestYieldDoesNotReenqueueCaller(t *testing.T) {
	s := New(nil)
	a := &Thread{ID: 1}
	s.Add(a)

	require.Equal(t, a, s.Yield())
	require.Equal(t, 0, s.Len())
	// With nothing else ready, the caller (now current) keeps running.
	require.Equal(t, a, s.Yield())
}

func TestAddNilIsNoOp(t *testing.T) {
	s := New(nil)
	s.Add(nil)
	require.Equal(t, 0, s.Len())
}

func TestTerminateRemovesByID(t *testing.T) {
	s := New(nil)
	a, b := &Thread{ID: 1}, &Thread{ID: 2}
	s.Add(a)
	s.Add(b)

	s.Terminate(a)
	require.Equal(t, 1, s.Len())
	require.Equal(t, b, s.Yield())

	// Terminating an absent thread (e.g. the one currently running) is
	// not an error.
	s.Terminate(a)
}
