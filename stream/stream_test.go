// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package stream

import (
	"os"
	"testing"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/offload/backends"
	"github.com/gomlx/offload/backends/simgo"
	"github.com/gomlx/offload/kernels"
	"github.com/gomlx/offload/types/kinds"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"k8s.io/klog/v2"
)

var backend *simgo.Backend

func init() {
	klog.InitFlags(nil)
}

func TestMain(m *testing.M) {
	backend = must.M1(simgo.New("gpus=1,fpgas=0,memory=16MiB"))
	code := m.Run()
	backend.Finalize()
	os.Exit(code)
}

func TestEventEncoding(t *testing.T) {
	e := makeEvent(5, 3)
	require.Greater(t, int64(e), int64(0))
	tag, seq := e.split()
	require.Equal(t, uint32(5), tag)
	require.Equal(t, int64(3), seq)
	require.Less(t, makeEvent(5, 3), makeEvent(5, 4))
	require.Greater(t, int64(makeEvent(maxStreamTag, 1<<sequenceBits-1)), int64(0))
	require.Equal(t, "Event(5#3)", e.String())
	require.Equal(t, "NoEvent", NoEvent.String())
}

func TestTooManyStreams(t *testing.T) {
	previous := nextStreamTag.Load()
	defer nextStreamTag.Store(previous)

	// The last tag is still usable, the next one would alias the first streams.
	nextStreamTag.Store(maxStreamTag - 1)
	s := must.M1(New(backend, 0))
	require.Equal(t, uint32(maxStreamTag), s.tag)
	_, err := New(backend, 0)
	require.ErrorIs(t, err, ErrTooManyStreams)
}

func TestRetireCompletedEvents(t *testing.T) {
	s := must.M1(New(backend, 0))
	addr := must.M1(backend.Allocate(0, 8))
	defer func() { require.NoError(t, backend.Free(0, addr)) }()

	host := kinds.SliceBytes([]int64{7})
	first := s.EnqueueWrite(dtypes.Int64, addr, 0, host, false, nil)
	const numRounds, perRound = 20, 500
	for range numRounds {
		for range perRound {
			s.EnqueueWrite(dtypes.Int64, addr, 0, host, false, nil)
		}
		require.NoError(t, s.Sync())
		require.Less(t, s.NumEvents(), 2*RetainedEvents+perRound)
	}
	require.Equal(t, int64(numRounds*perRound+1), s.NumIssued())
	require.Less(t, s.NumEvents(), 2*RetainedEvents+perRound)

	// Retired events are still valid: they resolve as retired, and can be waited on.
	require.Equal(t, Retired, s.ResolveEvent(first).Status)
	require.NoError(t, s.Wait(first))
	out := make([]int64, 1)
	r := s.EnqueueRead(dtypes.Int64, addr, 0, kinds.SliceBytes(out), []Event{first})
	require.NoError(t, s.Wait(r))
	require.Equal(t, int64(7), out[0])
	require.Equal(t, r, s.Events()[len(s.Events())-1].Event)

	// After a reset, retired events are unknown like any other.
	s.Reset()
	err := exceptions.TryCatch[error](func() { s.ResolveEvent(first) })
	require.ErrorIs(t, err, ErrUnknownEvent)
	require.Zero(t, s.NumIssued())
}

func TestWriteReadEvents(t *testing.T) {
	s := must.M1(New(backend, 0))
	addr := must.M1(backend.Allocate(0, 64))
	defer func() { require.NoError(t, backend.Free(0, addr)) }()

	host := []float32{1, 2, 3, 4}
	w := s.EnqueueWrite(dtypes.Float32, addr, 0, kinds.SliceBytes(host), false, nil)
	out := make([]float32, 4)
	r := s.EnqueueRead(dtypes.Float32, addr, 0, kinds.SliceBytes(out), []Event{w, NoEvent})
	require.Greater(t, r, w, "events increase monotonically")
	require.NoError(t, s.Wait(r))
	require.Equal(t, host, out)

	info := s.ResolveEvent(w)
	require.Equal(t, OpWrite, info.Kind)
	require.Equal(t, Complete, info.Status)
	require.Equal(t, int64(16), info.Bytes)
	require.GreaterOrEqual(t, info.Duration().Nanoseconds(), int64(0))
	require.NoError(t, s.Sync())
	require.Len(t, s.Events(), 2)
	require.Equal(t, r, s.Events()[1].Event)

	// Misaligned transfer length and unsupported kinds are contract violations.
	require.Panics(t, func() { s.EnqueueWrite(dtypes.Float32, addr, 0, make([]byte, 3), false, nil) })
	require.Panics(t, func() { s.EnqueueWrite(dtypes.Complex128, addr, 0, make([]byte, 16), false, nil) })
}

func TestBarrierAndMarker(t *testing.T) {
	s := must.M1(New(backend, 0))
	addr := must.M1(backend.Allocate(0, 8))
	defer func() { require.NoError(t, backend.Free(0, addr)) }()

	// Nothing enqueued yet: a barrier is a real operation.
	b0 := s.EnqueueBarrier(nil)
	require.NoError(t, s.Wait(b0))
	w := s.EnqueueWrite(dtypes.Int64, addr, 0, kinds.SliceBytes([]int64{42}), false, nil)
	// In-order queue: barrier and marker return the tail event.
	require.Equal(t, w, s.EnqueueBarrier(nil))
	require.Equal(t, w, s.EnqueueMarker(nil))
	m := s.EnqueueMarker([]Event{w})
	require.Greater(t, m, w)
	require.Equal(t, OpMarker, s.ResolveEvent(m).Kind)
	require.NoError(t, s.Sync())
}

func TestResetInvalidatesEvents(t *testing.T) {
	s := must.M1(New(backend, 0))
	e := s.EnqueueBarrier(nil)
	require.NoError(t, s.Sync())
	s.Reset()
	require.Equal(t, uint32(1), s.Generation())
	require.Zero(t, s.NumEvents())

	err := exceptions.TryCatch[error](func() { s.ResolveEvent(e) })
	require.ErrorIs(t, err, ErrUnknownEvent)
	require.Panics(t, func() { s.EnqueueBarrier([]Event{e}) })

	// Same position in the new generation is a different event.
	e2 := s.EnqueueBarrier(nil)
	require.NotEqual(t, e, e2)
	require.NotPanics(t, func() { s.ResolveEvent(e2) })

	// Events of another stream are unknown too.
	other := must.M1(New(backend, 0))
	err = exceptions.TryCatch[error](func() { other.ResolveEvent(e2) })
	require.True(t, errors.Is(err, ErrUnknownEvent))
	err = exceptions.TryCatch[error](func() { s.ResolveEvent(Event(1 << 40)) })
	require.ErrorIs(t, err, ErrUnknownEvent)
}

func TestKernelLaunch(t *testing.T) {
	s := must.M1(New(backend, 0))
	src := &kernels.Source{
		Name:   "fill",
		Params: []kernels.Param{kernels.Out("x", dtypes.Int16), kernels.Value("v", dtypes.Int16)},
		Meta:   kernels.Domain1D(16),
		Fn: func(wi kernels.WorkItem, args *kernels.Args) {
			x := kernels.Buffer[int16](args, 0)
			for i := wi.Global[0]; i < len(x); i += wi.GlobalSize[0] {
				x[i] = kernels.Scalar[int16](args, 1)
			}
		},
	}
	mod := must.M1(backend.LoadModule(0, src))
	addr := must.M1(backend.Allocate(0, 32))
	defer func() { require.NoError(t, backend.Free(0, addr)) }()
	argBlock := must.M1(kernels.PackArgs(s.Device().ByteOrder, src.Params, []any{uint64(addr), int16(-3)}))
	l := s.EnqueueKernelLaunch(mod, argBlock, [3]int{2, 1, 1}, [3]int{4, 1, 1}, nil)
	out := make([]int16, 16)
	s.EnqueueRead(dtypes.Int16, addr, 0, kinds.SliceBytes(out), []Event{l})
	require.NoError(t, s.Sync())
	for _, v := range out {
		require.Equal(t, int16(-3), v)
	}
	info := s.ResolveEvent(l)
	require.Equal(t, OpLaunch, info.Kind)
	require.Equal(t, "fill", info.Name)
}

func TestFailedOperation(t *testing.T) {
	s := must.M1(New(backend, 0))
	r := s.EnqueueRead(dtypes.Int8, backends.Address(3), 0, make([]byte, 4), nil)
	require.Error(t, s.Wait(r))
	require.Equal(t, Failed, s.ResolveEvent(r).Status)
	require.ErrorIs(t, s.Sync(), backends.ErrInvalidAddress)
}
