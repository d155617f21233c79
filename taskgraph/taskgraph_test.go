// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package taskgraph

import (
	"os"
	"testing"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/offload/backends"
	"github.com/gomlx/offload/backends/simgo"
	"github.com/gomlx/offload/device"
	"github.com/gomlx/offload/kernels"
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
	backend = must.M1(simgo.New("gpus=1,fpgas=1,memory=64MiB"))
	code := m.Run()
	backend.Finalize()
	os.Exit(code)
}

func newContext(t *testing.T, b backends.Backend, deviceNum backends.DeviceNum) *device.Context {
	ctx := must.M1(device.NewContext(b, deviceNum, device.Config{}))
	t.Cleanup(func() { _ = ctx.Close() })
	return ctx
}

func elementwiseKernel(name string, fn func(a, v int32) int32) *kernels.Source {
	return &kernels.Source{
		Name:   name,
		Params: []kernels.Param{kernels.InOut("a", dtypes.Int32), kernels.Value("v", dtypes.Int32)},
		Meta:   kernels.Domain1D(1024),
		Fn: func(wi kernels.WorkItem, args *kernels.Args) {
			a := kernels.Buffer[int32](args, 0)
			v := kernels.Scalar[int32](args, 1)
			for i := wi.Global[0]; i < len(a); i += wi.GlobalSize[0] {
				a[i] = fn(a[i], v)
			}
		},
	}
}

var (
	addKernel = elementwiseKernel("add", func(a, v int32) int32 { return a + v })
	mulKernel = elementwiseKernel("mul", func(a, v int32) int32 { return a * v })
)

var copyKernel = &kernels.Source{
	Name:   "copy",
	Params: []kernels.Param{kernels.In("src", dtypes.Int32), kernels.Out("dst", dtypes.Int32)},
	Meta:   kernels.Domain1D(1024),
	Fn: func(wi kernels.WorkItem, args *kernels.Args) {
		src := kernels.Buffer[int32](args, 0)
		dst := kernels.Buffer[int32](args, 1)
		for i := wi.Global[0]; i < len(dst); i += wi.GlobalSize[0] {
			dst[i] = src[i]
		}
	},
}

func filled(n int, v int32) []int32 {
	a := make([]int32, n)
	for i := range a {
		a[i] = v
	}
	return a
}

func TestEndToEnd(t *testing.T) {
	ctx := newContext(t, backend, 0)
	a := filled(1024, 10)
	g := New("scale").
		TransferToDevice(EveryExecution, a).
		Task("t0", ctx, addKernel, a, int32(0)).
		Task("t1", ctx, mulKernel, a, int32(12)).
		TransferToHost(a)
	require.Equal(t, Built, g.State())
	require.NoError(t, g.Execute())
	require.Equal(t, Idle, g.State())
	for _, v := range a {
		require.Equal(t, int32(120), v)
	}
	stats := g.Stats()
	require.Equal(t, int64(1), stats.Executions)
	require.Equal(t, int64(2), stats.Launches)
	require.Equal(t, int64(1), stats.TransfersToDevice)
	require.Equal(t, int64(1), stats.TransfersToHost)
	// EveryExecution values are not resident.
	require.Zero(t, ctx.Provider().Stats().LiveBytes)
}

func TestTransferModes(t *testing.T) {
	ctx := newContext(t, backend, 0)
	for _, mode := range []TransferMode{FirstExecution, EveryExecution} {
		t.Run(mode.String(), func(t *testing.T) {
			a := filled(256, 1)
			out := make([]int32, 256)
			g := New("modes").
				TransferToDevice(mode, a).
				Task("copy", ctx, copyKernel, a, out).
				TransferToHost(out)
			for range 5 {
				require.NoError(t, g.Execute())
			}
			require.Equal(t, a, out)
			expected := int64(5)
			if mode == FirstExecution {
				expected = 1
			}
			require.Equal(t, expected, g.TransfersToDevice(a))
			require.Equal(t, int64(5), g.TransfersToHost(out))
			require.Zero(t, g.TransfersToDevice(out))
			require.NoError(t, g.UnlockAll())
			require.Zero(t, ctx.Provider().Stats().LiveBytes)
		})
	}
}

func TestFirstExecutionResidency(t *testing.T) {
	ctx := newContext(t, backend, 0)
	a := filled(64, 2)
	g := New("resident").
		TransferToDevice(FirstExecution, a).
		Task("add", ctx, addKernel, a, int32(1)).
		TransferToHost(a)
	require.NoError(t, g.Warmup())
	require.Equal(t, Warmed, g.State())
	require.False(t, ctx.ShouldCompile("add"))
	for range 3 {
		require.NoError(t, g.Execute())
	}
	// The device copy accumulates: it is never overwritten by the host.
	require.Equal(t, int32(5), a[0])
	require.Equal(t, int64(1), g.TransfersToDevice(a))

	// After a reset of the context the value is transferred again.
	ctx.Reset()
	a[0] = 100
	require.NoError(t, g.Execute())
	require.Equal(t, int32(101), a[0])
	require.Equal(t, int32(6), a[1])
	require.Equal(t, int64(2), g.TransfersToDevice(a))
	// The flag is left for the other users of the context.
	require.True(t, ctx.WasReset())
	ctx.SetResetToFalse()

	// UnlockAll forgets the previous executions.
	require.NoError(t, g.UnlockAll())
	require.NoError(t, g.Execute())
	require.Equal(t, int64(3), g.TransfersToDevice(a))
	require.NoError(t, g.UnlockAll())
}

func TestGraphsSharingAResetContext(t *testing.T) {
	ctx := newContext(t, backend, 0)
	a, b := filled(64, 1), filled(64, 1)
	g1 := New("g1").
		TransferToDevice(FirstExecution, a).
		Task("add", ctx, addKernel, a, int32(1)).
		TransferToHost(a)
	g2 := New("g2").
		TransferToDevice(FirstExecution, b).
		Task("mul", ctx, mulKernel, b, int32(2)).
		TransferToHost(b)
	require.NoError(t, g1.Execute())
	require.NoError(t, g2.Execute())

	ctx.Reset()
	require.NoError(t, g1.Execute())
	ctx.SetResetToFalse()
	// g2 notices the reset from its own buffers, not from the flag g1's user cleared.
	require.NoError(t, g2.Execute())
	require.Equal(t, int32(3), a[0])
	require.Equal(t, int32(4), b[0])
	require.Equal(t, int64(2), g1.TransfersToDevice(a))
	require.Equal(t, int64(2), g2.TransfersToDevice(b))
	require.NoError(t, g1.UnlockAll())
	require.NoError(t, g2.UnlockAll())
	require.Zero(t, ctx.Provider().Stats().LiveBytes)
}

func TestBatches(t *testing.T) {
	ctx := newContext(t, backend, 0)

	// 4 batches of 256 elements.
	a := filled(1024, 10)
	g := New("batched").
		TransferToDevice(EveryExecution, a).
		SetBatchSize(a, 256*4).
		Task("mul", ctx, mulKernel, a, int32(12)).
		TransferToHost(a)
	require.NoError(t, g.Execute())
	for i, v := range a {
		require.Equalf(t, int32(120), v, "a[%d]", i)
	}
	require.Equal(t, int64(4), g.TransfersToDevice(a))
	require.Equal(t, int64(4), g.TransfersToHost(a))
	require.Equal(t, int64(4), g.Stats().Launches)
	require.Zero(t, ctx.Provider().Stats().LiveBytes)

	// The last batch is shorter; FirstExecution batched values are transferred on every execution.
	b := filled(1000, 1)
	out := make([]int32, 1000)
	g = New("uneven").
		TransferToDevice(FirstExecution, b).
		SetBatchSize(b, 256*4).
		SetBatchSize(out, 256*4).
		Task("copy", ctx, copyKernel, b, out).
		Task("inc", ctx, addKernel, out, int32(1)).
		TransferToHost(out)
	for range 2 {
		require.NoError(t, g.Execute())
	}
	for i, v := range out {
		require.Equalf(t, int32(2), v, "out[%d]", i)
	}
	require.Equal(t, int64(8), g.TransfersToDevice(b))
	require.Equal(t, int32(1), b[999])

	// Batch sizes that cannot be honored.
	c, d := filled(1024, 0), filled(1024, 0)
	g = New("mismatched").
		SetBatchSize(c, 256*4).
		SetBatchSize(d, 512*4).
		Task("copy", ctx, copyKernel, c, d)
	require.ErrorIs(t, g.Execute(), ErrInvalidBatch)
	g = New("misaligned").
		SetBatchSize(c, 1022).
		Task("add", ctx, addKernel, c, int32(1))
	require.ErrorIs(t, g.Execute(), ErrInvalidBatch)
	require.Zero(t, ctx.Provider().Stats().LiveBytes)
}

func TestLock(t *testing.T) {
	ctx := newContext(t, backend, 0)
	a := filled(128, 3)
	g := New("locked").
		Task("add", ctx, addKernel, a, int32(1)).
		TransferToHost(a).
		Lock(a)
	for range 2 {
		require.NoError(t, g.Execute())
	}
	// Locked values stay resident, no transfer was declared to the device.
	require.Equal(t, int32(2), a[0])
	s := g.values[keyOf(a)].states[ctx]
	require.True(t, s.IsLocked())
	require.True(t, s.Buffer().Pinned)
	require.Equal(t, int64(128*4), ctx.Provider().Stats().LiveBytes)

	require.NoError(t, g.UnlockAll())
	require.Zero(t, ctx.Provider().Stats().LiveBytes)
	require.False(t, s.HasObjectBuffer())
}

func TestCrossDevice(t *testing.T) {
	gpu := newContext(t, backend, 0)
	fpga := newContext(t, backend, 1)
	require.Equal(t, backends.FPGA, fpga.Info().Platform)
	a := filled(1000, 4)
	b := make([]int32, 1000)
	g := New("cross").
		TransferToDevice(EveryExecution, a).
		Task("double", gpu, mulKernel, a, int32(2)).
		Task("copy", fpga, copyKernel, a, b).
		Task("inc", fpga, addKernel, b, int32(1)).
		TransferToHost(a, b)
	require.NoError(t, g.Execute())
	for i := range b {
		require.Equal(t, int32(8), a[i])
		require.Equal(t, int32(9), b[i])
	}
	stats := g.Stats()
	require.Equal(t, int64(1), stats.StagedTransfers)
	// Once per device, plus the staged copy of the doubled values.
	require.Equal(t, int64(3), g.TransfersToDevice(a))
	require.Equal(t, int64(1), g.TransfersToHost(a))
	require.Zero(t, gpu.Provider().Stats().LiveBytes)
	require.Zero(t, fpga.Provider().Stats().LiveBytes)
}

func TestSetDomain(t *testing.T) {
	ctx := newContext(t, backend, 0)
	globalSize := &kernels.Source{
		Name:   "global_size",
		Params: []kernels.Param{kernels.Out("size", dtypes.Int64)},
		Meta:   kernels.Domain1D(10),
		Fn: func(wi kernels.WorkItem, args *kernels.Args) {
			if wi.Global[0] == 0 {
				kernels.Buffer[int64](args, 0)[0] = int64(wi.GlobalSize[0])
			}
		},
	}
	size := make([]int64, 1)
	g := New("domain").Task("globalSize", ctx, globalSize, size).TransferToHost(size)
	require.NoError(t, g.Execute())
	require.Equal(t, int64(10), size[0])
	require.NoError(t, g.SetDomain("globalSize", 5000))
	require.NoError(t, g.Execute())
	require.Equal(t, int64(5120), size[0])

	require.Error(t, g.SetDomain("unknown", 10))
	require.Error(t, g.SetDomain("globalSize", 1, 2, 3, 4))
}

func TestConcurrentExecuteRejected(t *testing.T) {
	ctx := newContext(t, backend, 0)
	a := filled(16, 0)
	started := make(chan struct{})
	release := make(chan struct{})
	g := New("blocking").
		TransferToDevice(EveryExecution, a).
		Task("add", ctx, addKernel, a, int32(1)).
		TransferToHost(a).
		HostTask("wait", func() error {
			close(started)
			<-release
			return nil
		})
	done := make(chan error)
	go func() { done <- g.Execute() }()
	<-started
	require.Equal(t, Executing, g.State())
	require.ErrorIs(t, g.Execute(), ErrExecutionInFlight)
	require.ErrorIs(t, g.UnlockAll(), ErrExecutionInFlight)
	require.ErrorIs(t, g.Warmup(), ErrExecutionInFlight)
	require.ErrorIs(t, g.SetDomain("add", 16), ErrExecutionInFlight)
	close(release)
	require.NoError(t, <-done)
	require.Equal(t, int32(1), a[0])
	require.Equal(t, int64(1), g.Stats().HostTasks)
}

func TestFailureCleanup(t *testing.T) {
	small := must.M1(simgo.New("gpus=1,fpgas=0,memory=4KiB"))
	t.Cleanup(small.Finalize)
	ctx := newContext(t, small, 0)

	locked := filled(256, 1) // 1KiB
	big := filled(1024, 1)   // 4KiB: doesn't fit with the locked value.
	g := New("oom").
		TransferToDevice(FirstExecution, locked, big).
		Task("add", ctx, addKernel, locked, int32(1)).
		Task("add-big", ctx, addKernel, big, int32(1)).
		Lock(locked)
	err := g.Execute()
	require.ErrorIs(t, err, backends.ErrOutOfDeviceMemory)
	require.Equal(t, Built, g.State())

	// The locked value is left allocated without contents, nothing else leaks.
	s := g.values[keyOf(locked)].states[ctx]
	require.Equal(t, device.Locked, s.Phase())
	require.False(t, s.HasContents())
	require.Equal(t, int64(1024), ctx.Provider().Stats().LiveBytes)
	require.NoError(t, g.UnlockAll())
	require.Zero(t, ctx.Provider().Stats().LiveBytes)
}

func TestHostTaskErrorsAndPanics(t *testing.T) {
	ctx := newContext(t, backend, 0)
	a := filled(32, 0)
	g := New("failing").
		TransferToDevice(EveryExecution, a).
		Task("add", ctx, addKernel, a, int32(1)).
		HostTask("fail", func() error { return errors.New("host failure") })
	err := g.Execute()
	require.ErrorContains(t, err, "host failure")
	require.Zero(t, ctx.Provider().Stats().LiveBytes)

	g = New("panicking").
		TransferToDevice(EveryExecution, a).
		Task("add", ctx, addKernel, a, int32(1)).
		HostTask("panic", func() error {
			exceptions.Panicf("contract violation")
			return nil
		})
	require.Panics(t, func() { _ = g.Execute() })
	require.Equal(t, Built, g.State())
	require.Zero(t, ctx.Provider().Stats().LiveBytes)
}

func TestTaskContract(t *testing.T) {
	ctx := newContext(t, backend, 0)
	g := New("contract")
	require.Panics(t, func() { g.Task("few", ctx, addKernel, filled(4, 0)) })
	require.Panics(t, func() { g.Task("kind", ctx, addKernel, []float32{1}, int32(1)) })
	require.Panics(t, func() { g.TransferToDevice(EveryExecution, []bool{true}) })
	require.NotEqual(t, New("other").ID(), g.ID())
}
