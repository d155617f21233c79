// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package reduce

import (
	"math"
	"os"
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/offload/backends"
	"github.com/gomlx/offload/backends/simgo"
	"github.com/gomlx/offload/device"
	"github.com/gomlx/offload/kernels"
	"github.com/gomlx/offload/taskgraph"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"
	"k8s.io/klog/v2"
)

var backend *simgo.Backend

func init() {
	klog.InitFlags(nil)
}

func TestMain(m *testing.M) {
	// Small blocks and grids, so every work-item reduces several elements.
	backend = must.M1(simgo.New("gpus=1,fpgas=1,maxthreads=64,maxgrid=16/16/16"))
	code := m.Run()
	backend.Finalize()
	os.Exit(code)
}

// partialSumKernel writes, for each work-item, the sum of the elements it visits.
func partialSumKernel[T float32 | float64 | int32](kind dtypes.DType, n int) *kernels.Source {
	return &kernels.Source{
		Name:   "partial_sum_" + kind.String(),
		Params: []kernels.Param{kernels.In("x", kind), kernels.Out("partials", kind)},
		Meta:   kernels.Domain1D(n),
		Fn: func(wi kernels.WorkItem, args *kernels.Args) {
			x := kernels.Buffer[T](args, 0)
			partials := kernels.Buffer[T](args, 1)
			var acc T
			for i := wi.Global[0]; i < len(x); i += wi.GlobalSize[0] {
				acc += x[i]
			}
			partials[wi.Global[0]] = acc
		},
	}
}

func TestSumFloats(t *testing.T) {
	const n = 8192
	for _, placement := range []Placement{OnDevice, OnHost} {
		for deviceNum := range backends.DeviceNum(2) {
			ctx := must.M1(device.NewContext(backend, deviceNum, device.Config{}))
			x := make([]float32, n)
			var expected float32
			for i := range x {
				x[i] = float32(i%100) / 4
				expected += x[i]
			}
			source := partialSumKernel[float32](dtypes.Float32, n)
			size := must.M1(PartialSize(ctx, source, nil))
			require.Greater(t, size, 1)
			require.Less(t, size, n)
			partials := make([]float32, size)
			require.NoError(t, Fill(Add, partials))
			result := make([]float32, 1)

			g := taskgraph.New("sum").
				TransferToDevice(taskgraph.EveryExecution, x).
				Task("partial", ctx, source, x, partials)
			require.NoError(t, Finalize(g, ctx, Add, partials, result, placement))
			require.NoError(t, g.Execute())
			require.InDeltaf(t, expected, result[0], 0.1, "placement=%d, context=%s", placement, ctx)
			require.NoError(t, ctx.Close())
		}
	}
}

func TestMaxMinInts(t *testing.T) {
	ctx := must.M1(device.NewContext(backend, 0, device.Config{}))
	defer func() { require.NoError(t, ctx.Close()) }()
	partials := []int32{5, -3, 12, 7, 0}
	maxResult, minResult := make([]int32, 1), make([]int32, 1)
	g := taskgraph.New("maxmin").TransferToDevice(taskgraph.EveryExecution, partials)
	require.NoError(t, Finalize(g, ctx, Max, partials, maxResult, OnDevice))
	require.NoError(t, Finalize(g, ctx, Min, partials, minResult, OnDevice))
	require.NoError(t, g.Execute())
	require.Equal(t, int32(12), maxResult[0])
	require.Equal(t, int32(-3), minResult[0])

	products := []float64{1.5, 2, -4}
	result := make([]float64, 1)
	g = taskgraph.New("mul")
	require.NoError(t, Finalize(g, ctx, Mul, products, result, OnHost))
	require.NoError(t, g.Execute())
	require.Equal(t, -12.0, result[0])
}

func TestNeutral(t *testing.T) {
	v, err := Neutral(Add, dtypes.Int32)
	require.NoError(t, err)
	require.Equal(t, int32(0), v)
	v, err = Neutral(Mul, dtypes.Float32)
	require.NoError(t, err)
	require.Equal(t, float32(1), v)
	v, err = Neutral(Max, dtypes.Float64)
	require.NoError(t, err)
	require.Equal(t, math.Inf(-1), v)
	v, err = Neutral(Min, dtypes.Int32)
	require.NoError(t, err)
	require.Equal(t, int32(math.MaxInt32), v)

	partials := make([]float32, 3)
	require.NoError(t, Fill(Min, partials))
	require.Equal(t, float32(math.Inf(1)), partials[2])
	require.Equal(t, float32(-1), FoldSlice(Min, []float32{3, -1, 2}))
}

func TestUnsupported(t *testing.T) {
	ctx := must.M1(device.NewContext(backend, 0, device.Config{}))
	defer func() { require.NoError(t, ctx.Close()) }()
	g := taskgraph.New("unsupported")
	for _, partials := range []any{[]int16{1}, []float16.Float16{float16.Fromfloat32(1)}, []int64{1}} {
		err := Finalize(g, ctx, Add, partials, partials, OnDevice)
		require.ErrorIs(t, err, ErrUnsupportedReduction)
		require.ErrorIs(t, Fill(Add, partials), ErrUnsupportedReduction)
	}
	_, err := Neutral(Op(17), dtypes.Float32)
	require.ErrorIs(t, err, ErrUnsupportedReduction)
	_, err = Neutral(Add, dtypes.Int8)
	require.ErrorIs(t, err, ErrUnsupportedReduction)

	// Result of a different kind.
	require.Error(t, Finalize(g, ctx, Add, []float32{1}, []float64{0}, OnHost))
}

func TestOpNames(t *testing.T) {
	require.Equal(t, "max", Max.String())
	require.Equal(t, Max, must.M1(OpString("MAX")))
	require.Equal(t, []string{"add", "mul", "max", "min"}, OpStrings())
	require.Equal(t, "OnHost", OnHost.String())
	require.False(t, Op(9).IsAOp())
}
