// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package kinds

import (
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"
)

func TestWidthAndOf(t *testing.T) {
	require.Equal(t, dtypes.Int32, Of([]int32{1}))
	require.Equal(t, dtypes.Float16, Of([]float16.Float16{}))
	require.Equal(t, dtypes.InvalidDType, Of([]bool{true}))
	require.Equal(t, dtypes.InvalidDType, Of(int32(3)))
	require.Equal(t, dtypes.Float64, KindFor[float64]())
	for _, kind := range Supported {
		require.True(t, IsSupported(kind), "kind %s", kind)
		require.Equal(t, kind, Of(MakeSlice(kind, 3)))
		require.Equal(t, 3, Len(MakeSlice(kind, 3)))
		require.Len(t, AsBytes(MakeSlice(kind, 3)), 3*Width(kind))
	}
	require.False(t, IsSupported(dtypes.Bool))
	require.False(t, IsSupported(dtypes.Complex64))
}

func TestBytesAliasing(t *testing.T) {
	flat := []int32{1, 2, 3}
	raw := SliceBytes(flat)
	require.Len(t, raw, 12)
	view := FromBytes[int32](raw)
	view[1] = 7
	require.Equal(t, []int32{1, 7, 3}, flat)
	require.Nil(t, SliceBytes([]float32{}))
	require.Nil(t, FromBytes[int64](make([]byte, 7)))
	require.Equal(t, []int64{}, View(dtypes.Int64, make([]byte, 7)))
	require.Equal(t, []int32{1, 7, 3}, View(dtypes.Int32, raw))
}

func TestDispatcher(t *testing.T) {
	d := NewDispatcher("test")
	d.Register(dtypes.Int32, func(params ...any) any { return "int32" })
	require.Equal(t, "int32", d.Dispatch(dtypes.Int32))
	require.Panics(t, func() { d.Dispatch(dtypes.Float32) })
	require.Equal(t, []dtypes.DType{dtypes.Float32}, d.Covers(dtypes.Int32, dtypes.Float32))

	for _, builtin := range []*Dispatcher{dispatchLen, dispatchAsBytes, dispatchMakeSlice, dispatchView} {
		require.Empty(t, builtin.Covers(Supported...), "dispatcher %s", builtin.Name)
	}
	require.Panics(t, func() { RegisterForAll(d, func(params ...any) any { return nil }) })
	require.Panics(t, func() { AsBytes([]bool{true}) })
}
