// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package kernels

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"
)

func TestMetaValidate(t *testing.T) {
	m := Domain1D(10)
	require.NoError(t, m.Validate())
	m = DomainND(2, 3, 4)
	require.NoError(t, m.Validate())
	m = DomainND(1, 2, 3, 4)
	require.Error(t, m.Validate())
	m = Meta{Dims: 0}
	require.Error(t, m.Validate())
	m = Meta{Dims: 2, Domain: []int{3}}
	require.Error(t, m.Validate())
	m = Meta{Dims: 2, Domain: []int{3, 3}, LocalWork: []int{1}}
	require.Error(t, m.Validate())
}

func TestMetaCardinalityAndLocalWork(t *testing.T) {
	m := DomainND(100, 20)
	require.Equal(t, 100, m.Cardinality(0))
	require.Equal(t, 20, m.Cardinality(1))
	require.Equal(t, 1, m.Cardinality(2))
	require.False(t, m.IsLocalWorkDefined())

	m.WorkerGrid = &WorkerGrid{GlobalWork: []int{64, 8}, LocalWork: []int{16}}
	require.Equal(t, 64, m.Cardinality(0))
	require.Equal(t, 8, m.Cardinality(1))
	require.True(t, m.IsLocalWorkDefined())
	require.Equal(t, [MaxDims]int{16, 1, 1}, m.LocalWorkSize())

	c := m.Clone()
	c.WorkerGrid.LocalWork[0] = 1
	c.Domain[0] = 7
	require.Equal(t, 16, m.WorkerGrid.LocalWork[0])
	require.Equal(t, 100, m.Domain[0])
}

func TestSourceValidate(t *testing.T) {
	fn := func(wi WorkItem, args *Args) {}
	src := &Source{Name: "k", Params: []Param{InOut("a", dtypes.Int32)}, Meta: Domain1D(4), Fn: fn}
	require.NoError(t, src.Validate())
	require.Error(t, (&Source{Params: src.Params, Meta: src.Meta, Fn: fn}).Validate())
	require.Error(t, (&Source{Name: "k", Meta: src.Meta}).Validate())
	require.Error(t, (&Source{Name: "k", Params: []Param{In("b", dtypes.Bool)}, Meta: src.Meta, Fn: fn}).Validate())
	var nilSrc *Source
	require.Error(t, nilSrc.Validate())
}

func TestPackUnpackArgs(t *testing.T) {
	params := []Param{
		InOut("a", dtypes.Float32),
		Value("i8", dtypes.Int8),
		Value("i16", dtypes.Int16),
		Value("u16", dtypes.Uint16),
		Value("i32", dtypes.Int32),
		Value("i64", dtypes.Int64),
		Value("f16", dtypes.Float16),
		Value("f32", dtypes.Float32),
		Value("f64", dtypes.Float64),
	}
	values := []any{BufferRef{Address: 0xdead_beef_0000, Bytes: 4096}, int8(-3), int16(-300), uint16(65000), int32(-7), int64(1) << 40,
		float16.Fromfloat32(1.5), float32(3.25), -2.5}
	for _, order := range []binary.ByteOrder{binary.LittleEndian, binary.BigEndian} {
		block, err := PackArgs(order, params, values)
		require.NoError(t, err)
		require.Len(t, block, SlotSize*(len(params)+1))
		got, err := UnpackArgs(order, params, block)
		require.NoError(t, err)
		require.Equal(t, values, got)
	}

	// A bare address exposes the whole allocation.
	block, err := PackArgs(binary.LittleEndian, params[:1], []any{uint64(256)})
	require.NoError(t, err)
	got, err := UnpackArgs(binary.LittleEndian, params[:1], block)
	require.NoError(t, err)
	require.Equal(t, []any{BufferRef{Address: 256}}, got)

	// Byte order is honored: the address lands in different bytes.
	little, _ := PackArgs(binary.LittleEndian, params[:1], values[:1])
	big, _ := PackArgs(binary.BigEndian, params[:1], values[:1])
	require.NotEqual(t, little, big)

	_, err = PackArgs(binary.LittleEndian, params, values[:2])
	require.Error(t, err)
	_, err = PackArgs(binary.LittleEndian, params[:2], []any{uint64(1), int32(1)})
	require.Error(t, err)
	_, err = PackArgs(binary.LittleEndian, params[:1], []any{3})
	require.Error(t, err)
	_, err = UnpackArgs(binary.LittleEndian, params, make([]byte, 3))
	require.Error(t, err)
}

func TestScalarsFillTheSlot(t *testing.T) {
	params := []Param{
		Value("i8", dtypes.Int8),
		Value("i16", dtypes.Int16),
		Value("u16", dtypes.Uint16),
		Value("i32", dtypes.Int32),
		Value("f32", dtypes.Float32),
	}
	values := []any{int8(-3), int16(-300), uint16(65000), int32(-7), float32(3.25)}
	for _, order := range []binary.ByteOrder{binary.LittleEndian, binary.BigEndian} {
		block, err := PackArgs(order, params, values)
		require.NoError(t, err)
		slot := func(i int) uint64 { return order.Uint64(block[i*SlotSize:]) }
		require.Equal(t, int64(-3), int64(slot(0)), "order=%s", order)
		require.Equal(t, int64(-300), int64(slot(1)), "order=%s", order)
		require.Equal(t, uint64(65000), slot(2), "order=%s", order)
		require.Equal(t, int64(-7), int64(slot(3)), "order=%s", order)
		require.Equal(t, uint64(math.Float32bits(3.25)), slot(4), "order=%s", order)
	}
}

func TestArgsAccessors(t *testing.T) {
	args := NewArgs([]int32{1, 2}, float32(0.5))
	require.Equal(t, 2, args.Len())
	require.Equal(t, []int32{1, 2}, Buffer[int32](args, 0))
	require.Equal(t, float32(0.5), Scalar[float32](args, 1))
	require.Panics(t, func() { Buffer[float32](args, 0) })
	require.Panics(t, func() { Scalar[int32](args, 1) })
}
