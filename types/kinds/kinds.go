// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package kinds enumerates the element kinds a device buffer can hold, and
// provides the per-kind dispatch table used by every transfer layer.
//
// Kinds are plain dtypes.DType values: only the fixed-width numeric ones listed
// in Supported can be moved between host and device.
package kinds

import (
	"unsafe"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/x448/float16"
)

// Element is the constraint for Go types that map to a supported kind.
type Element interface {
	int8 | int16 | uint16 | int32 | int64 | float16.Float16 | float32 | float64
}

// Supported lists the kinds accepted by device buffers, in a stable order.
var Supported = []dtypes.DType{
	dtypes.Int8,
	dtypes.Int16,
	dtypes.Uint16,
	dtypes.Int32,
	dtypes.Int64,
	dtypes.Float16,
	dtypes.Float32,
	dtypes.Float64,
}

// IsSupported returns whether kind is one of Supported.
func IsSupported(kind dtypes.DType) bool {
	return Width(kind) > 0
}

// Width returns the number of bytes of one element of the given kind, or 0 if
// the kind is not supported.
func Width(kind dtypes.DType) int {
	switch kind {
	case dtypes.Int8:
		return 1
	case dtypes.Int16, dtypes.Uint16, dtypes.Float16:
		return 2
	case dtypes.Int32, dtypes.Float32:
		return 4
	case dtypes.Int64, dtypes.Float64:
		return 8
	}
	return 0
}

// Of returns the kind of the flat slice given, or dtypes.InvalidDType if flat is
// not a slice of a supported element type.
func Of(flat any) dtypes.DType {
	switch flat.(type) {
	case []int8:
		return dtypes.Int8
	case []int16:
		return dtypes.Int16
	case []uint16:
		return dtypes.Uint16
	case []int32:
		return dtypes.Int32
	case []int64:
		return dtypes.Int64
	case []float16.Float16:
		return dtypes.Float16
	case []float32:
		return dtypes.Float32
	case []float64:
		return dtypes.Float64
	}
	return dtypes.InvalidDType
}

// KindFor returns the kind corresponding to the generic type T.
func KindFor[T Element]() dtypes.DType {
	var flat []T
	return Of(flat)
}

// Len returns the number of elements of the flat slice. It panics if flat is not
// a slice of a supported kind.
func Len(flat any) int {
	return dispatchLen.Dispatch(MustOf(flat), flat).(int)
}

// MustOf is like Of, but panics if flat is not a slice of a supported kind.
func MustOf(flat any) dtypes.DType {
	kind := Of(flat)
	if kind == dtypes.InvalidDType {
		exceptions.Panicf("kinds: host value of type %T is not a flat slice of a supported element kind", flat)
	}
	return kind
}

// AsBytes returns the raw bytes backing the flat slice, without copying.
// Writes to the returned slice are visible in flat.
func AsBytes(flat any) []byte {
	return dispatchAsBytes.Dispatch(MustOf(flat), flat).([]byte)
}

// SliceBytes is the generic version of AsBytes.
func SliceBytes[T Element](flat []T) []byte {
	if len(flat) == 0 {
		return nil
	}
	var t T
	return unsafe.Slice((*byte)(unsafe.Pointer(unsafe.SliceData(flat))), len(flat)*int(unsafe.Sizeof(t)))
}

// FromBytes reinterprets raw bytes as a slice of T. The length of data is
// truncated to a multiple of the element width, and data must be aligned to it.
func FromBytes[T Element](data []byte) []T {
	var t T
	n := len(data) / int(unsafe.Sizeof(t))
	if n == 0 {
		return nil
	}
	return unsafe.Slice((*T)(unsafe.Pointer(unsafe.SliceData(data))), n)
}

// MakeSlice creates a zeroed flat slice of the given kind and length.
func MakeSlice(kind dtypes.DType, length int) any {
	return dispatchMakeSlice.Dispatch(kind, length)
}

// View returns raw bytes reinterpreted as a flat slice of the given kind, see FromBytes.
func View(kind dtypes.DType, data []byte) any {
	return dispatchView.Dispatch(kind, data)
}

var (
	dispatchLen       = NewDispatcher("Len")
	dispatchAsBytes   = NewDispatcher("AsBytes")
	dispatchMakeSlice = NewDispatcher("MakeSlice")
	dispatchView      = NewDispatcher("View")
)

func init() {
	RegisterForAll(dispatchLen, lenGeneric[int8], lenGeneric[int16], lenGeneric[uint16], lenGeneric[int32],
		lenGeneric[int64], lenGeneric[float16.Float16], lenGeneric[float32], lenGeneric[float64])
	RegisterForAll(dispatchAsBytes, asBytesGeneric[int8], asBytesGeneric[int16], asBytesGeneric[uint16],
		asBytesGeneric[int32], asBytesGeneric[int64], asBytesGeneric[float16.Float16], asBytesGeneric[float32],
		asBytesGeneric[float64])
	RegisterForAll(dispatchMakeSlice, makeSliceGeneric[int8], makeSliceGeneric[int16], makeSliceGeneric[uint16],
		makeSliceGeneric[int32], makeSliceGeneric[int64], makeSliceGeneric[float16.Float16], makeSliceGeneric[float32],
		makeSliceGeneric[float64])
	RegisterForAll(dispatchView, viewGeneric[int8], viewGeneric[int16], viewGeneric[uint16], viewGeneric[int32],
		viewGeneric[int64], viewGeneric[float16.Float16], viewGeneric[float32], viewGeneric[float64])
}

func lenGeneric[T Element](params ...any) any {
	return len(params[0].([]T))
}

func asBytesGeneric[T Element](params ...any) any {
	return SliceBytes(params[0].([]T))
}

func makeSliceGeneric[T Element](params ...any) any {
	return make([]T, params[0].(int))
}

func viewGeneric[T Element](params ...any) any {
	flat := FromBytes[T](params[0].([]byte))
	if flat == nil {
		flat = []T{}
	}
	return flat
}
