// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package kernels

import (
	"encoding/binary"
	"math"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/offload/types/kinds"
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// SlotSize is the number of bytes each parameter takes in an argument block.
const SlotSize = 8

// Args holds the resolved arguments of one kernel launch, as seen by the
// kernel function: device buffers appear as typed slices over device memory,
// scalars as Go values.
type Args struct {
	values []any
}

// NewArgs wraps already resolved values.
func NewArgs(values ...any) *Args {
	return &Args{values: values}
}

// Len returns the number of arguments.
func (a *Args) Len() int { return len(a.values) }

// At returns the raw argument value at position i.
func (a *Args) At(i int) any { return a.values[i] }

// Buffer returns argument i as a device buffer of T.
func Buffer[T kinds.Element](args *Args, i int) []T {
	flat, ok := args.values[i].([]T)
	if !ok {
		exceptions.Panicf("kernel argument #%d is a %T, not a []%s buffer", i, args.values[i], kinds.KindFor[T]())
	}
	return flat
}

// Scalar returns argument i as a scalar of T.
func Scalar[T kinds.Element](args *Args, i int) T {
	v, ok := args.values[i].(T)
	if !ok {
		exceptions.Panicf("kernel argument #%d is a %T, not a %s scalar", i, args.values[i], kinds.KindFor[T]())
	}
	return v
}

// BufferRef is the value of a buffer parameter in an argument block: the device
// address of the allocation and the number of bytes the kernel sees, starting
// at that address. Bytes <= 0 exposes the whole allocation.
type BufferRef struct {
	Address uint64
	Bytes   int64
}

// BlockSize returns the size of the argument block for params: one SlotSize slot
// per parameter, followed by one slot with the length of each buffer parameter.
func BlockSize(params []Param) int {
	numSlots := len(params)
	for _, p := range params {
		if p.Kind == BufferParam {
			numSlots++
		}
	}
	return SlotSize * numSlots
}

// PackArgs serializes the arguments of a launch into an argument block (see
// BlockSize), in the device's byte order. Buffer parameters take a BufferRef
// (or a bare uint64 address), scalar parameters a value of their kind.
func PackArgs(order binary.ByteOrder, params []Param, values []any) ([]byte, error) {
	if len(params) != len(values) {
		return nil, errors.Errorf("kernel takes %d parameters, %d arguments given", len(params), len(values))
	}
	block := make([]byte, BlockSize(params))
	lengths := block[SlotSize*len(params):]
	for ii, p := range params {
		slot := block[ii*SlotSize : (ii+1)*SlotSize]
		if p.Kind == BufferParam {
			var ref BufferRef
			switch v := values[ii].(type) {
			case BufferRef:
				ref = v
			case uint64:
				ref.Address = v
			default:
				return nil, errors.Errorf("argument #%d (%q) must be a device buffer, got %T", ii, p.Name, values[ii])
			}
			order.PutUint64(slot, ref.Address)
			order.PutUint64(lengths[:SlotSize], uint64(max(ref.Bytes, 0)))
			lengths = lengths[SlotSize:]
			continue
		}
		if err := putScalar(order, slot, p.DType, values[ii]); err != nil {
			return nil, errors.WithMessagef(err, "argument #%d (%q)", ii, p.Name)
		}
	}
	return block, nil
}

// UnpackArgs is the inverse of PackArgs: buffer parameters are returned as
// BufferRef values, scalars as values of their kind.
func UnpackArgs(order binary.ByteOrder, params []Param, block []byte) ([]any, error) {
	if len(block) != BlockSize(params) {
		return nil, errors.Errorf("argument block has %d bytes, expected %d for %d parameters",
			len(block), BlockSize(params), len(params))
	}
	values := make([]any, len(params))
	lengths := block[SlotSize*len(params):]
	for ii, p := range params {
		slot := block[ii*SlotSize : (ii+1)*SlotSize]
		if p.Kind == BufferParam {
			values[ii] = BufferRef{Address: order.Uint64(slot), Bytes: int64(order.Uint64(lengths[:SlotSize]))}
			lengths = lengths[SlotSize:]
			continue
		}
		v, err := getScalar(order, slot, p.DType)
		if err != nil {
			return nil, errors.WithMessagef(err, "argument #%d (%q)", ii, p.Name)
		}
		values[ii] = v
	}
	return values, nil
}

// putScalar writes value widened to the full 64-bit slot: signed integers are
// sign-extended, Uint16 and the bits of the floating point kinds narrower than
// 64 bits are zero-extended. A kernel can read the whole slot in either byte order.
func putScalar(order binary.ByteOrder, slot []byte, dtype dtypes.DType, value any) error {
	var bits uint64
	ok := true
	switch dtype {
	case dtypes.Int8:
		var v int8
		v, ok = value.(int8)
		bits = uint64(int64(v))
	case dtypes.Int16:
		var v int16
		v, ok = value.(int16)
		bits = uint64(int64(v))
	case dtypes.Uint16:
		var v uint16
		v, ok = value.(uint16)
		bits = uint64(v)
	case dtypes.Int32:
		var v int32
		v, ok = value.(int32)
		bits = uint64(int64(v))
	case dtypes.Int64:
		var v int64
		v, ok = value.(int64)
		bits = uint64(v)
	case dtypes.Float16:
		var v float16.Float16
		v, ok = value.(float16.Float16)
		bits = uint64(v.Bits())
	case dtypes.Float32:
		var v float32
		v, ok = value.(float32)
		bits = uint64(math.Float32bits(v))
	case dtypes.Float64:
		var v float64
		v, ok = value.(float64)
		bits = math.Float64bits(v)
	default:
		return errors.Errorf("scalar kind %s not supported", dtype)
	}
	if !ok {
		return errors.Errorf("scalar of kind %s expected, got %T", dtype, value)
	}
	order.PutUint64(slot, bits)
	return nil
}

func getScalar(order binary.ByteOrder, slot []byte, dtype dtypes.DType) (any, error) {
	bits := order.Uint64(slot)
	switch dtype {
	case dtypes.Int8:
		return int8(bits), nil
	case dtypes.Int16:
		return int16(bits), nil
	case dtypes.Uint16:
		return uint16(bits), nil
	case dtypes.Int32:
		return int32(bits), nil
	case dtypes.Int64:
		return int64(bits), nil
	case dtypes.Float16:
		return float16.Frombits(uint16(bits)), nil
	case dtypes.Float32:
		return math.Float32frombits(uint32(bits)), nil
	case dtypes.Float64:
		return math.Float64frombits(bits), nil
	}
	return nil, errors.Errorf("scalar kind %s not supported", dtype)
}
