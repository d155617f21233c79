// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package reduce folds the partial results of a parallel reduction task into a
// single scalar, by appending a sequential task to a taskgraph.Graph.
//
// The parallel task writes one partial result per work-item into a partials
// array (sized with PartialSize and filled with Neutral). Finalize then adds
// either a sequential kernel on the device or a host task folding it.
package reduce

import (
	"fmt"
	"math"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/offload/device"
	"github.com/gomlx/offload/kernels"
	"github.com/gomlx/offload/taskgraph"
	"github.com/gomlx/offload/types/kinds"
	"github.com/pkg/errors"
	"golang.org/x/exp/constraints"
)

//go:generate go tool enumer -type=Op -transform=lower -output=gen_op_enumer.go reduce.go
//go:generate go tool enumer -type=Placement -output=gen_placement_enumer.go reduce.go

// Op is a reduction operator.
type Op int

const (
	Add Op = iota
	Mul
	Max
	Min
)

// Placement of the folding task.
type Placement int

const (
	// OnDevice appends a sequential kernel on the device of the partial reduction.
	OnDevice Placement = iota

	// OnHost appends a host task, after copying the partials back.
	OnHost
)

// ErrUnsupportedReduction is returned for operators or element kinds that
// can't be reduced.
var ErrUnsupportedReduction = errors.New("unsupported reduction")

// number are the element types that can be reduced.
type number interface {
	constraints.Integer | constraints.Float
}

func fold[T number](op Op, acc, x T) T {
	switch op {
	case Add:
		return acc + x
	case Mul:
		return acc * x
	case Max:
		return max(acc, x)
	default:
		return min(acc, x)
	}
}

// FoldSlice folds values with op, starting from its neutral element.
func FoldSlice[T number](op Op, values []T) T {
	acc := neutral[T](op)
	for _, x := range values {
		acc = fold(op, acc, x)
	}
	return acc
}

func neutral[T number](op Op) T {
	var zero T
	switch op {
	case Add:
		return zero
	case Mul:
		return zero + 1
	}
	var v any
	switch any(zero).(type) {
	case int32:
		if op == Max {
			v = int32(math.MinInt32)
		} else {
			v = int32(math.MaxInt32)
		}
	case float32:
		if op == Max {
			v = float32(math.Inf(-1))
		} else {
			v = float32(math.Inf(1))
		}
	case float64:
		if op == Max {
			v = math.Inf(-1)
		} else {
			v = math.Inf(1)
		}
	default:
		return zero
	}
	return v.(T)
}

func checkSupported(op Op, kind dtypes.DType) error {
	if op < Add || op > Min {
		return errors.Wrapf(ErrUnsupportedReduction, "unknown operator %s", op)
	}
	switch kind {
	case dtypes.Int32, dtypes.Float32, dtypes.Float64:
		return nil
	}
	return errors.Wrapf(ErrUnsupportedReduction, "operator %s on elements of kind %s", op, kind)
}

// Neutral returns the neutral element of op for kind, e.g. 0 for Add or -Inf
// for Max of floats.
func Neutral(op Op, kind dtypes.DType) (any, error) {
	if err := checkSupported(op, kind); err != nil {
		return nil, err
	}
	switch kind {
	case dtypes.Int32:
		return neutral[int32](op), nil
	case dtypes.Float32:
		return neutral[float32](op), nil
	default:
		return neutral[float64](op), nil
	}
}

// Fill sets every element of partials (a flat slice) to the neutral element of op.
func Fill(op Op, partials any) error {
	if err := checkSupported(op, kinds.Of(partials)); err != nil {
		return err
	}
	switch p := partials.(type) {
	case []int32:
		fillWith(p, neutral[int32](op))
	case []float32:
		fillWith(p, neutral[float32](op))
	case []float64:
		fillWith(p, neutral[float64](op))
	}
	return nil
}

func fillWith[T number](values []T, v T) {
	for i := range values {
		values[i] = v
	}
}

// PartialSize returns the number of partial results of the parallel task
// running source on ctx over meta: one per launched work-item.
func PartialSize(ctx *device.Context, source *kernels.Source, meta *kernels.Meta) (int, error) {
	module, found := ctx.Module(source.Name)
	if !found {
		var err error
		module, err = ctx.InstallCode(source)
		if err != nil {
			return 0, err
		}
	}
	if meta == nil {
		meta = &source.Meta
	}
	return ctx.Geometry(module, meta).Threads(), nil
}

// Finalize appends to g the task folding partials (a flat slice of Int32,
// Float32 or Float64) with op into result[0] (a slice of the same kind), and
// declares result to be transferred back to the host.
//
// With OnDevice the fold runs as a sequential kernel on ctx, with OnHost as a
// host task after copying the partials back.
func Finalize(g *taskgraph.Graph, ctx *device.Context, op Op, partials, result any, placement Placement) error {
	kind := kinds.Of(partials)
	if err := checkSupported(op, kind); err != nil {
		return errors.WithMessagef(err, "%s: finalizing reduction", g)
	}
	if resultKind := kinds.Of(result); resultKind != kind || kinds.Len(result) < 1 {
		return errors.Errorf("%s: reduction result must be a non-empty slice of %s, got %T", g, kind, result)
	}
	name := fmt.Sprintf("reduce-%s-%s", op, kind)
	switch placement {
	case OnDevice:
		g.Task(name, ctx, foldKernel(op, kind), partials, result).TransferToHost(result)
	case OnHost:
		g.TransferToHost(partials).
			HostTask(name, func() error {
				return foldOnHost(op, partials, result)
			})
	default:
		return errors.Errorf("%s: unknown placement %d", g, placement)
	}
	return nil
}

func foldOnHost(op Op, partials, result any) error {
	switch p := partials.(type) {
	case []int32:
		result.([]int32)[0] = FoldSlice(op, p)
	case []float32:
		result.([]float32)[0] = FoldSlice(op, p)
	case []float64:
		result.([]float64)[0] = FoldSlice(op, p)
	default:
		return checkSupported(op, kinds.Of(partials))
	}
	return nil
}

// foldKernel returns the sequential kernel folding a partials buffer into
// result[0].
func foldKernel(op Op, kind dtypes.DType) *kernels.Source {
	source := &kernels.Source{
		Name:   fmt.Sprintf("reduce_%s_%s", op, kind),
		Params: []kernels.Param{kernels.In("partials", kind), kernels.Out("result", kind)},
		Meta:   kernels.Sequential(),
	}
	switch kind {
	case dtypes.Int32:
		source.Fn = foldFn[int32](op)
	case dtypes.Float32:
		source.Fn = foldFn[float32](op)
	default:
		source.Fn = foldFn[float64](op)
	}
	return source
}

func foldFn[T interface {
	number
	kinds.Element
}](op Op) kernels.Fn {
	return func(wi kernels.WorkItem, args *kernels.Args) {
		if wi.Global != [kernels.MaxDims]int{} {
			return
		}
		kernels.Buffer[T](args, 1)[0] = FoldSlice(op, kernels.Buffer[T](args, 0))
	}
}
