package main

import (
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/offload/kernels"
)

// elementwise returns a kernel applying fn(a[i], v) in place over a float32 array.
func elementwise(name string, n int, fn func(a, v float32) float32) *kernels.Source {
	return &kernels.Source{
		Name:   name,
		Params: []kernels.Param{kernels.InOut("a", dtypes.Float32), kernels.Value("v", dtypes.Float32)},
		Meta:   kernels.Domain1D(n),
		Fn: func(wi kernels.WorkItem, args *kernels.Args) {
			a := kernels.Buffer[float32](args, 0)
			v := kernels.Scalar[float32](args, 1)
			for i := wi.Global[0]; i < len(a); i += wi.GlobalSize[0] {
				a[i] = fn(a[i], v)
			}
		},
	}
}

// saxpy computes y = alpha*x + y.
func saxpy(n int) *kernels.Source {
	return &kernels.Source{
		Name: "saxpy",
		Params: []kernels.Param{
			kernels.In("x", dtypes.Float32), kernels.InOut("y", dtypes.Float32), kernels.Value("alpha", dtypes.Float32)},
		Meta: kernels.Domain1D(n),
		Fn: func(wi kernels.WorkItem, args *kernels.Args) {
			x := kernels.Buffer[float32](args, 0)
			y := kernels.Buffer[float32](args, 1)
			alpha := kernels.Scalar[float32](args, 2)
			for i := wi.Global[0]; i < len(y); i += wi.GlobalSize[0] {
				y[i] += alpha * x[i]
			}
		},
	}
}

// scaled computes out = alpha*x.
func scaled(n int) *kernels.Source {
	return &kernels.Source{
		Name: "scaled",
		Params: []kernels.Param{
			kernels.In("x", dtypes.Float32), kernels.Out("out", dtypes.Float32), kernels.Value("alpha", dtypes.Float32)},
		Meta: kernels.Domain1D(n),
		Fn: func(wi kernels.WorkItem, args *kernels.Args) {
			x := kernels.Buffer[float32](args, 0)
			out := kernels.Buffer[float32](args, 1)
			alpha := kernels.Scalar[float32](args, 2)
			for i := wi.Global[0]; i < len(out); i += wi.GlobalSize[0] {
				out[i] = alpha * x[i]
			}
		},
	}
}

// partialSum writes the sum of the elements visited by each work-item to its
// own slot of partials.
func partialSum(n int) *kernels.Source {
	return &kernels.Source{
		Name:   "partial_sum",
		Params: []kernels.Param{kernels.In("x", dtypes.Float32), kernels.Out("partials", dtypes.Float32)},
		Meta:   kernels.Domain1D(n),
		Fn: func(wi kernels.WorkItem, args *kernels.Args) {
			x := kernels.Buffer[float32](args, 0)
			partials := kernels.Buffer[float32](args, 1)
			var acc float32
			for i := wi.Global[0]; i < len(x); i += wi.GlobalSize[0] {
				acc += x[i]
			}
			partials[wi.Global[0]] = acc
		},
	}
}
