// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package geometry computes the launch geometry (grid and block dimensions)
// of a kernel from its iteration domain and the device limits.
//
// Geometry computation never fails: any fault (zero or negative cardinality,
// invalid metadata, a panic in a SplitFunc) degrades to Default with a warning.
package geometry

import (
	"fmt"
	"math"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/offload/kernels"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Geometry of a kernel launch.
type Geometry struct {
	Grid, Block [kernels.MaxDims]int
}

// Default is the conservative fallback geometry: one block of one work-item.
var Default = Geometry{
	Grid:  [kernels.MaxDims]int{1, 1, 1},
	Block: [kernels.MaxDims]int{1, 1, 1},
}

// Threads returns the total number of work-items launched.
func (g Geometry) Threads() int {
	total := 1
	for axis := range kernels.MaxDims {
		total *= g.Grid[axis] * g.Block[axis]
	}
	return total
}

func (g Geometry) String() string {
	return fmt.Sprintf("grid=%v, block=%v", g.Grid, g.Block)
}

// Limits of the device relevant to the geometry.
type Limits struct {
	MaxGrid            [kernels.MaxDims]int
	MaxThreadsPerBlock int
}

// MaxBlocksFunc returns the largest number of work-items per block for a launch
// with totalThreads work-items, usually backends.Module.MaxBlocks.
type MaxBlocksFunc func(totalThreads int) int

// SplitFunc distributes a number of work-items per block across the dims
// active dimensions of the domain. Inactive dimensions must be 1.
type SplitFunc func(blocks, dims int) [kernels.MaxDims]int

// EqualSplit gives each active dimension blocks^(1/dims), rounded down (and at
// least 1). It ignores the shape of the domain, so skewed domains may be under
// or over-provisioned.
func EqualSplit(blocks, dims int) (block [kernels.MaxDims]int) {
	perDim := max(int(math.Pow(float64(blocks), 1/float64(dims))+1e-9), 1)
	for axis := range block {
		block[axis] = 1
		if axis < dims {
			block[axis] = perDim
		}
	}
	return
}

// ErrInvalidDomain is reported (in the warning) when the domain has a
// non-positive cardinality.
var ErrInvalidDomain = errors.New("invalid iteration domain")

// GPU computes the geometry for a GPU-class device.
//
// The block is the explicit local work if defined, or else the maxBlocks
// work-items for the domain distributed by split (EqualSplit if nil). The grid
// is ceil(cardinality/block) per dimension, clamped to [1, limits.MaxGrid].
func GPU(name string, meta *kernels.Meta, limits Limits, maxBlocks MaxBlocksFunc, split SplitFunc) Geometry {
	if split == nil {
		split = EqualSplit
	}
	return guard(name, func() Geometry {
		dims := checkDomain(meta)
		var g Geometry
		if meta.IsLocalWorkDefined() {
			g.Block = meta.LocalWorkSize()
		} else {
			total := 1
			for axis := range dims {
				total *= meta.Cardinality(axis)
			}
			blocks := max(min(maxBlocks(total), limits.MaxThreadsPerBlock), 1)
			g.Block = split(blocks, dims)
		}
		for axis := range kernels.MaxDims {
			if g.Block[axis] <= 0 {
				exceptions.Panicf("invalid block %v", g.Block)
			}
			g.Grid[axis] = 1
			if axis < dims {
				c := meta.Cardinality(axis)
				g.Grid[axis] = min(max((c+g.Block[axis]-1)/g.Block[axis], 1), limits.MaxGrid[axis])
			}
			if g.Grid[axis] <= 0 {
				exceptions.Panicf("invalid device max grid %v", limits.MaxGrid)
			}
		}
		return g
	})
}

// FPGA default block sizes.
var (
	FPGAParallelBlock   = [kernels.MaxDims]int{64, 1, 1}
	FPGASequentialBlock = [kernels.MaxDims]int{1, 1, 1}
)

// FPGA computes the geometry for an FPGA-class device: a fixed block of
// FPGAParallelBlock, FPGASequentialBlock if the kernel is not parallel or its
// worker grid is sequential, or the worker grid local work if one is given.
// The grid covers the domain: ceil(cardinality/block), clamped to limits.MaxGrid.
func FPGA(name string, meta *kernels.Meta, limits Limits) Geometry {
	return guard(name, func() Geometry {
		dims := checkDomain(meta)
		g := Geometry{Block: FPGAParallelBlock}
		switch {
		case meta.WorkerGrid != nil && meta.WorkerGrid.Sequential:
			return Default
		case meta.IsLocalWorkDefined():
			g.Block = meta.LocalWorkSize()
		case !meta.Parallel:
			return Default
		}
		for axis := range kernels.MaxDims {
			if axis >= dims {
				g.Block[axis] = 1
			}
			if g.Block[axis] <= 0 {
				exceptions.Panicf("invalid block %v", g.Block)
			}
			g.Grid[axis] = 1
			if axis < dims {
				c := meta.Cardinality(axis)
				g.Grid[axis] = min(max((c+g.Block[axis]-1)/g.Block[axis], 1), max(limits.MaxGrid[axis], 1))
			}
		}
		return g
	})
}

// checkDomain panics if the metadata is invalid, and returns the number of dimensions.
func checkDomain(meta *kernels.Meta) int {
	if meta == nil {
		exceptions.Panicf("nil kernel metadata")
	}
	if err := meta.Validate(); err != nil {
		panic(err)
	}
	for axis := range meta.Dims {
		if c := meta.Cardinality(axis); c <= 0 {
			panic(errors.Wrapf(ErrInvalidDomain, "dimension %d has cardinality %d", axis, c))
		}
	}
	return meta.Dims
}

// guard runs fn and returns Default on any panic.
func guard(name string, fn func() Geometry) (g Geometry) {
	exception := exceptions.Try(func() { g = fn() })
	if exception != nil {
		klog.Warningf("failed to calculate launch geometry for kernel %q, falling back to %s: %v", name, Default, exception)
		return Default
	}
	return g
}
