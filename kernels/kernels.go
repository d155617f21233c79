// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package kernels defines what the runtime receives from the kernel compiler:
// a compiled kernel keyed by a stable name, the description of its parameters,
// and the iteration-domain metadata used to compute its launch geometry.
//
// Compilation itself happens elsewhere: a Source is already device-executable,
// the runtime only installs it on a device and launches it.
package kernels

import (
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/offload/types/kinds"
	"github.com/pkg/errors"
)

// MaxDims is the maximum dimensionality of an iteration domain.
const MaxDims = 3

// ParamKind tells whether a kernel parameter is a device buffer or a scalar
// passed by value.
type ParamKind int

const (
	BufferParam ParamKind = iota
	ScalarParam
)

//go:generate go tool enumer -type=Access -transform=kebab -output=gen_access_enumer.go kernels.go

// Access describes how a kernel uses a buffer parameter.
type Access int

const (
	Read Access = iota
	Write
	ReadWrite
)

// Reads returns whether the kernel reads the previous contents of the buffer.
func (a Access) Reads() bool { return a == Read || a == ReadWrite }

// Writes returns whether the kernel modifies the buffer.
func (a Access) Writes() bool { return a == Write || a == ReadWrite }

// Param describes one kernel parameter.
type Param struct {
	Name   string
	Kind   ParamKind
	DType  dtypes.DType
	Access Access
}

// In returns a read-only buffer parameter.
func In(name string, dtype dtypes.DType) Param {
	return Param{Name: name, Kind: BufferParam, DType: dtype, Access: Read}
}

// Out returns a write-only buffer parameter.
func Out(name string, dtype dtypes.DType) Param {
	return Param{Name: name, Kind: BufferParam, DType: dtype, Access: Write}
}

// InOut returns a buffer parameter that is both read and written.
func InOut(name string, dtype dtypes.DType) Param {
	return Param{Name: name, Kind: BufferParam, DType: dtype, Access: ReadWrite}
}

// Value returns a scalar parameter.
func Value(name string, dtype dtypes.DType) Param {
	return Param{Name: name, Kind: ScalarParam, DType: dtype, Access: Read}
}

// WorkerGrid is an explicit launch grid supplied by the user, overriding the
// metadata attached by the compiler.
type WorkerGrid struct {
	// GlobalWork, if set, replaces the domain cardinalities.
	GlobalWork []int

	// LocalWork, if set, is used as the block size outright.
	LocalWork []int

	// Sequential marks a grid that must run with a single work-item per group.
	Sequential bool
}

// Meta is the iteration-domain metadata attached to a kernel.
type Meta struct {
	// Dims is the dimensionality of the domain, 1 to 3.
	Dims int

	// Domain holds the cardinality of each dimension.
	Domain []int

	// Parallel is false for kernels the compiler could not parallelize.
	Parallel bool

	// LocalWork, if set, is an explicit block size.
	LocalWork []int

	// WorkerGrid is an optional explicit grid.
	WorkerGrid *WorkerGrid
}

// Domain1D returns parallel metadata for a one-dimensional domain.
func Domain1D(n int) Meta {
	return Meta{Dims: 1, Domain: []int{n}, Parallel: true}
}

// DomainND returns parallel metadata for a domain with the given cardinalities.
func DomainND(cardinalities ...int) Meta {
	return Meta{Dims: len(cardinalities), Domain: cardinalities, Parallel: true}
}

// Sequential returns metadata for a single-work-item kernel.
func Sequential() Meta {
	return Meta{Dims: 1, Domain: []int{1}, Parallel: false}
}

// Validate checks the structural invariants of the metadata. It doesn't check
// that cardinalities are positive: geometry computation deals with that.
func (m *Meta) Validate() error {
	if m.Dims < 1 || m.Dims > MaxDims {
		return errors.Errorf("iteration domain must have 1 to %d dimensions, got %d", MaxDims, m.Dims)
	}
	if len(m.Domain) < m.Dims {
		return errors.Errorf("iteration domain has %d dimensions but only %d cardinalities", m.Dims, len(m.Domain))
	}
	if len(m.LocalWork) != 0 && len(m.LocalWork) < m.Dims {
		return errors.Errorf("local work size %v doesn't cover the %d dimensions of the domain", m.LocalWork, m.Dims)
	}
	return nil
}

// Cardinality of dimension dim: the worker grid global work takes precedence
// over the domain. Dimensions beyond Dims have cardinality 1.
func (m *Meta) Cardinality(dim int) int {
	if dim >= m.Dims {
		return 1
	}
	if m.WorkerGrid != nil && dim < len(m.WorkerGrid.GlobalWork) {
		return m.WorkerGrid.GlobalWork[dim]
	}
	if dim < len(m.Domain) {
		return m.Domain[dim]
	}
	return 1
}

// IsLocalWorkDefined returns whether an explicit block size was given, either
// in the metadata or through the worker grid.
func (m *Meta) IsLocalWorkDefined() bool {
	if m.WorkerGrid != nil && len(m.WorkerGrid.LocalWork) > 0 {
		return true
	}
	return len(m.LocalWork) > 0
}

// LocalWorkSize returns the explicit block size, padded with 1s.
func (m *Meta) LocalWorkSize() (local [MaxDims]int) {
	src := m.LocalWork
	if m.WorkerGrid != nil && len(m.WorkerGrid.LocalWork) > 0 {
		src = m.WorkerGrid.LocalWork
	}
	for ii := range local {
		local[ii] = 1
		if ii < len(src) {
			local[ii] = src[ii]
		}
	}
	return
}

// Clone returns a deep copy of the metadata.
func (m *Meta) Clone() Meta {
	c := *m
	c.Domain = append([]int(nil), m.Domain...)
	c.LocalWork = append([]int(nil), m.LocalWork...)
	if m.WorkerGrid != nil {
		wg := *m.WorkerGrid
		wg.GlobalWork = append([]int(nil), wg.GlobalWork...)
		wg.LocalWork = append([]int(nil), wg.LocalWork...)
		c.WorkerGrid = &wg
	}
	return c
}

// WorkItem identifies one invocation of a kernel function.
type WorkItem struct {
	Global, Local, Group               [MaxDims]int
	GlobalSize, LocalSize, GroupCount [MaxDims]int
}

// Fn is a compiled kernel body, invoked once per work-item.
// Kernels should iterate with a grid-stride loop, since the launch grid may be
// clamped to the device limits and not cover the whole domain.
type Fn func(wi WorkItem, args *Args)

// Source is a compiled kernel, ready to be installed on a device.
type Source struct {
	Name   string
	Params []Param
	Meta   Meta
	Fn     Fn
}

// Validate checks the kernel is well-formed.
func (s *Source) Validate() error {
	if s == nil {
		return errors.New("nil kernel source")
	}
	if s.Name == "" {
		return errors.New("kernel source without a name")
	}
	if s.Fn == nil {
		return errors.Errorf("kernel %q has no compiled function", s.Name)
	}
	for ii, p := range s.Params {
		if !kinds.IsSupported(p.DType) {
			return errors.Errorf("kernel %q parameter #%d (%q) has unsupported kind %s", s.Name, ii, p.Name, p.DType)
		}
	}
	return errors.WithMessagef(s.Meta.Validate(), "kernel %q", s.Name)
}
