// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package kinds

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
)

// FuncForDispatcher is the type of functions a Dispatcher can hold.
type FuncForDispatcher func(params ...any) any

// MaxKinds bounds the dtypes.DType values a Dispatcher can index.
const MaxKinds = 32

// Dispatcher maps each element kind to the instance of a generic function
// handling it. Dispatching a kind that was never registered is a programming
// error and panics.
type Dispatcher struct {
	Name  string
	fnMap [MaxKinds]FuncForDispatcher
}

// NewDispatcher creates a new dispatcher for a class of functions.
func NewDispatcher(name string) *Dispatcher {
	return &Dispatcher{
		Name: name,
	}
}

// Dispatch calls the function registered for kind.
func (d *Dispatcher) Dispatch(kind dtypes.DType, params ...any) any {
	if kind < 0 || int(kind) >= MaxKinds {
		exceptions.Panicf("should not reach here: kind %s not supported by %s", kind, d.Name)
	}
	fn := d.fnMap[kind]
	if fn == nil {
		exceptions.Panicf("should not reach here: kind %s not supported by %s", kind, d.Name)
	}
	return fn(params...)
}

// Register a function to handle a specific kind, overwriting any previous one.
func (d *Dispatcher) Register(kind dtypes.DType, fn FuncForDispatcher) {
	if kind < 0 || int(kind) >= MaxKinds {
		exceptions.Panicf("kind %s cannot be registered in %s", kind, d.Name)
	}
	d.fnMap[kind] = fn
}

// Covers returns the kinds in the list that have no registered function.
// An empty result means the dispatcher is exhaustive for them.
func (d *Dispatcher) Covers(kinds ...dtypes.DType) (missing []dtypes.DType) {
	for _, kind := range kinds {
		if kind < 0 || int(kind) >= MaxKinds || d.fnMap[kind] == nil {
			missing = append(missing, kind)
		}
	}
	return
}

// RegisterForAll registers one function per supported kind, given in the same
// order as Supported.
func RegisterForAll(d *Dispatcher, fns ...FuncForDispatcher) {
	if len(fns) != len(Supported) {
		exceptions.Panicf("%s: %d functions given for %d supported kinds", d.Name, len(fns), len(Supported))
	}
	for ii, kind := range Supported {
		d.Register(kind, fns[ii])
	}
}
