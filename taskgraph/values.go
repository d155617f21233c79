// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package taskgraph

import (
	"fmt"
	"reflect"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/offload/device"
	"github.com/gomlx/offload/types/kinds"
)

//go:generate go tool enumer -type=TransferMode -output=gen_transfermode_enumer.go values.go

// TransferMode controls when a host value is copied to the device.
type TransferMode int

const (
	// FirstExecution transfers the value on the first execution only: the device
	// copy stays resident until UnlockAll.
	FirstExecution TransferMode = iota

	// EveryExecution transfers the value before every execution.
	EveryExecution
)

// valueKey identifies a host value: the same backing array, length and kind.
type valueKey struct {
	ptr    uintptr
	length int
	kind   dtypes.DType
}

func keyOf(host any) valueKey {
	kind := kinds.MustOf(host)
	v := reflect.ValueOf(host)
	return valueKey{ptr: v.Pointer(), length: v.Len(), kind: kind}
}

// value is a host value used by the graph, with its state on each device.
type value struct {
	key  valueKey
	host any

	toDevice  bool
	mode      TransferMode
	toHost    bool
	locked    bool
	batchSize int64

	// batchElems is the number of elements of a batch, or 0 if the value is
	// processed whole. offset is the element offset of the current batch.
	batchElems, offset int

	states map[*device.Context]*device.ObjectState

	// home is the context holding the latest contents, if a task wrote the value.
	home *device.Context

	// hostValid is false while the latest contents are only on home.
	hostValid bool

	transfersToDevice, transfersToHost int64
}

func (v *value) String() string {
	return fmt.Sprintf("%s[%d]@0x%x", v.key.kind, v.key.length, v.key.ptr)
}

// resident returns whether the device copies are kept across executions.
func (v *value) resident() bool {
	return v.locked || (v.toDevice && v.mode == FirstExecution && !v.isBatched())
}

func (v *value) isBatched() bool { return v.batchElems > 0 }

func (v *value) width() int { return kinds.Width(v.key.kind) }

// state returns the state of v on ctx, allocating and binding a buffer if needed.
func (v *value) state(ctx *device.Context) (*device.ObjectState, error) {
	s := v.states[ctx]
	if s == nil {
		s = device.NewObjectState()
		v.states[ctx] = s
	}
	if !s.HasObjectBuffer() {
		buf := device.NewBuffer(ctx, v.key.kind)
		if err := buf.Allocate(v.host, v.batchSize); err != nil {
			return nil, err
		}
		s.Bind(buf)
	}
	if v.locked {
		s.Lock()
	}
	return s, nil
}

// release deallocates the buffers of v on every device.
func (v *value) release() {
	for ctx, s := range v.states {
		if s.HasObjectBuffer() {
			if s.IsLocked() {
				s.Unlock()
			}
			s.Release().Deallocate()
		}
		delete(v.states, ctx)
	}
	v.home = nil
	v.hostValid = true
}

// latest returns the state holding the latest contents of v on a device
// other than ctx, or nil if the host copy is current.
func (v *value) latest(ctx *device.Context) *device.ObjectState {
	if v.hostValid || v.home == nil || v.home == ctx {
		return nil
	}
	s := v.states[v.home]
	if s == nil || !s.HasContents() {
		return nil
	}
	return s
}
