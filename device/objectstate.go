// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package device

import (
	"fmt"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/offload/stream"
)

//go:generate go tool enumer -type=Phase -output=gen_phase_enumer.go objectstate.go

// Phase of an ObjectState.
type Phase int

const (
	// Unbound: no buffer.
	Unbound Phase = iota

	// AllocatedEmpty: a buffer without valid contents.
	AllocatedEmpty

	// AllocatedValid: a buffer holding the current value.
	AllocatedValid

	// Locked: the buffer stays resident across executions, and the host memory
	// is pinned. Whether it holds valid contents is tracked separately.
	Locked
)

// ObjectState is the state of one host value on one device.
//
// Only the transitions below are legal, any other panics:
//
//	Unbound        --Bind-->        AllocatedEmpty
//	AllocatedEmpty --MarkValid-->   AllocatedValid
//	AllocatedValid --Invalidate-->  AllocatedEmpty
//	Allocated*     --Lock-->        Locked
//	Locked         --Unlock-->      Allocated*
//	any bound      --Release-->     Unbound
//
// Contents can only be valid while a buffer is bound.
type ObjectState struct {
	phase          Phase
	buffer         *Buffer
	lockedContents bool
	atomicRegion   bool
	lastWrite      stream.Event
}

// NewObjectState returns an Unbound state.
func NewObjectState() *ObjectState {
	return &ObjectState{lastWrite: stream.NoEvent}
}

// Phase returns the current phase.
func (s *ObjectState) Phase() Phase { return s.phase }

// Buffer bound to the state, or nil if Unbound.
func (s *ObjectState) Buffer() *Buffer { return s.buffer }

// HasObjectBuffer returns whether a buffer is bound.
func (s *ObjectState) HasObjectBuffer() bool { return s.phase != Unbound }

// HasContents returns whether the bound buffer holds the current value.
func (s *ObjectState) HasContents() bool {
	return s.phase == AllocatedValid || (s.phase == Locked && s.lockedContents)
}

// IsStale returns whether the bound buffer was allocated before a reset of its
// context: neither its memory nor the last write event exist anymore.
func (s *ObjectState) IsStale() bool { return s.buffer != nil && s.buffer.IsStale() }

// IsLocked returns whether the state is Locked.
func (s *ObjectState) IsLocked() bool { return s.phase == Locked }

// IsAtomicRegion returns whether the value participates in an atomic or reduction region.
func (s *ObjectState) IsAtomicRegion() bool { return s.atomicRegion }

// SetAtomicRegion marks the value as part of an atomic or reduction region.
func (s *ObjectState) SetAtomicRegion(atomic bool) { s.atomicRegion = atomic }

// LastWrite returns the event of the last operation writing the buffer, or stream.NoEvent.
func (s *ObjectState) LastWrite() stream.Event { return s.lastWrite }

// SetLastWrite records the event of the last operation writing the buffer.
func (s *ObjectState) SetLastWrite(e stream.Event) { s.lastWrite = e }

func (s *ObjectState) String() string {
	if s.phase == Locked {
		return fmt.Sprintf("ObjectState(Locked, contents=%v)", s.lockedContents)
	}
	return fmt.Sprintf("ObjectState(%s)", s.phase)
}

func (s *ObjectState) illegal(transition string) {
	exceptions.Panicf("illegal transition %s from %s", transition, s)
}

// Bind attaches an allocated buffer: Unbound -> AllocatedEmpty.
func (s *ObjectState) Bind(buffer *Buffer) {
	if s.phase != Unbound {
		s.illegal("Bind")
	}
	if buffer == nil || !buffer.IsAllocated() {
		exceptions.Panicf("ObjectState.Bind requires an allocated buffer, got %v", buffer)
	}
	s.buffer = buffer
	s.phase = AllocatedEmpty
}

// MarkValid records that the buffer holds the current value.
func (s *ObjectState) MarkValid() {
	switch s.phase {
	case AllocatedEmpty, AllocatedValid:
		s.phase = AllocatedValid
	case Locked:
		s.lockedContents = true
	default:
		s.illegal("MarkValid")
	}
}

// Invalidate records that the buffer no longer holds the current value. It's a
// no-op if no buffer is bound.
func (s *ObjectState) Invalidate() {
	switch s.phase {
	case AllocatedValid:
		s.phase = AllocatedEmpty
	case Locked:
		s.lockedContents = false
	}
	s.lastWrite = stream.NoEvent
}

// Lock keeps the buffer resident: AllocatedEmpty/AllocatedValid -> Locked.
func (s *ObjectState) Lock() {
	switch s.phase {
	case AllocatedEmpty, AllocatedValid:
		s.lockedContents = s.phase == AllocatedValid
		s.phase = Locked
		s.buffer.Pinned = true
	case Locked:
	default:
		s.illegal("Lock")
	}
}

// Unlock is the inverse of Lock.
func (s *ObjectState) Unlock() {
	if s.phase != Locked {
		s.illegal("Unlock")
	}
	s.phase = AllocatedEmpty
	if s.lockedContents {
		s.phase = AllocatedValid
	}
	s.lockedContents = false
	s.buffer.Pinned = false
}

// Release unbinds the buffer and returns it, so the caller can deallocate it.
func (s *ObjectState) Release() *Buffer {
	if s.phase == Unbound {
		s.illegal("Release")
	}
	buffer := s.buffer
	buffer.Pinned = false
	*s = ObjectState{lastWrite: stream.NoEvent, atomicRegion: s.atomicRegion}
	return buffer
}
