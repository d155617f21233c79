// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package device

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/offload/backends"
	"github.com/gomlx/offload/stream"
	"github.com/gomlx/offload/types/kinds"
	"github.com/pkg/errors"
	"github.com/x448/float16"
	"k8s.io/klog/v2"
)

// ErrInvalidBufferSize is returned when a buffer would have a size <= 0.
var ErrInvalidBufferSize = errors.New("invalid buffer size")

// ErrStaleBuffer is returned when a buffer allocated before a reset of its
// context is used: the reset released its memory.
var ErrStaleBuffer = errors.New("buffer allocated before the context was reset")

// Buffer is one device allocation bound to host values of one element kind.
//
// A Buffer is either unallocated, or holds exactly one allocation of its size.
// It is never resized: a different size requires Deallocate then Allocate.
type Buffer struct {
	ctx   *Context
	kind  dtypes.DType
	width int

	addr       backends.Address
	size       int64
	generation uint32

	// Pinned marks the host memory as locked: writes read it when they execute
	// instead of staging a copy at enqueue time.
	Pinned bool
}

// NewBuffer creates an unallocated buffer for elements of the given kind.
func NewBuffer(ctx *Context, kind dtypes.DType) *Buffer {
	width := kinds.Width(kind)
	if width == 0 {
		exceptions.Panicf("should not reach here: buffer of unsupported kind %s", kind)
	}
	return &Buffer{ctx: ctx, kind: kind, width: width}
}

// Context owning the buffer.
func (b *Buffer) Context() *Context { return b.ctx }

// Kind of the elements of the buffer.
func (b *Buffer) Kind() dtypes.DType { return b.kind }

// IsAllocated returns whether the buffer holds a device allocation.
func (b *Buffer) IsAllocated() bool { return b.addr != backends.NullAddress }

// Address of the allocation, or backends.NullAddress if unallocated.
func (b *Buffer) Address() backends.Address { return b.addr }

// Size in bytes of the allocation, or 0 if unallocated.
func (b *Buffer) Size() int64 { return b.size }

func (b *Buffer) String() string {
	if !b.IsAllocated() {
		return fmt.Sprintf("Buffer(%s, unallocated)", b.kind)
	}
	return fmt.Sprintf("Buffer(%s, %s at 0x%x on %s)", b.kind, humanize.IBytes(uint64(b.size)), uint64(b.addr), b.ctx.info)
}

// SizeFor returns the byte size of a buffer for host: batchSizeOverride if
// positive, or else the size of host.
func SizeFor(host any, batchSizeOverride int64) int64 {
	if batchSizeOverride > 0 {
		return batchSizeOverride
	}
	return int64(kinds.Len(host) * kinds.Width(kinds.MustOf(host)))
}

// Allocate reserves device memory for host (a flat slice of the buffer kind).
//
// It returns an error wrapping ErrInvalidBufferSize if the size is <= 0, and
// an error wrapping backends.ErrOutOfDeviceMemory if the device is full.
// Allocating an already allocated buffer with the same size is a no-op.
func (b *Buffer) Allocate(host any, batchSizeOverride int64) error {
	if kind := kinds.MustOf(host); kind != b.kind {
		exceptions.Panicf("buffer of %s cannot be bound to a host value of %s", b.kind, kind)
	}
	size := SizeFor(host, batchSizeOverride)
	if size <= 0 {
		return errors.Wrapf(ErrInvalidBufferSize, "buffer of %s for %d elements, batch size %d",
			b.kind, kinds.Len(host), batchSizeOverride)
	}
	if b.IsAllocated() && b.stale() {
		// The memory was released by the context reset.
		b.addr, b.size = backends.NullAddress, 0
	}
	if b.IsAllocated() {
		if size == b.size {
			return nil
		}
		return errors.Errorf("%s cannot be resized to %d bytes, it must be deallocated first", b, size)
	}
	addr, err := b.ctx.provider.GetBufferWithSize(size)
	if err != nil {
		return err
	}
	b.addr, b.size = addr, size
	b.generation = b.ctx.stream.Generation()
	if b.ctx.config.FullDebug {
		klog.Infof("allocated %s", b)
	}
	return nil
}

// IsStale returns whether the buffer is allocated, but the context was reset
// since, which released its memory.
func (b *Buffer) IsStale() bool { return b.IsAllocated() && b.stale() }

// stale returns whether the context was reset after the allocation, which
// released the memory already.
func (b *Buffer) stale() bool {
	return b.generation != b.ctx.stream.Generation()
}

// Deallocate returns the memory to the provider. It panics if the buffer is
// not allocated.
func (b *Buffer) Deallocate() {
	if !b.IsAllocated() {
		exceptions.Panicf("deallocate of unallocated buffer of %s", b.kind)
	}
	if !b.stale() {
		b.ctx.provider.MarkBufferReleased(b.addr, b.size)
	}
	if b.ctx.config.FullDebug {
		klog.Infof("deallocated %s", b)
	}
	b.addr, b.size = backends.NullAddress, 0
}

// transferBytes returns the raw bytes of host[hostOffset:] to transfer: at most
// the buffer size.
func (b *Buffer) transferBytes(host any, hostOffset int) []byte {
	if !b.IsAllocated() {
		exceptions.Panicf("transfer with unallocated buffer of %s", b.kind)
	}
	if b.stale() {
		exceptions.Panicf("transfer with %s allocated before the context was reset", b)
	}
	raw := hostBytesDispatcher.Dispatch(b.kind, host, hostOffset).([]byte)
	n := min(int64(len(raw)), b.size)
	n -= n % int64(b.width)
	return raw[:n]
}

// EnqueueWrite copies host[hostOffset:] to the buffer, after the events in
// waits. If useDeps is false it returns stream.NoEvent.
func (b *Buffer) EnqueueWrite(host any, hostOffset int, waits []stream.Event, useDeps bool) stream.Event {
	raw := b.transferBytes(host, hostOffset)
	if b.ctx.config.FullDebug {
		klog.Infof("write of %d bytes to %s", len(raw), b)
	}
	e := b.ctx.stream.EnqueueWrite(b.kind, b.addr, 0, raw, b.Pinned, waits)
	if !useDeps {
		return stream.NoEvent
	}
	return e
}

// EnqueueRead copies the buffer into host[hostOffset:], after the events in
// waits. If useDeps is false it returns stream.NoEvent.
func (b *Buffer) EnqueueRead(host any, hostOffset int, waits []stream.Event, useDeps bool) stream.Event {
	raw := b.transferBytes(host, hostOffset)
	if b.ctx.config.FullDebug {
		klog.Infof("read of %d bytes from %s", len(raw), b)
	}
	e := b.ctx.stream.EnqueueRead(b.kind, b.addr, 0, raw, waits)
	if !useDeps {
		return stream.NoEvent
	}
	return e
}

// Write copies host[hostOffset:] to the buffer and waits for it.
func (b *Buffer) Write(host any, hostOffset int, waits []stream.Event) error {
	return b.ctx.stream.Wait(b.EnqueueWrite(host, hostOffset, waits, true))
}

// Read copies the buffer into host[hostOffset:] and waits for it.
func (b *Buffer) Read(host any, hostOffset int, waits []stream.Event) error {
	return b.ctx.stream.Wait(b.EnqueueRead(host, hostOffset, waits, true))
}

// hostBytesDispatcher returns the raw bytes of a typed host slice starting at an
// element offset.
var hostBytesDispatcher = kinds.NewDispatcher("Buffer.hostBytes")

func init() {
	kinds.RegisterForAll(hostBytesDispatcher, hostBytesGeneric[int8], hostBytesGeneric[int16],
		hostBytesGeneric[uint16], hostBytesGeneric[int32], hostBytesGeneric[int64],
		hostBytesGeneric[float16.Float16], hostBytesGeneric[float32], hostBytesGeneric[float64])
}

func hostBytesGeneric[T kinds.Element](params ...any) any {
	host, ok := params[0].([]T)
	if !ok {
		exceptions.Panicf("host value of type %T doesn't match buffer of %s", params[0], kinds.KindFor[T]())
	}
	offset := params[1].(int)
	if offset < 0 || offset > len(host) {
		exceptions.Panicf("host offset %d out of range for host value of %d elements", offset, len(host))
	}
	return kinds.SliceBytes(host[offset:])
}
