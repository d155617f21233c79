// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package device

import (
	"github.com/gomlx/offload/backends"
	"github.com/gomlx/offload/stream"
	"github.com/gomlx/offload/types/kinds"
)

// EnqueueWrite copies host[hostOffset:] to device memory at dst+deviceOffset
// (offsets in elements), after the events in waits.
func EnqueueWrite[T kinds.Element](c *Context, dst backends.Address, deviceOffset int, host []T, hostOffset int, pinned bool, waits []stream.Event) stream.Event {
	kind := kinds.KindFor[T]()
	width := kinds.Width(kind)
	return c.stream.EnqueueWrite(kind, dst, int64(deviceOffset*width), kinds.SliceBytes(host[hostOffset:]), pinned, waits)
}

// EnqueueRead copies device memory at src+deviceOffset into host[hostOffset:]
// (offsets in elements), after the events in waits.
func EnqueueRead[T kinds.Element](c *Context, src backends.Address, deviceOffset int, host []T, hostOffset int, waits []stream.Event) stream.Event {
	kind := kinds.KindFor[T]()
	width := kinds.Width(kind)
	return c.stream.EnqueueRead(kind, src, int64(deviceOffset*width), kinds.SliceBytes(host[hostOffset:]), waits)
}

// Write is the blocking version of EnqueueWrite.
func Write[T kinds.Element](c *Context, dst backends.Address, deviceOffset int, host []T, hostOffset int, waits []stream.Event) error {
	return c.stream.Wait(EnqueueWrite(c, dst, deviceOffset, host, hostOffset, true, waits))
}

// Read is the blocking version of EnqueueRead.
func Read[T kinds.Element](c *Context, src backends.Address, deviceOffset int, host []T, hostOffset int, waits []stream.Event) error {
	return c.stream.Wait(EnqueueRead(c, src, deviceOffset, host, hostOffset, waits))
}
