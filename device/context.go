// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package device implements the per-device façade of the runtime: a Context
// binds one memory.Provider, one stream.Stream and a cache of installed kernel
// modules, and computes launch geometries.
//
// It also holds the Buffer, a device allocation bound to one host value, and
// the ObjectState, the state of one host value on one device.
package device

import (
	"fmt"
	"sync"

	"github.com/gomlx/offload/backends"
	"github.com/gomlx/offload/geometry"
	"github.com/gomlx/offload/kernels"
	"github.com/gomlx/offload/memory"
	"github.com/gomlx/offload/stream"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Config of a Context, given at construction.
type Config struct {
	// Debug logs every kernel launch with its geometry.
	Debug bool

	// FullDebug also logs transfers and the argument blocks.
	FullDebug bool

	// Split distributes the work-items of a block across dimensions on GPU-class
	// devices. Defaults to geometry.EqualSplit.
	Split geometry.SplitFunc
}

// Context is the façade of one device.
type Context struct {
	backend backends.Backend
	info    backends.DeviceInfo
	config  Config

	provider *memory.Provider
	stream   *stream.Stream

	mu       sync.Mutex
	modules  map[string]backends.Module
	wasReset bool
}

// NewContext creates a Context for the device deviceNum of backend.
func NewContext(backend backends.Backend, deviceNum backends.DeviceNum, config Config) (*Context, error) {
	info, err := backend.Device(deviceNum)
	if err != nil {
		return nil, err
	}
	if info.Platform != backends.GPU && info.Platform != backends.FPGA {
		return nil, errors.Wrapf(backends.ErrNotImplemented, "no launch policy for platform %s of %s", info.Platform, info)
	}
	s, err := stream.New(backend, deviceNum)
	if err != nil {
		return nil, err
	}
	if config.Split == nil {
		config.Split = geometry.EqualSplit
	}
	return &Context{
		backend:  backend,
		info:     info,
		config:   config,
		provider: memory.New(backend, deviceNum),
		stream:   s,
		modules:  make(map[string]backends.Module),
	}, nil
}

// Info returns the device information.
func (c *Context) Info() backends.DeviceInfo { return c.info }

// DeviceNum of the context's device.
func (c *Context) DeviceNum() backends.DeviceNum { return c.info.Num }

// Backend returns the backend owning the device.
func (c *Context) Backend() backends.Backend { return c.backend }

// Provider returns the memory provider of the device.
func (c *Context) Provider() *memory.Provider { return c.provider }

// Stream returns the execution stream of the device.
func (c *Context) Stream() *stream.Stream { return c.stream }

// Config returns the configuration of the context.
func (c *Context) Config() Config { return c.config }

func (c *Context) String() string {
	return fmt.Sprintf("device.Context(%s)", c.info)
}

// ShouldCompile returns true if no module is installed under name.
func (c *Context) ShouldCompile(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, found := c.modules[name]
	return !found
}

// InstallCode loads the compiled kernel on the device and caches it under its name.
func (c *Context) InstallCode(source *kernels.Source) (backends.Module, error) {
	module, err := c.backend.LoadModule(c.info.Num, source)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.modules[source.Name] = module
	c.mu.Unlock()
	klog.V(1).Infof("%s: installed kernel %q", c, source.Name)
	return module, nil
}

// Module returns the installed module with the given name.
func (c *Context) Module(name string) (backends.Module, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	module, found := c.modules[name]
	return module, found
}

// Geometry computes the launch geometry of module for the iteration domain in
// meta, according to the device platform.
func (c *Context) Geometry(module backends.Module, meta *kernels.Meta) geometry.Geometry {
	limits := geometry.Limits{MaxGrid: c.info.MaxGrid, MaxThreadsPerBlock: c.info.MaxThreadsPerBlock}
	if c.info.Platform == backends.FPGA {
		return geometry.FPGA(module.Name(), meta, limits)
	}
	return geometry.GPU(module.Name(), meta, limits, module.MaxBlocks, c.config.Split)
}

// EnqueueKernelLaunch launches module over the iteration domain of meta (the
// module's own metadata if nil), after the events in waits.
//
// Arguments follow the kernel parameters: buffer parameters take a *Buffer, which
// the kernel sees with its allocated size, or a backends.Address, which exposes
// the whole region. Scalar parameters take a value of their kind. They are packed
// into an argument block in the device byte order.
func (c *Context) EnqueueKernelLaunch(module backends.Module, meta *kernels.Meta, args []any, waits []stream.Event) (stream.Event, error) {
	source := module.Source()
	if meta == nil {
		meta = &source.Meta
	}
	values := make([]any, len(args))
	for ii, arg := range args {
		switch v := arg.(type) {
		case *Buffer:
			if !v.IsAllocated() {
				return stream.NoEvent, errors.Errorf("kernel %q argument #%d is an unallocated buffer", source.Name, ii)
			}
			if v.stale() {
				return stream.NoEvent, errors.Wrapf(ErrStaleBuffer, "kernel %q argument #%d (%s)", source.Name, ii, v)
			}
			values[ii] = kernels.BufferRef{Address: uint64(v.Address()), Bytes: v.Size()}
		case backends.Address:
			values[ii] = uint64(v)
		default:
			values[ii] = arg
		}
	}
	argBlock, err := kernels.PackArgs(c.info.ByteOrder, source.Params, values)
	if err != nil {
		return stream.NoEvent, errors.WithMessagef(err, "kernel %q on %s", source.Name, c.info)
	}
	g := c.Geometry(module, meta)
	if c.config.Debug || c.config.FullDebug {
		klog.Infof("%s: launching %q with %s", c, source.Name, g)
		if c.config.FullDebug {
			klog.Infof("%s: argument block of %q: %x", c, source.Name, argBlock)
		}
	}
	return c.stream.EnqueueKernelLaunch(module, argBlock, g.Grid, g.Block, waits), nil
}

// EnqueueBarrier inserts a barrier in the stream.
func (c *Context) EnqueueBarrier(waits []stream.Event) stream.Event {
	return c.stream.EnqueueBarrier(waits)
}

// EnqueueMarker inserts a marker in the stream.
func (c *Context) EnqueueMarker(waits []stream.Event) stream.Event {
	return c.stream.EnqueueMarker(waits)
}

// Wait blocks until the event completes.
func (c *Context) Wait(e stream.Event) error {
	return c.stream.Wait(e)
}

// Sync blocks until the stream drains.
func (c *Context) Sync() error {
	return c.stream.Sync()
}

// Flush submits pending work. The streams have no distinct flush primitive,
// so it is a full Sync.
func (c *Context) Flush() error {
	return c.Sync()
}

// Reset drops the pending work of the stream and releases all device memory.
// Every event and buffer address issued before becomes invalid: users must
// check WasReset and discard what they cached. Buffers allocated before report
// IsStale.
func (c *Context) Reset() {
	c.stream.Reset()
	c.provider.Reset()
	c.mu.Lock()
	c.wasReset = true
	c.mu.Unlock()
}

// WasReset returns whether Reset was called since the last SetResetToFalse.
func (c *Context) WasReset() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.wasReset
}

// SetResetToFalse clears the flag returned by WasReset.
func (c *Context) SetResetToFalse() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.wasReset = false
}

// Close waits for the pending work and releases the device memory.
func (c *Context) Close() error {
	err := c.stream.Sync()
	c.provider.Reset()
	return err
}
