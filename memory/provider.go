// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package memory implements the Buffer Provider: a per-device pool of raw
// device memory regions, with release tracking.
//
// Released regions are kept in a free list and reused (best fit) by later
// requests, instead of going back to the driver. There is no defragmentation.
package memory

import (
	"fmt"
	"slices"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/offload/backends"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

type region struct {
	addr backends.Address
	size int64
}

// Provider owns the device memory regions of one device.
//
// Callers are expected to serialize allocations and releases (the task graph
// executor does), but the provider is also safe for concurrent use.
type Provider struct {
	backend   backends.Backend
	deviceNum backends.DeviceNum

	mu   sync.Mutex
	held map[backends.Address]int64
	free []region // Sorted by size.

	liveBytes, freeBytes, peakBytes int64
	numAllocations, numReuses       int64
}

// New creates a Provider for the device deviceNum of backend.
func New(backend backends.Backend, deviceNum backends.DeviceNum) *Provider {
	return &Provider{
		backend:   backend,
		deviceNum: deviceNum,
		held:      make(map[backends.Address]int64),
	}
}

// GetBufferWithSize returns a region of at least bytes, reusing the smallest
// free region that fits or allocating a new one through the driver.
//
// It returns an error wrapping backends.ErrOutOfDeviceMemory if the device
// can't satisfy the request, even after returning the free regions to the driver.
func (p *Provider) GetBufferWithSize(bytes int64) (backends.Address, error) {
	if bytes <= 0 {
		return backends.NullAddress, errors.Errorf("invalid request of %d bytes of device memory", bytes)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	idx, _ := slices.BinarySearchFunc(p.free, bytes, func(r region, target int64) int {
		if r.size < target {
			return -1
		} else if r.size > target {
			return 1
		}
		return 0
	})
	if idx < len(p.free) {
		r := p.free[idx]
		p.free = slices.Delete(p.free, idx, idx+1)
		p.freeBytes -= r.size
		p.hold(r)
		p.numReuses++
		return r.addr, nil
	}

	addr, err := p.backend.Allocate(p.deviceNum, bytes)
	if err != nil && errors.Is(err, backends.ErrOutOfDeviceMemory) && len(p.free) > 0 {
		klog.V(1).Infof("device #%d: out of memory allocating %s, trimming %s of free regions",
			p.deviceNum, humanize.IBytes(uint64(bytes)), humanize.IBytes(uint64(p.freeBytes)))
		p.trimLocked()
		addr, err = p.backend.Allocate(p.deviceNum, bytes)
	}
	if err != nil {
		return backends.NullAddress, errors.WithMessagef(err, "device #%d: failed to allocate %s (%s)",
			p.deviceNum, humanize.IBytes(uint64(bytes)), p.stringLocked())
	}
	p.hold(region{addr: addr, size: bytes})
	p.numAllocations++
	return addr, nil
}

func (p *Provider) hold(r region) {
	p.held[r.addr] = r.size
	p.liveBytes += r.size
	p.peakBytes = max(p.peakBytes, p.liveBytes)
}

// MarkBufferReleased returns the region to the free pool.
//
// Releasing a region that is not currently held, or with a size larger than
// the one requested, is a contract violation and panics.
func (p *Provider) MarkBufferReleased(addr backends.Address, bytes int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	size, found := p.held[addr]
	if !found {
		exceptions.Panicf("device #%d: release of device memory 0x%x that is not held (double free?)",
			p.deviceNum, uint64(addr))
	}
	if bytes > size {
		exceptions.Panicf("device #%d: release of %d bytes at 0x%x, but only %d bytes are held",
			p.deviceNum, bytes, uint64(addr), size)
	}
	delete(p.held, addr)
	p.liveBytes -= size
	r := region{addr: addr, size: size}
	idx, _ := slices.BinarySearchFunc(p.free, size, func(r region, target int64) int {
		if r.size < target {
			return -1
		}
		return 1
	})
	p.free = slices.Insert(p.free, idx, r)
	p.freeBytes += size
}

// IsHeld returns whether addr is a region currently handed out by the provider.
func (p *Provider) IsHeld(addr backends.Address) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, found := p.held[addr]
	return found
}

// Trim returns all free regions to the driver.
func (p *Provider) Trim() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.trimLocked()
}

func (p *Provider) trimLocked() {
	for _, r := range p.free {
		if err := p.backend.Free(p.deviceNum, r.addr); err != nil {
			klog.Warningf("device #%d: failed to free region 0x%x: %v", p.deviceNum, uint64(r.addr), err)
		}
	}
	p.free = nil
	p.freeBytes = 0
}

// Reset returns every region, held or free, to the driver. Addresses handed
// out before become invalid.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for addr := range p.held {
		if err := p.backend.Free(p.deviceNum, addr); err != nil {
			klog.Warningf("device #%d: failed to free region 0x%x: %v", p.deviceNum, uint64(addr), err)
		}
	}
	clear(p.held)
	p.liveBytes = 0
	p.trimLocked()
}

// Stats of a Provider.
type Stats struct {
	// LiveBytes held by callers, FreeBytes kept for reuse, and PeakBytes is the maximum LiveBytes seen.
	LiveBytes, FreeBytes, PeakBytes int64

	// NumHeld and NumFree regions.
	NumHeld, NumFree int

	// Allocations from the driver and Reuses of free regions.
	Allocations, Reuses int64
}

// Stats returns a snapshot of the provider counters.
func (p *Provider) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		LiveBytes:   p.liveBytes,
		FreeBytes:   p.freeBytes,
		PeakBytes:   p.peakBytes,
		NumHeld:     len(p.held),
		NumFree:     len(p.free),
		Allocations: p.numAllocations,
		Reuses:      p.numReuses,
	}
}

// String implements fmt.Stringer.
func (p *Provider) String() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stringLocked()
}

func (p *Provider) stringLocked() string {
	return fmt.Sprintf("memory.Provider(device #%d: %s live in %d regions, %s free in %d regions, %s peak)",
		p.deviceNum, humanize.IBytes(uint64(p.liveBytes)), len(p.held),
		humanize.IBytes(uint64(p.freeBytes)), len(p.free), humanize.IBytes(uint64(p.peakBytes)))
}
