// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package memory

import (
	"testing"

	"github.com/gomlx/offload/backends"
	"github.com/gomlx/offload/backends/simgo"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/require"
	"k8s.io/klog/v2"
)

func init() {
	klog.InitFlags(nil)
}

func newBackend(t *testing.T, config string) *simgo.Backend {
	b := must.M1(simgo.New(config))
	t.Cleanup(b.Finalize)
	return b
}

func TestProviderReuse(t *testing.T) {
	b := newBackend(t, "gpus=1,fpgas=0,memory=1MiB")
	p := New(b, 0)

	small := must.M1(p.GetBufferWithSize(100))
	large := must.M1(p.GetBufferWithSize(1000))
	require.True(t, p.IsHeld(small))
	p.MarkBufferReleased(small, 100)
	p.MarkBufferReleased(large, 1000)
	require.False(t, p.IsHeld(small))
	require.Equal(t, int64(1100), p.Stats().FreeBytes)

	// Best fit: 50 bytes reuses the 100 bytes region, 500 the 1000 one.
	got := must.M1(p.GetBufferWithSize(50))
	require.Equal(t, small, got)
	got = must.M1(p.GetBufferWithSize(500))
	require.Equal(t, large, got)
	// Nothing free fits: new allocation.
	got = must.M1(p.GetBufferWithSize(2000))
	require.NotEqual(t, small, got)
	require.NotEqual(t, large, got)

	stats := p.Stats()
	require.Equal(t, int64(3100), stats.LiveBytes)
	require.Equal(t, int64(3100), stats.PeakBytes)
	require.Equal(t, int64(3), stats.Allocations)
	require.Equal(t, int64(2), stats.Reuses)
	require.Equal(t, 3, stats.NumHeld)
	require.Contains(t, p.String(), "3 regions")

	p.Reset()
	require.Zero(t, p.Stats().LiveBytes)
	require.Zero(t, b.MemoryInUse(0))
}

func TestProviderReleaseNotHeld(t *testing.T) {
	b := newBackend(t, "gpus=1,fpgas=0,memory=1MiB")
	p := New(b, 0)
	addr := must.M1(p.GetBufferWithSize(64))
	require.Panics(t, func() { p.MarkBufferReleased(addr, 128) })
	p.MarkBufferReleased(addr, 64)
	require.Panics(t, func() { p.MarkBufferReleased(addr, 64) })
	require.Panics(t, func() { p.MarkBufferReleased(backends.Address(12345), 1) })
}

func TestProviderOutOfMemory(t *testing.T) {
	b := newBackend(t, "gpus=1,fpgas=0,memory=4KiB")
	p := New(b, 0)
	a := must.M1(p.GetBufferWithSize(3000))
	_, err := p.GetBufferWithSize(3000)
	require.ErrorIs(t, err, backends.ErrOutOfDeviceMemory)

	// A free region too small to reuse is trimmed to make room.
	p.MarkBufferReleased(a, 3000)
	small := must.M1(p.GetBufferWithSize(500))
	require.Equal(t, a, small)
	p.MarkBufferReleased(small, 500)
	_, err = p.GetBufferWithSize(3500)
	require.NoError(t, err)
	require.Zero(t, p.Stats().NumFree)

	_, err = p.GetBufferWithSize(0)
	require.Error(t, err)
}

func TestProviderTrim(t *testing.T) {
	b := newBackend(t, "gpus=1,fpgas=0,memory=1MiB")
	p := New(b, 0)
	for range 4 {
		addr := must.M1(p.GetBufferWithSize(256))
		p.MarkBufferReleased(addr, 256)
	}
	require.Equal(t, int64(256), b.MemoryInUse(0))
	p.Trim()
	require.Zero(t, b.MemoryInUse(0))
	require.Zero(t, p.Stats().FreeBytes)
}
