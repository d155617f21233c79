// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package workerspool

import (
	"runtime"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPool_Run(t *testing.T) {
	for _, parallelism := range []int{0, 1, 3, -1} {
		pool := NewWithParallelism(parallelism)
		var count atomic.Int32
		hits := make([]int32, 100)
		require.NoError(t, pool.Run(len(hits), func(group int) {
			count.Add(1)
			atomic.AddInt32(&hits[group], 1)
			runtime.Gosched()
		}))
		assert.Equal(t, int32(100), count.Load(), "parallelism=%d", parallelism)
		for group, hit := range hits {
			assert.Equal(t, int32(1), hit, "group %d ran %d times", group, hit)
		}
		assert.Equal(t, 0, pool.NumRunning())
	}
}

func TestPool_MaxParallelism(t *testing.T) {
	pool := NewWithParallelism(2)
	var running, peak atomic.Int32
	require.NoError(t, pool.Run(20, func(group int) {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		runtime.Gosched()
		running.Add(-1)
	}))
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestPool_Panics(t *testing.T) {
	pool := New()
	err := pool.Run(10, func(group int) {
		if group == 3 {
			panic("kernel fault")
		}
	})
	require.Error(t, err)
	require.Contains(t, err.Error(), "kernel fault")
	require.NoError(t, pool.Run(0, func(int) { t.Fatal("must not run") }))
}
