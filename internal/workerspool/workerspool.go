// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package workerspool runs batches of independent work-groups with bounded
// parallelism. The simulated devices use it to execute the blocks of a kernel
// launch concurrently.
package workerspool

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
)

// Pool bounds the number of goroutines running work-groups at the same time,
// across all the batches submitted to it.
type Pool struct {
	// maxParallelism is the limit of work-groups running in parallel.
	// If 0 parallelism is disabled and groups run inline, if negative it's unlimited.
	maxParallelism int
	mu             sync.Mutex
	cond           sync.Cond // Signaled whenever numRunning is decreased.
	numRunning     int
}

// New returns a new Pool with the default parallelism (runtime.NumCPU()).
func New() *Pool {
	return NewWithParallelism(runtime.NumCPU())
}

// NewWithParallelism returns a new Pool with the given parallelism, see SetMaxParallelism.
func NewWithParallelism(maxParallelism int) *Pool {
	w := &Pool{maxParallelism: maxParallelism}
	w.cond = sync.Cond{L: &w.mu}
	return w
}

// MaxParallelism is the limit of work-groups running in parallel.
// If set to 0 parallelism is disabled.
// If set to -1 parallelism is unlimited.
func (w *Pool) MaxParallelism() int {
	return w.maxParallelism
}

// SetMaxParallelism sets the maxParallelism.
//
// You should only change the parallelism while no batch is running.
func (w *Pool) SetMaxParallelism(maxParallelism int) {
	w.maxParallelism = maxParallelism
}

// Run calls fn(group) for every group in [0, numGroups), and blocks until all
// of them return.
//
// A panic in any group is recovered and returned as an error; the remaining
// groups that haven't started yet are skipped.
func (w *Pool) Run(numGroups int, fn func(group int)) error {
	if numGroups <= 0 {
		return nil
	}
	var (
		firstErr atomic.Pointer[error]
		wg       sync.WaitGroup
	)
	runGroup := func(group int) {
		defer func() {
			if r := recover(); r != nil {
				err, ok := r.(error)
				if !ok {
					err = errors.New(fmt.Sprint(r))
				}
				err = errors.WithMessagef(err, "work-group #%d panicked", group)
				firstErr.CompareAndSwap(nil, &err)
			}
		}()
		if firstErr.Load() != nil {
			return
		}
		fn(group)
	}

	if w.maxParallelism == 0 || numGroups == 1 {
		for group := range numGroups {
			runGroup(group)
		}
	} else {
		for group := range numGroups {
			w.waitToStart()
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer w.finished()
				runGroup(group)
			}()
		}
		wg.Wait()
	}
	if errPtr := firstErr.Load(); errPtr != nil {
		return *errPtr
	}
	return nil
}

// waitToStart blocks until there is room for one more running work-group, and
// reserves it.
func (w *Pool) waitToStart() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for w.maxParallelism > 0 && w.numRunning >= w.maxParallelism {
		w.cond.Wait()
	}
	w.numRunning++
}

func (w *Pool) finished() {
	w.mu.Lock()
	w.numRunning--
	w.cond.Signal()
	w.mu.Unlock()
}

// NumRunning returns the number of work-groups currently running.
func (w *Pool) NumRunning() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.numRunning
}
