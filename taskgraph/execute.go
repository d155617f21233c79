// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package taskgraph

import (
	"github.com/gomlx/offload/device"
	"github.com/gomlx/offload/stream"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// execute runs one execution, with g.mu held.
//
// If values are processed in batches (see SetBatchSize) the transfers and tasks
// run once per batch, each time over the next slice of the batched values.
func (g *Graph) execute() error {
	g.dropStaleStates()
	if err := g.compile(); err != nil {
		return err
	}
	numBatches, err := g.planBatches()
	if err != nil {
		return err
	}
	for batch := range numBatches {
		g.setBatch(batch)
		if err := g.transfersToDevice(batch); err != nil {
			return err
		}
		for _, t := range g.tasks {
			var err error
			if t.isHost() {
				err = g.runHostTask(t)
			} else {
				err = g.runKernelTask(t)
			}
			if err != nil {
				return err
			}
		}
		if err := g.flushToHost(); err != nil {
			return err
		}
	}
	if err := g.syncAll(); err != nil {
		return err
	}
	for _, v := range g.order {
		if !v.resident() {
			v.release()
		}
	}
	return nil
}

// dropStaleStates forgets the device state of values whose buffers were
// allocated before a reset of their context: their memory and events are gone.
func (g *Graph) dropStaleStates() {
	for _, v := range g.order {
		for ctx, s := range v.states {
			if !s.IsStale() {
				continue
			}
			klog.V(1).Infof("%s: %s was reset, dropping the device state of %s", g, ctx, v)
			if s.IsLocked() {
				s.Unlock()
			}
			// Memory was already reclaimed by the reset: this only clears the buffer.
			s.Release().Deallocate()
			delete(v.states, ctx)
			if v.home == ctx {
				v.home = nil
				v.hostValid = true
			}
		}
	}
}

// planBatches validates the batch sizes and returns the number of batches of
// the execution: 1 if no value is larger than its batch size.
func (g *Graph) planBatches() (int, error) {
	numBatches := 1
	var first *value
	for _, v := range g.order {
		v.batchElems, v.offset = 0, 0
		if v.batchSize <= 0 {
			continue
		}
		width := int64(v.width())
		if v.batchSize%width != 0 {
			return 0, errors.Wrapf(ErrInvalidBatch, "%s: batch size of %s is %d bytes, not a multiple of the element size %d",
				g, v, v.batchSize, width)
		}
		if v.batchSize >= int64(v.key.length)*width {
			continue
		}
		v.batchElems = int(v.batchSize / width)
		n := (v.key.length + v.batchElems - 1) / v.batchElems
		if first == nil {
			first, numBatches = v, n
		} else if n != numBatches {
			return 0, errors.Wrapf(ErrInvalidBatch, "%s: %s is split in %d batches, but %s in %d",
				g, first, numBatches, v, n)
		}
	}
	if first == nil {
		return 1, nil
	}
	for _, t := range g.tasks {
		if !t.isHost() && t.batched() != nil && t.meta.Dims != 1 {
			return 0, errors.Wrapf(ErrInvalidBatch, "%s: task %q uses batched values over a %d-dimensional domain",
				g, t.name, t.meta.Dims)
		}
	}
	return numBatches, nil
}

// setBatch moves the host offset of the batched values to the given batch.
func (g *Graph) setBatch(batch int) {
	for _, v := range g.order {
		if v.isBatched() {
			v.offset = batch * v.batchElems
		}
	}
}

// contextsOf returns the contexts of the kernel tasks using v.
func (g *Graph) contextsOf(v *value) []*device.Context {
	var contexts []*device.Context
	for _, t := range g.tasks {
		if t.isHost() {
			continue
		}
		for _, tv := range t.values {
			if tv == v {
				if len(contexts) == 0 || contexts[len(contexts)-1] != t.ctx {
					contexts = append(contexts, t.ctx)
				}
				break
			}
		}
	}
	return contexts
}

// transfersToDevice copies the declared values to the devices using them:
// EveryExecution values always, FirstExecution values when the device has no
// valid copy (first execution, or after a reset or UnlockAll). Batched values
// are copied for every batch, the others only for the first one.
func (g *Graph) transfersToDevice(batch int) error {
	for _, v := range g.order {
		if !v.toDevice || (batch > 0 && !v.isBatched()) {
			continue
		}
		if v.mode == EveryExecution || v.isBatched() {
			// The host copy is the reference at the start of every execution.
			v.home = nil
			v.hostValid = true
		}
		for _, ctx := range g.contextsOf(v) {
			s, err := v.state(ctx)
			if err != nil {
				return errors.WithMessagef(err, "%s: allocating %s on %s", g, v, ctx)
			}
			if v.mode == FirstExecution && !v.isBatched() && s.HasContents() {
				continue
			}
			if !v.hostValid {
				// A previous execution left the latest contents on another device.
				if err := g.stage(v, ctx); err != nil {
					return err
				}
				continue
			}
			e := s.Buffer().EnqueueWrite(v.host, v.offset, []stream.Event{s.LastWrite()}, true)
			s.SetLastWrite(e)
			s.MarkValid()
			v.transfersToDevice++
			g.stats.TransfersToDevice++
		}
	}
	return nil
}

// stage copies the latest contents of v from its home device to ctx through
// the host, synchronizing the home device explicitly.
func (g *Graph) stage(v *value, ctx *device.Context) error {
	if src := v.latest(ctx); src != nil {
		home := v.home
		e := src.Buffer().EnqueueRead(v.host, v.offset, []stream.Event{src.LastWrite()}, true)
		if err := home.Wait(e); err != nil {
			return errors.WithMessagef(err, "%s: staging %s from %s", g, v, home)
		}
		v.hostValid = true
		v.transfersToHost++
		g.stats.TransfersToHost++
		g.stats.StagedTransfers++
	}
	s, err := v.state(ctx)
	if err != nil {
		return errors.WithMessagef(err, "%s: allocating %s on %s", g, v, ctx)
	}
	e := s.Buffer().EnqueueWrite(v.host, v.offset, []stream.Event{s.LastWrite()}, true)
	s.SetLastWrite(e)
	s.MarkValid()
	v.transfersToDevice++
	g.stats.TransfersToDevice++
	return nil
}

func (g *Graph) runKernelTask(t *task) error {
	ctx := t.ctx
	module, found := ctx.Module(t.source.Name)
	if !found {
		return errors.Errorf("%s: kernel %q of task %q not installed on %s", g, t.source.Name, t.name, ctx)
	}
	args := make([]any, len(t.args))
	var waits []stream.Event
	for ii, arg := range t.args {
		v := t.values[ii]
		if v == nil {
			args[ii] = arg
			continue
		}
		s, err := v.state(ctx)
		if err != nil {
			return errors.WithMessagef(err, "%s: task %q: allocating %s on %s", g, t.name, v, ctx)
		}
		if t.source.Params[ii].Access.Reads() && !s.HasContents() && v.latest(ctx) != nil {
			if err := g.stage(v, ctx); err != nil {
				return err
			}
		}
		waits = append(waits, s.LastWrite())
		args[ii] = s.Buffer()
	}
	meta := t.meta
	if v := t.batched(); v != nil {
		// The domain covers the elements of the current batch.
		meta = meta.Clone()
		meta.Domain = []int{min(v.batchElems, v.key.length-v.offset)}
		if meta.WorkerGrid != nil {
			meta.WorkerGrid.GlobalWork = nil
		}
	}
	e, err := ctx.EnqueueKernelLaunch(module, &meta, args, waits)
	if err != nil {
		return errors.WithMessagef(err, "%s: task %q", g, t.name)
	}
	g.stats.Launches++
	for ii, v := range t.values {
		if v == nil || !t.source.Params[ii].Access.Writes() {
			continue
		}
		for other, s := range v.states {
			if other != ctx {
				s.Invalidate()
			}
		}
		s := v.states[ctx]
		s.MarkValid()
		s.SetLastWrite(e)
		v.home = ctx
		v.hostValid = false
	}
	return nil
}

// flushToHost copies back the values declared with TransferToHost whose latest
// contents are on a device, and waits for them.
func (g *Graph) flushToHost() error {
	pending := make(map[*device.Context]bool)
	for _, v := range g.order {
		if !v.toHost || v.hostValid || v.home == nil {
			continue
		}
		s := v.states[v.home]
		s.Buffer().EnqueueRead(v.host, v.offset, []stream.Event{s.LastWrite()}, false)
		pending[v.home] = true
		v.hostValid = true
		v.transfersToHost++
		g.stats.TransfersToHost++
	}
	for _, ctx := range g.contexts {
		if pending[ctx] {
			if err := ctx.Sync(); err != nil {
				return errors.WithMessagef(err, "%s: transfers to host", g)
			}
		}
	}
	return nil
}

func (g *Graph) runHostTask(t *task) error {
	if err := g.flushToHost(); err != nil {
		return err
	}
	g.stats.HostTasks++
	if err := t.hostFn(); err != nil {
		return errors.WithMessagef(err, "%s: host task %q", g, t.name)
	}
	return nil
}

func (g *Graph) syncAll() error {
	for _, ctx := range g.contexts {
		if err := ctx.Sync(); err != nil {
			return errors.WithMessagef(err, "%s", g)
		}
	}
	return nil
}

// cleanup is called after a failed execution: it waits for the devices, then
// releases every buffer that is not locked, and leaves locked values without
// valid contents. The host copies become the reference again.
func (g *Graph) cleanup() {
	for _, ctx := range g.contexts {
		if err := ctx.Sync(); err != nil {
			klog.Warningf("%s: while cleaning up after a failed execution: %v", g, err)
		}
	}
	for _, v := range g.order {
		for ctx, s := range v.states {
			switch {
			case s.IsLocked():
				s.Invalidate()
			case s.HasObjectBuffer():
				s.Release().Deallocate()
				delete(v.states, ctx)
			default:
				delete(v.states, ctx)
			}
		}
		v.home = nil
		v.hostValid = true
	}
}
