package simgo

import (
	"github.com/gomlx/offload/backends"
	"github.com/gomlx/offload/kernels"
	"github.com/gomlx/offload/types/kinds"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// launch executes a kernel synchronously: blocks are run on the backend's
// workers pool, the work-items inside a block run sequentially.
func (d *device) launch(m backends.Module, argBlock []byte, grid, block [kernels.MaxDims]int) error {
	mod, ok := m.(*module)
	if !ok || mod == nil {
		return errors.Errorf("%s: cannot launch module %T on %s", BackendName, m, d.info)
	}
	if mod.device != d {
		return errors.Errorf("%s: module %q was loaded on %s, cannot launch on %s",
			BackendName, mod.Name(), mod.device.info, d.info)
	}
	source := mod.source
	threadsPerBlock := 1
	numGroups := 1
	for axis := range kernels.MaxDims {
		if grid[axis] < 1 || grid[axis] > d.info.MaxGrid[axis] {
			return errors.Errorf("%s: kernel %q grid %v out of the limits %v of %s",
				BackendName, source.Name, grid, d.info.MaxGrid, d.info)
		}
		if block[axis] < 1 {
			return errors.Errorf("%s: kernel %q has invalid block %v", BackendName, source.Name, block)
		}
		threadsPerBlock *= block[axis]
		numGroups *= grid[axis]
	}
	if threadsPerBlock > d.info.MaxThreadsPerBlock {
		return errors.Errorf("%s: kernel %q block %v has %d work-items, %s supports at most %d",
			BackendName, source.Name, block, threadsPerBlock, d.info, d.info.MaxThreadsPerBlock)
	}

	raw, err := kernels.UnpackArgs(d.info.ByteOrder, source.Params, argBlock)
	if err != nil {
		return errors.WithMessagef(err, "%s: kernel %q", BackendName, source.Name)
	}
	for ii, p := range source.Params {
		if p.Kind != kernels.BufferParam {
			continue
		}
		ref := raw[ii].(kernels.BufferRef)
		d.memory.mu.Lock()
		a, found := d.memory.allocs[backends.Address(ref.Address)]
		d.memory.mu.Unlock()
		if !found {
			return errors.Wrapf(backends.ErrInvalidAddress, "%s: kernel %q argument #%d (%q) at 0x%x",
				BackendName, source.Name, ii, p.Name, ref.Address)
		}
		data := a.bytes()
		if ref.Bytes > 0 {
			if ref.Bytes > int64(len(data)) {
				return errors.Wrapf(backends.ErrInvalidAddress, "%s: kernel %q argument #%d (%q) of %d bytes at 0x%x, allocation has %d bytes",
					BackendName, source.Name, ii, p.Name, ref.Bytes, ref.Address, len(data))
			}
			data = data[:ref.Bytes]
		}
		raw[ii] = kinds.View(p.DType, data)
	}
	args := kernels.NewArgs(raw...)

	var globalSize [kernels.MaxDims]int
	for axis := range kernels.MaxDims {
		globalSize[axis] = grid[axis] * block[axis]
	}
	if klog.V(3).Enabled() {
		klog.Infof("%s: launching %q on %s: grid=%v, block=%v", BackendName, source.Name, d.info, grid, block)
	}
	err = d.backend.pool.Run(numGroups, func(group int) {
		var wi kernels.WorkItem
		wi.GlobalSize = globalSize
		wi.LocalSize = block
		wi.GroupCount = grid
		wi.Group = unravel(group, grid)
		for local := range threadsPerBlock {
			wi.Local = unravel(local, block)
			for axis := range kernels.MaxDims {
				wi.Global[axis] = wi.Group[axis]*block[axis] + wi.Local[axis]
			}
			source.Fn(wi, args)
		}
	})
	if err != nil {
		return errors.WithMessagef(err, "%s: kernel %q failed", BackendName, source.Name)
	}
	d.backend.stats.launches.Add(1)
	return nil
}

// unravel converts a linear index into coordinates, with the first axis varying fastest.
func unravel(index int, dims [kernels.MaxDims]int) (coords [kernels.MaxDims]int) {
	for axis := range kernels.MaxDims {
		coords[axis] = index % dims[axis]
		index /= dims[axis]
	}
	return
}
