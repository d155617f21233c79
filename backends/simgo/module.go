package simgo

import (
	"github.com/gomlx/offload/backends"
	"github.com/gomlx/offload/kernels"
)

// module implements backends.Module.
type module struct {
	device *device
	source *kernels.Source
}

var _ backends.Module = &module{}

func (m *module) Name() string { return m.source.Name }

func (m *module) Source() *kernels.Source { return m.source }

// MaxBlocks is the device per-block limit, capped by the total work-items of
// the launch.
func (m *module) MaxBlocks(totalThreads int) int {
	return max(min(totalThreads, m.device.info.MaxThreadsPerBlock), 1)
}
