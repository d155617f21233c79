package backends

import (
	"encoding/binary"
	"fmt"

	"github.com/gomlx/offload/kernels"
)

//go:generate go tool enumer -type=Platform -output=gen_platform_enumer.go capabilities.go

// Platform is the class of accelerator, which selects the launch geometry policy.
type Platform int

const (
	// GPU is a stream-based, massively parallel device.
	GPU Platform = iota

	// FPGA is a queue-based device with a fixed pipeline geometry.
	FPGA
)

// DeviceInfo describes one device and its hardware limits.
type DeviceInfo struct {
	Num      DeviceNum
	Name     string
	Platform Platform

	// ByteOrder is the device's native byte order, used for argument blocks.
	ByteOrder binary.ByteOrder

	// MemoryBytes is the total device memory.
	MemoryBytes int64

	// MaxGrid is the maximum number of blocks per dimension.
	MaxGrid [kernels.MaxDims]int

	// MaxThreadsPerBlock is the per-launch ceiling of work-items in one block.
	MaxThreadsPerBlock int

	// InOrder is set if the device queues execute operations strictly in submission order.
	InOrder bool
}

func (d DeviceInfo) String() string {
	return fmt.Sprintf("device#%d (%s, %s)", d.Num, d.Name, d.Platform)
}
