package backends

import (
	"time"

	"github.com/gomlx/offload/kernels"
)

// Completion tracks one operation submitted to a Queue.
type Completion interface {
	// Done returns whether the operation finished, successfully or not.
	Done() bool

	// Wait blocks until the operation finishes and returns its error, if any.
	Wait() error

	// Timing returns when the operation was queued, started and finished.
	// Start and end are zero while the operation hasn't reached that point.
	Timing() (queued, started, ended time.Time)
}

// Queue is an in-order command queue on one device.
//
// All enqueue methods are asynchronous: they return immediately, and the
// operation runs after every operation previously submitted to the same queue,
// and after the completions in waits.
type Queue interface {
	// CopyToDevice copies host into device memory at dst+offset.
	//
	// If pinned is false the host memory is staged at enqueue time, and the caller
	// may reuse it as soon as the call returns. Pinned host memory is read when
	// the copy executes.
	CopyToDevice(dst Address, offset int64, host []byte, pinned bool, waits []Completion) Completion

	// CopyToHost copies len(host) bytes from device memory at src+offset into host.
	// The host slice must not be touched until the completion is done.
	CopyToHost(host []byte, src Address, offset int64, waits []Completion) Completion

	// Launch runs module with the serialized argument block over the given grid of
	// blocks.
	Launch(module Module, argBlock []byte, grid, block [kernels.MaxDims]int, waits []Completion) Completion

	// Barrier returns a completion that finishes after every previous operation and
	// the given waits.
	Barrier(waits []Completion) Completion

	// Synchronize blocks until all submitted operations finish. It returns the first
	// error of an operation since the last Synchronize, if any.
	Synchronize() error

	// Reset drops all pending operations that haven't started. Their completions
	// finish with an error.
	Reset()
}

// Module is a kernel installed on a device.
type Module interface {
	// Name of the kernel.
	Name() string

	// Source the module was loaded from.
	Source() *kernels.Source

	// MaxBlocks returns the largest number of work-items per block the device can
	// run for this kernel, given the total number of work-items of the launch.
	MaxBlocks(totalThreads int) int
}
