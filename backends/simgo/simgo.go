// Package simgo implements a simulated accelerator backend that runs entirely
// in the Go process: device memory is Go memory, command queues are goroutines,
// and kernels are executed by a pool of workers, one work-group at a time.
//
// It exposes GPU-class and FPGA-class devices with configurable hardware limits,
// which makes it suitable to test the runtime orchestration on any machine.
//
// Configuration is a comma-separated list of options, e.g. "simgo:gpus=2,fpgas=0,memory=64MiB":
//
//   - gpus=N: number of GPU-class devices (default 1).
//   - fpgas=N: number of FPGA-class devices (default 1), numbered after the GPUs.
//   - memory=SIZE: memory of each device, in humanized bytes (default 1GiB).
//   - maxthreads=N: maximum work-items per block (default 1024).
//   - maxgrid=X/Y/Z: maximum number of blocks per dimension (default 2147483647/65535/65535).
//   - byteorder=little|big: native byte order of the devices (default little).
//   - parallelism=N: work-groups executed in parallel, 0 to run inline, -1 for unlimited (default NumCPU).
package simgo

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/offload/backends"
	"github.com/gomlx/offload/internal/workerspool"
	"github.com/gomlx/offload/kernels"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// BackendName to be used in OFFLOAD_BACKEND to specify this backend.
const BackendName = "simgo"

// Registers New() as the constructor for the "simgo" backend.
func init() {
	backends.Register(BackendName, func(config string) (backends.Backend, error) {
		return New(config)
	})
}

// Backend implements the backends.Backend interface.
type Backend struct {
	devices []*device
	pool    *workerspool.Pool

	mu        sync.Mutex
	queues    []*queue
	finalized bool

	stats counters
}

// Compile-time check that simgo.Backend implements backends.Backend.
var _ backends.Backend = &Backend{}

type options struct {
	numGPUs, numFPGAs  int
	memory             int64
	maxThreadsPerBlock int
	maxGrid            [kernels.MaxDims]int
	byteOrder          binary.ByteOrder
	parallelism        int
}

func defaultOptions() options {
	return options{
		numGPUs:            1,
		numFPGAs:           1,
		memory:             1 << 30,
		maxThreadsPerBlock: 1024,
		maxGrid:            [kernels.MaxDims]int{2147483647, 65535, 65535},
		byteOrder:          binary.LittleEndian,
		parallelism:        -2, // Means default.
	}
}

func parseOptions(config string) (options, error) {
	opts := defaultOptions()
	for _, part := range strings.Split(config, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key, value, found := strings.Cut(part, "=")
		if !found {
			return opts, errors.Errorf("invalid option %q for %s backend, expected <key>=<value>", part, BackendName)
		}
		var err error
		switch key {
		case "gpus":
			opts.numGPUs, err = strconv.Atoi(value)
		case "fpgas":
			opts.numFPGAs, err = strconv.Atoi(value)
		case "memory":
			var bytes uint64
			bytes, err = humanize.ParseBytes(value)
			opts.memory = int64(bytes)
		case "maxthreads":
			opts.maxThreadsPerBlock, err = strconv.Atoi(value)
		case "maxgrid":
			dims := strings.Split(value, "/")
			if len(dims) != kernels.MaxDims {
				return opts, errors.Errorf("option maxgrid=%q must have %d dimensions separated by '/'", value, kernels.MaxDims)
			}
			for ii, dim := range dims {
				opts.maxGrid[ii], err = strconv.Atoi(dim)
				if err != nil {
					break
				}
			}
		case "byteorder":
			switch value {
			case "little":
				opts.byteOrder = binary.LittleEndian
			case "big":
				opts.byteOrder = binary.BigEndian
			default:
				err = errors.Errorf("unknown byte order %q", value)
			}
		case "parallelism":
			opts.parallelism, err = strconv.Atoi(value)
		default:
			return opts, errors.Errorf("unknown configuration option %q for %s backend", key, BackendName)
		}
		if err != nil {
			return opts, errors.Wrapf(err, "invalid value for option %q of %s backend", key, BackendName)
		}
	}
	if opts.numGPUs < 0 || opts.numFPGAs < 0 || opts.numGPUs+opts.numFPGAs == 0 {
		return opts, errors.Errorf("%s backend needs at least one device, got gpus=%d, fpgas=%d",
			BackendName, opts.numGPUs, opts.numFPGAs)
	}
	if opts.maxThreadsPerBlock <= 0 || opts.memory <= 0 {
		return opts, errors.Errorf("%s backend needs positive maxthreads and memory", BackendName)
	}
	for _, g := range opts.maxGrid {
		if g <= 0 {
			return opts, errors.Errorf("%s backend needs a positive maxgrid, got %v", BackendName, opts.maxGrid)
		}
	}
	return opts, nil
}

// New constructs a new simulated Backend from the configuration options
// described in the package documentation.
func New(config string) (*Backend, error) {
	opts, err := parseOptions(config)
	if err != nil {
		return nil, err
	}
	b := &Backend{}
	if opts.parallelism == -2 {
		b.pool = workerspool.New()
	} else {
		b.pool = workerspool.NewWithParallelism(opts.parallelism)
	}
	numDevices := opts.numGPUs + opts.numFPGAs
	for ii := range numDevices {
		info := backends.DeviceInfo{
			Num:                backends.DeviceNum(ii),
			Platform:           backends.GPU,
			ByteOrder:          opts.byteOrder,
			MemoryBytes:        opts.memory,
			MaxGrid:            opts.maxGrid,
			MaxThreadsPerBlock: opts.maxThreadsPerBlock,
			InOrder:            true,
		}
		if ii >= opts.numGPUs {
			info.Platform = backends.FPGA
		}
		info.Name = fmt.Sprintf("simgo-%s-%d", strings.ToLower(info.Platform.String()), ii)
		b.devices = append(b.devices, newDevice(b, info))
	}
	klog.V(1).Infof("%s backend created with %d devices, %s each", BackendName, numDevices,
		humanize.IBytes(uint64(opts.memory)))
	return b, nil
}

// Name returns the short name of the backend.
func (b *Backend) Name() string { return BackendName }

// String implements fmt.Stringer.
func (b *Backend) String() string { return BackendName }

// Description is a longer description of the Backend that can be used to pretty-print.
func (b *Backend) Description() string {
	return fmt.Sprintf("Simulated in-process accelerators (%d devices)", len(b.devices))
}

// NumDevices returns the number of devices available for this Backend.
func (b *Backend) NumDevices() int { return len(b.devices) }

func (b *Backend) device(deviceNum backends.DeviceNum) (*device, error) {
	if deviceNum < 0 || int(deviceNum) >= len(b.devices) {
		return nil, errors.Wrapf(backends.ErrInvalidDevice, "%s backend has %d devices, got device #%d",
			BackendName, len(b.devices), deviceNum)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.finalized {
		return nil, errors.Errorf("%s backend already finalized", BackendName)
	}
	return b.devices[deviceNum], nil
}

// Device returns the description and limits of the device.
func (b *Backend) Device(deviceNum backends.DeviceNum) (backends.DeviceInfo, error) {
	d, err := b.device(deviceNum)
	if err != nil {
		return backends.DeviceInfo{}, err
	}
	return d.info, nil
}

// Allocate implements backends.Backend.
func (b *Backend) Allocate(deviceNum backends.DeviceNum, bytes int64) (backends.Address, error) {
	d, err := b.device(deviceNum)
	if err != nil {
		return backends.NullAddress, err
	}
	return d.memory.allocate(bytes)
}

// Free implements backends.Backend.
func (b *Backend) Free(deviceNum backends.DeviceNum, addr backends.Address) error {
	d, err := b.device(deviceNum)
	if err != nil {
		return err
	}
	return d.memory.free(addr)
}

// NewQueue implements backends.Backend.
func (b *Backend) NewQueue(deviceNum backends.DeviceNum) (backends.Queue, error) {
	d, err := b.device(deviceNum)
	if err != nil {
		return nil, err
	}
	q := newQueue(d)
	b.mu.Lock()
	b.queues = append(b.queues, q)
	b.mu.Unlock()
	return q, nil
}

// LoadModule implements backends.Backend.
func (b *Backend) LoadModule(deviceNum backends.DeviceNum, source *kernels.Source) (backends.Module, error) {
	d, err := b.device(deviceNum)
	if err != nil {
		return nil, err
	}
	if err := source.Validate(); err != nil {
		return nil, errors.WithMessagef(err, "%s: cannot load module on %s", BackendName, d.info)
	}
	return &module{device: d, source: source}, nil
}

// Finalize stops all queues and releases the device memory.
func (b *Backend) Finalize() {
	b.mu.Lock()
	if b.finalized {
		b.mu.Unlock()
		return
	}
	b.finalized = true
	queues := b.queues
	b.queues = nil
	b.mu.Unlock()
	for _, q := range queues {
		q.close()
	}
	for _, d := range b.devices {
		d.memory.freeAll()
	}
}

// Stats holds the counters of operations executed by the backend.
type Stats struct {
	CopiesToDevice, BytesToDevice int64
	CopiesToHost, BytesToHost     int64
	Launches                      int64
}

type counters struct {
	copiesToDevice, bytesToDevice atomic.Int64
	copiesToHost, bytesToHost     atomic.Int64
	launches                      atomic.Int64
}

// Stats returns a snapshot of the operation counters.
func (b *Backend) Stats() Stats {
	return Stats{
		CopiesToDevice: b.stats.copiesToDevice.Load(),
		BytesToDevice:  b.stats.bytesToDevice.Load(),
		CopiesToHost:   b.stats.copiesToHost.Load(),
		BytesToHost:    b.stats.bytesToHost.Load(),
		Launches:       b.stats.launches.Load(),
	}
}

// MemoryInUse returns the bytes currently allocated on the device.
func (b *Backend) MemoryInUse(deviceNum backends.DeviceNum) int64 {
	d, err := b.device(deviceNum)
	if err != nil {
		return 0
	}
	return d.memory.inUse()
}
