package simgo

import (
	"sync"
	"unsafe"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/offload/backends"
	"github.com/pkg/errors"
)

// addressAlignment of the simulated device addresses.
const addressAlignment = 256

// device is one simulated accelerator.
type device struct {
	backend *Backend
	info    backends.DeviceInfo
	memory  *deviceMemory
}

func newDevice(b *Backend, info backends.DeviceInfo) *device {
	return &device{
		backend: b,
		info:    info,
		memory: &deviceMemory{
			capacity: info.MemoryBytes,
			nextAddr: addressAlignment,
			allocs:   make(map[backends.Address]*allocation),
		},
	}
}

// allocation is backed by a []uint64, so any view over it is aligned for every
// supported element kind.
type allocation struct {
	words []uint64
	size  int64
}

func (a *allocation) bytes() []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(unsafe.SliceData(a.words))), a.size)
}

// deviceMemory accounts for the memory of one device. Addresses are never reused,
// so a stale address is always detected.
type deviceMemory struct {
	mu       sync.Mutex
	capacity int64
	used     int64
	nextAddr backends.Address
	allocs   map[backends.Address]*allocation
}

func (m *deviceMemory) allocate(bytes int64) (backends.Address, error) {
	if bytes <= 0 {
		return backends.NullAddress, errors.Errorf("%s: cannot allocate %d bytes", BackendName, bytes)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.used+bytes > m.capacity {
		return backends.NullAddress, errors.Wrapf(backends.ErrOutOfDeviceMemory,
			"%s: requested %s with %s of %s in use", BackendName,
			humanize.IBytes(uint64(bytes)), humanize.IBytes(uint64(m.used)), humanize.IBytes(uint64(m.capacity)))
	}
	addr := m.nextAddr
	m.nextAddr += backends.Address((bytes + addressAlignment - 1) / addressAlignment * addressAlignment)
	m.allocs[addr] = &allocation{
		words: make([]uint64, (bytes+7)/8),
		size:  bytes,
	}
	m.used += bytes
	return addr, nil
}

func (m *deviceMemory) free(addr backends.Address) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, found := m.allocs[addr]
	if !found {
		return errors.Wrapf(backends.ErrInvalidAddress, "%s: free of address 0x%x", BackendName, uint64(addr))
	}
	delete(m.allocs, addr)
	m.used -= a.size
	return nil
}

func (m *deviceMemory) freeAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	clear(m.allocs)
	m.used = 0
}

func (m *deviceMemory) inUse() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.used
}

// resolve returns the n bytes of device memory starting at addr+offset.
func (m *deviceMemory) resolve(addr backends.Address, offset, n int64) ([]byte, error) {
	m.mu.Lock()
	a, found := m.allocs[addr]
	m.mu.Unlock()
	if !found {
		return nil, errors.Wrapf(backends.ErrInvalidAddress, "%s: address 0x%x", BackendName, uint64(addr))
	}
	if offset < 0 || n < 0 || offset+n > a.size {
		return nil, errors.Wrapf(backends.ErrInvalidAddress,
			"%s: range [%d, %d) out of bounds for allocation 0x%x of %d bytes",
			BackendName, offset, offset+n, uint64(addr), a.size)
	}
	return a.bytes()[offset : offset+n], nil
}
