// Package backends defines the boundary between the offload runtime and the
// accelerator drivers: allocation of device memory, in-order command queues for
// transfers and kernel launches, and kernel module loading.
//
// The device contexts (package device) and execution streams (package stream)
// are the only components calling a Backend directly.
//
// Backends register themselves with Register, and are created from a
// configuration string with New or NewWithConfig.
package backends

import (
	"os"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/offload/kernels"
	"github.com/pkg/errors"
)

// DeviceNum represents which device holds a buffer, or should execute a kernel.
// It must be between 0 and Backend.NumDevices()-1.
type DeviceNum int

// Address is an opaque device memory handle, as returned by Backend.Allocate.
type Address uint64

// NullAddress is never returned by a successful allocation.
const NullAddress Address = 0

var (
	// ErrOutOfDeviceMemory is returned when the device can't satisfy an allocation.
	ErrOutOfDeviceMemory = errors.New("out of device memory")

	// ErrInvalidAddress is returned when a device address is not a live allocation.
	ErrInvalidAddress = errors.New("invalid device address")

	// ErrInvalidDevice is returned for a DeviceNum out of range.
	ErrInvalidDevice = errors.New("invalid device number")

	// ErrNotImplemented is returned for operations a backend or platform doesn't support.
	ErrNotImplemented = errors.New("not implemented")
)

// Backend is the API a driver needs to implement.
type Backend interface {
	// Name returns the short name of the backend. E.g.: "simgo".
	Name() string

	// Description is a longer description of the Backend that can be used to pretty-print.
	Description() string

	// NumDevices returns the number of devices available for this Backend.
	NumDevices() int

	// Device returns the description and hardware limits of the given device.
	Device(deviceNum DeviceNum) (DeviceInfo, error)

	// Allocate reserves bytes of device memory.
	// It returns an error wrapping ErrOutOfDeviceMemory if the device is full.
	Allocate(deviceNum DeviceNum, bytes int64) (Address, error)

	// Free releases memory returned by Allocate.
	Free(deviceNum DeviceNum, addr Address) error

	// NewQueue creates a new in-order command queue on the device.
	NewQueue(deviceNum DeviceNum) (Queue, error)

	// LoadModule installs the compiled kernel on the device.
	LoadModule(deviceNum DeviceNum, source *kernels.Source) (Module, error)

	// Finalize releases all the associated resources immediately, and makes the backend invalid.
	Finalize()
}

// Constructor takes a config string (optionally empty) and returns a Backend.
type Constructor func(config string) (Backend, error)

var (
	registeredConstructors = make(map[string]Constructor)
	firstRegistered        string
)

// Register backend with the given name, and a default constructor that takes as input a configuration string that is
// passed along to the backend constructor.
//
// To be safe, call Register during initialization of a package.
func Register(name string, constructor Constructor) {
	if len(registeredConstructors) == 0 {
		firstRegistered = name
	}
	registeredConstructors[name] = constructor
}

// List the registered backends.
func List() []string {
	names := make([]string, 0, len(registeredConstructors))
	for name := range registeredConstructors {
		names = append(names, name)
	}
	return names
}

// DefaultConfig is the name of the default backend configuration to use if specified.
//
// See NewWithConfig for the format of the configuration string.
var DefaultConfig string

// ConfigEnvVar is the environment variable with the default backend configuration to use.
//
// The format of config is "<backend_name>:<backend_configuration>".
const ConfigEnvVar = "OFFLOAD_BACKEND"

// New returns a new default Backend.
//
// The default is:
//
// 1. The environment OFFLOAD_BACKEND is used as a configuration if defined.
// 2. Next the variable DefaultConfig is used as a configuration if defined.
// 3. The first registered backend is used with an empty configuration.
func New() (Backend, error) {
	config, found := os.LookupEnv(ConfigEnvVar)
	if found {
		return NewWithConfig(config)
	}
	if DefaultConfig != "" {
		return NewWithConfig(DefaultConfig)
	}
	return NewWithConfig("")
}

// MustNew is like New, but panics on error.
func MustNew() Backend {
	backend, err := New()
	if err != nil {
		exceptions.Panicf("failed to create backend: %+v", err)
	}
	return backend
}

// NewWithConfig takes a configurations string formated as
// "<backend_name>:<backend_configuration>".
// The "<backend_name>" is the name of a registered backend (e.g.: "simgo") and
// "<backend_configuration>" is backend specific.
func NewWithConfig(config string) (Backend, error) {
	if len(registeredConstructors) == 0 {
		return nil, errors.New(`no registered backends -- maybe import the simulated one with import _ "github.com/gomlx/offload/backends/simgo"?`)
	}
	backendName := firstRegistered
	backendConfig := config
	if idx := strings.Index(config, ":"); idx != -1 {
		backendName = config[:idx]
		backendConfig = config[idx+1:]
	} else if _, found := registeredConstructors[config]; found {
		backendName = config
		backendConfig = ""
	}
	constructor, found := registeredConstructors[backendName]
	if !found {
		return nil, errors.Errorf("can't find backend %q for configuration %q given", backendName, config)
	}
	backend, err := constructor(backendConfig)
	if err != nil {
		return nil, errors.WithMessagef(err, "while creating backend %q", backendName)
	}
	return backend, nil
}
