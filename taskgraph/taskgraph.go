// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package taskgraph implements the Task Graph Executor: an ordered list of
// kernel tasks, each bound to a device.Context, plus the transfer declarations
// of the host values they use.
//
// A Graph can be executed repeatedly. Values declared with FirstExecution and
// locked values stay resident on the devices across executions, until UnlockAll.
// At most one execution of a Graph is in flight at any time.
//
// Example:
//
//	g := taskgraph.New("scale").
//		TransferToDevice(taskgraph.EveryExecution, a).
//		Task("t0", ctx, initKernel, a).
//		Task("t1", ctx, scaleKernel, a, int32(12)).
//		TransferToHost(a)
//	err := g.Execute()
package taskgraph

import (
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/offload/device"
	"github.com/gomlx/offload/kernels"
	"github.com/gomlx/offload/types/kinds"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

//go:generate go tool enumer -type=State -output=gen_state_enumer.go taskgraph.go

// State of a Graph.
type State int32

const (
	// Built: tasks and transfers declared, nothing executed.
	Built State = iota

	// Warmed: modules compiled and installed, nothing executed.
	Warmed

	// Executing: an Execute call is in flight.
	Executing

	// Idle: ready for the next execution.
	Idle
)

// ErrExecutionInFlight is returned when the graph is used while it's executing.
var ErrExecutionInFlight = errors.New("task graph execution already in flight")

// ErrInvalidBatch is returned by Execute when the batch sizes of the values
// cannot be honored.
var ErrInvalidBatch = errors.New("invalid batch")

// HostFn is the body of a host task.
type HostFn func() error

// task is one unit of work of the graph: a kernel launch on a device, or a
// function on the host.
type task struct {
	name   string
	ctx    *device.Context
	source *kernels.Source
	meta   kernels.Meta
	args   []any    // Host values for buffer parameters, scalars otherwise.
	values []*value // Per argument, nil for scalars.

	hostFn HostFn
}

func (t *task) isHost() bool { return t.hostFn != nil }

// batched returns the first batched value used by the task, or nil.
func (t *task) batched() *value {
	for _, v := range t.values {
		if v != nil && v.isBatched() {
			return v
		}
	}
	return nil
}

// Graph is an ordered list of tasks and the transfer declarations of their values.
type Graph struct {
	id   uuid.UUID
	name string

	state atomic.Int32

	mu       sync.Mutex
	tasks    []*task
	values   map[valueKey]*value
	order    []*value
	contexts []*device.Context

	// selected is the context chosen by ExecuteWithPolicy, if any.
	selected *device.Context

	stats Stats
}

// New creates an empty Graph in the Built state.
func New(name string) *Graph {
	return &Graph{
		id:     uuid.New(),
		name:   name,
		values: make(map[valueKey]*value),
	}
}

// ID uniquely identifies the graph instance.
func (g *Graph) ID() uuid.UUID { return g.id }

// Name of the graph.
func (g *Graph) Name() string { return g.name }

// State returns the current state of the graph.
func (g *Graph) State() State { return State(g.state.Load()) }

func (g *Graph) String() string {
	return fmt.Sprintf("TaskGraph(%q, %s)", g.name, g.id)
}

// checkNotExecuting panics if an execution is in flight: graphs are immutable
// while executing.
func (g *Graph) checkNotExecuting() {
	if g.State() == Executing {
		panic(errors.Wrapf(ErrExecutionInFlight, "%s cannot be modified while executing", g))
	}
}

// valueFor returns the value registered for host, registering it if needed.
func (g *Graph) valueFor(host any) *value {
	key := keyOf(host)
	v, found := g.values[key]
	if !found {
		v = &value{
			key:       key,
			host:      host,
			hostValid: true,
			states:    make(map[*device.Context]*device.ObjectState),
		}
		g.values[key] = v
		g.order = append(g.order, v)
	}
	return v
}

func (g *Graph) addContext(ctx *device.Context) {
	if !slices.Contains(g.contexts, ctx) {
		g.contexts = append(g.contexts, ctx)
	}
}

// TransferToDevice declares host values (flat slices of a supported kind) to be
// copied to the devices of the tasks using them, according to mode.
func (g *Graph) TransferToDevice(mode TransferMode, hostValues ...any) *Graph {
	g.checkNotExecuting()
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, host := range hostValues {
		v := g.valueFor(host)
		v.toDevice = true
		v.mode = mode
	}
	return g
}

// TransferToHost declares host values to be copied back after the tasks run.
func (g *Graph) TransferToHost(hostValues ...any) *Graph {
	g.checkNotExecuting()
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, host := range hostValues {
		g.valueFor(host).toHost = true
	}
	return g
}

// Lock keeps the device copies of the host values resident across executions,
// and marks their host memory as pinned.
func (g *Graph) Lock(hostValues ...any) *Graph {
	g.checkNotExecuting()
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, host := range hostValues {
		g.valueFor(host).locked = true
	}
	return g
}

// SetBatchSize sets the byte size of the device buffers of the host value,
// overriding the size of the host value.
//
// If the host value is larger, it is processed in batches: every execution
// runs the transfers and the tasks once per batch, each time over the next
// bytes of the host value, and the 1-dimensional domain of the tasks using it
// is set to the number of elements of the batch. Batched values are transferred
// on every batch, whatever their TransferMode. All the batched values of a graph
// must be split in the same number of batches, and bytes must be a multiple of
// the element size, or else Execute returns an error wrapping ErrInvalidBatch.
func (g *Graph) SetBatchSize(host any, bytes int64) *Graph {
	g.checkNotExecuting()
	g.mu.Lock()
	defer g.mu.Unlock()
	g.valueFor(host).batchSize = bytes
	return g
}

// Task appends a kernel task running source on ctx.
//
// There must be one argument per kernel parameter: buffer parameters take a host
// value (a flat slice of the parameter kind), scalar parameters a value of
// their kind. The iteration domain is the one of source, see SetDomain.
func (g *Graph) Task(name string, ctx *device.Context, source *kernels.Source, args ...any) *Graph {
	g.checkNotExecuting()
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := source.Validate(); err != nil {
		panic(errors.WithMessagef(err, "%s: invalid kernel for task %q", g, name))
	}
	if len(args) != len(source.Params) {
		exceptions.Panicf("%s: task %q: kernel %q takes %d arguments, %d given",
			g, name, source.Name, len(source.Params), len(args))
	}
	t := &task{
		name:   name,
		ctx:    ctx,
		source: source,
		meta:   source.Meta.Clone(),
		args:   args,
		values: make([]*value, len(args)),
	}
	for ii, p := range source.Params {
		if p.Kind != kernels.BufferParam {
			continue
		}
		if kind := kinds.Of(args[ii]); kind != p.DType {
			exceptions.Panicf("%s: task %q argument #%d (%q) must be a flat slice of %s, got %T",
				g, name, ii, p.Name, p.DType, args[ii])
		}
		t.values[ii] = g.valueFor(args[ii])
	}
	g.tasks = append(g.tasks, t)
	g.addContext(ctx)
	return g
}

// HostTask appends a task running fn on the host. Values declared with
// TransferToHost are up-to-date on the host when fn runs.
func (g *Graph) HostTask(name string, fn HostFn) *Graph {
	g.checkNotExecuting()
	g.mu.Lock()
	defer g.mu.Unlock()
	g.tasks = append(g.tasks, &task{name: name, hostFn: fn})
	return g
}

// SetDomain changes the iteration domain of the named task for the next
// executions: the launch geometry is recomputed on every execution.
func (g *Graph) SetDomain(taskName string, cardinalities ...int) error {
	if g.State() == Executing {
		return errors.Wrapf(ErrExecutionInFlight, "%s: cannot change domain of task %q", g, taskName)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, t := range g.tasks {
		if t.name != taskName || t.isHost() {
			continue
		}
		meta := t.meta.Clone()
		meta.Dims = len(cardinalities)
		meta.Domain = slices.Clone(cardinalities)
		if meta.WorkerGrid != nil {
			meta.WorkerGrid.GlobalWork = nil
		}
		if err := meta.Validate(); err != nil {
			return errors.WithMessagef(err, "%s: task %q", g, taskName)
		}
		t.meta = meta
		return nil
	}
	return errors.Errorf("%s: no kernel task named %q", g, taskName)
}

// Warmup compiles and installs the modules of all tasks, without executing.
func (g *Graph) Warmup() error {
	if !g.state.CompareAndSwap(int32(Built), int32(Executing)) {
		if g.State() == Executing {
			return errors.Wrapf(ErrExecutionInFlight, "%s: warmup", g)
		}
		return nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	err := g.compile()
	if err != nil {
		g.state.Store(int32(Built))
		return err
	}
	g.state.Store(int32(Warmed))
	return nil
}

func (g *Graph) compile() error {
	for _, t := range g.tasks {
		if t.isHost() || !t.ctx.ShouldCompile(t.source.Name) {
			continue
		}
		if _, err := t.ctx.InstallCode(t.source); err != nil {
			return errors.WithMessagef(err, "%s: task %q", g, t.name)
		}
	}
	return nil
}

// UnlockAll releases the device copies of all values, locked or resident, and
// forgets about the previous executions: FirstExecution values will be
// transferred again, and ExecuteWithPolicy selects a context again.
func (g *Graph) UnlockAll() error {
	state := g.State()
	if state == Executing || !g.state.CompareAndSwap(int32(state), int32(Executing)) {
		return errors.Wrapf(ErrExecutionInFlight, "%s: UnlockAll", g)
	}
	defer g.state.Store(int32(state))
	g.mu.Lock()
	defer g.mu.Unlock()
	var firstErr error
	for _, ctx := range g.contexts {
		if err := ctx.Sync(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for _, v := range g.order {
		v.release()
		v.locked = false
		v.hostValid = true
	}
	g.selected = nil
	return firstErr
}

// Stats of the executions of a Graph.
type Stats struct {
	Executions        int64
	TransfersToDevice int64
	TransfersToHost   int64
	StagedTransfers   int64 // Cross-device transfers through the host.
	Launches          int64
	HostTasks         int64
	Selections        int64 // Contexts selected by ExecuteWithPolicy.
	LastDuration      time.Duration
	TotalDuration     time.Duration
}

// Stats returns the counters of the executions so far.
func (g *Graph) Stats() Stats {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.stats
}

// TransfersToDevice returns how many times the host value was copied to a device.
func (g *Graph) TransfersToDevice(host any) int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	if v, found := g.values[keyOf(host)]; found {
		return v.transfersToDevice
	}
	return 0
}

// TransfersToHost returns how many times the host value was copied back from a device.
func (g *Graph) TransfersToHost(host any) int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	if v, found := g.values[keyOf(host)]; found {
		return v.transfersToHost
	}
	return 0
}

// Execute runs the graph once: transfers to the devices, tasks in declaration
// order, and transfers back to the host. It blocks until everything completes.
//
// Resource errors (e.g. out of device memory), device failures and task errors
// are returned. Contract violations panic. In both cases the device buffers
// that are not resident are released, and locked values are left without
// valid contents.
//
// It returns an error wrapping ErrExecutionInFlight if the graph is already
// executing.
func (g *Graph) Execute() error {
	previous, err := g.begin()
	if err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	final := previous
	defer func() { g.state.Store(int32(final)) }()
	if err := g.run(); err != nil {
		return err
	}
	final = Idle
	return nil
}

// begin moves the graph to the Executing state, and returns the previous state.
func (g *Graph) begin() (State, error) {
	for {
		previous := g.State()
		if previous == Executing {
			return previous, errors.Wrapf(ErrExecutionInFlight, "%s", g)
		}
		if g.state.CompareAndSwap(int32(previous), int32(Executing)) {
			return previous, nil
		}
	}
}

// run executes the graph once, with g.mu held and in the Executing state. On
// failure it cleans up, and contract violations are panicked again.
func (g *Graph) run() error {
	start := time.Now()
	var err error
	exception := exceptions.Try(func() { err = g.execute() })
	if exception != nil || err != nil {
		g.cleanup()
		if exception != nil {
			klog.Errorf("%s: execution failed with a contract violation: %v", g, exception)
			panic(exception)
		}
		return err
	}
	elapsed := time.Since(start)
	g.stats.Executions++
	g.stats.LastDuration = elapsed
	g.stats.TotalDuration += elapsed
	if klog.V(1).Enabled() {
		klog.Infof("%s: execution #%d took %s", g, g.stats.Executions, elapsed)
	}
	return nil
}
