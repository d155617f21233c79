// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package taskgraph

import (
	"slices"
	"time"

	"github.com/gomlx/offload/device"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

//go:generate go tool enumer -type=Policy -trimprefix=Policy -output=gen_policy_enumer.go policy.go

// Policy selects the context a graph runs on, see Graph.ExecuteWithPolicy.
type Policy int

const (
	// PolicyPerformance selects the context with the shortest execution, once
	// the kernels are installed.
	PolicyPerformance Policy = iota

	// PolicyEndToEnd selects the context with the shortest first execution,
	// including the installation of the kernels.
	PolicyEndToEnd
)

// ErrNoCandidates is returned by ExecuteWithPolicy when no context is given.
var ErrNoCandidates = errors.New("no candidate context")

// ExecuteWithPolicy executes the graph with all its kernel tasks moved to the
// candidate context selected by policy, and returns that context.
//
// The first call executes the graph once on every candidate, timing each
// execution, and keeps the kernel tasks on the fastest one. The device copies
// left on the other candidates are released when the host or the selected
// context holds the latest contents. The following calls execute on the
// selected context directly, until UnlockAll or until it is no longer among the
// candidates.
//
// The graph runs once per candidate during the selection, so it should be
// idempotent: e.g. its inputs transferred with EveryExecution.
//
// Errors and panics are handled as in Execute: a failing candidate aborts the
// selection.
func (g *Graph) ExecuteWithPolicy(policy Policy, candidates ...*device.Context) (*device.Context, error) {
	if len(candidates) == 0 {
		return nil, errors.Wrapf(ErrNoCandidates, "%s: ExecuteWithPolicy(%s)", g, policy)
	}
	previous, err := g.begin()
	if err != nil {
		return nil, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	final := previous
	defer func() { g.state.Store(int32(final)) }()

	if g.selected != nil && slices.Contains(candidates, g.selected) {
		g.bind(g.selected)
		if err := g.run(); err != nil {
			return nil, err
		}
		final = Idle
		return g.selected, nil
	}

	g.selected = nil
	var (
		best     *device.Context
		bestTime time.Duration
	)
	for _, ctx := range candidates {
		g.bind(ctx)
		if policy == PolicyPerformance {
			if err := g.compile(); err != nil {
				return nil, err
			}
		}
		if err := g.run(); err != nil {
			return nil, errors.WithMessagef(err, "%s: %s candidate %s", g, policy, ctx)
		}
		elapsed := g.stats.LastDuration
		klog.V(1).Infof("%s: %s candidate %s took %s", g, policy, ctx, elapsed)
		if best == nil || elapsed < bestTime {
			best, bestTime = ctx, elapsed
		}
	}
	g.bind(best)
	g.releaseOutside(best)
	g.selected = best
	g.stats.Selections++
	klog.V(1).Infof("%s: %s selected %s (%s)", g, policy, best, bestTime)
	final = Idle
	return best, nil
}

// bind moves every kernel task to ctx.
func (g *Graph) bind(ctx *device.Context) {
	for _, t := range g.tasks {
		if !t.isHost() {
			t.ctx = ctx
		}
	}
	g.addContext(ctx)
}

// releaseOutside deallocates the device copies of the values on every context
// other than ctx, except the ones holding the only up-to-date contents.
func (g *Graph) releaseOutside(ctx *device.Context) {
	for _, v := range g.order {
		for other, s := range v.states {
			if other == ctx || (v.home == other && !v.hostValid) {
				continue
			}
			if s.HasObjectBuffer() {
				if s.IsLocked() {
					s.Unlock()
				}
				s.Release().Deallocate()
			}
			delete(v.states, other)
		}
	}
}
