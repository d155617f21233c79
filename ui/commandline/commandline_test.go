// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package commandline

import (
	"bytes"
	"os"
	"testing"
	"time"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/offload/backends/simgo"
	"github.com/gomlx/offload/device"
	"github.com/gomlx/offload/kernels"
	"github.com/gomlx/offload/taskgraph"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"k8s.io/klog/v2"
)

var backend *simgo.Backend

func init() {
	klog.InitFlags(nil)
}

func TestMain(m *testing.M) {
	backend = must.M1(simgo.New("gpus=1,memory=16MiB"))
	code := m.Run()
	backend.Finalize()
	os.Exit(code)
}

var incrementKernel = &kernels.Source{
	Name:   "increment",
	Params: []kernels.Param{kernels.InOut("a", dtypes.Int32)},
	Meta:   kernels.Domain1D(256),
	Fn: func(wi kernels.WorkItem, args *kernels.Args) {
		a := kernels.Buffer[int32](args, 0)
		for i := wi.Global[0]; i < len(a); i += wi.GlobalSize[0] {
			a[i]++
		}
	},
}

func newGraph(t *testing.T) (*taskgraph.Graph, []int32) {
	ctx := must.M1(device.NewContext(backend, 0, device.Config{}))
	t.Cleanup(func() { require.NoError(t, ctx.Close()) })
	a := make([]int32, 256)
	g := taskgraph.New("increment").
		TransferToDevice(taskgraph.FirstExecution, a).
		Lock(a).
		Task("increment", ctx, incrementKernel, a).
		TransferToHost(a)
	return g, a
}

func TestRunWithProgressBar(t *testing.T) {
	g, a := newGraph(t)
	var out bytes.Buffer
	calls := 0
	err := runWithProgressBar(&out, g, 5, []ExtraMetricFn{func() (string, string) {
		calls++
		return "Extra metric", "42"
	}})
	require.NoError(t, err)
	require.Equal(t, int32(5), a[0])
	require.Equal(t, int64(5), g.Stats().Executions)
	require.Positive(t, calls)
	text := out.String()
	require.Contains(t, text, "Executions")
	require.Contains(t, text, "5 of 5")
	require.Contains(t, text, "Kernel launches")
	require.Contains(t, text, "Extra metric")
	require.NoError(t, g.UnlockAll())

	require.Error(t, runWithProgressBar(&out, g, 0, nil))
}

func TestRunWithProgressBarFailure(t *testing.T) {
	g, _ := newGraph(t)
	count := 0
	g.HostTask("fail-on-third", func() error {
		count++
		if count == 3 {
			return errors.New("third time")
		}
		return nil
	})
	var out bytes.Buffer
	err := runWithProgressBar(&out, g, 5, nil)
	require.ErrorContains(t, err, "execution 3 of 5")
	require.Equal(t, 3, count)
	require.NoError(t, g.UnlockAll())
}

func TestReportStats(t *testing.T) {
	g, _ := newGraph(t)
	require.NoError(t, g.Execute())
	var out bytes.Buffer
	require.NoError(t, ReportStats(&out, g))
	text := out.String()
	require.Contains(t, text, "Transfers to device")
	require.Contains(t, text, "Mean execution duration")
	require.NoError(t, g.UnlockAll())
}

func TestFormatDuration(t *testing.T) {
	require.Equal(t, "1.235s", FormatDuration(1234567890*time.Nanosecond))
	require.Equal(t, "12.346ms", FormatDuration(12345678*time.Nanosecond))
	require.Equal(t, "999ns", FormatDuration(999*time.Nanosecond))
}
