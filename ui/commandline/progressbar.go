// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package commandline

import (
	"fmt"
	"io"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/offload/taskgraph"
	"github.com/muesli/termenv"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
)

// ExtraMetricFn is any function that will give extra values to display along the progress bar.
// It is called at each time the progress bar is updated, and it should return a name and the current value.
type ExtraMetricFn func() (name, value string)

// ProgressbarStyle to use. Defaults to the ASCII version.
// Consider "progressbar.ThemeUnicode" for a prettier version.
var ProgressbarStyle = progressbar.ThemeASCII

// maxUpdateFrequency is the time between updates to the commandline display of stats.
const maxUpdateFrequency = time.Millisecond * 200

type progressBarUpdate struct {
	amount     int
	executions int
	stats      taskgraph.Stats
	median     time.Duration
}

// progressBar holds a progressbar being displayed, and the stats table redrawn above it.
type progressBar struct {
	w          io.Writer
	numSteps   int
	bar        *progressbar.ProgressBar
	termenv    *termenv.Output
	statsStyle lipgloss.Style
	statsTable *lgtable.Table

	isFirstOutput bool
	linesPrinted  int
	updates       chan progressBarUpdate
	done          sync.WaitGroup

	extraMetricFns []ExtraMetricFn
}

// Write implements io.Writer, and erases the rest of the line after each write
// of the enclosed progressbar.ProgressBar.
func (pBar *progressBar) Write(data []byte) (n int, err error) {
	n, err = pBar.w.Write(data)
	if err != nil {
		return n, err
	}
	_, err = pBar.w.Write([]byte("\033[J"))
	return
}

func newProgressBar(w io.Writer, numSteps int, extraMetrics []ExtraMetricFn) *progressBar {
	pBar := &progressBar{
		w:              w,
		numSteps:       numSteps,
		termenv:        termenv.NewOutput(w),
		statsStyle:     lipgloss.NewStyle().PaddingLeft(8),
		statsTable:     newStatsTable(),
		isFirstOutput:  true,
		updates:        make(chan progressBarUpdate, 100), // Large buffer so executions are not blocked.
		extraMetricFns: extraMetrics,
	}
	pBar.bar = progressbar.NewOptions(numSteps,
		progressbar.OptionSetDescription("      [bold]"),
		progressbar.OptionUseANSICodes(true),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("execs"),
		progressbar.OptionSetTheme(ProgressbarStyle),
		progressbar.OptionSetWriter(pBar),
	)
	pBar.done.Add(1)
	go pBar.drawLoop()
	return pBar
}

// drawLoop asynchronously draws the updates, so a slow terminal doesn't slow
// down the executions.
func (pBar *progressBar) drawLoop() {
	defer pBar.done.Done()
	for update := range pBar.updates {
		amount := update.amount
	exhaust:
		for {
			select {
			case newUpdate, ok := <-pBar.updates:
				if !ok {
					break exhaust
				}
				amount += newUpdate.amount
				update = newUpdate
			default:
				break exhaust
			}
		}
		pBar.draw(update, amount)
		time.Sleep(maxUpdateFrequency)
	}
}

func (pBar *progressBar) draw(update progressBarUpdate, amount int) {
	pBar.statsTable.Data(lgtable.NewStringData())
	pBar.statsTable.Row("Executions", fmt.Sprintf("%s of %s",
		humanize.Comma(int64(update.executions)), humanize.Comma(int64(pBar.numSteps))))
	pBar.statsTable.Row("Median execution duration", FormatDuration(update.median))
	statsRows(pBar.statsTable, update.stats)
	for _, extraMetric := range pBar.extraMetricFns {
		name, value := extraMetric()
		pBar.statsTable.Row(name, value)
	}
	rendered := pBar.statsStyle.Render(pBar.statsTable.String())

	// Move back over the previous print out, so it is overwritten.
	pBar.termenv.HideCursor()
	if !pBar.isFirstOutput {
		pBar.termenv.CursorPrevLine(pBar.linesPrinted)
	}
	pBar.isFirstOutput = false
	pBar.linesPrinted = lipgloss.Height(rendered) + 1
	_, _ = fmt.Fprintln(pBar.w, rendered)
	_ = pBar.bar.Add(amount)
	_, _ = fmt.Fprintln(pBar.w)
	pBar.termenv.ShowCursor()
}

func (pBar *progressBar) finish() {
	close(pBar.updates)
	pBar.done.Wait()
	pBar.termenv.ShowCursor()
	_, _ = fmt.Fprintln(pBar.w)
}

// RunWithProgressBar executes g numExecutions times, displaying on the
// terminal a progress bar and a table with the execution counters of g.
//
// Optionally, one can provide extraMetrics: functions that are called at every update of
// the progress bar and should return a name (title) and a value to be included in the
// updated print-out.
//
// It stops at the first failed execution, and returns its error.
func RunWithProgressBar(g *taskgraph.Graph, numExecutions int, extraMetrics ...ExtraMetricFn) error {
	return runWithProgressBar(os.Stdout, g, numExecutions, extraMetrics)
}

func runWithProgressBar(w io.Writer, g *taskgraph.Graph, numExecutions int, extraMetrics []ExtraMetricFn) error {
	if numExecutions <= 0 {
		return errors.Errorf("%s: invalid number of executions %d", g, numExecutions)
	}
	pBar := newProgressBar(w, numExecutions, extraMetrics)
	defer pBar.finish()
	durations := make([]time.Duration, 0, numExecutions)
	for ii := range numExecutions {
		start := time.Now()
		if err := g.Execute(); err != nil {
			return errors.WithMessagef(err, "execution %d of %d", ii+1, numExecutions)
		}
		durations = append(durations, time.Since(start))
		pBar.updates <- progressBarUpdate{
			amount:     1,
			executions: ii + 1,
			stats:      g.Stats(),
			median:     median(durations),
		}
	}
	return nil
}

func median(durations []time.Duration) time.Duration {
	if len(durations) == 0 {
		return 0
	}
	sorted := slices.Clone(durations)
	slices.Sort(sorted)
	return sorted[len(sorted)/2]
}
