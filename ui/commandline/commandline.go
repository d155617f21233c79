// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package commandline contains convenience tools to run task graphs from the
// command line, and report on their executions.
package commandline

import (
	"fmt"
	"io"
	"time"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/offload/taskgraph"
)

var (
	normalStyle       = lipgloss.NewStyle().Padding(0, 1)
	rightAlignedStyle = lipgloss.NewStyle().Align(lipgloss.Right).Padding(0, 1)
	tableBorderColor  = "#705090"
)

func newStatsTable() *lgtable.Table {
	return lgtable.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color(tableBorderColor))).
		StyleFunc(func(row, col int) lipgloss.Style {
			if col == 0 {
				return rightAlignedStyle
			}
			return normalStyle
		})
}

// statsRows appends the counters of stats to table.
func statsRows(table *lgtable.Table, stats taskgraph.Stats) {
	table.Row("Transfers to device", humanize.Comma(stats.TransfersToDevice))
	table.Row("Transfers to host", humanize.Comma(stats.TransfersToHost))
	if stats.StagedTransfers > 0 {
		table.Row("Staged through host", humanize.Comma(stats.StagedTransfers))
	}
	table.Row("Kernel launches", humanize.Comma(stats.Launches))
	if stats.HostTasks > 0 {
		table.Row("Host tasks", humanize.Comma(stats.HostTasks))
	}
	if stats.Selections > 0 {
		table.Row("Device selections", humanize.Comma(stats.Selections))
	}
}

// ReportStats writes to w a table with the execution counters of g.
func ReportStats(w io.Writer, g *taskgraph.Graph) error {
	stats := g.Stats()
	table := newStatsTable()
	table.Row("Executions", humanize.Comma(stats.Executions))
	statsRows(table, stats)
	if stats.Executions > 0 {
		table.Row("Mean execution duration", FormatDuration(stats.TotalDuration/time.Duration(stats.Executions)))
	}
	_, err := fmt.Fprintf(w, "%s:\n%s\n", g, table.String())
	return err
}

// FormatDuration pretty prints duration with at most 3 significant digits
// after the decimal point.
func FormatDuration(d time.Duration) string {
	switch {
	case d >= time.Second:
		return d.Round(time.Millisecond).String()
	case d >= time.Millisecond:
		return d.Round(time.Microsecond).String()
	case d >= time.Microsecond:
		return d.Round(time.Nanosecond).String()
	}
	return d.String()
}
