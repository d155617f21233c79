// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package device

import (
	"fmt"
	"strconv"
	"time"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/offload/stream"
)

var (
	headerRowStyle = lipgloss.NewStyle().Reverse(true).
			Padding(0, 2, 0, 2).Align(lipgloss.Center)
	oddRowStyle = lipgloss.NewStyle().Faint(false).
			PaddingLeft(1).PaddingRight(1)
	evenRowStyle = lipgloss.NewStyle().Faint(true).
			PaddingLeft(1).PaddingRight(1)
	failedRowStyle = lipgloss.NewStyle().
			Foreground(lipgloss.AdaptiveColor{Light: "9", Dark: "9"}).
			Bold(true).
			PaddingLeft(1).PaddingRight(1)
)

// DumpEvents renders the events of the current stream generation as a table.
func (c *Context) DumpEvents() string {
	events := c.stream.Events()
	failed := make(map[int]bool)
	table := lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
		Headers("#", "Event", "Operation", "Name", "Bytes", "Status", "Duration").
		StyleFunc(func(row, col int) (s lipgloss.Style) {
			switch {
			case row < 0:
				return headerRowStyle
			case failed[row]:
				s = failedRowStyle
			case row%2 == 0:
				s = oddRowStyle
			default:
				s = evenRowStyle
			}
			if col == 0 || col == 4 || col == 6 {
				s = s.Align(lipgloss.Right)
			}
			return
		})
	for ii, info := range events {
		if info.Status == stream.Failed {
			failed[ii] = true
		}
		table.Row(strconv.Itoa(ii), info.Event.String(), info.Kind.String(), info.Name,
			humanize.Bytes(uint64(info.Bytes)), info.Status.String(), formatDuration(info.Duration()))
	}
	return fmt.Sprintf("%s: %d events\n%s", c, len(events), table.String())
}

func formatDuration(d time.Duration) string {
	if d == 0 {
		return "-"
	}
	return d.Round(time.Microsecond).String()
}
