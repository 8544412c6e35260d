// Package cli renders owner-side fleet views and node statistics for the
// sds command line tools.
package cli

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/pmonclus/sds/pkg/sds"
)

// ANSI styling applied to liveness states.
const (
	ansiGreen  = "\033[32m"
	ansiYellow = "\033[33m"
	ansiRed    = "\033[31m"
	ansiBold   = "\033[1m"
	ansiDim    = "\033[2m"
	ansiReset  = "\033[0m"
)

// StateLabel names a slot's liveness state the way the fleet view prints
// it: online, evicting (offline with the grace timer running) or offline.
func StateLabel(d sds.DeviceInfo) string {
	switch {
	case d.Online:
		return "online"
	case d.EvictionPending:
		return "evicting"
	}
	return "offline"
}

func stateColor(d sds.DeviceInfo) string {
	switch {
	case d.Online:
		return ansiGreen
	case d.EvictionPending:
		return ansiYellow
	}
	return ansiRed
}

// FormatAge renders a last-seen age compactly: sub-second ages in
// milliseconds, sub-minute in seconds, then minutes and hours.
func FormatAge(age time.Duration) string {
	switch {
	case age < 0:
		return "0ms"
	case age < time.Second:
		return fmt.Sprintf("%dms", age.Milliseconds())
	case age < time.Minute:
		return fmt.Sprintf("%.1fs", age.Seconds())
	case age < time.Hour:
		return fmt.Sprintf("%dm%02ds", int(age.Minutes()), int(age.Seconds())%60)
	}
	return fmt.Sprintf("%dh%02dm", int(age.Hours()), int(age.Minutes())%60)
}

// FleetWriter prints an owner table's status slots as an aligned table.
// Widths are computed on the plain cell text; colors are applied only when
// writing, so alignment never depends on escape sequences.
type FleetWriter struct {
	Out     io.Writer
	NoColor bool

	// StatusSummary renders a slot's decoded status value for the STATUS
	// column. When nil the column is omitted.
	StatusSummary func(status interface{}) string
}

// Write renders the device slots of one table. Nothing is printed for an
// empty fleet.
func (w *FleetWriter) Write(tableType string, devices []sds.DeviceInfo) {
	if len(devices) == 0 {
		return
	}

	headers := []string{"DEVICE", "STATE", "LAST SEEN"}
	if w.StatusSummary != nil {
		headers = append(headers, "STATUS")
	}

	rows := make([][]string, 0, len(devices))
	for _, d := range devices {
		row := []string{d.NodeID, StateLabel(d), FormatAge(d.LastSeen)}
		if w.StatusSummary != nil {
			row = append(row, w.StatusSummary(d.Status))
		}
		rows = append(rows, row)
	}

	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = len(h)
	}
	for _, row := range rows {
		for i, cell := range row {
			if len(cell) > widths[i] {
				widths[i] = len(cell)
			}
		}
	}

	fmt.Fprintf(w.Out, "%s (%d devices)\n", w.style(ansiBold, tableType), len(devices))
	for i, h := range headers {
		fmt.Fprint(w.Out, pad(h, widths[i]))
		if i < len(headers)-1 {
			fmt.Fprint(w.Out, "  ")
		}
	}
	fmt.Fprintln(w.Out)

	for ri, row := range rows {
		for i, cell := range row {
			padded := pad(cell, widths[i])
			if i == 1 {
				padded = w.style(stateColor(devices[ri]), padded)
			}
			fmt.Fprint(w.Out, padded)
			if i < len(row)-1 {
				fmt.Fprint(w.Out, "  ")
			}
		}
		fmt.Fprintln(w.Out)
	}
}

// style wraps s in an ANSI sequence unless colors are disabled. The pad
// width must already be applied to s.
func (w *FleetWriter) style(code, s string) string {
	if w.NoColor {
		return s
	}
	return code + s + ansiReset
}

func pad(s string, width int) string {
	if len(s) >= width {
		return s
	}
	return s + strings.Repeat(" ", width-len(s))
}

// StatsLine renders a node's counters on one line for periodic display.
func StatsLine(s sds.Stats) string {
	return fmt.Sprintf("sent %d  recv %d  reconnects %d  errors %d",
		s.MessagesSent, s.MessagesReceived, s.ReconnectCount, s.Errors)
}

// OfflineMark returns the marker printed when a device goes away.
func OfflineMark(noColor bool) string {
	if noColor {
		return "x"
	}
	return ansiRed + "✗" + ansiReset
}

// OnlineMark returns the marker printed when config or a device arrives.
func OnlineMark(noColor bool) string {
	if noColor {
		return "+"
	}
	return ansiGreen + "✓" + ansiReset
}

// Muted dims secondary text such as unset settings values.
func Muted(s string) string {
	return ansiDim + s + ansiReset
}
