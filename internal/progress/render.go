package progress

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// Row is one destination's line in the sender table.
type Row struct {
	Name   string
	Status string
	Stats  Stats
}

// View is what the sender table renders on each tick.
type View struct {
	Header string
	Rows   []Row
}

const (
	colorReset = "\033[0m"
	colorRed   = "\033[31m"
	colorGreen = "\033[32m"
	colorCyan  = "\033[36m"
)

func colorize(s string, color string, enabled bool) string {
	if !enabled || color == "" {
		return s
	}
	return color + s + colorReset
}

// IsTTY reports whether w is a terminal.
func IsTTY(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return (info.Mode() & os.ModeCharDevice) != 0
}

// Render redraws view on w until ctx ends or the returned stop func is
// called. On a terminal the table is redrawn in place; otherwise one line per
// destination is printed every second.
func Render(ctx context.Context, w io.Writer, view func() View) (stop func()) {
	isTTY := IsTTY(w)
	interval := 250 * time.Millisecond
	if !isTTY {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	done := make(chan struct{})
	lastLines := 0
	var renderMu sync.Mutex
	if isTTY {
		fmt.Fprint(w, "\033[?25l")
	}

	renderOnce := func() {
		renderMu.Lock()
		defer renderMu.Unlock()
		v := view()
		if !isTTY {
			for _, line := range plainLines(v) {
				fmt.Fprintln(w, line)
			}
			return
		}
		if lastLines > 0 {
			fmt.Fprintf(w, "\033[%dA", lastLines)
			fmt.Fprint(w, "\033[J")
		}
		lines := writeHeader(w, v.Header, true)
		lines += renderTable(w, []string{"destination", "status", "progress", "%", "rate", "ETA"}, tableRows(v, true), []int{12, 10, 22, 5, 10, 8})
		lastLines = lines
	}

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case <-ticker.C:
				renderOnce()
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(done)
			renderOnce()
			if isTTY {
				fmt.Fprint(w, "\033[?25h")
			}
		})
	}
}

func plainLines(v View) []string {
	lines := make([]string, 0, len(v.Rows))
	for _, row := range v.Rows {
		lines = append(lines, fmt.Sprintf("dest=%s status=%s %.1f%% %s/%s %s ETA %s",
			row.Name,
			row.Status,
			row.Stats.Percent,
			FormatBytes(row.Stats.BytesDone),
			FormatBytes(row.Stats.Total),
			formatRate(row.Stats.RateBps),
			formatETA(row.Stats.ETA),
		))
	}
	return lines
}

func tableRows(v View, color bool) [][]string {
	rows := make([][]string, 0, len(v.Rows))
	for _, row := range v.Rows {
		rows = append(rows, []string{
			row.Name,
			colorize(row.Status, statusColor(row.Status), color),
			renderBar(row.Stats.Percent, 20),
			fmt.Sprintf("%.1f", row.Stats.Percent),
			formatRate(row.Stats.RateBps),
			formatETA(row.Stats.ETA),
		})
	}
	return rows
}

func statusColor(status string) string {
	switch strings.ToLower(status) {
	case "completed":
		return colorGreen
	case "cancelled", "unavailable":
		return colorRed
	}
	return colorCyan
}

func writeHeader(w io.Writer, header string, isTTY bool) int {
	header = strings.TrimSuffix(header, "\n")
	if header == "" {
		return 0
	}
	lines := strings.Split(header, "\n")
	for _, line := range lines {
		fmt.Fprintln(w, colorize(line, colorCyan, isTTY))
	}
	return len(lines)
}

func renderBar(percent float64, width int) string {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	filled := int((percent / 100) * float64(width))
	return "[" + strings.Repeat("#", filled) + strings.Repeat(".", width-filled) + "]"
}

func renderTable(w io.Writer, headers []string, rows [][]string, widths []int) int {
	border := buildBorder(widths)
	fmt.Fprintln(w, border)
	fmt.Fprintln(w, buildRow(headers, widths))
	fmt.Fprintln(w, border)
	for _, row := range rows {
		fmt.Fprintln(w, buildRow(row, widths))
	}
	fmt.Fprintln(w, border)
	return len(rows) + 4
}

func buildBorder(widths []int) string {
	var b strings.Builder
	b.WriteString("+")
	for _, width := range widths {
		b.WriteString(strings.Repeat("-", width+2))
		b.WriteString("+")
	}
	return b.String()
}

func buildRow(values []string, widths []int) string {
	var b strings.Builder
	b.WriteString("|")
	for i, width := range widths {
		cell := ""
		if i < len(values) {
			cell = values[i]
		}
		b.WriteString(" ")
		b.WriteString(padRight(cell, width))
		b.WriteString(" |")
	}
	return b.String()
}

// padRight pads by visible width, ignoring ANSI color sequences.
func padRight(s string, width int) string {
	visible := len(stripANSI(s))
	if visible >= width {
		return s
	}
	return s + strings.Repeat(" ", width-visible)
}

func stripANSI(s string) string {
	for _, c := range []string{colorReset, colorRed, colorGreen, colorCyan} {
		s = strings.ReplaceAll(s, c, "")
	}
	return s
}

// FormatBytes renders n with a binary unit suffix.
func FormatBytes(n int64) string {
	const (
		k = 1024
		m = 1024 * k
		g = 1024 * m
	)
	switch {
	case n >= g:
		return fmt.Sprintf("%.2f GiB", float64(n)/float64(g))
	case n >= m:
		return fmt.Sprintf("%.1f MiB", float64(n)/float64(m))
	case n >= k:
		return fmt.Sprintf("%.1f KiB", float64(n)/float64(k))
	}
	return fmt.Sprintf("%d B", n)
}

func formatRate(bps float64) string {
	if bps <= 0 {
		return "-"
	}
	return FormatBytes(int64(bps)) + "/s"
}

func formatETA(d time.Duration) string {
	if d <= 0 {
		return "--:--:--"
	}
	secs := int(d.Seconds())
	return fmt.Sprintf("%02d:%02d:%02d", secs/3600, (secs%3600)/60, secs%60)
}
