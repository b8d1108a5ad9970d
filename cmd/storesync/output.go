package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/mattn/go-isatty"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"storesync/internal/queue"
)

type statusKind int

const (
	statusInfo statusKind = iota
	statusOK
	statusWarn
	statusError
)

const (
	ansiReset  = "\x1b[0m"
	ansiRed    = "\x1b[31m"
	ansiGreen  = "\x1b[32m"
	ansiYellow = "\x1b[33m"
	ansiBlue   = "\x1b[34m"
)

const (
	statusLabelWidth = 20
	statusIndent     = "  "
	displayTime      = "2006-01-02 15:04:05 MST"
)

var titleCaser = cases.Title(language.Und)

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func renderStatusLine(label string, kind statusKind, message string, colorize bool) string {
	text := "[" + statusKindLabel(kind) + "]"
	if message != "" {
		text += " " + message
	}
	line := fmt.Sprintf("%s%-*s %s", statusIndent, statusLabelWidth, label+":", text)
	if colorize {
		return statusKindColor(kind) + line + ansiReset
	}
	return line
}

func statusKindLabel(kind statusKind) string {
	switch kind {
	case statusOK:
		return "OK"
	case statusWarn:
		return "WARN"
	case statusError:
		return "ERROR"
	default:
		return "INFO"
	}
}

func statusKindColor(kind statusKind) string {
	switch kind {
	case statusOK:
		return ansiGreen
	case statusWarn:
		return ansiYellow
	case statusError:
		return ansiRed
	default:
		return ansiBlue
	}
}

func renderSectionHeader(w io.Writer, title string, colorize bool) {
	line := "== " + strings.TrimSpace(title) + " =="
	rule := strings.Repeat("-", len(line))
	if colorize {
		line = ansiBlue + line + ansiReset
		rule = ansiBlue + rule + ansiReset
	}
	fmt.Fprintln(w, line)
	fmt.Fprintln(w, rule)
}

func shouldColorize(w io.Writer) bool {
	file, ok := w.(*os.File)
	if !ok {
		return false
	}
	fd := file.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

// formatLabel turns snake_case identifiers such as "outside_window" into
// "Outside Window".
func formatLabel(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return ""
	}
	return titleCaser.String(strings.ReplaceAll(value, "_", " "))
}

func formatTime(t time.Time, loc *time.Location) string {
	if t.IsZero() {
		return "-"
	}
	if loc != nil {
		t = t.In(loc)
	}
	return t.Format(displayTime)
}

func formatScheduled(t *time.Time, loc *time.Location) string {
	if t == nil {
		return "-"
	}
	return formatTime(*t, loc)
}

func truncate(value string, width int) string {
	runes := []rune(value)
	if width <= 0 || len(runes) <= width {
		return value
	}
	if width <= 3 {
		return string(runes[:width])
	}
	return string(runes[:width-3]) + "..."
}

// queueStatusRows orders rows by lifecycle, then any unknown statuses by name.
func queueStatusRows(stats map[string]int) [][]string {
	if len(stats) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(stats))
	rows := make([][]string, 0, len(stats))
	for _, status := range queue.AllStatuses() {
		key := string(status)
		seen[key] = true
		if n, ok := stats[key]; ok && n > 0 {
			rows = append(rows, []string{formatLabel(key), strconv.Itoa(n)})
		}
	}
	var extra []string
	for key, n := range stats {
		if !seen[key] && n > 0 {
			extra = append(extra, key)
		}
	}
	sort.Strings(extra)
	for _, key := range extra {
		rows = append(rows, []string{formatLabel(key), strconv.Itoa(stats[key])})
	}
	return rows
}

func queueItemRows(items []*queue.Item, loc *time.Location) [][]string {
	rows := make([][]string, 0, len(items))
	for _, item := range items {
		rows = append(rows, []string{
			strconv.FormatInt(item.ID, 10),
			item.ExternalKey,
			item.AccountID,
			formatLabel(string(item.Status)),
			strconv.Itoa(item.Priority),
			formatScheduled(item.ScheduledTime, loc),
			strconv.Itoa(item.RetryCount),
			truncate(item.LastError, 40),
		})
	}
	return rows
}

var queueItemColumns = []column{
	right("ID"),
	left("Key").truncate(32),
	left("Account"),
	left("Status"),
	right("Pri"),
	left("Scheduled"),
	right("Retries"),
	left("Last Error"),
}
