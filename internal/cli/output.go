package cli

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/charmbracelet/lipgloss"
	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/kaspa-aio/aioctl/internal/progress"
	"github.com/kaspa-aio/aioctl/internal/resources"
)

var (
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#DC2626")).Bold(true)
	warnStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#CA8A04"))
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#16A34A"))
	hintStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#6B7280")).Italic(true)
	boldStyle    = lipgloss.NewStyle().Bold(true)
	dimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("#9CA3AF"))
)

// newTable returns a rounded table writer mirrored to w.
func newTable(w io.Writer, header ...any) table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleRounded)
	if len(header) > 0 {
		t.AppendHeader(table.Row(header))
	}
	return t
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func severityText(sev resources.Severity) string {
	switch sev {
	case resources.SeverityCritical:
		return errorStyle.Render(string(sev))
	case resources.SeverityWarning:
		return warnStyle.Render(string(sev))
	}
	return hintStyle.Render(string(sev))
}

func statusText(st resources.Status) string {
	switch st {
	case resources.StatusInsufficient:
		return errorStyle.Render(string(st))
	case resources.StatusBelowRecommended:
		return warnStyle.Render(string(st))
	}
	return successStyle.Render(string(st))
}

func phaseText(p progress.Phase) string {
	switch p {
	case progress.PhaseComplete:
		return successStyle.Render(string(p))
	case progress.PhaseFailed, progress.PhaseNeedsIntervention:
		return errorStyle.Render(string(p))
	case progress.PhaseRollingBack, progress.PhaseRolledBack:
		return warnStyle.Render(string(p))
	}
	return boldStyle.Render(string(p))
}

// printEvent renders one progress event as a single line.
func printEvent(w io.Writer, ev progress.Event) {
	switch ev.Kind {
	case progress.KindPhase:
		line := "==> " + phaseText(ev.Phase)
		if ev.Error != "" {
			line += " " + errorStyle.Render(ev.Error)
		}
		_, _ = fmt.Fprintln(w, line)
	case progress.KindService:
		line := fmt.Sprintf("    %-24s %s", ev.Service, ev.Status)
		if ev.Message != "" {
			line += " " + dimStyle.Render(ev.Message)
		}
		_, _ = fmt.Fprintln(w, line)
	case progress.KindStep:
		_, _ = fmt.Fprintln(w, "    "+hintStyle.Render(ev.Message))
	case progress.KindLog:
		prefix := ""
		if ev.Service != "" {
			prefix = ev.Service + " | "
		}
		_, _ = fmt.Fprintln(w, dimStyle.Render("    "+prefix+ev.Message))
	}
}
