// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/jeranaias/rigroute/internal/model"
	"github.com/jeranaias/rigroute/internal/util"
)

// init picks the lipgloss color profile from the terminal, NO_COLOR and
// FORCE_COLOR.
func init() {
	lipgloss.SetColorProfile(GetColorProfile())
}

// =============================================================================
// SHARED STYLES
// =============================================================================

var (
	// TitleStyle is used for command titles
	TitleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("39")) // Cyan

	// SectionStyle is used for section headers
	SectionStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("255"))

	// LabelStyle is used for key/value labels
	LabelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245")).
			Width(22)

	// ValueStyle is used for values
	ValueStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("252"))

	SuccessStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("42")).
			Bold(true)

	ErrorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")).
			Bold(true)

	WarningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("214"))

	DimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("242"))

	SeparatorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240"))

	HeaderStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("245"))
)

// thermalStyles color the four thermal levels.
var thermalStyles = map[model.ThermalLevel]lipgloss.Style{
	model.ThermalHot:  lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true),
	model.ThermalWarm: lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
	model.ThermalCold: lipgloss.NewStyle().Foreground(lipgloss.Color("75")),
	model.ThermalOff:  DimStyle,
}

// RenderThermal colors a thermal level.
func RenderThermal(l model.ThermalLevel) string {
	if s, ok := thermalStyles[l]; ok {
		return s.Render(l.String())
	}
	return l.String()
}

// RenderOutcome colors a decision outcome.
func RenderOutcome(o model.Outcome) string {
	switch o {
	case model.OutcomeSelected:
		return SuccessStyle.Render(string(o))
	case model.OutcomeDegraded:
		return WarningStyle.Render(string(o))
	case model.OutcomeFailed:
		return ErrorStyle.Render(string(o))
	default:
		return string(o)
	}
}

// RenderStatus renders a bracketed status marker.
func RenderStatus(status string) string {
	switch strings.ToLower(status) {
	case "ok", "pass", "valid":
		return SuccessStyle.Render("[OK]")
	case "fail", "invalid":
		return ErrorStyle.Render("[FAIL]")
	case "warn":
		return WarningStyle.Render("[WARN]")
	default:
		return DimStyle.Render("[" + strings.ToUpper(status) + "]")
	}
}

// RenderSeparator renders a horizontal rule, 70 columns unless given.
func RenderSeparator(width ...int) string {
	w := 70
	if len(width) > 0 && width[0] > 0 {
		w = width[0]
	}
	return SeparatorStyle.Render(strings.Repeat("=", w))
}

// printKV writes one aligned "label value" line.
func printKV(w io.Writer, label string, value any) {
	fmt.Fprintf(w, "  %s %s\n", LabelStyle.Render(label), ValueStyle.Render(fmt.Sprint(value)))
}

// =============================================================================
// TABLES
// =============================================================================

// table renders aligned columns. Widths are measured in terminal cells so
// styled and wide characters line up.
type table struct {
	header []string
	rows   [][]string
}

func newTable(header ...string) *table { return &table{header: header} }

func (t *table) add(cells ...string) { t.rows = append(t.rows, cells) }

func (t *table) render(w io.Writer) {
	widths := make([]int, len(t.header))
	for i, h := range t.header {
		widths[i] = lipgloss.Width(h)
	}
	for _, r := range t.rows {
		for i, c := range r {
			if i < len(widths) {
				widths[i] = max(widths[i], lipgloss.Width(c))
			}
		}
	}

	line := func(cells []string, style func(string) string) {
		parts := make([]string, len(widths))
		for i := range widths {
			cell := ""
			if i < len(cells) {
				cell = cells[i]
			}
			parts[i] = style(cell) + strings.Repeat(" ", max(0, widths[i]-lipgloss.Width(cell)))
		}
		fmt.Fprintln(w, "  "+strings.TrimRight(strings.Join(parts, "  "), " "))
	}
	line(t.header, func(s string) string { return HeaderStyle.Render(s) })
	for _, r := range t.rows {
		line(r, func(s string) string { return s })
	}
}

// truncate shortens s to n terminal cells.
func truncate(s string, n int) string {
	return util.TruncateWidth(s, n)
}
