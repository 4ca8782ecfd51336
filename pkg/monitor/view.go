package monitor

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/x/ansi"

	"github.com/marcus/replica/internal/output"
)

const (
	maxIDWidth     = 24
	maxColumnWidth = 32
	chromeLines    = 5 // header, column row, blank, footer, help
)

// View renders the model.
func (m Model) View() string {
	var sb strings.Builder

	title := fmt.Sprintf("replica watch: %s", m.Entity)
	if m.Filter != "" {
		title += "  [" + m.Filter + "]"
	}
	sb.WriteString(headerStyle.Render(title))
	sb.WriteString("\n")

	cols := m.Columns()
	widths := m.columnWidths(cols)
	sb.WriteString(renderRow(append([]string{"id"}, cols...), widths, columnStyle))
	sb.WriteString("\n")

	if len(m.Records) == 0 {
		sb.WriteString(subtleStyle.Render("  no records"))
		sb.WriteString("\n")
	}
	start, end := m.visibleRange()
	for i := start; i < end; i++ {
		r := m.Records[i]
		cells := []string{r.ID()}
		for _, c := range cols {
			if v, ok := r[c]; ok {
				cells = append(cells, output.FormatValue(v))
			} else {
				cells = append(cells, "")
			}
		}
		style := lipgloss.NewStyle()
		if i == m.Cursor {
			style = selectedStyle
		}
		sb.WriteString(renderRow(cells, widths, style))
		sb.WriteString("\n")
	}

	sb.WriteString("\n")
	sb.WriteString(m.footer())
	sb.WriteString("\n")
	if m.FilterMode {
		sb.WriteString(m.FilterInput.View())
	} else {
		sb.WriteString(helpStyle.Render("j/k move  n/p page  / filter  s sync  q quit"))
	}
	return sb.String()
}

func (m Model) footer() string {
	state := m.Health.State
	if state == "" {
		state = "unknown"
	}
	if style, ok := stateStyles[state]; ok {
		state = style.Render(state)
	}
	parts := []string{
		state,
		fmt.Sprintf("cursor %s", output.FormatCursor(m.Health.Cursor)),
		fmt.Sprintf("queued %d", m.Health.Queued),
		m.pageLabel(),
	}
	line := strings.Join(parts, subtleStyle.Render("  |  "))
	if m.StatusMessage != "" {
		style := okStyle
		if m.StatusIsError {
			style = errorStyle
		}
		line += "  " + style.Render(m.StatusMessage)
	}
	return line
}

func (m Model) pageLabel() string {
	p := m.Page
	if p.Limit == 0 {
		return fmt.Sprintf("%d records", len(m.Records))
	}
	label := fmt.Sprintf("records %d-%d", p.Offset+1, p.Offset+len(m.Records))
	if len(m.Records) == 0 {
		label = "page empty"
	}
	if p.Prev {
		label = "< " + label
	}
	if p.Next {
		label += " >"
	}
	return label
}

// visibleRange returns the slice of records that fits the window, keeping the
// cursor in view.
func (m Model) visibleRange() (int, int) {
	n := len(m.Records)
	rows := m.Height - chromeLines
	if m.Height == 0 || rows >= n {
		return 0, n
	}
	rows = max(rows, 1)
	start := 0
	if m.Cursor >= rows {
		start = m.Cursor - rows + 1
	}
	return start, min(start+rows, n)
}

func (m Model) columnWidths(cols []string) []int {
	widths := make([]int, len(cols)+1)
	widths[0] = len("id")
	for i, c := range cols {
		widths[i+1] = lipgloss.Width(c)
	}
	for _, r := range m.Records {
		widths[0] = max(widths[0], lipgloss.Width(r.ID()))
		for i, c := range cols {
			if v, ok := r[c]; ok {
				widths[i+1] = max(widths[i+1], lipgloss.Width(output.FormatValue(v)))
			}
		}
	}
	widths[0] = min(widths[0], maxIDWidth)
	for i := 1; i < len(widths); i++ {
		widths[i] = min(widths[i], maxColumnWidth)
	}
	return widths
}

func renderRow(cells []string, widths []int, style lipgloss.Style) string {
	parts := make([]string, len(cells))
	for i, c := range cells {
		w := widths[i]
		c = ansi.Truncate(c, w, "…")
		parts[i] = c + strings.Repeat(" ", max(w-lipgloss.Width(c), 0))
	}
	return style.Render("  " + strings.Join(parts, "  "))
}
