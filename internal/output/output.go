// Package output provides styled terminal output helpers (success, error,
// warning, record and queue formatting) using lipgloss.
package output

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/marcus/replica/internal/endpoint"
	"github.com/marcus/replica/internal/message"
	"github.com/marcus/replica/internal/store"
)

var (
	titleStyle   = lipgloss.NewStyle().Bold(true)
	subtleStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	warningStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	methodStyles = map[message.Method]lipgloss.Style{
		message.Create: lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
		message.Update: lipgloss.NewStyle().Foreground(lipgloss.Color("45")),
		message.Patch:  lipgloss.NewStyle().Foreground(lipgloss.Color("141")),
		message.Delete: lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
	}
	stateStyles = map[endpoint.State]lipgloss.Style{
		endpoint.Disconnected: lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
		endpoint.Connecting:   lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		endpoint.Connected:    lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
	}
	directionStyles = map[string]lipgloss.Style{
		store.DirectionPush:     lipgloss.NewStyle().Foreground(lipgloss.Color("45")),
		store.DirectionPull:     lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
		store.DirectionConflict: lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
	}
)

// Success prints a success message
func Success(format string, args ...any) {
	fmt.Println(successStyle.Render(fmt.Sprintf(format, args...)))
}

// Error prints an error message
func Error(format string, args ...any) {
	fmt.Println(errorStyle.Render("ERROR: " + fmt.Sprintf(format, args...)))
}

// Warning prints a warning message
func Warning(format string, args ...any) {
	fmt.Println(warningStyle.Render("Warning: " + fmt.Sprintf(format, args...)))
}

// Info prints an info message
func Info(format string, args ...any) {
	fmt.Printf(format+"\n", args...)
}

// JSON outputs data as indented JSON
func JSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

// Error codes for structured JSON output
const (
	ErrCodeNotFound     = "not_found"
	ErrCodeInvalidInput = "invalid_input"
	ErrCodeRejected     = "rejected"
	ErrCodeOffline      = "offline"
	ErrCodeStorage      = "storage_error"
)

// JSONError outputs an error as JSON
func JSONError(code, message string) {
	data, _ := json.Marshal(map[string]any{
		"error": map[string]string{"code": code, "message": message},
	})
	fmt.Println(string(data))
}

// FormatMethod formats a message method with color
func FormatMethod(m message.Method) string {
	style, ok := methodStyles[m]
	if !ok {
		return string(m)
	}
	return style.Render(fmt.Sprintf("%-6s", m))
}

// FormatState formats an endpoint state with color
func FormatState(s endpoint.State) string {
	style, ok := stateStyles[s]
	if !ok {
		return s.String()
	}
	return style.Render(s.String())
}

// FormatRecord formats one record as "id  key=value key=value". With fields
// only those keys are shown, in that order; otherwise keys are sorted.
func FormatRecord(attrs message.Attrs, fields []string) string {
	keys := fields
	if len(keys) == 0 {
		for k := range attrs {
			if k != "id" {
				keys = append(keys, k)
			}
		}
		sort.Strings(keys)
	}
	parts := []string{titleStyle.Render(attrs.ID())}
	for _, k := range keys {
		if k == "id" {
			continue
		}
		v, ok := attrs[k]
		if !ok {
			continue
		}
		parts = append(parts, subtleStyle.Render(k+"=")+FormatValue(v))
	}
	return strings.Join(parts, "  ")
}

// FormatValue renders a decoded JSON value compactly.
func FormatValue(v any) string {
	switch x := v.(type) {
	case nil:
		return "null"
	case string:
		if strings.ContainsAny(x, " \t\n") {
			return fmt.Sprintf("%q", x)
		}
		return x
	case float64:
		if x == float64(int64(x)) {
			return fmt.Sprintf("%d", int64(x))
		}
		return fmt.Sprintf("%g", x)
	case map[string]any, []any:
		data, err := json.Marshal(x)
		if err != nil {
			return fmt.Sprint(x)
		}
		return string(data)
	default:
		return fmt.Sprint(x)
	}
}

// FormatQueued formats a pending queue entry
func FormatQueued(m message.Message) string {
	parts := []string{
		FormatMethod(m.Method),
		titleStyle.Render(m.Key()),
		subtleStyle.Render(FormatTimeAgo(time.UnixMilli(m.Time))),
	}
	if m.Priority != 0 {
		parts = append(parts, subtleStyle.Render(fmt.Sprintf("p%d", m.Priority)))
	}
	return strings.Join(parts, "  ")
}

// FormatHistory formats one sync history row
func FormatHistory(e store.HistoryEntry) string {
	dir := e.Direction
	if style, ok := directionStyles[dir]; ok {
		dir = style.Render(fmt.Sprintf("%-8s", dir))
	}
	line := fmt.Sprintf("%s  %s  %-6s %s/%s",
		subtleStyle.Render(e.Timestamp.Local().Format("15:04:05")),
		dir, e.ActionType, e.EntityType, e.EntityID)
	if e.ServerSeq > 0 {
		line += subtleStyle.Render(fmt.Sprintf("  @%d", e.ServerSeq))
	}
	return line
}

// FormatTimeAgo formats a time as a human-readable "ago" string
func FormatTimeAgo(t time.Time) string {
	diff := time.Since(t)

	switch {
	case diff < time.Minute:
		return "just now"
	case diff < time.Hour:
		return fmt.Sprintf("%dm ago", int(diff.Minutes()))
	case diff < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(diff.Hours()))
	case diff < 7*24*time.Hour:
		return fmt.Sprintf("%dd ago", int(diff.Hours()/24))
	default:
		return t.Format("2006-01-02")
	}
}

// FormatCursor formats an epoch-ms cursor, or "never" for zero.
func FormatCursor(ms int64) string {
	if ms <= 0 {
		return "never"
	}
	t := time.UnixMilli(ms)
	return fmt.Sprintf("%s (%s)", t.UTC().Format(time.RFC3339), FormatTimeAgo(t))
}

// SectionHeader returns a formatted section header for CLI output
func SectionHeader(title string) string {
	return fmt.Sprintf("\n%s:\n", strings.ToUpper(title))
}
