package output

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/charmbracelet/glamour"
	"golang.org/x/term"
)

const (
	defaultMarkdownWidth = 80
	minMarkdownWidth     = 20
)

// TerminalWidth returns the current terminal width or a fallback when unavailable.
func TerminalWidth(fallback int) int {
	if fallback <= 0 {
		fallback = defaultMarkdownWidth
	}

	if width, _, err := term.GetSize(int(os.Stdout.Fd())); err == nil && width > 0 {
		return width
	}

	if cols := os.Getenv("COLUMNS"); cols != "" {
		if parsed, err := strconv.Atoi(cols); err == nil && parsed > 0 {
			return parsed
		}
	}

	return fallback
}

// RenderMarkdown renders markdown using Glamour with terminal-aware wrapping.
func RenderMarkdown(text string) (string, error) {
	return RenderMarkdownWithWidth(text, TerminalWidth(defaultMarkdownWidth))
}

// RenderMarkdownWithWidth renders markdown using Glamour with explicit wrapping.
func RenderMarkdownWithWidth(text string, width int) (string, error) {
	if strings.TrimSpace(text) == "" {
		return "", nil
	}
	if width < minMarkdownWidth {
		width = minMarkdownWidth
	}

	renderer, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(width),
	)
	if err != nil {
		return "", err
	}

	rendered, err := renderer.Render(text)
	if err != nil {
		return "", err
	}

	return strings.TrimRight(rendered, "\n"), nil
}

// EndpointStatus is one row of the status report.
type EndpointStatus struct {
	Entity   string
	Root     string
	Channel  string
	State    string
	Cursor   int64
	Priority int
}

// StatusReport is what `replica status` shows.
type StatusReport struct {
	Server    string
	Identity  string
	Backend   string
	DBPath    string
	Endpoints []EndpointStatus
	Queued    int
	Oldest    int64 // time of the oldest queued entry, 0 when empty
}

// StatusMarkdown renders r as a markdown document for RenderMarkdown.
func StatusMarkdown(r StatusReport) string {
	var sb strings.Builder
	sb.WriteString("# replica status\n\n")
	fmt.Fprintf(&sb, "- **Server:** %s\n", r.Server)
	fmt.Fprintf(&sb, "- **Identity:** `%s`\n", r.Identity)
	fmt.Fprintf(&sb, "- **Store:** %s at `%s`\n\n", r.Backend, r.DBPath)

	sb.WriteString("## Endpoints\n\n")
	if len(r.Endpoints) == 0 {
		sb.WriteString("_No entities configured._\n\n")
	} else {
		sb.WriteString("| Entity | Priority | State | Cursor | Root |\n")
		sb.WriteString("|---|---|---|---|---|\n")
		for _, e := range r.Endpoints {
			fmt.Fprintf(&sb, "| %s | %d | %s | %s | %s |\n", e.Entity, e.Priority, e.State, FormatCursor(e.Cursor), e.Root)
		}
		sb.WriteString("\n")
	}

	sb.WriteString("## Offline queue\n\n")
	if r.Queued == 0 {
		sb.WriteString("Empty.\n")
	} else {
		fmt.Fprintf(&sb, "%d pending mutation(s), oldest %s.\n", r.Queued, FormatCursor(r.Oldest))
	}
	return sb.String()
}
