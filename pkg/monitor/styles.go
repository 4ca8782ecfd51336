package monitor

import (
	"github.com/charmbracelet/lipgloss"
)

var (
	primaryColor = lipgloss.Color("212")
	mutedColor   = lipgloss.Color("241")
	successColor = lipgloss.Color("42")
	warningColor = lipgloss.Color("214")
	errorColor   = lipgloss.Color("196")

	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Background(lipgloss.Color("237")).
			Foreground(lipgloss.Color("255")).
			Padding(0, 1)

	columnStyle   = lipgloss.NewStyle().Bold(true).Foreground(primaryColor)
	selectedStyle = lipgloss.NewStyle().Background(lipgloss.Color("236")).Bold(true)
	subtleStyle   = lipgloss.NewStyle().Foreground(mutedColor)
	helpStyle     = lipgloss.NewStyle().Foreground(mutedColor)
	errorStyle    = lipgloss.NewStyle().Foreground(errorColor)
	okStyle       = lipgloss.NewStyle().Foreground(successColor)

	stateStyles = map[string]lipgloss.Style{
		"connected":    lipgloss.NewStyle().Foreground(successColor),
		"connecting":   lipgloss.NewStyle().Foreground(warningColor),
		"disconnected": lipgloss.NewStyle().Foreground(errorColor),
	}
)
