package tui

import "github.com/charmbracelet/lipgloss"

var (
	titleStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	labelStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	cursorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("10")).Bold(true)
	focusStyle    = lipgloss.NewStyle().Bold(true)
	disabledStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("240")).Faint(true)
	activeStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	busyStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	errorStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
)
