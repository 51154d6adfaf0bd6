// Package ui holds the terminal styles shared by the CLI commands.
package ui

import "github.com/charmbracelet/lipgloss"

var (
	passStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	failStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	accentStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("39")).Bold(true)
	faintStyle  = lipgloss.NewStyle().Faint(true)
)

// RenderPass styles a success message.
func RenderPass(s string) string { return passStyle.Render(s) }

// RenderWarn styles a warning message.
func RenderWarn(s string) string { return warnStyle.Render(s) }

// RenderFail styles a failure message.
func RenderFail(s string) string { return failStyle.Render(s) }

// RenderAccent styles a highlighted label or value.
func RenderAccent(s string) string { return accentStyle.Render(s) }

// RenderFaint styles secondary detail text.
func RenderFaint(s string) string { return faintStyle.Render(s) }
