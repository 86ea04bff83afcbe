// Package ui holds the terminal styles shared by the fieldsync
// commands.
package ui

import "github.com/charmbracelet/lipgloss"

var (
	passStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("2")).Bold(true)
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("3")).Bold(true)
	errStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("1")).Bold(true)
	accentStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("6"))
	faintStyle  = lipgloss.NewStyle().Faint(true)
	headerStyle = lipgloss.NewStyle().Bold(true).Underline(true)
)

// RenderPass renders s in the success style.
func RenderPass(s string) string { return passStyle.Render(s) }

// RenderWarn renders s in the warning style.
func RenderWarn(s string) string { return warnStyle.Render(s) }

// RenderErr renders s in the error style.
func RenderErr(s string) string { return errStyle.Render(s) }

// RenderAccent renders s in the accent style.
func RenderAccent(s string) string { return accentStyle.Render(s) }

// RenderFaint renders s dimmed.
func RenderFaint(s string) string { return faintStyle.Render(s) }

// RenderHeader renders s as a section header.
func RenderHeader(s string) string { return headerStyle.Render(s) }
