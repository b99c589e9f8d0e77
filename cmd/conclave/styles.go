package main

import "github.com/charmbracelet/lipgloss"

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("15")) // White bold - headers

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("8")) // Gray - metadata

	sourceStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("12")) // Blue - links

	successStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("10")) // Green

	errorStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("9")) // Red

	warnStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("11")) // Yellow
)
