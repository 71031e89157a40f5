package commands

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"
)

var (
	primaryColor = lipgloss.Color("#00ff9f")
	dimColor     = lipgloss.Color("#6e7681")
	errorColor   = lipgloss.Color("#ff5f87")

	TitleStyle = lipgloss.NewStyle().Bold(true).Foreground(primaryColor)
	LineStyle  = lipgloss.NewStyle().Foreground(primaryColor)
	DimStyle   = lipgloss.NewStyle().Foreground(dimColor)
	ErrorStyle = lipgloss.NewStyle().Bold(true).Foreground(errorColor)

	roleStyle = lipgloss.NewStyle().Bold(true).Width(10)
)

func printStatus(format string, args ...any) {
	fmt.Println(DimStyle.Render(fmt.Sprintf(format, args...)))
}

func printLine(label, text string) {
	fmt.Println(roleStyle.Render(label) + LineStyle.Render(text))
}

func printTranslation(text string) {
	fmt.Println(roleStyle.Render("") + DimStyle.Render(text))
}
