package status

import (
	"github.com/charmbracelet/lipgloss"
)

// Theme represents the color theme for the status view
type Theme struct {
	Primary     lipgloss.AdaptiveColor
	Secondary   lipgloss.AdaptiveColor
	Success     lipgloss.AdaptiveColor
	Warning     lipgloss.AdaptiveColor
	Error       lipgloss.AdaptiveColor
	Info        lipgloss.AdaptiveColor
	HighlightLo lipgloss.AdaptiveColor
	Border      lipgloss.AdaptiveColor
	Text        lipgloss.AdaptiveColor
	TextDim     lipgloss.AdaptiveColor
}

// GruvboxTheme creates a new Gruvbox-inspired theme
func GruvboxTheme() Theme {
	return Theme{
		Primary: lipgloss.AdaptiveColor{
			Light: "#b8bb26", Dark: "#b8bb26",
		},
		Secondary: lipgloss.AdaptiveColor{
			Light: "#fe8019", Dark: "#fe8019",
		},
		Success: lipgloss.AdaptiveColor{
			Light: "#98971a", Dark: "#b8bb26",
		},
		Warning: lipgloss.AdaptiveColor{
			Light: "#d79921", Dark: "#fabd2f",
		},
		Error: lipgloss.AdaptiveColor{
			Light: "#cc241d", Dark: "#fb4934",
		},
		Info: lipgloss.AdaptiveColor{
			Light: "#458588", Dark: "#83a598",
		},
		HighlightLo: lipgloss.AdaptiveColor{
			Light: "#d5c4a1", Dark: "#3c3836",
		},
		Border: lipgloss.AdaptiveColor{
			Light: "#d5c4a1", Dark: "#504945",
		},
		Text: lipgloss.AdaptiveColor{
			Light: "#3c3836", Dark: "#fbf1c7",
		},
		TextDim: lipgloss.AdaptiveColor{
			Light: "#7c6f64", Dark: "#a89984",
		},
	}
}

// DefaultTheme is the default theme for the status view
var DefaultTheme = GruvboxTheme()

// Styles contains predefined styles for the status view
type Styles struct {
	Title     lipgloss.Style
	Label     lipgloss.Style
	Subtle    lipgloss.Style
	Error     lipgloss.Style
	Success   lipgloss.Style
	Warning   lipgloss.Style
	Info      lipgloss.Style
	StatusBar lipgloss.Style
	Section   lipgloss.Style
}

// DefaultStyles returns default styles for the status view
func DefaultStyles() Styles {
	theme := DefaultTheme
	return Styles{
		Title:     lipgloss.NewStyle().Bold(true).Foreground(theme.Text),
		Label:     lipgloss.NewStyle().Foreground(theme.TextDim).Width(14),
		Subtle:    lipgloss.NewStyle().Foreground(theme.TextDim),
		Error:     lipgloss.NewStyle().Bold(true).Foreground(theme.Error),
		Success:   lipgloss.NewStyle().Bold(true).Foreground(theme.Success),
		Warning:   lipgloss.NewStyle().Bold(true).Foreground(theme.Warning),
		Info:      lipgloss.NewStyle().Bold(true).Foreground(theme.Info),
		StatusBar: lipgloss.NewStyle().Bold(true).Foreground(theme.Text).Background(theme.HighlightLo).Padding(0, 1),
		Section:   lipgloss.NewStyle().BorderStyle(lipgloss.RoundedBorder()).BorderForeground(theme.Border).Padding(0, 2),
	}
}
