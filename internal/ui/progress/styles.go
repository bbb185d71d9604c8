package progress

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/feynmancraft/pipewatch/internal/correlation"
	"github.com/feynmancraft/pipewatch/internal/logfeed"
)

var (
	completedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.AdaptiveColor{Light: "#43BF6D", Dark: "#73F59F"}) // Green

	inProgressStyle = lipgloss.NewStyle().
			Foreground(lipgloss.AdaptiveColor{Light: "#54A0FF", Dark: "#54A0FF"}) // Blue

	failedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.AdaptiveColor{Light: "#FF6B6B", Dark: "#FF8787"}) // Red

	warnStyle = lipgloss.NewStyle().
			Foreground(lipgloss.AdaptiveColor{Light: "#F0A500", Dark: "#FFD93D"})

	mutedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.AdaptiveColor{Light: "#8C8C8C", Dark: "#696969"})

	titleStyle = lipgloss.NewStyle().Bold(true)

	stageNameStyle = lipgloss.NewStyle().Width(12)

	errorBoxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.AdaptiveColor{Light: "#FF6B6B", Dark: "#FF8787"}).
			Padding(0, 1)

	logBoxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.AdaptiveColor{Light: "#BBBBBB", Dark: "#444444"})
)

// StatusIndicator returns the glyph and style for a span status (○/●/✓/✗).
func StatusIndicator(status correlation.Status) (string, lipgloss.Style) {
	switch status {
	case correlation.StatusInProgress:
		return "●", inProgressStyle
	case correlation.StatusCompleted:
		return "✓", completedStyle
	case correlation.StatusFailed:
		return "✗", failedStyle
	default:
		return "○", mutedStyle
	}
}

// LevelStyle colors a log feed level.
func LevelStyle(level logfeed.Level) lipgloss.Style {
	switch level {
	case logfeed.LevelError:
		return failedStyle
	case logfeed.LevelWarn:
		return warnStyle
	case logfeed.LevelDebug:
		return mutedStyle
	default:
		return inProgressStyle
	}
}
