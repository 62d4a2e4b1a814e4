// Package color provides terminal color handling for execspec.
//
// The reporter styles pass/fail markers through lipgloss; this package owns
// the mode resolution (--color auto|always|never) so that the rest of the
// code never looks at the terminal. NO_COLOR and non-TTY stdout disable
// colors in auto mode.
package color

import (
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
	"github.com/muesli/termenv"
)

// Mode selects how colors are decided.
type Mode string

const (
	ModeAuto   Mode = "auto"
	ModeAlways Mode = "always"
	ModeNever  Mode = "never"
)

// Styles used by the reporter. They render as plain text when colors are
// disabled.
var (
	Success = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	Failure = lipgloss.NewStyle().Foreground(lipgloss.Color("1"))
)

// Initialize resolves the color mode and pins the lipgloss profile
// accordingly. Call once at startup, before any rendering.
func Initialize(mode Mode) {
	switch mode {
	case ModeAlways:
		lipgloss.SetColorProfile(termenv.ANSI)
	case ModeNever:
		lipgloss.SetColorProfile(termenv.Ascii)
	default:
		if os.Getenv("NO_COLOR") != "" || !isatty.IsTerminal(os.Stdout.Fd()) {
			lipgloss.SetColorProfile(termenv.Ascii)
		}
	}
}

// Enabled reports whether the current profile emits escape codes.
func Enabled() bool {
	return lipgloss.ColorProfile() != termenv.Ascii
}
