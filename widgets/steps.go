package widgets

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// maxStrip caps how many steps are drawn; longer sequences are elided.
const maxStrip = 32

// RenderPad renders a single colored symbol
func RenderPad(sym rune, color lipgloss.Color) string {
	return lipgloss.NewStyle().Foreground(color).Render(string(sym))
}

// StepStrip draws one pad per step with the active one highlighted.
// active < 0 draws every step idle.
func StepStrip(steps, active int, idleSym, activeSym rune, idle, hot lipgloss.Color) string {
	if steps <= 0 {
		return RenderPad(idleSym, idle) + " (empty)"
	}
	shown := min(steps, maxStrip)
	var out strings.Builder
	for i := 0; i < shown; i++ {
		if i > 0 {
			out.WriteString(" ")
		}
		if i == active {
			out.WriteString(RenderPad(activeSym, hot))
		} else {
			out.WriteString(RenderPad(idleSym, idle))
		}
	}
	if steps > shown {
		fmt.Fprintf(&out, " +%d", steps-shown)
	}
	return out.String()
}

// RenderKeyHelp formats key bindings on one line: "s stop  q quit"
func RenderKeyHelp(keys []KeyBinding) string {
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k.Key+" "+k.Desc)
	}
	return strings.Join(parts, "  ")
}

// KeyBinding is a single key and its description
type KeyBinding struct {
	Key  string
	Desc string
}
