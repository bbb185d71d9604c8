package pipeline

import (
	"strings"

	"github.com/charmbracelet/x/ansi"

	"github.com/feynmancraft/pipewatch/internal/adk"
)

// MaxDetailsWidth is the display width of a details excerpt, in cells.
const MaxDetailsWidth = 200

// excerpt returns a one-line preview of the event content.
func excerpt(ev adk.Event) string {
	for _, p := range ev.Parts() {
		switch {
		case strings.TrimSpace(p.Text) != "":
			return clip(p.Text)
		case p.FunctionCall != nil:
			return clip("tool: " + p.FunctionCall.Name)
		case p.FunctionResponse != nil:
			return clip("result: " + p.FunctionResponse.Name)
		}
	}
	return ""
}

func clip(s string) string {
	s = strings.Join(strings.Fields(ansi.Strip(s)), " ")
	return ansi.Truncate(s, MaxDetailsWidth, "…")
}
