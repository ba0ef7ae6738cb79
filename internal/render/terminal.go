package render

import (
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
	"pkt.systems/easel/schema"
)

var (
	userStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("12"))
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("10"))
	toolStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243"))
	errorStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("9"))
	footerStyle = lipgloss.NewStyle().
			Faint(true)
)

// Terminal renders turns for a terminal side feed. Finalized text segments
// are rendered as markdown; open segments are printed raw so partial markup
// does not reflow while it streams.
type Terminal struct {
	width int
	md    *glamour.TermRenderer
}

// NewTerminal builds a terminal renderer wrapping at width. Plain disables
// colour in markdown output.
func NewTerminal(width int, plain bool) (*Terminal, error) {
	if width <= 0 {
		width = 100
	}
	style := glamour.WithAutoStyle()
	if plain {
		style = glamour.WithStylePath("notty")
	}
	md, err := glamour.NewTermRenderer(style, glamour.WithWordWrap(width))
	if err != nil {
		return nil, err
	}
	return &Terminal{width: width, md: md}, nil
}

// Render renders every turn.
func (t *Terminal) Render(turns []schema.Turn) string {
	var b strings.Builder
	for _, turn := range turns {
		b.WriteString(t.Turn(turn))
		b.WriteString("\n")
	}
	return b.String()
}

// Turn renders a single turn.
func (t *Terminal) Turn(turn schema.Turn) string {
	if turn.Role == schema.RoleUser {
		return userStyle.Render(UserMarker + turn.Content)
	}
	view := Card(turn)
	parts := []string{headerStyle.Render(view.Header)}
	for _, seg := range view.Segments {
		switch seg.Kind {
		case schema.SegmentText:
			parts = append(parts, t.text(seg))
		case schema.SegmentTool:
			parts = append(parts, toolStyle.Render(toolLine(seg)))
		}
	}
	if view.ErrorBanner != "" {
		parts = append(parts, errorStyle.Render(ErrorMarker+"error: "+view.ErrorBanner))
	}
	if view.Footer != "" {
		parts = append(parts, footerStyle.Render(AgentMarker+view.Footer))
	}
	return strings.Join(parts, "\n")
}

func (t *Terminal) text(seg SegmentView) string {
	if seg.Open || strings.TrimSpace(seg.Text) == "" {
		return seg.Text
	}
	out, err := t.md.Render(seg.Text)
	if err != nil {
		return seg.Text
	}
	return strings.Trim(out, "\n")
}
