package render

import (
	"fmt"
	"strings"

	"pkt.systems/easel/schema"
)

// Markers prefix side-feed lines by origin.
const (
	UserMarker  = "> "
	AgentMarker = "  "
	ToolMarker  = "  $ "
	ErrorMarker = "  ! "
)

// Feed renders turns as plain side-feed lines.
func Feed(turns []schema.Turn) []string {
	var lines []string
	for _, turn := range turns {
		if turn.Role == schema.RoleUser {
			lines = append(lines, markLines(UserMarker, splitLines(turn.Content))...)
			continue
		}
		lines = append(lines, TurnLines(turn)...)
	}
	return lines
}

// TurnLines renders one assistant turn as plain lines.
func TurnLines(turn schema.Turn) []string {
	view := Card(turn)
	var lines []string
	for _, seg := range view.Segments {
		switch seg.Kind {
		case schema.SegmentText:
			lines = append(lines, markLines(AgentMarker, splitLines(seg.Text))...)
		case schema.SegmentTool:
			lines = append(lines, toolLine(seg))
		}
	}
	if turn.Streaming && len(view.Segments) == 0 {
		lines = append(lines, AgentMarker+"…")
	}
	if view.ErrorBanner != "" {
		lines = append(lines, ErrorMarker+"error: "+view.ErrorBanner)
	}
	if view.Footer != "" {
		lines = append(lines, AgentMarker+"("+view.Footer+")")
	}
	return lines
}

func toolLine(seg SegmentView) string {
	label := seg.Tool
	if seg.Input != "" {
		label = fmt.Sprintf("%s %s", label, truncate(seg.Input, 80))
	}
	switch {
	case seg.State == ToolPending:
		return ToolMarker + label + " …"
	case seg.Output != "":
		return ToolMarker + label + " → " + truncate(firstLine(seg.Output), 80)
	default:
		return ToolMarker + label + " ✓"
	}
}

func splitLines(text string) []string {
	if text == "" {
		return nil
	}
	return strings.Split(text, "\n")
}

func markLines(marker string, lines []string) []string {
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		out = append(out, marker+line)
	}
	return out
}

func firstLine(text string) string {
	if idx := strings.IndexByte(text, '\n'); idx >= 0 {
		return text[:idx] + " …"
	}
	return text
}

func truncate(text string, max int) string {
	runes := []rune(text)
	if len(runes) <= max {
		return text
	}
	return string(runes[:max-1]) + "…"
}
