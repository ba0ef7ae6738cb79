package render

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"pkt.systems/easel/schema"
)

// ToolState is the visual state of a tool segment.
type ToolState string

const (
	ToolPending   ToolState = "pending"
	ToolCompleted ToolState = "completed"
)

// SegmentView is the display form of one segment.
type SegmentView struct {
	Kind   schema.SegmentKind `json:"kind"`
	Text   string             `json:"text,omitempty"`
	Open   bool               `json:"open,omitempty"`
	ToolID string             `json:"toolId,omitempty"`
	Tool   string             `json:"tool,omitempty"`
	Input  string             `json:"input,omitempty"`
	Output string             `json:"output,omitempty"`
	State  ToolState          `json:"state,omitempty"`
}

// CardView is the display form of an assistant turn.
type CardView struct {
	TurnID      schema.TurnID `json:"turnId"`
	Header      string        `json:"header"`
	Segments    []SegmentView `json:"segments"`
	ErrorBanner string        `json:"errorBanner,omitempty"`
	Footer      string        `json:"footer,omitempty"`
	Streaming   bool          `json:"streaming"`
}

// Card renders an assistant turn. It holds no state between calls.
func Card(turn schema.Turn) CardView {
	view := CardView{
		TurnID:      turn.ID,
		Header:      header(turn),
		ErrorBanner: turn.Error,
		Footer:      footer(turn),
		Streaming:   turn.Streaming,
		Segments:    make([]SegmentView, 0, len(turn.Segments)),
	}
	for i, seg := range turn.Segments {
		switch s := seg.(type) {
		case schema.TextSegment:
			view.Segments = append(view.Segments, SegmentView{
				Kind: schema.SegmentText,
				Text: s.Content,
				Open: !s.Finalized && turn.Streaming,
			})
		case schema.ToolSegment:
			sv := SegmentView{
				Kind:   schema.SegmentTool,
				ToolID: s.ToolID,
				Tool:   s.Tool,
				Input:  compactJSON(s.Input),
				State:  ToolPending,
			}
			if s.Output != nil {
				sv.Output = *s.Output
			}
			if schema.ToolCompleted(turn, i) {
				sv.State = ToolCompleted
			}
			view.Segments = append(view.Segments, sv)
		}
	}
	return view
}

// CardFromProps renders the payload stored on a canvas card.
func CardFromProps(props schema.CardProps) CardView {
	return Card(schema.Turn{
		ID:          props.TurnID,
		Role:        schema.RoleAssistant,
		Segments:    schema.DecodeSegments(props.Segments),
		Streaming:   props.Streaming,
		Result:      props.Result,
		Error:       props.Error,
		Interrupted: props.Interrupted,
	})
}

func header(turn schema.Turn) string {
	switch {
	case turn.Streaming:
		return "Agent · working"
	case turn.Error != "":
		return "Agent · failed"
	case turn.Interrupted:
		return "Agent · stopped"
	default:
		return "Agent"
	}
}

func footer(turn schema.Turn) string {
	var parts []string
	if turn.Result != nil {
		parts = append(parts, FormatUsage(*turn.Result))
	}
	if turn.Interrupted {
		parts = append(parts, "interrupted")
	}
	return strings.Join(parts, " · ")
}

// FormatUsage renders cost and token counts on one line.
func FormatUsage(u schema.Usage) string {
	return fmt.Sprintf("$%.4f · %d in / %d out", u.Cost, u.InputTokens, u.OutputTokens)
}

func compactJSON(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return string(raw)
	}
	return buf.String()
}

// Metrics drives FitHeight. Values are in canvas units.
type Metrics struct {
	LineHeight float64
	CharWidth  float64
	Padding    float64
	MinHeight  float64
	MaxLines   int
}

// DefaultMetrics matches the default card typography.
func DefaultMetrics() Metrics {
	return Metrics{LineHeight: 20, CharWidth: 8, Padding: 32, MinHeight: 120, MaxLines: 400}
}

// FitHeight returns the height the card needs to show its content at width.
func FitHeight(view CardView, width float64, m Metrics) float64 {
	if m.LineHeight <= 0 {
		m = DefaultMetrics()
	}
	cols := int(math.Max(1, math.Floor((width-m.Padding)/m.CharWidth)))
	lines := 1 // header
	for _, seg := range view.Segments {
		switch seg.Kind {
		case schema.SegmentText:
			lines += wrappedLines(seg.Text, cols)
		case schema.SegmentTool:
			lines++
			if seg.Output != "" {
				lines += min(wrappedLines(seg.Output, cols), 6)
			}
		}
	}
	if view.ErrorBanner != "" {
		lines += wrappedLines(view.ErrorBanner, cols)
	}
	if view.Footer != "" {
		lines++
	}
	if m.MaxLines > 0 && lines > m.MaxLines {
		lines = m.MaxLines
	}
	return math.Max(m.MinHeight, float64(lines)*m.LineHeight+m.Padding)
}

func wrappedLines(text string, cols int) int {
	if text == "" {
		return 0
	}
	total := 0
	for _, line := range strings.Split(text, "\n") {
		n := len([]rune(line))
		if n == 0 {
			total++
			continue
		}
		total += (n + cols - 1) / cols
	}
	return total
}
