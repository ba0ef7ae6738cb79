package schema

import (
	"encoding/json"
	"time"
)

// Role identifies who produced a turn.
type Role string

const (
	// RoleUser is a submitted prompt.
	RoleUser Role = "user"
	// RoleAssistant is one assistant response cycle.
	RoleAssistant Role = "assistant"
)

// SegmentKind tags a segment for transports.
type SegmentKind string

const (
	// SegmentText is a streamed text segment.
	SegmentText SegmentKind = "text"
	// SegmentTool is a tool invocation/result pair.
	SegmentTool SegmentKind = "tool"
)

// Segment is an ordered part of an assistant turn: TextSegment or ToolSegment.
type Segment interface {
	Kind() SegmentKind
	segment()
}

// TextSegment accumulates text deltas until finalized.
type TextSegment struct {
	Content   string `json:"content"`
	Finalized bool   `json:"finalized"`
}

// ToolSegment is a tool invocation; Output is nil while pending.
type ToolSegment struct {
	ToolID string          `json:"toolId"`
	Tool   string          `json:"tool"`
	Input  json.RawMessage `json:"input,omitempty"`
	Output *string         `json:"output,omitempty"`
}

// UnknownTool names tool segments synthesised for results without a matching tool_use.
const UnknownTool = "unknown"

func (TextSegment) Kind() SegmentKind { return SegmentText }
func (ToolSegment) Kind() SegmentKind { return SegmentTool }

func (TextSegment) segment() {}
func (ToolSegment) segment() {}

// HasOutput reports whether the tool has produced output.
func (t ToolSegment) HasOutput() bool {
	return t.Output != nil
}

// Turn is an immutable view of one logical exchange.
type Turn struct {
	ID          TurnID    `json:"id"`
	Role        Role      `json:"role"`
	Content     string    `json:"content,omitempty"`
	At          time.Time `json:"at,omitempty"`
	Segments    []Segment `json:"-"`
	Streaming   bool      `json:"streaming"`
	Result      *Usage    `json:"result,omitempty"`
	Error       string    `json:"error,omitempty"`
	Interrupted bool      `json:"interrupted,omitempty"`
}

// ToolCompleted reports whether the tool segment at index i is completed:
// it has output, a later segment exists in the turn, or the turn is no longer streaming.
func ToolCompleted(turn Turn, i int) bool {
	if i < 0 || i >= len(turn.Segments) {
		return false
	}
	tool, ok := turn.Segments[i].(ToolSegment)
	if !ok {
		return true
	}
	if tool.HasOutput() {
		return true
	}
	if i < len(turn.Segments)-1 {
		return true
	}
	return !turn.Streaming
}

// SegmentPayload is the transport form of a segment.
type SegmentPayload struct {
	Kind      SegmentKind     `json:"kind"`
	Content   string          `json:"content,omitempty"`
	Finalized bool            `json:"finalized,omitempty"`
	ToolID    string          `json:"toolId,omitempty"`
	Tool      string          `json:"tool,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	Output    *string         `json:"output,omitempty"`
}

// EncodeSegments converts segments into their transport form.
func EncodeSegments(segments []Segment) []SegmentPayload {
	out := make([]SegmentPayload, 0, len(segments))
	for _, seg := range segments {
		switch s := seg.(type) {
		case TextSegment:
			out = append(out, SegmentPayload{Kind: SegmentText, Content: s.Content, Finalized: s.Finalized})
		case ToolSegment:
			out = append(out, SegmentPayload{Kind: SegmentTool, ToolID: s.ToolID, Tool: s.Tool, Input: s.Input, Output: s.Output})
		}
	}
	return out
}

// DecodeSegments converts transport payloads back into segments. Unknown kinds are skipped.
func DecodeSegments(payloads []SegmentPayload) []Segment {
	out := make([]Segment, 0, len(payloads))
	for _, p := range payloads {
		switch p.Kind {
		case SegmentText:
			out = append(out, TextSegment{Content: p.Content, Finalized: p.Finalized})
		case SegmentTool:
			out = append(out, ToolSegment{ToolID: p.ToolID, Tool: p.Tool, Input: p.Input, Output: p.Output})
		}
	}
	return out
}

type turnJSON struct {
	ID          TurnID           `json:"id"`
	Role        Role             `json:"role"`
	Content     string           `json:"content,omitempty"`
	At          *time.Time       `json:"at,omitempty"`
	Segments    []SegmentPayload `json:"segments,omitempty"`
	Streaming   bool             `json:"streaming"`
	Result      *Usage           `json:"result,omitempty"`
	Error       string           `json:"error,omitempty"`
	Interrupted bool             `json:"interrupted,omitempty"`
}

// MarshalJSON encodes the turn with its segments in transport form.
func (t Turn) MarshalJSON() ([]byte, error) {
	out := turnJSON{
		ID:          t.ID,
		Role:        t.Role,
		Content:     t.Content,
		Streaming:   t.Streaming,
		Result:      t.Result,
		Error:       t.Error,
		Interrupted: t.Interrupted,
	}
	if !t.At.IsZero() {
		at := t.At
		out.At = &at
	}
	if len(t.Segments) > 0 {
		out.Segments = EncodeSegments(t.Segments)
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes the transport form of a turn.
func (t *Turn) UnmarshalJSON(data []byte) error {
	var in turnJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	*t = Turn{
		ID:          in.ID,
		Role:        in.Role,
		Content:     in.Content,
		Streaming:   in.Streaming,
		Result:      in.Result,
		Error:       in.Error,
		Interrupted: in.Interrupted,
	}
	if in.At != nil {
		t.At = *in.At
	}
	if len(in.Segments) > 0 {
		t.Segments = DecodeSegments(in.Segments)
	}
	return nil
}
