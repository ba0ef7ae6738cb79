package schema

import (
	"encoding/json"
	"fmt"
)

// MessageType is the wire tag of a protocol message.
type MessageType string

const (
	// MessageSystem starts a run and carries the session id.
	MessageSystem MessageType = "system"
	// MessageTextDelta appends to the open text segment.
	MessageTextDelta MessageType = "text_delta"
	// MessageTextDone closes the open text segment.
	MessageTextDone MessageType = "text_done"
	// MessageToolUse opens a tool segment.
	MessageToolUse MessageType = "tool_use"
	// MessageToolResult closes the tool segment with the matching tool id.
	MessageToolResult MessageType = "tool_result"
	// MessageResult is the terminal success marker.
	MessageResult MessageType = "result"
	// MessageError is the terminal failure marker.
	MessageError MessageType = "error"
	// MessageCanvas is an auxiliary canvas mutation forwarded to the document.
	MessageCanvas MessageType = "canvas"
)

// Message is a protocol message received on the agent stream. The set of
// implementations is closed; unrecognised wire types decode to Unknown.
type Message interface {
	Type() MessageType
	message()
}

// System is the first message of a run.
type System struct {
	SessionID SessionID `json:"sessionId,omitempty"`
}

// TextDelta is a fragment of assistant text.
type TextDelta struct {
	Content string `json:"content"`
}

// TextDone closes the currently open text segment.
type TextDone struct{}

// ToolUse opens a tool segment.
type ToolUse struct {
	ToolID string          `json:"toolId"`
	Tool   string          `json:"tool"`
	Input  json.RawMessage `json:"input,omitempty"`
}

// ToolResult carries the output of a tool invocation.
type ToolResult struct {
	ToolID string `json:"toolId"`
	Output string `json:"output"`
}

// Result terminates a run successfully.
type Result struct {
	Cost         float64 `json:"cost"`
	InputTokens  int     `json:"inputTokens"`
	OutputTokens int     `json:"outputTokens"`
}

// Usage returns the run statistics carried by the result.
func (r Result) Usage() Usage {
	return Usage{Cost: r.Cost, InputTokens: r.InputTokens, OutputTokens: r.OutputTokens}
}

// Error terminates a run with a failure.
type Error struct {
	Message string `json:"message"`
}

// CanvasAction names the mutation requested by a CanvasOp.
type CanvasAction string

const (
	// CanvasCreate creates an object.
	CanvasCreate CanvasAction = "create"
	// CanvasUpdate merges props into an existing object.
	CanvasUpdate CanvasAction = "update"
	// CanvasDelete deletes objects.
	CanvasDelete CanvasAction = "delete"
)

// CanvasOp is an auxiliary canvas mutation emitted by the agent.
type CanvasOp struct {
	Action    CanvasAction   `json:"action"`
	ObjectID  ObjectID       `json:"objectId,omitempty"`
	Kind      ObjectKind     `json:"kind,omitempty"`
	X         float64        `json:"x,omitempty"`
	Y         float64        `json:"y,omitempty"`
	Props     map[string]any `json:"props,omitempty"`
	ObjectIDs []ObjectID     `json:"objectIds,omitempty"`
}

// Unknown preserves a message whose type is not recognised.
type Unknown struct {
	Kind MessageType
	Raw  json.RawMessage
}

func (System) Type() MessageType     { return MessageSystem }
func (TextDelta) Type() MessageType  { return MessageTextDelta }
func (TextDone) Type() MessageType   { return MessageTextDone }
func (ToolUse) Type() MessageType    { return MessageToolUse }
func (ToolResult) Type() MessageType { return MessageToolResult }
func (Result) Type() MessageType     { return MessageResult }
func (Error) Type() MessageType      { return MessageError }
func (CanvasOp) Type() MessageType   { return MessageCanvas }
func (u Unknown) Type() MessageType  { return u.Kind }

func (System) message()     {}
func (TextDelta) message()  {}
func (TextDone) message()   {}
func (ToolUse) message()    {}
func (ToolResult) message() {}
func (Result) message()     {}
func (Error) message()      {}
func (CanvasOp) message()   {}
func (Unknown) message()    {}

// IsTerminal reports whether the message ends a run.
func IsTerminal(msg Message) bool {
	switch msg.(type) {
	case Result, Error:
		return true
	default:
		return false
	}
}

type envelope struct {
	Type MessageType `json:"type"`
}

// DecodeMessage parses one JSON frame payload into a Message.
func DecodeMessage(data []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	var (
		msg Message
		err error
	)
	switch env.Type {
	case MessageSystem:
		var m System
		err = json.Unmarshal(data, &m)
		msg = m
	case MessageTextDelta:
		var m TextDelta
		err = json.Unmarshal(data, &m)
		msg = m
	case MessageTextDone:
		msg = TextDone{}
	case MessageToolUse:
		var m ToolUse
		err = json.Unmarshal(data, &m)
		msg = m
	case MessageToolResult:
		var m ToolResult
		err = json.Unmarshal(data, &m)
		msg = m
	case MessageResult:
		var m Result
		err = json.Unmarshal(data, &m)
		msg = m
	case MessageError:
		var m Error
		err = json.Unmarshal(data, &m)
		msg = m
	case MessageCanvas:
		var m CanvasOp
		err = json.Unmarshal(data, &m)
		msg = m
	default:
		msg = Unknown{Kind: env.Type, Raw: append(json.RawMessage(nil), data...)}
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidMessage, env.Type, err)
	}
	return msg, nil
}

// EncodeMessage renders a Message as a JSON frame payload including its type tag.
func EncodeMessage(msg Message) ([]byte, error) {
	if u, ok := msg.(Unknown); ok {
		return append([]byte(nil), u.Raw...), nil
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, err
	}
	tag, err := json.Marshal(msg.Type())
	if err != nil {
		return nil, err
	}
	fields["type"] = tag
	return json.Marshal(fields)
}
