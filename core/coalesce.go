package core

import (
	"fmt"
	"strings"
	"sync"

	"pkt.systems/easel/schema"
)

// defaultRunID prefixes turn ids when the history carries no prompt.
const defaultRunID schema.RunID = "run"

// Coalesce derives the ordered turn list from the history. It is a pure
// function: the same history and status always yield the same turns, and
// appending to the history changes at most the last turn or appends new ones.
//
// The returned turns share no memory with history.
func Coalesce(history []schema.Entry, status schema.RunStatus) []schema.Turn {
	c := coalescer{cur: -1, text: -1, runID: defaultRunID}
	for _, entry := range history {
		switch {
		case entry.Prompt != nil:
			c.prompt(*entry.Prompt)
		case entry.Stop != nil:
			c.stop()
		case entry.Message != nil:
			c.message(entry.Message)
		}
	}
	c.flushText(false)
	if c.cur >= 0 && c.cur == len(c.turns)-1 && status.Active() {
		c.turns[c.cur].Streaming = true
	}
	return c.turns
}

type coalescer struct {
	turns []schema.Turn
	runID schema.RunID
	// cur is the index of the open assistant turn, -1 at a boundary.
	cur int
	// text is the segment index of the open text segment in the current turn.
	text    int
	textBuf strings.Builder
	tools   map[string]int
}

func (c *coalescer) nextID() schema.TurnID {
	return schema.TurnID(fmt.Sprintf("%s:%d", c.runID, len(c.turns)))
}

func (c *coalescer) prompt(p schema.Prompt) {
	c.closeTurn()
	if p.RunID != "" {
		c.runID = p.RunID
	}
	c.turns = append(c.turns, schema.Turn{
		ID:      c.nextID(),
		Role:    schema.RoleUser,
		Content: p.Text,
		At:      p.At,
	})
}

func (c *coalescer) stop() {
	if c.cur < 0 {
		return
	}
	c.turns[c.cur].Interrupted = true
	c.closeTurn()
}

func (c *coalescer) message(msg schema.Message) {
	switch m := msg.(type) {
	case schema.System:
		c.openTurn()
	case schema.TextDelta:
		c.openTurn()
		if c.text < 0 {
			c.text = c.appendSegment(schema.TextSegment{})
		}
		c.textBuf.WriteString(m.Content)
	case schema.TextDone:
		c.flushText(true)
	case schema.ToolUse:
		c.openTurn()
		c.flushText(true)
		idx := c.appendSegment(schema.ToolSegment{ToolID: m.ToolID, Tool: m.Tool, Input: cloneRaw(m.Input)})
		if m.ToolID != "" {
			c.tools[m.ToolID] = idx
		}
	case schema.ToolResult:
		c.openTurn()
		output := m.Output
		if idx, ok := c.tools[m.ToolID]; ok {
			tool := c.turns[c.cur].Segments[idx].(schema.ToolSegment)
			tool.Output = &output
			c.turns[c.cur].Segments[idx] = tool
			return
		}
		c.flushText(true)
		idx := c.appendSegment(schema.ToolSegment{ToolID: m.ToolID, Tool: schema.UnknownTool, Output: &output})
		if m.ToolID != "" {
			c.tools[m.ToolID] = idx
		}
	case schema.Result:
		c.openTurn()
		usage := m.Usage()
		c.turns[c.cur].Result = &usage
		c.closeTurn()
	case schema.Error:
		c.openTurn()
		c.turns[c.cur].Error = m.Message
		c.closeTurn()
	default:
		// canvas ops and unknown types carry no turn structure
	}
}

// openTurn starts an assistant turn unless one is already open.
func (c *coalescer) openTurn() {
	if c.cur >= 0 {
		return
	}
	c.turns = append(c.turns, schema.Turn{ID: c.nextID(), Role: schema.RoleAssistant})
	c.cur = len(c.turns) - 1
	c.text = -1
	c.tools = make(map[string]int)
}

func (c *coalescer) closeTurn() {
	if c.cur < 0 {
		return
	}
	c.flushText(true)
	c.cur = -1
	c.tools = nil
}

func (c *coalescer) appendSegment(seg schema.Segment) int {
	turn := &c.turns[c.cur]
	turn.Segments = append(turn.Segments, seg)
	return len(turn.Segments) - 1
}

// flushText writes the buffered text into the open text segment.
func (c *coalescer) flushText(finalize bool) {
	if c.cur < 0 || c.text < 0 {
		return
	}
	c.turns[c.cur].Segments[c.text] = schema.TextSegment{Content: c.textBuf.String(), Finalized: finalize}
	if finalize {
		c.text = -1
		c.textBuf.Reset()
	}
}

func cloneRaw(raw []byte) []byte {
	if len(raw) == 0 {
		return nil
	}
	out := make([]byte, len(raw))
	copy(out, raw)
	return out
}

// Coalescer memoises Coalesce. Histories are append-only between resets, so
// the backing array identity, length and status are enough to detect a change.
// Callers must treat returned turns as read-only.
type Coalescer struct {
	mu     sync.Mutex
	valid  bool
	key    memoKey
	turns  []schema.Turn
	misses uint64
}

type memoKey struct {
	first  *schema.Entry
	length int
	status schema.RunStatus
}

// Turns returns the coalesced turns, recomputing only when the history or status changed.
func (c *Coalescer) Turns(history []schema.Entry, status schema.RunStatus) []schema.Turn {
	key := memoKey{length: len(history), status: status}
	if len(history) > 0 {
		key.first = &history[0]
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.valid && c.key == key {
		return c.turns
	}
	c.turns = Coalesce(history, status)
	c.key = key
	c.valid = true
	c.misses++
	return c.turns
}

// Recomputations reports how many times Turns had to re-derive the list.
func (c *Coalescer) Recomputations() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.misses
}
