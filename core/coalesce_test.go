package core

import (
	"reflect"
	"testing"
	"time"

	"pkt.systems/easel/schema"
)

func promptAt(runID schema.RunID, text string) schema.Entry {
	return schema.PromptEntry(schema.Prompt{RunID: runID, Text: text, At: time.Unix(1700000000, 0).UTC()})
}

func msgs(list ...schema.Message) []schema.Entry {
	out := make([]schema.Entry, 0, len(list))
	for _, msg := range list {
		out = append(out, schema.MessageEntry(msg))
	}
	return out
}

func assistantTurns(turns []schema.Turn) []schema.Turn {
	var out []schema.Turn
	for _, turn := range turns {
		if turn.Role == schema.RoleAssistant {
			out = append(out, turn)
		}
	}
	return out
}

func countStreaming(turns []schema.Turn) int {
	n := 0
	for _, turn := range turns {
		if turn.Streaming {
			n++
		}
	}
	return n
}

func TestCoalesceTextThenResult(t *testing.T) {
	history := msgs(
		schema.System{SessionID: "s1"},
		schema.TextDelta{Content: "Hel"},
		schema.TextDelta{Content: "lo"},
		schema.TextDone{},
		schema.Result{Cost: 0.01, InputTokens: 10, OutputTokens: 5},
	)
	turns := Coalesce(history, schema.RunDone)
	if len(turns) != 1 {
		t.Fatalf("expected one turn, got %d", len(turns))
	}
	turn := turns[0]
	if turn.Role != schema.RoleAssistant || turn.Streaming {
		t.Fatalf("unexpected turn: %+v", turn)
	}
	if len(turn.Segments) != 1 {
		t.Fatalf("expected one segment, got %#v", turn.Segments)
	}
	text, ok := turn.Segments[0].(schema.TextSegment)
	if !ok || text.Content != "Hello" || !text.Finalized {
		t.Fatalf("unexpected segment: %#v", turn.Segments[0])
	}
	want := schema.Usage{Cost: 0.01, InputTokens: 10, OutputTokens: 5}
	if turn.Result == nil || *turn.Result != want {
		t.Fatalf("unexpected result: %+v", turn.Result)
	}
}

func TestCoalesceToolWhileRunning(t *testing.T) {
	history := msgs(
		schema.ToolUse{ToolID: "t1", Tool: "Search"},
		schema.ToolResult{ToolID: "t1", Output: "42"},
	)
	turns := Coalesce(history, schema.RunRunning)
	if len(turns) != 1 {
		t.Fatalf("expected one turn, got %d", len(turns))
	}
	if !turns[0].Streaming {
		t.Fatalf("expected streaming turn")
	}
	if len(turns[0].Segments) != 1 {
		t.Fatalf("expected one segment, got %#v", turns[0].Segments)
	}
	tool, ok := turns[0].Segments[0].(schema.ToolSegment)
	if !ok || tool.Tool != "Search" || tool.Output == nil || *tool.Output != "42" {
		t.Fatalf("unexpected tool segment: %#v", turns[0].Segments[0])
	}
}

func TestCoalesceStopClosesTurn(t *testing.T) {
	history := append([]schema.Entry{promptAt("r1", "go")}, msgs(
		schema.System{SessionID: "s1"},
		schema.TextDelta{Content: "partial"},
	)...)
	history = append(history, schema.StopEntry(time.Unix(1700000001, 0)))
	turns := Coalesce(history, schema.RunIdle)
	if len(turns) != 2 {
		t.Fatalf("expected user + assistant turn, got %d", len(turns))
	}
	last := turns[1]
	if last.Streaming || !last.Interrupted {
		t.Fatalf("expected interrupted non-streaming turn, got %+v", last)
	}
	text := last.Segments[0].(schema.TextSegment)
	if !text.Finalized || text.Content != "partial" {
		t.Fatalf("expected finalized partial text, got %#v", text)
	}
}

func TestCoalesceIsPure(t *testing.T) {
	history := append([]schema.Entry{promptAt("r1", "hi")}, msgs(
		schema.System{SessionID: "s1"},
		schema.TextDelta{Content: "a"},
		schema.ToolUse{ToolID: "t1", Tool: "Read", Input: []byte(`{"path":"x"}`)},
		schema.TextDelta{Content: "b"},
	)...)
	first := Coalesce(history, schema.RunRunning)
	second := Coalesce(history, schema.RunRunning)
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("coalesce is not deterministic:\n%#v\n%#v", first, second)
	}
}

func TestCoalesceSingleStreamingTurn(t *testing.T) {
	history := []schema.Entry{promptAt("r1", "hi")}
	history = append(history, msgs(schema.System{SessionID: "s1"})...)
	if got := countStreaming(Coalesce(history, schema.RunRunning)); got != 1 {
		t.Fatalf("expected one streaming turn after system, got %d", got)
	}
	history = append(history, msgs(
		schema.TextDelta{Content: "x"},
		schema.Result{},
	)...)
	if got := countStreaming(Coalesce(history, schema.RunRunning)); got != 0 {
		t.Fatalf("expected no streaming turn after terminal message, got %d", got)
	}
	history = append(history, msgs(schema.TextDelta{Content: "late"})...)
	turns := Coalesce(history, schema.RunRunning)
	if got := countStreaming(turns); got != 1 {
		t.Fatalf("expected a single streaming turn, got %d", got)
	}
	if !turns[len(turns)-1].Streaming {
		t.Fatalf("only the most recent turn may stream")
	}
	for _, status := range []schema.RunStatus{schema.RunIdle, schema.RunDone, schema.RunError} {
		if got := countStreaming(Coalesce(history, status)); got != 0 {
			t.Fatalf("status %s: expected no streaming turns, got %d", status, got)
		}
	}
}

func TestCoalescePrefixStability(t *testing.T) {
	full := append([]schema.Entry{promptAt("r1", "hi")}, msgs(
		schema.System{SessionID: "s1"},
		schema.TextDelta{Content: "one"},
		schema.TextDone{},
		schema.ToolUse{ToolID: "t1", Tool: "Search"},
		schema.ToolResult{ToolID: "t1", Output: "ok"},
		schema.Result{Cost: 0.5},
	)...)
	full = append(full, promptAt("r1", "again"))
	full = append(full, msgs(schema.TextDelta{Content: "two"}, schema.Error{Message: "boom"})...)

	for n := 1; n < len(full); n++ {
		before := Coalesce(full[:n], schema.RunRunning)
		after := Coalesce(full[:n+1], schema.RunRunning)
		if len(after) < len(before) || len(after) > len(before)+1 {
			t.Fatalf("step %d: turn count went from %d to %d", n, len(before), len(after))
		}
		for i := range before {
			if before[i].ID != after[i].ID {
				t.Fatalf("step %d: turn %d id changed from %s to %s", n, i, before[i].ID, after[i].ID)
			}
			if i < len(before)-1 && !reflect.DeepEqual(before[i], after[i]) {
				t.Fatalf("step %d: closed turn %d was mutated", n, i)
			}
		}
	}
}

func TestCoalesceUnknownToolResultIsKept(t *testing.T) {
	turns := Coalesce(msgs(schema.ToolResult{ToolID: "ghost", Output: "data"}), schema.RunDone)
	if len(turns) != 1 || len(turns[0].Segments) != 1 {
		t.Fatalf("expected one turn with one segment, got %#v", turns)
	}
	tool, ok := turns[0].Segments[0].(schema.ToolSegment)
	if !ok || tool.Tool != schema.UnknownTool || tool.Output == nil || *tool.Output != "data" {
		t.Fatalf("unexpected segment: %#v", turns[0].Segments[0])
	}
	if !schema.ToolCompleted(turns[0], 0) {
		t.Fatalf("synthetic tool segment should be completed")
	}
}

func TestCoalesceToolResultFromClosedTurnBindsToCurrent(t *testing.T) {
	history := msgs(
		schema.ToolUse{ToolID: "t1", Tool: "Search"},
		schema.Result{},
		schema.ToolResult{ToolID: "t1", Output: "late"},
	)
	turns := Coalesce(history, schema.RunRunning)
	if len(turns) != 2 {
		t.Fatalf("expected two assistant turns, got %d", len(turns))
	}
	first := turns[0].Segments[0].(schema.ToolSegment)
	if first.Output != nil {
		t.Fatalf("closed turn must not be mutated, got output %q", *first.Output)
	}
	second := turns[1].Segments[0].(schema.ToolSegment)
	if second.Tool != schema.UnknownTool || second.Output == nil || *second.Output != "late" {
		t.Fatalf("unexpected rebound segment: %#v", second)
	}
}

func TestCoalesceTextDoesNotSpanTools(t *testing.T) {
	history := msgs(
		schema.TextDelta{Content: "before"},
		schema.ToolUse{ToolID: "t1", Tool: "Read"},
		schema.TextDelta{Content: "after"},
		schema.TextDone{},
		schema.TextDelta{Content: "third"},
	)
	turns := Coalesce(history, schema.RunRunning)
	segs := turns[0].Segments
	if len(segs) != 4 {
		t.Fatalf("expected 4 segments, got %#v", segs)
	}
	if text := segs[0].(schema.TextSegment); text.Content != "before" || !text.Finalized {
		t.Fatalf("unexpected first segment: %#v", text)
	}
	if !schema.ToolCompleted(turns[0], 1) {
		t.Fatalf("tool followed by a later segment should be completed")
	}
	if text := segs[2].(schema.TextSegment); text.Content != "after" || !text.Finalized {
		t.Fatalf("unexpected third segment: %#v", text)
	}
	if text := segs[3].(schema.TextSegment); text.Content != "third" || text.Finalized {
		t.Fatalf("unexpected open segment: %#v", text)
	}
}

func TestCoalesceUserTurnsInterleave(t *testing.T) {
	history := []schema.Entry{promptAt("r1", "first")}
	history = append(history, msgs(schema.TextDelta{Content: "a"}, schema.Result{})...)
	history = append(history, promptAt("r2", "second"))
	history = append(history, msgs(schema.TextDelta{Content: "b"})...)
	turns := Coalesce(history, schema.RunRunning)
	roles := []schema.Role{schema.RoleUser, schema.RoleAssistant, schema.RoleUser, schema.RoleAssistant}
	if len(turns) != len(roles) {
		t.Fatalf("expected %d turns, got %d", len(roles), len(turns))
	}
	for i, role := range roles {
		if turns[i].Role != role {
			t.Fatalf("turn %d: expected %s, got %s", i, role, turns[i].Role)
		}
	}
	if turns[0].ID != "r1:0" || turns[1].ID != "r1:1" || turns[2].ID != "r2:2" || turns[3].ID != "r2:3" {
		t.Fatalf("unexpected ids: %s %s %s %s", turns[0].ID, turns[1].ID, turns[2].ID, turns[3].ID)
	}
	if turns[2].Content != "second" {
		t.Fatalf("unexpected user content: %q", turns[2].Content)
	}
	if len(assistantTurns(turns)) != 2 {
		t.Fatalf("expected two assistant turns")
	}
}

func TestCoalesceIgnoresCanvasAndUnknown(t *testing.T) {
	history := msgs(
		schema.CanvasOp{Action: schema.CanvasCreate, Kind: "note"},
		schema.Unknown{Kind: "telemetry"},
	)
	if turns := Coalesce(history, schema.RunRunning); len(turns) != 0 {
		t.Fatalf("expected no turns, got %#v", turns)
	}
}

func TestCoalesceErrorWithoutTurn(t *testing.T) {
	history := []schema.Entry{promptAt("r1", "hi")}
	history = append(history, msgs(schema.Error{Message: "unauthorized"})...)
	turns := Coalesce(history, schema.RunError)
	if len(turns) != 2 || turns[1].Error != "unauthorized" || turns[1].Streaming {
		t.Fatalf("unexpected turns: %#v", turns)
	}
}

func TestCoalescerMemoises(t *testing.T) {
	var c Coalescer
	history := append([]schema.Entry{promptAt("r1", "hi")}, msgs(schema.TextDelta{Content: "a"})...)
	first := c.Turns(history, schema.RunRunning)
	second := c.Turns(history, schema.RunRunning)
	if c.Recomputations() != 1 {
		t.Fatalf("expected a single recomputation, got %d", c.Recomputations())
	}
	if &first[0] != &second[0] {
		t.Fatalf("expected memoised slice to be returned")
	}
	c.Turns(history, schema.RunDone)
	if c.Recomputations() != 2 {
		t.Fatalf("status change should recompute, got %d", c.Recomputations())
	}
	history = append(history, schema.MessageEntry(schema.TextDelta{Content: "b"}))
	turns := c.Turns(history, schema.RunDone)
	if c.Recomputations() != 3 {
		t.Fatalf("history growth should recompute, got %d", c.Recomputations())
	}
	if text := turns[1].Segments[0].(schema.TextSegment); text.Content != "ab" {
		t.Fatalf("unexpected text: %q", text.Content)
	}
}
