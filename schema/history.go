package schema

import "time"

// Prompt is a user submission recorded in the history at the time it was sent.
type Prompt struct {
	RunID   RunID     `json:"runId"`
	Text    string    `json:"text"`
	Context string    `json:"context,omitempty"`
	At      time.Time `json:"at"`
}

// Stop marks a manual stop of the in-flight run.
type Stop struct {
	At time.Time `json:"at"`
}

// Entry is one element of the conversation history. Exactly one field is set.
type Entry struct {
	Prompt  *Prompt
	Message Message
	Stop    *Stop
}

// PromptEntry wraps a prompt as a history entry.
func PromptEntry(p Prompt) Entry {
	return Entry{Prompt: &p}
}

// MessageEntry wraps a protocol message as a history entry.
func MessageEntry(msg Message) Entry {
	return Entry{Message: msg}
}

// StopEntry wraps a stop marker as a history entry.
func StopEntry(at time.Time) Entry {
	return Entry{Stop: &Stop{At: at}}
}
