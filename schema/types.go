package schema

// SessionID identifies an agent session reported by the stream's system message.
type SessionID string

// RunID identifies a single run, from Start to its terminal message or cancellation.
type RunID string

// TurnID identifies a derived turn. It is a pure function of the history prefix.
type TurnID string

// ObjectID identifies an object in the canvas document.
type ObjectID string

// ObjectKind is the type tag of a canvas object.
type ObjectKind string

// KindAgentCard is the canvas object kind used for assistant turns.
const KindAgentCard ObjectKind = "agent-card"

// RunStatus is the conversation store's run state.
type RunStatus string

const (
	// RunIdle means no run is active (initial state, or after stop/reset).
	RunIdle RunStatus = "idle"
	// RunRunning means a stream is open and delivering messages.
	RunRunning RunStatus = "running"
	// RunDone means the last run ended with a result.
	RunDone RunStatus = "done"
	// RunError means the last run ended with an error.
	RunError RunStatus = "error"
)

// CanStart reports whether a new run may be started from this status.
func (s RunStatus) CanStart() bool {
	switch s {
	case RunIdle, RunDone, RunError, "":
		return true
	default:
		return false
	}
}

// Active reports whether the status represents an in-flight run.
func (s RunStatus) Active() bool {
	return s == RunRunning
}

// Usage carries cost and token statistics for a run.
type Usage struct {
	Cost         float64 `json:"cost"`
	InputTokens  int     `json:"inputTokens"`
	OutputTokens int     `json:"outputTokens"`
}

// Add returns the sum of two usage records.
func (u Usage) Add(other Usage) Usage {
	return Usage{
		Cost:         u.Cost + other.Cost,
		InputTokens:  u.InputTokens + other.InputTokens,
		OutputTokens: u.OutputTokens + other.OutputTokens,
	}
}

// Rect is an axis-aligned rectangle in canvas coordinates.
type Rect struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	W float64 `json:"w"`
	H float64 `json:"h"`
}

// Bottom returns the y coordinate of the rectangle's lower edge.
func (r Rect) Bottom() float64 {
	return r.Y + r.H
}

// Center returns the rectangle's center point.
func (r Rect) Center() (float64, float64) {
	return r.X + r.W/2, r.Y + r.H/2
}
