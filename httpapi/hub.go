package httpapi

import (
	"context"
	"sync"
	"time"

	"pkt.systems/easel/core"
	"pkt.systems/easel/schema"
	"pkt.systems/pslog"
)

// Stream event types.
const (
	EventSnapshot = "snapshot"
	EventTurns    = "turns"
	EventSync     = "sync"
	EventCanvas   = "canvas"
)

// StreamEvent is sent to SSE clients.
type StreamEvent struct {
	Seq        uint64            `json:"seq"`
	Type       string            `json:"type"`
	Version    uint64            `json:"version,omitempty"`
	Generation uint64            `json:"generation,omitempty"`
	Status     schema.RunStatus  `json:"status,omitempty"`
	Turns      []schema.Turn     `json:"turns,omitempty"`
	Sync       *core.SyncEvent   `json:"sync,omitempty"`
	Objects    []schema.ObjectID `json:"objectIds,omitempty"`
	Snapshot   *TurnsPayload     `json:"snapshot,omitempty"`
	Timestamp  time.Time         `json:"timestamp"`
}

// Hub broadcasts conversation and canvas events to stream clients and keeps
// a bounded history for Last-Event-ID replay.
type Hub struct {
	mu          sync.Mutex
	seq         uint64
	history     []StreamEvent
	subs        map[chan StreamEvent]struct{}
	historySize int
	lastVersion uint64
	lastGen     uint64
	log         pslog.Logger
}

// NewHub constructs a hub with the given history size.
func NewHub(historySize int, logger pslog.Logger) *Hub {
	if historySize <= 0 {
		historySize = 512
	}
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	return &Hub{
		subs:        make(map[chan StreamEvent]struct{}),
		historySize: historySize,
		log:         logger,
	}
}

// OnView publishes the turn list of a store view. Views that do not advance
// the store version are skipped.
func (h *Hub) OnView(view core.View) {
	snap := view.Snapshot
	h.mu.Lock()
	if h.seq > 0 && snap.Generation == h.lastGen && snap.Version <= h.lastVersion {
		h.mu.Unlock()
		return
	}
	h.lastVersion = snap.Version
	h.lastGen = snap.Generation
	h.mu.Unlock()
	h.log.Trace("hub turns event", "version", snap.Version, "generation", snap.Generation, "turns", len(view.Turns))
	h.publish(StreamEvent{
		Type:       EventTurns,
		Version:    snap.Version,
		Generation: snap.Generation,
		Status:     snap.Status,
		Turns:      view.Turns,
		Timestamp:  time.Now(),
	})
}

// OnSync publishes a synchronizer event.
func (h *Hub) OnSync(event core.SyncEvent) {
	h.log.Trace("hub sync event", "type", event.Type, "turn", event.TurnID, "object", event.ObjectID)
	ev := event
	h.publish(StreamEvent{
		Type:      EventSync,
		Sync:      &ev,
		Timestamp: time.Now(),
	})
}

// OnCanvas publishes ids of canvas objects that changed outside the synchronizer.
func (h *Hub) OnCanvas(ids []schema.ObjectID) {
	h.log.Trace("hub canvas event", "objects", len(ids))
	h.publish(StreamEvent{
		Type:      EventCanvas,
		Objects:   ids,
		Timestamp: time.Now(),
	})
}

// Subscribe registers a subscriber. It returns the current sequence number
// so callers can tell live events from replayed ones.
func (h *Hub) Subscribe() (<-chan StreamEvent, func(), uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	ch := make(chan StreamEvent, 256)
	h.subs[ch] = struct{}{}
	seq := h.seq
	h.log.Info("hub subscribe", "subs", len(h.subs), "seq", seq)
	var once sync.Once
	unsub := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, ch)
			close(ch)
			remaining := len(h.subs)
			h.mu.Unlock()
			h.log.Info("hub unsubscribe", "subs", remaining)
		})
	}
	return ch, unsub, seq
}

// Replay returns events after the provided seq and up to upTo inclusive.
func (h *Hub) Replay(after, upTo uint64) []StreamEvent {
	h.mu.Lock()
	defer h.mu.Unlock()
	events := make([]StreamEvent, 0, len(h.history))
	for _, event := range h.history {
		if event.Seq > after && event.Seq <= upTo {
			events = append(events, event)
		}
	}
	h.log.Debug("hub replay", "after", after, "count", len(events))
	return events
}

func (h *Hub) publish(event StreamEvent) {
	h.mu.Lock()
	h.seq++
	event.Seq = h.seq
	h.history = append(h.history, event)
	if len(h.history) > h.historySize {
		h.history = h.history[len(h.history)-h.historySize:]
	}
	dropped := 0
	for sub := range h.subs {
		select {
		case sub <- event:
		default:
			dropped++
		}
	}
	h.mu.Unlock()
	if dropped > 0 {
		h.log.Warn("hub event dropped", "type", event.Type, "dropped", dropped)
	}
}
