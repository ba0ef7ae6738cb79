package eventbus

import (
	"context"
	"sync"

	"pkt.systems/easel/schema"
	"pkt.systems/pslog"
)

// Topic partitions subscribers.
type Topic string

const (
	// TopicConversation carries conversation store changes.
	TopicConversation Topic = "conversation"
	// TopicCanvas carries canvas document mutations.
	TopicCanvas Topic = "canvas"
)

// EventType identifies the event payload.
type EventType string

const (
	// EventChanged reports a new conversation store version.
	EventChanged EventType = "changed"
	// EventCanvas reports mutated canvas objects.
	EventCanvas EventType = "canvas"
)

// Event is a change notification. Subscribers pull current state on receipt;
// the event only says what moved.
type Event struct {
	Type       EventType
	Version    uint64
	Generation uint64
	Status     schema.RunStatus
	Objects    []schema.ObjectID
}

// Bus fans events out to per-topic subscribers. Publishing never blocks:
// a subscriber whose channel is full misses the event.
type Bus struct {
	mu    sync.Mutex
	subs  map[Topic]map[chan Event]struct{}
	log   pslog.Logger
	depth int
}

// New constructs a Bus.
func New(logger pslog.Logger) *Bus {
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	return &Bus{
		subs:  make(map[Topic]map[chan Event]struct{}),
		log:   logger,
		depth: 256,
	}
}

// Subscribe registers a subscriber for the topic and returns a channel + cancel.
// A depth of 1 turns the channel into a latest-change signal: bursts collapse
// into one pending event.
func (b *Bus) Subscribe(topic Topic, depth int) (<-chan Event, func()) {
	if b == nil {
		return nil, func() {}
	}
	if depth <= 0 {
		depth = b.depth
	}
	ch := make(chan Event, depth)
	b.mu.Lock()
	topicSubs := b.subs[topic]
	if topicSubs == nil {
		topicSubs = make(map[chan Event]struct{})
		b.subs[topic] = topicSubs
	}
	topicSubs[ch] = struct{}{}
	count := len(topicSubs)
	b.mu.Unlock()
	b.log.With("topic", topic).Debug("eventbus subscribe", "subs", count, "depth", depth)
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			if subs := b.subs[topic]; subs != nil {
				delete(subs, ch)
				if len(subs) == 0 {
					delete(b.subs, topic)
				}
			}
			b.mu.Unlock()
			close(ch)
			b.log.With("topic", topic).Debug("eventbus unsubscribe")
		})
	}
}

// OnChange publishes a conversation change.
func (b *Bus) OnChange(version, generation uint64, status schema.RunStatus) {
	b.publish(TopicConversation, Event{Type: EventChanged, Version: version, Generation: generation, Status: status})
}

// OnCanvas publishes a canvas mutation.
func (b *Bus) OnCanvas(ids ...schema.ObjectID) {
	b.publish(TopicCanvas, Event{Type: EventCanvas, Objects: ids})
}

func (b *Bus) publish(topic Topic, event Event) {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	topicSubs := b.subs[topic]
	if len(topicSubs) == 0 {
		return
	}
	dropped := 0
	for sub := range topicSubs {
		select {
		case sub <- event:
		default:
			dropped++
		}
	}
	if dropped > 0 {
		b.log.With("topic", topic).Trace("eventbus dropped", "count", dropped)
	}
}
