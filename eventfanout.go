package easel

import (
	"context"

	"pkt.systems/easel/core"
	"pkt.systems/easel/internal/eventbus"
	"pkt.systems/easel/schema"
)

type eventSink interface {
	OnView(view core.View)
	OnCanvas(ids []schema.ObjectID)
}

// eventFanout forwards store changes and canvas mutations to every sink.
type eventFanout struct {
	source core.TurnSource
	bus    *eventbus.Bus
	sinks  []eventSink
}

func (f eventFanout) Run(ctx context.Context) error {
	changes, cancel := f.source.Subscribe()
	defer cancel()
	var canvasCh <-chan eventbus.Event
	if f.bus != nil {
		ch, cancelCanvas := f.bus.Subscribe(eventbus.TopicCanvas, 0)
		defer cancelCanvas()
		canvasCh = ch
	}
	f.onView(f.source.View())
	for {
		select {
		case <-ctx.Done():
			return nil
		case _, ok := <-changes:
			if !ok {
				return nil
			}
			f.onView(f.source.View())
		case event, ok := <-canvasCh:
			if !ok {
				canvasCh = nil
				continue
			}
			f.onCanvas(event.Objects)
		}
	}
}

func (f eventFanout) onView(view core.View) {
	for _, sink := range f.sinks {
		if sink == nil {
			continue
		}
		sink.OnView(view)
	}
}

func (f eventFanout) onCanvas(ids []schema.ObjectID) {
	for _, sink := range f.sinks {
		if sink == nil {
			continue
		}
		sink.OnCanvas(ids)
	}
}
