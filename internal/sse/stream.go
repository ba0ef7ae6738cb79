package sse

import (
	"context"
	"errors"
	"io"
	"sync"

	"pkt.systems/easel/schema"
	"pkt.systems/pslog"
)

// Stream pumps a Decoder on its own goroutine so callers can select on
// cancellation while a read is blocked.
type Stream struct {
	body     io.ReadCloser
	messages chan schema.Message
	errMu    sync.Mutex
	err      error
	once     sync.Once
	log      pslog.Logger
}

// NewStream starts decoding body. The body is closed when the stream ends or Close is called.
func NewStream(ctx context.Context, body io.ReadCloser) *Stream {
	stream := &Stream{
		body:     body,
		messages: make(chan schema.Message, 256),
		log:      pslog.Ctx(ctx),
	}
	go stream.read(ctx)
	return stream
}

func (s *Stream) read(ctx context.Context) {
	defer close(s.messages)
	defer func() { _ = s.Close() }()
	decoder := NewDecoder(s.body)
	count := 0
	for {
		msg, err := decoder.Next(ctx)
		if err != nil {
			switch {
			case errors.Is(err, io.EOF):
				s.log.Debug("sse stream completed", "messages", count, "frames", decoder.Frames())
			case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
				s.log.Debug("sse stream canceled", "messages", count, "err", err)
				s.setErr(err)
			default:
				s.log.Warn("sse stream error", "messages", count, "err", err)
				s.setErr(err)
			}
			return
		}
		count++
		s.log.Trace("sse message", "type", msg.Type())
		select {
		case s.messages <- msg:
		case <-ctx.Done():
			s.setErr(ctx.Err())
			return
		}
	}
}

func (s *Stream) setErr(err error) {
	if err == nil {
		return
	}
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

// Next returns the next message, io.EOF at a clean end, or the stream error.
func (s *Stream) Next(ctx context.Context) (schema.Message, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case msg, ok := <-s.messages:
		if ok {
			return msg, nil
		}
		s.errMu.Lock()
		err := s.err
		s.errMu.Unlock()
		if err != nil {
			return nil, err
		}
		return nil, io.EOF
	}
}

// Close releases the underlying body. Safe to call more than once.
func (s *Stream) Close() error {
	var err error
	s.once.Do(func() {
		if s.body != nil {
			err = s.body.Close()
		}
	})
	return err
}
