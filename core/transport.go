package core

import (
	"context"

	"pkt.systems/easel/schema"
)

// Transport opens agent streams.
type Transport interface {
	Open(ctx context.Context, req OpenRequest) (MessageStream, error)
}

// OpenRequest describes one run submitted to the agent.
type OpenRequest struct {
	RunID           schema.RunID
	Prompt          string
	Context         string
	ResumeSessionID schema.SessionID
}

// MessageStream yields ordered protocol messages. Next returns io.EOF at a clean end.
type MessageStream interface {
	Next(ctx context.Context) (schema.Message, error)
	Close() error
}

// TransportFunc adapts a function to Transport.
type TransportFunc func(ctx context.Context, req OpenRequest) (MessageStream, error)

// Open implements Transport.
func (f TransportFunc) Open(ctx context.Context, req OpenRequest) (MessageStream, error) {
	return f(ctx, req)
}
