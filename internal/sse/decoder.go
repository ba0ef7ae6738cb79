package sse

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"pkt.systems/easel/schema"
	"pkt.systems/pslog"
)

const (
	dataPrefix   = "data:"
	readSize     = 32 << 10
	previewLimit = 200
)

// ErrTruncated reports a stream that closed in the middle of a frame.
var ErrTruncated = errors.New("stream closed mid-frame")

// Decoder turns a chunked event-stream body into ordered protocol messages.
// A frame is one or more "data:" lines terminated by a blank line.
type Decoder struct {
	reader  io.Reader
	buf     []byte
	pending []byte
	queue   []schema.Message
	chunk   []byte
	eof     bool
	done    bool
	frames  int
}

// NewDecoder returns a decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{reader: r, chunk: make([]byte, readSize)}
}

// Frames returns the number of complete frames consumed so far.
func (d *Decoder) Frames() int {
	return d.frames
}

// Next returns the next message. It returns io.EOF once the stream is drained.
// A truncated tail yields a synthetic schema.Error before io.EOF.
func (d *Decoder) Next(ctx context.Context) (schema.Message, error) {
	for {
		if len(d.queue) > 0 {
			msg := d.queue[0]
			d.queue = d.queue[1:]
			return msg, nil
		}
		if d.done {
			return nil, io.EOF
		}
		if d.drainFrames(ctx) {
			continue
		}
		if d.eof {
			d.finish(ctx)
			d.done = true
			continue
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		n, err := d.reader.Read(d.chunk)
		if n > 0 {
			d.buf = append(d.buf, d.chunk[:n]...)
			d.buf = bytes.ReplaceAll(d.buf, []byte("\r\n"), []byte("\n"))
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				d.eof = true
				continue
			}
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, &schema.TransportError{Err: err}
		}
	}
}

// drainFrames consumes every complete frame in the buffer. It reports whether
// the buffer shrank, so the caller re-checks the queue before reading again.
func (d *Decoder) drainFrames(ctx context.Context) bool {
	progressed := false
	for {
		idx := bytes.Index(d.buf, []byte("\n\n"))
		if idx < 0 {
			return progressed
		}
		block := d.buf[:idx]
		d.buf = d.buf[idx+2:]
		progressed = true
		data, ok := frameData(block)
		if !ok {
			continue
		}
		d.frames++
		d.accept(ctx, data)
	}
}

// accept decodes a frame payload, joining it with a previously failed payload.
// A payload that fails on its own is held until the next frame arrives; if the
// join fails too, the held payload is reported as an error and the new one is
// tried alone.
func (d *Decoder) accept(ctx context.Context, data []byte) {
	if len(d.pending) > 0 {
		joined := append(append([]byte(nil), d.pending...), data...)
		if msg, err := schema.DecodeMessage(joined); err == nil {
			d.pending = nil
			d.queue = append(d.queue, msg)
			return
		}
		d.reject(ctx, d.pending)
		d.pending = nil
	}
	msg, err := schema.DecodeMessage(data)
	if err == nil {
		d.queue = append(d.queue, msg)
		return
	}
	pslog.Ctx(ctx).Debug("sse frame held for retry", "bytes", len(data), "err", err)
	d.pending = append([]byte(nil), data...)
}

func (d *Decoder) reject(ctx context.Context, data []byte) {
	text := string(bytes.TrimSpace(data))
	preview := previewText(text, previewLimit)
	pslog.Ctx(ctx).Warn("sse frame decode failed", "preview", preview, "truncated", len(preview) < len(text))
	d.queue = append(d.queue, schema.Error{Message: fmt.Sprintf("%v: %s", schema.ErrInvalidMessage, preview)})
}

// finish handles whatever is left when the body closes.
func (d *Decoder) finish(ctx context.Context) {
	tail := bytes.TrimSpace(d.buf)
	d.buf = nil
	if len(tail) > 0 {
		data, ok := frameData(tail)
		if ok {
			joined := data
			if len(d.pending) > 0 {
				joined = append(append([]byte(nil), d.pending...), data...)
			}
			if msg, err := schema.DecodeMessage(joined); err == nil {
				d.pending = nil
				d.frames++
				d.queue = append(d.queue, msg)
				return
			}
		}
		if !ok && len(d.pending) == 0 && !bytes.Contains(tail, []byte(dataPrefix)) {
			return
		}
		d.pending = nil
		pslog.Ctx(ctx).Warn("sse stream truncated", "tail_bytes", len(tail))
		d.queue = append(d.queue, schema.Error{Message: ErrTruncated.Error()})
		return
	}
	if len(d.pending) > 0 {
		pslog.Ctx(ctx).Warn("sse stream truncated", "pending_bytes", len(d.pending))
		d.pending = nil
		d.queue = append(d.queue, schema.Error{Message: ErrTruncated.Error()})
	}
}

// frameData extracts the joined data payload of a frame. Comment, id and event
// lines are ignored; a block without data lines reports false.
func frameData(block []byte) ([]byte, bool) {
	var out []byte
	found := false
	for _, line := range bytes.Split(block, []byte("\n")) {
		line = bytes.TrimSuffix(line, []byte("\r"))
		if !bytes.HasPrefix(line, []byte(dataPrefix)) {
			continue
		}
		value := line[len(dataPrefix):]
		value = bytes.TrimPrefix(value, []byte(" "))
		if found {
			out = append(out, '\n')
		}
		out = append(out, value...)
		found = true
	}
	if !found || len(bytes.TrimSpace(out)) == 0 {
		return nil, false
	}
	return out, true
}

func previewText(value string, max int) string {
	if max <= 0 || len(value) <= max {
		return value
	}
	return value[:max]
}
