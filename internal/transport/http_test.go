package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"pkt.systems/easel/core"
	"pkt.systems/easel/schema"
)

func TestHTTPStreamsMessages(t *testing.T) {
	var got requestBody
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if r.Header.Get("X-Token") != "secret" {
			t.Errorf("expected configured header")
		}
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		_, _ = fmt.Fprint(w, "data: {\"type\":\"system\",\"sessionId\":\"s1\"}\n\n")
		flusher.Flush()
		_, _ = fmt.Fprint(w, "data: {\"type\":\"text_delta\",")
		flusher.Flush()
		_, _ = fmt.Fprint(w, "\"content\":\"hi\"}\n\n")
		flusher.Flush()
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	tr := NewHTTP(Config{URL: srv.URL, Headers: map[string]string{"X-Token": "secret"}}, nil)
	stream, err := tr.Open(ctx, core.OpenRequest{RunID: "r1", Prompt: "hello", ResumeSessionID: "s0"})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer func() { _ = stream.Close() }()

	var msgs []schema.Message
	for {
		msg, err := stream.Next(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			t.Fatalf("Next: %v", err)
		}
		msgs = append(msgs, msg)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %#v", msgs)
	}
	if delta, ok := msgs[1].(schema.TextDelta); !ok || delta.Content != "hi" {
		t.Fatalf("unexpected second message: %#v", msgs[1])
	}
	if got.Prompt != "hello" || got.SessionID != "s0" || got.RunID != "r1" {
		t.Fatalf("unexpected request body: %+v", got)
	}
}

func TestHTTPRejectsNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusPaymentRequired)
	}))
	defer srv.Close()

	tr := NewHTTP(Config{URL: srv.URL}, nil)
	_, err := tr.Open(context.Background(), core.OpenRequest{Prompt: "x"})
	var transportErr *schema.TransportError
	if !errors.As(err, &transportErr) {
		t.Fatalf("expected TransportError, got %v", err)
	}
	if transportErr.StatusCode != http.StatusPaymentRequired {
		t.Fatalf("expected status 402, got %d", transportErr.StatusCode)
	}
}

func TestHTTPRequiresURL(t *testing.T) {
	tr := NewHTTP(Config{}, nil)
	if _, err := tr.Open(context.Background(), core.OpenRequest{Prompt: "x"}); !errors.Is(err, schema.ErrTransportUnavailable) {
		t.Fatalf("expected ErrTransportUnavailable, got %v", err)
	}
}
