package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"pkt.systems/easel/core"
	"pkt.systems/easel/internal/sse"
	"pkt.systems/easel/schema"
	"pkt.systems/pslog"
)

// Config configures the HTTP agent transport.
type Config struct {
	URL            string
	Headers        map[string]string
	ConnectTimeout time.Duration
}

// HTTP posts prompts to the agent endpoint and decodes the event-stream response.
type HTTP struct {
	cfg    Config
	client *http.Client
}

type requestBody struct {
	RunID     schema.RunID     `json:"runId"`
	Prompt    string           `json:"prompt"`
	Context   string           `json:"context,omitempty"`
	SessionID schema.SessionID `json:"sessionId,omitempty"`
}

// NewHTTP constructs an HTTP transport. A nil client uses a client whose dial
// and header timeouts follow ConnectTimeout; the body itself is unbounded.
func NewHTTP(cfg Config, client *http.Client) *HTTP {
	if client == nil {
		timeout := cfg.ConnectTimeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		client = &http.Client{Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			ResponseHeaderTimeout: timeout,
			TLSHandshakeTimeout:   timeout,
		}}
	}
	return &HTTP{cfg: cfg, client: client}
}

// Open implements core.Transport. Cancelling ctx aborts the request and closes the body.
func (t *HTTP) Open(ctx context.Context, req core.OpenRequest) (core.MessageStream, error) {
	log := pslog.Ctx(ctx)
	url := strings.TrimSpace(t.cfg.URL)
	if url == "" {
		return nil, schema.ErrTransportUnavailable
	}
	payload, err := json.Marshal(requestBody{
		RunID:     req.RunID,
		Prompt:    req.Prompt,
		Context:   req.Context,
		SessionID: req.ResumeSessionID,
	})
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, &schema.TransportError{Err: fmt.Errorf("build request: %w", err)}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	for key, value := range t.cfg.Headers {
		httpReq.Header.Set(key, value)
	}

	started := time.Now()
	resp, err := t.client.Do(httpReq)
	if err != nil {
		log.Warn("agent request failed", "url", url, "err", err)
		return nil, &schema.TransportError{Err: fmt.Errorf("request %s: %w", url, err)}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		_ = resp.Body.Close()
		log.Warn("agent request rejected", "url", url, "status", resp.StatusCode)
		return nil, &schema.TransportError{
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("request %s failed: %s; body=%s", url, resp.Status, strings.TrimSpace(string(body))),
		}
	}
	log.Debug("agent stream opened", "url", url, "status", resp.StatusCode, "duration_ms", time.Since(started).Milliseconds())
	return sse.NewStream(ctx, resp.Body), nil
}
