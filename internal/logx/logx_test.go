package logx

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"pkt.systems/easel/schema"
	"pkt.systems/pslog"
)

func newCaptureLogger(capture *logCapture) pslog.Logger {
	return pslog.NewWithOptions(capture, pslog.Options{
		Mode:          pslog.ModeStructured,
		NoColor:       true,
		MinLevel:      pslog.InfoLevel,
		VerboseFields: true,
	})
}

func TestWithTurnAddsFields(t *testing.T) {
	capture := &logCapture{}
	log := WithTurn(newCaptureLogger(capture), "r1:1", "")
	log.Info("hello")

	entry := capture.firstEntry(t)
	if entry["turn"] != "r1:1" {
		t.Fatalf("expected turn field, got %+v", entry)
	}
	if _, ok := entry["object"]; ok {
		t.Fatalf("did not expect object for unmapped turn")
	}
}

func TestWithTurnAddsObject(t *testing.T) {
	capture := &logCapture{}
	log := WithTurn(newCaptureLogger(capture), "r1:1", "obj-1")
	log.Info("hello")

	entry := capture.firstEntry(t)
	if entry["object"] != "obj-1" {
		t.Fatalf("expected object field, got %+v", entry)
	}
}

func TestWithRunSessionAddsFields(t *testing.T) {
	capture := &logCapture{}
	ctx := pslog.ContextWithLogger(context.Background(), newCaptureLogger(capture))
	log := WithRunSession(ctx, "r1", "s1")
	log.Info("hello")

	entry := capture.firstEntry(t)
	if entry["run"] != "r1" {
		t.Fatalf("expected run field, got %+v", entry)
	}
	if entry["session"] != "s1" {
		t.Fatalf("expected session field, got %+v", entry)
	}
}

func TestWithRunSkipsDuplicateMarker(t *testing.T) {
	capture := &logCapture{}
	base := newCaptureLogger(capture).With("run", "r1")
	ctx := ContextWithRunLogger(context.Background(), base, "r1", "")
	WithRun(ctx, "r1").Info("hello")

	line := capture.buf.String()
	if bytes.Count([]byte(line), []byte(`"run"`)) != 1 {
		t.Fatalf("expected a single run field, got %s", line)
	}
}

func TestDetachKeepsMarkersDropsCancel(t *testing.T) {
	parent, cancel := context.WithCancel(ContextWithRun(context.Background(), "r1"))
	detached, detachedCancel := Detach(parent)
	defer detachedCancel()
	cancel()
	if detached.Err() != nil {
		t.Fatalf("detached context should survive parent cancel")
	}
	if run, _ := detached.Value(runKey).(schema.RunID); run != "r1" {
		t.Fatalf("expected run marker to be copied, got %q", run)
	}
}

type logCapture struct {
	buf bytes.Buffer
}

func (c *logCapture) Write(p []byte) (int, error) {
	return c.buf.Write(p)
}

func (c *logCapture) firstEntry(t *testing.T) map[string]any {
	t.Helper()
	data := c.buf.Bytes()
	idx := bytes.IndexByte(data, '\n')
	if idx == -1 {
		idx = len(data)
	}
	line := bytes.TrimSpace(data[:idx])
	entry := map[string]any{}
	if err := json.Unmarshal(line, &entry); err != nil {
		t.Fatalf("parse log entry: %v", err)
	}
	return entry
}
