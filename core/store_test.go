package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"pkt.systems/easel/internal/eventbus"
	"pkt.systems/easel/schema"
)

type fakeStream struct {
	msgs     chan schema.Message
	endErr   error
	closed   chan struct{}
	once     sync.Once
	canceled chan struct{}
	cancelMu sync.Once
}

func newFakeStream() *fakeStream {
	return &fakeStream{
		msgs:     make(chan schema.Message, 64),
		closed:   make(chan struct{}),
		canceled: make(chan struct{}),
	}
}

func (s *fakeStream) Next(ctx context.Context) (schema.Message, error) {
	select {
	case <-ctx.Done():
		s.cancelMu.Do(func() { close(s.canceled) })
		return nil, ctx.Err()
	case msg, ok := <-s.msgs:
		if !ok {
			if s.endErr != nil {
				return nil, s.endErr
			}
			return nil, io.EOF
		}
		return msg, nil
	}
}

func (s *fakeStream) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

func (s *fakeStream) send(msgs ...schema.Message) {
	for _, msg := range msgs {
		s.msgs <- msg
	}
}

type fakeTransport struct {
	mu       sync.Mutex
	requests []OpenRequest
	streams  []*fakeStream
	openErr  error
}

func (f *fakeTransport) Open(ctx context.Context, req OpenRequest) (MessageStream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if f.openErr != nil {
		return nil, f.openErr
	}
	stream := newFakeStream()
	f.streams = append(f.streams, stream)
	return stream, nil
}

func (f *fakeTransport) stream(t *testing.T, i int) *fakeStream {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		f.mu.Lock()
		if len(f.streams) > i {
			s := f.streams[i]
			f.mu.Unlock()
			return s
		}
		f.mu.Unlock()
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("stream %d was never opened", i)
	return nil
}

func (f *fakeTransport) request(i int) OpenRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[i]
}

type sinkRecorder struct {
	mu  sync.Mutex
	ops []schema.CanvasOp
}

func (r *sinkRecorder) ApplyCanvasOp(_ context.Context, op schema.CanvasOp) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ops = append(r.ops, op)
	return nil
}

func (r *sinkRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.ops)
}

func newTestStore(tr Transport) *Store {
	n := 0
	var mu sync.Mutex
	return NewStore(tr, StoreDeps{
		Bus: eventbus.New(nil),
		NewRunID: func() schema.RunID {
			mu.Lock()
			defer mu.Unlock()
			n++
			return schema.RunID(fmt.Sprintf("run%d", n))
		},
	})
}

func waitSnapshot(t *testing.T, store *Store, cond func(StoreSnapshot) bool) StoreSnapshot {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		snap := store.Snapshot()
		if cond(snap) {
			return snap
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for store state, last: status=%s entries=%d", snap.Status, len(snap.History))
		}
		time.Sleep(time.Millisecond)
	}
}

func historyLen(n int) func(StoreSnapshot) bool {
	return func(s StoreSnapshot) bool { return len(s.History) >= n }
}

func statusIs(status schema.RunStatus) func(StoreSnapshot) bool {
	return func(s StoreSnapshot) bool { return s.Status == status }
}

func TestStoreRunCompletes(t *testing.T) {
	tr := &fakeTransport{}
	store := newTestStore(tr)
	defer func() { _ = store.Close(context.Background()) }()

	snap, err := store.Start(context.Background(), StartRequest{Prompt: "hello", Context: "selection"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if snap.Status != schema.RunRunning || snap.CanStart() {
		t.Fatalf("expected running snapshot, got %+v", snap)
	}
	stream := tr.stream(t, 0)
	stream.send(
		schema.System{SessionID: "s1"},
		schema.TextDelta{Content: "Hel"},
		schema.TextDelta{Content: "lo"},
		schema.TextDone{},
		schema.Result{Cost: 0.01, InputTokens: 10, OutputTokens: 5},
	)
	snap = waitSnapshot(t, store, statusIs(schema.RunDone))
	if snap.SessionID != "s1" {
		t.Fatalf("expected session id, got %q", snap.SessionID)
	}
	if snap.LastResult == nil || snap.LastResult.InputTokens != 10 {
		t.Fatalf("unexpected last result: %+v", snap.LastResult)
	}
	if !store.CanStart() {
		t.Fatalf("expected CanStart after done")
	}
	turns := store.Turns()
	if len(turns) != 2 || turns[0].Content != "hello" {
		t.Fatalf("unexpected turns: %#v", turns)
	}
	text := turns[1].Segments[0].(schema.TextSegment)
	if text.Content != "Hello" || turns[1].Streaming {
		t.Fatalf("unexpected assistant turn: %#v", turns[1])
	}
	if req := tr.request(0); req.Context != "selection" || req.RunID != "run1" {
		t.Fatalf("unexpected open request: %+v", req)
	}
	select {
	case <-stream.closed:
	case <-time.After(time.Second):
		t.Fatalf("expected stream to be closed after terminal message")
	}
}

func TestStoreStopMidStream(t *testing.T) {
	tr := &fakeTransport{}
	store := newTestStore(tr)
	defer func() { _ = store.Close(context.Background()) }()

	if _, err := store.Start(context.Background(), StartRequest{Prompt: "go"}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	stream := tr.stream(t, 0)
	stream.send(schema.System{SessionID: "s1"}, schema.TextDelta{Content: "thinking"})
	waitSnapshot(t, store, historyLen(3))

	snap, err := store.Stop(context.Background())
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if snap.Status != schema.RunIdle {
		t.Fatalf("expected idle after stop, got %s", snap.Status)
	}
	turns := store.Turns()
	last := turns[len(turns)-1]
	if last.Role != schema.RoleAssistant || last.Streaming || !last.Interrupted {
		t.Fatalf("expected closed interrupted assistant turn, got %+v", last)
	}
	select {
	case <-stream.canceled:
	case <-time.After(time.Second):
		t.Fatalf("expected stream context to be canceled")
	}
	stream.send(schema.TextDelta{Content: "late"})
	if err := store.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if got := len(store.Snapshot().History); got != len(snap.History) {
		t.Fatalf("late message mutated history: %d != %d", got, len(snap.History))
	}
}

func TestStoreRejectsStartWhileRunning(t *testing.T) {
	tr := &fakeTransport{}
	store := newTestStore(tr)
	defer func() { _ = store.Close(context.Background()) }()

	if _, err := store.Start(context.Background(), StartRequest{Prompt: "one"}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if store.CanStart() {
		t.Fatalf("expected CanStart false while running")
	}
	if _, err := store.Start(context.Background(), StartRequest{Prompt: "two"}); !errors.Is(err, schema.ErrRunActive) {
		t.Fatalf("expected ErrRunActive, got %v", err)
	}
}

func TestStoreReplaceCancelsPreviousRun(t *testing.T) {
	tr := &fakeTransport{}
	store := newTestStore(tr)
	defer func() { _ = store.Close(context.Background()) }()

	first, err := store.Start(context.Background(), StartRequest{Prompt: "one"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	old := tr.stream(t, 0)
	second, err := store.Start(context.Background(), StartRequest{Prompt: "two", Replace: true})
	if err != nil {
		t.Fatalf("Start replace: %v", err)
	}
	if second.Generation == first.Generation {
		t.Fatalf("expected a new generation")
	}
	select {
	case <-old.canceled:
	case <-time.After(time.Second):
		t.Fatalf("expected previous stream to be canceled")
	}
	old.send(schema.TextDelta{Content: "stale"})
	fresh := tr.stream(t, 1)
	fresh.send(schema.TextDelta{Content: "fresh"}, schema.Result{})
	snap := waitSnapshot(t, store, statusIs(schema.RunDone))
	for _, entry := range snap.History {
		if delta, ok := entry.Message.(schema.TextDelta); ok && delta.Content == "stale" {
			t.Fatalf("message from replaced run leaked into history")
		}
	}
	if snap.History[0].Prompt == nil || snap.History[0].Prompt.Text != "two" {
		t.Fatalf("expected history to restart with the new prompt, got %#v", snap.History[0])
	}
}

func TestStoreResetClearsEverything(t *testing.T) {
	tr := &fakeTransport{}
	store := newTestStore(tr)
	defer func() { _ = store.Close(context.Background()) }()

	if _, err := store.Start(context.Background(), StartRequest{Prompt: "one"}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	tr.stream(t, 0).send(schema.System{SessionID: "s1"}, schema.Result{Cost: 1})
	before := waitSnapshot(t, store, statusIs(schema.RunDone))

	snap, err := store.Reset(context.Background())
	if err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if len(snap.History) != 0 || snap.SessionID != "" || snap.Totals.Cost != 0 || snap.Status != schema.RunIdle {
		t.Fatalf("expected cleared state, got %+v", snap)
	}
	if snap.Generation <= before.Generation {
		t.Fatalf("expected generation to advance")
	}
	if len(store.Turns()) != 0 {
		t.Fatalf("expected no turns after reset")
	}
}

func TestStoreOpenFailureBecomesErrorTurn(t *testing.T) {
	tr := &fakeTransport{openErr: &schema.TransportError{StatusCode: 500, Err: errors.New("upstream down")}}
	store := newTestStore(tr)
	defer func() { _ = store.Close(context.Background()) }()

	if _, err := store.Start(context.Background(), StartRequest{Prompt: "one"}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	snap := waitSnapshot(t, store, statusIs(schema.RunError))
	if !strings.Contains(snap.Error, "status 500") {
		t.Fatalf("expected status in error, got %q", snap.Error)
	}
	turns := store.Turns()
	last := turns[len(turns)-1]
	if last.Role != schema.RoleAssistant || last.Error == "" || last.Streaming {
		t.Fatalf("expected error banner turn, got %+v", last)
	}
	if !store.CanStart() {
		t.Fatalf("expected CanStart after error")
	}
}

func TestStoreStreamErrorBecomesErrorEntry(t *testing.T) {
	tr := &fakeTransport{}
	store := newTestStore(tr)
	defer func() { _ = store.Close(context.Background()) }()

	if _, err := store.Start(context.Background(), StartRequest{Prompt: "one"}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	stream := tr.stream(t, 0)
	stream.endErr = &schema.TransportError{Err: errors.New("connection reset")}
	stream.send(schema.TextDelta{Content: "par"})
	close(stream.msgs)
	snap := waitSnapshot(t, store, statusIs(schema.RunError))
	last := snap.History[len(snap.History)-1]
	if errMsg, ok := last.Message.(schema.Error); !ok || !strings.Contains(errMsg.Message, "connection reset") {
		t.Fatalf("expected synthetic error entry, got %#v", last)
	}
}

func TestStoreCleanEOFWithoutTerminalIsDone(t *testing.T) {
	tr := &fakeTransport{}
	store := newTestStore(tr)
	defer func() { _ = store.Close(context.Background()) }()

	if _, err := store.Start(context.Background(), StartRequest{Prompt: "one"}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	stream := tr.stream(t, 0)
	stream.send(schema.TextDelta{Content: "x"})
	close(stream.msgs)
	waitSnapshot(t, store, statusIs(schema.RunDone))
	for _, turn := range store.Turns() {
		if turn.Streaming {
			t.Fatalf("no turn may stream after the run ended")
		}
	}
}

func TestStoreResumesSessionAndAccumulatesTotals(t *testing.T) {
	tr := &fakeTransport{}
	store := newTestStore(tr)
	defer func() { _ = store.Close(context.Background()) }()

	if _, err := store.Start(context.Background(), StartRequest{Prompt: "one"}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	tr.stream(t, 0).send(schema.System{SessionID: "s1"}, schema.Result{Cost: 0.5, InputTokens: 1, OutputTokens: 2})
	waitSnapshot(t, store, statusIs(schema.RunDone))

	if _, err := store.Start(context.Background(), StartRequest{Prompt: "two"}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	tr.stream(t, 1).send(schema.Result{Cost: 0.25, InputTokens: 3, OutputTokens: 4})
	snap := waitSnapshot(t, store, func(s StoreSnapshot) bool { return s.Status == schema.RunDone && s.RunID == "run2" })
	if got := tr.request(1).ResumeSessionID; got != "s1" {
		t.Fatalf("expected resume session s1, got %q", got)
	}
	want := schema.Usage{Cost: 0.75, InputTokens: 4, OutputTokens: 6}
	if snap.Totals != want {
		t.Fatalf("unexpected totals: %+v", snap.Totals)
	}
}

func TestStoreForwardsCanvasOps(t *testing.T) {
	tr := &fakeTransport{}
	store := newTestStore(tr)
	defer func() { _ = store.Close(context.Background()) }()
	sink := &sinkRecorder{}
	store.SetCanvasSink(sink)

	if _, err := store.Start(context.Background(), StartRequest{Prompt: "draw"}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	tr.stream(t, 0).send(schema.CanvasOp{Action: schema.CanvasCreate, Kind: "note"}, schema.Result{})
	snap := waitSnapshot(t, store, statusIs(schema.RunDone))
	if sink.count() != 1 {
		t.Fatalf("expected one canvas op, got %d", sink.count())
	}
	for _, entry := range snap.History {
		if _, ok := entry.Message.(schema.CanvasOp); ok {
			t.Fatalf("canvas ops must not be recorded in history")
		}
	}
}

func TestStoreRejectsEmptyPrompt(t *testing.T) {
	store := newTestStore(&fakeTransport{})
	if _, err := store.Start(context.Background(), StartRequest{Prompt: "  "}); !errors.Is(err, schema.ErrEmptyPrompt) {
		t.Fatalf("expected ErrEmptyPrompt, got %v", err)
	}
}

func TestStoreNotifiesSubscribers(t *testing.T) {
	tr := &fakeTransport{}
	store := newTestStore(tr)
	defer func() { _ = store.Close(context.Background()) }()
	ch, cancel := store.Subscribe()
	defer cancel()

	if _, err := store.Start(context.Background(), StartRequest{Prompt: "one"}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	select {
	case ev := <-ch:
		if ev.Type != eventbus.EventChanged || ev.Version == 0 {
			t.Fatalf("unexpected event: %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatalf("expected change notification")
	}
}

func TestStoreCloseMidRunSettlesTurn(t *testing.T) {
	tr := &fakeTransport{}
	store := newTestStore(tr)

	if _, err := store.Start(context.Background(), StartRequest{Prompt: "go"}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	stream := tr.stream(t, 0)
	stream.send(schema.System{SessionID: "s1"}, schema.TextDelta{Content: "half"})
	waitSnapshot(t, store, historyLen(3))

	changes, unsubscribe := store.Subscribe()
	defer unsubscribe()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := store.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	snap := store.Snapshot()
	if snap.Status != schema.RunIdle || !store.CanStart() {
		t.Fatalf("expected idle after close, got %s", snap.Status)
	}
	if last := snap.History[len(snap.History)-1]; last.Stop == nil {
		t.Fatalf("expected a stop marker as the last entry, got %+v", last)
	}
	turns := store.Turns()
	last := turns[len(turns)-1]
	if last.Streaming || !last.Interrupted {
		t.Fatalf("expected closed interrupted turn, got %+v", last)
	}
	select {
	case <-changes:
	case <-time.After(time.Second):
		t.Fatalf("expected a change notification on close")
	}
	if err := store.Close(context.Background()); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if got := len(store.Snapshot().History); got != len(snap.History) {
		t.Fatalf("second close changed history: %d != %d", got, len(snap.History))
	}
}
