package core

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"

	"github.com/google/uuid"
	"pkt.systems/easel/internal/eventbus"
	"pkt.systems/easel/internal/logx"
	"pkt.systems/easel/schema"
	"pkt.systems/pslog"
)

// StartRequest submits a prompt.
type StartRequest struct {
	Prompt  string
	Context string
	// Replace cancels an active run instead of rejecting the request.
	Replace bool
}

// StoreSnapshot is an immutable copy of the store state. History shares its
// backing array with the store but is capped, and entries are never mutated.
type StoreSnapshot struct {
	Version    uint64
	Generation uint64
	RunID      schema.RunID
	Status     schema.RunStatus
	History    []schema.Entry
	SessionID  schema.SessionID
	LastResult *schema.Usage
	Totals     schema.Usage
	Error      string
}

// CanStart reports whether a new run may start from this snapshot.
func (s StoreSnapshot) CanStart() bool {
	return s.Status.CanStart()
}

// View pairs a snapshot with the turns derived from it.
type View struct {
	Snapshot StoreSnapshot
	Turns    []schema.Turn
}

// CanvasSink receives canvas mutations carried by the stream.
type CanvasSink interface {
	ApplyCanvasOp(ctx context.Context, op schema.CanvasOp) error
}

// StoreDeps captures optional dependencies for the store.
type StoreDeps struct {
	Bus        *eventbus.Bus
	CanvasSink CanvasSink
	Clock      Clock
	NewRunID   func() schema.RunID
	Logger     pslog.Logger
}

// Store owns the conversation: run status, raw history and session metadata.
// Mutation happens only through Start, Stop and Reset; consumers read
// snapshots and subscribe to change notifications.
type Store struct {
	transport Transport
	bus       *eventbus.Bus
	clock     Clock
	newRunID  func() schema.RunID
	log       pslog.Logger
	coalescer Coalescer

	sinkMu sync.RWMutex
	sink   CanvasSink

	wg sync.WaitGroup

	mu         sync.Mutex
	version    uint64
	generation uint64
	runID      schema.RunID
	status     schema.RunStatus
	history    []schema.Entry
	sessionID  schema.SessionID
	lastResult *schema.Usage
	totals     schema.Usage
	lastErr    string
	cancel     context.CancelFunc
}

// NewStore constructs an idle store.
func NewStore(transport Transport, deps StoreDeps) *Store {
	s := &Store{
		transport: transport,
		bus:       deps.Bus,
		clock:     deps.Clock,
		newRunID:  deps.NewRunID,
		log:       deps.Logger,
		sink:      deps.CanvasSink,
		status:    schema.RunIdle,
	}
	if s.clock == nil {
		s.clock = SystemClock{}
	}
	if s.newRunID == nil {
		s.newRunID = func() schema.RunID { return schema.RunID(uuid.NewString()) }
	}
	if s.log == nil {
		s.log = pslog.Ctx(context.Background())
	}
	if s.bus == nil {
		s.bus = eventbus.New(s.log)
	}
	return s
}

// SetCanvasSink registers the receiver for canvas messages.
func (s *Store) SetCanvasSink(sink CanvasSink) {
	s.sinkMu.Lock()
	s.sink = sink
	s.sinkMu.Unlock()
}

// Start begins a run. The transport is opened asynchronously; open failures
// surface as a terminal error entry rather than a returned error.
func (s *Store) Start(ctx context.Context, req StartRequest) (StoreSnapshot, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return StoreSnapshot{}, schema.ErrEmptyPrompt
	}
	if s.transport == nil {
		return StoreSnapshot{}, schema.ErrTransportUnavailable
	}
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	if s.status.Active() {
		if !req.Replace {
			s.mu.Unlock()
			logx.WithRun(ctx, s.runID).Warn("store start rejected", "err", schema.ErrRunActive)
			return StoreSnapshot{}, schema.ErrRunActive
		}
		s.log.Info("store replacing active run", "run", s.runID)
		s.cancelLocked()
	}
	runID := s.newRunID()
	resume := s.sessionID
	s.generation++
	gen := s.generation
	s.runID = runID
	s.history = []schema.Entry{schema.PromptEntry(schema.Prompt{
		RunID:   runID,
		Text:    req.Prompt,
		Context: req.Context,
		At:      s.clock.Now(),
	})}
	s.status = schema.RunRunning
	s.lastResult = nil
	s.lastErr = ""
	runLog := logx.WithRunSession(ctx, runID, resume)
	runCtx, cancel := logx.Detach(logx.ContextWithRunLogger(ctx, runLog, runID, resume))
	s.cancel = cancel
	snap := s.commitLocked()
	s.mu.Unlock()

	runLog.Info("store run start", "prompt_len", len(req.Prompt), "context_len", len(req.Context), "resume", resume != "")
	s.notify(snap)

	s.wg.Add(1)
	go s.consume(runCtx, gen, cancel, OpenRequest{
		RunID:           runID,
		Prompt:          req.Prompt,
		Context:         req.Context,
		ResumeSessionID: resume,
	})
	return snap, nil
}

// Stop cancels the active run and returns to idle. The in-flight assistant
// turn stays in history, closed and marked interrupted.
func (s *Store) Stop(ctx context.Context) (StoreSnapshot, error) {
	snap, stopped := s.stopActive()
	if stopped {
		logx.WithRun(ctx, snap.RunID).Info("store run stopped", "entries", len(snap.History))
		s.notify(snap)
	}
	return snap, nil
}

// stopActive cancels an active run, appends a stop marker and returns to
// idle. It reports false and leaves the state untouched when no run is active.
func (s *Store) stopActive() (StoreSnapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.status.Active() {
		return s.snapshotLocked(), false
	}
	s.cancelLocked()
	s.history = append(s.history, schema.StopEntry(s.clock.Now()))
	s.status = schema.RunIdle
	return s.commitLocked(), true
}

// Reset cancels any active run and clears history and session metadata.
func (s *Store) Reset(ctx context.Context) (StoreSnapshot, error) {
	s.mu.Lock()
	s.cancelLocked()
	cleared := len(s.history)
	s.generation++
	s.runID = ""
	s.history = nil
	s.status = schema.RunIdle
	s.sessionID = ""
	s.lastResult = nil
	s.totals = schema.Usage{}
	s.lastErr = ""
	snap := s.commitLocked()
	s.mu.Unlock()
	pslog.Ctx(ctx).Info("store reset", "cleared", cleared, "generation", snap.Generation)
	s.notify(snap)
	return snap, nil
}

// CanStart reports whether Start would be accepted without Replace.
func (s *Store) CanStart() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status.CanStart()
}

// Snapshot returns the current state.
func (s *Store) Snapshot() StoreSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// Turns returns the memoised turns for the current state.
func (s *Store) Turns() []schema.Turn {
	return s.View().Turns
}

// View returns a snapshot and the turns derived from exactly that snapshot.
func (s *Store) View() View {
	snap := s.Snapshot()
	return View{Snapshot: snap, Turns: s.coalescer.Turns(snap.History, snap.Status)}
}

// Subscribe returns a change signal. Bursts collapse: readers should pull
// Snapshot or View after each receive.
func (s *Store) Subscribe() (<-chan eventbus.Event, func()) {
	return s.bus.Subscribe(eventbus.TopicConversation, 1)
}

// Close stops the active run like Stop and waits for stream consumers to exit.
func (s *Store) Close(ctx context.Context) error {
	if snap, stopped := s.stopActive(); stopped {
		logx.WithRun(ctx, snap.RunID).Info("store run stopped on close", "entries", len(snap.History))
		s.notify(snap)
	}
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Store) consume(ctx context.Context, gen uint64, cancel context.CancelFunc, req OpenRequest) {
	defer s.wg.Done()
	defer cancel()
	log := pslog.Ctx(ctx)
	started := s.clock.Now()
	stream, err := s.transport.Open(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			log.Debug("store open canceled", "err", err)
			return
		}
		s.fail(ctx, gen, err)
		return
	}
	defer func() {
		if err := stream.Close(); err != nil {
			log.Debug("store stream close failed", "err", err)
		}
	}()
	count := 0
	for {
		msg, err := stream.Next(ctx)
		if err != nil {
			switch {
			case errors.Is(err, io.EOF):
				s.finish(ctx, gen)
			case ctx.Err() != nil:
				log.Debug("store stream canceled", "messages", count)
			default:
				s.fail(ctx, gen, err)
			}
			log.Info("store stream closed", "messages", count, "duration_ms", s.clock.Now().Sub(started).Milliseconds())
			return
		}
		count++
		if !s.append(ctx, gen, msg) {
			log.Info("store stream closed", "messages", count, "duration_ms", s.clock.Now().Sub(started).Milliseconds())
			return
		}
	}
}

// append records msg if it belongs to the live run. It reports whether the
// consumer should keep reading.
func (s *Store) append(ctx context.Context, gen uint64, msg schema.Message) bool {
	log := pslog.Ctx(ctx)
	if op, ok := msg.(schema.CanvasOp); ok {
		if !s.live(gen) {
			return false
		}
		s.forwardCanvas(ctx, op)
		return true
	}

	s.mu.Lock()
	if gen != s.generation || !s.status.Active() {
		s.mu.Unlock()
		log.Debug("store dropped late message", "type", msg.Type())
		return false
	}
	s.history = append(s.history, schema.MessageEntry(msg))
	terminal := false
	switch m := msg.(type) {
	case schema.System:
		if m.SessionID != "" && m.SessionID != s.sessionID {
			s.sessionID = m.SessionID
			log.Debug("store session captured", "session", m.SessionID)
		}
	case schema.Result:
		usage := m.Usage()
		s.lastResult = &usage
		s.totals = s.totals.Add(usage)
		s.status = schema.RunDone
		terminal = true
	case schema.Error:
		s.lastErr = m.Message
		s.status = schema.RunError
		terminal = true
	case schema.Unknown:
		log.Debug("store unknown message", "type", m.Kind)
	}
	if terminal {
		s.cancel = nil
	}
	snap := s.commitLocked()
	s.mu.Unlock()

	log.Trace("store message", "type", msg.Type(), "entries", len(snap.History))
	if terminal {
		switch snap.Status {
		case schema.RunDone:
			log.Info("store run done", "cost", snap.LastResult.Cost, "input_tokens", snap.LastResult.InputTokens, "output_tokens", snap.LastResult.OutputTokens)
		default:
			log.Warn("store run error", "message", snap.Error)
		}
	}
	s.notify(snap)
	return !terminal
}

// finish handles a clean end of stream without a terminal message.
func (s *Store) finish(ctx context.Context, gen uint64) {
	s.mu.Lock()
	if gen != s.generation || !s.status.Active() {
		s.mu.Unlock()
		return
	}
	s.status = schema.RunDone
	s.cancel = nil
	snap := s.commitLocked()
	s.mu.Unlock()
	pslog.Ctx(ctx).Info("store run done", "terminal", false)
	s.notify(snap)
}

// fail converts a transport failure into a synthetic error entry.
func (s *Store) fail(ctx context.Context, gen uint64, err error) {
	s.mu.Lock()
	if gen != s.generation || !s.status.Active() {
		s.mu.Unlock()
		return
	}
	message := err.Error()
	s.history = append(s.history, schema.MessageEntry(schema.Error{Message: message}))
	s.lastErr = message
	s.status = schema.RunError
	s.cancel = nil
	snap := s.commitLocked()
	s.mu.Unlock()
	var transportErr *schema.TransportError
	if errors.As(err, &transportErr) && transportErr.StatusCode != 0 {
		pslog.Ctx(ctx).Warn("store run failed", "status", transportErr.StatusCode, "err", err)
	} else {
		pslog.Ctx(ctx).Warn("store run failed", "err", err)
	}
	s.notify(snap)
}

func (s *Store) live(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return gen == s.generation && s.status.Active()
}

func (s *Store) forwardCanvas(ctx context.Context, op schema.CanvasOp) {
	s.sinkMu.RLock()
	sink := s.sink
	s.sinkMu.RUnlock()
	log := pslog.Ctx(ctx)
	if sink == nil {
		log.Debug("store canvas op dropped", "action", op.Action, "reason", "no sink")
		return
	}
	if err := sink.ApplyCanvasOp(ctx, op); err != nil {
		log.Warn("store canvas op failed", "action", op.Action, "object", op.ObjectID, "err", err)
		return
	}
	log.Trace("store canvas op", "action", op.Action, "object", op.ObjectID)
}

func (s *Store) cancelLocked() {
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
}

func (s *Store) commitLocked() StoreSnapshot {
	s.version++
	return s.snapshotLocked()
}

func (s *Store) snapshotLocked() StoreSnapshot {
	snap := StoreSnapshot{
		Version:    s.version,
		Generation: s.generation,
		RunID:      s.runID,
		Status:     s.status,
		History:    s.history[:len(s.history):len(s.history)],
		SessionID:  s.sessionID,
		Totals:     s.totals,
		Error:      s.lastErr,
	}
	if s.lastResult != nil {
		usage := *s.lastResult
		snap.LastResult = &usage
	}
	return snap
}

func (s *Store) notify(snap StoreSnapshot) {
	s.bus.OnChange(snap.Version, snap.Generation, snap.Status)
}
