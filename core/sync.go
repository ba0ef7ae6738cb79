package core

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"pkt.systems/easel/canvas"
	"pkt.systems/easel/internal/eventbus"
	"pkt.systems/easel/internal/logx"
	"pkt.systems/easel/schema"
	"pkt.systems/pslog"
)

// TurnSource is the read side of the conversation store.
type TurnSource interface {
	View() View
	Subscribe() (<-chan eventbus.Event, func())
}

// SyncOptions configures the synchronizer.
type SyncOptions struct {
	// MinInterval is the minimum spacing between reconciliations while a run is active.
	MinInterval time.Duration
	// FrameDelay is added to every throttled reconciliation so bursts land on one frame.
	FrameDelay time.Duration
	Layout     LayoutOptions
	Clock      Clock
	Logger     pslog.Logger
}

// DefaultSyncOptions returns the default throttle and layout.
func DefaultSyncOptions() SyncOptions {
	return SyncOptions{
		MinInterval: 100 * time.Millisecond,
		FrameDelay:  16 * time.Millisecond,
		Layout:      DefaultLayout(),
	}
}

// SyncEventType identifies what the synchronizer did.
type SyncEventType string

const (
	SyncCreated   SyncEventType = "created"
	SyncUpdated   SyncEventType = "updated"
	SyncRecreated SyncEventType = "recreated"
	SyncRebuilt   SyncEventType = "rebuilt"
	SyncCanvasOp  SyncEventType = "canvas"
	SyncFocus     SyncEventType = "focus"
)

// SyncEvent reports a canvas mutation or request made through the synchronizer.
type SyncEvent struct {
	Type     SyncEventType     `json:"type"`
	TurnID   schema.TurnID     `json:"turnId,omitempty"`
	ObjectID schema.ObjectID   `json:"objectId,omitempty"`
	Objects  []schema.ObjectID `json:"objectIds,omitempty"`
	Bounds   *schema.Rect      `json:"bounds,omitempty"`
	Mapped   int               `json:"mapped,omitempty"`
}

// Synchronizer projects assistant turns onto canvas cards. It owns the
// turn-to-object map; the canvas document remains the source of truth for
// whether an object still exists.
type Synchronizer struct {
	doc    canvas.Document
	source TurnSource
	opts   SyncOptions
	clock  Clock
	log    pslog.Logger

	mu             sync.Mutex
	mounted        bool
	objects        map[schema.TurnID]schema.ObjectID
	payloads       map[schema.TurnID]string
	lastHistory    int
	lastGeneration uint64

	// appliedSeq and appliedVersion identify the last reconciled view. Older
	// views are skipped so a late timer cannot overwrite a terminal state.
	appliedSeq     uint64
	appliedVersion uint64

	tmu           sync.Mutex
	pending       Timer
	latest        View
	latestSeq     uint64
	seq           uint64
	hasLatest     bool
	lastReconcile time.Time

	obsMu     sync.Mutex
	observers map[int]func(SyncEvent)
	nextObs   int
}

// NewSynchronizer constructs a synchronizer. Call Mount or Run before use.
func NewSynchronizer(doc canvas.Document, source TurnSource, opts SyncOptions) *Synchronizer {
	def := DefaultSyncOptions()
	if opts.MinInterval < 0 {
		opts.MinInterval = def.MinInterval
	}
	if opts.FrameDelay < 0 {
		opts.FrameDelay = def.FrameDelay
	}
	opts.Layout = opts.Layout.normalized()
	s := &Synchronizer{
		doc:       doc,
		source:    source,
		opts:      opts,
		clock:     opts.Clock,
		log:       opts.Logger,
		objects:   make(map[schema.TurnID]schema.ObjectID),
		payloads:  make(map[schema.TurnID]string),
		observers: make(map[int]func(SyncEvent)),
	}
	if s.clock == nil {
		s.clock = SystemClock{}
	}
	if s.log == nil {
		s.log = pslog.Ctx(context.Background())
	}
	return s
}

// Mount builds the turn map by scanning the canvas for tagged cards.
func (s *Synchronizer) Mount(ctx context.Context) error {
	s.mu.Lock()
	err := s.rebuildLocked(ctx)
	mapped := len(s.objects)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	s.emit([]SyncEvent{{Type: SyncRebuilt, Mapped: mapped}})
	return nil
}

// Run reconciles on every store change until ctx is done.
func (s *Synchronizer) Run(ctx context.Context) error {
	ch, cancel := s.source.Subscribe()
	defer cancel()
	if err := s.Mount(ctx); err != nil {
		return err
	}
	s.log.Info("sync running", "min_interval_ms", s.opts.MinInterval.Milliseconds(), "frame_ms", s.opts.FrameDelay.Milliseconds())
	s.Apply(ctx, s.source.View())
	for {
		select {
		case <-ctx.Done():
			s.cancelPending()
			s.log.Info("sync stopped")
			return nil
		case _, ok := <-ch:
			if !ok {
				s.cancelPending()
				return nil
			}
			s.Apply(ctx, s.source.View())
		}
	}
}

// Apply schedules reconciliation of view. While the run is active the work is
// throttled with at most one pending callback; otherwise it runs immediately.
func (s *Synchronizer) Apply(ctx context.Context, view View) {
	s.tmu.Lock()
	s.seq++
	seq := s.seq
	s.latest = view
	s.latestSeq = seq
	s.hasLatest = true
	if view.Snapshot.Status.Active() {
		if s.pending != nil {
			s.tmu.Unlock()
			return
		}
		delay := s.opts.FrameDelay
		if !s.lastReconcile.IsZero() {
			if wait := s.lastReconcile.Add(s.opts.MinInterval).Sub(s.clock.Now()); wait > 0 {
				delay += wait
			}
		}
		s.pending = s.clock.AfterFunc(delay, func() { s.fire(ctx) })
		s.tmu.Unlock()
		return
	}
	if s.pending != nil {
		s.pending.Stop()
		s.pending = nil
	}
	s.tmu.Unlock()
	s.reconcile(ctx, view, seq)
}

// Flush cancels any pending callback and reconciles the source's current
// view now, whether or not a notification for it was delivered.
func (s *Synchronizer) Flush(ctx context.Context) {
	view := s.source.View()
	s.tmu.Lock()
	if s.pending != nil {
		s.pending.Stop()
		s.pending = nil
	}
	s.seq++
	seq := s.seq
	s.latest = view
	s.latestSeq = seq
	s.hasLatest = true
	s.tmu.Unlock()
	s.reconcile(ctx, view, seq)
}

func (s *Synchronizer) fire(ctx context.Context) {
	s.tmu.Lock()
	s.pending = nil
	view, seq := s.latest, s.latestSeq
	s.tmu.Unlock()
	if ctx.Err() != nil {
		return
	}
	s.reconcile(ctx, view, seq)
}

func (s *Synchronizer) cancelPending() {
	s.tmu.Lock()
	defer s.tmu.Unlock()
	if s.pending != nil {
		s.pending.Stop()
		s.pending = nil
	}
}

func (s *Synchronizer) reconcile(ctx context.Context, view View, seq uint64) {
	s.tmu.Lock()
	s.lastReconcile = s.clock.Now()
	s.tmu.Unlock()

	snap := view.Snapshot
	var events []SyncEvent
	s.mu.Lock()
	if seq < s.appliedSeq || snap.Version < s.appliedVersion {
		appliedSeq, appliedVersion := s.appliedSeq, s.appliedVersion
		s.mu.Unlock()
		s.log.Debug("sync stale view skipped", "seq", seq, "applied_seq", appliedSeq, "version", snap.Version, "applied_version", appliedVersion, "status", snap.Status)
		return
	}
	s.appliedSeq = seq
	s.appliedVersion = snap.Version
	if !s.mounted || len(snap.History) < s.lastHistory || snap.Generation != s.lastGeneration {
		s.log.Debug("sync map rebuild", "history", len(snap.History), "last_history", s.lastHistory, "generation", snap.Generation)
		if err := s.rebuildLocked(ctx); err != nil {
			s.mu.Unlock()
			s.log.Warn("sync rebuild failed", "err", err)
			return
		}
		events = append(events, SyncEvent{Type: SyncRebuilt, Mapped: len(s.objects)})
	}
	s.lastHistory = len(snap.History)
	s.lastGeneration = snap.Generation
	for _, turn := range view.Turns {
		if turn.Role != schema.RoleAssistant {
			continue
		}
		if ev, ok := s.reconcileTurnLocked(ctx, turn); ok {
			events = append(events, ev)
		}
	}
	s.mu.Unlock()
	s.emit(events)
}

func (s *Synchronizer) reconcileTurnLocked(ctx context.Context, turn schema.Turn) (SyncEvent, bool) {
	props := schema.CardPropsFromTurn(turn, s.opts.Layout.CardWidth, s.opts.Layout.CardHeight)
	key := payloadKey(props)
	recreated := false
	if id, ok := s.objects[turn.ID]; ok {
		log := logx.WithTurn(s.log, turn.ID, id)
		_, err := s.doc.GetObject(ctx, id)
		if err == nil {
			if s.payloads[turn.ID] == key {
				return SyncEvent{}, false
			}
			update := props.Map()
			// size belongs to the renderer once the card exists
			delete(update, schema.PropW)
			delete(update, schema.PropH)
			err = s.doc.UpdateObject(ctx, id, update)
			if err == nil {
				s.payloads[turn.ID] = key
				log.Trace("sync card updated", "segments", len(turn.Segments), "streaming", turn.Streaming)
				return SyncEvent{Type: SyncUpdated, TurnID: turn.ID, ObjectID: id}, true
			}
		}
		if !errors.Is(err, schema.ErrObjectNotFound) {
			log.Warn("sync card update failed", "err", err)
			return SyncEvent{}, false
		}
		log.Warn("sync card missing, recreating")
		delete(s.objects, turn.ID)
		delete(s.payloads, turn.ID)
		recreated = true
	}

	x, y, err := s.placeLocked(ctx)
	if err != nil {
		logx.WithTurn(s.log, turn.ID, "").Warn("sync layout failed", "err", err)
		return SyncEvent{}, false
	}
	id, err := s.doc.CreateObject(ctx, schema.KindAgentCard, x, y, props.Map())
	if err != nil {
		logx.WithTurn(s.log, turn.ID, "").Warn("sync card create failed", "err", err)
		return SyncEvent{}, false
	}
	s.objects[turn.ID] = id
	s.payloads[turn.ID] = key
	bounds := schema.Rect{X: x, Y: y, W: props.W, H: props.H}
	evType := SyncCreated
	if recreated {
		evType = SyncRecreated
	}
	logx.WithTurn(s.log, turn.ID, id).Debug("sync card created", "x", x, "y", y, "recreated", recreated)
	return SyncEvent{Type: evType, TurnID: turn.ID, ObjectID: id, Bounds: &bounds}, true
}

func (s *Synchronizer) placeLocked(ctx context.Context) (float64, float64, error) {
	existing := make([]schema.Rect, 0, len(s.objects))
	for _, id := range s.objects {
		obj, err := s.doc.GetObject(ctx, id)
		if err != nil {
			continue
		}
		existing = append(existing, obj.Bounds())
	}
	viewport, err := s.doc.Viewport(ctx)
	if err != nil {
		return 0, 0, err
	}
	x, y := Place(existing, viewport, s.opts.Layout)
	return x, y, nil
}

func (s *Synchronizer) rebuildLocked(ctx context.Context) error {
	objs, err := s.doc.QueryAllObjects(ctx)
	if err != nil {
		return err
	}
	objects := make(map[schema.TurnID]schema.ObjectID)
	payloads := make(map[schema.TurnID]string)
	for _, obj := range objs {
		if obj.Kind != schema.KindAgentCard {
			continue
		}
		turnID := obj.TurnID()
		if turnID == "" {
			continue
		}
		if prev, ok := objects[turnID]; ok {
			s.log.Debug("sync duplicate card for turn", "turn", turnID, "kept", prev, "ignored", obj.ID)
			continue
		}
		objects[turnID] = obj.ID
		if props, err := schema.CardPropsFromMap(obj.Props); err == nil {
			payloads[turnID] = payloadKey(props)
		}
	}
	s.objects = objects
	s.payloads = payloads
	s.mounted = true
	s.log.Debug("sync map built", "objects", len(objs), "mapped", len(objects))
	return nil
}

// payloadKey identifies card content, ignoring size.
func payloadKey(props schema.CardProps) string {
	props.W, props.H = 0, 0
	data, err := json.Marshal(props)
	if err != nil {
		return ""
	}
	return string(data)
}

// Observe registers fn for sync events and returns an unregister func.
// Observers run on the reconciling goroutine and must not call back into
// the synchronizer synchronously.
func (s *Synchronizer) Observe(fn func(SyncEvent)) func() {
	s.obsMu.Lock()
	id := s.nextObs
	s.nextObs++
	s.observers[id] = fn
	s.obsMu.Unlock()
	return func() {
		s.obsMu.Lock()
		delete(s.observers, id)
		s.obsMu.Unlock()
	}
}

func (s *Synchronizer) emit(events []SyncEvent) {
	if len(events) == 0 {
		return
	}
	s.obsMu.Lock()
	observers := make([]func(SyncEvent), 0, len(s.observers))
	for _, fn := range s.observers {
		observers = append(observers, fn)
	}
	s.obsMu.Unlock()
	for _, ev := range events {
		for _, fn := range observers {
			fn(ev)
		}
	}
}

// ObjectFor returns the canvas object projecting turnID.
func (s *Synchronizer) ObjectFor(turnID schema.TurnID) (schema.ObjectID, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.objects[turnID]
	return id, ok
}

// Mapped returns a copy of the turn-to-object map.
func (s *Synchronizer) Mapped() map[schema.TurnID]schema.ObjectID {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[schema.TurnID]schema.ObjectID, len(s.objects))
	for k, v := range s.objects {
		out[k] = v
	}
	return out
}

// ApplyCanvasOp executes a canvas message from the stream. It implements CanvasSink.
func (s *Synchronizer) ApplyCanvasOp(ctx context.Context, op schema.CanvasOp) error {
	s.mu.Lock()
	ids, err := canvas.Apply(ctx, s.doc, op)
	if err == nil && op.Action == schema.CanvasDelete {
		removed := make(map[schema.ObjectID]bool, len(ids))
		for _, id := range ids {
			removed[id] = true
		}
		for turnID, id := range s.objects {
			if removed[id] {
				delete(s.objects, turnID)
				delete(s.payloads, turnID)
			}
		}
	}
	s.mu.Unlock()
	if err != nil {
		return err
	}
	s.emit([]SyncEvent{{Type: SyncCanvasOp, Objects: ids}})
	return nil
}

// Focus returns the bounds of the card projecting turnID so a client can scroll to it.
func (s *Synchronizer) Focus(ctx context.Context, turnID schema.TurnID) (schema.Rect, error) {
	id, ok := s.ObjectFor(turnID)
	if !ok {
		return schema.Rect{}, schema.ErrObjectNotFound
	}
	obj, err := s.doc.GetObject(ctx, id)
	if err != nil {
		return schema.Rect{}, err
	}
	bounds := obj.Bounds()
	s.emit([]SyncEvent{{Type: SyncFocus, TurnID: turnID, ObjectID: id, Bounds: &bounds}})
	return bounds, nil
}
