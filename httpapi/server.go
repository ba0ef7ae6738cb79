package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"pkt.systems/easel/canvas"
	"pkt.systems/easel/core"
	"pkt.systems/easel/internal/render"
	"pkt.systems/easel/schema"
	"pkt.systems/pslog"
)

// Conversation is the store surface driven by the API.
type Conversation interface {
	Start(ctx context.Context, req core.StartRequest) (core.StoreSnapshot, error)
	Stop(ctx context.Context) (core.StoreSnapshot, error)
	Reset(ctx context.Context) (core.StoreSnapshot, error)
	View() core.View
}

// Projection is the synchronizer surface used for focus requests.
type Projection interface {
	Focus(ctx context.Context, turnID schema.TurnID) (schema.Rect, error)
}

type viewportSetter interface {
	SetViewport(r schema.Rect)
}

// TurnsPayload is the conversation state served to clients.
type TurnsPayload struct {
	Version    uint64           `json:"version"`
	Generation uint64           `json:"generation"`
	RunID      schema.RunID     `json:"runId,omitempty"`
	Status     schema.RunStatus `json:"status"`
	CanStart   bool             `json:"canStart"`
	SessionID  schema.SessionID `json:"sessionId,omitempty"`
	LastResult *schema.Usage    `json:"lastResult,omitempty"`
	Totals     schema.Usage     `json:"totals"`
	Error      string           `json:"error,omitempty"`
	Turns      []schema.Turn    `json:"turns"`
}

// CanvasObject is a canvas object as served to clients. Agent cards carry
// their rendered view and the height that view needs.
type CanvasObject struct {
	ID     schema.ObjectID   `json:"id"`
	Kind   schema.ObjectKind `json:"kind"`
	X      float64           `json:"x"`
	Y      float64           `json:"y"`
	W      float64           `json:"w"`
	H      float64           `json:"h"`
	FitH   float64           `json:"fitH,omitempty"`
	TurnID schema.TurnID     `json:"turnId,omitempty"`
	Card   *render.CardView  `json:"card,omitempty"`
	Props  map[string]any    `json:"props,omitempty"`
}

// CanvasPayload is the canvas document as served to clients. Fitted counts
// the cards resized by POST /api/canvas/fit.
type CanvasPayload struct {
	Viewport schema.Rect    `json:"viewport"`
	Objects  []CanvasObject `json:"objects"`
	Fitted   int            `json:"fitted,omitempty"`
}

// Server serves the HTTP API.
type Server struct {
	cfg      Config
	conv     Conversation
	proj     Projection
	doc      canvas.Document
	hub      *Hub
	metrics  render.Metrics
	basePath string
}

// NewServer constructs an HTTP server.
func NewServer(cfg Config, conv Conversation, proj Projection, doc canvas.Document, hub *Hub) *Server {
	return &Server{
		cfg:      cfg,
		conv:     conv,
		proj:     proj,
		doc:      doc,
		hub:      hub,
		metrics:  render.DefaultMetrics(),
		basePath: normalizeBasePath(cfg.BasePath),
	}
}

// Handler returns an http.Handler for the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/turns", s.handleTurns)
	mux.HandleFunc("/api/feed", s.handleFeed)
	mux.HandleFunc("/api/stream", s.handleStream)
	mux.HandleFunc("/api/canvas", s.handleCanvas)
	mux.HandleFunc("/api/canvas/fit", s.handleCanvasFit)
	mux.HandleFunc("/api/prompt", s.handlePrompt)
	mux.HandleFunc("/api/stop", s.handleStop)
	mux.HandleFunc("/api/reset", s.handleReset)
	mux.HandleFunc("/api/focus", s.handleFocus)
	mux.HandleFunc("/api/viewport", s.handleViewport)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	})
	return mountAt(s.basePath, withRequestLogging(mux))
}

func (s *Server) handleTurns(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, turnsPayload(s.conv.View()))
}

func (s *Server) handleFeed(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	lines := render.Feed(s.conv.View().Turns)
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	for _, line := range lines {
		_, _ = io.WriteString(w, line+"\n")
	}
}

func (s *Server) handlePrompt(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	log := pslog.Ctx(r.Context())
	var payload struct {
		Prompt  string `json:"prompt"`
		Context string `json:"context"`
		Replace bool   `json:"replace"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		log.Warn("http prompt decode failed", "err", err)
		writeError(w, http.StatusBadRequest, err)
		return
	}
	snap, err := s.conv.Start(r.Context(), core.StartRequest{
		Prompt:  payload.Prompt,
		Context: payload.Context,
		Replace: payload.Replace,
	})
	if err != nil {
		log.Warn("http prompt rejected", "err", err)
		writeError(w, statusForError(err), err)
		return
	}
	log.Info("http prompt accepted", "run", snap.RunID, "replace", payload.Replace)
	writeJSON(w, http.StatusAccepted, map[string]any{
		"runId":      snap.RunID,
		"status":     snap.Status,
		"version":    snap.Version,
		"generation": snap.Generation,
	})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	snap, err := s.conv.Stop(r.Context())
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": snap.Status, "version": snap.Version})
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	snap, err := s.conv.Reset(r.Context())
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": snap.Status, "generation": snap.Generation})
}

func (s *Server) handleCanvas(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.doc == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("canvas not configured"))
		return
	}
	payload, err := s.canvasPayload(r.Context(), false)
	if err != nil {
		pslog.Ctx(r.Context()).Warn("http canvas query failed", "err", err)
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

// handleCanvasFit resizes every agent card to its rendered height and returns
// the updated canvas.
func (s *Server) handleCanvasFit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.doc == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("canvas not configured"))
		return
	}
	payload, err := s.canvasPayload(r.Context(), true)
	if err != nil {
		pslog.Ctx(r.Context()).Warn("http canvas fit failed", "err", err)
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	pslog.Ctx(r.Context()).Debug("http canvas fit", "fitted", payload.Fitted)
	writeJSON(w, http.StatusOK, payload)
}

// canvasPayload renders every object. Agent cards are measured against their
// content; with apply set, heights off by a unit or more are written back.
func (s *Server) canvasPayload(ctx context.Context, apply bool) (CanvasPayload, error) {
	objects, err := s.doc.QueryAllObjects(ctx)
	if err != nil {
		return CanvasPayload{}, err
	}
	viewport, err := s.doc.Viewport(ctx)
	if err != nil {
		return CanvasPayload{}, err
	}
	out := CanvasPayload{Viewport: viewport, Objects: make([]CanvasObject, 0, len(objects))}
	for _, obj := range objects {
		bounds := obj.Bounds()
		item := CanvasObject{
			ID:     obj.ID,
			Kind:   obj.Kind,
			X:      obj.X,
			Y:      obj.Y,
			W:      bounds.W,
			H:      bounds.H,
			TurnID: obj.TurnID(),
		}
		if obj.Kind != schema.KindAgentCard {
			item.Props = obj.Props
			out.Objects = append(out.Objects, item)
			continue
		}
		props, err := schema.CardPropsFromMap(obj.Props)
		if err != nil {
			pslog.Ctx(ctx).Warn("http canvas card props invalid", "object", obj.ID, "err", err)
			item.Props = obj.Props
			out.Objects = append(out.Objects, item)
			continue
		}
		view := render.CardFromProps(props)
		item.Card = &view
		item.FitH = render.FitHeight(view, bounds.W, s.metrics)
		if apply && math.Abs(item.FitH-bounds.H) >= 1 {
			if err := s.doc.UpdateObject(ctx, obj.ID, map[string]any{schema.PropH: item.FitH}); err != nil {
				pslog.Ctx(ctx).Debug("http canvas fit object failed", "object", obj.ID, "err", err)
			} else {
				item.H = item.FitH
				out.Fitted++
			}
		}
		out.Objects = append(out.Objects, item)
	}
	return out, nil
}

func (s *Server) handleFocus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.proj == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("canvas not configured"))
		return
	}
	var payload struct {
		TurnID schema.TurnID `json:"turnId"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if strings.TrimSpace(string(payload.TurnID)) == "" {
		writeError(w, http.StatusBadRequest, errors.New("turnId is required"))
		return
	}
	bounds, err := s.proj.Focus(r.Context(), payload.TurnID)
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, bounds)
}

func (s *Server) handleViewport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	setter, ok := s.doc.(viewportSetter)
	if !ok {
		writeError(w, http.StatusNotImplemented, errors.New("viewport is fixed"))
		return
	}
	var rect schema.Rect
	if err := decodeJSON(r.Body, &rect); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if rect.W <= 0 || rect.H <= 0 {
		writeError(w, http.StatusBadRequest, errors.New("viewport must have a positive size"))
		return
	}
	setter.SetViewport(rect)
	pslog.Ctx(r.Context()).Debug("http viewport set", "x", rect.X, "y", rect.Y, "w", rect.W, "h", rect.H)
	writeJSON(w, http.StatusOK, rect)
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, errors.New("stream unsupported"))
		return
	}
	log := pslog.Ctx(r.Context())

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	lastID := parseUint(r.Header.Get("Last-Event-ID"))
	if lastID == 0 {
		lastID = parseUint(r.URL.Query().Get("after"))
	}

	ch, unsubscribe, seq := s.hub.Subscribe()
	defer unsubscribe()

	snapshot := turnsPayload(s.conv.View())
	_ = writeSSEvent(w, StreamEvent{
		Type:      EventSnapshot,
		Snapshot:  &snapshot,
		Timestamp: time.Now(),
	})
	replayCount := 0
	if lastID > 0 && lastID < seq {
		replay := s.hub.Replay(lastID, seq)
		replayCount = len(replay)
		for _, event := range replay {
			_ = writeSSEvent(w, event)
		}
	}
	flusher.Flush()

	log.Info("http stream opened", "last_id", lastID, "replay", replayCount, "turns", len(snapshot.Turns))
	notify := r.Context().Done()
	for {
		select {
		case <-notify:
			log.Info("http stream closed")
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			_ = writeSSEvent(w, event)
			flusher.Flush()
		}
	}
}

func turnsPayload(view core.View) TurnsPayload {
	snap := view.Snapshot
	turns := view.Turns
	if turns == nil {
		turns = []schema.Turn{}
	}
	return TurnsPayload{
		Version:    snap.Version,
		Generation: snap.Generation,
		RunID:      snap.RunID,
		Status:     snap.Status,
		CanStart:   snap.CanStart(),
		SessionID:  snap.SessionID,
		LastResult: snap.LastResult,
		Totals:     snap.Totals,
		Error:      snap.Error,
		Turns:      turns,
	}
}

func statusForError(err error) int {
	var transportErr *schema.TransportError
	switch {
	case errors.Is(err, schema.ErrEmptyPrompt):
		return http.StatusBadRequest
	case errors.Is(err, schema.ErrRunActive):
		return http.StatusConflict
	case errors.Is(err, schema.ErrObjectNotFound):
		return http.StatusNotFound
	case errors.Is(err, schema.ErrTransportUnavailable):
		return http.StatusServiceUnavailable
	case errors.As(err, &transportErr):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func decodeJSON(body io.Reader, target any) error {
	decoder := json.NewDecoder(body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(target)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	data, _ := json.Marshal(payload)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]any{"error": err.Error()})
}

func writeSSEvent(w http.ResponseWriter, event StreamEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	if event.Seq > 0 {
		_, _ = fmt.Fprintf(w, "id: %d\n", event.Seq)
	}
	_, _ = fmt.Fprintf(w, "event: %s\n", event.Type)
	_, _ = fmt.Fprintf(w, "data: %s\n\n", strings.TrimSpace(string(data)))
	return nil
}

func parseUint(value string) uint64 {
	if value == "" {
		return 0
	}
	parsed, err := strconv.ParseUint(value, 10, 64)
	if err != nil {
		return 0
	}
	return parsed
}
