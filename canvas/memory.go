package canvas

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"pkt.systems/easel/internal/eventbus"
	"pkt.systems/easel/schema"
	"pkt.systems/pslog"
)

// DefaultViewport is used when no viewport is configured.
var DefaultViewport = schema.Rect{X: 0, Y: 0, W: 1280, H: 800}

// Options configures an in-memory document.
type Options struct {
	Viewport schema.Rect
	Bus      *eventbus.Bus
	NewID    func() schema.ObjectID
	Logger   pslog.Logger
}

// Memory is an in-memory Document. Objects are returned in creation order.
type Memory struct {
	bus   *eventbus.Bus
	newID func() schema.ObjectID
	log   pslog.Logger

	mu       sync.RWMutex
	objects  map[schema.ObjectID]*schema.Object
	order    []schema.ObjectID
	viewport schema.Rect
	revision uint64
}

// NewMemory constructs an empty document.
func NewMemory(opts Options) *Memory {
	m := &Memory{
		bus:      opts.Bus,
		newID:    opts.NewID,
		log:      opts.Logger,
		objects:  make(map[schema.ObjectID]*schema.Object),
		viewport: opts.Viewport,
	}
	if m.newID == nil {
		m.newID = func() schema.ObjectID { return schema.ObjectID(uuid.NewString()) }
	}
	if m.log == nil {
		m.log = pslog.Ctx(context.Background())
	}
	if m.viewport.W <= 0 || m.viewport.H <= 0 {
		m.viewport = DefaultViewport
	}
	return m
}

// CreateObject implements Document.
func (m *Memory) CreateObject(ctx context.Context, kind schema.ObjectKind, x, y float64, props map[string]any) (schema.ObjectID, error) {
	m.mu.Lock()
	id := m.newID()
	for m.objects[id] != nil {
		id = m.newID()
	}
	m.objects[id] = &schema.Object{ID: id, Kind: kind, X: x, Y: y, Props: cloneProps(props)}
	m.order = append(m.order, id)
	m.revision++
	m.mu.Unlock()
	pslog.Ctx(ctx).Trace("canvas object created", "object", id, "kind", kind)
	m.bus.OnCanvas(id)
	return id, nil
}

// UpdateObject implements Document.
func (m *Memory) UpdateObject(ctx context.Context, id schema.ObjectID, props map[string]any) error {
	m.mu.Lock()
	obj := m.objects[id]
	if obj == nil {
		m.mu.Unlock()
		return schema.ErrObjectNotFound
	}
	merged := cloneProps(obj.Props)
	for k, v := range props {
		if v == nil {
			delete(merged, k)
			continue
		}
		merged[k] = v
	}
	obj.Props = merged
	m.revision++
	m.mu.Unlock()
	pslog.Ctx(ctx).Trace("canvas object updated", "object", id, "keys", len(props))
	m.bus.OnCanvas(id)
	return nil
}

// GetObject implements Document.
func (m *Memory) GetObject(_ context.Context, id schema.ObjectID) (schema.Object, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	obj := m.objects[id]
	if obj == nil {
		return schema.Object{}, schema.ErrObjectNotFound
	}
	return cloneObject(obj), nil
}

// QueryAllObjects implements Document.
func (m *Memory) QueryAllObjects(context.Context) ([]schema.Object, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]schema.Object, 0, len(m.order))
	for _, id := range m.order {
		if obj := m.objects[id]; obj != nil {
			out = append(out, cloneObject(obj))
		}
	}
	return out, nil
}

// DeleteObjects implements Document. Unknown ids are ignored.
func (m *Memory) DeleteObjects(ctx context.Context, ids ...schema.ObjectID) error {
	m.mu.Lock()
	removed := make([]schema.ObjectID, 0, len(ids))
	for _, id := range ids {
		if m.objects[id] == nil {
			continue
		}
		delete(m.objects, id)
		removed = append(removed, id)
	}
	if len(removed) > 0 {
		order := m.order[:0]
		for _, id := range m.order {
			if m.objects[id] != nil {
				order = append(order, id)
			}
		}
		m.order = order
		m.revision++
	}
	m.mu.Unlock()
	if len(removed) > 0 {
		pslog.Ctx(ctx).Debug("canvas objects deleted", "count", len(removed))
		m.bus.OnCanvas(removed...)
	}
	return nil
}

// Viewport implements Document.
func (m *Memory) Viewport(context.Context) (schema.Rect, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.viewport, nil
}

// SetViewport records the visible region reported by a client.
func (m *Memory) SetViewport(r schema.Rect) {
	if r.W <= 0 || r.H <= 0 {
		return
	}
	m.mu.Lock()
	m.viewport = r
	m.revision++
	m.mu.Unlock()
}

// Revision increases on every mutation.
func (m *Memory) Revision() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.revision
}

// Restore replaces the document contents, keeping the given order.
func (m *Memory) Restore(objects []schema.Object, viewport schema.Rect, revision uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects = make(map[schema.ObjectID]*schema.Object, len(objects))
	m.order = m.order[:0]
	for i := range objects {
		obj := cloneObject(&objects[i])
		if obj.ID == "" || m.objects[obj.ID] != nil {
			continue
		}
		m.objects[obj.ID] = &obj
		m.order = append(m.order, obj.ID)
	}
	if viewport.W > 0 && viewport.H > 0 {
		m.viewport = viewport
	}
	m.revision = revision
}
