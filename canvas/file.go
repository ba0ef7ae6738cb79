package canvas

import (
	"context"
	"sync"
	"time"

	"pkt.systems/easel/internal/persist"
	"pkt.systems/easel/schema"
	"pkt.systems/pslog"
)

// FileDocument is a Memory document mirrored to disk after every mutation,
// so a restarted process can rebuild its turn map from the saved objects.
type FileDocument struct {
	*Memory
	store *persist.Store
	name  string
	now   func() time.Time

	saveMu sync.Mutex
	saved  uint64
}

// OpenFile loads the named document from store, or starts an empty one.
func OpenFile(ctx context.Context, store *persist.Store, name string, opts Options) (*FileDocument, error) {
	doc := &FileDocument{
		Memory: NewMemory(opts),
		store:  store,
		name:   name,
		now:    time.Now,
	}
	snapshot, ok, err := store.Load(name)
	if err != nil {
		return nil, err
	}
	if ok {
		doc.Restore(snapshot.Objects, snapshot.Viewport, snapshot.Revision)
		doc.saved = snapshot.Revision
		pslog.Ctx(ctx).Info("canvas document restored", "document", name, "objects", len(snapshot.Objects))
	}
	return doc, nil
}

// CreateObject implements Document.
func (d *FileDocument) CreateObject(ctx context.Context, kind schema.ObjectKind, x, y float64, props map[string]any) (schema.ObjectID, error) {
	id, err := d.Memory.CreateObject(ctx, kind, x, y, props)
	if err != nil {
		return "", err
	}
	return id, d.Flush(ctx)
}

// UpdateObject implements Document.
func (d *FileDocument) UpdateObject(ctx context.Context, id schema.ObjectID, props map[string]any) error {
	if err := d.Memory.UpdateObject(ctx, id, props); err != nil {
		return err
	}
	return d.Flush(ctx)
}

// DeleteObjects implements Document.
func (d *FileDocument) DeleteObjects(ctx context.Context, ids ...schema.ObjectID) error {
	if err := d.Memory.DeleteObjects(ctx, ids...); err != nil {
		return err
	}
	return d.Flush(ctx)
}

// SetViewport records the viewport and persists it.
func (d *FileDocument) SetViewport(r schema.Rect) {
	d.Memory.SetViewport(r)
	_ = d.Flush(context.Background())
}

// Flush writes the document if it changed since the last save.
func (d *FileDocument) Flush(ctx context.Context) error {
	d.saveMu.Lock()
	defer d.saveMu.Unlock()
	revision := d.Revision()
	if revision == d.saved {
		return nil
	}
	objects, err := d.QueryAllObjects(ctx)
	if err != nil {
		return err
	}
	viewport, err := d.Viewport(ctx)
	if err != nil {
		return err
	}
	if err := d.store.Save(d.name, persist.CanvasSnapshot{
		Objects:  objects,
		Viewport: viewport,
		Revision: revision,
		SavedAt:  d.now().UTC(),
	}); err != nil {
		pslog.Ctx(ctx).Warn("canvas document save failed", "document", d.name, "err", err)
		return err
	}
	d.saved = revision
	return nil
}
