// Package canvas holds the canvas host adapter: a mutable document of
// positioned typed objects.
package canvas

import (
	"context"
	"fmt"

	"pkt.systems/easel/schema"
)

// Document is the canvas host surface consumed by the synchronizer.
type Document interface {
	CreateObject(ctx context.Context, kind schema.ObjectKind, x, y float64, props map[string]any) (schema.ObjectID, error)
	// UpdateObject merges props into the object; a nil value removes the key.
	UpdateObject(ctx context.Context, id schema.ObjectID, props map[string]any) error
	// GetObject returns schema.ErrObjectNotFound when id does not resolve.
	GetObject(ctx context.Context, id schema.ObjectID) (schema.Object, error)
	QueryAllObjects(ctx context.Context) ([]schema.Object, error)
	DeleteObjects(ctx context.Context, ids ...schema.ObjectID) error
	Viewport(ctx context.Context) (schema.Rect, error)
}

// Apply executes a canvas message against doc and returns the affected ids.
func Apply(ctx context.Context, doc Document, op schema.CanvasOp) ([]schema.ObjectID, error) {
	switch op.Action {
	case schema.CanvasCreate:
		kind := op.Kind
		if kind == "" {
			return nil, fmt.Errorf("canvas create: missing kind")
		}
		id, err := doc.CreateObject(ctx, kind, op.X, op.Y, op.Props)
		if err != nil {
			return nil, fmt.Errorf("canvas create: %w", err)
		}
		return []schema.ObjectID{id}, nil
	case schema.CanvasUpdate:
		if op.ObjectID == "" {
			return nil, fmt.Errorf("canvas update: missing object id")
		}
		if err := doc.UpdateObject(ctx, op.ObjectID, op.Props); err != nil {
			return nil, fmt.Errorf("canvas update %s: %w", op.ObjectID, err)
		}
		return []schema.ObjectID{op.ObjectID}, nil
	case schema.CanvasDelete:
		ids := op.ObjectIDs
		if op.ObjectID != "" {
			ids = append([]schema.ObjectID{op.ObjectID}, ids...)
		}
		if len(ids) == 0 {
			return nil, nil
		}
		if err := doc.DeleteObjects(ctx, ids...); err != nil {
			return nil, fmt.Errorf("canvas delete: %w", err)
		}
		return ids, nil
	default:
		return nil, fmt.Errorf("canvas: unsupported action %q", op.Action)
	}
}

func cloneProps(props map[string]any) map[string]any {
	out := make(map[string]any, len(props))
	for k, v := range props {
		if v == nil {
			continue
		}
		out[k] = v
	}
	return out
}

func cloneObject(obj *schema.Object) schema.Object {
	out := *obj
	out.Props = cloneProps(obj.Props)
	return out
}
