package persist

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"pkt.systems/easel/schema"
)

func TestStoreLoadMissing(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	_, ok, err := store.Load("board")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if ok {
		t.Fatalf("expected missing snapshot")
	}
}

func TestStoreSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	snapshot := CanvasSnapshot{
		Objects: []schema.Object{
			{
				ID:   "obj-1",
				Kind: schema.KindAgentCard,
				X:    10,
				Y:    20,
				Props: map[string]any{
					schema.PropTurnID: "run1:1",
					schema.PropW:      float64(480),
					schema.PropH:      float64(240),
				},
			},
		},
		Viewport: schema.Rect{X: 0, Y: 0, W: 1280, H: 800},
		Revision: 7,
		SavedAt:  time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
	if err := store.Save("board", snapshot); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, ok, err := store.Load("board")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !ok {
		t.Fatalf("expected snapshot to exist")
	}
	if !reflect.DeepEqual(snapshot, got) {
		t.Fatalf("snapshot mismatch:\nwant: %+v\ngot:  %+v", snapshot, got)
	}
	info, err := os.Stat(store.Path("board"))
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("expected 0600 permissions, got %v", info.Mode().Perm())
	}
}

func TestStoreLoadInvalidJSON(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	path := filepath.Join(dir, "board.json")
	if err := os.WriteFile(path, []byte("{not-json"), 0o600); err != nil {
		t.Fatalf("write bad json: %v", err)
	}
	if _, _, err := store.Load("board"); err == nil {
		t.Fatalf("expected error for invalid JSON")
	}
}

func TestStoreSanitizesDocumentName(t *testing.T) {
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	if got := filepath.Base(store.Path("../evil/name")); got != ".._evil_name.json" {
		t.Fatalf("unexpected sanitized name: %s", got)
	}
	if got := filepath.Base(store.Path("")); got != "canvas.json" {
		t.Fatalf("unexpected default name: %s", got)
	}
}
