package persist

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode"

	"pkt.systems/easel/schema"
	"pkt.systems/pslog"
)

// CanvasSnapshot captures a canvas document for persistence.
type CanvasSnapshot struct {
	Objects  []schema.Object `json:"objects"`
	Viewport schema.Rect     `json:"viewport"`
	Revision uint64          `json:"revision"`
	SavedAt  time.Time       `json:"saved_at"`
}

// Store persists canvas snapshots to disk, one JSON file per document.
type Store struct {
	dir string
	log pslog.Logger
}

// NewStore constructs a persistent store at the given directory.
func NewStore(dir string) (*Store, error) {
	return NewStoreWithLogger(dir, nil)
}

// NewStoreWithLogger constructs a persistent store with logging.
func NewStoreWithLogger(dir string, logger pslog.Logger) (*Store, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("state directory is required")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	return &Store{dir: dir, log: logger.With("state_dir", dir)}, nil
}

// Load reads a document snapshot from disk. The bool reports whether it existed.
func (s *Store) Load(name string) (CanvasSnapshot, bool, error) {
	path := s.pathFor(name)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			s.log.Debug("state load miss", "document", name)
			return CanvasSnapshot{}, false, nil
		}
		s.log.Warn("state load failed", "document", name, "err", err)
		return CanvasSnapshot{}, false, err
	}
	var snapshot CanvasSnapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		s.log.Warn("state load failed", "document", name, "err", err)
		return CanvasSnapshot{}, false, err
	}
	s.log.Debug("state load ok", "document", name, "objects", len(snapshot.Objects), "revision", snapshot.Revision)
	return snapshot, true, nil
}

// Save writes a document snapshot to disk atomically.
func (s *Store) Save(name string, snapshot CanvasSnapshot) error {
	if err := s.write(s.pathFor(name), snapshot); err != nil {
		s.log.Warn("state save failed", "document", name, "err", err)
		return err
	}
	s.log.Trace("state save ok", "document", name, "objects", len(snapshot.Objects), "revision", snapshot.Revision)
	return nil
}

// Path returns the file backing the named document.
func (s *Store) Path(name string) string {
	return s.pathFor(name)
}

func (s *Store) write(path string, snapshot CanvasSnapshot) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "canvas-*.json")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o600); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func (s *Store) pathFor(name string) string {
	clean := sanitize(name)
	if clean == "" {
		clean = "canvas"
	}
	return filepath.Join(s.dir, clean+".json")
}

func sanitize(value string) string {
	var b strings.Builder
	for _, r := range value {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			continue
		}
		if r == '-' || r == '_' || r == '.' {
			b.WriteRune(r)
			continue
		}
		b.WriteRune('_')
	}
	return b.String()
}
