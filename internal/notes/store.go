// Package notes persists the controlling agent's markdown notes between
// streams. Notes are plain files under a single directory; the store only
// guards key resolution so the HTTP surface can never read or write outside
// that directory.
package notes

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// ErrInvalidKey is returned for note keys that are empty, absolute, or try to
// escape the store directory.
var ErrInvalidKey = errors.New("notes: invalid key")

// Default note keys used across stream sessions.
const (
	// ContextKey holds long-lived background the agent reloads at stream
	// start.
	ContextKey = "context"

	// TopicsKey holds per-stream topic notes, truncated at stream start.
	TopicsKey = "topics"
)

// Store reads and writes markdown notes under a fixed directory.
type Store struct {
	dir string
	log *slog.Logger
}

// NewStore creates the directory if needed and returns a store rooted there.
func NewStore(dir string, log *slog.Logger) (*Store, error) {
	if dir == "" {
		return nil, errors.New("notes: directory must not be empty")
	}
	if log == nil {
		log = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("notes: create dir %q: %w", dir, err)
	}
	return &Store{dir: dir, log: log}, nil
}

// Save writes content to the note named key, replacing any previous content.
func (s *Store) Save(key, content string) error {
	path, err := s.resolve(key)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return fmt.Errorf("notes: write %q: %w", key, err)
	}
	s.log.Debug("note saved", "key", key, "bytes", len(content))
	return nil
}

// Load returns the note named key. A missing note is not an error; it loads
// as the empty string.
func (s *Store) Load(key string) (string, error) {
	path, err := s.resolve(key)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", nil
		}
		return "", fmt.Errorf("notes: read %q: %w", key, err)
	}
	return string(data), nil
}

// StartStream prepares the store for a new stream session: the context note
// is loaded and returned, and the topics note is truncated.
func (s *Store) StartStream() (string, error) {
	ctx, err := s.Load(ContextKey)
	if err != nil {
		return "", err
	}
	if err := s.Save(TopicsKey, ""); err != nil {
		return "", err
	}
	s.log.Info("stream session notes reset", "context_bytes", len(ctx))
	return ctx, nil
}

// resolve maps a note key to a file path strictly inside the store directory.
// Keys may contain subdirectory separators but never ".." or a leading slash.
func (s *Store) resolve(key string) (string, error) {
	if key == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidKey)
	}
	if strings.Contains(key, "..") || filepath.IsAbs(key) || strings.HasPrefix(key, "/") {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	path := filepath.Join(s.dir, filepath.Clean(key)+".md")

	// Resolve and re-check: Join+Clean must land under dir.
	rel, err := filepath.Rel(s.dir, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}

	if sub := filepath.Dir(path); sub != s.dir {
		if err := os.MkdirAll(sub, 0o755); err != nil {
			return "", fmt.Errorf("notes: create subdir for %q: %w", key, err)
		}
	}
	return path, nil
}
