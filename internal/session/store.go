package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// ErrNotFound is returned by Load when no session file matches the name.
var ErrNotFound = errors.New("session not found")

// Store persists sessions as one JSON file per name under a fixed
// directory. It is used only by the single foreground process; no locking.
type Store struct {
	dir   string
	limit int
}

// Info describes a stored session file.
type Info struct {
	Name    string
	Path    string
	SavedAt time.Time
}

// NewStore returns a store rooted at dir keeping at most limit session
// files. Limit <= 0 disables retention pruning.
func NewStore(dir string, limit int) *Store {
	return &Store{dir: dir, limit: limit}
}

// Save writes the session under name, overwriting any existing file, and
// prunes the oldest files beyond the retention cap. An empty name is
// replaced by a timestamp (YYYYMMDD_HHMMSS). Returns the file name used.
func (st *Store) Save(name string, s *Session) (string, error) {
	if err := os.MkdirAll(st.dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create history directory: %w", err)
	}
	if name == "" {
		name = time.Now().Format("20060102_150405")
	}
	s.SavedAt = time.Now()

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to encode session: %w", err)
	}
	filename := name + ".json"
	if err := os.WriteFile(filepath.Join(st.dir, filename), data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write session file: %w", err)
	}

	if err := st.prune(); err != nil {
		return filename, fmt.Errorf("failed to prune old sessions: %w", err)
	}
	return filename, nil
}

// Load reads the session stored under name. An exact match is tried first,
// then a partial name match where the most recently saved hit wins. Returns
// ErrNotFound when nothing matches; the caller's in-memory state is never
// touched on failure.
func (st *Store) Load(name string) (*Session, error) {
	path := filepath.Join(st.dir, name+".json")
	if _, err := os.Stat(path); err != nil {
		matches, globErr := st.list("*" + name + "*.json")
		if globErr != nil || len(matches) == 0 {
			return nil, fmt.Errorf("%w: %q", ErrNotFound, name)
		}
		path = matches[len(matches)-1].Path
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read session file: %w", err)
	}
	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("malformed session file %s: %w", filepath.Base(path), err)
	}
	return &s, nil
}

// List returns all stored sessions, oldest first.
func (st *Store) List() ([]Info, error) {
	return st.list("*.json")
}

// list returns matching session files sorted oldest first, ties broken by
// name so pruning stays deterministic within one clock tick.
func (st *Store) list(pattern string) ([]Info, error) {
	paths, err := filepath.Glob(filepath.Join(st.dir, pattern))
	if err != nil {
		return nil, err
	}
	infos := make([]Info, 0, len(paths))
	for _, p := range paths {
		fi, err := os.Stat(p)
		if err != nil {
			continue
		}
		infos = append(infos, Info{
			Name:    strings.TrimSuffix(filepath.Base(p), ".json"),
			Path:    p,
			SavedAt: fi.ModTime(),
		})
	}
	sort.Slice(infos, func(i, j int) bool {
		if infos[i].SavedAt.Equal(infos[j].SavedAt) {
			return infos[i].Name < infos[j].Name
		}
		return infos[i].SavedAt.Before(infos[j].SavedAt)
	})
	return infos, nil
}

// prune deletes the oldest session files beyond the retention cap.
func (st *Store) prune() error {
	if st.limit <= 0 {
		return nil
	}
	infos, err := st.list("*.json")
	if err != nil {
		return err
	}
	for _, old := range infos[:max(0, len(infos)-st.limit)] {
		if err := os.Remove(old.Path); err != nil {
			return err
		}
	}
	return nil
}
