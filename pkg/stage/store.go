// Package stage records which pipeline stages have completed for a working directory.
//
// Markers live under <dir>/<stage>.json and are written atomically (temp file,
// fsync, rename) after a stage succeeds, so a marker on disk always means the
// stage's outputs were fully written.
package stage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// ErrNotFound is returned by Load when a stage has no marker.
var ErrNotFound = errors.New("stage marker not found")

// Marker is the record written when a stage completes.
type Marker struct {
	Stage       string            `json:"stage"`
	RunID       string            `json:"run_id"`
	CompletedAt time.Time         `json:"completed_at"`
	Details     map[string]string `json:"details,omitempty"`
}

// Store reads and writes stage markers in a single directory.
type Store struct {
	dir string
}

func NewStore(dir string) (*Store, error) {
	if dir == "" {
		return nil, errors.New("marker directory is required")
	}
	return &Store{dir: dir}, nil
}

func (s *Store) path(stage string) string {
	return filepath.Join(s.dir, stage+".json")
}

// Done reports whether the stage has a marker.
func (s *Store) Done(stage string) bool {
	_, err := os.Stat(s.path(stage))
	return err == nil
}

// Load returns the marker for stage, or ErrNotFound.
func (s *Store) Load(stage string) (Marker, error) {
	data, err := os.ReadFile(s.path(stage))
	if err != nil {
		if os.IsNotExist(err) {
			return Marker{}, fmt.Errorf("%w: %s", ErrNotFound, stage)
		}
		return Marker{}, fmt.Errorf("reading marker for %s: %w", stage, err)
	}
	var m Marker
	if err := json.Unmarshal(data, &m); err != nil {
		return Marker{}, fmt.Errorf("decoding marker for %s: %w", stage, err)
	}
	return m, nil
}

// Save atomically writes the marker for m.Stage.
func (s *Store) Save(m Marker) error {
	if m.Stage == "" {
		return errors.New("marker has no stage")
	}
	if m.CompletedAt.IsZero() {
		m.CompletedAt = time.Now().UTC()
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding marker for %s: %w", m.Stage, err)
	}
	if err := WriteFileAtomic(s.path(m.Stage), data, 0o644); err != nil {
		return fmt.Errorf("writing marker for %s: %w", m.Stage, err)
	}
	return nil
}

// Clear removes the marker for stage. Missing markers are not an error.
func (s *Store) Clear(stage string) error {
	if err := os.Remove(s.path(stage)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing marker for %s: %w", stage, err)
	}
	return nil
}

// WriteFileAtomic writes data to path via a synced temp file in the same
// directory and a rename, then syncs the directory.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp.*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		_ = tmp.Close()
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		return err
	}
	if err := tmp.Sync(); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return syncDir(dir)
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}
