package stage

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestStoreRoundTrip(t *testing.T) {
	s, err := NewStore(filepath.Join(t.TempDir(), ".prep"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	if s.Done("fetch") {
		t.Fatal("expected fetch to be incomplete in a fresh store")
	}
	if _, err := s.Load("fetch"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Load on missing marker: got %v, want ErrNotFound", err)
	}

	err = s.Save(Marker{
		Stage:   "fetch",
		RunID:   "run-1",
		Details: map[string]string{"commit": "abc"},
	})
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if !s.Done("fetch") {
		t.Fatal("expected fetch to be complete after Save")
	}

	m, err := s.Load("fetch")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if m.RunID != "run-1" || m.Details["commit"] != "abc" {
		t.Errorf("unexpected marker: %+v", m)
	}
	if m.CompletedAt.IsZero() {
		t.Error("expected CompletedAt to be filled in")
	}

	if err := s.Clear("fetch"); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if s.Done("fetch") {
		t.Error("expected fetch to be incomplete after Clear")
	}
	if err := s.Clear("fetch"); err != nil {
		t.Errorf("Clear on missing marker: %v", err)
	}
}

func TestSaveRequiresStage(t *testing.T) {
	s, _ := NewStore(t.TempDir())
	if err := s.Save(Marker{RunID: "x"}); err == nil {
		t.Error("expected error for marker without stage")
	}
}

func TestNewStoreRequiresDir(t *testing.T) {
	if _, err := NewStore(""); err == nil {
		t.Error("expected error for empty directory")
	}
}

func TestWriteFileAtomicLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.json")
	if err := WriteFileAtomic(path, []byte(`{"a":1}`), 0o644); err != nil {
		t.Fatalf("WriteFileAtomic: %v", err)
	}
	if err := WriteFileAtomic(path, []byte(`{"a":2}`), 0o644); err != nil {
		t.Fatalf("WriteFileAtomic overwrite: %v", err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("expected only the target file, found %d entries", len(entries))
	}
	data, _ := os.ReadFile(path)
	if string(data) != `{"a":2}` {
		t.Errorf("unexpected contents %q", data)
	}
}
