package main

import (
	"flag"
	"os"
	"path/filepath"
	"testing"
)

func TestLoadConfigFlagsOverrideFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prep.yaml")
	err := os.WriteFile(path, []byte(`
data_dir: /mnt/corpora
convert:
  tasks: 8
shuffle:
  chunks: 4
  seed: 7
`), 0644)
	if err != nil {
		t.Fatal(err)
	}

	for name, value := range map[string]string{
		"config": path,
		"tasks":  "16",
		"seed":   "9",
	} {
		if err := flag.Set(name, value); err != nil {
			t.Fatal(err)
		}
	}

	cfg, err := loadConfig()
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.DataDir != "/mnt/corpora" {
		t.Errorf("expected data dir from the file, got %s", cfg.DataDir)
	}
	if cfg.Convert.Tasks != 16 || cfg.Shuffle.Seed != 9 {
		t.Errorf("expected flags to win, got tasks=%d seed=%d", cfg.Convert.Tasks, cfg.Shuffle.Seed)
	}
	if cfg.Shuffle.Chunks != 4 {
		t.Errorf("expected chunks from the file, got %d", cfg.Shuffle.Chunks)
	}
	if cfg.Fetch.Workers != 8 {
		t.Errorf("expected default fetch workers, got %d", cfg.Fetch.Workers)
	}
}
