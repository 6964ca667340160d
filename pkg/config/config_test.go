package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/turbopuffer/corpus-prep/pkg/config"
)

func writeConfig(t *testing.T, name, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(contents), 0644); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

func TestDefaultIsValid(t *testing.T) {
	if err := config.Default().Validate(); err != nil {
		t.Fatalf("default config is invalid: %v", err)
	}
}

func TestLoadYAML(t *testing.T) {
	t.Setenv("HF_ENDPOINT", "")
	path := writeConfig(t, "prep.yaml", `data_dir: /mnt/corpora
fetch:
  workers: 16
  revision: v1.2
convert:
  tasks: 4
  workers: 2
shuffle:
  chunks: 8
  memory_gb: 2.5
  seed: 7
  validation_lines: 100
`)

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.DataDir != "/mnt/corpora" {
		t.Errorf("expected data_dir /mnt/corpora, got %s", cfg.DataDir)
	}
	if cfg.Fetch.Workers != 16 {
		t.Errorf("expected fetch.workers 16, got %d", cfg.Fetch.Workers)
	}
	if cfg.Fetch.Revision != "v1.2" {
		t.Errorf("expected fetch.revision v1.2, got %s", cfg.Fetch.Revision)
	}
	if cfg.Fetch.Endpoint != "https://huggingface.co" {
		t.Errorf("expected default endpoint, got %s", cfg.Fetch.Endpoint)
	}
	if cfg.Convert.Tasks != 4 || cfg.Convert.Workers != 2 {
		t.Errorf("unexpected convert config %+v", cfg.Convert)
	}
	if cfg.Convert.TextKey != "text" {
		t.Errorf("expected default text key, got %q", cfg.Convert.TextKey)
	}
	if cfg.Shuffle.Chunks != 8 || cfg.Shuffle.MemoryGB != 2.5 || cfg.Shuffle.Seed != 7 {
		t.Errorf("unexpected shuffle config %+v", cfg.Shuffle)
	}
	if cfg.Shuffle.RepoURL == "" {
		t.Error("expected default terashuf repo url")
	}
}

func TestLoadEndpointFromEnv(t *testing.T) {
	t.Setenv("HF_ENDPOINT", "https://hf-mirror.example.com")

	cfg, err := config.Load(writeConfig(t, "prep.yaml", "data_dir: /mnt/corpora\n"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Fetch.Endpoint != "https://hf-mirror.example.com" {
		t.Errorf("expected the endpoint from $HF_ENDPOINT, got %s", cfg.Fetch.Endpoint)
	}

	cfg, err = config.Load(writeConfig(t, "prep.yaml", "fetch:\n  endpoint: https://internal.example.com\n"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Fetch.Endpoint != "https://internal.example.com" {
		t.Errorf("expected the configured endpoint to win, got %s", cfg.Fetch.Endpoint)
	}
}

func TestLoadTOML(t *testing.T) {
	path := writeConfig(t, "prep.toml", `data_dir = "corpora"
mysql_dsn = "user:pw@tcp(localhost:3306)/prep"

[convert]
tasks = 2
text_key = "content"

[shuffle]
skip = true
executable = "/usr/local/bin/terashuf"
`)

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.DataDir != "corpora" {
		t.Errorf("expected data_dir corpora, got %s", cfg.DataDir)
	}
	if cfg.MySQLDSN == "" {
		t.Error("expected mysql_dsn to be set")
	}
	if cfg.Convert.Tasks != 2 || cfg.Convert.TextKey != "content" {
		t.Errorf("unexpected convert config %+v", cfg.Convert)
	}
	if !cfg.Shuffle.Skip || cfg.Shuffle.Executable != "/usr/local/bin/terashuf" {
		t.Errorf("unexpected shuffle config %+v", cfg.Shuffle)
	}
	if cfg.Shuffle.Chunks != 32 {
		t.Errorf("expected default chunks 32, got %d", cfg.Shuffle.Chunks)
	}
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name     string
		file     string
		contents string
	}{
		{"unknown extension", "prep.json", `{}`},
		{"invalid yaml", "prep.yaml", "fetch: [unterminated"},
		{"invalid toml", "prep.toml", "data_dir = "},
		{"unknown toml key", "prep.toml", "bogus = 1"},
		{"zero tasks", "prep.yaml", "convert:\n  tasks: 0\n"},
		{"negative workers", "prep.yaml", "fetch:\n  workers: -1\n"},
		{"zero memory", "prep.toml", "[shuffle]\nmemory_gb = 0.0\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, tt.file, tt.contents)
			if _, err := config.Load(path); err == nil {
				t.Errorf("expected error loading %s", tt.file)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := config.Load("/nonexistent/prep.yaml"); err == nil {
		t.Error("expected error for missing file")
	}
}
