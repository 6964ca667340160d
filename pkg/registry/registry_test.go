package registry

import (
	"errors"
	"testing"
)

func TestResolveSupported(t *testing.T) {
	for _, name := range Names() {
		t.Run(name, func(t *testing.T) {
			d, err := Resolve(name)
			if err != nil {
				t.Fatalf("Resolve(%q): %v", name, err)
			}
			if d.Name != name {
				t.Errorf("expected name %q, got %q", name, d.Name)
			}
			if d.RepoID == "" {
				t.Errorf("dataset %q has an empty repo id", name)
			}
		})
	}
}

func TestResolveUnknown(t *testing.T) {
	for _, name := range []string{"", "fineweb", "FINEWEB_EDU", "dclm_baseline_1"} {
		_, err := Resolve(name)
		if !errors.Is(err, ErrUnknownDataset) {
			t.Errorf("Resolve(%q) error = %v, want ErrUnknownDataset", name, err)
		}
	}
}

func TestResolveDescriptors(t *testing.T) {
	tests := []struct {
		name       string
		repo       string
		format     Format
		patterns   int
		convert    bool
		shuffleExt string
	}{
		{"fineweb_edu", "HuggingFaceFW/fineweb-edu", FormatParquet, 0, true, ".jsonl"},
		{"fineweb_edu_10bt", "HuggingFaceFW/fineweb-edu", FormatParquet, 1, true, ".jsonl"},
		{"dclm_baseline_1.0", "mlfoundations/dclm-baseline-1.0", FormatJSONLZstd, 1, false, ".jsonl.zst"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := Resolve(tt.name)
			if err != nil {
				t.Fatalf("Resolve: %v", err)
			}
			if d.RepoID != tt.repo {
				t.Errorf("repo = %q, want %q", d.RepoID, tt.repo)
			}
			if d.Format != tt.format {
				t.Errorf("format = %s, want %s", d.Format, tt.format)
			}
			if len(d.AllowPatterns) != tt.patterns {
				t.Errorf("got %d allow patterns, want %d", len(d.AllowPatterns), tt.patterns)
			}
			if d.Format.NeedsConversion() != tt.convert {
				t.Errorf("NeedsConversion = %v, want %v", d.Format.NeedsConversion(), tt.convert)
			}
			if ext := d.ShuffleExtension(); ext != tt.shuffleExt {
				t.Errorf("ShuffleExtension = %q, want %q", ext, tt.shuffleExt)
			}
		})
	}
}

func TestResolveReturnsCopy(t *testing.T) {
	d, err := Resolve("fineweb_edu_10bt")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	d.AllowPatterns[0] = "mutated"
	again, _ := Resolve("fineweb_edu_10bt")
	if again.AllowPatterns[0] != "sample/10BT/*" {
		t.Errorf("registry entry was mutated through a resolved descriptor: %q", again.AllowPatterns[0])
	}
}
