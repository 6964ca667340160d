package shuffle

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"strings"
	"testing"

	"github.com/klauspost/compress/zstd"
)

// writeScript writes an executable shell script standing in for terashuf.
func writeScript(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts required")
	}
	path := filepath.Join(t.TempDir(), "terashuf")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0755); err != nil {
		t.Fatal(err)
	}
	return path
}

// identityShuffler passes lines through unchanged once it has checked the
// environment it was given.
const identityShuffler = `[ "$MEMORY" = "0.5" ] && [ "$SEED" = "7" ] || exit 3
exec cat`

func lineOf(i int) string {
	return fmt.Sprintf(`{"id":"%d","text":"line %d"}`, i, i)
}

func writeLines(t *testing.T, path string, from, to int, trailingNewline bool) {
	t.Helper()
	var b strings.Builder
	for i := from; i < to; i++ {
		b.WriteString(lineOf(i))
		if i < to-1 || trailingNewline {
			b.WriteByte('\n')
		}
	}
	if err := os.WriteFile(path, []byte(b.String()), 0644); err != nil {
		t.Fatal(err)
	}
}

func writeZstdLines(t *testing.T, path string, from, to int) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	enc, err := zstd.NewWriter(f)
	if err != nil {
		t.Fatal(err)
	}
	for i := from; i < to; i++ {
		fmt.Fprintln(enc, lineOf(i))
	}
	if err := enc.Close(); err != nil {
		t.Fatal(err)
	}
}

func readLines(t *testing.T, path string) []string {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		t.Fatal(err)
	}
	return lines
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRunSplitsAndCarvesValidation(t *testing.T) {
	src := t.TempDir()
	// 60 plain lines without a trailing newline, then 40 compressed lines.
	writeLines(t, filepath.Join(src, "a.jsonl"), 0, 60, false)
	writeZstdLines(t, filepath.Join(src, "b.jsonl.zst"), 60, 100)
	out := filepath.Join(t.TempDir(), "ds_shuffled")

	res, err := Run(context.Background(), discardLogger(), Options{
		Executable:      writeScript(t, identityShuffler),
		Inputs:          []string{filepath.Join(src, "a.jsonl"), filepath.Join(src, "b.jsonl.zst")},
		OutputDir:       out,
		Prefix:          "ds.chunk.",
		Chunks:          4,
		ValidationLines: 5,
		ValidationFile:  "ds.val.jsonl",
		MemoryGB:        0.5,
		Seed:            7,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Lines != 100 || res.ValidationLines != 20 {
		t.Errorf("expected 100 lines with 20 validation lines, got %d and %d", res.Lines, res.ValidationLines)
	}

	var want []string
	for c := 0; c < 4; c++ {
		want = append(want, filepath.Join(out, fmt.Sprintf("ds.chunk.%02d.jsonl", c)))
	}
	if !slices.Equal(res.Chunks, want) {
		t.Fatalf("unexpected chunks %v", res.Chunks)
	}

	// With an identity shuffler, chunk c holds lines c, c+4, c+8, ... and its
	// first five lines moved to the validation file.
	for c, path := range res.Chunks {
		lines := readLines(t, path)
		if len(lines) != 20 {
			t.Errorf("chunk %d: expected 20 lines, got %d", c, len(lines))
			continue
		}
		if lines[0] != lineOf(20+c) {
			t.Errorf("chunk %d: expected first line %s, got %s", c, lineOf(20+c), lines[0])
		}
	}
	val := readLines(t, filepath.Join(out, "ds.val.jsonl"))
	var wantVal []string
	for c := 0; c < 4; c++ {
		for k := 0; k < 5; k++ {
			wantVal = append(wantVal, lineOf(c+4*k))
		}
	}
	if !slices.Equal(val, wantVal) {
		t.Errorf("unexpected validation lines:\n got %v\nwant %v", val, wantVal)
	}

	entries, _ := os.ReadDir(out)
	if len(entries) != 5 {
		var names []string
		for _, e := range entries {
			names = append(names, e.Name())
		}
		t.Errorf("expected 4 chunks and a validation file, got %v", names)
	}
}

func TestRunWithoutValidation(t *testing.T) {
	src := t.TempDir()
	writeLines(t, filepath.Join(src, "a.jsonl"), 0, 9, true)
	out := t.TempDir()

	res, err := Run(context.Background(), discardLogger(), Options{
		Executable: writeScript(t, "exec cat"),
		Inputs:     []string{filepath.Join(src, "a.jsonl")},
		OutputDir:  out,
		Prefix:     "ds.chunk.",
		Chunks:     3,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.ValidationFile != "" {
		t.Errorf("expected no validation file, got %s", res.ValidationFile)
	}
	for c, path := range res.Chunks {
		if got := len(readLines(t, path)); got != 3 {
			t.Errorf("chunk %d: expected 3 lines, got %d", c, got)
		}
	}
}

func TestRunShufflerFailure(t *testing.T) {
	src := t.TempDir()
	writeLines(t, filepath.Join(src, "a.jsonl"), 0, 10, true)
	out := t.TempDir()

	_, err := Run(context.Background(), discardLogger(), Options{
		Executable:      writeScript(t, "cat >/dev/null\nexit 3"),
		Inputs:          []string{filepath.Join(src, "a.jsonl")},
		OutputDir:       out,
		Prefix:          "ds.chunk.",
		Chunks:          2,
		ValidationLines: 1,
		ValidationFile:  "ds.val.jsonl",
	})
	if !errors.Is(err, ErrShuffle) {
		t.Fatalf("expected ErrShuffle, got %v", err)
	}
	if entries, _ := os.ReadDir(out); len(entries) != 0 {
		t.Errorf("expected no outputs after a failed run, found %d entries", len(entries))
	}
}

func TestRunLineCountMismatch(t *testing.T) {
	src := t.TempDir()
	writeLines(t, filepath.Join(src, "a.jsonl"), 0, 10, true)

	_, err := Run(context.Background(), discardLogger(), Options{
		Executable: writeScript(t, "cat >/dev/null\necho '{}'"),
		Inputs:     []string{filepath.Join(src, "a.jsonl")},
		OutputDir:  t.TempDir(),
		Prefix:     "ds.chunk.",
		Chunks:     2,
	})
	if !errors.Is(err, ErrShuffle) || !strings.Contains(err.Error(), "fed 10 lines") {
		t.Fatalf("expected a line count mismatch, got %v", err)
	}
}

func TestRunRejectsBadOptions(t *testing.T) {
	tests := []Options{
		{Inputs: []string{"a"}, OutputDir: "out"},
		{Executable: "terashuf", OutputDir: "out"},
		{Executable: "terashuf", Inputs: []string{"a"}},
		{Executable: "terashuf", Inputs: []string{"a"}, OutputDir: "out", ValidationLines: 10},
	}
	for _, opts := range tests {
		if _, err := Run(context.Background(), discardLogger(), opts); !errors.Is(err, ErrShuffle) {
			t.Errorf("expected ErrShuffle for %+v, got %v", opts, err)
		}
	}
}

func TestChunkName(t *testing.T) {
	tests := []struct {
		i, n int
		want string
	}{
		{0, 32, "ds.chunk.00.jsonl"},
		{31, 32, "ds.chunk.31.jsonl"},
		{7, 8, "ds.chunk.07.jsonl"},
		{5, 128, "ds.chunk.005.jsonl"},
	}
	for _, tt := range tests {
		if got := ChunkName("ds.chunk.", ".jsonl", tt.i, tt.n); got != tt.want {
			t.Errorf("ChunkName(%d, %d) = %s, want %s", tt.i, tt.n, got, tt.want)
		}
	}
}

func TestFindInputs(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{
		"fineweb_edu.chunk.00001.jsonl",
		"fineweb_edu.chunk.00000.jsonl",
		"nested/deeper/x.jsonl",
		".cache/huggingface/download/y.jsonl",
		"fineweb_edu.chunk.00002.jsonl.tmp",
		"README.md",
	} {
		path := filepath.Join(dir, name)
		os.MkdirAll(filepath.Dir(path), 0755)
		if err := os.WriteFile(path, nil, 0644); err != nil {
			t.Fatal(err)
		}
	}

	got, err := FindInputs(dir, "**/*.jsonl")
	if err != nil {
		t.Fatal(err)
	}
	want := []string{
		filepath.Join(dir, "fineweb_edu.chunk.00000.jsonl"),
		filepath.Join(dir, "fineweb_edu.chunk.00001.jsonl"),
		filepath.Join(dir, "nested/deeper/x.jsonl"),
	}
	if !slices.Equal(got, want) {
		t.Errorf("unexpected inputs:\n got %v\nwant %v", got, want)
	}
}
