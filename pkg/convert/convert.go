// Package convert turns a directory of parquet shards into rank-indexed JSONL
// chunks using a pool of local tasks.
//
// Files are partitioned round-robin by their index in the sorted listing, so
// each task owns a disjoint set of files and writes exactly one chunk. The
// bookkeeping layout under LogDir mirrors a datatrove local executor:
//
//	executor.json        task count the partition was computed with
//	logs/task_NNNNN.log  per-task log
//	stats/NNNNN.json     per-task counters
//	completions/NNNNN    present once a task's chunk is in place
package convert

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/turbopuffer/corpus-prep/pkg/stage"
	"github.com/yargevad/filepathx"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultTasks     = 64
	DefaultGlob      = "**/*.parquet"
	DefaultTextKey   = "text"
	DefaultIDKey     = "id"
	DefaultBatchSize = 1000
)

var (
	// ErrTaskCountMismatch is returned when LogDir holds completions from a
	// run that used a different number of tasks.
	ErrTaskCountMismatch = errors.New("task count differs from previous run")

	// ErrNoSourceFiles is returned when the glob matches nothing.
	ErrNoSourceFiles = errors.New("no source files found")
)

// Options configures Convert.
type Options struct {
	Dataset   string // chunk file prefix
	SourceDir string
	TargetDir string
	LogDir    string
	Tasks     int
	Workers   int // concurrently running tasks, defaults to Tasks
	Glob      string
	TextKey   string
	IDKey     string
	BatchSize int // rows decoded per read
}

func (o *Options) fillDefaults() {
	if o.Tasks <= 0 {
		o.Tasks = DefaultTasks
	}
	if o.Workers <= 0 {
		o.Workers = o.Tasks
	}
	if o.Glob == "" {
		o.Glob = DefaultGlob
	}
	if o.TextKey == "" {
		o.TextKey = DefaultTextKey
	}
	if o.IDKey == "" {
		o.IDKey = DefaultIDKey
	}
	if o.BatchSize <= 0 {
		o.BatchSize = DefaultBatchSize
	}
}

// ChunkName is the file name of the chunk written by rank.
func ChunkName(dataset string, rank int) string {
	return fmt.Sprintf("%s.chunk.%05d.jsonl", dataset, rank)
}

// Convert converts every file matching opts.Glob under opts.SourceDir into
// opts.Tasks chunks in opts.TargetDir.
//
// Tasks are independent: a failing task doesn't stop the others, and leaves
// no chunk behind. Ranks that completed in a previous run are skipped. The
// returned error joins every task failure.
func Convert(ctx context.Context, logger *slog.Logger, opts Options) (*Result, error) {
	opts.fillDefaults()
	if opts.Dataset == "" || opts.SourceDir == "" || opts.TargetDir == "" || opts.LogDir == "" {
		return nil, errors.New("dataset, source, target and log directories are required")
	}

	files, err := listSources(opts.SourceDir, opts.Glob)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("%w: %s/%s", ErrNoSourceFiles, opts.SourceDir, opts.Glob)
	}

	e := &executor{opts: opts, logger: logger}
	if err := e.prepare(); err != nil {
		return nil, err
	}

	partitions := partition(files, opts.Tasks)
	logger.Info(
		"converting parquet to jsonl",
		slog.Int("files", len(files)),
		slog.Int("tasks", opts.Tasks),
		slog.Int("workers", opts.Workers),
	)

	var (
		chunks = make([]Chunk, opts.Tasks)
		errs   = make([]error, opts.Tasks)
		done   = make([]bool, opts.Tasks)
		eg     = new(errgroup.Group)
		bar    = progressbar.Default(int64(len(files)), "converting "+opts.Dataset)
	)
	eg.SetLimit(opts.Workers)
	for rank, rankFiles := range partitions {
		if c, ok := e.completed(rank); ok {
			chunks[rank], done[rank] = c, true
			bar.Add(len(rankFiles))
			continue
		}
		// Failures are collected rather than returned so the group never
		// short-circuits the remaining tasks.
		eg.Go(func() error {
			c, err := e.runTask(ctx, rank, rankFiles, func() { bar.Add(1) })
			if err != nil {
				errs[rank] = fmt.Errorf("task %d: %w", rank, err)
				return nil
			}
			chunks[rank] = c
			return nil
		})
	}
	eg.Wait()

	res := &Result{Chunks: chunks, Files: len(files)}
	for _, d := range done {
		if d {
			res.Skipped++
		}
	}
	if err := errors.Join(errs...); err != nil {
		var failed int
		for _, err := range errs {
			if err != nil {
				failed++
			}
		}
		return res, fmt.Errorf("%d of %d tasks failed: %w", failed, opts.Tasks, err)
	}
	return res, nil
}

// listSources returns the sorted, deduplicated files matching pattern.
func listSources(dir, pattern string) ([]string, error) {
	matches, err := filepathx.Glob(filepath.Join(dir, pattern))
	if err != nil {
		return nil, fmt.Errorf("listing %s/%s: %w", dir, pattern, err)
	}
	files := make([]string, 0, len(matches))
	for _, m := range matches {
		if info, err := os.Stat(m); err == nil && info.Mode().IsRegular() {
			files = append(files, m)
		}
	}
	slices.Sort(files)
	return slices.Compact(files), nil
}

// partition assigns file i to rank i % tasks.
func partition(files []string, tasks int) [][]string {
	parts := make([][]string, tasks)
	for i, f := range files {
		parts[i%tasks] = append(parts[i%tasks], f)
	}
	return parts
}

type executor struct {
	opts   Options
	logger *slog.Logger
}

type executorRecord struct {
	Dataset   string    `json:"dataset"`
	Tasks     int       `json:"tasks"`
	Glob      string    `json:"glob"`
	StartedAt time.Time `json:"started_at"`
}

func (e *executor) logsDir() string        { return filepath.Join(e.opts.LogDir, "logs") }
func (e *executor) statsDir() string       { return filepath.Join(e.opts.LogDir, "stats") }
func (e *executor) completionsDir() string { return filepath.Join(e.opts.LogDir, "completions") }

func (e *executor) chunkPath(rank int) string {
	return filepath.Join(e.opts.TargetDir, ChunkName(e.opts.Dataset, rank))
}

// prepare creates the bookkeeping directories and checks that existing
// completions were produced with the same task count.
func (e *executor) prepare() error {
	for _, dir := range []string{e.opts.TargetDir, e.logsDir(), e.statsDir(), e.completionsDir()} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("creating %s: %w", dir, err)
		}
	}

	recordPath := filepath.Join(e.opts.LogDir, "executor.json")
	if data, err := os.ReadFile(recordPath); err == nil {
		var prev executorRecord
		if err := json.Unmarshal(data, &prev); err != nil {
			return fmt.Errorf("decoding %s: %w", recordPath, err)
		}
		entries, err := os.ReadDir(e.completionsDir())
		if err != nil {
			return fmt.Errorf("reading completions: %w", err)
		}
		if prev.Tasks != e.opts.Tasks && len(entries) > 0 {
			return fmt.Errorf(
				"%w: %s has %d completed tasks out of %d, requested %d tasks; rerun with %d tasks or remove it to reconvert from scratch",
				ErrTaskCountMismatch,
				e.opts.LogDir,
				len(entries),
				prev.Tasks,
				e.opts.Tasks,
				prev.Tasks,
			)
		}
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("reading %s: %w", recordPath, err)
	}

	if err := e.removeStaleChunks(); err != nil {
		return err
	}

	data, err := json.MarshalIndent(executorRecord{
		Dataset:   e.opts.Dataset,
		Tasks:     e.opts.Tasks,
		Glob:      e.opts.Glob,
		StartedAt: time.Now().UTC(),
	}, "", "  ")
	if err != nil {
		return err
	}
	return stage.WriteFileAtomic(recordPath, data, 0644)
}

// removeStaleChunks deletes chunk files in TargetDir that no completion
// vouches for: ranks outside the current partition, ranks left over from a
// different task count, and temporary files from interrupted tasks.
func (e *executor) removeStaleChunks() error {
	entries, err := os.ReadDir(e.opts.TargetDir)
	if err != nil {
		return fmt.Errorf("listing %s: %w", e.opts.TargetDir, err)
	}
	prefix := e.opts.Dataset + ".chunk."
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, prefix) {
			continue
		}
		digits, tmp := strings.CutSuffix(strings.TrimPrefix(name, prefix), ".jsonl.tmp")
		if !tmp {
			var ok bool
			if digits, ok = strings.CutSuffix(digits, ".jsonl"); !ok {
				continue
			}
		}
		rank, err := strconv.Atoi(digits)
		if err != nil {
			continue
		}
		if !tmp && rank < e.opts.Tasks && name == ChunkName(e.opts.Dataset, rank) && e.hasCompletion(rank) {
			continue
		}
		path := filepath.Join(e.opts.TargetDir, name)
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("removing stale chunk %s: %w", path, err)
		}
		e.logger.Warn("removed stale chunk", slog.String("path", path))
	}
	return nil
}

func (e *executor) hasCompletion(rank int) bool {
	_, err := os.Stat(filepath.Join(e.completionsDir(), fmt.Sprintf("%05d", rank)))
	return err == nil
}

// completed returns the chunk of a rank that finished in a previous run.
func (e *executor) completed(rank int) (Chunk, bool) {
	if !e.hasCompletion(rank) {
		return Chunk{}, false
	}
	if _, err := os.Stat(e.chunkPath(rank)); err != nil {
		return Chunk{}, false
	}
	data, err := os.ReadFile(filepath.Join(e.statsDir(), fmt.Sprintf("%05d.json", rank)))
	if err != nil {
		return Chunk{}, false
	}
	var c Chunk
	if err := json.Unmarshal(data, &c); err != nil {
		return Chunk{}, false
	}
	return c, true
}

// runTask converts files into the rank's chunk. The chunk is written to a
// temporary name and only renamed into place once every file succeeded.
func (e *executor) runTask(
	ctx context.Context,
	rank int,
	files []string,
	progress func(),
) (chunk Chunk, err error) {
	logFile, err := os.Create(filepath.Join(e.logsDir(), fmt.Sprintf("task_%05d.log", rank)))
	if err != nil {
		return Chunk{}, fmt.Errorf("creating task log: %w", err)
	}
	defer logFile.Close()
	logger := slog.New(slog.NewTextHandler(logFile, nil)).With(slog.Int("rank", rank))

	start := time.Now()
	logger.Info("task started", slog.Int("files", len(files)))
	defer func() {
		if err != nil {
			logger.Error("task failed", slog.Any("error", err))
		} else {
			logger.Info(
				"task finished",
				slog.Int64("records", chunk.Records),
				slog.Duration("took", time.Since(start)),
			)
		}
	}()

	var (
		dst = e.chunkPath(rank)
		tmp = dst + ".tmp"
	)
	out, err := os.Create(tmp)
	if err != nil {
		return Chunk{}, fmt.Errorf("creating %s: %w", tmp, err)
	}
	defer func() {
		if err != nil {
			out.Close()
			os.Remove(tmp)
		}
	}()

	var (
		w     = &countingWriter{w: bufio.NewWriterSize(out, 1<<20)}
		enc   = json.NewEncoder(w)
		adapt = adapter{textKey: e.opts.TextKey, idKey: e.opts.IDKey}
	)
	enc.SetEscapeHTML(false)
	chunk = Chunk{Rank: rank, Path: dst, Files: len(files)}

	for _, path := range files {
		rel, err := filepath.Rel(e.opts.SourceDir, path)
		if err != nil {
			rel = path
		}
		rel = filepath.ToSlash(rel)

		var index int64
		rows, err := readParquetFile(ctx, path, e.opts.BatchSize, func(row map[string]any) error {
			defer func() { index++ }()
			rec, ok := adapt.adapt(row, rel, index)
			if !ok {
				chunk.Dropped++
				return nil
			}
			if err := enc.Encode(rec); err != nil {
				return fmt.Errorf("encoding row %d: %w", index, err)
			}
			chunk.Records++
			return nil
		})
		if err != nil {
			return Chunk{}, fmt.Errorf("converting %s: %w", rel, err)
		}
		logger.Debug("converted file", slog.String("file", rel), slog.Int64("rows", rows))
		progress()
	}

	if err := w.w.Flush(); err != nil {
		return Chunk{}, fmt.Errorf("flushing %s: %w", tmp, err)
	}
	if err := out.Sync(); err != nil {
		return Chunk{}, fmt.Errorf("syncing %s: %w", tmp, err)
	}
	if err := out.Close(); err != nil {
		return Chunk{}, fmt.Errorf("closing %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, dst); err != nil {
		return Chunk{}, fmt.Errorf("renaming chunk: %w", err)
	}
	chunk.Bytes = w.n

	stats, err := json.MarshalIndent(chunk, "", "  ")
	if err != nil {
		return Chunk{}, err
	}
	if err := stage.WriteFileAtomic(filepath.Join(e.statsDir(), fmt.Sprintf("%05d.json", rank)), stats, 0644); err != nil {
		return Chunk{}, fmt.Errorf("writing stats: %w", err)
	}
	if err := stage.WriteFileAtomic(filepath.Join(e.completionsDir(), fmt.Sprintf("%05d", rank)), nil, 0644); err != nil {
		return Chunk{}, fmt.Errorf("writing completion: %w", err)
	}
	return chunk, nil
}

type countingWriter struct {
	w *bufio.Writer
	n int64
}

func (cw *countingWriter) Write(p []byte) (int, error) {
	n, err := cw.w.Write(p)
	cw.n += int64(n)
	return n, err
}
