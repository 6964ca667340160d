package shuffle

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/yargevad/filepathx"
	"golang.org/x/sync/errgroup"
)

// ErrShuffle is wrapped by every error returned from Run.
var ErrShuffle = errors.New("shuffle failed")

const (
	DefaultChunks          = 32
	DefaultValidationLines = 10000
	DefaultMemoryGB        = 8
	DefaultSeed            = 42
	DefaultSuffix          = ".jsonl"
)

// Options configures Run.
type Options struct {
	Executable string
	Inputs     []string // JSONL files, optionally zstd compressed (.zst)
	OutputDir  string
	Prefix     string // chunk i is named <Prefix><NN><Suffix>
	Suffix     string
	Chunks     int
	// ValidationLines is the number of leading lines moved out of every
	// chunk into ValidationFile. Zero disables the validation split.
	ValidationLines int
	ValidationFile  string // file name inside OutputDir
	MemoryGB        float64
	Seed            int64
	TempDir         string // scratch space for the shuffler, defaults to OutputDir
}

func (o *Options) fillDefaults() {
	if o.Suffix == "" {
		o.Suffix = DefaultSuffix
	}
	if o.Chunks <= 0 {
		o.Chunks = DefaultChunks
	}
	if o.MemoryGB <= 0 {
		o.MemoryGB = DefaultMemoryGB
	}
	if o.TempDir == "" {
		o.TempDir = o.OutputDir
	}
}

func (o *Options) validate() error {
	switch {
	case o.Executable == "":
		return errors.New("no shuffler executable")
	case len(o.Inputs) == 0:
		return errors.New("no input files")
	case o.OutputDir == "":
		return errors.New("no output directory")
	case o.ValidationLines < 0:
		return fmt.Errorf("negative validation lines %d", o.ValidationLines)
	case o.ValidationLines > 0 && o.ValidationFile == "":
		return errors.New("validation lines requested without a validation file")
	}
	return nil
}

// ChunkName returns the file name of shuffled chunk i out of n.
func ChunkName(prefix, suffix string, i, n int) string {
	width := max(2, len(strconv.Itoa(n-1)))
	return fmt.Sprintf("%s%0*d%s", prefix, width, i, suffix)
}

// Output describes the files written by Run.
type Output struct {
	Chunks          []string `json:"chunks"`
	ValidationFile  string   `json:"validation_file,omitempty"`
	Lines           int64    `json:"lines"`
	ValidationLines int64    `json:"validation_lines"`
}

// Run streams every input through the shuffler and splits its output
// round-robin into opts.Chunks files. The first opts.ValidationLines lines of
// each chunk go to the validation file instead, in chunk order.
//
// Nothing appears under the final names unless the whole run succeeds.
func Run(ctx context.Context, logger *slog.Logger, opts Options) (*Output, error) {
	opts.fillDefaults()
	if err := opts.validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrShuffle, err)
	}
	if err := os.MkdirAll(opts.OutputDir, 0755); err != nil {
		return nil, fmt.Errorf("%w: creating output directory: %w", ErrShuffle, err)
	}
	if err := os.MkdirAll(opts.TempDir, 0755); err != nil {
		return nil, fmt.Errorf("%w: creating temp directory: %w", ErrShuffle, err)
	}

	sp, err := newSplitter(opts)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrShuffle, err)
	}
	defer sp.cleanup()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	cmd := exec.CommandContext(ctx, opts.Executable)
	cmd.Env = append(
		os.Environ(),
		"MEMORY="+strconv.FormatFloat(opts.MemoryGB, 'f', -1, 64),
		"SEED="+strconv.FormatInt(opts.Seed, 10),
		"TMPDIR="+opts.TempDir,
	)
	cmd.Stderr = os.Stderr
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrShuffle, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrShuffle, err)
	}

	logger.Info(
		"starting shuffler",
		slog.String("executable", opts.Executable),
		slog.Int("inputs", len(opts.Inputs)),
		slog.Int("chunks", opts.Chunks),
		slog.Float64("memory_gb", opts.MemoryGB),
		slog.Int64("seed", opts.Seed),
	)
	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: starting %s: %w", ErrShuffle, opts.Executable, err)
	}

	var (
		eg  = new(errgroup.Group)
		fed atomic.Int64
	)
	eg.Go(func() error {
		defer stdin.Close()
		if err := feed(ctx, stdin, opts.Inputs, &fed); err != nil {
			cancel()
			return err
		}
		return nil
	})
	eg.Go(func() error {
		if err := sp.split(stdout); err != nil {
			cancel()
			return err
		}
		return nil
	})
	groupErr := eg.Wait()
	waitErr := cmd.Wait()
	if groupErr != nil {
		return nil, fmt.Errorf("%w: %w", ErrShuffle, groupErr)
	}
	if waitErr != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrShuffle, opts.Executable, waitErr)
	}
	if sp.lines != fed.Load() {
		return nil, fmt.Errorf("%w: fed %d lines but shuffler returned %d", ErrShuffle, fed.Load(), sp.lines)
	}

	out, err := sp.finish()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrShuffle, err)
	}
	logger.Info(
		"shuffle complete",
		slog.Int64("lines", out.Lines),
		slog.Int64("validation_lines", out.ValidationLines),
		slog.Duration("took", time.Since(start)),
	)
	if short := int64(opts.Chunks) * int64(opts.ValidationLines); out.ValidationLines < short {
		logger.Warn(
			"corpus smaller than the validation split, some chunks are empty",
			slog.Int64("lines", out.Lines),
			slog.Int64("validation_lines", out.ValidationLines),
		)
	}
	return out, nil
}

// feed writes every input to w, decompressing .zst files and making sure
// each input ends with a newline. Lines written are counted into n.
func feed(ctx context.Context, w io.Writer, inputs []string, n *atomic.Int64) error {
	bw := bufio.NewWriterSize(w, 1<<20)
	for _, path := range inputs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := feedFile(bw, path, n); err != nil {
			return fmt.Errorf("feeding %s: %w", path, err)
		}
	}
	return bw.Flush()
}

func feedFile(w *bufio.Writer, path string, n *atomic.Int64) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	var r io.Reader = f
	if strings.HasSuffix(path, ".zst") {
		dec, err := zstd.NewReader(f)
		if err != nil {
			return fmt.Errorf("creating zstd reader: %w", err)
		}
		defer dec.Close()
		r = dec
	}

	br := bufio.NewReaderSize(r, 1<<20)
	var last byte = '\n'
	for {
		frag, err := br.ReadSlice('\n')
		if len(frag) > 0 {
			if _, werr := w.Write(frag); werr != nil {
				return werr
			}
			last = frag[len(frag)-1]
			if last == '\n' {
				n.Add(1)
			}
		}
		switch {
		case err == nil, errors.Is(err, bufio.ErrBufferFull):
			continue
		case errors.Is(err, io.EOF):
			if last != '\n' {
				n.Add(1)
				return w.WriteByte('\n')
			}
			return nil
		default:
			return err
		}
	}
}

// splitter distributes shuffled lines over chunk files. Validation lines of
// chunk i are staged in their own part file so the validation file can be
// assembled in chunk order at the end.
type splitter struct {
	opts   Options
	chunks []*tempOutput
	parts  []*tempOutput
	lines  int64
}

type tempOutput struct {
	final string
	f     *os.File
	w     *bufio.Writer
	lines int64
}

func createTemp(dir, final string) (*tempOutput, error) {
	f, err := os.CreateTemp(dir, "."+filepath.Base(final)+".*.tmp")
	if err != nil {
		return nil, err
	}
	return &tempOutput{final: final, f: f, w: bufio.NewWriterSize(f, 256<<10)}, nil
}

func (t *tempOutput) close() error {
	if err := t.w.Flush(); err != nil {
		return err
	}
	if err := t.f.Sync(); err != nil {
		return err
	}
	return t.f.Close()
}

func newSplitter(opts Options) (*splitter, error) {
	sp := &splitter{opts: opts}
	for i := 0; i < opts.Chunks; i++ {
		final := filepath.Join(opts.OutputDir, ChunkName(opts.Prefix, opts.Suffix, i, opts.Chunks))
		c, err := createTemp(opts.OutputDir, final)
		if err != nil {
			sp.cleanup()
			return nil, err
		}
		sp.chunks = append(sp.chunks, c)
		if opts.ValidationLines > 0 {
			p, err := createTemp(opts.OutputDir, final+".val")
			if err != nil {
				sp.cleanup()
				return nil, err
			}
			sp.parts = append(sp.parts, p)
		}
	}
	return sp, nil
}

func (sp *splitter) split(r io.Reader) error {
	var (
		br     = bufio.NewReaderSize(r, 1<<20)
		n      = int64(sp.opts.Chunks)
		v      = int64(sp.opts.ValidationLines)
		inLine bool
	)
	target := func() *tempOutput {
		i, k := sp.lines%n, sp.lines/n
		if k < v {
			return sp.parts[i]
		}
		return sp.chunks[i]
	}
	for {
		frag, err := br.ReadSlice('\n')
		if len(frag) > 0 {
			t := target()
			if _, werr := t.w.Write(frag); werr != nil {
				return fmt.Errorf("writing %s: %w", t.f.Name(), werr)
			}
			inLine = frag[len(frag)-1] != '\n'
			if !inLine {
				t.lines++
				sp.lines++
			}
		}
		switch {
		case err == nil, errors.Is(err, bufio.ErrBufferFull):
			continue
		case errors.Is(err, io.EOF):
			if inLine {
				t := target()
				if werr := t.w.WriteByte('\n'); werr != nil {
					return werr
				}
				t.lines++
				sp.lines++
			}
			return nil
		default:
			return fmt.Errorf("reading shuffler output: %w", err)
		}
	}
}

// finish closes every output, assembles the validation file and moves the
// results to their final names.
func (sp *splitter) finish() (*Output, error) {
	out := &Output{Lines: sp.lines}
	for _, t := range slices.Concat(sp.chunks, sp.parts) {
		if err := t.close(); err != nil {
			return nil, fmt.Errorf("closing %s: %w", t.f.Name(), err)
		}
	}

	if sp.opts.ValidationLines > 0 {
		final := filepath.Join(sp.opts.OutputDir, sp.opts.ValidationFile)
		val, err := createTemp(sp.opts.OutputDir, final)
		if err != nil {
			return nil, err
		}
		sp.chunks = append(sp.chunks, val)
		for _, p := range sp.parts {
			if err := appendFile(val.w, p.f.Name()); err != nil {
				return nil, err
			}
			val.lines += p.lines
		}
		if err := val.close(); err != nil {
			return nil, fmt.Errorf("closing validation file: %w", err)
		}
		out.ValidationFile = final
		out.ValidationLines = val.lines
	}

	for _, t := range sp.chunks {
		if err := os.Rename(t.f.Name(), t.final); err != nil {
			return nil, fmt.Errorf("renaming %s: %w", t.final, err)
		}
		if t.final != out.ValidationFile {
			out.Chunks = append(out.Chunks, t.final)
		}
	}
	sp.chunks = nil
	return out, nil
}

func appendFile(w io.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := io.Copy(w, f); err != nil {
		return fmt.Errorf("appending %s: %w", path, err)
	}
	return nil
}

// cleanup removes temporary files that were not renamed into place.
func (sp *splitter) cleanup() {
	for _, t := range slices.Concat(sp.chunks, sp.parts) {
		t.f.Close()
		os.Remove(t.f.Name())
	}
}

// FindInputs returns the files under dir matching pattern, sorted. Paths
// inside hidden directories (download caches, markers) are ignored.
func FindInputs(dir, pattern string) ([]string, error) {
	matches, err := filepathx.Glob(filepath.Join(dir, pattern))
	if err != nil {
		return nil, fmt.Errorf("listing %s/%s: %w", dir, pattern, err)
	}
	var inputs []string
	for _, m := range matches {
		rel, err := filepath.Rel(dir, m)
		if err != nil || hidden(rel) {
			continue
		}
		if info, err := os.Stat(m); err == nil && info.Mode().IsRegular() {
			inputs = append(inputs, m)
		}
	}
	slices.Sort(inputs)
	return slices.Compact(inputs), nil
}

func hidden(rel string) bool {
	for _, part := range strings.Split(filepath.ToSlash(rel), "/") {
		if strings.HasPrefix(part, ".") && part != "." {
			return true
		}
	}
	return false
}
