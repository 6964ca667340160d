package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/turbopuffer/corpus-prep/pkg/convert"
	"github.com/turbopuffer/corpus-prep/pkg/hub"
	"github.com/turbopuffer/corpus-prep/pkg/shuffle"
)

type pipelineStep interface {
	name() string
	desc() string
	// marker is the stage marker recording completion, empty when the step
	// decides for itself whether there is work to do.
	marker() string
	// inputs are the settings the step's output depends on. A marker
	// recorded with different inputs doesn't count as complete.
	inputs() map[string]string
	run(ctx context.Context, logger *slog.Logger) error
	details() map[string]string
}

type stepFetch struct {
	fetcher Fetcher
	repoID  string
	dir     string
	opts    hub.SnapshotOptions

	snapshot *hub.Snapshot
}

func (s *stepFetch) name() string   { return "fetch" }
func (s *stepFetch) marker() string { return "fetch" }

func (s *stepFetch) inputs() map[string]string {
	return map[string]string{"revision": s.opts.Revision}
}

func (s *stepFetch) desc() string {
	var builder strings.Builder
	builder.WriteString(fmt.Sprintf("downloading snapshot of %s\n", s.repoID))
	builder.WriteString(fmt.Sprintf("   - revision: %s\n", s.opts.Revision))
	if len(s.opts.AllowPatterns) > 0 {
		builder.WriteString(
			fmt.Sprintf("   - allow patterns: %s\n", strings.Join(s.opts.AllowPatterns, ", ")),
		)
	}
	builder.WriteString(fmt.Sprintf("   - destination: %s\n", s.dir))
	return builder.String()
}

func (s *stepFetch) run(ctx context.Context, logger *slog.Logger) error {
	opts := s.opts
	opts.Logger = logger
	snapshot, err := s.fetcher.SnapshotDownload(ctx, s.repoID, s.dir, opts)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrFetchFailure, err)
	}
	s.snapshot = snapshot
	logger.Info(
		"snapshot downloaded",
		slog.String("commit", snapshot.Commit),
		slog.Int("files", len(snapshot.Files)),
		slog.Int("downloaded", snapshot.Downloaded),
		slog.Int("skipped", snapshot.Skipped),
	)
	return nil
}

func (s *stepFetch) details() map[string]string {
	if s.snapshot == nil {
		return nil
	}
	return map[string]string{
		"commit": s.snapshot.Commit,
		"files":  strconv.Itoa(len(s.snapshot.Files)),
	}
}

type stepConvert struct {
	opts   convert.Options
	result **convert.Result
}

func (s *stepConvert) name() string   { return "convert" }
func (s *stepConvert) marker() string { return "convert" }

func (s *stepConvert) inputs() map[string]string {
	return map[string]string{"tasks": strconv.Itoa(s.opts.Tasks)}
}

// reset discards the executor state of a conversion of older source files,
// which makes the next conversion start from scratch.
func (s *stepConvert) reset() error {
	return os.RemoveAll(s.opts.LogDir)
}

func (s *stepConvert) desc() string {
	workers := s.opts.Workers
	if workers <= 0 {
		workers = s.opts.Tasks
	}
	return fmt.Sprintf(
		"converting parquet files in %s to %d jsonl chunks (%d workers)",
		s.opts.SourceDir,
		s.opts.Tasks,
		workers,
	)
}

func (s *stepConvert) run(ctx context.Context, logger *slog.Logger) error {
	res, err := convert.Convert(ctx, logger, s.opts)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrConversionFailure, err)
	}
	*s.result = res
	logger.Info(
		"conversion complete",
		slog.Int("chunks", len(res.Chunks)),
		slog.Int64("records", res.Records()),
		slog.Int64("dropped", res.Dropped()),
		slog.Int("resumed", res.Skipped),
	)
	return nil
}

func (s *stepConvert) details() map[string]string {
	res := *s.result
	if res == nil {
		return nil
	}
	return map[string]string{
		"tasks":   strconv.Itoa(len(res.Chunks)),
		"files":   strconv.Itoa(res.Files),
		"records": strconv.FormatInt(res.Records(), 10),
		"dropped": strconv.FormatInt(res.Dropped(), 10),
	}
}

// stepBootstrap makes sure the shuffler executable exists. The artifact is
// its own completion record, so it has no marker.
type stepBootstrap struct {
	provider shuffle.Provider
	workDir  string

	executable string
	wasReady   bool
}

func (s *stepBootstrap) name() string   { return "bootstrap" }
func (s *stepBootstrap) marker() string { return "" }

func (s *stepBootstrap) inputs() map[string]string { return nil }

func (s *stepBootstrap) desc() string {
	return fmt.Sprintf("ensuring the %s shuffler is available", s.provider.Name())
}

func (s *stepBootstrap) run(ctx context.Context, logger *slog.Logger) error {
	if st, ok := s.provider.(interface{ State(string) shuffle.State }); ok {
		s.wasReady = st.State(s.workDir) == shuffle.StateReady
	}
	executable, err := s.provider.Ensure(ctx, s.workDir)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrBootstrapFailure, err)
	}
	s.executable = executable
	logger.Debug("shuffler ready", slog.String("executable", executable))
	return nil
}

func (s *stepBootstrap) skipped() bool { return s.wasReady }

func (s *stepBootstrap) details() map[string]string {
	return map[string]string{"executable": s.executable}
}

type stepShuffle struct {
	bootstrap *stepBootstrap
	sourceDir string
	pattern   string
	opts      shuffle.Options
	result    **shuffle.Output
}

func (s *stepShuffle) name() string   { return "shuffle" }
func (s *stepShuffle) marker() string { return "shuffle" }

func (s *stepShuffle) inputs() map[string]string {
	return map[string]string{
		"chunks":           strconv.Itoa(s.opts.Chunks),
		"seed":             strconv.FormatInt(s.opts.Seed, 10),
		"validation_lines": strconv.Itoa(s.opts.ValidationLines),
	}
}

func (s *stepShuffle) desc() string {
	var builder strings.Builder
	builder.WriteString(fmt.Sprintf("shuffling %s into %s\n", s.pattern, s.opts.OutputDir))
	builder.WriteString(fmt.Sprintf("   - chunks: %d\n", s.opts.Chunks))
	builder.WriteString(fmt.Sprintf("   - validation lines per chunk: %d\n", s.opts.ValidationLines))
	builder.WriteString(fmt.Sprintf("   - memory: %gG\n", s.opts.MemoryGB))
	builder.WriteString(fmt.Sprintf("   - seed: %d\n", s.opts.Seed))
	return builder.String()
}

func (s *stepShuffle) run(ctx context.Context, logger *slog.Logger) error {
	inputs, err := shuffle.FindInputs(s.sourceDir, s.pattern)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrShuffleFailure, err)
	}
	if len(inputs) == 0 {
		return fmt.Errorf("%w: no files matching %s in %s", ErrShuffleFailure, s.pattern, s.sourceDir)
	}
	if err := s.removeOutputs(logger); err != nil {
		return fmt.Errorf("%w: %w", ErrShuffleFailure, err)
	}
	opts := s.opts
	opts.Executable = s.bootstrap.executable
	opts.Inputs = inputs
	out, err := shuffle.Run(ctx, logger, opts)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrShuffleFailure, err)
	}
	*s.result = out
	return nil
}

// removeOutputs deletes the chunks and validation file of an earlier
// shuffle, which may have used a different chunk count.
func (s *stepShuffle) removeOutputs(logger *slog.Logger) error {
	suffix := s.opts.Suffix
	if suffix == "" {
		suffix = shuffle.DefaultSuffix
	}
	old, err := filepath.Glob(filepath.Join(s.opts.OutputDir, s.opts.Prefix+"*"+suffix))
	if err != nil {
		return err
	}
	if s.opts.ValidationFile != "" {
		old = append(old, filepath.Join(s.opts.OutputDir, s.opts.ValidationFile))
	}
	for _, path := range old {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("removing previous output: %w", err)
		}
	}
	logger.Debug("removed previous shuffle output", slog.Int("files", len(old)))
	return nil
}

func (s *stepShuffle) details() map[string]string {
	out := *s.result
	if out == nil {
		return nil
	}
	return map[string]string{
		"chunks":           strconv.Itoa(len(out.Chunks)),
		"lines":            strconv.FormatInt(out.Lines, 10),
		"validation_lines": strconv.FormatInt(out.ValidationLines, 10),
	}
}
