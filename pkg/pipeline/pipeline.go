// Package pipeline prepares a dataset end to end: fetch the snapshot, convert
// it to JSONL when needed, bootstrap the shuffler and shuffle.
//
// Steps run sequentially. A step that completed in a previous run is skipped,
// which is recorded by a stage marker written only after the step succeeds.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/turbopuffer/corpus-prep/pkg/config"
	"github.com/turbopuffer/corpus-prep/pkg/convert"
	"github.com/turbopuffer/corpus-prep/pkg/history"
	"github.com/turbopuffer/corpus-prep/pkg/hub"
	"github.com/turbopuffer/corpus-prep/pkg/registry"
	"github.com/turbopuffer/corpus-prep/pkg/shuffle"
	"github.com/turbopuffer/corpus-prep/pkg/stage"
)

var (
	ErrFetchFailure      = errors.New("fetch failed")
	ErrConversionFailure = errors.New("conversion failed")
	ErrBootstrapFailure  = errors.New("shuffler bootstrap failed")
	ErrShuffleFailure    = errors.New("shuffle failed")
)

// Fetcher downloads a dataset snapshot. *hub.Client implements it.
type Fetcher interface {
	SnapshotDownload(
		ctx context.Context,
		repoID string,
		localDir string,
		opts hub.SnapshotOptions,
	) (*hub.Snapshot, error)
}

// Recorder stores a summary of every run. *history.Recorder implements it.
type Recorder interface {
	Record(ctx context.Context, run history.Run) error
}

// Pipeline runs the preparation steps for one dataset at a time.
type Pipeline struct {
	cfg      config.Config
	fetcher  Fetcher
	shuffler shuffle.Provider
	recorder Recorder
	logger   *slog.Logger
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithFetcher replaces the Hub client used to download snapshots.
func WithFetcher(f Fetcher) Option {
	return func(p *Pipeline) {
		p.fetcher = f
	}
}

// WithShuffler replaces the shuffler provider.
func WithShuffler(s shuffle.Provider) Option {
	return func(p *Pipeline) {
		p.shuffler = s
	}
}

// WithRecorder records every run, successful or not.
func WithRecorder(r Recorder) Option {
	return func(p *Pipeline) {
		p.recorder = r
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(p *Pipeline) {
		p.logger = logger
	}
}

// New returns a Pipeline for cfg. It performs no I/O.
func New(cfg config.Config, opts ...Option) *Pipeline {
	p := &Pipeline{cfg: cfg}
	for _, opt := range opts {
		opt(p)
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	if p.fetcher == nil {
		p.fetcher = hub.NewClient(
			hub.WithBaseURL(cfg.Fetch.Endpoint),
			hub.WithHTTPClient(newHTTPClient(cfg.Fetch.Workers)),
		)
	}
	if p.shuffler == nil {
		if cfg.Shuffle.Executable != "" {
			p.shuffler = &shuffle.Prebuilt{Path: cfg.Shuffle.Executable}
		} else {
			t := shuffle.NewTerashuf(p.logger)
			if cfg.Shuffle.RepoURL != "" {
				t.RepoURL = cfg.Shuffle.RepoURL
			}
			p.shuffler = t
		}
	}
	return p
}

// newHTTPClient keeps an idle connection to the Hub for every download worker.
func newHTTPClient(workers int) *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if workers > transport.MaxIdleConnsPerHost {
		transport.MaxIdleConnsPerHost = workers
	}
	return &http.Client{Transport: transport}
}

// StepResult is the outcome of one step.
type StepResult struct {
	Name     string
	Status   string // "ran" or "skipped"
	Duration time.Duration
	Details  map[string]string
}

const (
	statusRan     = "ran"
	statusSkipped = "skipped"
)

// Result describes a completed run.
type Result struct {
	RunID      string
	Dataset    registry.Descriptor
	Layout     Layout
	Steps      []StepResult
	Conversion *convert.Result // nil unless conversion ran
	Shuffle    *shuffle.Output // nil unless the shuffle ran
	Report     Report
}

// Step returns the result of the named step.
func (r *Result) Step(name string) (StepResult, bool) {
	for _, s := range r.Steps {
		if s.Name == name {
			return s, true
		}
	}
	return StepResult{}, false
}

// Run prepares the dataset called name. The name is resolved before anything
// touches the network or disk.
func (p *Pipeline) Run(ctx context.Context, name string) (*Result, error) {
	desc, err := registry.Resolve(name)
	if err != nil {
		return nil, err
	}

	var (
		started = time.Now()
		res     = &Result{
			RunID:   uuid.NewString(),
			Dataset: desc,
			Layout:  NewLayout(p.cfg.DataDir, desc.Name),
		}
		logger = p.logger.With(slog.String("run_id", res.RunID))
	)
	logger.Info(
		"preparing dataset",
		slog.String("dataset", desc.Name),
		slog.String("repo", desc.RepoID),
		slog.String("format", desc.Format.String()),
	)

	err = p.run(ctx, logger, res)
	p.record(ctx, logger, res, started, err)
	if err != nil {
		return nil, err
	}

	res.Report = res.buildReport()
	fmt.Printf("\nRun report for %s:\n", desc.Name)
	res.Report.PrintWithDepth(1)
	reportPath := filepath.Join(res.Layout.WorkDir, "report.json")
	if err := res.Report.WriteFile(reportPath); err != nil {
		logger.Warn("failed to write run report", slog.String("error", err.Error()))
	}
	return res, nil
}

func (p *Pipeline) run(ctx context.Context, logger *slog.Logger, res *Result) error {
	layout := res.Layout
	for _, dir := range []string{layout.SourceDir, layout.OutputDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("creating %s: %w", dir, err)
		}
	}
	markers, err := stage.NewStore(layout.MarkerDir)
	if err != nil {
		return err
	}

	steps := p.plan(res)
	for i, s := range steps {
		slogger := logger.With(slog.String("stage", s.name()))

		marker := s.marker()
		if marker != "" {
			m, done, err := loadMarker(markers, marker, s.inputs())
			if err != nil {
				return fmt.Errorf("step %d: %w", i+1, err)
			}
			if done {
				slogger.Info("already complete, skipping", slog.Time("completed_at", m.CompletedAt))
				res.Steps = append(res.Steps, StepResult{
					Name:    s.name(),
					Status:  statusSkipped,
					Details: m.Details,
				})
				continue
			}
			// Everything from here on is rebuilt, so no earlier marker may
			// survive a failure further down.
			if err := invalidate(slogger, markers, s, steps[i+1:]); err != nil {
				return fmt.Errorf("step %d: %w", i+1, err)
			}
		}

		fmt.Printf("\nRunning step %d: %s\n\n", i+1, s.desc())
		start := time.Now()
		if err := s.run(ctx, slogger); err != nil {
			return fmt.Errorf("step %d: %w", i+1, err)
		}
		sr := StepResult{
			Name:     s.name(),
			Status:   statusRan,
			Duration: time.Since(start),
			Details:  s.details(),
		}
		if sk, ok := s.(interface{ skipped() bool }); ok && sk.skipped() {
			sr.Status = statusSkipped
		}
		res.Steps = append(res.Steps, sr)

		if marker == "" {
			continue
		}
		details := maps.Clone(sr.Details)
		if details == nil {
			details = make(map[string]string)
		}
		maps.Copy(details, s.inputs())
		if err := markers.Save(stage.Marker{
			Stage:   marker,
			RunID:   res.RunID,
			Details: details,
		}); err != nil {
			return fmt.Errorf("step %d: recording completion: %w", i+1, err)
		}
		slogger.Debug("recorded stage marker", slog.Duration("duration", sr.Duration))
	}
	return nil
}

// loadMarker reports whether stage completed with the same inputs the step
// would run with now.
func loadMarker(markers *stage.Store, name string, inputs map[string]string) (stage.Marker, bool, error) {
	if !markers.Done(name) {
		return stage.Marker{}, false, nil
	}
	m, err := markers.Load(name)
	if err != nil {
		return stage.Marker{}, false, err
	}
	for k, v := range inputs {
		if m.Details[k] != v {
			return m, false, nil
		}
	}
	return m, true, nil
}

// invalidate clears the markers of s and every later step, and resets the
// outputs later steps derived from the previous run of s.
func invalidate(logger *slog.Logger, markers *stage.Store, s pipelineStep, downstream []pipelineStep) error {
	if err := markers.Clear(s.marker()); err != nil {
		return err
	}
	for _, d := range downstream {
		if d.marker() != "" {
			if err := markers.Clear(d.marker()); err != nil {
				return err
			}
		}
		if r, ok := d.(interface{ reset() error }); ok {
			if err := r.reset(); err != nil {
				return fmt.Errorf("resetting %s: %w", d.name(), err)
			}
			logger.Debug("reset downstream step", slog.String("step", d.name()))
		}
	}
	return nil
}

func (p *Pipeline) plan(res *Result) []pipelineStep {
	var (
		layout = res.Layout
		desc   = res.Dataset
		steps  []pipelineStep
	)
	steps = append(steps, &stepFetch{
		fetcher: p.fetcher,
		repoID:  desc.RepoID,
		dir:     layout.SourceDir,
		opts: hub.SnapshotOptions{
			Revision:      p.cfg.Fetch.Revision,
			AllowPatterns: desc.AllowPatterns,
			MaxWorkers:    p.cfg.Fetch.Workers,
		},
	})
	if desc.Format.NeedsConversion() {
		steps = append(steps, &stepConvert{
			opts: convert.Options{
				Dataset:   desc.Name,
				SourceDir: layout.SourceDir,
				TargetDir: layout.SourceDir,
				LogDir:    layout.ConvertLogDir,
				Tasks:     p.cfg.Convert.Tasks,
				Workers:   p.cfg.Convert.Workers,
				TextKey:   p.cfg.Convert.TextKey,
				IDKey:     p.cfg.Convert.IDKey,
			},
			result: &res.Conversion,
		})
	}
	if p.cfg.Shuffle.Skip {
		return steps
	}
	bootstrap := &stepBootstrap{
		provider: p.shuffler,
		workDir:  layout.WorkDir,
	}
	steps = append(steps, bootstrap, &stepShuffle{
		bootstrap: bootstrap,
		sourceDir: layout.SourceDir,
		pattern:   "**/*" + desc.ShuffleExtension(),
		opts: shuffle.Options{
			OutputDir:       layout.OutputDir,
			Prefix:          desc.Name + ".chunk.",
			Chunks:          p.cfg.Shuffle.Chunks,
			ValidationLines: p.cfg.Shuffle.ValidationLines,
			ValidationFile:  desc.Name + ".val.jsonl",
			MemoryGB:        p.cfg.Shuffle.MemoryGB,
			Seed:            p.cfg.Shuffle.Seed,
		},
		result: &res.Shuffle,
	})
	return steps
}

// record sends the run to the history recorder. Failing to record never
// fails the run.
func (p *Pipeline) record(
	ctx context.Context,
	logger *slog.Logger,
	res *Result,
	started time.Time,
	runErr error,
) {
	if p.recorder == nil {
		return
	}
	run := history.Run{
		ID:         res.RunID,
		Dataset:    res.Dataset.Name,
		StartedAt:  started,
		FinishedAt: time.Now(),
		Succeeded:  runErr == nil,
	}
	if runErr != nil {
		run.Error = runErr.Error()
	}
	if res.Conversion != nil {
		run.Chunks = len(res.Conversion.Chunks)
		run.Records = res.Conversion.Records()
	}
	if res.Shuffle != nil {
		run.Chunks = len(res.Shuffle.Chunks)
		run.Records = res.Shuffle.Lines
	}
	for _, s := range res.Steps {
		run.Steps = append(run.Steps, history.Step{
			Name:     s.Name,
			Status:   s.Status,
			Duration: s.Duration,
		})
	}
	// The run context may already be cancelled.
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if err := p.recorder.Record(rctx, run); err != nil {
		logger.Warn("failed to record run history", slog.String("error", err.Error()))
	}
}

func (r *Result) buildReport() Report {
	report := Report{
		"run_id":  r.RunID,
		"dataset": r.Dataset.Name,
		"repo_id": r.Dataset.RepoID,
		"format":  r.Dataset.Format.String(),
		"output":  r.Layout.OutputDir,
	}

	steps := Report{}
	for i, s := range r.Steps {
		sub := Report{"status": s.Status}
		if s.Status == statusRan {
			sub["duration"] = s.Duration.Round(time.Millisecond).String()
		}
		for k, v := range s.Details {
			sub[k] = v
		}
		steps[fmt.Sprintf("%d_%s", i+1, s.Name)] = sub
	}
	report["steps"] = steps

	if r.Conversion != nil {
		d := r.Conversion.Distribution()
		report.MergeOther(Report{
			"conversion": Report{
				"files":   r.Conversion.Files,
				"records": r.Conversion.Records(),
				"dropped": r.Conversion.Dropped(),
				"records_per_chunk": Report{
					"chunks": d.Chunks,
					"min":    d.Min,
					"max":    d.Max,
					"mean":   d.Mean,
					"stddev": d.StdDev,
					"p50":    d.P50,
					"p90":    d.P90,
				},
			},
		})
	}
	if r.Shuffle != nil {
		report.MergeOther(Report{
			"shuffle": Report{
				"chunks":           len(r.Shuffle.Chunks),
				"lines":            r.Shuffle.Lines,
				"validation_file":  r.Shuffle.ValidationFile,
				"validation_lines": r.Shuffle.ValidationLines,
			},
		})
	}
	return report
}
