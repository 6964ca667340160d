package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/turbopuffer/corpus-prep/pkg/history"
	"github.com/turbopuffer/corpus-prep/pkg/pipeline"
)

func main() {
	flag.Parse()

	logger := newLogger()

	rctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	var exitCode int
	if err := run(rctx, logger); err != nil {
		logger.Error("encountered top-level error", slog.String("error", err.Error()))
		exitCode = 1
	}

	os.Exit(exitCode)
}

func run(ctx context.Context, logger *slog.Logger) error {
	if flag.NArg() != 1 {
		flag.Usage()
		return errors.New("expected exactly one dataset name")
	}
	name := flag.Arg(0)

	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	logger.Debug(
		"loaded config",
		slog.String("data_dir", cfg.DataDir),
		slog.String("endpoint", cfg.Fetch.Endpoint),
		slog.Int("tasks", cfg.Convert.Tasks),
		slog.Int("shuffle_chunks", cfg.Shuffle.Chunks),
	)

	opts := []pipeline.Option{pipeline.WithLogger(logger)}
	if cfg.MySQLDSN != "" {
		recorder, err := history.Open(ctx, cfg.MySQLDSN)
		if err != nil {
			return fmt.Errorf("connecting to run history: %w", err)
		}
		defer recorder.Close()
		logger.Debug("recording run history in MySQL")
		logLastRun(ctx, logger, recorder, name)
		opts = append(opts, pipeline.WithRecorder(recorder))
	}

	res, err := pipeline.New(cfg, opts...).Run(ctx, name)
	if err != nil {
		return fmt.Errorf("preparing %s: %w", name, err)
	}

	output := res.Layout.OutputDir
	if cfg.Shuffle.Skip {
		output = res.Layout.SourceDir
	}
	logger.Info("dataset ready", slog.String("dataset", name), slog.String("path", output))
	return nil
}

type runHistory interface {
	LastSuccessful(ctx context.Context, dataset string) (*history.Run, error)
}

// logLastRun reports when the dataset was last prepared successfully.
func logLastRun(ctx context.Context, logger *slog.Logger, h runHistory, name string) {
	last, err := h.LastSuccessful(ctx, name)
	if errors.Is(err, history.ErrNoRuns) {
		logger.Info("no previous successful run", slog.String("dataset", name))
		return
	} else if err != nil {
		logger.Warn("failed to look up previous runs", slog.String("error", err.Error()))
		return
	}
	logger.Info(
		"previous successful run",
		slog.String("run_id", last.ID),
		slog.String("finished_at", last.FinishedAt.Format(time.RFC3339)),
		slog.Int("chunks", last.Chunks),
		slog.Int64("records", last.Records),
	)
}
