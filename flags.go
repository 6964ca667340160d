package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/turbopuffer/corpus-prep/pkg/config"
	"github.com/turbopuffer/corpus-prep/pkg/registry"
)

var configPath = flag.String(
	"config",
	"",
	"optional yaml or toml config file. flags that are set explicitly take precedence over it",
)

var dataDir = flag.String(
	"data-dir",
	"data",
	"the root directory datasets are downloaded to. <data-dir>/<dataset> and <data-dir>/<dataset>_shuffled are created",
)

var tasks = flag.Int(
	"tasks",
	64,
	"the number of parquet -> jsonl conversion tasks, i.e. the number of converted chunks",
)

var workers = flag.Int(
	"workers",
	0,
	"the number of conversion tasks running at once. defaults to -tasks",
)

var fetchWorkers = flag.Int(
	"fetch-workers",
	8,
	"the number of files downloaded in parallel",
)

var revision = flag.String(
	"revision",
	"main",
	"the dataset revision (branch, tag or commit) to download",
)

var hfEndpoint = flag.String(
	"hf-endpoint",
	envOr("HF_ENDPOINT", "https://huggingface.co"),
	"the Hugging Face Hub endpoint to use",
)

var shuffleChunks = flag.Int(
	"shuffle-chunks",
	32,
	"the number of shuffled output chunks",
)

var memory = flag.Float64(
	"memory",
	8,
	"memory in GB terashuf may use before spilling to disk",
)

var seed = flag.Int64(
	"seed",
	42,
	"the shuffle seed",
)

var validationLines = flag.Int(
	"validation-lines",
	10_000,
	"lines taken from each shuffled chunk for the validation split. disabled if set to 0",
)

var terashufPath = flag.String(
	"terashuf",
	"",
	"use a prebuilt terashuf executable instead of building it from source",
)

var skipShuffle = flag.Bool(
	"skip-shuffle",
	false,
	"stop after conversion, without building or running the shuffler",
)

var mysqlDSN = flag.String(
	"mysql-dsn",
	"",
	"optional MySQL DSN to record run history in",
)

func init() {
	flag.Usage = func() {
		out := flag.CommandLine.Output()
		fmt.Fprintf(out, "usage: %s [flags] <dataset>\n\n", os.Args[0])
		fmt.Fprintf(out, "datasets: %s\n\nflags:\n", strings.Join(registry.Names(), ", "))
		flag.PrintDefaults()
	}
}

// loadConfig builds the run configuration: defaults, then the config file,
// then any flag that was set on the command line.
func loadConfig() (config.Config, error) {
	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			return config.Config{}, err
		}
	} else {
		cfg.DataDir = *dataDir
		cfg.Fetch.Endpoint = *hfEndpoint
	}

	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "data-dir":
			cfg.DataDir = *dataDir
		case "tasks":
			cfg.Convert.Tasks = *tasks
		case "workers":
			cfg.Convert.Workers = *workers
		case "fetch-workers":
			cfg.Fetch.Workers = *fetchWorkers
		case "revision":
			cfg.Fetch.Revision = *revision
		case "hf-endpoint":
			cfg.Fetch.Endpoint = *hfEndpoint
		case "shuffle-chunks":
			cfg.Shuffle.Chunks = *shuffleChunks
		case "memory":
			cfg.Shuffle.MemoryGB = *memory
		case "seed":
			cfg.Shuffle.Seed = *seed
		case "validation-lines":
			cfg.Shuffle.ValidationLines = *validationLines
		case "terashuf":
			cfg.Shuffle.Executable = *terashufPath
		case "skip-shuffle":
			cfg.Shuffle.Skip = *skipShuffle
		case "mysql-dsn":
			cfg.MySQLDSN = *mysqlDSN
		}
	})

	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
