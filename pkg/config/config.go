package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Config holds every tunable of a pipeline run. Zero values are replaced by
// defaults when loading.
type Config struct {
	DataDir string `yaml:"data_dir" toml:"data_dir" json:"data_dir"`

	Fetch   FetchConfig   `yaml:"fetch" toml:"fetch" json:"fetch"`
	Convert ConvertConfig `yaml:"convert" toml:"convert" json:"convert"`
	Shuffle ShuffleConfig `yaml:"shuffle" toml:"shuffle" json:"shuffle"`

	// Optional MySQL DSN to record run history in.
	MySQLDSN string `yaml:"mysql_dsn" toml:"mysql_dsn" json:"-"`
}

type FetchConfig struct {
	Endpoint string `yaml:"endpoint" toml:"endpoint" json:"endpoint"`
	Revision string `yaml:"revision" toml:"revision" json:"revision"`
	Workers  int    `yaml:"workers" toml:"workers" json:"workers"`
}

type ConvertConfig struct {
	Tasks   int    `yaml:"tasks" toml:"tasks" json:"tasks"`
	Workers int    `yaml:"workers" toml:"workers" json:"workers"` // 0 means one worker per task
	TextKey string `yaml:"text_key" toml:"text_key" json:"text_key"`
	IDKey   string `yaml:"id_key" toml:"id_key" json:"id_key"`
}

type ShuffleConfig struct {
	Skip            bool    `yaml:"skip" toml:"skip" json:"skip"`
	Executable      string  `yaml:"executable" toml:"executable" json:"executable"` // prebuilt terashuf, skips the source build
	RepoURL         string  `yaml:"repo_url" toml:"repo_url" json:"repo_url"`
	Chunks          int     `yaml:"chunks" toml:"chunks" json:"chunks"`
	MemoryGB        float64 `yaml:"memory_gb" toml:"memory_gb" json:"memory_gb"`
	Seed            int64   `yaml:"seed" toml:"seed" json:"seed"`
	ValidationLines int     `yaml:"validation_lines" toml:"validation_lines" json:"validation_lines"`
}

const defaultEndpoint = "https://huggingface.co"

// endpointFromEnv is the Hub endpoint used unless one is configured
// explicitly, $HF_ENDPOINT when set.
func endpointFromEnv() string {
	if endpoint := os.Getenv("HF_ENDPOINT"); endpoint != "" {
		return endpoint
	}
	return defaultEndpoint
}

// Default returns a Config with default values. The Hub endpoint honors
// $HF_ENDPOINT.
func Default() Config {
	return Config{
		DataDir: "data",
		Fetch: FetchConfig{
			Endpoint: endpointFromEnv(),
			Revision: "main",
			Workers:  8,
		},
		Convert: ConvertConfig{
			Tasks:   64,
			TextKey: "text",
			IDKey:   "id",
		},
		Shuffle: ShuffleConfig{
			RepoURL:         "https://github.com/alexandres/terashuf",
			Chunks:          32,
			MemoryGB:        8,
			Seed:            42,
			ValidationLines: 10000,
		},
	}
}

// Load reads a YAML (.yaml, .yml) or TOML (.toml) config file over the defaults.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading config: %w", err)
	}

	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parsing config %s: %w", path, err)
		}
	case ".toml":
		md, err := toml.Decode(string(data), &cfg)
		if err != nil {
			return cfg, fmt.Errorf("parsing config %s: %w", path, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return cfg, fmt.Errorf("unknown keys in config %s: %v", path, undecoded)
		}
	default:
		return cfg, fmt.Errorf("unsupported config extension %q, expected .yaml, .yml or .toml", ext)
	}

	cfg.fillDefaults()
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("validating config %s: %w", path, err)
	}
	return cfg, nil
}

// Apply defaults for values a config file explicitly blanked out.
func (c *Config) fillDefaults() {
	def := Default()
	if c.DataDir == "" {
		c.DataDir = def.DataDir
	}
	if c.Fetch.Endpoint == "" {
		c.Fetch.Endpoint = def.Fetch.Endpoint
	}
	if c.Fetch.Revision == "" {
		c.Fetch.Revision = def.Fetch.Revision
	}
	if c.Convert.TextKey == "" {
		c.Convert.TextKey = def.Convert.TextKey
	}
	if c.Convert.IDKey == "" {
		c.Convert.IDKey = def.Convert.IDKey
	}
	if c.Shuffle.RepoURL == "" {
		c.Shuffle.RepoURL = def.Shuffle.RepoURL
	}
}

// Validate rejects values that would make a stage meaningless.
func (c Config) Validate() error {
	var errs []error
	if c.DataDir == "" {
		errs = append(errs, errors.New("data_dir must not be empty"))
	}
	if c.Fetch.Workers <= 0 {
		errs = append(errs, fmt.Errorf("fetch.workers must be positive, got %d", c.Fetch.Workers))
	}
	if c.Convert.Tasks <= 0 {
		errs = append(errs, fmt.Errorf("convert.tasks must be positive, got %d", c.Convert.Tasks))
	}
	if c.Convert.Workers < 0 {
		errs = append(errs, fmt.Errorf("convert.workers must not be negative, got %d", c.Convert.Workers))
	}
	if c.Shuffle.Chunks <= 0 {
		errs = append(errs, fmt.Errorf("shuffle.chunks must be positive, got %d", c.Shuffle.Chunks))
	}
	if c.Shuffle.MemoryGB <= 0 {
		errs = append(errs, fmt.Errorf("shuffle.memory_gb must be positive, got %g", c.Shuffle.MemoryGB))
	}
	if c.Shuffle.ValidationLines < 0 {
		errs = append(errs, fmt.Errorf("shuffle.validation_lines must not be negative, got %d", c.Shuffle.ValidationLines))
	}
	return errors.Join(errs...)
}
