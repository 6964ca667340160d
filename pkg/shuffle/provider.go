// Package shuffle makes an out-of-core shuffler available and runs it over a
// set of JSONL inputs.
package shuffle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
)

// ErrBootstrap is wrapped by every error returned from Provider.Ensure.
var ErrBootstrap = errors.New("shuffler bootstrap failed")

// Provider makes a shuffler executable available.
type Provider interface {
	// Name returns the provider name (e.g., "terashuf", "prebuilt").
	Name() string

	// Ensure returns the path to a runnable shuffler, building it under
	// workDir first if needed. It is idempotent.
	Ensure(ctx context.Context, workDir string) (string, error)
}

// State is the bootstrap state of a shuffler working directory.
type State int

const (
	StateAbsent State = iota
	StateBuilding
	StateReady
)

func (s State) String() string {
	switch s {
	case StateAbsent:
		return "absent"
	case StateBuilding:
		return "building"
	case StateReady:
		return "ready"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// CommandRunner runs name with args in dir.
type CommandRunner func(ctx context.Context, dir, name string, args ...string) error

// ExecRunner runs commands as subprocesses with stdout/stderr passed through.
func ExecRunner(ctx context.Context, dir, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd.Run()
}

const (
	DefaultRepoURL = "https://github.com/alexandres/terashuf"
	DefaultDir     = "terashuf"
)

// Terashuf builds terashuf from source: clone, then make.
//
// The executable's presence is the only record of a completed build. A
// checkout left behind by a failed build is reused rather than cloned again.
type Terashuf struct {
	RepoURL string
	Dir     string // checkout directory name inside workDir
	Runner  CommandRunner
	Logger  *slog.Logger

	mu sync.Mutex
}

// NewTerashuf returns a Terashuf provider with default settings.
func NewTerashuf(logger *slog.Logger) *Terashuf {
	return &Terashuf{
		RepoURL: DefaultRepoURL,
		Dir:     DefaultDir,
		Runner:  ExecRunner,
		Logger:  logger,
	}
}

func (t *Terashuf) Name() string {
	return "terashuf"
}

func (t *Terashuf) checkoutDir(workDir string) string {
	dir := t.Dir
	if dir == "" {
		dir = DefaultDir
	}
	return filepath.Join(workDir, dir)
}

// Executable is where the built binary lives for workDir.
func (t *Terashuf) Executable(workDir string) string {
	return filepath.Join(t.checkoutDir(workDir), "terashuf")
}

// State reports whether the shuffler under workDir is built.
func (t *Terashuf) State(workDir string) State {
	if isExecutable(t.Executable(workDir)) {
		return StateReady
	}
	if _, err := os.Stat(t.checkoutDir(workDir)); err == nil {
		return StateBuilding
	}
	return StateAbsent
}

func (t *Terashuf) Ensure(ctx context.Context, workDir string) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var (
		logger  = t.Logger
		runner  = t.Runner
		repoURL = t.RepoURL
		dir     = t.checkoutDir(workDir)
		exe     = t.Executable(workDir)
	)
	if logger == nil {
		logger = slog.Default()
	}
	if runner == nil {
		runner = ExecRunner
	}
	if repoURL == "" {
		repoURL = DefaultRepoURL
	}

	state := t.State(workDir)
	if state == StateReady {
		logger.Debug("terashuf already built", slog.String("path", exe))
		return exe, nil
	}

	if err := os.MkdirAll(workDir, 0755); err != nil {
		return "", fmt.Errorf("%w: creating %s: %w", ErrBootstrap, workDir, err)
	}
	if state == StateAbsent {
		logger.Info("cloning terashuf", slog.String("url", repoURL), slog.String("dir", dir))
		if err := runner(ctx, workDir, "git", "clone", repoURL, dir); err != nil {
			return "", fmt.Errorf("%w: cloning %s: %w", ErrBootstrap, repoURL, err)
		}
	} else {
		logger.Info("reusing existing terashuf checkout", slog.String("dir", dir))
	}

	logger.Info("building terashuf", slog.String("dir", dir))
	if err := runner(ctx, workDir, "make", "-C", dir); err != nil {
		return "", fmt.Errorf("%w: building in %s: %w", ErrBootstrap, dir, err)
	}
	if !isExecutable(exe) {
		return "", fmt.Errorf("%w: build finished but %s is missing", ErrBootstrap, exe)
	}
	return exe, nil
}

// Prebuilt uses a shuffler that is already installed. Path is either a file
// path or a command name looked up on PATH.
type Prebuilt struct {
	Path string
}

func (p *Prebuilt) Name() string {
	return "prebuilt"
}

func (p *Prebuilt) Ensure(_ context.Context, _ string) (string, error) {
	if p.Path == "" {
		return "", fmt.Errorf("%w: no shuffler path configured", ErrBootstrap)
	}
	path, err := exec.LookPath(p.Path)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrBootstrap, err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrBootstrap, err)
	}
	return abs, nil
}

func isExecutable(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.Mode().IsRegular() && info.Mode().Perm()&0111 != 0
}
