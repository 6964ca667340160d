// Package history stores a record of every pipeline run in MySQL.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
)

// ErrNoRuns is returned when a dataset has no recorded successful run.
var ErrNoRuns = errors.New("no recorded runs")

// Run is one pipeline invocation.
type Run struct {
	ID         string
	Dataset    string
	StartedAt  time.Time
	FinishedAt time.Time
	Succeeded  bool
	Error      string
	Chunks     int
	Records    int64
	Steps      []Step
}

// Step is the outcome of one pipeline step within a run.
type Step struct {
	Name     string
	Status   string
	Duration time.Duration
}

const schema = `
CREATE TABLE IF NOT EXISTS prep_runs (
	id          CHAR(36)     NOT NULL PRIMARY KEY,
	dataset     VARCHAR(255) NOT NULL,
	started_at  DATETIME(3)  NOT NULL,
	finished_at DATETIME(3)  NOT NULL,
	succeeded   BOOLEAN      NOT NULL,
	error       TEXT         NOT NULL,
	chunks      INT          NOT NULL,
	records     BIGINT       NOT NULL,
	INDEX idx_prep_runs_dataset (dataset, finished_at)
);
CREATE TABLE IF NOT EXISTS prep_steps (
	run_id      CHAR(36)     NOT NULL,
	position    INT          NOT NULL,
	name        VARCHAR(64)  NOT NULL,
	status      VARCHAR(16)  NOT NULL,
	duration_ms BIGINT       NOT NULL,
	PRIMARY KEY (run_id, position)
);`

// NormalizeDSN validates dsn and enables the options the recorder relies on.
func NormalizeDSN(dsn string) (string, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return "", fmt.Errorf("parsing mysql dsn: %w", err)
	}
	// For parsing timestamps into Go time.Time objects
	cfg.ParseTime = true
	cfg.MultiStatements = true
	if cfg.Loc == nil {
		cfg.Loc = time.UTC
	}
	return cfg.FormatDSN(), nil
}

// Recorder writes runs to MySQL.
type Recorder struct {
	db *sql.DB
}

// Open connects to the database at dsn and creates the tables if needed.
func Open(ctx context.Context, dsn string) (*Recorder, error) {
	dsn, err := NormalizeDSN(dsn)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening mysql connection: %w", err)
	}

	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging mysql database: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating history tables: %w", err)
	}
	return &Recorder{db: db}, nil
}

func (r *Recorder) Close() error {
	return r.db.Close()
}

// Record stores run and its steps in a single transaction.
func (r *Recorder) Record(ctx context.Context, run Run) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning MySQL transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(
		ctx,
		`INSERT INTO prep_runs (id, dataset, started_at, finished_at, succeeded, error, chunks, records)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID,
		run.Dataset,
		run.StartedAt.UTC(),
		run.FinishedAt.UTC(),
		run.Succeeded,
		run.Error,
		run.Chunks,
		run.Records,
	); err != nil {
		return fmt.Errorf("inserting run %s: %w", run.ID, err)
	}

	for i, s := range run.Steps {
		if _, err := tx.ExecContext(
			ctx,
			`INSERT INTO prep_steps (run_id, position, name, status, duration_ms) VALUES (?, ?, ?, ?, ?)`,
			run.ID,
			i,
			s.Name,
			s.Status,
			s.Duration.Milliseconds(),
		); err != nil {
			return fmt.Errorf("inserting step %q of run %s: %w", s.Name, run.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing MySQL transaction: %w", err)
	}
	return nil
}

// LastSuccessful returns the most recent successful run for dataset,
// without its steps.
func (r *Recorder) LastSuccessful(ctx context.Context, dataset string) (*Run, error) {
	var run Run
	err := r.db.QueryRowContext(
		ctx,
		`SELECT id, dataset, started_at, finished_at, succeeded, error, chunks, records
		 FROM prep_runs WHERE dataset = ? AND succeeded ORDER BY finished_at DESC LIMIT 1`,
		dataset,
	).Scan(
		&run.ID,
		&run.Dataset,
		&run.StartedAt,
		&run.FinishedAt,
		&run.Succeeded,
		&run.Error,
		&run.Chunks,
		&run.Records,
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w for %s", ErrNoRuns, dataset)
	} else if err != nil {
		return nil, fmt.Errorf("getting last run for %s: %w", dataset, err)
	}
	return &run, nil
}
