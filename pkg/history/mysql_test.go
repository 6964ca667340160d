package history

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestNormalizeDSN(t *testing.T) {
	got, err := NormalizeDSN("user:pass@tcp(localhost:3306)/prep")
	if err != nil {
		t.Fatalf("NormalizeDSN: %v", err)
	}
	for _, want := range []string{"parseTime=true", "multiStatements=true", "tcp(localhost:3306)/prep"} {
		if !strings.Contains(got, want) {
			t.Errorf("expected %q in %q", want, got)
		}
	}

	if _, err := NormalizeDSN("not a dsn"); err == nil {
		t.Error("expected an error for an invalid dsn")
	}
}

// Runs against a real database when PREP_TEST_MYSQL_DSN is set.
func TestRecorderRoundTrip(t *testing.T) {
	dsn := os.Getenv("PREP_TEST_MYSQL_DSN")
	if dsn == "" || testing.Short() {
		t.Skip("PREP_TEST_MYSQL_DSN not set")
	}
	ctx := context.Background()
	rec, err := Open(ctx, dsn)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer rec.Close()

	dataset := "test_" + uuid.NewString()[:8]
	if _, err := rec.LastSuccessful(ctx, dataset); !errors.Is(err, ErrNoRuns) {
		t.Fatalf("expected ErrNoRuns, got %v", err)
	}

	start := time.Now().UTC().Truncate(time.Millisecond)
	run := Run{
		ID:         uuid.NewString(),
		Dataset:    dataset,
		StartedAt:  start,
		FinishedAt: start.Add(3 * time.Second),
		Succeeded:  true,
		Chunks:     32,
		Records:    1234,
		Steps: []Step{
			{Name: "fetch", Status: "ran", Duration: time.Second},
			{Name: "convert", Status: "skipped"},
		},
	}
	if err := rec.Record(ctx, run); err != nil {
		t.Fatalf("Record: %v", err)
	}

	got, err := rec.LastSuccessful(ctx, dataset)
	if err != nil {
		t.Fatalf("LastSuccessful: %v", err)
	}
	if got.ID != run.ID || got.Records != 1234 || !got.FinishedAt.Equal(run.FinishedAt) {
		t.Errorf("unexpected run %+v", got)
	}
}
