package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/turbopuffer/corpus-prep/pkg/history"
)

type fakeHistory struct {
	run *history.Run
	err error
}

func (f fakeHistory) LastSuccessful(_ context.Context, dataset string) (*history.Run, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.run, nil
}

func TestLogLastRun(t *testing.T) {
	tests := []struct {
		name string
		h    fakeHistory
		want []string
	}{
		{
			name: "previous run",
			h: fakeHistory{run: &history.Run{
				ID:         "run-1",
				FinishedAt: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
				Chunks:     32,
				Records:    1000,
			}},
			want: []string{"previous successful run", "run_id=run-1", "finished_at=2024-03-01T12:00:00Z", "records=1000"},
		},
		{
			name: "no runs",
			h:    fakeHistory{err: fmt.Errorf("%w for fineweb_edu", history.ErrNoRuns)},
			want: []string{"level=INFO", "no previous successful run", "dataset=fineweb_edu"},
		},
		{
			name: "lookup error",
			h:    fakeHistory{err: errors.New("connection refused")},
			want: []string{"level=WARN", "connection refused"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger := slog.New(slog.NewTextHandler(&buf, nil))
			logLastRun(context.Background(), logger, tt.h, "fineweb_edu")
			for _, want := range tt.want {
				if !strings.Contains(buf.String(), want) {
					t.Errorf("expected %q in log output %q", want, buf.String())
				}
			}
		})
	}
}
