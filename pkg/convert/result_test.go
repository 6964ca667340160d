package convert

import (
	"math"
	"testing"
)

func TestResultDistribution(t *testing.T) {
	res := &Result{}
	if d := res.Distribution(); d != (Distribution{}) {
		t.Errorf("expected zero distribution for no chunks, got %+v", d)
	}

	for i, n := range []int64{40, 10, 30, 20} {
		res.Chunks = append(res.Chunks, Chunk{Rank: i, Records: n})
	}
	d := res.Distribution()
	if d.Chunks != 4 || d.Min != 10 || d.Max != 40 || d.Mean != 25 {
		t.Errorf("unexpected distribution %+v", d)
	}
	if d.P50 != 20 || d.P90 != 40 {
		t.Errorf("unexpected percentiles p50=%v p90=%v", d.P50, d.P90)
	}
	if math.Abs(d.StdDev-12.9099) > 1e-3 {
		t.Errorf("unexpected stddev %v", d.StdDev)
	}
	if res.Records() != 100 {
		t.Errorf("expected 100 records, got %d", res.Records())
	}
}

func TestResultDistributionSingleChunk(t *testing.T) {
	res := &Result{Chunks: []Chunk{{Records: 7}}}
	d := res.Distribution()
	if d.StdDev != 0 || d.Mean != 7 || d.P90 != 7 {
		t.Errorf("unexpected distribution %+v", d)
	}
}

func TestResultDropped(t *testing.T) {
	res := &Result{Chunks: []Chunk{{Records: 5, Dropped: 2}, {Records: 3}, {Records: 4, Dropped: 1}}}
	if res.Dropped() != 3 {
		t.Errorf("expected 3 dropped records, got %d", res.Dropped())
	}
}
