package convert

import (
	"slices"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Chunk is one rank's output file.
type Chunk struct {
	Rank    int    `json:"rank"`
	Path    string `json:"path"`
	Files   int    `json:"files"`
	Records int64  `json:"records"`
	Dropped int64  `json:"dropped"`
	Bytes   int64  `json:"bytes"`
}

// Result summarizes a conversion run. Chunks is ordered by rank and covers
// every rank, including ranks skipped because they had already completed.
type Result struct {
	Chunks  []Chunk `json:"chunks"`
	Files   int     `json:"files"`
	Skipped int     `json:"skipped"`
}

// Records is the total number of records across all chunks.
func (r *Result) Records() int64 {
	var n int64
	for _, c := range r.Chunks {
		n += c.Records
	}
	return n
}

// Dropped is the number of records skipped for having no text.
func (r *Result) Dropped() int64 {
	var n int64
	for _, c := range r.Chunks {
		n += c.Dropped
	}
	return n
}

// Distribution describes how evenly records are spread across chunks.
type Distribution struct {
	Chunks int     `json:"chunks"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	Mean   float64 `json:"mean"`
	StdDev float64 `json:"stddev"`
	P50    float64 `json:"p50"`
	P90    float64 `json:"p90"`
}

// Distribution computes summary statistics of records per chunk.
func (r *Result) Distribution() Distribution {
	if len(r.Chunks) == 0 {
		return Distribution{}
	}
	sizes := make([]float64, len(r.Chunks))
	for i, c := range r.Chunks {
		sizes[i] = float64(c.Records)
	}
	slices.Sort(sizes)

	d := Distribution{
		Chunks: len(sizes),
		Min:    floats.Min(sizes),
		Max:    floats.Max(sizes),
		Mean:   stat.Mean(sizes, nil),
		P50:    stat.Quantile(0.5, stat.Empirical, sizes, nil),
		P90:    stat.Quantile(0.9, stat.Empirical, sizes, nil),
	}
	// Sample stddev is undefined for a single chunk.
	if len(sizes) > 1 {
		d.StdDev = stat.StdDev(sizes, nil)
	}
	return d
}
