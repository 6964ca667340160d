// Package registry is the closed set of datasets the pipeline knows how to prepare.
// The table is static; adding a dataset means adding an entry here.
package registry

import (
	"errors"
	"fmt"
	"slices"
	"strings"
)

// ErrUnknownDataset is returned by Resolve for names that aren't in the table.
var ErrUnknownDataset = errors.New("unknown dataset")

// Format is the on-disk format of a dataset's raw snapshot files.
type Format int

const (
	// FormatParquet snapshots must be converted to JSONL chunks before shuffling.
	FormatParquet Format = iota
	// FormatJSONLZstd snapshots are already line-oriented, zstd compressed.
	FormatJSONLZstd
)

func (f Format) String() string {
	switch f {
	case FormatParquet:
		return "parquet"
	case FormatJSONLZstd:
		return "jsonl.zst"
	default:
		return fmt.Sprintf("format(%d)", int(f))
	}
}

// NeedsConversion reports whether raw files have to go through the converter.
func (f Format) NeedsConversion() bool {
	return f == FormatParquet
}

// Descriptor describes where a dataset lives on the Hugging Face Hub and
// which of its files matter.
type Descriptor struct {
	Name          string
	RepoID        string
	AllowPatterns []string // empty means every file in the snapshot
	Format        Format
}

// ShuffleExtension is the extension of the line-oriented files fed to the
// shuffler, i.e. converted chunks for parquet datasets and raw files otherwise.
func (d Descriptor) ShuffleExtension() string {
	if d.Format == FormatJSONLZstd {
		return ".jsonl.zst"
	}
	return ".jsonl"
}

var datasets = map[string]Descriptor{
	"fineweb_edu": {
		Name:   "fineweb_edu",
		RepoID: "HuggingFaceFW/fineweb-edu",
		Format: FormatParquet,
	},
	"fineweb_edu_10bt": {
		Name:          "fineweb_edu_10bt",
		RepoID:        "HuggingFaceFW/fineweb-edu",
		AllowPatterns: []string{"sample/10BT/*"},
		Format:        FormatParquet,
	},
	"dclm_baseline_1.0": {
		Name:          "dclm_baseline_1.0",
		RepoID:        "mlfoundations/dclm-baseline-1.0",
		AllowPatterns: []string{"*.jsonl.zst"},
		Format:        FormatJSONLZstd,
	},
}

// Resolve returns the descriptor for name. It never touches the network or disk.
func Resolve(name string) (Descriptor, error) {
	d, ok := datasets[name]
	if !ok {
		return Descriptor{}, fmt.Errorf(
			"%w %q, expected one of: %s",
			ErrUnknownDataset,
			name,
			strings.Join(Names(), ", "),
		)
	}
	d.AllowPatterns = slices.Clone(d.AllowPatterns)
	return d, nil
}

// Names returns the supported dataset names, sorted.
func Names() []string {
	names := make([]string, 0, len(datasets))
	for name := range datasets {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
