package pipeline

import "path/filepath"

// Layout is where a dataset's files live on disk. It is derived purely from
// the data root and dataset name.
type Layout struct {
	SourceDir     string // raw snapshot, and converted chunks for parquet datasets
	WorkDir       string
	OutputDir     string // shuffled chunks and validation split
	ConvertLogDir string
	ShufflerDir   string
	MarkerDir     string
}

// NewLayout returns the layout of dataset name under dataRoot.
func NewLayout(dataRoot, name string) Layout {
	src := filepath.Join(dataRoot, name)
	return Layout{
		SourceDir:     src,
		WorkDir:       src,
		OutputDir:     src + "_shuffled",
		ConvertLogDir: filepath.Join(src, "datatrove"),
		ShufflerDir:   filepath.Join(src, "terashuf"),
		MarkerDir:     filepath.Join(src, ".prep"),
	}
}
