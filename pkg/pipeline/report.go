package pipeline

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"github.com/turbopuffer/corpus-prep/pkg/stage"
)

// Report is a JSON-serializable report of a pipeline run.
type Report map[string]any

// MergeOther merges another report into this one.
func (r Report) MergeOther(other Report) {
	for k, v := range other {
		if _, ok := r[k]; ok {
			panic(fmt.Sprintf("duplicate key in report: %s", k))
		}
		r[k] = v
	}
}

// PrintWithDepth prints a report with the given depth.
// Recursively prints sub-reports.
func (r Report) PrintWithDepth(depth int) {
	fmt.Print(r.format(depth))
}

func (r Report) format(depth int) string {
	keys := make([]string, 0, len(r))
	for k := range r {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	var b strings.Builder
	for _, k := range keys {
		v := r[k]
		if sub, ok := v.(Report); ok {
			fmt.Fprintf(&b, "%s%s:\n", strings.Repeat("  ", depth), k)
			b.WriteString(sub.format(depth + 1))
		} else {
			fmt.Fprintf(&b, "%s%s: %v\n", strings.Repeat("  ", depth), k, v)
		}
	}
	return b.String()
}

// WriteFile writes the report as indented JSON.
func (r Report) WriteFile(path string) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding report: %w", err)
	}
	if err := stage.WriteFileAtomic(path, data, 0644); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}
