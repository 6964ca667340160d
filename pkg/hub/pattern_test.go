package hub

import "testing"

func TestMatcher(t *testing.T) {
	tests := []struct {
		patterns []string
		path     string
		want     bool
	}{
		{nil, "anything/at/all.parquet", true},
		{[]string{"sample/10BT/*"}, "sample/10BT/000_00000.parquet", true},
		{[]string{"sample/10BT/*"}, "sample/100BT/000_00000.parquet", false},
		{[]string{"sample/10BT/*"}, "data/CC-MAIN-2024-10/000_00000.parquet", false},
		// `*` crosses directory separators, like fnmatch.
		{[]string{"*.jsonl.zst"}, "global-shard_01_of_10/local-shard_0_of_10/shard_00000000_processed.jsonl.zst", true},
		{[]string{"*.jsonl.zst"}, "README.md", false},
		{[]string{"data/"}, "data/CC-MAIN-2024-10/000_00000.parquet", true},
		{[]string{"data/"}, "sample/data/x", false},
		{[]string{"shard_?.parquet"}, "shard_7.parquet", true},
		{[]string{"shard_?.parquet"}, "shard_17.parquet", false},
		{[]string{"shard_[0-4].parquet"}, "shard_3.parquet", true},
		{[]string{"shard_[!0-4].parquet"}, "shard_3.parquet", false},
		{[]string{"a+b(c).txt"}, "a+b(c).txt", true},
		{[]string{"README.md", "*.parquet"}, "README.md", true},
	}

	for _, tt := range tests {
		m, err := NewMatcher(tt.patterns)
		if err != nil {
			t.Fatalf("NewMatcher(%v): %v", tt.patterns, err)
		}
		if got := m.Match(tt.path); got != tt.want {
			t.Errorf("Match(%v, %q) = %v, want %v", tt.patterns, tt.path, got, tt.want)
		}
	}
}
