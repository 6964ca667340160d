package convert

import (
	"context"
	"fmt"
	"reflect"

	"github.com/xitongsys/parquet-go-source/buffer"
	"github.com/xitongsys/parquet-go/common"
	"github.com/xitongsys/parquet-go/reader"
	"github.com/xitongsys/parquet-go/schema"
)

// Record is one line of a converted chunk.
type Record struct {
	ID       string         `json:"id"`
	Metadata map[string]any `json:"metadata"`
	Text     string         `json:"text"`
}

// adapter turns a decoded parquet row into a Record. The text and id
// columns are lifted out; every other column becomes metadata.
type adapter struct {
	textKey string
	idKey   string
}

// adapt returns false for rows without text, which are dropped.
func (a adapter) adapt(row map[string]any, relPath string, index int64) (Record, bool) {
	text := popString(row, a.textKey)
	if text == "" {
		return Record{}, false
	}
	id := popString(row, a.idKey)
	if id == "" {
		id = fmt.Sprintf("%s/%d", relPath, index)
	}
	return Record{ID: id, Metadata: row, Text: text}, true
}

func popString(row map[string]any, key string) string {
	v, ok := row[key]
	if !ok {
		return ""
	}
	delete(row, key)
	switch v := v.(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		return fmt.Sprint(v)
	}
}

// readParquetFile decodes every row of the parquet file at path and passes
// it to fn in file order, batchSize rows at a time.
func readParquetFile(
	ctx context.Context,
	path string,
	batchSize int,
	fn func(row map[string]any) error,
) (rows int64, err error) {
	mmf, err := MemoryMapFile(path)
	if err != nil {
		return 0, err
	}
	defer mmf.Unmap()

	// parquet-go panics on some malformed footers and pages.
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("decoding %s: %v", path, r)
		}
	}()

	bf := buffer.NewBufferFileFromBytesNoAlloc(mmf.Data)
	pr, err := reader.NewParquetReader(bf, nil, 1)
	if err != nil {
		return 0, fmt.Errorf("creating parquet reader: %w", err)
	}
	defer pr.ReadStop()

	var (
		names = columnNames(pr.SchemaHandler)
		total = pr.GetNumRows()
	)
	for rows < total {
		if err := ctx.Err(); err != nil {
			return rows, err
		}
		n := min(int64(batchSize), total-rows)
		batch, err := pr.ReadByNumber(int(n))
		if err != nil {
			return rows, fmt.Errorf("reading rows %d-%d: %w", rows, rows+n, err)
		}
		if len(batch) == 0 {
			return rows, fmt.Errorf("short read at row %d of %d", rows, total)
		}
		for _, row := range batch {
			if err := fn(rowToMap(row, names)); err != nil {
				return rows, err
			}
			rows++
		}
	}
	return rows, nil
}

// columnNames maps the Go field names parquet-go generates for top-level
// columns back to the column names stored in the file.
func columnNames(sh *schema.SchemaHandler) map[string]string {
	var (
		root  = sh.GetRootInName()
		names = make(map[string]string)
	)
	for in, ex := range sh.InPathToExPath {
		inPath := common.StrToPath(in)
		if len(inPath) != 2 || inPath[0] != root {
			continue
		}
		exPath := common.StrToPath(ex)
		names[inPath[1]] = exPath[len(exPath)-1]
	}
	return names
}

func rowToMap(row any, names map[string]string) map[string]any {
	out := make(map[string]any)
	v := reflect.ValueOf(row)
	for v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return out
		}
		v = v.Elem()
	}
	if v.Kind() != reflect.Struct {
		return out
	}
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		name, ok := names[t.Field(i).Name]
		if !ok {
			name = t.Field(i).Name
		}
		out[name] = plainValue(v.Field(i))
	}
	return out
}

// plainValue unwraps the pointers parquet-go uses for optional columns.
func plainValue(v reflect.Value) any {
	for v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return nil
		}
		v = v.Elem()
	}
	if !v.IsValid() {
		return nil
	}
	return v.Interface()
}
