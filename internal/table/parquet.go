package table

import (
	"fmt"
	"os"
	"strconv"

	"github.com/parquet-go/parquet-go"
)

// WriteParquet writes t to path as a flat Parquet file. Columns listed in
// numeric are stored as optional DOUBLE, every other column as an optional
// UTF-8 string.
func WriteParquet(path string, t *Table, numeric ...string) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	isNumeric := make(map[string]bool, len(numeric))
	for _, n := range numeric {
		isNumeric[n] = true
	}

	group := make(parquet.Group, len(t.Columns))
	for _, name := range t.Columns {
		if isNumeric[name] {
			group[name] = parquet.Optional(parquet.Leaf(parquet.DoubleType))
		} else {
			group[name] = parquet.Optional(parquet.String())
		}
	}
	schema := parquet.NewSchema("row", group)

	// Group fields are ordered by name; map each table column to its leaf.
	leaf := make(map[string]int, len(t.Columns))
	for i, p := range schema.Columns() {
		leaf[p[0]] = i
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create parquet file: %w", err)
	}

	w := parquet.NewWriter(f, schema)
	rows := make([]parquet.Row, 0, len(t.Rows))
	for r, row := range t.Rows {
		prow := make(parquet.Row, len(t.Columns))
		for i, name := range t.Columns {
			col := leaf[name]
			c := row[i]
			if !c.Valid {
				prow[col] = parquet.NullValue().Level(0, 0, col)
				continue
			}
			if isNumeric[name] {
				v, err := strconv.ParseFloat(c.Value, 64)
				if err != nil {
					f.Close()
					return fmt.Errorf("row %d column %q: %w", r, name, err)
				}
				prow[col] = parquet.ValueOf(v).Level(0, 1, col)
				continue
			}
			prow[col] = parquet.ValueOf(c.Value).Level(0, 1, col)
		}
		rows = append(rows, prow)
	}

	if _, err := w.WriteRows(rows); err != nil {
		f.Close()
		return fmt.Errorf("write parquet rows: %w", err)
	}
	if err := w.Close(); err != nil {
		f.Close()
		return fmt.Errorf("close parquet writer: %w", err)
	}
	return f.Close()
}
