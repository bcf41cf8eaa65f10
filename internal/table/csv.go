package table

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// ReadCSV reads a CSV file with a header row. Empty fields read back as null.
func ReadCSV(path string) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open csv %q: %w", path, err)
	}
	defer f.Close()

	t, err := DecodeCSV(f)
	if err != nil {
		return nil, fmt.Errorf("read csv %q: %w", path, err)
	}
	return t, nil
}

// DecodeCSV reads a table from r. The first record is the header.
func DecodeCSV(r io.Reader) (*Table, error) {
	reader := csv.NewReader(r)

	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("missing header row")
	}
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}

	t := New(header...)
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read record: %w", err)
		}
		row := make(Row, len(record))
		for i, v := range record {
			if v != "" {
				row[i] = Str(v)
			}
		}
		t.Rows = append(t.Rows, row)
	}
	return t, nil
}

// WriteCSV writes t to path with a header row and no index column, creating
// parent directories as needed.
func WriteCSV(path string, t *Table) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create csv file: %w", err)
	}

	if err := EncodeCSV(f, t); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// EncodeCSV writes t to w. Null cells are written as empty fields.
func EncodeCSV(w io.Writer, t *Table) error {
	writer := csv.NewWriter(w)
	if err := writer.Write(t.Columns); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}

	record := make([]string, len(t.Columns))
	for _, row := range t.Rows {
		for i, c := range row {
			record[i] = c.Value
		}
		if err := writer.Write(record); err != nil {
			return fmt.Errorf("write csv record: %w", err)
		}
	}

	writer.Flush()
	if err := writer.Error(); err != nil {
		return fmt.Errorf("flush csv records: %w", err)
	}
	return nil
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}
	return nil
}
