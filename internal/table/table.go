// Package table is the in-memory form of every artifact the pipeline passes
// between tasks: named columns over rows of nullable string cells.
package table

import (
	"fmt"
	"strconv"
	"strings"
)

// Cell is a nullable value. The zero Cell is null.
type Cell struct {
	Value string
	Valid bool
}

// Null is the null cell.
var Null = Cell{}

// Str returns a non-null cell holding s.
func Str(s string) Cell {
	return Cell{Value: s, Valid: true}
}

// Float returns a non-null cell holding f in the pipeline's float format.
func Float(f float64) Cell {
	return Str(FormatFloat(f))
}

// FormatFloat formats f with the shortest exact representation, keeping a
// trailing ".0" on integral values so downstream schema detection sees a float.
func FormatFloat(f float64) string {
	s := strconv.FormatFloat(f, 'f', -1, 64)
	if !strings.ContainsAny(s, ".eEnN") {
		s += ".0"
	}
	return s
}

// Row is one record, aligned with Table.Columns.
type Row []Cell

// Table is an ordered set of columns and the rows beneath them.
type Table struct {
	Columns []string
	Rows    []Row
}

// New creates an empty table with the given columns.
func New(columns ...string) *Table {
	cols := make([]string, len(columns))
	copy(cols, columns)
	return &Table{Columns: cols}
}

// Len returns the number of rows.
func (t *Table) Len() int {
	return len(t.Rows)
}

// Index returns the position of column name, or -1.
func (t *Table) Index(name string) int {
	for i, c := range t.Columns {
		if c == name {
			return i
		}
	}
	return -1
}

// Has reports whether the table has column name.
func (t *Table) Has(name string) bool {
	return t.Index(name) >= 0
}

// Append adds a row. The row must have one cell per column.
func (t *Table) Append(cells ...Cell) error {
	if len(cells) != len(t.Columns) {
		return fmt.Errorf("append: got %d cells for %d columns", len(cells), len(t.Columns))
	}
	row := make(Row, len(cells))
	copy(row, cells)
	t.Rows = append(t.Rows, row)
	return nil
}

// Get returns the cell at row i in column name.
func (t *Table) Get(i int, name string) (Cell, error) {
	idx := t.Index(name)
	if idx < 0 {
		return Null, fmt.Errorf("column %q not found", name)
	}
	if i < 0 || i >= len(t.Rows) {
		return Null, fmt.Errorf("row %d out of range", i)
	}
	return t.Rows[i][idx], nil
}

// Column returns a copy of every cell in column name.
func (t *Table) Column(name string) ([]Cell, error) {
	idx := t.Index(name)
	if idx < 0 {
		return nil, fmt.Errorf("column %q not found", name)
	}
	out := make([]Cell, len(t.Rows))
	for i, row := range t.Rows {
		out[i] = row[idx]
	}
	return out, nil
}

// SetColumn replaces column name with values, or appends it when absent.
func (t *Table) SetColumn(name string, values []Cell) error {
	if len(values) != len(t.Rows) {
		return fmt.Errorf("set column %q: got %d values for %d rows", name, len(values), len(t.Rows))
	}
	idx := t.Index(name)
	if idx < 0 {
		t.Columns = append(t.Columns, name)
		for i := range t.Rows {
			t.Rows[i] = append(t.Rows[i], values[i])
		}
		return nil
	}
	for i := range t.Rows {
		t.Rows[i][idx] = values[i]
	}
	return nil
}

// Drop returns a copy of the table without the named columns. Names that are
// not present are returned in missing.
func (t *Table) Drop(names ...string) (out *Table, missing []string) {
	drop := make(map[int]bool, len(names))
	for _, n := range names {
		idx := t.Index(n)
		if idx < 0 {
			missing = append(missing, n)
			continue
		}
		drop[idx] = true
	}

	keep := make([]int, 0, len(t.Columns))
	for i := range t.Columns {
		if !drop[i] {
			keep = append(keep, i)
		}
	}

	out = &Table{Columns: make([]string, len(keep)), Rows: make([]Row, len(t.Rows))}
	for j, i := range keep {
		out.Columns[j] = t.Columns[i]
	}
	for r, row := range t.Rows {
		nr := make(Row, len(keep))
		for j, i := range keep {
			nr[j] = row[i]
		}
		out.Rows[r] = nr
	}
	return out, missing
}

// Clone returns a deep copy of the table.
func (t *Table) Clone() *Table {
	out := New(t.Columns...)
	out.Rows = make([]Row, len(t.Rows))
	for i, row := range t.Rows {
		nr := make(Row, len(row))
		copy(nr, row)
		out.Rows[i] = nr
	}
	return out
}
