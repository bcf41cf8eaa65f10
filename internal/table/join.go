package table

import "fmt"

const (
	leftSuffix  = "_x"
	rightSuffix = "_y"
)

// LeftJoin joins right onto left where left[leftOn] equals right[rightOn].
//
// Every left row is kept; a left row matching several right rows is repeated
// once per match, and a left row with no match gets null right-hand cells.
// Null keys never match. When both key columns share a name the key appears
// once; otherwise both are kept. Other column names present on both sides get
// "_x" (left) and "_y" (right) suffixes.
func LeftJoin(left, right *Table, leftOn, rightOn string) (*Table, error) {
	li := left.Index(leftOn)
	if li < 0 {
		return nil, fmt.Errorf("LeftJoin: left key %q not found", leftOn)
	}
	ri := right.Index(rightOn)
	if ri < 0 {
		return nil, fmt.Errorf("LeftJoin: right key %q not found", rightOn)
	}
	sharedKey := leftOn == rightOn

	// right-hand columns carried into the output
	rightCols := make([]int, 0, len(right.Columns))
	for i := range right.Columns {
		if sharedKey && i == ri {
			continue
		}
		rightCols = append(rightCols, i)
	}

	leftNames := make(map[string]bool, len(left.Columns))
	for _, n := range left.Columns {
		leftNames[n] = true
	}
	rightNames := make(map[string]bool, len(rightCols))
	for _, i := range rightCols {
		rightNames[right.Columns[i]] = true
	}

	out := &Table{Columns: make([]string, 0, len(left.Columns)+len(rightCols))}
	for i, n := range left.Columns {
		if rightNames[n] && !(sharedKey && i == li) {
			n += leftSuffix
		}
		out.Columns = append(out.Columns, n)
	}
	for _, i := range rightCols {
		n := right.Columns[i]
		if leftNames[n] {
			n += rightSuffix
		}
		out.Columns = append(out.Columns, n)
	}

	index := make(map[string][]int, len(right.Rows))
	for r, row := range right.Rows {
		k := row[ri]
		if !k.Valid {
			continue
		}
		index[k.Value] = append(index[k.Value], r)
	}

	out.Rows = make([]Row, 0, len(left.Rows))
	for _, lrow := range left.Rows {
		var matches []int
		if k := lrow[li]; k.Valid {
			matches = index[k.Value]
		}
		if len(matches) == 0 {
			row := make(Row, 0, len(out.Columns))
			row = append(row, lrow...)
			row = append(row, make(Row, len(rightCols))...)
			out.Rows = append(out.Rows, row)
			continue
		}
		for _, r := range matches {
			row := make(Row, 0, len(out.Columns))
			row = append(row, lrow...)
			for _, i := range rightCols {
				row = append(row, right.Rows[r][i])
			}
			out.Rows = append(out.Rows, row)
		}
	}

	return out, nil
}
