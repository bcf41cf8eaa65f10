package merge

import (
	"fmt"
	"strings"
)

// FormatError reports a price that is not a number once the currency symbol
// is removed.
type FormatError struct {
	Value string
	Err   error
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("cannot parse price %q: %v", e.Value, e.Err)
}

func (e *FormatError) Unwrap() error { return e.Err }

// DateError reports a timestamp that cannot be truncated to a calendar date.
type DateError struct {
	Value string
	Err   error
}

func (e *DateError) Error() string {
	return fmt.Sprintf("cannot parse timestamp %q: %v", e.Value, e.Err)
}

func (e *DateError) Unwrap() error { return e.Err }

// RowError ties a per-row failure to its position in the transaction table.
type RowError struct {
	Row    int
	Column string
	Value  string
	Err    error
}

func (e RowError) Error() string {
	return fmt.Sprintf("row %d column %s: %v", e.Row, e.Column, e.Err)
}

// BatchError aggregates every row failure of a merge run.
type BatchError struct {
	Rows     int
	Failures []RowError
}

func (e *BatchError) Error() string {
	const maxListed = 5

	var b strings.Builder
	fmt.Fprintf(&b, "%d of %d rows failed", len(e.Failures), e.Rows)
	for i, f := range e.Failures {
		if i == maxListed {
			fmt.Fprintf(&b, "; and %d more", len(e.Failures)-maxListed)
			break
		}
		b.WriteString("; ")
		b.WriteString(f.Error())
	}
	return b.String()
}

// Unwrap exposes the underlying row errors to errors.Is and errors.As.
func (e *BatchError) Unwrap() []error {
	errs := make([]error, len(e.Failures))
	for i, f := range e.Failures {
		errs[i] = f.Err
	}
	return errs
}
