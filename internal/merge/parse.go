package merge

import (
	"errors"
	"strings"
	"time"

	"cloud.google.com/go/civil"
	"github.com/shopspring/decimal"

	"github.com/dvloznov/audible-etl/internal/table"
)

// CurrencySymbol is stripped from prices before parsing.
const CurrencySymbol = "$"

var errNotDate = errors.New("no supported date or timestamp layout matched")

var timestampLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05Z07:00",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04",
	"2006-01-02",
}

// ParsePrice removes the currency symbol and surrounding spaces and parses
// the rest as a decimal number. Prices without the symbol parse as-is; any
// other symbol or separator is a *FormatError.
func ParsePrice(s string) (decimal.Decimal, error) {
	cleaned := strings.TrimSpace(strings.ReplaceAll(s, CurrencySymbol, ""))
	d, err := decimal.NewFromString(cleaned)
	if err != nil {
		return decimal.Decimal{}, &FormatError{Value: s, Err: err}
	}
	return d, nil
}

// TruncateDate parses a date or timestamp and drops the time of day. A zone
// offset, when present, decides which calendar day the instant falls on.
func TruncateDate(s string) (civil.Date, error) {
	s = strings.TrimSpace(s)
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return civil.DateOf(t), nil
		}
	}
	return civil.Date{}, &DateError{Value: s, Err: errNotDate}
}

// PriceResult is the outcome of normalizing one price cell.
type PriceResult struct {
	Value decimal.Decimal
	Valid bool  // false for a null cell or a failed parse
	Err   error // *FormatError when the cell was present but unparseable
}

// ParsePrices normalizes every cell independently so one malformed value
// does not affect the others.
func ParsePrices(cells []table.Cell) []PriceResult {
	out := make([]PriceResult, len(cells))
	for i, c := range cells {
		if !c.Valid {
			continue
		}
		d, err := ParsePrice(c.Value)
		if err != nil {
			out[i] = PriceResult{Err: err}
			continue
		}
		out[i] = PriceResult{Value: d, Valid: true}
	}
	return out
}
