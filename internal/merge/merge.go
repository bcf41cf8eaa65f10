// Package merge enriches transactions with the daily conversion rate and
// computes the converted price.
package merge

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/dvloznov/audible-etl/internal/logger"
	"github.com/dvloznov/audible-etl/internal/table"
)

// DateColumn is the derived join key shared by both tables.
const DateColumn = "date"

// Output formats accepted by Files.
const (
	FormatCSV     = "csv"
	FormatParquet = "parquet"
)

// Options names the columns the merge reads and writes.
type Options struct {
	TimestampColumn string
	PriceColumn     string
	RateColumn      string
	ConvertedColumn string
	DropColumns     []string
	// Strict fails the merge with a *BatchError when any row failed.
	Strict bool
}

// DefaultOptions returns the column layout of the audible pipeline.
func DefaultOptions() Options {
	return Options{
		TimestampColumn: "timestamp",
		PriceColumn:     "Price",
		RateColumn:      "conversion_rate",
		ConvertedColumn: "THBPrice",
		DropColumns:     []string{DateColumn, "book_id"},
	}
}

// RowResult is the outcome for a single transaction row.
type RowResult struct {
	Price     table.Cell
	Converted table.Cell
	Errs      []RowError
}

// Report summarizes a merge run.
type Report struct {
	Rows      int
	Matched   int // rows that found a rate for their date
	Unmatched int
	Failures  []RowError
}

// Err returns a *BatchError when any row failed, nil otherwise.
func (r *Report) Err() error {
	if len(r.Failures) == 0 {
		return nil
	}
	return &BatchError{Rows: r.Rows, Failures: r.Failures}
}

// Merge left-joins rates onto transactions by calendar date, normalizes the
// price column and appends the converted price. The result has exactly one
// row per transaction, in input order. A malformed cell only nulls the
// affected values of its own row; the failure is listed in the report.
func Merge(ctx context.Context, transactions, rates *table.Table, opts Options) (*table.Table, *Report, error) {
	log := logger.FromContext(ctx)
	report := &Report{Rows: transactions.Len()}

	tx := transactions.Clone()
	timestamps, err := tx.Column(opts.TimestampColumn)
	if err != nil {
		return nil, nil, fmt.Errorf("Merge: transactions: %w", err)
	}
	keys := make([]table.Cell, len(timestamps))
	for i, c := range timestamps {
		if !c.Valid {
			continue
		}
		d, err := TruncateDate(c.Value)
		if err != nil {
			report.Failures = append(report.Failures, RowError{Row: i, Column: opts.TimestampColumn, Value: c.Value, Err: err})
			continue
		}
		keys[i] = table.Str(d.String())
	}
	if err := tx.SetColumn(DateColumn, keys); err != nil {
		return nil, nil, fmt.Errorf("Merge: %w", err)
	}

	normalized, err := normalizeRates(ctx, rates, opts.RateColumn)
	if err != nil {
		return nil, nil, fmt.Errorf("Merge: %w", err)
	}

	joined, err := table.LeftJoin(tx, normalized, DateColumn, DateColumn)
	if err != nil {
		return nil, nil, fmt.Errorf("Merge: joining rates: %w", err)
	}
	if joined.Len() != tx.Len() {
		return nil, nil, fmt.Errorf("Merge: join produced %d rows for %d transactions", joined.Len(), tx.Len())
	}

	prices, err := joined.Column(opts.PriceColumn)
	if err != nil {
		return nil, nil, fmt.Errorf("Merge: transactions: %w", err)
	}
	rateCells, err := joined.Column(opts.RateColumn)
	if err != nil {
		return nil, nil, fmt.Errorf("Merge: joined table: %w", err)
	}

	parsed := ParsePrices(prices)
	priceOut := make([]table.Cell, joined.Len())
	converted := make([]table.Cell, joined.Len())
	for i := range parsed {
		res := convertRow(i, opts, prices[i], parsed[i], rateCells[i])
		priceOut[i] = res.Price
		converted[i] = res.Converted
		report.Failures = append(report.Failures, res.Errs...)
		if rateCells[i].Valid {
			report.Matched++
		} else {
			report.Unmatched++
		}
	}

	if err := joined.SetColumn(opts.PriceColumn, priceOut); err != nil {
		return nil, nil, fmt.Errorf("Merge: %w", err)
	}
	if err := joined.SetColumn(opts.ConvertedColumn, converted); err != nil {
		return nil, nil, fmt.Errorf("Merge: %w", err)
	}

	out, missing := joined.Drop(opts.DropColumns...)
	if len(missing) > 0 {
		log.Warn().Strs("columns", missing).Msg("Columns to drop not present")
	}

	for _, f := range report.Failures {
		log.Warn().
			Int("row", f.Row).
			Str("column", f.Column).
			Str("value", f.Value).
			Err(f.Err).
			Msg("Row failed to merge")
	}

	if opts.Strict {
		if err := report.Err(); err != nil {
			return nil, report, fmt.Errorf("Merge: %w", err)
		}
	}

	return out, report, nil
}

func convertRow(i int, opts Options, raw table.Cell, price PriceResult, rate table.Cell) RowResult {
	var res RowResult
	if price.Err != nil {
		res.Errs = append(res.Errs, RowError{Row: i, Column: opts.PriceColumn, Value: raw.Value, Err: price.Err})
	}
	if !price.Valid {
		return res
	}
	res.Price = table.Float(price.Value.InexactFloat64())

	if !rate.Valid {
		return res
	}
	r, err := decimal.NewFromString(rate.Value)
	if err != nil {
		res.Errs = append(res.Errs, RowError{Row: i, Column: opts.RateColumn, Value: rate.Value, Err: err})
		return res
	}
	res.Converted = table.Float(price.Value.Mul(r).InexactFloat64())
	return res
}

// normalizeRates truncates the rate dates and keeps the last row for each
// date so the join never duplicates a transaction.
func normalizeRates(ctx context.Context, rates *table.Table, rateColumn string) (*table.Table, error) {
	dateIdx := rates.Index(DateColumn)
	if dateIdx < 0 {
		return nil, fmt.Errorf("rates: column %q not found", DateColumn)
	}
	if !rates.Has(rateColumn) {
		return nil, fmt.Errorf("rates: column %q not found", rateColumn)
	}

	out := table.New(rates.Columns...)
	pos := make(map[string]int, rates.Len())
	var duplicates []string
	for _, row := range rates.Rows {
		cell := row[dateIdx]
		if !cell.Valid {
			continue
		}
		d, err := TruncateDate(cell.Value)
		if err != nil {
			return nil, fmt.Errorf("rates: %w", err)
		}
		key := d.String()

		nr := make(table.Row, len(row))
		copy(nr, row)
		nr[dateIdx] = table.Str(key)

		if p, ok := pos[key]; ok {
			out.Rows[p] = nr
			duplicates = append(duplicates, key)
			continue
		}
		pos[key] = len(out.Rows)
		out.Rows = append(out.Rows, nr)
	}

	if len(duplicates) > 0 {
		log := logger.FromContext(ctx)
		log.Warn().
			Strs("dates", duplicates).
			Msg("Duplicate rate dates, keeping the last value")
	}
	return out, nil
}

// Files reads the transaction and rate CSVs, merges them and writes the
// result to outputPath in the requested format.
func Files(ctx context.Context, transactionsPath, ratesPath, outputPath, format string, opts Options) (*Report, error) {
	tx, err := table.ReadCSV(transactionsPath)
	if err != nil {
		return nil, fmt.Errorf("Files: reading transactions: %w", err)
	}
	rates, err := table.ReadCSV(ratesPath)
	if err != nil {
		return nil, fmt.Errorf("Files: reading rates: %w", err)
	}

	out, report, err := Merge(ctx, tx, rates, opts)
	if err != nil {
		return report, err
	}

	switch format {
	case "", FormatCSV:
		err = table.WriteCSV(outputPath, out)
	case FormatParquet:
		err = table.WriteParquet(outputPath, out, opts.PriceColumn, opts.RateColumn, opts.ConvertedColumn)
	default:
		return report, fmt.Errorf("Files: unsupported output format %q", format)
	}
	if err != nil {
		return report, fmt.Errorf("Files: writing %s: %w", outputPath, err)
	}

	log := logger.FromContext(ctx)
	log.Info().
		Str("path", outputPath).
		Str("format", format).
		Int("rows", report.Rows).
		Int("matched", report.Matched).
		Int("failures", len(report.Failures)).
		Msg("Wrote merged output")

	return report, nil
}
