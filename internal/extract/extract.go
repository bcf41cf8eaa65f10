// Package extract pulls the transaction and book tables from the relational
// source and joins them into the wide transaction table.
package extract

import (
	"context"
	"fmt"

	"github.com/dvloznov/audible-etl/internal/logger"
	"github.com/dvloznov/audible-etl/internal/table"
)

// Options names the source relations, join keys and output location.
type Options struct {
	TransactionsTable string
	BooksTable        string
	TransactionKey    string
	BookKey           string
	OutputPath        string
}

// Transactions reads both relations and left-joins books onto transactions.
// Every transaction row is kept; books without a match contribute nulls.
func Transactions(ctx context.Context, src Source, opts Options) (*table.Table, error) {
	log := logger.FromContext(ctx)

	tx, err := src.Query(ctx, selectAll(opts.TransactionsTable))
	if err != nil {
		return nil, fmt.Errorf("Transactions: querying %s: %w", opts.TransactionsTable, err)
	}
	books, err := src.Query(ctx, selectAll(opts.BooksTable))
	if err != nil {
		return nil, fmt.Errorf("Transactions: querying %s: %w", opts.BooksTable, err)
	}

	log.Debug().
		Int("transactions", tx.Len()).
		Int("books", books.Len()).
		Msg("Fetched source tables")

	joined, err := table.LeftJoin(tx, books, opts.TransactionKey, opts.BookKey)
	if err != nil {
		return nil, fmt.Errorf("Transactions: joining: %w", err)
	}
	return joined, nil
}

// Extract runs Transactions and writes the result to opts.OutputPath as CSV.
func Extract(ctx context.Context, src Source, opts Options) (*table.Table, error) {
	joined, err := Transactions(ctx, src, opts)
	if err != nil {
		return nil, err
	}

	if err := table.WriteCSV(opts.OutputPath, joined); err != nil {
		return nil, fmt.Errorf("Extract: writing %s: %w", opts.OutputPath, err)
	}

	log := logger.FromContext(ctx)
	log.Info().
		Str("path", opts.OutputPath).
		Int("rows", joined.Len()).
		Msg("Wrote transactions")

	return joined, nil
}

func selectAll(relation string) string {
	return fmt.Sprintf("SELECT * FROM %s", relation)
}
