// Package rates fetches the daily conversion-rate series and reshapes it into
// a dated table.
package rates

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/dvloznov/audible-etl/internal/logger"
	"github.com/dvloznov/audible-etl/internal/table"
)

const (
	// DateColumn holds the date index promoted to an explicit column.
	DateColumn = "date"
	// RateColumn is the column used when the payload is a flat date->rate map.
	RateColumn = "conversion_rate"
)

// ErrMalformedPayload is returned when the response body cannot be read as a
// date-keyed rate series.
var ErrMalformedPayload = errors.New("malformed conversion rate payload")

// StatusError is returned for a non-2xx response.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("conversion rate endpoint returned %d: %s", e.StatusCode, e.Body)
}

// Series is the reshaped payload: one row per date, one value per column.
type Series struct {
	Columns []string
	Dates   []string
	Values  map[string]map[string]float64 // column -> date -> value
}

// Fetcher retrieves the current rate series.
type Fetcher interface {
	Fetch(ctx context.Context) (*Series, error)
}

// Client fetches the rate series from a fixed URL.
type Client struct {
	URL        string
	httpClient *http.Client
}

// NewClient creates a client for url. A nil httpClient uses a client with a
// 30 second timeout.
func NewClient(url string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{URL: url, httpClient: httpClient}
}

// Fetch issues a single GET and parses the response.
func (c *Client) Fetch(ctx context.Context) (*Series, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("Fetch: building request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("Fetch: GET %s: %w", c.URL, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("Fetch: reading body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		const maxBody = 512
		if len(body) > maxBody {
			body = body[:maxBody]
		}
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	series, err := Parse(body)
	if err != nil {
		return nil, fmt.Errorf("Fetch: %w", err)
	}

	log := logger.FromContext(ctx)
	log.Debug().
		Str("url", c.URL).
		Int("dates", len(series.Dates)).
		Msg("Fetched conversion rates")

	return series, nil
}

// Parse accepts either a column-oriented object
//
//	{"conversion_rate": {"2021-05-03": 31.5, ...}, ...}
//
// or a flat date map {"2021-05-03": 31.5, ...}, whose values become the
// conversion_rate column.
func Parse(body []byte) (*Series, error) {
	var raw map[string]json.RawMessage
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: empty object", ErrMalformedPayload)
	}

	series := &Series{Values: make(map[string]map[string]float64)}

	if isFlat(raw) {
		values := make(map[string]float64, len(raw))
		for date, v := range raw {
			f, err := parseNumber(v)
			if err != nil {
				return nil, fmt.Errorf("%w: date %q: %v", ErrMalformedPayload, date, err)
			}
			values[date] = f
		}
		series.Columns = []string{RateColumn}
		series.Values[RateColumn] = values
	} else {
		for col, v := range raw {
			var inner map[string]json.RawMessage
			if err := json.Unmarshal(v, &inner); err != nil {
				return nil, fmt.Errorf("%w: column %q is not a date map", ErrMalformedPayload, col)
			}
			values := make(map[string]float64, len(inner))
			for date, iv := range inner {
				f, err := parseNumber(iv)
				if err != nil {
					return nil, fmt.Errorf("%w: column %q date %q: %v", ErrMalformedPayload, col, date, err)
				}
				values[date] = f
			}
			series.Columns = append(series.Columns, col)
			series.Values[col] = values
		}
		sortColumns(series.Columns)
	}

	seen := make(map[string]bool)
	for _, col := range series.Columns {
		for date := range series.Values[col] {
			if !seen[date] {
				seen[date] = true
				series.Dates = append(series.Dates, date)
			}
		}
	}
	if len(series.Dates) == 0 {
		return nil, fmt.Errorf("%w: no dates", ErrMalformedPayload)
	}
	sort.Strings(series.Dates)

	return series, nil
}

// Table materializes the series with the date index as the first column.
// A date missing from one column yields a null cell in that column.
func (s *Series) Table() *table.Table {
	t := table.New(append([]string{DateColumn}, s.Columns...)...)
	for _, date := range s.Dates {
		row := make(table.Row, 0, len(t.Columns))
		row = append(row, table.Str(date))
		for _, col := range s.Columns {
			if v, ok := s.Values[col][date]; ok {
				row = append(row, table.Float(v))
			} else {
				row = append(row, table.Null)
			}
		}
		t.Rows = append(t.Rows, row)
	}
	return t
}

// Write fetches the series and writes it to path as CSV.
func Write(ctx context.Context, f Fetcher, path string) (*table.Table, error) {
	series, err := f.Fetch(ctx)
	if err != nil {
		return nil, err
	}

	t := series.Table()
	if err := table.WriteCSV(path, t); err != nil {
		return nil, fmt.Errorf("Write: writing %s: %w", path, err)
	}

	log := logger.FromContext(ctx)
	log.Info().
		Str("path", path).
		Int("rows", t.Len()).
		Msg("Wrote conversion rates")

	return t, nil
}

// isFlat reports whether every value of the object is a scalar.
func isFlat(raw map[string]json.RawMessage) bool {
	for _, v := range raw {
		trimmed := bytes.TrimSpace(v)
		if len(trimmed) > 0 && trimmed[0] == '{' {
			return false
		}
	}
	return true
}

func parseNumber(v json.RawMessage) (float64, error) {
	var n json.Number
	if err := json.Unmarshal(v, &n); err != nil {
		return 0, fmt.Errorf("rate is not a number: %s", string(v))
	}
	return strconv.ParseFloat(n.String(), 64)
}

// sortColumns orders columns with conversion_rate first, then by name.
func sortColumns(cols []string) {
	sort.Slice(cols, func(i, j int) bool {
		if cols[i] == RateColumn || cols[j] == RateColumn {
			return cols[i] == RateColumn
		}
		return cols[i] < cols[j]
	})
}
