package rates

import (
	"context"
	"errors"
	"net/http"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/jarcoal/httpmock"

	"github.com/dvloznov/audible-etl/internal/table"
)

const testURL = "http://rates.example.test/usd_thb_conversion_rate"

func newMockedClient(responder httpmock.Responder) (*Client, *httpmock.MockTransport) {
	transport := httpmock.NewMockTransport()
	transport.RegisterResponder(http.MethodGet, testURL, responder)
	return NewClient(testURL, &http.Client{Transport: transport}), transport
}

func TestFetchColumnOriented(t *testing.T) {
	client, transport := newMockedClient(httpmock.NewStringResponder(http.StatusOK,
		`{"conversion_rate": {"2021-05-04": 31.2, "2021-05-03": 31.5}}`))

	series, err := client.Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if transport.GetTotalCallCount() != 1 {
		t.Errorf("calls = %d, want exactly one request", transport.GetTotalCallCount())
	}

	got := series.Table()
	want := table.New("date", "conversion_rate")
	want.Rows = []table.Row{
		{table.Str("2021-05-03"), table.Str("31.5")},
		{table.Str("2021-05-04"), table.Str("31.2")},
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Table() = %+v, want %+v", got, want)
	}
}

func TestFetchFlatMap(t *testing.T) {
	client, _ := newMockedClient(httpmock.NewStringResponder(http.StatusOK,
		`{"2021-05-03": 31, "2021-05-01": "30.75"}`))

	series, err := client.Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}

	got := series.Table()
	if !reflect.DeepEqual(got.Columns, []string{"date", "conversion_rate"}) {
		t.Fatalf("columns = %v", got.Columns)
	}
	if got.Rows[0][0].Value != "2021-05-01" || got.Rows[0][1].Value != "30.75" {
		t.Errorf("row 0 = %+v", got.Rows[0])
	}
	if got.Rows[1][1].Value != "31.0" {
		t.Errorf("integral rate = %q, want 31.0", got.Rows[1][1].Value)
	}
}

func TestFetchExtraColumns(t *testing.T) {
	client, _ := newMockedClient(httpmock.NewStringResponder(http.StatusOK,
		`{"inverse": {"2021-05-03": 0.0317}, "conversion_rate": {"2021-05-03": 31.5, "2021-05-04": 31.2}}`))

	series, err := client.Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}

	got := series.Table()
	if !reflect.DeepEqual(got.Columns, []string{"date", "conversion_rate", "inverse"}) {
		t.Fatalf("columns = %v", got.Columns)
	}
	if got.Rows[1][2].Valid {
		t.Errorf("inverse for 2021-05-04 = %+v, want null", got.Rows[1][2])
	}
}

func TestFetchFailures(t *testing.T) {
	tests := []struct {
		name      string
		responder httpmock.Responder
		check     func(t *testing.T, err error)
	}{
		{
			name:      "server error",
			responder: httpmock.NewStringResponder(http.StatusInternalServerError, "boom"),
			check: func(t *testing.T, err error) {
				var se *StatusError
				if !errors.As(err, &se) || se.StatusCode != http.StatusInternalServerError {
					t.Errorf("error = %v, want StatusError 500", err)
				}
			},
		},
		{
			name:      "not found",
			responder: httpmock.NewStringResponder(http.StatusNotFound, ""),
			check: func(t *testing.T, err error) {
				var se *StatusError
				if !errors.As(err, &se) || se.StatusCode != http.StatusNotFound {
					t.Errorf("error = %v, want StatusError 404", err)
				}
			},
		},
		{
			name:      "not json",
			responder: httpmock.NewStringResponder(http.StatusOK, "<html>"),
			check:     wantMalformed,
		},
		{
			name:      "empty object",
			responder: httpmock.NewStringResponder(http.StatusOK, "{}"),
			check:     wantMalformed,
		},
		{
			name:      "non numeric rate",
			responder: httpmock.NewStringResponder(http.StatusOK, `{"conversion_rate": {"2021-05-03": "abc"}}`),
			check:     wantMalformed,
		},
		{
			name:      "null rate",
			responder: httpmock.NewStringResponder(http.StatusOK, `{"2021-05-03": null}`),
			check:     wantMalformed,
		},
		{
			name:      "mixed shapes",
			responder: httpmock.NewStringResponder(http.StatusOK, `{"conversion_rate": {"2021-05-03": 1}, "x": 2}`),
			check:     wantMalformed,
		},
		{
			name:      "transport error",
			responder: httpmock.NewErrorResponder(errors.New("dial tcp: connection refused")),
			check: func(t *testing.T, err error) {
				if err == nil {
					t.Error("expected transport error")
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, _ := newMockedClient(tt.responder)
			series, err := client.Fetch(context.Background())
			if series != nil {
				t.Errorf("expected no series on failure, got %+v", series)
			}
			tt.check(t, err)
		})
	}
}

func wantMalformed(t *testing.T, err error) {
	t.Helper()
	if !errors.Is(err, ErrMalformedPayload) {
		t.Errorf("error = %v, want ErrMalformedPayload", err)
	}
}

func TestWrite(t *testing.T) {
	client, _ := newMockedClient(httpmock.NewStringResponder(http.StatusOK,
		`{"conversion_rate": {"2021-05-03": 31.5}}`))
	path := filepath.Join(t.TempDir(), "conversion_rate.csv")

	if _, err := Write(context.Background(), client, path); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	got, err := table.ReadCSV(path)
	if err != nil {
		t.Fatalf("ReadCSV: %v", err)
	}
	if got.Len() != 1 || got.Rows[0][1].Value != "31.5" {
		t.Errorf("written table = %+v", got)
	}
}
