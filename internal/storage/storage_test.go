package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"testing/iotest"
)

// memBucket keeps objects in memory; a write becomes visible on Close.
type memBucket struct {
	mu       sync.Mutex
	objects  map[string][]byte
	closeErr error
	readErr  error
}

func newMemBucket() *memBucket {
	return &memBucket{objects: make(map[string][]byte)}
}

type memWriter struct {
	b      *memBucket
	object string
	buf    bytes.Buffer
}

func (w *memWriter) Write(p []byte) (int, error) { return w.buf.Write(p) }

func (w *memWriter) Close() error {
	if w.b.closeErr != nil {
		return w.b.closeErr
	}
	w.b.mu.Lock()
	defer w.b.mu.Unlock()
	w.b.objects[w.object] = w.buf.Bytes()
	return nil
}

func (b *memBucket) NewWriter(ctx context.Context, object string) io.WriteCloser {
	return &memWriter{b: b, object: object}
}

func (b *memBucket) NewReader(ctx context.Context, object string) (io.ReadCloser, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.objects[object]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrObjectNotFound, object)
	}
	if b.readErr != nil {
		return io.NopCloser(io.MultiReader(bytes.NewReader(data), iotest.ErrReader(b.readErr))), nil
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func TestPutGetRoundTrip(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "output.csv")
	if err := os.WriteFile(src, []byte("a,b\n1,2\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	var out bytes.Buffer
	s := newStore("datalake-audible", newMemBucket(), &out)
	ctx := context.Background()

	if err := s.Put(ctx, src, "data/output.csv"); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	dst := filepath.Join(dir, "nested", "copy.csv")
	if err := s.Get(ctx, "data/output.csv", dst); err != nil {
		t.Fatalf("Get failed: %v", err)
	}

	got, err := os.ReadFile(dst)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "a,b\n1,2\n" {
		t.Errorf("downloaded content = %q", got)
	}

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("confirmation lines = %q", out.String())
	}
	if want := fmt.Sprintf("File %s uploaded to data/output.csv.", src); lines[0] != want {
		t.Errorf("upload line = %q, want %q", lines[0], want)
	}
	if want := fmt.Sprintf("Downloaded storage object data/output.csv from bucket datalake-audible to local file %s.", dst); lines[1] != want {
		t.Errorf("download line = %q, want %q", lines[1], want)
	}
}

func TestPutErrors(t *testing.T) {
	var out bytes.Buffer
	b := newMemBucket()
	s := newStore("bkt", b, &out)

	if err := s.Put(context.Background(), filepath.Join(t.TempDir(), "missing.csv"), "x"); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("Put(missing file) error = %v, want os.ErrNotExist", err)
	}

	src := filepath.Join(t.TempDir(), "f.csv")
	if err := os.WriteFile(src, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	denied := errors.New("403 forbidden")
	b.closeErr = denied
	if err := s.Put(context.Background(), src, "x"); !errors.Is(err, denied) {
		t.Errorf("Put error = %v, want wrapped %v", err, denied)
	}
	if out.Len() != 0 {
		t.Errorf("no confirmation expected on failure, got %q", out.String())
	}
}

func TestGetMissingObject(t *testing.T) {
	var out bytes.Buffer
	s := newStore("bkt", newMemBucket(), &out)
	dst := filepath.Join(t.TempDir(), "f.csv")

	err := s.Get(context.Background(), "nope.csv", dst)
	if !errors.Is(err, ErrObjectNotFound) {
		t.Fatalf("Get error = %v, want ErrObjectNotFound", err)
	}
	if _, statErr := os.Stat(dst); !errors.Is(statErr, os.ErrNotExist) {
		t.Error("local file must not be created when the object is missing")
	}
	if out.Len() != 0 {
		t.Errorf("no confirmation expected on failure, got %q", out.String())
	}
}

func TestGetInterruptedDownload(t *testing.T) {
	var out bytes.Buffer
	b := newMemBucket()
	b.objects["data/output.csv"] = []byte("a,b\n1,2\n")
	reset := errors.New("connection reset")
	b.readErr = reset
	s := newStore("bkt", b, &out)
	dst := filepath.Join(t.TempDir(), "output.csv")

	if err := s.Get(context.Background(), "data/output.csv", dst); !errors.Is(err, reset) {
		t.Fatalf("Get error = %v, want wrapped %v", err, reset)
	}
	if _, statErr := os.Stat(dst); !errors.Is(statErr, os.ErrNotExist) {
		t.Error("partial download must be removed")
	}
	if out.Len() != 0 {
		t.Errorf("no confirmation expected on failure, got %q", out.String())
	}
}

func TestParseURI(t *testing.T) {
	tests := []struct {
		uri     string
		bucket  string
		object  string
		wantErr bool
	}{
		{"gs://datalake-audible/data/output.csv", "datalake-audible", "data/output.csv", false},
		{"gs://b/o", "b", "o", false},
		{"gs://b", "", "", true},
		{"gs://b/", "", "", true},
		{"s3://b/o", "", "", true},
		{"", "", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.uri, func(t *testing.T) {
			bucket, object, err := ParseURI(tt.uri)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseURI(%q) error = %v, wantErr %v", tt.uri, err, tt.wantErr)
			}
			if bucket != tt.bucket || object != tt.object {
				t.Errorf("ParseURI(%q) = %q, %q", tt.uri, bucket, object)
			}
		})
	}
}

func TestURIHelpers(t *testing.T) {
	if got := URI("b", "/data/output.csv"); got != "gs://b/data/output.csv" {
		t.Errorf("URI = %q", got)
	}
	s := newStore("b", newMemBucket(), nil)
	if got := s.URI("data/output.csv"); got != "gs://b/data/output.csv" {
		t.Errorf("store URI = %q", got)
	}
}
