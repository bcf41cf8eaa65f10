// Package storage moves files between the local filesystem and a single
// object-store bucket.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	gcs "cloud.google.com/go/storage"
	"google.golang.org/api/option"

	"github.com/dvloznov/audible-etl/internal/logger"
)

// ErrObjectNotFound is returned by Get when the remote object does not exist.
var ErrObjectNotFound = errors.New("object not found")

// BlobStore provides file transfers against one bucket.
// This interface enables mocking of the object store in pipeline tests.
type BlobStore interface {
	// Put uploads a local file under the given object name.
	Put(ctx context.Context, localPath, remoteName string) error

	// Get downloads an object into a local file, creating or truncating it.
	Get(ctx context.Context, remoteName, localPath string) error

	// URI returns the gs:// URI of an object in the store's bucket.
	URI(remoteName string) string
}

// bucket is the slice of the GCS bucket handle the store needs.
type bucket interface {
	NewWriter(ctx context.Context, object string) io.WriteCloser
	NewReader(ctx context.Context, object string) (io.ReadCloser, error)
}

type gcsBucket struct {
	handle *gcs.BucketHandle
}

func (b gcsBucket) NewWriter(ctx context.Context, object string) io.WriteCloser {
	return b.handle.Object(object).NewWriter(ctx)
}

func (b gcsBucket) NewReader(ctx context.Context, object string) (io.ReadCloser, error) {
	r, err := b.handle.Object(object).NewReader(ctx)
	if errors.Is(err, gcs.ErrObjectNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrObjectNotFound, object)
	}
	return r, err
}

// GCSStore is the BlobStore backed by Google Cloud Storage.
type GCSStore struct {
	Bucket string

	client *gcs.Client
	bucket bucket
	out    io.Writer
	// per-transfer deadline
	timeout time.Duration
}

// NewGCSStore creates a store for bucketName. Credentials come from
// credentialsFile when set, otherwise from Application Default Credentials.
// Confirmation lines are printed to out.
func NewGCSStore(ctx context.Context, bucketName, credentialsFile string, out io.Writer) (*GCSStore, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}

	client, err := gcs.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create storage client: %w", err)
	}

	s := newStore(bucketName, gcsBucket{handle: client.Bucket(bucketName)}, out)
	s.client = client
	return s, nil
}

func newStore(bucketName string, b bucket, out io.Writer) *GCSStore {
	if out == nil {
		out = io.Discard
	}
	return &GCSStore{
		Bucket:  bucketName,
		bucket:  b,
		out:     out,
		timeout: 2 * time.Minute,
	}
}

// Close releases the underlying client.
func (s *GCSStore) Close() error {
	if s.client == nil {
		return nil
	}
	return s.client.Close()
}

// URI returns the gs:// URI of remoteName in the store's bucket.
func (s *GCSStore) URI(remoteName string) string {
	return URI(s.Bucket, remoteName)
}

// Put uploads localPath to remoteName.
func (s *GCSStore) Put(ctx context.Context, localPath, remoteName string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("open file %q: %w", localPath, err)
	}
	defer f.Close()

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	w := s.bucket.NewWriter(ctx, remoteName)
	if _, err := io.Copy(w, f); err != nil {
		_ = w.Close()
		return fmt.Errorf("copy file to GCS writer: %w", err)
	}

	// Close finalizes the upload
	if err := w.Close(); err != nil {
		return fmt.Errorf("finalize upload: %w", err)
	}

	log := logger.FromContext(ctx)
	log.Debug().
		Str("bucket", s.Bucket).
		Str("object", remoteName).
		Str("file", localPath).
		Msg("Uploaded file")

	fmt.Fprintf(s.out, "File %s uploaded to %s.\n", localPath, remoteName)
	return nil
}

// Get downloads remoteName into localPath.
func (s *GCSStore) Get(ctx context.Context, remoteName, localPath string) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	r, err := s.bucket.NewReader(ctx, remoteName)
	if err != nil {
		return fmt.Errorf("open GCS object reader %s/%s: %w", s.Bucket, remoteName, err)
	}
	defer r.Close()

	if dir := filepath.Dir(localPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}

	f, err := os.Create(localPath)
	if err != nil {
		return fmt.Errorf("create file %q: %w", localPath, err)
	}

	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		os.Remove(localPath)
		return fmt.Errorf("read GCS object: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(localPath)
		return fmt.Errorf("close file %q: %w", localPath, err)
	}

	log := logger.FromContext(ctx)
	log.Debug().
		Str("bucket", s.Bucket).
		Str("object", remoteName).
		Str("file", localPath).
		Msg("Downloaded file")

	fmt.Fprintf(s.out, "Downloaded storage object %s from bucket %s to local file %s.\n", remoteName, s.Bucket, localPath)
	return nil
}
