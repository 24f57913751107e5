// Package blob reads card content stored as objects in Google Cloud Storage.
package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"cloud.google.com/go/storage"

	"github.com/austindbirch/harbor_notify/internal/store"
)

// MaxCardSize bounds how much of an object is read.
const MaxCardSize = 8 << 20

type opener func(ctx context.Context, bucket, name string) (io.ReadCloser, error)

// Reader implements store.BlobReader.
type Reader struct {
	bucket string
	prefix string
	open   opener
	close  func() error
}

// New connects with application default credentials.
func New(ctx context.Context, bucket, prefix string) (*Reader, error) {
	if bucket == "" {
		return nil, errors.New("blob: bucket is required")
	}
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("blob: create storage client: %w", err)
	}
	return &Reader{
		bucket: bucket,
		prefix: prefix,
		open: func(ctx context.Context, bucket, name string) (io.ReadCloser, error) {
			return client.Bucket(bucket).Object(name).NewReader(ctx)
		},
		close: client.Close,
	}, nil
}

// ObjectName joins the configured prefix and name, keeping names that
// already carry the prefix as they are.
func (r *Reader) ObjectName(name string) string {
	name = strings.TrimLeft(name, "/")
	if r.prefix == "" || strings.HasPrefix(name, r.prefix) {
		return name
	}
	return strings.TrimRight(r.prefix, "/") + "/" + name
}

func (r *Reader) ReadCard(ctx context.Context, name string) ([]byte, error) {
	object := r.ObjectName(name)
	rc, err := r.open(ctx, r.bucket, object)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, fmt.Errorf("blob: gs://%s/%s: %w", r.bucket, object, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("blob: open gs://%s/%s: %w", r.bucket, object, err)
	}
	defer rc.Close()

	data, err := io.ReadAll(io.LimitReader(rc, MaxCardSize+1))
	if err != nil {
		return nil, fmt.Errorf("blob: read gs://%s/%s: %w", r.bucket, object, err)
	}
	if len(data) > MaxCardSize {
		return nil, fmt.Errorf("blob: gs://%s/%s exceeds %d bytes", r.bucket, object, MaxCardSize)
	}
	return data, nil
}

func (r *Reader) Close() error {
	if r.close == nil {
		return nil
	}
	return r.close()
}
