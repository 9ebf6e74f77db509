package jobstore

import (
	"context"
	"strings"

	"github.com/vk/rnaflow/internal/blob"
)

// s3Backend stores each key as one object. S3 gives read-after-write
// consistency, which is all the store needs.
type s3Backend struct {
	bucket *blob.Bucket
}

func openS3(uri string) (*s3Backend, error) {
	bucket, err := blob.Open(uri)
	if err != nil {
		return nil, err
	}
	return &s3Backend{bucket: bucket}, nil
}

// NewS3 returns a backend over an existing bucket.
func NewS3(bucket *blob.Bucket) Backend {
	return &s3Backend{bucket: bucket}
}

func (b *s3Backend) Put(ctx context.Context, key string, value []byte) error {
	return b.bucket.Put(ctx, key+fileExt, value)
}

func (b *s3Backend) Get(ctx context.Context, key string) ([]byte, bool, error) {
	return b.bucket.Get(ctx, key+fileExt)
}

func (b *s3Backend) List(ctx context.Context, prefix string) ([]string, error) {
	objects, err := b.bucket.List(ctx, prefix)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(objects))
	for _, obj := range objects {
		if strings.HasSuffix(obj, fileExt) {
			keys = append(keys, strings.TrimSuffix(obj, fileExt))
		}
	}
	return keys, nil
}

func (b *s3Backend) Close() error {
	return nil
}
