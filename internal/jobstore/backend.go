package jobstore

import (
	"context"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
)

// Backend is the byte-level storage contract behind a Store.
//
// # Thread-Safety Requirements
//
// Implementations MUST be safe for concurrent use. Writes to the same key are
// last-writer-wins; writes to different keys must not interfere.
type Backend interface {
	// Put stores value under key, replacing any previous value. It must not
	// return nil until the value would survive a process restart.
	Put(ctx context.Context, key string, value []byte) error

	// Get returns the value under key. A missing key is found=false with a nil
	// error.
	Get(ctx context.Context, key string) (value []byte, found bool, err error)

	// List returns every key starting with prefix in lexical order.
	List(ctx context.Context, prefix string) ([]string, error)

	// Close releases the backend. Further calls are undefined.
	Close() error
}

// Open returns the backend for a job-store URI:
//
//	file://<dir>            one JSON file per key under dir
//	pebble://<dir>          embedded pebble database at dir
//	s3://<bucket>/<prefix>  objects under an S3 prefix
//	mem://                  process memory
//
// A bare path without a scheme is treated as file://.
func Open(ctx context.Context, uri string) (Backend, error) {
	scheme, rest, ok := strings.Cut(uri, "://")
	if !ok {
		scheme, rest = "file", uri
	}
	switch scheme {
	case "file":
		return openFile(localPath(rest))
	case "pebble":
		return openPebble(ctx, localPath(rest))
	case "s3":
		return openS3(uri)
	case "mem":
		return NewMemory(), nil
	}
	return nil, fmt.Errorf("unsupported job store scheme %q in %q", scheme, uri)
}

// localPath accepts both file:///abs and file://./rel forms.
func localPath(rest string) string {
	if u, err := url.PathUnescape(rest); err == nil {
		rest = u
	}
	return filepath.Clean(rest)
}
