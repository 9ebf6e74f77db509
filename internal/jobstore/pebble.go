package jobstore

import (
	"bytes"
	"context"
	"errors"

	"github.com/cockroachdb/pebble"
	"github.com/vk/rnaflow/internal/ctxlog"
)

// pebbleBackend keeps records in an embedded pebble database. Pebble handles
// its own locking, so the backend adds none.
type pebbleBackend struct {
	db *pebble.DB
}

func openPebble(ctx context.Context, dir string) (*pebbleBackend, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, err
	}
	ctxlog.FromContext(ctx).Debug("Opened pebble job store.", "dir", dir)
	return &pebbleBackend{db: db}, nil
}

func (b *pebbleBackend) Put(_ context.Context, key string, value []byte) error {
	return b.db.Set([]byte(key), value, pebble.Sync)
}

func (b *pebbleBackend) Get(_ context.Context, key string) ([]byte, bool, error) {
	value, closer, err := b.db.Get([]byte(key))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	defer closer.Close()
	// value is only valid until closer is closed.
	return bytes.Clone(value), true, nil
}

func (b *pebbleBackend) List(_ context.Context, prefix string) ([]string, error) {
	opts := &pebble.IterOptions{LowerBound: []byte(prefix), UpperBound: upperBound([]byte(prefix))}
	iter, err := b.db.NewIter(opts)
	if err != nil {
		return nil, err
	}
	var keys []string
	for iter.First(); iter.Valid(); iter.Next() {
		keys = append(keys, string(iter.Key()))
	}
	if err := iter.Close(); err != nil {
		return nil, err
	}
	return keys, nil
}

func (b *pebbleBackend) Close() error {
	return b.db.Close()
}

// upperBound returns the smallest key greater than every key with the given
// prefix, or nil for an unbounded scan.
func upperBound(prefix []byte) []byte {
	end := bytes.Clone(prefix)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}
