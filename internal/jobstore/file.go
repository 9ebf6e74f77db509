package jobstore

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"go.uber.org/multierr"
)

const (
	fileExt       = ".json"
	tempPrefix    = ".tmp-"
	dirPermission = 0o755
)

// fileBackend stores one file per key under root. Keys map to relative
// paths, so `S1/align` lives at <root>/S1/align.json.
type fileBackend struct {
	root string
	mu   sync.Mutex
}

func openFile(root string) (*fileBackend, error) {
	if err := os.MkdirAll(root, dirPermission); err != nil {
		return nil, err
	}
	return &fileBackend{root: root}, nil
}

func (b *fileBackend) path(key string) string {
	return filepath.Join(b.root, filepath.FromSlash(key)+fileExt)
}

// Put writes to a temp file in the target directory, fsyncs it, renames it
// over the target and fsyncs the directory so the rename itself is durable.
func (b *fileBackend) Put(_ context.Context, key string, value []byte) (err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	target := b.path(key)
	dir := filepath.Dir(target)
	if err := os.MkdirAll(dir, dirPermission); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, tempPrefix+"*")
	if err != nil {
		return err
	}
	renamed := false
	defer func() {
		if err != nil && !renamed {
			err = multierr.Append(err, os.Remove(tmp.Name()))
		}
	}()
	if _, err = tmp.Write(value); err != nil {
		return multierr.Append(err, tmp.Close())
	}
	if err = tmp.Sync(); err != nil {
		return multierr.Append(err, tmp.Close())
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	if err = os.Rename(tmp.Name(), target); err != nil {
		return err
	}
	renamed = true
	return syncDir(dir)
}

// syncDir is a variable so tests can make it fail.
var syncDir = func(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	return multierr.Append(d.Sync(), d.Close())
}

func (b *fileBackend) Get(_ context.Context, key string) ([]byte, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	data, err := os.ReadFile(b.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

func (b *fileBackend) List(_ context.Context, prefix string) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var keys []string
	err := filepath.WalkDir(b.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		name := d.Name()
		if d.IsDir() || strings.HasPrefix(name, tempPrefix) || !strings.HasSuffix(name, fileExt) {
			return nil
		}
		rel, err := filepath.Rel(b.root, p)
		if err != nil {
			return err
		}
		key := strings.TrimSuffix(filepath.ToSlash(rel), fileExt)
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(keys)
	return keys, nil
}

func (b *fileBackend) Close() error {
	return nil
}
