package jobstore

import (
	"bytes"
	"context"
	"sort"
	"strings"
	"sync"
)

// Memory is an ephemeral Backend. It is durable only for the lifetime of the
// process, which makes it useful for dry runs and tests that reopen a Store
// over the same backend to simulate a restart.
type Memory struct {
	mu   sync.RWMutex
	data map[string][]byte
	// failing makes every operation return the error, for fault injection.
	failing error
}

// NewMemory returns an empty in-memory backend.
func NewMemory() *Memory {
	return &Memory{data: make(map[string][]byte)}
}

// FailWith makes every subsequent call return err. A nil err heals the backend.
func (m *Memory) FailWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failing = err
}

func (m *Memory) Put(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failing != nil {
		return m.failing
	}
	m.data[key] = bytes.Clone(value)
	return nil
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.failing != nil {
		return nil, false, m.failing
	}
	value, ok := m.data[key]
	if !ok {
		return nil, false, nil
	}
	return bytes.Clone(value), true, nil
}

func (m *Memory) List(_ context.Context, prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.failing != nil {
		return nil, m.failing
	}
	var keys []string
	for k := range m.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Close is a no-op so that a test can reopen a Store over the same Memory.
func (m *Memory) Close() error {
	return nil
}
