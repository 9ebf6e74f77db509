// Package resource admits stage executions against a fixed capacity of cores,
// memory, scratch disk and worker slots.
package resource

import (
	"sync"

	"github.com/vk/rnaflow/internal/flowerr"
	"github.com/vk/rnaflow/internal/metrics"
	"github.com/vk/rnaflow/internal/model"
)

// Token is proof of one admitted requirement. The zero Token is never issued.
type Token struct {
	id  uint64
	req model.Requirement
}

// Requirement returns what the token holds.
func (t Token) Requirement() model.Requirement {
	return t.req
}

// Usage is a snapshot of held resources.
type Usage struct {
	Cores  int
	Memory int64
	Disk   int64
	Slots  int
}

// Manager performs admission with test-and-set semantics: the fit check and
// the accounting update happen under one lock, so concurrent callers can
// never jointly exceed capacity.
type Manager struct {
	capacity model.Capacity
	metrics  *metrics.Metrics

	mu      sync.Mutex
	used    Usage
	nextID  uint64
	held    map[uint64]model.Requirement
	changed chan struct{}
}

// NewManager returns a manager for the given capacity. m may be nil.
func NewManager(capacity model.Capacity, m *metrics.Metrics) *Manager {
	if capacity.Slots <= 0 {
		capacity.Slots = capacity.Cores
	}
	return &Manager{
		capacity: capacity,
		metrics:  m,
		held:     make(map[uint64]model.Requirement),
		changed:  make(chan struct{}),
	}
}

// Capacity returns the configured totals.
func (m *Manager) Capacity() model.Capacity {
	return m.capacity
}

// Fits reports ErrResourceOversized when req can never be admitted, even on
// an idle manager.
func (m *Manager) Fits(kind model.StageKind, req model.Requirement) error {
	if req.Exceeds(m.capacity) || m.capacity.Slots < 1 {
		return flowerr.ErrResourceOversized.GenWithStackByArgs(kind, req, m.capacity)
	}
	return nil
}

// TryAcquire admits req if it fits in what is currently free. A refusal is
// (Token{}, false, nil) and means "try again after the next release". An
// oversized requirement is an error instead of a refusal, because waiting
// would never help.
func (m *Manager) TryAcquire(kind model.StageKind, req model.Requirement) (Token, bool, error) {
	if err := m.Fits(kind, req); err != nil {
		return Token{}, false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.used.Slots+1 > m.capacity.Slots ||
		m.used.Cores+req.Cores > m.capacity.Cores ||
		m.used.Memory+req.Memory > m.capacity.Memory ||
		(m.capacity.Disk > 0 && m.used.Disk+req.Disk > m.capacity.Disk) {
		return Token{}, false, nil
	}

	m.nextID++
	m.held[m.nextID] = req
	m.used.Slots++
	m.used.Cores += req.Cores
	m.used.Memory += req.Memory
	m.used.Disk += req.Disk
	m.report()
	return Token{id: m.nextID, req: req}, true, nil
}

// Release returns a token's resources and wakes everyone waiting on Changed.
// Releasing the same token twice, or the zero Token, is a no-op.
func (m *Manager) Release(t Token) {
	m.mu.Lock()
	defer m.mu.Unlock()

	req, ok := m.held[t.id]
	if !ok {
		return
	}
	delete(m.held, t.id)
	m.used.Slots--
	m.used.Cores -= req.Cores
	m.used.Memory -= req.Memory
	m.used.Disk -= req.Disk
	m.report()

	close(m.changed)
	m.changed = make(chan struct{})
}

// Changed returns a channel that is closed at the next Release. Callers must
// fetch a fresh channel after each wake-up.
func (m *Manager) Changed() <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.changed
}

// Usage returns the currently held totals.
func (m *Manager) Usage() Usage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.used
}

// report must be called with mu held.
func (m *Manager) report() {
	if m.metrics == nil {
		return
	}
	m.metrics.CoresInUse.Set(float64(m.used.Cores))
	m.metrics.MemoryInUse.Set(float64(m.used.Memory))
	m.metrics.DiskInUse.Set(float64(m.used.Disk))
	m.metrics.SlotsInUse.Set(float64(m.used.Slots))
}
