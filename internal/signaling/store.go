package signaling

import (
	"context"
	"sync"

	"github.com/example/roadside-dispatch/internal/models"
)

// Store is the shared presence/signaling surface: per-master presence
// nodes, per-(master,request) offer signals, and the per-request
// assignment mirror. Everything here is advisory, last-write-wins;
// durable decisions live in the request store, never here.
type Store interface {
	SetPresence(ctx context.Context, p models.Presence) error
	ClearPresence(ctx context.Context, masterID string) error
	Presence(ctx context.Context, masterID string) (models.Presence, bool, error)
	ActiveMasters(ctx context.Context) ([]models.Presence, error)

	PutSignal(ctx context.Context, s models.Signal) error
	Signals(ctx context.Context, masterID string) ([]models.Signal, error)
	ClearSignal(ctx context.Context, masterID, requestID string) error
	// ClearRequestSignals removes the signal for requestID from every
	// master's node: the sweep run on assign, cancel and missed.
	ClearRequestSignals(ctx context.Context, requestID string) error

	SetAssignment(ctx context.Context, a models.Assignment) error
	Assignment(ctx context.Context, requestID string) (models.Assignment, bool, error)
	ClearAssignment(ctx context.Context, requestID string) error
}

// MemoryStore is the in-process twin of the Redis store, used in tests
// and single-node local runs.
type MemoryStore struct {
	mu          sync.RWMutex
	presence    map[string]models.Presence
	signals     map[string]map[string]models.Signal // masterID -> requestID -> signal
	assignments map[string]models.Assignment
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		presence:    make(map[string]models.Presence),
		signals:     make(map[string]map[string]models.Signal),
		assignments: make(map[string]models.Assignment),
	}
}

func (m *MemoryStore) SetPresence(_ context.Context, p models.Presence) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.presence[p.MasterID] = p
	return nil
}

func (m *MemoryStore) ClearPresence(_ context.Context, masterID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.presence, masterID)
	return nil
}

func (m *MemoryStore) Presence(_ context.Context, masterID string) (models.Presence, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.presence[masterID]
	return p, ok, nil
}

func (m *MemoryStore) ActiveMasters(_ context.Context) ([]models.Presence, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Presence, 0, len(m.presence))
	for _, p := range m.presence {
		if p.Active {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *MemoryStore) PutSignal(_ context.Context, s models.Signal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.signals[s.MasterID] == nil {
		m.signals[s.MasterID] = make(map[string]models.Signal)
	}
	m.signals[s.MasterID][s.RequestID] = s
	return nil
}

func (m *MemoryStore) Signals(_ context.Context, masterID string) ([]models.Signal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Signal, 0, len(m.signals[masterID]))
	for _, s := range m.signals[masterID] {
		out = append(out, s)
	}
	return out, nil
}

func (m *MemoryStore) ClearSignal(_ context.Context, masterID, requestID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.signals[masterID], requestID)
	return nil
}

func (m *MemoryStore) ClearRequestSignals(_ context.Context, requestID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for masterID := range m.signals {
		delete(m.signals[masterID], requestID)
	}
	return nil
}

func (m *MemoryStore) SetAssignment(_ context.Context, a models.Assignment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.assignments[a.RequestID] = a
	return nil
}

func (m *MemoryStore) Assignment(_ context.Context, requestID string) (models.Assignment, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.assignments[requestID]
	return a, ok, nil
}

func (m *MemoryStore) ClearAssignment(_ context.Context, requestID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.assignments, requestID)
	return nil
}
