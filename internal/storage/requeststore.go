package storage

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/example/roadside-dispatch/internal/models"
)

var (
	// ErrNotFound means no request exists with the given id.
	ErrNotFound = errors.New("request not found")
	// ErrStatusConflict means a conditional transition missed: the
	// request was no longer in the expected predecessor status. This is
	// the store-level signal behind AlreadyAssigned and
	// InvalidTransition outcomes.
	ErrStatusConflict = errors.New("request status conflict")
)

// RequestStore owns the persistent Request record and its state
// machine. Every transition is conditional on the expected predecessor
// status; that conditional update is the protocol's single
// serialization point.
type RequestStore interface {
	Create(ctx context.Context, r *models.Request) error
	Get(ctx context.Context, id string) (*models.Request, error)
	// Transition advances id from -> to, failing with
	// ErrStatusConflict if the request is not currently in from.
	Transition(ctx context.Context, id string, from, to models.Status) error
	// Assign atomically claims a searching request for masterID.
	// Exactly one concurrent caller wins; the rest get
	// ErrStatusConflict.
	Assign(ctx context.Context, id, masterID string, distanceKm float64) error
	// ActiveByCustomer lists the customer's non-terminal requests,
	// used for resume after an app restart.
	ActiveByCustomer(ctx context.Context, customerID string) ([]*models.Request, error)
	// SaveRating records one party's post-completion rating; the
	// second write for the same (request, role) replaces the first.
	SaveRating(ctx context.Context, rating models.Rating) error
}

type MemoryStore struct {
	mu       sync.RWMutex
	requests map[string]*models.Request
	ratings  map[string]models.Rating // keyed by requestID+"/"+role
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		requests: make(map[string]*models.Request),
		ratings:  make(map[string]models.Rating),
	}
}

func (m *MemoryStore) Create(_ context.Context, r *models.Request) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *r
	m.requests[r.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*models.Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.requests[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) Transition(_ context.Context, id string, from, to models.Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[id]
	if !ok {
		return ErrNotFound
	}
	if r.Status != from {
		return ErrStatusConflict
	}
	r.Status = to
	r.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) Assign(_ context.Context, id, masterID string, distanceKm float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[id]
	if !ok {
		return ErrNotFound
	}
	if r.Status != models.StatusSearching {
		return ErrStatusConflict
	}
	r.Status = models.StatusAssigned
	r.MasterID = masterID
	r.DistanceKm = distanceKm
	r.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) SaveRating(_ context.Context, rating models.Rating) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.requests[rating.RequestID]; !ok {
		return ErrNotFound
	}
	m.ratings[rating.RequestID+"/"+rating.Role] = rating
	return nil
}

func (m *MemoryStore) ActiveByCustomer(_ context.Context, customerID string) ([]*models.Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.Request
	for _, r := range m.requests {
		if r.CustomerID == customerID && !r.Status.Terminal() {
			cp := *r
			out = append(out, &cp)
		}
	}
	return out, nil
}
