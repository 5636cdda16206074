package dispatch

import (
	"context"
	"errors"
	"sync"

	"github.com/example/roadside-dispatch/internal/models"
)

var ErrUnknownMaster = errors.New("unknown master")

// MemoryDirectory holds master profiles registered at duty time. A
// production deployment would back this with the onboarding service;
// the contract is the same either way.
type MemoryDirectory struct {
	mu       sync.RWMutex
	profiles map[string]models.MasterProfile
}

func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{profiles: make(map[string]models.MasterProfile)}
}

func (d *MemoryDirectory) Upsert(p models.MasterProfile) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.profiles[p.ID] = p
}

func (d *MemoryDirectory) Profile(_ context.Context, masterID string) (models.MasterProfile, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	p, ok := d.profiles[masterID]
	if !ok {
		return models.MasterProfile{}, ErrUnknownMaster
	}
	return p, nil
}
