package profile

import (
	"context"
	"sync"

	"github.com/newsieai/paygate/types"
)

// MemoryStore is an in-memory implementation of Store.
type MemoryStore struct {
	mu       sync.RWMutex
	profiles map[string]types.BudgetProfile
	closed   bool
}

// NewMemoryStore creates an empty in-memory profile store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		profiles: make(map[string]types.BudgetProfile),
	}
}

func (m *MemoryStore) Get(ctx context.Context, identifier string) (*types.BudgetProfile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	p, exists := m.profiles[identifier]
	if !exists {
		return nil, ErrNotFound
	}
	out := p
	return &out, nil
}

func (m *MemoryStore) Put(ctx context.Context, profile *types.BudgetProfile) error {
	if err := profile.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.profiles[profile.Identifier] = *profile
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, identifier string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	delete(m.profiles, identifier)
	return nil
}

func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.profiles = nil
	return nil
}
