package store

import (
	"context"
	"sync"

	"dead-mans-switch/internal/core"
)

// MemoryStore keeps everything in maps guarded by one lock.
type MemoryStore struct {
	mu        sync.RWMutex
	policy    *core.GlobalPolicy
	contracts map[core.Identity]core.Contract
	index     map[core.Identity]map[core.Identity]struct{}
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		contracts: make(map[core.Identity]core.Contract),
		index:     make(map[core.Identity]map[core.Identity]struct{}),
	}
}

func (s *MemoryStore) Policy(context.Context) (core.GlobalPolicy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.policy == nil {
		return core.GlobalPolicy{}, ErrNotFound
	}
	return *s.policy, nil
}

func (s *MemoryStore) SetPolicy(_ context.Context, p core.GlobalPolicy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.policy != nil {
		return ErrExists
	}
	s.policy = &p
	return nil
}

func (s *MemoryStore) Contract(_ context.Context, trustor core.Identity) (core.Contract, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.contracts[trustor]
	if !ok {
		return core.Contract{}, ErrNotFound
	}
	return c, nil
}

func (s *MemoryStore) Contracts(context.Context) (map[core.Identity]core.Contract, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[core.Identity]core.Contract, len(s.contracts))
	for k, v := range s.contracts {
		out[k] = v
	}
	return out, nil
}

func (s *MemoryStore) TrustorsFor(_ context.Context, beneficiary core.Identity) ([]core.Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]core.Identity, 0, len(s.index[beneficiary]))
	for trustor := range s.index[beneficiary] {
		out = append(out, trustor)
	}
	return sortIdentities(out), nil
}

func (s *MemoryStore) Index(context.Context) (map[core.Identity][]core.Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[core.Identity][]core.Identity, len(s.index))
	for beneficiary, set := range s.index {
		ids := make([]core.Identity, 0, len(set))
		for trustor := range set {
			ids = append(ids, trustor)
		}
		out[beneficiary] = sortIdentities(ids)
	}
	return out, nil
}

func (s *MemoryStore) Insert(_ context.Context, trustor core.Identity, c core.Contract) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.contracts[trustor]; ok {
		return ErrExists
	}
	s.contracts[trustor] = c
	s.addEdge(c.Beneficiary, trustor)
	return nil
}

func (s *MemoryStore) Update(_ context.Context, trustor core.Identity, c core.Contract) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.contracts[trustor]
	if !ok {
		return ErrNotFound
	}
	s.contracts[trustor] = c
	if prev.Beneficiary != c.Beneficiary {
		s.removeEdge(prev.Beneficiary, trustor)
		s.addEdge(c.Beneficiary, trustor)
	}
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, trustor core.Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.contracts[trustor]
	if !ok {
		return ErrNotFound
	}
	delete(s.contracts, trustor)
	s.removeEdge(prev.Beneficiary, trustor)
	return nil
}

func (s *MemoryStore) RebuildIndex(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.index = make(map[core.Identity]map[core.Identity]struct{})
	for trustor, c := range s.contracts {
		s.addEdge(c.Beneficiary, trustor)
	}
	return nil
}

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) addEdge(beneficiary, trustor core.Identity) {
	set, ok := s.index[beneficiary]
	if !ok {
		set = make(map[core.Identity]struct{})
		s.index[beneficiary] = set
	}
	set[trustor] = struct{}{}
}

func (s *MemoryStore) removeEdge(beneficiary, trustor core.Identity) {
	set := s.index[beneficiary]
	delete(set, trustor)
	if len(set) == 0 {
		delete(s.index, beneficiary)
	}
}

