// Package memory provides an in-memory route configuration store.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/wheelsort/wheelsort/pkg/topology"
)

// Store implements topology.Store using a map.
type Store struct {
	mu     sync.RWMutex
	routes map[string]*topology.ChuteRouteConfiguration
}

// New creates an empty store.
func New() *Store {
	return &Store{
		routes: make(map[string]*topology.ChuteRouteConfiguration),
	}
}

// GetByChuteID returns a copy of the route, or nil.
func (s *Store) GetByChuteID(chuteID string) *topology.ChuteRouteConfiguration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.routes[chuteID].Clone()
}

// Save validates and stores a copy of cfg.
func (s *Store) Save(_ context.Context, cfg *topology.ChuteRouteConfiguration) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.routes[cfg.ChuteID] = cfg.Clone()
	return nil
}

// Get returns the route or a NotFoundError.
func (s *Store) Get(_ context.Context, chuteID string) (*topology.ChuteRouteConfiguration, error) {
	if cfg := s.GetByChuteID(chuteID); cfg != nil {
		return cfg, nil
	}
	return nil, &topology.NotFoundError{ChuteID: chuteID}
}

// List returns every route ordered by chute id.
func (s *Store) List(_ context.Context) ([]*topology.ChuteRouteConfiguration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*topology.ChuteRouteConfiguration, 0, len(s.routes))
	for _, cfg := range s.routes {
		out = append(out, cfg.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChuteID < out[j].ChuteID })
	return out, nil
}

// Delete removes the route or returns a NotFoundError.
func (s *Store) Delete(_ context.Context, chuteID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.routes[chuteID]; !ok {
		return &topology.NotFoundError{ChuteID: chuteID}
	}
	delete(s.routes, chuteID)
	return nil
}

// Close is a no-op.
func (s *Store) Close() error { return nil }
