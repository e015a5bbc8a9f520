// Package memory provides an in-memory config.Store implementation.
// Intended for tests and the --config-type=memory bootstrap mode.
// Configuration is not persisted across restarts.
package memory

import (
	"context"
	"maps"
	"sync"

	"platformdriver/internal/config"
)

// Store is an in-memory config.Store implementation.
type Store struct {
	mu      sync.RWMutex
	root    *config.RootConfig
	devices map[string]*config.DeviceConfig
	blobs   map[string][]byte
}

var _ config.Store = (*Store)(nil)

// NewStore creates an empty in-memory config.Store.
func NewStore() *Store {
	return &Store{
		devices: make(map[string]*config.DeviceConfig),
		blobs:   make(map[string][]byte),
	}
}

func (s *Store) LoadRoot(ctx context.Context) (*config.RootConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.root == nil {
		return nil, nil
	}
	cp := *s.root
	cp.Groups = maps.Clone(s.root.Groups)
	return &cp, nil
}

func (s *Store) SaveRoot(ctx context.Context, cfg *config.RootConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *cfg
	cp.Groups = maps.Clone(cfg.Groups)
	s.root = &cp
	return nil
}

func (s *Store) LoadDevices(ctx context.Context) (map[string]*config.DeviceConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]*config.DeviceConfig, len(s.devices))
	for path, dc := range s.devices {
		out[path] = dc.Clone()
	}
	return out, nil
}

func (s *Store) SaveDevice(ctx context.Context, path string, cfg *config.DeviceConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.devices[path] = cfg.Clone()
	return nil
}

func (s *Store) DeleteDevice(ctx context.Context, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.devices, path)
	return nil
}

func (s *Store) LoadBlob(ctx context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.blobs[key]
	if !ok {
		return nil, nil
	}
	return append([]byte(nil), b...), nil
}

func (s *Store) SaveBlob(ctx context.Context, key string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blobs[key] = append([]byte(nil), data...)
	return nil
}
