package configstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mbd888/riskengine/internal/risk"
)

// MemoryStore is an in-memory Store for demo/test use.
type MemoryStore struct {
	mu       sync.RWMutex
	versions map[risk.Category][]*risk.CategoryConfig // index = version-1
	active   map[risk.Category]int64
}

// NewMemoryStore creates an empty in-memory configuration store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		versions: make(map[risk.Category][]*risk.CategoryConfig),
		active:   make(map[risk.Category]int64),
	}
}

func (s *MemoryStore) Activate(_ context.Context, cfg *risk.CategoryConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg.Version = int64(len(s.versions[cfg.Category])) + 1
	cfg.VersionID = risk.VersionLabel(cfg.Category, cfg.Version)
	if cfg.CreatedAt.IsZero() {
		cfg.CreatedAt = time.Now()
	}
	s.versions[cfg.Category] = append(s.versions[cfg.Category], cloneConfig(cfg))
	s.active[cfg.Category] = cfg.Version
	return nil
}

func (s *MemoryStore) Active(_ context.Context, category risk.Category) (*risk.CategoryConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.active[category]
	if !ok {
		return nil, risk.ErrConfigNotFound
	}
	return cloneConfig(s.versions[category][v-1]), nil
}

func (s *MemoryStore) Get(_ context.Context, category risk.Category, version int64) (*risk.CategoryConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	all := s.versions[category]
	if version < 1 || version > int64(len(all)) {
		return nil, risk.ErrConfigNotFound
	}
	return cloneConfig(all[version-1]), nil
}

func (s *MemoryStore) Versions(_ context.Context, category risk.Category) ([]*risk.CategoryConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	all := s.versions[category]
	out := make([]*risk.CategoryConfig, 0, len(all))
	for i := len(all) - 1; i >= 0; i-- {
		out = append(out, cloneConfig(all[i]))
	}
	return out, nil
}

func (s *MemoryStore) Categories(_ context.Context) ([]risk.Category, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]risk.Category, 0, len(s.active))
	for c := range s.active {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}
