package profile

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mbd888/riskengine/internal/audit"
	"github.com/mbd888/riskengine/internal/risk"
)

// MemoryStore is an in-memory Store for demo/test use. It writes
// transitions through to an audit.MemoryLog while holding its own lock, so
// readers never see a profile change without its audit entry.
type MemoryStore struct {
	mu       sync.RWMutex
	profiles map[risk.Key]*risk.Profile
	log      audit.Log
}

// NewMemoryStore creates an in-memory profile store writing to log.
func NewMemoryStore(log audit.Log) *MemoryStore {
	return &MemoryStore{
		profiles: make(map[risk.Key]*risk.Profile),
		log:      log,
	}
}

func (s *MemoryStore) Get(_ context.Context, userID string, category risk.Category) (*risk.Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.profiles[risk.Key{UserID: userID, Category: category}]
	if !ok {
		return nil, risk.ErrProfileNotFound
	}
	return p.Clone(), nil
}

func (s *MemoryStore) Create(_ context.Context, p *risk.Profile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := risk.Key{UserID: p.UserID, Category: p.Category}
	if _, ok := s.profiles[key]; ok {
		return ErrProfileExists
	}
	now := time.Now()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = p.CreatedAt
	p.Revision = 1
	s.profiles[key] = p.Clone()
	return nil
}

func (s *MemoryStore) Update(ctx context.Context, p *risk.Profile, expectedRevision int64, t *risk.StateTransition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := risk.Key{UserID: p.UserID, Category: p.Category}
	cur, ok := s.profiles[key]
	if !ok {
		return risk.ErrProfileNotFound
	}
	if cur.Revision != expectedRevision {
		return risk.ErrConcurrentModification
	}
	if t != nil {
		if err := s.log.Append(ctx, t); err != nil {
			return err
		}
	}
	p.Revision = expectedRevision + 1
	p.UpdatedAt = time.Now()
	s.profiles[key] = p.Clone()
	return nil
}

func (s *MemoryStore) ListKeys(_ context.Context, category risk.Category) ([]risk.Key, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var keys []risk.Key
	for k := range s.profiles {
		if k.Category == category {
			keys = append(keys, k)
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].UserID < keys[j].UserID })
	return keys, nil
}

func (s *MemoryStore) ListExpiredWhitelists(_ context.Context, now time.Time, limit int) ([]risk.Key, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var keys []risk.Key
	for k, p := range s.profiles {
		if limit > 0 && len(keys) >= limit {
			break
		}
		if p.CurrentStatus == risk.StatusWhitelisted && p.WhitelistExpiresAt != nil && !p.WhitelistExpiresAt.After(now) {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

func (s *MemoryStore) CountByStatus(_ context.Context, category risk.Category) (map[risk.Status]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	counts := make(map[risk.Status]int, len(risk.AllStatuses))
	for _, st := range risk.AllStatuses {
		counts[st] = 0
	}
	for k, p := range s.profiles {
		if k.Category == category {
			counts[p.CurrentStatus]++
		}
	}
	return counts, nil
}
