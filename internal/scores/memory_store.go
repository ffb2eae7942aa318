package scores

import (
	"context"
	"sync"

	"github.com/mbd888/riskengine/internal/risk"
)

// MemoryStore is an in-memory implementation of Store for demo/test use.
type MemoryStore struct {
	mu     sync.RWMutex
	scores map[risk.Key][]*risk.CategoryScore
}

// NewMemoryStore creates an in-memory score store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{scores: make(map[risk.Key][]*risk.CategoryScore)}
}

func (s *MemoryStore) Record(_ context.Context, score *risk.CategoryScore) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := risk.Key{UserID: score.UserID, Category: score.Category}
	s.scores[key] = append(s.scores[key], clone(score))
	return nil
}

func (s *MemoryStore) Latest(_ context.Context, userID string, category risk.Category) (*risk.CategoryScore, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	all := s.scores[risk.Key{UserID: userID, Category: category}]
	if len(all) == 0 {
		return nil, risk.ErrScoreNotFound
	}
	return clone(all[len(all)-1]), nil
}

func (s *MemoryStore) ListByKey(_ context.Context, userID string, category risk.Category, limit int) ([]*risk.CategoryScore, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.scores[risk.Key{UserID: userID, Category: category}]
	if len(all) == 0 {
		return nil, nil
	}
	if limit <= 0 {
		limit = len(all)
	}

	// Return most recent first, up to limit
	start := len(all) - limit
	if start < 0 {
		start = 0
	}
	result := make([]*risk.CategoryScore, 0, len(all)-start)
	for i := len(all) - 1; i >= start; i-- {
		result = append(result, clone(all[i]))
	}
	return result, nil
}
