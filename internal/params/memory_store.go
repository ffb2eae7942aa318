package params

import (
	"context"
	"sync"
	"time"

	"github.com/mbd888/riskengine/internal/risk"
)

// MemoryStore is an in-memory implementation of Store for demo/test use.
type MemoryStore struct {
	mu      sync.RWMutex
	batches map[risk.Key][]*Batch // append order
}

// NewMemoryStore creates an in-memory parameter store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{batches: make(map[risk.Key][]*Batch)}
}

func (s *MemoryStore) Append(_ context.Context, b *Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b.ReceivedAt.IsZero() {
		b.ReceivedAt = time.Now()
	}
	key := b.Key()
	s.batches[key] = append(s.batches[key], b.clone())
	return nil
}

func (s *MemoryStore) Latest(_ context.Context, userID string, category risk.Category) (map[string]*Batch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]*Batch)
	for _, b := range s.batches[risk.Key{UserID: userID, Category: category}] {
		// Later appends win ties on observedAt.
		if cur, ok := out[b.SubScore]; ok && b.ObservedAt.Before(cur.ObservedAt) {
			continue
		}
		out[b.SubScore] = b
	}
	for name, b := range out {
		out[name] = b.clone()
	}
	return out, nil
}

func (s *MemoryStore) History(_ context.Context, userID string, category risk.Category, subScore string, limit int) ([]*Batch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 50
	}
	all := s.batches[risk.Key{UserID: userID, Category: category}]
	var result []*Batch
	for i := len(all) - 1; i >= 0 && len(result) < limit; i-- {
		if all[i].SubScore == subScore {
			result = append(result, all[i].clone())
		}
	}
	return result, nil
}
