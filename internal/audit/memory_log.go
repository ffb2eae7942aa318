package audit

import (
	"context"
	"sync"
	"time"

	"github.com/mbd888/riskengine/internal/idgen"
	"github.com/mbd888/riskengine/internal/pagination"
	"github.com/mbd888/riskengine/internal/risk"
)

// MemoryLog is an in-memory Log for demo/test use.
type MemoryLog struct {
	mu      sync.RWMutex
	seq     int64
	entries map[string][]*risk.StateTransition // userID -> append order
}

// NewMemoryLog creates an empty in-memory audit log.
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{entries: make(map[string][]*risk.StateTransition)}
}

func (l *MemoryLog) Append(_ context.Context, t *risk.StateTransition) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.appendLocked(t)
	return nil
}

func (l *MemoryLog) appendLocked(t *risk.StateTransition) {
	l.seq++
	t.Sequence = l.seq
	if t.ID == "" {
		t.ID = idgen.WithPrefix("tr_")
	}
	if t.Timestamp.IsZero() {
		t.Timestamp = time.Now()
	}
	l.entries[t.UserID] = append(l.entries[t.UserID], t.Clone())
}

func (l *MemoryLog) List(_ context.Context, q Query) ([]*risk.StateTransition, int, error) {
	l.mu.RLock()
	var matched []*risk.StateTransition
	for _, t := range l.entries[q.UserID] {
		if q.Category != "" && t.Category != q.Category {
			continue
		}
		matched = append(matched, t.Clone())
	}
	l.mu.RUnlock()

	newestFirst(matched)
	return pagination.Slice(matched, q.Page), len(matched), nil
}
