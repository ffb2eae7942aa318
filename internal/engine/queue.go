package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/mbd888/riskengine/internal/metrics"
	"github.com/mbd888/riskengine/internal/risk"
)

// Recomputer recomputes one profile.
type Recomputer interface {
	Recompute(ctx context.Context, userID string, category risk.Category) (*Result, error)
}

// RecomputeQueue processes recomputes asynchronously on a fixed pool of
// workers. A key already waiting in the queue is not queued twice: the
// pending recompute will read the newest batches anyway. When the queue is
// full new keys are dropped and counted.
type RecomputeQueue struct {
	recomputer Recomputer
	workers    int
	timeout    time.Duration
	logger     *slog.Logger

	keys    chan risk.Key
	mu      sync.Mutex
	pending map[risk.Key]struct{}
}

// NewRecomputeQueue creates a queue holding at most size pending keys.
func NewRecomputeQueue(r Recomputer, workers, size int, logger *slog.Logger) *RecomputeQueue {
	if workers < 1 {
		workers = 1
	}
	if size < 1 {
		size = 1
	}
	return &RecomputeQueue{
		recomputer: r,
		workers:    workers,
		timeout:    30 * time.Second,
		logger:     logger.With("component", "recompute_queue"),
		keys:       make(chan risk.Key, size),
		pending:    make(map[risk.Key]struct{}, size),
	}
}

// Enqueue schedules key. It reports false when the key was dropped.
func (q *RecomputeQueue) Enqueue(key risk.Key) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.pending[key]; ok {
		metrics.RecomputeEnqueuedTotal.WithLabelValues("coalesced").Inc()
		return true
	}
	select {
	case q.keys <- key:
		q.pending[key] = struct{}{}
		metrics.RecomputeQueueDepth.Set(float64(len(q.pending)))
		metrics.RecomputeEnqueuedTotal.WithLabelValues("queued").Inc()
		return true
	default:
		metrics.RecomputeEnqueuedTotal.WithLabelValues("dropped").Inc()
		q.logger.Warn("recompute queue full, dropping", "user_id", key.UserID, "category", key.Category)
		return false
	}
}

// Pending returns the number of keys waiting for a worker.
func (q *RecomputeQueue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Run starts the workers and blocks until ctx is done and every worker
// has returned. Keys still queued at shutdown are abandoned.
func (q *RecomputeQueue) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < q.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			q.work(ctx)
		}()
	}
	wg.Wait()
}

func (q *RecomputeQueue) work(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case key := <-q.keys:
			q.mu.Lock()
			delete(q.pending, key)
			metrics.RecomputeQueueDepth.Set(float64(len(q.pending)))
			q.mu.Unlock()
			q.process(ctx, key)
		}
	}
}

func (q *RecomputeQueue) process(ctx context.Context, key risk.Key) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("panic in recompute worker", "panic", r,
				"user_id", key.UserID, "category", key.Category)
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, q.timeout)
	defer cancel()

	_, err := q.recomputer.Recompute(ctx, key.UserID, key.Category)
	switch {
	case err == nil:
	case risk.IsMissingInput(err):
		// Normal while a profile's sub-scores are still arriving.
		q.logger.Debug("recompute skipped: missing input",
			"user_id", key.UserID, "category", key.Category, "error", err)
	case errors.Is(err, risk.ErrConfigNotFound), risk.IsConfigurationError(err):
		q.logger.Warn("recompute skipped: configuration",
			"user_id", key.UserID, "category", key.Category, "error", err)
	default:
		q.logger.Error("recompute failed",
			"user_id", key.UserID, "category", key.Category, "error", err)
	}
}
