package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// WhitelistTimer periodically lifts expired whitelists.
type WhitelistTimer struct {
	engine   *Engine
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewWhitelistTimer creates a whitelist expiry timer.
func NewWhitelistTimer(engine *Engine, interval time.Duration, logger *slog.Logger) *WhitelistTimer {
	if interval <= 0 {
		interval = time.Minute
	}
	return &WhitelistTimer{
		engine:   engine,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the timer loop is actively running.
func (t *WhitelistTimer) Running() bool {
	return t.running.Load()
}

// Start begins the expiry loop. Call in a goroutine.
func (t *WhitelistTimer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.safeSweep(ctx)
		}
	}
}

// Stop signals the timer to stop.
func (t *WhitelistTimer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

func (t *WhitelistTimer) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in whitelist timer", "panic", fmt.Sprint(r))
		}
	}()
	t.sweep(ctx)
}

func (t *WhitelistTimer) sweep(ctx context.Context) {
	n, err := t.engine.ExpireWhitelists(ctx, t.engine.now())
	if err != nil {
		t.logger.Warn("whitelist sweep failed", "error", err)
		return
	}
	if n > 0 {
		t.logger.Info("expired whitelists lifted", "count", n)
	}
}
