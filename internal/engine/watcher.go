package engine

import (
	"context"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/mbd888/riskengine/internal/configstore"
	"github.com/mbd888/riskengine/internal/profile"
	"github.com/mbd888/riskengine/internal/risk"
)

// ChangeSource delivers configuration activations.
type ChangeSource interface {
	SubscribeToConfigChanges(category risk.Category) (<-chan configstore.Change, func())
}

// ConfigWatcher recomputes every known profile of a category when a new
// configuration version becomes active.
type ConfigWatcher struct {
	source      ChangeSource
	profiles    profile.Store
	recomputer  Recomputer
	concurrency int
	logger      *slog.Logger
}

// NewConfigWatcher creates a watcher running at most concurrency recomputes
// at a time.
func NewConfigWatcher(source ChangeSource, profiles profile.Store, r Recomputer, concurrency int, logger *slog.Logger) *ConfigWatcher {
	if concurrency < 1 {
		concurrency = 1
	}
	return &ConfigWatcher{
		source:      source,
		profiles:    profiles,
		recomputer:  r,
		concurrency: concurrency,
		logger:      logger.With("component", "config_watcher"),
	}
}

// Run handles changes until ctx is done.
func (w *ConfigWatcher) Run(ctx context.Context) error {
	changes, cancel := w.source.SubscribeToConfigChanges("")
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case change, ok := <-changes:
			if !ok {
				return nil
			}
			if err := w.Apply(ctx, change); err != nil {
				w.logger.Warn("config change fan-out failed",
					"category", change.Category, "config_version", change.VersionID, "error", err)
			}
		}
	}
}

// Apply recomputes every profile in the changed category. Per-profile
// failures are logged and do not stop the others.
func (w *ConfigWatcher) Apply(ctx context.Context, change configstore.Change) error {
	keys, err := w.profiles.ListKeys(ctx, change.Category)
	if err != nil {
		return err
	}
	w.logger.Info("recomputing category after config change",
		"category", change.Category, "config_version", change.VersionID, "profiles", len(keys))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.concurrency)
	for _, key := range keys {
		g.Go(func() error {
			if _, err := w.recomputer.Recompute(gctx, key.UserID, key.Category); err != nil {
				w.logger.Warn("recompute after config change failed",
					"user_id", key.UserID, "category", key.Category,
					"config_version", change.VersionID, "error", err)
			}
			return gctx.Err()
		})
	}
	return g.Wait()
}
