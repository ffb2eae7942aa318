// Package configstore holds versioned per-category scoring configuration:
// sub-score weights, parameter normalization rules, and thresholds. Every
// activation creates a new immutable version; the previous active version
// stays in effect when an activation is rejected.
package configstore

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/riskengine/internal/metrics"
	"github.com/mbd888/riskengine/internal/risk"
	"github.com/mbd888/riskengine/internal/traces"
)

// Store persists configuration versions.
type Store interface {
	// Activate assigns the next version number (and VersionID, CreatedAt)
	// to cfg, stores it, and makes it the active version in one step.
	Activate(ctx context.Context, cfg *risk.CategoryConfig) error

	// Active returns the active version or risk.ErrConfigNotFound.
	Active(ctx context.Context, category risk.Category) (*risk.CategoryConfig, error)

	// Get returns a specific version or risk.ErrConfigNotFound.
	Get(ctx context.Context, category risk.Category, version int64) (*risk.CategoryConfig, error)

	// Versions lists every version of a category, newest first.
	Versions(ctx context.Context, category risk.Category) ([]*risk.CategoryConfig, error)

	// Categories lists categories that have an active version, sorted.
	Categories(ctx context.Context) ([]risk.Category, error)
}

// Change announces a newly active version.
type Change struct {
	Category    risk.Category `json:"category"`
	Version     int64         `json:"version"`
	VersionID   string        `json:"versionId"`
	ActivatedAt time.Time     `json:"activatedAt"`
}

// ActivateRequest is a proposed configuration. Scale, when 10, means the
// thresholds are on the 0-10 scale and are converted to 0-100.
type ActivateRequest struct {
	Category   risk.Category                `json:"-" yaml:"-"`
	SubScores  map[string]risk.SubScoreSpec `json:"subScores" yaml:"subScores"`
	Thresholds risk.ThresholdConfig         `json:"thresholds" yaml:"thresholds"`
	Scale      float64                      `json:"scale,omitempty" yaml:"scale,omitempty"`
	Comment    string                       `json:"comment,omitempty" yaml:"comment,omitempty"`
	CreatedBy  string                       `json:"-" yaml:"-"`
}

// Service validates and activates configurations and announces changes.
type Service struct {
	store    Store
	notifier Notifier
	logger   *slog.Logger
}

// NewService creates a configuration service. notifier may be nil.
func NewService(store Store, notifier Notifier, logger *slog.Logger) *Service {
	if notifier == nil {
		notifier = NewLocalNotifier()
	}
	return &Service{store: store, notifier: notifier, logger: logger}
}

// Activate validates req and, if it is acceptable, stores it as the new
// active version. Invalid requests return *risk.ConfigurationError and
// leave the active version unchanged.
func (s *Service) Activate(ctx context.Context, req ActivateRequest) (*risk.CategoryConfig, error) {
	ctx, span := traces.StartSpan(ctx, "configstore.Activate", traces.Category(string(req.Category)))
	defer span.End()

	if req.Scale != 0 && req.Scale != risk.TenPointScale && req.Scale != 100 {
		metrics.ConfigActivationsTotal.WithLabelValues(string(req.Category), "rejected").Inc()
		return nil, &risk.ConfigurationError{
			Category: req.Category,
			Problems: []string{fmt.Sprintf("unsupported threshold scale %v (use 10 or 100)", req.Scale)},
		}
	}

	cfg := &risk.CategoryConfig{
		Category:   req.Category,
		SubScores:  req.SubScores,
		Thresholds: req.Thresholds.FromScale(req.Scale),
		CreatedBy:  req.CreatedBy,
		Comment:    req.Comment,
	}
	if err := cfg.Validate(); err != nil {
		metrics.ConfigActivationsTotal.WithLabelValues(string(req.Category), "rejected").Inc()
		s.logger.Warn("config activation rejected", "category", req.Category, "created_by", req.CreatedBy, "error", err)
		return nil, err
	}

	if err := s.store.Activate(ctx, cfg); err != nil {
		traces.RecordError(span, err)
		return nil, fmt.Errorf("activate %s config: %w", req.Category, err)
	}
	span.SetAttributes(traces.ConfigVersion(cfg.VersionID))
	metrics.ConfigActivationsTotal.WithLabelValues(string(req.Category), "activated").Inc()
	s.logger.Info("config activated",
		"category", cfg.Category, "config_version", cfg.VersionID, "created_by", cfg.CreatedBy)

	change := Change{Category: cfg.Category, Version: cfg.Version, VersionID: cfg.VersionID, ActivatedAt: cfg.CreatedAt}
	if err := s.notifier.Publish(ctx, change); err != nil {
		s.logger.Warn("config change publish failed", "category", cfg.Category, "config_version", cfg.VersionID, "error", err)
	}
	return cfg, nil
}

// GetActiveConfig returns the active configuration for a category.
func (s *Service) GetActiveConfig(ctx context.Context, category risk.Category) (*risk.CategoryConfig, error) {
	return s.store.Active(ctx, category)
}

// Version returns one historical version.
func (s *Service) Version(ctx context.Context, category risk.Category, version int64) (*risk.CategoryConfig, error) {
	return s.store.Get(ctx, category, version)
}

// Versions lists a category's versions, newest first.
func (s *Service) Versions(ctx context.Context, category risk.Category) ([]*risk.CategoryConfig, error) {
	return s.store.Versions(ctx, category)
}

// Categories lists the categories with an active configuration.
func (s *Service) Categories(ctx context.Context) ([]risk.Category, error) {
	return s.store.Categories(ctx)
}

// SubscribeToConfigChanges delivers activations for category (all
// categories when empty) until cancel is called.
func (s *Service) SubscribeToConfigChanges(category risk.Category) (<-chan Change, func()) {
	return s.notifier.Subscribe(category)
}

func cloneConfig(c *risk.CategoryConfig) *risk.CategoryConfig {
	cp := *c
	cp.SubScores = make(map[string]risk.SubScoreSpec, len(c.SubScores))
	for name, spec := range c.SubScores {
		rules := make(map[string]risk.ParameterRule, len(spec.Parameters))
		for p, r := range spec.Parameters {
			if r.Table != nil {
				table := make(map[string]float64, len(r.Table))
				for k, v := range r.Table {
					table[k] = v
				}
				r.Table = table
			}
			r.Breakpoints = append([]float64(nil), r.Breakpoints...)
			if r.Default != nil {
				d := *r.Default
				r.Default = &d
			}
			rules[p] = r
		}
		cp.SubScores[name] = risk.SubScoreSpec{Weight: spec.Weight, Parameters: rules}
	}
	return &cp
}
