// Package engine is the Action State Machine: it turns the latest parameter
// batches into category scores under the active configuration, applies the
// resulting recommendations and operator actions to risk profiles, and
// records every transition in the audit log.
//
// All reads and writes of one (user, category) profile are serialized by a
// per-key lock; distinct keys proceed in parallel. Profile writes also carry
// an optimistic revision check so that several replicas sharing a database
// cannot overwrite each other. A conflicting automatic write is retried
// once after re-reading the profile and then dropped.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/mbd888/riskengine/internal/audit"
	"github.com/mbd888/riskengine/internal/idgen"
	"github.com/mbd888/riskengine/internal/logging"
	"github.com/mbd888/riskengine/internal/metrics"
	"github.com/mbd888/riskengine/internal/params"
	"github.com/mbd888/riskengine/internal/profile"
	"github.com/mbd888/riskengine/internal/risk"
	"github.com/mbd888/riskengine/internal/scores"
	"github.com/mbd888/riskengine/internal/syncutil"
	"github.com/mbd888/riskengine/internal/traces"
)

var (
	ErrOperatorRequired = errors.New("engine: manual actions require a non-system operator identity")
	ErrUnknownAction    = errors.New("engine: unknown manual action")
	ErrInvalidExpiry    = errors.New("engine: whitelist expiry must be in the future")
)

// ConfigSource resolves the active configuration of a category.
type ConfigSource interface {
	GetActiveConfig(ctx context.Context, category risk.Category) (*risk.CategoryConfig, error)
}

// Enqueuer schedules an asynchronous recompute.
type Enqueuer interface {
	Enqueue(key risk.Key) bool
}

// Deps are the stores the engine reads and writes.
type Deps struct {
	Params   params.Store
	Configs  ConfigSource
	Scores   scores.Store
	Profiles profile.Store
	Audit    audit.Log
	Logger   *slog.Logger
}

// TransitionHook receives a copy of every applied transition.
type TransitionHook func(t *risk.StateTransition)

// Result is the outcome of one recompute.
type Result struct {
	Score      *risk.CategoryScore   `json:"score"`
	Profile    *risk.Profile         `json:"profile,omitempty"`
	Transition *risk.StateTransition `json:"transition,omitempty"`
	// Suppressed is set when the recommendation would have escalated the
	// profile but its status (whitelisted) forbids automatic moves.
	Suppressed bool `json:"suppressed,omitempty"`
	// Dropped is set when the profile write lost two revision races.
	Dropped bool `json:"dropped,omitempty"`
}

// Engine orchestrates scoring and state transitions.
type Engine struct {
	params   params.Store
	configs  ConfigSource
	scores   scores.Store
	profiles profile.Store
	audit    audit.Log
	logger   *slog.Logger

	scorer *risk.SubScorer
	locks  *syncutil.KeyedMutex
	now    func() time.Time
	queue  Enqueuer

	hookMu          sync.RWMutex
	escalationHooks []TransitionHook
	transitionHooks []TransitionHook
}

// New creates an engine.
func New(d Deps) *Engine {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		params:   d.Params,
		configs:  d.Configs,
		scores:   d.Scores,
		profiles: d.Profiles,
		audit:    d.Audit,
		logger:   logger.With("component", "engine"),
		scorer:   risk.NewSubScorer(),
		locks:    syncutil.NewKeyedMutex(),
		now:      time.Now,
	}
}

// WithClock replaces the engine's time source.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// UseQueue routes recomputes triggered by IngestBatch through q. Without a
// queue, ingestion only stores the batch.
func (e *Engine) UseQueue(q Enqueuer) {
	e.queue = q
}

// OnThresholdCrossed registers fn to be called whenever a transition raises
// a profile's severity. Hooks run after the profile lock is released.
func (e *Engine) OnThresholdCrossed(fn TransitionHook) {
	e.hookMu.Lock()
	defer e.hookMu.Unlock()
	e.escalationHooks = append(e.escalationHooks, fn)
}

// OnTransition registers fn to be called for every applied transition.
func (e *Engine) OnTransition(fn TransitionHook) {
	e.hookMu.Lock()
	defer e.hookMu.Unlock()
	e.transitionHooks = append(e.transitionHooks, fn)
}

func (e *Engine) emit(t *risk.StateTransition) {
	e.hookMu.RLock()
	all := append([]TransitionHook(nil), e.transitionHooks...)
	var esc []TransitionHook
	if risk.Escalates(t.PreviousStatus, t.NewStatus) {
		esc = append(esc, e.escalationHooks...)
		metrics.AlertsTotal.WithLabelValues(string(t.Category), string(t.NewStatus)).Inc()
	}
	e.hookMu.RUnlock()

	for _, fn := range append(esc, all...) {
		e.safeCall(fn, t.Clone())
	}
}

func (e *Engine) safeCall(fn TransitionHook, t *risk.StateTransition) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("panic in transition hook", "panic", fmt.Sprint(r),
				"user_id", t.UserID, "category", t.Category)
		}
	}()
	fn(t)
}

// IngestBatch stores a parameter batch and schedules a recompute of the
// profile it feeds.
func (e *Engine) IngestBatch(ctx context.Context, b *params.Batch) error {
	now := e.now()
	if b.ID == "" {
		b.ID = idgen.WithPrefix("pb_")
	}
	b.ReceivedAt = now
	if b.ObservedAt.IsZero() {
		b.ObservedAt = now
	}
	if err := b.Validate(); err != nil {
		return err
	}
	if err := e.params.Append(ctx, b); err != nil {
		return fmt.Errorf("ingest batch: %w", err)
	}
	if e.queue != nil {
		e.queue.Enqueue(b.Key())
	}
	return nil
}

// Recompute scores (userID, category) from the latest parameter batches and
// the active configuration, records the score, and applies the recommended
// action. The profile is created, active, on its first scored event.
// MissingInputError and ConfigurationError are returned as is and nothing
// is recorded.
func (e *Engine) Recompute(ctx context.Context, userID string, category risk.Category) (*Result, error) {
	start := time.Now()
	defer func() { metrics.RecomputeDuration.Observe(time.Since(start).Seconds()) }()

	ctx, span := traces.StartSpan(ctx, "engine.Recompute",
		traces.UserID(userID), traces.Category(string(category)))
	defer span.End()

	score, err := e.ComputeScore(ctx, userID, category)
	if err != nil {
		traces.RecordError(span, err)
		return nil, err
	}
	span.SetAttributes(
		traces.ConfigVersion(score.ConfigVersion),
		traces.Score(score.Value),
		traces.Action(string(score.Recommended)),
	)

	if err := e.scores.Record(ctx, score); err != nil {
		traces.RecordError(span, err)
		return nil, fmt.Errorf("record score: %w", err)
	}

	res, err := e.applyAutomatic(ctx, score)
	if err != nil {
		traces.RecordError(span, err)
		return nil, err
	}
	if res.Profile != nil {
		span.SetAttributes(traces.Status(string(res.Profile.CurrentStatus)))
	}
	return res, nil
}

// ComputeScore runs the sub-score and category aggregators and the
// threshold evaluator without touching any profile. It is a pure function
// of the stored batches and the active configuration.
func (e *Engine) ComputeScore(ctx context.Context, userID string, category risk.Category) (*risk.CategoryScore, error) {
	cfg, err := e.configs.GetActiveConfig(ctx, category)
	if err != nil {
		if errors.Is(err, risk.ErrConfigNotFound) {
			metrics.ScoresComputedTotal.WithLabelValues(string(category), "config_error").Inc()
		}
		return nil, fmt.Errorf("score %s/%s: %w", userID, category, err)
	}
	batches, err := e.params.Latest(ctx, userID, category)
	if err != nil {
		return nil, fmt.Errorf("load parameters: %w", err)
	}

	log := logging.L(ctx).With("user_id", userID, "category", category, "config_version", cfg.VersionID)

	subScores := make(map[string]risk.SubScore, len(cfg.SubScores))
	for _, name := range cfg.SubScoreNames() {
		b, ok := batches[name]
		if !ok {
			continue // AggregateCategory reports it
		}
		ss, err := e.scorer.Compute(category, cfg.SubScores[name], b.Input())
		if err != nil {
			metrics.ScoresComputedTotal.WithLabelValues(string(category), "missing_input").Inc()
			return nil, err
		}
		if len(ss.Ignored) > 0 {
			log.Warn("unrecognized parameters ignored", "sub_score", name, "parameters", strings.Join(ss.Ignored, ","))
		}
		subScores[name] = ss
	}
	for name := range batches {
		if _, ok := cfg.SubScores[name]; !ok {
			log.Debug("batch for unconfigured sub-score ignored", "sub_score", name)
		}
	}

	value, used, err := risk.AggregateCategory(cfg, subScores)
	if err != nil {
		result := "missing_input"
		if risk.IsConfigurationError(err) {
			result = "config_error"
		}
		metrics.ScoresComputedTotal.WithLabelValues(string(category), result).Inc()
		return nil, err
	}

	action := risk.Evaluate(value, cfg.Thresholds)
	metrics.ScoresComputedTotal.WithLabelValues(string(category), string(action)).Inc()
	metrics.ScoreValue.WithLabelValues(string(category)).Observe(value)

	return &risk.CategoryScore{
		ID:            idgen.WithPrefix("cs_"),
		UserID:        userID,
		Category:      category,
		Value:         value,
		Recommended:   action,
		SubScores:     used,
		Timestamp:     e.now(),
		ConfigVersion: cfg.VersionID,
	}, nil
}

// withKey runs fn while holding the profile lock for key.
func (e *Engine) withKey(ctx context.Context, key risk.Key, fn func() error) error {
	unlock, err := e.locks.LockContext(ctx, key.String())
	if err != nil {
		return err
	}
	defer unlock()
	return fn()
}

func (e *Engine) applyAutomatic(ctx context.Context, score *risk.CategoryScore) (*Result, error) {
	key := risk.Key{UserID: score.UserID, Category: score.Category}
	var res *Result
	err := e.withKey(ctx, key, func() error {
		var err error
		for attempt := 0; attempt < 2; attempt++ {
			res, err = e.tryAutomatic(ctx, score)
			if !errors.Is(err, risk.ErrConcurrentModification) {
				return err
			}
			if attempt == 0 {
				metrics.ConcurrencyConflictsTotal.WithLabelValues("retried").Inc()
			}
		}
		metrics.ConcurrencyConflictsTotal.WithLabelValues("dropped").Inc()
		logging.L(ctx).Warn("automatic transition dropped after repeated conflict",
			"user_id", key.UserID, "category", key.Category,
			"config_version", score.ConfigVersion, "recommended", score.Recommended)
		res = &Result{Score: score, Dropped: true}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if res.Transition != nil {
		e.emit(res.Transition)
	}
	return res, nil
}

// tryAutomatic re-reads the profile and applies the recommendation. It must
// be called with the key lock held.
func (e *Engine) tryAutomatic(ctx context.Context, score *risk.CategoryScore) (*Result, error) {
	now := e.now()
	p, err := e.profiles.Get(ctx, score.UserID, score.Category)
	if errors.Is(err, risk.ErrProfileNotFound) {
		p = &risk.Profile{
			UserID:        score.UserID,
			Category:      score.Category,
			CurrentStatus: risk.StatusActive,
			CurrentScore:  score.Value,
			StatusSince:   now,
			ConfigVersion: score.ConfigVersion,
			LastScoredAt:  score.Timestamp,
			CreatedAt:     now,
		}
		if err := e.profiles.Create(ctx, p); err != nil {
			if errors.Is(err, profile.ErrProfileExists) {
				return nil, risk.ErrConcurrentModification
			}
			return nil, fmt.Errorf("create profile: %w", err)
		}
	} else if err != nil {
		return nil, fmt.Errorf("load profile: %w", err)
	}

	updated := p.Clone()
	updated.CurrentScore = score.Value
	updated.LastScoredAt = score.Timestamp
	updated.ConfigVersion = score.ConfigVersion

	res := &Result{Score: score, Profile: updated}
	next, changed := risk.NextAutomatic(p.CurrentStatus, score.Recommended)
	if changed {
		updated.CurrentStatus = next
		updated.StatusSince = now
		v := score.Value
		res.Transition = &risk.StateTransition{
			UserID:          score.UserID,
			Category:        score.Category,
			PreviousStatus:  p.CurrentStatus,
			NewStatus:       next,
			Event:           string(score.Recommended),
			TriggeringScore: &v,
			ChangedBy:       risk.ChangedBySystem,
			Timestamp:       now,
			ConfigVersion:   score.ConfigVersion,
		}
	} else {
		res.Suppressed = suppressed(p.CurrentStatus, score.Recommended)
	}

	if err := e.profiles.Update(ctx, updated, p.Revision, res.Transition); err != nil {
		return nil, err
	}

	log := logging.L(ctx).With("user_id", score.UserID, "category", score.Category, "config_version", score.ConfigVersion)
	switch {
	case res.Transition != nil:
		metrics.TransitionsTotal.WithLabelValues(string(score.Category),
			string(p.CurrentStatus), string(next), "automatic").Inc()
		log.Info("automatic transition applied",
			"from", p.CurrentStatus, "to", next, "score", score.Value)
	case res.Suppressed:
		metrics.SuppressedTransitionsTotal.WithLabelValues(string(score.Category), string(p.CurrentStatus)).Inc()
		log.Info("automatic transition suppressed",
			"status", p.CurrentStatus, "recommended", score.Recommended, "score", score.Value)
	}
	return res, nil
}

// suppressed reports whether rec would have escalated a profile whose
// status forbids automatic transitions.
func suppressed(current risk.Status, rec risk.Action) bool {
	if !risk.SuppressedByPolicy(current) {
		return false
	}
	target, ok := risk.NextAutomatic(risk.StatusActive, rec)
	return ok && risk.Escalates(current, target)
}
