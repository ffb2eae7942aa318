package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/riskengine/internal/audit"
	"github.com/mbd888/riskengine/internal/configstore"
	"github.com/mbd888/riskengine/internal/pagination"
	"github.com/mbd888/riskengine/internal/params"
	"github.com/mbd888/riskengine/internal/profile"
	"github.com/mbd888/riskengine/internal/risk"
	"github.com/mbd888/riskengine/internal/scores"
)

var botWeights = map[string]float64{
	"rapidBetting":       0.30,
	"patternRecognition": 0.25,
	"sessionDuration":    0.20,
	"timeConsistency":    0.25,
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type harness struct {
	engine   *Engine
	configs  *configstore.Service
	params   *params.MemoryStore
	scores   *scores.MemoryStore
	profiles profile.Store
	audit    *audit.MemoryLog
	clock    *fakeClock
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func botConfigRequest(weights map[string]float64) configstore.ActivateRequest {
	subs := make(map[string]risk.SubScoreSpec, len(weights))
	for name, w := range weights {
		subs[name] = risk.SubScoreSpec{
			Weight: w,
			Parameters: map[string]risk.ParameterRule{
				name + "Raw": {Kind: risk.RuleLinear, Weight: 1, Min: 0, Max: 100},
			},
		}
	}
	return configstore.ActivateRequest{
		Category:   risk.CategoryBot,
		SubScores:  subs,
		Thresholds: risk.ThresholdConfig{Review: 50, Flag: 70, AutoBlock: 85},
		CreatedBy:  "admin1",
	}
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := testLogger()
	log := audit.NewMemoryLog()
	h := &harness{
		configs: configstore.NewService(configstore.NewMemoryStore(), nil, logger),
		params:  params.NewMemoryStore(),
		scores:  scores.NewMemoryStore(),
		audit:   log,
		clock:   &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
	}
	h.profiles = profile.NewMemoryStore(log)
	h.engine = New(Deps{
		Params:   h.params,
		Configs:  h.configs,
		Scores:   h.scores,
		Profiles: h.profiles,
		Audit:    h.audit,
		Logger:   logger,
	}).WithClock(h.clock.Now)

	_, err := h.configs.Activate(context.Background(), botConfigRequest(botWeights))
	require.NoError(t, err)
	return h
}

// feed stores one batch per sub-score so that each sub-score's value equals
// the given number.
func (h *harness) feed(t *testing.T, userID string, values map[string]float64) {
	t.Helper()
	for name, v := range values {
		h.clock.Advance(time.Millisecond)
		err := h.engine.IngestBatch(context.Background(), &params.Batch{
			UserID:   userID,
			Category: risk.CategoryBot,
			SubScore: name,
			Parameters: []risk.RawParameter{
				{Name: name + "Raw", Value: risk.Number(v)},
			},
		})
		require.NoError(t, err)
	}
}

func (h *harness) feedAll(t *testing.T, userID string, v float64) {
	t.Helper()
	values := make(map[string]float64, len(botWeights))
	for name := range botWeights {
		values[name] = v
	}
	h.feed(t, userID, values)
}

func (h *harness) history(t *testing.T, userID string) []*risk.StateTransition {
	t.Helper()
	entries, _, err := h.engine.GetHistory(context.Background(), userID, risk.CategoryBot, pagination.Params{PageSize: 200})
	require.NoError(t, err)
	return entries
}

func scenarioValues() map[string]float64 {
	return map[string]float64{
		"rapidBetting":       80,
		"patternRecognition": 60,
		"sessionDuration":    40,
		"timeConsistency":    50,
	}
}

func TestRecompute_WeightedCategoryScore(t *testing.T) {
	h := newHarness(t)
	h.feed(t, "u1", scenarioValues())

	score, err := h.engine.ComputeScore(context.Background(), "u1", risk.CategoryBot)
	require.NoError(t, err)
	assert.InDelta(t, 59.5, score.Value, 1e-9)
	assert.Equal(t, risk.ActionReview, score.Recommended)
	assert.Equal(t, "bot-v1", score.ConfigVersion)
	require.Len(t, score.SubScores, 4)
	assert.Equal(t, "patternRecognition", score.SubScores[0].Name)
}

func TestRecompute_ReviewTransition(t *testing.T) {
	h := newHarness(t)
	h.feed(t, "u1", scenarioValues())

	res, err := h.engine.Recompute(context.Background(), "u1", risk.CategoryBot)
	require.NoError(t, err)
	require.NotNil(t, res.Transition)
	assert.Equal(t, risk.StatusActive, res.Transition.PreviousStatus)
	assert.Equal(t, risk.StatusUnderReview, res.Transition.NewStatus)
	assert.Equal(t, risk.ChangedBySystem, res.Transition.ChangedBy)
	require.NotNil(t, res.Transition.TriggeringScore)
	assert.InDelta(t, 59.5, *res.Transition.TriggeringScore, 1e-9)
	assert.Equal(t, "bot-v1", res.Transition.ConfigVersion)

	p, err := h.engine.GetProfile(context.Background(), "u1", risk.CategoryBot)
	require.NoError(t, err)
	assert.Equal(t, risk.StatusUnderReview, p.CurrentStatus)
	assert.InDelta(t, 59.5, p.CurrentScore, 1e-9)

	hist := h.history(t, "u1")
	require.Len(t, hist, 1)
	assert.Equal(t, risk.StatusUnderReview, hist[0].NewStatus)
}

func TestRecompute_FullScenario(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.feed(t, "u1", scenarioValues())
	_, err := h.engine.Recompute(ctx, "u1", risk.CategoryBot)
	require.NoError(t, err)

	// Unblock while under review is illegal and leaves no trace.
	_, err = h.engine.ApplyManualAction(ctx, "u1", risk.CategoryBot, risk.ManualUnblock, "admin1", "")
	var illegal *risk.IllegalTransitionError
	require.True(t, errors.As(err, &illegal))
	assert.Equal(t, risk.StatusUnderReview, illegal.From)
	assert.Len(t, h.history(t, "u1"), 1)

	// Score rises to 90.
	h.feedAll(t, "u1", 90)
	res, err := h.engine.Recompute(ctx, "u1", risk.CategoryBot)
	require.NoError(t, err)
	require.NotNil(t, res.Transition)
	assert.Equal(t, risk.StatusUnderReview, res.Transition.PreviousStatus)
	assert.Equal(t, risk.StatusBlocked, res.Transition.NewStatus)
	assert.InDelta(t, 90, *res.Transition.TriggeringScore, 1e-9)

	// Whitelisted profiles keep their status but scores are still recorded.
	_, err = h.engine.Whitelist(ctx, "u1", risk.CategoryBot, "admin1", "known high roller", nil)
	require.NoError(t, err)
	h.feedAll(t, "u1", 95)
	res, err = h.engine.Recompute(ctx, "u1", risk.CategoryBot)
	require.NoError(t, err)
	assert.Nil(t, res.Transition)
	assert.True(t, res.Suppressed)

	p, err := h.engine.GetProfile(ctx, "u1", risk.CategoryBot)
	require.NoError(t, err)
	assert.Equal(t, risk.StatusWhitelisted, p.CurrentStatus)
	assert.True(t, p.Whitelisted)
	assert.Equal(t, "known high roller", p.WhitelistNotes)

	score, err := h.engine.GetCategoryScore(ctx, "u1", risk.CategoryBot)
	require.NoError(t, err)
	assert.InDelta(t, 95, score.Value, 1e-9)
	assert.Equal(t, risk.ActionBlock, score.Recommended)

	hist := h.history(t, "u1")
	require.Len(t, hist, 3)
	assert.Equal(t, risk.StatusWhitelisted, hist[0].NewStatus)
	assert.Equal(t, "admin1", hist[0].ChangedBy)
	assert.Nil(t, hist[0].TriggeringScore)
	assert.Equal(t, risk.StatusBlocked, hist[1].NewStatus)
	assert.Equal(t, risk.StatusUnderReview, hist[2].NewStatus)
}

func TestRecompute_BlockIsStickyUntilUnblock(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.feedAll(t, "u1", 90)
	_, err := h.engine.Recompute(ctx, "u1", risk.CategoryBot)
	require.NoError(t, err)

	h.feedAll(t, "u1", 5)
	res, err := h.engine.Recompute(ctx, "u1", risk.CategoryBot)
	require.NoError(t, err)
	assert.Nil(t, res.Transition)
	assert.False(t, res.Suppressed)
	assert.Equal(t, risk.StatusBlocked, res.Profile.CurrentStatus)
	assert.InDelta(t, 5, res.Profile.CurrentScore, 1e-9)

	tr, err := h.engine.ApplyManualAction(ctx, "u1", risk.CategoryBot, risk.ManualUnblock, "admin1", "false positive")
	require.NoError(t, err)
	assert.Equal(t, risk.StatusActive, tr.NewStatus)
	assert.Equal(t, "false positive", tr.Comment)
	assert.Len(t, h.history(t, "u1"), 2)
}

func TestRecompute_NeverDeescalates(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.feedAll(t, "u1", 75)
	res, err := h.engine.Recompute(ctx, "u1", risk.CategoryBot)
	require.NoError(t, err)
	assert.Equal(t, risk.StatusFlagged, res.Transition.NewStatus)

	h.feedAll(t, "u1", 55)
	res, err = h.engine.Recompute(ctx, "u1", risk.CategoryBot)
	require.NoError(t, err)
	assert.Nil(t, res.Transition)
	assert.Equal(t, risk.StatusFlagged, res.Profile.CurrentStatus)
}

func TestRecompute_FirstEventCreatesActiveProfile(t *testing.T) {
	h := newHarness(t)
	h.feedAll(t, "u1", 10)

	res, err := h.engine.Recompute(context.Background(), "u1", risk.CategoryBot)
	require.NoError(t, err)
	assert.Nil(t, res.Transition)
	assert.Equal(t, risk.StatusActive, res.Profile.CurrentStatus)
	assert.Empty(t, h.history(t, "u1"))
}

func TestRecompute_MissingSubScore(t *testing.T) {
	h := newHarness(t)
	values := scenarioValues()
	delete(values, "sessionDuration")
	h.feed(t, "u1", values)

	_, err := h.engine.Recompute(context.Background(), "u1", risk.CategoryBot)
	var missing *risk.MissingInputError
	require.True(t, errors.As(err, &missing))
	assert.Equal(t, "sessionDuration", missing.SubScore)

	_, err = h.engine.GetCategoryScore(context.Background(), "u1", risk.CategoryBot)
	assert.ErrorIs(t, err, risk.ErrScoreNotFound)
	_, err = h.engine.GetProfile(context.Background(), "u1", risk.CategoryBot)
	assert.ErrorIs(t, err, risk.ErrProfileNotFound)
}

func TestRecompute_UnrecognizedParametersOnly(t *testing.T) {
	h := newHarness(t)
	h.feedAll(t, "u1", 50)
	err := h.engine.IngestBatch(context.Background(), &params.Batch{
		UserID: "u1", Category: risk.CategoryBot, SubScore: "rapidBetting",
		Parameters: []risk.RawParameter{{Name: "mouseJitter", Value: risk.Number(3)}},
	})
	require.NoError(t, err)

	_, err = h.engine.Recompute(context.Background(), "u1", risk.CategoryBot)
	assert.True(t, risk.IsMissingInput(err))
}

func TestRecompute_NoActiveConfig(t *testing.T) {
	h := newHarness(t)
	_, err := h.engine.Recompute(context.Background(), "u1", risk.CategoryDumping)
	assert.ErrorIs(t, err, risk.ErrConfigNotFound)
}

func TestComputeScore_Deterministic(t *testing.T) {
	h := newHarness(t)
	h.feed(t, "u1", scenarioValues())

	a, err := h.engine.ComputeScore(context.Background(), "u1", risk.CategoryBot)
	require.NoError(t, err)
	b, err := h.engine.ComputeScore(context.Background(), "u1", risk.CategoryBot)
	require.NoError(t, err)
	assert.Equal(t, a.Value, b.Value)
	assert.Equal(t, a.Recommended, b.Recommended)
	assert.Equal(t, a.SubScores, b.SubScores)
}

func TestRecompute_AttributesConfigVersion(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.feed(t, "u1", scenarioValues())
	_, err := h.engine.Recompute(ctx, "u1", risk.CategoryBot)
	require.NoError(t, err)

	_, err = h.configs.Activate(ctx, botConfigRequest(map[string]float64{
		"rapidBetting": 0.25, "patternRecognition": 0.25, "sessionDuration": 0.25, "timeConsistency": 0.25,
	}))
	require.NoError(t, err)
	res, err := h.engine.Recompute(ctx, "u1", risk.CategoryBot)
	require.NoError(t, err)
	assert.Equal(t, "bot-v2", res.Score.ConfigVersion)
	assert.InDelta(t, 57.5, res.Score.Value, 1e-9)

	list, err := h.engine.ScoreHistory(ctx, "u1", risk.CategoryBot, 10)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "bot-v2", list[0].ConfigVersion)
	assert.Equal(t, "bot-v1", list[1].ConfigVersion)
}

func TestManualAction_Validation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.engine.ApplyManualAction(ctx, "nobody", risk.CategoryBot, risk.ManualClear, "admin1", "")
	assert.ErrorIs(t, err, risk.ErrProfileNotFound)

	h.feedAll(t, "u1", 60)
	_, err = h.engine.Recompute(ctx, "u1", risk.CategoryBot)
	require.NoError(t, err)

	_, err = h.engine.ApplyManualAction(ctx, "u1", risk.CategoryBot, risk.ManualClear, "", "")
	assert.ErrorIs(t, err, ErrOperatorRequired)
	_, err = h.engine.ApplyManualAction(ctx, "u1", risk.CategoryBot, risk.ManualClear, "System", "")
	assert.ErrorIs(t, err, ErrOperatorRequired)
	_, err = h.engine.ApplyManualAction(ctx, "u1", risk.CategoryBot, "escalate", "admin1", "")
	assert.ErrorIs(t, err, ErrUnknownAction)

	tr, err := h.engine.ApplyManualAction(ctx, "u1", risk.CategoryBot, risk.ManualClear, "admin1", "reviewed")
	require.NoError(t, err)
	assert.Equal(t, risk.StatusUnderReview, tr.PreviousStatus)
	assert.Equal(t, risk.StatusActive, tr.NewStatus)
	assert.Nil(t, tr.TriggeringScore)
	assert.NotZero(t, tr.Sequence)
}

func TestWhitelist_ExpiryAndRemoval(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.feedAll(t, "u1", 60)
	_, err := h.engine.Recompute(ctx, "u1", risk.CategoryBot)
	require.NoError(t, err)

	past := h.clock.Now().Add(-time.Minute)
	_, err = h.engine.Whitelist(ctx, "u1", risk.CategoryBot, "admin1", "", &past)
	assert.ErrorIs(t, err, ErrInvalidExpiry)

	expires := h.clock.Now().Add(time.Hour)
	_, err = h.engine.Whitelist(ctx, "u1", risk.CategoryBot, "admin1", "vip", &expires)
	require.NoError(t, err)

	_, err = h.engine.Whitelist(ctx, "u1", risk.CategoryBot, "admin1", "again", nil)
	assert.True(t, risk.IsIllegalTransition(err))

	n, err := h.engine.ExpireWhitelists(ctx, h.clock.Now())
	require.NoError(t, err)
	assert.Zero(t, n)

	h.clock.Advance(2 * time.Hour)
	n, err = h.engine.ExpireWhitelists(ctx, h.clock.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	p, err := h.engine.GetProfile(ctx, "u1", risk.CategoryBot)
	require.NoError(t, err)
	assert.Equal(t, risk.StatusActive, p.CurrentStatus)
	assert.False(t, p.Whitelisted)
	assert.Nil(t, p.WhitelistExpiresAt)

	hist := h.history(t, "u1")
	require.Len(t, hist, 3)
	assert.Equal(t, risk.EventWhitelistExpired, hist[0].Event)
	assert.Equal(t, risk.ChangedBySystem, hist[0].ChangedBy)
	assert.Equal(t, WhitelistExpiredComment, hist[0].Comment)

	_, err = h.engine.Unwhitelist(ctx, "u1", risk.CategoryBot, "admin1", "")
	assert.True(t, risk.IsIllegalTransition(err))

	_, err = h.engine.Whitelist(ctx, "u1", risk.CategoryBot, "admin1", "", nil)
	require.NoError(t, err)
	tr, err := h.engine.Unwhitelist(ctx, "u1", risk.CategoryBot, "admin2", "done")
	require.NoError(t, err)
	assert.Equal(t, risk.StatusActive, tr.NewStatus)
	assert.Equal(t, "admin2", tr.ChangedBy)
}

func TestHooks(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	var mu sync.Mutex
	var escalations, all []*risk.StateTransition
	h.engine.OnThresholdCrossed(func(tr *risk.StateTransition) {
		mu.Lock()
		escalations = append(escalations, tr)
		mu.Unlock()
	})
	h.engine.OnTransition(func(tr *risk.StateTransition) {
		mu.Lock()
		all = append(all, tr)
		mu.Unlock()
	})
	h.engine.OnTransition(func(*risk.StateTransition) { panic("hook panic is contained") })

	h.feedAll(t, "u1", 60)
	_, err := h.engine.Recompute(ctx, "u1", risk.CategoryBot)
	require.NoError(t, err)
	_, err = h.engine.ApplyManualAction(ctx, "u1", risk.CategoryBot, risk.ManualWhitelist, "admin1", "")
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, escalations, 1)
	assert.Equal(t, risk.StatusUnderReview, escalations[0].NewStatus)
	assert.Len(t, all, 2)
}

func TestGetHistory_PagesNewestFirst(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.feedAll(t, "u1", 60)
	_, err := h.engine.Recompute(ctx, "u1", risk.CategoryBot)
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		_, err = h.engine.ApplyManualAction(ctx, "u1", risk.CategoryBot, risk.ManualWhitelist, "admin1", "")
		require.NoError(t, err)
		_, err = h.engine.ApplyManualAction(ctx, "u1", risk.CategoryBot, risk.ManualRemoveWhitelist, "admin1", "")
		require.NoError(t, err)
	}

	page, meta, err := h.engine.GetHistory(ctx, "u1", "", pagination.Params{Page: 1, PageSize: 2})
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, 5, meta.Total)
	assert.True(t, meta.HasMore)
	assert.Greater(t, page[0].Sequence, page[1].Sequence)

	last, meta, err := h.engine.GetHistory(ctx, "u1", risk.CategoryBot, pagination.Params{Page: 3, PageSize: 2})
	require.NoError(t, err)
	require.Len(t, last, 1)
	assert.False(t, meta.HasMore)
	assert.Equal(t, risk.StatusUnderReview, last[0].NewStatus)
}

func TestSummary(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.feedAll(t, "u1", 60)
	h.feedAll(t, "u2", 90)
	h.feedAll(t, "u3", 10)
	for _, u := range []string{"u1", "u2", "u3"} {
		_, err := h.engine.Recompute(ctx, u, risk.CategoryBot)
		require.NoError(t, err)
	}

	counts, err := h.engine.Summary(ctx, risk.CategoryBot)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[risk.StatusUnderReview])
	assert.Equal(t, 1, counts[risk.StatusBlocked])
	assert.Equal(t, 1, counts[risk.StatusActive])
	assert.Equal(t, 0, counts[risk.StatusWhitelisted])
}

// TestConcurrentRecomputeAndManual checks that the audit trail of a single
// profile forms one chain no matter how recomputes and operator actions
// interleave.
func TestConcurrentRecomputeAndManual(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.feedAll(t, "u1", 60)
	_, err := h.engine.Recompute(ctx, "u1", risk.CategoryBot)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _ = h.engine.Recompute(ctx, "u1", risk.CategoryBot)
		}()
		go func(i int) {
			defer wg.Done()
			action := risk.ManualClear
			if i%2 == 0 {
				action = risk.ManualWhitelist
			} else if i%3 == 0 {
				action = risk.ManualRemoveWhitelist
			}
			_, _ = h.engine.ApplyManualAction(ctx, "u1", risk.CategoryBot, action, fmt.Sprintf("op%d", i), "")
		}(i)
	}
	wg.Wait()

	hist := h.history(t, "u1")
	require.NotEmpty(t, hist)
	for i := 0; i+1 < len(hist); i++ {
		newer, older := hist[i], hist[i+1]
		assert.Equal(t, older.NewStatus, newer.PreviousStatus, "broken chain at sequence %d", newer.Sequence)
	}
	p, err := h.engine.GetProfile(ctx, "u1", risk.CategoryBot)
	require.NoError(t, err)
	assert.Equal(t, hist[0].NewStatus, p.CurrentStatus)
}

// conflictingStore fails the first n updates with a revision conflict.
type conflictingStore struct {
	profile.Store
	mu        sync.Mutex
	conflicts int
}

func (s *conflictingStore) Update(ctx context.Context, p *risk.Profile, rev int64, t *risk.StateTransition) error {
	s.mu.Lock()
	if s.conflicts > 0 {
		s.conflicts--
		s.mu.Unlock()
		return risk.ErrConcurrentModification
	}
	s.mu.Unlock()
	return s.Store.Update(ctx, p, rev, t)
}

func TestRecompute_ConflictRetriedOnceThenDropped(t *testing.T) {
	h := newHarness(t)
	store := &conflictingStore{Store: h.profiles, conflicts: 1}
	h.engine.profiles = store

	h.feedAll(t, "u1", 60)
	res, err := h.engine.Recompute(context.Background(), "u1", risk.CategoryBot)
	require.NoError(t, err)
	assert.False(t, res.Dropped)
	require.NotNil(t, res.Transition)

	store.conflicts = 2
	h.feedAll(t, "u1", 90)
	res, err = h.engine.Recompute(context.Background(), "u1", risk.CategoryBot)
	require.NoError(t, err)
	assert.True(t, res.Dropped)
	assert.Nil(t, res.Transition)

	p, err := h.engine.GetProfile(context.Background(), "u1", risk.CategoryBot)
	require.NoError(t, err)
	assert.Equal(t, risk.StatusUnderReview, p.CurrentStatus)
	assert.Len(t, h.history(t, "u1"), 1)
}
