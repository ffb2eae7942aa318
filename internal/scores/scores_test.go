package scores

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/riskengine/internal/risk"
	"github.com/mbd888/riskengine/internal/testutil"
)

func sample(id string, value float64) *risk.CategoryScore {
	return &risk.CategoryScore{
		ID:          id,
		UserID:      "u1",
		Category:    risk.CategoryBot,
		Value:       value,
		Recommended: risk.ActionReview,
		SubScores: []risk.SubScore{{
			ID: "batch_1", Name: "rapidBetting", Value: value, Weight: 1,
			Parameters: []risk.RawParameter{{Name: "betsPerMinute", Value: risk.Number(12)}},
		}},
		Timestamp:     time.Now().UTC().Truncate(time.Microsecond),
		ConfigVersion: "bot-v1",
	}
}

func TestMemoryStore_LatestAndList(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	_, err := s.Latest(ctx, "u1", risk.CategoryBot)
	assert.ErrorIs(t, err, risk.ErrScoreNotFound)

	require.NoError(t, s.Record(ctx, sample("s1", 40)))
	require.NoError(t, s.Record(ctx, sample("s2", 60)))
	require.NoError(t, s.Record(ctx, sample("s3", 95)))

	latest, err := s.Latest(ctx, "u1", risk.CategoryBot)
	require.NoError(t, err)
	assert.Equal(t, "s3", latest.ID)

	list, err := s.ListByKey(ctx, "u1", risk.CategoryBot, 2)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "s3", list[0].ID)
	assert.Equal(t, "s2", list[1].ID)
}

func TestMemoryStore_RecordCopies(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	sc := sample("s1", 40)
	require.NoError(t, s.Record(ctx, sc))
	sc.SubScores[0].Parameters[0].Name = "mutated"

	got, err := s.Latest(ctx, "u1", risk.CategoryBot)
	require.NoError(t, err)
	assert.Equal(t, "betsPerMinute", got.SubScores[0].Parameters[0].Name)
}

func TestPostgresStore_RoundTrip(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	ctx := context.Background()
	s := NewPostgresStore(db)

	require.NoError(t, s.Record(ctx, sample("pg1", 59.5)))
	require.NoError(t, s.Record(ctx, sample("pg2", 90)))

	latest, err := s.Latest(ctx, "u1", risk.CategoryBot)
	require.NoError(t, err)
	assert.Equal(t, "pg2", latest.ID)
	assert.InDelta(t, 90, latest.Value, 1e-9)
	require.Len(t, latest.SubScores, 1)
	v, ok := latest.SubScores[0].Parameters[0].Value.Number()
	require.True(t, ok)
	assert.InDelta(t, 12, v, 0)

	_, err = s.Latest(ctx, "u2", risk.CategoryBot)
	assert.ErrorIs(t, err, risk.ErrScoreNotFound)
}
