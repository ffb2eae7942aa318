package configstore

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/riskengine/internal/risk"
)

func TestRedisNotifier_RoundTrip(t *testing.T) {
	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("REDIS_URL not set")
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rdb, err := NewRedisClient(ctx, url)
	require.NoError(t, err)
	defer rdb.Close()

	channel := "riskengine:test:" + t.Name()
	n := NewRedisNotifier(rdb, channel, testLogger())
	require.NoError(t, n.Start(ctx))

	changes, stop := n.Subscribe(risk.CategoryBot)
	defer stop()

	require.NoError(t, n.Publish(ctx, Change{Category: risk.CategoryBot, Version: 3, VersionID: "bot-v3"}))

	select {
	case ch := <-changes:
		assert.Equal(t, "bot-v3", ch.VersionID)
	case <-time.After(5 * time.Second):
		t.Fatal("change not received from redis")
	}
}

func TestNewRedisClient_BadURL(t *testing.T) {
	_, err := NewRedisClient(context.Background(), "not a url")
	assert.Error(t, err)
}
