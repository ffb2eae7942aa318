package configstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/riskengine/internal/risk"
)

func TestLocalNotifier_FanOut(t *testing.T) {
	n := NewLocalNotifier()
	all, cancelAll := n.Subscribe("")
	defer cancelAll()
	bot, cancelBot := n.Subscribe(risk.CategoryBot)
	defer cancelBot()

	require.NoError(t, n.Publish(context.Background(), Change{Category: risk.CategoryBot, Version: 1}))
	require.NoError(t, n.Publish(context.Background(), Change{Category: risk.CategoryRTA, Version: 1}))

	assert.Equal(t, risk.CategoryBot, (<-all).Category)
	assert.Equal(t, risk.CategoryRTA, (<-all).Category)
	assert.Equal(t, risk.CategoryBot, (<-bot).Category)
	assert.Len(t, bot, 0)
}

func TestLocalNotifier_SlowSubscriberKeepsNewest(t *testing.T) {
	n := NewLocalNotifier()
	ch, cancel := n.Subscribe(risk.CategoryBot)
	defer cancel()

	total := subscriberBuffer + 5
	for i := 1; i <= total; i++ {
		require.NoError(t, n.Publish(context.Background(), Change{Category: risk.CategoryBot, Version: int64(i)}))
	}
	require.Len(t, ch, subscriberBuffer)

	var last Change
	for len(ch) > 0 {
		last = <-ch
	}
	assert.Equal(t, int64(total), last.Version)
}

func TestLocalNotifier_CancelClosesChannel(t *testing.T) {
	n := NewLocalNotifier()
	ch, cancel := n.Subscribe("")
	cancel()
	cancel()

	_, ok := <-ch
	assert.False(t, ok)
	require.NoError(t, n.Publish(context.Background(), Change{Category: risk.CategoryBot}))
}
