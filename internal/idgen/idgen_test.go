package idgen

import (
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWithPrefix(t *testing.T) {
	id := WithPrefix("score_")
	assert.True(t, strings.HasPrefix(id, "score_"))
	assert.Len(t, id, len("score_")+24)
	assert.NotEqual(t, id, WithPrefix("score_"))
}

func TestNewIsUUID(t *testing.T) {
	_, err := uuid.Parse(New())
	require.NoError(t, err)
}

func TestOrderedSorts(t *testing.T) {
	a := Ordered()
	b := Ordered()
	parsed, err := uuid.Parse(a)
	require.NoError(t, err)
	assert.Equal(t, uuid.Version(7), parsed.Version())
	assert.NotEqual(t, a, b)
}
