package pagination

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	p, err := Parse("", "")
	require.NoError(t, err)
	assert.Equal(t, Params{Page: 1, PageSize: DefaultPageSize}, p)

	p, err = Parse("3", "10")
	require.NoError(t, err)
	assert.Equal(t, 20, p.Offset())

	p, err = Parse("1", "5000")
	require.NoError(t, err)
	assert.Equal(t, MaxPageSize, p.PageSize)

	_, err = Parse("0", "")
	assert.Error(t, err)
	_, err = Parse("x", "")
	assert.Error(t, err)
	_, err = Parse("", "-1")
	assert.Error(t, err)
}

func TestSliceAndMeta(t *testing.T) {
	items := []int{1, 2, 3, 4, 5}

	assert.Equal(t, []int{1, 2}, Slice(items, Params{Page: 1, PageSize: 2}))
	assert.Equal(t, []int{5}, Slice(items, Params{Page: 3, PageSize: 2}))
	assert.Nil(t, Slice(items, Params{Page: 4, PageSize: 2}))

	assert.True(t, NewMeta(Params{Page: 2, PageSize: 2}, 5).HasMore)
	assert.False(t, NewMeta(Params{Page: 3, PageSize: 2}, 5).HasMore)
}
