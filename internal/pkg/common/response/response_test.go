package response

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildPageLinks(t *testing.T) {
	u, err := url.Parse("/api/v1/resources?state=active&page=2")
	require.NoError(t, err)

	prev, next := BuildPageLinks(u, 2, 10, 35)
	require.NotNil(t, prev)
	require.NotNil(t, next)
	assert.Equal(t, "/api/v1/resources?page=1&page_size=10&state=active", *prev)
	assert.Equal(t, "/api/v1/resources?page=3&page_size=10&state=active", *next)

	prev, next = BuildPageLinks(u, 1, 10, 10)
	assert.Nil(t, prev)
	assert.Nil(t, next)

	prev, next = BuildPageLinks(nil, 1, 10, 100)
	assert.Nil(t, prev)
	assert.Nil(t, next)
}

func TestPage(t *testing.T) {
	u, _ := url.Parse("/x")
	r := Page(u, 1, 2, 3, []int{1, 2})
	require.NotNil(t, r.Count)
	assert.Equal(t, 3, *r.Count)
	assert.Nil(t, r.Previous)
	require.NotNil(t, r.Next)
	assert.Equal(t, []int{1, 2}, r.Results)
}
