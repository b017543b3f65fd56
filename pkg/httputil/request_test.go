package httputil

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseQueryInt64(t *testing.T) {
	r := httptest.NewRequest("GET", "/audit/entries?from=3&to=x", nil)

	v, err := ParseQueryInt64(r, "from", 0)
	require.NoError(t, err)
	assert.Equal(t, int64(3), v)

	v, err = ParseQueryInt64(r, "limit", 100)
	require.NoError(t, err)
	assert.Equal(t, int64(100), v)

	_, err = ParseQueryInt64(r, "to", 0)
	assert.ErrorContains(t, err, "invalid to parameter")
}

func TestParseQueryString(t *testing.T) {
	r := httptest.NewRequest("GET", "/audit/export?format=csv", nil)
	assert.Equal(t, "csv", ParseQueryString(r, "format", "json"))
	assert.Equal(t, "default", ParseQueryString(r, "chain", "default"))
}
