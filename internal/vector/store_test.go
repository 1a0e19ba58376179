package vector

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	// Unit vectors along axes plus mixes, dimension 4.
	data := `{
		"model": "all-MiniLM-L6-v2",
		"dimension": 4,
		"chunks": [
			{"type": "skill", "content": "Go and distributed systems", "embedding": [1, 0, 0, 0]},
			{"type": "project", "content": "Portfolio chat assistant", "embedding": [0, 1, 0, 0]},
			{"type": "summary", "content": "Backend engineer", "embedding": [0.7071, 0.7071, 0, 0]},
			{"type": "contact", "content": "Reach out via email", "embedding": [0, 0, 1, 0]}
		]
	}`
	store, err := LoadReader(strings.NewReader(data))
	require.NoError(t, err)
	return store
}

func TestSearchOrdersByScore(t *testing.T) {
	store := testStore(t)

	// Query close to the first axis: skill scores highest, summary second.
	results := store.Search([]float32{1, 0.2, 0, 0}, 3, 0.1)
	require.Len(t, results, 3)
	assert.Equal(t, "skill", results[0].Record.Category)
	assert.Equal(t, "summary", results[1].Record.Category)
	assert.Equal(t, "project", results[2].Record.Category)
	assert.Greater(t, results[0].Score, results[1].Score)
	assert.Greater(t, results[1].Score, results[2].Score)
}

func TestSearchThresholdIsInclusive(t *testing.T) {
	data := `{
		"model": "m",
		"dimension": 2,
		"chunks": [
			{"type": "a", "content": "strong", "embedding": [1, 0]},
			{"type": "b", "content": "weak", "embedding": [0, 1]}
		]
	}`
	store, err := LoadReader(strings.NewReader(data))
	require.NoError(t, err)

	// Query gives scores 1.0 and 0.0; a threshold of exactly 1.0 keeps
	// the first, so >= rather than >.
	results := store.Search([]float32{1, 0}, 5, 1.0)
	require.Len(t, results, 1)
	assert.Equal(t, "a", results[0].Record.Category)
}

func TestSearchExcludesBelowThreshold(t *testing.T) {
	store := testStore(t)

	// Orthogonal contact chunk scores 0 and must not appear.
	results := store.Search([]float32{1, 0, 0, 0}, 10, 0.3)
	for _, r := range results {
		assert.GreaterOrEqual(t, r.Score, 0.3)
		assert.NotEqual(t, "contact", r.Record.Category)
	}
}

func TestSearchCapsAtTopK(t *testing.T) {
	store := testStore(t)

	results := store.Search([]float32{1, 1, 1, 1}, 2, 0)
	assert.Len(t, results, 2)
}

func TestSearchStableTieOrder(t *testing.T) {
	data := `{
		"model": "m",
		"dimension": 2,
		"chunks": [
			{"type": "first", "content": "x", "embedding": [1, 0]},
			{"type": "second", "content": "y", "embedding": [1, 0]},
			{"type": "third", "content": "z", "embedding": [1, 0]}
		]
	}`
	store, err := LoadReader(strings.NewReader(data))
	require.NoError(t, err)

	results := store.Search([]float32{1, 0}, 3, 0)
	require.Len(t, results, 3)
	assert.Equal(t, "first", results[0].Record.Category)
	assert.Equal(t, "second", results[1].Record.Category)
	assert.Equal(t, "third", results[2].Record.Category)
}

func TestSearchEmptyStore(t *testing.T) {
	store := &Store{}
	assert.Nil(t, store.Search([]float32{1, 0}, 3, 0.3))
	assert.Equal(t, 0, store.Len())
}

func TestLoadReaderSkipsMismatchedDimensions(t *testing.T) {
	data := `{
		"model": "m",
		"dimension": 3,
		"chunks": [
			{"type": "good", "content": "x", "embedding": [1, 0, 0]},
			{"type": "bad", "content": "y", "embedding": [1, 0]}
		]
	}`
	store, err := LoadReader(strings.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, 1, store.Len())
	assert.Equal(t, 3, store.Dimension())
	assert.Equal(t, "m", store.Model())
}

func TestLoadMissingFileReturnsEmptyStore(t *testing.T) {
	store, err := Load("/nonexistent/embeddings.json")
	require.NoError(t, err)
	assert.Equal(t, 0, store.Len())
}

func TestLoadReaderRejectsMalformedJSON(t *testing.T) {
	_, err := LoadReader(strings.NewReader(`{"chunks": [`))
	assert.Error(t, err)
}
