package retrieval

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGateMinWords(t *testing.T) {
	gate := NewGate(true, 3)

	assert.False(t, gate.ShouldRetrieve("hi"))
	assert.False(t, gate.ShouldRetrieve("thanks a"))
	assert.True(t, gate.ShouldRetrieve("what projects exist"))
	assert.True(t, gate.ShouldRetrieve("tell me about your experience"))
}

func TestGateWhitespaceOnly(t *testing.T) {
	gate := NewGate(true, 3)

	assert.False(t, gate.ShouldRetrieve(""))
	assert.False(t, gate.ShouldRetrieve("   \n\t  "))
	// Multiple spaces between words still count as word boundaries.
	assert.True(t, gate.ShouldRetrieve("  one   two   three  "))
}

func TestGateDisabled(t *testing.T) {
	gate := NewGate(false, 3)

	assert.False(t, gate.ShouldRetrieve("a perfectly long retrieval worthy question"))
}

func TestGateDefaultMinWords(t *testing.T) {
	gate := NewGate(true, 0)
	assert.Equal(t, DefaultMinWords, gate.MinWords)
}
