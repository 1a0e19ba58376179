// Package retrieval decides when and how portfolio context is fetched
// for a user message.
package retrieval

import "strings"

// DefaultMinWords is the minimum word count before a message triggers
// retrieval. Very short messages ("hi", "thanks") rarely benefit from
// portfolio context and skipping them avoids an embedding round trip.
const DefaultMinWords = 3

// Gate decides whether a message should trigger retrieval at all.
type Gate struct {
	Enabled  bool
	MinWords int
}

// NewGate creates a gate with the given settings. A non-positive
// minWords falls back to DefaultMinWords.
func NewGate(enabled bool, minWords int) Gate {
	if minWords <= 0 {
		minWords = DefaultMinWords
	}
	return Gate{Enabled: enabled, MinWords: minWords}
}

// ShouldRetrieve reports whether the message warrants a retrieval pass.
// Words are whitespace-delimited tokens.
func (g Gate) ShouldRetrieve(message string) bool {
	if !g.Enabled {
		return false
	}
	return len(strings.Fields(message)) >= g.MinWords
}
